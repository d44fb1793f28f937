// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the EnhanceAI Metering service.
package main

import (
	"enhanceai/platform/metering"
)

func main() {
	metering.Run()
}
