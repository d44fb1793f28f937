// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

package entitlement

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	consumeTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enhanceai_metering_consume_total",
			Help: "Total number of consume decisions by tool and outcome",
		},
		[]string{"tool", "outcome"},
	)
	quotaRemaining = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "enhanceai_metering_quota_remaining",
			Help: "Remaining quota observed at the last allowed consume, by plan",
		},
		[]string{"plan"},
	)
	consumeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enhanceai_metering_consume_duration_milliseconds",
			Help:    "Consume decision latency in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"tool"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(consumeTotal)
	prometheus.MustRegister(quotaRemaining)
	prometheus.MustRegister(consumeDuration)
}
