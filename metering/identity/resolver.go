// Copyright 2025 EnhanceAI
// SPDX-License-Identifier: Apache-2.0

// Package identity resolves HTTP requests to metering caller keys. An
// authenticated request maps to its account; everything else maps to an
// anonymous key derived from the client's network address.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"enhanceai/platform/metering/entitlement"
)

// ipHeaders is checked in priority order. The first entry that yields a
// valid, publicly routable address wins.
var ipHeaders = []string{"X-Forwarded-For", "X-Real-IP", "X-Client-IP"}

// Resolver extracts the caller identity from an incoming request.
type Resolver struct {
	jwtSecret []byte
}

// NewResolver creates a resolver. An empty secret disables token
// verification: every caller is then treated as anonymous.
func NewResolver(jwtSecret string) *Resolver {
	return &Resolver{jwtSecret: []byte(jwtSecret)}
}

// Resolve returns the caller key and the plan the request presents.
// Invalid or expired tokens degrade to anonymous rather than failing
// the request; the entitlement tier is the only thing at stake here.
func (r *Resolver) Resolve(req *http.Request) (entitlement.CallerKey, entitlement.Plan) {
	if key, plan, ok := r.resolveAccount(req); ok {
		return key, plan
	}
	return entitlement.CallerKey{
		Kind: entitlement.CallerAnonymous,
		ID:   ClientID(req),
	}, entitlement.PlanAnonymous
}

// resolveAccount verifies the bearer token and extracts the account ID
// and plan claims.
func (r *Resolver) resolveAccount(req *http.Request) (entitlement.CallerKey, entitlement.Plan, bool) {
	if len(r.jwtSecret) == 0 {
		return entitlement.CallerKey{}, "", false
	}
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return entitlement.CallerKey{}, "", false
	}
	raw := strings.TrimPrefix(auth, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return r.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return entitlement.CallerKey{}, "", false
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return entitlement.CallerKey{}, "", false
	}

	plan := entitlement.PlanFree
	if raw, ok := claims["plan"].(string); ok {
		if p, err := entitlement.ParsePlan(raw); err == nil {
			plan = p
		}
	} else if raw := req.Header.Get("X-User-Plan"); raw != "" {
		// Older clients present the plan out of band. Only trusted as
		// a provisioning hint: the stored plan always wins afterwards.
		if p, err := entitlement.ParsePlan(raw); err == nil {
			plan = p
		}
	}
	return entitlement.CallerKey{Kind: entitlement.CallerAccount, ID: sub}, plan, true
}

// ClientID derives a stable anonymous identifier for the request.
// Proxy headers are preferred over the socket address, and private or
// reserved addresses in those headers are skipped so a shared reverse
// proxy cannot funnel every caller into one bucket. When no address is
// usable at all, a fingerprint of stable request headers keeps callers
// apart on a best-effort basis.
func ClientID(req *http.Request) string {
	for _, header := range ipHeaders {
		value := req.Header.Get(header)
		if value == "" {
			continue
		}
		// X-Forwarded-For may carry the whole proxy chain; the
		// client is the first hop.
		for _, part := range strings.Split(value, ",") {
			ip := strings.TrimSpace(part)
			if isPublicIP(ip) {
				return ip
			}
		}
	}

	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil && host != "" {
		return host
	}
	if req.RemoteAddr != "" {
		return req.RemoteAddr
	}
	return fingerprint(req)
}

// isPublicIP reports whether s parses as an IP outside the private,
// loopback, link-local and unspecified ranges.
func isPublicIP(s string) bool {
	ip := net.ParseIP(s)
	if ip == nil {
		return false
	}
	return !ip.IsPrivate() && !ip.IsLoopback() && !ip.IsLinkLocalUnicast() && !ip.IsUnspecified()
}

// fingerprint hashes stable request headers into a shared fallback
// identifier. Colliding callers share one quota bucket, which fails
// toward stricter limits.
func fingerprint(req *http.Request) string {
	h := sha256.New()
	h.Write([]byte(req.Header.Get("User-Agent")))
	h.Write([]byte{0})
	h.Write([]byte(req.Header.Get("Accept")))
	h.Write([]byte{0})
	h.Write([]byte(req.Header.Get("Accept-Language")))
	sum := hex.EncodeToString(h.Sum(nil))
	if sum == emptyFingerprint {
		return "unknown"
	}
	return "fp:" + sum[:16]
}

// emptyFingerprint is the digest of three empty headers.
var emptyFingerprint = func() string {
	h := sha256.New()
	h.Write([]byte{0})
	h.Write([]byte{0})
	return hex.EncodeToString(h.Sum(nil))
}()
