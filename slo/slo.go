// Package slo attaches a latency objective to routes.
//
// Track stores a tier and its target in the request context; the wrapper
// middleware compares the request duration against the target and logs
// slo_class and slo_status (PASS or FAIL) on the canonical log line.
//
//	r.With(slo.Track(slo.Visit)).Get("/counter", counterHandler)
//	r.With(slo.Track(slo.Admin)).Post("/reset/{project}", resetHandler)
package slo

import (
	"context"
	"net/http"
	"time"
)

// Tier names a latency class.
type Tier string

const (
	// Health is for /health, which reads only the project count.
	Health Tier = "health"

	// Read is for single store reads such as /count and /stats.
	Read Tier = "read"

	// Visit is for the counting path: hash, atomic record, badge URL.
	Visit Tier = "visit"

	// Admin is for resets, which scan and delete every visitor marker of a project.
	Admin Tier = "admin"
)

var targets = map[Tier]time.Duration{
	Health: 20 * time.Millisecond,
	Read:   50 * time.Millisecond,
	Visit:  100 * time.Millisecond,
	Admin:  1000 * time.Millisecond,
}

type contextKey string

const configKey contextKey = "slo_config"

type config struct {
	tier   Tier
	target time.Duration
}

// Track sets a predefined tier in context:
//   - Health: 20ms
//   - Read: 50ms
//   - Visit: 100ms
//   - Admin: 1000ms
func Track(tier Tier) func(http.Handler) http.Handler {
	cfg := &config{tier: tier, target: targets[tier]}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), configKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTier returns the tier and target stored by Track, if any.
func GetTier(ctx context.Context) (Tier, time.Duration, bool) {
	cfg, ok := ctx.Value(configKey).(*config)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
