// Package ttl computes effective cache lifetimes from a base TTL, the
// current market session and the caller's freshness requirement. The
// computation is pure: same inputs, same output, no side effects.
package ttl

import (
	"fmt"
	"math"
	"time"

	"quoteflow/models"
)

const (
	// MinTTL and MaxTTL bound every computed lifetime. Base TTLs outside
	// the range are clamped before factors apply.
	MinTTL = 30 * time.Second
	MaxTTL = 86400 * time.Second
)

// Result carries the effective TTL plus an audit trail of how it was
// derived. Reason is human readable and must not be parsed by callers.
type Result struct {
	TTL             time.Duration
	Reason          string
	IsDynamic       bool
	MarketFactor    float64
	FreshnessFactor float64
	ComputedAt      time.Time
}

// Market factors shorten cache life while the session is open (quotes churn
// fast) and stretch it when the market is closed.
var marketFactors = map[models.MarketStatus]float64{
	models.MarketPre:    0.8,
	models.MarketOpen:   0.5,
	models.MarketAfter:  0.8,
	models.MarketClosed: 2.0,
}

// Freshness factors shorten cache life for real-time consumers and stretch
// it for delayed ones.
var freshnessFactors = map[models.Freshness]float64{
	models.FreshnessRealTime:     0.5,
	models.FreshnessNearRealTime: 0.8,
	models.FreshnessDelayed:      1.5,
}

// Compute derives the effective TTL for the given base lifetime, market
// status and freshness class. Unknown statuses and classes fall back to a
// neutral factor of 1.0 and the result is flagged as non-dynamic.
func Compute(baseTTL time.Duration, market models.MarketStatus, freshness models.Freshness) Result {
	clamped := clamp(baseTTL)

	mf, mok := marketFactors[market]
	ff, fok := freshnessFactors[freshness]
	if !mok {
		mf = 1.0
	}
	if !fok {
		ff = 1.0
	}

	// Only the base is held to the configured bounds; factors may push the
	// effective TTL below MinTTL (an open market with real-time consumers
	// legitimately wants a very short lifetime).
	dynamic := mok && fok
	effective := time.Duration(math.Round(float64(clamped) * mf * ff))
	if effective < time.Second {
		effective = time.Second
	}
	if effective > MaxTTL {
		effective = MaxTTL
	}

	reason := fmt.Sprintf(
		"base=%s market=%s(x%.2f) freshness=%s(x%.2f) effective=%s",
		clamped, market, mf, freshness, ff, effective,
	)
	if clamped != baseTTL {
		reason = fmt.Sprintf("base clamped from %s; %s", baseTTL, reason)
	}

	return Result{
		TTL:             effective,
		Reason:          reason,
		IsDynamic:       dynamic,
		MarketFactor:    mf,
		FreshnessFactor: ff,
		ComputedAt:      time.Now(),
	}
}

func clamp(d time.Duration) time.Duration {
	if d < MinTTL {
		return MinTTL
	}
	if d > MaxTTL {
		return MaxTTL
	}
	return d
}
