// Package idempotency records which provider events have already been
// processed so a redelivered event is acknowledged without running its side
// effects twice.
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is the window during which a processed event is remembered.
// Provider redelivery stops well within it.
const DefaultTTL = 24 * time.Hour

// DefaultInFlightTTL bounds how long a claim survives a crashed handler.
const DefaultInFlightTTL = 5 * time.Minute

// Store is the minimal processed-event set. Has reports true only for
// records added with Add whose TTL has not elapsed.
type Store interface {
	Has(ctx context.Context, eventID string) (bool, error)
	// Add marks eventID processed for ttl. A ttl <= 0 means DefaultTTL.
	Add(ctx context.Context, eventID string, ttl time.Duration) error
}

// ClaimState is the outcome of an atomic claim attempt.
type ClaimState int

const (
	// ClaimAcquired means the caller owns the event and must Add or Release it.
	ClaimAcquired ClaimState = iota
	// ClaimProcessed means the event already completed within the window.
	ClaimProcessed
	// ClaimInFlight means another worker holds an unexpired claim.
	ClaimInFlight
)

func (s ClaimState) String() string {
	switch s {
	case ClaimAcquired:
		return "acquired"
	case ClaimProcessed:
		return "processed"
	case ClaimInFlight:
		return "in_flight"
	default:
		return "unknown"
	}
}

// Claimer is a Store with an atomic check-and-set. Stores that implement it
// close the window between Has and Add where two concurrent deliveries of
// the same event could both run.
type Claimer interface {
	Store
	// Claim atomically takes ownership of eventID unless it is processed or
	// claimed by someone else. The claim lapses after inFlightTTL.
	Claim(ctx context.Context, eventID string, inFlightTTL time.Duration) (ClaimState, error)
	// Release drops an unfinished claim so a retry can run the handler.
	Release(ctx context.Context, eventID string) error
}

// EffectiveTTL applies the DefaultTTL fallback.
func EffectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}

func effectiveInFlightTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultInFlightTTL
	}
	return ttl
}
