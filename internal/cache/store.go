package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/uabbasi/good-measure-giving/internal/model"
)

// ReasonValid is returned by Check when a cache entry is usable.
const ReasonValid = "cache valid"

// Store persists phase-cache rows and per-source retry state across process
// invocations. Every mutation is atomic per (ein, phase) key: concurrent
// workers racing on the same key never observe a half-written row.
type Store interface {
	// Phase cache
	Get(ctx context.Context, ein, phase string) (*model.CacheEntry, error)
	Upsert(ctx context.Context, ein, phase, fingerprint string, costUSD float64) error
	Delete(ctx context.Context, ein, phase string) error

	// CompletePhase records a successful phase run and purges the given
	// downstream phases for the same org as one logical operation, cascade
	// delete ordered no later than the upsert.
	CompletePhase(ctx context.Context, ein, phase, fingerprint string, costUSD float64, downstream []string) error

	Entries(ctx context.Context, ein string) ([]model.CacheEntry, error)
	AllEntries(ctx context.Context) ([]model.CacheEntry, error)
	ListEINs(ctx context.Context) ([]string, error)

	// Retry state
	GetRetry(ctx context.Context, ein, source string) (*model.RetryState, error)
	RecordFailure(ctx context.Context, ein, source, lastError string) (int, error)
	ResetRetry(ctx context.Context, ein, source, marker string) error
	ListRetries(ctx context.Context) ([]model.RetryState, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// Check reports whether a cache entry is still usable for the given
// fingerprint and TTL. The reason distinguishes the three failure cases
// (missing entry, fingerprint mismatch, age past TTL) because operators
// see it on the status surface, not just in logs.
func Check(entry *model.CacheEntry, fingerprint string, ttl time.Duration, now time.Time) (bool, string) {
	if entry == nil {
		return false, "no cache entry"
	}
	if entry.Fingerprint != fingerprint {
		return false, fmt.Sprintf("code changed (%s→%s)", entry.Fingerprint, fingerprint)
	}
	if ttl > 0 {
		if age := entry.Age(now); age > ttl {
			return false, fmt.Sprintf("ttl expired (age %s > limit %s)", age.Round(time.Second), ttl)
		}
	}
	return true, ReasonValid
}

// IsValid fetches the entry for (ein, phase) and applies Check against the
// current fingerprint and the phase TTL.
func IsValid(ctx context.Context, s Store, ein, phase, fingerprint string, ttl time.Duration) (bool, string, error) {
	entry, err := s.Get(ctx, ein, phase)
	if err != nil {
		return false, "", err
	}
	ok, reason := Check(entry, fingerprint, ttl, time.Now().UTC())
	return ok, reason, nil
}
