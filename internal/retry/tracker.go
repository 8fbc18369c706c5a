// Package retry tracks per-(org, source) fetch failures across runs so the
// pipeline can stop hammering sources that keep failing, while still
// re-attempting them once enough time has passed that the failure may have
// been environmental.
package retry

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uabbasi/good-measure-giving/internal/cache"
	"github.com/uabbasi/good-measure-giving/internal/model"
)

// Tracker wraps the store's retry-state rows with backoff policy.
type Tracker struct {
	store       cache.Store
	maxFailures int
	resetTTL    time.Duration
	now         func() time.Time
}

// Config tunes the tracker.
type Config struct {
	// MaxFailures is the consecutive-failure cap after which a source is
	// skipped. Default: 3.
	MaxFailures int `yaml:"max_failures" mapstructure:"max_failures"`

	// ResetTTL is how long after the last failure a capped source becomes
	// eligible for a forced retry. Default: 7 days.
	ResetTTL time.Duration `yaml:"reset_ttl" mapstructure:"reset_ttl"`
}

// NewTracker creates a Tracker over the given store.
func NewTracker(store cache.Store, cfg Config) *Tracker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = 7 * 24 * time.Hour
	}
	return &Tracker{
		store:       store,
		maxFailures: cfg.MaxFailures,
		resetTTL:    cfg.ResetTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ShouldAttempt reports whether a source fetch should be attempted for an
// org. A source under the failure cap is always attempted. A capped source
// is skipped until its last failure ages past the reset TTL, at which point
// the counter is cleared with an explicit marker and the source is attempted
// again.
func (t *Tracker) ShouldAttempt(ctx context.Context, ein, source string) (bool, string, error) {
	state, err := t.store.GetRetry(ctx, ein, source)
	if err != nil {
		return false, "", err
	}
	if state == nil || state.Failures < t.maxFailures {
		return true, "", nil
	}

	age := t.now().Sub(state.LastFailureAt)
	if age > t.resetTTL {
		if err := t.store.ResetRetry(ctx, ein, source, model.RetryResetMarker); err != nil {
			return false, "", err
		}
		zap.L().Info("retry: forced retry after TTL",
			zap.String("ein", ein),
			zap.String("source", source),
			zap.Duration("age", age),
		)
		return true, model.RetryResetMarker, nil
	}

	return false, fmt.Sprintf("skipped: %d consecutive failures, retry in %s",
		state.Failures, (t.resetTTL - age).Round(time.Minute)), nil
}

// RecordFailure increments the consecutive-failure counter and stores the
// error text for audit.
func (t *Tracker) RecordFailure(ctx context.Context, ein, source string, fetchErr error) error {
	msg := ""
	if fetchErr != nil {
		msg = fetchErr.Error()
	}
	failures, err := t.store.RecordFailure(ctx, ein, source, msg)
	if err != nil {
		return err
	}
	if failures >= t.maxFailures {
		zap.L().Warn("retry: source at failure cap",
			zap.String("ein", ein),
			zap.String("source", source),
			zap.Int("failures", failures),
		)
	}
	return nil
}

// RecordSuccess resets the counter after a successful fetch. The empty
// last_error distinguishes an ordinary success from a TTL-forced reset.
func (t *Tracker) RecordSuccess(ctx context.Context, ein, source string) error {
	return t.store.ResetRetry(ctx, ein, source, "")
}
