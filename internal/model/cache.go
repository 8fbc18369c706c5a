package model

import "time"

// CacheEntry records a successful run of one phase for one org. There is at
// most one entry per (EIN, phase); last_run_at only moves forward.
type CacheEntry struct {
	EIN         string    `json:"ein"`
	Phase       string    `json:"phase"`
	Fingerprint string    `json:"fingerprint"`
	LastRunAt   time.Time `json:"last_run_at"`
	CostUSD     float64   `json:"cost_usd"`
}

// Age returns how long ago the entry was written.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.LastRunAt)
}

// RetryState tracks consecutive failures of one external source for one org,
// persisted across runs so the pipeline can back off from sources that keep
// failing.
type RetryState struct {
	EIN           string    `json:"ein"`
	Source        string    `json:"source"`
	Failures      int       `json:"failures"`
	LastFailureAt time.Time `json:"last_failure_at"`
	LastError     string    `json:"last_error"`
}

// RetryResetMarker is written to RetryState.LastError when a TTL-based
// forced retry clears the failure counter, so audits can tell a deliberate
// re-attempt from an ordinary success.
const RetryResetMarker = "reset: TTL expired"
