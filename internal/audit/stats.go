// Package audit keeps the validation counters and carries audit records from
// the engine to their sinks without holding up the caller.
package audit

import (
	"sync/atomic"
	"time"

	"thk/internal/domain"
)

// Recorder holds process-wide monotonic counters. Each counter is updated
// independently; a Snapshot taken mid-request may be briefly inconsistent.
type Recorder struct {
	requests    atomic.Uint64
	allowed     atomic.Uint64
	blocked     atomic.Uint64
	rateLimited atomic.Uint64
	invalid     atomic.Uint64

	loaded time.Time
	now    func() time.Time
}

// NewRecorder starts the uptime clock at now().
func NewRecorder(now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{loaded: now(), now: now}
}

// Request counts one incoming request.
func (r *Recorder) Request() { r.requests.Add(1) }

// Outcome counts one terminal decision.
func (r *Recorder) Outcome(o domain.Outcome) {
	switch o {
	case domain.OutcomeOK:
		r.allowed.Add(1)
	case domain.OutcomeBlocked:
		r.blocked.Add(1)
	case domain.OutcomeRateLimited:
		r.rateLimited.Add(1)
	case domain.OutcomeInvalid:
		r.invalid.Add(1)
	}
}

// Snapshot reads all counters.
func (r *Recorder) Snapshot() domain.Stats {
	up := r.now().Sub(r.loaded)
	if up < 0 {
		up = 0
	}
	return domain.Stats{
		TotalRequests:    r.requests.Load(),
		TotalAllowed:     r.allowed.Load(),
		TotalBlocked:     r.blocked.Load(),
		TotalRateLimited: r.rateLimited.Load(),
		TotalInvalid:     r.invalid.Load(),
		UptimeSeconds:    uint64(up / time.Second),
	}
}
