// Package engine decides whether a shell command may run.
//
// Every request passes, in order, an input check, the per-identity rate
// limiter and the blocklist. The first stage that objects produces the
// outcome; later stages are not consulted.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"thk/internal/audit"
	"thk/internal/bus"
	"thk/internal/domain"
	"thk/internal/metrics"
	"thk/internal/policy"
)

const (
	reasonEmpty       = "empty command"
	reasonTooLong     = "command too long"
	reasonNUL         = "command contains NUL byte"
	reasonRateLimited = "rate limit exceeded"
)

// AuditQueue accepts audit records without blocking.
type AuditQueue interface {
	Emit(rec domain.AuditRecord) bool
}

// Publisher receives decision events.
type Publisher interface {
	Emit(event bus.Event)
}

// Config wires an Engine.
type Config struct {
	Policy  *policy.Store
	Limiter domain.RateLimiter
	Stats   *audit.Recorder
	Audit   AuditQueue // nil disables the audit trail
	Events  Publisher  // optional
	Clock   func() time.Time
	Logger  *slog.Logger
}

// Engine is safe for concurrent use.
type Engine struct {
	policy  *policy.Store
	limiter domain.RateLimiter
	stats   *audit.Recorder
	audit   AuditQueue
	events  Publisher
	now     func() time.Time
	logger  *slog.Logger

	lastMu sync.Mutex
	last   domain.ValidationResult
}

// New checks the required dependencies and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Policy == nil {
		return nil, errors.New("engine: policy store is required")
	}
	if cfg.Limiter == nil {
		return nil, errors.New("engine: rate limiter is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Stats == nil {
		cfg.Stats = audit.NewRecorder(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		policy:  cfg.Policy,
		limiter: cfg.Limiter,
		stats:   cfg.Stats,
		audit:   cfg.Audit,
		events:  cfg.Events,
		now:     cfg.Clock,
		logger:  cfg.Logger.With("component", "engine"),
	}, nil
}

// Validate decides req on behalf of caller, records the outcome and returns it.
// The result is also stored as the shared last result.
func (e *Engine) Validate(caller domain.Caller, req domain.ValidationRequest) domain.ValidationResult {
	start := time.Now()
	req.Flags = req.Flags.Known()
	e.stats.Request()

	snap := e.policy.Snapshot()
	res := e.decide(caller, req, snap)
	e.stats.Outcome(res.Outcome)

	if snap.AuditEnabled && req.Flags.Has(domain.FlagAudit) && e.audit != nil {
		e.audit.Emit(audit.NewRecord(req, res, e.now()))
	}

	e.lastMu.Lock()
	e.last = res
	e.lastMu.Unlock()

	metrics.ValidationLatency.Observe(time.Since(start).Seconds())
	e.publish(req, res)
	return res
}

func (e *Engine) decide(caller domain.Caller, req domain.ValidationRequest, snap policy.Snapshot) domain.ValidationResult {
	res := domain.ValidationResult{Flags: req.Flags}

	switch {
	case req.Command == "":
		res.Outcome, res.Reason = domain.OutcomeInvalid, reasonEmpty
		return res
	case len(req.Command) >= domain.MaxCommandLen:
		res.Outcome, res.Reason = domain.OutcomeInvalid, reasonTooLong
		return res
	case strings.IndexByte(req.Command, 0) >= 0:
		res.Outcome, res.Reason = domain.OutcomeInvalid, reasonNUL
		return res
	}

	if e.limiter.Check(req.Identity, snap.RateLimit) {
		e.logger.Info("command rate limited", "uid", req.Identity, "limit", snap.RateLimit)
		res.Outcome, res.Reason = domain.OutcomeRateLimited, reasonRateLimited
		return res
	}

	force := req.Flags.Has(domain.FlagForce)
	if force && caller.Admin {
		e.logger.Info("blocklist bypassed", "uid", req.Identity, "caller", caller.Identity)
		res.Outcome = domain.OutcomeOK
		return res
	}
	if force {
		e.logger.Warn("force flag ignored for unprivileged caller", "caller", caller.Identity)
	}

	if _, pattern, ok := snap.Blocklist.Match(req.Command); ok {
		e.logger.Warn("command BLOCKED by blocklist", "uid", req.Identity, "pattern", pattern)
		res.Outcome = domain.OutcomeBlocked
		res.Reason = domain.Clip(fmt.Sprintf("blocked: matches pattern '%s'", pattern), domain.MaxReasonLen-1)
		return res
	}

	res.Outcome = domain.OutcomeOK
	return res
}

func (e *Engine) publish(req domain.ValidationRequest, res domain.ValidationResult) {
	if e.events == nil {
		return
	}
	e.events.Emit(bus.Event{
		Type:   bus.EventValidationDecided,
		Source: "engine",
		Payload: map[string]any{
			"uid":     req.Identity,
			"command": domain.Clip(req.Command, domain.AuditCommandPrefix),
			"outcome": res.Outcome.String(),
			"reason":  res.Reason,
			"flags":   uint32(res.Flags),
		},
	})
}

// LastResult returns the most recent decision made by any caller.
func (e *Engine) LastResult() domain.ValidationResult {
	e.lastMu.Lock()
	defer e.lastMu.Unlock()
	return e.last
}

// Stats returns the current counters.
func (e *Engine) Stats() domain.Stats {
	return e.stats.Snapshot()
}
