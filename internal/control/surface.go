// Package control is the operation surface of the validation daemon. Every
// transport (unix socket, HTTP) decodes its input into a Request, resolves the
// Caller and hands both to Surface.Dispatch.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"thk/internal/bus"
	"thk/internal/domain"
	"thk/internal/engine"
	"thk/internal/metrics"
	"thk/internal/policy"
)

// Config wires a Surface.
type Config struct {
	Engine *engine.Engine
	Policy *policy.Store
	Events engine.Publisher // optional
	Logger *slog.Logger
}

// Surface exposes the engine and the policy store with privilege checks.
type Surface struct {
	engine *engine.Engine
	policy *policy.Store
	events engine.Publisher
	logger *slog.Logger
}

// New returns a Surface over an engine and its policy store.
func New(cfg Config) (*Surface, error) {
	if cfg.Engine == nil || cfg.Policy == nil {
		return nil, errors.New("control: engine and policy store are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Surface{
		engine: cfg.Engine,
		policy: cfg.Policy,
		events: cfg.Events,
		logger: cfg.Logger.With("component", "control"),
	}, nil
}

// Dispatch executes one request. It never panics and never blocks on I/O.
func (s *Surface) Dispatch(_ context.Context, caller domain.Caller, req Request) Reply {
	metrics.ControlOps.Inc()
	resp, err := s.dispatch(caller, req)
	if err != nil {
		metrics.ControlErrors.Inc()
		s.logger.Debug("control op failed", "op", req.Op, "caller", caller.Identity, "error", err)
		return failure(err)
	}
	return Reply{OK: true, Response: resp}
}

func (s *Surface) dispatch(caller domain.Caller, req Request) (Response, error) {
	switch req.Op {
	case OpVersion:
		return Response{Version: domain.Version, VersionString: domain.VersionString(domain.Version)}, nil

	case OpValidate:
		if req.Validate == nil {
			return Response{}, fmt.Errorf("validate: missing arguments: %w", domain.ErrInvalidInput)
		}
		res, err := s.Validate(caller, *req.Validate)
		if err != nil {
			return Response{}, err
		}
		return Response{Result: &res}, nil

	case OpLastResult:
		res := s.LastResult()
		return Response{Result: &res}, nil

	case OpStats:
		st := s.Stats()
		return Response{Stats: &st}, nil

	case OpGetConfig:
		cfg := s.Config()
		return Response{Config: &cfg}, nil

	case OpSetConfig:
		if req.Config == nil {
			return Response{}, fmt.Errorf("set config: missing arguments: %w", domain.ErrInvalidInput)
		}
		if err := s.SetConfig(caller, *req.Config); err != nil {
			return Response{}, err
		}
		cfg := s.Config()
		return Response{Config: &cfg}, nil

	case OpListBlocklist:
		return Response{Blocklist: s.Blocklist()}, nil

	case OpSetBlocklist:
		if err := s.SetBlocklist(caller, req.Blocklist); err != nil {
			return Response{}, err
		}
		cfg := s.Config()
		return Response{Config: &cfg}, nil
	}
	return Response{}, fmt.Errorf("%s: %w", req.Op, domain.ErrUnsupported)
}

// Validate runs one decision. A non-privileged caller may only validate as
// itself.
func (s *Surface) Validate(caller domain.Caller, args ValidateArgs) (domain.ValidationResult, error) {
	identity := caller.Identity
	if args.Identity != nil && *args.Identity != caller.Identity {
		if !caller.Admin {
			return domain.ValidationResult{}, fmt.Errorf("validate as uid %d: %w", *args.Identity, domain.ErrPermissionDenied)
		}
		identity = *args.Identity
	}
	return s.engine.Validate(caller, domain.ValidationRequest{
		Command:  args.Command,
		Flags:    args.Flags,
		Identity: identity,
	}), nil
}

// LastResult returns the most recent decision made for any caller.
func (s *Surface) LastResult() domain.ValidationResult { return s.engine.LastResult() }

// Stats returns the decision counters.
func (s *Surface) Stats() domain.Stats { return s.engine.Stats() }

// Config returns the live policy settings.
func (s *Surface) Config() domain.PolicyConfig { return s.policy.Config() }

// Blocklist returns the active patterns in match order.
func (s *Surface) Blocklist() []string { return s.policy.Blocklist() }

// SetConfig updates the audit switch and the rate limit. The blocklist is not
// touched.
func (s *Surface) SetConfig(caller domain.Caller, args ConfigArgs) error {
	if !caller.Admin {
		return fmt.Errorf("set config: %w", domain.ErrPermissionDenied)
	}
	cfg := s.policy.Update(args.AuditEnabled, args.RateLimit)
	s.logger.Info("policy updated", "caller", caller.Identity, "audit_enabled", cfg.AuditEnabled, "rate_limit", cfg.RateLimit)
	s.publish(bus.EventPolicyUpdated, caller, map[string]any{"audit_enabled": cfg.AuditEnabled, "rate_limit": cfg.RateLimit})
	return nil
}

// SetAuditEnabled flips the audit switch.
func (s *Surface) SetAuditEnabled(caller domain.Caller, enabled bool) error {
	return s.SetConfig(caller, ConfigArgs{AuditEnabled: &enabled})
}

// SetRateLimit changes the per-identity limit. Zero disables limiting.
func (s *Surface) SetRateLimit(caller domain.Caller, limit uint32) error {
	return s.SetConfig(caller, ConfigArgs{RateLimit: &limit})
}

// SetBlocklist replaces the whole blocklist after bounds validation.
func (s *Surface) SetBlocklist(caller domain.Caller, patterns []string) error {
	if !caller.Admin {
		return fmt.Errorf("set blocklist: %w", domain.ErrPermissionDenied)
	}
	if err := s.policy.ReplaceBlocklist(patterns); err != nil {
		return fmt.Errorf("set blocklist: %w", err)
	}
	s.logger.Info("blocklist replaced", "caller", caller.Identity, "patterns", len(patterns))
	s.publish(bus.EventBlocklistReplaced, caller, map[string]any{"count": len(patterns)})
	return nil
}

func (s *Surface) publish(eventType string, caller domain.Caller, payload map[string]any) {
	if s.events == nil {
		return
	}
	payload["caller"] = caller.Identity
	s.events.Emit(bus.Event{Type: eventType, Source: "control", Payload: payload})
}

// Dump renders version, counters, settings and the blocklist in the plain
// "key: value" layout of the old sysfs attributes.
func (s *Surface) Dump() string {
	st := s.Stats()
	cfg := s.Config()
	var sb strings.Builder
	fmt.Fprintf(&sb, "version: %s\n", domain.VersionString(domain.Version))
	fmt.Fprintf(&sb, "requests: %d\n", st.TotalRequests)
	fmt.Fprintf(&sb, "allowed: %d\n", st.TotalAllowed)
	fmt.Fprintf(&sb, "blocked: %d\n", st.TotalBlocked)
	fmt.Fprintf(&sb, "rate_limited: %d\n", st.TotalRateLimited)
	fmt.Fprintf(&sb, "invalid: %d\n", st.TotalInvalid)
	fmt.Fprintf(&sb, "uptime_secs: %d\n", st.UptimeSeconds)
	fmt.Fprintf(&sb, "audit_enabled: %d\n", boolDigit(cfg.AuditEnabled))
	fmt.Fprintf(&sb, "rate_limit: %d\n", cfg.RateLimit)
	fmt.Fprintf(&sb, "blocklist: %d\n", cfg.BlocklistCount)
	for _, p := range s.Blocklist() {
		sb.WriteString("  ")
		sb.WriteString(p)
		sb.WriteByte('\n')
	}
	return sb.String()
}

func boolDigit(b bool) int {
	if b {
		return 1
	}
	return 0
}
