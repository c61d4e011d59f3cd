package audit

import (
	"context"
	"log/slog"

	"thk/internal/domain"
)

// LogSink writes records to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("component", "audit")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	level := slog.LevelInfo
	if rec.Outcome != domain.OutcomeOK {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "thk audit",
		"uid", rec.Identity,
		"cmd", rec.Command,
		"result", rec.Outcome.String(),
		"reason", rec.Reason,
		"id", rec.ID,
	)
	return nil
}

// FilterSink forwards only records whose outcome is in the allowed set.
type FilterSink struct {
	next     domain.AuditSink
	outcomes map[domain.Outcome]bool
}

// OnlyOutcomes wraps next so it only sees the given outcomes.
func OnlyOutcomes(next domain.AuditSink, outcomes ...domain.Outcome) *FilterSink {
	set := make(map[domain.Outcome]bool, len(outcomes))
	for _, o := range outcomes {
		set[o] = true
	}
	return &FilterSink{next: next, outcomes: set}
}

func (f *FilterSink) Name() string { return f.next.Name() }

func (f *FilterSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	if !f.outcomes[rec.Outcome] {
		return nil
	}
	return f.next.WriteAudit(ctx, rec)
}
