package domain

import (
	"context"
	"time"
)

// AuditRecord is one entry of the audit trail.
type AuditRecord struct {
	ID       string    `json:"id"`
	Time     time.Time `json:"time"`
	Identity uint32    `json:"identity"`
	Command  string    `json:"command"` // at most AuditCommandPrefix bytes
	Outcome  Outcome   `json:"outcome"`
	Reason   string    `json:"reason,omitempty"`
	Flags    Flags     `json:"flags"`
}

// AuditSink persists or forwards audit records.
type AuditSink interface {
	Name() string
	WriteAudit(ctx context.Context, rec AuditRecord) error
}
