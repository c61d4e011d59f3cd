package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"thk/internal/domain"

	"github.com/google/uuid"
)

const (
	defaultQueueSize   = 1024
	defaultSinkTimeout = 2 * time.Second
)

// NewRecord builds the audit record for one decision.
func NewRecord(req domain.ValidationRequest, res domain.ValidationResult, at time.Time) domain.AuditRecord {
	return domain.AuditRecord{
		ID:       uuid.NewString(),
		Time:     at.UTC(),
		Identity: req.Identity,
		Command:  domain.Clip(req.Command, domain.AuditCommandPrefix),
		Outcome:  res.Outcome,
		Reason:   res.Reason,
		Flags:    req.Flags,
	}
}

// FormatLine renders a record in the classic one-line audit format.
func FormatLine(rec domain.AuditRecord) string {
	return fmt.Sprintf("thk: uid=%d cmd=%q result=%s", rec.Identity, rec.Command, rec.Outcome)
}

// EmitterConfig configures an Emitter.
type EmitterConfig struct {
	QueueSize   int
	SinkTimeout time.Duration
	Sinks       []domain.AuditSink
	Logger      *slog.Logger
}

// Emitter queues audit records and delivers them to every sink from a single
// worker. Emit never blocks: a full queue drops the record.
type Emitter struct {
	queue   chan domain.AuditRecord
	sinks   []domain.AuditSink
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool

	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewEmitter creates an emitter. Call Run to start delivery.
func NewEmitter(cfg EmitterConfig) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Emitter{
		queue:   make(chan domain.AuditRecord, cfg.QueueSize),
		sinks:   cfg.Sinks,
		timeout: cfg.SinkTimeout,
		logger:  cfg.Logger.With("component", "audit"),
	}
}

// Emit enqueues rec and reports whether it was accepted.
func (e *Emitter) Emit(rec domain.AuditRecord) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		e.dropped.Add(1)
		return false
	}
	select {
	case e.queue <- rec:
		return true
	default:
		e.dropped.Add(1)
		e.logger.Warn("audit queue full, record dropped", "uid", rec.Identity, "result", rec.Outcome)
		return false
	}
}

// Run delivers queued records until ctx is done or Close is called, then
// flushes whatever is still queued.
func (e *Emitter) Run(ctx context.Context) error {
	for {
		select {
		case rec, ok := <-e.queue:
			if !ok {
				return nil
			}
			e.deliver(rec)
		case <-ctx.Done():
			e.Close()
			for rec := range e.queue {
				e.deliver(rec)
			}
			return nil
		}
	}
}

// Close stops accepting records. Records already queued are still delivered by Run.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
}

func (e *Emitter) deliver(rec domain.AuditRecord) {
	for _, sink := range e.sinks {
		if err := e.write(sink, rec); err != nil {
			e.failed.Add(1)
			e.logger.Warn("audit sink failed", "sink", sink.Name(), "id", rec.ID, "err", err)
			continue
		}
		e.delivered.Add(1)
	}
}

func (e *Emitter) write(sink domain.AuditSink, rec domain.AuditRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	return sink.WriteAudit(ctx, rec)
}

// Dropped returns how many records never reached the queue.
func (e *Emitter) Dropped() uint64 { return e.dropped.Load() }

// Delivered returns the number of successful sink writes.
func (e *Emitter) Delivered() uint64 { return e.delivered.Load() }

// Failed returns the number of failed sink writes.
func (e *Emitter) Failed() uint64 { return e.failed.Load() }

// Pending returns the number of queued records.
func (e *Emitter) Pending() int { return len(e.queue) }
