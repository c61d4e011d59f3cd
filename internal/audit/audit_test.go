package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"thk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memSink collects records in memory.
type memSink struct {
	mu   sync.Mutex
	recs []domain.AuditRecord
	err  error
}

func (m *memSink) Name() string { return "mem" }

func (m *memSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recs = append(m.recs, rec)
	return nil
}

func (m *memSink) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recs)
}

type panicSink struct{}

func (panicSink) Name() string { return "panic" }
func (panicSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	panic("boom")
}

type slowSink struct{}

func (slowSink) Name() string { return "slow" }
func (slowSink) WriteAudit(ctx context.Context, rec domain.AuditRecord) error {
	<-ctx.Done()
	return ctx.Err()
}

func sampleRecord(outcome domain.Outcome) domain.AuditRecord {
	req := domain.ValidationRequest{Command: "rm -rf /", Flags: domain.FlagAudit, Identity: 1000}
	res := domain.ValidationResult{Outcome: outcome}
	return NewRecord(req, res, time.Now())
}

// --- Recorder ---

func TestRecorder_CountsOutcomes(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start
	r := NewRecorder(func() time.Time { return now })

	outcomes := []domain.Outcome{
		domain.OutcomeOK, domain.OutcomeOK, domain.OutcomeBlocked,
		domain.OutcomeRateLimited, domain.OutcomeInvalid,
	}
	for _, o := range outcomes {
		r.Request()
		r.Outcome(o)
	}
	now = start.Add(90 * time.Second)

	s := r.Snapshot()
	if s.TotalRequests != 5 || s.TotalAllowed != 2 || s.TotalBlocked != 1 || s.TotalRateLimited != 1 || s.TotalInvalid != 1 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.UptimeSeconds != 90 {
		t.Fatalf("uptime = %d, want 90", s.UptimeSeconds)
	}
	if !r.loaded.Equal(start) {
		t.Fatalf("loaded = %v", r.loaded)
	}
}

// --- Records ---

func TestNewRecord_TruncatesCommand(t *testing.T) {
	long := strings.Repeat("a", 1000)
	rec := NewRecord(domain.ValidationRequest{Command: long}, domain.ValidationResult{}, time.Now())
	if len(rec.Command) != domain.AuditCommandPrefix {
		t.Fatalf("command length = %d, want %d", len(rec.Command), domain.AuditCommandPrefix)
	}
	if rec.ID == "" {
		t.Fatal("record should get an id")
	}
}

func TestFormatLine(t *testing.T) {
	rec := sampleRecord(domain.OutcomeBlocked)
	want := `thk: uid=1000 cmd="rm -rf /" result=blocked`
	if got := FormatLine(rec); got != want {
		t.Fatalf("FormatLine = %q, want %q", got, want)
	}
}

// --- Emitter ---

func TestEmitter_DeliversToAllSinks(t *testing.T) {
	a, b := &memSink{}, &memSink{}
	e := NewEmitter(EmitterConfig{Sinks: []domain.AuditSink{a, b}, Logger: testLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx) }()

	for i := 0; i < 10; i++ {
		if !e.Emit(sampleRecord(domain.OutcomeOK)) {
			t.Fatal("emit rejected")
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if a.Len() != 10 || b.Len() != 10 {
		t.Fatalf("delivered a=%d b=%d, want 10 each", a.Len(), b.Len())
	}
	if e.Delivered() != 20 {
		t.Fatalf("Delivered() = %d", e.Delivered())
	}
}

func TestEmitter_DropsWhenFull(t *testing.T) {
	e := NewEmitter(EmitterConfig{QueueSize: 1, Logger: testLogger()})
	if !e.Emit(sampleRecord(domain.OutcomeOK)) {
		t.Fatal("first emit should fit")
	}
	if e.Emit(sampleRecord(domain.OutcomeOK)) {
		t.Fatal("second emit should be dropped")
	}
	if e.Dropped() != 1 || e.Pending() != 1 {
		t.Fatalf("dropped=%d pending=%d", e.Dropped(), e.Pending())
	}
}

func TestEmitter_EmitAfterClose(t *testing.T) {
	e := NewEmitter(EmitterConfig{Logger: testLogger()})
	e.Close()
	e.Close()
	if e.Emit(sampleRecord(domain.OutcomeOK)) {
		t.Fatal("closed emitter must reject")
	}
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestEmitter_SinkFailuresAreIsolated(t *testing.T) {
	good := &memSink{}
	bad := &memSink{err: errors.New("disk full")}
	e := NewEmitter(EmitterConfig{
		Sinks:       []domain.AuditSink{bad, panicSink{}, slowSink{}, good},
		SinkTimeout: 20 * time.Millisecond,
		Logger:      testLogger(),
	})

	e.Emit(sampleRecord(domain.OutcomeBlocked))
	e.Close()
	if err := e.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	if good.Len() != 1 {
		t.Fatal("healthy sink should still receive the record")
	}
	if e.Failed() != 3 {
		t.Fatalf("Failed() = %d, want 3", e.Failed())
	}
}

func TestEmitter_ConcurrentEmitAndClose(t *testing.T) {
	sink := &memSink{}
	e := NewEmitter(EmitterConfig{QueueSize: 8, Sinks: []domain.AuditSink{sink}, Logger: testLogger()})
	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(sampleRecord(domain.OutcomeOK))
			}
		}()
	}
	time.Sleep(5 * time.Millisecond)
	e.Close()
	wg.Wait()
	<-done

	if got := uint64(sink.Len()) + e.Dropped(); got != 800 {
		t.Fatalf("delivered+dropped = %d, want 800", got)
	}
}

// --- Sinks ---

func TestFilterSink(t *testing.T) {
	inner := &memSink{}
	f := OnlyOutcomes(inner, domain.OutcomeBlocked, domain.OutcomeRateLimited)
	ctx := context.Background()
	f.WriteAudit(ctx, sampleRecord(domain.OutcomeOK))
	f.WriteAudit(ctx, sampleRecord(domain.OutcomeBlocked))
	f.WriteAudit(ctx, sampleRecord(domain.OutcomeRateLimited))
	if inner.Len() != 2 {
		t.Fatalf("filter passed %d records, want 2", inner.Len())
	}
	if f.Name() != "mem" {
		t.Fatalf("Name() = %q", f.Name())
	}
}

func TestLogSink(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	s := NewLogSink(logger)
	if err := s.WriteAudit(context.Background(), sampleRecord(domain.OutcomeBlocked)); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	for _, want := range []string{"level=WARN", "uid=1000", `cmd="rm -rf /"`, "result=blocked"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q: %s", want, out)
		}
	}
}
