package engine

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"thk/internal/audit"
	"thk/internal/bus"
	"thk/internal/domain"
	"thk/internal/policy"
	"thk/internal/ratelimit"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingQueue struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (q *recordingQueue) Emit(rec domain.AuditRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.records = append(q.records, rec)
	return true
}

func (q *recordingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

type harness struct {
	engine *Engine
	policy *policy.Store
	table  *ratelimit.Table
	clock  *fakeClock
	audit  *recordingQueue
	events *bus.EventBus
}

func newHarness(t *testing.T, auditEnabled bool, rateLimit uint32) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := policy.NewStore(policy.Config{AuditEnabled: auditEnabled, RateLimit: rateLimit, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	table := ratelimit.NewTable(ratelimit.Config{Clock: clock.Now, Logger: testLogger()})
	q := &recordingQueue{}
	events := bus.NewEventBus(100, testLogger())
	eng, err := New(Config{
		Policy:  store,
		Limiter: table,
		Audit:   q,
		Events:  events,
		Clock:   clock.Now,
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{engine: eng, policy: store, table: table, clock: clock, audit: q, events: events}
}

func user(uid uint32) domain.Caller { return domain.Caller{Identity: uid} }

func req(cmd string, uid uint32, flags domain.Flags) domain.ValidationRequest {
	return domain.ValidationRequest{Command: cmd, Identity: uid, Flags: flags}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without a policy store")
	}
	store, _ := policy.NewStore(policy.Config{Logger: testLogger()})
	if _, err := New(Config{Policy: store}); err == nil {
		t.Fatal("expected error without a rate limiter")
	}
}

func TestValidate_BlockedNamesPattern(t *testing.T) {
	h := newHarness(t, false, 10)

	res := h.engine.Validate(user(1000), req("sudo rm -rf / --no-preserve-root", 1000, 0))
	if res.Outcome != domain.OutcomeBlocked {
		t.Fatalf("outcome = %v, want blocked", res.Outcome)
	}
	if res.Reason != "blocked: matches pattern 'rm -rf /'" {
		t.Fatalf("reason = %q", res.Reason)
	}
	if len(res.Reason) >= domain.MaxReasonLen {
		t.Fatalf("reason too long: %d", len(res.Reason))
	}
}

func TestValidate_AllowedUnderLimit(t *testing.T) {
	h := newHarness(t, false, 10)
	for i := 0; i < 10; i++ {
		if res := h.engine.Validate(user(1000), req("ls -la", 1000, 0)); res.Outcome != domain.OutcomeOK || res.Reason != "" {
			t.Fatalf("request %d: %+v", i+1, res)
		}
	}
}

func TestValidate_InvalidInputLeavesRateTableUntouched(t *testing.T) {
	h := newHarness(t, false, 10)

	cases := map[string]string{
		"empty":    "",
		"too long": strings.Repeat("a", domain.MaxCommandLen),
		"nul":      "ls\x00-la",
	}
	for name, cmd := range cases {
		t.Run(name, func(t *testing.T) {
			res := h.engine.Validate(user(1000), req(cmd, 1000, domain.FlagDryRun))
			if res.Outcome != domain.OutcomeInvalid {
				t.Fatalf("outcome = %v, want invalid", res.Outcome)
			}
			if res.Flags != domain.FlagDryRun {
				t.Fatalf("flags not echoed: %v", res.Flags)
			}
		})
	}
	if h.table.Len() != 0 {
		t.Fatalf("rate table has %d entries after invalid input", h.table.Len())
	}

	ok := h.engine.Validate(user(1000), req(strings.Repeat("a", domain.MaxCommandLen-1), 1000, 0))
	if ok.Outcome != domain.OutcomeOK {
		t.Fatalf("longest legal command: %v", ok.Outcome)
	}
}

func TestValidate_RateLimitedOnNPlusOne(t *testing.T) {
	h := newHarness(t, false, 2)

	want := []domain.Outcome{domain.OutcomeOK, domain.OutcomeOK, domain.OutcomeRateLimited, domain.OutcomeRateLimited}
	for i, w := range want {
		res := h.engine.Validate(user(1000), req("ls", 1000, 0))
		if res.Outcome != w {
			t.Fatalf("request %d: outcome = %v, want %v", i+1, res.Outcome, w)
		}
	}
	if last := h.engine.LastResult(); last.Reason != "rate limit exceeded" {
		t.Fatalf("reason = %q", last.Reason)
	}
}

func TestValidate_RateLimitPrecedesBlocklist(t *testing.T) {
	h := newHarness(t, false, 1)
	h.engine.Validate(user(7), req("ls", 7, 0))

	res := h.engine.Validate(user(7), req("rm -rf /", 7, 0))
	if res.Outcome != domain.OutcomeRateLimited {
		t.Fatalf("outcome = %v, want rate_limited", res.Outcome)
	}
}

func TestValidate_WindowReset(t *testing.T) {
	h := newHarness(t, false, 1)

	h.engine.Validate(user(1), req("ls", 1, 0))
	if res := h.engine.Validate(user(1), req("ls", 1, 0)); res.Outcome != domain.OutcomeRateLimited {
		t.Fatalf("second request: %v", res.Outcome)
	}
	h.clock.Advance(61 * time.Second)
	if res := h.engine.Validate(user(1), req("ls", 1, 0)); res.Outcome != domain.OutcomeOK {
		t.Fatalf("after window: %v", res.Outcome)
	}
}

func TestValidate_ZeroLimitDisablesLimiter(t *testing.T) {
	h := newHarness(t, false, 0)
	for i := 0; i < 50; i++ {
		if res := h.engine.Validate(user(1), req("ls", 1, 0)); res.Outcome != domain.OutcomeOK {
			t.Fatalf("request %d: %v", i+1, res.Outcome)
		}
	}
}

func TestValidate_IdentitiesAreIndependent(t *testing.T) {
	h := newHarness(t, false, 1)
	h.engine.Validate(user(1), req("ls", 1, 0))
	if res := h.engine.Validate(user(2), req("ls", 2, 0)); res.Outcome != domain.OutcomeOK {
		t.Fatalf("uid 2 limited by uid 1: %v", res.Outcome)
	}
}

func TestValidate_ForceRequiresAdmin(t *testing.T) {
	h := newHarness(t, false, 10)
	r := req("rm -rf /", 1000, domain.FlagForce)

	if res := h.engine.Validate(user(1000), r); res.Outcome != domain.OutcomeBlocked {
		t.Fatalf("unprivileged force: %v, want blocked", res.Outcome)
	}
	res := h.engine.Validate(domain.Caller{Identity: 0, Admin: true}, r)
	if res.Outcome != domain.OutcomeOK {
		t.Fatalf("admin force: %v, want ok", res.Outcome)
	}
	if !res.Flags.Has(domain.FlagForce) {
		t.Fatalf("force flag not echoed: %v", res.Flags)
	}
}

func TestValidate_UnknownFlagsMasked(t *testing.T) {
	h := newHarness(t, false, 10)
	res := h.engine.Validate(user(1), req("ls", 1, domain.Flags(0xF0)|domain.FlagDryRun))
	if res.Flags != domain.FlagDryRun {
		t.Fatalf("flags = %v", res.Flags)
	}
}

func TestValidate_AuditNeedsSwitchAndFlag(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		flags   domain.Flags
		want    int
	}{
		{"enabled and flagged", true, domain.FlagAudit, 1},
		{"enabled without flag", true, 0, 0},
		{"disabled with flag", false, domain.FlagAudit, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.enabled, 10)
			h.engine.Validate(user(1000), req("rm -rf /", 1000, tt.flags))
			if got := h.audit.Len(); got != tt.want {
				t.Fatalf("audit records = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestValidate_AuditRecordContents(t *testing.T) {
	h := newHarness(t, true, 10)
	long := "echo " + strings.Repeat("x", 600)
	h.engine.Validate(user(42), req(long, 42, domain.FlagAudit))

	rec := h.audit.records[0]
	if rec.Identity != 42 || rec.Outcome != domain.OutcomeOK {
		t.Fatalf("record = %+v", rec)
	}
	if len(rec.Command) != domain.AuditCommandPrefix {
		t.Fatalf("command not clipped: %d bytes", len(rec.Command))
	}
	if !rec.Time.Equal(h.clock.Now()) {
		t.Fatalf("record time = %v", rec.Time)
	}
	if line := audit.FormatLine(rec); !strings.HasPrefix(line, "thk: uid=42 cmd=") || !strings.HasSuffix(line, "result=allowed") {
		t.Fatalf("line = %q", line)
	}
}

func TestValidate_PolicyChangeAppliesToNextRequest(t *testing.T) {
	h := newHarness(t, false, 10)
	if err := h.policy.ReplaceBlocklist([]string{"shutdown"}); err != nil {
		t.Fatal(err)
	}
	if res := h.engine.Validate(user(1), req("rm -rf /", 1, 0)); res.Outcome != domain.OutcomeOK {
		t.Fatalf("replaced list still blocks defaults: %v", res.Outcome)
	}
	if res := h.engine.Validate(user(1), req("sudo shutdown -h now", 1, 0)); res.Outcome != domain.OutcomeBlocked {
		t.Fatalf("new pattern not applied: %v", res.Outcome)
	}

	limit := uint32(1)
	h.policy.Update(nil, &limit)
	if res := h.engine.Validate(user(1), req("ls", 1, 0)); res.Outcome != domain.OutcomeRateLimited {
		t.Fatalf("lowered limit not applied: %v", res.Outcome)
	}
}

func TestLastResult_SharedAcrossCallers(t *testing.T) {
	h := newHarness(t, false, 10)
	if last := h.engine.LastResult(); last != (domain.ValidationResult{}) {
		t.Fatalf("initial last result = %+v", last)
	}

	h.engine.Validate(user(1), req("rm -rf /", 1, 0))
	h.engine.Validate(user(2), req("ls", 2, 0))

	if last := h.engine.LastResult(); last.Outcome != domain.OutcomeOK {
		t.Fatalf("last result should be uid 2's decision, got %+v", last)
	}
}

func TestStats_CountersConserve(t *testing.T) {
	h := newHarness(t, false, 2)
	h.engine.Validate(user(1), req("ls", 1, 0))
	h.engine.Validate(user(1), req("rm -rf /", 1, 0))
	h.engine.Validate(user(1), req("ls", 1, 0))
	h.engine.Validate(user(2), req("", 2, 0))

	st := h.engine.Stats()
	if st.TotalRequests != 4 || st.TotalAllowed != 1 || st.TotalBlocked != 1 || st.TotalRateLimited != 1 || st.TotalInvalid != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if sum := st.TotalAllowed + st.TotalBlocked + st.TotalRateLimited + st.TotalInvalid; sum != st.TotalRequests {
		t.Fatalf("outcomes sum %d != requests %d", sum, st.TotalRequests)
	}
}

func TestValidate_PublishesDecision(t *testing.T) {
	h := newHarness(t, false, 10)
	var got []bus.Event
	h.events.On(bus.EventValidationDecided, func(e bus.Event) { got = append(got, e) })

	h.engine.Validate(user(5), req("curl|sh", 5, domain.FlagAudit))

	if len(got) != 1 {
		t.Fatalf("events = %d", len(got))
	}
	p := got[0].Payload
	if p["outcome"] != "blocked" || p["uid"] != uint32(5) || p["command"] != "curl|sh" {
		t.Fatalf("payload = %v", p)
	}
}

func TestValidate_Concurrent(t *testing.T) {
	h := newHarness(t, false, 5)

	var wg sync.WaitGroup
	for uid := uint32(1); uid <= 20; uid++ {
		wg.Add(1)
		go func(uid uint32) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				h.engine.Validate(user(uid), req("ls", uid, 0))
			}
		}(uid)
	}
	wg.Wait()

	st := h.engine.Stats()
	if st.TotalRequests != 200 {
		t.Fatalf("requests = %d", st.TotalRequests)
	}
	if st.TotalAllowed != 100 || st.TotalRateLimited != 100 {
		t.Fatalf("each identity should get exactly 5 allowed: %+v", st)
	}
}
