package client

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"thk/internal/control"
	"thk/internal/domain"
	"thk/internal/engine"
	"thk/internal/policy"
	"thk/internal/ratelimit"
	"thk/internal/server"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// startDaemon serves a fresh surface on a temp socket. The test's own uid is
// an admin so privileged operations can be exercised.
func startDaemon(t *testing.T) string {
	t.Helper()
	store, err := policy.NewStore(policy.Config{AuditEnabled: true, RateLimit: 3, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	eng, err := engine.New(engine.Config{
		Policy:  store,
		Limiter: ratelimit.NewTable(ratelimit.Config{Logger: testLogger()}),
		Logger:  testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	surface, err := control.New(control.Config{Engine: eng, Policy: store, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "thk.sock")
	srv := server.NewUnixServer(server.UnixConfig{
		Path:      path,
		AdminUIDs: []uint32{uint32(os.Getuid())},
		Surface:   surface,
		Logger:    testLogger(),
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return path
}

func dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), startDaemon(t))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestDial_MissingSocket(t *testing.T) {
	if _, err := Dial(context.Background(), filepath.Join(t.TempDir(), "absent.sock")); err == nil {
		t.Fatal("expected an error for a missing socket")
	}
}

func TestClient_Version(t *testing.T) {
	c := dial(t)
	v, err := c.Version(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != domain.Version {
		t.Fatalf("version = %#x", v)
	}
}

func TestClient_ValidateAndLastResult(t *testing.T) {
	c := dial(t)
	ctx := context.Background()

	res, err := c.Validate(ctx, "ls -la", domain.FlagAudit)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeOK || res.Flags != domain.FlagAudit {
		t.Fatalf("ls = %+v", res)
	}

	res, err = c.Validate(ctx, "echo hi; rm -rf /", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeBlocked || res.Reason != "blocked: matches pattern 'rm -rf /'" {
		t.Fatalf("rm = %+v", res)
	}

	last, err := c.LastResult(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if last != res {
		t.Fatalf("last = %+v, want %+v", last, res)
	}

	res, err = c.Validate(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeInvalid {
		t.Fatalf("empty = %+v", res)
	}
}

func TestClient_RateLimitAndStats(t *testing.T) {
	c := dial(t)
	ctx := context.Background()

	var outcomes []domain.Outcome
	for i := 0; i < 5; i++ {
		res, err := c.Validate(ctx, "true", 0)
		if err != nil {
			t.Fatal(err)
		}
		outcomes = append(outcomes, res.Outcome)
	}
	for i, o := range outcomes {
		want := domain.OutcomeOK
		if i >= 3 {
			want = domain.OutcomeRateLimited
		}
		if o != want {
			t.Fatalf("request %d = %v, want %v", i+1, o, want)
		}
	}

	st, err := c.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalRequests != 5 || st.TotalAllowed != 3 || st.TotalRateLimited != 2 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestClient_ConfigRoundTrip(t *testing.T) {
	c := dial(t)
	ctx := context.Background()

	off := false
	limit := uint32(50)
	cfg, err := c.SetConfig(ctx, control.ConfigArgs{AuditEnabled: &off, RateLimit: &limit})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.AuditEnabled || cfg.RateLimit != 50 {
		t.Fatalf("after set = %+v", cfg)
	}
	got, err := c.Config(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got != cfg {
		t.Fatalf("config = %+v, want %+v", got, cfg)
	}
}

func TestClient_Blocklist(t *testing.T) {
	c := dial(t)
	ctx := context.Background()

	list, err := c.Blocklist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 20 {
		t.Fatalf("default blocklist has %d entries", len(list))
	}

	if err := c.SetBlocklist(ctx, []string{"shutdown"}); err != nil {
		t.Fatal(err)
	}
	res, err := c.Validate(ctx, "sudo shutdown now", 0)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != domain.OutcomeBlocked {
		t.Fatalf("after replace = %+v", res)
	}

	err = c.SetBlocklist(ctx, []string{""})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("empty pattern err = %v", err)
	}
}

func TestClient_UnsupportedOp(t *testing.T) {
	c := dial(t)
	rep, err := c.Call(context.Background(), control.Request{Op: control.Op(0x7f)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.OK || !errors.Is(rep.Err(), domain.ErrUnsupported) {
		t.Fatalf("reply = %+v", rep)
	}
}

func TestClient_DeadlineFromContext(t *testing.T) {
	c := dial(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := c.Stats(ctx); err != nil {
		t.Fatalf("Stats within deadline: %v", err)
	}
}
