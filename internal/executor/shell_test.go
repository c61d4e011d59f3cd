package executor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestShell_Echo(t *testing.T) {
	sh := New(Config{Logger: testLogger()})
	res, err := sh.Run(context.Background(), "echo hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if strings.TrimSpace(res.Output) != "hello" || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
}

func TestShell_PipesAndStderr(t *testing.T) {
	sh := New(Config{Logger: testLogger()})
	res, err := sh.Run(context.Background(), "printf 'b\\na\\n' | sort; echo oops 1>&2")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.HasPrefix(res.Output, "a\nb\n") || !strings.Contains(res.Output, "oops") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestShell_ExitCode(t *testing.T) {
	sh := New(Config{Logger: testLogger()})
	res, err := sh.Run(context.Background(), "exit 7")
	if err != nil {
		t.Fatalf("non-zero exit should not be an error: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d", res.ExitCode)
	}
}

func TestShell_EmptyCommand(t *testing.T) {
	sh := New(Config{Logger: testLogger()})
	if _, err := sh.Run(context.Background(), "   "); err == nil {
		t.Fatal("expected an error for an empty command")
	}
}

func TestShell_Timeout(t *testing.T) {
	sh := New(Config{Timeout: 200 * time.Millisecond, Logger: testLogger()})
	start := time.Now()
	_, err := sh.Run(context.Background(), "sleep 5")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced: took %s", time.Since(start))
	}
}

func TestShell_OutputCap(t *testing.T) {
	sh := New(Config{MaxOutputBytes: 10, Logger: testLogger()})
	res, err := sh.Run(context.Background(), "head -c 1000 /dev/zero | tr '\\0' x")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !res.Truncated {
		t.Fatal("expected truncation")
	}
	if !strings.HasPrefix(res.Output, "xxxxxxxxxx\n...") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestShell_WorkingDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(dir+"/marker", nil, 0o644); err != nil {
		t.Fatal(err)
	}
	sh := New(Config{WorkingDir: dir, Logger: testLogger()})
	res, err := sh.Run(context.Background(), "ls")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Output, "marker") {
		t.Fatalf("output = %q", res.Output)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{limit: 4}
	n, _ := b.Write([]byte("ab"))
	if n != 2 {
		t.Fatalf("n = %d", n)
	}
	n, _ = b.Write([]byte("cdef"))
	if n != 4 || b.String() != "abcd" || !b.truncated {
		t.Fatalf("n=%d buf=%q truncated=%v", n, b.String(), b.truncated)
	}
}
