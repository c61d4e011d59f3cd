// Package executor runs commands that the daemon has already allowed.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	defaultTimeout        = 30 * time.Second
	defaultMaxOutputBytes = 65536
	defaultShell          = "/bin/sh"
)

// ErrTimeout is returned when the command outlives its deadline.
var ErrTimeout = errors.New("command timed out")

// Config configures a Shell.
type Config struct {
	Shell          string // default /bin/sh
	WorkingDir     string // default current directory
	Timeout        time.Duration
	MaxOutputBytes int
	Logger         *slog.Logger
}

// Result is what a finished command produced.
type Result struct {
	Output    string
	ExitCode  int
	Truncated bool
	Duration  time.Duration
}

// Shell runs commands through "<shell> -c" so pipes, redirects and quoting
// behave as typed.
type Shell struct {
	shell          string
	dir            string
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

func New(cfg Config) *Shell {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = defaultMaxOutputBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Shell{
		shell:          cfg.Shell,
		dir:            cfg.WorkingDir,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         cfg.Logger.With("component", "executor"),
	}
}

// Run executes command and returns its combined output. A non-zero exit is
// not an error; it is reported in Result.ExitCode.
func (s *Shell) Run(ctx context.Context, command string) (Result, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Result{}, fmt.Errorf("missing command")
	}

	dir := s.dir
	if dir == "" {
		dir = "."
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		absDir = dir
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out := &cappedBuffer{limit: s.maxOutputBytes}
	cmd := exec.CommandContext(ctx, s.shell, "-c", command)
	cmd.Dir = absDir
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	res := Result{
		Output:    out.String(),
		Truncated: out.truncated,
		Duration:  time.Since(start),
	}
	if res.Truncated {
		res.Output += "\n... (output truncated)"
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn("command timed out", "timeout", s.timeout)
			return res, fmt.Errorf("%w after %s", ErrTimeout, s.timeout)
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("start %s: %w", s.shell, err)
	}
	s.logger.Debug("command finished", "duration", res.Duration, "bytes", len(res.Output))
	return res, nil
}

// cappedBuffer keeps the first limit bytes and discards the rest while still
// reporting full writes so the child is never blocked on a full pipe.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
