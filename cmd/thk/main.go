package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"thk/internal/config"

	"github.com/spf13/cobra"
)

var (
	version    = "1.0.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	socketFlag string // overrides server.socketPath
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			if ee.msg != "" {
				fmt.Fprintln(os.Stderr, "thk:", ee.msg)
			}
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "thk",
		Short:         "thk: shell command validation daemon",
		Long:          "thk decides whether shell commands may run: a blocklist, per-user rate limits and an audit trail behind a local control socket.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: /etc/thk/config.json, or $THK_CONFIG)")
	root.PersistentFlags().StringVarP(&socketFlag, "socket", "s", "", "control socket path (default: server.socketPath)")

	root.AddCommand(daemonCmd())
	root.AddCommand(versionCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(execCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(statsCmd())
	root.AddCommand(configCmd())
	root.AddCommand(blocklistCmd())
	root.AddCommand(auditCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(serviceCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	return root
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, falling back to defaults when it is absent.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// resolveSocketPath prefers --socket, then the config, then the built-in default.
func resolveSocketPath() string {
	if socketFlag != "" {
		return socketFlag
	}
	cfg, err := config.LoadOrDefault(resolveConfigPath())
	if err != nil {
		return config.Defaults().Server.SocketPath
	}
	return cfg.Server.SocketPath
}

// setupLogger builds the process logger from the general section. The
// returned closer releases the log file, if any.
func setupLogger(gc config.GeneralConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(gc.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closer := func() {}
	if gc.LogFile != "" {
		path := config.ExpandPath(gc.LogFile)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
		closer = func() { f.Close() }
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
