package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"thk/internal/client"
	"thk/internal/config"
	"thk/internal/domain"
	"thk/internal/policy"

	"github.com/charmbracelet/lipgloss"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#10B981")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#F59E0B")).Bold(true)
	headStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#7C3AED")).Bold(true)
)

// report tallies doctor checks.
type report struct {
	w                      io.Writer
	passed, warned, failed int
}

func (r *report) pass(check, detail string) {
	r.passed++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", passStyle.Render("[PASS]"), check, detail)
}

func (r *report) fail(check, detail string) {
	r.failed++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", failStyle.Render("[FAIL]"), check, detail)
}

func (r *report) warn(check, detail string) {
	r.warned++
	fmt.Fprintf(r.w, "  %s %-20s %s\n", warnStyle.Render("[WARN]"), check, detail)
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the thk installation",
		Long: `Verifies that the configuration, control socket, audit database and
HTTP surface are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := runDoctor(cmd.OutOrStdout(), resolveConfigPath(), socketFlag)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func runDoctor(w io.Writer, cfgPath, socketOverride string) *report {
	r := &report{w: w}
	rule := "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	fmt.Fprintln(w, headStyle.Render("thk doctor v"+version))
	fmt.Fprintf(w, "%s\n\n", rule)

	// 1. Config file
	var cfg *config.Config
	if _, err := os.Stat(config.ExpandPath(cfgPath)); err != nil {
		r.warn("Config file", fmt.Sprintf("not found at %s, using defaults", cfgPath))
		cfg = config.Defaults()
	} else {
		r.pass("Config file", cfgPath)
		loaded, err := config.Load(cfgPath)
		if err != nil {
			r.fail("Config validation", err.Error())
			fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			return r
		}
		r.pass("Config validation", "valid")
		cfg = loaded
	}
	if socketOverride != "" {
		cfg.Server.SocketPath = socketOverride
	}

	// 2. Policy file
	if cfg.Policy.PolicyFile != "" {
		if f, err := policy.LoadFile(config.ExpandPath(cfg.Policy.PolicyFile)); err != nil {
			r.fail("Policy file", err.Error())
		} else {
			r.pass("Policy file", fmt.Sprintf("%d patterns", len(f.BlocklistPatterns())))
		}
	}

	// 3. Daemon reachable over the socket
	checkSocket(r, config.ExpandPath(cfg.Server.SocketPath))

	// 4. Audit database writable
	if cfg.Audit.SQLite.Enabled {
		dbPath := config.ExpandPath(cfg.Audit.SQLite.DBPath)
		if err := checkDatabase(dbPath); err != nil {
			r.fail("Audit database", err.Error())
		} else {
			r.pass("Audit database", dbPath)
		}
	} else {
		r.warn("Audit database", "disabled; decisions are only logged")
	}

	// 5. Alert sinks
	if cfg.Audit.Telegram.Enabled {
		if ids, err := cfg.Audit.Telegram.ChatIDList(); err != nil {
			r.fail("Telegram alerts", err.Error())
		} else {
			r.pass("Telegram alerts", fmt.Sprintf("%d chat(s)", len(ids)))
		}
	}
	if cfg.Audit.MQTT.Enabled {
		r.pass("MQTT audit", cfg.Audit.MQTT.Broker+" -> "+cfg.Audit.MQTT.Topic)
	}

	// 6. Rate limiter backend
	if cfg.RateLimiter.Backend == "redis" {
		if err := checkRedis(cfg.RateLimiter.Redis); err != nil {
			r.warn("Redis limiter", fmt.Sprintf("%s unreachable (requests fail open): %v", cfg.RateLimiter.Redis.Addr, err))
		} else {
			r.pass("Redis limiter", cfg.RateLimiter.Redis.Addr)
		}
	}

	// 7. HTTP surface
	if cfg.HTTP.Enabled {
		addr := net.JoinHostPort(cfg.HTTP.Host, strconv.Itoa(cfg.HTTP.Port))
		if err := checkPort(addr); err != nil {
			r.warn("HTTP port", fmt.Sprintf("%s in use (daemon running?): %v", addr, err))
		} else {
			r.pass("HTTP port", addr+" available")
		}
		if cfg.HTTP.JWTSecret == "" {
			r.warn("HTTP auth", "no jwtSecret: every HTTP caller is unprivileged")
		} else {
			r.pass("HTTP auth", "bearer tokens required")
		}
	}

	// 8. Log file writable
	if cfg.General.LogFile != "" {
		dir := filepath.Dir(config.ExpandPath(cfg.General.LogFile))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			r.pass("Log file", cfg.General.LogFile)
		}
	}

	fmt.Fprintf(w, "\n%s\n", rule)
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	switch {
	case r.failed > 0:
		fmt.Fprintln(w, "\nPlease fix the failed checks before running thk.")
	case r.warned > 0:
		fmt.Fprintln(w, "\nthk should work but consider fixing the warnings.")
	default:
		fmt.Fprintln(w, "\nAll checks passed! thk is ready to run.")
	}
	return r
}

func checkSocket(r *report, path string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, path)
	if err != nil {
		r.warn("Control socket", fmt.Sprintf("%s: daemon not running", path))
		return
	}
	defer c.Close()
	v, err := c.Version(ctx)
	if err != nil {
		r.fail("Control socket", fmt.Sprintf("%s: %v", path, err))
		return
	}
	r.pass("Control socket", fmt.Sprintf("%s (daemon %s)", path, domain.VersionString(v)))
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkRedis(rc config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	defer rdb.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
