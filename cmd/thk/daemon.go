package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"thk/internal/audit"
	"thk/internal/bus"
	"thk/internal/config"
	"thk/internal/control"
	"thk/internal/domain"
	"thk/internal/engine"
	"thk/internal/metrics"
	"thk/internal/policy"
	"thk/internal/ratelimit"
	"thk/internal/server"
	"thk/internal/store"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the validation daemon (unix socket + optional HTTP)",
		Long:  "Starts the validation engine and serves the control socket, the HTTP surface when enabled, and the audit pipeline. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if socketFlag != "" {
				cfg.Server.SocketPath = socketFlag
			}

			log, closeLog, err := setupLogger(cfg.General)
			if err != nil {
				return err
			}
			defer closeLog()
			logger = log

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runDaemon(ctx, cfg, logger)
		},
	}
}

// daemon holds the wired components for one run.
type daemon struct {
	cfg     *config.Config
	logger  *slog.Logger
	policy  *policy.Store
	table   *ratelimit.Table
	redis   *ratelimit.RedisLimiter
	events  *bus.EventBus
	emitter *audit.Emitter
	audit   *store.SQLiteStore
	engine  *engine.Engine
	surface *control.Surface

	closers []func()
}

// runDaemon wires every component from cfg and serves until ctx is done.
func runDaemon(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()
	return d.run(ctx)
}

func newDaemon(cfg *config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			d.close()
		}
	}()

	// Policy store, optionally seeded from the YAML policy file.
	pc := policy.Config{
		AuditEnabled: cfg.Policy.AuditEnabled,
		RateLimit:    cfg.Policy.RateLimit,
		Logger:       logger,
	}
	if err := policy.SeedFromFile(&pc, config.ExpandPath(cfg.Policy.PolicyFile), logger); err != nil {
		return nil, err
	}
	ps, err := policy.NewStore(pc)
	if err != nil {
		return nil, fmt.Errorf("policy store: %w", err)
	}
	d.policy = ps

	limiter, err := d.buildLimiter()
	if err != nil {
		return nil, err
	}

	sinks, err := d.buildSinks()
	if err != nil {
		return nil, err
	}
	d.emitter = audit.NewEmitter(audit.EmitterConfig{
		QueueSize:   cfg.Audit.QueueSize,
		SinkTimeout: time.Duration(cfg.Audit.SinkTimeoutMs) * time.Millisecond,
		Sinks:       sinks,
		Logger:      logger,
	})

	d.events = bus.NewEventBus(200, logger)

	d.engine, err = engine.New(engine.Config{
		Policy:  d.policy,
		Limiter: limiter,
		Audit:   d.emitter,
		Events:  d.events,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}
	d.surface, err = control.New(control.Config{
		Engine: d.engine,
		Policy: d.policy,
		Events: d.events,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	d.registerMetrics()
	ok = true
	return d, nil
}

func (d *daemon) buildLimiter() (domain.RateLimiter, error) {
	rc := d.cfg.RateLimiter
	window := time.Duration(rc.WindowSeconds) * time.Second

	if rc.Backend == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		d.redis = ratelimit.NewRedis(client, ratelimit.RedisConfig{
			Window: window,
			Prefix: rc.Redis.Prefix,
			Logger: d.logger,
		})
		d.closers = append(d.closers, func() { d.redis.Close() })

		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.redis.Ping(pingCtx); err != nil {
			// requests fail open until Redis comes back
			d.logger.Warn("redis rate limiter unreachable at startup", "addr", rc.Redis.Addr, "err", err)
		}
		return d.redis, nil
	}

	d.table = ratelimit.NewTable(ratelimit.Config{
		Window:     window,
		MaxEntries: rc.MaxEntries,
		FailClosed: rc.FailClosed,
		Logger:     d.logger,
	})
	return d.table, nil
}

func (d *daemon) buildSinks() ([]domain.AuditSink, error) {
	ac := d.cfg.Audit
	sinks := []domain.AuditSink{audit.NewLogSink(d.logger)}

	if ac.SQLite.Enabled {
		st, err := store.NewSQLiteStore(config.ExpandPath(ac.SQLite.DBPath), d.logger)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		d.audit = st
		d.closers = append(d.closers, func() { st.Close() })
		sinks = append(sinks, st)
	}

	if ac.Telegram.Enabled && ac.Telegram.Token != "" {
		tg, err := audit.NewTelegramSink(audit.TelegramConfig{
			Token:   ac.Telegram.Token,
			ChatIDs: ac.Telegram.ChatIDs,
			Logger:  d.logger,
		})
		if err != nil {
			// alerts are best effort; the local trail still works
			d.logger.Error("telegram audit sink disabled", "err", err)
		} else {
			sinks = append(sinks, audit.OnlyOutcomes(tg, domain.OutcomeBlocked, domain.OutcomeRateLimited))
		}
	}

	if ac.MQTT.Enabled && ac.MQTT.Broker != "" {
		mq, err := audit.NewMQTTSink(audit.MQTTConfig{
			Broker:   ac.MQTT.Broker,
			ClientID: ac.MQTT.ClientID,
			Username: ac.MQTT.Username,
			Password: ac.MQTT.Password,
			Topic:    ac.MQTT.Topic,
			QoS:      byte(ac.MQTT.QoS),
			Logger:   d.logger,
		})
		if err != nil {
			d.logger.Error("mqtt audit sink disabled", "err", err)
		} else {
			d.closers = append(d.closers, mq.Close)
			sinks = append(sinks, mq)
		}
	}

	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	d.logger.Info("audit sinks ready", "sinks", names)
	return sinks, nil
}

func (d *daemon) registerMetrics() {
	c := metrics.Collector
	stats := func() domain.Stats { return d.engine.Stats() }

	c.CounterFunc("thk_requests_total", "Validation requests received", "", func() int64 {
		return int64(stats().TotalRequests)
	})
	for _, o := range []domain.Outcome{domain.OutcomeOK, domain.OutcomeBlocked, domain.OutcomeRateLimited, domain.OutcomeInvalid} {
		c.CounterFunc("thk_decisions_total", "Validation decisions by outcome", `outcome="`+o.String()+`"`, func() int64 {
			st := stats()
			switch o {
			case domain.OutcomeOK:
				return int64(st.TotalAllowed)
			case domain.OutcomeBlocked:
				return int64(st.TotalBlocked)
			case domain.OutcomeRateLimited:
				return int64(st.TotalRateLimited)
			default:
				return int64(st.TotalInvalid)
			}
		})
	}
	c.CounterFunc("thk_audit_dropped_total", "Audit records dropped because the queue was full", "", func() int64 {
		return int64(d.emitter.Dropped())
	})
	c.CounterFunc("thk_audit_sink_failures_total", "Audit sink writes that failed", "", func() int64 {
		return int64(d.emitter.Failed())
	})
	c.GaugeFunc("thk_audit_queue_depth", "Audit records waiting for delivery", "", func() int64 {
		return int64(d.emitter.Pending())
	})
	c.GaugeFunc("thk_rate_limit", "Requests allowed per identity per window (0 = unlimited)", "", func() int64 {
		return int64(d.policy.Config().RateLimit)
	})
	c.GaugeFunc("thk_blocklist_patterns", "Active blocklist patterns", "", func() int64 {
		return int64(d.policy.Config().BlocklistCount)
	})
	if d.table != nil {
		c.CounterFunc("thk_rate_table_exhausted_total", "New identities not tracked because the rate table was full", "", func() int64 {
			return int64(d.table.Exhausted())
		})
		c.GaugeFunc("thk_rate_table_entries", "Identities tracked by the rate table", "", func() int64 {
			return int64(d.table.Len())
		})
	}
	if d.redis != nil {
		c.CounterFunc("thk_rate_redis_failures_total", "Redis limiter calls that failed open", "", func() int64 {
			return int64(d.redis.Failures())
		})
	}
}

// scheduleJobs registers the housekeeping jobs.
func (d *daemon) scheduleJobs(ctx context.Context) (*cron.Cron, error) {
	c := cron.New()
	if d.table != nil {
		if _, err := c.AddFunc("@every 1m", func() {
			if n := d.table.Sweep(); n > 0 {
				d.logger.Debug("rate table swept", "removed", n)
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule sweep: %w", err)
		}
	}
	if d.audit != nil && d.cfg.Audit.SQLite.RetentionDays > 0 {
		days := d.cfg.Audit.SQLite.RetentionDays
		if _, err := c.AddFunc("@daily", func() {
			n, err := d.audit.PruneOlderThan(ctx, days)
			if err != nil {
				d.logger.Error("audit prune failed", "err", err)
				return
			}
			d.logger.Info("audit records pruned", "removed", n, "retention_days", days)
		}); err != nil {
			return nil, fmt.Errorf("schedule prune: %w", err)
		}
	}
	return c, nil
}

func (d *daemon) run(ctx context.Context) error {
	mode, err := d.cfg.Server.FileMode()
	if err != nil {
		return err
	}
	unixSrv := server.NewUnixServer(server.UnixConfig{
		Path:      config.ExpandPath(d.cfg.Server.SocketPath),
		Mode:      mode,
		AdminUIDs: d.cfg.Server.AdminUIDs,
		Surface:   d.surface,
		Logger:    d.logger,
	})
	if err := unixSrv.Listen(); err != nil {
		return err
	}

	var httpSrv *server.HTTPServer
	if d.cfg.HTTP.Enabled {
		httpSrv = server.NewHTTPServer(server.HTTPConfig{
			Addr:            net.JoinHostPort(d.cfg.HTTP.Host, strconv.Itoa(d.cfg.HTTP.Port)),
			Surface:         d.surface,
			Events:          d.events,
			Metrics:         metrics.Collector.Handler(),
			JWTSecret:       []byte(d.cfg.HTTP.JWTSecret),
			DefaultIdentity: d.cfg.HTTP.DefaultIdentity,
			Logger:          d.logger,
		})
	}

	jobs, err := d.scheduleJobs(ctx)
	if err != nil {
		return err
	}
	jobs.Start()

	pol := d.policy.Config()
	d.logger.Info("thk daemon started",
		"version", version,
		"audit", pol.AuditEnabled,
		"rate_limit", pol.RateLimit,
		"blocklist", pol.BlocklistCount,
		"limiter", d.cfg.RateLimiter.Backend,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.emitter.Run(gctx) })
	g.Go(func() error { return unixSrv.Serve(gctx) })
	if httpSrv != nil {
		g.Go(func() error { return httpSrv.Start(gctx) })
	}

	<-gctx.Done()
	d.logger.Info("shutting down daemon...")

	done := make(chan error, 1)
	go func() {
		<-jobs.Stop().Done()
		done <- g.Wait()
	}()

	select {
	case err := <-done:
		d.logger.Info("shutdown complete")
		return err
	case <-time.After(shutdownTimeout):
		d.logger.Warn("shutdown timed out, forcing exit")
		return fmt.Errorf("shutdown timed out")
	}
}

func (d *daemon) close() {
	if d.emitter != nil {
		d.emitter.Close()
	}
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}
