package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// checkScript applies the same rules as Table.Check atomically on the server:
// a missing key opens a new window, a full window is left untouched.
var checkScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
if current == 0 then
  redis.call("SET", KEYS[1], 1, "PX", ARGV[1])
  return 0
end
if current >= tonumber(ARGV[2]) then
  return 1
end
redis.call("INCR", KEYS[1])
return 0
`)

// RedisConfig configures a RedisLimiter.
type RedisConfig struct {
	Window  time.Duration
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// RedisLimiter keeps per-identity windows in Redis. Errors fail open.
type RedisLimiter struct {
	client  *redis.Client
	window  time.Duration
	prefix  string
	timeout time.Duration
	logger  *slog.Logger

	failures atomic.Uint64
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, cfg RedisConfig) *RedisLimiter {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "thk:rl:"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &RedisLimiter{
		client:  client,
		window:  cfg.Window,
		prefix:  cfg.Prefix,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "ratelimit", "backend", "redis"),
	}
}

// Check implements domain.RateLimiter.
func (l *RedisLimiter) Check(identity uint32, limit uint32) bool {
	if limit == 0 {
		return false
	}
	if l.client == nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()

	key := l.prefix + strconv.FormatUint(uint64(identity), 10)
	res, err := checkScript.Run(ctx, l.client, []string{key}, l.window.Milliseconds(), limit).Int()
	if err != nil {
		l.failures.Add(1)
		l.logger.Warn("redis rate check failed, allowing request", "identity", identity, "err", err)
		return false
	}
	return res == 1
}

// Failures returns how many checks fell back to allowing the request.
func (l *RedisLimiter) Failures() uint64 { return l.failures.Load() }

// Ping verifies the connection.
func (l *RedisLimiter) Ping(ctx context.Context) error {
	if l.client == nil {
		return redis.ErrClosed
	}
	return l.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (l *RedisLimiter) Close() error {
	if l.client == nil {
		return nil
	}
	return l.client.Close()
}
