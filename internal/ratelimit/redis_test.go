package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisLimiter) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	lim := NewRedis(client, RedisConfig{Timeout: time.Second, Logger: testLogger()})
	t.Cleanup(func() { lim.Close() })
	return mr, lim
}

func TestRedisLimiter_LimitsAfterN(t *testing.T) {
	mr, lim := newTestRedis(t)

	for i := 0; i < 2; i++ {
		if lim.Check(1000, 2) {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if !lim.Check(1000, 2) {
		t.Fatal("third request should be limited")
	}

	got, err := mr.Get("thk:rl:1000")
	if err != nil {
		t.Fatal(err)
	}
	if got != "2" {
		t.Fatalf("stored count = %q, want 2 (limited requests are not counted)", got)
	}
}

func TestRedisLimiter_WindowExpiry(t *testing.T) {
	mr, lim := newTestRedis(t)

	lim.Check(5, 1)
	if !lim.Check(5, 1) {
		t.Fatal("second request should be limited")
	}
	mr.FastForward(DefaultWindow + time.Second)
	if lim.Check(5, 1) {
		t.Fatal("request after the window should pass")
	}
}

func TestRedisLimiter_ZeroLimitSkipsRedis(t *testing.T) {
	mr, lim := newTestRedis(t)
	if lim.Check(9, 0) {
		t.Fatal("limit 0 must never limit")
	}
	if mr.Exists("thk:rl:9") {
		t.Fatal("limit 0 must not create a key")
	}
}

func TestRedisLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		ReadTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	lim := NewRedis(client, RedisConfig{Timeout: 50 * time.Millisecond, Logger: testLogger()})
	defer lim.Close()

	if lim.Check(1, 1) || lim.Check(1, 1) {
		t.Fatal("unreachable redis must not limit")
	}
	if lim.Failures() != 2 {
		t.Fatalf("Failures() = %d, want 2", lim.Failures())
	}
}

func TestRedisLimiter_NilClient(t *testing.T) {
	lim := NewRedis(nil, RedisConfig{Logger: testLogger()})
	if lim.Check(1, 1) {
		t.Fatal("nil client must not limit")
	}
	if err := lim.Close(); err != nil {
		t.Fatal(err)
	}
}
