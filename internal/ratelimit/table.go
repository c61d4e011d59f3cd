// Package ratelimit counts validation requests per identity inside a fixed
// window. Table is the in-process limiter; RedisLimiter shares the window
// across several daemons.
package ratelimit

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
)

const (
	hashBits    = 8
	bucketCount = 1 << hashBits

	// DefaultWindow is the length of one counting window.
	DefaultWindow = 60 * time.Second
	// DefaultMaxEntries caps the number of tracked identities.
	DefaultMaxEntries = 65536
)

type entry struct {
	identity uint32
	count    uint32
	start    time.Time
	next     *entry
}

// Config configures a Table.
type Config struct {
	Window     time.Duration
	MaxEntries int              // new identities beyond this are not tracked
	FailClosed bool             // limit untracked identities instead of letting them through
	Clock      func() time.Time // defaults to time.Now
	Logger     *slog.Logger
}

// Table is a fixed-size hash table of per-identity windows guarded by one lock.
type Table struct {
	mu      sync.Mutex
	buckets [bucketCount]*entry
	size    int

	window     time.Duration
	maxEntries int
	failClosed bool
	now        func() time.Time
	logger     *slog.Logger

	exhausted atomic.Uint64
}

// NewTable creates an empty table.
func NewTable(cfg Config) *Table {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		window:     cfg.Window,
		maxEntries: cfg.MaxEntries,
		failClosed: cfg.FailClosed,
		now:        cfg.Clock,
		logger:     cfg.Logger.With("component", "ratelimit"),
	}
}

func bucketOf(identity uint32) int {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], identity)
	return int(xxhash.Sum64(b[:]) & (bucketCount - 1))
}

// Check records one request for identity and reports whether it is over limit.
// A limit of zero disables limiting and leaves the table untouched.
func (t *Table) Check(identity uint32, limit uint32) bool {
	if limit == 0 {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	b := bucketOf(identity)
	for e := t.buckets[b]; e != nil; e = e.next {
		if e.identity != identity {
			continue
		}
		if now.Sub(e.start) > t.window {
			e.start = now
			e.count = 1
			return false
		}
		if e.count >= limit {
			return true
		}
		e.count++
		return false
	}

	if t.size >= t.maxEntries {
		t.exhausted.Add(1)
		t.logger.Warn("rate table full, identity not tracked",
			"identity", identity,
			"entries", t.size,
			"fail_closed", t.failClosed,
		)
		return t.failClosed
	}

	t.buckets[b] = &entry{identity: identity, count: 1, start: now, next: t.buckets[b]}
	t.size++
	return false
}

// Sweep drops entries whose window has elapsed and returns how many were removed.
// A dropped identity starts a fresh window on its next request, which is what
// Check would have done anyway.
func (t *Table) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for i := range t.buckets {
		var prev *entry
		for e := t.buckets[i]; e != nil; e = e.next {
			if now.Sub(e.start) > t.window {
				if prev == nil {
					t.buckets[i] = e.next
				} else {
					prev.next = e.next
				}
				removed++
				continue
			}
			prev = e
		}
	}
	t.size -= removed
	if removed > 0 {
		t.logger.Debug("rate table swept", "removed", removed, "remaining", t.size)
	}
	return removed
}

// Len returns the number of tracked identities.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// count returns the request count recorded for identity in its current window.
func (t *Table) count(identity uint32) (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for e := t.buckets[bucketOf(identity)]; e != nil; e = e.next {
		if e.identity == identity {
			return e.count, true
		}
	}
	return 0, false
}

// Exhausted returns how many requests found the table full.
func (t *Table) Exhausted() uint64 { return t.exhausted.Load() }
