// Package policy holds the live validation policy: the audit switch, the
// per-identity rate limit and the blocklist. Readers get consistent
// snapshots; writers replace fields under an exclusive lock.
package policy

import (
	"fmt"
	"log/slog"
	"sync"

	"thk/internal/blocklist"
	"thk/internal/domain"
)

// Config seeds a Store.
type Config struct {
	AuditEnabled bool
	RateLimit    uint32
	Patterns     []string // nil selects the built-in blocklist
	Logger       *slog.Logger
}

// Snapshot is a consistent copy of the policy at one instant.
type Snapshot struct {
	AuditEnabled bool
	RateLimit    uint32
	Blocklist    *blocklist.List
}

// Store guards the policy state.
type Store struct {
	mu           sync.RWMutex
	auditEnabled bool
	rateLimit    uint32
	blocklist    *blocklist.List
	logger       *slog.Logger
}

// NewStore validates the seed and returns a ready Store.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	list := blocklist.Default()
	if cfg.Patterns != nil {
		var err error
		if list, err = blocklist.New(cfg.Patterns); err != nil {
			return nil, fmt.Errorf("blocklist: %w", err)
		}
	}
	return &Store{
		auditEnabled: cfg.AuditEnabled,
		rateLimit:    cfg.RateLimit,
		blocklist:    list,
		logger:       cfg.Logger.With("component", "policy"),
	}, nil
}

// Snapshot returns the current policy. The blocklist is immutable and may be
// used after the lock is released.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		AuditEnabled: s.auditEnabled,
		RateLimit:    s.rateLimit,
		Blocklist:    s.blocklist,
	}
}

// Config returns the externally visible policy fields.
func (s *Store) Config() domain.PolicyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return domain.PolicyConfig{
		AuditEnabled:   s.auditEnabled,
		RateLimit:      s.rateLimit,
		BlocklistCount: s.blocklist.Len(),
	}
}

// Update applies the non-nil fields in one critical section and returns the
// resulting config. The blocklist is left alone.
func (s *Store) Update(auditEnabled *bool, rateLimit *uint32) domain.PolicyConfig {
	s.mu.Lock()
	if auditEnabled != nil {
		s.auditEnabled = *auditEnabled
	}
	if rateLimit != nil {
		s.rateLimit = *rateLimit
	}
	cfg := domain.PolicyConfig{
		AuditEnabled:   s.auditEnabled,
		RateLimit:      s.rateLimit,
		BlocklistCount: s.blocklist.Len(),
	}
	s.mu.Unlock()
	s.logger.Debug("policy fields written", "audit_enabled", cfg.AuditEnabled, "rate_limit", cfg.RateLimit)
	return cfg
}

// ReplaceBlocklist swaps in a new blocklist. Invalid input leaves the old one in place.
func (s *Store) ReplaceBlocklist(patterns []string) error {
	list, err := blocklist.New(patterns)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.blocklist = list
	s.mu.Unlock()
	s.logger.Debug("blocklist swapped", "patterns", list.Len())
	return nil
}

// Blocklist returns the current patterns in order.
func (s *Store) Blocklist() []string {
	s.mu.RLock()
	list := s.blocklist
	s.mu.RUnlock()
	return list.Patterns()
}
