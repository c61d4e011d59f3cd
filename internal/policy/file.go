package policy

import (
	"fmt"
	"log/slog"
	"os"

	"thk/internal/blocklist"

	"gopkg.in/yaml.v3"
)

// File is the on-disk policy document.
//
//	audit_enabled: true
//	rate_limit: 10
//	include_defaults: true
//	patterns:
//	  - "terraform destroy"
type File struct {
	AuditEnabled    *bool    `yaml:"audit_enabled,omitempty"`
	RateLimit       *uint32  `yaml:"rate_limit,omitempty"`
	IncludeDefaults bool     `yaml:"include_defaults"`
	Patterns        []string `yaml:"patterns"`
}

// LoadFile reads and parses a policy file.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if _, err := blocklist.New(f.BlocklistPatterns()); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return &f, nil
}

// BlocklistPatterns returns the effective pattern list: the built-in patterns
// first when IncludeDefaults is set, then the file's own, without duplicates.
func (f *File) BlocklistPatterns() []string {
	var out []string
	seen := make(map[string]bool)
	add := func(p string) {
		if seen[p] {
			return
		}
		seen[p] = true
		out = append(out, p)
	}
	if f.IncludeDefaults {
		for _, p := range blocklist.DefaultPatterns() {
			add(p)
		}
	}
	for _, p := range f.Patterns {
		add(p)
	}
	if out == nil {
		out = []string{}
	}
	return out
}

// Apply overlays the file onto cfg. Fields absent from the file keep their value.
func (f *File) Apply(cfg *Config) {
	if f.AuditEnabled != nil {
		cfg.AuditEnabled = *f.AuditEnabled
	}
	if f.RateLimit != nil {
		cfg.RateLimit = *f.RateLimit
	}
	cfg.Patterns = f.BlocklistPatterns()
}

// Save writes f as YAML.
func (f *File) Save(path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal policy file: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// SeedFromFile applies the policy file at path to cfg when path is set.
func SeedFromFile(cfg *Config, path string, logger *slog.Logger) error {
	if path == "" {
		return nil
	}
	f, err := LoadFile(path)
	if err != nil {
		return err
	}
	f.Apply(cfg)
	logger.Info("loaded policy file", "path", path, "patterns", len(cfg.Patterns))
	return nil
}
