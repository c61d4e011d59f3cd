// Package blocklist holds the ordered set of forbidden command fragments and
// the matcher that checks commands against it.
//
// Patterns are literal, case-sensitive, unanchored substrings. Entries such as
// "python -c.*import.*socket" are matched as text; the ".*" is not a wildcard.
package blocklist

import (
	"fmt"
	"strings"

	"thk/internal/domain"
)

// List is an immutable, validated blocklist. The zero value matches nothing.
type List struct {
	patterns []string
}

// New validates patterns and returns them as a List in the given order.
func New(patterns []string) (*List, error) {
	if err := Validate(patterns); err != nil {
		return nil, err
	}
	cp := make([]string, len(patterns))
	copy(cp, patterns)
	return &List{patterns: cp}, nil
}

// Default returns the built-in blocklist.
func Default() *List {
	return &List{patterns: DefaultPatterns()}
}

// Validate checks the bounds every blocklist must respect.
func Validate(patterns []string) error {
	if len(patterns) > domain.MaxBlocklistEntries {
		return fmt.Errorf("%w: %d patterns exceeds limit of %d", domain.ErrInvalidInput, len(patterns), domain.MaxBlocklistEntries)
	}
	for i, p := range patterns {
		switch {
		case p == "":
			return fmt.Errorf("%w: pattern %d is empty", domain.ErrInvalidInput, i)
		case len(p) >= domain.MaxPatternLen:
			return fmt.Errorf("%w: pattern %d is %d bytes, limit is %d", domain.ErrInvalidInput, i, len(p), domain.MaxPatternLen-1)
		case strings.IndexByte(p, 0) >= 0:
			return fmt.Errorf("%w: pattern %d contains a NUL byte", domain.ErrInvalidInput, i)
		}
	}
	return nil
}

// Match returns the first pattern, in list order, that occurs in command.
func (l *List) Match(command string) (index int, pattern string, ok bool) {
	if l == nil {
		return -1, "", false
	}
	return Match(command, l.patterns)
}

// Len returns the number of patterns.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.patterns)
}

// Patterns returns a copy of the patterns in order.
func (l *List) Patterns() []string {
	if l == nil {
		return nil
	}
	cp := make([]string, len(l.patterns))
	copy(cp, l.patterns)
	return cp
}

// Match scans patterns in order and reports the first one contained in command.
func Match(command string, patterns []string) (index int, pattern string, ok bool) {
	for i, p := range patterns {
		if p != "" && strings.Contains(command, p) {
			return i, p, true
		}
	}
	return -1, "", false
}
