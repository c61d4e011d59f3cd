package domain

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Version is the engine version encoded as 0x00MMmmpp.
const Version uint32 = 0x00010000

const (
	MaxCommandLen       = 4096 // command buffer including terminator; commands hold at most MaxCommandLen-1 bytes
	MaxReasonLen        = 256
	MaxPatternLen       = 64
	MaxBlocklistEntries = 128
	AuditCommandPrefix  = 256
	DefaultRateLimit    = 10
)

// VersionString renders a packed version as "major.minor.patch".
func VersionString(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", (v>>16)&0xff, (v>>8)&0xff, v&0xff)
}

// Outcome is the terminal decision for a validation request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeBlocked
	OutcomeRateLimited
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "allowed"
	case OutcomeBlocked:
		return "blocked"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(b []byte) error {
	v, err := ParseOutcome(string(b))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// ParseOutcome accepts the audit names ("allowed", "blocked", ...) plus "ok".
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "allowed", "ok":
		return OutcomeOK, nil
	case "blocked":
		return OutcomeBlocked, nil
	case "rate_limited":
		return OutcomeRateLimited, nil
	case "invalid":
		return OutcomeInvalid, nil
	}
	return 0, fmt.Errorf("%w: unknown outcome %q", ErrInvalidInput, s)
}

// Flags modify how a single validation request is handled.
type Flags uint32

const (
	FlagAudit  Flags = 1 << 0
	FlagDryRun Flags = 1 << 1
	FlagForce  Flags = 1 << 2

	flagMask = FlagAudit | FlagDryRun | FlagForce
)

// Has reports whether every bit of x is set in f.
func (f Flags) Has(x Flags) bool { return f&x == x }

// Known drops bits that carry no meaning.
func (f Flags) Known() Flags { return f & flagMask }

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	if f.Has(FlagAudit) {
		parts = append(parts, "audit")
	}
	if f.Has(FlagDryRun) {
		parts = append(parts, "dryrun")
	}
	if f.Has(FlagForce) {
		parts = append(parts, "force")
	}
	if rest := f &^ flagMask; rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(parts, "|")
}

// ValidationRequest is one command submitted for a decision.
type ValidationRequest struct {
	Command  string `json:"command"`
	Flags    Flags  `json:"flags"`
	Identity uint32 `json:"identity"`
}

// ValidationResult is the decision returned to the caller and kept as the last result.
type ValidationResult struct {
	Outcome Outcome `json:"outcome"`
	Flags   Flags   `json:"flags"`
	Reason  string  `json:"reason,omitempty"`
}

// Caller is the authenticated party behind a control operation.
type Caller struct {
	Identity uint32
	Admin    bool
}

// Stats is a point-in-time view of the validation counters.
type Stats struct {
	TotalRequests    uint64 `json:"total_requests"`
	TotalAllowed     uint64 `json:"total_allowed"`
	TotalBlocked     uint64 `json:"total_blocked"`
	TotalRateLimited uint64 `json:"total_rate_limited"`
	TotalInvalid     uint64 `json:"total_invalid"`
	UptimeSeconds    uint64 `json:"uptime_secs"`
}

// PolicyConfig is the externally visible part of the policy.
type PolicyConfig struct {
	AuditEnabled   bool   `json:"audit_enabled"`
	RateLimit      uint32 `json:"rate_limit"`
	BlocklistCount int    `json:"blocklist_count"`
}

// RateLimiter decides whether an identity has used up its window.
// A limit of zero means unlimited.
type RateLimiter interface {
	Check(identity uint32, limit uint32) (limited bool)
}

// Clip cuts s to at most n bytes without splitting a UTF-8 sequence.
func Clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
