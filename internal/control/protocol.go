package control

import (
	"fmt"

	"thk/internal/domain"
)

// Op identifies a control operation. Codes match the character-device
// command numbers clients have always used.
type Op uint8

const (
	OpValidate      Op = 0x01
	OpLastResult    Op = 0x02
	OpStats         Op = 0x03
	OpGetConfig     Op = 0x04
	OpSetConfig     Op = 0x05
	OpVersion       Op = 0x06
	OpListBlocklist Op = 0x07
	OpSetBlocklist  Op = 0x08
)

var opNames = map[Op]string{
	OpValidate:      "validate",
	OpLastResult:    "last_result",
	OpStats:         "stats",
	OpGetConfig:     "get_config",
	OpSetConfig:     "set_config",
	OpVersion:       "version",
	OpListBlocklist: "list_blocklist",
	OpSetBlocklist:  "set_blocklist",
}

func (o Op) String() string {
	if n, ok := opNames[o]; ok {
		return n
	}
	return fmt.Sprintf("op(0x%02x)", uint8(o))
}

// ValidateArgs carries a Validate request. Identity is honored only for
// privileged callers; everyone else is validated as themselves.
type ValidateArgs struct {
	Command  string       `json:"command"`
	Flags    domain.Flags `json:"flags,omitempty"`
	Identity *uint32      `json:"identity,omitempty"`
}

// ConfigArgs carries a SetConfig request. A nil field keeps its current value.
type ConfigArgs struct {
	AuditEnabled *bool   `json:"audit_enabled,omitempty"`
	RateLimit    *uint32 `json:"rate_limit,omitempty"`
}

// Request is one control call as it travels over a transport.
type Request struct {
	Op        Op            `json:"op"`
	Validate  *ValidateArgs `json:"validate,omitempty"`
	Config    *ConfigArgs   `json:"config,omitempty"`
	Blocklist []string      `json:"blocklist,omitempty"`
}

// Response is the payload of a successful call. Only the fields relevant to
// the operation are set.
type Response struct {
	Version       uint32                   `json:"version,omitempty"`
	VersionString string                   `json:"version_string,omitempty"`
	Result        *domain.ValidationResult `json:"result,omitempty"`
	Stats         *domain.Stats            `json:"stats,omitempty"`
	Config        *domain.PolicyConfig     `json:"config,omitempty"`
	Blocklist     []string                 `json:"blocklist,omitempty"`
}

// Error is the wire form of a failed call.
type Error struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Reply wraps a Response or an Error.
type Reply struct {
	OK    bool   `json:"ok"`
	Error *Error `json:"error,omitempty"`
	Response
}

// Err rebuilds a Go error from a failed reply so callers can use errors.Is
// against the domain sentinels.
func (r Reply) Err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return fmt.Errorf("control: call failed without error detail")
	}
	if s := domain.SentinelFor(r.Error.Code); s != nil {
		return fmt.Errorf("%w: %s", s, r.Error.Message)
	}
	return fmt.Errorf("control: %s", r.Error.Message)
}

func failure(err error) Reply {
	return Reply{Error: &Error{Code: domain.CodeOf(err), Message: err.Error()}}
}
