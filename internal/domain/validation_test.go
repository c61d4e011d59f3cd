package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestVersionString(t *testing.T) {
	if got := VersionString(Version); got != "1.0.0" {
		t.Fatalf("VersionString(Version) = %q, want 1.0.0", got)
	}
	if got := VersionString(0x00020304); got != "2.3.4" {
		t.Fatalf("got %q", got)
	}
}

func TestOutcome_JSONUsesAuditNames(t *testing.T) {
	res := ValidationResult{Outcome: OutcomeRateLimited, Flags: FlagAudit, Reason: "rate limit exceeded"}
	data, err := json.Marshal(res)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"outcome":"rate_limited","flags":1,"reason":"rate limit exceeded"}`
	if string(data) != want {
		t.Fatalf("got %s, want %s", data, want)
	}

	var back ValidationResult
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != res {
		t.Fatalf("got %+v", back)
	}
}

func TestParseOutcome_Unknown(t *testing.T) {
	if _, err := ParseOutcome("maybe"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFlags(t *testing.T) {
	f := FlagAudit | FlagForce
	if !f.Has(FlagForce) || f.Has(FlagDryRun) {
		t.Fatalf("Has mismatch for %v", f)
	}
	if f.String() != "audit|force" {
		t.Errorf("String() = %q", f.String())
	}
	if got := Flags(0x80 | 1).Known(); got != FlagAudit {
		t.Errorf("Known() = %v", got)
	}
	if Flags(0).String() != "none" {
		t.Errorf("zero flags string = %q", Flags(0).String())
	}
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"}, // é is two bytes
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := Clip(tt.in, tt.n); got != tt.want {
			t.Errorf("Clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("set config: %w", ErrPermissionDenied)
	if CodeOf(wrapped) != CodePermissionDenied {
		t.Fatalf("CodeOf(wrapped) = %q", CodeOf(wrapped))
	}
	if CodeOf(errors.New("boom")) != CodeInternal {
		t.Fatal("unknown errors should map to internal")
	}
	for _, code := range []ErrorCode{CodeInvalidInput, CodePermissionDenied, CodeResourceExhausted, CodeUnsupported} {
		if CodeOf(SentinelFor(code)) != code {
			t.Errorf("round trip failed for %q", code)
		}
	}
	if SentinelFor(CodeInternal) != nil {
		t.Error("internal code has no sentinel")
	}
}
