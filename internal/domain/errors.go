package domain

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnsupported       = errors.New("operation not supported")
)

// ErrorCode is the wire form of the error taxonomy.
type ErrorCode string

const (
	CodeInvalidInput      ErrorCode = "invalid_input"
	CodePermissionDenied  ErrorCode = "permission_denied"
	CodeResourceExhausted ErrorCode = "resource_exhausted"
	CodeUnsupported       ErrorCode = "unsupported_operation"
	CodeInternal          ErrorCode = "internal"
)

// CodeOf maps err onto the taxonomy. Unknown errors are CodeInternal.
func CodeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrUnsupported):
		return CodeUnsupported
	default:
		return CodeInternal
	}
}

// SentinelFor returns the sentinel behind a wire code, or nil for CodeInternal.
func SentinelFor(code ErrorCode) error {
	switch code {
	case CodeInvalidInput:
		return ErrInvalidInput
	case CodePermissionDenied:
		return ErrPermissionDenied
	case CodeResourceExhausted:
		return ErrResourceExhausted
	case CodeUnsupported:
		return ErrUnsupported
	}
	return nil
}
