package provider

import (
	"context"
	"errors"
	"strings"
)

// Sentinel errors shared by all providers. Expiry is deliberately distinct
// from generic network failure: every caller must special-case it.
var (
	ErrNotConnected        = errors.New("not_connected: no live sandbox session")
	ErrAlreadyConnected    = errors.New("already_connected: provider is bound to a different sandbox")
	ErrAuthExpired         = errors.New("auth_expired: credentials rejected")
	ErrQuotaExceeded       = errors.New("quota_exceeded: sandbox quota reached")
	ErrSandboxExpired      = errors.New("sandbox_expired: remote sandbox was terminated")
	ErrSizeLimitExceeded   = errors.New("size_limit_exceeded: write batch over provider limit")
	ErrSnapshotUnsupported = errors.New("snapshot_unsupported: provider has no snapshot capability")
)

// ErrorCode is a stable classifier for provider errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeNotConnected     ErrorCode = "not_connected"
	ErrorCodeAlreadyConnected ErrorCode = "already_connected"
	ErrorCodeAuthExpired      ErrorCode = "auth_expired"
	ErrorCodeQuotaExceeded    ErrorCode = "quota_exceeded"
	ErrorCodeExpired          ErrorCode = "sandbox_expired"
	ErrorCodeSizeLimit        ErrorCode = "size_limit_exceeded"
	ErrorCodeNetwork          ErrorCode = "network_transient"
)

// Classify maps an error to a stable code.
//
// Sentinel matches are preferred; a semantic marker embedded in the error
// text (as cloud APIs return it) is honored next, then context errors.
// Anything else is treated as a transient network failure.
func Classify(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}

	switch {
	case errors.Is(err, ErrNotConnected):
		return ErrorCodeNotConnected
	case errors.Is(err, ErrAlreadyConnected):
		return ErrorCodeAlreadyConnected
	case errors.Is(err, ErrAuthExpired):
		return ErrorCodeAuthExpired
	case errors.Is(err, ErrQuotaExceeded):
		return ErrorCodeQuotaExceeded
	case errors.Is(err, ErrSandboxExpired):
		return ErrorCodeExpired
	case errors.Is(err, ErrSizeLimitExceeded):
		return ErrorCodeSizeLimit
	}

	message := strings.ToLower(err.Error())
	switch {
	case strings.Contains(message, "sandbox_expired"), strings.Contains(message, "410 gone"):
		return ErrorCodeExpired
	case strings.Contains(message, "unauthorized"), strings.Contains(message, "401"):
		return ErrorCodeAuthExpired
	case strings.Contains(message, "quota"):
		return ErrorCodeQuotaExceeded
	}

	if errors.Is(err, context.Canceled) {
		return ErrorCodeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeDeadlineExceeded
	}
	return ErrorCodeNetwork
}

// IsExpiry reports whether err carries the distinguished expiry marker.
func IsExpiry(err error) bool {
	return Classify(err) == ErrorCodeExpired
}
