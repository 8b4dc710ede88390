package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrQueueFull        = errors.New("confirmation queue full")
	ErrPipelineClosed   = errors.New("confirmation pipeline closed")
	ErrStalePrice       = errors.New("price is stale")
	ErrInvalidSignal    = errors.New("invalid trade signal")
)

// ErrorKind tells a caller what to do with a failure.
type ErrorKind int

const (
	// KindRetryable failures may succeed if the same call is repeated.
	KindRetryable ErrorKind = iota
	// KindFatal failures will fail again; do not retry.
	KindFatal
	// KindAmbiguous means the outcome is unknown (e.g. a confirmation timeout).
	KindAmbiguous
)

func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	case KindAmbiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// ErrorCategory names the source of a chain RPC failure.
type ErrorCategory string

const (
	CategoryRateLimit ErrorCategory = "rate_limit"
	CategoryServer    ErrorCategory = "server"
	CategoryNetwork   ErrorCategory = "network"
	CategoryAuth      ErrorCategory = "auth"
	CategoryClient    ErrorCategory = "client"
	CategoryUnknown   ErrorCategory = "unknown"
)

// Kind maps a category to its retry policy. Authentication and client
// errors are never retried.
func (c ErrorCategory) Kind() ErrorKind {
	switch c {
	case CategoryRateLimit, CategoryServer, CategoryNetwork:
		return KindRetryable
	default:
		return KindFatal
	}
}

// ChainError wraps a failed chain RPC call with its classification.
type ChainError struct {
	Op       string
	Category ErrorCategory
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain: %s (%s): %v", e.Op, e.Category, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Retryable reports whether the failed call may be repeated.
func (e *ChainError) Retryable() bool {
	return e.Category.Kind() == KindRetryable
}

// IsRetryable reports whether err is a retryable chain failure.
func IsRetryable(err error) bool {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	return false
}

// IsStoreUnavailable reports whether err means the shared state store could
// not be reached.
func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
