package core

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient is the parent of every retryable external failure
	ErrTransient = errors.New("transient external failure")

	// ErrFetchUnavailable is returned by a Fetcher when the mailbox can't be reached
	ErrFetchUnavailable = fmt.Errorf("fetch unavailable: %w", ErrTransient)

	// ErrJudgmentUnavailable is returned when the model call could not complete
	ErrJudgmentUnavailable = fmt.Errorf("judgment unavailable: %w", ErrTransient)

	// ErrDeliveryFailed is returned when a transport could not deliver a payload
	ErrDeliveryFailed = fmt.Errorf("delivery failed: %w", ErrTransient)

	// ErrAuthExpired means credentials must be renewed before retrying
	ErrAuthExpired = errors.New("authentication expired")

	// ErrConfigInvalid is fatal at startup
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrPersistence wraps dedup and cursor store I/O failures
	ErrPersistence = errors.New("persistence failure")

	// ErrNotFound is returned by stores for unknown keys
	ErrNotFound = errors.New("not found")
)

// permanentError stops a retry loop
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable reports whether another attempt may succeed
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return false
	}
	if errors.Is(err, ErrAuthExpired) || errors.Is(err, ErrConfigInvalid) {
		return false
	}
	return true
}
