package tool

import (
	"errors"
	"fmt"
)

// Registry errors.
var (
	ErrDuplicateTool = errors.New("tool already registered")
	ErrUnknownTool   = errors.New("unknown tool")
)

// RetryableError marks a tool failure as transient. The envelope retries
// these with backoff; all other errors fail the invocation immediately.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return fmt.Sprintf("retryable: %v", e.Err) }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the envelope will retry it.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
