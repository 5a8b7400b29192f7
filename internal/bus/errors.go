package bus

import (
	"context"
	"errors"

	"github.com/rendis/playbooks/pkg/schema"
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth redelivering.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsRetryable classifies a handler error. Typed PlaybookErrors decide for
// themselves; untyped errors are retried, matching redelivery of an unhandled
// consumer failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}

	// Shutdown, not a failure of the message.
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pbErr *schema.PlaybookError
	if errors.As(err, &pbErr) {
		return pbErr.IsRetryable()
	}

	return true
}
