package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// RetryableError marks a transient remote failure (network, timeout).
// Callers may retry with backoff.
type RetryableError struct {
	Op  string
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s: %v (retryable)", e.Op, e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// PermanentError marks a remote failure that retrying cannot fix (object
// not found, permission denied, invalid mailbox state).
type PermanentError struct {
	Op  string
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsRetryable reports whether err (or any error in its chain) is a
// RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsPermanent reports whether err (or any error in its chain) is a
// PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify wraps err as retryable or permanent for the given operation.
// Timeouts, connection drops and cancellation deadlines are retryable;
// anything else, typically a NO/BAD protocol response, is permanent.
// Already-classified errors pass through unchanged.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || IsPermanent(err) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &RetryableError{Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RetryableError{Op: op, Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &RetryableError{Op: op, Err: err}
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return &RetryableError{Op: op, Err: err}
	}
	return &PermanentError{Op: op, Err: err}
}
