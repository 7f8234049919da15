package publish

import (
	"errors"
	"fmt"
)

// ErrSessionUnhealthy aborts a whole executor run without consuming any
// item's retries.
var ErrSessionUnhealthy = errors.New("platform session unhealthy")

// NoRetry marks a publish failure as permanent so the executor fails the
// item immediately instead of deferring it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }
