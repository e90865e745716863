package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrLockHeld      = errors.New("lock already held")

	ErrInvalidState        = errors.New("invalid state")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidUser         = errors.New("invalid user address")
	ErrVenue               = errors.New("venue error")
	ErrSlippageExceeded    = errors.New("slippage exceeded")
	ErrStaleStep           = errors.New("stale step")
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrUnwindFailed        = errors.New("unwind failed")
)

// StepError records which venue operation failed during a loop or unwind
// step. It unwraps to the underlying cause so callers can match sentinels.
type StepError struct {
	User string
	Op   string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.User, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// VenueFailure wraps a venue error so it matches ErrVenue while keeping the
// original cause visible in the message.
func VenueFailure(user, op string, err error) error {
	if errors.Is(err, ErrVenue) || errors.Is(err, ErrSlippageExceeded) {
		return &StepError{User: user, Op: op, Err: err}
	}
	return &StepError{User: user, Op: op, Err: fmt.Errorf("%w: %v", ErrVenue, err)}
}
