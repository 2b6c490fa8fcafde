// Package apperr holds the error kinds shared by the listing, fee and order code.
// Callers match them with errors.Is; typed errors carry the details a handler needs
// to render a response.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrForbidden           = errors.New("forbidden")
	ErrMissingUsername     = errors.New("seller profile has no username")
	ErrValidation          = errors.New("validation failed")
	ErrListingLimitReached = errors.New("listing limit reached")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStaleWrite          = errors.New("stale write")
	ErrEventReplay         = errors.New("external event already applied")
	ErrNotFound            = errors.New("not found")
	ErrRateLimited         = errors.New("too many requests")
)

// LimitError is returned when a seller's active-listing quota is exhausted.
type LimitError struct {
	Current     int
	Max         int
	UpgradeHint string
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("listing limit reached (%d of %d)", e.Current, e.Max)
}

func (e *LimitError) Unwrap() error { return ErrListingLimitReached }

// TransitionError describes a rejected status change.
type TransitionError struct {
	From   string
	To     string
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("cannot move from %s to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot move from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// ValidationError reports malformed input to a computation.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Field: field, Msg: msg}
}
