package calls

import (
	"errors"
	"fmt"

	"callagent/internal/ledger"
)

var (
	ErrNotFound            = errors.New("call not found")
	ErrRateLimited         = errors.New("too many calls, try again later")
	ErrAlreadyEnded        = errors.New("call already ended")
	ErrTooManyActive       = errors.New("too many active calls")
	ErrDuplicateCall       = errors.New("call id already exists")
	ErrInsufficientCredits = ledger.ErrInsufficientCredits
)

// ValidationError is a user-facing input error. No side effects have happened.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// DispatchError reports that the bridge did not accept the call.
// The reserved credit has already been refunded when this is returned.
type DispatchError struct {
	// Rejected is true when the bridge refused the request itself, e.g. it
	// considers the number invalid. Detail is then safe to show the user.
	Rejected bool
	Detail   string
	Err      error
}

func (e *DispatchError) Error() string {
	if e.Rejected {
		return "call rejected: " + e.Detail
	}
	return fmt.Sprintf("dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
