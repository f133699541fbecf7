package ledger

import (
	"context"
	"errors"
)

var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	// ErrDuplicateEntry is returned by Debit when the idempotency key was already used.
	ErrDuplicateEntry = errors.New("duplicate ledger entry")
)

// Store persists entries and the balance projection together.
type Store interface {
	// Debit applies e (negative Amount) as a single conditional decrement:
	// it succeeds only if the balance covers it. Returns the new balance.
	Debit(ctx context.Context, e Entry) (int64, error)

	// Credit applies e (positive Amount) unless an entry with the same
	// (user, idempotency key) exists, in which case applied is false and the
	// balance is unchanged.
	Credit(ctx context.Context, e Entry) (balance int64, applied bool, err error)

	Balance(ctx context.Context, userID string) (int64, error)

	// Entries returns the newest entries first.
	Entries(ctx context.Context, userID string, limit int) ([]Entry, error)
}
