package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"callagent/internal/calls"
	"callagent/internal/ledger"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// It enforces user isolation on reads.
type MemoryRepo struct {
	mu sync.Mutex

	Calls   []calls.Call
	Entries []ledger.Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func inRange(at, from, to time.Time) bool {
	return !at.Before(from) && at.Before(to)
}

func (r *MemoryRepo) CallsBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.UserID == userID && inRange(c.CreatedAt, from, to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepo) EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]ledger.Entry, error) {
	if userID == "" {
		return nil, errors.New("user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ledger.Entry, 0)
	for _, e := range r.Entries {
		if e.UserID == userID && inRange(e.CreatedAt, from, to) {
			out = append(out, e)
		}
	}
	return out, nil
}
