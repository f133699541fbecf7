// Package memory is a single-process implementation of every store contract.
// One mutex guards all state, which gives each method the same atomicity the
// Postgres store gets from conditional statements.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"callagent/internal/audit"
	"callagent/internal/calls"
	"callagent/internal/ledger"
	"callagent/internal/referral"
	"callagent/internal/users"

	"github.com/google/uuid"
)

type storedCall struct {
	call       calls.Call
	transcript []calls.TranscriptEntry
	keys       map[string]struct{}
}

type Store struct {
	mu sync.Mutex

	users   map[string]users.User
	codes   map[string]string
	calls   map[string]*storedCall
	entries []ledger.Entry
	keys    map[string]struct{}
	events  []audit.Event

	newID func() string
}

func New() *Store {
	return &Store{
		users: map[string]users.User{},
		codes: map[string]string{},
		calls: map[string]*storedCall{},
		keys:  map[string]struct{}{},
		newID: uuid.NewString,
	}
}

func entryKey(userID, key string) string { return userID + "\x00" + key }

// appendEntry applies e to the projection. Caller holds mu and has checked
// the balance and the idempotency key.
func (s *Store) appendEntry(e ledger.Entry) int64 {
	u := s.users[e.UserID]
	u.Credits += e.Amount
	s.users[e.UserID] = u
	s.entries = append(s.entries, e)
	s.keys[entryKey(e.UserID, e.IdempotencyKey)] = struct{}{}
	return u.Credits
}

func (s *Store) hasEntry(userID, key string) bool {
	_, ok := s.keys[entryKey(userID, key)]
	return ok
}

// ledger.Store

func (s *Store) Debit(ctx context.Context, e ledger.Entry) (int64, error) {
	if e.Amount >= 0 || e.IdempotencyKey == "" {
		return 0, ledger.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[e.UserID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	if s.hasEntry(e.UserID, e.IdempotencyKey) {
		return 0, ledger.ErrDuplicateEntry
	}
	if u.Credits < -e.Amount {
		return 0, ledger.ErrInsufficientCredits
	}
	return s.appendEntry(e), nil
}

func (s *Store) Credit(ctx context.Context, e ledger.Entry) (int64, bool, error) {
	if e.Amount <= 0 || e.IdempotencyKey == "" {
		return 0, false, ledger.ErrInvalidArgument
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[e.UserID]
	if !ok {
		return 0, false, ledger.ErrUserNotFound
	}
	if s.hasEntry(e.UserID, e.IdempotencyKey) {
		return u.Credits, false, nil
	}
	return s.appendEntry(e), true, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return u.Credits, nil
}

func (s *Store) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, 0)
	for i := len(s.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
		}
	}
	return out, nil
}

// users.Store

func (s *Store) CreateUser(ctx context.Context, u users.User, signup *ledger.Entry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return false, nil
	}
	if _, taken := s.codes[u.ReferralCode]; taken {
		return false, users.ErrReferralCodeTaken
	}
	u.Credits = 0
	u.ReferredBy = nil
	u.ReferralCredits = 0
	s.users[u.ID] = u
	s.codes[u.ReferralCode] = u.ID
	if signup != nil {
		s.appendEntry(*signup)
	}
	return true, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	if u.ReferredBy != nil {
		ref := *u.ReferredBy
		u.ReferredBy = &ref
	}
	return u, nil
}

// referral.Store

func (s *Store) UserIDByReferralCode(ctx context.Context, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return "", referral.ErrUnknownCode
	}
	return id, nil
}

func (s *Store) LinkReferral(ctx context.Context, newUserID, referrerID string, limit int, reward ledger.Entry) (referral.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nu, ok := s.users[newUserID]
	if !ok {
		return "", users.ErrNotFound
	}
	ru, ok := s.users[referrerID]
	if !ok {
		return referral.OutcomeUnknownCode, nil
	}
	if nu.ReferredBy != nil {
		return referral.OutcomeAlreadyReferred, nil
	}
	if ru.ReferralCredits >= limit {
		return referral.OutcomeCapReached, nil
	}
	if s.hasEntry(referrerID, reward.IdempotencyKey) {
		return referral.OutcomeAlreadyReferred, nil
	}

	ref := referrerID
	nu.ReferredBy = &ref
	s.users[newUserID] = nu
	ru.ReferralCredits++
	s.users[referrerID] = ru
	s.appendEntry(reward)
	return referral.OutcomeCredited, nil
}

// calls.Store

func (s *Store) CreateCall(ctx context.Context, c calls.Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; ok {
		return calls.ErrDuplicateCall
	}
	c.Transcript = nil
	s.calls[c.ID] = &storedCall{call: c, keys: map[string]struct{}{}}
	return nil
}

// snapshot copies the call with its transcript in timestamp order, arrival
// order breaking ties. Caller holds mu.
func (sc *storedCall) snapshot(withTranscript bool) calls.Call {
	c := sc.call
	c.Transcript = []calls.TranscriptEntry{}
	if withTranscript {
		c.Transcript = append(c.Transcript, sc.transcript...)
		sort.SliceStable(c.Transcript, func(i, j int) bool {
			return c.Transcript[i].Timestamp.Before(c.Transcript[j].Timestamp)
		})
	}
	return c
}

func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.calls[id]
	if !ok {
		return calls.Call{}, calls.ErrNotFound
	}
	return sc.snapshot(true), nil
}

func (s *Store) ListCalls(ctx context.Context, userID string, limit, offset int) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.userCalls(userID)
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return []calls.Call{}, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) userCalls(userID string) []calls.Call {
	out := make([]calls.Call, 0)
	for _, sc := range s.calls {
		if sc.call.UserID == userID {
			out = append(out, sc.snapshot(false))
		}
	}
	return out
}

func (s *Store) CountCallsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sc := range s.calls {
		if sc.call.UserID == userID && !sc.call.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionCall(ctx context.Context, id string, to calls.CallStatus, u calls.Update) (calls.Call, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.calls[id]
	if !ok {
		return calls.Call{}, false, calls.ErrNotFound
	}
	c := &sc.call

	if to == calls.CallStatusCompleted && c.Status == calls.CallStatusCompleted {
		if c.Summary == nil && u.Summary != nil {
			v := *u.Summary
			c.Summary = &v
		}
		if c.DurationSeconds == nil && u.DurationSeconds != nil {
			v := *u.DurationSeconds
			c.DurationSeconds = &v
		}
		return sc.snapshot(true), false, nil
	}
	if !calls.CanTransition(c.Status, to, u.Hangup) {
		return sc.snapshot(true), false, nil
	}

	if to == calls.CallStatusFailed && !s.hasEntry(c.UserID, ledger.RefundKey(c.ID)) {
		if _, exists := s.users[c.UserID]; exists {
			s.appendEntry(ledger.NewRefundEntry(s.newID(), c.UserID, c.ID, c.CostCredits, u.At))
		}
	}

	c.Status = to
	c.UpdatedAt = u.At
	if to == calls.CallStatusConnected && c.ConnectedAt == nil {
		at := u.At
		c.ConnectedAt = &at
	}
	if to.Terminal() {
		at := u.At
		c.CompletedAt = &at
	}
	if u.Summary != nil && c.Summary == nil {
		v := *u.Summary
		c.Summary = &v
	}
	if u.DurationSeconds != nil && c.DurationSeconds == nil {
		v := *u.DurationSeconds
		c.DurationSeconds = &v
	}
	if u.FailureReason != nil && c.FailureReason == nil {
		v := *u.FailureReason
		c.FailureReason = &v
	}
	return sc.snapshot(true), true, nil
}

func (s *Store) AppendTranscript(ctx context.Context, id string, e calls.TranscriptEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.calls[id]
	if !ok {
		return false, calls.ErrNotFound
	}
	if sc.call.Status.Terminal() {
		return false, nil
	}
	k := e.Key()
	if _, dup := sc.keys[k]; dup {
		return false, nil
	}
	sc.keys[k] = struct{}{}
	sc.transcript = append(sc.transcript, e)
	return true, nil
}

// reporting.Repository

func (s *Store) CallsBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range s.userCalls(userID) {
		if !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *Store) EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ledger.Entry, 0)
	for _, e := range s.entries {
		if e.UserID == userID && !e.CreatedAt.Before(from) && e.CreatedAt.Before(to) {
			out = append(out, e)
		}
	}
	return out, nil
}

// audit.Repository

func (s *Store) AppendAuditEvent(ctx context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *Store) AuditEvents() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
