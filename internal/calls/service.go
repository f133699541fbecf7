package calls

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callagent/internal/metrics"
	"callagent/internal/telephony"

	"github.com/google/uuid"
)

// Ledger is the subset of the credit ledger the call lifecycle needs.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int64, callID string) (int64, error)
	Refund(ctx context.Context, userID string, amount int64, callID string) (bool, error)
}

// Slots caps concurrently active calls per user. Optional.
type Slots interface {
	Acquire(ctx context.Context, userID string) (bool, error)
	Release(ctx context.Context, userID string) error
}

// Profiles resolves the caller display name handed to the bridge. Optional.
type Profiles interface {
	DisplayName(ctx context.Context, userID string) (string, error)
}

type Config struct {
	CostCredits     int64
	RateLimitCount  int
	RateLimitWindow time.Duration

	BriefingMinLen  int
	BriefingMaxLen  int
	BlockedPrefixes []string

	// CallbackURL receives the bridge's progress events.
	CallbackURL        string
	DefaultDisplayName string
}

type Deps struct {
	Store    Store
	Ledger   Ledger
	Bridge   telephony.Orchestrator
	Slots    Slots
	Profiles Profiles
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Service owns the call lifecycle: start, user hangup and the application of
// bridge events. All state changes go through Store.TransitionCall.
type Service struct {
	store    Store
	ledger   Ledger
	bridge   telephony.Orchestrator
	slots    Slots
	profiles Profiles
	metrics  *metrics.Metrics
	log      *slog.Logger
	cfg      Config

	clock func() time.Time
	newID func() string
}

func NewService(d Deps, cfg Config) (*Service, error) {
	if d.Store == nil || d.Ledger == nil || d.Bridge == nil {
		return nil, errors.New("calls: store, ledger and bridge are required")
	}
	if cfg.CostCredits <= 0 {
		return nil, errors.New("calls: cost must be positive")
	}
	if cfg.RateLimitCount <= 0 || cfg.RateLimitWindow <= 0 {
		return nil, errors.New("calls: rate limit must be positive")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("calls: callback url is required")
	}
	if cfg.BriefingMaxLen <= 0 {
		cfg.BriefingMaxLen = 2000
	}
	if cfg.DefaultDisplayName == "" {
		cfg.DefaultDisplayName = "the user"
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    d.Store,
		ledger:   d.Ledger,
		bridge:   d.Bridge,
		slots:    d.Slots,
		profiles: d.Profiles,
		metrics:  d.Metrics,
		log:      log.With("component", "calls"),
		cfg:      cfg,
		clock:    time.Now,
		newID:    uuid.NewString,
	}, nil
}

// StartCall validates, rate limits, reserves credits, records and dispatches
// a call. Every failure after the reservation refunds it before returning.
func (s *Service) StartCall(ctx context.Context, userID string, in StartInput) (Call, error) {
	if userID == "" {
		return Call{}, ErrNotFound
	}
	in, err := s.validateStart(in)
	if err != nil {
		s.metrics.CallStartRejected("validation")
		return Call{}, err
	}

	now := s.clock().UTC()
	n, err := s.store.CountCallsSince(ctx, userID, now.Add(-s.cfg.RateLimitWindow))
	if err != nil {
		return Call{}, fmt.Errorf("calls: count recent: %w", err)
	}
	if n >= s.cfg.RateLimitCount {
		s.metrics.CallStartRejected("rate_limited")
		return Call{}, ErrRateLimited
	}

	slotHeld, err := s.acquireSlot(ctx, userID)
	if err != nil {
		return Call{}, err
	}

	callID := s.newID()
	if _, err := s.ledger.Reserve(ctx, userID, s.cfg.CostCredits, callID); err != nil {
		s.releaseSlot(ctx, userID, slotHeld)
		if errors.Is(err, ErrInsufficientCredits) {
			s.metrics.CallStartRejected("insufficient_credits")
			return Call{}, ErrInsufficientCredits
		}
		return Call{}, fmt.Errorf("calls: reserve: %w", err)
	}

	call := Call{
		ID:          callID,
		UserID:      userID,
		PhoneNumber: in.PhoneNumber,
		Briefing:    in.Briefing,
		Language:    in.Language,
		Status:      CallStatusPending,
		Transcript:  []TranscriptEntry{},
		CostCredits: s.cfg.CostCredits,
		SlotHeld:    slotHeld,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateCall(ctx, call); err != nil {
		// The row does not exist, so the transition-bound refund cannot fire.
		bg := context.WithoutCancel(ctx)
		if _, rerr := s.ledger.Refund(bg, userID, s.cfg.CostCredits, callID); rerr != nil {
			s.log.Error("refund after failed create", "call_id", callID, "user_id", userID, "err", rerr)
		} else {
			s.metrics.CreditsRefunded(s.cfg.CostCredits)
		}
		s.releaseSlot(bg, userID, slotHeld)
		return Call{}, fmt.Errorf("calls: create: %w", err)
	}

	res, err := s.bridge.StartSession(ctx, telephony.StartRequest{
		CallID:      callID,
		PhoneNumber: call.PhoneNumber,
		Briefing:    call.Briefing,
		Language:    call.Language,
		UserName:    s.displayName(ctx, userID),
		CallbackURL: s.cfg.CallbackURL,
	})
	if err != nil {
		return Call{}, s.compensateDispatch(context.WithoutCancel(ctx), call, err)
	}

	s.metrics.CallStarted()
	s.log.Info("call dispatched", "call_id", callID, "user_id", userID, "session_id", res.SessionID)

	out, _, err := s.transition(ctx, callID, CallStatusDialing, Update{})
	if err != nil {
		// Dispatched and recorded; bridge events will move it forward.
		s.log.Warn("mark dialing failed", "call_id", callID, "err", err)
		return call, nil
	}
	return out, nil
}

// compensateDispatch fails the call, which refunds it, and maps the bridge error.
func (s *Service) compensateDispatch(ctx context.Context, call Call, cause error) error {
	derr := &DispatchError{Err: cause}
	var rej *telephony.RejectedError
	if errors.As(cause, &rej) {
		derr.Rejected = true
		derr.Detail = rej.Detail
	}
	s.metrics.DispatchFailed(derr.Rejected)
	s.log.Warn("dispatch failed", "call_id", call.ID, "user_id", call.UserID, "rejected", derr.Rejected, "err", cause)

	reason := "dispatch failed"
	if derr.Rejected {
		reason = "rejected: " + derr.Detail
	}
	if _, _, err := s.transition(ctx, call.ID, CallStatusFailed, Update{FailureReason: &reason}); err != nil {
		// Same idempotency key as the transition refund, so this cannot double up.
		s.log.Error("fail transition after dispatch error", "call_id", call.ID, "err", err)
		if applied, rerr := s.ledger.Refund(ctx, call.UserID, call.CostCredits, call.ID); rerr != nil {
			s.log.Error("refund after dispatch error", "call_id", call.ID, "err", rerr)
		} else if applied {
			s.metrics.CreditsRefunded(call.CostCredits)
		}
	}
	return derr
}

// EndCall hangs up on the user's request. The bridge is asked to end the
// session; local bookkeeping closes the call as completed either way.
func (s *Service) EndCall(ctx context.Context, callID, userID string) (Call, error) {
	call, err := s.GetCall(ctx, callID, userID)
	if err != nil {
		return Call{}, err
	}
	if call.Status.Terminal() {
		return Call{}, ErrAlreadyEnded
	}

	if err := s.bridge.EndSession(ctx, callID); err != nil {
		s.log.Warn("bridge end-call failed, closing locally", "call_id", callID, "err", err)
	}

	now := s.clock().UTC()
	duration := 0
	if call.ConnectedAt != nil {
		duration = int(now.Sub(*call.ConnectedAt).Seconds())
		if duration < 0 {
			duration = 0
		}
	}
	out, applied, err := s.transition(context.WithoutCancel(ctx), callID, CallStatusCompleted, Update{
		DurationSeconds: &duration,
		Hangup:          true,
		At:              now,
	})
	if err != nil {
		return Call{}, err
	}
	if !applied {
		return Call{}, ErrAlreadyEnded
	}
	s.log.Info("call ended by user", "call_id", callID, "user_id", userID, "duration_seconds", duration)
	return out, nil
}

// GetCall returns the call if userID owns it. Foreign calls are reported as
// ErrNotFound so existence does not leak.
func (s *Service) GetCall(ctx context.Context, callID, userID string) (Call, error) {
	if callID == "" || userID == "" {
		return Call{}, ErrNotFound
	}
	c, err := s.store.GetCall(ctx, callID)
	if err != nil {
		return Call{}, err
	}
	if c.UserID != userID {
		return Call{}, ErrNotFound
	}
	return c, nil
}

func (s *Service) ListCalls(ctx context.Context, userID string, limit, offset int) ([]Call, error) {
	if userID == "" {
		return nil, ErrNotFound
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.store.ListCalls(ctx, userID, limit, offset)
}

// AdvanceStatus applies a bridge status report. Stale or repeated reports are
// no-ops. A report of completed is handled like Finish without payload.
func (s *Service) AdvanceStatus(ctx context.Context, callID string, to CallStatus) (Call, bool, error) {
	switch to {
	case CallStatusCompleted:
		return s.Finish(ctx, callID, Completion{Status: CallStatusCompleted})
	case CallStatusFailed:
		reason := "reported failed by bridge"
		return s.transition(ctx, callID, to, Update{FailureReason: &reason})
	case CallStatusPending:
		c, err := s.store.GetCall(ctx, callID)
		return c, false, err
	}
	if !to.Valid() {
		return Call{}, false, invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	return s.transition(ctx, callID, to, Update{})
}

// AppendTranscript stores one utterance. Entries for terminal calls and
// redelivered entries are dropped.
func (s *Service) AppendTranscript(ctx context.Context, callID string, e TranscriptEntry) (bool, error) {
	if !e.Speaker.Valid() {
		return false, invalid("speaker", fmt.Sprintf("unknown speaker %q", e.Speaker))
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	return s.store.AppendTranscript(ctx, callID, e)
}

// Completion is the bridge's final report for a call.
type Completion struct {
	Status          CallStatus
	Summary         *string
	DurationSeconds *int
	Transcript      []TranscriptEntry
}

// Finish applies the terminal report. Carried transcript entries are stored
// before the transition closes the call. A completion for a call that never
// connected is recorded as failed.
func (s *Service) Finish(ctx context.Context, callID string, f Completion) (Call, bool, error) {
	if f.Status != CallStatusCompleted && f.Status != CallStatusFailed {
		return Call{}, false, invalid("status", fmt.Sprintf("%q is not terminal", f.Status))
	}
	for _, e := range f.Transcript {
		if _, err := s.AppendTranscript(ctx, callID, e); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				s.log.Warn("skipping malformed transcript entry", "call_id", callID, "err", err)
				continue
			}
			return Call{}, false, err
		}
	}

	u := Update{Summary: nonEmpty(f.Summary), DurationSeconds: f.DurationSeconds}
	if f.Status == CallStatusFailed {
		reason := "reported failed by bridge"
		u.FailureReason = &reason
		return s.transition(ctx, callID, CallStatusFailed, u)
	}

	// connected may land between attempts.
	for attempt := 0; attempt < 3; attempt++ {
		c, applied, err := s.transition(ctx, callID, CallStatusCompleted, u)
		if err != nil || applied || c.Status.Terminal() {
			return c, applied, err
		}
		if c.Status == CallStatusConnected {
			continue
		}
		reason := "ended before the callee answered"
		return s.transition(ctx, callID, CallStatusFailed, Update{FailureReason: &reason, Summary: u.Summary})
	}
	c, err := s.store.GetCall(ctx, callID)
	return c, false, err
}

// transition is the single place side effects of an applied transition happen.
func (s *Service) transition(ctx context.Context, callID string, to CallStatus, u Update) (Call, bool, error) {
	if u.At.IsZero() {
		u.At = s.clock().UTC()
	}
	c, applied, err := s.store.TransitionCall(ctx, callID, to, u)
	if err != nil {
		return Call{}, false, err
	}
	if !applied {
		s.log.Debug("transition ignored", "call_id", callID, "to", to, "current", c.Status)
		return c, false, nil
	}

	s.log.Info("call transitioned", "call_id", callID, "status", c.Status)
	if c.Status.Terminal() {
		d := -1
		if c.DurationSeconds != nil {
			d = *c.DurationSeconds
		}
		s.metrics.CallTerminal(string(c.Status), d)
		if c.Status == CallStatusFailed {
			s.metrics.CreditsRefunded(c.CostCredits)
		}
		s.releaseSlot(ctx, c.UserID, c.SlotHeld)
	}
	return c, true, nil
}

func (s *Service) acquireSlot(ctx context.Context, userID string) (bool, error) {
	if s.slots == nil {
		return false, nil
	}
	ok, err := s.slots.Acquire(ctx, userID)
	if err != nil {
		// Fail open. The call records that it holds no slot.
		s.log.Warn("active call slot unavailable, continuing", "user_id", userID, "err", err)
		return false, nil
	}
	if !ok {
		s.metrics.CallStartRejected("too_many_active")
		return false, ErrTooManyActive
	}
	return true, nil
}

func (s *Service) releaseSlot(ctx context.Context, userID string, held bool) {
	if s.slots == nil || !held {
		return
	}
	if err := s.slots.Release(ctx, userID); err != nil {
		s.log.Warn("release active call slot", "user_id", userID, "err", err)
	}
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.profiles == nil {
		return s.cfg.DefaultDisplayName
	}
	name, err := s.profiles.DisplayName(ctx, userID)
	if err != nil || name == "" {
		return s.cfg.DefaultDisplayName
	}
	return name
}

func nonEmpty(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
