package ledger

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Service is the only writer of credit balances outside of the call and
// referral store transitions, which reuse the same entry formats.
type Service struct {
	store Store
	log   *slog.Logger
	clock func() time.Time
	newID func() string
}

func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, log: log, clock: time.Now, newID: uuid.NewString}
}

type GrantRequest struct {
	Reason         Reason `json:"reason"`
	ExternalRef    string `json:"external_ref,omitempty"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Reserve atomically takes amount credits from the user for callID.
// Failures are final; callers must not retry.
func (s *Service) Reserve(ctx context.Context, userID string, amount int64, callID string) (int64, error) {
	if userID == "" || callID == "" || amount <= 0 {
		return 0, ErrInvalidArgument
	}
	bal, err := s.store.Debit(ctx, Entry{
		ID:             s.newID(),
		UserID:         userID,
		Type:           EntryTypeReserve,
		Amount:         -amount,
		Reason:         ReasonCall,
		ExternalRef:    callID,
		IdempotencyKey: ReserveKey(callID),
		CreatedAt:      s.clock().UTC(),
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug("credits reserved", "user_id", userID, "call_id", callID, "amount", amount, "balance", bal)
	return bal, nil
}

// Refund returns amount credits for callID. It is applied at most once per call
// no matter how many times it is invoked.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, callID string) (bool, error) {
	if userID == "" || callID == "" || amount <= 0 {
		return false, ErrInvalidArgument
	}
	bal, applied, err := s.store.Credit(ctx, NewRefundEntry(s.newID(), userID, callID, amount, s.clock().UTC()))
	if err != nil {
		return false, err
	}
	if applied {
		s.log.Info("credits refunded", "user_id", userID, "call_id", callID, "amount", amount, "balance", bal)
	}
	return applied, nil
}

// Grant adds credits; redelivery of the same idempotency key is a no-op.
func (s *Service) Grant(ctx context.Context, userID string, amount int64, req GrantRequest) (int64, bool, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if userID == "" || amount <= 0 || req.IdempotencyKey == "" || !req.Reason.Valid() {
		return 0, false, ErrInvalidArgument
	}
	bal, applied, err := s.store.Credit(ctx, Entry{
		ID:             s.newID(),
		UserID:         userID,
		Type:           EntryTypeGrant,
		Amount:         amount,
		Reason:         req.Reason,
		ExternalRef:    req.ExternalRef,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      s.clock().UTC(),
	})
	if err != nil {
		return 0, false, err
	}
	if applied {
		s.log.Info("credits granted", "user_id", userID, "reason", req.Reason, "amount", amount, "balance", bal)
	}
	return bal, applied, nil
}

func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidArgument
	}
	return s.store.Balance(ctx, userID)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if userID == "" {
		return nil, ErrInvalidArgument
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.Entries(ctx, userID, limit)
}
