package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is append-only.
type Repository interface {
	AppendAuditEvent(ctx context.Context, e Event) error
}

// Service records internal audit information. Audit records are never exposed
// to end users, and callers treat audit logging as best-effort.
type Service struct {
	repo  Repository
	log   *slog.Logger
	clock func() time.Time
}

func NewService(repo Repository, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, log: log, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	if e.IPAddress == "" {
		e.IPAddress = ClientIPFromContext(ctx)
	}
	return s.repo.AppendAuditEvent(ctx, e)
}

// LogWebhookRejected records a webhook delivery that failed authentication.
func (s *Service) LogWebhookRejected(ctx context.Context, source, reason string) {
	s.bestEffort(ctx, Event{
		Type:    EventTypeWebhookRejected,
		Message: fmt.Sprintf("%s webhook rejected: %s", source, reason),
	})
}

// LogPaymentRejected records a payment event that could not be applied.
func (s *Service) LogPaymentRejected(ctx context.Context, eventID, reason string) {
	s.bestEffort(ctx, Event{
		Type:     EventTypePaymentRejected,
		Message:  reason,
		Metadata: fmt.Sprintf(`{"stripe_event_id":%q}`, eventID),
	})
}

// LogAdminGrant records a manual credit grant.
func (s *Service) LogAdminGrant(ctx context.Context, actorUserID, actorRole, targetUserID string, amount int64, reason string) {
	s.bestEffort(ctx, Event{
		Type:         EventTypeAdminGrant,
		ActorUserID:  actorUserID,
		ActorRole:    actorRole,
		TargetUserID: targetUserID,
		Message:      reason,
		Metadata:     fmt.Sprintf(`{"amount":%d}`, amount),
	})
}

func (s *Service) bestEffort(ctx context.Context, e Event) {
	if s == nil {
		return
	}
	if err := s.Append(context.WithoutCancel(ctx), e); err != nil {
		s.log.Error("audit append failed", "type", e.Type, "err", err)
	}
}
