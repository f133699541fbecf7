package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - actor and ip capture are best-effort; do not block critical flows on audit failures.
type Event struct {
	ID   string    `json:"id"`
	Type EventType `json:"type"`

	// ActorUserID is the authenticated user causing the event, if any.
	ActorUserID string `json:"actor_user_id,omitempty"`
	ActorRole   string `json:"actor_role,omitempty"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ip_address,omitempty"`

	// Targets, depending on the event type.
	TargetUserID string `json:"target_user_id,omitempty"`
	CallID       string `json:"call_id,omitempty"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty"`

	// Metadata is optional JSON with full details.
	Metadata string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

type EventType string

const (
	EventTypeWebhookRejected EventType = "webhook_rejected"
	EventTypePaymentRejected EventType = "payment_rejected"
	EventTypeAdminGrant      EventType = "admin_grant"
)
