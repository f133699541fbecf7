package ledger

import "time"

// Entry is an immutable, append-only ledger row.
// A user's credit balance is a projection of its entries: no code path changes
// the balance without inserting the matching entry in the same atomic unit.
type Entry struct {
	ID     string    `json:"id"`
	UserID string    `json:"user_id"`
	Type   EntryType `json:"type"`

	// Amount is signed: reservations are negative, refunds and grants positive.
	Amount int64  `json:"amount"`
	Reason Reason `json:"reason"`

	// ExternalRef is optional: call id, checkout session id, referred user id.
	ExternalRef string `json:"external_ref,omitempty"`

	// IdempotencyKey is unique per user.
	IdempotencyKey string `json:"idempotency_key"`

	CreatedAt time.Time `json:"created_at"`
}

type EntryType string

const (
	EntryTypeReserve EntryType = "reserve"
	EntryTypeRefund  EntryType = "refund"
	EntryTypeGrant   EntryType = "grant"
)

type Reason string

const (
	ReasonCall     Reason = "call"
	ReasonPayment  Reason = "payment"
	ReasonReferral Reason = "referral"
	ReasonSignup   Reason = "signup"
	ReasonAdmin    Reason = "admin"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonCall, ReasonPayment, ReasonReferral, ReasonSignup, ReasonAdmin:
		return true
	}
	return false
}

// Idempotency key formats shared by every store implementation.
func ReserveKey(callID string) string { return "reserve:" + callID }
func RefundKey(callID string) string { return "refund:" + callID }
func ReferralKey(newUserID string) string { return "referral:" + newUserID }
func SignupKey(userID string) string { return "signup:" + userID }
func PaymentKey(sessionID string) string { return "stripe:" + sessionID }

// NewRefundEntry builds the compensating entry for a failed call.
func NewRefundEntry(id, userID, callID string, amount int64, at time.Time) Entry {
	return Entry{
		ID:             id,
		UserID:         userID,
		Type:           EntryTypeRefund,
		Amount:         amount,
		Reason:         ReasonCall,
		ExternalRef:    callID,
		IdempotencyKey: RefundKey(callID),
		CreatedAt:      at,
	}
}

// NewReferralEntry builds the reward entry granted to a referrer.
func NewReferralEntry(id, referrerID, newUserID string, amount int64, at time.Time) Entry {
	return Entry{
		ID:             id,
		UserID:         referrerID,
		Type:           EntryTypeGrant,
		Amount:         amount,
		Reason:         ReasonReferral,
		ExternalRef:    newUserID,
		IdempotencyKey: ReferralKey(newUserID),
		CreatedAt:      at,
	}
}
