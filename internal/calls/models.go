package calls

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Call is a single outbound call placed by the agent on behalf of its owner.
//
// Credit invariant: CostCredits is fixed at creation and reserved before the
// row exists. The only money movement after that is the refund attached to the
// transition into StatusFailed.
type Call struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	PhoneNumber string `json:"phone_number"`
	Briefing    string `json:"briefing"`
	Language    string `json:"language"`

	Status CallStatus `json:"status"`

	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	Transcript      []TranscriptEntry `json:"transcript"`
	Summary         *string           `json:"summary,omitempty"`
	FailureReason   *string           `json:"failure_reason,omitempty"`

	CostCredits int64 `json:"cost_credits"`
	// SlotHeld is set when the call took an active-call slot at start; only
	// those calls release one on their terminal transition.
	SlotHeld bool `json:"-"`

	CreatedAt   time.Time  `json:"created_at"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type CallStatus string

const (
	CallStatusPending   CallStatus = "pending"
	CallStatusDialing   CallStatus = "dialing"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusConnected CallStatus = "connected"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
)

// TerminalRank is the rank shared by completed and failed.
const TerminalRank = 4

// Rank orders statuses along the lifecycle. Unknown statuses rank -1.
func (s CallStatus) Rank() int {
	switch s {
	case CallStatusPending:
		return 0
	case CallStatusDialing:
		return 1
	case CallStatusRinging:
		return 2
	case CallStatusConnected:
		return 3
	case CallStatusCompleted, CallStatusFailed:
		return TerminalRank
	}
	return -1
}

func (s CallStatus) Valid() bool { return s.Rank() >= 0 }

func (s CallStatus) Terminal() bool { return s.Rank() == TerminalRank }

// CanTransition reports whether from -> to is a legal forward move.
// hangup marks a user-initiated end, which may complete a call that never connected.
func CanTransition(from, to CallStatus, hangup bool) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to.Rank() <= from.Rank() {
		return false
	}
	if to == CallStatusCompleted && from != CallStatusConnected && !hangup {
		return false
	}
	return true
}

type Speaker string

const (
	SpeakerAgent  Speaker = "agent"
	SpeakerCallee Speaker = "callee"
)

func (s Speaker) Valid() bool { return s == SpeakerAgent || s == SpeakerCallee }

type TranscriptEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Key identifies an entry across redeliveries of the same event.
func (e TranscriptEntry) Key() string {
	h := sha256.New()
	h.Write([]byte(e.Speaker))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(e.Timestamp.UTC().UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(e.Text))
	return hex.EncodeToString(h.Sum(nil))
}

// Update carries the optional fields written alongside a transition.
type Update struct {
	Summary         *string
	DurationSeconds *int
	FailureReason   *string

	// Hangup marks a user-initiated end.
	Hangup bool

	At time.Time
}
