package telephony

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type EventType string

const (
	EventStatusUpdate     EventType = "status_update"
	EventTranscriptUpdate EventType = "transcript_update"
	EventCallCompleted    EventType = "call_completed"
)

// TranscriptEntry is the bridge's wire shape for one utterance.
type TranscriptEntry struct {
	Speaker   string    `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is a progress callback posted by the bridge.
type Event struct {
	CallID string    `json:"call_id"`
	Event  EventType `json:"event"`

	Status          string            `json:"status,omitempty"`
	TranscriptEntry *TranscriptEntry  `json:"transcript_entry,omitempty"`
	Summary         *string           `json:"summary,omitempty"`
	DurationSeconds *int              `json:"duration_seconds,omitempty"`
	Transcript      []TranscriptEntry `json:"transcript,omitempty"`
}

var ErrMalformedEvent = errors.New("malformed bridge event")

// ParseEvent decodes and shape-checks an event body.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev.CallID = strings.TrimSpace(ev.CallID)
	if ev.CallID == "" {
		return Event{}, fmt.Errorf("%w: call_id missing", ErrMalformedEvent)
	}
	switch ev.Event {
	case EventStatusUpdate, EventCallCompleted:
		if ev.Status == "" {
			return Event{}, fmt.Errorf("%w: status missing", ErrMalformedEvent)
		}
	case EventTranscriptUpdate:
		if ev.TranscriptEntry == nil {
			return Event{}, fmt.Errorf("%w: transcript_entry missing", ErrMalformedEvent)
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, ev.Event)
	}
	if ev.DurationSeconds != nil && *ev.DurationSeconds < 0 {
		return Event{}, fmt.Errorf("%w: negative duration", ErrMalformedEvent)
	}
	return ev, nil
}

// VerifyBearer checks an Authorization header against the shared secret in
// constant time.
func VerifyBearer(header, secret string) bool {
	if secret == "" {
		return false
	}
	tok, ok := strings.CutPrefix(strings.TrimSpace(header), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(tok)), []byte(secret)) == 1
}
