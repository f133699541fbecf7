package telephony

import (
	"context"
	"fmt"
)

// Orchestrator is the boundary to the external call bridge that dials,
// bridges audio and transcribes.
//
// Rules:
// - No bridge HTTP calls outside telephony adapters.
// - Request/response types stay bridge-agnostic.
type Orchestrator interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// StartSession asks the bridge to dial. Progress arrives later as events
	// posted to CallbackURL.
	StartSession(ctx context.Context, req StartRequest) (StartResult, error)

	// EndSession asks the bridge to hang up. Best effort.
	EndSession(ctx context.Context, callID string) error
}

type StartRequest struct {
	CallID      string `json:"call_id"`
	PhoneNumber string `json:"phone_number"`
	Briefing    string `json:"briefing"`
	Language    string `json:"language"`
	UserName    string `json:"user_name"`
	CallbackURL string `json:"callback_url"`
}

type StartResult struct {
	// SessionID is the bridge's carrier-side handle, kept for logs only.
	SessionID string `json:"telnyx_call_control_id"`
}

// RejectedError means the bridge refused the request itself (bad number,
// missing field). Detail is the bridge's message and is safe to show users.
type RejectedError struct {
	StatusCode int
	Detail     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("bridge rejected request (%d): %s", e.StatusCode, e.Detail)
}
