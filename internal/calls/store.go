package calls

import (
	"context"
	"time"
)

// Store persists calls. Every method is a single atomic unit against the
// backing store; no caller-side locking is assumed.
type Store interface {
	CreateCall(ctx context.Context, c Call) error

	// GetCall returns the call with its transcript ordered by timestamp.
	GetCall(ctx context.Context, id string) (Call, error)

	// ListCalls returns the user's calls newest first, without transcripts.
	ListCalls(ctx context.Context, userID string, limit, offset int) ([]Call, error)

	CountCallsSince(ctx context.Context, userID string, since time.Time) (int, error)

	// TransitionCall moves the call to `to` iff CanTransition(current, to, u.Hangup).
	// Entering CallStatusFailed refunds CostCredits to the owner in the same unit.
	// completed -> completed back-fills a null summary or duration and reports
	// applied=false. The returned Call is the state after the attempt.
	TransitionCall(ctx context.Context, id string, to CallStatus, u Update) (Call, bool, error)

	// AppendTranscript adds e unless the call is terminal or e was already stored.
	AppendTranscript(ctx context.Context, id string, e TranscriptEntry) (bool, error)
}
