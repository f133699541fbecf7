// Package webhook applies the bridge's progress callbacks to the call lifecycle.
package webhook

import (
	"context"
	"log/slog"

	"callagent/internal/calls"
	"callagent/internal/telephony"
)

// Calls is the part of calls.Service the processor drives.
type Calls interface {
	AdvanceStatus(ctx context.Context, callID string, to calls.CallStatus) (calls.Call, bool, error)
	AppendTranscript(ctx context.Context, callID string, e calls.TranscriptEntry) (bool, error)
	Finish(ctx context.Context, callID string, f calls.Completion) (calls.Call, bool, error)
}

// Processor maps bridge events onto lifecycle operations. Every operation it
// calls is idempotent or monotonic, so redelivered and reordered events are
// safe to apply.
type Processor struct {
	calls Calls
	log   *slog.Logger
}

func NewProcessor(c Calls, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{calls: c, log: log.With("component", "webhook")}
}

// Apply reports whether the event changed state. A false result with a nil
// error is a duplicate or stale delivery.
func (p *Processor) Apply(ctx context.Context, ev telephony.Event) (bool, error) {
	switch ev.Event {
	case telephony.EventStatusUpdate:
		_, applied, err := p.calls.AdvanceStatus(ctx, ev.CallID, calls.CallStatus(ev.Status))
		return applied, err

	case telephony.EventTranscriptUpdate:
		return p.calls.AppendTranscript(ctx, ev.CallID, toEntry(*ev.TranscriptEntry))

	case telephony.EventCallCompleted:
		f := calls.Completion{
			Status:          calls.CallStatus(ev.Status),
			Summary:         ev.Summary,
			DurationSeconds: ev.DurationSeconds,
		}
		for _, e := range ev.Transcript {
			f.Transcript = append(f.Transcript, toEntry(e))
		}
		_, applied, err := p.calls.Finish(ctx, ev.CallID, f)
		return applied, err
	}
	return false, telephony.ErrMalformedEvent
}

func toEntry(e telephony.TranscriptEntry) calls.TranscriptEntry {
	return calls.TranscriptEntry{
		Speaker:   calls.Speaker(e.Speaker),
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
}
