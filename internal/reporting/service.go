package reporting

import (
	"context"
	"errors"
	"time"

	"callagent/internal/calls"
	"callagent/internal/ledger"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// MaxRange bounds a single usage query.
const MaxRange = 366 * 24 * time.Hour

// Repository abstracts data access for reporting.
//
// Implementations must filter by user and read immutable sources where they
// exist (ledger entries). Both ranges are half-open on CreatedAt.
type Repository interface {
	CallsBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error)
	EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]ledger.Entry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) Usage(ctx context.Context, req UsageRequest) (UsageSummary, error) {
	if req.UserID == "" {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return UsageSummary{}, ErrInvalidRequest
	}
	if req.Range.To.Sub(req.Range.From) > MaxRange {
		return UsageSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return UsageSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.CallsBetween(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}
	entries, err := s.repo.EntriesBetween(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return UsageSummary{}, err
	}

	out := UsageSummary{UserID: req.UserID, Range: req.Range, GrantsByReason: map[string]int64{}}
	timed := 0
	for _, c := range rows {
		out.TotalCalls++
		switch c.Status {
		case calls.CallStatusCompleted:
			out.CompletedCalls++
		case calls.CallStatusFailed:
			out.FailedCalls++
		default:
			out.InProgressCalls++
		}
		if c.DurationSeconds != nil {
			out.TotalDurationSeconds += *c.DurationSeconds
			timed++
		}
	}
	if timed > 0 {
		out.AverageDurationSeconds = out.TotalDurationSeconds / timed
	}

	for _, e := range entries {
		switch e.Type {
		case ledger.EntryTypeReserve:
			out.CreditsSpent += -e.Amount
		case ledger.EntryTypeRefund:
			out.CreditsRefunded += e.Amount
		case ledger.EntryTypeGrant:
			out.CreditsGranted += e.Amount
			out.GrantsByReason[string(e.Reason)] += e.Amount
		}
		out.NetCredits += e.Amount
	}
	return out, nil
}
