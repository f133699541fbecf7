package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// UsageRequest asks for one user's activity over a half-open range [From, To).
type UsageRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type UsageSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	TotalCalls      int `json:"total_calls"`
	CompletedCalls  int `json:"completed_calls"`
	FailedCalls     int `json:"failed_calls"`
	InProgressCalls int `json:"in_progress_calls"`

	TotalDurationSeconds   int `json:"total_duration_seconds"`
	AverageDurationSeconds int `json:"average_duration_seconds"`

	// Credit flows derived from immutable ledger entries.
	CreditsSpent    int64 `json:"credits_spent"`
	CreditsRefunded int64 `json:"credits_refunded"`
	CreditsGranted  int64 `json:"credits_granted"`
	NetCredits      int64 `json:"net_credits"`

	GrantsByReason map[string]int64 `json:"grants_by_reason"`
}
