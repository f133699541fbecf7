package referral

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"callagent/internal/ledger"
	"callagent/internal/metrics"

	"github.com/google/uuid"
)

var ErrUnknownCode = errors.New("unknown referral code")

// Outcome of a referral attempt. Only OutcomeCredited changes state.
type Outcome string

const (
	OutcomeCredited        Outcome = "credited"
	OutcomeUnknownCode     Outcome = "unknown_code"
	OutcomeSelfReferral    Outcome = "self_referral"
	OutcomeAlreadyReferred Outcome = "already_referred"
	OutcomeCapReached      Outcome = "cap_reached"
)

// Store links referrals. LinkReferral is one atomic unit: it sets the new
// user's referred_by (only if unset), increments the referrer's credited
// count (only while below limit) and applies the reward entry. If either
// condition fails nothing is written.
type Store interface {
	UserIDByReferralCode(ctx context.Context, code string) (string, error)
	LinkReferral(ctx context.Context, newUserID, referrerID string, limit int, reward ledger.Entry) (Outcome, error)
}

type Config struct {
	Cap    int
	Reward int64
}

type Service struct {
	store   Store
	cfg     Config
	metrics *metrics.Metrics
	log     *slog.Logger

	clock func() time.Time
	newID func() string
}

func NewService(store Store, cfg Config, m *metrics.Metrics, log *slog.Logger) *Service {
	if cfg.Cap <= 0 {
		cfg.Cap = 10
	}
	if cfg.Reward <= 0 {
		cfg.Reward = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, cfg: cfg, metrics: m, log: log.With("component", "referral"), clock: time.Now, newID: uuid.NewString}
}

// RegisterReferral credits the owner of code for bringing in newUserID.
// Anything short of a credited referral is reported as an Outcome, never as
// an error; errors are infrastructure failures only.
func (s *Service) RegisterReferral(ctx context.Context, newUserID, code string) (Outcome, error) {
	code = NormalizeCode(code)
	if newUserID == "" || code == "" {
		return OutcomeUnknownCode, nil
	}

	referrerID, err := s.store.UserIDByReferralCode(ctx, code)
	if errors.Is(err, ErrUnknownCode) {
		return OutcomeUnknownCode, nil
	}
	if err != nil {
		return "", err
	}
	if referrerID == newUserID {
		return OutcomeSelfReferral, nil
	}

	reward := ledger.NewReferralEntry(s.newID(), referrerID, newUserID, s.cfg.Reward, s.clock().UTC())
	out, err := s.store.LinkReferral(ctx, newUserID, referrerID, s.cfg.Cap, reward)
	if err != nil {
		return "", err
	}
	if out == OutcomeCredited {
		s.metrics.CreditsGranted(string(ledger.ReasonReferral), s.cfg.Reward)
		s.log.Info("referral credited", "referrer_id", referrerID, "new_user_id", newUserID)
	} else {
		s.log.Debug("referral ignored", "referrer_id", referrerID, "new_user_id", newUserID, "outcome", out)
	}
	return out, nil
}

// NormalizeCode uppercases and trims a user-typed code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
