package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"callagent/internal/ledger"
	"callagent/internal/referral"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("user not found")
	ErrReferralCodeTaken = errors.New("referral code taken")
	ErrInvalidArgument   = errors.New("invalid argument")
)

const maxCodeAttempts = 10

type User struct {
	ID              string    `json:"id"`
	DisplayName     string    `json:"display_name,omitempty"`
	Credits         int64     `json:"credits"`
	ReferralCode    string    `json:"referral_code"`
	ReferredBy      *string   `json:"referred_by,omitempty"`
	ReferralCredits int       `json:"referral_credits"`
	CreatedAt       time.Time `json:"created_at"`
}

// Store persists users. CreateUser inserts the row and, when signup is
// non-nil, its starting-credit entry in one unit. It returns
// ErrReferralCodeTaken when the code collides and reports created=false
// without error when the id already exists.
type Store interface {
	CreateUser(ctx context.Context, u User, signup *ledger.Entry) (created bool, err error)
	GetUser(ctx context.Context, id string) (User, error)
}

// Referrals is implemented by referral.Service.
type Referrals interface {
	RegisterReferral(ctx context.Context, newUserID, code string) (referral.Outcome, error)
}

type Config struct {
	StartingCredits int64
}

type Service struct {
	store     Store
	referrals Referrals
	cfg       Config
	log       *slog.Logger

	clock   func() time.Time
	newID   func() string
	newCode func() (string, error)
}

func NewService(store Store, referrals Referrals, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:     store,
		referrals: referrals,
		cfg:       cfg,
		log:       log.With("component", "users"),
		clock:     time.Now,
		newID:     uuid.NewString,
		newCode:   referral.NewCode,
	}
}

type RegisterInput struct {
	DisplayName  string `json:"display_name"`
	ReferralCode string `json:"referral_code"`
}

// Register creates the user on first authentication. Repeated calls return
// the existing row and do not re-apply a referral.
func (s *Service) Register(ctx context.Context, userID string, in RegisterInput) (User, bool, error) {
	if userID == "" {
		return User{}, false, ErrInvalidArgument
	}
	if existing, err := s.store.GetUser(ctx, userID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return User{}, false, err
	}

	now := s.clock().UTC()
	u := User{
		ID:          userID,
		DisplayName: strings.TrimSpace(in.DisplayName),
		Credits:     s.cfg.StartingCredits,
		CreatedAt:   now,
	}
	var signup *ledger.Entry
	if s.cfg.StartingCredits > 0 {
		signup = &ledger.Entry{
			ID:             s.newID(),
			UserID:         userID,
			Type:           ledger.EntryTypeGrant,
			Amount:         s.cfg.StartingCredits,
			Reason:         ledger.ReasonSignup,
			IdempotencyKey: ledger.SignupKey(userID),
			CreatedAt:      now,
		}
	}

	created := false
	for attempt := 0; ; attempt++ {
		if attempt == maxCodeAttempts {
			return User{}, false, fmt.Errorf("users: no unique referral code after %d attempts", maxCodeAttempts)
		}
		code, err := s.newCode()
		if err != nil {
			return User{}, false, fmt.Errorf("users: referral code: %w", err)
		}
		u.ReferralCode = code
		created, err = s.store.CreateUser(ctx, u, signup)
		if errors.Is(err, ErrReferralCodeTaken) {
			continue
		}
		if err != nil {
			return User{}, false, err
		}
		break
	}

	if !created {
		// Lost a race with a concurrent first login.
		existing, err := s.store.GetUser(ctx, userID)
		return existing, false, err
	}
	s.log.Info("user registered", "user_id", userID)

	if in.ReferralCode != "" && s.referrals != nil {
		if _, err := s.referrals.RegisterReferral(ctx, userID, in.ReferralCode); err != nil {
			// Signup succeeds regardless of referral bookkeeping.
			s.log.Error("register referral", "user_id", userID, "referral_code", in.ReferralCode, "err", err)
		}
	}

	out, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return u, true, nil
	}
	return out, true, nil
}

func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, ErrNotFound
	}
	return s.store.GetUser(ctx, userID)
}

// DisplayName satisfies calls.Profiles.
func (s *Service) DisplayName(ctx context.Context, userID string) (string, error) {
	u, err := s.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	return u.DisplayName, nil
}
