package postgres

import (
	"context"
	"database/sql"
	"errors"

	"callagent/internal/ledger"
	"callagent/internal/referral"
	"callagent/internal/users"
	"callagent/pkg/utils"
)

const referralCodeConstraint = "users_referral_code_key"

// CreateUser inserts the user with zero credits and then applies the signup
// grant through the ledger so the projection and entries agree.
func (s *Store) CreateUser(ctx context.Context, u users.User, signup *ledger.Entry) (bool, error) {
	var created bool
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const q = `
INSERT INTO users (id, display_name, credits, referral_code, referral_credits, created_at)
VALUES ($1, $2, 0, $3, 0, $4)
ON CONFLICT (id) DO NOTHING
`
		res, err := tx.ExecContext(ctx, q, u.ID, u.DisplayName, u.ReferralCode, u.CreatedAt)
		if err != nil {
			if utils.IsUniqueViolation(err, referralCodeConstraint) {
				return users.ErrReferralCodeTaken
			}
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		created = true
		if signup == nil {
			return nil
		}
		if _, err := insertEntry(ctx, tx, *signup); err != nil {
			return err
		}
		_, err = addCredits(ctx, tx, u.ID, signup.Amount)
		return err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (users.User, error) {
	const q = `
SELECT id, display_name, credits, referral_code, referred_by, referral_credits, created_at
FROM users
WHERE id = $1
`
	var (
		u          users.User
		referredBy sql.NullString
	)
	if err := s.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID,
		&u.DisplayName,
		&u.Credits,
		&u.ReferralCode,
		&referredBy,
		&u.ReferralCredits,
		&u.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return users.User{}, users.ErrNotFound
		}
		return users.User{}, err
	}
	u.ReferredBy = stringPtr(referredBy)
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func (s *Store) UserIDByReferralCode(ctx context.Context, code string) (string, error) {
	var id string
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM users WHERE referral_code = $1`, code).Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", referral.ErrUnknownCode
		}
		return "", err
	}
	return id, nil
}

// errReferralMiss rolls back a partially applied referral.
type errReferralMiss struct{ outcome referral.Outcome }

func (e errReferralMiss) Error() string { return "referral not applied: " + string(e.outcome) }

// LinkReferral is one transaction of three conditional writes. A miss on any
// of them rolls back the others.
func (s *Store) LinkReferral(ctx context.Context, newUserID, referrerID string, limit int, reward ledger.Entry) (referral.Outcome, error) {
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const link = `
UPDATE users SET referred_by = $2
WHERE id = $1 AND referred_by IS NULL AND id <> $2
`
		res, err := tx.ExecContext(ctx, link, newUserID, referrerID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errReferralMiss{referral.OutcomeAlreadyReferred}
		}

		const count = `
UPDATE users SET referral_credits = referral_credits + 1, credits = credits + $3
WHERE id = $1 AND referral_credits < $2
`
		res, err = tx.ExecContext(ctx, count, referrerID, limit, reward.Amount)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return errReferralMiss{referral.OutcomeCapReached}
		}

		inserted, err := insertEntry(ctx, tx, reward)
		if err != nil {
			return err
		}
		if !inserted {
			return errReferralMiss{referral.OutcomeAlreadyReferred}
		}
		return nil
	})
	var miss errReferralMiss
	if errors.As(err, &miss) {
		return miss.outcome, nil
	}
	if err != nil {
		return "", err
	}
	return referral.OutcomeCredited, nil
}
