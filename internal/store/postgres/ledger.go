package postgres

import (
	"context"
	"database/sql"
	"errors"

	"callagent/internal/ledger"
	"callagent/pkg/utils"
)

func insertEntry(ctx context.Context, q queryer, e ledger.Entry) (bool, error) {
	const stmt = `
INSERT INTO ledger_entries (
  id, user_id, type, amount, reason, external_ref, idempotency_key, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
ON CONFLICT ON CONSTRAINT ledger_entries_user_key DO NOTHING
`
	res, err := q.ExecContext(ctx, stmt,
		e.ID,
		e.UserID,
		string(e.Type),
		e.Amount,
		string(e.Reason),
		e.ExternalRef,
		e.IdempotencyKey,
		e.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// lockUser serializes balance changes for one user inside tx.
func lockUser(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	const q = `SELECT credits FROM users WHERE id = $1 FOR UPDATE`
	var credits int64
	if err := tx.QueryRowContext(ctx, q, userID).Scan(&credits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrUserNotFound
		}
		return 0, err
	}
	return credits, nil
}

func addCredits(ctx context.Context, q queryer, userID string, delta int64) (int64, error) {
	const stmt = `UPDATE users SET credits = credits + $2 WHERE id = $1 RETURNING credits`
	var bal int64
	if err := q.QueryRowContext(ctx, stmt, userID, delta).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrUserNotFound
		}
		return 0, err
	}
	return bal, nil
}

// Debit is one conditional decrement plus the entry insert. A concurrent
// reservation that would overdraw matches zero rows.
func (s *Store) Debit(ctx context.Context, e ledger.Entry) (int64, error) {
	if e.Amount >= 0 || e.IdempotencyKey == "" {
		return 0, ledger.ErrInvalidArgument
	}
	var bal int64
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		const debit = `
UPDATE users SET credits = credits - $2
WHERE id = $1 AND credits >= $2
RETURNING credits
`
		err := tx.QueryRowContext(ctx, debit, e.UserID, -e.Amount).Scan(&bal)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, e.UserID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ledger.ErrUserNotFound
			}
			return ledger.ErrInsufficientCredits
		}
		if err != nil {
			return err
		}
		inserted, err := insertEntry(ctx, tx, e)
		if err != nil {
			return err
		}
		if !inserted {
			return ledger.ErrDuplicateEntry
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return bal, nil
}

func (s *Store) Credit(ctx context.Context, e ledger.Entry) (int64, bool, error) {
	if e.Amount <= 0 || e.IdempotencyKey == "" {
		return 0, false, ledger.ErrInvalidArgument
	}
	var (
		bal     int64
		applied bool
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		current, err := lockUser(ctx, tx, e.UserID)
		if err != nil {
			return err
		}
		inserted, err := insertEntry(ctx, tx, e)
		if err != nil {
			return err
		}
		if !inserted {
			bal = current
			return nil
		}
		bal, err = addCredits(ctx, tx, e.UserID, e.Amount)
		applied = err == nil
		return err
	})
	if err != nil {
		return 0, false, err
	}
	return bal, applied, nil
}

func (s *Store) Balance(ctx context.Context, userID string) (int64, error) {
	var bal int64
	if err := s.db.QueryRowContext(ctx, `SELECT credits FROM users WHERE id = $1`, userID).Scan(&bal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrUserNotFound
		}
		return 0, err
	}
	return bal, nil
}

const entryColumns = `id, user_id, type, amount, reason, external_ref, idempotency_key, created_at`

func scanEntries(rows *sql.Rows) ([]ledger.Entry, error) {
	defer rows.Close()
	out := make([]ledger.Entry, 0)
	for rows.Next() {
		var (
			e      ledger.Entry
			typ    string
			reason string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &typ, &e.Amount, &reason, &e.ExternalRef, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = ledger.EntryType(typ)
		e.Reason = ledger.Reason(reason)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Entries(ctx context.Context, userID string, limit int) ([]ledger.Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM ledger_entries
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`
	rows, err := s.db.QueryContext(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}
