package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"callagent/internal/calls"
	"callagent/internal/ledger"
	"callagent/pkg/utils"
)

const callColumns = `id, user_id, phone_number, briefing, language, status, duration_seconds,
summary, failure_reason, cost_credits, slot_held, created_at, connected_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(r rowScanner) (calls.Call, error) {
	var (
		c                    calls.Call
		status               string
		duration             sql.NullInt32
		summary, reason      sql.NullString
		connected, completed sql.NullTime
	)
	if err := r.Scan(
		&c.ID,
		&c.UserID,
		&c.PhoneNumber,
		&c.Briefing,
		&c.Language,
		&status,
		&duration,
		&summary,
		&reason,
		&c.CostCredits,
		&c.SlotHeld,
		&c.CreatedAt,
		&connected,
		&completed,
		&c.UpdatedAt,
	); err != nil {
		return calls.Call{}, err
	}
	c.Status = calls.CallStatus(status)
	c.DurationSeconds = intPtr(duration)
	c.Summary = stringPtr(summary)
	c.FailureReason = stringPtr(reason)
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	c.ConnectedAt = timePtr(connected)
	c.CompletedAt = timePtr(completed)
	c.Transcript = []calls.TranscriptEntry{}
	return c, nil
}

func (s *Store) CreateCall(ctx context.Context, c calls.Call) error {
	const q = `
INSERT INTO calls (
  id, user_id, phone_number, briefing, language, status, status_rank,
  cost_credits, slot_held, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
`
	_, err := s.db.ExecContext(ctx, q,
		c.ID,
		c.UserID,
		c.PhoneNumber,
		c.Briefing,
		c.Language,
		string(c.Status),
		c.Status.Rank(),
		c.CostCredits,
		c.SlotHeld,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if utils.IsUniqueViolation(err, "calls_pkey") {
		return calls.ErrDuplicateCall
	}
	return err
}

func getCall(ctx context.Context, q queryer, id string) (calls.Call, error) {
	c, err := scanCall(q.QueryRowContext(ctx, `SELECT `+callColumns+` FROM calls WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return calls.Call{}, calls.ErrNotFound
		}
		return calls.Call{}, err
	}

	const tq = `
SELECT speaker, text, ts
FROM transcript_entries
WHERE call_id = $1
ORDER BY ts, seq
`
	rows, err := q.QueryContext(ctx, tq, id)
	if err != nil {
		return calls.Call{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			e       calls.TranscriptEntry
			speaker string
		)
		if err := rows.Scan(&speaker, &e.Text, &e.Timestamp); err != nil {
			return calls.Call{}, err
		}
		e.Speaker = calls.Speaker(speaker)
		e.Timestamp = e.Timestamp.UTC()
		c.Transcript = append(c.Transcript, e)
	}
	return c, rows.Err()
}

func (s *Store) GetCall(ctx context.Context, id string) (calls.Call, error) {
	return getCall(ctx, s.db, id)
}

func (s *Store) ListCalls(ctx context.Context, userID string, limit, offset int) ([]calls.Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE user_id = $1
ORDER BY created_at DESC, id
LIMIT $2 OFFSET $3
`
	rows, err := s.db.QueryContext(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func scanCalls(rows *sql.Rows) ([]calls.Call, error) {
	defer rows.Close()
	out := make([]calls.Call, 0)
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) CountCallsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM calls WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	return n, err
}

// TransitionCall runs the state machine guard in the WHERE clause, so two
// racing transitions cannot both apply. The refund for a failed call commits
// with the status change or not at all.
func (s *Store) TransitionCall(ctx context.Context, id string, to calls.CallStatus, u calls.Update) (calls.Call, bool, error) {
	if !to.Valid() {
		return calls.Call{}, false, errors.New("postgres: invalid call status")
	}
	var (
		out     calls.Call
		applied bool
	)
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if to == calls.CallStatusCompleted {
			const backfill = `
UPDATE calls SET
  summary = COALESCE(summary, $2),
  duration_seconds = COALESCE(duration_seconds, $3)
WHERE id = $1 AND status = 'completed'
`
			res, err := tx.ExecContext(ctx, backfill, id, nullString(u.Summary), nullInt(u.DurationSeconds))
			if err != nil {
				return err
			}
			if n, err := res.RowsAffected(); err != nil {
				return err
			} else if n == 1 {
				out, err = getCall(ctx, tx, id)
				return err
			}
		}

		const q = `
UPDATE calls SET
  status = $2::text,
  status_rank = $3::smallint,
  updated_at = $4,
  connected_at = CASE WHEN $2::text = 'connected' THEN COALESCE(connected_at, $4) ELSE connected_at END,
  completed_at = CASE WHEN $3::smallint = 4 THEN $4 ELSE completed_at END,
  summary = COALESCE(summary, $5),
  duration_seconds = COALESCE(duration_seconds, $6),
  failure_reason = COALESCE(failure_reason, $7)
WHERE id = $1
  AND status_rank < $3::smallint
  AND status_rank < 4
  AND ($2::text <> 'completed' OR status = 'connected' OR $8::boolean)
RETURNING user_id, cost_credits
`
		var (
			userID string
			cost   int64
		)
		err := tx.QueryRowContext(ctx, q,
			id,
			string(to),
			to.Rank(),
			u.At,
			nullString(u.Summary),
			nullInt(u.DurationSeconds),
			nullString(u.FailureReason),
			u.Hangup,
		).Scan(&userID, &cost)
		if errors.Is(err, sql.ErrNoRows) {
			out, err = getCall(ctx, tx, id)
			return err
		}
		if err != nil {
			return err
		}
		applied = true

		if to == calls.CallStatusFailed {
			inserted, err := insertEntry(ctx, tx, ledger.NewRefundEntry(s.newID(), userID, id, cost, u.At))
			if err != nil {
				return err
			}
			if inserted {
				if _, err := addCredits(ctx, tx, userID, cost); err != nil {
					return err
				}
			}
		}
		out, err = getCall(ctx, tx, id)
		return err
	})
	if err != nil {
		return calls.Call{}, false, err
	}
	return out, applied, nil
}

// AppendTranscript holds a share lock on the call row so a concurrent
// terminal transition either precedes the insert or waits for it.
func (s *Store) AppendTranscript(ctx context.Context, id string, e calls.TranscriptEntry) (bool, error) {
	var applied bool
	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		var rank int
		if err := tx.QueryRowContext(ctx, `SELECT status_rank FROM calls WHERE id = $1 FOR SHARE`, id).Scan(&rank); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return calls.ErrNotFound
			}
			return err
		}
		if rank >= calls.TerminalRank {
			return nil
		}
		const q = `
INSERT INTO transcript_entries (call_id, entry_key, speaker, text, ts)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT ON CONSTRAINT transcript_entries_call_key DO NOTHING
`
		res, err := tx.ExecContext(ctx, q, id, e.Key(), string(e.Speaker), e.Text, e.Timestamp)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		applied = n == 1
		return err
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// reporting.Repository

func (s *Store) CallsBetween(ctx context.Context, userID string, from, to time.Time) ([]calls.Call, error) {
	q := `SELECT ` + callColumns + `
FROM calls
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	return scanCalls(rows)
}

func (s *Store) EntriesBetween(ctx context.Context, userID string, from, to time.Time) ([]ledger.Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM ledger_entries
WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := s.db.QueryContext(ctx, q, userID, from, to)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}
