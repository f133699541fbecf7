package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"callagent/internal/calls"
	"callagent/internal/ledger"
	"callagent/internal/referral"
	"callagent/internal/users"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *sql.DB) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	s := New(mockDB)
	s.newID = func() string { return "entry-1" }
	return s, mock, mockDB
}

func callRow(status calls.CallStatus) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "phone_number", "briefing", "language", "status", "duration_seconds",
		"summary", "failure_reason", "cost_credits", "slot_held", "created_at", "connected_at", "completed_at", "updated_at",
	}).AddRow(
		"c1", "u1", "+14155550100", "ask about the table", "en", string(status), nil,
		nil, nil, int64(1), true, t0, nil, t0, t0,
	)
}

func TestStore_Debit(t *testing.T) {
	t.Run("reserves when the balance covers it", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
			WithArgs("u1", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(2)))
		mock.ExpectExec(`INSERT INTO ledger_entries`).
			WithArgs("e1", "u1", "reserve", int64(-1), "call", "c1", "reserve:c1", t0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		bal, err := s.Debit(context.Background(), ledger.Entry{
			ID: "e1", UserID: "u1", Type: ledger.EntryTypeReserve, Amount: -1, Reason: ledger.ReasonCall,
			ExternalRef: "c1", IdempotencyKey: ledger.ReserveKey("c1"), CreatedAt: t0,
		})

		assert.NoError(t, err)
		assert.EqualValues(t, 2, bal)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("reports insufficient credits without writing", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE users SET credits = credits - \$2`).
			WithArgs("u1", int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"credits"}))
		mock.ExpectQuery(`SELECT EXISTS`).
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
		mock.ExpectRollback()

		_, err := s.Debit(context.Background(), ledger.Entry{
			ID: "e1", UserID: "u1", Type: ledger.EntryTypeReserve, Amount: -1, Reason: ledger.ReasonCall,
			IdempotencyKey: ledger.ReserveKey("c1"), CreatedAt: t0,
		})

		assert.ErrorIs(t, err, ledger.ErrInsufficientCredits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_Credit_DuplicateKeyIsNoop(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT credits FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(5)))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	bal, applied, err := s.Credit(context.Background(), ledger.Entry{
		ID: "e2", UserID: "u1", Type: ledger.EntryTypeGrant, Amount: 5, Reason: ledger.ReasonPayment,
		IdempotencyKey: ledger.PaymentKey("cs_1"), CreatedAt: t0,
	})

	assert.NoError(t, err)
	assert.False(t, applied)
	assert.EqualValues(t, 5, bal)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateUser_ReferralCodeTaken(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_referral_code_key"})
	mock.ExpectRollback()

	_, err := s.CreateUser(context.Background(), users.User{ID: "u1", ReferralCode: "ABCDEFGH", CreatedAt: t0}, nil)

	assert.ErrorIs(t, err, users.ErrReferralCodeTaken)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransitionCall_FailedRefundsInSameTransaction(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`UPDATE calls SET\s+status = \$2::text`).
		WithArgs("c1", "failed", 4, t0, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), false).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "cost_credits"}).AddRow("u1", int64(1)))
	mock.ExpectExec(`INSERT INTO ledger_entries`).
		WithArgs("entry-1", "u1", "refund", int64(1), "call", "c1", "refund:c1", t0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`UPDATE users SET credits = credits \+ \$2`).
		WithArgs("u1", int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"credits"}).AddRow(int64(1)))
	mock.ExpectQuery(`FROM calls WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(callRow(calls.CallStatusFailed))
	mock.ExpectQuery(`FROM transcript_entries`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"speaker", "text", "ts"}))
	mock.ExpectCommit()

	reason := "dispatch failed"
	c, applied, err := s.TransitionCall(context.Background(), "c1", calls.CallStatusFailed, calls.Update{FailureReason: &reason, At: t0})

	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, calls.CallStatusFailed, c.Status)
	assert.True(t, c.SlotHeld)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_CreateCall_PersistsSlotHeld(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	c := calls.Call{
		ID: "c1", UserID: "u1", PhoneNumber: "+14155550100", Briefing: "ask about the table", Language: "en",
		Status: calls.CallStatusPending, CostCredits: 1, SlotHeld: true, CreatedAt: t0, UpdatedAt: t0,
	}
	mock.ExpectExec(`INSERT INTO calls`).
		WithArgs("c1", "u1", "+14155550100", "ask about the table", "en", "pending", 0, int64(1), true, t0, t0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.CreateCall(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_TransitionCall_IllegalMoveIsNoop(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE calls SET\s+summary = COALESCE`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE calls SET\s+status = \$2::text`).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "cost_credits"}))
	mock.ExpectQuery(`FROM calls WHERE id = \$1`).
		WithArgs("c1").
		WillReturnRows(callRow(calls.CallStatusFailed))
	mock.ExpectQuery(`FROM transcript_entries`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"speaker", "text", "ts"}).AddRow("agent", "hello", t0))
	mock.ExpectCommit()

	c, applied, err := s.TransitionCall(context.Background(), "c1", calls.CallStatusCompleted, calls.Update{At: t0})

	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, calls.CallStatusFailed, c.Status)
	require.Len(t, c.Transcript, 1)
	assert.Equal(t, calls.SpeakerAgent, c.Transcript[0].Speaker)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_AppendTranscript(t *testing.T) {
	entry := calls.TranscriptEntry{Speaker: calls.SpeakerCallee, Text: "hi", Timestamp: t0}

	t.Run("ignores entries for terminal calls", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status_rank FROM calls WHERE id = \$1 FOR SHARE`).
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"status_rank"}).AddRow(4))
		mock.ExpectCommit()

		applied, err := s.AppendTranscript(context.Background(), "c1", entry)

		assert.NoError(t, err)
		assert.False(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("inserts keyed entries for live calls", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status_rank FROM calls WHERE id = \$1 FOR SHARE`).
			WithArgs("c1").
			WillReturnRows(sqlmock.NewRows([]string{"status_rank"}).AddRow(3))
		mock.ExpectExec(`INSERT INTO transcript_entries`).
			WithArgs("c1", entry.Key(), "callee", "hi", t0).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		applied, err := s.AppendTranscript(context.Background(), "c1", entry)

		assert.NoError(t, err)
		assert.True(t, applied)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown call", func(t *testing.T) {
		s, mock, mockDB := newMockStore(t)
		defer mockDB.Close()

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT status_rank FROM calls`).
			WithArgs("nope").
			WillReturnRows(sqlmock.NewRows([]string{"status_rank"}))
		mock.ExpectRollback()

		_, err := s.AppendTranscript(context.Background(), "nope", entry)

		assert.ErrorIs(t, err, calls.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestStore_LinkReferral_CapReachedRollsBack(t *testing.T) {
	s, mock, mockDB := newMockStore(t)
	defer mockDB.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE users SET referred_by = \$2`).
		WithArgs("new", "ref").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE users SET referral_credits = referral_credits \+ 1`).
		WithArgs("ref", 10, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	out, err := s.LinkReferral(context.Background(), "new", "ref", 10, ledger.NewReferralEntry("e1", "ref", "new", 1, t0))

	assert.NoError(t, err)
	assert.Equal(t, referral.OutcomeCapReached, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
