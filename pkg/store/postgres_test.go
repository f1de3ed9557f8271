package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The postgres backend is exercised against sqlmock: the interesting part is
// the SQL it issues (upsert shape, transactional version assignment), not the
// server, and the document codec is already covered by the shared suite.
func mockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func TestPostgresGetSubmission(t *testing.T) {
	st, mock := mockStore(t)
	sub := newSubmission("sub-1")
	data, err := encodeSubmission(sub)
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT data FROM submissions WHERE id = \$1`).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow(data))

	got, err := st.GetSubmission(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, sub.Fields, got.Fields)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetSubmissionNotFound(t *testing.T) {
	st, mock := mockStore(t)
	mock.ExpectQuery(`SELECT data FROM submissions WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetSubmission(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrSubmissionNotFound)
}

func TestPostgresSaveSubmissionUpserts(t *testing.T) {
	st, mock := mockStore(t)
	sub := newSubmission("sub-1")
	sub.IdempotencyKeys = []string{"idem-1"}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO submissions .+ ON CONFLICT \(id\) DO UPDATE`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO idempotency_keys .+ ON CONFLICT \(key\) DO NOTHING`).
		WithArgs("idem-1", "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, st.SaveSubmission(context.Background(), sub))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEventAssignsVersionInTx(t *testing.T) {
	st, mock := mockStore(t)
	e := newEvent("sub-1", "field.updated")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events WHERE event_id = \$1`).
		WithArgs(e.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT COALESCE\(MAX\(version\), 0\) \+ 1 FROM events`).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))
	mock.ExpectExec(`INSERT INTO events`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	stored, err := st.AppendEvent(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, int64(0), e.Version, "input event must not be mutated")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendEventRejectsDuplicate(t *testing.T) {
	st, mock := mockStore(t)
	e := newEvent("sub-1", "field.updated")

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT COUNT\(1\) FROM events WHERE event_id = \$1`).
		WithArgs(e.EventID).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := st.AppendEvent(context.Background(), e)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
}
