package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the embedded single-node backend. The submission record is
// stored as a JSON document; the columns exist for the indices the protocol
// needs (id, resume token, idempotency keys, expiry scan).
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a SQLite store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// modernc sqlite serializes writes; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLiteStore wraps an existing handle (used by tests).
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		intake_id TEXT NOT NULL,
		state TEXT NOT NULL,
		resume_token TEXT NOT NULL UNIQUE,
		expires_at TEXT,
		updated_at TEXT NOT NULL,
		data TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL REFERENCES submissions(id)
	);
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		ts TEXT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(submission_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_expiry
		ON submissions(expires_at) WHERE expires_at IS NOT NULL;`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `SELECT data FROM submissions WHERE id = ?`, id)
}

func (s *SQLiteStore) GetByResumeToken(ctx context.Context, token string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `SELECT data FROM submissions WHERE resume_token = ?`, token)
}

func (s *SQLiteStore) GetByIdempotencyKey(ctx context.Context, key string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `
		SELECT s.data FROM submissions s
		JOIN idempotency_keys k ON k.submission_id = s.id
		WHERE k.key = ?`, key)
}

func (s *SQLiteStore) queryOne(ctx context.Context, query string, arg any) (*contracts.Submission, error) {
	var data string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubmissionNotFound
		}
		return nil, err
	}
	return decodeSubmission(data)
}

func (s *SQLiteStore) SaveSubmission(ctx context.Context, sub *contracts.Submission) error {
	data, err := encodeSubmission(sub)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var expiresAt any
	if sub.ExpiresAt != nil {
		expiresAt = sub.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (id, intake_id, state, resume_token, expires_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			resume_token = excluded.resume_token,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		sub.ID, sub.IntakeID, string(sub.State), sub.ResumeToken,
		expiresAt, sub.UpdatedAt.UTC().Format(time.RFC3339Nano), data,
	)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", sub.ID, err)
	}

	for _, k := range sub.IdempotencyKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, submission_id) VALUES (?, ?)
			ON CONFLICT(key) DO NOTHING`, k, sub.ID); err != nil {
			return fmt.Errorf("save idempotency key: %w", err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM submissions
		WHERE expires_at IS NOT NULL AND expires_at < ?
		  AND state NOT IN ('finalized', 'cancelled', 'expired', 'rejected')`,
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Submission
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		sub, err := decodeSubmission(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, e *contracts.Event) (*contracts.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE event_id = ?`, e.EventID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}

	stored := *e
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM events WHERE submission_id = ?`,
		e.SubmissionID).Scan(&stored.Version); err != nil {
		return nil, err
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, submission_id, version, ts, data)
		VALUES (?, ?, ?, ?, ?)`,
		stored.EventID, stored.SubmissionID, stored.Version,
		stored.TS.UTC().Format(time.RFC3339Nano), string(data)); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *SQLiteStore) LastEvent(ctx context.Context, submissionID string) (*contracts.Event, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM events WHERE submission_id = ?
		ORDER BY version DESC LIMIT 1`, submissionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeEvent(data)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, submissionID string, f EventFilter) ([]contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM events WHERE submission_id = ? ORDER BY version ASC`,
		submissionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		e, err := decodeEvent(data)
		if err != nil {
			return nil, err
		}
		if f.Matches(e) {
			out = append(out, *e)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return applyWindow(out, f), nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM submissions`).Scan(&st.SubmissionCount); err != nil {
		return nil, err
	}
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), MIN(ts), MAX(ts) FROM events`).Scan(&st.TotalEvents, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	if t := parseNullTime(oldest); t != nil {
		st.OldestEvent = t
	}
	if t := parseNullTime(newest); t != nil {
		st.NewestEvent = t
	}
	return st, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func encodeSubmission(sub *contracts.Submission) (string, error) {
	cp := sub.Clone()
	cp.Events = nil
	wrapper := struct {
		*contracts.Submission
		ReplayResponses map[string]json.RawMessage `json:"replayResponses,omitempty"`
	}{cp, cp.ReplayResponses}
	data, err := json.Marshal(wrapper)
	if err != nil {
		return "", fmt.Errorf("encode submission: %w", err)
	}
	return string(data), nil
}

func decodeSubmission(data string) (*contracts.Submission, error) {
	var wrapper struct {
		contracts.Submission
		ReplayResponses map[string]json.RawMessage `json:"replayResponses,omitempty"`
	}
	if err := json.Unmarshal([]byte(data), &wrapper); err != nil {
		return nil, fmt.Errorf("corrupt submission record: %w", err)
	}
	sub := wrapper.Submission
	sub.ReplayResponses = wrapper.ReplayResponses
	return &sub, nil
}

func decodeEvent(data string) (*contracts.Event, error) {
	var e contracts.Event
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("corrupt event record: %w", err)
	}
	return &e, nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		return &t
	}
	return nil
}
