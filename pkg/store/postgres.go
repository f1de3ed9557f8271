package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresStore is the shared-database backend. Same document-plus-indices
// layout as SQLite; event version assignment happens inside a transaction so
// the UNIQUE(submission_id, version) constraint can never be violated by a
// concurrent writer.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects and migrates using a lib/pq DSN.
func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing handle without migrating (tests).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS submissions (
		id TEXT PRIMARY KEY,
		intake_id TEXT NOT NULL,
		state TEXT NOT NULL,
		resume_token TEXT NOT NULL UNIQUE,
		expires_at TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL REFERENCES submissions(id)
	);
	CREATE TABLE IF NOT EXISTS events (
		event_id TEXT PRIMARY KEY,
		submission_id TEXT NOT NULL,
		version BIGINT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		data JSONB NOT NULL,
		UNIQUE(submission_id, version)
	);
	CREATE INDEX IF NOT EXISTS idx_submissions_expiry
		ON submissions(expires_at) WHERE expires_at IS NOT NULL;`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `SELECT data FROM submissions WHERE id = $1`, id)
}

func (s *PostgresStore) GetByResumeToken(ctx context.Context, token string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `SELECT data FROM submissions WHERE resume_token = $1`, token)
}

func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (*contracts.Submission, error) {
	return s.queryOne(ctx, `
		SELECT s.data FROM submissions s
		JOIN idempotency_keys k ON k.submission_id = s.id
		WHERE k.key = $1`, key)
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, arg any) (*contracts.Submission, error) {
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

func (s *PostgresStore) SaveSubmission(ctx context.Context, sub *contracts.Submission) error {
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
		expiresAt = sub.ExpiresAt.UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO submissions (id, intake_id, state, resume_token, expires_at, updated_at, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			resume_token = EXCLUDED.resume_token,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			data = EXCLUDED.data`,
		sub.ID, sub.IntakeID, string(sub.State), sub.ResumeToken,
		expiresAt, sub.UpdatedAt.UTC(), data,
	)
	if err != nil {
		return fmt.Errorf("save submission %s: %w", sub.ID, err)
	}

	for _, k := range sub.IdempotencyKeys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO idempotency_keys (key, submission_id) VALUES ($1, $2)
			ON CONFLICT (key) DO NOTHING`, k, sub.ID); err != nil {
			return fmt.Errorf("save idempotency key: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.Submission, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM submissions
		WHERE expires_at IS NOT NULL AND expires_at < $1
		  AND state NOT IN ('finalized', 'cancelled', 'expired', 'rejected')`,
		now.UTC())
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

func (s *PostgresStore) AppendEvent(ctx context.Context, e *contracts.Event) (*contracts.Event, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM events WHERE event_id = $1`, e.EventID).Scan(&exists); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}

	stored := *e
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM events WHERE submission_id = $1`,
		e.SubmissionID).Scan(&stored.Version); err != nil {
		return nil, err
	}

	data, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO events (event_id, submission_id, version, ts, data)
		VALUES ($1, $2, $3, $4, $5)`,
		stored.EventID, stored.SubmissionID, stored.Version, stored.TS.UTC(), string(data)); err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (s *PostgresStore) LastEvent(ctx context.Context, submissionID string) (*contracts.Event, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM events WHERE submission_id = $1
		ORDER BY version DESC LIMIT 1`, submissionID).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return decodeEvent(data)
}

func (s *PostgresStore) ListEvents(ctx context.Context, submissionID string, f EventFilter) ([]contracts.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM events WHERE submission_id = $1 ORDER BY version ASC`,
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

func (s *PostgresStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM submissions`).Scan(&st.SubmissionCount); err != nil {
		return nil, err
	}
	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1), MIN(ts), MAX(ts) FROM events`).Scan(&st.TotalEvents, &oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		t := oldest.Time
		st.OldestEvent = &t
	}
	if newest.Valid {
		t := newest.Time
		st.NewestEvent = &t
	}
	return st, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
