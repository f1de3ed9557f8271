// Package store persists submissions and their event streams. It is a façade
// over a submission store (by id, by resume token, by idempotency key) and an
// append-only event store with per-submission monotonic versions.
//
// Three backends exist: in-memory (tests, development), SQLite (embedded
// single-node) and Postgres. A backend must make SaveSubmission atomic with
// all of its index updates; event versions are assigned inside AppendEvent.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
)

var (
	ErrSubmissionNotFound = errors.New("submission not found")
	ErrDuplicateEvent     = errors.New("duplicate event")
)

// EventFilter narrows ListEvents. Zero values mean "no constraint".
type EventFilter struct {
	Types     []contracts.EventType
	ActorKind contracts.ActorKind
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// Matches reports whether the event passes the filter's predicates
// (Limit/Offset are applied by the caller over the ordered stream).
func (f EventFilter) Matches(e *contracts.Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.ActorKind != "" && e.Actor.Kind != f.ActorKind {
		return false
	}
	if f.Since != nil && e.TS.Before(*f.Since) {
		return false
	}
	if f.Until != nil && e.TS.After(*f.Until) {
		return false
	}
	return true
}

// Stats summarizes the event store.
type Stats struct {
	TotalEvents     int64      `json:"totalEvents"`
	SubmissionCount int64      `json:"submissionCount"`
	OldestEvent     *time.Time `json:"oldestEvent,omitempty"`
	NewestEvent     *time.Time `json:"newestEvent,omitempty"`
}

// Store is the storage contract the protocol engine runs against.
type Store interface {
	GetSubmission(ctx context.Context, id string) (*contracts.Submission, error)
	GetByResumeToken(ctx context.Context, token string) (*contracts.Submission, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*contracts.Submission, error)
	// SaveSubmission upserts the record and atomically refreshes the resume
	// token and idempotency key indices.
	SaveSubmission(ctx context.Context, s *contracts.Submission) error
	// ListExpired returns non-terminal submissions whose TTL elapsed at now.
	ListExpired(ctx context.Context, now time.Time) ([]*contracts.Submission, error)

	// AppendEvent assigns version = max(version for submission)+1 and
	// persists the event. Replaying an eventId fails with ErrDuplicateEvent;
	// that error is the idempotency signal for event writers.
	AppendEvent(ctx context.Context, e *contracts.Event) (*contracts.Event, error)
	// LastEvent returns the highest-version event, or nil when none exist.
	LastEvent(ctx context.Context, submissionID string) (*contracts.Event, error)
	ListEvents(ctx context.Context, submissionID string, f EventFilter) ([]contracts.Event, error)
	Stats(ctx context.Context) (*Stats, error)

	Close() error
}
