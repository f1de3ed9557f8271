package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// MemoryStore is the in-memory backend. A single RWMutex guards the maps, so
// every save is atomic with its index updates and readers never observe a
// torn record.
type MemoryStore struct {
	mu          sync.RWMutex
	submissions map[string]*contracts.Submission
	byToken     map[string]string // current resume token -> submission id
	byIdemKey   map[string]string // idempotency key -> submission id
	events      map[string][]contracts.Event
	eventIDs    map[string]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		submissions: make(map[string]*contracts.Submission),
		byToken:     make(map[string]string),
		byIdemKey:   make(map[string]string),
		events:      make(map[string][]contracts.Event),
		eventIDs:    make(map[string]bool),
	}
}

func (m *MemoryStore) GetSubmission(ctx context.Context, id string) (*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.submissions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubmissionNotFound, id)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) GetByResumeToken(ctx context.Context, token string) (*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return m.submissions[id].Clone(), nil
}

func (m *MemoryStore) GetByIdempotencyKey(ctx context.Context, key string) (*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byIdemKey[key]
	if !ok {
		return nil, ErrSubmissionNotFound
	}
	return m.submissions[id].Clone(), nil
}

func (m *MemoryStore) SaveSubmission(ctx context.Context, s *contracts.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.submissions[s.ID]; ok && prev.ResumeToken != s.ResumeToken {
		delete(m.byToken, prev.ResumeToken)
	}
	cp := s.Clone()
	cp.Events = nil // the event store is authoritative
	m.submissions[s.ID] = cp
	m.byToken[s.ResumeToken] = s.ID
	for _, k := range s.IdempotencyKeys {
		m.byIdemKey[k] = s.ID
	}
	return nil
}

func (m *MemoryStore) ListExpired(ctx context.Context, now time.Time) ([]*contracts.Submission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*contracts.Submission
	for _, s := range m.submissions {
		if !s.State.Terminal() && s.Expired(now) {
			out = append(out, s.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, e *contracts.Event) (*contracts.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventIDs[e.EventID] {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateEvent, e.EventID)
	}
	stored := *e
	stored.Version = int64(len(m.events[e.SubmissionID])) + 1
	m.events[e.SubmissionID] = append(m.events[e.SubmissionID], stored)
	m.eventIDs[e.EventID] = true
	return &stored, nil
}

func (m *MemoryStore) LastEvent(ctx context.Context, submissionID string) (*contracts.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	evs := m.events[submissionID]
	if len(evs) == 0 {
		return nil, nil
	}
	last := evs[len(evs)-1]
	return &last, nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, submissionID string, f EventFilter) ([]contracts.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []contracts.Event
	for i := range m.events[submissionID] {
		e := m.events[submissionID][i]
		if f.Matches(&e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return applyWindow(out, f), nil
}

func (m *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := &Stats{SubmissionCount: int64(len(m.submissions))}
	for _, evs := range m.events {
		for i := range evs {
			st.TotalEvents++
			ts := evs[i].TS
			if st.OldestEvent == nil || ts.Before(*st.OldestEvent) {
				t := ts
				st.OldestEvent = &t
			}
			if st.NewestEvent == nil || ts.After(*st.NewestEvent) {
				t := ts
				st.NewestEvent = &t
			}
		}
	}
	return st, nil
}

func (m *MemoryStore) Close() error { return nil }

func applyWindow(events []contracts.Event, f EventFilter) []contracts.Event {
	if f.Offset > 0 {
		if f.Offset >= len(events) {
			return nil
		}
		events = events[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(events) {
		events = events[:f.Limit]
	}
	return events
}
