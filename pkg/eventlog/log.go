// Package eventlog is the append-only, per-submission versioned audit
// stream. Events are opaque to the rest of the system: no component reads
// payloads to infer current state. Each stream is hash-chained over the JCS
// canonical form of the event core so an exported log can be verified.
package eventlog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/store"
)

const genesisHash = "genesis"

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatJSON  ExportFormat = "json"
	FormatJSONL ExportFormat = "jsonl"
)

// Log is the event-log component over a storage backend.
type Log struct {
	store store.Store
	clock func() time.Time
}

// New creates an event log on top of st.
func New(st store.Store) *Log {
	return &Log{store: st, clock: time.Now}
}

// WithClock overrides the clock for deterministic tests.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append stamps, chains and persists the event. The storage backend assigns
// the next version; replaying an eventId fails with store.ErrDuplicateEvent,
// which callers use as their idempotency signal.
func (l *Log) Append(ctx context.Context, e *contracts.Event) (*contracts.Event, error) {
	if e.EventID == "" {
		return nil, fmt.Errorf("event is missing eventId")
	}
	if e.SubmissionID == "" {
		return nil, fmt.Errorf("event is missing submissionId")
	}
	if e.TS.IsZero() {
		e.TS = l.clock().UTC()
	}

	prev, err := l.store.LastEvent(ctx, e.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("read chain head: %w", err)
	}
	e.PrevHash = genesisHash
	if prev != nil {
		e.PrevHash = prev.ContentHash
	}

	hash, err := contentHash(e)
	if err != nil {
		return nil, err
	}
	e.ContentHash = hash

	return l.store.AppendEvent(ctx, e)
}

// List returns the filtered stream ordered by version ascending.
func (l *Log) List(ctx context.Context, submissionID string, f store.EventFilter) ([]contracts.Event, error) {
	return l.store.ListEvents(ctx, submissionID, f)
}

// Export serializes the filtered stream. JSONL is one event per line for
// streaming to log sinks.
func (l *Log) Export(ctx context.Context, submissionID string, format ExportFormat, f store.EventFilter) ([]byte, error) {
	events, err := l.store.ListEvents(ctx, submissionID, f)
	if err != nil {
		return nil, err
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(events, "", "  ")
	case FormatJSONL:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for i := range events {
			if err := enc.Encode(&events[i]); err != nil {
				return nil, fmt.Errorf("encode event %s: %w", events[i].EventID, err)
			}
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown export format %q", format)
}

// Import replays exported events into the log, skipping duplicates. Returns
// the count of newly appended events. Versions and hashes are reassigned by
// the receiving log; the event set round-trips, the chain is local.
func (l *Log) Import(ctx context.Context, data []byte, format ExportFormat) (int, error) {
	var events []contracts.Event
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &events); err != nil {
			return 0, fmt.Errorf("decode export: %w", err)
		}
	case FormatJSONL:
		dec := json.NewDecoder(bytes.NewReader(data))
		for dec.More() {
			var e contracts.Event
			if err := dec.Decode(&e); err != nil {
				return 0, fmt.Errorf("decode export line: %w", err)
			}
			events = append(events, e)
		}
	default:
		return 0, fmt.Errorf("unknown export format %q", format)
	}

	imported := 0
	for i := range events {
		e := events[i]
		e.Version = 0
		e.ContentHash = ""
		e.PrevHash = ""
		if _, err := l.Append(ctx, &e); err != nil {
			if errors.Is(err, store.ErrDuplicateEvent) {
				continue
			}
			return imported, err
		}
		imported++
	}
	return imported, nil
}

// Stats summarizes the whole log.
func (l *Log) Stats(ctx context.Context) (*store.Stats, error) {
	return l.store.Stats(ctx)
}

// Verify recomputes the hash chain of one submission's stream and checks
// version monotonicity (1..n, no gaps).
func (l *Log) Verify(ctx context.Context, submissionID string) error {
	events, err := l.store.ListEvents(ctx, submissionID, store.EventFilter{})
	if err != nil {
		return err
	}

	prevHash := genesisHash
	for i := range events {
		e := events[i]
		if e.Version != int64(i)+1 {
			return fmt.Errorf("version gap at index %d: got %d, want %d", i, e.Version, i+1)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("chain broken at version %d: prev hash %s, want %s", e.Version, e.PrevHash, prevHash)
		}
		computed, err := contentHash(&e)
		if err != nil {
			return err
		}
		if computed != e.ContentHash {
			return fmt.Errorf("content hash mismatch at version %d", e.Version)
		}
		prevHash = e.ContentHash
	}
	return nil
}

// contentHash hashes the JCS canonicalization of the event core. Version is
// excluded: it is assigned by storage after hashing.
func contentHash(e *contracts.Event) (string, error) {
	hashable := struct {
		EventID      string              `json:"eventId"`
		SubmissionID string              `json:"submissionId"`
		TS           time.Time           `json:"ts"`
		Actor        contracts.Actor     `json:"actor"`
		State        contracts.State     `json:"state"`
		Type         contracts.EventType `json:"type"`
		Payload      map[string]any      `json:"payload,omitempty"`
		PrevHash     string              `json:"prevHash"`
	}{e.EventID, e.SubmissionID, e.TS, e.Actor, e.State, e.Type, e.Payload, e.PrevHash}

	raw, err := json.Marshal(hashable)
	if err != nil {
		return "", fmt.Errorf("marshal event for hashing: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
