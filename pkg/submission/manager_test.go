package submission

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/eventlog"
	"github.com/formbridge/formbridge/pkg/registry"
	"github.com/formbridge/formbridge/pkg/store"
	"github.com/formbridge/formbridge/pkg/uploads"
)

// --- Fakes ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeBackend is a scriptable upload backend.
type fakeBackend struct {
	mu        sync.Mutex
	signed    []uploads.SignRequest
	verify    uploads.VerifyResult
	signErr   error
	verifyErr error
}

func (f *fakeBackend) SignUpload(ctx context.Context, req uploads.SignRequest) (*uploads.SignedUpload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}
	f.signed = append(f.signed, req)
	return &uploads.SignedUpload{
		Method:     "PUT",
		URL:        "https://storage.example.com/" + req.Key(),
		Headers:    map[string]string{"Content-Type": req.MimeType},
		ExpiresIn:  15 * time.Minute,
		StorageKey: req.Key(),
	}, nil
}

func (f *fakeBackend) VerifyUpload(ctx context.Context, storageKey string, expectedBytes int64) (*uploads.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	res := f.verify
	return &res, nil
}

// fakeDeliverer records enqueued submissions.
type fakeDeliverer struct {
	mu       sync.Mutex
	enqueued []*contracts.Submission
}

func (f *fakeDeliverer) Enqueue(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, sub)
}

func (f *fakeDeliverer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.enqueued)
}

// fakeGates approves gates listed in approve; erroring gates fail closed.
type fakeGates struct {
	approve map[string]bool
	err     error
}

func (f *fakeGates) AutoApprove(ctx context.Context, gate contracts.ApprovalGate, fields map[string]any, actor contracts.Actor) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.approve[gate.Name], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) ReviewRequested(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

// --- Fixtures ---

var vendorSchema = json.RawMessage(`{
	"type": "object",
	"required": ["legalName"],
	"properties": {
		"legalName": {"type": "string", "minLength": 1},
		"taxId": {"type": "string", "pattern": "^[0-9]{2}-[0-9]{7}$"}
	}
}`)

var docsSchema = json.RawMessage(`{
	"type": "object",
	"required": ["legalName", "w9"],
	"properties": {
		"legalName": {"type": "string"},
		"w9": {"type": "string", "format": "binary", "maxBytes": 1000, "accept": ["application/pdf"]}
	}
}`)

func vendorIntake() *contracts.IntakeDefinition {
	return &contracts.IntakeDefinition{
		ID:      "vendor",
		Version: "1.0.0",
		Name:    "Vendor Onboarding",
		Schema:  vendorSchema,
		Destination: contracts.Destination{
			Kind: contracts.DestinationWebhook,
			URL:  "https://erp.example.com/hooks/vendor",
		},
	}
}

func reviewIntake() *contracts.IntakeDefinition {
	def := vendorIntake()
	def.ID = "vendor-review"
	def.ApprovalGates = []contracts.ApprovalGate{
		{Name: "legal", AutoApproveIf: "fields.legalName != ''"},
	}
	return def
}

func docsIntake() *contracts.IntakeDefinition {
	def := vendorIntake()
	def.ID = "docs"
	def.Schema = docsSchema
	return def
}

type fixture struct {
	manager   *Manager
	store     store.Store
	clock     *fakeClock
	backend   *fakeBackend
	deliverer *fakeDeliverer
	gates     *fakeGates
	notifier  *fakeNotifier
}

func newFixture(t *testing.T, defs ...*contracts.IntakeDefinition) *fixture {
	t.Helper()
	reg := registry.New()
	if len(defs) == 0 {
		defs = []*contracts.IntakeDefinition{vendorIntake(), reviewIntake(), docsIntake()}
	}
	for _, def := range defs {
		require.NoError(t, reg.Register(def, false))
	}

	st := store.NewMemoryStore()
	clock := newFakeClock()
	f := &fixture{
		store:     st,
		clock:     clock,
		backend:   &fakeBackend{verify: uploads.VerifyResult{Status: uploads.VerifyCompleted, SizeBytes: 42}},
		deliverer: &fakeDeliverer{},
		gates:     &fakeGates{approve: map[string]bool{}},
		notifier:  &fakeNotifier{},
	}
	f.manager = NewManager(st, eventlog.New(st).WithClock(clock.Now), reg, Options{
		Uploads:  f.backend,
		Gates:    f.gates,
		Notifier: f.notifier,
		BaseURL:  "https://forms.example.com",
	}).WithClock(clock.Now)
	f.manager.SetDeliverer(f.deliverer)
	return f
}

func agent() contracts.Actor {
	return contracts.Actor{Kind: contracts.ActorAgent, ID: "bot-1", Name: "Procurement Bot"}
}

func human() contracts.Actor {
	return contracts.Actor{Kind: contracts.ActorHuman, ID: "alice@example.com"}
}

func (f *fixture) create(t *testing.T, req CreateRequest) *Envelope {
	t.Helper()
	env, err := f.manager.Create(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, env.Error, "create failed: %+v", env.Error)
	return env
}

func (f *fixture) eventTypes(t *testing.T, submissionID string) []contracts.EventType {
	t.Helper()
	events, err := f.store.ListEvents(context.Background(), submissionID, store.EventFilter{})
	require.NoError(t, err)
	out := make([]contracts.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// --- Create ---

func TestCreateEmpty(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent()})

	assert.True(t, env.OK)
	assert.Equal(t, contracts.StateDraft, env.State)
	assert.NotEmpty(t, env.SubmissionID)
	assert.NotEmpty(t, env.ResumeToken)
	assert.NotEmpty(t, env.Schema)
	assert.Contains(t, env.Missing, "legalName")
	assert.Equal(t, []contracts.EventType{contracts.EventSubmissionCreated},
		f.eventTypes(t, env.SubmissionID))
}

func TestCreateWithInitialFields(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, CreateRequest{
		IntakeID: "vendor",
		Actor:    agent(),
		Fields:   map[string]any{"legalName": "Acme Corp"},
	})

	assert.Equal(t, contracts.StateInProgress, env.State)
	assert.Empty(t, env.Missing)
	assert.Equal(t, []contracts.EventType{
		contracts.EventSubmissionCreated,
		contracts.EventFieldUpdated,
	}, f.eventTypes(t, env.SubmissionID))

	// The created event snapshots the state the caller sees in the response.
	events, err := f.store.ListEvents(context.Background(), env.SubmissionID, store.EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, contracts.StateInProgress, events[0].State)

	sub, err := f.store.GetSubmission(context.Background(), env.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, agent(), sub.FieldAttribution["legalName"])
}

func TestCreateUnknownIntake(t *testing.T) {
	f := newFixture(t)
	env, err := f.manager.Create(context.Background(), CreateRequest{IntakeID: "nope", Actor: agent()})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeNotFound, env.Error.Type)
}

func TestCreateInvalidActor(t *testing.T) {
	f := newFixture(t)
	env, err := f.manager.Create(context.Background(), CreateRequest{IntakeID: "vendor"})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalidRequest, env.Error.Type)
}

func TestCreateRejectsBadInitialFields(t *testing.T) {
	f := newFixture(t)
	env, err := f.manager.Create(context.Background(), CreateRequest{
		IntakeID: "vendor",
		Actor:    agent(),
		Fields:   map[string]any{"taxId": "garbage"},
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeValidation, env.Error.Type)
	assert.Empty(t, env.SubmissionID, "nothing may be persisted on a failed create")
}

func TestCreateRejectsReservedPaths(t *testing.T) {
	f := newFixture(t)
	env, err := f.manager.Create(context.Background(), CreateRequest{
		IntakeID: "vendor",
		Actor:    agent(),
		Fields:   map[string]any{"__proto__": "x"},
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalid, env.Error.Type)
}

func TestCreateIdempotency(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, CreateRequest{
		IntakeID:       "vendor",
		Actor:          agent(),
		IdempotencyKey: "create-1",
	})

	again, err := f.manager.Create(context.Background(), CreateRequest{
		IntakeID:       "vendor",
		Actor:          agent(),
		IdempotencyKey: "create-1",
	})
	require.NoError(t, err)
	require.Nil(t, again.Error)
	assert.Equal(t, first.SubmissionID, again.SubmissionID)
	// The replay binds to the current token, not a fresh one.
	assert.Equal(t, first.ResumeToken, again.ResumeToken)
}

func TestCreateTTL(t *testing.T) {
	f := newFixture(t)
	env := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent(), TTLMs: 60000})
	require.NotNil(t, env.ExpiresAt)
	assert.Equal(t, f.clock.Now().Add(time.Minute), *env.ExpiresAt)
}

// --- SetFields ---

func TestSetFieldsRotatesToken(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent()})

	env, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		Fields:       map[string]any{"legalName": "Acme Corp"},
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)
	assert.Equal(t, contracts.StateInProgress, env.State)
	assert.NotEqual(t, created.ResumeToken, env.ResumeToken, "successful writes rotate the token")

	// The superseded token no longer works.
	stale, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		Fields:       map[string]any{"taxId": "12-3456789"},
	})
	require.NoError(t, err)
	require.NotNil(t, stale.Error)
	assert.Equal(t, contracts.ErrTypeInvalidResumeToken, stale.Error.Type)
}

func TestSetFieldsValidationFailureIsAtomic(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{
		IntakeID: "vendor", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})

	env, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		Fields:       map[string]any{"taxId": "garbage", "legalName": "Acme Inc"},
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeValidation, env.Error.Type)
	require.NotEmpty(t, env.Error.Fields)
	assert.Equal(t, "taxId", env.Error.Fields[0].Path)

	// Nothing applied, token not rotated.
	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", sub.Fields["legalName"])
	assert.NotContains(t, sub.Fields, "taxId")
	assert.Equal(t, created.ResumeToken, sub.ResumeToken)
	assert.Contains(t, f.eventTypes(t, created.SubmissionID), contracts.EventValidationFailed)
}

func TestFieldAttributionPerActor(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{
		IntakeID: "vendor", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})

	env, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        human(),
		Fields:       map[string]any{"taxId": "12-3456789"},
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)

	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, agent(), sub.FieldAttribution["legalName"])
	assert.Equal(t, human(), sub.FieldAttribution["taxId"])

	// Overwrite re-attributes and records old and new value.
	env, err = f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  env.ResumeToken,
		Actor:        human(),
		Fields:       map[string]any{"legalName": "Acme Inc"},
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)

	sub, err = f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, human(), sub.FieldAttribution["legalName"])

	events, err := f.store.ListEvents(context.Background(), created.SubmissionID, store.EventFilter{
		Types: []contracts.EventType{contracts.EventFieldUpdated},
	})
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, "legalName", last.Payload["fieldPath"])
	assert.Equal(t, "Acme Corp", last.Payload["oldValue"])
	assert.Equal(t, "Acme Inc", last.Payload["newValue"])
}

// --- Get / ListEvents ---

func TestGetDoesNotRotate(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent()})

	env, err := f.manager.Get(context.Background(), created.SubmissionID, created.ResumeToken, agent())
	require.NoError(t, err)
	require.Nil(t, env.Error)
	assert.Equal(t, created.ResumeToken, env.ResumeToken)
	require.NotNil(t, env.Submission)
	assert.NotEmpty(t, env.Submission.Events)

	// And again: reads are freely repeatable.
	env, err = f.manager.Get(context.Background(), created.SubmissionID, created.ResumeToken, agent())
	require.NoError(t, err)
	require.Nil(t, env.Error)
}

func TestGetWrongToken(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent()})

	env, err := f.manager.Get(context.Background(), created.SubmissionID, "wrong", agent())
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalidResumeToken, env.Error.Type)
}

func TestListEventsFiltered(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{
		IntakeID: "vendor", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})

	env, err := f.manager.ListEvents(context.Background(), created.SubmissionID, created.ResumeToken, agent(),
		store.EventFilter{Types: []contracts.EventType{contracts.EventFieldUpdated}})
	require.NoError(t, err)
	require.Nil(t, env.Error)
	require.Len(t, env.Events, 1)
	assert.Equal(t, contracts.EventFieldUpdated, env.Events[0].Type)
}

// --- Cancel / Expire ---

func TestCancel(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{
		IntakeID: "vendor", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})

	env, err := f.manager.Cancel(context.Background(), CancelRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		Reason:       "duplicate request",
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)
	assert.Equal(t, contracts.StateCancelled, env.State)

	// Terminal: any further write is refused with the terminal-specific type.
	after, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  env.ResumeToken,
		Actor:        agent(),
		Fields:       map[string]any{"legalName": "Other"},
	})
	require.NoError(t, err)
	require.NotNil(t, after.Error)
	assert.Equal(t, contracts.ErrTypeCancelled, after.Error.Type)

	// Cancelling again is a success, not a conflict, and adds nothing.
	again, err := f.manager.Cancel(context.Background(), CancelRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  env.ResumeToken,
		Actor:        agent(),
	})
	require.NoError(t, err)
	require.Nil(t, again.Error)
	assert.Equal(t, contracts.StateCancelled, again.State)
	assert.Equal(t, env.ResumeToken, again.ResumeToken)

	cancels := 0
	for _, typ := range f.eventTypes(t, created.SubmissionID) {
		if typ == contracts.EventSubmissionCancelled {
			cancels++
		}
	}
	assert.Equal(t, 1, cancels)
}

func TestCancelRefusedInReview(t *testing.T) {
	f := newFixture(t)
	f.gates.approve = map[string]bool{} // gate stays pending
	created := f.create(t, CreateRequest{
		IntakeID: "vendor-review", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})
	env, err := f.manager.Submit(context.Background(), SubmitRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	require.Equal(t, contracts.ErrTypeNeedsApproval, env.Error.Type)

	cancelled, err := f.manager.Cancel(context.Background(), CancelRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  env.ResumeToken,
		Actor:        agent(),
	})
	require.NoError(t, err)
	require.NotNil(t, cancelled.Error)
	assert.Equal(t, contracts.ErrTypeConflict, cancelled.Error.Type)
}

func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{IntakeID: "vendor", Actor: agent(), TTLMs: 1000})

	f.clock.Advance(2 * time.Second)

	env, err := f.manager.SetFields(context.Background(), SetFieldsRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		Fields:       map[string]any{"legalName": "Too Late"},
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeExpired, env.Error.Type)
	assert.Contains(t, f.eventTypes(t, created.SubmissionID), contracts.EventSubmissionExpired)
}

func TestSubmittedNeverExpires(t *testing.T) {
	f := newFixture(t)
	created := f.create(t, CreateRequest{
		IntakeID: "vendor", Actor: agent(), TTLMs: 1000,
		Fields: map[string]any{"legalName": "Acme Corp"},
	})
	env, err := f.manager.Submit(context.Background(), SubmitRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)
	require.Equal(t, contracts.StateSubmitted, env.State)

	f.clock.Advance(time.Hour)
	require.NoError(t, f.manager.Expire(context.Background(), created.SubmissionID))

	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateSubmitted, sub.State, "expiry is not a legal edge from submitted")
}

func TestExpireUnknownIsNoop(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.manager.Expire(context.Background(), "ghost"))
}
