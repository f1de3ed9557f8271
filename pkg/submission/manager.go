// Package submission is the protocol engine: it owns the submission
// lifecycle, enforces the state machine and capability tokens, and emits the
// audit events every operation leaves behind.
//
// All operations return an Envelope. Protocol failures (validation errors,
// illegal transitions, bad tokens) are envelopes with Error set; Go errors
// are reserved for infrastructure faults (storage down, event append failed).
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/eventlog"
	"github.com/formbridge/formbridge/pkg/observability"
	"github.com/formbridge/formbridge/pkg/registry"
	"github.com/formbridge/formbridge/pkg/state"
	"github.com/formbridge/formbridge/pkg/store"
	"github.com/formbridge/formbridge/pkg/token"
	"github.com/formbridge/formbridge/pkg/uploads"
	"github.com/formbridge/formbridge/pkg/validate"
)

// Deliverer accepts finalizable submissions for asynchronous delivery.
type Deliverer interface {
	Enqueue(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition)
}

// GateEvaluator decides whether an approval gate auto-approves a submission.
// Implementations must fail closed: an evaluation error means no.
type GateEvaluator interface {
	AutoApprove(ctx context.Context, gate contracts.ApprovalGate, fields map[string]any, actor contracts.Actor) (bool, error)
}

// ReviewNotifier tells reviewers a submission is waiting. Notification
// failures are logged and swallowed; review progress never depends on it.
type ReviewNotifier interface {
	ReviewRequested(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition)
}

// Manager drives all submission lifecycle operations.
type Manager struct {
	store     store.Store
	log       *eventlog.Log
	registry  *registry.Registry
	validator *validate.Validator
	uploads   uploads.Backend
	gates     GateEvaluator
	notifier  ReviewNotifier
	deliverer Deliverer
	metrics   *observability.Metrics
	logger    *slog.Logger
	clock     func() time.Time
	locks     *keyedMutex
	baseURL   string
}

// Options carries the optional collaborators of a Manager.
type Options struct {
	Uploads  uploads.Backend
	Gates    GateEvaluator
	Notifier ReviewNotifier
	Metrics  *observability.Metrics
	Logger   *slog.Logger
	BaseURL  string
}

// NewManager wires a manager over its storage and registry. The deliverer is
// attached separately via SetDeliverer because the delivery engine needs the
// manager first.
func NewManager(st store.Store, log *eventlog.Log, reg *registry.Registry, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     st,
		log:       log,
		registry:  reg,
		validator: validate.New(),
		uploads:   opts.Uploads,
		gates:     opts.Gates,
		notifier:  opts.Notifier,
		metrics:   opts.Metrics,
		logger:    logger,
		clock:     time.Now,
		locks:     newKeyedMutex(),
		baseURL:   opts.BaseURL,
	}
}

// SetDeliverer attaches the delivery engine. Must be called before the first
// submission reaches submitted.
func (m *Manager) SetDeliverer(d Deliverer) { m.deliverer = d }

// WithClock overrides the clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// CreateRequest opens a new submission against a registered intake.
type CreateRequest struct {
	IntakeID       string          `json:"intakeId"`
	Actor          contracts.Actor `json:"actor"`
	Fields         map[string]any  `json:"initialFields,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	// TTLMs overrides the intake's default TTL for this submission.
	TTLMs int64 `json:"ttlMs,omitempty"`
}

// Create opens a submission. With an idempotency key, repeating the call
// returns the already-bound submission and its current resume token instead
// of opening a second one.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Envelope, error) {
	if !req.Actor.Valid() {
		return fail(contracts.ErrTypeInvalidRequest, "actor is missing or malformed"), nil
	}
	intake, err := m.registry.Get(req.IntakeID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return fail(contracts.ErrTypeNotFound, fmt.Sprintf("unknown intake %q", req.IntakeID)), nil
		}
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := m.store.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			env := ok(existing)
			m.attachProgress(env, existing, intake)
			return env, nil
		}
		if !errors.Is(err, store.ErrSubmissionNotFound) {
			return nil, err
		}
	}

	if errs := validate.CheckPaths(req.Fields); len(errs) > 0 {
		return fail(contracts.ErrTypeInvalid, "field paths rejected").withFieldErrors(errs), nil
	}
	res, err := m.validator.Validate(intake.Schema, req.Fields, nil, validate.Partial)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return fail(contracts.ErrTypeValidation, "initial fields failed validation").
			withFieldErrors(res.Errors).
			withHints(res.NextActions), nil
	}

	now := m.clock().UTC()
	tok, err := token.New()
	if err != nil {
		return nil, err
	}
	sub := &contracts.Submission{
		ID:               uuid.NewString(),
		IntakeID:         intake.ID,
		State:            contracts.StateDraft,
		ResumeToken:      tok,
		CreatedAt:        now,
		UpdatedAt:        now,
		Fields:           make(map[string]any),
		FieldAttribution: make(map[string]contracts.Actor),
		CreatedBy:        req.Actor,
		UpdatedBy:        req.Actor,
	}
	ttl := intake.TTLMs
	if req.TTLMs > 0 {
		ttl = req.TTLMs
	}
	if ttl > 0 {
		exp := now.Add(time.Duration(ttl) * time.Millisecond)
		sub.ExpiresAt = &exp
	}
	if req.IdempotencyKey != "" {
		sub.IdempotencyKeys = []string{req.IdempotencyKey}
	}

	// Transition before emitting, so the created event's state snapshot
	// matches the view the caller gets back.
	if len(req.Fields) > 0 {
		if err := m.transition(sub, contracts.StateInProgress); err != nil {
			return nil, err
		}
	}
	if err := m.emit(ctx, sub, req.Actor, contracts.EventSubmissionCreated, map[string]any{
		"intakeId": intake.ID,
	}); err != nil {
		return nil, err
	}
	if err := m.applyFields(ctx, sub, req.Actor, req.Fields); err != nil {
		return nil, err
	}

	if err := m.store.SaveSubmission(ctx, sub); err != nil {
		return nil, err
	}
	m.logger.Info("submission created",
		"submission_id", sub.ID, "intake_id", intake.ID, "actor", req.Actor.ID)
	if m.metrics != nil {
		m.metrics.SubmissionCreated(ctx, intake.ID)
	}

	env := ok(sub)
	env.Schema = intake.Schema
	m.attachProgress(env, sub, intake)
	return env, nil
}

// SetFieldsRequest writes one or more field values.
type SetFieldsRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
	Fields       map[string]any  `json:"fields"`
}

// SetFields merges fields into the submission. The write is atomic: if any
// provided field fails validation, nothing is applied and the token does not
// rotate.
func (m *Manager) SetFields(ctx context.Context, req SetFieldsRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, intake, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	if env := m.requireStates(sub, contracts.StateDraft, contracts.StateInProgress, contracts.StateAwaitingUpload); env != nil {
		return env, nil
	}
	if len(req.Fields) == 0 {
		return fail(contracts.ErrTypeInvalidRequest, "no fields provided").withSubmission(sub), nil
	}

	if errs := validate.CheckPaths(req.Fields); len(errs) > 0 {
		return fail(contracts.ErrTypeInvalid, "field paths rejected").
			withFieldErrors(errs).withSubmission(sub), nil
	}

	merged := mergeFields(sub.Fields, req.Fields)
	res, err := m.validator.Validate(intake.Schema, merged, m.completedFiles(sub), validate.Partial)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if err := m.emit(ctx, sub, req.Actor, contracts.EventValidationFailed, map[string]any{
			"mode":   "partial",
			"errors": len(res.Errors),
		}); err != nil {
			return nil, err
		}
		return fail(contracts.ErrTypeValidation, "fields failed validation").
			withFieldErrors(res.Errors).
			withHints(res.NextActions).
			withSubmission(sub), nil
	}

	if err := m.applyFields(ctx, sub, req.Actor, req.Fields); err != nil {
		return nil, err
	}
	if sub.State == contracts.StateDraft {
		if err := m.transition(sub, contracts.StateInProgress); err != nil {
			return nil, err
		}
	}
	if err := m.touch(ctx, sub, req.Actor); err != nil {
		return nil, err
	}

	env = ok(sub)
	m.attachProgress(env, sub, intake)
	return env, nil
}

// Get returns the submission behind id if the token matches. Reads do not
// rotate the token.
func (m *Manager) Get(ctx context.Context, id, resumeToken string, actor contracts.Actor) (*Envelope, error) {
	m.locks.lock(id)
	defer m.locks.unlock(id)

	sub, _, env, err := m.resolveAny(ctx, id, resumeToken, actor)
	if env != nil || err != nil {
		return env, err
	}

	events, err := m.log.List(ctx, sub.ID, store.EventFilter{})
	if err != nil {
		return nil, err
	}
	sub.Events = events

	env = ok(sub)
	env.Submission = sub
	return env, nil
}

// ListEvents returns the submission's audit stream.
func (m *Manager) ListEvents(ctx context.Context, id, resumeToken string, actor contracts.Actor, f store.EventFilter) (*Envelope, error) {
	m.locks.lock(id)
	defer m.locks.unlock(id)

	sub, _, env, err := m.resolveAny(ctx, id, resumeToken, actor)
	if env != nil || err != nil {
		return env, err
	}

	events, err := m.log.List(ctx, sub.ID, f)
	if err != nil {
		return nil, err
	}
	env = ok(sub)
	env.Events = events
	return env, nil
}

// CancelRequest abandons a submission.
type CancelRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
	Reason       string          `json:"reason,omitempty"`
}

// Cancel moves the submission to cancelled. Legal from any working state and
// from submitted (pre-finalization); not from review states. Idempotent:
// cancelling an already-cancelled submission is a success.
func (m *Manager) Cancel(ctx context.Context, req CancelRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, _, env, err := m.resolveAny(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	if sub.State == contracts.StateCancelled {
		// Re-cancel: no event, no rotation.
		return ok(sub), nil
	}
	if env := m.refuseTerminal(sub); env != nil {
		return env, nil
	}

	if !state.CanTransition(sub.State, contracts.StateCancelled) {
		return fail(contracts.ErrTypeConflict,
			fmt.Sprintf("cannot cancel a submission in state %s", sub.State)).withSubmission(sub), nil
	}
	if err := m.transition(sub, contracts.StateCancelled); err != nil {
		return nil, err
	}
	payload := map[string]any{}
	if req.Reason != "" {
		payload["reason"] = req.Reason
	}
	if err := m.emit(ctx, sub, req.Actor, contracts.EventSubmissionCancelled, payload); err != nil {
		return nil, err
	}
	if err := m.touch(ctx, sub, req.Actor); err != nil {
		return nil, err
	}
	m.logger.Info("submission cancelled", "submission_id", sub.ID, "actor", req.Actor.ID)
	return ok(sub), nil
}

// Expire moves an overdue submission to expired. System-invoked (sweeper or
// lazy check); a no-op when the submission is terminal or expiry is not a
// legal edge from its current state.
func (m *Manager) Expire(ctx context.Context, id string) error {
	m.locks.lock(id)
	defer m.locks.unlock(id)

	sub, err := m.store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			return nil
		}
		return err
	}
	return m.expireLocked(ctx, sub)
}

func (m *Manager) expireLocked(ctx context.Context, sub *contracts.Submission) error {
	if sub.State.Terminal() || !sub.Expired(m.clock().UTC()) {
		return nil
	}
	if !state.CanTransition(sub.State, contracts.StateExpired) {
		// In-flight past the point of no return (submitted, under review).
		return nil
	}
	if err := m.transition(sub, contracts.StateExpired); err != nil {
		return err
	}
	if err := m.emit(ctx, sub, systemActor(), contracts.EventSubmissionExpired, map[string]any{
		"expiredAt": sub.ExpiresAt,
	}); err != nil {
		return err
	}
	// The token is deliberately not rotated: expired is terminal, so it
	// confers no write capability, and a holder presenting it must get the
	// expired envelope rather than a token mismatch.
	sub.UpdatedAt = m.clock().UTC()
	sub.UpdatedBy = systemActor()
	if err := m.store.SaveSubmission(ctx, sub); err != nil {
		return err
	}
	m.logger.Info("submission expired", "submission_id", sub.ID)
	if m.metrics != nil {
		m.metrics.SubmissionExpired(ctx)
	}
	return nil
}

// resolve loads and authorizes a submission for mutation: token must match,
// TTL is enforced lazily, and terminal states are refused with the matching
// envelope error.
func (m *Manager) resolve(ctx context.Context, id, presented string, actor contracts.Actor) (*contracts.Submission, *contracts.IntakeDefinition, *Envelope, error) {
	sub, intake, env, err := m.resolveAny(ctx, id, presented, actor)
	if env != nil || err != nil {
		return nil, nil, env, err
	}
	if env := m.refuseTerminal(sub); env != nil {
		return nil, nil, env, nil
	}
	return sub, intake, nil, nil
}

// resolveAny is resolve without the terminal-state refusal, for reads.
func (m *Manager) resolveAny(ctx context.Context, id, presented string, actor contracts.Actor) (*contracts.Submission, *contracts.IntakeDefinition, *Envelope, error) {
	if !actor.Valid() {
		return nil, nil, fail(contracts.ErrTypeInvalidRequest, "actor is missing or malformed"), nil
	}
	sub, err := m.store.GetSubmission(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			return nil, nil, fail(contracts.ErrTypeNotFound, "submission not found"), nil
		}
		return nil, nil, nil, err
	}
	if !token.Equal(presented, sub.ResumeToken) {
		// Same answer for wrong and stale tokens; do not leak which.
		return nil, nil, fail(contracts.ErrTypeInvalidResumeToken, "resume token is not valid for this submission"), nil
	}

	if err := m.expireLocked(ctx, sub); err != nil {
		return nil, nil, nil, err
	}

	intake, err := m.registry.Get(sub.IntakeID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("intake %q vanished from registry: %w", sub.IntakeID, err)
	}
	return sub, intake, nil, nil
}

func (m *Manager) refuseTerminal(sub *contracts.Submission) *Envelope {
	switch sub.State {
	case contracts.StateCancelled:
		return fail(contracts.ErrTypeCancelled, "submission was cancelled").withSubmission(sub)
	case contracts.StateExpired:
		return fail(contracts.ErrTypeExpired, "submission has expired").withSubmission(sub)
	case contracts.StateFinalized:
		return fail(contracts.ErrTypeConflict, "submission is already finalized").withSubmission(sub)
	case contracts.StateRejected:
		return fail(contracts.ErrTypeConflict, "submission was rejected").withSubmission(sub)
	}
	return nil
}

func (m *Manager) requireStates(sub *contracts.Submission, allowed ...contracts.State) *Envelope {
	for _, s := range allowed {
		if sub.State == s {
			return nil
		}
	}
	return fail(contracts.ErrTypeConflict,
		fmt.Sprintf("operation not allowed in state %s", sub.State)).withSubmission(sub)
}

// applyFields writes the values, records attribution and emits one
// field.updated event per path, in deterministic order.
func (m *Manager) applyFields(ctx context.Context, sub *contracts.Submission, actor contracts.Actor, fields map[string]any) error {
	paths := make([]string, 0, len(fields))
	for p := range fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		old, had := sub.Fields[p]
		sub.Fields[p] = fields[p]
		sub.FieldAttribution[p] = actor
		payload := map[string]any{
			"fieldPath": p,
			"newValue":  fields[p],
		}
		if had {
			payload["oldValue"] = old
		}
		if err := m.emit(ctx, sub, actor, contracts.EventFieldUpdated, payload); err != nil {
			return err
		}
	}
	return nil
}

// touch rotates the resume token, stamps the update and persists. Every
// successful mutation ends here; failed operations never rotate.
func (m *Manager) touch(ctx context.Context, sub *contracts.Submission, actor contracts.Actor) error {
	tok, err := token.New()
	if err != nil {
		return err
	}
	sub.ResumeToken = tok
	sub.UpdatedAt = m.clock().UTC()
	sub.UpdatedBy = actor
	return m.store.SaveSubmission(ctx, sub)
}

func (m *Manager) transition(sub *contracts.Submission, to contracts.State) error {
	if err := state.AssertTransition(sub.State, to); err != nil {
		return err
	}
	sub.State = to
	return nil
}

func (m *Manager) emit(ctx context.Context, sub *contracts.Submission, actor contracts.Actor, typ contracts.EventType, payload map[string]any) error {
	e := &contracts.Event{
		EventID:      uuid.NewString(),
		SubmissionID: sub.ID,
		TS:           m.clock().UTC(),
		Actor:        actor,
		State:        sub.State,
		Type:         typ,
		Payload:      payload,
	}
	if _, err := m.log.Append(ctx, e); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	return nil
}

// attachProgress adds the outstanding-work view (missing required fields and
// next-action hints) to a success envelope.
func (m *Manager) attachProgress(env *Envelope, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	res, err := m.validator.Validate(intake.Schema, sub.Fields, m.completedFiles(sub), validate.Partial)
	if err != nil {
		m.logger.Warn("progress validation failed", "submission_id", sub.ID, "error", err)
		return
	}
	env.Missing = res.Missing
	env.NextActions = res.NextActions
}

// completedFiles maps file field paths to whether a completed upload
// satisfies them.
func (m *Manager) completedFiles(sub *contracts.Submission) map[string]bool {
	done := make(map[string]bool)
	for _, u := range sub.Uploads {
		if u.Status == contracts.UploadCompleted {
			done[u.FieldPath] = true
		}
	}
	return done
}

func mergeFields(current, incoming map[string]any) map[string]any {
	merged := make(map[string]any, len(current)+len(incoming))
	for k, v := range current {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	return merged
}

func systemActor() contracts.Actor {
	return contracts.Actor{Kind: contracts.ActorSystem, ID: "formbridge"}
}
