package submission

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/validate"
)

// SubmitRequest finalizes data entry and hands the submission to the
// approval/delivery pipeline.
type SubmitRequest struct {
	SubmissionID   string          `json:"-"`
	ResumeToken    string          `json:"resumeToken"`
	Actor          contracts.Actor `json:"actor"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// Submit runs full validation and moves the submission to submitted, or to
// needs_review when an approval gate does not auto-approve. With an
// idempotency key, repeating the call after success replays the original
// response verbatim, whatever state the submission has reached since.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	// Replay is checked before the token: the original call rotated the token,
	// so a caller retrying a lost response still holds the superseded one. The
	// idempotency key it bound is its proof of being the original caller.
	if req.IdempotencyKey != "" {
		if prev, err := m.store.GetSubmission(ctx, req.SubmissionID); err == nil &&
			prev.HasIdempotencyKey(req.IdempotencyKey) {
			if raw, okRaw := prev.ReplayResponses[req.IdempotencyKey]; okRaw {
				var replay Envelope
				if err := json.Unmarshal(raw, &replay); err != nil {
					return nil, fmt.Errorf("corrupt replay record for key %q: %w", req.IdempotencyKey, err)
				}
				return &replay, nil
			}
		}
	}

	sub, intake, env, err := m.resolveAny(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}

	if env := m.refuseTerminal(sub); env != nil {
		return env, nil
	}
	if sub.State == contracts.StateAwaitingUpload {
		env := fail(contracts.ErrTypeUploadPending, "uploads are still pending confirmation").
			withSubmission(sub)
		for _, u := range sub.PendingUploads() {
			env.Error.NextActions = append(env.Error.NextActions, contracts.NextAction{
				Action: contracts.ActionRequestUpload,
				Field:  u.FieldPath,
			})
		}
		return env, nil
	}
	if env := m.requireStates(sub, contracts.StateDraft, contracts.StateInProgress); env != nil {
		return env, nil
	}

	res, err := m.validator.Validate(intake.Schema, sub.Fields, m.completedFiles(sub), validate.Full)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		if err := m.emit(ctx, sub, req.Actor, contracts.EventValidationFailed, map[string]any{
			"mode":   "full",
			"errors": len(res.Errors),
		}); err != nil {
			return nil, err
		}
		return fail(contracts.ErrTypeValidation, "submission is not complete").
			withFieldErrors(res.Errors).
			withHints(res.NextActions).
			withSubmission(sub), nil
	}
	if err := m.emit(ctx, sub, req.Actor, contracts.EventValidationPassed, map[string]any{
		"mode": "full",
	}); err != nil {
		return nil, err
	}

	pendingGates := m.pendingGates(ctx, intake, sub, req.Actor)

	if len(pendingGates) > 0 {
		if err := m.transition(sub, contracts.StateNeedsReview); err != nil {
			return nil, err
		}
		if err := m.emit(ctx, sub, req.Actor, contracts.EventSubmissionSubmitted, nil); err != nil {
			return nil, err
		}
		if err := m.emit(ctx, sub, req.Actor, contracts.EventReviewRequested, map[string]any{
			"gates": pendingGates,
		}); err != nil {
			return nil, err
		}
	} else {
		if err := m.transition(sub, contracts.StateSubmitted); err != nil {
			return nil, err
		}
		if err := m.emit(ctx, sub, req.Actor, contracts.EventSubmissionSubmitted, nil); err != nil {
			return nil, err
		}
	}

	if req.IdempotencyKey != "" {
		sub.IdempotencyKeys = append(sub.IdempotencyKeys, req.IdempotencyKey)
	}
	if err := m.touch(ctx, sub, req.Actor); err != nil {
		return nil, err
	}
	m.logger.Info("submission submitted",
		"submission_id", sub.ID, "state", sub.State, "actor", req.Actor.ID)
	if m.metrics != nil {
		m.metrics.SubmissionSubmitted(ctx, intake.ID)
	}

	if sub.State == contracts.StateNeedsReview {
		// Needing approval is an expected, non-retryable outcome and is
		// reported through the error envelope, with the rotated token so the
		// caller keeps its write capability for after the review.
		env = fail(contracts.ErrTypeNeedsApproval, "submission requires review").
			withSubmission(sub).
			withHints([]contracts.NextAction{{Action: contracts.ActionWaitForReview}})
		env.ResumeToken = sub.ResumeToken
		env.ExpiresAt = sub.ExpiresAt
		if m.notifier != nil {
			m.notifier.ReviewRequested(ctx, sub.Clone(), intake)
		}
	} else {
		env = ok(sub)
	}

	if req.IdempotencyKey != "" {
		raw, err := json.Marshal(env)
		if err != nil {
			return nil, err
		}
		if sub.ReplayResponses == nil {
			sub.ReplayResponses = make(map[string]json.RawMessage)
		}
		sub.ReplayResponses[req.IdempotencyKey] = raw
		if err := m.store.SaveSubmission(ctx, sub); err != nil {
			return nil, err
		}
	}

	if sub.State == contracts.StateSubmitted {
		m.enqueueDelivery(ctx, sub, intake)
	}
	return env, nil
}

// pendingGates evaluates the intake's approval gates and returns the names
// of those that still require a human. Evaluation failures count as pending:
// a broken predicate must never skip review.
func (m *Manager) pendingGates(ctx context.Context, intake *contracts.IntakeDefinition, sub *contracts.Submission, actor contracts.Actor) []string {
	var pending []string
	for _, gate := range intake.ApprovalGates {
		if gate.AutoApproveIf == "" || m.gates == nil {
			pending = append(pending, gate.Name)
			continue
		}
		approved, err := m.gates.AutoApprove(ctx, gate, sub.Fields, actor)
		if err != nil {
			m.logger.Warn("gate evaluation failed, requiring review",
				"submission_id", sub.ID, "gate", gate.Name, "error", err)
			pending = append(pending, gate.Name)
			continue
		}
		if !approved {
			pending = append(pending, gate.Name)
		}
	}
	return pending
}

func (m *Manager) enqueueDelivery(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	if m.deliverer == nil {
		m.logger.Warn("no deliverer configured, submission will stay submitted",
			"submission_id", sub.ID)
		return
	}
	m.deliverer.Enqueue(ctx, sub.Clone(), intake)
}

// RetryDeliveryRequest re-runs delivery after the engine exhausted its
// attempts.
type RetryDeliveryRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
}

// RetryDelivery clears the recorded failure and enqueues the submission
// again. Only valid in submitted with a recorded delivery failure.
func (m *Manager) RetryDelivery(ctx context.Context, req RetryDeliveryRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, intake, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	if sub.State != contracts.StateSubmitted || sub.DeliveryFailed == nil {
		return fail(contracts.ErrTypeConflict, "no failed delivery to retry").withSubmission(sub), nil
	}

	sub.DeliveryFailed = nil
	if err := m.touch(ctx, sub, req.Actor); err != nil {
		return nil, err
	}
	m.enqueueDelivery(ctx, sub, intake)
	return ok(sub), nil
}

// DeliveryAttempted records one delivery attempt in the audit stream.
func (m *Manager) DeliveryAttempted(ctx context.Context, submissionID string, attempt int, attemptErr error) {
	m.locks.lock(submissionID)
	defer m.locks.unlock(submissionID)

	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		m.logger.Error("delivery attempt on unknown submission",
			"submission_id", submissionID, "error", err)
		return
	}
	payload := map[string]any{"attempt": attempt}
	if attemptErr != nil {
		payload["error"] = attemptErr.Error()
	}
	if err := m.emit(ctx, sub, systemActor(), contracts.EventDeliveryAttempted, payload); err != nil {
		m.logger.Error("record delivery attempt", "submission_id", submissionID, "error", err)
	}
	if m.metrics != nil {
		m.metrics.DeliveryAttempt(ctx, attemptErr == nil)
	}
}

// DeliveryFailed records a retryable delivery failure: the engine will try
// again after retryAfter. Audit-only; no state change, no rotation.
func (m *Manager) DeliveryFailed(ctx context.Context, submissionID string, attempt int, retryAfter time.Duration, attemptErr error) {
	m.locks.lock(submissionID)
	defer m.locks.unlock(submissionID)

	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		m.logger.Error("delivery failure on unknown submission",
			"submission_id", submissionID, "error", err)
		return
	}
	msg := "delivery failed"
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	if err := m.emit(ctx, sub, systemActor(), contracts.EventDeliveryFailed, map[string]any{
		"attempt":      attempt,
		"error":        msg,
		"retryable":    true,
		"retryAfterMs": retryAfter.Milliseconds(),
	}); err != nil {
		m.logger.Error("record delivery failure", "submission_id", submissionID, "error", err)
	}
}

// DeliverySucceeded finalizes the submission after a confirmed delivery.
func (m *Manager) DeliverySucceeded(ctx context.Context, submissionID string, attempts int) {
	m.locks.lock(submissionID)
	defer m.locks.unlock(submissionID)

	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		m.logger.Error("delivery success on unknown submission",
			"submission_id", submissionID, "error", err)
		return
	}
	if sub.State != contracts.StateSubmitted {
		m.logger.Warn("delivery success in unexpected state",
			"submission_id", submissionID, "state", sub.State)
		return
	}

	if err := m.emit(ctx, sub, systemActor(), contracts.EventDeliverySucceeded, map[string]any{
		"attempts": attempts,
	}); err != nil {
		m.logger.Error("record delivery success", "submission_id", submissionID, "error", err)
		return
	}
	if err := m.transition(sub, contracts.StateFinalized); err != nil {
		m.logger.Error("finalize after delivery", "submission_id", submissionID, "error", err)
		return
	}
	sub.DeliveryFailed = nil
	if err := m.emit(ctx, sub, systemActor(), contracts.EventSubmissionFinalized, nil); err != nil {
		m.logger.Error("record finalization", "submission_id", submissionID, "error", err)
		return
	}
	if err := m.touch(ctx, sub, systemActor()); err != nil {
		m.logger.Error("persist finalization", "submission_id", submissionID, "error", err)
		return
	}
	m.logger.Info("submission finalized", "submission_id", submissionID, "attempts", attempts)
}

// DeliveryExhausted records terminal delivery failure. The submission stays
// in submitted with the failure surfaced on reads, so a caller or operator
// can retry; the resume token is deliberately left unrotated.
func (m *Manager) DeliveryExhausted(ctx context.Context, submissionID string, attempts int, lastErr error) {
	m.locks.lock(submissionID)
	defer m.locks.unlock(submissionID)

	sub, err := m.store.GetSubmission(ctx, submissionID)
	if err != nil {
		m.logger.Error("delivery failure on unknown submission",
			"submission_id", submissionID, "error", err)
		return
	}

	now := m.clock().UTC()
	msg := "delivery failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	sub.DeliveryFailed = &contracts.DeliveryFailure{
		Attempts: attempts,
		LastErr:  msg,
		FailedAt: now,
	}
	if err := m.emit(ctx, sub, systemActor(), contracts.EventDeliveryFailed, map[string]any{
		"attempts":  attempts,
		"error":     msg,
		"retryable": false,
	}); err != nil {
		m.logger.Error("record delivery failure", "submission_id", submissionID, "error", err)
		return
	}
	sub.UpdatedAt = now
	sub.UpdatedBy = systemActor()
	if err := m.store.SaveSubmission(ctx, sub); err != nil {
		m.logger.Error("persist delivery failure", "submission_id", submissionID, "error", err)
		return
	}
	m.logger.Error("delivery exhausted",
		"submission_id", submissionID, "attempts", attempts, "error", msg)
	if m.metrics != nil {
		m.metrics.DeliveryExhausted(ctx)
	}
}
