package submission

import (
	"context"
	"fmt"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// ReviewRequest is a reviewer's verdict on a submission in needs_review.
type ReviewRequest struct {
	SubmissionID  string                   `json:"-"`
	ResumeToken   string                   `json:"resumeToken"`
	Actor         contracts.Actor          `json:"actor"`
	Action        contracts.ReviewAction   `json:"action"`
	Comment       string                   `json:"comment,omitempty"`
	Reason        string                   `json:"reason,omitempty"`
	FieldComments []contracts.FieldComment `json:"fieldComments,omitempty"`
}

// Review applies a reviewer decision. Approve re-enters the delivery
// pipeline, reject is terminal, request_changes loops the submission back to
// draft with the reviewer's field comments as hints.
func (m *Manager) Review(ctx context.Context, req ReviewRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, intake, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	if env := m.requireStates(sub, contracts.StateNeedsReview); env != nil {
		return env, nil
	}

	decision := contracts.ReviewDecision{
		Action:        req.Action,
		Actor:         req.Actor,
		Timestamp:     m.clock().UTC(),
		Comment:       req.Comment,
		Reason:        req.Reason,
		FieldComments: req.FieldComments,
	}

	switch req.Action {
	case contracts.ReviewApprove:
		return m.approve(ctx, sub, intake, decision)
	case contracts.ReviewReject:
		if req.Reason == "" {
			return fail(contracts.ErrTypeInvalidRequest, "rejection requires a reason").
				withSubmission(sub), nil
		}
		return m.reject(ctx, sub, decision)
	case contracts.ReviewRequestChanges:
		return m.requestChanges(ctx, sub, intake, decision)
	}
	return fail(contracts.ErrTypeInvalidRequest,
		fmt.Sprintf("unknown review action %q", req.Action)).withSubmission(sub), nil
}

func (m *Manager) approve(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition, decision contracts.ReviewDecision) (*Envelope, error) {
	if err := m.transition(sub, contracts.StateApproved); err != nil {
		return nil, err
	}
	sub.ReviewDecisions = append(sub.ReviewDecisions, decision)
	if err := m.emit(ctx, sub, decision.Actor, contracts.EventReviewApproved, map[string]any{
		"comment": decision.Comment,
	}); err != nil {
		return nil, err
	}

	// Approved submissions go straight back into the delivery pipeline.
	if err := m.transition(sub, contracts.StateSubmitted); err != nil {
		return nil, err
	}
	if err := m.touch(ctx, sub, decision.Actor); err != nil {
		return nil, err
	}
	m.logger.Info("submission approved",
		"submission_id", sub.ID, "reviewer", decision.Actor.ID)
	m.enqueueDelivery(ctx, sub, intake)
	return ok(sub), nil
}

func (m *Manager) reject(ctx context.Context, sub *contracts.Submission, decision contracts.ReviewDecision) (*Envelope, error) {
	if err := m.transition(sub, contracts.StateRejected); err != nil {
		return nil, err
	}
	sub.ReviewDecisions = append(sub.ReviewDecisions, decision)
	if err := m.emit(ctx, sub, decision.Actor, contracts.EventReviewRejected, map[string]any{
		"reason": decision.Reason,
	}); err != nil {
		return nil, err
	}
	if err := m.touch(ctx, sub, decision.Actor); err != nil {
		return nil, err
	}
	m.logger.Info("submission rejected",
		"submission_id", sub.ID, "reviewer", decision.Actor.ID, "reason", decision.Reason)
	return ok(sub), nil
}

func (m *Manager) requestChanges(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition, decision contracts.ReviewDecision) (*Envelope, error) {
	if err := m.transition(sub, contracts.StateDraft); err != nil {
		return nil, err
	}
	sub.ReviewDecisions = append(sub.ReviewDecisions, decision)

	payload := map[string]any{"comment": decision.Comment}
	if len(decision.FieldComments) > 0 {
		payload["fieldComments"] = decision.FieldComments
	}
	if err := m.emit(ctx, sub, decision.Actor, contracts.EventReviewChanges, payload); err != nil {
		return nil, err
	}
	if err := m.touch(ctx, sub, decision.Actor); err != nil {
		return nil, err
	}
	m.logger.Info("changes requested",
		"submission_id", sub.ID, "reviewer", decision.Actor.ID)

	env := ok(sub)
	for _, fc := range decision.FieldComments {
		env.NextActions = append(env.NextActions, contracts.NextAction{
			Action: contracts.ActionCollectField,
			Field:  fc.FieldPath,
		})
	}
	m.attachProgressHints(env, sub, intake)
	return env, nil
}

// attachProgressHints merges standard progress hints without clobbering
// hints already present on the envelope.
func (m *Manager) attachProgressHints(env *Envelope, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	existing := env.NextActions
	m.attachProgress(env, sub, intake)
	env.NextActions = append(existing, env.NextActions...)
}
