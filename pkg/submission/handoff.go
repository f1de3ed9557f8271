package submission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/store"
	"github.com/formbridge/formbridge/pkg/token"
)

// HandoffRequest issues a resumable link for transferring a submission to
// another actor (typically agent -> human).
type HandoffRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
}

// Handoff returns a link embedding the current resume token, recording that
// it was issued. Issuing is not a mutation: the token does not rotate, so the
// issuer keeps write capability until whoever holds the link writes first.
func (m *Manager) Handoff(ctx context.Context, req HandoffRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, _, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}

	if err := m.emit(ctx, sub, req.Actor, contracts.EventHandoffLinkIssued, nil); err != nil {
		return nil, err
	}

	env = ok(sub)
	env.HandoffURL = fmt.Sprintf("%s/resume?token=%s",
		strings.TrimSuffix(m.baseURL, "/"), url.QueryEscape(sub.ResumeToken))
	m.logger.Info("handoff link issued", "submission_id", sub.ID, "actor", req.Actor.ID)
	return env, nil
}

// PeekByToken retrieves the submission behind a resume token without
// consuming it and without leaving an audit event. Used by a browser opening
// a handoff link before the human decides to take over.
func (m *Manager) PeekByToken(ctx context.Context, resumeToken string) (*Envelope, error) {
	probe, err := m.store.GetByResumeToken(ctx, resumeToken)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			return fail(contracts.ErrTypeInvalidResumeToken, "resume token is not valid"), nil
		}
		return nil, err
	}

	m.locks.lock(probe.ID)
	defer m.locks.unlock(probe.ID)

	sub, err := m.store.GetSubmission(ctx, probe.ID)
	if err != nil {
		return nil, err
	}
	if !token.Equal(resumeToken, sub.ResumeToken) {
		return fail(contracts.ErrTypeInvalidResumeToken, "resume token is not valid"), nil
	}
	if err := m.expireLocked(ctx, sub); err != nil {
		return nil, err
	}
	if env := m.refuseTerminal(sub); env != nil {
		return env, nil
	}

	intake, err := m.registry.Get(sub.IntakeID)
	if err != nil {
		return nil, fmt.Errorf("intake %q vanished from registry: %w", sub.IntakeID, err)
	}
	env := ok(sub)
	env.Submission = sub
	m.attachProgress(env, sub, intake)
	return env, nil
}

// Resume records that a handoff link was redeemed. It emits handoff.resumed
// and mutates nothing: the presented token stays current until the resuming
// actor's first write rotates it.
func (m *Manager) Resume(ctx context.Context, resumeToken string, actor contracts.Actor) (*Envelope, error) {
	if !actor.Valid() {
		return fail(contracts.ErrTypeInvalidRequest, "actor is missing or malformed"), nil
	}

	probe, err := m.store.GetByResumeToken(ctx, resumeToken)
	if err != nil {
		if errors.Is(err, store.ErrSubmissionNotFound) {
			return fail(contracts.ErrTypeInvalidResumeToken, "resume token is not valid"), nil
		}
		return nil, err
	}

	m.locks.lock(probe.ID)
	defer m.locks.unlock(probe.ID)

	// Re-resolve under the lock; the token may have rotated since the probe.
	sub, intake, env, err := m.resolve(ctx, probe.ID, resumeToken, actor)
	if env != nil || err != nil {
		return env, err
	}

	if err := m.emit(ctx, sub, actor, contracts.EventHandoffResumed, nil); err != nil {
		return nil, err
	}
	m.logger.Info("submission resumed", "submission_id", sub.ID, "actor", actor.ID)

	env = ok(sub)
	env.Submission = sub
	m.attachProgress(env, sub, intake)
	return env, nil
}
