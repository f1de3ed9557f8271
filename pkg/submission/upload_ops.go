package submission

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/uploads"
)

// RequestUploadRequest negotiates a signed upload for one file field.
type RequestUploadRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
	FieldPath    string          `json:"fieldPath"`
	Filename     string          `json:"filename"`
	MimeType     string          `json:"mimeType"`
	SizeBytes    int64           `json:"sizeBytes"`
}

// ConfirmUploadRequest closes the loop on a negotiated upload.
type ConfirmUploadRequest struct {
	SubmissionID string          `json:"-"`
	ResumeToken  string          `json:"resumeToken"`
	Actor        contracts.Actor `json:"actor"`
	UploadID     string          `json:"uploadId"`
}

// RequestUpload validates the declared file against the field's constraints
// and returns a signed URL the caller uploads to directly. The submission
// moves to awaiting_upload until every negotiated upload is confirmed.
func (m *Manager) RequestUpload(ctx context.Context, req RequestUploadRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, intake, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	if env := m.requireStates(sub, contracts.StateDraft, contracts.StateInProgress, contracts.StateAwaitingUpload); env != nil {
		return env, nil
	}
	if m.uploads == nil {
		return nil, fmt.Errorf("no upload backend configured")
	}

	fi, err := m.validator.FileField(intake.Schema, req.FieldPath)
	if err != nil {
		return nil, err
	}
	if fi == nil {
		return fail(contracts.ErrTypeInvalidRequest,
			fmt.Sprintf("field %q is not a declared file field", req.FieldPath)).withSubmission(sub), nil
	}

	var fieldErrs []contracts.FieldError
	if fi.MaxBytes > 0 && req.SizeBytes > fi.MaxBytes {
		fieldErrs = append(fieldErrs, contracts.FieldError{
			Path:     req.FieldPath,
			Code:     contracts.FieldErrFileTooLarge,
			Message:  fmt.Sprintf("declared size %d exceeds limit %d", req.SizeBytes, fi.MaxBytes),
			Expected: fmt.Sprintf("<= %d bytes", fi.MaxBytes),
			Received: fmt.Sprintf("%d bytes", req.SizeBytes),
		})
	}
	if len(fi.Accept) > 0 && !mimeAccepted(fi.Accept, req.MimeType) {
		fieldErrs = append(fieldErrs, contracts.FieldError{
			Path:     req.FieldPath,
			Code:     contracts.FieldErrFileWrongType,
			Message:  fmt.Sprintf("mime type %q is not accepted", req.MimeType),
			Expected: strings.Join(fi.Accept, ", "),
			Received: req.MimeType,
		})
	}
	if len(fieldErrs) > 0 {
		return fail(contracts.ErrTypeValidation, "file constraints not met").
			withFieldErrors(fieldErrs).withSubmission(sub), nil
	}

	uploadID := uuid.NewString()
	grant, err := m.uploads.SignUpload(ctx, uploads.SignRequest{
		IntakeID:     sub.IntakeID,
		SubmissionID: sub.ID,
		FieldPath:    req.FieldPath,
		UploadID:     uploadID,
		Filename:     req.Filename,
		MimeType:     req.MimeType,
		SizeBytes:    req.SizeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("sign upload: %w", err)
	}

	now := m.clock().UTC()
	if sub.Uploads == nil {
		sub.Uploads = make(map[string]*contracts.UploadRecord)
	}
	sub.Uploads[uploadID] = &contracts.UploadRecord{
		UploadID:   uploadID,
		FieldPath:  req.FieldPath,
		Filename:   req.Filename,
		MimeType:   req.MimeType,
		SizeBytes:  req.SizeBytes,
		Status:     contracts.UploadPending,
		StorageKey: grant.StorageKey,
		ExpiresAt:  now.Add(grant.ExpiresIn),
	}

	if sub.State != contracts.StateAwaitingUpload {
		if err := m.transition(sub, contracts.StateAwaitingUpload); err != nil {
			return nil, err
		}
	}
	if err := m.emit(ctx, sub, req.Actor, contracts.EventUploadRequested, map[string]any{
		"uploadId":  uploadID,
		"fieldPath": req.FieldPath,
		"filename":  req.Filename,
		"mimeType":  req.MimeType,
		"sizeBytes": req.SizeBytes,
	}); err != nil {
		return nil, err
	}
	if err := m.touch(ctx, sub, req.Actor); err != nil {
		return nil, err
	}

	env = ok(sub)
	env.Upload = &UploadGrant{
		UploadID:    uploadID,
		Method:      grant.Method,
		URL:         grant.URL,
		Headers:     grant.Headers,
		ExpiresInMs: grant.ExpiresIn.Milliseconds(),
		Constraints: UploadConstraints{Accept: fi.Accept, MaxBytes: fi.MaxBytes},
	}
	return env, nil
}

// ConfirmUpload verifies the bytes landed in storage. A still-missing object
// is a retryable upload_pending error; verification failure marks the upload
// failed and invites a fresh negotiation. Neither failure rotates the token,
// so the caller can retry with the credentials it already holds.
func (m *Manager) ConfirmUpload(ctx context.Context, req ConfirmUploadRequest) (*Envelope, error) {
	m.locks.lock(req.SubmissionID)
	defer m.locks.unlock(req.SubmissionID)

	sub, intake, env, err := m.resolve(ctx, req.SubmissionID, req.ResumeToken, req.Actor)
	if env != nil || err != nil {
		return env, err
	}
	rec, okRec := sub.Uploads[req.UploadID]
	if !okRec {
		return fail(contracts.ErrTypeNotFound,
			fmt.Sprintf("no negotiated upload %q", req.UploadID)).withSubmission(sub), nil
	}
	if rec.Status == contracts.UploadCompleted {
		env := ok(sub)
		m.attachProgress(env, sub, intake)
		return env, nil
	}
	if m.uploads == nil {
		return nil, fmt.Errorf("no upload backend configured")
	}

	now := m.clock().UTC()
	if now.After(rec.ExpiresAt) {
		return m.failUpload(ctx, sub, rec, req.Actor, "upload grant expired before confirmation")
	}

	res, err := m.uploads.VerifyUpload(ctx, rec.StorageKey, rec.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("verify upload %s: %w", req.UploadID, err)
	}
	switch res.Status {
	case uploads.VerifyPending:
		return fail(contracts.ErrTypeUploadPending, "upload has not arrived in storage yet").
			withSubmission(sub).
			retryable(2000), nil
	case uploads.VerifyFailed, uploads.VerifyExpired:
		return m.failUpload(ctx, sub, rec, req.Actor, res.Reason)
	}

	rec.Status = contracts.UploadCompleted
	uploadedAt := now
	rec.UploadedAt = &uploadedAt
	sub.Fields[rec.FieldPath] = map[string]any{
		"filename":   rec.Filename,
		"mimeType":   rec.MimeType,
		"sizeBytes":  res.SizeBytes,
		"storageKey": rec.StorageKey,
	}
	sub.FieldAttribution[rec.FieldPath] = req.Actor

	if err := m.emit(ctx, sub, req.Actor, contracts.EventUploadCompleted, map[string]any{
		"uploadId":  rec.UploadID,
		"fieldPath": rec.FieldPath,
		"sizeBytes": res.SizeBytes,
	}); err != nil {
		return nil, err
	}

	if len(sub.PendingUploads()) == 0 && sub.State == contracts.StateAwaitingUpload {
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

// failUpload records the failure and persists it without rotating the token.
func (m *Manager) failUpload(ctx context.Context, sub *contracts.Submission, rec *contracts.UploadRecord, actor contracts.Actor, reason string) (*Envelope, error) {
	rec.Status = contracts.UploadFailed
	if err := m.emit(ctx, sub, actor, contracts.EventUploadFailed, map[string]any{
		"uploadId":  rec.UploadID,
		"fieldPath": rec.FieldPath,
		"reason":    reason,
	}); err != nil {
		return nil, err
	}
	sub.UpdatedAt = m.clock().UTC()
	sub.UpdatedBy = actor
	if err := m.store.SaveSubmission(ctx, sub); err != nil {
		return nil, err
	}

	env := fail(contracts.ErrTypeInvalid, fmt.Sprintf("upload failed: %s", reason)).
		withSubmission(sub)
	env.Error.Fields = []contracts.FieldError{{
		Path:    rec.FieldPath,
		Code:    contracts.FieldErrCustom,
		Message: reason,
	}}
	env.Error.NextActions = []contracts.NextAction{{
		Action: contracts.ActionRequestUpload,
		Field:  rec.FieldPath,
	}}
	return env, nil
}

// mimeAccepted matches a concrete mime type against accept patterns, which
// may be exact ("application/pdf") or wildcard ("image/*").
func mimeAccepted(accept []string, mime string) bool {
	for _, a := range accept {
		if a == mime || a == "*/*" {
			return true
		}
		if prefix, okPrefix := strings.CutSuffix(a, "/*"); okPrefix &&
			strings.HasPrefix(mime, prefix+"/") {
			return true
		}
	}
	return false
}
