package submission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/uploads"
)

func createDocs(t *testing.T, f *fixture) *Envelope {
	t.Helper()
	return f.create(t, CreateRequest{
		IntakeID: "docs", Actor: agent(),
		Fields: map[string]any{"legalName": "Acme Corp"},
	})
}

func requestW9(t *testing.T, f *fixture, id, tok string) *Envelope {
	t.Helper()
	env, err := f.manager.RequestUpload(context.Background(), RequestUploadRequest{
		SubmissionID: id,
		ResumeToken:  tok,
		Actor:        agent(),
		FieldPath:    "w9",
		Filename:     "w9.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    42,
	})
	require.NoError(t, err)
	require.Nil(t, env.Error, "request upload failed: %+v", env.Error)
	return env
}

func TestRequestUploadGrant(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)

	env := requestW9(t, f, created.SubmissionID, created.ResumeToken)
	assert.Equal(t, contracts.StateAwaitingUpload, env.State)
	assert.NotEqual(t, created.ResumeToken, env.ResumeToken)

	grant := env.Upload
	require.NotNil(t, grant)
	assert.NotEmpty(t, grant.UploadID)
	assert.Equal(t, "PUT", grant.Method)
	assert.Contains(t, grant.URL, created.SubmissionID)
	assert.Equal(t, int64((15 * time.Minute).Milliseconds()), grant.ExpiresInMs)
	assert.Equal(t, []string{"application/pdf"}, grant.Constraints.Accept)
	assert.Equal(t, int64(1000), grant.Constraints.MaxBytes)

	assert.Contains(t, f.eventTypes(t, created.SubmissionID), contracts.EventUploadRequested)
}

func TestRequestUploadNonFileField(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)

	env, err := f.manager.RequestUpload(context.Background(), RequestUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		FieldPath:    "legalName",
		Filename:     "x.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    10,
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalidRequest, env.Error.Type)
}

func TestRequestUploadConstraintViolations(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)

	tooBig, err := f.manager.RequestUpload(context.Background(), RequestUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		FieldPath:    "w9",
		Filename:     "w9.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    2000,
	})
	require.NoError(t, err)
	require.NotNil(t, tooBig.Error)
	require.NotEmpty(t, tooBig.Error.Fields)
	assert.Equal(t, contracts.FieldErrFileTooLarge, tooBig.Error.Fields[0].Code)

	wrongType, err := f.manager.RequestUpload(context.Background(), RequestUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		FieldPath:    "w9",
		Filename:     "w9.exe",
		MimeType:     "application/octet-stream",
		SizeBytes:    10,
	})
	require.NoError(t, err)
	require.NotNil(t, wrongType.Error)
	require.NotEmpty(t, wrongType.Error.Fields)
	assert.Equal(t, contracts.FieldErrFileWrongType, wrongType.Error.Fields[0].Code)

	// Rejections do not rotate the token or change state.
	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, created.ResumeToken, sub.ResumeToken)
	assert.Equal(t, contracts.StateInProgress, sub.State)
}

func TestSubmitBlockedWhileAwaitingUpload(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)
	granted := requestW9(t, f, created.SubmissionID, created.ResumeToken)

	env, err := f.manager.Submit(context.Background(), SubmitRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  granted.ResumeToken,
		Actor:        agent(),
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeUploadPending, env.Error.Type)
	require.NotEmpty(t, env.Error.NextActions)
	assert.Equal(t, "w9", env.Error.NextActions[0].Field)
}

func TestConfirmUploadPendingIsRetryable(t *testing.T) {
	f := newFixture(t)
	f.backend.verify = uploads.VerifyResult{Status: uploads.VerifyPending}
	created := createDocs(t, f)
	granted := requestW9(t, f, created.SubmissionID, created.ResumeToken)

	env, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  granted.ResumeToken,
		Actor:        agent(),
		UploadID:     granted.Upload.UploadID,
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeUploadPending, env.Error.Type)
	assert.True(t, env.Error.Retryable)
	assert.Equal(t, int64(2000), env.Error.RetryAfterMs)

	// Not a mutation: same token, still awaiting.
	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, granted.ResumeToken, sub.ResumeToken)
	assert.Equal(t, contracts.StateAwaitingUpload, sub.State)
}

func TestConfirmUploadVerificationFailure(t *testing.T) {
	f := newFixture(t)
	f.backend.verify = uploads.VerifyResult{Status: uploads.VerifyFailed, Reason: "size mismatch"}
	created := createDocs(t, f)
	granted := requestW9(t, f, created.SubmissionID, created.ResumeToken)

	env, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  granted.ResumeToken,
		Actor:        agent(),
		UploadID:     granted.Upload.UploadID,
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalid, env.Error.Type)
	require.NotEmpty(t, env.Error.NextActions)
	assert.Equal(t, contracts.ActionRequestUpload, env.Error.NextActions[0].Action)
	assert.Contains(t, f.eventTypes(t, created.SubmissionID), contracts.EventUploadFailed)

	// Failed confirmation keeps the token so the caller can renegotiate.
	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, granted.ResumeToken, sub.ResumeToken)
	assert.Equal(t, contracts.UploadFailed, sub.Uploads[granted.Upload.UploadID].Status)

	// A fresh negotiation succeeds.
	f.backend.verify = uploads.VerifyResult{Status: uploads.VerifyCompleted, SizeBytes: 42}
	requestW9(t, f, created.SubmissionID, granted.ResumeToken)
}

func TestConfirmUploadCompletesField(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)
	granted := requestW9(t, f, created.SubmissionID, created.ResumeToken)

	env, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  granted.ResumeToken,
		Actor:        human(),
		UploadID:     granted.Upload.UploadID,
	})
	require.NoError(t, err)
	require.Nil(t, env.Error)
	assert.Equal(t, contracts.StateInProgress, env.State)
	assert.NotEqual(t, granted.ResumeToken, env.ResumeToken)
	assert.NotContains(t, env.Missing, "w9")

	sub, err := f.store.GetSubmission(context.Background(), created.SubmissionID)
	require.NoError(t, err)
	fileValue, okVal := sub.Fields["w9"].(map[string]any)
	require.True(t, okVal)
	assert.Equal(t, "w9.pdf", fileValue["filename"])
	assert.Equal(t, int64(42), fileValue["sizeBytes"])
	assert.Equal(t, human(), sub.FieldAttribution["w9"])
	assert.Contains(t, f.eventTypes(t, created.SubmissionID), contracts.EventUploadCompleted)

	// Confirming again is an idempotent success, not a second completion.
	again, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  env.ResumeToken,
		Actor:        human(),
		UploadID:     granted.Upload.UploadID,
	})
	require.NoError(t, err)
	require.Nil(t, again.Error)
	assert.Equal(t, env.ResumeToken, again.ResumeToken)

	// The completed upload satisfies full validation.
	submitted, err := f.manager.Submit(context.Background(), SubmitRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  again.ResumeToken,
		Actor:        human(),
	})
	require.NoError(t, err)
	require.Nil(t, submitted.Error)
	assert.Equal(t, contracts.StateSubmitted, submitted.State)
}

func TestConfirmUploadAfterGrantExpiry(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)
	granted := requestW9(t, f, created.SubmissionID, created.ResumeToken)

	f.clock.Advance(16 * time.Minute)

	env, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  granted.ResumeToken,
		Actor:        agent(),
		UploadID:     granted.Upload.UploadID,
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeInvalid, env.Error.Type)
	assert.Contains(t, env.Error.Message, "expired")
}

func TestConfirmUnknownUpload(t *testing.T) {
	f := newFixture(t)
	created := createDocs(t, f)

	env, err := f.manager.ConfirmUpload(context.Background(), ConfirmUploadRequest{
		SubmissionID: created.SubmissionID,
		ResumeToken:  created.ResumeToken,
		Actor:        agent(),
		UploadID:     "ghost",
	})
	require.NoError(t, err)
	require.NotNil(t, env.Error)
	assert.Equal(t, contracts.ErrTypeNotFound, env.Error.Type)
}

func TestMimeAccepted(t *testing.T) {
	assert.True(t, mimeAccepted([]string{"application/pdf"}, "application/pdf"))
	assert.True(t, mimeAccepted([]string{"image/*"}, "image/png"))
	assert.True(t, mimeAccepted([]string{"*/*"}, "application/zip"))
	assert.False(t, mimeAccepted([]string{"image/*"}, "application/pdf"))
	assert.False(t, mimeAccepted([]string{"image/png"}, "image/jpeg"))
	assert.False(t, mimeAccepted(nil, "image/png"))
}
