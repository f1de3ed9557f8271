package submission

import (
	"encoding/json"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// UploadGrant is the signed-URL half of an upload negotiation, as returned
// to the caller.
type UploadGrant struct {
	UploadID    string            `json:"uploadId"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	ExpiresInMs int64             `json:"expiresInMs"`
	Constraints UploadConstraints `json:"constraints"`
}

// UploadConstraints echoes the declared limits of the target file field.
type UploadConstraints struct {
	Accept   []string `json:"accept,omitempty"`
	MaxBytes int64    `json:"maxBytes,omitempty"`
}

// Envelope is the uniform response body every operation returns, success or
// failure. Error being non-nil is the failure discriminator; OK mirrors it
// for callers that only look at one bit.
type Envelope struct {
	OK           bool                     `json:"ok"`
	SubmissionID string                   `json:"submissionId,omitempty"`
	State        contracts.State          `json:"state,omitempty"`
	ResumeToken  string                   `json:"resumeToken,omitempty"`
	ExpiresAt    *time.Time               `json:"expiresAt,omitempty"`
	Schema       json.RawMessage          `json:"schema,omitempty"`
	Missing      []string                 `json:"missingFields,omitempty"`
	NextActions  []contracts.NextAction   `json:"nextActions,omitempty"`
	Upload       *UploadGrant             `json:"upload,omitempty"`
	Submission   *contracts.Submission    `json:"submission,omitempty"`
	Events       []contracts.Event        `json:"events,omitempty"`
	HandoffURL   string                   `json:"handoffUrl,omitempty"`
	Error        *contracts.EnvelopeError `json:"error,omitempty"`
}

func ok(sub *contracts.Submission) *Envelope {
	return &Envelope{
		OK:           true,
		SubmissionID: sub.ID,
		State:        sub.State,
		ResumeToken:  sub.ResumeToken,
		ExpiresAt:    sub.ExpiresAt,
	}
}

func fail(t contracts.ErrorType, msg string) *Envelope {
	return &Envelope{Error: &contracts.EnvelopeError{Type: t, Message: msg}}
}

func (e *Envelope) withSubmission(sub *contracts.Submission) *Envelope {
	e.SubmissionID = sub.ID
	e.State = sub.State
	return e
}

func (e *Envelope) withFieldErrors(errs []contracts.FieldError) *Envelope {
	e.Error.Fields = errs
	return e
}

func (e *Envelope) withHints(actions []contracts.NextAction) *Envelope {
	if e.Error != nil {
		e.Error.NextActions = actions
		return e
	}
	e.NextActions = actions
	return e
}

func (e *Envelope) retryable(afterMs int64) *Envelope {
	e.Error.Retryable = true
	e.Error.RetryAfterMs = afterMs
	return e
}
