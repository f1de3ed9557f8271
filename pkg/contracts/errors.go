package contracts

// ErrorType is the closed taxonomy of envelope errors.
type ErrorType string

const (
	ErrTypeMissing            ErrorType = "missing"
	ErrTypeInvalid            ErrorType = "invalid"
	ErrTypeConflict           ErrorType = "conflict"
	ErrTypeNeedsApproval      ErrorType = "needs_approval"
	ErrTypeUploadPending      ErrorType = "upload_pending"
	ErrTypeDeliveryFailed     ErrorType = "delivery_failed"
	ErrTypeExpired            ErrorType = "expired"
	ErrTypeCancelled          ErrorType = "cancelled"
	ErrTypeNotFound           ErrorType = "not_found"
	ErrTypeInvalidResumeToken ErrorType = "invalid_resume_token"
	ErrTypeInvalidRequest     ErrorType = "invalid_request"
	ErrTypeValidation         ErrorType = "validation_error"
	ErrTypeInternal           ErrorType = "internal_error"
)

// FieldErrorCode classifies a single field constraint failure.
type FieldErrorCode string

const (
	FieldErrRequired      FieldErrorCode = "required"
	FieldErrInvalidType   FieldErrorCode = "invalid_type"
	FieldErrInvalidFormat FieldErrorCode = "invalid_format"
	FieldErrInvalidValue  FieldErrorCode = "invalid_value"
	FieldErrTooLong       FieldErrorCode = "too_long"
	FieldErrTooShort      FieldErrorCode = "too_short"
	FieldErrFileRequired  FieldErrorCode = "file_required"
	FieldErrFileTooLarge  FieldErrorCode = "file_too_large"
	FieldErrFileWrongType FieldErrorCode = "file_wrong_type"
	FieldErrCustom        FieldErrorCode = "custom"
)

// FieldError is a structured diagnostic for one field path.
type FieldError struct {
	Path     string         `json:"path"`
	Code     FieldErrorCode `json:"code"`
	Message  string         `json:"message"`
	Expected string         `json:"expected,omitempty"`
	Received string         `json:"received,omitempty"`
}

// NextActionKind tells a calling agent what to do next.
type NextActionKind string

const (
	ActionCollectField  NextActionKind = "collect_field"
	ActionRequestUpload NextActionKind = "request_upload"
	ActionRetryDelivery NextActionKind = "retry_delivery"
	ActionCancel        NextActionKind = "cancel"
	ActionWaitForReview NextActionKind = "wait_for_review"
)

// NextAction is a machine-readable hint accompanying responses and envelope
// errors.
type NextAction struct {
	Action   NextActionKind `json:"action"`
	Field    string         `json:"field,omitempty"`
	Accept   []string       `json:"accept,omitempty"`
	MaxBytes int64          `json:"maxBytes,omitempty"`
}

// EnvelopeError is the error payload of the shared envelope. Envelope errors
// are expected protocol outcomes returned in the response body, not Go
// errors; Go errors are reserved for infrastructure faults.
type EnvelopeError struct {
	Type         ErrorType    `json:"type"`
	Message      string       `json:"message"`
	Fields       []FieldError `json:"fields,omitempty"`
	NextActions  []NextAction `json:"nextActions,omitempty"`
	Retryable    bool         `json:"retryable"`
	RetryAfterMs int64        `json:"retryAfterMs,omitempty"`
}

// ErrorEnvelope is the full failure response body shared by all transports.
type ErrorEnvelope struct {
	OK           bool           `json:"ok"`
	SubmissionID string         `json:"submissionId,omitempty"`
	State        State          `json:"state,omitempty"`
	ResumeToken  string         `json:"resumeToken,omitempty"`
	Error        *EnvelopeError `json:"error"`
}

// NewErrorEnvelope builds a failure envelope with ok pinned to false.
func NewErrorEnvelope(t ErrorType, msg string) *ErrorEnvelope {
	return &ErrorEnvelope{OK: false, Error: &EnvelopeError{Type: t, Message: msg}}
}

// WithSubmission attaches submission context to the envelope.
func (e *ErrorEnvelope) WithSubmission(id string, state State) *ErrorEnvelope {
	e.SubmissionID = id
	e.State = state
	return e
}

// WithFields attaches per-field diagnostics.
func (e *ErrorEnvelope) WithFields(fields []FieldError) *ErrorEnvelope {
	e.Error.Fields = fields
	return e
}

// WithNextActions attaches next-action hints.
func (e *ErrorEnvelope) WithNextActions(actions []NextAction) *ErrorEnvelope {
	e.Error.NextActions = actions
	return e
}
