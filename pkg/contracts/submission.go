package contracts

import (
	"encoding/json"
	"time"
)

// State is a submission lifecycle state. StateCreated is retained in the enum
// for event-log back-compat only; it is normalized to StateDraft on input and
// never emitted.
type State string

const (
	StateCreated        State = "created"
	StateDraft          State = "draft"
	StateInProgress     State = "in_progress"
	StateAwaitingUpload State = "awaiting_upload"
	StateSubmitted      State = "submitted"
	StateNeedsReview    State = "needs_review"
	StateApproved       State = "approved"
	StateRejected       State = "rejected"
	StateFinalized      State = "finalized"
	StateCancelled      State = "cancelled"
	StateExpired        State = "expired"
)

// UploadStatus is the lifecycle of a negotiated upload.
type UploadStatus string

const (
	UploadPending   UploadStatus = "pending"
	UploadCompleted UploadStatus = "completed"
	UploadFailed    UploadStatus = "failed"
)

// UploadRecord tracks one negotiated file upload on a submission.
type UploadRecord struct {
	UploadID   string       `json:"uploadId"`
	FieldPath  string       `json:"fieldPath"`
	Filename   string       `json:"filename"`
	MimeType   string       `json:"mimeType"`
	SizeBytes  int64        `json:"sizeBytes"`
	Status     UploadStatus `json:"status"`
	StorageKey string       `json:"storageKey,omitempty"`
	UploadedAt *time.Time   `json:"uploadedAt,omitempty"`
	ExpiresAt  time.Time    `json:"expiresAt"`
}

// ReviewAction is a reviewer's verdict on a submission in needs_review.
type ReviewAction string

const (
	ReviewApprove        ReviewAction = "approve"
	ReviewReject         ReviewAction = "reject"
	ReviewRequestChanges ReviewAction = "request_changes"
)

// FieldComment attaches reviewer feedback to a single field path.
type FieldComment struct {
	FieldPath string `json:"fieldPath"`
	Comment   string `json:"comment"`
}

// ReviewDecision records one reviewer action. Decisions are append-only on
// the submission.
type ReviewDecision struct {
	Action        ReviewAction   `json:"action"`
	Actor         Actor          `json:"actor"`
	Timestamp     time.Time      `json:"timestamp"`
	Comment       string         `json:"comment,omitempty"`
	Reason        string         `json:"reason,omitempty"`
	FieldComments []FieldComment `json:"fieldComments,omitempty"`
}

// DeliveryFailure is surfaced on reads after the delivery engine has
// exhausted its attempts. The submission stays in submitted so operators
// can act.
type DeliveryFailure struct {
	Attempts int       `json:"attempts"`
	LastErr  string    `json:"lastError"`
	FailedAt time.Time `json:"failedAt"`
}

// Submission is the root aggregate. The authoritative event stream lives in
// the event log; Events here is a read-time view.
type Submission struct {
	ID               string                     `json:"id"`
	IntakeID         string                     `json:"intakeId"`
	State            State                      `json:"state"`
	ResumeToken      string                     `json:"resumeToken"`
	CreatedAt        time.Time                  `json:"createdAt"`
	UpdatedAt        time.Time                  `json:"updatedAt"`
	ExpiresAt        *time.Time                 `json:"expiresAt,omitempty"`
	Fields           map[string]any             `json:"fields"`
	FieldAttribution map[string]Actor           `json:"fieldAttribution"`
	Uploads          map[string]*UploadRecord   `json:"uploads,omitempty"`
	CreatedBy        Actor                      `json:"createdBy"`
	UpdatedBy        Actor                      `json:"updatedBy"`
	IdempotencyKeys  []string                   `json:"idempotencyKeys,omitempty"`
	ReviewDecisions  []ReviewDecision           `json:"reviewDecisions,omitempty"`
	DeliveryFailed   *DeliveryFailure           `json:"deliveryFailed,omitempty"`
	Events           []Event                    `json:"events,omitempty"`
	ReplayResponses  map[string]json.RawMessage `json:"-"`
}

// Terminal reports whether the state permits no further writes.
func (s State) Terminal() bool {
	switch s {
	case StateFinalized, StateCancelled, StateExpired, StateRejected:
		return true
	}
	return false
}

// HasIdempotencyKey reports whether the submission has already honored key.
func (s *Submission) HasIdempotencyKey(key string) bool {
	for _, k := range s.IdempotencyKeys {
		if k == key {
			return true
		}
	}
	return false
}

// PendingUploads returns the uploads still awaiting confirmation.
func (s *Submission) PendingUploads() []*UploadRecord {
	var pending []*UploadRecord
	for _, u := range s.Uploads {
		if u.Status == UploadPending {
			pending = append(pending, u)
		}
	}
	return pending
}

// Expired reports whether the submission's TTL has elapsed at now.
func (s *Submission) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && s.ExpiresAt.Before(now)
}

// Clone returns a deep copy so in-memory storage never hands out aliased
// mutable state.
func (s *Submission) Clone() *Submission {
	cp := *s
	cp.Fields = cloneMap(s.Fields)
	cp.FieldAttribution = make(map[string]Actor, len(s.FieldAttribution))
	for k, v := range s.FieldAttribution {
		cp.FieldAttribution[k] = v
	}
	if s.Uploads != nil {
		cp.Uploads = make(map[string]*UploadRecord, len(s.Uploads))
		for k, v := range s.Uploads {
			u := *v
			cp.Uploads[k] = &u
		}
	}
	cp.IdempotencyKeys = append([]string(nil), s.IdempotencyKeys...)
	cp.ReviewDecisions = append([]ReviewDecision(nil), s.ReviewDecisions...)
	if s.DeliveryFailed != nil {
		df := *s.DeliveryFailed
		cp.DeliveryFailed = &df
	}
	if s.ReplayResponses != nil {
		cp.ReplayResponses = make(map[string]json.RawMessage, len(s.ReplayResponses))
		for k, v := range s.ReplayResponses {
			cp.ReplayResponses[k] = append(json.RawMessage(nil), v...)
		}
	}
	cp.Events = append([]Event(nil), s.Events...)
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
