package contracts

import "time"

// EventType enumerates everything the core records in the audit log.
//
// EventFieldsUpdated (batched) is accepted on import for back-compat; the
// core emits one EventFieldUpdated per accepted field.
type EventType string

const (
	EventSubmissionCreated   EventType = "submission.created"
	EventFieldUpdated        EventType = "field.updated"
	EventFieldsUpdated       EventType = "fields.updated"
	EventValidationPassed    EventType = "validation.passed"
	EventValidationFailed    EventType = "validation.failed"
	EventUploadRequested     EventType = "upload.requested"
	EventUploadCompleted     EventType = "upload.completed"
	EventUploadFailed        EventType = "upload.failed"
	EventSubmissionSubmitted EventType = "submission.submitted"
	EventReviewRequested     EventType = "review.requested"
	EventReviewApproved      EventType = "review.approved"
	EventReviewRejected      EventType = "review.rejected"
	EventReviewChanges       EventType = "review.changes_requested"
	EventDeliveryAttempted   EventType = "delivery.attempted"
	EventDeliverySucceeded   EventType = "delivery.succeeded"
	EventDeliveryFailed      EventType = "delivery.failed"
	EventSubmissionFinalized EventType = "submission.finalized"
	EventSubmissionCancelled EventType = "submission.cancelled"
	EventSubmissionExpired   EventType = "submission.expired"
	EventHandoffLinkIssued   EventType = "handoff.link_issued"
	EventHandoffResumed      EventType = "handoff.resumed"
)

// Event is a single append-only audit record. Version is assigned by the
// event store and is strictly monotonic per submission starting at 1.
// ContentHash and PrevHash chain the per-submission stream for integrity
// verification; they are audit metadata, not protocol state.
type Event struct {
	EventID      string         `json:"eventId"`
	SubmissionID string         `json:"submissionId"`
	Version      int64          `json:"version"`
	TS           time.Time      `json:"ts"`
	Actor        Actor          `json:"actor"`
	State        State          `json:"state"`
	Type         EventType      `json:"type"`
	Payload      map[string]any `json:"payload,omitempty"`
	ContentHash  string         `json:"contentHash,omitempty"`
	PrevHash     string         `json:"prevHash,omitempty"`
}
