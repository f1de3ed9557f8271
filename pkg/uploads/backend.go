// Package uploads negotiates two-phase file uploads against pluggable
// object-storage backends. Phase one issues a signed URL the client PUTs
// bytes to; phase two verifies the object landed and within constraints.
package uploads

import (
	"context"
	"fmt"
	"time"
)

// VerifyStatus is the backend's view of a negotiated upload.
type VerifyStatus string

const (
	VerifyPending   VerifyStatus = "pending"
	VerifyCompleted VerifyStatus = "completed"
	VerifyFailed    VerifyStatus = "failed"
	VerifyExpired   VerifyStatus = "expired"
)

// SignRequest identifies the upload slot being negotiated.
type SignRequest struct {
	IntakeID     string
	SubmissionID string
	FieldPath    string
	UploadID     string
	Filename     string
	MimeType     string
	SizeBytes    int64
}

// Key builds the storage key for the slot. The tuple is the identity of the
// upload; retries of the same slot overwrite the same object.
func (r SignRequest) Key() string {
	return fmt.Sprintf("%s/%s/%s/%s", r.IntakeID, r.SubmissionID, r.FieldPath, r.UploadID)
}

// SignedUpload is what the client needs to perform the upload.
type SignedUpload struct {
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	ExpiresIn  time.Duration     `json:"-"`
	StorageKey string            `json:"-"`
}

// VerifyResult reports the outcome of a verification probe.
type VerifyResult struct {
	Status    VerifyStatus
	SizeBytes int64
	Reason    string
}

// Backend is a pluggable object store capable of signed-URL negotiation.
type Backend interface {
	SignUpload(ctx context.Context, req SignRequest) (*SignedUpload, error)
	VerifyUpload(ctx context.Context, storageKey string, expectedBytes int64) (*VerifyResult, error)
}

// signTTL is how long issued upload URLs stay valid.
const signTTL = 15 * time.Minute
