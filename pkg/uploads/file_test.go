package uploads

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSignRequest() SignRequest {
	return SignRequest{
		IntakeID:     "vendor",
		SubmissionID: "sub-1",
		FieldPath:    "w9",
		UploadID:     "up-1",
		Filename:     "w9.pdf",
		MimeType:     "application/pdf",
		SizeBytes:    11,
	}
}

func TestSignRequestKey(t *testing.T) {
	assert.Equal(t, "vendor/sub-1/w9/up-1", testSignRequest().Key())
}

func TestFileBackendRoundTrip(t *testing.T) {
	f, err := NewFileBackend(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)

	grant, err := f.SignUpload(context.Background(), testSignRequest())
	require.NoError(t, err)
	assert.Equal(t, "PUT", grant.Method)
	assert.Equal(t, "http://localhost:8080/uploads/dev/vendor/sub-1/w9/up-1", grant.URL)
	assert.Equal(t, "vendor/sub-1/w9/up-1", grant.StorageKey)

	// Nothing uploaded yet.
	res, err := f.VerifyUpload(context.Background(), grant.StorageKey, 11)
	require.NoError(t, err)
	assert.Equal(t, VerifyPending, res.Status)

	// Client PUTs the bytes.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", grant.URL, strings.NewReader("hello world"))
	f.HandlePut(rec, req, grant.StorageKey)
	require.Equal(t, 200, rec.Code)

	res, err = f.VerifyUpload(context.Background(), grant.StorageKey, 11)
	require.NoError(t, err)
	assert.Equal(t, VerifyCompleted, res.Status)
	assert.Equal(t, int64(11), res.SizeBytes)
}

func TestFileBackendSizeMismatch(t *testing.T) {
	f, err := NewFileBackend(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/uploads/dev/k", strings.NewReader("short"))
	f.HandlePut(rec, req, "vendor/sub-1/w9/up-1")
	require.Equal(t, 200, rec.Code)

	res, err := f.VerifyUpload(context.Background(), "vendor/sub-1/w9/up-1", 9999)
	require.NoError(t, err)
	assert.Equal(t, VerifyFailed, res.Status)
	assert.Contains(t, res.Reason, "size mismatch")
}

func TestFileBackendRefusesTraversal(t *testing.T) {
	f, err := NewFileBackend(t.TempDir(), "http://localhost:8080")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("PUT", "/uploads/dev/x", strings.NewReader("x"))
	f.HandlePut(rec, req, "../../etc/passwd")
	assert.Equal(t, 400, rec.Code)

	_, err = f.VerifyUpload(context.Background(), "../secrets", 0)
	assert.Error(t, err)
}
