package uploads

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// BackendType selects the upload storage backend.
type BackendType string

const (
	BackendFile BackendType = "file"
	BackendS3   BackendType = "s3"
	BackendGCS  BackendType = "gcs"
)

// NewBackendFromEnv creates an upload backend based on environment variables.
//
//   - FORMBRIDGE_UPLOAD_BACKEND: "file" (default), "s3", or "gcs"
//   - FORMBRIDGE_DATA_DIR: base directory for the file backend (default "data")
//   - FORMBRIDGE_BASE_URL: external base URL, used by the file backend
//
// For S3:
//   - FORMBRIDGE_S3_BUCKET (required)
//   - FORMBRIDGE_S3_REGION or AWS_REGION
//   - FORMBRIDGE_S3_ENDPOINT (optional, for MinIO/LocalStack)
//   - FORMBRIDGE_S3_PREFIX (optional)
//
// For GCS (requires the gcp build tag):
//   - FORMBRIDGE_GCS_BUCKET (required)
//   - FORMBRIDGE_GCS_PREFIX (optional)
func NewBackendFromEnv(ctx context.Context) (Backend, error) {
	kind := BackendType(os.Getenv("FORMBRIDGE_UPLOAD_BACKEND"))
	if kind == "" {
		kind = BackendFile
	}

	switch kind {
	case BackendFile:
		return newFileBackendFromEnv()
	case BackendS3:
		return newS3BackendFromEnv(ctx)
	case BackendGCS:
		return newGCSBackendFromEnv(ctx)
	default:
		return nil, fmt.Errorf("unsupported upload backend: %s", kind)
	}
}

func newFileBackendFromEnv() (Backend, error) {
	dataDir := os.Getenv("FORMBRIDGE_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	baseURL := os.Getenv("FORMBRIDGE_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return NewFileBackend(filepath.Join(dataDir, "uploads"), baseURL)
}

func newS3BackendFromEnv(ctx context.Context) (Backend, error) {
	bucket := os.Getenv("FORMBRIDGE_S3_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("FORMBRIDGE_S3_BUCKET is required for S3 uploads")
	}
	region := os.Getenv("FORMBRIDGE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}
	return NewS3Backend(ctx, S3Config{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("FORMBRIDGE_S3_ENDPOINT"),
		Prefix:   os.Getenv("FORMBRIDGE_S3_PREFIX"),
	})
}
