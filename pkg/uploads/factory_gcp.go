//go:build gcp

package uploads

import (
	"context"
	"fmt"
	"os"
)

func newGCSBackendFromEnv(ctx context.Context) (Backend, error) {
	bucket := os.Getenv("FORMBRIDGE_GCS_BUCKET")
	if bucket == "" {
		return nil, fmt.Errorf("FORMBRIDGE_GCS_BUCKET is required for GCS uploads")
	}
	return NewGCSBackend(ctx, GCSConfig{
		Bucket: bucket,
		Prefix: os.Getenv("FORMBRIDGE_GCS_PREFIX"),
	})
}
