//go:build gcp

package uploads

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
)

// GCSBackend negotiates uploads against a Google Cloud Storage bucket using
// V4 signed PUT URLs. Signing uses the ambient service account (ADC); the
// account needs iam.serviceAccounts.signBlob on itself.
type GCSBackend struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds the connection settings for a GCS backend.
type GCSConfig struct {
	Bucket string
	Prefix string
}

// NewGCSBackend creates a GCS upload backend.
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return &GCSBackend{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (g *GCSBackend) SignUpload(ctx context.Context, req SignRequest) (*SignedUpload, error) {
	key := g.prefix + req.Key()

	opts := &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodPut,
		Expires: time.Now().Add(signTTL),
	}
	if req.MimeType != "" {
		opts.ContentType = req.MimeType
	}

	url, err := g.client.Bucket(g.bucket).SignedURL(key, opts)
	if err != nil {
		return nil, fmt.Errorf("sign put for %s: %w", key, err)
	}

	headers := map[string]string{}
	if req.MimeType != "" {
		headers["Content-Type"] = req.MimeType
	}
	return &SignedUpload{
		Method:     http.MethodPut,
		URL:        url,
		Headers:    headers,
		ExpiresIn:  signTTL,
		StorageKey: key,
	}, nil
}

func (g *GCSBackend) VerifyUpload(ctx context.Context, storageKey string, expectedBytes int64) (*VerifyResult, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(storageKey).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return &VerifyResult{Status: VerifyPending, Reason: "object not found"}, nil
		}
		return nil, fmt.Errorf("stat gcs object %s: %w", storageKey, err)
	}
	if expectedBytes > 0 && attrs.Size != expectedBytes {
		return &VerifyResult{
			Status:    VerifyFailed,
			SizeBytes: attrs.Size,
			Reason:    fmt.Sprintf("size mismatch: got %d bytes, declared %d", attrs.Size, expectedBytes),
		}, nil
	}
	return &VerifyResult{Status: VerifyCompleted, SizeBytes: attrs.Size}, nil
}
