package uploads

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend negotiates uploads against an S3 (or S3-compatible) bucket using
// presigned PUT URLs. The service never proxies file bytes.
type S3Backend struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	prefix    string
}

// S3Config holds the connection settings for an S3 backend.
type S3Config struct {
	Bucket   string
	Region   string
	Endpoint string // optional, for MinIO/LocalStack
	Prefix   string // optional key prefix
}

// NewS3Backend creates an S3 upload backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // required for MinIO/LocalStack
		}
	}
	client := s3.NewFromConfig(awsCfg, clientOpts)

	return &S3Backend{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.Bucket,
		prefix:    cfg.Prefix,
	}, nil
}

func (s *S3Backend) SignUpload(ctx context.Context, req SignRequest) (*SignedUpload, error) {
	key := s.prefix + req.Key()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if req.MimeType != "" {
		input.ContentType = aws.String(req.MimeType)
	}

	presigned, err := s.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(signTTL))
	if err != nil {
		return nil, fmt.Errorf("presign put for %s: %w", key, err)
	}

	headers := make(map[string]string, len(presigned.SignedHeader))
	for name, values := range presigned.SignedHeader {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}

	return &SignedUpload{
		Method:     presigned.Method,
		URL:        presigned.URL,
		Headers:    headers,
		ExpiresIn:  signTTL,
		StorageKey: key,
	}, nil
}

func (s *S3Backend) VerifyUpload(ctx context.Context, storageKey string, expectedBytes int64) (*VerifyResult, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(storageKey),
	})
	if err != nil {
		// HeadObject on a missing key is the common case: the client has not
		// uploaded yet.
		return &VerifyResult{Status: VerifyPending, Reason: "object not found"}, nil
	}

	size := aws.ToInt64(head.ContentLength)
	if expectedBytes > 0 && size != expectedBytes {
		return &VerifyResult{
			Status:    VerifyFailed,
			SizeBytes: size,
			Reason:    fmt.Sprintf("size mismatch: got %d bytes, declared %d", size, expectedBytes),
		}, nil
	}
	return &VerifyResult{Status: VerifyCompleted, SizeBytes: size}, nil
}
