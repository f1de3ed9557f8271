package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// WebhookSender POSTs the payload to the destination URL. When a signing
// secret is configured, the body is authenticated with an HMAC-SHA256
// signature the receiver can verify.
type WebhookSender struct {
	client *http.Client
	secret []byte
}

// NewWebhookSender creates a webhook sender. secret may be empty, which
// disables signing.
func NewWebhookSender(secret string) *WebhookSender {
	return &WebhookSender{
		client: &http.Client{Timeout: 30 * time.Second},
		secret: []byte(secret),
	}
}

func (w *WebhookSender) Send(ctx context.Context, dest contracts.Destination, submissionID string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-FormBridge-Submission-Id", submissionID)
	if len(w.secret) > 0 {
		req.Header.Set("X-FormBridge-Signature", Sign(w.secret, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature header value for a body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature header against the body.
// Exposed for receivers written against this package.
func VerifySignature(secret, body []byte, header string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(header))
}
