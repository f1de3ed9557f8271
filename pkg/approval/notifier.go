package approval

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// WebhookNotifier posts a review-requested notice to a configured endpoint.
// Notification is best-effort: failures are logged and swallowed, review
// progress never depends on the endpoint being up.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier for url. A nil-safe zero notifier is
// not provided; callers skip wiring one when no URL is configured.
func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type reviewNotice struct {
	SubmissionID string   `json:"submissionId"`
	IntakeID     string   `json:"intakeId"`
	IntakeName   string   `json:"intakeName"`
	Gates        []string `json:"gates,omitempty"`
	Reviewers    []string `json:"reviewers,omitempty"`
}

// ReviewRequested notifies the endpoint that sub is waiting in needs_review.
func (n *WebhookNotifier) ReviewRequested(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	notice := reviewNotice{
		SubmissionID: sub.ID,
		IntakeID:     intake.ID,
		IntakeName:   intake.Name,
	}
	for _, g := range intake.ApprovalGates {
		notice.Gates = append(notice.Gates, g.Name)
		notice.Reviewers = append(notice.Reviewers, g.Reviewers...)
	}

	body, err := json.Marshal(notice)
	if err != nil {
		n.logger.Warn("encode review notice", "submission_id", sub.ID, "error", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("build review notice request", "submission_id", sub.ID, "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-FormBridge-Submission-Id", sub.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("review notification failed", "submission_id", sub.ID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		n.logger.Warn("review notification rejected",
			"submission_id", sub.ID, "status", resp.StatusCode)
	}
}
