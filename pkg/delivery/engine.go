// Package delivery pushes finalizable submissions to their configured
// destination with retry and exponential backoff. The engine reports every
// attempt and the final outcome back to the protocol engine through
// StatusSink; it never mutates submissions itself.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/formbridge/formbridge/pkg/contracts"
	"github.com/formbridge/formbridge/pkg/validate"
)

// StatusSink receives delivery progress. Implemented by the protocol engine,
// which owns state transitions and audit events.
type StatusSink interface {
	DeliveryAttempted(ctx context.Context, submissionID string, attempt int, attemptErr error)
	// DeliveryFailed reports a failed attempt that will be retried after
	// retryAfter.
	DeliveryFailed(ctx context.Context, submissionID string, attempt int, retryAfter time.Duration, attemptErr error)
	DeliverySucceeded(ctx context.Context, submissionID string, attempts int)
	DeliveryExhausted(ctx context.Context, submissionID string, attempts int, lastErr error)
}

// Policy controls the retry schedule.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	Multiplier     float64
	MaxBackoff     time.Duration
}

// DefaultPolicy retries five times: 1s, 2s, 4s, 8s between attempts, capped
// at 60s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		Multiplier:     2,
		MaxBackoff:     60 * time.Second,
	}
}

// Payload is the document pushed to destinations.
type Payload struct {
	SubmissionID     string                     `json:"submissionId"`
	IntakeID         string                     `json:"intakeId"`
	IntakeVersion    string                     `json:"intakeVersion"`
	SubmittedAt      time.Time                  `json:"submittedAt"`
	Fields           map[string]any             `json:"fields"`
	FieldAttribution map[string]contracts.Actor `json:"fieldAttribution"`
	CreatedBy        contracts.Actor            `json:"createdBy"`
	ReviewDecisions  []contracts.ReviewDecision `json:"reviewDecisions,omitempty"`
	Uploads          []*contracts.UploadRecord  `json:"uploads,omitempty"`
}

// Sender pushes one payload to one destination kind.
type Sender interface {
	Send(ctx context.Context, dest contracts.Destination, submissionID string, body []byte) error
}

type job struct {
	sub    *contracts.Submission
	intake *contracts.IntakeDefinition
}

// Engine is the asynchronous delivery worker pool.
type Engine struct {
	sink    StatusSink
	policy  Policy
	senders map[contracts.DestinationKind]Sender
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	jobs chan job
	wg   sync.WaitGroup
}

// NewEngine builds an engine. Senders are registered per destination kind;
// an intake pointing at an unregistered kind fails delivery immediately.
func NewEngine(sink StatusSink, policy Policy, logger *slog.Logger) *Engine {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		sink:    sink,
		policy:  policy,
		senders: make(map[contracts.DestinationKind]Sender),
		logger:  logger,
		sleep:   sleepCtx,
		jobs:    make(chan job, 64),
	}
}

// RegisterSender installs the sender for a destination kind.
func (e *Engine) RegisterSender(kind contracts.DestinationKind, s Sender) {
	e.senders[kind] = s
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (e *Engine) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 4
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-e.jobs:
					e.deliver(ctx, j)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited.
func (e *Engine) Wait() { e.wg.Wait() }

// Enqueue schedules a submission for delivery. Blocks only when the queue is
// full.
func (e *Engine) Enqueue(ctx context.Context, sub *contracts.Submission, intake *contracts.IntakeDefinition) {
	select {
	case e.jobs <- job{sub: sub, intake: intake}:
	case <-ctx.Done():
		e.logger.Warn("delivery enqueue abandoned", "submission_id", sub.ID)
	}
}

func (e *Engine) deliver(ctx context.Context, j job) {
	body, err := json.Marshal(buildPayload(j.sub, j.intake))
	if err != nil {
		e.sink.DeliveryExhausted(ctx, j.sub.ID, 0, fmt.Errorf("encode payload: %w", err))
		return
	}

	sender, registered := e.senders[j.intake.Destination.Kind]
	if !registered {
		e.sink.DeliveryExhausted(ctx, j.sub.ID, 0,
			fmt.Errorf("no sender for destination kind %q", j.intake.Destination.Kind))
		return
	}

	backoff := e.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= e.policy.MaxAttempts; attempt++ {
		lastErr = sender.Send(ctx, j.intake.Destination, j.sub.ID, body)
		e.sink.DeliveryAttempted(ctx, j.sub.ID, attempt, lastErr)
		if lastErr == nil {
			e.sink.DeliverySucceeded(ctx, j.sub.ID, attempt)
			return
		}
		e.logger.Warn("delivery attempt failed",
			"submission_id", j.sub.ID, "attempt", attempt, "error", lastErr)

		if attempt == e.policy.MaxAttempts {
			break
		}
		e.sink.DeliveryFailed(ctx, j.sub.ID, attempt, backoff, lastErr)
		if err := e.sleep(ctx, backoff); err != nil {
			e.sink.DeliveryExhausted(ctx, j.sub.ID, attempt, lastErr)
			return
		}
		backoff = time.Duration(float64(backoff) * e.policy.Multiplier)
		if backoff > e.policy.MaxBackoff {
			backoff = e.policy.MaxBackoff
		}
	}
	e.sink.DeliveryExhausted(ctx, j.sub.ID, e.policy.MaxAttempts, lastErr)
}

func buildPayload(sub *contracts.Submission, intake *contracts.IntakeDefinition) Payload {
	p := Payload{
		SubmissionID:     sub.ID,
		IntakeID:         intake.ID,
		IntakeVersion:    intake.Version,
		SubmittedAt:      sub.UpdatedAt,
		Fields:           validate.Unflatten(sub.Fields),
		FieldAttribution: sub.FieldAttribution,
		CreatedBy:        sub.CreatedBy,
		ReviewDecisions:  sub.ReviewDecisions,
	}
	for _, u := range sub.Uploads {
		if u.Status == contracts.UploadCompleted {
			p.Uploads = append(p.Uploads, u)
		}
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
