package contracts

import "encoding/json"

// DestinationKind selects the delivery transport for finalized submissions.
type DestinationKind string

const (
	DestinationWebhook  DestinationKind = "webhook"
	DestinationCallback DestinationKind = "callback"
	DestinationQueue    DestinationKind = "queue"
)

// Destination is where a finalized submission is delivered.
type Destination struct {
	Kind DestinationKind `json:"kind" yaml:"kind"`
	// URL is required for webhook destinations and must be absolute.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`
	// Name selects a registered in-process callback, or the queue to push to.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// ApprovalGate forces submitted submissions through needs_review unless its
// AutoApproveIf predicate (a CEL expression over `fields` and `actor`)
// evaluates to true. Evaluation is fail-closed.
type ApprovalGate struct {
	Name          string   `json:"name" yaml:"name"`
	Description   string   `json:"description,omitempty" yaml:"description,omitempty"`
	AutoApproveIf string   `json:"autoApproveIf,omitempty" yaml:"autoApproveIf,omitempty"`
	Reviewers     []string `json:"reviewers,omitempty" yaml:"reviewers,omitempty"`
}

// IntakeDefinition is a registered form definition. Read-only after
// registration. Schema is an opaque, normalized JSON Schema document; the
// core never interprets it outside the validator.
type IntakeDefinition struct {
	ID            string          `json:"id" yaml:"id"`
	Version       string          `json:"version" yaml:"version"`
	Name          string          `json:"name" yaml:"name"`
	Schema        json.RawMessage `json:"schema" yaml:"-"`
	ApprovalGates []ApprovalGate  `json:"approvalGates,omitempty" yaml:"approvalGates,omitempty"`
	TTLMs         int64           `json:"ttlMs,omitempty" yaml:"ttlMs,omitempty"`
	Destination   Destination     `json:"destination" yaml:"destination"`
	UIHints       map[string]any  `json:"uiHints,omitempty" yaml:"uiHints,omitempty"`
}
