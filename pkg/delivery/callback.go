package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/formbridge/formbridge/pkg/contracts"
)

// CallbackFunc receives a delivered payload in-process.
type CallbackFunc func(ctx context.Context, p Payload) error

// CallbackSender dispatches payloads to callbacks registered by name.
// Embedding hosts use this to consume submissions without any network hop.
type CallbackSender struct {
	mu        sync.RWMutex
	callbacks map[string]CallbackFunc
}

// NewCallbackSender creates an empty callback registry.
func NewCallbackSender() *CallbackSender {
	return &CallbackSender{callbacks: make(map[string]CallbackFunc)}
}

// Register binds a callback to a destination name, replacing any previous
// binding.
func (c *CallbackSender) Register(name string, fn CallbackFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callbacks[name] = fn
}

func (c *CallbackSender) Send(ctx context.Context, dest contracts.Destination, submissionID string, body []byte) error {
	c.mu.RLock()
	fn, registered := c.callbacks[dest.Name]
	c.mu.RUnlock()
	if !registered {
		return fmt.Errorf("no callback registered as %q", dest.Name)
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return fn(ctx, p)
}
