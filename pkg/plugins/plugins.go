// Package plugins defines the channel adapter contract and the hook pipeline
// that lets adapters observe and veto work item creation and response
// delivery.
package plugins

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/crewhq/crewd/pkg/models"
)

// Outcome classifies one delivery attempt. The tri-state matters: unknown
// means the provider may or may not have received the content, so the outbox
// must never retry it automatically.
type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeUnknown Outcome = "unknown"
)

// PostResult is the classified result of a delivery attempt.
type PostResult struct {
	Outcome Outcome
	// Retryable is meaningful only for OutcomeFailed.
	Retryable bool
	// ProviderRef is the provider-side id of the delivered content, when
	// the provider returns one.
	ProviderRef string
	// Detail carries the provider error for the audit trail.
	Detail string
}

// ChannelHandler is one channel adapter type. Implementations deliver agent
// output back to wherever the work came from.
type ChannelHandler interface {
	// PluginType is the adapter identity instances reference.
	PluginType() string

	// ResponseMode reports how this channel wants agent output produced.
	ResponseMode() models.ResponseMode

	// PostResponse delivers one effect. Implementations classify every
	// outcome they can into the PostResult; a non-nil error means the
	// attempt's outcome could not be classified and is treated as unknown.
	PostResponse(ctx context.Context, instance *models.PluginInstance, effect *models.Effect) (*PostResult, error)
}

// ReceiptAcknowledger is optionally implemented by handlers whose provider
// supports a lightweight "seen" signal on intake. Failures are logged and
// ignored.
type ReceiptAcknowledger interface {
	AcknowledgeReceipt(ctx context.Context, instance *models.PluginInstance, responseContext map[string]any) error
}

// Registry holds the channel handlers keyed by plugin type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]ChannelHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]ChannelHandler)}
}

// Register adds a handler. Registering a duplicate type is a programming
// error and fails loudly.
func (r *Registry) Register(h ChannelHandler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := h.PluginType()
	if t == "" {
		return fmt.Errorf("handler has empty plugin type")
	}
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler for plugin type %q already registered", t)
	}
	r.handlers[t] = h
	return nil
}

// Get returns the handler for a plugin type.
func (r *Registry) Get(pluginType string) (ChannelHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[pluginType]
	return h, ok
}

// Types lists the registered plugin types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
