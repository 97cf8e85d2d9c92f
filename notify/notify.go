// Package notify dispatches named downstream handlers when a tracked
// document's content changes, replacing the original implementation's
// dynamic celery task names with a statically registered handler table.
package notify

import (
	"context"
	"fmt"
	"sync"

	"docwatch.dev/common"
)

// Handler runs a named downstream action for a changed document.
type Handler func(ctx context.Context, docID string) error

// Registry is the kernel.Notifier implementation: a name -> Handler table,
// the static stand-in for the original's celery.execute.send_task(name, ...).
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	log      *common.ContextLogger
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		log:      common.ServiceLogger("notify", "1"),
	}
}

// Register binds name to a handler. A doc class's on_changed list references
// names registered here; an unregistered name fails at Dispatch, not at
// kernel construction, since handler registration and doc-class config can
// come from independent places (e.g. plugins loaded after startup).
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Dispatch runs the named handler for docID.
func (r *Registry) Dispatch(ctx context.Context, name, docID string) error {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("notify: unregistered handler %q", name)
	}
	r.log.WithField("handler", name).WithField("doc_id", docID).Debug("dispatching notification")
	return h(ctx, docID)
}
