package executor

import (
	"context"
	"sync"

	"github.com/kastellan/taskexec/pkg/models"
)

// Plugin is the minimal hook interface for observing the task event stream
// (spec §5: lifecycle supervision surfaces events to external observers
// without coupling the core loop to any particular sink).
//
// Example usage:
//
//	registry.Use(&TracePlugin{...})
//	registry.Use(PluginFunc(func(ctx context.Context, e models.AgentEvent) {
//	    metrics.Observe(e)
//	}))
type Plugin interface {
	// OnEvent is called for each task event during execution.
	// Implementations must not block or panic.
	OnEvent(ctx context.Context, e models.AgentEvent)
}

// PluginFunc adapts an ordinary function to the Plugin interface.
type PluginFunc func(ctx context.Context, e models.AgentEvent)

// OnEvent calls the function.
func (f PluginFunc) OnEvent(ctx context.Context, e models.AgentEvent) {
	f(ctx, e)
}

// PluginRegistry manages registered plugins and dispatches task events to
// them. A single registry is shared across all tasks driven by one
// Supervisor; individual tasks don't get their own registry.
type PluginRegistry struct {
	mu      sync.RWMutex
	plugins []Plugin
}

// NewPluginRegistry creates an empty plugin registry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{
		plugins: make([]Plugin, 0),
	}
}

// Use registers a plugin. Plugins are invoked in registration order.
func (r *PluginRegistry) Use(p Plugin) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// Emit dispatches an event to all registered plugins synchronously, in
// registration order. A panicking plugin is recovered so it cannot take
// down the turn loop or the other plugins.
func (r *PluginRegistry) Emit(ctx context.Context, e models.AgentEvent) {
	r.mu.RLock()
	plugins := make([]Plugin, len(r.plugins))
	copy(plugins, r.plugins)
	r.mu.RUnlock()

	for _, p := range plugins {
		func() {
			defer func() {
				recover()
			}()
			p.OnEvent(ctx, e)
		}()
	}
}

// Count returns the number of registered plugins.
func (r *PluginRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Clear removes all registered plugins.
func (r *PluginRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = r.plugins[:0]
}
