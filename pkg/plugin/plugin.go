package plugin

import (
	"context"
	"maps"
	"time"
)

// Plugin defines the lifecycle hooks that each plugin implementation must satisfy.
// The loader is the only caller of these methods.
type Plugin interface {
	// Init prepares the plugin for use.
	Init(ctx *ExecutionContext) error
	// Start activates the plugin and should spawn long running routines if required.
	Start(ctx *ExecutionContext) error
	// Stop gracefully halts the plugin.
	Stop(ctx *ExecutionContext) error
	// Destroy releases every resource held by the plugin. The instance is
	// discarded afterwards.
	Destroy(ctx *ExecutionContext) error
	// HealthCheck probes the plugin. A nil error means the plugin considers
	// itself healthy.
	HealthCheck(ctx context.Context) error
}

// ExecutionContext is passed to plugins for every lifecycle stage.
type ExecutionContext struct {
	// C is the underlying context for cancellation and deadlines.
	C context.Context
	// PluginID identifies the instance receiving the call.
	PluginID string
	// Config is the plugin specific configuration block. Whole numbers are
	// always int and other numbers float64, whichever store the record came from.
	Config map[string]any
	// Resources exposes shared services supplied by the host application.
	Resources map[string]any
	// Limits carries the resource ceilings recorded for the plugin.
	Limits ResourceLimits
}

// Clone returns a shallow copy of the execution context so plugins can safely mutate maps.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = maps.Clone(c.Config)
	}
	if c.Resources != nil {
		dup.Resources = maps.Clone(c.Resources)
	}
	return &dup
}

// Base provides no-op lifecycle hooks. Embed it to implement only the hooks a
// plugin cares about.
type Base struct{}

// Init implements Plugin.
func (Base) Init(*ExecutionContext) error { return nil }

// Start implements Plugin.
func (Base) Start(*ExecutionContext) error { return nil }

// Stop implements Plugin.
func (Base) Stop(*ExecutionContext) error { return nil }

// Destroy implements Plugin.
func (Base) Destroy(*ExecutionContext) error { return nil }

// HealthCheck implements Plugin.
func (Base) HealthCheck(context.Context) error { return nil }

// Option modifies the behaviour of a Loader.
type Option func(*Loader)

// WithDefaultLimits overrides the limits assigned to newly loaded plugins.
func WithDefaultLimits(limits ResourceLimits) Option {
	return func(l *Loader) {
		l.defaults = limits.withDefaults()
	}
}

// WithResource registers a shared resource that will be exposed to all plugins.
func WithResource(key string, value any) Option {
	return func(l *Loader) {
		if key == "" || value == nil {
			return
		}
		if l.resources == nil {
			l.resources = make(map[string]any)
		}
		l.resources[key] = value
	}
}

// WithClock replaces the time source used for uptime accounting.
func WithClock(now func() time.Time) Option {
	return func(l *Loader) {
		if now != nil {
			l.now = now
		}
	}
}
