package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/logger"
)

// ResourceLimits is the per-plugin resource bookkeeping. The values are
// recorded and handed to the plugin, they are not enforced against the OS.
type ResourceLimits struct {
	CPUPercent     float64 `yaml:"cpuPercent" json:"cpu_percent"`
	MemoryMB       int     `yaml:"memoryMB" json:"memory_mb"`
	NetworkAllowed bool    `yaml:"networkAllowed" json:"network_allowed"`
}

// DefaultResourceLimits returns the limits assigned when none are configured.
func DefaultResourceLimits() ResourceLimits {
	return ResourceLimits{CPUPercent: 50, MemoryMB: 512, NetworkAllowed: true}
}

func (r ResourceLimits) withDefaults() ResourceLimits {
	def := DefaultResourceLimits()
	if r.CPUPercent <= 0 {
		r.CPUPercent = def.CPUPercent
	}
	if r.MemoryMB <= 0 {
		r.MemoryMB = def.MemoryMB
	}
	return r
}

// Loader owns the live plugin instances and is the only component that drives
// their lifecycle hooks.
type Loader struct {
	mu        sync.RWMutex
	instances map[string]*instance
	defaults  ResourceLimits
	resources map[string]any
	now       func() time.Time
	log       *slog.Logger
}

type instance struct {
	mu        sync.Mutex
	plugin    Plugin
	config    map[string]any
	state     Status
	limits    ResourceLimits
	loadedAt  time.Time
	startedAt time.Time
}

// NewLoader constructs an empty loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		instances: make(map[string]*instance),
		defaults:  DefaultResourceLimits(),
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.log = logger.Named("plugin-loader")
	return l
}

// Load initialises p and stores it under rec.ID. When Init fails the instance
// is discarded and the error is returned.
func (l *Loader) Load(ctx context.Context, rec Record, p Plugin) error {
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	if p == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	if l.IsLoaded(rec.ID) {
		return xerrors.Newf(xerrors.CodeConflict, "plugin %s already loaded", rec.ID)
	}

	inst := &instance{
		plugin:   p,
		config:   cloneConfig(rec.Config),
		state:    StatusRegistered,
		limits:   l.defaults,
		loadedAt: l.now(),
	}
	if err := p.Init(l.execContext(ctx, rec.ID, inst)); err != nil {
		return xerrors.Wrap(xerrors.CodeLifecycleFailure, err, fmt.Sprintf("initialise plugin %s", rec.ID))
	}
	inst.state = StatusInitialized

	l.mu.Lock()
	if _, exists := l.instances[rec.ID]; exists {
		l.mu.Unlock()
		_ = p.Destroy(l.execContext(ctx, rec.ID, inst))
		return xerrors.Newf(xerrors.CodeConflict, "plugin %s already loaded", rec.ID)
	}
	l.instances[rec.ID] = inst
	l.mu.Unlock()
	return nil
}

// Unload stops the instance if it is running, destroys it and forgets it.
// The instance is removed even when a hook fails.
func (l *Loader) Unload(ctx context.Context, id string) error {
	inst, err := l.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	var errs error
	if inst.state == StatusRunning {
		if err := inst.plugin.Stop(l.execContext(ctx, id, inst)); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	if err := inst.plugin.Destroy(l.execContext(ctx, id, inst)); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("destroy: %w", err))
	}
	inst.state = StatusDestroyed
	inst.startedAt = time.Time{}
	inst.mu.Unlock()

	l.mu.Lock()
	if l.instances[id] == inst {
		delete(l.instances, id)
	}
	l.mu.Unlock()

	if errs != nil {
		return xerrors.Wrap(xerrors.CodeLifecycleFailure, errs, fmt.Sprintf("unload plugin %s", id))
	}
	return nil
}

// Reload unloads the current instance, if any, and loads p in its place.
// State held by the previous instance is discarded.
func (l *Loader) Reload(ctx context.Context, rec Record, p Plugin) error {
	if err := l.Unload(ctx, rec.ID); err != nil && !xerrors.IsCode(err, xerrors.CodeNotLoaded) {
		l.log.Warn("unload before reload failed", slog.String("plugin_id", rec.ID), slog.Any("error", err))
	}
	return l.Load(ctx, rec, p)
}

// Start runs the instance's Start hook. Starting a running plugin is a no-op.
func (l *Loader) Start(ctx context.Context, id string) error {
	inst, err := l.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	switch inst.state {
	case StatusRunning:
		return nil
	case StatusDestroyed:
		return notLoaded(id)
	}
	if err := inst.plugin.Start(l.execContext(ctx, id, inst)); err != nil {
		inst.state = StatusError
		return xerrors.Wrap(xerrors.CodeLifecycleFailure, err, fmt.Sprintf("start plugin %s", id))
	}
	inst.state = StatusRunning
	inst.startedAt = l.now()
	return nil
}

// Stop runs the instance's Stop hook when it is running.
func (l *Loader) Stop(ctx context.Context, id string) error {
	inst, err := l.get(id)
	if err != nil {
		return err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.state != StatusRunning {
		return nil
	}
	if err := inst.plugin.Stop(l.execContext(ctx, id, inst)); err != nil {
		inst.state = StatusError
		return xerrors.Wrap(xerrors.CodeLifecycleFailure, err, fmt.Sprintf("stop plugin %s", id))
	}
	inst.state = StatusStopped
	inst.startedAt = time.Time{}
	return nil
}

// StopAll stops every running instance and returns the combined failures.
func (l *Loader) StopAll(ctx context.Context) error {
	var errs error
	for _, id := range l.Loaded() {
		errs = multierr.Append(errs, l.Stop(ctx, id))
	}
	return errs
}

// HealthCheck reports HEALTHY only when the instance is running and its own
// probe succeeds.
func (l *Loader) HealthCheck(ctx context.Context, id string) (HealthReport, error) {
	inst, err := l.get(id)
	if err != nil {
		return HealthReport{}, err
	}
	inst.mu.Lock()
	state := inst.state
	startedAt := inst.startedAt
	limits := inst.limits
	p := inst.plugin
	inst.mu.Unlock()

	now := l.now()
	report := HealthReport{
		ID:        id,
		Status:    HealthUnhealthy,
		State:     state,
		CheckedAt: now,
		Details: map[string]any{
			"cpu_percent":     limits.CPUPercent,
			"memory_mb":       limits.MemoryMB,
			"network_allowed": limits.NetworkAllowed,
		},
	}
	if state != StatusRunning {
		report.Message = fmt.Sprintf("plugin is %s", state)
		return report, nil
	}
	report.Uptime = now.Sub(startedAt)
	if err := p.HealthCheck(ctx); err != nil {
		report.Message = err.Error()
		return report, nil
	}
	report.Status = HealthHealthy
	return report, nil
}

// State returns the lifecycle state of a loaded plugin.
func (l *Loader) State(id string) (Status, error) {
	inst, err := l.get(id)
	if err != nil {
		return "", err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.state, nil
}

// Limits returns the resource limits recorded for a loaded plugin.
func (l *Loader) Limits(id string) (ResourceLimits, error) {
	inst, err := l.get(id)
	if err != nil {
		return ResourceLimits{}, err
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.limits, nil
}

// IsLoaded reports whether id currently has a live instance.
func (l *Loader) IsLoaded(id string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.instances[id]
	return ok
}

// Loaded returns the ids of every loaded plugin in sorted order.
func (l *Loader) Loaded() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.instances))
	for id := range l.instances {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (l *Loader) get(id string) (*instance, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	inst, ok := l.instances[id]
	if !ok {
		return nil, notLoaded(id)
	}
	return inst, nil
}

func (l *Loader) execContext(ctx context.Context, id string, inst *instance) *ExecutionContext {
	if ctx == nil {
		ctx = context.Background()
	}
	execCtx := &ExecutionContext{
		C:         ctx,
		PluginID:  id,
		Config:    inst.config,
		Resources: l.resources,
		Limits:    inst.limits,
	}
	return execCtx.Clone()
}

func notLoaded(id string) error {
	return xerrors.Newf(xerrors.CodeNotLoaded, "plugin %s is not loaded", id)
}

// cloneConfig deep-copies cfg and normalises numbers: whole numbers become
// int and everything else float64. Records read back through a JSON round
// trip (SQL columns, caches) then hand plugins the same types as records
// decoded from yaml.
func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(cfg))
	for k, v := range cfg {
		cp[k] = normalizeValue(v)
	}
	return cp
}

// maxExactInt is the largest magnitude a float64 holds without losing integer precision.
const maxExactInt = 1 << 53

func normalizeValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneConfig(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = normalizeValue(item)
		}
		return out
	case float64:
		if value == math.Trunc(value) && math.Abs(value) <= maxExactInt {
			return int(value)
		}
		return value
	case float32:
		return normalizeValue(float64(value))
	case int64:
		return int(value)
	case int32:
		return int(value)
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return int(i)
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	default:
		return v
	}
}
