// Package discovery 实现服务注册中心：服务元数据、健康检查与按服务 ID 的熔断器。
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"

	"OpenMCP-Mesh/internal/breaker"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/events"
	"OpenMCP-Mesh/internal/observability/alerting"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/internal/syncutil"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// Option 配置 Registry。
type Option func(*Registry)

// WithProber 替换健康探测实现。
func WithProber(p Prober) Option {
	return func(r *Registry) {
		if p != nil {
			r.prober = p
		}
	}
}

// WithEmitter 设置事件发布器。
func WithEmitter(e *events.Emitter) Option {
	return func(r *Registry) { r.emitter = e }
}

// WithMetrics 设置指标采集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithAlerts 设置熔断告警分发器。
func WithAlerts(d alerting.Dispatcher) Option {
	return func(r *Registry) { r.alerts = d }
}

// WithDefaultRateLimit 覆盖未配置限流时的默认值。
func WithDefaultRateLimit(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.defaultRateLimit = n
		}
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry 管理服务记录。每个服务 ID 的变更串行执行，不同服务互不阻塞；
// 健康探测在锁外进行。
type Registry struct {
	store    storage.ServiceStore
	breakers *breaker.Tracker
	prober   Prober
	emitter  *events.Emitter
	metrics  *metrics.Metrics
	alerts   alerting.Dispatcher
	locks    syncutil.KeyedMutex

	hooksMu      sync.RWMutex
	onUnregister []func(id string)

	defaultRateLimit int
	now              func() time.Time
	log              *slog.Logger
}

// Patch 描述服务的部分更新，nil 字段保持不变。
type Patch struct {
	Name         *string           `json:"name,omitempty"`
	Version      *string           `json:"version,omitempty"`
	Protocol     *service.Protocol `json:"protocol,omitempty"`
	Host         *string           `json:"host,omitempty"`
	Port         *int              `json:"port,omitempty"`
	Endpoints    *[]string         `json:"endpoints,omitempty"`
	Dependencies *[]string         `json:"dependencies,omitempty"`
	RateLimit    *int              `json:"rate_limit,omitempty"`
	APIKey       *string           `json:"api_key,omitempty"`
}

// NewRegistry 创建服务注册中心，并将熔断器状态变化接入指标、告警与事件。
func NewRegistry(store storage.ServiceStore, breakers *breaker.Tracker, opts ...Option) *Registry {
	r := &Registry{
		store:            store,
		breakers:         breakers,
		prober:           &HTTPProber{},
		defaultRateLimit: service.DefaultRateLimit,
		now:              time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logger.Named("discovery")
	breakers.OnTransition(r.onBreakerTransition)
	return r
}

// Register 校验并持久化服务，为其初始化 CLOSED 状态的熔断器。
func (r *Registry) Register(ctx context.Context, rec service.Record) (service.Record, error) {
	now := r.now().UTC()
	if rec.ID == "" {
		rec.ID = plugin.DeriveID(rec.Name, now)
	}
	if rec.Protocol == "" {
		rec.Protocol = service.ProtocolHTTP
	}
	if rec.RateLimit <= 0 {
		rec.RateLimit = r.defaultRateLimit
	}
	if rec.Health.Status == "" {
		rec.Health = service.Health{Status: service.HealthHealthy, LastCheck: now}
	}
	if err := validate(rec); err != nil {
		return service.Record{}, err
	}

	unlock := r.locks.Lock(rec.ID)
	defer unlock()

	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := r.store.CreateService(ctx, rec); err != nil {
		return service.Record{}, err
	}
	r.breakers.Init(rec.ID)
	r.metrics.SetBreakerState(rec.ID, string(breaker.StateClosed))

	logger.Audit().Info("服务已注册", slog.String("service_id", rec.ID), slog.String("name", rec.Name),
		slog.String("address", rec.BaseURL()))
	r.emitter.Emit(ctx, events.ServiceRegistered, rec.ID, map[string]any{"name": rec.Name, "address": rec.BaseURL()})
	return r.store.GetService(ctx, rec.ID)
}

// Discover 先按 ID 查找，未命中时按名称查找。
func (r *Registry) Discover(ctx context.Context, idOrName string) (service.Record, error) {
	rec, err := r.store.GetService(ctx, idOrName)
	if err == nil {
		return rec, nil
	}
	if !xerrors.IsCode(err, xerrors.CodeNotFound) {
		return service.Record{}, err
	}
	return r.store.FindServiceByName(ctx, idOrName)
}

// Instances 返回共享同一名称的全部服务记录。
func (r *Registry) Instances(ctx context.Context, name string) ([]service.Record, error) {
	return r.store.ListServices(ctx, storage.ServiceFilter{Name: name})
}

// List 按条件列出服务。
func (r *Registry) List(ctx context.Context, filter storage.ServiceFilter) ([]service.Record, error) {
	return r.store.ListServices(ctx, filter)
}

// Update 合并并校验部分更新后持久化。
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (service.Record, error) {
	unlock := r.locks.Lock(id)
	defer unlock()

	current, err := r.store.GetService(ctx, id)
	if err != nil {
		return service.Record{}, err
	}
	next := patch.apply(current)
	if next.RateLimit <= 0 {
		next.RateLimit = r.defaultRateLimit
	}
	if err := validate(next); err != nil {
		return service.Record{}, err
	}
	if err := r.store.UpdateService(ctx, next); err != nil {
		return service.Record{}, err
	}

	logger.Audit().Info("服务已更新", slog.String("service_id", id))
	r.emitter.Emit(ctx, events.ServiceUpdated, id, map[string]any{"name": next.Name})
	return r.store.GetService(ctx, id)
}

// Unregister 删除服务，丢弃其熔断器状态并执行注销回调。
func (r *Registry) Unregister(ctx context.Context, id string) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	if err := r.store.DeleteService(ctx, id); err != nil {
		return err
	}
	r.breakers.Remove(id)
	r.metrics.DeleteBreaker(id)
	r.hooksMu.RLock()
	hooks := slices.Clone(r.onUnregister)
	r.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(id)
	}

	logger.Audit().Info("服务已注销", slog.String("service_id", id))
	r.emitter.Emit(ctx, events.ServiceUnregistered, id, nil)
	return nil
}

// OnUnregister 注册服务注销后的回调，用于清理按服务 ID 保存的其他状态。
// 回调在该服务的锁内同步执行，重新注册同一 ID 一定发生在回调之后。
func (r *Registry) OnUnregister(fn func(id string)) {
	if fn == nil {
		return
	}
	r.hooksMu.Lock()
	r.onUnregister = append(r.onUnregister, fn)
	r.hooksMu.Unlock()
}

// HealthCheck 探测服务健康端点并持久化结果。探测失败不会返回错误，
// 而是记录 UNHEALTHY 并计入熔断器失败次数。
func (r *Registry) HealthCheck(ctx context.Context, id string) (service.Record, error) {
	rec, err := r.store.GetService(ctx, id)
	if err != nil {
		return service.Record{}, err
	}

	elapsed, probeErr := r.prober.Probe(ctx, rec)
	health := service.Health{LastCheck: r.now().UTC(), ResponseTime: elapsed}
	if probeErr != nil {
		health.Status = service.HealthUnhealthy
		health.Message = probeErr.Error()
		r.breakers.RecordFailure(id)
	} else {
		health.Status = service.HealthHealthy
		r.breakers.Reset(id)
	}

	unlock := r.locks.Lock(id)
	defer unlock()

	current, err := r.store.GetService(ctx, id)
	if err != nil {
		return service.Record{}, err
	}
	previous := current.Health.Status
	current.Health = health
	if err := r.store.UpdateService(ctx, current); err != nil {
		return service.Record{}, err
	}
	if previous != health.Status {
		r.log.Info("服务健康状态变化", slog.String("service_id", id),
			slog.String("from", string(previous)), slog.String("to", string(health.Status)))
		r.emitter.Emit(ctx, events.ServiceHealthChanged, id, map[string]any{
			"from": string(previous), "to": string(health.Status), "message": health.Message,
		})
	}
	return r.store.GetService(ctx, id)
}

// CanInvoke 查询熔断器是否放行。
func (r *Registry) CanInvoke(id string) bool {
	return r.breakers.CanInvoke(id)
}

// RecordFailure 记录一次调用失败。
func (r *Registry) RecordFailure(id string) breaker.Snapshot {
	return r.breakers.RecordFailure(id)
}

// ReleaseProbe 归还未实际发出的半开探测机会。
func (r *Registry) ReleaseProbe(id string) {
	r.breakers.Release(id)
}

// ResetBreaker 在调用成功后复位熔断器。
func (r *Registry) ResetBreaker(id string) {
	r.breakers.Reset(id)
}

// Breaker 返回服务的熔断器快照。
func (r *Registry) Breaker(id string) (breaker.Snapshot, bool) {
	return r.breakers.Snapshot(id)
}

// Breakers 返回全部熔断器快照。
func (r *Registry) Breakers() []breaker.Snapshot {
	return r.breakers.All()
}

func (r *Registry) onBreakerTransition(t breaker.Transition) {
	r.metrics.SetBreakerState(t.ServiceID, string(t.To))
	ctx := context.Background()
	switch t.To {
	case breaker.StateOpen:
		logger.Audit().Warn("熔断器打开", slog.String("service_id", t.ServiceID), slog.Int("failures", t.Failures))
		r.emitter.Emit(ctx, events.BreakerOpened, t.ServiceID, map[string]any{"failures": t.Failures})
		if r.alerts != nil {
			err := xerrors.New(xerrors.CodeCircuitOpen,
				fmt.Sprintf("circuit breaker for service %s opened after %d failures", t.ServiceID, t.Failures),
				xerrors.WithMetadata("failures", strconv.Itoa(t.Failures)))
			event := alerting.FromError(t.ServiceID, err)
			event.OccurredAt = t.At
			if alertErr := r.alerts.Notify(ctx, event); alertErr != nil {
				r.log.Warn("发送熔断告警失败", slog.String("service_id", t.ServiceID), slog.Any("error", alertErr))
			}
		}
	case breaker.StateClosed:
		logger.Audit().Info("熔断器关闭", slog.String("service_id", t.ServiceID))
		r.emitter.Emit(ctx, events.BreakerClosed, t.ServiceID, nil)
	}
}

func (p Patch) apply(rec service.Record) service.Record {
	next := rec.Clone()
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Version != nil {
		next.Version = *p.Version
	}
	if p.Protocol != nil {
		next.Protocol = *p.Protocol
	}
	if p.Host != nil {
		next.Host = *p.Host
	}
	if p.Port != nil {
		next.Port = *p.Port
	}
	if p.Endpoints != nil {
		next.Endpoints = slices.Clone(*p.Endpoints)
	}
	if p.Dependencies != nil {
		next.Dependencies = slices.Clone(*p.Dependencies)
	}
	if p.RateLimit != nil {
		next.RateLimit = *p.RateLimit
	}
	if p.APIKey != nil {
		next.APIKey = *p.APIKey
	}
	return next
}

func validate(rec service.Record) error {
	var reasons error
	if rec.Name == "" {
		reasons = multierr.Append(reasons, errors.New("Missing required field: name"))
	}
	if !plugin.ValidIdentifier(rec.ID) {
		reasons = multierr.Append(reasons, fmt.Errorf("Invalid service id: %q must match [A-Za-z0-9_-]+", rec.ID))
	}
	if !rec.Protocol.Valid() {
		reasons = multierr.Append(reasons, fmt.Errorf("Invalid protocol: %s", rec.Protocol))
	}
	if rec.Host == "" {
		reasons = multierr.Append(reasons, errors.New("Missing required field: host"))
	}
	if rec.Port <= 0 || rec.Port > 65535 {
		reasons = multierr.Append(reasons, fmt.Errorf("Invalid port: %d", rec.Port))
	}
	for _, dep := range rec.Dependencies {
		if dep == rec.ID {
			reasons = multierr.Append(reasons, fmt.Errorf("Service %s cannot depend on itself", rec.ID))
		}
	}
	return xerrors.Validation(reasons)
}
