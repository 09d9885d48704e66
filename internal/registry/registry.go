// Package registry 实现插件注册中心：元数据校验、持久化与实例生命周期编排。
//
// 同一插件 ID 上的操作按调用顺序串行执行，不同插件互不阻塞。会改变依赖图的操作
// （注册、更新、注销）额外持有图锁，保证依赖与环检测基于一致的记录快照。
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/events"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/internal/syncutil"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
)

// Option 配置 Registry。
type Option func(*Registry)

// WithValidator 替换元数据校验器。
func WithValidator(v *plugin.Validator) Option {
	return func(r *Registry) {
		if v != nil {
			r.validator = v
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

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry 是插件管理的对外入口。
type Registry struct {
	store     storage.PluginStore
	validator *plugin.Validator
	loader    *plugin.Loader
	emitter   *events.Emitter
	metrics   *metrics.Metrics

	locks   syncutil.KeyedMutex
	graphMu sync.Mutex

	now func() time.Time
	log *slog.Logger
}

// NewRegistry 创建插件注册中心。
func NewRegistry(store storage.PluginStore, loader *plugin.Loader, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		validator: plugin.NewValidator(),
		loader:    loader,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = logger.Named("registry")
	return r
}

// Register 校验元数据，以 REGISTERED 状态持久化记录并加载实例。
// 未提供 ID 时由名称加时间后缀生成。实例初始化失败时记录被回滚。
func (r *Registry) Register(ctx context.Context, rec plugin.Record, p plugin.Plugin) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("register", err) }()

	if p == nil {
		return plugin.Record{}, xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	now := r.now().UTC()
	if rec.ID == "" && strings.TrimSpace(rec.Name) != "" {
		rec.ID = plugin.DeriveID(rec.Name, now)
	}

	r.graphMu.Lock()
	defer r.graphMu.Unlock()
	if rec.ID != "" {
		unlock := r.locks.Lock(rec.ID)
		defer unlock()

		if _, err := r.store.GetPlugin(ctx, rec.ID); err == nil {
			return plugin.Record{}, storage.PluginExists(rec.ID)
		} else if !xerrors.IsCode(err, xerrors.CodeNotFound) {
			return plugin.Record{}, err
		}
	}

	existing, err := r.store.ListPlugins(ctx)
	if err != nil {
		return plugin.Record{}, err
	}
	if err := r.validator.Validate(rec, existing); err != nil {
		return plugin.Record{}, err
	}

	rec.Status = plugin.StatusRegistered
	rec.Enabled = true
	rec.CreatedAt, rec.UpdatedAt = now, now
	if err := r.store.CreatePlugin(ctx, rec); err != nil {
		return plugin.Record{}, err
	}
	if err := r.loader.Load(ctx, rec, p); err != nil {
		if delErr := r.store.DeletePlugin(ctx, rec.ID); delErr != nil {
			r.log.Error("回滚插件记录失败", slog.String("plugin_id", rec.ID), slog.Any("error", delErr))
		}
		return plugin.Record{}, err
	}

	logger.Audit().Info("插件已注册", slog.String("plugin_id", rec.ID), slog.String("name", rec.Name),
		slog.String("version", rec.Version), slog.String("category", string(rec.Category)))
	r.emitter.Emit(ctx, events.PluginRegistered, rec.ID, map[string]any{
		"name": rec.Name, "version": rec.Version, "category": string(rec.Category),
	})
	return r.store.GetPlugin(ctx, rec.ID)
}

// Attach 为已持久化的记录加载实例，用于进程重启后重新接管插件。
func (r *Registry) Attach(ctx context.Context, id string, p plugin.Plugin) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("attach", err) }()

	if p == nil {
		return plugin.Record{}, xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	if err := r.loader.Load(ctx, rec, p); err != nil {
		return plugin.Record{}, err
	}
	return r.persistStatus(ctx, rec, plugin.StatusInitialized)
}

// Unregister 在没有其他插件依赖时卸载实例并删除记录。卸载钩子的失败只记录日志。
func (r *Registry) Unregister(ctx context.Context, id string) (err error) {
	defer func() { r.metrics.ObservePluginLifecycle("unregister", err) }()

	r.graphMu.Lock()
	defer r.graphMu.Unlock()
	unlock := r.locks.Lock(id)
	defer unlock()

	if _, err := r.store.GetPlugin(ctx, id); err != nil {
		return err
	}
	all, err := r.store.ListPlugins(ctx)
	if err != nil {
		return err
	}
	if dependents := dependentsOf(id, all); len(dependents) > 0 {
		return xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("plugin %s is required by: %s", id, strings.Join(dependents, ", ")),
			xerrors.WithMetadata("dependents", strings.Join(dependents, ",")))
	}

	if err := r.loader.Unload(ctx, id); err != nil && !xerrors.IsCode(err, xerrors.CodeNotLoaded) {
		r.log.Warn("卸载插件实例失败", slog.String("plugin_id", id), slog.Any("error", err))
	}
	if err := r.store.DeletePlugin(ctx, id); err != nil {
		return err
	}

	logger.Audit().Info("插件已注销", slog.String("plugin_id", id))
	r.emitter.Emit(ctx, events.PluginUnregistered, id, nil)
	return nil
}

// Update 合并部分更新并重新执行完整校验（ID 唯一性除外）。
// 已加载实例持有的配置在下一次 Reload 之前保持不变。
func (r *Registry) Update(ctx context.Context, id string, patch Patch) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("update", err) }()

	r.graphMu.Lock()
	defer r.graphMu.Unlock()
	unlock := r.locks.Lock(id)
	defer unlock()

	current, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	if patch.ExpectedChecksum != "" && patch.ExpectedChecksum != current.Checksum {
		return plugin.Record{}, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("plugin %s checksum mismatch", id),
			xerrors.WithMetadata("expected", patch.ExpectedChecksum),
			xerrors.WithMetadata("actual", current.Checksum))
	}

	next := patch.apply(current)
	all, err := r.store.ListPlugins(ctx)
	if err != nil {
		return plugin.Record{}, err
	}
	if err := r.validator.Validate(next, all); err != nil {
		return plugin.Record{}, err
	}
	next.UpdatedAt = r.now().UTC()
	if err := r.store.UpdatePlugin(ctx, next); err != nil {
		return plugin.Record{}, err
	}

	logger.Audit().Info("插件已更新", slog.String("plugin_id", id), slog.Any("fields", patch.fields()))
	r.emitter.Emit(ctx, events.PluginUpdated, id, map[string]any{"fields": patch.fields()})
	return r.store.GetPlugin(ctx, id)
}

// Enable 启用插件，已加载的实例会被启动。重复调用不会产生额外变化。
func (r *Registry) Enable(ctx context.Context, id string) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("enable", err) }()

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	status := rec.Status
	if r.loader.IsLoaded(id) {
		if err := r.loader.Start(ctx, id); err != nil {
			r.markError(ctx, rec)
			return plugin.Record{}, err
		}
		status = plugin.StatusRunning
	}
	if rec.Enabled && rec.Status == status {
		return rec, nil
	}
	rec.Enabled = true
	out, err = r.persistStatus(ctx, rec, status)
	if err != nil {
		return plugin.Record{}, err
	}
	logger.Audit().Info("插件已启用", slog.String("plugin_id", id))
	r.emitter.Emit(ctx, events.PluginEnabled, id, map[string]any{"status": string(status)})
	return out, nil
}

// Disable 停用插件，运行中的实例会被停止。重复调用不会产生额外变化。
func (r *Registry) Disable(ctx context.Context, id string) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("disable", err) }()

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	status := rec.Status
	if r.loader.IsLoaded(id) {
		if err := r.loader.Stop(ctx, id); err != nil {
			r.markError(ctx, rec)
			return plugin.Record{}, err
		}
		if state, _ := r.loader.State(id); state == plugin.StatusStopped {
			status = state
		}
	}
	if !rec.Enabled && rec.Status == status {
		return rec, nil
	}
	rec.Enabled = false
	out, err = r.persistStatus(ctx, rec, status)
	if err != nil {
		return plugin.Record{}, err
	}
	logger.Audit().Info("插件已停用", slog.String("plugin_id", id))
	r.emitter.Emit(ctx, events.PluginDisabled, id, map[string]any{"status": string(status)})
	return out, nil
}

// Start 启动已加载的实例。停用状态的插件不能启动。
func (r *Registry) Start(ctx context.Context, id string) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("start", err) }()

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	if !rec.Enabled {
		return plugin.Record{}, xerrors.Newf(xerrors.CodeConflict, "plugin %s is disabled", id)
	}
	if err := r.loader.Start(ctx, id); err != nil {
		if !xerrors.IsCode(err, xerrors.CodeNotLoaded) {
			r.markError(ctx, rec)
		}
		return plugin.Record{}, err
	}
	if rec.Status == plugin.StatusRunning {
		return rec, nil
	}
	out, err = r.persistStatus(ctx, rec, plugin.StatusRunning)
	if err != nil {
		return plugin.Record{}, err
	}
	r.emitter.Emit(ctx, events.PluginStarted, id, nil)
	return out, nil
}

// Stop 停止运行中的实例。
func (r *Registry) Stop(ctx context.Context, id string) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("stop", err) }()

	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	if err := r.loader.Stop(ctx, id); err != nil {
		if !xerrors.IsCode(err, xerrors.CodeNotLoaded) {
			r.markError(ctx, rec)
		}
		return plugin.Record{}, err
	}
	state, err := r.loader.State(id)
	if err != nil {
		return plugin.Record{}, err
	}
	if rec.Status == state {
		return rec, nil
	}
	out, err = r.persistStatus(ctx, rec, state)
	if err != nil {
		return plugin.Record{}, err
	}
	r.emitter.Emit(ctx, events.PluginStopped, id, nil)
	return out, nil
}

// Reload 卸载当前实例并以 p 重新加载。旧实例持有的状态全部丢弃，
// 新实例处于 INITIALIZED，需要重新启动。
func (r *Registry) Reload(ctx context.Context, id string, p plugin.Plugin) (out plugin.Record, err error) {
	defer func() { r.metrics.ObservePluginLifecycle("reload", err) }()

	if p == nil {
		return plugin.Record{}, xerrors.New(xerrors.CodeInvalidArgument, "plugin implementation cannot be nil")
	}
	unlock := r.locks.Lock(id)
	defer unlock()

	rec, err := r.store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	if err := r.loader.Reload(ctx, rec, p); err != nil {
		r.markError(ctx, rec)
		return plugin.Record{}, err
	}
	out, err = r.persistStatus(ctx, rec, plugin.StatusInitialized)
	if err != nil {
		return plugin.Record{}, err
	}
	logger.Audit().Info("插件已重新加载", slog.String("plugin_id", id))
	r.emitter.Emit(ctx, events.PluginReloaded, id, nil)
	return out, nil
}

// HealthCheck 返回实例的健康快照，实例未加载时返回 NOT_LOADED。
func (r *Registry) HealthCheck(ctx context.Context, id string) (plugin.HealthReport, error) {
	return r.loader.HealthCheck(ctx, id)
}

// Limits 返回已加载实例登记的资源限制。
func (r *Registry) Limits(id string) (plugin.ResourceLimits, error) {
	return r.loader.Limits(id)
}

// Get 返回插件记录。
func (r *Registry) Get(ctx context.Context, id string) (plugin.Record, error) {
	return r.store.GetPlugin(ctx, id)
}

// List 按分类、启用状态与分页条件列出插件。
func (r *Registry) List(ctx context.Context, opts ...storage.ListOption) ([]plugin.Record, error) {
	return r.store.ListPlugins(ctx, opts...)
}

// Search 在全部插件上做不区分大小写的名称/描述子串匹配与能力匹配。
func (r *Registry) Search(ctx context.Context, q Query) ([]plugin.Record, error) {
	all, err := r.store.ListPlugins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]plugin.Record, 0, len(all))
	for _, rec := range all {
		if q.matches(rec) {
			out = append(out, rec)
		}
	}
	return paginate(out, q.Offset, q.Limit), nil
}

// Stats 汇总插件数量。已加载实例按实时生命周期状态统计。
func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	all, err := r.store.ListPlugins(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{
		Total:      len(all),
		Loaded:     len(r.loader.Loaded()),
		ByCategory: make(map[plugin.Category]int),
		ByStatus:   make(map[plugin.Status]int),
	}
	for _, rec := range all {
		if rec.Enabled {
			stats.Enabled++
		} else {
			stats.Disabled++
		}
		stats.ByCategory[rec.Category]++
		status := rec.Status
		if state, err := r.loader.State(rec.ID); err == nil {
			status = state
		}
		stats.ByStatus[status]++
	}
	return stats, nil
}

// Shutdown 卸载全部实例，记录保持不变。
func (r *Registry) Shutdown(ctx context.Context) error {
	var errs error
	for _, id := range r.loader.Loaded() {
		unlock := r.locks.Lock(id)
		if err := r.loader.Unload(ctx, id); err != nil && !xerrors.IsCode(err, xerrors.CodeNotLoaded) {
			errs = multierr.Append(errs, err)
		}
		unlock()
	}
	if errs != nil {
		r.log.Warn("关闭插件实例时出现错误", slog.Any("error", errs))
	}
	return errs
}

func (r *Registry) persistStatus(ctx context.Context, rec plugin.Record, status plugin.Status) (plugin.Record, error) {
	rec.Status = status
	rec.UpdatedAt = r.now().UTC()
	if err := r.store.UpdatePlugin(ctx, rec); err != nil {
		return plugin.Record{}, err
	}
	return r.store.GetPlugin(ctx, rec.ID)
}

func (r *Registry) markError(ctx context.Context, rec plugin.Record) {
	if rec.Status == plugin.StatusError {
		return
	}
	if _, err := r.persistStatus(ctx, rec, plugin.StatusError); err != nil {
		r.log.Error("记录插件错误状态失败", slog.String("plugin_id", rec.ID), slog.Any("error", err))
	}
}

func dependentsOf(id string, all []plugin.Record) []string {
	var out []string
	for _, rec := range all {
		if rec.ID != id && rec.DependsOn(id) {
			out = append(out, rec.ID)
		}
	}
	slices.Sort(out)
	return out
}

func paginate(recs []plugin.Record, offset, limit int) []plugin.Record {
	if offset > 0 {
		if offset >= len(recs) {
			return []plugin.Record{}
		}
		recs = recs[offset:]
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Stats 是插件数量汇总。
type Stats struct {
	Total      int                     `json:"total"`
	Enabled    int                     `json:"enabled"`
	Disabled   int                     `json:"disabled"`
	Loaded     int                     `json:"loaded"`
	ByCategory map[plugin.Category]int `json:"by_category"`
	ByStatus   map[plugin.Status]int   `json:"by_status"`
}

// Query 是插件搜索条件，空字段不参与过滤。
type Query struct {
	Text       string          `json:"q,omitempty"`
	Capability string          `json:"capability,omitempty"`
	Category   plugin.Category `json:"category,omitempty"`
	Enabled    *bool           `json:"enabled,omitempty"`
	Limit      int             `json:"limit,omitempty"`
	Offset     int             `json:"offset,omitempty"`
}

func (q Query) matches(rec plugin.Record) bool {
	if q.Category != "" && rec.Category != q.Category {
		return false
	}
	if q.Enabled != nil && rec.Enabled != *q.Enabled {
		return false
	}
	if q.Capability != "" && !rec.HasCapability(q.Capability) {
		return false
	}
	if text := strings.ToLower(strings.TrimSpace(q.Text)); text != "" {
		return strings.Contains(strings.ToLower(rec.Name), text) ||
			strings.Contains(strings.ToLower(rec.Description), text)
	}
	return true
}

// Patch 描述插件的部分更新，nil 字段保持不变。ID 不可修改。
// ExpectedChecksum 非空时必须与当前记录的校验和一致。
type Patch struct {
	Name             *string          `json:"name,omitempty"`
	Version          *string          `json:"version,omitempty"`
	Description      *string          `json:"description,omitempty"`
	Author           *string          `json:"author,omitempty"`
	Category         *plugin.Category `json:"category,omitempty"`
	Capabilities     *[]string        `json:"capabilities,omitempty"`
	Dependencies     *[]string        `json:"dependencies,omitempty"`
	Config           map[string]any   `json:"config,omitempty"`
	Checksum         *string          `json:"checksum,omitempty"`
	ExpectedChecksum string           `json:"expected_checksum,omitempty"`
}

func (p Patch) apply(rec plugin.Record) plugin.Record {
	next := rec.Clone()
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Version != nil {
		next.Version = *p.Version
	}
	if p.Description != nil {
		next.Description = *p.Description
	}
	if p.Author != nil {
		next.Author = *p.Author
	}
	if p.Category != nil {
		next.Category = *p.Category
	}
	if p.Capabilities != nil {
		next.Capabilities = slices.Clone(*p.Capabilities)
	}
	if p.Dependencies != nil {
		next.Dependencies = slices.Clone(*p.Dependencies)
	}
	if p.Config != nil {
		next.Config = maps.Clone(p.Config)
	}
	if p.Checksum != nil {
		next.Checksum = *p.Checksum
	}
	return next
}

func (p Patch) fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.Name != nil, "name")
	add(p.Version != nil, "version")
	add(p.Description != nil, "description")
	add(p.Author != nil, "author")
	add(p.Category != nil, "category")
	add(p.Capabilities != nil, "capabilities")
	add(p.Dependencies != nil, "dependencies")
	add(p.Config != nil, "config")
	add(p.Checksum != nil, "checksum")
	return out
}
