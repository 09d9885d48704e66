package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// arena 以切片保存记录并用 id -> 下标的索引定位，删除时与末尾元素交换。
type arena[T any] struct {
	items []T
	index map[string]int
}

func newArena[T any]() arena[T] {
	return arena[T]{index: make(map[string]int)}
}

func (a *arena[T]) get(id string) (T, bool) {
	i, ok := a.index[id]
	if !ok {
		var zero T
		return zero, false
	}
	return a.items[i], true
}

func (a *arena[T]) put(id string, v T) {
	if i, ok := a.index[id]; ok {
		a.items[i] = v
		return
	}
	a.index[id] = len(a.items)
	a.items = append(a.items, v)
}

func (a *arena[T]) remove(id string, idOf func(T) string) bool {
	i, ok := a.index[id]
	if !ok {
		return false
	}
	last := len(a.items) - 1
	if i != last {
		a.items[i] = a.items[last]
		a.index[idOf(a.items[i])] = i
	}
	var zero T
	a.items[last] = zero
	a.items = a.items[:last]
	delete(a.index, id)
	return true
}

// MemoryStore 以内存方式保存插件与服务元数据，主要用于单机部署和测试。
type MemoryStore struct {
	mu       sync.RWMutex
	plugins  arena[plugin.Record]
	services arena[service.Record]
	byName   map[string][]string
	now      func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plugins:  newArena[plugin.Record](),
		services: newArena[service.Record](),
		byName:   make(map[string][]string),
		now:      time.Now,
	}
}

// CreatePlugin 实现 PluginStore 接口。
func (m *MemoryStore) CreatePlugin(_ context.Context, rec plugin.Record) error {
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "plugin id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plugins.get(rec.ID); ok {
		return PluginExists(rec.ID)
	}
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	m.plugins.put(rec.ID, rec.Clone())
	return nil
}

// GetPlugin 实现 PluginStore 接口。
func (m *MemoryStore) GetPlugin(_ context.Context, id string) (plugin.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.plugins.get(id)
	if !ok {
		return plugin.Record{}, PluginNotFound(id)
	}
	return rec.Clone(), nil
}

// UpdatePlugin 实现 PluginStore 接口。CreatedAt 保持不变。
func (m *MemoryStore) UpdatePlugin(_ context.Context, rec plugin.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.plugins.get(rec.ID)
	if !ok {
		return PluginNotFound(rec.ID)
	}
	rec.CreatedAt = current.CreatedAt
	if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.After(current.UpdatedAt) {
		rec.UpdatedAt = m.now().UTC()
	}
	m.plugins.put(rec.ID, rec.Clone())
	return nil
}

// DeletePlugin 实现 PluginStore 接口。
func (m *MemoryStore) DeletePlugin(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.plugins.remove(id, func(r plugin.Record) string { return r.ID }) {
		return PluginNotFound(id)
	}
	return nil
}

// ListPlugins 实现 PluginStore 接口，按创建时间升序返回。
func (m *MemoryStore) ListPlugins(_ context.Context, opts ...ListOption) ([]plugin.Record, error) {
	options := BuildListOptions(opts)
	m.mu.RLock()
	results := make([]plugin.Record, 0, len(m.plugins.items))
	for _, rec := range m.plugins.items {
		if options.Matches(rec) {
			results = append(results, rec.Clone())
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(results, func(a, b plugin.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return paginate(results, options.Offset, options.Limit), nil
}

// CreateService 实现 ServiceStore 接口。
func (m *MemoryStore) CreateService(_ context.Context, rec service.Record) error {
	if rec.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "service id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.services.get(rec.ID); ok {
		return ServiceExists(rec.ID)
	}
	now := m.now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	m.services.put(rec.ID, rec.Clone())
	m.byName[rec.Name] = append(m.byName[rec.Name], rec.ID)
	return nil
}

// GetService 实现 ServiceStore 接口。
func (m *MemoryStore) GetService(_ context.Context, id string) (service.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.services.get(id)
	if !ok {
		return service.Record{}, ServiceNotFound(id)
	}
	return rec.Clone(), nil
}

// FindServiceByName 实现 ServiceStore 接口。
func (m *MemoryStore) FindServiceByName(_ context.Context, name string) (service.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.byName[name] {
		if rec, ok := m.services.get(id); ok {
			return rec.Clone(), nil
		}
	}
	return service.Record{}, ServiceNotFound(name)
}

// UpdateService 实现 ServiceStore 接口，名称变化时同步名称索引。
func (m *MemoryStore) UpdateService(_ context.Context, rec service.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.services.get(rec.ID)
	if !ok {
		return ServiceNotFound(rec.ID)
	}
	rec.CreatedAt = current.CreatedAt
	if rec.UpdatedAt.IsZero() || !rec.UpdatedAt.After(current.UpdatedAt) {
		rec.UpdatedAt = m.now().UTC()
	}
	if current.Name != rec.Name {
		m.unindexName(current.Name, rec.ID)
		m.byName[rec.Name] = append(m.byName[rec.Name], rec.ID)
	}
	m.services.put(rec.ID, rec.Clone())
	return nil
}

// DeleteService 实现 ServiceStore 接口。
func (m *MemoryStore) DeleteService(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.services.get(id)
	if !ok {
		return ServiceNotFound(id)
	}
	m.services.remove(id, func(r service.Record) string { return r.ID })
	m.unindexName(current.Name, id)
	return nil
}

// ListServices 实现 ServiceStore 接口，按创建时间升序返回。
func (m *MemoryStore) ListServices(_ context.Context, filter ServiceFilter) ([]service.Record, error) {
	m.mu.RLock()
	candidates := m.services.items
	if filter.Name != "" {
		candidates = make([]service.Record, 0, len(m.byName[filter.Name]))
		for _, id := range m.byName[filter.Name] {
			if rec, ok := m.services.get(id); ok {
				candidates = append(candidates, rec)
			}
		}
	}
	results := make([]service.Record, 0, len(candidates))
	for _, rec := range candidates {
		if filter.Matches(rec) {
			results = append(results, rec.Clone())
		}
	}
	m.mu.RUnlock()
	slices.SortFunc(results, func(a, b service.Record) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return results, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) unindexName(name, id string) {
	ids := slices.DeleteFunc(m.byName[name], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(m.byName, name)
		return
	}
	m.byName[name] = ids
}

var _ Store = (*MemoryStore)(nil)
