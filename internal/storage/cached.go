package storage

import (
	"context"
	"log/slog"
	"time"

	"OpenMCP-Mesh/internal/storage/cache"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// DefaultCacheTTL 是缓存条目的默认有效期。
const DefaultCacheTTL = 5 * time.Minute

// CachedStore 为 Store 增加读穿透缓存：读取先查缓存，未命中时回源并回填；
// 更新与删除在写入存储后使对应缓存失效。缓存故障只记录日志，不影响读写结果。
type CachedStore struct {
	Store
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
}

// NewCachedStore 创建带缓存的存储。ttl 小于等于 0 时使用 DefaultCacheTTL。
func NewCachedStore(store Store, c cache.Cache, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedStore{Store: store, cache: c, ttl: ttl, log: logger.Named("storage-cache")}
}

func pluginKey(id string) string { return "plugin:" + id }
func serviceKey(id string) string { return "service:" + id }
func serviceNameKey(name string) string { return "service-name:" + name }

// GetPlugin 实现 PluginStore 接口。
func (s *CachedStore) GetPlugin(ctx context.Context, id string) (plugin.Record, error) {
	var rec plugin.Record
	if s.lookup(ctx, pluginKey(id), &rec) {
		return rec, nil
	}
	rec, err := s.Store.GetPlugin(ctx, id)
	if err != nil {
		return plugin.Record{}, err
	}
	s.fill(ctx, pluginKey(id), rec)
	return rec, nil
}

// UpdatePlugin 实现 PluginStore 接口。
func (s *CachedStore) UpdatePlugin(ctx context.Context, rec plugin.Record) error {
	if err := s.Store.UpdatePlugin(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, pluginKey(rec.ID))
	return nil
}

// DeletePlugin 实现 PluginStore 接口。
func (s *CachedStore) DeletePlugin(ctx context.Context, id string) error {
	if err := s.Store.DeletePlugin(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, pluginKey(id))
	return nil
}

// CreateService 实现 ServiceStore 接口。
func (s *CachedStore) CreateService(ctx context.Context, rec service.Record) error {
	if err := s.Store.CreateService(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, serviceNameKey(rec.Name))
	return nil
}

// GetService 实现 ServiceStore 接口。
func (s *CachedStore) GetService(ctx context.Context, id string) (service.Record, error) {
	var rec service.Record
	if s.lookup(ctx, serviceKey(id), &rec) {
		return rec, nil
	}
	rec, err := s.Store.GetService(ctx, id)
	if err != nil {
		return service.Record{}, err
	}
	s.fill(ctx, serviceKey(id), rec)
	return rec, nil
}

// FindServiceByName 实现 ServiceStore 接口。
func (s *CachedStore) FindServiceByName(ctx context.Context, name string) (service.Record, error) {
	var rec service.Record
	if s.lookup(ctx, serviceNameKey(name), &rec) {
		return rec, nil
	}
	rec, err := s.Store.FindServiceByName(ctx, name)
	if err != nil {
		return service.Record{}, err
	}
	s.fill(ctx, serviceNameKey(name), rec)
	return rec, nil
}

// UpdateService 实现 ServiceStore 接口。
func (s *CachedStore) UpdateService(ctx context.Context, rec service.Record) error {
	keys := []string{serviceKey(rec.ID), serviceNameKey(rec.Name)}
	if previous, err := s.Store.GetService(ctx, rec.ID); err == nil && previous.Name != rec.Name {
		keys = append(keys, serviceNameKey(previous.Name))
	}
	if err := s.Store.UpdateService(ctx, rec); err != nil {
		return err
	}
	s.invalidate(ctx, keys...)
	return nil
}

// DeleteService 实现 ServiceStore 接口。
func (s *CachedStore) DeleteService(ctx context.Context, id string) error {
	keys := []string{serviceKey(id)}
	if previous, err := s.Store.GetService(ctx, id); err == nil {
		keys = append(keys, serviceNameKey(previous.Name))
	}
	if err := s.Store.DeleteService(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, keys...)
	return nil
}

// Close 关闭底层存储与缓存。
func (s *CachedStore) Close() error {
	err := s.Store.Close()
	if cerr := s.cache.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	ok, err := s.cache.Get(ctx, key, dst)
	if err != nil {
		s.log.Warn("cache read failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return ok
}

func (s *CachedStore) fill(ctx context.Context, key string, value any) {
	if err := s.cache.Set(ctx, key, value, s.ttl); err != nil {
		s.log.Warn("cache write failed", slog.String("key", key), slog.Any("error", err))
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("cache invalidation failed", slog.Any("keys", keys), slog.Any("error", err))
	}
}

var _ Store = (*CachedStore)(nil)
