// Package storage 定义插件与服务元数据的持久化边界，并提供内存实现与读穿透缓存装饰器。
package storage

import (
	"context"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// PluginStore 持久化插件元数据，按 ID 索引。
type PluginStore interface {
	CreatePlugin(ctx context.Context, rec plugin.Record) error
	GetPlugin(ctx context.Context, id string) (plugin.Record, error)
	UpdatePlugin(ctx context.Context, rec plugin.Record) error
	DeletePlugin(ctx context.Context, id string) error
	ListPlugins(ctx context.Context, opts ...ListOption) ([]plugin.Record, error)
}

// ServiceStore 持久化服务元数据，支持按 ID 或名称查询。
type ServiceStore interface {
	CreateService(ctx context.Context, rec service.Record) error
	GetService(ctx context.Context, id string) (service.Record, error)
	// FindServiceByName 返回名称匹配的第一条记录（按创建时间）。
	FindServiceByName(ctx context.Context, name string) (service.Record, error)
	UpdateService(ctx context.Context, rec service.Record) error
	DeleteService(ctx context.Context, id string) error
	ListServices(ctx context.Context, filter ServiceFilter) ([]service.Record, error)
}

// Store 聚合两类元数据存储。
type Store interface {
	PluginStore
	ServiceStore
	Close() error
}

// PluginNotFound 构造插件不存在错误。
func PluginNotFound(id string) error {
	return xerrors.Newf(xerrors.CodeNotFound, "plugin %s not found", id)
}

// PluginExists 构造插件重复错误。
func PluginExists(id string) error {
	return xerrors.Newf(xerrors.CodeConflict, "plugin %s already exists", id)
}

// ServiceNotFound 构造服务不存在错误。
func ServiceNotFound(idOrName string) error {
	return xerrors.Newf(xerrors.CodeNotFound, "service %s not found", idOrName)
}

// ServiceExists 构造服务重复错误。
func ServiceExists(id string) error {
	return xerrors.Newf(xerrors.CodeConflict, "service %s already exists", id)
}
