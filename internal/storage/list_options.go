package storage

import (
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// ListOptions controls which plugin records a listing returns. A zero Limit
// returns every match.
type ListOptions struct {
	Category plugin.Category
	Enabled  *bool
	Limit    int
	Offset   int
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithCategory filters plugins by category.
func WithCategory(category plugin.Category) ListOption {
	return func(opts *ListOptions) {
		opts.Category = category
	}
}

// WithEnabled filters plugins by their enabled flag.
func WithEnabled(enabled bool) ListOption {
	return func(opts *ListOptions) {
		opts.Enabled = &enabled
	}
}

// WithLimit limits the number of plugins returned.
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) {
		opts.Limit = limit
	}
}

// WithOffset skips the first n matching plugins.
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) {
		opts.Offset = offset
	}
}

// BuildListOptions applies option functions on top of defaults.
func BuildListOptions(opts []ListOption) ListOptions {
	options := ListOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	if options.Limit < 0 {
		options.Limit = 0
	}
	if options.Offset < 0 {
		options.Offset = 0
	}
	return options
}

// Matches reports whether rec satisfies the category and enabled filters.
func (opts ListOptions) Matches(rec plugin.Record) bool {
	if opts.Category != "" && rec.Category != opts.Category {
		return false
	}
	if opts.Enabled != nil && rec.Enabled != *opts.Enabled {
		return false
	}
	return true
}

// ServiceFilter narrows a service listing. Empty fields match everything.
type ServiceFilter struct {
	Name         string
	Protocol     service.Protocol
	HealthStatus service.HealthStatus
}

// Matches reports whether rec satisfies the filter.
func (f ServiceFilter) Matches(rec service.Record) bool {
	if f.Name != "" && rec.Name != f.Name {
		return false
	}
	if f.Protocol != "" && rec.Protocol != f.Protocol {
		return false
	}
	if f.HealthStatus != "" && rec.Health.Status != f.HealthStatus {
		return false
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
