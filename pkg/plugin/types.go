package plugin

import (
	"maps"
	"slices"
	"time"
)

// Category represents the functional category of a plugin.
type Category string

const (
	CategoryAIModels     Category = "AI_MODELS"
	CategoryTools        Category = "TOOLS"
	CategoryProcessors   Category = "PROCESSORS"
	CategoryStorage      Category = "STORAGE"
	CategoryUIComponents Category = "UI_COMPONENTS"
)

// Categories lists every supported category in a stable order.
func Categories() []Category {
	return []Category{CategoryAIModels, CategoryTools, CategoryProcessors, CategoryStorage, CategoryUIComponents}
}

// Valid reports whether c is one of the supported categories.
func (c Category) Valid() bool {
	return slices.Contains(Categories(), c)
}

// Status represents the lifecycle position of a plugin instance.
//
//	REGISTERED -> INITIALIZED -> RUNNING <-> STOPPED
//
// Any state may move to ERROR on a failed transition and to DESTROYED on unload.
type Status string

const (
	StatusRegistered  Status = "REGISTERED"
	StatusInitialized Status = "INITIALIZED"
	StatusRunning     Status = "RUNNING"
	StatusStopped     Status = "STOPPED"
	StatusError       Status = "ERROR"
	StatusDestroyed   Status = "DESTROYED"
)

// HealthState is the outcome of a plugin health probe.
type HealthState string

const (
	HealthHealthy   HealthState = "HEALTHY"
	HealthUnhealthy HealthState = "UNHEALTHY"
)

// HealthReport is the snapshot returned by a plugin health check.
type HealthReport struct {
	ID        string         `json:"id"`
	Status    HealthState    `json:"status"`
	State     Status         `json:"state"`
	Uptime    time.Duration  `json:"uptime"`
	Message   string         `json:"message,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Details   map[string]any `json:"details,omitempty"`
}

// Record is the persisted metadata of a registered plugin.
type Record struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Version      string         `json:"version" yaml:"version"`
	Description  string         `json:"description,omitempty" yaml:"description"`
	Author       string         `json:"author,omitempty" yaml:"author"`
	Category     Category       `json:"category" yaml:"category"`
	Capabilities []string       `json:"capabilities,omitempty" yaml:"capabilities"`
	Dependencies []string       `json:"dependencies,omitempty" yaml:"dependencies"`
	Config       map[string]any `json:"config,omitempty" yaml:"config"`
	Status       Status         `json:"status" yaml:"-"`
	Enabled      bool           `json:"enabled" yaml:"-"`
	Checksum     string         `json:"checksum,omitempty" yaml:"checksum"`
	CreatedAt    time.Time      `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time      `json:"updated_at" yaml:"-"`
}

// Clone returns a copy of the record that shares no slices or maps with r.
func (r Record) Clone() Record {
	dup := r
	dup.Capabilities = slices.Clone(r.Capabilities)
	dup.Dependencies = slices.Clone(r.Dependencies)
	if r.Config != nil {
		dup.Config = maps.Clone(r.Config)
	}
	return dup
}

// DependsOn reports whether the record lists id as a dependency.
func (r Record) DependsOn(id string) bool {
	return slices.Contains(r.Dependencies, id)
}

// HasCapability reports whether the record declares the capability.
func (r Record) HasCapability(name string) bool {
	return slices.Contains(r.Capabilities, name)
}
