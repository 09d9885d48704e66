// Package service holds the service records shared by the registry, the mesh
// and API clients.
package service

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Protocol is the transport a service speaks.
type Protocol string

const (
	ProtocolHTTP      Protocol = "HTTP"
	ProtocolHTTPS     Protocol = "HTTPS"
	ProtocolGRPC      Protocol = "GRPC"
	ProtocolWebSocket Protocol = "WEBSOCKET"
)

// Valid reports whether p is a supported protocol.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolHTTP, ProtocolHTTPS, ProtocolGRPC, ProtocolWebSocket:
		return true
	}
	return false
}

// Scheme returns the URL scheme used to reach the protocol.
func (p Protocol) Scheme() string {
	switch p {
	case ProtocolHTTPS:
		return "https"
	case ProtocolGRPC:
		return "grpc"
	case ProtocolWebSocket:
		return "ws"
	default:
		return "http"
	}
}

// HealthStatus is the last known health of a service.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "HEALTHY"
	HealthUnhealthy HealthStatus = "UNHEALTHY"
	HealthUnknown   HealthStatus = "UNKNOWN"
)

// Health is the snapshot written by health checks.
type Health struct {
	Status       HealthStatus  `json:"status"`
	LastCheck    time.Time     `json:"last_check"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// DefaultRateLimit is the per-minute request allowance for services that do
// not configure one.
const DefaultRateLimit = 100

// Record describes one reachable instance of a service. Several records may
// share a Name.
type Record struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Version      string    `json:"version,omitempty"`
	Protocol     Protocol  `json:"protocol"`
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	Endpoints    []string  `json:"endpoints,omitempty"`
	Dependencies []string  `json:"dependencies,omitempty"`
	Health       Health    `json:"health"`
	RateLimit    int       `json:"rate_limit"`
	APIKey       string    `json:"api_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Clone returns a copy that shares no slices with r.
func (r Record) Clone() Record {
	dup := r
	dup.Endpoints = slices.Clone(r.Endpoints)
	dup.Dependencies = slices.Clone(r.Dependencies)
	return dup
}

// BaseURL returns scheme://host:port for the record.
func (r Record) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", r.Protocol.Scheme(), r.Host, r.Port)
}

// URL joins the base address with endpoint.
func (r Record) URL(endpoint string) string {
	if endpoint != "" && !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}
	return r.BaseURL() + endpoint
}

// InvokeRequest is a single call routed through the mesh.
type InvokeRequest struct {
	Method   string            `json:"method"`
	Endpoint string            `json:"endpoint"`
	Body     []byte            `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Timeout  time.Duration     `json:"timeout,omitempty"`
}

// CloneHeaders returns a copy of the request headers.
func (r InvokeRequest) CloneHeaders() map[string]string {
	if r.Headers == nil {
		return map[string]string{}
	}
	return maps.Clone(r.Headers)
}

// InvokeResult is returned for every call the mesh attempted. A remote
// failure is reported here with Success false rather than as an error.
type InvokeResult struct {
	Success      bool          `json:"success"`
	Status       int           `json:"status"`
	Data         []byte        `json:"data,omitempty"`
	Error        string        `json:"error,omitempty"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ResponseTime time.Duration `json:"response_time"`
	TraceID      string        `json:"trace_id"`
	ServiceID    string        `json:"service_id"`
}

// Strategy selects one instance among several sharing a name.
type Strategy string

const (
	StrategyRoundRobin       Strategy = "ROUND_ROBIN"
	StrategyRandom           Strategy = "RANDOM"
	StrategyLeastConnections Strategy = "LEAST_CONNECTIONS"
)
