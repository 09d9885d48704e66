// Package meshclient is a thin Go client for the OpenMCP Mesh REST API.
package meshclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the mesh API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// APIError is returned for every 4xx/5xx response.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Reasons    []string          `json:"reasons,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("mesh api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mesh api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// RegisterPlugin is the payload for POST /plugins. Source names the shared
// object the server opens for the instance.
type RegisterPlugin struct {
	plugin.Record
	Source string `json:"source"`
}

// PluginQuery filters ListPlugins.
type PluginQuery struct {
	Text       string
	Capability string
	Category   plugin.Category
	Enabled    *bool
	Limit      int
	Offset     int
}

// PluginPatch carries the fields UpdatePlugin changes. Nil fields are left alone.
type PluginPatch struct {
	Name         *string          `json:"name,omitempty"`
	Version      *string          `json:"version,omitempty"`
	Description  *string          `json:"description,omitempty"`
	Author       *string          `json:"author,omitempty"`
	Category     *plugin.Category `json:"category,omitempty"`
	Capabilities *[]string        `json:"capabilities,omitempty"`
	Dependencies *[]string        `json:"dependencies,omitempty"`
	Config       map[string]any   `json:"config,omitempty"`
	Checksum     *string          `json:"checksum,omitempty"`
}

// LifecycleState is the reply of the enable/disable/start/stop endpoints.
type LifecycleState struct {
	ID      string        `json:"id"`
	Enabled bool          `json:"enabled"`
	Status  plugin.Status `json:"status"`
}

// PluginStats summarises the plugin registry.
type PluginStats struct {
	Total      int                     `json:"total"`
	Enabled    int                     `json:"enabled"`
	Disabled   int                     `json:"disabled"`
	Loaded     int                     `json:"loaded"`
	ByCategory map[plugin.Category]int `json:"by_category"`
	ByStatus   map[plugin.Status]int   `json:"by_status"`
}

// Invocation is the payload for the invoke and route endpoints.
type Invocation struct {
	Method    string            `json:"method,omitempty"`
	Endpoint  string            `json:"endpoint"`
	Body      any               `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Strategy  service.Strategy  `json:"strategy,omitempty"`
}

// InvocationResult mirrors the mesh invoke response. Remote failures come back
// with Success=false rather than as an error.
type InvocationResult struct {
	Success        bool            `json:"success"`
	Status         int             `json:"status"`
	Data           json.RawMessage `json:"data,omitempty"`
	Error          string          `json:"error,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	ResponseTimeMS int64           `json:"response_time_ms"`
	TraceID        string          `json:"trace_id"`
	ServiceID      string          `json:"service_id"`
}

// Node is a plugin or service in the topology.
type Node struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Name     string         `json:"name"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Edge means From depends on To.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Type string `json:"type"`
}

// Topology is a snapshot of every plugin and service with their edges.
type Topology struct {
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	GeneratedAt time.Time `json:"generated_at"`
}

// TopologyMetrics are the aggregate topology counts.
type TopologyMetrics struct {
	TotalServices     int `json:"total_services"`
	TotalPlugins      int `json:"total_plugins"`
	HealthyServices   int `json:"healthy_services"`
	UnhealthyServices int `json:"unhealthy_services"`
	TotalEdges        int `json:"total_edges"`
}

// NewClient instantiates a client for the mesh API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the bearer token in use.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RegisterPlugin registers a plugin and loads its instance.
func (c *Client) RegisterPlugin(ctx context.Context, req RegisterPlugin) (plugin.Record, error) {
	var rec plugin.Record
	err := c.send(ctx, http.MethodPost, "/api/v1/plugins", nil, req, &rec)
	return rec, err
}

// GetPlugin fetches a plugin record.
func (c *Client) GetPlugin(ctx context.Context, id string) (plugin.Record, error) {
	var rec plugin.Record
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins/"+id, nil, nil, &rec)
	return rec, err
}

// ListPlugins searches the plugin registry.
func (c *Client) ListPlugins(ctx context.Context, q PluginQuery) ([]plugin.Record, error) {
	params := url.Values{}
	setParam(params, "q", q.Text)
	setParam(params, "capability", q.Capability)
	setParam(params, "category", string(q.Category))
	if q.Enabled != nil {
		params.Set("enabled", strconv.FormatBool(*q.Enabled))
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Set("offset", strconv.Itoa(q.Offset))
	}
	var out struct {
		Plugins []plugin.Record `json:"plugins"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins", params, nil, &out)
	return out.Plugins, err
}

// UpdatePlugin applies a partial update. A non-empty ifMatch checksum makes
// the update conditional.
func (c *Client) UpdatePlugin(ctx context.Context, id string, patch PluginPatch, ifMatch string) (plugin.Record, error) {
	var rec plugin.Record
	req, err := c.newRequest(ctx, http.MethodPatch, "/api/v1/plugins/"+id, nil, patch)
	if err != nil {
		return rec, err
	}
	if ifMatch != "" {
		req.Header.Set("If-Match", ifMatch)
	}
	err = c.do(req, &rec)
	return rec, err
}

// UnregisterPlugin removes a plugin that nothing depends on.
func (c *Client) UnregisterPlugin(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/plugins/"+id, nil, nil, nil)
}

// EnablePlugin enables a plugin, starting it when loaded.
func (c *Client) EnablePlugin(ctx context.Context, id string) (LifecycleState, error) {
	return c.lifecycle(ctx, id, "enable")
}

// DisablePlugin disables a plugin, stopping it when loaded.
func (c *Client) DisablePlugin(ctx context.Context, id string) (LifecycleState, error) {
	return c.lifecycle(ctx, id, "disable")
}

// StartPlugin starts a loaded plugin.
func (c *Client) StartPlugin(ctx context.Context, id string) (LifecycleState, error) {
	return c.lifecycle(ctx, id, "start")
}

// StopPlugin stops a running plugin.
func (c *Client) StopPlugin(ctx context.Context, id string) (LifecycleState, error) {
	return c.lifecycle(ctx, id, "stop")
}

func (c *Client) lifecycle(ctx context.Context, id, action string) (LifecycleState, error) {
	var state LifecycleState
	err := c.send(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/"+action, nil, nil, &state)
	return state, err
}

// ReloadPlugin replaces the plugin instance with one opened from source.
func (c *Client) ReloadPlugin(ctx context.Context, id, source string) (plugin.Record, error) {
	var rec plugin.Record
	err := c.send(ctx, http.MethodPost, "/api/v1/plugins/"+id+"/reload", nil,
		map[string]string{"source": source}, &rec)
	return rec, err
}

// PluginHealth runs the plugin health check.
func (c *Client) PluginHealth(ctx context.Context, id string) (plugin.HealthReport, error) {
	var report plugin.HealthReport
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins/"+id+"/health", nil, nil, &report)
	return report, err
}

// PluginStats returns registry statistics.
func (c *Client) PluginStats(ctx context.Context) (PluginStats, error) {
	var stats PluginStats
	err := c.send(ctx, http.MethodGet, "/api/v1/plugins/stats", nil, nil, &stats)
	return stats, err
}

// RegisterService adds a remote service instance.
func (c *Client) RegisterService(ctx context.Context, rec service.Record) (service.Record, error) {
	var out service.Record
	err := c.send(ctx, http.MethodPost, "/api/v1/services", nil, rec, &out)
	return out, err
}

// DiscoverService looks a service up by id, then by name.
func (c *Client) DiscoverService(ctx context.Context, idOrName string) (service.Record, error) {
	var out service.Record
	err := c.send(ctx, http.MethodGet, "/api/v1/services/"+idOrName, nil, nil, &out)
	return out, err
}

// ListServices lists services, optionally filtered by name.
func (c *Client) ListServices(ctx context.Context, name string) ([]service.Record, error) {
	params := url.Values{}
	setParam(params, "name", name)
	var out struct {
		Services []service.Record `json:"services"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/services", params, nil, &out)
	return out.Services, err
}

// UnregisterService removes a service instance.
func (c *Client) UnregisterService(ctx context.Context, id string) error {
	return c.send(ctx, http.MethodDelete, "/api/v1/services/"+id, nil, nil, nil)
}

// CheckService runs a health probe against the service and returns the
// updated record.
func (c *Client) CheckService(ctx context.Context, id string) (service.Record, error) {
	var out service.Record
	err := c.send(ctx, http.MethodPost, "/api/v1/services/"+id+"/health", nil, nil, &out)
	return out, err
}

// Invoke calls one service instance through the mesh.
func (c *Client) Invoke(ctx context.Context, serviceID string, inv Invocation) (InvocationResult, error) {
	var res InvocationResult
	err := c.send(ctx, http.MethodPost, "/api/v1/services/"+serviceID+"/invoke", nil, inv, &res)
	return res, err
}

// Route picks an instance of the named service and invokes it.
func (c *Client) Route(ctx context.Context, name string, inv Invocation) (InvocationResult, error) {
	var res InvocationResult
	err := c.send(ctx, http.MethodPost, "/api/v1/routes/"+name, nil, inv, &res)
	return res, err
}

// Topology fetches the current dependency graph.
func (c *Client) Topology(ctx context.Context) (Topology, error) {
	var topo Topology
	err := c.send(ctx, http.MethodGet, "/api/v1/topology", nil, nil, &topo)
	return topo, err
}

// TopologyDOT fetches the dependency graph in Graphviz DOT form.
func (c *Client) TopologyDOT(ctx context.Context) (string, error) {
	params := url.Values{"format": []string{"dot"}}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/topology", params, nil)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := c.do(req, &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// TopologyMetrics fetches aggregate topology counts.
func (c *Client) TopologyMetrics(ctx context.Context) (TopologyMetrics, error) {
	var m TopologyMetrics
	err := c.send(ctx, http.MethodGet, "/api/v1/topology/metrics", nil, nil, &m)
	return m, err
}

// Cycles returns every dependency cycle as a list of node ids.
func (c *Client) Cycles(ctx context.Context) ([][]string, error) {
	var out struct {
		Cycles [][]string `json:"cycles"`
	}
	err := c.send(ctx, http.MethodGet, "/api/v1/topology/cycles", nil, nil, &out)
	return out.Cycles, err
}

func setParam(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, params url.Values, payload, out any) error {
	req, err := c.newRequest(ctx, method, endpoint, params, payload)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, params url.Values, payload any) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(params) > 0 {
		rel.RawQuery = params.Encode()
	}
	u := c.baseURL.ResolveReference(rel)

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	switch dst := out.(type) {
	case nil:
		return nil
	case *bytes.Buffer:
		_, err := dst.ReadFrom(resp.Body)
		return err
	default:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}
