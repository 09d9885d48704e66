package discovery

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"OpenMCP-Mesh/pkg/service"
)

// DefaultHealthPath 是服务健康检查的默认路径。
const DefaultHealthPath = "/health"

// Prober 对服务执行一次健康探测，返回探测耗时。
type Prober interface {
	Probe(ctx context.Context, rec service.Record) (time.Duration, error)
}

// ProberFunc 将函数适配为 Prober。
type ProberFunc func(ctx context.Context, rec service.Record) (time.Duration, error)

// Probe 实现 Prober 接口。
func (f ProberFunc) Probe(ctx context.Context, rec service.Record) (time.Duration, error) {
	return f(ctx, rec)
}

// HTTPProber 对服务的健康端点发起 GET 请求，2xx 视为健康。
type HTTPProber struct {
	Client  *http.Client
	Path    string
	Timeout time.Duration
}

// Probe 实现 Prober 接口。
func (p *HTTPProber) Probe(ctx context.Context, rec service.Record) (time.Duration, error) {
	path := p.Path
	if path == "" {
		path = DefaultHealthPath
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rec.URL(path), nil)
	if err != nil {
		return 0, err
	}
	if rec.APIKey != "" {
		req.Header.Set("X-API-Key", rec.APIKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return elapsed, fmt.Errorf("health endpoint returned status %d", resp.StatusCode)
	}
	return elapsed, nil
}
