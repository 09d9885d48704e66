package mesh

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Request 是一次出站调用。
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// Response 是远端返回的原始响应。
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Transport 发送请求并返回响应，网络错误与超时以 error 返回。
type Transport interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// TransportFunc 将函数适配为 Transport。
type TransportFunc func(ctx context.Context, req Request) (Response, error)

// Send 实现 Transport 接口。
func (f TransportFunc) Send(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// DefaultMaxBodyBytes 限制读取的响应体大小。
const DefaultMaxBodyBytes = 4 << 20

// HTTPTransport 基于 net/http 的 Transport 实现。
type HTTPTransport struct {
	Client       *http.Client
	MaxBodyBytes int64
}

// NewHTTPTransport 创建带连接池的 HTTP 传输层。
func NewHTTPTransport() *HTTPTransport {
	return &HTTPTransport{
		Client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Send 实现 Transport 接口。
func (t *HTTPTransport) Send(ctx context.Context, req Request) (Response, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return Response{}, err
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	limit := t.MaxBodyBytes
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return Response{Status: resp.StatusCode, Headers: resp.Header}, err
	}
	return Response{Status: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}
