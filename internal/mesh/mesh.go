// Package mesh 通过服务注册中心调用服务：调用前检查熔断与限流，调用后更新熔断器并写入请求日志。
// 调用失败以结果返回而不是错误，本层不重试。
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"OpenMCP-Mesh/internal/breaker"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/service"
)

// 注入到出站请求的头部。
const (
	HeaderTraceID = "X-Trace-ID"
	HeaderAPIKey  = "X-API-Key"
)

// DefaultTimeout 是未指定超时时的调用超时。
const DefaultTimeout = 30 * time.Second

// Directory 是网格依赖的服务注册中心能力。
type Directory interface {
	Discover(ctx context.Context, idOrName string) (service.Record, error)
	Instances(ctx context.Context, name string) ([]service.Record, error)
	CanInvoke(id string) bool
	RecordFailure(id string) breaker.Snapshot
	ReleaseProbe(id string)
	ResetBreaker(id string)
	OnUnregister(fn func(id string))
}

// Option 配置 Mesh。
type Option func(*Mesh)

// WithTransport 替换出站传输层。
func WithTransport(t Transport) Option {
	return func(m *Mesh) {
		if t != nil {
			m.transport = t
		}
	}
}

// WithDefaultTimeout 覆盖默认调用超时。
func WithDefaultTimeout(d time.Duration) Option {
	return func(m *Mesh) {
		if d > 0 {
			m.defaultTimeout = d
		}
	}
}

// WithLogCapacity 设置请求日志容量。
func WithLogCapacity(n int) Option {
	return func(m *Mesh) { m.logCapacity = n }
}

// WithRateWindow 设置限流窗口长度。
func WithRateWindow(d time.Duration) Option {
	return func(m *Mesh) { m.rateWindow = d }
}

// WithMetrics 设置指标采集器。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Mesh) { m.metrics = mt }
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) Option {
	return func(m *Mesh) {
		if now != nil {
			m.now = now
		}
	}
}

// WithPicker 替换实例选择使用的随机数来源，返回 [0, n) 内的下标。
func WithPicker(pick func(n int) int) Option {
	return func(m *Mesh) {
		if pick != nil {
			m.pick = pick
		}
	}
}

// Mesh 是服务调用入口。
type Mesh struct {
	directory Directory
	transport Transport
	limiter   *RateLimiter
	requests  *RequestLog
	metrics   *metrics.Metrics

	defaultTimeout time.Duration
	logCapacity    int
	rateWindow     time.Duration
	now            func() time.Time
	pick           func(n int) int
	log            *slog.Logger
}

// New 创建服务网格。
func New(directory Directory, opts ...Option) *Mesh {
	m := &Mesh{
		directory:      directory,
		transport:      NewHTTPTransport(),
		defaultTimeout: DefaultTimeout,
		logCapacity:    DefaultLogCapacity,
		rateWindow:     DefaultWindow,
		now:            time.Now,
		pick:           rand.IntN,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.limiter = NewRateLimiter(m.rateWindow, m.now)
	m.requests = NewRequestLog(m.logCapacity)
	m.log = logger.Named("mesh")
	directory.OnUnregister(m.limiter.Forget)
	return m
}

// Invoke 调用指定服务。熔断打开时返回 CIRCUIT_OPEN，超出限流时返回 RATE_LIMITED；
// 已发出的调用无论成败都以 InvokeResult 返回。
//
// 限流额度先于熔断器检查，被限流的请求不会占用 HALF_OPEN 的唯一探测；
// 被熔断拒绝的请求也不计入限流。
func (m *Mesh) Invoke(ctx context.Context, serviceID string, req service.InvokeRequest) (service.InvokeResult, error) {
	rec, err := m.directory.Discover(ctx, serviceID)
	if err != nil {
		return service.InvokeResult{}, err
	}
	if !m.limiter.Available(rec.ID, rec.RateLimit) {
		return service.InvokeResult{}, m.rateLimited(rec)
	}
	if !m.directory.CanInvoke(rec.ID) {
		m.metrics.ObserveRejection(rec.ID, metrics.RejectCircuitOpen)
		return service.InvokeResult{}, xerrors.New(xerrors.CodeCircuitOpen,
			fmt.Sprintf("circuit breaker is open for service %s", rec.ID),
			xerrors.WithMetadata("service_id", rec.ID))
	}
	if !m.limiter.Allow(rec.ID, rec.RateLimit) {
		// 并发请求在两次检查之间用完了额度。
		m.directory.ReleaseProbe(rec.ID)
		return service.InvokeResult{}, m.rateLimited(rec)
	}
	return m.send(ctx, rec, req), nil
}

func (m *Mesh) rateLimited(rec service.Record) error {
	m.metrics.ObserveRejection(rec.ID, metrics.RejectRateLimited)
	return xerrors.New(xerrors.CodeRateLimited,
		fmt.Sprintf("rate limit of %d requests per minute exceeded for service %s", rec.RateLimit, rec.ID),
		xerrors.WithMetadata("service_id", rec.ID))
}

// Route 在同名服务实例中按策略选择一个并调用。
//
// ROUND_ROBIN 与 RANDOM 均为均匀随机选择；LEAST_CONNECTIONS 不统计连接数，
// 固定选择第一个实例。
func (m *Mesh) Route(ctx context.Context, name string, req service.InvokeRequest, strategy service.Strategy) (service.InvokeResult, error) {
	instances, err := m.directory.Instances(ctx, name)
	if err != nil {
		return service.InvokeResult{}, err
	}
	if len(instances) == 0 {
		return service.InvokeResult{}, xerrors.Newf(xerrors.CodeNoInstances, "no instances registered for service %s", name)
	}

	var chosen service.Record
	switch strategy {
	case "", service.StrategyRoundRobin, service.StrategyRandom:
		chosen = instances[m.pick(len(instances))]
	case service.StrategyLeastConnections:
		chosen = instances[0]
	default:
		return service.InvokeResult{}, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown load balancing strategy %q", strategy)
	}
	return m.Invoke(ctx, chosen.ID, req)
}

// RequestLog 按时间倒序返回最近的调用记录。
func (m *Mesh) RequestLog(limit int) []LogEntry {
	return m.requests.Recent(limit)
}

// Stats 返回调用汇总。
func (m *Mesh) Stats() Stats {
	return m.requests.stats()
}

// RateUsage 返回服务在当前窗口内的已用次数与重置时间。
func (m *Mesh) RateUsage(serviceID string) (int, time.Time) {
	return m.limiter.Usage(serviceID)
}

func (m *Mesh) send(ctx context.Context, rec service.Record, req service.InvokeRequest) service.InvokeResult {
	traceID := uuid.NewString()
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	headers := req.CloneHeaders()
	headers[HeaderTraceID] = traceID
	if rec.APIKey != "" {
		headers[HeaderAPIKey] = rec.APIKey
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := m.now()
	resp, err := m.transport.Send(callCtx, Request{
		Method:  method,
		URL:     rec.URL(req.Endpoint),
		Headers: headers,
		Body:    req.Body,
		Timeout: timeout,
	})
	elapsed := m.now().Sub(started)

	result := service.InvokeResult{
		Status:       resp.Status,
		ResponseTime: elapsed,
		TraceID:      traceID,
		ServiceID:    rec.ID,
	}
	switch {
	case err != nil:
		code := xerrors.CodeRemoteInvocation
		if errors.Is(err, context.DeadlineExceeded) {
			code = xerrors.CodeTimeout
		}
		result.Error = err.Error()
		result.ErrorCode = string(code)
	case resp.Status < 200 || resp.Status >= 300:
		result.Error = fmt.Sprintf("service responded with status %d", resp.Status)
		result.ErrorCode = string(xerrors.CodeRemoteInvocation)
		result.Data = resp.Body
	default:
		result.Success = true
		result.Data = resp.Body
	}

	if result.Success {
		m.directory.ResetBreaker(rec.ID)
	} else {
		snap := m.directory.RecordFailure(rec.ID)
		m.log.Warn("服务调用失败", slog.String("service_id", rec.ID), slog.String("trace_id", traceID),
			slog.String("error", result.Error), slog.Int("failures", snap.Failures), slog.String("breaker", string(snap.State)))
	}

	m.requests.Append(LogEntry{
		ServiceID: rec.ID,
		TraceID:   traceID,
		Method:    method,
		Endpoint:  req.Endpoint,
		Status:    result.Status,
		Success:   result.Success,
		Error:     result.Error,
		Timestamp: started.UTC(),
		Duration:  elapsed,
	})
	m.metrics.ObserveInvocation(rec.ID, result.Success, elapsed)
	return result
}
