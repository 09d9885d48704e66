// Package metrics 基于 Prometheus 暴露 HTTP、网格调用与熔断器指标。
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openmcp_mesh"

// 调用结果标签取值。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// 拒绝原因标签取值。
const (
	RejectCircuitOpen = "circuit_open"
	RejectRateLimited = "rate_limited"
)

var breakerStates = []string{"CLOSED", "OPEN", "HALF_OPEN"}

// Metrics 聚合全部指标。零值不可用，使用 New 构造；nil 接收者上的方法均为空操作。
type Metrics struct {
	registry *prometheus.Registry

	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	invocations        *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	rejections         *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	pluginEvents       *prometheus.CounterVec
}

// New 创建独立的指标注册表并注册全部指标。
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Service invocations attempted through the mesh.",
		}, []string{"service_id", "outcome"}),
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Duration of service invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service_id"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_rejections_total",
			Help:      "Invocations refused before reaching the service.",
		}, []string{"service_id", "reason"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Current circuit breaker state per service (1 for the active state).",
		}, []string{"service_id", "state"}),
		pluginEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_lifecycle_total",
			Help:      "Plugin lifecycle operations by action and result.",
		}, []string{"action", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests, m.httpDuration,
		m.invocations, m.invocationDuration, m.rejections,
		m.breakerState, m.pluginEvents,
	)
	return m
}

// Register 注册额外的采集器。
func (m *Metrics) Register(c prometheus.Collector) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(c)
}

// Gatherer 返回底层注册表。
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveInvocation 记录一次已发出的调用。
func (m *Metrics) ObserveInvocation(serviceID string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := OutcomeFailure
	if success {
		outcome = OutcomeSuccess
	}
	m.invocations.WithLabelValues(serviceID, outcome).Inc()
	m.invocationDuration.WithLabelValues(serviceID).Observe(duration.Seconds())
}

// ObserveRejection 记录被熔断或限流拒绝的调用。
func (m *Metrics) ObserveRejection(serviceID, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(serviceID, reason).Inc()
}

// SetBreakerState 将当前状态置 1，其余状态置 0。
func (m *Metrics) SetBreakerState(serviceID, state string) {
	if m == nil {
		return
	}
	for _, s := range breakerStates {
		value := 0.0
		if s == state {
			value = 1
		}
		m.breakerState.WithLabelValues(serviceID, s).Set(value)
	}
}

// DeleteBreaker 移除已注销服务的熔断器指标。
func (m *Metrics) DeleteBreaker(serviceID string) {
	if m == nil {
		return
	}
	for _, s := range breakerStates {
		m.breakerState.DeleteLabelValues(serviceID, s)
	}
}

// ObservePluginLifecycle 记录插件生命周期操作。
func (m *Metrics) ObservePluginLifecycle(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.pluginEvents.WithLabelValues(action, result).Inc()
}

// Handler exposes the metrics in Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Gatherer(), promhttp.HandlerOpts{})
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string, handler http.Handler) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}
