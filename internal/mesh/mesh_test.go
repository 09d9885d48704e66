package mesh

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Mesh/internal/breaker"
	"OpenMCP-Mesh/internal/discovery"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/service"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	mesh      *Mesh
	directory *discovery.Registry
	clock     *fakeClock
	calls     []Request
	respond   func(req Request) (Response, error)
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger.Use(logger.Discard())

	f := &fixture{clock: &fakeClock{now: time.Unix(1_700_000_000, 0)}}
	f.respond = func(Request) (Response, error) {
		return Response{Status: http.StatusOK, Body: []byte(`{"ok":true}`)}, nil
	}
	f.directory = discovery.NewRegistry(storage.NewMemoryStore(), breaker.NewTracker(breaker.WithClock(f.clock.Now)),
		discovery.WithClock(f.clock.Now))
	transport := TransportFunc(func(_ context.Context, req Request) (Response, error) {
		f.calls = append(f.calls, req)
		return f.respond(req)
	})
	base := []Option{WithTransport(transport), WithClock(f.clock.Now)}
	f.mesh = New(f.directory, append(base, opts...)...)
	return f
}

func (f *fixture) register(t *testing.T, rec service.Record) service.Record {
	t.Helper()
	if rec.Name == "" {
		rec.Name = "echo"
	}
	if rec.Host == "" {
		rec.Host = "10.0.0.1"
	}
	if rec.Port == 0 {
		rec.Port = 8080
	}
	out, err := f.directory.Register(context.Background(), rec)
	require.NoError(t, err)
	return out
}

func TestInvokeBuildsRequest(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1", APIKey: "secret"})

	res, err := f.mesh.Invoke(context.Background(), "s1", service.InvokeRequest{
		Method: "post", Endpoint: "echo", Body: []byte(`{}`), Headers: map[string]string{"X-Custom": "1"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, `{"ok":true}`, string(res.Data))
	assert.NotEmpty(t, res.TraceID)
	assert.Equal(t, "s1", res.ServiceID)

	require.Len(t, f.calls, 1)
	call := f.calls[0]
	assert.Equal(t, "POST", call.Method)
	assert.Equal(t, "http://10.0.0.1:8080/echo", call.URL)
	assert.Equal(t, DefaultTimeout, call.Timeout)
	assert.Equal(t, res.TraceID, call.Headers[HeaderTraceID])
	assert.Equal(t, "secret", call.Headers[HeaderAPIKey])
	assert.Equal(t, "1", call.Headers["X-Custom"])

	log := f.mesh.RequestLog(10)
	require.Len(t, log, 1)
	assert.Equal(t, res.TraceID, log[0].TraceID)
	assert.True(t, log[0].Success)
}

func TestInvokeUnknownService(t *testing.T) {
	f := newFixture(t)
	_, err := f.mesh.Invoke(context.Background(), "ghost", service.InvokeRequest{})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
	assert.Empty(t, f.calls)
}

func TestInvokeRateLimitFixedWindow(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1", RateLimit: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err)
		assert.True(t, res.Success)
	}
	_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	assert.Equal(t, xerrors.CodeRateLimited, xerrors.CodeOf(err))
	assert.Len(t, f.calls, 2)

	count, resetAt := f.mesh.RateUsage("s1")
	assert.Equal(t, 2, count)
	assert.Equal(t, f.clock.Now().Add(time.Minute), resetAt)

	f.clock.Advance(time.Minute)
	_, err = f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	assert.NoError(t, err)
}

func TestInvokeDefaultLimitAllowsHundredPerWindow(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1"})
	ctx := context.Background()

	for i := 0; i < service.DefaultRateLimit; i++ {
		_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err, "call %d", i+1)
		f.clock.Advance(100 * time.Millisecond)
	}
	_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	assert.Equal(t, xerrors.CodeRateLimited, xerrors.CodeOf(err))
}

func TestInvokeFailuresOpenBreaker(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1"})
	ctx := context.Background()

	f.respond = func(Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	}
	for i := 0; i < breaker.DefaultThreshold; i++ {
		res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err, "remote failures are returned as results")
		assert.False(t, res.Success)
		assert.Equal(t, string(xerrors.CodeRemoteInvocation), res.ErrorCode)
		assert.Equal(t, "connection refused", res.Error)
	}

	_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	assert.Equal(t, xerrors.CodeCircuitOpen, xerrors.CodeOf(err))
	assert.Len(t, f.calls, breaker.DefaultThreshold)

	f.clock.Advance(breaker.DefaultCooldown)
	f.respond = func(Request) (Response, error) { return Response{Status: http.StatusNoContent}, nil }
	res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)

	snap, ok := f.directory.Breaker("s1")
	require.True(t, ok)
	assert.Equal(t, breaker.StateClosed, snap.State)
	assert.Zero(t, snap.Failures)
}

func TestRateLimitedCallKeepsHalfOpenProbe(t *testing.T) {
	f := newFixture(t, WithRateWindow(40*time.Second))
	f.register(t, service.Record{ID: "s1", RateLimit: breaker.DefaultThreshold})
	ctx := context.Background()

	f.respond = func(Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	}
	for i := 0; i < breaker.DefaultThreshold; i++ {
		_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err)
	}

	f.clock.Advance(31 * time.Second)
	_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	assert.Equal(t, xerrors.CodeRateLimited, xerrors.CodeOf(err))
	snap, ok := f.directory.Breaker("s1")
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, snap.State)
	assert.Len(t, f.calls, breaker.DefaultThreshold)

	// 限流窗口在下一个熔断冷却期结束之前重置，探测机会仍然保留。
	f.clock.Advance(10 * time.Second)
	f.respond = func(Request) (Response, error) { return Response{Status: http.StatusOK}, nil }
	res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, f.calls, breaker.DefaultThreshold+1)
	snap, _ = f.directory.Breaker("s1")
	assert.Equal(t, breaker.StateClosed, snap.State)
}

func TestCircuitOpenRejectionDoesNotSpendRateBudget(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1", RateLimit: 10})
	ctx := context.Background()

	f.respond = func(Request) (Response, error) {
		return Response{}, errors.New("connection refused")
	}
	for i := 0; i < breaker.DefaultThreshold; i++ {
		_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		assert.Equal(t, xerrors.CodeCircuitOpen, xerrors.CodeOf(err))
	}
	count, _ := f.mesh.RateUsage("s1")
	assert.Equal(t, breaker.DefaultThreshold, count)
}

func TestUnregisterResetsRateWindow(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1", RateLimit: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
		require.NoError(t, err)
	}
	_, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	require.Equal(t, xerrors.CodeRateLimited, xerrors.CodeOf(err))

	require.NoError(t, f.directory.Unregister(ctx, "s1"))
	count, _ := f.mesh.RateUsage("s1")
	assert.Zero(t, count)

	f.register(t, service.Record{ID: "s1", RateLimit: 2})
	res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	require.NoError(t, err)
	assert.True(t, res.Success)
	count, _ = f.mesh.RateUsage("s1")
	assert.Equal(t, 1, count)
}

func TestInvokeNon2xxAndTimeout(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "s1"})
	ctx := context.Background()

	f.respond = func(Request) (Response, error) {
		return Response{Status: http.StatusInternalServerError, Body: []byte("boom")}, nil
	}
	res, err := f.mesh.Invoke(ctx, "s1", service.InvokeRequest{})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Equal(t, "service responded with status 500", res.Error)

	f.respond = func(Request) (Response, error) { return Response{}, context.DeadlineExceeded }
	res, err = f.mesh.Invoke(ctx, "s1", service.InvokeRequest{Timeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, string(xerrors.CodeTimeout), res.ErrorCode)
	assert.Equal(t, time.Second, f.calls[1].Timeout)

	snap, _ := f.directory.Breaker("s1")
	assert.Equal(t, 2, snap.Failures)

	stats := f.mesh.Stats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, uint64(2), stats.Failed)
	assert.Zero(t, stats.SuccessRate)
}

func TestRouteRandomStaysWithinInstances(t *testing.T) {
	f := newFixture(t)
	f.register(t, service.Record{ID: "echo-a"})
	f.register(t, service.Record{ID: "echo-b", Host: "10.0.0.2"})
	f.register(t, service.Record{ID: "other", Name: "other"})

	seen := map[string]int{}
	for i := 0; i < 40; i++ {
		res, err := f.mesh.Route(context.Background(), "echo", service.InvokeRequest{}, service.StrategyRandom)
		require.NoError(t, err)
		seen[res.ServiceID]++
	}
	assert.Zero(t, seen["other"])
	assert.Equal(t, 40, seen["echo-a"]+seen["echo-b"])
}

func TestRouteStrategies(t *testing.T) {
	picks := []int{1, 0}
	f := newFixture(t, WithPicker(func(n int) int {
		p := picks[0]
		picks = picks[1:]
		return p % n
	}))
	f.register(t, service.Record{ID: "echo-a"})
	f.register(t, service.Record{ID: "echo-b"})
	ctx := context.Background()

	res, err := f.mesh.Route(ctx, "echo", service.InvokeRequest{}, service.StrategyRoundRobin)
	require.NoError(t, err)
	assert.Equal(t, "echo-b", res.ServiceID)

	res, err = f.mesh.Route(ctx, "echo", service.InvokeRequest{}, service.StrategyRandom)
	require.NoError(t, err)
	assert.Equal(t, "echo-a", res.ServiceID)

	res, err = f.mesh.Route(ctx, "echo", service.InvokeRequest{}, service.StrategyLeastConnections)
	require.NoError(t, err)
	assert.Equal(t, "echo-a", res.ServiceID)

	_, err = f.mesh.Route(ctx, "echo", service.InvokeRequest{}, "WEIGHTED")
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	_, err = f.mesh.Route(ctx, "missing", service.InvokeRequest{}, service.StrategyRandom)
	assert.Equal(t, xerrors.CodeNoInstances, xerrors.CodeOf(err))
}

func TestRequestLogRingBuffer(t *testing.T) {
	l := NewRequestLog(3)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		l.Append(LogEntry{ServiceID: id, Success: i%2 == 0, Duration: time.Duration(i+1) * time.Millisecond})
	}
	assert.Equal(t, 3, l.Len())

	recent := l.Recent(0)
	ids := make([]string, len(recent))
	for i, e := range recent {
		ids[i] = e.ServiceID
	}
	assert.Equal(t, []string{"e", "d", "c"}, ids)
	assert.Len(t, l.Recent(2), 2)

	stats := l.stats()
	assert.Equal(t, uint64(5), stats.TotalRequests)
	assert.Equal(t, uint64(3), stats.Successful)
	assert.InDelta(t, 0.6, stats.SuccessRate, 1e-9)
	assert.Equal(t, 3*time.Millisecond, stats.AverageResponseTime)
}

func TestHTTPTransport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Trace-ID", r.Header.Get("X-Trace-ID"))
		w.Header().Set("Content-Type", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	resp, err := NewHTTPTransport().Send(context.Background(), Request{
		Method: http.MethodPost, URL: srv.URL + "/items", Body: []byte(`{"a":1}`),
		Headers: map[string]string{"X-Trace-ID": "t-1"}, Timeout: time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, `{"a":1}`, string(resp.Body))
	assert.Equal(t, "t-1", resp.Headers.Get("X-Trace-ID"))
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer slow.Close()
	_, err = NewHTTPTransport().Send(context.Background(), Request{Method: http.MethodGet, URL: slow.URL, Timeout: 20 * time.Millisecond})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
