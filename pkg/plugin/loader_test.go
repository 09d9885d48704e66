package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Mesh/internal/errors"
)

type recordingPlugin struct {
	mu       sync.Mutex
	calls    []string
	initErr  error
	stopErr  error
	probeErr error
	lastCtx  *ExecutionContext
}

func (p *recordingPlugin) record(name string, ctx *ExecutionContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, name)
	p.lastCtx = ctx
}

func (p *recordingPlugin) Init(ctx *ExecutionContext) error {
	p.record("init", ctx)
	return p.initErr
}

func (p *recordingPlugin) Start(ctx *ExecutionContext) error {
	p.record("start", ctx)
	return nil
}

func (p *recordingPlugin) Stop(ctx *ExecutionContext) error {
	p.record("stop", ctx)
	return p.stopErr
}

func (p *recordingPlugin) Destroy(ctx *ExecutionContext) error {
	p.record("destroy", ctx)
	return nil
}

func (p *recordingPlugin) HealthCheck(context.Context) error { return p.probeErr }

func (p *recordingPlugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

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
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLoaderLifecycle(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l := NewLoader(WithClock(clock.Now), WithResource("region", "eu"))
	p := &recordingPlugin{}
	rec := record("P1")
	rec.Config = map[string]any{"mode": "fast"}

	require.NoError(t, l.Load(ctx, rec, p))
	state, err := l.State("P1")
	require.NoError(t, err)
	assert.Equal(t, StatusInitialized, state)
	assert.Equal(t, "fast", p.lastCtx.Config["mode"])
	assert.Equal(t, "eu", p.lastCtx.Resources["region"])
	assert.Equal(t, DefaultResourceLimits(), p.lastCtx.Limits)

	report, err := l.HealthCheck(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, report.Status)

	require.NoError(t, l.Start(ctx, "P1"))
	require.NoError(t, l.Start(ctx, "P1"))
	clock.Advance(90 * time.Second)

	report, err = l.HealthCheck(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, HealthHealthy, report.Status)
	assert.Equal(t, 90*time.Second, report.Uptime)

	require.NoError(t, l.Stop(ctx, "P1"))
	state, _ = l.State("P1")
	assert.Equal(t, StatusStopped, state)

	require.NoError(t, l.Unload(ctx, "P1"))
	assert.False(t, l.IsLoaded("P1"))
	assert.Equal(t, []string{"init", "start", "stop", "destroy"}, p.Calls())
}

func TestLoaderInitFailureDoesNotStore(t *testing.T) {
	l := NewLoader()
	err := l.Load(context.Background(), record("P1"), &recordingPlugin{initErr: errors.New("boom")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLifecycleFailure, xerrors.CodeOf(err))
	assert.False(t, l.IsLoaded("P1"))
}

func TestLoaderUnloadStopsRunningAndAlwaysDestroys(t *testing.T) {
	ctx := context.Background()
	l := NewLoader()
	p := &recordingPlugin{stopErr: errors.New("stuck")}
	require.NoError(t, l.Load(ctx, record("P1"), p))
	require.NoError(t, l.Start(ctx, "P1"))

	err := l.Unload(ctx, "P1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
	assert.Equal(t, []string{"init", "start", "stop", "destroy"}, p.Calls())
	assert.False(t, l.IsLoaded("P1"))
}

func TestLoaderNotLoaded(t *testing.T) {
	ctx := context.Background()
	l := NewLoader()
	for name, err := range map[string]error{
		"unload": l.Unload(ctx, "ghost"),
		"start":  l.Start(ctx, "ghost"),
		"stop":   l.Stop(ctx, "ghost"),
	} {
		assert.Equal(t, xerrors.CodeNotLoaded, xerrors.CodeOf(err), name)
	}
	_, err := l.HealthCheck(ctx, "ghost")
	assert.Equal(t, xerrors.CodeNotLoaded, xerrors.CodeOf(err))
}

func TestLoaderReloadDiscardsState(t *testing.T) {
	ctx := context.Background()
	l := NewLoader()
	first := &recordingPlugin{}
	require.NoError(t, l.Load(ctx, record("P1"), first))
	require.NoError(t, l.Start(ctx, "P1"))

	second := &recordingPlugin{}
	require.NoError(t, l.Reload(ctx, record("P1"), second))
	assert.Equal(t, []string{"init", "start", "stop", "destroy"}, first.Calls())
	assert.Equal(t, []string{"init"}, second.Calls())
	state, _ := l.State("P1")
	assert.Equal(t, StatusInitialized, state)
}

func TestLoaderRejectsDuplicateLoad(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(WithDefaultLimits(ResourceLimits{MemoryMB: 64}))
	require.NoError(t, l.Load(ctx, record("P1"), &recordingPlugin{}))
	err := l.Load(ctx, record("P1"), &recordingPlugin{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	limits, err := l.Limits("P1")
	require.NoError(t, err)
	assert.Equal(t, 64, limits.MemoryMB)
	assert.Equal(t, DefaultResourceLimits().CPUPercent, limits.CPUPercent)
}

func TestLoaderProbeFailureIsUnhealthy(t *testing.T) {
	ctx := context.Background()
	l := NewLoader()
	require.NoError(t, l.Load(ctx, record("P1"), &recordingPlugin{probeErr: errors.New("index missing")}))
	require.NoError(t, l.Start(ctx, "P1"))
	report, err := l.HealthCheck(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Equal(t, "index missing", report.Message)
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plugins.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
directory: /opt/plugins
entries:
  - id: echo
    name: Echo
    version: 1.0.0
    category: TOOLS
    capabilities: [echo]
    path: echo.so
    enabled: true
    start: true
  - id: disabled
    name: Disabled
    version: 1.0.0
    category: TOOLS
    path: disabled.so
`), 0o644))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	enabled := m.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "echo", enabled[0].ID)
	assert.Equal(t, "/opt/plugins/echo.so", enabled[0].Path)
	assert.Equal(t, []string{"echo"}, enabled[0].Capabilities)
	assert.True(t, enabled[0].Start)
}

func TestFromSymbol(t *testing.T) {
	var p Plugin = &recordingPlugin{}
	got, err := fromSymbol(&p)
	require.NoError(t, err)
	assert.Same(t, p, got)

	ctor := func() Plugin { return p }
	got, err = fromSymbol(ctor)
	require.NoError(t, err)
	assert.Same(t, p, got)

	_, err = fromSymbol(42)
	assert.Error(t, err)
}

func TestLoaderNormalisesConfigNumbers(t *testing.T) {
	var rec Record
	raw := `{"id":"P1","config":{"workers":4,"ratio":0.5,"limits":{"burst":10},"ports":[80,8080],"big":1e300}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	rec.Config["count"] = json.Number("7")
	rec.Config["wide"] = int64(3)

	p := &recordingPlugin{}
	require.NoError(t, NewLoader().Load(context.Background(), rec, p))

	cfg := p.lastCtx.Config
	assert.Equal(t, 4, cfg["workers"])
	assert.Equal(t, 0.5, cfg["ratio"])
	assert.Equal(t, map[string]any{"burst": 10}, cfg["limits"])
	assert.Equal(t, []any{80, 8080}, cfg["ports"])
	assert.Equal(t, 1e300, cfg["big"])
	assert.Equal(t, 7, cfg["count"])
	assert.Equal(t, 3, cfg["wide"])

	// The record handed in is left untouched.
	assert.Equal(t, float64(4), rec.Config["workers"])
}
