package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/events"
	"OpenMCP-Mesh/internal/observability/metrics"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/internal/storage/cache"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
)

type fakePlugin struct {
	plugin.Base

	mu      sync.Mutex
	calls   []string
	initErr error
	counter int
}

func (p *fakePlugin) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

func (p *fakePlugin) Init(*plugin.ExecutionContext) error {
	p.record("init")
	return p.initErr
}

func (p *fakePlugin) Start(*plugin.ExecutionContext) error {
	p.record("start")
	p.mu.Lock()
	p.counter++
	p.mu.Unlock()
	return nil
}

func (p *fakePlugin) Stop(*plugin.ExecutionContext) error {
	p.record("stop")
	return nil
}

func (p *fakePlugin) Destroy(*plugin.ExecutionContext) error {
	p.record("destroy")
	return nil
}

func (p *fakePlugin) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	registry *Registry
	store    *storage.MemoryStore
	pub      *recordingPublisher
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger.Use(logger.Discard())

	f := &fixture{
		store: storage.NewMemoryStore(),
		pub:   &recordingPublisher{},
		clock: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
	}
	now := func() time.Time { return f.clock }
	f.registry = NewRegistry(f.store, plugin.NewLoader(plugin.WithClock(now)),
		WithEmitter(events.NewEmitter(f.pub)),
		WithMetrics(metrics.New()),
		WithClock(now),
	)
	return f
}

func record(id string, deps ...string) plugin.Record {
	return plugin.Record{
		ID:           id,
		Name:         "plugin " + id,
		Version:      "1.0.0",
		Category:     plugin.CategoryTools,
		Capabilities: []string{"search"},
		Dependencies: deps,
	}
}

func (f *fixture) register(t *testing.T, rec plugin.Record) (plugin.Record, *fakePlugin) {
	t.Helper()
	p := &fakePlugin{}
	out, err := f.registry.Register(context.Background(), rec, p)
	require.NoError(t, err)
	return out, p
}

func TestRegisterLoadsAndReportsHealthAfterStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, p := f.register(t, record("P1"))
	assert.Equal(t, plugin.StatusRegistered, rec.Status)
	assert.True(t, rec.Enabled)
	assert.Equal(t, []string{"init"}, p.Calls())

	state, err := f.registry.loader.State("P1")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusInitialized, state)

	report, err := f.registry.HealthCheck(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthUnhealthy, report.Status)

	started, err := f.registry.Start(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, started.Status)

	f.clock = f.clock.Add(90 * time.Second)
	report, err = f.registry.HealthCheck(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, plugin.HealthHealthy, report.Status)
	assert.Equal(t, 90*time.Second, report.Uptime)
	assert.Equal(t, 1, f.pub.count(events.PluginRegistered))
}

func TestRegisterMissingDependencyLeavesStoreUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, record("P2", "P9"), &fakePlugin{})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	assert.Contains(t, xerrors.ReasonsOf(err), "Missing dependency: P9")

	all, err := f.registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.False(t, f.registry.loader.IsLoaded("P2"))
}

func TestRegisterRejectsDuplicateAndInvalidMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, record("dup"))

	_, err := f.registry.Register(ctx, record("dup"), &fakePlugin{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	bad := plugin.Record{ID: "bad id", Version: "1.0", Capabilities: []string{"ok", "not ok"}}
	_, err = f.registry.Register(ctx, bad, &fakePlugin{})
	require.Error(t, err)
	reasons := xerrors.ReasonsOf(err)
	assert.GreaterOrEqual(t, len(reasons), 4, reasons)

	_, err = f.registry.Register(ctx, record("nil"), nil)
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestRegisterDerivesIDFromName(t *testing.T) {
	f := newFixture(t)
	rec := record("")
	rec.Name = "Vector Search"

	out, _ := f.register(t, rec)
	assert.Regexp(t, `^vector-search-[0-9a-z]+$`, out.ID)
}

func TestRegisterRollsBackWhenInitFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Register(ctx, record("broken"), &fakePlugin{initErr: errors.New("boom")})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeLifecycleFailure, xerrors.CodeOf(err))

	_, err = f.registry.Get(ctx, "broken")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestUpdateRejectsCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, record("A"))
	f.register(t, record("B", "A"))
	f.register(t, record("C", "B"))

	deps := []string{"C"}
	_, err := f.registry.Update(ctx, "A", Patch{Dependencies: &deps})
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))
	reasons := xerrors.ReasonsOf(err)
	require.Len(t, reasons, 1)
	for _, id := range []string{"A", "B", "C"} {
		assert.Contains(t, reasons[0], id)
	}

	stored, err := f.registry.Get(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, stored.Dependencies)
}

func TestUpdateMergesAndChecksChecksum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := record("U")
	rec.Checksum = "abc"
	f.register(t, rec)

	version := "1.1.0"
	_, err := f.registry.Update(ctx, "U", Patch{Version: &version, ExpectedChecksum: "zzz"})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	f.clock = f.clock.Add(time.Minute)
	out, err := f.registry.Update(ctx, "U", Patch{Version: &version, ExpectedChecksum: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", out.Version)
	assert.Equal(t, "plugin U", out.Name)
	assert.Equal(t, 1, f.pub.count(events.PluginUpdated))

	badVersion := "latest"
	_, err = f.registry.Update(ctx, "U", Patch{Version: &badVersion})
	assert.Equal(t, xerrors.CodeValidation, xerrors.CodeOf(err))

	_, err = f.registry.Update(ctx, "missing", Patch{})
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestUnregisterBlockedByDependents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, pa := f.register(t, record("A"))
	f.register(t, record("B", "A"))
	_, err := f.registry.Start(ctx, "A")
	require.NoError(t, err)

	err = f.registry.Unregister(ctx, "A")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))
	assert.Contains(t, err.Error(), "B")

	require.NoError(t, f.registry.Unregister(ctx, "B"))
	require.NoError(t, f.registry.Unregister(ctx, "A"))
	assert.Equal(t, []string{"init", "start", "stop", "destroy"}, pa.Calls())
	assert.False(t, f.registry.loader.IsLoaded("A"))

	err = f.registry.Unregister(ctx, "A")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestEnableIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, p := f.register(t, record("E"))

	once, err := f.registry.Enable(ctx, "E")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, once.Status)

	f.clock = f.clock.Add(time.Minute)
	twice, err := f.registry.Enable(ctx, "E")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
	assert.Equal(t, 1, p.counter)
	assert.Equal(t, 1, f.pub.count(events.PluginEnabled))

	disabled, err := f.registry.Disable(ctx, "E")
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	assert.Equal(t, plugin.StatusStopped, disabled.Status)

	again, err := f.registry.Disable(ctx, "E")
	require.NoError(t, err)
	assert.Equal(t, disabled, again)

	_, err = f.registry.Start(ctx, "E")
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	_, err = f.registry.Enable(ctx, "missing")
	assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
}

func TestHealthCheckNotLoaded(t *testing.T) {
	f := newFixture(t)
	_, err := f.registry.HealthCheck(context.Background(), "ghost")
	assert.Equal(t, xerrors.CodeNotLoaded, xerrors.CodeOf(err))
}

func TestReloadDiscardsInstanceState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, old := f.register(t, record("R"))
	_, err := f.registry.Start(ctx, "R")
	require.NoError(t, err)

	fresh := &fakePlugin{}
	out, err := f.registry.Reload(ctx, "R", fresh)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusInitialized, out.Status)
	assert.Equal(t, []string{"init", "start", "stop", "destroy"}, old.Calls())
	assert.Equal(t, []string{"init"}, fresh.Calls())
	assert.Equal(t, 0, fresh.counter)
}

func TestSearchAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	vec := record("vec")
	vec.Name = "Vector Store"
	vec.Category = plugin.CategoryStorage
	vec.Capabilities = []string{"embed", "search"}
	f.register(t, vec)

	prompt := record("prompt")
	prompt.Name = "Prompt Kit"
	prompt.Description = "templates for vector queries"
	prompt.Capabilities = []string{"render"}
	f.register(t, prompt)
	_, err := f.registry.Disable(ctx, "prompt")
	require.NoError(t, err)

	hits, err := f.registry.Search(ctx, Query{Text: "VECTOR"})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = f.registry.Search(ctx, Query{Capability: "embed"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "vec", hits[0].ID)

	enabled := false
	hits, err = f.registry.Search(ctx, Query{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "prompt", hits[0].ID)

	hits, err = f.registry.Search(ctx, Query{Limit: 1, Offset: 5})
	require.NoError(t, err)
	assert.Empty(t, hits)

	listed, err := f.registry.List(ctx, storage.WithCategory(plugin.CategoryStorage))
	require.NoError(t, err)
	require.Len(t, listed, 1)

	stats, err := f.registry.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Enabled)
	assert.Equal(t, 1, stats.Disabled)
	assert.Equal(t, 2, stats.Loaded)
	assert.Equal(t, 1, stats.ByCategory[plugin.CategoryStorage])
	assert.Equal(t, 2, stats.ByStatus[plugin.StatusInitialized])
}

func TestAttachAndShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreatePlugin(ctx, record("persisted")))

	p := &fakePlugin{}
	out, err := f.registry.Attach(ctx, "persisted", p)
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusInitialized, out.Status)

	_, err = f.registry.Attach(ctx, "persisted", &fakePlugin{})
	assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(err))

	require.NoError(t, f.registry.Shutdown(ctx))
	assert.Empty(t, f.registry.loader.Loaded())
	assert.Equal(t, []string{"init", "destroy"}, p.Calls())
}

type configPlugin struct {
	plugin.Base
	config map[string]any
}

func (p *configPlugin) Init(ctx *plugin.ExecutionContext) error {
	p.config = ctx.Config
	return nil
}

func TestAttachThroughCacheKeepsConfigTypes(t *testing.T) {
	logger.Use(logger.Discard())
	ctx := context.Background()
	store := storage.NewCachedStore(storage.NewMemoryStore(), cache.NewMemoryCache(), time.Minute)
	reg := NewRegistry(store, plugin.NewLoader())

	rec := record("cfg")
	rec.Config = map[string]any{"workers": 3, "ratio": 0.25}
	direct := &configPlugin{}
	_, err := reg.Register(ctx, rec, direct)
	require.NoError(t, err)
	assert.Equal(t, 3, direct.config["workers"])

	// 第一次读取回填缓存，之后的读取来自 JSON 往返。
	_, err = store.GetPlugin(ctx, "cfg")
	require.NoError(t, err)
	cached, err := store.GetPlugin(ctx, "cfg")
	require.NoError(t, err)
	require.IsType(t, float64(0), cached.Config["workers"])

	require.NoError(t, reg.Shutdown(ctx))
	attached := &configPlugin{}
	_, err = reg.Attach(ctx, "cfg", attached)
	require.NoError(t, err)
	assert.Equal(t, direct.config, attached.config)
}

func TestConcurrentEnableOnDistinctPlugins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"c1", "c2", "c3", "c4"}
	for _, id := range ids {
		f.register(t, record(id))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		for range 3 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.registry.Enable(ctx, id)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	for _, id := range ids {
		rec, err := f.registry.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, plugin.StatusRunning, rec.Status)
	}
}
