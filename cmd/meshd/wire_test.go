package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Mesh/internal/config"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/pkg/logger"
	"OpenMCP-Mesh/pkg/plugin"
	"OpenMCP-Mesh/pkg/service"
)

type stubPlugin struct {
	plugin.Base
}

func newRuntime(t *testing.T) *runtime {
	t.Helper()
	logger.Use(logger.Discard())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Plugins.Directory = "/opt/mesh/plugins"

	opener := plugin.OpenerFunc(func(path string) (plugin.Plugin, error) {
		if filepath.Base(path) == "broken.so" {
			return nil, errors.New("invalid ELF header")
		}
		return &stubPlugin{}, nil
	})
	rt, err := build(context.Background(), cfg, opener)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func entry(id, path string, start bool, deps ...string) plugin.Entry {
	return plugin.Entry{
		Record: plugin.Record{
			ID:           id,
			Name:         "plugin " + id,
			Version:      "1.0.0",
			Category:     plugin.CategoryTools,
			Dependencies: deps,
		},
		Path:    path,
		Enabled: true,
		Start:   start,
	}
}

func TestLoadManifestOrdersByDependencies(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	loaded := rt.loadManifest(ctx, []plugin.Entry{
		entry("B", "b.so", false, "A"),
		entry("A", "a.so", true),
		entry("C", "c.so", false, "Z"),
		entry("D", "broken.so", false),
	})
	assert.Equal(t, []string{"A", "B"}, loaded)

	a, err := rt.plugins.Get(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRunning, a.Status)

	b, err := rt.plugins.Get(ctx, "B")
	require.NoError(t, err)
	assert.Equal(t, plugin.StatusRegistered, b.Status)

	_, err = rt.plugins.Get(ctx, "C")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
	_, err = rt.plugins.Get(ctx, "D")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeNotFound))
}

func TestInstanceProviderStaysInsideDirectory(t *testing.T) {
	rt := newRuntime(t)

	p, err := rt.instance(context.Background(), plugin.Record{}, "echo.so")
	require.NoError(t, err)
	assert.NotNil(t, p)

	for _, source := range []string{"../etc/evil.so", "/usr/lib/evil.so", " "} {
		_, err := rt.instance(context.Background(), plugin.Record{}, source)
		assert.True(t, xerrors.IsCode(err, xerrors.CodeInvalidArgument), source)
	}

	path, err := resolvePluginPath("/opt/mesh/plugins", "tools/echo.so")
	require.NoError(t, err)
	assert.Equal(t, "/opt/mesh/plugins/tools/echo.so", path)

	path, err = resolvePluginPath("", "./echo.so")
	require.NoError(t, err)
	assert.Equal(t, "echo.so", path)
}

func TestInventoryFollowsRegistries(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)

	_, err := rt.plugins.Register(ctx, entry("A", "", false).Record, &stubPlugin{})
	require.NoError(t, err)
	_, err = rt.services.Register(ctx, service.Record{
		ID: "S", Name: "svc", Host: "localhost", Port: 80, Dependencies: []string{"A"},
	})
	require.NoError(t, err)

	inv, err := rt.inventory(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, inv.Plugins)
	assert.Equal(t, 1, inv.Services)
	assert.Equal(t, 1, inv.Edges)

	deps := rt.dependencies()
	assert.NotNil(t, deps.Instances)
	assert.Same(t, rt.plugins, deps.Plugins)
}

func TestBuildRejectsUnknownDrivers(t *testing.T) {
	logger.Use(logger.Discard())
	cfg, err := config.Load("")
	require.NoError(t, err)

	cfg.Storage.Driver = "postgres"
	_, err = build(context.Background(), cfg, plugin.SharedObjectOpener{})
	assert.Error(t, err)

	cfg.Storage.Driver = "memory"
	cfg.Events.Driver = "kafka"
	_, err = build(context.Background(), cfg, plugin.SharedObjectOpener{})
	assert.Error(t, err)

	cfg.Events.Driver = "none"
	cfg.Cache.Driver = "none"
	rt, err := build(context.Background(), cfg, plugin.SharedObjectOpener{})
	require.NoError(t, err)
	assert.Nil(t, rt.bus)
	require.NoError(t, rt.Close())
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCheckConfigAndMigrateCommands(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	content := "storage:\n  driver: sqlite3\n  dsn: mesh.db\ncache:\n  driver: none\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	out, err := runCommand(t, "check-config", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "storage=sqlite3 cache=none events=memory plugins=0")

	out, err = runCommand(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "applied 0001")
	assert.FileExists(t, filepath.Join(dir, "mesh.db"))

	out, err = runCommand(t, "migrate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "schema is up to date")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("storage:\n  driver: mysql\n"), 0o600))
	_, err = runCommand(t, "check-config", "--config", bad)
	assert.Error(t, err)

	memory := filepath.Join(dir, "memory.yaml")
	require.NoError(t, os.WriteFile(memory, []byte("server:\n  address: \":0\"\n"), 0o600))
	_, err = runCommand(t, "migrate", "--config", memory)
	assert.Error(t, err)
}
