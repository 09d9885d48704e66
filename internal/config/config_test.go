package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Mesh/pkg/plugin"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, "memory", cfg.Cache.Driver)
	assert.Equal(t, "memory", cfg.Events.Driver)
	assert.Equal(t, 30*time.Second, cfg.Mesh.DefaultTimeout)
	assert.Equal(t, 1000, cfg.Mesh.LogCapacity)
	assert.Equal(t, time.Minute, cfg.Mesh.RateWindow)
	assert.Equal(t, 100, cfg.Mesh.DefaultRateLimit)
	assert.Equal(t, "/health", cfg.Mesh.HealthPath)
	assert.Equal(t, 5, cfg.Mesh.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Mesh.BreakerCooldown)
	assert.Equal(t, plugin.DefaultResourceLimits(), cfg.Loader)
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLWithExpansionAndOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_MESH_TOKEN", "s3cret")
	t.Setenv("MESH_STORAGE_DRIVER", "sqlite3")
	t.Setenv("MESH_DEFAULT_RATE_LIMIT", "25")

	path := writeFile(t, dir, "meshd.yaml", `
server:
  address: ":9000"
  apiTokens: ["${TEST_MESH_TOKEN}"]
storage:
  driver: mysql
  dsn: mesh.db
mesh:
  defaultTimeout: 5s
  breakerCooldown: 1m
plugins:
  directory: plugins
  entries:
    - id: echo
      name: Echo
      version: 1.0.0
      category: TOOLS
      path: echo.so
      enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, []string{"s3cret"}, cfg.Server.APITokens)
	assert.Equal(t, "sqlite3", cfg.Storage.Driver)
	assert.Equal(t, filepath.Join(dir, "mesh.db"), cfg.Storage.DSN)
	assert.Equal(t, 25, cfg.Mesh.DefaultRateLimit)
	assert.Equal(t, 5*time.Second, cfg.Mesh.DefaultTimeout)
	assert.Equal(t, time.Minute, cfg.Mesh.BreakerCooldown)

	entries := cfg.Plugins.Enabled()
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].ID)
	assert.Equal(t, plugin.CategoryTools, entries[0].Category)
	assert.Equal(t, filepath.Join(dir, "plugins", "echo.so"), entries[0].Path)
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesExternalManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := writeFile(t, dir, "plugins.yaml", `
entries:
  - id: extra
    name: Extra
    version: 0.1.0
    category: PROCESSORS
    path: /opt/extra.so
    enabled: true
`)
	path := writeFile(t, dir, "meshd.yaml", "plugins:\n  manifest: "+filepath.Base(manifest)+"\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Plugins.Entries, 1)
	assert.Equal(t, "extra", cfg.Plugins.Entries[0].ID)
}

func TestLoadRejectsBadEnvAndMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	t.Setenv("MESH_BREAKER_THRESHOLD", "many")
	_, err = Load("")
	require.Error(t, err)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Storage.Driver = "mysql"
	cfg.Cache.Driver = "redis"
	cfg.Events.Driver = "kafka"
	cfg.Mesh.HealthPath = "health"
	cfg.Plugins.Entries = []plugin.Entry{{Record: plugin.Record{ID: "x"}, Enabled: true}}

	err = cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{"storage.dsn", "cache.redis.address", "events.driver", "mesh.healthPath", "path cannot be empty"} {
		assert.Contains(t, msg, want)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", "MESH_TEST_FROM_DOTENV=yes\n")
	t.Cleanup(func() { os.Unsetenv("MESH_TEST_FROM_DOTENV") })

	require.NoError(t, LoadEnvFiles(filepath.Join(dir, "absent.env"), path))
	assert.Equal(t, "yes", os.Getenv("MESH_TEST_FROM_DOTENV"))
}
