package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRotatingWriterShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	w, err := newRotatingWriter(path, RotationConfig{MaxBackups: 2})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	w.maxSize = 10
	defer w.Close()

	for _, line := range []string{"first-line\n", "second-line\n", "third-line\n"} {
		if _, err := w.Write([]byte(line)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	assertContent(t, path, "third-line\n")
	assertContent(t, path+".1", "second-line\n")
	assertContent(t, path+".2", "first-line\n")
}

func TestNamedAddsComponent(t *testing.T) {
	var buf bytes.Buffer
	Use(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { Use(Discard()) })

	Named("mesh").Info("invoked")
	if !strings.Contains(buf.String(), `"component":"mesh"`) {
		t.Fatalf("expected component attribute, got %s", buf.String())
	}
}

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{OutputPaths: []string{filepath.Join(dir, "app.log")}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Audit().Info("plugin registered", slog.String("plugin_id", "p1"))
	if err := Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	Use(Discard())

	raw, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(raw), `"plugin_id":"p1"`) || !strings.Contains(string(raw), `"stream":"audit"`) {
		t.Fatalf("unexpected audit content: %s", raw)
	}
}

func assertContent(t *testing.T, path, want string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if string(raw) != want {
		t.Fatalf("%s: expected %q, got %q", filepath.Base(path), want, raw)
	}
}
