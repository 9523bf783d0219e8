package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/parley/examples"
)

// clearUmask sets the process umask to 0 so permission checks are
// deterministic.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestRunInit_FreshDirectory(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()
	var buf bytes.Buffer

	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	tests := []struct {
		name    string
		perm    os.FileMode
		content []byte
	}{
		{"config.yaml", 0o600, examples.ConfigYAML},
		{"persona.md", 0o644, examples.PersonaMD},
	}
	for _, tt := range tests {
		path := filepath.Join(dir, tt.name)
		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("%s not created: %v", tt.name, err)
		}
		if got := info.Mode().Perm(); got != tt.perm {
			t.Errorf("%s permissions = %o, want %o", tt.name, got, tt.perm)
		}
		data, _ := os.ReadFile(path)
		if !bytes.Equal(data, tt.content) {
			t.Errorf("%s content differs from the embedded example", tt.name)
		}
		if !strings.Contains(buf.String(), "✓ "+path) {
			t.Errorf("output does not report %s:\n%s", path, buf.String())
		}
	}
}

func TestRunInit_KeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	writeFile(t, cfgPath, "listen:\n  port: 9090\n")

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "listen:\n  port: 9090\n" {
		t.Errorf("existing config overwritten: %q", data)
	}
	if !strings.Contains(buf.String(), "exists, skipped") {
		t.Errorf("skip not reported:\n%s", buf.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "persona.md")); err != nil {
		t.Errorf("persona.md not created: %v", err)
	}
}

func TestRunInit_NestedDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	if err := runInit(&bytes.Buffer{}, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.yaml")); err != nil {
		t.Errorf("config.yaml not created: %v", err)
	}
}
