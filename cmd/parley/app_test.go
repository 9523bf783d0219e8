package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/parley/internal/config"
)

func TestStaticLocation(t *testing.T) {
	loc := staticLocation{cfg: config.LocationConfig{Latitude: 30.27, Longitude: -97.74, AccuracyMeters: 50, Label: "Home"}}
	got, err := loc.CurrentLocation(context.Background())
	if err != nil {
		t.Fatalf("CurrentLocation: %v", err)
	}
	if got.Latitude != 30.27 || got.Longitude != -97.74 || got.AccuracyMeters != 50 || got.Label != "Home" {
		t.Errorf("location = %+v", got)
	}
}

func TestLoadPersona(t *testing.T) {
	if got, err := loadPersona(""); err != nil || got != "" {
		t.Errorf("loadPersona(\"\") = %q, %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "persona.md")
	writeFile(t, path, "You are terse.")
	if got, err := loadPersona(path); err != nil || got != "You are terse." {
		t.Errorf("loadPersona = %q, %v", got, err)
	}

	if _, err := loadPersona(filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Error("missing persona file should fail")
	}
}

func TestAppRetryPolicy(t *testing.T) {
	cfg := config.Default()
	cfg.Retry.MaxRetries = 5
	a := &app{cfg: cfg, logger: slog.Default()}

	p := a.retryPolicy()
	if p.MaxRetries != 5 || p.BaseDelay != time.Second || p.CallTimeout != 2*time.Minute {
		t.Errorf("policy = %+v", p)
	}
	if p.Logger == nil {
		t.Error("policy has no logger")
	}
}

func TestAppBuildRegistry(t *testing.T) {
	cfg := config.Default()
	cfg.Location = &config.LocationConfig{Latitude: 1, Longitude: 2}
	a := &app{cfg: cfg, logger: slog.Default()}

	reg, err := a.buildRegistry()
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	names := map[string]bool{}
	for _, d := range reg.Catalog() {
		names[d.Name] = true
	}
	for _, want := range []string{"recall_facts", "fetch_url", "get_current_location"} {
		if !names[want] {
			t.Errorf("catalog missing %s", want)
		}
	}
	if names["read_emails"] {
		t.Error("read_emails declared without email accounts")
	}
	if a.connections() != nil {
		t.Errorf("connections = %v, want none", a.connections())
	}
}
