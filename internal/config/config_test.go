package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithHome_HomeFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	if _, ok := HomeFrom(ctx); ok {
		t.Fatal("expected no home in empty context")
	}
	ctx = WithHome(ctx, "/foo/bar")
	got, ok := HomeFrom(ctx)
	if !ok || got != "/foo/bar" {
		t.Fatalf("HomeFrom: got %q, ok=%v; want /foo/bar, true", got, ok)
	}
}

func TestMustHomeFrom(t *testing.T) {
	t.Parallel()
	ctx := WithHome(context.Background(), "/sybil")
	if got := MustHomeFrom(ctx); got != "/sybil" {
		t.Fatalf("MustHomeFrom: got %q", got)
	}
}

func TestMustHomeFrom_panic(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic when home missing")
		}
	}()
	MustHomeFrom(context.Background())
}

func TestResolveHome_override(t *testing.T) {
	t.Parallel()
	got, err := ResolveHome("/custom/home")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/custom/home") {
		t.Fatalf("ResolveHome: got %q", got)
	}
}

func TestResolveHome_env(t *testing.T) {
	t.Setenv("SYBIL_HOME", "/env/home")
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	if got != filepath.Clean("/env/home") {
		t.Fatalf("ResolveHome from env: got %q", got)
	}
}

func TestResolveHome_default(t *testing.T) {
	t.Setenv("SYBIL_HOME", "")
	// Override empty so we use UserHomeDir
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("UserHomeDir: %v", err)
	}
	got, err := ResolveHome("")
	if err != nil {
		t.Fatalf("ResolveHome: %v", err)
	}
	want := filepath.Join(home, ".sybil")
	if got != want {
		t.Fatalf("ResolveHome default: got %q, want %q", got, want)
	}
}

func TestLoad_missingFileUsesDefaults(t *testing.T) {
	t.Setenv("SYBIL_API_KEY", "")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.IntervalSec != 60 || cfg.Fleet.MaxRetries != 3 || cfg.DB.Driver != "sqlite" {
		t.Fatalf("defaults = %+v", cfg)
	}
	if !cfg.DryRun() {
		t.Fatal("no actuation key should mean dry run")
	}
}

func TestLoad_fileThenEnv(t *testing.T) {
	home := t.TempDir()
	yml := "log_level: debug\nscheduler:\n  interval_sec: 15\n  autostart: false\nfleet:\n  enabled: false\nactuation:\n  api_key: from-file\n"
	if err := os.WriteFile(filepath.Join(home, FileName), []byte(yml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYBIL_API_KEY", "from-env")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost/sybil")
	cfg, err := Load(home)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.IntervalSec != 15 || cfg.Scheduler.Autostart || cfg.Fleet.Enabled {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Scheduler.MaxDrainPerTick != 25 {
		t.Fatalf("unset key lost its default: %d", cfg.Scheduler.MaxDrainPerTick)
	}
	if cfg.Actuation.APIKey != "from-env" || cfg.DB.Driver != "postgres" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoad_invalid(t *testing.T) {
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, FileName), []byte("db: {driver: mysql}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DATABASE_URL", "")
	if _, err := Load(home); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if err := os.WriteFile(filepath.Join(home, FileName), []byte("log_level: [\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(home); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := filepath.Join(t.TempDir(), "nested")
	cfg := Default()
	cfg.Fleet.HealthBatch = 42
	if err := Save(home, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	t.Setenv("SYBIL_API_KEY", "")
	t.Setenv("DATABASE_URL", "")
	got, err := Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if got.Fleet.HealthBatch != 42 {
		t.Fatalf("health_batch = %d", got.Fleet.HealthBatch)
	}
}

func TestParseLevel(t *testing.T) {
	for _, s := range []string{"", "debug", "INFO", "warn", "error"} {
		if _, err := ParseLevel(s); err != nil {
			t.Errorf("ParseLevel(%q): %v", s, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewLogger_nonTerminalIsJSON(t *testing.T) {
	var buf strings.Builder
	NewLogger(&buf, "info").Info("hello", "k", "v")
	if !strings.HasPrefix(buf.String(), "{") || !strings.Contains(buf.String(), `"k":"v"`) {
		t.Fatalf("output = %q", buf.String())
	}
	buf.Reset()
	NewLogger(&buf, "warn").Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %q", buf.String())
	}
}
