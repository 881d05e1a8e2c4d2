package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Default()
	if c.Postgres.DSN == "" || c.NATS.URL == "" {
		t.Fatal("connection defaults missing")
	}
	if c.Persistence.BatchSize != 50 || c.Persistence.FlushTimeout != 10*time.Millisecond {
		t.Fatalf("persistence defaults: %+v", c.Persistence)
	}
	if c.Engine.MinWindow != 10 || c.Engine.MaxWindow != 100 {
		t.Fatalf("window defaults: %+v", c.Engine)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.API.Addr != Default().API.Addr {
		t.Fatal("missing file changed defaults")
	}
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
postgres:
  dsn: postgres://yaml-host:5432/db
engine:
  authority: "0x2000000000000000000000000000000000000099"
  min_window: 25
persistence:
  batch_size: 200
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Postgres.DSN != "postgres://yaml-host:5432/db" {
		t.Fatalf("dsn = %q", c.Postgres.DSN)
	}
	if c.Engine.MinWindow != 25 {
		t.Fatalf("min_window = %d", c.Engine.MinWindow)
	}
	if c.Persistence.BatchSize != 200 {
		t.Fatalf("batch_size = %d", c.Persistence.BatchSize)
	}
	// Untouched fields keep defaults.
	if c.Engine.MaxWindow != 100 {
		t.Fatalf("max_window = %d", c.Engine.MaxWindow)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("nats:\n  url: nats://yaml:4222\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("CPOOL_NATS_URL", "nats://env:4222")
	t.Setenv("CPOOL_MIN_WINDOW", "33")
	t.Setenv("CPOOL_PERSIST_BATCH_SIZE", "not-a-number")

	c, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.NATS.URL != "nats://env:4222" {
		t.Fatalf("env did not win: %q", c.NATS.URL)
	}
	if c.Engine.MinWindow != 33 {
		t.Fatalf("min_window = %d", c.Engine.MinWindow)
	}
	// Malformed numeric env vars are ignored.
	if c.Persistence.BatchSize != Default().Persistence.BatchSize {
		t.Fatalf("batch_size = %d", c.Persistence.BatchSize)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("nats: [not: valid"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("malformed YAML accepted")
	}
}
