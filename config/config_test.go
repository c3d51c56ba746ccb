package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/mirror"
	"github.com/vinayprograms/kvmirror/telemetry"
)

const sample = `
[store]
driver = "sqlite"
dsn    = "file:mirror.db"

[mirror]
key           = "rbo.test"
save_interval = "250ms"
ttl           = "1h"
lease         = "30s"
event_buffer  = 16

[log]
level = "debug"

[events]
subject = "kvmirror.custom.events"
filter  = 'kind == "save"'
`

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Store.Driver != DriverMemory || cfg.Mirror.SaveInterval.Duration != time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Store.Driver != DriverSQLite || cfg.Store.DSN != "file:mirror.db" {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Store.Timeout.Duration != 5*time.Second {
		t.Errorf("unset timeout should keep its default, got %v", cfg.Store.Timeout)
	}

	mc := cfg.MirrorConfig(nil)
	want := mirror.Config{
		Key:          "rbo.test",
		SaveInterval: 250 * time.Millisecond,
		TTL:          time.Hour,
		Lease:        30 * time.Second,
		EventBuffer:  16,
	}
	if mc.Key != want.Key || mc.SaveInterval != want.SaveInterval || mc.TTL != want.TTL ||
		mc.Lease != want.Lease || mc.EventBuffer != want.EventBuffer {
		t.Errorf("MirrorConfig() = %+v, want %+v", mc, want)
	}

	rc := cfg.RelayConfig(nil, nil)
	if rc.Subject != "kvmirror.custom.events" || rc.Filter != `kind == "save"` {
		t.Errorf("RelayConfig() = %+v", rc)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		toml string
	}{
		{"syntax", `[store`},
		{"unknown key", "[store]\ndriver = \"memory\"\ncolour = \"blue\""},
		{"unknown driver", "[store]\ndriver = \"etcd\""},
		{"sqlite without dsn", "[store]\ndriver = \"sqlite\""},
		{"redis without url", "[store]\ndriver = \"redis\""},
		{"nats without url", "[store]\ndriver = \"nats\""},
		{"bad key", "[mirror]\nkey = \".leading\""},
		{"bad duration", "[mirror]\nsave_interval = \"soon\""},
		{"negative duration", "[mirror]\nttl = \"-1s\""},
		{"bad level", "[log]\nlevel = \"LOUD\""},
		{"bad protocol", "[telemetry]\nprotocol = \"udp\""},
		{"bad sample ratio", "[telemetry]\nsample_ratio = 1.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.toml)
			if err == nil {
				t.Fatal("expected error")
			}
			if !kverrors.Is(err, kverrors.ErrCodeInvalidInput) {
				t.Errorf("code = %s, want INVALID_INPUT (%v)", kverrors.Code(err), err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(sample), 0600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("KVMIRROR_MIRROR_KEY", "from.env")
	t.Setenv("KVMIRROR_LOG_LEVEL", "WARN")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Mirror.Key != "from.env" || cfg.Log.Level != "WARN" {
		t.Errorf("environment overrides not applied: %+v", cfg)
	}
	if cfg.Store.Driver != DriverSQLite {
		t.Errorf("file values lost: %+v", cfg.Store)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("missing file should fail")
	}
}

func TestLoad_NoFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if path != "" || cfg.Store.Driver != DriverMemory {
		t.Errorf("Load() = %+v from %q, want defaults", cfg, path)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"KVMIRROR_STORE_DRIVER": "redis",
		"KVMIRROR_STORE_URL":    "redis://localhost:6379/1",
	}
	cfg := Default()
	cfg.applyEnv(func(k string) string { return env[k] })

	if cfg.Store.Driver != "redis" || cfg.Store.URL != env["KVMIRROR_STORE_URL"] {
		t.Errorf("store = %+v", cfg.Store)
	}
	if cfg.Mirror.Key != Default().Mirror.Key {
		t.Error("unset variables must not clear values")
	}
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil || d.Duration != 90*time.Second {
		t.Fatalf("UnmarshalText() = %v, %v", d, err)
	}
	text, _ := d.MarshalText()
	if string(text) != "1m30s" {
		t.Errorf("MarshalText() = %s", text)
	}
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "error"
	if cfg.NewLogger() == nil {
		t.Fatal("NewLogger() returned nil")
	}
}

// --- Opening collaborators ---

func TestOpenStore_Memory(t *testing.T) {
	s, closeStore, err := Default().OpenStore()
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	if err := s.Put("k", []byte("v"), 0); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := closeStore(); err != nil {
		t.Errorf("close error = %v", err)
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverSQLite
	cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "mirror.db")

	s, closeStore, err := cfg.OpenStore()
	if err != nil {
		t.Fatalf("OpenStore() error = %v", err)
	}
	defer closeStore()

	m, err := mirror.New(s, cfg.MirrorConfig(logging.Discard()), map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("mirror.New() error = %v", err)
	}
	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	m.Close()

	got, err := s.Get(cfg.Mirror.Key)
	if err != nil || string(got) != `{"n":1}` {
		t.Errorf("stored = %s, %v", got, err)
	}
}

func TestOpenStore_Unreachable(t *testing.T) {
	cfg := Default()
	cfg.Store.Driver = DriverRedis
	cfg.Store.URL = "redis://127.0.0.1:1/0"
	cfg.Store.Timeout = Duration{100 * time.Millisecond}

	if _, _, err := cfg.OpenStore(); !kverrors.Is(err, kverrors.ErrCodeUnavailable) {
		t.Errorf("OpenStore() = %v, want UNAVAILABLE", err)
	}
}

func TestOpenBusAndJournal(t *testing.T) {
	cfg := Default()
	b, err := cfg.OpenBus()
	if err != nil {
		t.Fatalf("OpenBus() error = %v", err)
	}
	b.Close()

	j, err := cfg.OpenJournal()
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	if _, ok := j.(*telemetry.NoopExporter); !ok {
		t.Errorf("journal = %T, want noop without a path", j)
	}

	cfg.Events.Journal = filepath.Join(t.TempDir(), "events.jsonl")
	j, err = cfg.OpenJournal()
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	if _, ok := j.(*telemetry.FileExporter); !ok {
		t.Errorf("journal = %T, want file exporter", j)
	}
	j.Close()

	cfg.Events.Journal = "https://collector.example/events"
	j, err = cfg.OpenJournal()
	if err != nil {
		t.Fatalf("OpenJournal() error = %v", err)
	}
	if _, ok := j.(*telemetry.HTTPExporter); !ok {
		t.Errorf("journal = %T, want http exporter", j)
	}

	p, err := cfg.InitTelemetry(context.Background())
	if p != nil || err != nil {
		t.Errorf("InitTelemetry() without endpoint = %v, %v", p, err)
	}
}
