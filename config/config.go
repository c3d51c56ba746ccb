// Package config loads kvmirror settings from a TOML file and turns them
// into a store, a bus and mirror configuration.
//
//	[store]
//	driver = "sqlite"            # memory | nats | sqlite | redis
//	dsn    = "file:mirror.db"    # sqlite
//	url    = "redis://localhost:6379/0"   # nats or redis
//	bucket = "kvmirror"          # nats
//
//	[mirror]
//	key           = "app.state"
//	save_interval = "1s"
//	ttl           = "0s"
//	lease         = "30s"
//
//	[log]
//	level = "INFO"
//
//	[events]
//	url     = "nats://localhost:4222"   # empty: in-process bus
//	subject = ""                         # default kvmirror.<key>.events
//	filter  = 'kind == "save"'
//	journal = "events.jsonl"
//
//	[telemetry]
//	endpoint = "localhost:4317"
//	protocol = "grpc"
//	sample_ratio = 0.1
//
// Environment variables KVMIRROR_STORE_DRIVER, KVMIRROR_STORE_URL,
// KVMIRROR_STORE_DSN, KVMIRROR_MIRROR_KEY and KVMIRROR_LOG_LEVEL override
// the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/store"
)

// FileName is the configuration file looked up by Load.
const FileName = "kvmirror.toml"

// Store drivers.
const (
	DriverMemory = "memory"
	DriverNATS   = "nats"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// Duration is a time.Duration written as a string ("1s", "250ms") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete file.
type Config struct {
	Store     StoreConfig     `toml:"store"`
	Mirror    MirrorConfig    `toml:"mirror"`
	Log       LogConfig       `toml:"log"`
	Events    EventsConfig    `toml:"events"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// StoreConfig selects and addresses the store backend.
type StoreConfig struct {
	Driver  string   `toml:"driver"`
	DSN     string   `toml:"dsn"`
	URL     string   `toml:"url"`
	Bucket  string   `toml:"bucket"`
	Timeout Duration `toml:"timeout"`
}

// MirrorConfig holds the mirror settings.
type MirrorConfig struct {
	Key          string   `toml:"key"`
	SaveInterval Duration `toml:"save_interval"`
	TTL          Duration `toml:"ttl"`
	Lease        Duration `toml:"lease"`
	EventBuffer  int      `toml:"event_buffer"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// EventsConfig configures relaying mirror events.
type EventsConfig struct {
	// URL of a NATS server. Empty uses an in-process bus.
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Filter  string `toml:"filter"`

	// Journal receives every relayed event: a file path gets one JSON
	// line per event, an http(s) URL gets batched posts.
	Journal string `toml:"journal"`
}

// TelemetryConfig configures OTLP trace export. Empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint    string  `toml:"endpoint"`
	Protocol    string  `toml:"protocol"`
	Insecure    bool    `toml:"insecure"`
	ServiceName string  `toml:"service_name"`
	Debug       bool    `toml:"debug"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Default returns a configuration using the in-memory store.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:  DriverMemory,
			Bucket:  "kvmirror",
			Timeout: Duration{5 * time.Second},
		},
		Mirror: MirrorConfig{
			Key:          "kvmirror.state",
			SaveInterval: Duration{time.Second},
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// StandardPaths returns the locations Load tries, in order.
func StandardPaths() []string {
	paths := []string{FileName}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "kvmirror", FileName))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".kvmirror", FileName))
	}
	return paths
}

// Load reads the first file found in StandardPaths. Without one it returns
// the defaults (with environment overrides) and an empty path.
func Load() (*Config, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	cfg := Default()
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, "", nil
}

// LoadFile reads path over the defaults, applies environment overrides and
// validates the result. Unknown keys are rejected.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, kverrors.WrapWithCode(err, kverrors.ErrCodeInvalidInput,
			fmt.Sprintf("parse %s", path))
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads configuration from TOML text. Environment overrides are not
// applied.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, kverrors.WrapWithCode(err, kverrors.ErrCodeInvalidInput, "parse config")
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func checkUndecoded(md toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}
	keys := make([]string, len(undecoded))
	for i, k := range undecoded {
		keys[i] = k.String()
	}
	sort.Strings(keys)
	return kverrors.InvalidInput("unknown config keys: " + strings.Join(keys, ", "))
}

func (c *Config) applyEnv(getenv func(string) string) {
	set := func(dst *string, name string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	set(&c.Store.Driver, "KVMIRROR_STORE_DRIVER")
	set(&c.Store.URL, "KVMIRROR_STORE_URL")
	set(&c.Store.DSN, "KVMIRROR_STORE_DSN")
	set(&c.Mirror.Key, "KVMIRROR_MIRROR_KEY")
	set(&c.Log.Level, "KVMIRROR_LOG_LEVEL")
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return kverrors.InvalidInput(fmt.Sprintf(format, args...))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.DSN == "" {
			return invalid("store.dsn is required for the sqlite driver")
		}
	case DriverNATS, DriverRedis:
		if c.Store.URL == "" {
			return invalid("store.url is required for the %s driver", c.Store.Driver)
		}
	default:
		return invalid("unknown store driver %q", c.Store.Driver)
	}

	if err := store.ValidateKey(c.Mirror.Key); err != nil {
		return invalid("mirror.key %q is not a valid store key", c.Mirror.Key)
	}
	for name, d := range map[string]Duration{
		"store.timeout":        c.Store.Timeout,
		"mirror.save_interval": c.Mirror.SaveInterval,
		"mirror.ttl":           c.Mirror.TTL,
		"mirror.lease":         c.Mirror.Lease,
	} {
		if d.Duration < 0 {
			return invalid("%s must not be negative", name)
		}
	}
	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return invalid("unknown log level %q", c.Log.Level)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return invalid("telemetry.sample_ratio must be between 0 and 1")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return invalid("unknown telemetry protocol %q", c.Telemetry.Protocol)
	}
	return nil
}
