package config

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/kvmirror/bus"
	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/mirror"
	"github.com/vinayprograms/kvmirror/relay"
	"github.com/vinayprograms/kvmirror/store"
	"github.com/vinayprograms/kvmirror/telemetry"
)

// NewLogger returns a stdout logger at the configured level.
func (c *Config) NewLogger() *logging.Logger {
	logger := logging.New()
	level, _ := logging.ParseLevel(c.Log.Level)
	logger.SetLevel(level)
	return logger
}

// MirrorConfig returns the mirror settings. logger may be nil.
func (c *Config) MirrorConfig(logger *logging.Logger) mirror.Config {
	return mirror.Config{
		Key:          c.Mirror.Key,
		SaveInterval: c.Mirror.SaveInterval.Duration,
		TTL:          c.Mirror.TTL.Duration,
		Lease:        c.Mirror.Lease.Duration,
		EventBuffer:  c.Mirror.EventBuffer,
		Logger:       logger,
	}
}

// RelayConfig returns the relay settings. journal and logger may be nil.
func (c *Config) RelayConfig(journal telemetry.Exporter, logger *logging.Logger) relay.Config {
	return relay.Config{
		Subject: c.Events.Subject,
		Filter:  c.Events.Filter,
		Journal: journal,
		Logger:  logger,
	}
}

// OpenStore connects the configured backend. The returned function closes
// the store and any connection opened for it.
func (c *Config) OpenStore() (store.Store, func() error, error) {
	timeout := c.Store.Timeout.Duration

	switch c.Store.Driver {
	case DriverMemory:
		s := store.NewMemoryStore()
		return s, s.Close, nil

	case DriverSQLite:
		s, err := store.NewSQLiteStore(store.SQLiteConfig{DSN: c.Store.DSN, Timeout: timeout})
		if err != nil {
			return nil, nil, unavailable("sqlite", err)
		}
		return s, s.Close, nil

	case DriverRedis:
		s, err := store.NewRedisStore(store.RedisConfig{URL: c.Store.URL, Timeout: timeout})
		if err != nil {
			return nil, nil, unavailable("redis", err)
		}
		return s, s.Close, nil

	case DriverNATS:
		conn, err := nats.Connect(c.Store.URL, nats.Name("kvmirror"), nats.Timeout(timeout))
		if err != nil {
			return nil, nil, unavailable("nats", err)
		}
		s, err := store.NewNATSStore(store.NATSStoreConfig{
			Conn:    conn,
			Bucket:  c.Store.Bucket,
			TTL:     c.Mirror.TTL.Duration,
			Timeout: timeout,
		})
		if err != nil {
			conn.Close()
			return nil, nil, unavailable("nats", err)
		}
		return s, func() error {
			err := s.Close()
			conn.Close()
			return err
		}, nil
	}
	return nil, nil, kverrors.InvalidInput(fmt.Sprintf("unknown store driver %q", c.Store.Driver))
}

// OpenBus returns a NATS bus when events.url is set and an in-process bus
// otherwise.
func (c *Config) OpenBus() (bus.MessageBus, error) {
	if c.Events.URL == "" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil
	}
	cfg := bus.DefaultNATSConfig()
	cfg.URL = c.Events.URL
	b, err := bus.NewNATSBus(cfg)
	if err != nil {
		return nil, unavailable("event bus", err)
	}
	return b, nil
}

// OpenJournal returns the exporter for events.journal: an HTTP exporter
// for http(s) URLs, a file exporter for paths and a no-op exporter when
// unset.
func (c *Config) OpenJournal() (telemetry.Exporter, error) {
	return telemetry.ExporterFor(c.Events.Journal)
}

// InitTelemetry starts OTLP trace export when telemetry.endpoint is set.
// It returns nil without an endpoint.
func (c *Config) InitTelemetry(ctx context.Context) (*telemetry.Provider, error) {
	if c.Telemetry.Endpoint == "" {
		return nil, nil
	}
	return telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName: c.Telemetry.ServiceName,
		Endpoint:    c.Telemetry.Endpoint,
		Protocol:    c.Telemetry.Protocol,
		Insecure:    c.Telemetry.Insecure,
		Debug:       c.Telemetry.Debug,
		SampleRatio: c.Telemetry.SampleRatio,
		Attributes: map[string]string{
			"kvmirror.store.driver": c.Store.Driver,
			"kvmirror.key":          c.Mirror.Key,
		},
	})
}

func unavailable(what string, err error) error {
	return kverrors.WrapWithCode(err, kverrors.ErrCodeUnavailable, "open "+what)
}
