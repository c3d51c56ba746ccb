package mirror

import (
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/store"
	"github.com/vinayprograms/kvmirror/telemetry"
)

// Defaults.
const (
	DefaultSaveInterval = time.Second
	DefaultEventBuffer  = 64
)

// Backend is the part of a store a Mirror reads and writes.
// Every store.Store satisfies it.
type Backend interface {
	// Get returns the stored value, or store.ErrNotFound.
	Get(key string) ([]byte, error)

	// Put replaces the stored value. A zero ttl never expires.
	Put(key string, value []byte, ttl time.Duration) error
}

// Locker is implemented by backends that can hold a lease on a key.
type Locker interface {
	Lock(key string, ttl time.Duration) (store.Lock, error)
}

// Config configures a Mirror.
type Config struct {
	// Key is the store key holding the snapshot (required).
	Key string

	// SaveInterval is the quiet period after the last mutation before the
	// snapshot is written.
	// Default: 1s
	SaveInterval time.Duration

	// TTL is passed to every Put. Zero keeps the snapshot forever.
	TTL time.Duration

	// Lease, when positive, holds a store lock on Key for the mirror's
	// lifetime. The backend must implement Locker.
	Lease time.Duration

	// EventBuffer is the channel capacity of each subscriber.
	// Default: 64
	EventBuffer int

	// Logger receives lifecycle lines. Default: stdout at INFO.
	Logger *logging.Logger

	// Tracer records hydrate, flush and reset spans. Default: global tracer.
	Tracer *telemetry.Tracer

	// OnError is called with every hydrate, save and lease failure, on the
	// goroutine that hit it and with no mirror lock held. It may call Flush,
	// Reset or Close; a retry that fails again calls OnError again.
	OnError func(error)
}

func (c Config) withDefaults() Config {
	if c.SaveInterval == 0 {
		c.SaveInterval = DefaultSaveInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = logging.New()
	}
	if c.Tracer == nil {
		c.Tracer = telemetry.GetTracer()
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if err := store.ValidateKey(c.Key); err != nil {
		return kverrors.InvalidInput("invalid mirror key",
			kverrors.WithKey(c.Key), kverrors.WithCause(err))
	}
	if c.SaveInterval < 0 {
		return kverrors.InvalidInput("save interval must not be negative", kverrors.WithKey(c.Key))
	}
	if c.TTL < 0 {
		return kverrors.InvalidInput("ttl must not be negative", kverrors.WithKey(c.Key))
	}
	if c.Lease < 0 {
		return kverrors.InvalidInput("lease must not be negative", kverrors.WithKey(c.Key))
	}
	return nil
}
