package shutdown

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/kvmirror/logging"
)

// Common errors.
var (
	// ErrAlreadyShutdown indicates shutdown was already initiated.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout indicates shutdown did not complete within the timeout.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed indicates one or more handlers failed during shutdown.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Standard phases for kvmirror components.
const (
	PhaseRelay     = 10
	PhaseMirror    = 20
	PhaseStore     = 30
	PhaseTelemetry = 40
)

// Handler is implemented by components that need graceful shutdown.
// *mirror.Mirror and *telemetry.Provider satisfy it.
type Handler interface {
	// OnShutdown is called when shutdown is initiated.
	// The context is cancelled when the timeout is reached.
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	TotalDuration time.Duration
	Results       []HandlerResult

	// Err is ErrHandlerFailed joined with every handler error, ErrTimeout, or nil.
	Err error
}

// Failed returns true if any handler failed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Results {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the shutdown coordinator.
type Config struct {
	// DefaultTimeout bounds a signal-triggered shutdown.
	// Default: 30 seconds
	DefaultTimeout time.Duration

	// DefaultPhase is assigned to handlers registered without a phase.
	// Default: PhaseMirror
	DefaultPhase int

	// ContinueOnError runs later phases even if a handler failed.
	// Default: true
	ContinueOnError bool

	// Logger receives one line per handler. Nil discards.
	Logger *logging.Logger

	// OnProgress is called when each handler completes.
	OnProgress func(result HandlerResult)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.DefaultTimeout < 0 || c.DefaultPhase < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		DefaultPhase:    PhaseMirror,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
