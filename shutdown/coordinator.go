package shutdown

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
)

// Coordinator runs registered handlers in phase order.
type Coordinator struct {
	config Config
	logger *logging.Logger

	mu           sync.Mutex
	handlers     []registration
	shutdownOnce sync.Once
	shutdownErr  error
	done         chan struct{}
	result       *Result
	signalChan   chan os.Signal
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(config Config) *Coordinator {
	defaults := DefaultConfig()
	if config.DefaultTimeout == 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultPhase == 0 {
		config.DefaultPhase = defaults.DefaultPhase
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Coordinator{
		config:     config,
		logger:     logger.WithComponent("shutdown"),
		done:       make(chan struct{}),
		signalChan: make(chan os.Signal, 1),
	}
}

// Register adds a handler in the default phase.
func (c *Coordinator) Register(name string, handler Handler) {
	c.RegisterWithPhase(name, handler, c.config.DefaultPhase)
}

// RegisterWithPhase adds a handler with a specific phase.
// Handlers registered after shutdown started are not called.
func (c *Coordinator) RegisterWithPhase(name string, handler Handler, phase int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers = append(c.handlers, registration{
		name:    name,
		handler: handler,
		phase:   phase,
	})
}

// RegisterFunc registers a function in the default phase.
func (c *Coordinator) RegisterFunc(name string, fn func(ctx context.Context) error) {
	c.Register(name, HandlerFunc(fn))
}

// RegisterFuncWithPhase registers a function with a phase.
func (c *Coordinator) RegisterFuncWithPhase(name string, fn func(ctx context.Context) error, phase int) {
	c.RegisterWithPhase(name, HandlerFunc(fn), phase)
}

// Shutdown runs every handler once. Later calls wait for the first to
// finish and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.shutdownOnce.Do(func() {
		c.shutdownErr = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.shutdownErr
}

// ShutdownWithTimeout initiates shutdown with a timeout.
// A zero timeout uses Config.DefaultTimeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals starts shutdown on the first SIGTERM or SIGINT.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signalChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		select {
		case sig := <-c.signalChan:
			c.logger.Info("signal received", map[string]interface{}{"signal": sig.String()})
			_ = c.ShutdownWithTimeout(c.config.DefaultTimeout)
		case <-c.done:
		}
		signal.Stop(c.signalChan)
	}()
}

// Trigger simulates a signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signalChan <- syscall.SIGTERM:
	default:
	}
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error, or nil before Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.shutdownErr
	default:
		return nil
	}
}

// Result returns the detailed result, or nil before Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		if err != nil {
			c.logger.Error("shutdown incomplete", map[string]interface{}{
				"error":    err.Error(),
				"duration": result.TotalDuration.String(),
			})
		} else {
			c.logger.Info("shutdown complete", map[string]interface{}{
				"handlers": len(handlers),
				"duration": result.TotalDuration.String(),
			})
		}
		return err
	}

	var failures []error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			return finish(ErrTimeout)
		}

		phaseResults := c.runPhase(ctx, group)
		result.Results = append(result.Results, phaseResults...)

		phaseFailed := false
		for _, hr := range phaseResults {
			if hr.Err != nil {
				failures = append(failures, hr.Err)
				phaseFailed = true
			}
		}
		if phaseFailed && !c.config.ContinueOnError {
			break
		}
	}

	if len(failures) > 0 {
		return finish(errors.Join(append([]error{ErrHandlerFailed}, failures...)...))
	}
	return finish(nil)
}

// runPhase runs all handlers of one phase concurrently.
func (c *Coordinator) runPhase(ctx context.Context, handlers []registration) []HandlerResult {
	results := make([]HandlerResult, len(handlers))
	var wg sync.WaitGroup

	for i, reg := range handlers {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()

			start := time.Now()
			err := callHandler(ctx, r.handler)
			hr := HandlerResult{
				Name:     r.name,
				Phase:    r.phase,
				Duration: time.Since(start),
				Err:      err,
			}
			results[idx] = hr

			fields := map[string]interface{}{
				"handler":  r.name,
				"phase":    r.phase,
				"duration": hr.Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler failed", fields)
			} else {
				c.logger.Debug("handler done", fields)
			}
			if c.config.OnProgress != nil {
				c.config.OnProgress(hr)
			}
		}(i, reg)
	}

	wg.Wait()
	return results
}

func callHandler(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = kverrors.RecoverPanic(r)
		}
	}()
	return h.OnShutdown(ctx)
}

// groupByPhase splits handlers, sorted by phase, into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
