package mirror

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/kvmirror/debounce"
	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/store"
	"github.com/vinayprograms/kvmirror/telemetry"
	"github.com/vinayprograms/kvmirror/tracked"
)

// Mirror is a tracked object persisted, debounced, under one store key.
type Mirror struct {
	id      string
	cfg     Config
	backend Backend
	logger  *logging.Logger
	tracer  *telemetry.Tracer

	root     *tracked.Object
	defaults *tracked.Object
	tracking atomic.Bool

	debouncer *debounce.Debouncer
	events    *dispatcher
	flushMu   sync.Mutex
	lease     *lease

	ready      chan struct{}
	hydrateErr error

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Mirror of cfg.Key on backend. defaults must be
// object-shaped (a map, struct, *tracked.Object) or nil for an empty
// object. It returns as soon as the root is usable; hydration continues in
// the background (see Ready and Wait).
func New(backend Backend, cfg Config, defaults any) (*Mirror, error) {
	if backend == nil {
		return nil, kverrors.InvalidInput("store is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	snapshot, err := defaultSnapshot(cfg.Key, defaults)
	if err != nil {
		return nil, err
	}

	m := &Mirror{
		id:       uuid.NewString(),
		cfg:      cfg,
		backend:  backend,
		tracer:   cfg.Tracer,
		defaults: snapshot,
		ready:    make(chan struct{}),
	}
	m.logger = cfg.Logger.WithComponent("mirror").WithTraceID(m.id)

	m.root = tracked.NewTree(m.observe).NewObject()
	m.root.Replace(snapshot)

	// The lease refresher may report a loss as soon as it starts, so
	// everything fail touches must exist first.
	m.events = newDispatcher(cfg.EventBuffer)
	m.debouncer = debounce.New(cfg.SaveInterval, func() {
		m.flush(context.Background())
	})

	if cfg.Lease > 0 {
		l, err := acquireLease(backend, cfg.Key, cfg.Lease, m.leaseLost)
		if err != nil {
			m.debouncer.Stop()
			m.events.close()
			return nil, err
		}
		m.lease = l
		m.logger.LeaseAcquired(cfg.Key, m.id, cfg.Lease)
	}

	m.tracking.Store(true)
	go m.hydrate()
	return m, nil
}

// defaultSnapshot deep-copies defaults into a detached object.
func defaultSnapshot(key string, defaults any) (*tracked.Object, error) {
	if defaults == nil {
		return tracked.NewObject(), nil
	}
	v, err := tracked.NewTree(nil).Wrap(defaults, nil)
	if err != nil {
		return nil, kverrors.New(kverrors.ErrCodeUnsupportedValue, "default value cannot be mirrored",
			kverrors.WithKey(key), kverrors.WithCause(err))
	}
	obj, ok := v.(*tracked.Object)
	if !ok {
		return nil, kverrors.InvalidInput("default value must be object-shaped", kverrors.WithKey(key))
	}
	return obj.Clone(), nil
}

// ID returns the mirror's unique instance ID.
func (m *Mirror) ID() string {
	return m.id
}

// Key returns the store key.
func (m *Mirror) Key() string {
	return m.cfg.Key
}

// Root returns the live root. It is the same object for the mirror's
// lifetime, including across Reset.
func (m *Mirror) Root() *tracked.Object {
	return m.root
}

// Ready is closed when hydration has finished, successfully or not.
func (m *Mirror) Ready() <-chan struct{} {
	return m.ready
}

// Wait blocks until hydration finishes and returns its error.
func (m *Mirror) Wait(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.hydrateErr
	case <-ctx.Done():
		return kverrors.Wrap(ctx.Err(), "wait for hydration",
			kverrors.WithKey(m.cfg.Key), kverrors.WithOp("hydrate"))
	}
}

// Subscribe returns a channel of events and a function that ends the
// subscription. The channel is closed on unsubscribe or Close.
func (m *Mirror) Subscribe() (<-chan Event, func()) {
	return m.events.subscribe()
}

// Dropped returns how many events were discarded because a subscriber's
// buffer was full.
func (m *Mirror) Dropped() uint64 {
	return m.events.dropped.Load()
}

// Pending reports whether a save is scheduled.
func (m *Mirror) Pending() bool {
	return m.debouncer.Pending()
}

// Flush writes the root now, cancelling any scheduled save.
func (m *Mirror) Flush() error {
	if m.closed.Load() {
		return kverrors.Closed("mirror is closed", kverrors.WithKey(m.cfg.Key), kverrors.WithOp("save"))
	}
	m.debouncer.Cancel()
	return m.flush(context.Background())
}

// Reset restores the default value in place and writes it immediately.
// References to the root stay valid.
func (m *Mirror) Reset() error {
	if m.closed.Load() {
		return kverrors.Closed("mirror is closed", kverrors.WithKey(m.cfg.Key), kverrors.WithOp("reset"))
	}
	ctx, span := m.tracer.StartMirrorSpan(context.Background(), telemetry.SpanReset, m.cfg.Key)

	m.root.Replace(m.defaults)
	m.emit(Event{Kind: EventReset})
	m.logger.Reset(m.cfg.Key)

	m.debouncer.Cancel()
	err := m.flush(ctx)
	m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{MirrorID: m.id, Keys: m.root.Len()}, err)
	return err
}

// Close waits for hydration, writes any scheduled save, releases the lease
// and closes subscriber channels. It is safe to call more than once, from
// OnError too; later calls return the first result.
func (m *Mirror) Close() error {
	var saveErr error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		<-m.ready

		var errs []error
		if m.debouncer.Stop() {
			if err := m.write(context.Background()); err != nil {
				saveErr = err
				m.emit(Event{Kind: EventError, Err: err})
				errs = append(errs, err)
			}
		}
		if m.lease != nil {
			if err := m.lease.release(); err != nil {
				errs = append(errs, err)
			}
		}
		m.events.close()
		m.closeErr = kverrors.Join(errs...)
	})
	// OnError runs outside the once so a callback that closes the mirror
	// gets the recorded result instead of blocking on itself.
	if saveErr != nil {
		m.notify(saveErr)
	}
	return m.closeErr
}

// OnShutdown closes the mirror within ctx's deadline.
func (m *Mirror) OnShutdown(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- m.Close() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return kverrors.Wrap(ctx.Err(), "close mirror",
			kverrors.WithKey(m.cfg.Key), kverrors.WithOp("close"))
	}
}

// observe turns tracker changes into events and re-arms the save timer.
// It runs under the tree's write lock and must not touch the tree.
func (m *Mirror) observe(c tracked.Change) {
	if !m.tracking.Load() {
		return
	}
	kind := EventSet
	if c.Op == tracked.OpDelete {
		kind = EventDelete
	}
	m.emit(Event{Kind: kind, Path: c.Path})
	m.debouncer.Trigger()
}

func (m *Mirror) emit(ev Event) {
	ev.Root = m.root
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	m.events.publish(ev)
}

// hydrate loads the stored snapshot. Ready is closed before a failure is
// reported so OnError may call Wait or Close.
func (m *Mirror) hydrate() {
	err := m.load()
	if err != nil {
		m.hydrateErr = err
		m.emit(Event{Kind: EventError, Err: err})
	}
	close(m.ready)
	if err != nil {
		m.notify(err)
	}
}

func (m *Mirror) load() error {
	_, span := m.tracer.StartMirrorSpan(context.Background(), telemetry.SpanHydrate, m.cfg.Key)
	start := time.Now()

	data, err := m.backend.Get(m.cfg.Key)
	if errors.Is(err, store.ErrNotFound) {
		data, err = nil, nil
	}
	if err != nil {
		return m.hydrateFailed(span, kverrors.WrapWithCode(err, kverrors.ErrCodeUnavailable, "read snapshot",
			kverrors.WithKey(m.cfg.Key), kverrors.WithOp("hydrate"),
			kverrors.WithMetadata("mirror_id", m.id)))
	}

	if len(bytes.TrimSpace(data)) == 0 {
		m.logger.HydrateComplete(m.cfg.Key, false, 0, time.Since(start))
		m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{MirrorID: m.id}, nil)
		m.emit(Event{Kind: EventHydrate})
		return nil
	}

	stored, err := tracked.ParseObject(data)
	if err != nil {
		return m.hydrateFailed(span, kverrors.MalformedSnapshot(m.cfg.Key,
			kverrors.WithOp("hydrate"), kverrors.WithCause(err),
			kverrors.WithMetadata("mirror_id", m.id)))
	}

	m.root.Merge(stored)

	m.logger.HydrateComplete(m.cfg.Key, true, len(data), time.Since(start))
	m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{
		MirrorID: m.id,
		Bytes:    len(data),
		Keys:     stored.Len(),
		Found:    true,
		Snapshot: string(data),
	}, nil)
	m.emit(Event{Kind: EventHydrate, Snapshot: data})
	return nil
}

func (m *Mirror) hydrateFailed(span trace.Span, err *kverrors.Error) error {
	m.logger.HydrateFailed(m.cfg.Key, err)
	m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{MirrorID: m.id}, err)
	return err
}

// flush writes the root and reports a failure once flushMu is released.
func (m *Mirror) flush(ctx context.Context) error {
	if err := m.write(ctx); err != nil {
		m.fail(err)
		return err
	}
	return nil
}

// write serializes the root and stores it. Writes never overlap, so the
// store sees snapshots in serialization order.
func (m *Mirror) write(ctx context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	_, span := m.tracer.StartMirrorSpan(ctx, telemetry.SpanFlush, m.cfg.Key)
	start := time.Now()

	data, err := m.root.MarshalJSON()
	if err != nil {
		werr := kverrors.Wrap(err, "encode snapshot",
			kverrors.WithKey(m.cfg.Key), kverrors.WithOp("save"))
		return m.saveFailed(span, werr)
	}

	if err := m.backend.Put(m.cfg.Key, data, m.cfg.TTL); err != nil {
		code := kverrors.ErrCodeUnavailable
		if errors.Is(err, store.ErrClosed) {
			code = kverrors.ErrCodeClosed
		}
		werr := kverrors.WrapWithCode(err, code, "write snapshot",
			kverrors.WithKey(m.cfg.Key), kverrors.WithOp("save"),
			kverrors.WithMetadata("mirror_id", m.id))
		return m.saveFailed(span, werr)
	}

	m.logger.SaveComplete(m.cfg.Key, len(data), time.Since(start))
	m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{
		MirrorID: m.id,
		Bytes:    len(data),
		Keys:     m.root.Len(),
		Snapshot: string(data),
	}, nil)
	m.emit(Event{Kind: EventSave, Snapshot: data})
	return nil
}

func (m *Mirror) saveFailed(span trace.Span, err *kverrors.Error) error {
	m.logger.SaveFailed(m.cfg.Key, err)
	m.tracer.EndMirrorSpan(span, telemetry.MirrorSpanOptions{MirrorID: m.id}, err)
	return err
}

func (m *Mirror) leaseLost(err error) {
	m.logger.LeaseLost(m.cfg.Key, err)
	m.fail(kverrors.New(kverrors.ErrCodeResourceBusy, "lease lost",
		kverrors.WithKey(m.cfg.Key), kverrors.WithOp("lease"), kverrors.WithCause(err),
		kverrors.WithMetadata("mirror_id", m.id)))
}

// fail reports err as an event and to OnError. Callers must not hold
// flushMu or the tree lock.
func (m *Mirror) fail(err error) {
	m.emit(Event{Kind: EventError, Err: err})
	m.notify(err)
}

// notify calls OnError. A panicking callback is logged and swallowed.
func (m *Mirror) notify(err error) {
	if m.cfg.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("error callback panicked", map[string]interface{}{
				"error": kverrors.RecoverPanic(r).Error(),
			})
		}
	}()
	m.cfg.OnError(err)
}
