package mirror

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/logging"
	"github.com/vinayprograms/kvmirror/store"
	"github.com/vinayprograms/kvmirror/tracked"
)

const testKey = "rbo.test"

// fakeStore records every Put and can be made to fail or stall.
type fakeStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	puts   []string
	getErr error
	putErr error

	gate       chan struct{} // Get blocks until closed
	putBlock   chan struct{} // Put blocks until closed
	putEntered chan string   // receives each value as Put is entered, if set
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string][]byte)}
}

func (s *fakeStore) Get(key string) ([]byte, error) {
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) Put(key string, value []byte, ttl time.Duration) error {
	if s.putEntered != nil {
		s.putEntered <- string(value)
	}
	if s.putBlock != nil {
		<-s.putBlock
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putErr != nil {
		return s.putErr
	}
	s.data[key] = append([]byte(nil), value...)
	s.puts = append(s.puts, string(value))
	return nil
}

func (s *fakeStore) setPutErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putErr = err
}

func (s *fakeStore) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

func (s *fakeStore) lastPut() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.puts) == 0 {
		return ""
	}
	return s.puts[len(s.puts)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

const interval = 20 * time.Millisecond

func newMirror(t *testing.T, s Backend, defaults any, opts ...func(*Config)) *Mirror {
	t.Helper()
	cfg := Config{Key: testKey, SaveInterval: interval, Logger: logging.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}
	m, err := New(s, cfg, defaults)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { m.Close() })
	if err := m.Wait(context.Background()); err != nil && cfg.OnError == nil {
		t.Fatalf("Wait() error = %v", err)
	}
	return m
}

func rootJSON(t *testing.T, m *Mirror) string {
	t.Helper()
	data, err := m.Root().MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	return string(data)
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		backend  Backend
		cfg      Config
		defaults any
		code     kverrors.ErrorCode
	}{
		{"nil store", nil, Config{Key: testKey}, nil, kverrors.ErrCodeInvalidInput},
		{"empty key", newFakeStore(), Config{}, nil, kverrors.ErrCodeInvalidInput},
		{"key with space", newFakeStore(), Config{Key: "a b"}, nil, kverrors.ErrCodeInvalidInput},
		{"negative interval", newFakeStore(), Config{Key: testKey, SaveInterval: -1}, nil, kverrors.ErrCodeInvalidInput},
		{"negative ttl", newFakeStore(), Config{Key: testKey, TTL: -1}, nil, kverrors.ErrCodeInvalidInput},
		{"array default", newFakeStore(), Config{Key: testKey}, []any{1, 2}, kverrors.ErrCodeInvalidInput},
		{"primitive default", newFakeStore(), Config{Key: testKey}, 42, kverrors.ErrCodeInvalidInput},
		{"unsupported default", newFakeStore(), Config{Key: testKey}, map[string]any{"c": make(chan int)}, kverrors.ErrCodeUnsupportedValue},
		{"lease without locker", newFakeStore(), Config{Key: testKey, Lease: time.Second}, nil, kverrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.cfg.Logger = logging.Discard()
			m, err := New(tt.backend, tt.cfg, tt.defaults)
			if err == nil {
				m.Close()
				t.Fatal("expected error")
			}
			if got := kverrors.Code(err); got != tt.code {
				t.Errorf("code = %s, want %s (%v)", got, tt.code, err)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	m := newMirror(t, newFakeStore(), nil, func(c *Config) { c.SaveInterval = 0 })

	if m.cfg.SaveInterval != DefaultSaveInterval || m.cfg.EventBuffer != DefaultEventBuffer {
		t.Errorf("defaults not applied: %+v", m.cfg)
	}
	if m.Key() != testKey || m.ID() == "" {
		t.Errorf("Key/ID = %q/%q", m.Key(), m.ID())
	}
	if rootJSON(t, m) != "{}" {
		t.Errorf("nil default should give an empty root, got %s", rootJSON(t, m))
	}
}

func TestNew_DefaultIsCopied(t *testing.T) {
	defaults := map[string]any{"list": []any{1}}
	m := newMirror(t, newFakeStore(), defaults)

	defaults["list"] = []any{1, 2, 3}
	m.Root().Get("list").(*tracked.Array).Push(9)

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if got := rootJSON(t, m); got != `{"list":[1]}` {
		t.Errorf("root after reset = %s, want the original default", got)
	}
}

func TestNew_StructDefault(t *testing.T) {
	type settings struct {
		Theme string `json:"theme"`
		Size  int    `json:"size"`
	}
	m := newMirror(t, newFakeStore(), settings{Theme: "dark", Size: 12})

	if got := rootJSON(t, m); got != `{"theme":"dark","size":12}` {
		t.Errorf("root = %s", got)
	}
}

// ============================================================================
// Debounced saves
// ============================================================================

func TestMirror_LastStateWins(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, map[string]any{"a": 1})

	m.Root().Set("a", 2)
	m.Root().Set("a", 3)

	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	time.Sleep(3 * interval)

	if s.putCount() != 1 {
		t.Errorf("expected 1 write, got %d", s.putCount())
	}
	if got := s.lastPut(); got != `{"a":3}` {
		t.Errorf("stored = %s, want {\"a\":3}", got)
	}
}

func TestMirror_Coalescing(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, nil)

	for i := 0; i < 100; i++ {
		m.Root().Set("n", i)
	}

	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	time.Sleep(3 * interval)
	if s.putCount() != 1 {
		t.Errorf("expected 1 write for a burst, got %d", s.putCount())
	}
	if s.lastPut() != `{"n":99}` {
		t.Errorf("stored = %s", s.lastPut())
	}
}

func TestMirror_DeleteRemovesKey(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, map[string]any{"a": 3})

	m.Root().Delete("a")

	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	if got := s.lastPut(); got != `{}` {
		t.Errorf("stored = %s, want {}", got)
	}
}

func TestMirror_NestedContainersStayObservable(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, nil)

	m.Root().Set("array", []any{1, 2})
	m.Root().Set("nested", map[string]any{"a": []any{1}})
	m.Root().Get("array").(*tracked.Array).Push(3)

	nested := m.Root().Get("nested").(*tracked.Object)
	nested.Get("a").(*tracked.Array).Push(2)

	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	if got := s.lastPut(); got != `{"array":[1,2,3],"nested":{"a":[1,2]}}` {
		t.Errorf("stored = %s", got)
	}
}

func TestMirror_NoSaveWithoutMutation(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, map[string]any{"a": 1})

	time.Sleep(4 * interval)
	if s.putCount() != 0 {
		t.Errorf("expected no writes, got %v", s.puts)
	}
	if m.Pending() {
		t.Error("no save should be pending")
	}
}

func TestMirror_TTLPassedToStore(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()
	m := newMirror(t, s, nil, func(c *Config) { c.TTL = 30 * time.Millisecond })

	if err := m.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if _, err := s.Get(testKey); err != nil {
		t.Fatalf("snapshot should exist right after flush: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		_, err := s.Get(testKey)
		return errors.Is(err, store.ErrNotFound)
	})
}

// ============================================================================
// Hydration
// ============================================================================

func TestMirror_DefaultThenHydrated(t *testing.T) {
	s := newFakeStore()
	s.data[testKey] = []byte(`{"a":4}`)
	s.gate = make(chan struct{})

	m, err := New(s, Config{Key: testKey, SaveInterval: interval, Logger: logging.Discard()}, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer m.Close()

	if got := m.Root().Get("a"); got != 1 {
		t.Errorf("before hydration a = %v, want default 1", got)
	}
	select {
	case <-m.Ready():
		t.Fatal("Ready closed before the store answered")
	default:
	}

	close(s.gate)
	if err := m.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got := m.Root().Get("a"); got != float64(4) {
		t.Errorf("after hydration a = %v, want 4", got)
	}

	// the merge is itself persisted
	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	if s.lastPut() != `{"a":4}` {
		t.Errorf("stored = %s", s.lastPut())
	}
}

func TestMirror_HydrateMergesOverDefaults(t *testing.T) {
	s := newFakeStore()
	s.data[testKey] = []byte(`{"b":3,"c":{"d":[true]}}`)
	m := newMirror(t, s, map[string]any{"a": 1, "b": 2})

	if got := rootJSON(t, m); got != `{"a":1,"b":3,"c":{"d":[true]}}` {
		t.Errorf("root = %s", got)
	}
}

func TestMirror_HydrateAbsentOrEmpty(t *testing.T) {
	for name, seed := range map[string][]byte{"absent": nil, "empty": {}, "blank": []byte("  \n")} {
		t.Run(name, func(t *testing.T) {
			s := newFakeStore()
			if seed != nil {
				s.data[testKey] = seed
			}
			m := newMirror(t, s, map[string]any{"a": 1})

			if got := rootJSON(t, m); got != `{"a":1}` {
				t.Errorf("root = %s, want defaults", got)
			}
			time.Sleep(3 * interval)
			if s.putCount() != 0 {
				t.Errorf("absent snapshot should not trigger a write, got %v", s.puts)
			}
		})
	}
}

func TestMirror_MalformedSnapshot(t *testing.T) {
	docs := []string{`not json`, `[1,2]`, `"text"`, `{"a":`, `{"a":1e400}`, `{"a":[-1e999]}`}

	for _, doc := range docs {
		t.Run(doc, func(t *testing.T) {
			s := newFakeStore()
			s.data[testKey] = []byte(doc)

			var reported atomic.Value
			m := newMirror(t, s, map[string]any{"a": 1}, func(c *Config) {
				c.OnError = func(err error) { reported.Store(err) }
			})

			err := m.Wait(context.Background())
			if !kverrors.Is(err, kverrors.ErrCodeMalformedSnapshot) {
				t.Fatalf("Wait() = %v, want MALFORMED_SNAPSHOT", err)
			}
			if kverrors.IsRetryable(err) {
				t.Error("malformed snapshot should not be retryable")
			}
			waitFor(t, time.Second, func() bool { return reported.Load() != nil })
			if got := rootJSON(t, m); got != `{"a":1}` {
				t.Errorf("root = %s, want defaults untouched", got)
			}
			if m.Pending() {
				t.Error("a failed hydration should not schedule a save")
			}
		})
	}
}

func TestMirror_HydrateUnavailable(t *testing.T) {
	s := newFakeStore()
	s.getErr = errors.New("connection refused")

	m := newMirror(t, s, map[string]any{"a": 1}, func(c *Config) {
		c.OnError = func(error) {}
	})

	err := m.Wait(context.Background())
	if !kverrors.Is(err, kverrors.ErrCodeUnavailable) || !kverrors.IsRetryable(err) {
		t.Fatalf("Wait() = %v, want retryable UNAVAILABLE", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("cause lost: %v", err)
	}

	// the mirror keeps working on defaults
	m.Root().Set("a", 2)
	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
}

func TestMirror_WaitContext(t *testing.T) {
	s := newFakeStore()
	s.gate = make(chan struct{})

	m, err := New(s, Config{Key: testKey, Logger: logging.Discard()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := m.Wait(ctx); !kverrors.Is(err, kverrors.ErrCodeTimeout) {
		t.Errorf("Wait() = %v, want TIMEOUT", err)
	}

	close(s.gate)
	m.Close()
}

// ============================================================================
// Reset
// ============================================================================

func TestMirror_ResetWritesImmediately(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, map[string]any{"a": 1}, func(c *Config) { c.SaveInterval = time.Hour })

	root := m.Root()
	root.Set("a", 15)
	root.Set("extra", true)

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	if s.putCount() != 1 || s.lastPut() != `{"a":1}` {
		t.Errorf("stored = %v, want one write of {\"a\":1}", s.puts)
	}
	if m.Pending() {
		t.Error("reset should cancel the pending save")
	}
	if m.Root() != root {
		t.Error("root identity changed across Reset")
	}
	if got := root.Get("a"); got != 1 {
		t.Errorf("a = %v, want 1", got)
	}
}

func TestMirror_ResetKeepsReferencesLive(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, map[string]any{"a": 1})

	if err := m.Reset(); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	m.Root().Set("a", 2)

	waitFor(t, time.Second, func() bool { return s.putCount() == 2 })
	if s.lastPut() != `{"a":2}` {
		t.Errorf("stored = %s", s.lastPut())
	}
}

func TestMirror_ResetFailure(t *testing.T) {
	s := newFakeStore()
	s.putErr = errors.New("disk full")
	m := newMirror(t, s, nil)

	err := m.Reset()
	if !kverrors.Is(err, kverrors.ErrCodeUnavailable) {
		t.Fatalf("Reset() = %v, want UNAVAILABLE", err)
	}
	if ce := kverrors.AsCoded(err); ce == nil || ce.Metadata()["mirror_id"] != m.ID() {
		t.Errorf("error should carry the mirror id: %v", err)
	}
}

// ============================================================================
// Failures and retry
// ============================================================================

func TestMirror_SaveFailureThenRetry(t *testing.T) {
	s := newFakeStore()
	s.putErr = errors.New("timeout")

	errs := make(chan error, 4)
	m := newMirror(t, s, nil, func(c *Config) {
		c.OnError = func(err error) { errs <- err }
	})

	m.Root().Set("a", 1)

	select {
	case err := <-errs:
		if !kverrors.Is(err, kverrors.ErrCodeUnavailable) {
			t.Errorf("OnError got %v, want UNAVAILABLE", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnError not called")
	}
	if got := m.Root().Get("a"); got != 1 {
		t.Error("failed save must leave the root untouched")
	}

	s.setPutErr(nil)
	m.Root().Set("b", 2)

	waitFor(t, time.Second, func() bool { return s.putCount() == 1 })
	if s.lastPut() != `{"a":1,"b":2}` {
		t.Errorf("stored = %s", s.lastPut())
	}
}

func TestMirror_StoreClosed(t *testing.T) {
	s := store.NewMemoryStore()
	m := newMirror(t, s, nil)
	s.Close()

	if err := m.Flush(); !kverrors.Is(err, kverrors.ErrCodeClosed) {
		t.Errorf("Flush() on closed store = %v, want CLOSED", err)
	}
}

func TestMirror_OnErrorPanicIsContained(t *testing.T) {
	s := newFakeStore()
	s.putErr = errors.New("boom")
	m := newMirror(t, s, nil, func(c *Config) {
		c.OnError = func(error) { panic("callback bug") }
	})

	if err := m.Flush(); err == nil {
		t.Fatal("expected flush error")
	}
}

func TestMirror_OnErrorMayRetry(t *testing.T) {
	s := newFakeStore()
	s.putErr = errors.New("timeout")

	var m *Mirror
	var retried atomic.Bool
	m = newMirror(t, s, nil, func(c *Config) {
		c.SaveInterval = time.Hour
		c.OnError = func(error) {
			if retried.CompareAndSwap(false, true) {
				s.setPutErr(nil)
				if err := m.Flush(); err != nil {
					t.Errorf("Flush() from OnError = %v", err)
				}
			}
		}
	})
	m.Root().Set("a", 1)

	done := make(chan error, 1)
	go func() { done <- m.Flush() }()
	select {
	case err := <-done:
		if err == nil {
			t.Error("the failed write should still be returned")
		}
	case <-time.After(time.Second):
		t.Fatal("Flush from OnError blocked")
	}
	if s.lastPut() != `{"a":1}` {
		t.Errorf("stored = %s", s.lastPut())
	}

	go func() { done <- m.Reset() }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Reset() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Reset blocked after a retry from OnError")
	}
}

func TestMirror_CloseFromOnError(t *testing.T) {
	run := func(t *testing.T, name string, act func(*Mirror) error) {
		t.Run(name, func(t *testing.T) {
			s := newFakeStore()
			s.putErr = errors.New("timeout")

			var m *Mirror
			closed := make(chan error, 1)
			m = newMirror(t, s, nil, func(c *Config) {
				c.SaveInterval = time.Hour
				c.OnError = func(error) {
					select {
					case closed <- m.Close():
					default:
					}
				}
			})
			m.Root().Set("a", 1)

			done := make(chan error, 1)
			go func() { done <- act(m) }()
			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("closing from OnError blocked")
			}
			select {
			case <-closed:
			case <-time.After(time.Second):
				t.Fatal("OnError was not called")
			}
			if err := m.Flush(); !kverrors.Is(err, kverrors.ErrCodeClosed) {
				t.Errorf("Flush() after Close = %v, want CLOSED", err)
			}
		})
	}

	run(t, "flush", func(m *Mirror) error { return m.Flush() })
	run(t, "reset", func(m *Mirror) error { return m.Reset() })
	run(t, "close", func(m *Mirror) error { return m.Close() })
}

func TestMirror_CloseFromOnErrorAfterHydrate(t *testing.T) {
	s := newFakeStore()
	s.data[testKey] = []byte(`not json`)
	s.gate = make(chan struct{})

	var m *Mirror
	closed := make(chan error, 1)
	m, err := New(s, Config{Key: testKey, Logger: logging.Discard(), OnError: func(error) {
		closed <- m.Close()
	}}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	close(s.gate)

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close from a hydration failure blocked")
	}
}

func TestMirror_CloseFromOnErrorAfterLeaseLoss(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	var m *Mirror
	closed := make(chan error, 1)
	m = newMirror(t, s, nil, func(c *Config) {
		c.Lease = 30 * time.Millisecond
		c.OnError = func(error) { closed <- m.Close() }
	})

	m.lease.lock.Unlock()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("Close() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close from a lease loss blocked")
	}
}

// ============================================================================
// Flush / Close
// ============================================================================

func TestMirror_MutationDuringWrite(t *testing.T) {
	s := newFakeStore()
	s.putEntered = make(chan string, 4)
	s.putBlock = make(chan struct{})
	m := newMirror(t, s, map[string]any{"a": 1})

	m.Root().Set("a", 2)
	select {
	case v := <-s.putEntered:
		if v != `{"a":2}` {
			t.Fatalf("first write = %s", v)
		}
	case <-time.After(time.Second):
		t.Fatal("scheduled save did not start")
	}

	// the first write is still in flight
	m.Root().Set("a", 3)
	if !m.Pending() {
		t.Fatal("a mutation during a write must schedule another save")
	}
	close(s.putBlock)

	waitFor(t, time.Second, func() bool { return s.putCount() == 2 })
	s.mu.Lock()
	puts := append([]string(nil), s.puts...)
	s.mu.Unlock()
	if puts[0] != `{"a":2}` || puts[1] != `{"a":3}` {
		t.Errorf("puts = %v, want [{\"a\":2} {\"a\":3}]", puts)
	}
	if m.Pending() {
		t.Error("nothing should be scheduled once both writes landed")
	}
}

func TestMirror_Flush(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, nil, func(c *Config) { c.SaveInterval = time.Hour })

	m.Root().Set("a", "x")
	if !m.Pending() {
		t.Fatal("mutation should schedule a save")
	}
	if err := m.Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if m.Pending() {
		t.Error("Flush should cancel the scheduled save")
	}
	if s.lastPut() != `{"a":"x"}` {
		t.Errorf("stored = %s", s.lastPut())
	}
}

func TestMirror_CloseFlushesPending(t *testing.T) {
	s := newFakeStore()
	m, err := New(s, Config{Key: testKey, SaveInterval: time.Hour, Logger: logging.Discard()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	m.Root().Set("a", 1)
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.lastPut() != `{"a":1}` {
		t.Errorf("stored = %v", s.puts)
	}

	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
	if err := m.Flush(); !kverrors.Is(err, kverrors.ErrCodeClosed) {
		t.Errorf("Flush() after Close = %v, want CLOSED", err)
	}
	if err := m.Reset(); !kverrors.Is(err, kverrors.ErrCodeClosed) {
		t.Errorf("Reset() after Close = %v, want CLOSED", err)
	}

	m.Root().Set("a", 2)
	time.Sleep(10 * time.Millisecond)
	if s.putCount() != 1 {
		t.Error("mutations after Close must not be saved")
	}
}

func TestMirror_CloseWithoutPendingDoesNotWrite(t *testing.T) {
	s := newFakeStore()
	m, err := New(s, Config{Key: testKey, Logger: logging.Discard()}, map[string]any{"a": 1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if s.putCount() != 0 {
		t.Errorf("expected no writes, got %v", s.puts)
	}
}

func TestMirror_CloseWaitsForHydration(t *testing.T) {
	s := newFakeStore()
	s.data[testKey] = []byte(`{"b":2}`)
	s.gate = make(chan struct{})

	m, err := New(s, Config{Key: testKey, SaveInterval: time.Hour, Logger: logging.Discard()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Root().Set("a", 1)

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(s.gate)
	}()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := s.lastPut(); got != `{"a":1,"b":2}` {
		t.Errorf("final flush = %s, want hydrated state included", got)
	}
}

func TestMirror_OnShutdownDeadline(t *testing.T) {
	s := newFakeStore()
	s.putBlock = make(chan struct{})
	defer close(s.putBlock)

	m, err := New(s, Config{Key: testKey, SaveInterval: time.Hour, Logger: logging.Discard()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	m.Root().Set("a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.OnShutdown(ctx); !kverrors.Is(err, kverrors.ErrCodeTimeout) {
		t.Errorf("OnShutdown() = %v, want TIMEOUT", err)
	}
}

// ============================================================================
// Events
// ============================================================================

func collect(t *testing.T, ch <-chan Event, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("got %d of %d events", len(out), n)
		}
	}
	return out
}

func TestMirror_EventOrder(t *testing.T) {
	s := newFakeStore()
	m := newMirror(t, s, nil, func(c *Config) { c.SaveInterval = time.Hour })

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Root().Set("a", 1)
	m.Root().Set("nested", map[string]any{"x": []any{1}})
	m.Root().Get("nested").(*tracked.Object).Get("x").(*tracked.Array).Push(2)
	m.Root().Delete("a")
	m.Flush()
	m.Reset()

	got := collect(t, events, 7)
	want := []string{"set:a", "set:nested", "set:nested.x.1", "delete:a", "save:", "delete:nested", "reset:"}
	for i, ev := range got {
		if s := string(ev.Kind) + ":" + ev.PathString(); s != want[i] {
			t.Errorf("event %d = %s, want %s", i, s, want[i])
		}
		if ev.Root != m.Root() {
			t.Errorf("event %d does not carry the root", i)
		}
	}
	if string(got[4].Snapshot) != `{"nested":{"x":[1,2]}}` {
		t.Errorf("save snapshot = %s", got[4].Snapshot)
	}
}

func TestMirror_OneEventPerWrite(t *testing.T) {
	m := newMirror(t, newFakeStore(), nil)
	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Root().Set("deep", map[string]any{"a": map[string]any{"b": []any{1, 2, 3}}})
	nested := m.Root().Get("deep").(*tracked.Object)
	m.Root().Set("deep", nested)

	got := collect(t, events, 2)
	for _, ev := range got {
		if ev.Kind != EventSet || ev.PathString() != "deep" {
			t.Errorf("unexpected event %s %s", ev.Kind, ev.PathString())
		}
	}
	select {
	case ev := <-events:
		if ev.Kind == EventSet {
			t.Errorf("unexpected extra event %s", ev.PathString())
		}
	case <-time.After(5 * time.Millisecond):
	}
}

func TestMirror_ErrorEvent(t *testing.T) {
	s := newFakeStore()
	s.putErr = errors.New("nope")
	m := newMirror(t, s, nil, func(c *Config) { c.OnError = func(error) {} })

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.Flush()
	ev := collect(t, events, 1)[0]
	if ev.Kind != EventError || !kverrors.Is(ev.Err, kverrors.ErrCodeUnavailable) {
		t.Errorf("event = %+v", ev)
	}
}

func TestMirror_SubscribersClosedOnClose(t *testing.T) {
	m, err := New(newFakeStore(), Config{Key: testKey, Logger: logging.Discard()}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	events, _ := m.Subscribe()
	m.Close()

	for range events {
	}

	late, _ := m.Subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after Close should be closed")
	}
}

// ============================================================================
// Lease
// ============================================================================

func TestMirror_Lease(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	cfg := Config{Key: testKey, Lease: 60 * time.Millisecond, Logger: logging.Discard()}
	first, err := New(s, cfg, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// refreshed past its ttl
	time.Sleep(150 * time.Millisecond)

	if _, err := New(s, cfg, nil); !kverrors.Is(err, kverrors.ErrCodeResourceBusy) {
		t.Fatalf("second mirror = %v, want RESOURCE_BUSY", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second, err := New(s, cfg, nil)
	if err != nil {
		t.Fatalf("lease should be free after Close: %v", err)
	}
	second.Close()
}

func TestMirror_LeaseLost(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	errs := make(chan error, 4)
	m := newMirror(t, s, nil, func(c *Config) {
		c.Lease = 30 * time.Millisecond
		c.OnError = func(err error) { errs <- err }
	})

	// releasing the lock behind the mirror's back makes the next refresh fail
	m.lease.lock.Unlock()

	select {
	case err := <-errs:
		if !kverrors.Is(err, kverrors.ErrCodeResourceBusy) {
			t.Errorf("lease loss = %v, want RESOURCE_BUSY", err)
		}
	case <-time.After(time.Second):
		t.Fatal("lease loss not reported")
	}
}

// lapsingStore hands out locks that can never be refreshed.
type lapsingStore struct {
	*fakeStore
}

type lapsedLock struct{ key string }

func (l lapsedLock) Unlock() error  { return store.ErrLockNotHeld }
func (l lapsedLock) Refresh() error { return store.ErrLockExpired }
func (l lapsedLock) Key() string    { return l.key }

func (s lapsingStore) Lock(key string, ttl time.Duration) (store.Lock, error) {
	return lapsedLock{key: key}, nil
}

func TestMirror_LeaseLostDuringNew(t *testing.T) {
	for i := 0; i < 20; i++ {
		errs := make(chan error, 1)
		m, err := New(lapsingStore{newFakeStore()}, Config{
			Key:    testKey,
			Lease:  3 * time.Nanosecond,
			Logger: logging.Discard(),
			OnError: func(err error) {
				select {
				case errs <- err:
				default:
				}
			},
		}, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}

		select {
		case err := <-errs:
			if !kverrors.Is(err, kverrors.ErrCodeResourceBusy) {
				t.Errorf("lease loss = %v, want RESOURCE_BUSY", err)
			}
		case <-time.After(time.Second):
			t.Fatal("lease loss not reported")
		}
		if err := m.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	}
}

// ============================================================================
// Logging
// ============================================================================

func TestMirror_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New()
	logger.SetOutput(&buf)
	logger.SetLevel(logging.LevelDebug)

	s := newFakeStore()
	m := newMirror(t, s, nil, func(c *Config) { c.Logger = logger })
	m.Root().Set("a", 1)
	m.Flush()
	m.Reset()

	out := buf.String()
	for _, want := range []string{"[mirror]", "hydrate_complete", "save_complete", "reset", "trace_id=" + m.ID(), "key=" + testKey} {
		if !strings.Contains(out, want) {
			t.Errorf("log missing %q:\n%s", want, out)
		}
	}
}
