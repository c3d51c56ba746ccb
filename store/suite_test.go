package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// suiteOptions describes backend capabilities the shared suite adapts to.
type suiteOptions struct {
	// perKeyTTL is false for backends that ignore the ttl argument to Put.
	perKeyTTL bool
}

// runStoreSuite exercises the Store contract against a backend. Keys are
// prefixed per run so shared servers can be reused.
func runStoreSuite(t *testing.T, s Store, opts suiteOptions) {
	prefix := fmt.Sprintf("t%d", time.Now().UnixNano())
	key := func(name string) string { return prefix + "." + name }

	t.Run("GetNotFound", func(t *testing.T) {
		if _, err := s.Get(key("missing")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.GetKeyValue(key("missing")); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutGetOverwrite", func(t *testing.T) {
		k := key("doc")
		if err := s.Put(k, []byte(`{"a":1}`), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		first, err := s.GetKeyValue(k)
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if string(first.Value) != `{"a":1}` || first.Operation != OpPut {
			t.Errorf("unexpected entry: %+v", first)
		}

		if err := s.Put(k, []byte(`{"a":2}`), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		second, err := s.GetKeyValue(k)
		if err != nil {
			t.Fatalf("GetKeyValue failed: %v", err)
		}
		if string(second.Value) != `{"a":2}` {
			t.Errorf("last write should win, got %s", second.Value)
		}
		if second.Revision <= first.Revision {
			t.Errorf("revision should grow: %d then %d", first.Revision, second.Revision)
		}
	})

	t.Run("EmptyValue", func(t *testing.T) {
		k := key("empty")
		if err := s.Put(k, nil, 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		val, err := s.Get(k)
		if err != nil {
			t.Fatalf("empty value should be found: %v", err)
		}
		if len(val) != 0 {
			t.Errorf("expected empty value, got %q", val)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		k := key("gone")
		if err := s.Put(k, []byte("x"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Delete(k); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		if _, err := s.Get(k); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := s.Delete(k); err != nil {
			t.Errorf("deleting a missing key should not error: %v", err)
		}
	})

	t.Run("Keys", func(t *testing.T) {
		for _, name := range []string{"keys.b", "keys.a", "keys.c"} {
			if err := s.Put(key(name), []byte("v"), 0); err != nil {
				t.Fatalf("Put failed: %v", err)
			}
		}
		got, err := s.Keys(key("keys.*"))
		if err != nil {
			t.Fatalf("Keys failed: %v", err)
		}
		want := []string{key("keys.a"), key("keys.b"), key("keys.c")}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			t.Errorf("Keys = %v, want %v", got, want)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		if err := s.Put("", []byte("v"), 0); err != ErrInvalidKey {
			t.Errorf("expected ErrInvalidKey, got %v", err)
		}
		if err := s.Put(key("ttl"), []byte("v"), -time.Second); err != ErrInvalidTTL {
			t.Errorf("expected ErrInvalidTTL, got %v", err)
		}
		if _, err := s.Lock(key("lock"), 0); err != ErrInvalidTTL {
			t.Errorf("expected ErrInvalidTTL, got %v", err)
		}
	})

	t.Run("Watch", func(t *testing.T) {
		ch, err := s.Watch(key("watch.*"))
		if err != nil {
			t.Fatalf("Watch failed: %v", err)
		}
		if err := s.Put(key("other"), []byte("ignored"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := s.Put(key("watch.doc"), []byte("seen"), 0); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		select {
		case kv := <-ch:
			if kv.Key != key("watch.doc") || string(kv.Value) != "seen" || kv.Operation != OpPut {
				t.Errorf("unexpected watch event: %+v", kv)
			}
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for watch event")
		}
	})

	t.Run("LockLifecycle", func(t *testing.T) {
		k := key("lease")
		lock, err := s.Lock(k, 5*time.Second)
		if err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		if _, err := s.Lock(k, 5*time.Second); !errors.Is(err, ErrLockHeld) {
			t.Errorf("expected ErrLockHeld, got %v", err)
		}
		if err := lock.Refresh(); err != nil {
			t.Errorf("Refresh failed: %v", err)
		}
		if lock.Key() != lockPrefix+k {
			t.Errorf("Key() = %q", lock.Key())
		}
		if err := lock.Unlock(); err != nil {
			t.Fatalf("Unlock failed: %v", err)
		}
		if err := lock.Unlock(); err != ErrLockNotHeld {
			t.Errorf("expected ErrLockNotHeld, got %v", err)
		}
		if err := lock.Refresh(); err != ErrLockNotHeld {
			t.Errorf("expected ErrLockNotHeld, got %v", err)
		}

		again, err := s.Lock(k, 5*time.Second)
		if err != nil {
			t.Fatalf("relock after unlock failed: %v", err)
		}
		again.Unlock()
	})

	t.Run("LockExpiryTakeover", func(t *testing.T) {
		k := key("lapsed")
		if _, err := s.Lock(k, 100*time.Millisecond); err != nil {
			t.Fatalf("Lock failed: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
		lock, err := s.Lock(k, time.Second)
		if err != nil {
			t.Fatalf("lapsed lock should be taken over: %v", err)
		}
		lock.Unlock()
	})

	t.Run("ConcurrentLock", func(t *testing.T) {
		k := key("contended")
		var (
			wg       sync.WaitGroup
			acquired atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Lock(k, 5*time.Second); err == nil {
					acquired.Add(1)
				}
			}()
		}
		wg.Wait()
		if n := acquired.Load(); n != 1 {
			t.Errorf("expected exactly one holder, got %d", n)
		}
	})

	t.Run("TTL", func(t *testing.T) {
		if !opts.perKeyTTL {
			t.Skip("backend has no per-key TTL")
		}
		k := key("ttl")
		if err := s.Put(k, []byte("brief"), 100*time.Millisecond); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if _, err := s.Get(k); err != nil {
			t.Fatalf("value should exist before expiry: %v", err)
		}
		time.Sleep(250 * time.Millisecond)
		if _, err := s.Get(k); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after TTL, got %v", err)
		}
	})
}

// runClosedSuite checks every operation on a closed store fails with ErrClosed.
func runClosedSuite(t *testing.T, s Store) {
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
	if _, err := s.Get("k"); err != ErrClosed {
		t.Errorf("Get: expected ErrClosed, got %v", err)
	}
	if err := s.Put("k", []byte("v"), 0); err != ErrClosed {
		t.Errorf("Put: expected ErrClosed, got %v", err)
	}
	if err := s.Delete("k"); err != ErrClosed {
		t.Errorf("Delete: expected ErrClosed, got %v", err)
	}
	if _, err := s.Keys("*"); err != ErrClosed {
		t.Errorf("Keys: expected ErrClosed, got %v", err)
	}
	if _, err := s.Watch("*"); err != ErrClosed {
		t.Errorf("Watch: expected ErrClosed, got %v", err)
	}
	if _, err := s.Lock("k", time.Second); err != ErrClosed {
		t.Errorf("Lock: expected ErrClosed, got %v", err)
	}
}
