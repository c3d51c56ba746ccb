package store

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(SQLiteConfig{
		DSN:          ":memory:",
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return s
}

func TestSQLiteStore_Suite(t *testing.T) {
	s := newTestSQLiteStore(t)
	defer s.Close()
	runStoreSuite(t, s, suiteOptions{perKeyTTL: true})
}

func TestSQLiteStore_Closed(t *testing.T) {
	runClosedSuite(t, newTestSQLiteStore(t))
}

func TestSQLiteStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteStore(SQLiteConfig{}); err == nil {
		t.Error("expected error without dsn or db")
	}
}

func TestSQLiteStore_SharedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.db")

	writer, err := NewSQLiteStore(SQLiteConfig{DSN: path, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open writer: %v", err)
	}
	defer writer.Close()
	reader, err := NewSQLiteStore(SQLiteConfig{DSN: path, PollInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()

	ch, err := reader.Watch("app.*")
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if err := writer.Put("app.state", []byte(`{"a":1}`), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	select {
	case kv := <-ch:
		if kv.Key != "app.state" || string(kv.Value) != `{"a":1}` {
			t.Errorf("unexpected event: %+v", kv)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not observe writer's put")
	}

	if _, err := writer.Lock("app.state", time.Second); err != nil {
		t.Fatalf("writer lock: %v", err)
	}
	if _, err := reader.Lock("app.state", time.Second); err != ErrLockHeld {
		t.Errorf("expected ErrLockHeld across handles, got %v", err)
	}
}

func TestSQLiteStore_ExternalDBNotClosed(t *testing.T) {
	db, err := OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	defer db.Close()

	s, err := NewSQLiteStore(SQLiteConfig{DB: db})
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	s.Close()

	if err := db.Ping(); err != nil {
		t.Errorf("caller-owned db should stay open: %v", err)
	}
}

func TestSQLiteStore_TakenOverLockCannotRefresh(t *testing.T) {
	s := newTestSQLiteStore(t)
	defer s.Close()

	old, err := s.Lock("app.state", 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := s.Lock("app.state", time.Second); err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	if err := old.Refresh(); err != ErrLockExpired {
		t.Errorf("expected ErrLockExpired for old holder, got %v", err)
	}
}
