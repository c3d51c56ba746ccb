// Package store provides the key-value backends a mirror persists into.
//
// Every backend satisfies Store: byte values under dotted keys, optional
// per-key TTL, change notifications and advisory locks used as write leases.
//
// # Backends
//
//   - MemoryStore: in-process, for tests and single-process tools
//   - NATSStore: NATS JetStream KV bucket
//   - SQLiteStore: a single kv table in a SQLite database (modernc.org/sqlite)
//   - RedisStore: plain string keys on a Redis server
//
// # Usage
//
//	s, _ := store.NewSQLiteStore(store.SQLiteConfig{DSN: "file:mirror.db"})
//	defer s.Close()
//
//	s.Put("app.state", []byte(`{"a":1}`), 0)
//	doc, err := s.Get("app.state")
//	if errors.Is(err, store.ErrNotFound) {
//	    // never saved
//	}
//
//	lock, err := s.Lock("app.state", 30*time.Second)
//	if errors.Is(err, store.ErrLockHeld) {
//	    // another process owns the key
//	}
//	defer lock.Unlock()
package store
