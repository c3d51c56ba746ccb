package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kv (
    key      TEXT PRIMARY KEY,
    value    BLOB,
    revision INTEGER NOT NULL,
    created  INTEGER NOT NULL,
    modified INTEGER NOT NULL,
    expires  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kv_revision ON kv(revision);
CREATE TABLE IF NOT EXISTS kv_seq (
    id       INTEGER PRIMARY KEY CHECK (id = 1),
    revision INTEGER NOT NULL
);
INSERT OR IGNORE INTO kv_seq(id, revision) VALUES (1, 0);
CREATE TABLE IF NOT EXISTS kv_locks (
    key     TEXT PRIMARY KEY,
    token   TEXT NOT NULL,
    expires INTEGER NOT NULL
);
`

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// DSN is passed to sql.Open("sqlite", ...). Ignored when DB is set.
	DSN string

	// DB is an already opened database. The store does not close it.
	DB *sql.DB

	// PollInterval is how often watchers look for new revisions.
	// Default: 500ms
	PollInterval time.Duration

	// Timeout bounds each statement.
	// Default: 5s
	Timeout time.Duration
}

// SQLiteStore implements Store on a single SQLite database.
//
// Watch polls the revision column, so it reports puts made by any process
// sharing the file; deletes and expiries are not reported.
type SQLiteStore struct {
	db       *sql.DB
	ownsDB   bool
	poll     time.Duration
	timeout  time.Duration
	closed   atomic.Bool
	done     chan struct{}
	watchers sync.WaitGroup
}

// OpenSQLite opens a SQLite database with the pure-Go driver.
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// one writer; also keeps ":memory:" databases on a single connection
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLiteStore opens the configured database and ensures the schema.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, owns := cfg.DB, false
	if db == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("sqlite: dsn or db required")
		}
		var err error
		if db, err = OpenSQLite(cfg.DSN); err != nil {
			return nil, fmt.Errorf("sqlite open: %w", err)
		}
		owns = true
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	s := &SQLiteStore{
		db:      db,
		ownsDB:  owns,
		poll:    cfg.PollInterval,
		timeout: cfg.Timeout,
		done:    make(chan struct{}),
	}

	ctx, cancel := s.context()
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		if owns {
			db.Close()
		}
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.timeout)
}

// Get retrieves a value by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *SQLiteStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	var (
		kv                KeyValue
		created, modified int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, revision, created, modified FROM kv
		 WHERE key = ? AND (expires = 0 OR expires > ?)`,
		key, time.Now().UnixNano(),
	).Scan(&kv.Key, &kv.Value, &kv.Revision, &created, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite get %s: %w", key, err)
	}
	kv.Operation = OpPut
	kv.Created = time.Unix(0, created)
	kv.Modified = time.Unix(0, modified)
	if kv.Value == nil {
		kv.Value = []byte{}
	}
	return &kv, nil
}

// Put stores a value with optional TTL.
func (s *SQLiteStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if value == nil {
		value = []byte{}
	}

	ctx, cancel := s.context()
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	defer func() { _ = tx.Rollback() }()

	var rev uint64
	if err := tx.QueryRowContext(ctx,
		`UPDATE kv_seq SET revision = revision + 1 WHERE id = 1 RETURNING revision`,
	).Scan(&rev); err != nil {
		return fmt.Errorf("sqlite put %s: revision: %w", key, err)
	}

	now := time.Now()
	var expires int64
	if ttl > 0 {
		expires = now.Add(ttl).UnixNano()
	}
	// an expired row counts as absent, so its created stamp resets
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv(key, value, revision, created, modified, expires)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		   value = excluded.value,
		   revision = excluded.revision,
		   created = CASE WHEN kv.expires = 0 OR kv.expires > excluded.modified
		                  THEN kv.created ELSE excluded.created END,
		   modified = excluded.modified,
		   expires = excluded.expires`,
		key, value, rev, now.UnixNano(), now.UnixNano(), expires,
	); err != nil {
		return fmt.Errorf("sqlite put %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite put %s: commit: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *SQLiteStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all live keys matching a pattern, sorted.
func (s *SQLiteStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv WHERE expires = 0 OR expires > ?`, time.Now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("sqlite keys: %w", err)
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch polls for puts to keys matching pattern made after the call.
func (s *SQLiteStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	var since uint64
	if err := s.db.QueryRowContext(ctx,
		`SELECT revision FROM kv_seq WHERE id = 1`).Scan(&since); err != nil {
		return nil, fmt.Errorf("sqlite watch: %w", err)
	}

	ch := make(chan *KeyValue, watchBuffer)
	s.watchers.Add(1)
	go s.pollLoop(ch, pattern, since)
	return ch, nil
}

func (s *SQLiteStore) pollLoop(ch chan *KeyValue, pattern string, since uint64) {
	defer s.watchers.Done()
	defer close(ch)

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			changes, err := s.changesSince(since)
			if err != nil {
				continue
			}
			for _, kv := range changes {
				since = kv.Revision
				if !MatchPattern(pattern, kv.Key) {
					continue
				}
				select {
				case ch <- kv:
				default:
					// watcher is behind, drop
				}
			}
		}
	}
}

func (s *SQLiteStore) changesSince(rev uint64) ([]*KeyValue, error) {
	ctx, cancel := s.context()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, revision, created, modified FROM kv
		 WHERE revision > ? ORDER BY revision`, rev)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*KeyValue
	for rows.Next() {
		var (
			kv                KeyValue
			created, modified int64
		)
		if err := rows.Scan(&kv.Key, &kv.Value, &kv.Revision, &created, &modified); err != nil {
			return nil, err
		}
		kv.Operation = OpPut
		kv.Created = time.Unix(0, created)
		kv.Modified = time.Unix(0, modified)
		out = append(out, &kv)
	}
	return out, rows.Err()
}

// Lock acquires an expiring lock. A lapsed lock row is taken over in the
// same statement that checks it.
func (s *SQLiteStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	lockKey := lockPrefix + key
	token := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_locks(key, token, expires) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET token = excluded.token, expires = excluded.expires
		 WHERE kv_locks.expires <= ?`,
		lockKey, token, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("sqlite lock %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrLockHeld
	}
	return &sqliteLock{store: s, key: lockKey, token: token, ttl: ttl}, nil
}

// Close stops watchers and closes the database if the store opened it.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.done)
	s.watchers.Wait()
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// sqliteLock implements Lock for SQLiteStore. The token identifies this
// holder so a taken-over lock cannot be refreshed or released.
type sqliteLock struct {
	store    *SQLiteStore
	key      string
	token    string
	ttl      time.Duration
	released atomic.Bool
}

// Unlock releases the lock.
func (l *sqliteLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return nil
	}

	ctx, cancel := l.store.context()
	defer cancel()

	if _, err := l.store.db.ExecContext(ctx,
		`DELETE FROM kv_locks WHERE key = ? AND token = ?`, l.key, l.token); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *sqliteLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := l.store.context()
	defer cancel()

	now := time.Now()
	res, err := l.store.db.ExecContext(ctx,
		`UPDATE kv_locks SET expires = ? WHERE key = ? AND token = ? AND expires > ?`,
		now.Add(l.ttl).UnixNano(), l.key, l.token, now.UnixNano())
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		l.released.Store(true)
		return ErrLockExpired
	}
	return nil
}

// Key returns the lock key.
func (l *sqliteLock) Key() string {
	return l.key
}
