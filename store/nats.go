package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a NATS JetStream KV bucket.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	config NATSStoreConfig
	closed atomic.Bool
	done   chan struct{}

	lockMu sync.Mutex
	locks  map[string]*natsLock
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// TTL is the bucket-wide entry TTL (0 = no expiry). JetStream KV has no
	// per-key TTL, so the ttl argument to Put is ignored by this backend.
	TTL time.Duration

	// History is the number of revisions to keep per key.
	// Default: 1
	History int

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32

	// Timeout bounds each KV round trip.
	// Default: 5s
	Timeout time.Duration
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "kvmirror",
		History:      1,
		MaxValueSize: 1024 * 1024,
		Timeout:      5 * time.Second,
	}
}

func (c NATSStoreConfig) withDefaults() NATSStoreConfig {
	def := DefaultNATSStoreConfig()
	if c.Bucket == "" {
		c.Bucket = def.Bucket
	}
	if c.History <= 0 {
		c.History = def.History
	}
	if c.MaxValueSize <= 0 {
		c.MaxValueSize = def.MaxValueSize
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	return c
}

// NewNATSStore opens (creating if needed) the configured KV bucket.
func NewNATSStore(cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg = cfg.withDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.Timeout)
	defer cancel()

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		TTL:          cfg.TTL,
		History:      uint8(cfg.History),
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket %s: %w", cfg.Bucket, err)
	}

	return &NATSStore{
		conn:   cfg.Conn,
		js:     js,
		kv:     kv,
		config: cfg,
		done:   make(chan struct{}),
		locks:  make(map[string]*natsLock),
	}, nil
}

func (s *NATSStore) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.withDefaults().Timeout)
}

// Get retrieves a value by key.
func (s *NATSStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *NATSStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get %s: %w", key, err)
	}
	return entryToKeyValue(entry), nil
}

func entryToKeyValue(entry jetstream.KeyValueEntry) *KeyValue {
	return &KeyValue{
		Key:       entry.Key(),
		Value:     entry.Value(),
		Revision:  entry.Revision(),
		Operation: opFromNATS(entry.Operation()),
		Created:   entry.Created(),
		Modified:  entry.Created(), // JetStream stamps each revision
	}
}

// opFromNATS converts a JetStream KV operation to an Operation.
func opFromNATS(op jetstream.KeyValueOp) Operation {
	switch op {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		return OpDelete
	default:
		return OpPut
	}
}

// Put stores a value.
func (s *NATSStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// natsSubject converts a store pattern to a KV subject filter.
func natsSubject(pattern string) string {
	if pattern == "*" {
		return ">"
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.TrimSuffix(pattern, "*") + ">"
	}
	return pattern
}

// Keys returns all keys matching a pattern, sorted. Lock entries are skipped.
func (s *NATSStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*s.config.withDefaults().Timeout)
	defer cancel()

	lister, err := s.kv.ListKeys(ctx, jetstream.MetaOnly())
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}

	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, lockPrefix) {
			continue
		}
		if MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch watches for changes to keys matching a pattern. Only changes made
// after the call are delivered.
func (s *NATSStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx := context.Background()
	var (
		w   jetstream.KeyWatcher
		err error
	)
	if subject := natsSubject(pattern); subject == ">" {
		w, err = s.kv.WatchAll(ctx, jetstream.UpdatesOnly())
	} else {
		w, err = s.kv.Watch(ctx, subject, jetstream.UpdatesOnly())
	}
	if err != nil {
		return nil, fmt.Errorf("kv watch: %w", err)
	}

	ch := make(chan *KeyValue, watchBuffer)
	go s.watchLoop(w, ch, pattern)
	return ch, nil
}

func (s *NATSStore) watchLoop(w jetstream.KeyWatcher, ch chan *KeyValue, pattern string) {
	defer close(ch)
	defer w.Stop()

	for {
		select {
		case <-s.done:
			return
		case entry, ok := <-w.Updates():
			if !ok {
				return
			}
			if entry == nil {
				continue // initial values done marker
			}
			// subject filters are broader than trailing-* patterns
			if !MatchPattern(pattern, entry.Key()) || strings.HasPrefix(entry.Key(), lockPrefix) {
				continue
			}
			select {
			case ch <- entryToKeyValue(entry):
			default:
				// watcher is behind, drop
			}
		}
	}
}

// lockValue is stored under the lock key so any holder can judge expiry.
func lockValue(ttl time.Duration) []byte {
	return []byte(ttl.String())
}

// Lock acquires a lock using create-if-absent, taking over lapsed locks
// with a revision-checked update.
func (s *NATSStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	lockKey := lockPrefix + key

	s.lockMu.Lock()
	defer s.lockMu.Unlock()

	ctx, cancel := s.context()
	defer cancel()

	rev, err := s.kv.Create(ctx, lockKey, lockValue(ttl))
	if errors.Is(err, jetstream.ErrKeyExists) {
		entry, getErr := s.kv.Get(ctx, lockKey)
		if getErr != nil {
			return nil, fmt.Errorf("check lock %s: %w", key, getErr)
		}
		held, _ := time.ParseDuration(string(entry.Value()))
		if time.Since(entry.Created()) < held {
			return nil, ErrLockHeld
		}
		rev, err = s.kv.Update(ctx, lockKey, lockValue(ttl), entry.Revision())
		if err != nil {
			// another process took over first
			return nil, ErrLockHeld
		}
	} else if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	lock := &natsLock{
		store:    s,
		key:      lockKey,
		ttl:      ttl,
		revision: rev,
		created:  time.Now(),
	}
	s.locks[lockKey] = lock
	return lock, nil
}

// Close shuts down the store. The NATS connection is owned by the caller.
func (s *NATSStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.done != nil {
		close(s.done)
	}

	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	for _, lock := range s.locks {
		lock.released.Store(true)
	}
	s.locks = nil
	return nil
}

// natsLock implements Lock for NATSStore.
type natsLock struct {
	store    *NATSStore
	key      string
	ttl      time.Duration
	mu       sync.Mutex
	revision uint64
	created  time.Time
	released atomic.Bool
}

// Unlock releases the lock if this holder still owns its revision.
func (l *natsLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.lockMu.Lock()
	delete(l.store.locks, l.key)
	l.store.lockMu.Unlock()

	ctx, cancel := l.store.context()
	defer cancel()

	l.mu.Lock()
	rev := l.revision
	l.mu.Unlock()

	err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(rev))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *natsLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.created) > l.ttl {
		l.released.Store(true)
		return ErrLockExpired
	}

	ctx, cancel := l.store.context()
	defer cancel()

	rev, err := l.store.kv.Update(ctx, l.key, lockValue(l.ttl), l.revision)
	if err != nil {
		l.released.Store(true)
		return fmt.Errorf("%w: %v", ErrLockExpired, err)
	}
	l.revision = rev
	l.created = time.Now()
	return nil
}

// Key returns the lock key.
func (l *natsLock) Key() string {
	return l.key
}
