package store

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore implements Store in process memory.
// Useful for tests and single-process tools.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*entry
	locks    map[string]*memoryLock
	watchers []*watcher
	revision uint64
	closed   atomic.Bool

	cleanupTicker *time.Ticker
	done          chan struct{}
}

type entry struct {
	value    []byte
	revision uint64
	created  time.Time
	modified time.Time
	expires  time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

type watcher struct {
	pattern string
	ch      chan *KeyValue
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		data:          make(map[string]*entry),
		locks:         make(map[string]*memoryLock),
		cleanupTicker: time.NewTicker(time.Second),
		done:          make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// cleanupLoop removes expired entries periodically.
func (s *MemoryStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanupExpired()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return
	}

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
			s.notifyLocked(key, nil, OpDelete, e.created)
		}
	}
	for key, lock := range s.locks {
		if now.After(lock.expires) {
			lock.released.Store(true)
			delete(s.locks, key)
		}
	}
}

// Get retrieves a value by key.
func (s *MemoryStore) Get(key string) ([]byte, error) {
	kv, err := s.GetKeyValue(key)
	if err != nil {
		return nil, err
	}
	return kv.Value, nil
}

// GetKeyValue retrieves the full KeyValue entry.
func (s *MemoryStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.data[key]
	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return &KeyValue{
		Key:       key,
		Value:     copyBytes(e.value),
		Revision:  e.revision,
		Operation: OpPut,
		Created:   e.created,
		Modified:  e.modified,
	}, nil
}

// Put stores a value with optional TTL.
func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return ErrClosed
	}

	now := time.Now()
	created := now
	if existing, ok := s.data[key]; ok && !existing.expired(now) {
		created = existing.created
	}
	var expires time.Time
	if ttl > 0 {
		expires = now.Add(ttl)
	}

	val := copyBytes(value)
	if val == nil {
		val = []byte{}
	}
	e := &entry{
		value:    val,
		created:  created,
		modified: now,
		expires:  expires,
	}
	e.revision = s.notifyLocked(key, val, OpPut, created)
	s.data[key] = e
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.data[key]; ok {
		delete(s.data, key)
		s.notifyLocked(key, nil, OpDelete, e.created)
	}
	return nil
}

// Keys returns all live keys matching a pattern, sorted.
func (s *MemoryStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	var keys []string
	for key, e := range s.data {
		if !e.expired(now) && MatchPattern(pattern, key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch watches for changes to keys matching a pattern.
func (s *MemoryStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	w := &watcher{pattern: pattern, ch: make(chan *KeyValue, watchBuffer)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, ErrClosed
	}
	s.watchers = append(s.watchers, w)

	return w.ch, nil
}

// notifyLocked bumps the store revision and fans the change out to
// matching watchers. Must be called with s.mu held.
func (s *MemoryStore) notifyLocked(key string, value []byte, op Operation, created time.Time) uint64 {
	s.revision++
	for _, w := range s.watchers {
		if !MatchPattern(w.pattern, key) {
			continue
		}
		kv := &KeyValue{
			Key:       key,
			Value:     copyBytes(value),
			Revision:  s.revision,
			Operation: op,
			Created:   created,
			Modified:  time.Now(),
		}
		select {
		case w.ch <- kv:
		default:
			// watcher is behind, drop
		}
	}
	return s.revision
}

// Lock acquires an expiring lock on key.
func (s *MemoryStore) Lock(key string, ttl time.Duration) (Lock, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locks == nil {
		return nil, ErrClosed
	}

	lockKey := lockPrefix + key
	if existing, ok := s.locks[lockKey]; ok {
		if !existing.released.Load() && time.Now().Before(existing.expires) {
			return nil, ErrLockHeld
		}
	}

	lock := &memoryLock{
		store:   s,
		key:     lockKey,
		ttl:     ttl,
		expires: time.Now().Add(ttl),
	}
	s.locks[lockKey] = lock
	return lock, nil
}

// Close shuts down the store and closes all watch channels.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}

	close(s.done)
	s.cleanupTicker.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range s.watchers {
		close(w.ch)
	}
	for _, l := range s.locks {
		l.released.Store(true)
	}
	s.watchers = nil
	s.data = nil
	s.locks = nil
	return nil
}

// memoryLock implements Lock for MemoryStore.
type memoryLock struct {
	store    *MemoryStore
	key      string
	ttl      time.Duration
	expires  time.Time // guarded by store.mu
	released atomic.Bool
}

// Unlock releases the lock.
func (l *memoryLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.locks[l.key] == l {
		delete(l.store.locks, l.key)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *memoryLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}

	l.store.mu.Lock()
	defer l.store.mu.Unlock()

	if time.Now().After(l.expires) {
		l.released.Store(true)
		if l.store.locks[l.key] == l {
			delete(l.store.locks, l.key)
		}
		return ErrLockExpired
	}
	l.expires = time.Now().Add(l.ttl)
	return nil
}

// Key returns the lock key.
func (l *memoryLock) Key() string {
	return l.key
}
