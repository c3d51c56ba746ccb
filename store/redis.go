package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key layout. Values live under their plain key so other tools can
// GET them; metadata and change notifications use the reserved prefix.
const (
	redisReserved    = "__kvmirror:"
	redisRevisionKey = redisReserved + "rev"
	redisMetaPrefix  = redisReserved + "meta:"
	redisEventPrefix = redisReserved + "events:"
)

// putScript writes the value, its metadata hash and publishes the change.
// KEYS: value, meta, revision counter, event channel.
// ARGV: value, now (unix nanos), ttl (ms, 0 = none).
var putScript = redis.NewScript(`
local created = ARGV[2]
if redis.call('EXISTS', KEYS[1]) == 1 then
  local prev = redis.call('HGET', KEYS[2], 'created')
  if prev then created = prev end
end
local rev = redis.call('INCR', KEYS[3])
local ttl = tonumber(ARGV[3])
if ttl > 0 then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
else
  redis.call('SET', KEYS[1], ARGV[1])
end
redis.call('HSET', KEYS[2], 'revision', rev, 'created', created, 'modified', ARGV[2])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
else
  redis.call('PERSIST', KEYS[2])
end
redis.call('PUBLISH', KEYS[4], 'put:' .. rev)
return rev
`)

// deleteScript removes the value and metadata, publishing only if the key
// existed. KEYS: value, meta, revision counter, event channel.
var deleteScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[2])
  return 0
end
redis.call('DEL', KEYS[2])
local rev = redis.call('INCR', KEYS[3])
redis.call('PUBLISH', KEYS[4], 'delete:' .. rev)
return rev
`)

// refreshScript extends a lock only while the caller's token holds it.
var refreshScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// unlockScript deletes a lock only while the caller's token holds it.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Ignored when Client is set.
	URL string

	// Client is an existing client. The store does not close it.
	Client redis.UniversalClient

	// Timeout bounds each round trip.
	// Default: 5s
	Timeout time.Duration
}

// RedisStore implements Store on a single Redis server. Each key's value is
// a plain string; revision and timestamps sit in a companion hash.
type RedisStore struct {
	client   redis.UniversalClient
	ownsConn bool
	timeout  time.Duration
	closed   atomic.Bool
	done     chan struct{}
	watchers sync.WaitGroup
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	client, owns := cfg.Client, false
	if client == nil {
		if cfg.URL == "" {
			return nil, fmt.Errorf("redis: url or client required")
		}
		opts, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		client, owns = redis.NewClient(opts), true
	}

	s := &RedisStore{
		client:   client,
		ownsConn: owns,
		timeout:  cfg.Timeout,
		done:     make(chan struct{}),
	}

	ctx, cancel := s.context()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		if owns {
			client.Close()
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return s, nil
}

func (s *RedisStore) context() (context.Context, context.CancelFunc) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func redisMetaKey(key string) string      { return redisMetaPrefix + key }
func redisEventChannel(key string) string { return redisEventPrefix + key }

// redisReservedKey reports keys that belong to the store, not the caller.
func redisReservedKey(key string) bool {
	return strings.HasPrefix(key, redisReserved) || strings.HasPrefix(key, lockPrefix)
}

// Get retrieves a value by key.
func (s *RedisStore) Get(key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	val, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

// GetKeyValue retrieves the value together with its metadata.
func (s *RedisStore) GetKeyValue(key string) (*KeyValue, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()
	return s.getKeyValue(ctx, key)
}

func (s *RedisStore) getKeyValue(ctx context.Context, key string) (*KeyValue, error) {
	var (
		valCmd  *redis.StringCmd
		metaCmd *redis.MapStringStringCmd
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		valCmd = p.Get(ctx, key)
		metaCmd = p.HGetAll(ctx, redisMetaKey(key))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	val, err := valCmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}

	kv := &KeyValue{Key: key, Value: val, Operation: OpPut}
	meta := metaCmd.Val()
	kv.Revision, _ = strconv.ParseUint(meta["revision"], 10, 64)
	kv.Created = parseUnixNano(meta["created"])
	kv.Modified = parseUnixNano(meta["modified"])
	return kv, nil
}

func parseUnixNano(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Put stores a value with optional TTL.
func (s *RedisStore) Put(key string, value []byte, ttl time.Duration) error {
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

	keys := []string{key, redisMetaKey(key), redisRevisionKey, redisEventChannel(key)}
	err := putScript.Run(ctx, s.client, keys, value, time.Now().UnixNano(), ttl.Milliseconds()).Err()
	if err != nil {
		return fmt.Errorf("redis put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	keys := []string{key, redisMetaKey(key), redisRevisionKey, redisEventChannel(key)}
	if err := deleteScript.Run(ctx, s.client, keys).Err(); err != nil {
		return fmt.Errorf("redis delete %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys matching a pattern, sorted. Store bookkeeping keys
// are skipped.
func (s *RedisStore) Keys(pattern string) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	var keys []string
	iter := s.client.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if redisReservedKey(key) || !MatchPattern(pattern, key) {
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch subscribes to change notifications for keys matching pattern.
// Only changes written through a RedisStore are seen; TTL expiry is not.
func (s *RedisStore) Watch(pattern string) (<-chan *KeyValue, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	ctx, cancel := s.context()
	defer cancel()

	pubsub := s.client.PSubscribe(context.Background(), redisEventChannel(pattern))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis watch: %w", err)
	}

	ch := make(chan *KeyValue, watchBuffer)
	s.watchers.Add(1)
	go s.watchLoop(pubsub, ch, pattern)
	return ch, nil
}

func (s *RedisStore) watchLoop(pubsub *redis.PubSub, ch chan *KeyValue, pattern string) {
	defer s.watchers.Done()
	defer close(ch)
	defer pubsub.Close()

	msgs := pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			key := strings.TrimPrefix(msg.Channel, redisEventPrefix)
			if !MatchPattern(pattern, key) {
				continue
			}
			kv, err := s.eventKeyValue(key, msg.Payload)
			if err != nil {
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

// eventKeyValue turns a "put:<rev>" or "delete:<rev>" notification into a
// KeyValue, reading the current value for puts.
func (s *RedisStore) eventKeyValue(key, payload string) (*KeyValue, error) {
	op, revText, ok := strings.Cut(payload, ":")
	if !ok {
		return nil, fmt.Errorf("redis watch: bad payload %q", payload)
	}
	rev, err := strconv.ParseUint(revText, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis watch: bad revision %q", revText)
	}

	if op == "delete" {
		return &KeyValue{Key: key, Revision: rev, Operation: OpDelete, Modified: time.Now()}, nil
	}

	ctx, cancel := s.context()
	defer cancel()
	kv, err := s.getKeyValue(ctx, key)
	if err != nil {
		return nil, err
	}
	kv.Revision = rev
	return kv, nil
}

// Lock acquires an expiring lock with SET NX PX and a random token.
func (s *RedisStore) Lock(key string, ttl time.Duration) (Lock, error) {
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
	ok, err := s.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &redisLock{store: s, key: lockKey, token: token, ttl: ttl}, nil
}

// Close stops watchers and closes the client if the store created it.
func (s *RedisStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if s.done != nil {
		close(s.done)
	}
	s.watchers.Wait()
	if s.ownsConn && s.client != nil {
		return s.client.Close()
	}
	return nil
}

// redisLock implements Lock for RedisStore.
type redisLock struct {
	store    *RedisStore
	key      string
	token    string
	ttl      time.Duration
	released atomic.Bool
}

// Unlock releases the lock if this holder's token still owns it.
func (l *redisLock) Unlock() error {
	if l.released.Swap(true) {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return nil
	}

	ctx, cancel := l.store.context()
	defer cancel()

	if err := unlockScript.Run(ctx, l.store.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// Refresh extends the lock TTL.
func (l *redisLock) Refresh() error {
	if l.released.Load() {
		return ErrLockNotHeld
	}
	if l.store.closed.Load() {
		return ErrClosed
	}

	ctx, cancel := l.store.context()
	defer cancel()

	n, err := refreshScript.Run(ctx, l.store.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		l.released.Store(true)
		return ErrLockExpired
	}
	return nil
}

// Key returns the lock key.
func (l *redisLock) Key() string {
	return l.key
}
