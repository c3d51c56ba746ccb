package mirror

import (
	"errors"
	"time"

	kverrors "github.com/vinayprograms/kvmirror/errors"
	"github.com/vinayprograms/kvmirror/store"
)

// lease holds a store lock on the mirror's key and refreshes it at a third
// of its TTL until released.
type lease struct {
	lock   store.Lock
	ttl    time.Duration
	onLost func(error)
	stop   chan struct{}
	done   chan struct{}
}

func acquireLease(backend Backend, key string, ttl time.Duration, onLost func(error)) (*lease, error) {
	locker, ok := backend.(Locker)
	if !ok {
		return nil, kverrors.InvalidInput("store does not support leases",
			kverrors.WithKey(key), kverrors.WithOp("lease"))
	}

	lock, err := locker.Lock(key, ttl)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, kverrors.New(kverrors.ErrCodeResourceBusy, "key is mirrored elsewhere",
				kverrors.WithKey(key), kverrors.WithOp("lease"), kverrors.WithCause(err))
		}
		return nil, kverrors.WrapWithCode(err, kverrors.ErrCodeUnavailable, "acquire lease",
			kverrors.WithKey(key), kverrors.WithOp("lease"))
	}

	l := &lease{
		lock:   lock,
		ttl:    ttl,
		onLost: onLost,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go func() {
		err := l.run()
		// release waits on done, so it must be closed before onLost runs
		// in case the callback closes the mirror.
		close(l.done)
		if err != nil {
			l.onLost(err)
		}
	}()
	return l, nil
}

// run refreshes the lock until stopped and returns the refresh error that
// ended it, if any.
func (l *lease) run() error {
	interval := l.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return nil
		case <-ticker.C:
			if err := l.lock.Refresh(); err != nil {
				return err
			}
		}
	}
}

// release stops refreshing and unlocks. A lock that already lapsed is not
// an error.
func (l *lease) release() error {
	close(l.stop)
	<-l.done

	err := l.lock.Unlock()
	if err == nil || errors.Is(err, store.ErrLockNotHeld) || errors.Is(err, store.ErrLockExpired) {
		return nil
	}
	return kverrors.WrapWithCode(err, kverrors.ErrCodeUnavailable, "release lease",
		kverrors.WithKey(l.lock.Key()), kverrors.WithOp("lease"))
}
