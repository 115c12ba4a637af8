package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLockTimeout is returned when a lock could not be taken within LockOptions.Wait.
	ErrLockTimeout = errors.New("lock not acquired before timeout")
	// ErrLockLost is returned by Extend and Unlock once the lock expired and
	// was taken by another holder.
	ErrLockLost = errors.New("lock no longer held")
	// ErrNotFound is wrapped by every not-found error from this package.
	ErrNotFound = errors.New("not found")
)

const (
	DefaultLockTTL  = 60 * time.Second
	DefaultLockWait = 10 * time.Second

	lockPollInterval = 25 * time.Millisecond
)

// LockOptions controls advisory lock acquisition.
type LockOptions struct {
	// TTL after which an unextended lock expires. Zero means DefaultLockTTL.
	TTL time.Duration
	// Wait is how long Lock keeps trying. Zero means a single attempt.
	Wait time.Duration
}

func (o LockOptions) ttl() time.Duration {
	if o.TTL <= 0 {
		return DefaultLockTTL
	}
	return o.TTL
}

// Lock is a held advisory lock.
type Lock interface {
	// Extend pushes the expiry TTL into the future.
	Extend(ctx context.Context) error
	// Unlock releases the lock. Releasing an expired lock returns ErrLockLost.
	Unlock(ctx context.Context) error
}

// Store is a hash-per-identifier key/value store with an advisory lock.
// Values are opaque byte strings (JSON in practice). Operations on an absent
// identifier are safe: reads return empty results, deletes are no-ops.
// All implementations must be safe for concurrent use.
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the value of one field; ok is false if key or field is absent.
	Get(ctx context.Context, key, field string) (value []byte, ok bool, err error)
	GetAll(ctx context.Context, key string) (map[string][]byte, error)
	// Set writes all fields atomically, keeping fields not mentioned.
	Set(ctx context.Context, key string, fields map[string][]byte) error
	Delete(ctx context.Context, key string) error
	DeleteFields(ctx context.Context, key string, fields ...string) error
	// Keys returns every identifier starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	// Lock acquires the advisory lock named key.
	Lock(ctx context.Context, key string, opts LockOptions) (Lock, error)
	Close() error
}

// acquire polls try until it succeeds, wait elapses or ctx is done.
func acquire(ctx context.Context, key string, wait time.Duration, try func(context.Context) (bool, error)) error {
	deadline := time.Now().Add(wait)
	for {
		ok, err := try(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return lockTimeout(key)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(min(lockPollInterval, time.Until(deadline))):
		}
	}
}
