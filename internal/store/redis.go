package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	redsync "github.com/go-redsync/redsync/v4"
	redsyncgoredis "github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const scanBatch = 256

// RedisStore implements Store on Redis hashes so that several engine
// instances can share schedules. Locks use redsync.
type RedisStore struct {
	client redis.UniversalClient
	rs     *redsync.Redsync
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	pool := redsyncgoredis.NewPool(client)
	return &RedisStore{client: client, rs: redsync.New(pool)}
}

// DialRedis connects to a single Redis node and verifies it answers.
func DialRedis(ctx context.Context, addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisStore(client), nil
}

func (r *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, storeErr("exists", key, err)
	}
	return n > 0, nil
}

func (r *RedisStore) Get(ctx context.Context, key, field string) ([]byte, bool, error) {
	v, err := r.client.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeErr("get", key, err)
	}
	return v, true, nil
}

func (r *RedisStore) GetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, storeErr("get all", key, err)
	}
	out := make(map[string][]byte, len(m))
	for f, v := range m {
		out[f] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(fields))
	for f, v := range fields {
		values = append(values, f, v)
	}
	if err := r.client.HSet(ctx, key, values...).Err(); err != nil {
		return storeErr("set", key, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return storeErr("delete", key, err)
	}
	return nil
}

func (r *RedisStore) DeleteFields(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return storeErr("delete fields", key, err)
	}
	return nil
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, storeErr("keys", prefix, err)
		}
		keys = append(keys, batch...)
		if next == 0 {
			break
		}
		cursor = next
	}
	slices.Sort(keys)
	return slices.Compact(keys), nil
}

func (r *RedisStore) Lock(ctx context.Context, key string, opts LockOptions) (Lock, error) {
	tries := int(opts.Wait/lockPollInterval) + 1
	mutex := r.rs.NewMutex(key,
		redsync.WithExpiry(opts.ttl()),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(lockPollInterval),
		redsync.WithDriftFactor(0.01),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, lockTimeout(key).WithDetails(map[string]any{"reason": err.Error()})
	}
	return &redisLock{key: key, mutex: mutex}, nil
}

// Close closes the underlying client.
func (r *RedisStore) Close() error { return r.client.Close() }

type redisLock struct {
	key   string
	mutex *redsync.Mutex
}

func (l *redisLock) Extend(ctx context.Context) error {
	ok, err := l.mutex.ExtendContext(ctx)
	if err != nil || !ok {
		return lockLost(l.key)
	}
	return nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	ok, err := l.mutex.UnlockContext(ctx)
	if err != nil || !ok {
		return lockLost(l.key)
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
