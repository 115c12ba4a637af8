package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory. Locks only coordinate
// goroutines of the same process.
type MemoryStore struct {
	mu    sync.Mutex
	data  map[string]map[string][]byte
	locks map[string]memoryLease
}

type memoryLease struct {
	token   string
	expires time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:  make(map[string]map[string][]byte),
		locks: make(map[string]memoryLease),
	}
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *MemoryStore) Get(_ context.Context, key, field string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key][field]
	return slices.Clone(v), ok, nil
}

func (m *MemoryStore) GetAll(_ context.Context, key string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(m.data[key]))
	for f, v := range m.data[key] {
		out[f] = slices.Clone(v)
	}
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, fields map[string][]byte) error {
	if len(fields) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.data[key]
	if !ok {
		h = make(map[string][]byte, len(fields))
		m.data[key] = h
	}
	for f, v := range fields {
		h[f] = slices.Clone(v)
	}
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemoryStore) DeleteFields(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.data[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range maps.Keys(m.data) {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *MemoryStore) Lock(ctx context.Context, key string, opts LockOptions) (Lock, error) {
	l := &memoryLock{store: m, key: key, token: uuid.NewString(), ttl: opts.ttl()}
	err := acquire(ctx, key, opts.Wait, func(context.Context) (bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, held := m.locks[key]; held && time.Now().Before(cur.expires) {
			return false, nil
		}
		m.locks[key] = memoryLease{token: l.token, expires: time.Now().Add(l.ttl)}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}

func (m *MemoryStore) Close() error { return nil }

type memoryLock struct {
	store *MemoryStore
	key   string
	token string
	ttl   time.Duration
}

func (l *memoryLock) Extend(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	cur, ok := l.store.locks[l.key]
	if !ok || cur.token != l.token || time.Now().After(cur.expires) {
		return lockLost(l.key)
	}
	l.store.locks[l.key] = memoryLease{token: l.token, expires: time.Now().Add(l.ttl)}
	return nil
}

func (l *memoryLock) Unlock(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	cur, ok := l.store.locks[l.key]
	if !ok || cur.token != l.token {
		return lockLost(l.key)
	}
	delete(l.store.locks, l.key)
	return nil
}
