package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Key prefixes for the records the scheduler persists.
const (
	SchedulePrefix = "schedules:"
	ServicePrefix  = "services:"
	lockPrefix     = "lock:"
)

// ScheduleKey is the store identifier of a schedule.
func ScheduleKey(id string) string { return SchedulePrefix + id }

// ServiceKey is the store identifier of a tracked service.
func ServiceKey(id string) string { return ServicePrefix + id }

// LockKey names the advisory lock guarding the record stored under key.
func LockKey(key string) string { return lockPrefix + key }

// IDs lists the identifiers stored under prefix with the prefix removed.
func IDs(ctx context.Context, s Store, prefix string) ([]string, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, prefix))
	}
	return ids, nil
}

// Proxy is a typed view over the hash stored under one key. Values are
// JSON-encoded.
type Proxy struct {
	store    Store
	key      string
	resource string
}

// NewProxy returns a proxy for key. resource names the record in errors.
func NewProxy(s Store, resource, key string) *Proxy {
	return &Proxy{store: s, key: key, resource: resource}
}

// Key returns the underlying store key.
func (p *Proxy) Key() string { return p.key }

func (p *Proxy) Exists(ctx context.Context) (bool, error) {
	return p.store.Exists(ctx, p.key)
}

// Read decodes field into dst. A missing field returns a NOT_FOUND error
// wrapping ErrNotFound.
func (p *Proxy) Read(ctx context.Context, field string, dst any) error {
	raw, ok, err := p.store.Get(ctx, p.key, field)
	if err != nil {
		return err
	}
	if !ok {
		return storeNotFound(p.resource, p.key+"."+field)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode %s.%s: %w", p.key, field, err)
	}
	return nil
}

func (p *Proxy) CreateOrUpdate(ctx context.Context, field string, value any) error {
	return p.CreateOrUpdateMultiple(ctx, map[string]any{field: value})
}

// CreateOrUpdateMultiple writes all values in one atomic store call.
func (p *Proxy) CreateOrUpdateMultiple(ctx context.Context, values map[string]any) error {
	fields := make(map[string][]byte, len(values))
	for f, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s.%s: %w", p.key, f, err)
		}
		fields[f] = raw
	}
	return p.store.Set(ctx, p.key, fields)
}

// Delete removes the whole record.
func (p *Proxy) Delete(ctx context.Context) error {
	return p.store.Delete(ctx, p.key)
}

// DeleteKey removes individual fields.
func (p *Proxy) DeleteKey(ctx context.Context, fields ...string) error {
	return p.store.DeleteFields(ctx, p.key, fields...)
}

// ReadAll returns every field still JSON-encoded; absent records yield an
// empty map.
func (p *Proxy) ReadAll(ctx context.Context) (map[string]json.RawMessage, error) {
	all, err := p.store.GetAll(ctx, p.key)
	if err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(all))
	for f, v := range all {
		out[f] = json.RawMessage(v)
	}
	return out, nil
}

// Lock takes the advisory lock for this record.
func (p *Proxy) Lock(ctx context.Context, opts LockOptions) (Lock, error) {
	return p.store.Lock(ctx, LockKey(p.key), opts)
}
