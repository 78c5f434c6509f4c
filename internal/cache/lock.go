package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BLYNKTECHNOLOGIES/virtual-ledger-pulse-sub012/internal/domain"
)

// valueDeleter is implemented by caches that can delete a key atomically
// when it still holds a given value.
type valueDeleter interface {
	DeleteIfValue(ctx context.Context, key string, value []byte) (bool, error)
}

// Lock is a short-lived exclusive lease on a cache key.
type Lock struct {
	cache domain.Cache
	key   string
	token []byte
}

// TryLock acquires key for ttl. It returns nil, nil when another holder owns it.
func TryLock(ctx context.Context, c domain.Cache, key string, ttl time.Duration) (*Lock, error) {
	token := []byte(uuid.New().String())

	ok, err := c.SetNX(ctx, "lock:"+key, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}
	return &Lock{cache: c, key: "lock:" + key, token: token}, nil
}

// Release gives the lock up if it is still held by this holder.
func (l *Lock) Release(ctx context.Context) error {
	if d, ok := l.cache.(valueDeleter); ok {
		_, err := d.DeleteIfValue(ctx, l.key, l.token)
		return err
	}

	current, err := l.cache.Get(ctx, l.key)
	if err != nil {
		return err
	}
	if string(current) != string(l.token) {
		return nil
	}
	return l.cache.Delete(ctx, l.key)
}

// GetJSON decodes a cached JSON value into v. It reports false on a miss.
func GetJSON(ctx context.Context, c domain.Cache, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON under key.
func SetJSON(ctx context.Context, c domain.Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}
