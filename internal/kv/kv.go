// Package kv provides the process-wide persistent key-value namespace that
// annotation, version and mapping data are stored in.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
)

// Store is a flat namespace of opaque values. Implementations never return an
// error for a missing key; Get reports it through the boolean instead.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// GetJSON decodes the value stored under key into target.
func GetJSON(ctx context.Context, store Store, key string, target any) (bool, error) {
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return true, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, store Store, key string, value any) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Set(ctx, key, payload)
}
