// Package storage defines the string key-value tiers that hold console credentials.
//
// The session tier lives for the process; the durable tier (sqlite, postgres or redis)
// survives restarts. Both satisfy Store.
package storage

import (
	"context"
	"errors"
)

// ErrUnavailable wraps backend failures (connection refused, closed pool, etc.).
var ErrUnavailable = errors.New("storage unavailable")

// Store is a string key-value tier.
type Store interface {
	// Get returns the value for key. ok is false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Prefixed returns a Store that prepends namespace + ":" to every key before delegating to s.
// An empty namespace returns s unchanged.
func Prefixed(s Store, namespace string) Store {
	if namespace == "" {
		return s
	}
	return &prefixed{inner: s, prefix: namespace + ":"}
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p *prefixed) Get(ctx context.Context, key string) (string, bool, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p *prefixed) Set(ctx context.Context, key, value string) error {
	return p.inner.Set(ctx, p.prefix+key, value)
}

func (p *prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}
