// Package redisstore keeps the durable credential tier in Redis.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dispatch-admin/console/internal/storage"

	"github.com/redis/go-redis/v9"
)

// Config selects the Redis server.
type Config struct {
	Addr     string
	Password string
	DB       int
	// TTL bounds how long a key survives without being rewritten. Zero keeps keys forever.
	TTL time.Duration
}

// Store is a storage.Store backed by go-redis.
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// Connect dials Redis and pings it with a 5s timeout.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: redis ping %s: %v", storage.ErrUnavailable, cfg.Addr, err)
	}
	return New(rdb, cfg.TTL), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{rdb: rdb, ttl: ttl}
}

// PingContext checks the server is reachable.
func (s *Store) PingContext(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: GET %q: %v", storage.ErrUnavailable, key, err)
	}
	return v, true, nil
}

// Set stores value under key with the configured TTL.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: SET %q: %v", storage.ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: DEL %q: %v", storage.ErrUnavailable, key, err)
	}
	return nil
}
