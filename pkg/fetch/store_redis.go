package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis. Values are JSON encoded responses
// stored without expiry under prefix + fingerprint.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a new store backed by Redis.
func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(rdb, prefix)
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "oraclevm:fetch:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Get(ctx context.Context, fingerprint string) (*Response, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+fingerprint).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis cache get: %w", err)
	}
	var r Response
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false, fmt.Errorf("redis cache decode: %w", err)
	}
	return &r, true, nil
}

func (s *RedisStore) Set(ctx context.Context, fingerprint string, resp *Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("redis cache encode: %w", err)
	}
	// first writer wins, matching the SQL stores
	if err := s.client.SetNX(ctx, s.prefix+fingerprint, raw, 0).Err(); err != nil {
		return fmt.Errorf("redis cache set: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
