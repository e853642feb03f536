package state

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/hupe1980/agentcoord/core"
)

// DefaultKeyPrefix prefixes every namespace key written by RedisStore.
const DefaultKeyPrefix = "agentcoord:state:"

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	// KeyPrefix prefixes namespace keys. Defaults to DefaultKeyPrefix.
	KeyPrefix string
}

// RedisStore is a StateStore that persists each namespace as a JSON blob
// under a prefixed key. Namespaces are independent keys; no cross-key
// consistency is attempted.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore wraps an existing Redis client. The store does not take
// ownership of the client's lifecycle.
func NewRedisStore(client *redis.Client, optFns ...func(o *RedisOptions)) *RedisStore {
	opts := RedisOptions{KeyPrefix: DefaultKeyPrefix}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RedisStore{client: client, prefix: opts.KeyPrefix}
}

// Dial connects to Redis, verifies the connection with a ping and returns
// a store over the new client. The caller owns the returned store's
// client via Close.
func Dial(ctx context.Context, addr, password string, db int, optFns ...func(o *RedisOptions)) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisStore(client, optFns...), nil
}

// Close closes the underlying Redis client.
func (s *RedisStore) Close() error { return s.client.Close() }

// Load fetches and decodes the namespace blob.
func (s *RedisStore) Load(ctx context.Context, namespace string) (map[string]any, error) {
	val, err := s.client.Get(ctx, s.prefix+namespace).Result()
	if err == redis.Nil {
		return nil, core.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", namespace, err)
	}

	var state map[string]any
	if err := json.Unmarshal([]byte(val), &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", namespace, err)
	}
	return state, nil
}

// Save encodes and writes the namespace blob without expiry.
func (s *RedisStore) Save(ctx context.Context, namespace string, state map[string]any) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", namespace, err)
	}
	if err := s.client.Set(ctx, s.prefix+namespace, b, 0).Err(); err != nil {
		return fmt.Errorf("save state %s: %w", namespace, err)
	}
	return nil
}
