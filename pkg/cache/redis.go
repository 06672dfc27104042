package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis keys for namespace storage.
const (
	// RedisKeyNamespaces is a sorted set of namespace names scored by creation time.
	RedisKeyNamespaces = "shim:namespaces"

	// RedisNamespacePrefix prefixes the per-namespace hash (field = key string, value = JSON entry).
	RedisNamespacePrefix = "shim:ns:"
)

// RedisStore is a Store backed by Redis.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a store on top of an existing Redis client.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{
		redis: redisClient,
	}
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.redis.Ping(ctx).Err()
}

func namespaceKey(name string) string {
	return RedisNamespacePrefix + name
}

func namespaceMember(name string) redis.Z {
	return redis.Z{Score: float64(time.Now().UnixMicro()), Member: name}
}

// Open returns a handle for namespace, creating it on first use.
func (s *RedisStore) Open(ctx context.Context, namespace string) (Handle, error) {
	if namespace == "" {
		CacheErrors.WithLabelValues(storeRedis, "open").Inc()
		return nil, ErrNamespaceRequired
	}

	if err := s.redis.ZAddNX(ctx, RedisKeyNamespaces, namespaceMember(namespace)).Err(); err != nil {
		CacheErrors.WithLabelValues(storeRedis, "open").Inc()
		return nil, fmt.Errorf("redis zadd: %w", err)
	}

	return &redisHandle{store: s, name: namespace}, nil
}

// Match looks the key up across every namespace, oldest first.
func (s *RedisStore) Match(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeRedis).Inc()
		return nil, ErrCacheMiss
	}

	names, err := s.Namespaces(ctx)
	if err != nil {
		return nil, err
	}

	for _, name := range names {
		entry, err := s.get(ctx, name, key)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			return nil, err
		}
		CacheHits.WithLabelValues(storeRedis).Inc()
		return entry, nil
	}

	CacheMisses.WithLabelValues(storeRedis).Inc()
	return nil, ErrCacheMiss
}

// Namespaces lists namespace names in creation order.
func (s *RedisStore) Namespaces(ctx context.Context) ([]string, error) {
	names, err := s.redis.ZRange(ctx, RedisKeyNamespaces, 0, -1).Result()
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "list").Inc()
		return nil, fmt.Errorf("redis zrange: %w", err)
	}
	return names, nil
}

// DeleteNamespace removes a namespace and all its entries.
func (s *RedisStore) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, namespaceKey(name))
		removed = pipe.ZRem(ctx, RedisKeyNamespaces, name)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "delete").Inc()
		return false, fmt.Errorf("redis delete namespace %s: %w", name, err)
	}

	if removed.Val() == 0 {
		return false, nil
	}
	NamespacesDeleted.WithLabelValues(storeRedis).Inc()
	return true, nil
}

func (s *RedisStore) get(ctx context.Context, namespace string, key CacheKey) (*CacheEntry, error) {
	data, err := s.redis.HGet(ctx, namespaceKey(namespace), key.String()).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrCacheMiss
		}
		CacheErrors.WithLabelValues(storeRedis, "match").Inc()
		return nil, fmt.Errorf("redis hget: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		CacheErrors.WithLabelValues(storeRedis, "match").Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return &entry, nil
}

type redisHandle struct {
	store *RedisStore
	name  string
}

func (h *redisHandle) Namespace() string { return h.name }

func (h *redisHandle) Match(ctx context.Context, key CacheKey) (*CacheEntry, error) {
	if !key.Matchable() {
		CacheMisses.WithLabelValues(storeRedis).Inc()
		return nil, ErrCacheMiss
	}

	entry, err := h.store.get(ctx, h.name, key)
	switch {
	case errors.Is(err, ErrCacheMiss):
		CacheMisses.WithLabelValues(storeRedis).Inc()
		return nil, err
	case err != nil:
		return nil, err
	}
	CacheHits.WithLabelValues(storeRedis).Inc()
	return entry, nil
}

func (h *redisHandle) Put(ctx context.Context, key CacheKey, entry *CacheEntry) error {
	if entry == nil {
		CacheErrors.WithLabelValues(storeRedis, "put").Inc()
		return ErrInvalidEntry
	}

	data, err := json.Marshal(entry)
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = h.store.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, RedisKeyNamespaces, namespaceMember(h.name))
		pipe.HSet(ctx, namespaceKey(h.name), key.String(), data)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "put").Inc()
		return fmt.Errorf("redis hset: %w", err)
	}

	CachePuts.WithLabelValues(storeRedis).Inc()
	return nil
}

func (h *redisHandle) AddAll(ctx context.Context, entries []*CacheEntry) error {
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		if e == nil || e.URL == "" {
			CacheErrors.WithLabelValues(storeRedis, "add_all").Inc()
			return ErrInvalidEntry
		}
		data, err := json.Marshal(e)
		if err != nil {
			CacheErrors.WithLabelValues(storeRedis, "add_all").Inc()
			return fmt.Errorf("marshal cache entry %s: %w", e.URL, err)
		}
		fields[e.Key().String()] = data
	}
	if len(fields) == 0 {
		return nil
	}

	_, err := h.store.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAddNX(ctx, RedisKeyNamespaces, namespaceMember(h.name))
		pipe.HSet(ctx, namespaceKey(h.name), fields)
		return nil
	})
	if err != nil {
		CacheErrors.WithLabelValues(storeRedis, "add_all").Inc()
		return fmt.Errorf("redis add all: %w", err)
	}

	CachePuts.WithLabelValues(storeRedis).Add(float64(len(fields)))
	return nil
}
