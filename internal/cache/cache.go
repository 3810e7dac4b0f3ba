// Package cache implements the durable preassignment cache (preassigned
// task map and blacklist) against Redis, with full-map-replacement
// semantics and an explicit schema-versioned envelope.
package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// PreassignedMap maps "site|resourceType" to the ordered set of task
// IDs the controller believes are bound to that site/resource-type.
type PreassignedMap map[string][]int64

// Blacklist maps an hour-bucket unix-seconds decimal string to the set
// of task IDs un-preassigned during that bucket.
type Blacklist map[string][]int64

const schemaVersion = 1

type envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Data          json.RawMessage `json:"data"`
}

// Cache is the durable key/value store backing PreassignedMap and
// Blacklist.
type Cache interface {
	LoadPreassigned(ctx context.Context) (PreassignedMap, error)
	StorePreassigned(ctx context.Context, m PreassignedMap) error
	LoadBlacklist(ctx context.Context) (Blacklist, error)
	StoreBlacklist(ctx context.Context, b Blacklist) error
}

// Redis is the go-redis-backed Cache implementation. Keys are
// namespaced per VO so multiple VOs can share one Redis instance
// without collision.
type Redis struct {
	client *redis.Client
	vo     string
}

// NewRedis constructs a Cache bound to vo's namespace.
func NewRedis(client *redis.Client, vo string) *Redis {
	return &Redis{client: client, vo: vo}
}

func (r *Redis) preassignedKey() string { return fmt.Sprintf("queuefiller:%s:preassigned", r.vo) }
func (r *Redis) blacklistKey() string   { return fmt.Sprintf("queuefiller:%s:blacklist", r.vo) }

func (r *Redis) LoadPreassigned(ctx context.Context) (PreassignedMap, error) {
	m := PreassignedMap{}
	if err := r.load(ctx, r.preassignedKey(), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Redis) StorePreassigned(ctx context.Context, m PreassignedMap) error {
	return r.store(ctx, r.preassignedKey(), m)
}

func (r *Redis) LoadBlacklist(ctx context.Context) (Blacklist, error) {
	b := Blacklist{}
	if err := r.load(ctx, r.blacklistKey(), &b); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *Redis) StoreBlacklist(ctx context.Context, b Blacklist) error {
	return r.store(ctx, r.blacklistKey(), b)
}

// load reads key into out, treating a cache miss as "leave out at its
// zero value" (already-initialized empty map by the caller) rather
// than an error.
func (r *Redis) load(ctx context.Context, key string, out any) error {
	raw, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return fmt.Errorf("cache decode envelope %s: %w", key, err)
	}
	if env.SchemaVersion != schemaVersion {
		return fmt.Errorf("cache %s: unsupported schema_version %d", key, env.SchemaVersion)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("cache decode data %s: %w", key, err)
	}
	return nil
}

func (r *Redis) store(ctx context.Context, key string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("cache encode data %s: %w", key, err)
	}
	env := envelope{SchemaVersion: schemaVersion, Data: raw}
	encoded, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("cache encode envelope %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, encoded, 0).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}
