package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/rueidis"

	"github.com/pingcap/gotidb/internal/domain"
)

// Compile-time check: RedisCache implements Store.
var _ Store = (*RedisCache)(nil)

// RedisConfig holds connection parameters for the Redis embedding cache.
type RedisConfig struct {
	Addrs    []string
	Username string
	Password string
	DB       int
	// TTL expires cached embeddings; zero keeps them until eviction.
	TTL time.Duration
}

// RedisCache implements Store via rueidis.
type RedisCache struct {
	client rueidis.Client
	ttl    time.Duration
}

// NewRedisCache connects to Redis for embedding caching.
func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	if len(cfg.Addrs) == 0 {
		return nil, fmt.Errorf("%w: redis addrs are required", domain.ErrConfiguration)
	}

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  cfg.Addrs,
		Username:     cfg.Username,
		Password:     cfg.Password,
		SelectDB:     cfg.DB,
		DisableCache: true,
		AlwaysRESP2:  true, // stays compatible with older Redis and Valkey servers
	})
	if err != nil {
		return nil, fmt.Errorf("create redis client: %w", err)
	}

	return &RedisCache{client: client, ttl: cfg.TTL}, nil
}

// Get retrieves a cached value. Absent keys return ErrCacheMiss.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	cmd := r.client.B().Get().Key(key).Build()
	data, err := r.client.Do(ctx, cmd).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("cache get: %w", err)
	}
	return data, nil
}

// Set stores a value, applying the configured TTL when one is set.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte) error {
	var cmd rueidis.Completed
	if r.ttl > 0 {
		cmd = r.client.B().Set().Key(key).Value(string(value)).Ex(r.ttl).Build()
	} else {
		cmd = r.client.B().Set().Key(key).Value(string(value)).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	cmd := r.client.B().Ping().Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// Close shuts down the client.
func (r *RedisCache) Close() {
	r.client.Close()
}
