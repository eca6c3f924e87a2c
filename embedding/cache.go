package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/pingcap/gotidb/internal/logger"
	"github.com/pingcap/gotidb/internal/metrics"
)

const cacheKeyPrefix = "gotidb:emb_cache:"

// ErrCacheMiss signals an absent cache key. Store implementations return it
// from Get so the decorator can tell a miss from a real failure.
var ErrCacheMiss = errors.New("embedding cache miss")

// Store is the consumer interface for the embedding cache.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
}

// Cached decorates a Function with a byte-store cache keyed by model,
// source type, and input. Cache failures are logged and degrade to
// provider calls; embeddings are never lost to a broken cache.
type Cached struct {
	inner Function
	store Store
	log   *zap.Logger
}

var _ Function = (*Cached)(nil)

// NewCached creates a caching decorator around an embedding function.
func NewCached(inner Function, store Store, log *zap.Logger) *Cached {
	return &Cached{inner: inner, store: store, log: logger.OrNop(log)}
}

// Name returns the inner function's identifier.
func (c *Cached) Name() string { return c.inner.Name() }

// Dimensions returns the inner function's vector length.
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

// ServerSide delegates to the inner function.
func (c *Cached) ServerSide() bool { return c.inner.ServerSide() }

// QueryEmbedding returns a cached query vector or calls the inner function.
func (c *Cached) QueryEmbedding(ctx context.Context, query string, sourceType SourceType) ([]float32, error) {
	key := c.cacheKey(query, sourceType)
	if vec, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return vec, nil
	}
	c.incCache("miss")

	vec, err := c.inner.QueryEmbedding(ctx, query, sourceType)
	if err != nil {
		return nil, err
	}
	c.putToCache(ctx, key, vec)
	return vec, nil
}

// SourceEmbedding returns a cached vector or calls the inner function.
func (c *Cached) SourceEmbedding(ctx context.Context, value string, sourceType SourceType) ([]float32, error) {
	key := c.cacheKey(value, sourceType)
	if vec, ok := c.getFromCache(ctx, key); ok {
		c.incCache("hit")
		return vec, nil
	}
	c.incCache("miss")

	vec, err := c.inner.SourceEmbedding(ctx, value, sourceType)
	if err != nil {
		return nil, err
	}
	c.putToCache(ctx, key, vec)
	return vec, nil
}

// SourceEmbeddings resolves each value against the cache and embeds only
// the misses in a single inner call, preserving input order.
func (c *Cached) SourceEmbeddings(ctx context.Context, values []string, sourceType SourceType) ([][]float32, error) {
	if len(values) == 0 {
		return nil, nil
	}

	out := make([][]float32, len(values))
	var missIdx []int
	var missValues []string

	for i, v := range values {
		key := c.cacheKey(v, sourceType)
		if vec, ok := c.getFromCache(ctx, key); ok {
			c.incCache("hit")
			out[i] = vec
			continue
		}
		c.incCache("miss")
		missIdx = append(missIdx, i)
		missValues = append(missValues, v)
	}

	if len(missValues) == 0 {
		return out, nil
	}

	vecs, err := c.inner.SourceEmbeddings(ctx, missValues, sourceType)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missValues) {
		return nil, fmt.Errorf("inner embedding returned %d vectors for %d values", len(vecs), len(missValues))
	}

	for j, i := range missIdx {
		out[i] = vecs[j]
		c.putToCache(ctx, c.cacheKey(values[i], sourceType), vecs[j])
	}
	return out, nil
}

func (c *Cached) incCache(result string) {
	metrics.EmbeddingCacheTotal.WithLabelValues(result).Inc()
}

func (c *Cached) cacheKey(value string, sourceType SourceType) string {
	h := sha256.Sum256([]byte(c.inner.Name() + ":" + string(sourceType) + ":" + value))
	return cacheKeyPrefix + hex.EncodeToString(h[:])
}

func (c *Cached) getFromCache(ctx context.Context, key string) ([]float32, bool) {
	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrCacheMiss) {
			c.log.Warn("Failed to get cached embedding", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	if len(data) == 0 {
		return nil, false
	}

	vec, err := bytesToVector(data)
	if err != nil {
		c.log.Warn("Failed to parse cached embedding", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return vec, true
}

func (c *Cached) putToCache(ctx context.Context, key string, vec []float32) {
	if err := c.store.Set(ctx, key, vectorToCacheBytes(vec)); err != nil {
		c.log.Warn("Failed to cache embedding", zap.String("key", key), zap.Error(err))
	}
}

func vectorToCacheBytes(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func bytesToVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid embedding cache data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
