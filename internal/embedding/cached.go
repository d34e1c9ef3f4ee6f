package embedding

import (
	"context"
	"time"

	"github.com/accred-agent/backend/internal/cache/redis"
	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/pkg/logger"
	"github.com/accred-agent/backend/pkg/utils"

	"go.uber.org/zap"
)

const cacheTTL = 24 * time.Hour

// CachedBackend wraps another backend with a redis lookaside cache keyed by
// content hash. Cache failures degrade to the inner backend.
type CachedBackend struct {
	inner Client
	cache *redis.Client
}

func NewCachedBackend(inner Client, cache *redis.Client) *CachedBackend {
	return &CachedBackend{inner: inner, cache: cache}
}

func (b *CachedBackend) Name() string { return b.inner.Name() + "+cache" }

func (b *CachedBackend) Dimension() int { return b.inner.Dimension() }

func (b *CachedBackend) Available() bool { return b.inner.Available() }

func (b *CachedBackend) Encode(ctx context.Context, text string) ([]float32, error) {
	key := utils.HashString(text)

	if cached, ok, err := b.cache.GetEmbedding(ctx, key); err == nil && ok {
		metrics.EmbeddingCacheHits.WithLabelValues("hit").Inc()
		return cached, nil
	} else if err != nil {
		logger.Warn("Embedding cache lookup failed", zap.Error(err))
	}
	metrics.EmbeddingCacheHits.WithLabelValues("miss").Inc()

	vector, err := b.inner.Encode(ctx, text)
	if err != nil {
		return nil, err
	}

	if err := b.cache.SetEmbedding(ctx, key, vector, cacheTTL); err != nil {
		logger.Warn("Embedding cache store failed", zap.Error(err))
	}

	return vector, nil
}

func (b *CachedBackend) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vector, err := b.Encode(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = vector
	}
	return vectors, nil
}
