package embedding

import (
	"context"
	"fmt"
	"math"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/pkg/circuitbreaker"
	"github.com/accred-agent/backend/pkg/logger"
	"github.com/accred-agent/backend/pkg/retry"
)

// OpenAIBackend encodes text with the OpenAI embeddings API. Vectors longer
// than the configured dimension are truncated and renormalized, which the
// v3 embedding family supports.
type OpenAIBackend struct {
	client      *openai.Client
	model       string
	dimension   int
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewOpenAIBackend(apiKey, model string, dimension int) *OpenAIBackend {
	var client *openai.Client
	if apiKey != "" {
		client = openai.NewClient(apiKey)
	}

	cb := circuitbreaker.NewCircuitBreaker("embedding", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	return &OpenAIBackend{
		client:    client,
		model:     model,
		dimension: dimension,
		cb:        cb,
		retryConfig: retry.Config{
			MaxAttempts:    3,
			InitialDelay:   500 * time.Millisecond,
			MaxDelay:       5 * time.Second,
			Multiplier:     2.0,
			JitterFraction: 0.1,
			Logger:         logger.GetLogger(),
		},
	}
}

func (b *OpenAIBackend) Name() string { return "openai" }

func (b *OpenAIBackend) Dimension() int { return b.dimension }

func (b *OpenAIBackend) Available() bool { return b.client != nil && b.model != "" }

func (b *OpenAIBackend) Encode(ctx context.Context, text string) ([]float32, error) {
	vectors, err := b.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (b *OpenAIBackend) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := b.cb.Execute(ctx, func() error {
			return retry.Do(ctx, b.retryConfig, func() error {
				resp, err := b.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(b.model),
					},
				)

				if err != nil {
					return fmt.Errorf("failed to generate embeddings: %w", err)
				}

				for _, data := range resp.Data {
					embeddings = append(embeddings, b.fit(data.Embedding))
				}

				return nil
			})
		})

		if err != nil {
			return nil, err
		}
	}

	logger.Debug("Batch embeddings generated",
		zap.Int("count", len(embeddings)),
		zap.String("model", b.model),
	)

	return embeddings, nil
}

func (b *OpenAIBackend) fit(vector []float32) []float32 {
	if b.dimension <= 0 || len(vector) <= b.dimension {
		out := make([]float32, len(vector))
		copy(out, vector)
		return out
	}

	out := make([]float32, b.dimension)
	copy(out, vector[:b.dimension])

	var norm float64
	for _, v := range out {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i := range out {
		out[i] = float32(float64(out[i]) / norm)
	}
	return out
}
