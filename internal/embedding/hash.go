package embedding

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"math"
	"strings"
)

// HashBackend is the deterministic fallback encoder: token hashes are
// scattered into a fixed-dimension bag-of-words vector and L2 normalized.
// Quality is crude but it is always available, needs no network, and gives
// tests a stable embedding space.
type HashBackend struct {
	dimension int
}

func NewHashBackend(dimension int) *HashBackend {
	if dimension <= 0 {
		dimension = 384
	}
	return &HashBackend{dimension: dimension}
}

func (b *HashBackend) Name() string { return "hash" }

func (b *HashBackend) Dimension() int { return b.dimension }

func (b *HashBackend) Available() bool { return true }

func (b *HashBackend) Encode(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, b.dimension)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		token = strings.Trim(token, ".,;:!?()[]{}\"'")
		if token == "" {
			continue
		}

		sum := md5.Sum([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % uint32(b.dimension)
		sign := float32(1)
		if sum[4]%2 == 1 {
			sign = -1
		}
		vector[idx] += sign
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vector {
			vector[i] = float32(float64(vector[i]) / norm)
		}
	}

	return vector, nil
}

func (b *HashBackend) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
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
