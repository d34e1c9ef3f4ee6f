// Package embedding provides the text-to-vector capability behind the
// similarity matcher. Backends are resolved once at startup from an
// ordered candidate list instead of being chosen inside library code.
package embedding

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/accred-agent/backend/pkg/logger"
)

// ErrNoBackend is returned when no candidate backend is usable.
var ErrNoBackend = errors.New("no embedding backend available")

// Client turns text into a fixed-dimension vector.
type Client interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
	Name() string
	Available() bool
}

// Resolve walks candidates in priority order and returns the first usable
// backend. Called once at process start; the chosen client is injected
// into everything downstream.
func Resolve(candidates ...Client) (Client, error) {
	for _, c := range candidates {
		if c == nil {
			continue
		}
		if c.Available() {
			logger.Info("Embedding backend selected",
				zap.String("backend", c.Name()),
				zap.Int("dimension", c.Dimension()),
			)
			return c, nil
		}
		logger.Warn("Embedding backend unavailable, trying next",
			zap.String("backend", c.Name()),
		)
	}
	return nil, ErrNoBackend
}
