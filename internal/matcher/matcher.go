// Package matcher produces evidence-to-standard candidate pairs from the
// vector index and scores citation accuracy. Similarity search is an
// optimization hint for the mapper, not a correctness dependency: every
// failure path degrades to a neutral answer instead of propagating.
package matcher

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/logger"
)

// neutralVerification is returned when the embedding backend or index is
// unavailable and a citation cannot be scored either way.
const neutralVerification = 0.5

// Embedder is the slice of the embedding capability the matcher needs.
type Embedder interface {
	Encode(ctx context.Context, text string) ([]float32, error)
}

// SearchHit is one nearest neighbor from the index.
type SearchHit struct {
	SourceID string
	Score    float32
}

// Index answers filtered top-k nearest-neighbor queries.
type Index interface {
	Search(ctx context.Context, vector []float32, topK int, filters map[string]string) ([]SearchHit, error)
}

// Suggestion is a candidate standard for an evidence item, with cosine
// similarity in [floor, 1].
type Suggestion struct {
	StandardID string  `json:"standard_id"`
	Similarity float64 `json:"similarity"`
}

type Matcher struct {
	embedder        Embedder
	index           Index
	similarityFloor float64
}

func New(embedder Embedder, index Index, similarityFloor float64) *Matcher {
	return &Matcher{
		embedder:        embedder,
		index:           index,
		similarityFloor: similarityFloor,
	}
}

// Suggest returns up to topK candidate standards for evidence, restricted
// to candidateStandards and to similarity at or above the floor. An
// unavailable embedder or index yields an empty list, never an error.
func (m *Matcher) Suggest(ctx context.Context, evidence models.EvidenceItem, candidateStandards []models.Standard, topK int) []Suggestion {
	if m.embedder == nil || m.index == nil || len(candidateStandards) == 0 {
		return nil
	}

	vector := evidence.Embedding
	if len(vector) == 0 {
		var err error
		vector, err = m.embedder.Encode(ctx, evidence.ExtractedText)
		if err != nil {
			logger.Warn("Evidence embedding failed, skipping suggestions",
				zap.String("evidence_id", evidence.ID),
				zap.Error(err),
			)
			return nil
		}
	}

	filters := map[string]string{"source_type": "standard"}
	if len(candidateStandards) > 0 {
		filters["accreditor_id"] = candidateStandards[0].AccreditorID
	}

	hits, err := m.index.Search(ctx, vector, topK, filters)
	if err != nil {
		metrics.VectorSearchTotal.WithLabelValues("error").Inc()
		logger.Warn("Vector search failed, skipping suggestions",
			zap.String("evidence_id", evidence.ID),
			zap.Error(err),
		)
		return nil
	}
	metrics.VectorSearchTotal.WithLabelValues("ok").Inc()

	candidates := make(map[string]bool, len(candidateStandards))
	for _, standard := range candidateStandards {
		candidates[standard.ID] = true
	}

	suggestions := make([]Suggestion, 0, len(hits))
	for _, hit := range hits {
		if !candidates[hit.SourceID] {
			continue
		}
		similarity := clamp01(float64(hit.Score))
		if similarity < m.similarityFloor {
			continue
		}
		suggestions = append(suggestions, Suggestion{
			StandardID: hit.SourceID,
			Similarity: similarity,
		})
		if len(suggestions) == topK {
			break
		}
	}

	return suggestions
}

// VerifyCitation scores how well citedExcerpt is supported by the source
// evidence and reflected in the narrative. The blend weighs the evidence
// side heavier; cosine similarity is bounded so the result clamps cleanly
// into [0,1]. Unavailable capabilities return the neutral score.
func (m *Matcher) VerifyCitation(ctx context.Context, narrativeExcerpt, evidenceText, citedExcerpt string) float64 {
	if m.embedder == nil || citedExcerpt == "" {
		return neutralVerification
	}

	excerptVec, err := m.embedder.Encode(ctx, citedExcerpt)
	if err != nil {
		return neutralVerification
	}
	evidenceVec, err := m.embedder.Encode(ctx, evidenceText)
	if err != nil {
		return neutralVerification
	}
	narrativeVec, err := m.embedder.Encode(ctx, narrativeExcerpt)
	if err != nil {
		return neutralVerification
	}

	score := 0.7*cosineSimilarity(evidenceVec, excerptVec) +
		0.3*cosineSimilarity(narrativeVec, excerptVec)

	return clamp01(score)
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
