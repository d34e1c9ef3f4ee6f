package evidence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/embedding"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/internal/vector/milvus"
	"github.com/accred-agent/backend/pkg/logger"
)

const maxKeywords = 10

// Indexer embeds the evidence set and standard set for a run and upserts
// both into the vector index so the matcher can answer suggestions.
type Indexer struct {
	embedder embedding.Client
	index    *milvus.Client
}

func NewIndexer(embedder embedding.Client, index *milvus.Client) *Indexer {
	return &Indexer{
		embedder: embedder,
		index:    index,
	}
}

// Seed normalizes, embeds and upserts all inputs. It returns the evidence
// slice with embeddings and keyword lists filled in, so downstream stages
// reuse the vectors instead of re-encoding.
func (ix *Indexer) Seed(ctx context.Context, accreditorID string, evidenceItems []models.EvidenceItem, standards []models.Standard) ([]models.EvidenceItem, error) {
	if ix.embedder == nil {
		return evidenceItems, fmt.Errorf("no embedding backend configured")
	}

	seeded := make([]models.EvidenceItem, len(evidenceItems))
	texts := make([]string, 0, len(evidenceItems)+len(standards))

	for i, item := range evidenceItems {
		item.ExtractedText = NormalizeText(item.ExtractedText)
		if len(item.Keywords) == 0 {
			item.Keywords = ExtractKeywords(item.ExtractedText, maxKeywords)
		}
		seeded[i] = item
		texts = append(texts, item.ExtractedText)
	}
	for _, standard := range standards {
		texts = append(texts, standard.Title+"\n"+standard.Description)
	}

	vectors, err := ix.embedder.EncodeBatch(ctx, texts)
	if err != nil {
		return seeded, fmt.Errorf("failed to embed run inputs: %w", err)
	}
	if len(vectors) != len(texts) {
		return seeded, fmt.Errorf("embedding count mismatch: got %d, expected %d", len(vectors), len(texts))
	}

	records := make([]milvus.Record, 0, len(texts))
	for i := range seeded {
		seeded[i].Embedding = vectors[i]
		records = append(records, milvus.Record{
			ID:           "evidence_" + seeded[i].ID,
			Embedding:    vectors[i],
			SourceType:   "evidence",
			SourceID:     seeded[i].ID,
			AccreditorID: accreditorID,
			Title:        seeded[i].Title,
			Text:         seeded[i].ExtractedText,
		})
	}
	for i, standard := range standards {
		records = append(records, milvus.Record{
			ID:           "standard_" + standard.ID,
			Embedding:    vectors[len(seeded)+i],
			SourceType:   "standard",
			SourceID:     standard.ID,
			AccreditorID: standard.AccreditorID,
			Title:        standard.Title,
			Text:         standard.Description,
		})
	}

	if ix.index != nil {
		if err := ix.index.Upsert(ctx, records); err != nil {
			// The matcher degrades gracefully without the index, so a
			// seeding failure downgrades suggestions rather than the run.
			logger.Warn("Vector index seeding failed, suggestions degraded", zap.Error(err))
			return seeded, nil
		}
	}

	logger.Info("Run inputs indexed",
		zap.Int("evidence", len(seeded)),
		zap.Int("standards", len(standards)),
	)

	return seeded, nil
}
