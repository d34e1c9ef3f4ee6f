package milvus

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/pkg/logger"
)

// Client owns the single collection holding evidence and standard
// embeddings. Rows carry a source_type field so searches can be restricted
// to one side of the mapping.
type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

// Record is one embedded document fragment, either an evidence item or a
// standard.
type Record struct {
	ID           string
	Embedding    []float32
	SourceType   string
	SourceID     string
	AccreditorID string
	Title        string
	Text         string
}

// Hit is a nearest-neighbor match. Score is inner product over normalized
// vectors, i.e. cosine similarity.
type Hit struct {
	ID         string
	SourceType string
	SourceID   string
	Title      string
	Score      float32
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(
		context.Background(),
		endpoint,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", m.collectionName))
		return nil
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Evidence and standard embeddings",
		Fields: []*entity.Field{
			{
				Name:       "id",
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "embedding",
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     "source_type",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "32",
				},
			},
			{
				Name:     "source_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "accreditor_id",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     "title",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "512",
				},
			},
			{
				Name:     "text",
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "4096",
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.IP, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, "embedding", idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

func (m *Client) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, len(records))
	embeddings := make([][]float32, len(records))
	sourceTypes := make([]string, len(records))
	sourceIDs := make([]string, len(records))
	accreditors := make([]string, len(records))
	titles := make([]string, len(records))
	texts := make([]string, len(records))

	for i, record := range records {
		ids[i] = record.ID
		embeddings[i] = record.Embedding
		sourceTypes[i] = record.SourceType
		sourceIDs[i] = record.SourceID
		accreditors[i] = record.AccreditorID
		titles[i] = record.Title
		texts[i] = truncate(record.Text, 4096)
	}

	_, err := m.client.Upsert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnFloatVector("embedding", m.vectorDim, embeddings),
		entity.NewColumnVarChar("source_type", sourceTypes),
		entity.NewColumnVarChar("source_id", sourceIDs),
		entity.NewColumnVarChar("accreditor_id", accreditors),
		entity.NewColumnVarChar("title", titles),
		entity.NewColumnVarChar("text", texts),
	)

	if err != nil {
		return fmt.Errorf("failed to upsert records: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Records upserted into vector index", zap.Int("count", len(records)))

	return nil
}

func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int, filters map[string]string) ([]Hit, error) {
	expr := ""
	if sourceType, ok := filters["source_type"]; ok && sourceType != "" {
		expr = fmt.Sprintf(`source_type == "%s"`, sourceType)
	}
	if accreditor, ok := filters["accreditor_id"]; ok && accreditor != "" {
		if expr != "" {
			expr += " && "
		}
		expr += fmt.Sprintf(`accreditor_id == "%s"`, accreditor)
	}

	sp, _ := entity.NewIndexIvfFlatSearchParam(16)

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		expr,
		[]string{"id", "source_type", "source_id", "title"},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		"embedding",
		entity.IP,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	hits := make([]Hit, 0)
	for _, sr := range searchResult {
		for i := 0; i < sr.ResultCount; i++ {
			idCol := sr.Fields.GetColumn("id")
			sourceTypeCol := sr.Fields.GetColumn("source_type")
			sourceIDCol := sr.Fields.GetColumn("source_id")
			titleCol := sr.Fields.GetColumn("title")

			id, _ := idCol.Get(i)
			sourceType, _ := sourceTypeCol.Get(i)
			sourceID, _ := sourceIDCol.Get(i)
			title, _ := titleCol.Get(i)

			hits = append(hits, Hit{
				ID:         id.(string),
				SourceType: sourceType.(string),
				SourceID:   sourceID.(string),
				Title:      title.(string),
				Score:      sr.Scores[i],
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(hits)),
		zap.String("filters", expr),
	)

	return hits, nil
}

// truncate cuts s at a rune boundary so stored text stays valid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
