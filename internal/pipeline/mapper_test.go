package pipeline

import (
	"context"
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/matcher"
	"github.com/accred-agent/backend/internal/storage/models"
)

func TestTruncateTextKeepsRuneBoundary(t *testing.T) {
	text := "αβγδε"

	out := truncateText(text, 5)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, "αβ...", out)

	assert.Equal(t, text, truncateText(text, len(text)))
}

func TestMapperPartitionsByThreshold(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{
		llm.RoleMapper: `{
			"mappings": [
				{"evidence_id": "ev-1", "standard_id": "std-A", "confidence_score": 0.9},
				{"evidence_id": "ev-2", "standard_id": "std-B", "confidence_score": 0.5},
				{"evidence_id": "ev-3", "standard_id": "std-C", "confidence_score": 0.2}
			],
			"unmapped_evidence": [],
			"overall_confidence": 0.7
		}`,
	}}

	run := testRunContext()
	run.Evidence = append(run.Evidence, models.EvidenceItem{ID: "ev-3", Title: "Org Chart", ExtractedText: "Organizational chart."})

	stage := NewMapperStage(generator, nil, testPipelineConfig())
	result, outcome := stage.Run(context.Background(), run)

	require.True(t, result.Success)
	assert.Equal(t, "mapper", result.AgentName)
	require.NotNil(t, outcome)

	require.Len(t, outcome.Accepted, 1)
	assert.Equal(t, "ev-1", outcome.Accepted[0].EvidenceID)
	assert.False(t, outcome.Accepted[0].NeedsReview)

	require.Len(t, outcome.ReviewQueue, 1)
	assert.Equal(t, "ev-2", outcome.ReviewQueue[0].EvidenceID)
	assert.True(t, outcome.ReviewQueue[0].NeedsReview)

	// Everything without an accepted mapping surfaces as unmapped, sorted.
	assert.Equal(t, []string{"ev-2", "ev-3"}, outcome.Unmapped)
	assert.InDelta(t, 0.7, result.ConfidenceScore, 1e-9)
}

func TestMapperClampsConfidence(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{
		llm.RoleMapper: `{"mappings": [{"evidence_id": "ev-1", "standard_id": "std-A", "confidence_score": 1.4}], "overall_confidence": 2.0}`,
	}}

	stage := NewMapperStage(generator, nil, testPipelineConfig())
	result, outcome := stage.Run(context.Background(), testRunContext())

	require.True(t, result.Success)
	require.Len(t, outcome.Accepted, 1)
	assert.Equal(t, 1.0, outcome.Accepted[0].ConfidenceScore)
	assert.Equal(t, 1.0, outcome.OverallConfidence)
}

func TestMapperMalformedResponseFailsStage(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{
		llm.RoleMapper: "I cannot map these documents.",
	}}

	stage := NewMapperStage(generator, nil, testPipelineConfig())
	result, outcome := stage.Run(context.Background(), testRunContext())

	assert.False(t, result.Success)
	assert.Nil(t, outcome)
	assert.Contains(t, result.ErrorMessage, "malformed agent output")
}

func TestMapperLLMErrorFailsStage(t *testing.T) {
	generator := &stubGenerator{errs: map[llm.Role]error{
		llm.RoleMapper: errors.New("upstream unavailable"),
	}}

	stage := NewMapperStage(generator, nil, testPipelineConfig())
	result, outcome := stage.Run(context.Background(), testRunContext())

	assert.False(t, result.Success)
	assert.Nil(t, outcome)
	assert.Equal(t, "mapper", result.AgentName)
	assert.Equal(t, "upstream unavailable", result.ErrorMessage)
}

func TestMapperConsultsSuggesterPerEvidence(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{llm.RoleMapper: mapperBatchJSON}}
	suggester := &stubSuggester{suggestions: map[string][]matcher.Suggestion{
		"ev-1": {{StandardID: "std-A", Similarity: 0.92}},
	}}

	run := testRunContext()
	stage := NewMapperStage(generator, suggester, testPipelineConfig())
	result, _ := stage.Run(context.Background(), run)

	require.True(t, result.Success)
	assert.Equal(t, len(run.Evidence), suggester.calls)
}

func TestMapperSuggesterOptional(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{llm.RoleMapper: mapperBatchJSON}}

	stage := NewMapperStage(generator, nil, testPipelineConfig())
	result, outcome := stage.Run(context.Background(), testRunContext())

	require.True(t, result.Success)
	assert.Len(t, outcome.Accepted, 2)
	assert.Empty(t, outcome.Unmapped)
}
