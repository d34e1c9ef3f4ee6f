package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accred-agent/backend/internal/storage/models"
)

func narrativeForStdA(content string) models.Narrative {
	return models.Narrative{
		StandardID: "std-A",
		Title:      "Faculty Qualifications",
		Content:    content,
		Citations: []models.Citation{
			{Sequence: 1, EvidenceID: "ev-1", Excerpt: "All faculty hold terminal degrees in their discipline."},
		},
	}
}

func TestVerifierScoreFormula(t *testing.T) {
	stage := NewVerifierStage(&stubCitationVerifier{score: 0.9}, testPipelineConfig())
	narratives := []models.Narrative{narrativeForStdA(longNarrative(450))}

	result, outcome := stage.Run(context.Background(), testRunContext(), narratives)

	require.True(t, result.Success)
	assert.Equal(t, "verifier", result.AgentName)
	require.Len(t, outcome.Results, 1)

	verification := outcome.Results[0]
	assert.InDelta(t, 0.9, verification.CitationAccuracy, 1e-9)
	assert.InDelta(t, 0.85, verification.FactualAccuracy, 1e-9)
	assert.InDelta(t, 1.0, verification.Completeness, 1e-9)

	// 0.4*0.9 + 0.3*0.85 + 0.3*1.0 = 0.915
	assert.InDelta(t, 0.915, verification.OverallScore, 1e-9)
	assert.True(t, verification.Verified)
	assert.Equal(t, 1, outcome.VerifiedCount)
	assert.Zero(t, outcome.NeedsRevision)
}

func TestVerifierMissingEvidenceIsAnIssue(t *testing.T) {
	stage := NewVerifierStage(&stubCitationVerifier{score: 0.9}, testPipelineConfig())

	narrative := narrativeForStdA(longNarrative(450))
	narrative.Citations = append(narrative.Citations, models.Citation{Sequence: 2, EvidenceID: "ev-ghost"})

	_, outcome := stage.Run(context.Background(), testRunContext(), []models.Narrative{narrative})

	require.Len(t, outcome.Results, 1)
	verification := outcome.Results[0]

	require.Len(t, verification.IssuesFound, 1)
	assert.Equal(t, "Evidence not found: ev-ghost (citation 2)", verification.IssuesFound[0])

	// The missing citation contributes zero but still counts in the mean.
	assert.InDelta(t, 0.45, verification.CitationAccuracy, 1e-9)
	assert.False(t, verification.Verified)
	assert.Equal(t, 1, outcome.NeedsRevision)
}

func TestVerifierNeutralWithoutCapability(t *testing.T) {
	stage := NewVerifierStage(nil, testPipelineConfig())
	narratives := []models.Narrative{narrativeForStdA(longNarrative(450))}

	_, outcome := stage.Run(context.Background(), testRunContext(), narratives)

	require.Len(t, outcome.Results, 1)
	assert.InDelta(t, 0.5, outcome.Results[0].CitationAccuracy, 1e-9)
	// 0.4*0.5 + 0.3*0.85 + 0.3*1.0 = 0.755, below the 0.85 gate.
	assert.False(t, outcome.Results[0].Verified)
}

func TestVerifierCompletenessScalesWithLength(t *testing.T) {
	stage := NewVerifierStage(&stubCitationVerifier{score: 1.0}, testPipelineConfig())

	short := narrativeForStdA("Faculty are qualified. [1]")
	_, outcome := stage.Run(context.Background(), testRunContext(), []models.Narrative{short})

	require.Len(t, outcome.Results, 1)
	assert.Less(t, outcome.Results[0].Completeness, 0.1)
	assert.False(t, outcome.Results[0].Verified)
}

func TestVerifierOverallScoreIsMean(t *testing.T) {
	stage := NewVerifierStage(&stubCitationVerifier{score: 1.0}, testPipelineConfig())

	long := narrativeForStdA(longNarrative(450))
	short := models.Narrative{StandardID: "std-B", Content: "Assessed. [1]", Citations: []models.Citation{{Sequence: 1, EvidenceID: "ev-2"}}}

	result, outcome := stage.Run(context.Background(), testRunContext(), []models.Narrative{long, short})

	require.Len(t, outcome.Results, 2)
	expected := (outcome.Results[0].OverallScore + outcome.Results[1].OverallScore) / 2
	assert.InDelta(t, expected, outcome.OverallScore, 1e-9)
	assert.InDelta(t, expected, result.ConfidenceScore, 1e-9)
}

func TestVerifierNoNarratives(t *testing.T) {
	stage := NewVerifierStage(nil, testPipelineConfig())

	result, outcome := stage.Run(context.Background(), testRunContext(), nil)

	require.True(t, result.Success)
	assert.Empty(t, outcome.Results)
	assert.Zero(t, outcome.OverallScore)
}
