package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/storage/models"
)

func acceptedForStdA() []models.Mapping {
	return []models.Mapping{
		{EvidenceID: "ev-1", StandardID: "std-A", ConfidenceScore: 0.9},
		{EvidenceID: "ev-2", StandardID: "std-A", ConfidenceScore: 0.8},
	}
}

func TestGapFinderBuckets(t *testing.T) {
	stage := NewGapFinderStage(nil, testPipelineConfig())
	run := testRunContext()

	result, outcome := stage.Run(context.Background(), run, acceptedForStdA())

	require.True(t, result.Success)
	assert.Equal(t, "gap_finder", result.AgentName)

	assert.Equal(t, 2, outcome.Summary.Red)
	assert.Equal(t, 0, outcome.Summary.Amber)
	assert.Equal(t, 1, outcome.Summary.Green)

	byStandard := make(map[string]models.GapRecord)
	for _, gap := range outcome.Gaps {
		byStandard[gap.StandardID] = gap
	}
	assert.Equal(t, models.GapGreen, byStandard["std-A"].Status)
	assert.Equal(t, models.GapRed, byStandard["std-B"].Status)
	assert.Equal(t, models.GapRed, byStandard["std-C"].Status)
	assert.Equal(t, 2, byStandard["std-A"].EvidenceCount)
}

func TestGapFinderAmberBelowSufficiency(t *testing.T) {
	stage := NewGapFinderStage(nil, testPipelineConfig())
	run := testRunContext()

	accepted := []models.Mapping{{EvidenceID: "ev-1", StandardID: "std-A", ConfidenceScore: 0.9}}
	_, outcome := stage.Run(context.Background(), run, accepted)

	assert.Equal(t, 1, outcome.Summary.Amber)
	for _, gap := range outcome.Gaps {
		if gap.StandardID == "std-A" {
			assert.Equal(t, models.GapAmber, gap.Status)
			assert.Equal(t, "medium", gap.RiskLevel)
			require.NotEmpty(t, gap.Recommendations)
		}
	}
}

func TestGapFinderRanking(t *testing.T) {
	stage := NewGapFinderStage(nil, testPipelineConfig())
	run := testRunContext()

	_, outcome := stage.Run(context.Background(), run, acceptedForStdA())

	// RED before GREEN; among RED, heavier standard first (std-B weight 2.0).
	require.Len(t, outcome.Gaps, 3)
	assert.Equal(t, "std-B", outcome.Gaps[0].StandardID)
	assert.Equal(t, "std-C", outcome.Gaps[1].StandardID)
	assert.Equal(t, "std-A", outcome.Gaps[2].StandardID)
	for i, gap := range outcome.Gaps {
		assert.Equal(t, i+1, gap.Priority)
	}
}

func TestGapFinderDeterministic(t *testing.T) {
	stage := NewGapFinderStage(nil, testPipelineConfig())
	run := testRunContext()

	_, first := stage.Run(context.Background(), run, acceptedForStdA())
	_, second := stage.Run(context.Background(), run, acceptedForStdA())

	assert.Equal(t, first, second)
}

func TestGapFinderConfidenceCapped(t *testing.T) {
	stage := NewGapFinderStage(nil, testPipelineConfig())
	run := testRunContext()

	result, _ := stage.Run(context.Background(), run, acceptedForStdA())

	// gaps/standards + 0.5 = 1.5, capped at 0.95.
	assert.InDelta(t, 0.95, result.ConfidenceScore, 1e-9)
}

func TestGapFinderLLMAdviceReplacesRuleText(t *testing.T) {
	generator := &stubGenerator{responses: map[llm.Role]string{
		llm.RoleGapFinder: `[{"standard_id": "std-B", "recommendations": ["Commission an outcomes assessment report"]}]`,
	}}
	stage := NewGapFinderStage(generator, testPipelineConfig())

	_, outcome := stage.Run(context.Background(), testRunContext(), acceptedForStdA())

	for _, gap := range outcome.Gaps {
		if gap.StandardID == "std-B" {
			assert.Equal(t, []string{"Commission an outcomes assessment report"}, gap.Recommendations)
		}
		if gap.StandardID == "std-C" {
			assert.NotEmpty(t, gap.Recommendations)
		}
	}
	assert.Equal(t, 1, generator.callCount(llm.RoleGapFinder))
}

func TestGapFinderLLMFailureKeepsRuleText(t *testing.T) {
	generator := &stubGenerator{errs: map[llm.Role]error{
		llm.RoleGapFinder: errors.New("rate limited"),
	}}
	stage := NewGapFinderStage(generator, testPipelineConfig())

	result, outcome := stage.Run(context.Background(), testRunContext(), acceptedForStdA())

	require.True(t, result.Success)
	for _, gap := range outcome.Gaps {
		if gap.Status != models.GapGreen {
			assert.NotEmpty(t, gap.Recommendations)
		}
	}
}

func TestGapFinderAllGreenSkipsLLM(t *testing.T) {
	generator := &stubGenerator{}
	cfg := testPipelineConfig()
	cfg.EvidenceSufficiency = 1

	run := testRunContext()
	run.Standards = run.Standards[:1]

	stage := NewGapFinderStage(generator, cfg)
	accepted := []models.Mapping{{EvidenceID: "ev-1", StandardID: "std-A", ConfidenceScore: 0.9}}
	_, outcome := stage.Run(context.Background(), run, accepted)

	assert.Equal(t, 1, outcome.Summary.Green)
	assert.Zero(t, generator.callCount(llm.RoleGapFinder))
}
