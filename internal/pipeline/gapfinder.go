package pipeline

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
	"github.com/accred-agent/backend/pkg/logger"
)

// GapOutcome is the gap finder payload: bucket counts plus per-standard
// detail.
type GapOutcome struct {
	Summary GapSummary         `json:"gap_summary"`
	Gaps    []models.GapRecord `json:"detailed_gaps"`
}

// GapSummary aliases the model type so the payload JSON keeps the
// documented shape.
type GapSummary = models.GapSummary

// GapFinderStage classifies every standard into a compliance-risk bucket
// from the accepted mapping set. The classification is pure; the LLM is
// only consulted for remediation wording and its failure never fails the
// stage.
type GapFinderStage struct {
	llm llm.Generator
	cfg config.PipelineConfig
}

func NewGapFinderStage(generator llm.Generator, cfg config.PipelineConfig) *GapFinderStage {
	return &GapFinderStage{
		llm: generator,
		cfg: cfg,
	}
}

func (s *GapFinderStage) Run(ctx context.Context, run *RunContext, accepted []models.Mapping) (models.AgentResult, *GapOutcome) {
	start := time.Now()

	outcome := s.classify(run.Standards, accepted)

	if s.llm != nil {
		s.enrichRecommendations(ctx, run, outcome)
	}

	metrics.GapBucket.WithLabelValues(string(models.GapRed)).Set(float64(outcome.Summary.Red))
	metrics.GapBucket.WithLabelValues(string(models.GapAmber)).Set(float64(outcome.Summary.Amber))
	metrics.GapBucket.WithLabelValues(string(models.GapGreen)).Set(float64(outcome.Summary.Green))

	// Completeness proxy, not a statistical confidence.
	confidence := 0.0
	if len(run.Standards) > 0 {
		confidence = math.Min(0.95, float64(len(outcome.Gaps))/float64(len(run.Standards))+0.5)
	}

	logger.Info("Gap analysis completed",
		zap.String("workflow_id", run.WorkflowID),
		zap.Int("red", outcome.Summary.Red),
		zap.Int("amber", outcome.Summary.Amber),
		zap.Int("green", outcome.Summary.Green),
	)

	return models.AgentResult{
		AgentName:       "gap_finder",
		Success:         true,
		Payload:         outcome,
		ConfidenceScore: confidence,
		ExecutionTime:   time.Since(start).Seconds(),
	}, outcome
}

// classify is deterministic: same standards and accepted mappings always
// produce the same gap records in the same order.
func (s *GapFinderStage) classify(standards []models.Standard, accepted []models.Mapping) *GapOutcome {
	evidenceCount := make(map[string]int)
	for _, mapping := range accepted {
		evidenceCount[mapping.StandardID]++
	}

	outcome := &GapOutcome{}
	for _, standard := range standards {
		count := evidenceCount[standard.ID]

		var status models.GapStatus
		var risk string
		switch {
		case count == 0:
			status = models.GapRed
			risk = "high"
			outcome.Summary.Red++
		case count < s.cfg.EvidenceSufficiency:
			status = models.GapAmber
			risk = "medium"
			outcome.Summary.Amber++
		default:
			status = models.GapGreen
			risk = "low"
			outcome.Summary.Green++
		}

		outcome.Gaps = append(outcome.Gaps, models.GapRecord{
			StandardID:            standard.ID,
			Status:                status,
			RiskLevel:             risk,
			EvidenceCount:         count,
			RequiredEvidenceTypes: standard.EvidenceRequirements,
			Recommendations:       defaultRecommendations(standard, status, count),
		})
	}

	s.rank(outcome.Gaps, standards)

	return outcome
}

// rank orders gaps by severity, then standard weight, then id, and assigns
// 1-based priority ranks.
func (s *GapFinderStage) rank(gaps []models.GapRecord, standards []models.Standard) {
	weight := make(map[string]float64, len(standards))
	for _, standard := range standards {
		w := standard.Weight
		if w == 0 {
			w = 1.0
		}
		weight[standard.ID] = w
	}

	severity := map[models.GapStatus]int{
		models.GapRed:   0,
		models.GapAmber: 1,
		models.GapGreen: 2,
	}

	sort.SliceStable(gaps, func(i, j int) bool {
		if severity[gaps[i].Status] != severity[gaps[j].Status] {
			return severity[gaps[i].Status] < severity[gaps[j].Status]
		}
		if weight[gaps[i].StandardID] != weight[gaps[j].StandardID] {
			return weight[gaps[i].StandardID] > weight[gaps[j].StandardID]
		}
		return gaps[i].StandardID < gaps[j].StandardID
	})

	for i := range gaps {
		gaps[i].Priority = i + 1
	}
}

func defaultRecommendations(standard models.Standard, status models.GapStatus, count int) []string {
	switch status {
	case models.GapRed:
		recs := []string{fmt.Sprintf("No accepted evidence for %q. Collect and submit supporting documentation.", standard.Title)}
		for _, required := range standard.EvidenceRequirements {
			recs = append(recs, fmt.Sprintf("Provide %s evidence.", required))
		}
		return recs
	case models.GapAmber:
		return []string{fmt.Sprintf("Only %d evidence item(s) accepted for %q. Add independent corroborating evidence.", count, standard.Title)}
	default:
		return nil
	}
}

const gapAdviceSystemPrompt = `You are an accreditation remediation advisor. For each standard listed, produce 1-3 concrete, prioritized remediation actions.

Return JSON only:
[{"standard_id": "...", "recommendations": ["..."]}]`

// enrichRecommendations asks the LLM for sharper remediation wording on
// red and amber gaps. Best effort: any failure keeps the rule-based text.
func (s *GapFinderStage) enrichRecommendations(ctx context.Context, run *RunContext, outcome *GapOutcome) {
	var builder strings.Builder
	flagged := 0
	for _, gap := range outcome.Gaps {
		if gap.Status == models.GapGreen {
			continue
		}
		flagged++
		fmt.Fprintf(&builder, "- %s (status %s, %d evidence items", gap.StandardID, gap.Status, gap.EvidenceCount)
		if len(gap.RequiredEvidenceTypes) > 0 {
			fmt.Fprintf(&builder, ", requires: %s", strings.Join(gap.RequiredEvidenceTypes, ", "))
		}
		builder.WriteString(")\n")
	}
	if flagged == 0 {
		return
	}

	resp, err := s.llm.Generate(ctx, llm.GenerateRequest{
		Role:         llm.RoleGapFinder,
		SystemPrompt: gapAdviceSystemPrompt,
		UserPrompt:   fmt.Sprintf("Institution %s, accreditor %s. Gapped standards:\n%s", run.InstitutionID, run.AccreditorID, builder.String()),
		Temperature:  0.3,
		MaxTokens:    1200,
	})
	if err != nil {
		logger.Warn("Gap remediation advice unavailable, keeping rule-based recommendations",
			zap.String("workflow_id", run.WorkflowID),
			zap.Error(err),
		)
		return
	}

	advice, err := parseGapAdvice(resp.Content)
	if err != nil {
		logger.Warn("Gap remediation advice unparseable, keeping rule-based recommendations",
			zap.String("workflow_id", run.WorkflowID),
			zap.Error(err),
		)
		return
	}

	byStandard := make(map[string][]string, len(advice))
	for _, a := range advice {
		if len(a.Recommendations) > 0 {
			byStandard[a.StandardID] = a.Recommendations
		}
	}
	for i := range outcome.Gaps {
		if recs, ok := byStandard[outcome.Gaps[i].StandardID]; ok {
			outcome.Gaps[i].Recommendations = recs
		}
	}
}
