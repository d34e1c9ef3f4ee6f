package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/matcher"
	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
	"github.com/accred-agent/backend/pkg/logger"
)

const suggestionConcurrency = 4

// Suggester is the slice of the similarity matcher the mapper consumes.
type Suggester interface {
	Suggest(ctx context.Context, evidence models.EvidenceItem, candidateStandards []models.Standard, topK int) []matcher.Suggestion
}

// MappingOutcome is the mapper stage payload: the partitioned mapping set.
type MappingOutcome struct {
	Accepted          []models.Mapping `json:"accepted"`
	ReviewQueue       []models.Mapping `json:"review_queue,omitempty"`
	Unmapped          []string         `json:"unmapped_evidence,omitempty"`
	OverallConfidence float64          `json:"overall_confidence"`
}

// MapperStage maps evidence items to standards with confidence scores,
// using similarity suggestions as a prior for one batched LLM call.
type MapperStage struct {
	llm       llm.Generator
	suggester Suggester
	cfg       config.PipelineConfig
}

func NewMapperStage(generator llm.Generator, suggester Suggester, cfg config.PipelineConfig) *MapperStage {
	return &MapperStage{
		llm:       generator,
		suggester: suggester,
		cfg:       cfg,
	}
}

// Run issues the similarity lookups concurrently, then a single mapper LLM
// call that consumes every prior. The returned AgentResult always carries
// the stage name and timing, success or not.
func (s *MapperStage) Run(ctx context.Context, run *RunContext) (models.AgentResult, *MappingOutcome) {
	start := time.Now()

	priors := s.collectPriors(ctx, run)

	resp, err := s.llm.Generate(ctx, llm.GenerateRequest{
		Role:         llm.RoleMapper,
		SystemPrompt: mapperSystemPrompt,
		UserPrompt:   s.buildPrompt(run, priors),
		Temperature:  0.1,
		MaxTokens:    3000,
	})
	if err != nil {
		return failedResult("mapper", start, err), nil
	}

	batch, err := parseMappingBatch(resp.Content)
	if err != nil {
		return failedResult("mapper", start, err), nil
	}

	outcome := s.partition(run, batch)

	logger.Info("Evidence mapped",
		zap.String("workflow_id", run.WorkflowID),
		zap.Int("accepted", len(outcome.Accepted)),
		zap.Int("review_queue", len(outcome.ReviewQueue)),
		zap.Int("unmapped", len(outcome.Unmapped)),
	)

	return models.AgentResult{
		AgentName:       "mapper",
		Success:         true,
		Payload:         outcome,
		ConfidenceScore: outcome.OverallConfidence,
		ExecutionTime:   time.Since(start).Seconds(),
	}, outcome
}

// collectPriors fans out the per-evidence similarity lookups; they share
// no mutable state and the LLM call waits on all of them.
func (s *MapperStage) collectPriors(ctx context.Context, run *RunContext) map[string][]matcher.Suggestion {
	priors := make([]([]matcher.Suggestion), len(run.Evidence))
	if s.suggester == nil {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(suggestionConcurrency)

	for i := range run.Evidence {
		i := i
		g.Go(func() error {
			priors[i] = s.suggester.Suggest(gctx, run.Evidence[i], run.Standards, s.cfg.SuggestionTopK)
			return nil
		})
	}
	g.Wait()

	out := make(map[string][]matcher.Suggestion, len(run.Evidence))
	for i, item := range run.Evidence {
		if len(priors[i]) > 0 {
			out[item.ID] = priors[i]
		}
	}
	return out
}

const mapperSystemPrompt = `You are an accreditation analyst. Map institutional evidence documents to the accreditation standards they support.

Rules:
- Only map evidence that substantively addresses a standard.
- confidence_score is your calibrated probability in [0,1] that the mapping holds.
- excerpts are short verbatim quotes from the evidence that justify the mapping.
- List evidence ids that support no standard under unmapped_evidence.

Return JSON only:
{"mappings": [{"evidence_id": "...", "standard_id": "...", "confidence_score": 0.85, "reasoning": "...", "excerpts": ["..."]}], "unmapped_evidence": ["..."], "overall_confidence": 0.8}`

func (s *MapperStage) buildPrompt(run *RunContext, priors map[string][]matcher.Suggestion) string {
	var builder strings.Builder

	fmt.Fprintf(&builder, "Institution: %s (type: %s), accreditor: %s\n\n", run.InstitutionID, run.InstitutionType, run.AccreditorID)

	builder.WriteString("Standards:\n")
	for _, standard := range run.Standards {
		fmt.Fprintf(&builder, "- [%s] %s: %s\n", standard.ID, standard.Title, truncateText(standard.Description, 300))
	}

	builder.WriteString("\nEvidence documents:\n")
	for _, item := range run.Evidence {
		fmt.Fprintf(&builder, "- [%s] %s (type: %s)", item.ID, item.Title, item.Type)
		if len(item.Keywords) > 0 {
			fmt.Fprintf(&builder, " keywords: %s", strings.Join(item.Keywords, ", "))
		}
		fmt.Fprintf(&builder, "\n  %s\n", truncateText(item.ExtractedText, 500))
	}

	if len(priors) > 0 {
		builder.WriteString("\nSimilarity priors (cosine similarity from the vector index, use as a hint):\n")
		ids := make([]string, 0, len(priors))
		for id := range priors {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			for _, suggestion := range priors[id] {
				fmt.Fprintf(&builder, "- evidence %s ~ standard %s (%.2f)\n", id, suggestion.StandardID, suggestion.Similarity)
			}
		}
	}

	builder.WriteString("\nMap every evidence document. Return JSON only.")

	return builder.String()
}

// partition applies the acceptance threshold: mappings at or above it form
// the working set, those in the review band are retained for human review,
// the rest are dropped.
func (s *MapperStage) partition(run *RunContext, batch *rawMappingBatch) *MappingOutcome {
	outcome := &MappingOutcome{
		OverallConfidence: clamp01(batch.OverallConfidence),
	}

	mappedEvidence := make(map[string]bool)

	for _, raw := range batch.Mappings {
		confidence := clamp01(*raw.ConfidenceScore)
		metrics.MappingConfidence.Observe(confidence)

		mapping := models.Mapping{
			EvidenceID:      *raw.EvidenceID,
			StandardID:      *raw.StandardID,
			ConfidenceScore: confidence,
			Reasoning:       raw.Reasoning,
			Excerpts:        raw.Excerpts,
		}

		switch {
		case confidence >= s.cfg.MappingAcceptance:
			outcome.Accepted = append(outcome.Accepted, mapping)
			mappedEvidence[mapping.EvidenceID] = true
		case confidence >= s.cfg.ReviewLowerBound:
			mapping.NeedsReview = true
			outcome.ReviewQueue = append(outcome.ReviewQueue, mapping)
		}
	}

	unmapped := make(map[string]bool)
	for _, id := range batch.UnmappedEvidence {
		unmapped[id] = true
	}
	for _, item := range run.Evidence {
		if !mappedEvidence[item.ID] {
			unmapped[item.ID] = true
		}
	}
	outcome.Unmapped = make([]string, 0, len(unmapped))
	for id := range unmapped {
		outcome.Unmapped = append(outcome.Unmapped, id)
	}
	sort.Strings(outcome.Unmapped)

	return outcome
}

func failedResult(agent string, start time.Time, err error) models.AgentResult {
	metrics.StageFailures.WithLabelValues(agent, errorClass(err)).Inc()
	return models.AgentResult{
		AgentName:     agent,
		Success:       false,
		ExecutionTime: time.Since(start).Seconds(),
		ErrorMessage:  err.Error(),
	}
}

// truncateText cuts s at a rune boundary so prompt text stays valid
// UTF-8.
func truncateText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
