package pipeline

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/evidence"
	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
	"github.com/accred-agent/backend/pkg/logger"
)

const citationExcerptLen = 300

// NarratorOutcome is the narrator payload: one narrative per standard that
// has at least one accepted mapping.
type NarratorOutcome struct {
	Narratives []models.Narrative `json:"narratives"`
}

// NarratorStage generates cited compliance prose for every standard in the
// accepted mapping set.
type NarratorStage struct {
	llm llm.Generator
	cfg config.PipelineConfig
}

func NewNarratorStage(generator llm.Generator, cfg config.PipelineConfig) *NarratorStage {
	return &NarratorStage{
		llm: generator,
		cfg: cfg,
	}
}

func (s *NarratorStage) Run(ctx context.Context, run *RunContext, accepted []models.Mapping) (models.AgentResult, *NarratorOutcome) {
	start := time.Now()

	grouped := groupByStandard(accepted)
	evidenceByID := indexEvidence(run.Evidence)

	outcome := &NarratorOutcome{}
	var completenessSum float64

	for _, standard := range run.Standards {
		mappings, ok := grouped[standard.ID]
		if !ok {
			continue
		}

		narrative, err := s.narrate(ctx, run, standard, mappings, evidenceByID)
		if err != nil {
			return failedResult("narrator", start, err), nil
		}

		outcome.Narratives = append(outcome.Narratives, *narrative)
		completenessSum += narrative.CompletenessScore
	}

	confidence := 0.0
	if len(outcome.Narratives) > 0 {
		confidence = completenessSum / float64(len(outcome.Narratives))
	}

	logger.Info("Narratives generated",
		zap.String("workflow_id", run.WorkflowID),
		zap.Int("narratives", len(outcome.Narratives)),
		zap.Float64("mean_completeness", confidence),
	)

	return models.AgentResult{
		AgentName:       "narrator",
		Success:         true,
		Payload:         outcome,
		ConfidenceScore: confidence,
		ExecutionTime:   time.Since(start).Seconds(),
	}, outcome
}

const narratorSystemPrompt = `You are an accreditation narrative writer. Write compliance prose demonstrating how the institution meets one standard, citing the provided evidence with numbered markers [1], [2], ... in order of first use.

Requirements:
- 300-500 words of formal narrative prose.
- Every claim tied to evidence carries a citation marker.
- Prefer returning JSON: {"standard_id": "...", "title": "...", "content": "...", "citations": [{"sequence": 1, "evidence_id": "...", "title": "...", "excerpt": "...", "page": "..."}]}`

func (s *NarratorStage) narrate(ctx context.Context, run *RunContext, standard models.Standard, mappings []models.Mapping, evidenceByID map[string]models.EvidenceItem) (*models.Narrative, error) {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Institution: %s. Standard [%s] %s: %s\n\nEvidence to cite, in order:\n", run.InstitutionID, standard.ID, standard.Title, standard.Description)
	for i, mapping := range mappings {
		item := evidenceByID[mapping.EvidenceID]
		fmt.Fprintf(&builder, "[%d] %s (id %s)\n%s\n", i+1, item.Title, item.ID, truncateText(item.ExtractedText, 600))
	}

	resp, err := s.llm.Generate(ctx, llm.GenerateRequest{
		Role:         llm.RoleNarrator,
		SystemPrompt: narratorSystemPrompt,
		UserPrompt:   builder.String(),
		Temperature:  0.2,
		MaxTokens:    1500,
	})
	if err != nil {
		return nil, err
	}

	parsed, _ := parseNarrative(resp.Content)
	if parsed != nil {
		return s.fromStructured(standard, parsed, mappings, evidenceByID), nil
	}

	return s.fromProse(standard, resp.Content, mappings, evidenceByID), nil
}

func (s *NarratorStage) fromStructured(standard models.Standard, parsed *rawNarrative, mappings []models.Mapping, evidenceByID map[string]models.EvidenceItem) *models.Narrative {
	narrative := &models.Narrative{
		StandardID: standard.ID,
		Title:      parsed.Title,
		Content:    parsed.Content,
	}
	if narrative.Title == "" {
		narrative.Title = standard.Title
	}

	for i, c := range parsed.Citations {
		sequence := c.Sequence
		if sequence == 0 {
			sequence = i + 1
		}
		title := c.Title
		if title == "" {
			title = evidenceByID[c.EvidenceID].Title
		}
		narrative.Citations = append(narrative.Citations, models.Citation{
			Sequence:   sequence,
			EvidenceID: c.EvidenceID,
			Title:      title,
			Excerpt:    c.Excerpt,
			Page:       c.Page,
		})
	}
	if len(narrative.Citations) == 0 {
		narrative.Citations = s.synthesizeCitations(mappings, evidenceByID)
	}

	s.score(narrative, parsed.CompletenessScore)
	return narrative
}

// fromProse handles a model that ignored the JSON shape: the raw text
// becomes the content and citations are synthesized from the evidence
// grouping order. Page detail is lost and recorded as unknown.
func (s *NarratorStage) fromProse(standard models.Standard, content string, mappings []models.Mapping, evidenceByID map[string]models.EvidenceItem) *models.Narrative {
	narrative := &models.Narrative{
		StandardID: standard.ID,
		Title:      standard.Title,
		Content:    strings.TrimSpace(content),
		Citations:  s.synthesizeCitations(mappings, evidenceByID),
	}
	s.score(narrative, nil)
	return narrative
}

func (s *NarratorStage) synthesizeCitations(mappings []models.Mapping, evidenceByID map[string]models.EvidenceItem) []models.Citation {
	citations := make([]models.Citation, 0, len(mappings))
	for i, mapping := range mappings {
		item := evidenceByID[mapping.EvidenceID]
		excerpt := ""
		if len(mapping.Excerpts) > 0 {
			excerpt = mapping.Excerpts[0]
		} else {
			excerpt = evidence.LeadingExcerpt(item.ExtractedText, citationExcerptLen)
		}
		citations = append(citations, models.Citation{
			Sequence:   i + 1,
			EvidenceID: mapping.EvidenceID,
			Title:      item.Title,
			Excerpt:    excerpt,
			Page:       "unknown",
		})
	}
	return citations
}

func (s *NarratorStage) score(narrative *models.Narrative, supplied *float64) {
	narrative.WordCount = len(strings.Fields(narrative.Content))
	if supplied != nil {
		narrative.CompletenessScore = clamp01(*supplied)
		return
	}
	target := s.cfg.NarrativeTargetWords
	if target <= 0 {
		target = 400
	}
	narrative.CompletenessScore = math.Min(1.0, float64(narrative.WordCount)/float64(target))
}

// groupByStandard preserves the order mappings appear in the accepted set,
// which fixes citation numbering.
func groupByStandard(mappings []models.Mapping) map[string][]models.Mapping {
	grouped := make(map[string][]models.Mapping)
	for _, mapping := range mappings {
		grouped[mapping.StandardID] = append(grouped[mapping.StandardID], mapping)
	}
	return grouped
}

func indexEvidence(items []models.EvidenceItem) map[string]models.EvidenceItem {
	byID := make(map[string]models.EvidenceItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	return byID
}
