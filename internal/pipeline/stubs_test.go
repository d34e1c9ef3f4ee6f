package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/matcher"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
)

// stubGenerator answers each role with a scripted response and records the
// call order.
type stubGenerator struct {
	mu        sync.Mutex
	responses map[llm.Role]string
	errs      map[llm.Role]error
	calls     []llm.Role
}

func (g *stubGenerator) Generate(_ context.Context, req llm.GenerateRequest) (*llm.GenerateResponse, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req.Role)
	g.mu.Unlock()

	if err, ok := g.errs[req.Role]; ok {
		return nil, err
	}
	if content, ok := g.responses[req.Role]; ok {
		return &llm.GenerateResponse{Content: content}, nil
	}
	return nil, fmt.Errorf("no scripted response for role %s", req.Role)
}

func (g *stubGenerator) callCount(role llm.Role) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := 0
	for _, call := range g.calls {
		if call == role {
			count++
		}
	}
	return count
}

type stubSuggester struct {
	mu          sync.Mutex
	suggestions map[string][]matcher.Suggestion
	calls       int
}

func (s *stubSuggester) Suggest(_ context.Context, evidence models.EvidenceItem, _ []models.Standard, _ int) []matcher.Suggestion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.suggestions[evidence.ID]
}

type stubCitationVerifier struct {
	score float64
}

func (v *stubCitationVerifier) VerifyCitation(_ context.Context, _, _, _ string) float64 {
	return v.score
}

type fakeStore struct {
	mu    sync.Mutex
	saved map[string]*models.WorkflowResult
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]*models.WorkflowResult)}
}

func (s *fakeStore) SaveWorkflow(_ context.Context, result *models.WorkflowResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved[result.WorkflowID] = result
	return nil
}

func (s *fakeStore) GetWorkflow(_ context.Context, workflowID string) (*models.WorkflowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[workflowID], nil
}

type stubEvidenceStore struct {
	items []models.EvidenceItem
	err   error
}

func (s *stubEvidenceStore) Evidence(_ context.Context, _ string) ([]models.EvidenceItem, error) {
	return s.items, s.err
}

type stubCatalog struct {
	standards []models.Standard
	err       error
}

func (s *stubCatalog) Standards(_ context.Context, _, _ string) ([]models.Standard, error) {
	return s.standards, s.err
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		MappingAcceptance:    0.7,
		ReviewLowerBound:     0.4,
		SimilarityFloor:      0.7,
		CitationThreshold:    0.85,
		FactualAccuracyProxy: 0.85,
		EvidenceSufficiency:  2,
		MaxRounds:            3,
		NarrativeTargetWords: 400,
		SuggestionTopK:       5,
	}
}

func testEvidence() []models.EvidenceItem {
	return []models.EvidenceItem{
		{ID: "ev-1", Title: "Faculty Qualifications Report", Type: models.EvidenceReport, ExtractedText: "All faculty hold terminal degrees in their discipline. Annual credential reviews are documented."},
		{ID: "ev-2", Title: "Assessment Policy", Type: models.EvidencePolicy, ExtractedText: "The institution assesses student learning outcomes on a three-year cycle."},
	}
}

func testStandards() []models.Standard {
	return []models.Standard{
		{ID: "std-A", AccreditorID: "acc-1", Title: "Faculty Qualifications", Description: "Faculty are appropriately qualified.", Weight: 1.0},
		{ID: "std-B", AccreditorID: "acc-1", Title: "Student Assessment", Description: "Learning outcomes are assessed.", Weight: 2.0},
		{ID: "std-C", AccreditorID: "acc-1", Title: "Financial Stability", Description: "Finances are sound.", Weight: 1.0},
	}
}

func testRunContext() *RunContext {
	return &RunContext{
		WorkflowID:      "wf-test",
		InstitutionID:   "inst-1",
		AccreditorID:    "acc-1",
		InstitutionType: "university",
		Evidence:        testEvidence(),
		Standards:       testStandards(),
	}
}

// mapperBatchJSON maps both evidence items to std-A with high confidence.
const mapperBatchJSON = `{
	"mappings": [
		{"evidence_id": "ev-1", "standard_id": "std-A", "confidence_score": 0.9, "reasoning": "directly addresses qualifications", "excerpts": ["All faculty hold terminal degrees in their discipline."]},
		{"evidence_id": "ev-2", "standard_id": "std-A", "confidence_score": 0.8, "reasoning": "credential review process"}
	],
	"unmapped_evidence": [],
	"overall_confidence": 0.85
}`

func longNarrative(words int) string {
	return strings.TrimSpace(strings.Repeat("The institution demonstrates sustained compliance through documented processes. ", (words+7)/8))
}
