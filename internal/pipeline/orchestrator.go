package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/accred-agent/backend/internal/llm"
	"github.com/accred-agent/backend/internal/metrics"
	"github.com/accred-agent/backend/internal/storage/models"
	"github.com/accred-agent/backend/pkg/config"
	"github.com/accred-agent/backend/pkg/logger"
)

// RunContext is the immutable input of one workflow run.
type RunContext struct {
	WorkflowID      string
	InstitutionID   string
	AccreditorID    string
	InstitutionType string
	Evidence        []models.EvidenceItem
	Standards       []models.Standard
}

// ExecuteRequest is the orchestrator's public input surface.
type ExecuteRequest struct {
	InstitutionID   string                `json:"institution_id"`
	AccreditorID    string                `json:"accreditor_id"`
	InstitutionType string                `json:"institution_type"`
	Evidence        []models.EvidenceItem `json:"evidence"`
	Standards       []models.Standard     `json:"standards"`
	MaxRounds       int                   `json:"max_rounds"`
}

// ProgressEvent is published between stages and rounds for streaming
// consumers.
type ProgressEvent struct {
	WorkflowID string `json:"workflow_id"`
	Round      int    `json:"round"`
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// Seeder prepares the vector index for a run and backfills evidence
// embeddings.
type Seeder interface {
	Seed(ctx context.Context, accreditorID string, evidenceItems []models.EvidenceItem, standards []models.Standard) ([]models.EvidenceItem, error)
}

// Store persists workflow results; lookups fall back to it when a run is
// no longer in memory.
type Store interface {
	SaveWorkflow(ctx context.Context, result *models.WorkflowResult) error
	GetWorkflow(ctx context.Context, workflowID string) (*models.WorkflowResult, error)
}

// MappingRecorder receives the accepted mapping set of a completed run.
type MappingRecorder interface {
	RecordMappings(ctx context.Context, institutionID, accreditorID string, evidenceItems []models.EvidenceItem, standards []models.Standard, accepted []models.Mapping) error
}

// EvidenceStore supplies an institution's evidence set when the request
// does not carry one inline. Read-only for the pipeline.
type EvidenceStore interface {
	Evidence(ctx context.Context, institutionID string) ([]models.EvidenceItem, error)
}

// StandardsCatalog supplies an accreditor's published standard set,
// filtered by institution type.
type StandardsCatalog interface {
	Standards(ctx context.Context, accreditorID, institutionType string) ([]models.Standard, error)
}

// Deps are the orchestrator's injected collaborators. LLM is required;
// everything else degrades gracefully when nil.
type Deps struct {
	LLM              llm.Generator
	Suggester        Suggester
	CitationVerifier CitationVerifier
	Seeder           Seeder
	Store            Store
	Recorder         MappingRecorder
	Evidence         EvidenceStore
	Catalog          StandardsCatalog
}

type workflowState struct {
	mu          sync.Mutex
	result      *models.WorkflowResult
	stop        bool
	subscribers []chan ProgressEvent
}

// snapshotResult copies the result under the state lock. An in-flight run
// keeps appending rounds to the live struct, so callers get a detached
// copy they can read and serialize freely.
func (s *workflowState) snapshotResult() *models.WorkflowResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *s.result
	copied.Rounds = append([]models.PipelineRound(nil), s.result.Rounds...)
	if s.result.CompletedAt != nil {
		completedAt := *s.result.CompletedAt
		copied.CompletedAt = &completedAt
	}
	return &copied
}

// Orchestrator drives up to maxRounds passes of
// Mapper -> GapFinder -> Narrator -> Verifier and decides convergence.
type Orchestrator struct {
	deps Deps
	cfg  config.PipelineConfig

	mapper    *MapperStage
	gapFinder *GapFinderStage
	narrator  *NarratorStage
	verifier  *VerifierStage

	mu   sync.RWMutex
	runs map[string]*workflowState
}

func NewOrchestrator(deps Deps, cfg config.PipelineConfig) (*Orchestrator, error) {
	if deps.LLM == nil {
		return nil, fmt.Errorf("%w: llm generator", ErrCapabilityUnavailable)
	}

	return &Orchestrator{
		deps:      deps,
		cfg:       cfg,
		mapper:    NewMapperStage(deps.LLM, deps.Suggester, cfg),
		gapFinder: NewGapFinderStage(deps.LLM, cfg),
		narrator:  NewNarratorStage(deps.LLM, cfg),
		verifier:  NewVerifierStage(deps.CitationVerifier, cfg),
		runs:      make(map[string]*workflowState),
	}, nil
}

// Execute runs a workflow to a terminal status. The returned result always
// carries the full round history, even when the run failed or was stopped.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*models.WorkflowResult, error) {
	run, state, maxRounds, err := o.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	o.execute(ctx, run, state, maxRounds)

	return state.result, nil
}

// Start registers the workflow, launches it in the background, and returns
// its id immediately so callers can stream progress or stop the run while
// it executes. The supplied context covers input resolution only.
func (o *Orchestrator) Start(ctx context.Context, req ExecuteRequest) (string, error) {
	run, state, maxRounds, err := o.prepare(ctx, req)
	if err != nil {
		return "", err
	}

	go o.execute(context.Background(), run, state, maxRounds)

	return run.WorkflowID, nil
}

// prepare resolves missing inputs from the external collaborators, then
// registers the run so Stop, Subscribe and status lookups can find it.
func (o *Orchestrator) prepare(ctx context.Context, req ExecuteRequest) (*RunContext, *workflowState, int, error) {
	if len(req.Evidence) == 0 && o.deps.Evidence != nil {
		items, err := o.deps.Evidence.Evidence(ctx, req.InstitutionID)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("evidence store: %w", err)
		}
		req.Evidence = items
	}
	if len(req.Standards) == 0 && o.deps.Catalog != nil {
		standards, err := o.deps.Catalog.Standards(ctx, req.AccreditorID, req.InstitutionType)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("standards catalog: %w", err)
		}
		req.Standards = standards
	}
	if len(req.Standards) == 0 {
		return nil, nil, 0, ErrNoStandards
	}

	maxRounds := req.MaxRounds
	if maxRounds <= 0 {
		maxRounds = o.cfg.MaxRounds
	}

	run := &RunContext{
		WorkflowID:      uuid.New().String(),
		InstitutionID:   req.InstitutionID,
		AccreditorID:    req.AccreditorID,
		InstitutionType: req.InstitutionType,
		Evidence:        req.Evidence,
		Standards:       req.Standards,
	}

	result := &models.WorkflowResult{
		WorkflowID:    run.WorkflowID,
		InstitutionID: run.InstitutionID,
		AccreditorID:  run.AccreditorID,
		Status:        models.StatusRunning,
		StartedAt:     time.Now().UTC(),
	}

	state := &workflowState{result: result}
	o.mu.Lock()
	o.runs[run.WorkflowID] = state
	o.mu.Unlock()

	logger.Info("Workflow started",
		zap.String("workflow_id", run.WorkflowID),
		zap.String("institution_id", run.InstitutionID),
		zap.String("accreditor_id", run.AccreditorID),
		zap.Int("evidence", len(run.Evidence)),
		zap.Int("standards", len(run.Standards)),
		zap.Int("max_rounds", maxRounds),
	)

	return run, state, maxRounds, nil
}

func (o *Orchestrator) execute(ctx context.Context, run *RunContext, state *workflowState, maxRounds int) {
	if o.deps.Seeder != nil {
		seeded, err := o.deps.Seeder.Seed(ctx, run.AccreditorID, run.Evidence, run.Standards)
		if err != nil {
			// Suggestions degrade without the index; the run continues.
			logger.Warn("Index seeding failed", zap.String("workflow_id", run.WorkflowID), zap.Error(err))
		}
		if seeded != nil {
			run.Evidence = seeded
		}
	}

	o.runRounds(ctx, run, state, maxRounds)

	o.finish(ctx, run, state)
}

func (o *Orchestrator) runRounds(ctx context.Context, run *RunContext, state *workflowState, maxRounds int) {
	var mapping *MappingOutcome
	var mapperResult models.AgentResult

	for roundNumber := 1; roundNumber <= maxRounds; roundNumber++ {
		if o.stopRequested(state) {
			o.setStatus(state, models.StatusStopped, "stopped before round start")
			return
		}

		round := models.PipelineRound{RoundNumber: roundNumber}

		// The mapper runs once; later rounds reuse the accepted set.
		if roundNumber == 1 {
			o.publish(state, ProgressEvent{WorkflowID: run.WorkflowID, Round: roundNumber, Stage: "mapper", Status: "running"})
			mapperResult, mapping = o.timedMapper(ctx, run)
			round.Results = append(round.Results, mapperResult)
			if !mapperResult.Success {
				o.failRound(state, round, mapperResult)
				return
			}
		}

		if o.stopRequested(state) {
			o.appendRound(state, round)
			o.setStatus(state, models.StatusStopped, "stopped between stages")
			return
		}

		o.publish(state, ProgressEvent{WorkflowID: run.WorkflowID, Round: roundNumber, Stage: "gap_finder", Status: "running"})
		gapResult, gaps := o.timedGapFinder(ctx, run, mapping.Accepted)
		round.Results = append(round.Results, gapResult)
		if !gapResult.Success {
			o.failRound(state, round, gapResult)
			return
		}

		if o.stopRequested(state) {
			o.appendRound(state, round)
			o.setStatus(state, models.StatusStopped, "stopped between stages")
			return
		}

		o.publish(state, ProgressEvent{WorkflowID: run.WorkflowID, Round: roundNumber, Stage: "narrator", Status: "running"})
		narratorResult, narratives := o.timedNarrator(ctx, run, mapping.Accepted)
		round.Results = append(round.Results, narratorResult)
		if !narratorResult.Success {
			o.failRound(state, round, narratorResult)
			return
		}

		if o.stopRequested(state) {
			o.appendRound(state, round)
			o.setStatus(state, models.StatusStopped, "stopped between stages")
			return
		}

		o.publish(state, ProgressEvent{WorkflowID: run.WorkflowID, Round: roundNumber, Stage: "verifier", Status: "running"})
		verifierResult, verification := o.timedVerifier(ctx, run, narratives.Narratives)
		round.Results = append(round.Results, verifierResult)
		if !verifierResult.Success {
			o.failRound(state, round, verifierResult)
			return
		}

		round.OverallConfidence = meanConfidence(round.Results)
		round.Converged = verification.OverallScore >= o.cfg.CitationThreshold
		o.appendRound(state, round)

		o.updateSnapshot(state, mapping, gaps, narratives, verification)

		o.publish(state, ProgressEvent{
			WorkflowID: run.WorkflowID,
			Round:      roundNumber,
			Stage:      "round",
			Status:     "complete",
			Message:    fmt.Sprintf("verification score %.3f", verification.OverallScore),
		})

		if round.Converged {
			o.setStatus(state, models.StatusCompleted, "")
			return
		}

		if roundNumber == maxRounds {
			o.setStatus(state, models.StatusFailed, fmt.Sprintf("%v after %d rounds (score %.3f below threshold %.2f)",
				ErrNotConverged, maxRounds, verification.OverallScore, o.cfg.CitationThreshold))
			return
		}

		logger.Info("Round did not converge, continuing",
			zap.String("workflow_id", run.WorkflowID),
			zap.Int("round", roundNumber),
			zap.Float64("score", verification.OverallScore),
		)
	}
}

func (o *Orchestrator) timedMapper(ctx context.Context, run *RunContext) (models.AgentResult, *MappingOutcome) {
	start := time.Now()
	result, outcome := o.mapper.Run(ctx, run)
	metrics.StageDuration.WithLabelValues("mapper").Observe(time.Since(start).Seconds())
	return result, outcome
}

func (o *Orchestrator) timedGapFinder(ctx context.Context, run *RunContext, accepted []models.Mapping) (models.AgentResult, *GapOutcome) {
	start := time.Now()
	result, outcome := o.gapFinder.Run(ctx, run, accepted)
	metrics.StageDuration.WithLabelValues("gap_finder").Observe(time.Since(start).Seconds())
	return result, outcome
}

func (o *Orchestrator) timedNarrator(ctx context.Context, run *RunContext, accepted []models.Mapping) (models.AgentResult, *NarratorOutcome) {
	start := time.Now()
	result, outcome := o.narrator.Run(ctx, run, accepted)
	metrics.StageDuration.WithLabelValues("narrator").Observe(time.Since(start).Seconds())
	return result, outcome
}

func (o *Orchestrator) timedVerifier(ctx context.Context, run *RunContext, narratives []models.Narrative) (models.AgentResult, *VerifierOutcome) {
	start := time.Now()
	result, outcome := o.verifier.Run(ctx, run, narratives)
	metrics.StageDuration.WithLabelValues("verifier").Observe(time.Since(start).Seconds())
	return result, outcome
}

func (o *Orchestrator) failRound(state *workflowState, round models.PipelineRound, failed models.AgentResult) {
	o.appendRound(state, round)
	o.setStatus(state, models.StatusFailed, fmt.Sprintf("%s stage failed: %s", failed.AgentName, failed.ErrorMessage))
}

func (o *Orchestrator) finish(ctx context.Context, run *RunContext, state *workflowState) {
	state.mu.Lock()
	result := state.result
	if result.Status == models.StatusRunning {
		result.Status = models.StatusStopped
	}
	now := time.Now().UTC()
	result.CompletedAt = &now
	status := result.Status
	state.mu.Unlock()

	metrics.WorkflowTotal.WithLabelValues(string(status)).Inc()
	metrics.WorkflowRounds.Observe(float64(len(result.Rounds)))

	o.publish(state, ProgressEvent{WorkflowID: run.WorkflowID, Stage: "workflow", Status: string(status)})
	o.closeSubscribers(state)

	if o.deps.Store != nil {
		if err := o.deps.Store.SaveWorkflow(ctx, result); err != nil {
			logger.Error("Failed to persist workflow result",
				zap.String("workflow_id", run.WorkflowID),
				zap.Error(err),
			)
		}
	}

	if o.deps.Recorder != nil && status == models.StatusCompleted {
		if err := o.deps.Recorder.RecordMappings(ctx, run.InstitutionID, run.AccreditorID, run.Evidence, run.Standards, state.result.Snapshot.Mappings); err != nil {
			logger.Warn("Failed to record mapping graph",
				zap.String("workflow_id", run.WorkflowID),
				zap.Error(err),
			)
		}
	}

	logger.Info("Workflow finished",
		zap.String("workflow_id", run.WorkflowID),
		zap.String("status", string(status)),
		zap.Int("rounds", len(result.Rounds)),
	)
}

// Stop requests cooperative cancellation; it is honored between stages,
// never mid-stage.
func (o *Orchestrator) Stop(workflowID string) error {
	o.mu.RLock()
	state, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return ErrWorkflowNotFound
	}

	state.mu.Lock()
	state.stop = true
	state.mu.Unlock()

	logger.Info("Workflow stop requested", zap.String("workflow_id", workflowID))
	return nil
}

// GetStatus reports the current status, consulting the store for runs that
// are no longer in memory.
func (o *Orchestrator) GetStatus(ctx context.Context, workflowID string) (models.WorkflowStatus, error) {
	o.mu.RLock()
	state, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if ok {
		state.mu.Lock()
		defer state.mu.Unlock()
		return state.result.Status, nil
	}

	if o.deps.Store != nil {
		result, err := o.deps.Store.GetWorkflow(ctx, workflowID)
		if err == nil && result != nil {
			return result.Status, nil
		}
	}

	return "", ErrWorkflowNotFound
}

// GetResult returns the full workflow result, including round history.
// For a run that is still executing the copy is a consistent point-in-time
// view, detached from the live round list.
func (o *Orchestrator) GetResult(ctx context.Context, workflowID string) (*models.WorkflowResult, error) {
	o.mu.RLock()
	state, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if ok {
		return state.snapshotResult(), nil
	}

	if o.deps.Store != nil {
		result, err := o.deps.Store.GetWorkflow(ctx, workflowID)
		if err == nil && result != nil {
			return result, nil
		}
	}

	return nil, ErrWorkflowNotFound
}

// Subscribe returns a channel of progress events for a running workflow
// and a cancel function. The channel closes when the workflow finishes.
func (o *Orchestrator) Subscribe(workflowID string) (<-chan ProgressEvent, func(), error) {
	o.mu.RLock()
	state, ok := o.runs[workflowID]
	o.mu.RUnlock()
	if !ok {
		return nil, nil, ErrWorkflowNotFound
	}

	ch := make(chan ProgressEvent, 64)
	state.mu.Lock()
	state.subscribers = append(state.subscribers, ch)
	state.mu.Unlock()

	cancel := func() {
		state.mu.Lock()
		defer state.mu.Unlock()
		for i, sub := range state.subscribers {
			if sub == ch {
				state.subscribers = append(state.subscribers[:i], state.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}

	return ch, cancel, nil
}

func (o *Orchestrator) stopRequested(state *workflowState) bool {
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.stop
}

func (o *Orchestrator) setStatus(state *workflowState, status models.WorkflowStatus, errorMessage string) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.result.Status = status
	if errorMessage != "" {
		state.result.ErrorMessage = errorMessage
	}
}

func (o *Orchestrator) appendRound(state *workflowState, round models.PipelineRound) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.result.Rounds = append(state.result.Rounds, round)
}

func (o *Orchestrator) updateSnapshot(state *workflowState, mapping *MappingOutcome, gaps *GapOutcome, narratives *NarratorOutcome, verification *VerifierOutcome) {
	state.mu.Lock()
	defer state.mu.Unlock()
	state.result.Snapshot = models.WorkflowSnapshot{
		Mappings:      mapping.Accepted,
		ReviewQueue:   mapping.ReviewQueue,
		Unmapped:      mapping.Unmapped,
		GapSummary:    gaps.Summary,
		Gaps:          gaps.Gaps,
		Narratives:    narratives.Narratives,
		Verifications: verification.Results,
	}
}

func (o *Orchestrator) publish(state *workflowState, event ProgressEvent) {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, sub := range state.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}

func (o *Orchestrator) closeSubscribers(state *workflowState) {
	state.mu.Lock()
	defer state.mu.Unlock()
	for _, sub := range state.subscribers {
		close(sub)
	}
	state.subscribers = nil
}

func meanConfidence(results []models.AgentResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, result := range results {
		sum += result.ConfidenceScore
	}
	return sum / float64(len(results))
}
