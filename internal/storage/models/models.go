package models

import "time"

// EvidenceType classifies an evidence document.
type EvidenceType string

const (
	EvidencePolicy     EvidenceType = "policy"
	EvidenceReport     EvidenceType = "report"
	EvidenceMinutes    EvidenceType = "minutes"
	EvidenceSyllabus   EvidenceType = "syllabus"
	EvidenceAssessment EvidenceType = "assessment"
	EvidenceOther      EvidenceType = "other"
)

// EvidenceItem is an institutional document offered in support of one or
// more standards. Immutable for the duration of a pipeline run; owned by
// the external evidence store.
type EvidenceItem struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Type          EvidenceType `json:"type"`
	ExtractedText string       `json:"extracted_text"`
	Keywords      []string     `json:"keywords,omitempty"`
	Embedding     []float32    `json:"-"`
}

// Standard is one compliance requirement published by an accreditor.
type Standard struct {
	ID                   string   `json:"id"`
	AccreditorID         string   `json:"accreditor_id"`
	Title                string   `json:"title"`
	Description          string   `json:"description"`
	EvidenceRequirements []string `json:"evidence_requirements,omitempty"`
	InstitutionTypes     []string `json:"institution_types,omitempty"`
	Weight               float64  `json:"weight"`
}

// Mapping is an asserted evidence-to-standard relationship produced by the
// mapper stage. ConfidenceScore is always in [0,1].
type Mapping struct {
	EvidenceID      string   `json:"evidence_id"`
	StandardID      string   `json:"standard_id"`
	ConfidenceScore float64  `json:"confidence_score"`
	Reasoning       string   `json:"reasoning,omitempty"`
	Excerpts        []string `json:"excerpts,omitempty"`
	NeedsReview     bool     `json:"needs_review,omitempty"`
}

// GapStatus buckets a standard by compliance risk.
type GapStatus string

const (
	GapRed   GapStatus = "RED"
	GapAmber GapStatus = "AMBER"
	GapGreen GapStatus = "GREEN"
)

// GapRecord is the per-standard gap classification, recomputed every round
// from the accepted mapping set.
type GapRecord struct {
	StandardID            string    `json:"standard_id"`
	Status                GapStatus `json:"status"`
	RiskLevel             string    `json:"risk_level"`
	EvidenceCount         int       `json:"current_evidence_count"`
	RequiredEvidenceTypes []string  `json:"required_evidence_types,omitempty"`
	Priority              int       `json:"priority"`
	Recommendations       []string  `json:"recommendations,omitempty"`
}

// GapSummary counts standards per bucket.
type GapSummary struct {
	Red   int `json:"red"`
	Amber int `json:"amber"`
	Green int `json:"green"`
}

// Citation ties a numbered marker inside a narrative back to an evidence
// item.
type Citation struct {
	Sequence   int    `json:"sequence"`
	EvidenceID string `json:"evidence_id"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt,omitempty"`
	Page       string `json:"page,omitempty"`
}

// Narrative is generated compliance prose for a single standard, produced
// only when the standard has at least one accepted mapping.
type Narrative struct {
	StandardID        string     `json:"standard_id"`
	Title             string     `json:"title"`
	Content           string     `json:"content"`
	Citations         []Citation `json:"citations"`
	WordCount         int        `json:"word_count"`
	CompletenessScore float64    `json:"completeness_score"`
}

// VerificationResult scores one narrative. OverallScore and Verified are
// derived from the three sub-scores and IssuesFound, never set directly.
type VerificationResult struct {
	StandardID       string   `json:"standard_id"`
	CitationAccuracy float64  `json:"citation_accuracy"`
	FactualAccuracy  float64  `json:"factual_accuracy"`
	Completeness     float64  `json:"completeness"`
	OverallScore     float64  `json:"overall_score"`
	Verified         bool     `json:"verified"`
	IssuesFound      []string `json:"issues_found,omitempty"`
}

// AgentResult is the uniform envelope every pipeline stage returns.
type AgentResult struct {
	AgentName       string      `json:"agent_name"`
	Success         bool        `json:"success"`
	Payload         interface{} `json:"payload,omitempty"`
	ConfidenceScore float64     `json:"confidence_score"`
	ExecutionTime   float64     `json:"execution_time_sec"`
	ErrorMessage    string      `json:"error_message,omitempty"`
}

// PipelineRound aggregates the stage results of one mapper/gap/narrator/
// verifier pass.
type PipelineRound struct {
	RoundNumber       int           `json:"round_number"`
	Results           []AgentResult `json:"results"`
	OverallConfidence float64       `json:"overall_confidence"`
	Converged         bool          `json:"converged"`
}

// WorkflowStatus is the terminal (or in-flight) state of a workflow run.
type WorkflowStatus string

const (
	StatusRunning   WorkflowStatus = "running"
	StatusCompleted WorkflowStatus = "completed"
	StatusFailed    WorkflowStatus = "failed"
	StatusStopped   WorkflowStatus = "stopped"
)

// WorkflowSnapshot is the final pipeline state of a run: the accepted
// mappings and everything derived from them in the last completed round.
type WorkflowSnapshot struct {
	Mappings      []Mapping            `json:"mappings"`
	ReviewQueue   []Mapping            `json:"review_queue,omitempty"`
	Unmapped      []string             `json:"unmapped_evidence,omitempty"`
	GapSummary    GapSummary           `json:"gap_summary"`
	Gaps          []GapRecord          `json:"gaps"`
	Narratives    []Narrative          `json:"narratives"`
	Verifications []VerificationResult `json:"verifications"`
}

// WorkflowResult is what every caller receives: terminal status plus the
// full per-round history, even when the run failed.
type WorkflowResult struct {
	WorkflowID    string           `json:"workflow_id"`
	InstitutionID string           `json:"institution_id"`
	AccreditorID  string           `json:"accreditor_id"`
	Status        WorkflowStatus   `json:"status"`
	Rounds        []PipelineRound  `json:"rounds"`
	Snapshot      WorkflowSnapshot `json:"snapshot"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
