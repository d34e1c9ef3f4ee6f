package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkflowTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_workflow_total",
			Help: "Total workflow runs by terminal status",
		},
		[]string{"status"},
	)

	WorkflowRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accred_workflow_rounds",
			Help:    "Rounds executed per workflow",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "accred_stage_duration_seconds",
			Help:    "Per-stage execution duration",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)

	StageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_stage_failures_total",
			Help: "Stage failures by stage and error class",
		},
		[]string{"stage", "error"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	VerificationScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accred_verification_score",
			Help:    "Round-level overall verification scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	MappingConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "accred_mapping_confidence",
			Help:    "Confidence scores of produced mappings",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	GapBucket = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "accred_gap_bucket_count",
			Help: "Standards per gap bucket in the most recent round",
		},
		[]string{"status"},
	)

	EmbeddingCacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_embedding_cache_total",
			Help: "Embedding cache lookups",
		},
		[]string{"outcome"},
	)

	VectorSearchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "accred_vector_search_total",
			Help: "Vector index searches by outcome",
		},
		[]string{"outcome"},
	)
)

func Init() {
	prometheus.MustRegister(WorkflowTotal)
	prometheus.MustRegister(WorkflowRounds)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(StageFailures)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(LLMCost)
	prometheus.MustRegister(VerificationScore)
	prometheus.MustRegister(MappingConfidence)
	prometheus.MustRegister(GapBucket)
	prometheus.MustRegister(EmbeddingCacheHits)
	prometheus.MustRegister(VectorSearchTotal)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
