package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ClassifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hscode_classify_duration_seconds",
			Help:    "Classification latency in seconds by final status",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"status"},
	)

	ClassifyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_classify_total",
			Help: "Classifications by final status and resolving stage",
		},
		[]string{"status", "stage"},
	)

	StageResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_stage_results_total",
			Help: "Stage invocations by outcome (hit, empty, degraded)",
		},
		[]string{"stage", "outcome"},
	)

	TopConfidence = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hscode_top_confidence",
			Help:    "Confidence of the best candidate per classification",
			Buckets: []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1},
		},
		[]string{"stage"},
	)

	GPTRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hscode_gpt_rounds",
			Help:    "Model-assisted rounds per classification",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		},
	)

	LLMCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_llm_calls_total",
			Help: "External model calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_llm_tokens_used",
			Help: "Model tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_cache_hits_total",
			Help: "Cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_cache_misses_total",
			Help: "Cache misses by cache name",
		},
		[]string{"cache"},
	)

	EmbeddingBatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_embedding_batches_total",
			Help: "Embedding generator batches by outcome",
		},
		[]string{"outcome"},
	)

	CatalogEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hscode_catalog_entries",
			Help: "Catalog entries by embedding state",
		},
		[]string{"embedded"},
	)

	Selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hscode_selections_total",
			Help: "User selections by whether the selected code was the top candidate",
		},
		[]string{"top"},
	)
)

var once sync.Once

// Init registers the collectors with the default registry. Safe to call twice.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			ClassifyDuration,
			ClassifyTotal,
			StageResults,
			TopConfidence,
			GPTRounds,
			LLMCalls,
			LLMTokensUsed,
			CacheHits,
			CacheMisses,
			EmbeddingBatches,
			CatalogEntries,
			Selections,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
