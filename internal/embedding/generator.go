package embedding

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/llm"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/pkg/logger"
	"github.com/hs-classifier/backend/pkg/retry"
)

type Config struct {
	BatchSize      int
	BatchDelay     time.Duration
	FailureBackoff time.Duration
	// Dimension, when set, rejects vectors of any other length.
	Dimension int
}

type Options struct {
	BatchSize int
	// Resume skips entries that already carry an embedding. Resume=false
	// re-embeds everything, which is also how a model change is applied.
	Resume   bool
	Progress func(done, total int)
}

type Report struct {
	Processed   int      `json:"processed"`
	Skipped     int      `json:"skipped"`
	Failed      int      `json:"failed"`
	FailedCodes []string `json:"failed_codes,omitempty"`
	Batches     int      `json:"batches"`
}

type Generator struct {
	store    catalog.Store
	embedder llm.Embedder
	cfg      Config
	limiter  *rate.Limiter
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewGenerator(store catalog.Store, embedder llm.Embedder, cfg Config) *Generator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.BatchDelay > 0 {
		limit = rate.Every(cfg.BatchDelay)
	}
	return &Generator{
		store:    store,
		embedder: embedder,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
	}
}

// Run embeds catalog entries batch by batch in code order. A failed batch is
// reported and skipped; only configuration problems and cancellation stop
// the run early, leaving finished batches stored.
func (g *Generator) Run(ctx context.Context, opts Options) (Report, error) {
	var report Report

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = g.cfg.BatchSize
	}
	model := g.embedder.Model()

	if opts.Resume {
		if err := g.checkModel(ctx, model); err != nil {
			return report, err
		}
	}

	all, err := g.store.All(ctx)
	if err != nil {
		return report, eris.Wrap(err, "failed to list catalog entries")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })

	byCode := make(map[string]catalog.Entry, len(all))
	todo := make([]catalog.Entry, 0, len(all))
	for _, e := range all {
		byCode[e.Code] = e
		if opts.Resume && e.HasEmbedding() {
			report.Skipped++
			continue
		}
		todo = append(todo, e)
	}

	logger.Info("embedding run started",
		zap.String("model", model),
		zap.Int("pending", len(todo)),
		zap.Int("skipped", report.Skipped),
		zap.Int("batch_size", batchSize),
		zap.Bool("resume", opts.Resume),
	)

	for start := 0; start < len(todo); start += batchSize {
		end := min(start+batchSize, len(todo))
		batch := todo[start:end]

		if err := g.limiter.Wait(ctx); err != nil {
			return report, eris.Wrap(err, "embedding run interrupted")
		}

		texts := make([]string, len(batch))
		for i, e := range batch {
			texts[i] = CompositeText(e, byCode)
		}

		vectors, err := g.embedWithRetry(ctx, texts)
		report.Batches++
		if err != nil {
			if ctx.Err() != nil {
				return report, eris.Wrap(ctx.Err(), "embedding run interrupted")
			}
			if errors.Is(err, catalog.ErrConfiguration) {
				return report, err
			}
			metrics.EmbeddingBatches.WithLabelValues("failed").Inc()
			g.markFailed(&report, batch)
			logger.Warn("embedding batch failed, skipping",
				zap.String("first_code", batch[0].Code),
				zap.String("last_code", batch[len(batch)-1].Code),
				zap.Error(err),
			)
			continue
		}

		for i, e := range batch {
			vec := vectors[i]
			if g.cfg.Dimension > 0 && len(vec) != g.cfg.Dimension {
				return report, catalog.Configuration("model %s returned %d dimensions, catalog expects %d", model, len(vec), g.cfg.Dimension)
			}
			if err := g.store.UpsertEmbedding(ctx, e.Code, vec, model); err != nil {
				logger.Warn("failed to store embedding", zap.String("hs_code", e.Code), zap.Error(err))
				g.markFailed(&report, []catalog.Entry{e})
				continue
			}
			report.Processed++
		}
		metrics.EmbeddingBatches.WithLabelValues("ok").Inc()

		if opts.Progress != nil {
			opts.Progress(end, len(todo))
		}
		logger.Debug("embedding batch stored",
			zap.Int("batch", report.Batches),
			zap.Int("done", end),
			zap.Int("total", len(todo)),
		)
	}

	embedded := report.Skipped + report.Processed
	metrics.CatalogEntries.WithLabelValues("true").Set(float64(embedded))
	metrics.CatalogEntries.WithLabelValues("false").Set(float64(len(all) - embedded))

	logger.Info("embedding run finished",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// Reset clears the embeddings of the given codes so the next resumed run
// embeds them again, e.g. after their names were corrected by hand.
func (g *Generator) Reset(ctx context.Context, codes []string) error {
	for _, code := range codes {
		if err := g.store.ClearEmbedding(ctx, code); err != nil {
			return eris.Wrapf(err, "failed to clear embedding for %s", code)
		}
	}
	logger.Info("embeddings cleared", zap.Strings("codes", codes))
	return nil
}

func (g *Generator) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	cfg := retry.Once(g.cfg.FailureBackoff, llm.IsTransient)
	cfg.Logger = logger.GetLogger()
	cfg.Operation = "embed_batch"
	if g.sleep != nil {
		cfg = cfg.WithSleep(g.sleep)
	}

	vectors, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) ([][]float32, error) {
		return g.embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, catalog.Malformed("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// checkModel refuses a resume run that would mix vectors from two models.
func (g *Generator) checkModel(ctx context.Context, model string) error {
	models, err := g.store.EmbeddingModels(ctx)
	if err != nil {
		return eris.Wrap(err, "failed to read stored embedding models")
	}
	for _, m := range models {
		if m != model {
			return catalog.Configuration("catalog holds %s embeddings but the embedder uses %s; re-run without resume to rebuild", m, model)
		}
	}
	return nil
}

func (g *Generator) markFailed(report *Report, entries []catalog.Entry) {
	report.Failed += len(entries)
	for _, e := range entries {
		report.FailedCodes = append(report.FailedCodes, e.Code)
	}
}
