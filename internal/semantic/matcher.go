package semantic

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/llm"
	"github.com/hs-classifier/backend/internal/metrics"
	"github.com/hs-classifier/backend/internal/textproc"
	"github.com/hs-classifier/backend/pkg/logger"
)

// EmbeddingCache stores query vectors keyed by model and normalized text.
type EmbeddingCache interface {
	GetEmbedding(ctx context.Context, model, text string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, model, text string, vector []float32, ttl time.Duration) error
}

type Config struct {
	// CatalogModel is the embedding model the catalog vectors were built with.
	CatalogModel string
	TopK         int
	CacheTTL     time.Duration
}

type Matcher struct {
	embedder llm.Embedder
	index    catalog.VectorIndex
	cache    EmbeddingCache
	cfg      Config
}

// NewMatcher fails when the query embedder and the catalog disagree on the
// model, since vectors from different models are not comparable.
func NewMatcher(embedder llm.Embedder, index catalog.VectorIndex, cfg Config) (*Matcher, error) {
	if cfg.CatalogModel != "" && embedder.Model() != cfg.CatalogModel {
		return nil, catalog.Configuration("query embedder uses %s but the catalog was embedded with %s", embedder.Model(), cfg.CatalogModel)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Matcher{embedder: embedder, index: index, cfg: cfg}, nil
}

func (m *Matcher) WithCache(cache EmbeddingCache) *Matcher {
	m.cache = cache
	return m
}

// Match embeds the query and returns the topK nearest embedded entries with
// confidence equal to the clamped cosine similarity.
func (m *Matcher) Match(ctx context.Context, query string, topK int) ([]catalog.Candidate, error) {
	text := textproc.Normalize(query)
	if text == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = m.cfg.TopK
	}

	vector, err := m.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	neighbors, err := m.index.Nearest(ctx, vector, topK)
	if err != nil {
		return nil, eris.Wrap(err, "vector search")
	}

	out := make([]catalog.Candidate, 0, len(neighbors))
	for _, n := range neighbors {
		out = append(out, catalog.NewCandidate(n.Entry, n.Similarity, catalog.StageSemantic))
	}
	catalog.SortCandidates(out)
	return out, nil
}

func (m *Matcher) embedQuery(ctx context.Context, text string) ([]float32, error) {
	model := m.embedder.Model()
	if m.cache != nil {
		vec, ok, err := m.cache.GetEmbedding(ctx, model, text)
		switch {
		case err != nil:
			logger.Warn("query embedding cache read failed", zap.Error(err))
		case ok:
			metrics.CacheHits.WithLabelValues("query_embedding").Inc()
			return vec, nil
		default:
			metrics.CacheMisses.WithLabelValues("query_embedding").Inc()
		}
	}

	vectors, err := m.embedder.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, catalog.Malformed("embedder returned %d vectors for one query", len(vectors))
	}

	if m.cache != nil {
		if err := m.cache.SetEmbedding(ctx, model, text, vectors[0], m.cfg.CacheTTL); err != nil {
			logger.Warn("query embedding cache write failed", zap.Error(err))
		}
	}
	return vectors[0], nil
}
