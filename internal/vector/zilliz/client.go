package zilliz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/pkg/logger"
)

const (
	fieldCode      = "code"
	fieldEmbedding = "embedding"
	fieldModel     = "model"
	upsertBatch    = 500
)

// Client keeps catalog embeddings in a Milvus/Zilliz collection and answers
// nearest-neighbour queries with cosine similarity. Hits are hydrated from
// the catalog store so callers get full entries back.
type Client struct {
	client         client.Client
	store          catalog.Store
	collectionName string
	vectorDim      int
	nProbe         int
	cb             *gobreaker.CircuitBreaker
}

func NewClient(endpoint, apiKey, collectionName string, vectorDim, nProbe int, store catalog.Store) (*Client, error) {
	cfg := client.Config{Address: endpoint}
	if apiKey != "" {
		cfg.APIKey = apiKey
		cfg.EnableTLSAuth = true
	}
	c, err := client.NewClient(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Zilliz/Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return newWithClient(c, store, collectionName, vectorDim, nProbe), nil
}

func newWithClient(c client.Client, store catalog.Store, collectionName string, vectorDim, nProbe int) *Client {
	if nProbe <= 0 {
		nProbe = 16
	}
	return &Client{
		client:         c,
		store:          store,
		collectionName: collectionName,
		vectorDim:      vectorDim,
		nProbe:         nProbe,
		cb:             newBreaker(collectionName),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "zilliz:" + name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// A cancelled query says nothing about the cluster.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

func (z *Client) Close() error {
	return z.client.Close()
}

func (z *Client) CreateCollection(ctx context.Context) error {
	has, err := z.client.HasCollection(ctx, z.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}

	if has {
		logger.Info("Collection already exists", zap.String("collection", z.collectionName))
		return z.client.LoadCollection(ctx, z.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: z.collectionName,
		Description:    "HS code embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldCode,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "16",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", z.vectorDim),
				},
			},
			{
				Name:     fieldModel,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "128",
				},
			},
		},
	}

	err = z.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index params: %w", err)
	}
	err = z.client.CreateIndex(ctx, z.collectionName, fieldEmbedding, idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = z.client.LoadCollection(ctx, z.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", z.collectionName))

	return nil
}

// Upsert writes the embedded entries; entries without a vector are skipped.
func (z *Client) Upsert(ctx context.Context, entries []catalog.Entry) (int, error) {
	codes := make([]string, 0, len(entries))
	vectors := make([][]float32, 0, len(entries))
	models := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.HasEmbedding() {
			continue
		}
		if len(e.Embedding) != z.vectorDim {
			return 0, catalog.Configuration("embedding for %s has dimension %d, collection expects %d", e.Code, len(e.Embedding), z.vectorDim)
		}
		codes = append(codes, e.Code)
		vectors = append(vectors, e.Embedding)
		models = append(models, e.EmbeddingModel)
	}
	if len(codes) == 0 {
		return 0, nil
	}

	for start := 0; start < len(codes); start += upsertBatch {
		end := min(start+upsertBatch, len(codes))
		_, err := z.client.Upsert(
			ctx,
			z.collectionName,
			"",
			entity.NewColumnVarChar(fieldCode, codes[start:end]),
			entity.NewColumnFloatVector(fieldEmbedding, z.vectorDim, vectors[start:end]),
			entity.NewColumnVarChar(fieldModel, models[start:end]),
		)
		if err != nil {
			return start, fmt.Errorf("failed to upsert embeddings: %w", err)
		}
	}

	err := z.client.Flush(ctx, z.collectionName, false)
	if err != nil {
		return len(codes), fmt.Errorf("failed to flush: %w", err)
	}

	logger.Info("Embeddings upserted into vector DB", zap.Int("count", len(codes)))

	return len(codes), nil
}

func (z *Client) Delete(ctx context.Context, codes []string) error {
	for start := 0; start < len(codes); start += upsertBatch {
		end := min(start+upsertBatch, len(codes))
		quoted := make([]string, 0, end-start)
		for _, c := range codes[start:end] {
			if !catalog.ValidCode(c) {
				return fmt.Errorf("invalid hs code %q", c)
			}
			quoted = append(quoted, `"`+c+`"`)
		}
		expr := fmt.Sprintf("%s in [%s]", fieldCode, strings.Join(quoted, ","))
		if err := z.client.Delete(ctx, z.collectionName, "", expr); err != nil {
			return fmt.Errorf("failed to delete embeddings: %w", err)
		}
	}
	return nil
}

// SyncReport counts what Sync changed in the collection.
type SyncReport struct {
	Upserted int
	Removed  int
}

// Sync pushes every embedded catalog entry to the collection and removes the
// vectors of entries whose embedding was cleared since the last sync.
func (z *Client) Sync(ctx context.Context) (SyncReport, error) {
	var report SyncReport

	entries, err := z.store.All(ctx)
	if err != nil {
		return report, err
	}

	var cleared []string
	for _, e := range entries {
		if !e.HasEmbedding() {
			cleared = append(cleared, e.Code)
		}
	}
	if err := z.Delete(ctx, cleared); err != nil {
		return report, err
	}
	report.Removed = len(cleared)

	report.Upserted, err = z.Upsert(ctx, entries)
	if err != nil {
		return report, err
	}

	logger.Info("Vector collection synced",
		zap.Int("upserted", report.Upserted),
		zap.Int("removed", report.Removed),
	)
	return report, nil
}

// Nearest searches the collection and hydrates hits from the store. A hit is
// dropped when the catalog no longer has the code, when the entry's embedding
// was cleared, or when the vector was written by a different model than the
// one the entry now carries.
func (z *Client) Nearest(ctx context.Context, vector []float32, topK int) ([]catalog.Neighbor, error) {
	if topK <= 0 {
		return nil, nil
	}
	if len(vector) != z.vectorDim {
		return nil, catalog.Configuration("query vector has dimension %d, collection expects %d", len(vector), z.vectorDim)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(z.nProbe)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	out, err := z.cb.Execute(func() (interface{}, error) {
		return z.client.Search(
			ctx,
			z.collectionName,
			[]string{},
			"",
			[]string{fieldCode, fieldModel},
			[]entity.Vector{entity.FloatVector(vector)},
			fieldEmbedding,
			entity.COSINE,
			topK,
			sp,
		)
	})
	if err != nil {
		return nil, catalog.Transient(err, "zilliz search")
	}
	searchResult, _ := out.([]client.SearchResult)

	results := make([]catalog.Neighbor, 0, topK)
	for _, sr := range searchResult {
		codeCol := sr.Fields.GetColumn(fieldCode)
		if codeCol == nil {
			codeCol = sr.IDs
		}
		modelCol := sr.Fields.GetColumn(fieldModel)

		for i := 0; i < sr.ResultCount; i++ {
			raw, err := codeCol.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read search hit: %w", err)
			}
			code, _ := raw.(string)

			entry, err := z.store.GetByCode(ctx, code)
			if errors.Is(err, catalog.ErrNotFound) {
				logger.Debug("Skipping vector for removed code", zap.String("code", code))
				continue
			}
			if err != nil {
				return nil, err
			}
			if !entry.HasEmbedding() {
				logger.Debug("Skipping vector for unembedded entry", zap.String("code", code))
				continue
			}
			if modelCol != nil {
				if model, err := modelCol.GetAsString(i); err == nil && model != entry.EmbeddingModel {
					logger.Debug("Skipping vector from another model",
						zap.String("code", code),
						zap.String("vector_model", model),
						zap.String("entry_model", entry.EmbeddingModel),
					)
					continue
				}
			}

			results = append(results, catalog.Neighbor{
				Entry:      entry,
				Similarity: catalog.Clamp01(float64(sr.Scores[i])),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}
