// Package app assembles the classifier and its dependencies from
// configuration. The API server and the operator CLI share it.
package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	rediscache "github.com/hs-classifier/backend/internal/cache/redis"
	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/classifier"
	"github.com/hs-classifier/backend/internal/embedding"
	"github.com/hs-classifier/backend/internal/evaluation"
	"github.com/hs-classifier/backend/internal/hierarchy"
	"github.com/hs-classifier/backend/internal/ingestion"
	"github.com/hs-classifier/backend/internal/lexical"
	"github.com/hs-classifier/backend/internal/llm"
	"github.com/hs-classifier/backend/internal/resolver"
	"github.com/hs-classifier/backend/internal/searchlog"
	"github.com/hs-classifier/backend/internal/semantic"
	"github.com/hs-classifier/backend/internal/storage/postgres"
	"github.com/hs-classifier/backend/internal/storage/sqlite"
	"github.com/hs-classifier/backend/internal/vector/zilliz"
	"github.com/hs-classifier/backend/pkg/config"
	"github.com/hs-classifier/backend/pkg/logger"
)

// indexedStore is what every catalog driver provides.
type indexedStore interface {
	catalog.Store
	catalog.VectorIndex
}

type App struct {
	cfg *config.Config

	Store  catalog.Store
	Index  catalog.VectorIndex
	Cache  *rediscache.Client
	Zilliz *zilliz.Client

	searchRepo searchlog.Repository
	recorder   evaluation.RunRecorder
	checks     map[string]func(ctx context.Context) error
	closers    []func()
}

// Open connects the catalog store and the optional Redis cache and Zilliz
// index. Model clients are created lazily since ingestion needs none.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{
		cfg:    cfg,
		checks: make(map[string]func(ctx context.Context) error),
	}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	a.Index = store

	if cfg.Redis.Enabled {
		cache, err := rediscache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.Close()
			return nil, eris.Wrap(err, "open redis cache")
		}
		a.Cache = cache
		a.checks["redis"] = cache.Ping
		a.closers = append(a.closers, func() { _ = cache.Close() })
	}

	if cfg.Catalog.VectorIndex == "zilliz" {
		z, err := zilliz.NewClient(
			cfg.Zilliz.Endpoint,
			cfg.Zilliz.APIKey,
			cfg.Zilliz.CollectionName,
			cfg.Zilliz.VectorDim,
			cfg.Zilliz.NProbe,
			store,
		)
		if err != nil {
			a.Close()
			return nil, eris.Wrap(err, "open zilliz index")
		}
		a.closers = append(a.closers, func() { _ = z.Close() })
		if err := z.CreateCollection(ctx); err != nil {
			a.Close()
			return nil, eris.Wrap(err, "prepare zilliz collection")
		}
		a.Zilliz = z
		a.Index = z
	}

	if cfg.Catalog.Driver == "memory" && cfg.Catalog.SeedFile != "" {
		if err := a.loadSeedFile(ctx, cfg.Catalog.SeedFile); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

func (a *App) openStore(ctx context.Context) (indexedStore, error) {
	switch a.cfg.Catalog.Driver {
	case "memory":
		logger.Info("Using in-memory catalog")
		return catalog.NewMemoryStore(), nil

	case "sqlite":
		if dir := filepath.Dir(a.cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, eris.Wrapf(err, "create sqlite directory %s", dir)
			}
		}
		client, err := sqlite.NewClient(a.cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		if err := client.InitSchema(); err != nil {
			return nil, eris.Wrap(err, "initialize sqlite schema")
		}
		a.searchRepo = client
		a.recorder = client
		a.checks["catalog"] = client.Ping
		return client, nil

	case "postgres":
		store, err := postgres.Connect(ctx, a.cfg.Postgres.DSN, a.cfg.Postgres.MaxConns)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		if err := store.InitSchema(ctx); err != nil {
			return nil, eris.Wrap(err, "initialize postgres schema")
		}
		a.searchRepo = store
		a.checks["catalog"] = store.Ping
		return store, nil

	default:
		return nil, catalog.Configuration("unknown catalog driver %q", a.cfg.Catalog.Driver)
	}
}

// loadSeedFile fills the in-memory catalog from a customs export, so the
// memory driver can serve without a database.
func (a *App) loadSeedFile(ctx context.Context, path string) error {
	var (
		entries []catalog.Entry
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		entries, _, err = ingestion.ReadWorkbook(path)
	case ".csv":
		var f *os.File
		f, err = os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "open seed file %s", path)
		}
		defer f.Close()
		entries, _, err = ingestion.ReadCSV(f)
	default:
		return catalog.Configuration("seed file %s must be .xlsx or .csv", path)
	}
	if err != nil {
		return eris.Wrapf(err, "read seed file %s", path)
	}

	report, err := a.Importer().Import(ctx, entries, nil)
	if err != nil {
		return err
	}
	logger.Info("Catalog seeded", zap.String("file", path), zap.Int("entries", report.Written))
	return nil
}

// Importer writes catalog entries and drops cached sessions afterwards.
func (a *App) Importer() *ingestion.Importer {
	im := ingestion.NewImporter(a.Store, 0)
	if a.Cache != nil {
		im.WithInvalidator(a.Cache)
	}
	return im
}

func (a *App) Paths() *hierarchy.Builder {
	return hierarchy.NewBuilder(a.Store)
}

// SearchLogger is nil for the memory driver, which keeps no search log.
func (a *App) SearchLogger() *searchlog.Logger {
	if a.searchRepo == nil {
		return nil
	}
	return searchlog.NewLogger(a.searchRepo)
}

// Recorder is nil unless the store can persist evaluation runs.
func (a *App) Recorder() evaluation.RunRecorder {
	return a.recorder
}

func (a *App) Checks() map[string]func(ctx context.Context) error {
	return a.checks
}

// OpenAI builds the embedding client; it also serves completions when the
// configured provider is openai. maxAttempts bounds in-client retries.
func (a *App) OpenAI(maxAttempts int) (*llm.Client, error) {
	c := a.cfg.LLM
	return llm.NewClient(llm.Options{
		APIKey:         c.APIKey,
		BaseURL:        c.BaseURL,
		Model:          c.Model,
		EmbeddingModel: c.EmbeddingModel,
		Temperature:    c.Temperature,
		MaxTokens:      c.MaxTokens,
		Timeout:        c.Timeout(),
		MaxAttempts:    maxAttempts,
	})
}

func (a *App) completer(openai *llm.Client) (llm.Completer, error) {
	c := a.cfg.LLM
	switch c.Provider {
	case "anthropic":
		return llm.NewAnthropicCompleter(llm.AnthropicOptions{
			APIKey:    c.AnthropicAPIKey,
			Model:     c.AnthropicModel,
			MaxTokens: c.MaxTokens,
			Timeout:   c.Timeout(),
		})
	default:
		if openai == nil {
			return nil, catalog.Configuration("openai completer requested without an api key")
		}
		return openai, nil
	}
}

// Generator embeds catalog entries with the configured embedding model.
func (a *App) Generator() (*embedding.Generator, error) {
	embedder, err := a.OpenAI(1)
	if err != nil {
		return nil, err
	}
	return embedding.NewGenerator(a.Store, embedder, embedding.Config{
		BatchSize:      a.cfg.Embedding.BatchSize,
		BatchDelay:     a.cfg.Embedding.BatchDelay,
		FailureBackoff: a.cfg.Embedding.FailureBackoff,
		Dimension:      a.cfg.LLM.EmbeddingDim,
	}), nil
}

// Classifier wires the cascade. Without an OpenAI key the semantic stage
// and model-assisted rounds are left out and only lexical stages run. A
// catalog embedded with another model is a startup error.
func (a *App) Classifier(ctx context.Context) (*classifier.Classifier, error) {
	cc := a.cfg.Classifier

	lex := lexical.NewMatcher(a.Store, lexical.Config{
		AliasLimit:   cc.AliasLimit,
		KeywordLimit: cc.KeywordLimit,
	})

	var (
		sem classifier.Semantic
		res classifier.Resolver
	)

	openai, err := a.OpenAI(1)
	if err != nil && !errors.Is(err, catalog.ErrConfiguration) {
		return nil, err
	}
	if err != nil {
		logger.Warn("Semantic stage disabled", zap.Error(err))
		openai = nil
	}

	if openai != nil {
		model, err := a.catalogModel(ctx)
		if err != nil {
			return nil, err
		}
		m, err := semantic.NewMatcher(openai, a.Index, semantic.Config{
			CatalogModel: model,
			TopK:         cc.SemanticTopK,
		})
		if err != nil {
			return nil, err
		}
		if a.Cache != nil {
			m.WithCache(a.Cache)
		}
		sem = m
	}

	if cc.EnableGPT {
		completer, err := a.completer(openai)
		switch {
		case errors.Is(err, catalog.ErrConfiguration):
			logger.Warn("Model-assisted rounds disabled", zap.Error(err))
		case err != nil:
			return nil, err
		default:
			res = resolver.New(completer, a.Store, resolver.Config{MaxProposals: cc.MaxProposals})
		}
	}

	c := classifier.New(lex, sem, res, classifier.Config{
		SemanticCutoff:  cc.SemanticCutoff,
		SemanticTopK:    cc.SemanticTopK,
		MaxRounds:       cc.MaxRounds,
		AmbiguityMargin: cc.AmbiguityMargin,
		StageTimeout:    cc.StageTimeout(),
		CacheTTL:        cc.CacheTTL,
		Refine:          cc.Refine,
	})
	if a.Cache != nil {
		c.WithCache(a.Cache)
	}

	logger.Info("Classifier ready",
		zap.Bool("semantic", sem != nil),
		zap.Bool("gpt", res != nil),
		zap.Bool("cache", a.Cache != nil),
	)
	return c, nil
}

// catalogModel is the single model the stored embeddings were built with,
// or "" before anything is embedded.
func (a *App) catalogModel(ctx context.Context) (string, error) {
	models, err := a.Store.EmbeddingModels(ctx)
	if err != nil {
		return "", eris.Wrap(err, "read catalog embedding models")
	}
	switch len(models) {
	case 0:
		return "", nil
	case 1:
		return models[0], nil
	default:
		return "", catalog.Configuration("catalog mixes embedding models %s; re-embed with --force", strings.Join(models, ", "))
	}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
