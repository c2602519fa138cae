package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig
	Catalog    CatalogConfig
	SQLite     SQLiteConfig
	Postgres   PostgresConfig
	Zilliz     ZillizConfig
	Redis      RedisConfig
	LLM        LLMConfig
	Classifier ClassifierConfig
	Embedding  EmbeddingConfig
	RateLimit  RateLimitConfig
	Logging    LoggingConfig
	Admin      AdminConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
	CORSOrigins  string
	// Environment "development" relaxes HSTS for local http.
	Environment string
}

// CatalogConfig selects the catalog backend: memory, sqlite or postgres.
// VectorIndex selects where semantic search runs: store or zilliz.
type CatalogConfig struct {
	Driver      string
	VectorIndex string
	SeedFile    string
}

type SQLiteConfig struct {
	Path string
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32
}

type ZillizConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
	NProbe         int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	Provider        string
	Model           string
	APIKey          string
	BaseURL         string
	AnthropicAPIKey string
	AnthropicModel  string
	Temperature     float32
	MaxTokens       int
	TimeoutSec      int
	EmbeddingModel  string
	EmbeddingDim    int
}

type ClassifierConfig struct {
	SemanticCutoff  float64
	SemanticTopK    int
	AliasLimit      int
	KeywordLimit    int
	MaxProposals    int
	MaxRounds       int
	AmbiguityMargin float64
	StageTimeoutSec int
	CacheTTL        time.Duration
	Refine          bool
	EnableGPT       bool
}

type EmbeddingConfig struct {
	BatchSize      int
	BatchDelay     time.Duration
	FailureBackoff time.Duration
}

type RateLimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// AdminConfig controls the HTTP catalog import. It is off by default; the
// catalog is normally loaded with hsctl ingest.
type AdminConfig struct {
	ImportEnabled bool
	Token         string
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

func (c ClassifierConfig) StageTimeout() time.Duration {
	return time.Duration(c.StageTimeoutSec) * time.Second
}

// Load reads .env (if present), config.yaml and HSC_* environment variables.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/hs-classifier")

	v.SetEnvPrefix("HSC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	_ = v.BindEnv("openai_api_key", "OPENAI_API_KEY")
	_ = v.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if config.LLM.APIKey == "" {
		config.LLM.APIKey = v.GetString("openai_api_key")
	}
	if config.LLM.AnthropicAPIKey == "" {
		config.LLM.AnthropicAPIKey = v.GetString("anthropic_api_key")
	}

	return &config, nil
}

// Validate reports settings that make the service unusable before it starts.
func (c *Config) Validate() error {
	var problems []string

	switch c.Catalog.Driver {
	case "memory", "sqlite", "postgres":
	default:
		problems = append(problems, fmt.Sprintf("catalog.driver %q is not one of memory, sqlite, postgres", c.Catalog.Driver))
	}
	if c.Catalog.Driver == "postgres" && c.Postgres.DSN == "" {
		problems = append(problems, "postgres.dsn is required for the postgres driver")
	}
	switch c.Catalog.VectorIndex {
	case "store", "zilliz":
	default:
		problems = append(problems, fmt.Sprintf("catalog.vectorIndex %q is not one of store, zilliz", c.Catalog.VectorIndex))
	}
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		problems = append(problems, fmt.Sprintf("llm.provider %q is not one of openai, anthropic", c.LLM.Provider))
	}
	if c.LLM.EmbeddingModel == "" {
		problems = append(problems, "llm.embeddingModel must be set")
	}
	if c.Classifier.SemanticCutoff <= 0 || c.Classifier.SemanticCutoff > 1 {
		problems = append(problems, "classifier.semanticCutoff must be in (0, 1]")
	}
	if c.Classifier.MaxRounds < 1 {
		problems = append(problems, "classifier.maxRounds must be at least 1")
	}
	if c.Admin.ImportEnabled && len(c.Admin.Token) < 16 {
		problems = append(problems, "admin.token of at least 16 characters is required when admin.importEnabled is set")
	}
	if c.Embedding.BatchSize < 1 {
		problems = append(problems, "embedding.batchSize must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 90)
	v.SetDefault("server.bodyLimit", 1048576)
	v.SetDefault("server.corsOrigins", "*")
	v.SetDefault("server.environment", "production")

	v.SetDefault("catalog.driver", "sqlite")
	v.SetDefault("catalog.vectorIndex", "store")
	v.SetDefault("catalog.seedFile", "")

	v.SetDefault("sqlite.path", "./data/hscodes.db")

	v.SetDefault("postgres.dsn", "")
	v.SetDefault("postgres.maxConns", 10)

	v.SetDefault("zilliz.endpoint", "localhost:19530")
	v.SetDefault("zilliz.apiKey", "")
	v.SetDefault("zilliz.collectionName", "hs_code_embeddings")
	v.SetDefault("zilliz.vectorDim", 1536)
	v.SetDefault("zilliz.nProbe", 16)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseURL", "")
	v.SetDefault("llm.anthropicAPIKey", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.anthropicModel", "claude-3-5-haiku-latest")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.maxTokens", 800)
	v.SetDefault("llm.timeoutSec", 20)
	v.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	v.SetDefault("llm.embeddingDim", 1536)

	v.SetDefault("classifier.semanticCutoff", 0.8)
	v.SetDefault("classifier.semanticTopK", 10)
	v.SetDefault("classifier.aliasLimit", 3)
	v.SetDefault("classifier.keywordLimit", 5)
	v.SetDefault("classifier.maxProposals", 5)
	v.SetDefault("classifier.maxRounds", 3)
	v.SetDefault("classifier.ambiguityMargin", 0.05)
	v.SetDefault("classifier.stageTimeoutSec", 20)
	v.SetDefault("classifier.cacheTTL", "10m")
	v.SetDefault("classifier.refine", true)
	v.SetDefault("classifier.enableGPT", true)

	v.SetDefault("embedding.batchSize", 50)
	v.SetDefault("embedding.batchDelay", "1s")
	v.SetDefault("embedding.failureBackoff", "5s")

	v.SetDefault("rateLimit.requestsPerMinute", 60)
	v.SetDefault("rateLimit.burst", 10)

	v.SetDefault("admin.importEnabled", false)
	v.SetDefault("admin.token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.outputPath", "stdout")
}
