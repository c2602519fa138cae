package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Catalog.Driver)
	assert.Equal(t, "store", cfg.Catalog.VectorIndex)
	assert.InDelta(t, 0.8, cfg.Classifier.SemanticCutoff, 1e-9)
	assert.Equal(t, 5, cfg.Classifier.MaxProposals)
	assert.Equal(t, 3, cfg.Classifier.MaxRounds)
	assert.Equal(t, 10*time.Minute, cfg.Classifier.CacheTTL)
	assert.Equal(t, 50, cfg.Embedding.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Embedding.FailureBackoff)
	assert.Equal(t, 20*time.Second, cfg.LLM.Timeout())
	assert.False(t, cfg.Admin.ImportEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := chdirTemp(t)

	yaml := []byte("catalog:\n  driver: memory\nclassifier:\n  semanticCutoff: 0.75\n  maxRounds: 2\n")
	require.NoError(t, os.WriteFile(dir+"/config.yaml", yaml, 0o644))
	t.Setenv("HSC_EMBEDDING_BATCHSIZE", "20")
	t.Setenv("HSC_LLM_APIKEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Catalog.Driver)
	assert.InDelta(t, 0.75, cfg.Classifier.SemanticCutoff, 1e-9)
	assert.Equal(t, 2, cfg.Classifier.MaxRounds)
	assert.Equal(t, 20, cfg.Embedding.BatchSize)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	prev, had := os.LookupEnv("OPENAI_API_KEY")
	require.NoError(t, os.Unsetenv("OPENAI_API_KEY"))
	t.Cleanup(func() {
		if had {
			_ = os.Setenv("OPENAI_API_KEY", prev)
		} else {
			_ = os.Unsetenv("OPENAI_API_KEY")
		}
	})
	require.NoError(t, os.WriteFile(dir+"/.env", []byte("OPENAI_API_KEY=sk-from-dotenv\n"), 0o644))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-from-dotenv", cfg.LLM.APIKey)
}

func TestValidate(t *testing.T) {
	chdirTemp(t)
	base, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Catalog.Driver = "mysql" }, "catalog.driver"},
		{"postgres without dsn", func(c *Config) { c.Catalog.Driver = "postgres" }, "postgres.dsn"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "local" }, "llm.provider"},
		{"cutoff out of range", func(c *Config) { c.Classifier.SemanticCutoff = 1.5 }, "semanticCutoff"},
		{"zero rounds", func(c *Config) { c.Classifier.MaxRounds = 0 }, "maxRounds"},
		{"empty batch", func(c *Config) { c.Embedding.BatchSize = 0 }, "batchSize"},
		{"admin import without token", func(c *Config) { c.Admin.ImportEnabled = true }, "admin.token"},
		{"admin import with short token", func(c *Config) { c.Admin.ImportEnabled = true; c.Admin.Token = "short" }, "admin.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
