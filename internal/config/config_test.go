package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/veridict/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := config.NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 8, cfg.Engine().Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Engine().TaskTimeout)
	assert.Equal(t, config.IndexFailurePolicyDegrade, cfg.Engine().IndexFailurePolicy)
	assert.Equal(t, 10, cfg.Extract().WindowLines)
	assert.Equal(t, 0.75, cfg.Index().SimilarityFloor)
	assert.Equal(t, 5, cfg.Index().TopK)
	assert.Equal(t, 0.5, cfg.Scorer().Baseline)
	assert.Equal(t, 0.3, cfg.Classifier().TruePositiveBelow)
	assert.Equal(t, 0.7, cfg.Classifier().FalsePositiveAbove)
	assert.Equal(t, "gemini-embedding-001", cfg.Embedding().Model)
	assert.Equal(t, 768, cfg.Embedding().Dimension)
	assert.False(t, cfg.Store().Enabled)

	assert.NotEmpty(t, cfg.Analyzer().Go.Sanitizers)
	assert.NotEmpty(t, cfg.Analyzer().JavaScript.UnsafeCalls)
	assert.NotEmpty(t, cfg.Analyzer().Python.UnsafeCalls)
}

func TestNewConfigFromViper_Overrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("engine.concurrency", 2)
	v.Set("index.top_k", 11)
	v.Set("classifier.true_positive_below", 0.25)

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Engine().Concurrency)
	assert.Equal(t, 11, cfg.Index().TopK)
	assert.Equal(t, 0.25, cfg.Classifier().TruePositiveBelow)
	// Untouched sections keep their defaults.
	assert.Equal(t, 0.75, cfg.Index().SimilarityFloor)
}

func TestNewConfigFromViper_PartialSectionKeepsDefaults(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	// A single key override must not erase the rest of its section.
	v.Set("scorer.baseline", 0.6)
	v.Set("engine.concurrency", 4)

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Scorer().Baseline)
	assert.Equal(t, 0.3, cfg.Scorer().Weights.Validation)
	assert.Equal(t, 0.2, cfg.Scorer().Weights.Sanitizer)
	assert.Equal(t, -0.3, cfg.Scorer().Weights.UnsafeCall)

	assert.Equal(t, 4, cfg.Engine().Concurrency)
	assert.Equal(t, 2*time.Minute, cfg.Engine().TaskTimeout)
	assert.Equal(t, config.IndexFailurePolicyDegrade, cfg.Engine().IndexFailurePolicy)
}

func TestNewConfigFromViper_ConfigFilePartialSection(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader("scorer:\n  baseline: 0.6\n")))

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, 0.6, cfg.Scorer().Baseline)
	assert.Equal(t, 0.3, cfg.Scorer().Weights.Validation)
	assert.Equal(t, 0.1, cfg.Scorer().Weights.PatternConsistency)
}

func TestNewConfigFromViper_EnvSecrets(t *testing.T) {
	t.Setenv("VERIDICT_EMBEDDING_API_KEY", "test-key")
	t.Setenv("VERIDICT_PG_PASSWORD", "test-pass")

	v := viper.New()
	config.SetDefaults(v)

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "test-key", cfg.Embedding().APIKey)
	assert.Equal(t, "test-pass", cfg.Store().Postgres.Password)
}

func TestNewConfigFromViper_ValidationErrors(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value interface{}
	}{
		{"non-positive concurrency", "engine.concurrency", 0},
		{"unknown failure policy", "engine.index_failure_policy", "explode"},
		{"negative window", "extract.window_lines", -1},
		{"negative top k", "index.top_k", -5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := viper.New()
			config.SetDefaults(v)
			v.Set(tc.key, tc.value)

			_, err := config.NewConfigFromViper(v)
			assert.Error(t, err)
		})
	}
}

func TestSetters(t *testing.T) {
	cfg := config.NewDefaultConfig()

	cfg.SetEngineConcurrency(3)
	cfg.SetEngineIndexFailurePolicy(config.IndexFailurePolicyFail)
	cfg.SetExtractWindowLines(25)

	assert.Equal(t, 3, cfg.Engine().Concurrency)
	assert.Equal(t, config.IndexFailurePolicyFail, cfg.Engine().IndexFailurePolicy)
	assert.Equal(t, 25, cfg.Extract().WindowLines)
}

func TestAnalyzerForLanguage(t *testing.T) {
	cfg := config.NewDefaultConfig()

	assert.Contains(t, cfg.Analyzer().ForLanguage("go").UnsafeCalls, "exec.Command")
	assert.Contains(t, cfg.Analyzer().ForLanguage("javascript").Sanitizers, "encodeURIComponent")
	assert.Contains(t, cfg.Analyzer().ForLanguage("python").UnsafeCalls, "eval")
	assert.Empty(t, cfg.Analyzer().ForLanguage("cobol").UnsafeCalls)
}

func TestPostgresDSN(t *testing.T) {
	p := config.PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		User:     "veridict",
		Password: "s3cret",
		DBName:   "triage",
		SSLMode:  "require",
	}
	dsn := p.DSN()
	assert.Contains(t, dsn, "db.internal")
	assert.Contains(t, dsn, "5433")
	assert.Contains(t, dsn, "triage")
	assert.Contains(t, dsn, "require")
}
