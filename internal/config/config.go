// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Extract() ExtractConfig
	Analyzer() AnalyzerConfig
	Index() IndexConfig
	Scorer() ScorerConfig
	Classifier() ClassifierConfig
	Store() StoreConfig
	Embedding() EmbeddingConfig

	// Engine setters, used by CLI flags to override file/env values.
	SetEngineConcurrency(int)
	SetEngineIndexFailurePolicy(string)
	SetExtractWindowLines(int)
}

// Config holds the entire application configuration. Private fields enforce
// access through the Interface getters.
type Config struct {
	logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	extract    ExtractConfig    `mapstructure:"extract" yaml:"extract"`
	analyzer   AnalyzerConfig   `mapstructure:"analyzer" yaml:"analyzer"`
	index      IndexConfig      `mapstructure:"index" yaml:"index"`
	scorer     ScorerConfig     `mapstructure:"scorer" yaml:"scorer"`
	classifier ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	store      StoreConfig      `mapstructure:"store" yaml:"store"`
	embedding  EmbeddingConfig  `mapstructure:"embedding" yaml:"embedding"`
}

// -- Interface Method Implementations (Getters) --

func (c *Config) Logger() LoggerConfig         { return c.logger }
func (c *Config) Engine() EngineConfig         { return c.engine }
func (c *Config) Extract() ExtractConfig       { return c.extract }
func (c *Config) Analyzer() AnalyzerConfig     { return c.analyzer }
func (c *Config) Index() IndexConfig           { return c.index }
func (c *Config) Scorer() ScorerConfig         { return c.scorer }
func (c *Config) Classifier() ClassifierConfig { return c.classifier }
func (c *Config) Store() StoreConfig           { return c.store }
func (c *Config) Embedding() EmbeddingConfig   { return c.embedding }

// -- Interface Method Implementations (Setters) --

func (c *Config) SetEngineConcurrency(n int)            { c.engine.Concurrency = n }
func (c *Config) SetEngineIndexFailurePolicy(p string)  { c.engine.IndexFailurePolicy = p }
func (c *Config) SetExtractWindowLines(n int)           { c.extract.WindowLines = n }

// LoggerConfig configures the zap logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"` // "json" or "console"
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig maps log levels to terminal colors for the console encoder.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Index failure policies for a batch when the similarity backend is down.
const (
	IndexFailurePolicyDegrade = "degrade" // proceed with similarity zeroed
	IndexFailurePolicyFail    = "fail"    // fail the whole batch
)

// EngineConfig bounds the per-batch triage pipeline.
type EngineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	// IndexFailurePolicy decides whether an unreachable similarity backend
	// fails the batch or degrades it. See IndexFailurePolicy* constants.
	IndexFailurePolicy string `mapstructure:"index_failure_policy" yaml:"index_failure_policy"`
}

// ExtractConfig controls the code-context window.
type ExtractConfig struct {
	// WindowLines is the number of lines above and below the finding
	// included before expansion to the enclosing function.
	WindowLines int `mapstructure:"window_lines" yaml:"window_lines"`
	// MaxFileSize caps the size of source files read into memory.
	MaxFileSize int64 `mapstructure:"max_file_size" yaml:"max_file_size"`
}

// LanguagePatterns holds the per-language matcher lists. Entries are callee
// names; dotted entries ("exec.Command") match the full selector, bare
// entries ("eval") match the final segment.
type LanguagePatterns struct {
	Sanitizers      []string `mapstructure:"sanitizers" yaml:"sanitizers"`
	FrameworkGuards []string `mapstructure:"framework_guards" yaml:"framework_guards"`
	UnsafeCalls     []string `mapstructure:"unsafe_calls" yaml:"unsafe_calls"`
}

// AnalyzerConfig configures the structural pattern analyzer.
type AnalyzerConfig struct {
	Go         LanguagePatterns `mapstructure:"go" yaml:"go"`
	JavaScript LanguagePatterns `mapstructure:"javascript" yaml:"javascript"`
	Python     LanguagePatterns `mapstructure:"python" yaml:"python"`
}

// ForLanguage returns the pattern lists for a language tag string.
func (a AnalyzerConfig) ForLanguage(lang string) LanguagePatterns {
	switch lang {
	case "go":
		return a.Go
	case "javascript":
		return a.JavaScript
	case "python":
		return a.Python
	default:
		return LanguagePatterns{}
	}
}

// IndexConfig configures similarity retrieval.
type IndexConfig struct {
	// SimilarityFloor is the minimum cosine similarity for a match to carry
	// weight in scoring.
	SimilarityFloor float64 `mapstructure:"similarity_floor" yaml:"similarity_floor"`
	TopK            int     `mapstructure:"top_k" yaml:"top_k"`
}

// ScorerWeights are the additive signal weights. They are configuration, not
// a model: the scorer layers them onto the baseline and clamps.
type ScorerWeights struct {
	Validation         float64 `mapstructure:"validation" yaml:"validation"`
	Sanitizer          float64 `mapstructure:"sanitizer" yaml:"sanitizer"`
	FrameworkGuard     float64 `mapstructure:"framework_guard" yaml:"framework_guard"`
	UnsafeCall         float64 `mapstructure:"unsafe_call" yaml:"unsafe_call"`
	MissingValidation  float64 `mapstructure:"missing_validation" yaml:"missing_validation"`
	DispositionMax     float64 `mapstructure:"disposition_max" yaml:"disposition_max"`
	PatternConsistency float64 `mapstructure:"pattern_consistency" yaml:"pattern_consistency"`
}

// SeverityOffsets shift the scoring baseline by the finding's raw severity:
// the more severe the rule, the less benign the starting assumption.
type SeverityOffsets struct {
	Critical float64 `mapstructure:"critical" yaml:"critical"`
	High     float64 `mapstructure:"high" yaml:"high"`
	Medium   float64 `mapstructure:"medium" yaml:"medium"`
	Low      float64 `mapstructure:"low" yaml:"low"`
	Info     float64 `mapstructure:"info" yaml:"info"`
}

// ScorerConfig configures the confidence scorer.
type ScorerConfig struct {
	Baseline        float64         `mapstructure:"baseline" yaml:"baseline"`
	Weights         ScorerWeights   `mapstructure:"weights" yaml:"weights"`
	SeverityOffsets SeverityOffsets `mapstructure:"severity_offsets" yaml:"severity_offsets"`
}

// ClassifierConfig holds the triage thresholds. Scores exactly on a
// threshold classify as needs-manual-review.
type ClassifierConfig struct {
	TruePositiveBelow  float64 `mapstructure:"true_positive_below" yaml:"true_positive_below"`
	FalsePositiveAbove float64 `mapstructure:"false_positive_above" yaml:"false_positive_above"`
}

// PostgresConfig holds connection parameters for the vector store.
type PostgresConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" yaml:"port"`
	User     string `mapstructure:"user" yaml:"user"`
	Password string `mapstructure:"password" yaml:"password"`
	DBName   string `mapstructure:"dbname" yaml:"dbname"`
	SSLMode  string `mapstructure:"sslmode" yaml:"sslmode"`
}

// DSN renders the pgx connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.DBName, p.SSLMode)
}

// StoreConfig configures persistence. When disabled the index lives only in
// memory for the run.
type StoreConfig struct {
	Enabled  bool           `mapstructure:"enabled" yaml:"enabled"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// EmbeddingConfig configures the external embedding collaborator.
type EmbeddingConfig struct {
	Model           string        `mapstructure:"model" yaml:"model"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	APITimeout      time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RateLimitPerSec float64       `mapstructure:"rate_limit_per_sec" yaml:"rate_limit_per_sec"`
	Dimension       int           `mapstructure:"dimension" yaml:"dimension"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := cfg.unmarshalSections(v); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// unmarshalSections decodes each top-level section. Sections are decoded
// one at a time because the container's fields are unexported; the section
// structs themselves expose their fields to mapstructure. Decoding goes
// through AllSettings rather than UnmarshalKey: UnmarshalKey reads a section
// from only the highest-precedence layer that holds it, so a single override
// key would erase every other default in that section.
func (c *Config) unmarshalSections(v *viper.Viper) error {
	sections := map[string]interface{}{
		"logger":     &c.logger,
		"engine":     &c.engine,
		"extract":    &c.extract,
		"analyzer":   &c.analyzer,
		"index":      &c.index,
		"scorer":     &c.scorer,
		"classifier": &c.classifier,
		"store":      &c.store,
		"embedding":  &c.embedding,
	}
	settings := v.AllSettings()
	for key, target := range sections {
		raw, ok := settings[key]
		if !ok {
			continue
		}
		if err := decodeSection(raw, target); err != nil {
			return fmt.Errorf("error unmarshaling %q section: %w", key, err)
		}
	}
	return nil
}

// decodeSection mirrors viper's own decoder setup so string durations and
// comma-separated lists decode the same way v.Unmarshal would.
func decodeSection(input, target interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           target,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "veridict")
	v.SetDefault("logger.log_file", "veridict.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "red")

	// -- Engine --
	v.SetDefault("engine.concurrency", 8)
	v.SetDefault("engine.task_timeout", "2m")
	v.SetDefault("engine.index_failure_policy", IndexFailurePolicyDegrade)

	// -- Extract --
	v.SetDefault("extract.window_lines", 10)
	v.SetDefault("extract.max_file_size", int64(2*1024*1024))

	// -- Analyzer pattern lists --
	v.SetDefault("analyzer.go.sanitizers", []string{
		"html.EscapeString", "template.HTMLEscapeString", "template.JSEscapeString",
		"url.QueryEscape", "url.PathEscape", "strconv.Quote", "filepath.Clean",
	})
	v.SetDefault("analyzer.go.framework_guards", []string{
		"QueryContext", "QueryRowContext", "ExecContext", "Prepare", "PrepareContext",
		"NamedQuery", "NamedExec",
	})
	v.SetDefault("analyzer.go.unsafe_calls", []string{
		"exec.Command", "exec.CommandContext", "syscall.Exec", "os.StartProcess",
		"template.HTML", "template.JS", "template.URL",
	})

	v.SetDefault("analyzer.javascript.sanitizers", []string{
		"encodeURIComponent", "encodeURI", "DOMPurify.sanitize", "sanitizeHtml",
		"escapeHtml", "validator.escape",
	})
	v.SetDefault("analyzer.javascript.framework_guards", []string{
		"textContent", "setAttribute", "createTextNode", "res.json",
	})
	v.SetDefault("analyzer.javascript.unsafe_calls", []string{
		"eval", "Function", "execSync", "child_process.exec", "document.write",
		"innerHTML", "dangerouslySetInnerHTML", "setTimeout", "setInterval",
	})

	v.SetDefault("analyzer.python.sanitizers", []string{
		"html.escape", "shlex.quote", "markupsafe.escape", "urllib.parse.quote",
		"bleach.clean",
	})
	v.SetDefault("analyzer.python.framework_guards", []string{
		"render_template", "Markup", "text", "bindparam",
	})
	v.SetDefault("analyzer.python.unsafe_calls", []string{
		"eval", "exec", "os.system", "os.popen", "subprocess.call",
		"subprocess.Popen", "subprocess.run", "pickle.loads", "yaml.load",
		"cursor.executescript",
	})

	// -- Index --
	v.SetDefault("index.similarity_floor", 0.75)
	v.SetDefault("index.top_k", 5)

	// -- Scorer --
	v.SetDefault("scorer.baseline", 0.5)
	v.SetDefault("scorer.weights.validation", 0.3)
	v.SetDefault("scorer.weights.sanitizer", 0.2)
	v.SetDefault("scorer.weights.framework_guard", 0.2)
	v.SetDefault("scorer.weights.unsafe_call", -0.3)
	v.SetDefault("scorer.weights.missing_validation", -0.2)
	v.SetDefault("scorer.weights.disposition_max", 0.2)
	v.SetDefault("scorer.weights.pattern_consistency", 0.1)
	v.SetDefault("scorer.severity_offsets.critical", -0.10)
	v.SetDefault("scorer.severity_offsets.high", -0.05)
	v.SetDefault("scorer.severity_offsets.medium", 0.0)
	v.SetDefault("scorer.severity_offsets.low", 0.05)
	v.SetDefault("scorer.severity_offsets.info", 0.10)

	// -- Classifier --
	v.SetDefault("classifier.true_positive_below", 0.3)
	v.SetDefault("classifier.false_positive_above", 0.7)

	// -- Store --
	v.SetDefault("store.enabled", false)
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "") // Should be set via env var
	v.SetDefault("store.postgres.dbname", "veridict")
	v.SetDefault("store.postgres.sslmode", "disable")

	// -- Embedding --
	v.SetDefault("embedding.model", "gemini-embedding-001")
	v.SetDefault("embedding.api_timeout", "30s")
	v.SetDefault("embedding.rate_limit_per_sec", 5.0)
	v.SetDefault("embedding.dimension", 768)
}

// NewConfigFromViper creates a configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("embedding.api_key", "VERIDICT_EMBEDDING_API_KEY")
	v.BindEnv("store.postgres.password", "VERIDICT_PG_PASSWORD")

	if err := cfg.unmarshalSections(v); err != nil {
		return nil, err
	}

	// Section decoding does not see env-only keys reliably.
	if cfg.embedding.APIKey == "" {
		cfg.embedding.APIKey = os.Getenv("VERIDICT_EMBEDDING_API_KEY")
	}
	if cfg.store.Postgres.Password == "" {
		cfg.store.Postgres.Password = os.Getenv("VERIDICT_PG_PASSWORD")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	if c.engine.Concurrency <= 0 {
		return fmt.Errorf("engine.concurrency must be positive, got %d", c.engine.Concurrency)
	}
	switch c.engine.IndexFailurePolicy {
	case IndexFailurePolicyDegrade, IndexFailurePolicyFail:
	default:
		return fmt.Errorf("engine.index_failure_policy must be %q or %q, got %q",
			IndexFailurePolicyDegrade, IndexFailurePolicyFail, c.engine.IndexFailurePolicy)
	}
	if c.extract.WindowLines < 0 {
		return fmt.Errorf("extract.window_lines must be non-negative, got %d", c.extract.WindowLines)
	}
	if c.index.SimilarityFloor < 0 || c.index.SimilarityFloor > 1 {
		return fmt.Errorf("index.similarity_floor must be in [0,1], got %f", c.index.SimilarityFloor)
	}
	if c.index.TopK < 0 {
		return fmt.Errorf("index.top_k must be non-negative, got %d", c.index.TopK)
	}
	if c.scorer.Baseline < 0 || c.scorer.Baseline > 1 {
		return fmt.Errorf("scorer.baseline must be in [0,1], got %f", c.scorer.Baseline)
	}
	if c.classifier.TruePositiveBelow > c.classifier.FalsePositiveAbove {
		return fmt.Errorf("classifier.true_positive_below (%f) must not exceed classifier.false_positive_above (%f)",
			c.classifier.TruePositiveBelow, c.classifier.FalsePositiveAbove)
	}
	if c.embedding.Dimension <= 0 {
		return fmt.Errorf("embedding.dimension must be positive, got %d", c.embedding.Dimension)
	}
	return nil
}
