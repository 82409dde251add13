package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store       StoreConfig            `yaml:"store" mapstructure:"store"`
	ObjectStore ObjectStoreConfig      `yaml:"object_store" mapstructure:"object_store"`
	Layout      LayoutConfig           `yaml:"layout" mapstructure:"layout"`
	Embedding   EmbeddingConfig        `yaml:"embedding" mapstructure:"embedding"`
	Anthropic   AnthropicConfig        `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini      GeminiConfig           `yaml:"gemini" mapstructure:"gemini"`
	LocalLLM    LocalLLMConfig         `yaml:"local_llm" mapstructure:"local_llm"`
	LLM         LLMConfig              `yaml:"llm" mapstructure:"llm"`
	Similarity  SimilarityConfig       `yaml:"similarity" mapstructure:"similarity"`
	Detector    DetectorConfig         `yaml:"detector" mapstructure:"detector"`
	Document    DocumentConfig         `yaml:"document" mapstructure:"document"`
	Validation  ValidationConfig       `yaml:"validation" mapstructure:"validation"`
	Concurrency ConcurrencyConfig      `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	Retry       map[string]RetryConfig `yaml:"retry" mapstructure:"retry"`
	PDF         PDFConfig              `yaml:"pdf" mapstructure:"pdf"`
	Log         LogConfig              `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the metadata database backend.
type StoreConfig struct {
	Driver        string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL   string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns"`
	TxTimeoutSecs int    `yaml:"tx_timeout_secs" mapstructure:"tx_timeout_secs"`
}

// ObjectStoreConfig configures PDF object storage.
type ObjectStoreConfig struct {
	Root             string `yaml:"root" mapstructure:"root"`
	FetchTimeoutSecs int    `yaml:"fetch_timeout_secs" mapstructure:"fetch_timeout_secs"`
}

// LayoutConfig configures the external layout analyzer.
type LayoutConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string  `yaml:"key" mapstructure:"key"`
	Model string  `yaml:"model" mapstructure:"model"`
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string  `yaml:"key" mapstructure:"key"`
	Model string  `yaml:"model" mapstructure:"model"`
	RPS   float64 `yaml:"rps" mapstructure:"rps"`
	Burst int     `yaml:"burst" mapstructure:"burst"`
}

// LocalLLMConfig holds settings for an OpenAI-compatible local endpoint.
type LocalLLMConfig struct {
	BaseURL string  `yaml:"base_url" mapstructure:"base_url"`
	Model   string  `yaml:"model" mapstructure:"model"`
	RPS     float64 `yaml:"rps" mapstructure:"rps"`
	Burst   int     `yaml:"burst" mapstructure:"burst"`
}

// LLMConfig configures routing, budgets, and call timeouts.
type LLMConfig struct {
	// Routing maps item number -> ordered provider chain. Items absent from
	// the map use the default chain for their class.
	Routing               map[int][]string `yaml:"routing" mapstructure:"routing"`
	PerDocumentTokens     int              `yaml:"budget_per_document_tokens" mapstructure:"budget_per_document_tokens"`
	CallTimeoutSecs       int              `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	MaxAttemptsPerSection int              `yaml:"max_attempts_per_section" mapstructure:"max_attempts_per_section"`
}

// SimilarityConfig holds entity-resolution thresholds.
type SimilarityConfig struct {
	HighThreshold   float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`
	TopK            int     `yaml:"top_k" mapstructure:"top_k"`
}

// DetectorConfig configures section detection.
type DetectorConfig struct {
	MinAnchorsRequired int `yaml:"min_anchors_required" mapstructure:"min_anchors_required"`
}

// DocumentConfig holds per-document limits.
type DocumentConfig struct {
	DeadlineSecs int `yaml:"deadline_seconds" mapstructure:"deadline_seconds"`
}

// ValidationConfig configures the validator.
type ValidationConfig struct {
	BypassReasons []string `yaml:"bypass_reasons" mapstructure:"bypass_reasons"`
	OutlierSigma  float64  `yaml:"outlier_sigma" mapstructure:"outlier_sigma"`
}

// ConcurrencyConfig holds per-stage worker caps.
type ConcurrencyConfig struct {
	Register int `yaml:"register" mapstructure:"register"`
	Segment  int `yaml:"segment" mapstructure:"segment"`
	Extract  int `yaml:"extract" mapstructure:"extract"`
	Validate int `yaml:"validate" mapstructure:"validate"`
	Store    int `yaml:"store" mapstructure:"store"`
}

// RetryConfig holds per-stage retry policy.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BaseDelaySecs float64 `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelaySecs  float64 `yaml:"max_delay" mapstructure:"max_delay"`
	Factor        float64 `yaml:"factor" mapstructure:"factor"`
}

// BaseDelay returns the base delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelaySecs * float64(time.Second))
}

// MaxDelay returns the max delay as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelaySecs * float64(time.Second))
}

// PDFConfig configures the poppler/qpdf tooling.
type PDFConfig struct {
	PdfInfoPath   string `yaml:"pdfinfo_path" mapstructure:"pdfinfo_path"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	QpdfPath      string `yaml:"qpdf_path" mapstructure:"qpdf_path"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FDD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 20)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("store.tx_timeout_secs", 15)
	v.SetDefault("object_store.root", "/var/lib/fddpipe/objects")
	v.SetDefault("object_store.fetch_timeout_secs", 30)
	v.SetDefault("layout.base_url", "http://localhost:8184")
	v.SetDefault("layout.timeout_secs", 120)
	v.SetDefault("embedding.base_url", "http://localhost:8183")
	v.SetDefault("embedding.timeout_secs", 10)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.rps", 2.0)
	v.SetDefault("anthropic.burst", 4)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("gemini.rps", 2.0)
	v.SetDefault("gemini.burst", 4)
	v.SetDefault("local_llm.base_url", "http://localhost:11434/v1")
	v.SetDefault("local_llm.model", "qwen2.5:14b")
	v.SetDefault("local_llm.rps", 4.0)
	v.SetDefault("local_llm.burst", 8)
	v.SetDefault("llm.budget_per_document_tokens", 500000)
	v.SetDefault("llm.call_timeout_secs", 60)
	v.SetDefault("llm.max_attempts_per_section", 3)
	v.SetDefault("similarity.high_threshold", 0.94)
	v.SetDefault("similarity.review_threshold", 0.85)
	v.SetDefault("similarity.top_k", 5)
	v.SetDefault("detector.min_anchors_required", 18)
	v.SetDefault("document.deadline_seconds", 600)
	v.SetDefault("validation.bypass_reasons", []string{
		"known_reporting_quirk", "manual_verification", "legacy_document",
	})
	v.SetDefault("validation.outlier_sigma", 4.0)
	v.SetDefault("max_concurrency.register", 4)
	v.SetDefault("max_concurrency.segment", 2)
	v.SetDefault("max_concurrency.extract", 8)
	v.SetDefault("max_concurrency.validate", 8)
	v.SetDefault("max_concurrency.store", 4)
	for _, stage := range []string{"register", "segment", "extract", "validate", "store"} {
		v.SetDefault("retry."+stage+".max_attempts", 3)
		v.SetDefault("retry."+stage+".base_delay", 1.0)
		v.SetDefault("retry."+stage+".max_delay", 60.0)
		v.SetDefault("retry."+stage+".factor", 2.0)
	}
	v.SetDefault("pdf.pdfinfo_path", "pdfinfo")
	v.SetDefault("pdf.pdftotext_path", "pdftotext")
	v.SetDefault("pdf.qpdf_path", "qpdf")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// StageRetry returns the retry policy for a stage, falling back to the
// built-in defaults when the stage is absent from config.
func (c *Config) StageRetry(stage string) RetryConfig {
	if r, ok := c.Retry[stage]; ok && r.MaxAttempts > 0 {
		return r
	}
	return RetryConfig{MaxAttempts: 3, BaseDelaySecs: 1, MaxDelaySecs: 60, Factor: 2}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
