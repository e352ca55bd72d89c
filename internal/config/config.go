package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	OCR       OCRConfig       `yaml:"ocr" mapstructure:"ocr"`
	Segment   SegmentConfig   `yaml:"segment" mapstructure:"segment"`
	Embedding EmbeddingConfig `yaml:"embedding" mapstructure:"embedding"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Review    ReviewConfig    `yaml:"review" mapstructure:"review"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the record store and queue backend database.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// QueueConfig configures the stage queue broker.
type QueueConfig struct {
	// MaxAttempts is the default per-job attempt budget before dead-lettering.
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
	// BackoffSecs is the initial redelivery backoff; the broker doubles it
	// per attempt up to MaxBackoffSecs.
	BackoffSecs    int `yaml:"backoff_secs" mapstructure:"backoff_secs"`
	MaxBackoffSecs int `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	// ClaimTimeoutSecs bounds how long a crashed worker's claim blocks a job
	// before it is redelivered. Must exceed the slowest stage.
	ClaimTimeoutSecs int `yaml:"claim_timeout_secs" mapstructure:"claim_timeout_secs"`
	// Workers is the per-queue worker count.
	Workers int `yaml:"workers" mapstructure:"workers"`
	// PollIntervalMs is the claim poll interval for the Postgres backend.
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

// FetchConfig configures document download.
type FetchConfig struct {
	UserAgent   string `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int    `yaml:"max_retries" mapstructure:"max_retries"`
	// MaxBytes caps a single document download.
	MaxBytes int64 `yaml:"max_bytes" mapstructure:"max_bytes"`
}

// OCRConfig configures document-to-text conversion.
type OCRConfig struct {
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
}

// SegmentConfig configures paragraph splitting.
type SegmentConfig struct {
	// MinChars merges paragraphs shorter than this into their successor.
	MinChars int `yaml:"min_chars" mapstructure:"min_chars"`
	// MaxChars hard-splits paragraphs longer than this.
	MaxChars int `yaml:"max_chars" mapstructure:"max_chars"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	OllamaHost string `yaml:"ollama_host" mapstructure:"ollama_host"`
	Model      string `yaml:"model" mapstructure:"model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ExtractConfig configures retrieval-augmented extraction.
type ExtractConfig struct {
	TopK int `yaml:"top_k" mapstructure:"top_k"`
	// TargetLanguage normalizes extraction output regardless of the source
	// document language.
	TargetLanguage string `yaml:"target_language" mapstructure:"target_language"`
}

// ReviewConfig configures the human review channel.
type ReviewConfig struct {
	DiscordToken   string `yaml:"discord_token" mapstructure:"discord_token"`
	ChannelID      string `yaml:"channel_id" mapstructure:"channel_id"`
	CommentMaxLen  int    `yaml:"comment_max_len" mapstructure:"comment_max_len"`
	DiscordBaseURL string `yaml:"discord_base_url" mapstructure:"discord_base_url"`
}

// NotionConfig holds the optional review-queue mirror settings.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	ReviewDB string `yaml:"review_db" mapstructure:"review_db"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("PIPELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_secs", 10)
	v.SetDefault("queue.max_backoff_secs", 600)
	v.SetDefault("queue.claim_timeout_secs", 900)
	v.SetDefault("queue.workers", 2)
	v.SetDefault("queue.poll_interval_ms", 500)
	v.SetDefault("fetch.user_agent", "emissions-cli/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.max_bytes", 100<<20)
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("segment.min_chars", 120)
	v.SetDefault("segment.max_chars", 2000)
	v.SetDefault("embedding.ollama_host", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("embedding.dimensions", 768)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 8192)
	v.SetDefault("extract.top_k", 8)
	v.SetDefault("extract.target_language", "Swedish")
	v.SetDefault("review.comment_max_len", 100)
	v.SetDefault("review.discord_base_url", "https://discord.com/api/v10")

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
