package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/visibility-cli/internal/cost"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Worker       WorkerConfig       `yaml:"worker" mapstructure:"worker"`
	Router       RouterConfig       `yaml:"router" mapstructure:"router"`
	Extraction   ExtractionConfig   `yaml:"extraction" mapstructure:"extraction"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI       OpenAIConfig       `yaml:"openai" mapstructure:"openai"`
	Perplexity   PerplexityConfig   `yaml:"perplexity" mapstructure:"perplexity"`
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	SerpAPI      SerpAPIConfig      `yaml:"serpapi" mapstructure:"serpapi"`
	Pricing      cost.Rates         `yaml:"pricing" mapstructure:"pricing"`

	// Credentials maps engine keys to API keys. It is resolved once by Load
	// from the process environment.
	Credentials Credentials `yaml:"-" mapstructure:"-"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the job ingress server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// WorkerConfig configures the queue consumer.
type WorkerConfig struct {
	Concurrency    int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalMs int `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	ClaimBatch     int `yaml:"claim_batch" mapstructure:"claim_batch"`
	MaxAttempts    int `yaml:"max_attempts" mapstructure:"max_attempts"`
	LeaseSecs      int `yaml:"lease_secs" mapstructure:"lease_secs"`
}

// RouterConfig configures provider fallback routing.
type RouterConfig struct {
	ProviderTimeoutSecs int      `yaml:"provider_timeout_secs" mapstructure:"provider_timeout_secs"`
	RetryAttempts       int      `yaml:"retry_attempts" mapstructure:"retry_attempts"`
	RetryBackoffMs      int      `yaml:"retry_backoff_ms" mapstructure:"retry_backoff_ms"`
	RatePerSecond       float64  `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	BreakerThreshold    int      `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs    int      `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	CatalogPath         string   `yaml:"catalog_path" mapstructure:"catalog_path"`
	Order               []string `yaml:"order" mapstructure:"order"`
}

// ExtractionConfig configures the structured extraction engine.
type ExtractionConfig struct {
	Strategy                string  `yaml:"strategy" mapstructure:"strategy"`
	BrandMinConfidence      float64 `yaml:"brand_min_confidence" mapstructure:"brand_min_confidence"`
	CompetitorMinConfidence float64 `yaml:"competitor_min_confidence" mapstructure:"competitor_min_confidence"`
	MaxAnswerChars          int     `yaml:"max_answer_chars" mapstructure:"max_answer_chars"`
	LLMProvider             string  `yaml:"llm_provider" mapstructure:"llm_provider"`
}

// OrchestratorConfig configures job processing.
type OrchestratorConfig struct {
	MaxPromptsPerCluster int `yaml:"max_prompts_per_cluster" mapstructure:"max_prompts_per_cluster"`
	BrandLookupAttempts  int `yaml:"brand_lookup_attempts" mapstructure:"brand_lookup_attempts"`
	BrandLookupDelayMs   int `yaml:"brand_lookup_delay_ms" mapstructure:"brand_lookup_delay_ms"`
	MinCredentialLength  int `yaml:"min_credential_length" mapstructure:"min_credential_length"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdCents   int64   `yaml:"cost_threshold_cents" mapstructure:"cost_threshold_cents"`
	DeadJobThreshold     int     `yaml:"dead_job_threshold" mapstructure:"dead_job_threshold"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Model           string `yaml:"model" mapstructure:"model"`
	ExtractionModel string `yaml:"extraction_model" mapstructure:"extraction_model"`
	MaxTokens       int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Model   string `yaml:"model" mapstructure:"model"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// PerplexityConfig holds Perplexity API settings.
type PerplexityConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// GeminiConfig holds Google Gemini settings.
type GeminiConfig struct {
	Model string `yaml:"model" mapstructure:"model"`
}

// SerpAPIConfig holds settings for the Google AI Overview engine.
type SerpAPIConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	Location string `yaml:"location" mapstructure:"location"`
}

// Credentials resolves per-engine API keys.
type Credentials map[string]string

// Lookup returns the key configured for an engine, if any.
func (c Credentials) Lookup(engineKey string) (string, bool) {
	key, ok := c[strings.ToUpper(engineKey)]
	if !ok || strings.TrimSpace(key) == "" {
		return "", false
	}
	return key, true
}

// CredentialEnv returns the environment variable holding an engine's key.
// AIO answers come from SerpAPI, so its key keeps the vendor's name.
func CredentialEnv(engineKey string) string {
	engineKey = strings.ToUpper(engineKey)
	if engineKey == "AIO" {
		return "SERPAPI_KEY"
	}
	return engineKey + "_API_KEY"
}

// KnownEngines lists the engine keys whose credentials are resolved at start.
var KnownEngines = []string{"OPENAI", "ANTHROPIC", "PERPLEXITY", "GEMINI", "AIO"}

// LoadCredentials reads every known engine's key through lookup.
func LoadCredentials(lookup func(string) (string, bool)) Credentials {
	creds := make(Credentials, len(KnownEngines))
	for _, engine := range KnownEngines {
		if v, ok := lookup(CredentialEnv(engine)); ok && strings.TrimSpace(v) != "" {
			creds[engine] = strings.TrimSpace(v)
		}
	}
	return creds
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("VISIBILITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("worker.poll_interval_ms", 1000)
	v.SetDefault("worker.claim_batch", 10)
	v.SetDefault("worker.max_attempts", 3)
	v.SetDefault("worker.lease_secs", 600)
	v.SetDefault("router.provider_timeout_secs", 60)
	v.SetDefault("router.retry_attempts", 2)
	v.SetDefault("router.retry_backoff_ms", 500)
	v.SetDefault("router.rate_per_second", 5.0)
	v.SetDefault("router.breaker_threshold", 5)
	v.SetDefault("router.breaker_reset_secs", 60)
	v.SetDefault("extraction.strategy", "llm")
	v.SetDefault("extraction.brand_min_confidence", 0.4)
	v.SetDefault("extraction.competitor_min_confidence", 0.7)
	v.SetDefault("extraction.max_answer_chars", 12000)
	v.SetDefault("extraction.llm_provider", "ANTHROPIC")
	v.SetDefault("orchestrator.max_prompts_per_cluster", 10)
	v.SetDefault("orchestrator.brand_lookup_attempts", 3)
	v.SetDefault("orchestrator.brand_lookup_delay_ms", 500)
	v.SetDefault("orchestrator.min_credential_length", 20)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dead_job_threshold", 1)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.extraction_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar")
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("serpapi.base_url", "https://serpapi.com")
	v.SetDefault("serpapi.location", "United States")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.Credentials = LoadCredentials(os.LookupEnv)

	return &cfg, nil
}

// Validate checks the settings required by a command mode: "worker",
// "serve", "run" or "migrate".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		problems = append(problems, "store.driver must be postgres or sqlite")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be between 1 and 65535")
		}
	case "worker", "run":
		if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 100 {
			problems = append(problems, "worker.concurrency must be between 1 and 100")
		}
		switch c.Extraction.Strategy {
		case "rule", "llm":
		default:
			problems = append(problems, "extraction.strategy must be rule or llm")
		}
		for name, v := range map[string]float64{
			"extraction.brand_min_confidence":      c.Extraction.BrandMinConfidence,
			"extraction.competitor_min_confidence": c.Extraction.CompetitorMinConfidence,
		} {
			if v < 0 || v > 1 {
				problems = append(problems, name+" must be between 0 and 1")
			}
		}
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid for %s: %s", mode, strings.Join(problems, "; "))
	}
	return nil
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
