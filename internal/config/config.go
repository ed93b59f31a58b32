package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Google     GoogleConfig     `yaml:"google" mapstructure:"google"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Scrape     ScrapeConfig     `yaml:"scrape" mapstructure:"scrape"`
	Dedup      DedupConfig      `yaml:"dedup" mapstructure:"dedup"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Lifecycle  LifecycleConfig  `yaml:"lifecycle" mapstructure:"lifecycle"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Worker     WorkerConfig     `yaml:"worker" mapstructure:"worker"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the canonical store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GoogleConfig holds Google Places settings.
type GoogleConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	MaxPages int    `yaml:"max_pages" mapstructure:"max_pages"`
	Language string `yaml:"language" mapstructure:"language"`
}

// GeocodeConfig configures address resolution for candidates without
// coordinates.
type GeocodeConfig struct {
	Enabled       bool    `yaml:"enabled" mapstructure:"enabled"`
	Key           string  `yaml:"key" mapstructure:"key"`
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	RPS           float64 `yaml:"rps" mapstructure:"rps"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
	CacheSize     int     `yaml:"cache_size" mapstructure:"cache_size"`
}

// ScrapeConfig configures HTML event page fetching.
type ScrapeConfig struct {
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
}

// DedupConfig holds fuzzy matching thresholds.
type DedupConfig struct {
	NameThreshold  float64 `yaml:"name_threshold" mapstructure:"name_threshold"`
	MaxDistanceM   float64 `yaml:"max_distance_m" mapstructure:"max_distance_m"`
	TitleThreshold float64 `yaml:"title_threshold" mapstructure:"title_threshold"`
	CellDegrees    float64 `yaml:"cell_degrees" mapstructure:"cell_degrees"`
}

// ClassifyConfig holds the controlled vocabularies the model must answer in.
type ClassifyConfig struct {
	Categories      []string `yaml:"categories" mapstructure:"categories"`
	EventCategories []string `yaml:"event_categories" mapstructure:"event_categories"`
	Community       string   `yaml:"community" mapstructure:"community"`
	BatchSize       int      `yaml:"batch_size" mapstructure:"batch_size"`
}

// LifecycleConfig holds state machine thresholds.
type LifecycleConfig struct {
	ClassificationThreshold float64 `yaml:"classification_threshold" mapstructure:"classification_threshold"`
	VerificationThreshold   float64 `yaml:"verification_threshold" mapstructure:"verification_threshold"`
	EventThreshold          float64 `yaml:"event_threshold" mapstructure:"event_threshold"`
	StalenessDays           int     `yaml:"staleness_days" mapstructure:"staleness_days"`
}

// Staleness returns the staleness window as a duration.
func (c LifecycleConfig) Staleness() time.Duration {
	return time.Duration(c.StalenessDays) * 24 * time.Hour
}

// ProviderLimit overrides the default limits for one provider.
type ProviderLimit struct {
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxInFlight int     `yaml:"max_in_flight" mapstructure:"max_in_flight"`
}

// ResilienceConfig configures retries, breakers and provider throttling.
type ResilienceConfig struct {
	MaxAttempts         int                      `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs    int                      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs        int                      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	AttemptTimeoutSecs  int                      `yaml:"attempt_timeout_secs" mapstructure:"attempt_timeout_secs"`
	BreakerThreshold    int                      `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int                      `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
	Default             ProviderLimit            `yaml:"default" mapstructure:"default"`
	Providers           map[string]ProviderLimit `yaml:"providers" mapstructure:"providers"`
}

// WorkerConfig configures the run orchestrator.
type WorkerConfig struct {
	Concurrency          int    `yaml:"concurrency" mapstructure:"concurrency"`
	ScopesFile           string `yaml:"scopes_file" mapstructure:"scopes_file"`
	LockDir              string `yaml:"lock_dir" mapstructure:"lock_dir"`
	EventDurationMinutes int    `yaml:"event_duration_minutes" mapstructure:"event_duration_minutes"`
}

// SchedulerConfig holds cron specs for recurring runs. Empty disables a job.
type SchedulerConfig struct {
	IngestCron   string `yaml:"ingest_cron" mapstructure:"ingest_cron"`
	ReverifyCron string `yaml:"reverify_cron" mapstructure:"reverify_cron"`
	PublishCron  string `yaml:"publish_cron" mapstructure:"publish_cron"`
}

// PricingConfig holds per-model Anthropic pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	CacheWriteMul float64 `yaml:"cache_write_mul" mapstructure:"cache_write_mul"`
	CacheReadMul  float64 `yaml:"cache_read_mul" mapstructure:"cache_read_mul"`
}

// ServerConfig configures the read/override API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("RADAR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "radar.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("google.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("google.max_pages", 3)
	v.SetDefault("google.language", "en")
	v.SetDefault("geocode.base_url", "https://maps.googleapis.com")
	v.SetDefault("geocode.rps", 10)
	v.SetDefault("geocode.cache_ttl_hours", 24)
	v.SetDefault("geocode.cache_size", 10000)
	v.SetDefault("scrape.timeout_secs", 20)
	v.SetDefault("scrape.max_body_bytes", 5<<20)
	v.SetDefault("scrape.user_agent", "radar/1.0 (+https://github.com/sells-group/radar-cli)")
	v.SetDefault("dedup.name_threshold", 0.85)
	v.SetDefault("dedup.max_distance_m", 150)
	v.SetDefault("dedup.title_threshold", 0.80)
	v.SetDefault("dedup.cell_degrees", 0.01)
	v.SetDefault("classify.categories", []string{"restaurant", "grocery", "bakery", "cafe", "butcher", "place_of_worship", "community_center", "services", "other"})
	v.SetDefault("classify.event_categories", []string{"culture", "music", "religious", "community", "sports", "business", "education", "other"})
	v.SetDefault("classify.batch_size", 50)
	v.SetDefault("lifecycle.classification_threshold", 0.80)
	v.SetDefault("lifecycle.verification_threshold", 0.85)
	v.SetDefault("lifecycle.event_threshold", 0.70)
	v.SetDefault("lifecycle.staleness_days", 90)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.attempt_timeout_secs", 30)
	v.SetDefault("resilience.breaker_threshold", 5)
	v.SetDefault("resilience.breaker_cooldown_secs", 30)
	v.SetDefault("resilience.default.rps", 2)
	v.SetDefault("resilience.default.burst", 2)
	v.SetDefault("resilience.default.max_in_flight", 4)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.scopes_file", "scopes.yaml")
	v.SetDefault("worker.lock_dir", ".radar-locks")
	v.SetDefault("worker.event_duration_minutes", 120)
	v.SetDefault("scheduler.ingest_cron", "0 3 * * *")
	v.SetDefault("scheduler.reverify_cron", "30 4 * * *")
	v.SetDefault("scheduler.publish_cron", "*/30 * * * *")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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

// Validate checks the settings a CLI mode depends on. Every problem is
// reported at once.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, postgres)", c.Store.Driver))
	}

	for name, v := range map[string]float64{
		"lifecycle.classification_threshold": c.Lifecycle.ClassificationThreshold,
		"lifecycle.verification_threshold":   c.Lifecycle.VerificationThreshold,
		"lifecycle.event_threshold":          c.Lifecycle.EventThreshold,
		"dedup.name_threshold":               c.Dedup.NameThreshold,
		"dedup.title_threshold":              c.Dedup.TitleThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("%s must be between 0 and 1", name))
		}
	}
	if c.Dedup.MaxDistanceM <= 0 {
		errs = append(errs, "dedup.max_distance_m must be > 0")
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 64 {
		errs = append(errs, "worker.concurrency must be between 1 and 64")
	}

	switch mode {
	case "ingest":
		if c.Geocode.Enabled && c.Geocode.Key == "" && c.Google.Key == "" {
			errs = append(errs, "geocode.key (or google.key) is required when geocode.enabled")
		}
	case "places":
		if c.Google.Key == "" {
			errs = append(errs, "google.key is required")
		}
	case "classify", "reverify":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if len(c.Classify.Categories) == 0 {
			errs = append(errs, "classify.categories must not be empty")
		}
	case "schedule":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Scheduler.IngestCron == "" && c.Scheduler.ReverifyCron == "" && c.Scheduler.PublishCron == "" {
			errs = append(errs, "at least one scheduler cron spec is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "stale", "dedupe", "publish", "override", "runs", "migrate":
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
