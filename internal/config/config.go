// Package config holds all configuration types and loading logic for leadflow.
// Durations are expressed in milliseconds (`*_ms`) or seconds (`*_s`) so the
// YAML stays free of unit-parsing rules.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
	_ "time/tzdata" // window timezones resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/storage"
)

// Config is the root configuration of a leadflow process.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Storage   StorageConfig   `yaml:"storage"`
	Log       LogConfig       `yaml:"log"`
	Window    WindowConfig    `yaml:"window"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Sender    SenderConfig    `yaml:"sender"`
	Queue     QueueConfig     `yaml:"queue"`
	Scanner   ScannerConfig   `yaml:"scanner"`
	Composer  ComposerConfig  `yaml:"composer"`
	LLM       LLMConfig       `yaml:"llm"`
	Report    ReportConfig    `yaml:"report"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

// NodeConfig holds installation identity and the data directory.
type NodeConfig struct {
	// InstallationID overrides the persisted installation identity. "auto"
	// generates and persists one on first start.
	InstallationID string `yaml:"installation_id"`
	DataDir        string `yaml:"data_dir"`
}

// StorageConfig selects the document-store backend.
type StorageConfig struct {
	// Backend is "json" (one file per document) or "bolt" (single bbolt file).
	Backend string `yaml:"backend"`
}

// LogConfig controls the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// WindowConfig is the daily send window. Start > End wraps midnight;
// Start == End is open all day.
type WindowConfig struct {
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	Timezone string `yaml:"timezone"`
}

// RateLimitConfig feeds ratelimit.Config.
type RateLimitConfig struct {
	MaxMessages     int `yaml:"max_messages"`
	IntervalMinMs   int `yaml:"interval_min_ms"`
	IntervalMaxMs   int `yaml:"interval_max_ms"`
	BurstPauseMs    int `yaml:"burst_pause_ms"`
	FirstRunDelayMs int `yaml:"first_run_delay_ms"`
	IdleResetMs     int `yaml:"idle_reset_ms"`
	MaxWaitSliceMs  int `yaml:"max_wait_slice_ms"`
}

// SenderConfig tunes the send loop and the delivery client.
type SenderConfig struct {
	// DryRun logs deliveries instead of sending them. Without an LLM API key
	// it also composes offline previews.
	DryRun            bool     `yaml:"dry_run"`
	GatewayURL        string   `yaml:"gateway_url"`
	GatewayToken      string   `yaml:"gateway_token"`
	GatewayTimeoutMs  int      `yaml:"gateway_timeout_ms"`
	RequeueBatch      int      `yaml:"requeue_batch"`
	MaxRequeues       int      `yaml:"max_requeues"`
	PermanentPatterns []string `yaml:"permanent_patterns"`
	IdleDelayMs       int      `yaml:"idle_delay_ms"`
	TokenTimeoutMs    int      `yaml:"token_timeout_ms"`
	TokenRetryDelayMs int      `yaml:"token_retry_delay_ms"`
	MaxSleepSliceMs   int      `yaml:"max_sleep_slice_ms"`
	DisablePreview    bool     `yaml:"disable_preview"`
	Silent            bool     `yaml:"silent"`
}

// QueueConfig feeds queue.Config.
type QueueConfig struct {
	MaxAttempts  int `yaml:"max_attempts"`
	BackoffMs    int `yaml:"backoff_ms"`
	MaxAgeMs     int `yaml:"max_age_ms"`
	RetentionMs  int `yaml:"retention_ms"`
	MaxTasks     int `yaml:"max_tasks"`
	GCIntervalMs int `yaml:"gc_interval_ms"`
}

// ScannerConfig controls feed polling and source filtering.
type ScannerConfig struct {
	FeedPath     string   `yaml:"feed_path"`
	IntervalMs   int      `yaml:"interval_ms"`
	DenySources  []string `yaml:"deny_sources"`
	DenyPatterns []string `yaml:"deny_patterns"`
	// ExcludeUsernames are never contacted (own accounts, the report bot).
	ExcludeUsernames []string `yaml:"exclude_usernames"`
	KeepBots         bool     `yaml:"keep_bots"`
	MinConfidence    float64  `yaml:"min_confidence"`
	// ResolveLinks follows message links through the gateway when nothing
	// else yields a contact.
	ResolveLinks bool `yaml:"resolve_links"`
}

// ComposerConfig feeds compose.Config.
type ComposerConfig struct {
	TemplateID          string   `yaml:"template_id"`
	SystemPrompt        string   `yaml:"system_prompt"`
	PortfolioURL        string   `yaml:"portfolio_url"`
	PortfolioCategories []string `yaml:"portfolio_categories"`
	MaxLength           int      `yaml:"max_length"`
}

// LLMConfig configures the generation collaborator.
type LLMConfig struct {
	URL         string  `yaml:"url"`
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	TimeoutMs   int     `yaml:"timeout_ms"`
}

// ReportConfig configures the Bot API report channel. Reports are disabled
// when BotToken is empty.
type ReportConfig struct {
	BotToken  string  `yaml:"bot_token"`
	ChatID    string  `yaml:"chat_id"`
	APIURL    string  `yaml:"api_url"`
	PerSecond float64 `yaml:"per_second"`
	// SummaryIntervalMs is how often the stats snapshot is logged (and
	// reported when Summary is true).
	SummaryIntervalMs int    `yaml:"summary_interval_ms"`
	Summary           bool   `yaml:"summary"`
	Language          string `yaml:"language"`
}

// WebhookConfig subscribes an HTTP endpoint to live pipeline events.
type WebhookConfig struct {
	URL string `yaml:"url"`
	// Secret, when set, signs every body with HMAC-SHA256.
	Secret string `yaml:"secret"`
	// Events filters by event type ("discovery", "cycle"). Empty means all.
	Events []string `yaml:"events"`
}

// MetricsConfig controls the operator status server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	// APIKey, when set, is required in the X-Api-Key header of every route
	// except /health.
	APIKey string `yaml:"api_key"`
	// RatePerSecond and Burst bound requests per client IP.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			InstallationID: "auto",
			DataDir:        "./data",
		},
		Storage: StorageConfig{Backend: storage.BackendJSON},
		Log:     LogConfig{Level: "info"},
		Window: WindowConfig{
			Start:    "09:00",
			End:      "21:00",
			Timezone: "Europe/Moscow",
		},
		RateLimit: RateLimitConfig{
			MaxMessages:     3,
			IntervalMinMs:   180_000,
			IntervalMaxMs:   420_000,
			BurstPauseMs:    3_600_000,
			FirstRunDelayMs: 5_000,
			IdleResetMs:     7_200_000,
			MaxWaitSliceMs:  30_000,
		},
		Sender: SenderConfig{
			DryRun:            true,
			GatewayTimeoutMs:  30_000,
			RequeueBatch:      50,
			MaxRequeues:       3,
			IdleDelayMs:       30_000,
			TokenTimeoutMs:    300_000,
			TokenRetryDelayMs: 10_000,
			MaxSleepSliceMs:   30_000,
			DisablePreview:    true,
		},
		Queue: QueueConfig{
			MaxAttempts:  3,
			BackoffMs:    5_000,
			MaxAgeMs:     86_400_000,
			RetentionMs:  3_600_000,
			MaxTasks:     10_000,
			GCIntervalMs: 60_000,
		},
		Scanner: ScannerConfig{
			FeedPath:     "./data/leads.jsonl",
			IntervalMs:   60_000,
			ResolveLinks: true,
		},
		Composer: ComposerConfig{
			TemplateID:          "ai-v1",
			PortfolioCategories: []string{"design"},
			MaxLength:           1_000,
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			Temperature: 0.9,
			MaxTokens:   400,
			TimeoutMs:   60_000,
		},
		Report: ReportConfig{
			PerSecond:         1,
			SummaryIntervalMs: 900_000,
			Language:          "ru",
		},
		Metrics: MetricsConfig{
			Enabled:       true,
			Host:          "127.0.0.1",
			Port:          9090,
			RatePerSecond: 20,
			Burst:         40,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	LEADFLOW_DATA_DIR          sets node.data_dir
//	LEADFLOW_STORAGE_BACKEND   sets storage.backend
//	LEADFLOW_LOG_LEVEL         sets log.level
//	LEADFLOW_FEED_PATH         sets scanner.feed_path
//	LEADFLOW_GATEWAY_URL       sets sender.gateway_url
//	LEADFLOW_GATEWAY_TOKEN     sets sender.gateway_token
//	LEADFLOW_DRY_RUN           sets sender.dry_run (strconv.ParseBool)
//	LEADFLOW_LLM_API_KEY       sets llm.api_key
//	LEADFLOW_REPORT_BOT_TOKEN  sets report.bot_token
//	LEADFLOW_REPORT_CHAT_ID    sets report.chat_id
//	LEADFLOW_METRICS_PORT      sets metrics.port
//	LEADFLOW_STATUS_API_KEY    sets metrics.api_key
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	str := map[string]*string{
		"LEADFLOW_DATA_DIR":         &cfg.Node.DataDir,
		"LEADFLOW_STORAGE_BACKEND":  &cfg.Storage.Backend,
		"LEADFLOW_LOG_LEVEL":        &cfg.Log.Level,
		"LEADFLOW_FEED_PATH":        &cfg.Scanner.FeedPath,
		"LEADFLOW_GATEWAY_URL":      &cfg.Sender.GatewayURL,
		"LEADFLOW_GATEWAY_TOKEN":    &cfg.Sender.GatewayToken,
		"LEADFLOW_LLM_API_KEY":      &cfg.LLM.APIKey,
		"LEADFLOW_REPORT_BOT_TOKEN": &cfg.Report.BotToken,
		"LEADFLOW_REPORT_CHAT_ID":   &cfg.Report.ChatID,
		"LEADFLOW_STATUS_API_KEY":   &cfg.Metrics.APIKey,
	}
	for name, dst := range str {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("LEADFLOW_DRY_RUN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sender.DryRun = b
		}
	}
	if v := os.Getenv("LEADFLOW_METRICS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			cfg.Metrics.Port = p
		}
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Backend {
	case storage.BackendJSON, storage.BackendBolt:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", storage.BackendJSON, storage.BackendBolt)
	}
	if _, err := c.Window.Parse(); err != nil {
		return fmt.Errorf("window: %w", err)
	}
	r := c.RateLimit
	if r.MaxMessages < 1 {
		return errors.New("rate_limit.max_messages must be at least 1")
	}
	if r.IntervalMinMs < 0 || r.IntervalMaxMs < r.IntervalMinMs {
		return errors.New("rate_limit.interval_max_ms must be >= interval_min_ms >= 0")
	}
	if r.BurstPauseMs < 1 {
		return errors.New("rate_limit.burst_pause_ms must be positive")
	}
	s := c.Sender
	if s.RequeueBatch < 1 {
		return errors.New("sender.requeue_batch must be at least 1")
	}
	if s.MaxRequeues < 0 {
		return errors.New("sender.max_requeues must be >= 0")
	}
	if !s.DryRun && s.GatewayURL == "" {
		return errors.New("sender.gateway_url is required unless sender.dry_run is set")
	}
	if c.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be at least 1")
	}
	if c.Scanner.FeedPath == "" {
		return errors.New("scanner.feed_path must not be empty")
	}
	if c.Scanner.IntervalMs < 1_000 {
		return errors.New("scanner.interval_ms must be at least 1000")
	}
	if c.Scanner.MinConfidence < 0 || c.Scanner.MinConfidence > 1 {
		return errors.New("scanner.min_confidence must be within [0, 1]")
	}
	if c.LLM.APIKey == "" && !s.DryRun {
		return errors.New("llm.api_key is required unless sender.dry_run is set")
	}
	if c.Report.BotToken != "" && c.Report.ChatID == "" {
		return errors.New("report.chat_id is required when report.bot_token is set")
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	for i, w := range c.Webhooks {
		u, err := url.ParseRequestURI(w.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("webhooks[%d].url must be an http or https URL", i)
		}
		for _, e := range w.Events {
			if e != "discovery" && e != "cycle" {
				return fmt.Errorf("webhooks[%d]: unknown event %q", i, e)
			}
		}
	}
	return nil
}

// Parse builds the clock.Window.
func (w WindowConfig) Parse() (clock.Window, error) {
	return clock.ParseWindow(w.Start, w.End, w.Timezone)
}

// Ms converts a millisecond config value to a time.Duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
