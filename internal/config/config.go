package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every well-defined setting the process reads.
type Config struct {
	// Server
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// Persistence
	DatabaseURL   string `mapstructure:"database_url"`
	SessionSecret string `mapstructure:"session_secret"`

	// LLM providers
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`
	DefaultProvider string `mapstructure:"default_provider"`
	DefaultModel    string `mapstructure:"default_model"`

	// Wiki
	WikiBaseURL  string `mapstructure:"wiki_base_url"`
	WikiUser     string `mapstructure:"wiki_user"`
	WikiPassword string `mapstructure:"wiki_password"`

	// Cluster key -> workspace URL directory.
	WorkspaceDirectory map[string]string `mapstructure:"workspace_directory"`

	// External SQL parsing service.
	SQLEngineURL string `mapstructure:"sql_engine_url"`

	// Document authoring budgets (tokens per doc slot).
	DocBudgets      DocBudgets `mapstructure:"doc_budgets"`
	FocusBudget     int        `mapstructure:"focus_budget"`
	MaxFocusDocs    int        `mapstructure:"max_focus_docs"`
	MaxPayloadChars int        `mapstructure:"max_payload_chars"`

	// Filter-tier thresholds.
	MandatoryThreshold    float64 `mapstructure:"mandatory_threshold"`
	TableDefaultThreshold float64 `mapstructure:"table_default_threshold"`
	CommonThreshold       float64 `mapstructure:"common_threshold"`

	// Token caps for the sanitizer and chat.
	SanitizeTokenCap int `mapstructure:"sanitize_token_cap"`
	ChatTokenCap     int `mapstructure:"chat_token_cap"`

	// Concurrency and timeouts.
	CrawlConcurrency int           `mapstructure:"crawl_concurrency"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
}

// DocBudgets holds per-slot token budgets for the five core documents.
type DocBudgets struct {
	Master   int `mapstructure:"master"`
	Schema   int `mapstructure:"schema"`
	Business int `mapstructure:"business"`
	Filters  int `mapstructure:"filters"`
	Patterns int `mapstructure:"patterns"`
}

// Defaults returns the built-in configuration values.
func Defaults() Config {
	return Config{
		Host:                  "0.0.0.0",
		Port:                  8080,
		DefaultProvider:       "anthropic",
		DefaultModel:          "claude-sonnet-4-20250514",
		DocBudgets:            DocBudgets{Master: 2000, Schema: 3000, Business: 3000, Filters: 2000, Patterns: 4000},
		FocusBudget:           3000,
		MaxFocusDocs:          3,
		MaxPayloadChars:       200000,
		MandatoryThreshold:    0.50,
		TableDefaultThreshold: 0.30,
		CommonThreshold:       0.10,
		SanitizeTokenCap:      16000,
		ChatTokenCap:          8000,
		CrawlConcurrency:      8,
		HTTPTimeout:           60 * time.Second,
	}
}

// Load reads configuration from the environment (ATLAS_ prefix) and an
// optional YAML file. Environment values win over file values.
func Load(path string) (Config, error) {
	v := viper.New()
	cfg := Defaults()

	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the pipelines cannot run with.
func (c Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxPayloadChars <= 0 {
		return fmt.Errorf("max_payload_chars must be positive")
	}
	if c.CrawlConcurrency <= 0 {
		return fmt.Errorf("crawl_concurrency must be positive")
	}
	if c.MandatoryThreshold < c.TableDefaultThreshold {
		return fmt.Errorf("mandatory threshold below table-default threshold")
	}
	return nil
}

// WorkspaceURL resolves a cluster key to its workspace base URL.
func (c Config) WorkspaceURL(clusterKey string) (string, error) {
	if url, ok := c.WorkspaceDirectory[clusterKey]; ok && url != "" {
		return url, nil
	}
	return "", fmt.Errorf("unknown cluster key %q", clusterKey)
}
