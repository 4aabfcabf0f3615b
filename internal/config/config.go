package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Config struct {
	Browser  BrowserConfig
	Scraping ScrapingConfig
	Retry    RetryConfig
	Rate     RateConfig
	Content  ContentConfig
	LLM      LLMConfig
	Storage  StorageConfig
	Server   ServerConfig
	Log      LogConfig
}

type BrowserConfig struct {
	Headless          bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	IgnoreHTTPSErrors bool
	WaitCondition     string
}

type ScrapingConfig struct {
	TimeoutMs       int
	MaxRetries      int
	ConcurrentLimit int
	WaitTimeMs      int
	RespectRobots   bool
}

type RetryConfig struct {
	Codes         []int
	BaseDelayMs   int
	BackoffFactor float64
}

type RateConfig struct {
	RequestsPerMinute int
	BurstSize         int
}

type ContentConfig struct {
	MinLength   int
	MaxLength   int
	MainContent bool
}

type LLMConfig struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

type StorageConfig struct {
	DataDir string
}

type ServerConfig struct {
	Port  int
	Token string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Browser: BrowserConfig{
			Headless:          true,
			UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			IgnoreHTTPSErrors: true,
			WaitCondition:     "network-idle",
		},
		Scraping: ScrapingConfig{
			TimeoutMs:       40000,
			MaxRetries:      3,
			ConcurrentLimit: 5,
			WaitTimeMs:      2000,
		},
		Retry: RetryConfig{
			Codes:         []int{429, 500, 502, 503, 504},
			BaseDelayMs:   1000,
			BackoffFactor: 2,
		},
		Rate: RateConfig{
			RequestsPerMinute: 30,
			BurstSize:         5,
		},
		Content: ContentConfig{
			MinLength: 100,
			MaxLength: 1000000,
		},
		LLM: LLMConfig{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/firmscrape/config.json and then applies FIRMSCRAPE_*
// environment overrides. Secrets are read from the environment only; the
// provider's conventional variable (OPENAI_API_KEY, OPENROUTER_API_KEY) is
// used when FIRMSCRAPE_LLM_API_KEY is unset.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.LLM.APIKey == "" {
		switch strings.ToLower(cfg.LLM.Provider) {
		case "openai", "":
			cfg.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
		case "openrouter":
			cfg.LLM.APIKey = os.Getenv("OPENROUTER_API_KEY")
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	positive := []struct {
		key string
		val int
	}{
		{"scraping.timeout_ms", c.Scraping.TimeoutMs},
		{"scraping.concurrent_limit", c.Scraping.ConcurrentLimit},
		{"rate.burst_size", c.Rate.BurstSize},
		{"browser.viewport_width", c.Browser.ViewportWidth},
		{"browser.viewport_height", c.Browser.ViewportHeight},
	}
	for _, p := range positive {
		if p.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", p.key, p.val))
		}
	}

	nonNegative := []struct {
		key string
		val int
	}{
		{"scraping.max_retries", c.Scraping.MaxRetries},
		{"scraping.wait_time_ms", c.Scraping.WaitTimeMs},
		{"retry.base_delay_ms", c.Retry.BaseDelayMs},
		{"rate.requests_per_minute", c.Rate.RequestsPerMinute},
		{"content.min_length", c.Content.MinLength},
		{"content.max_length", c.Content.MaxLength},
	}
	for _, p := range nonNegative {
		if p.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative, got %d", p.key, p.val))
		}
	}

	if c.Retry.BackoffFactor < 1 {
		errs = append(errs, fmt.Errorf("retry.backoff_factor must be >= 1, got %v", c.Retry.BackoffFactor))
	}
	for _, code := range c.Retry.Codes {
		if code < 100 || code > 599 {
			errs = append(errs, fmt.Errorf("retry.codes: %d is not an HTTP status", code))
		}
	}
	if c.Content.MaxLength > 0 && c.Content.MinLength > c.Content.MaxLength {
		errs = append(errs, fmt.Errorf("content.min_length (%d) exceeds content.max_length (%d)", c.Content.MinLength, c.Content.MaxLength))
	}
	switch c.Browser.WaitCondition {
	case "load", "network-idle", "networkidle":
	default:
		errs = append(errs, fmt.Errorf("browser.wait_condition must be load or network-idle, got %q", c.Browser.WaitCondition))
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "openai", "openrouter", "ollama":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be openai, openrouter or ollama, got %q", c.LLM.Provider))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	return errors.Join(errs...)
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "firmscrape-data"
		}
	}
	return filepath.Join(dir, "firmscrape")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "firmscrape", "config.json")
}
