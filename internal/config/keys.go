package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kIntList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "browser.headless", typ: kBool, env: "FIRMSCRAPE_BROWSER_HEADLESS",
		apply:   func(cfg *Config, v any) { cfg.Browser.Headless = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.Headless },
	},
	{
		key: "browser.user_agent", typ: kString, env: "FIRMSCRAPE_BROWSER_USER_AGENT",
		apply:   func(cfg *Config, v any) { cfg.Browser.UserAgent = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.UserAgent },
	},
	{
		key: "browser.viewport_width", typ: kInt, env: "FIRMSCRAPE_BROWSER_VIEWPORT_WIDTH",
		apply:   func(cfg *Config, v any) { cfg.Browser.ViewportWidth = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.ViewportWidth },
	},
	{
		key: "browser.viewport_height", typ: kInt, env: "FIRMSCRAPE_BROWSER_VIEWPORT_HEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Browser.ViewportHeight = v.(int) },
		extract: func(cfg Config) any { return cfg.Browser.ViewportHeight },
	},
	{
		key: "browser.ignore_https_errors", typ: kBool, env: "FIRMSCRAPE_BROWSER_IGNORE_HTTPS_ERRORS",
		apply:   func(cfg *Config, v any) { cfg.Browser.IgnoreHTTPSErrors = v.(bool) },
		extract: func(cfg Config) any { return cfg.Browser.IgnoreHTTPSErrors },
	},
	{
		key: "browser.wait_condition", typ: kString, env: "FIRMSCRAPE_BROWSER_WAIT_CONDITION",
		apply:   func(cfg *Config, v any) { cfg.Browser.WaitCondition = v.(string) },
		extract: func(cfg Config) any { return cfg.Browser.WaitCondition },
	},
	{
		key: "scraping.timeout_ms", typ: kInt, env: "FIRMSCRAPE_SCRAPING_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Scraping.TimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraping.TimeoutMs },
	},
	{
		key: "scraping.max_retries", typ: kInt, env: "FIRMSCRAPE_SCRAPING_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Scraping.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraping.MaxRetries },
	},
	{
		key: "scraping.concurrent_limit", typ: kInt, env: "FIRMSCRAPE_SCRAPING_CONCURRENT_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Scraping.ConcurrentLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraping.ConcurrentLimit },
	},
	{
		key: "scraping.wait_time_ms", typ: kInt, env: "FIRMSCRAPE_SCRAPING_WAIT_TIME_MS",
		apply:   func(cfg *Config, v any) { cfg.Scraping.WaitTimeMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Scraping.WaitTimeMs },
	},
	{
		key: "scraping.respect_robots", typ: kBool, env: "FIRMSCRAPE_SCRAPING_RESPECT_ROBOTS",
		apply:   func(cfg *Config, v any) { cfg.Scraping.RespectRobots = v.(bool) },
		extract: func(cfg Config) any { return cfg.Scraping.RespectRobots },
	},
	{
		key: "retry.codes", typ: kIntList, env: "FIRMSCRAPE_RETRY_CODES",
		apply:   func(cfg *Config, v any) { cfg.Retry.Codes = v.([]int) },
		extract: func(cfg Config) any { return cfg.Retry.Codes },
	},
	{
		key: "retry.base_delay_ms", typ: kInt, env: "FIRMSCRAPE_RETRY_BASE_DELAY_MS",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelayMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelayMs },
	},
	{
		key: "retry.backoff_factor", typ: kFloat, env: "FIRMSCRAPE_RETRY_BACKOFF_FACTOR",
		apply:   func(cfg *Config, v any) { cfg.Retry.BackoffFactor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.BackoffFactor },
	},
	{
		key: "rate.requests_per_minute", typ: kInt, env: "FIRMSCRAPE_RATE_REQUESTS_PER_MINUTE",
		apply:   func(cfg *Config, v any) { cfg.Rate.RequestsPerMinute = v.(int) },
		extract: func(cfg Config) any { return cfg.Rate.RequestsPerMinute },
	},
	{
		key: "rate.burst_size", typ: kInt, env: "FIRMSCRAPE_RATE_BURST_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Rate.BurstSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Rate.BurstSize },
	},
	{
		key: "content.min_length", typ: kInt, env: "FIRMSCRAPE_CONTENT_MIN_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Content.MinLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Content.MinLength },
	},
	{
		key: "content.max_length", typ: kInt, env: "FIRMSCRAPE_CONTENT_MAX_LENGTH",
		apply:   func(cfg *Config, v any) { cfg.Content.MaxLength = v.(int) },
		extract: func(cfg Config) any { return cfg.Content.MaxLength },
	},
	{
		key: "content.main_content", typ: kBool, env: "FIRMSCRAPE_CONTENT_MAIN_CONTENT",
		apply:   func(cfg *Config, v any) { cfg.Content.MainContent = v.(bool) },
		extract: func(cfg Config) any { return cfg.Content.MainContent },
	},
	{
		key: "llm.provider", typ: kString, env: "FIRMSCRAPE_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.base_url", typ: kString, env: "FIRMSCRAPE_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.model", typ: kString, env: "FIRMSCRAPE_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.api_key", typ: kString, env: "FIRMSCRAPE_LLM_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "storage.data_dir", typ: kString, env: "FIRMSCRAPE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "FIRMSCRAPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.token", typ: kString, env: "FIRMSCRAPE_SERVER_TOKEN",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Server.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Token },
	},
	{
		key: "log.level", typ: kString, env: "FIRMSCRAPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(strings.TrimSpace(raw))
	case kBool:
		return strconv.ParseBool(strings.TrimSpace(raw))
	case kFloat:
		return strconv.ParseFloat(strings.TrimSpace(raw), 64)
	case kIntList:
		return parseIntList(raw)
	default:
		return nil, fmt.Errorf("unknown key type %d", typ)
	}
}

// parseIntList accepts "429,500 503" and "[429, 500]".
func parseIntList(raw string) ([]int, error) {
	raw = strings.Trim(strings.TrimSpace(raw), "[]")
	fields := strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' })
	out := make([]int, 0, len(fields))
	for _, f := range fields {
		i, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("invalid integer %q in list", f)
		}
		out = append(out, i)
	}
	return out, nil
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
