package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kalambet/firmscrape/internal/config"
	"github.com/kalambet/firmscrape/internal/extract"
	"github.com/kalambet/firmscrape/internal/fetch"
	"github.com/kalambet/firmscrape/internal/llm"
	"github.com/kalambet/firmscrape/internal/normalize"
	"github.com/kalambet/firmscrape/internal/pipeline"
	"github.com/kalambet/firmscrape/internal/storage"
)

// app holds everything a batch command needs.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	store   *storage.Store
	fetcher *fetch.Fetcher
	orch    *pipeline.Orchestrator
}

// loadConfig reads config and installs the logger.
func loadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, setupLogging(cfg.Log.Level), nil
}

func openStore(cfg config.Config) (*storage.Store, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	return store, nil
}

// newApp opens storage and builds the orchestrator. Callers must Close it.
func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	fcfg, err := fetchConfig(cfg)
	if err != nil {
		return nil, err
	}

	engine, err := llm.New(llm.Options{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("configuring LLM backend: %w", err)
	}
	if oc, ok := engine.(*llm.OllamaClient); ok {
		if err := ensureOllama(ctx, oc, cfg.LLM.Model); err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	fetcher := fetch.New(fetch.ChromeBrowser{ExecPath: os.Getenv("FIRMSCRAPE_CHROME_PATH")}, fcfg, logger)
	fetcher.OnRetry = func(url string, attempt int, delay time.Duration, err error) {
		printWarning("retrying %s (attempt %d) in %s: %v", url, attempt, delay, err)
	}

	normalizer := normalize.New(cfg.Content.MinLength, cfg.Content.MaxLength)
	normalizer.MainContent = cfg.Content.MainContent

	orch := pipeline.New(pipeline.Deps{
		Store:       store,
		Fetcher:     fetcher,
		Extractor:   extract.New(engine, llm.DefaultPricing(), logger),
		Normalizer:  normalizer,
		Concurrency: cfg.Scraping.ConcurrentLimit,
		Logger:      logger,
	})

	return &app{cfg: cfg, logger: logger, store: store, fetcher: fetcher, orch: orch}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

// fetchConfig converts the flat config keys into fetcher settings.
func fetchConfig(cfg config.Config) (fetch.Config, error) {
	wait, err := fetch.ParseWaitCondition(cfg.Browser.WaitCondition)
	if err != nil {
		return fetch.Config{}, err
	}
	return fetch.Config{
		Browser: fetch.BrowserConfig{
			Headless:          cfg.Browser.Headless,
			UserAgent:         cfg.Browser.UserAgent,
			ViewportWidth:     cfg.Browser.ViewportWidth,
			ViewportHeight:    cfg.Browser.ViewportHeight,
			IgnoreHTTPSErrors: cfg.Browser.IgnoreHTTPSErrors,
			WaitCondition:     wait,
		},
		Timeout:           time.Duration(cfg.Scraping.TimeoutMs) * time.Millisecond,
		MaxRetries:        cfg.Scraping.MaxRetries,
		ConcurrentLimit:   cfg.Scraping.ConcurrentLimit,
		WaitTime:          time.Duration(cfg.Scraping.WaitTimeMs) * time.Millisecond,
		RetryCodes:        cfg.Retry.Codes,
		BaseDelay:         time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		BackoffFactor:     cfg.Retry.BackoffFactor,
		RequestsPerMinute: cfg.Rate.RequestsPerMinute,
		BurstSize:         cfg.Rate.BurstSize,
		RespectRobots:     cfg.Scraping.RespectRobots,
	}, nil
}

// ensureOllama checks that a local Ollama is up and has the model pulled.
func ensureOllama(ctx context.Context, c *llm.OllamaClient, model string) error {
	printStep("Checking Ollama...")
	if !c.IsRunning(ctx) {
		return fmt.Errorf("ollama is not running; start it with `ollama serve`")
	}
	ok, err := c.HasModel(ctx, model)
	if err != nil {
		return fmt.Errorf("checking ollama models: %w", err)
	}
	if !ok {
		return fmt.Errorf("ollama model %q not found; run `ollama pull %s`", model, model)
	}
	printSuccess("Ollama ready (%s)", model)
	return nil
}
