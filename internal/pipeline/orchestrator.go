// Package pipeline runs batches of URLs through the cache, fetch, normalize,
// extract and store stages with bounded concurrency.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/firmscrape/internal/extract"
	"github.com/kalambet/firmscrape/internal/fetch"
	"github.com/kalambet/firmscrape/internal/naming"
	"github.com/kalambet/firmscrape/internal/schema"
	"github.com/kalambet/firmscrape/internal/storage"
)

// DefaultFields are extracted when a run does not name any.
var DefaultFields = []string{
	"company location",
	"company overview",
	"investment criteria",
	"investment strategy",
	"portfolio companies",
	schema.TeamField,
}

// DefaultModel is used when a run does not name a model.
const DefaultModel = "gpt-4o-mini"

// Store is the subset of storage.Store the orchestrator needs.
type Store interface {
	ReadRaw(ctx context.Context, name string) (string, error)
	WriteRaw(ctx context.Context, name, url, content string) error
	ReadStructured(ctx context.Context, name string) (json.RawMessage, error)
	WriteStructured(ctx context.Context, name string, data any) error
	CountSubpages(ctx context.Context) (int, error)
	SubpageRange(ctx context.Context, start, end int) ([]storage.Subpage, error)
}

// Fetcher acquires page content.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (fetch.Document, error)
}

// Extractor fills a schema from content.
type Extractor interface {
	Extract(ctx context.Context, content string, s schema.Schema, model string) (extract.Result, error)
}

// Normalizer turns fetched documents into stored text.
type Normalizer interface {
	Page(html, pageURL string) (string, error)
	Bound(text string) (string, error)
}

// Deps wires an Orchestrator.
type Deps struct {
	Store       Store
	Fetcher     Fetcher
	Extractor   Extractor
	Normalizer  Normalizer
	Concurrency int
	Logger      *slog.Logger
}

// RunOptions tweak a single run.
type RunOptions struct {
	// Force re-extracts cached pages that already have structured data.
	Force bool
	// Progress, when set, is called after each URL completes.
	Progress func(done, total int, e Entry)
}

// Orchestrator processes batches. It is safe for concurrent use; each Run
// keeps its own totals.
type Orchestrator struct {
	store       Store
	fetcher     Fetcher
	extractor   Extractor
	normalizer  Normalizer
	concurrency int
	logger      *slog.Logger
}

// New creates an Orchestrator. Concurrency defaults to 5.
func New(d Deps) *Orchestrator {
	if d.Concurrency <= 0 {
		d.Concurrency = 5
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		store:       d.Store,
		fetcher:     d.Fetcher,
		extractor:   d.Extractor,
		normalizer:  d.Normalizer,
		concurrency: d.Concurrency,
		logger:      d.Logger,
	}
}

// RunRange processes subpage rows start..end (1-based, inclusive). An invalid
// range fails with a *RangeError before anything is fetched.
func (o *Orchestrator) RunRange(ctx context.Context, start, end int, fields []string, model string, opts RunOptions) (BatchResult, error) {
	total, err := o.store.CountSubpages(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("counting subpages: %w", err)
	}
	if err := ValidateRange(start, end, total); err != nil {
		return BatchResult{}, err
	}

	rows, err := o.store.SubpageRange(ctx, start, end)
	if err != nil {
		return BatchResult{}, fmt.Errorf("loading subpages %d-%d: %w", start, end, err)
	}
	urls := make([]string, len(rows))
	for i, r := range rows {
		urls[i] = r.FullURL
	}
	return o.Run(ctx, urls, fields, model, opts)
}

// Run processes urls. Every distinct page gets exactly one entry in the
// result whether it succeeded, failed or was never started. Per-URL failures
// never fail the run; the returned error is non-nil only when ctx was
// cancelled, in which case the partial result is still returned.
func (o *Orchestrator) Run(ctx context.Context, urls []string, fields []string, model string, opts RunOptions) (BatchResult, error) {
	if model == "" {
		model = DefaultModel
	}
	s := schema.Build(fields)

	res := BatchResult{
		RunID:     uuid.NewString(),
		Results:   make(map[string]Entry, len(urls)),
		StartedAt: time.Now().UTC(),
	}
	// URLs that canonicalize to the same name share a cache row, so only the
	// first spelling is processed.
	seen := make(map[string]bool, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		name := naming.GenerateUniqueName(u)
		if seen[name] {
			continue
		}
		seen[name] = true
		res.URLs = append(res.URLs, u)
	}

	log := o.logger.With("run_id", res.RunID)
	log.Info("batch started", "urls", len(res.URLs), "fields", s.Len(), "model", model, "force", opts.Force)

	var (
		mu   sync.Mutex
		done int
	)
	record := func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		res.Results[e.URL] = e
		res.Totals.add(e)
		done++
		if opts.Progress != nil {
			opts.Progress(done, len(res.URLs), e)
		}
	}

	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for _, u := range res.URLs {
		if ctx.Err() != nil {
			record(cancelledEntry(u, ""))
			continue
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				record(cancelledEntry(u, ""))
				return nil
			}
			record(o.process(ctx, log, u, s, model, opts.Force))
			return nil
		})
	}
	g.Wait()

	res.Duration = time.Since(res.StartedAt)
	log.Info("batch finished",
		"succeeded", res.Totals.Succeeded,
		"failed", res.Totals.Failed,
		"cache_hits", res.Totals.CacheHits,
		"input_tokens", res.Totals.InputTokens,
		"output_tokens", res.Totals.OutputTokens,
		"cost", res.Totals.Cost,
		"duration", res.Duration,
	)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("batch %s interrupted: %w", res.RunID, err)
	}
	return res, nil
}

// process runs one URL through every stage. It never panics the batch and
// always returns an entry.
func (o *Orchestrator) process(ctx context.Context, log *slog.Logger, url string, s schema.Schema, model string, force bool) Entry {
	name := naming.GenerateUniqueName(url)
	e := Entry{URL: url, Name: name}
	log = log.With("url", url, "name", name)

	fail := func(stage Stage, err error) Entry {
		e.Stage = stage
		if ctx.Err() != nil {
			e.Error = "cancelled"
			log.Warn("url cancelled", "stage", stage, "outcome", "cancelled")
			return e
		}
		e.Error = err.Error()
		log.Warn("url failed", "stage", stage, "outcome", "error", "error", err)
		return e
	}

	e.Stage = StageCache
	content, err := o.store.ReadRaw(ctx, name)
	if err != nil {
		return fail(StageCache, fmt.Errorf("reading cache: %w", err))
	}

	var cached map[string]any
	if content != "" {
		e.CacheHit = true
		raw, err := o.store.ReadStructured(ctx, name)
		switch {
		case err == nil:
			if err := json.Unmarshal(raw, &cached); err != nil {
				log.Warn("cached structured data unreadable, re-extracting", "stage", StageCache, "error", err)
				cached = nil
			}
		case !errors.Is(err, storage.ErrNotFound):
			return fail(StageCache, fmt.Errorf("reading structured cache: %w", err))
		}

		if cached != nil && !force {
			missing := missingKeys(cached, s)
			if len(missing) == 0 {
				e.Data = s.ApplyDefaults(cached)
				e.Stage = StageDone
				log.Info("url served from cache", "stage", StageCache, "outcome", "cache_hit")
				return e
			}
			log.Info("cached structured data lacks requested fields, re-extracting",
				"stage", StageCache, "missing", missing)
		}
		log.Debug("raw content cached, skipping fetch", "stage", StageCache, "outcome", "cache_hit")
	} else {
		e.Stage = StageFetch
		doc, err := o.fetcher.Fetch(ctx, url)
		if err != nil {
			return fail(StageFetch, err)
		}

		e.Stage = StageNormalize
		if doc.Format == fetch.HTML {
			content, err = o.normalizer.Page(doc.Body, url)
		} else {
			content, err = o.normalizer.Bound(doc.Body)
		}
		if err != nil {
			return fail(StageNormalize, err)
		}

		e.Stage = StageStore
		if err := o.store.WriteRaw(ctx, name, url, content); err != nil {
			return fail(StageStore, fmt.Errorf("storing raw content: %w", err))
		}
		log.Debug("raw content stored", "stage", StageStore, "length", len(content))
	}

	e.Stage = StageExtract
	result, err := o.extractor.Extract(ctx, content, s, model)
	if err != nil {
		return fail(StageExtract, err)
	}

	e.Stage = StageStore
	if err := o.store.WriteStructured(ctx, name, mergeRecord(cached, result.Data)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Raw content was read or written above, so the row must exist.
			log.Error("structured write found no source record",
				"stage", StageStore, "outcome", "error", "invariant_violation", true, "error", err)
		}
		return fail(StageStore, fmt.Errorf("storing structured data: %w", err))
	}

	e.Data = result.Data
	e.Usage = result.Usage
	e.Cost = result.Cost
	e.Stage = StageDone
	log.Info("url processed", "stage", StageDone, "outcome", "ok",
		"input_tokens", result.Usage.InputTokens, "output_tokens", result.Usage.OutputTokens, "cost", result.Cost)
	return e
}

// missingKeys lists the schema keys absent from a cached record.
func missingKeys(cached map[string]any, s schema.Schema) []string {
	var missing []string
	for _, k := range s.Keys() {
		if _, ok := cached[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// mergeRecord keeps fields extracted by earlier runs with different field
// lists. Fresh values win.
func mergeRecord(cached, fresh map[string]any) map[string]any {
	if len(cached) == 0 {
		return fresh
	}
	out := make(map[string]any, len(cached)+len(fresh))
	for k, v := range cached {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = v
	}
	return out
}

func cancelledEntry(url string, stage Stage) Entry {
	return Entry{URL: url, Name: naming.GenerateUniqueName(url), Error: "cancelled", Stage: stage}
}
