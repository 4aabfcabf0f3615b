package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/firmscrape/internal/llm"
)

// Stage names the step a URL reached. On failure it is the step that failed.
type Stage string

const (
	StageCache     Stage = "cache"
	StageFetch     Stage = "fetch"
	StageNormalize Stage = "normalize"
	StageStore     Stage = "store"
	StageExtract   Stage = "extract"
	StageDone      Stage = "done"
)

// Entry is the outcome for one URL. Exactly one of Data and Error is set.
type Entry struct {
	URL      string         `json:"url"`
	Name     string         `json:"name"`
	Data     map[string]any `json:"data,omitempty"`
	Error    string         `json:"error,omitempty"`
	Stage    Stage          `json:"stage,omitempty"`
	CacheHit bool           `json:"cache_hit"`
	Usage    llm.Usage      `json:"usage"`
	Cost     float64        `json:"cost"`
}

// OK reports whether the URL produced data.
func (e Entry) OK() bool { return e.Error == "" }

// Totals aggregates one batch. Failed URLs contribute no usage.
type Totals struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
	Succeeded    int     `json:"succeeded"`
	Failed       int     `json:"failed"`
	CacheHits    int     `json:"cache_hits"`
}

func (t *Totals) add(e Entry) {
	if !e.OK() {
		t.Failed++
		return
	}
	t.Succeeded++
	if e.CacheHit {
		t.CacheHits++
	}
	t.InputTokens += e.Usage.InputTokens
	t.OutputTokens += e.Usage.OutputTokens
	t.Cost += e.Cost
}

// BatchResult holds one entry per distinct page; URLs that canonicalize to
// the same name are processed once under their first spelling. URLs preserves
// input order.
type BatchResult struct {
	RunID     string           `json:"run_id"`
	URLs      []string         `json:"urls"`
	Results   map[string]Entry `json:"results"`
	Totals    Totals           `json:"totals"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration"`
}

// Ordered returns entries in input order.
func (r BatchResult) Ordered() []Entry {
	out := make([]Entry, 0, len(r.URLs))
	for _, u := range r.URLs {
		if e, ok := r.Results[u]; ok {
			out = append(out, e)
		}
	}
	return out
}

// ErrInvalidRange matches every *RangeError.
var ErrInvalidRange = errors.New("invalid row range")

// RangeError reports a row range outside 1..Total or with End < Start.
type RangeError struct {
	Start, End, Total int
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("invalid row range %d-%d: need 1 <= start <= end <= %d", e.Start, e.End, e.Total)
}

func (e *RangeError) Is(target error) bool { return target == ErrInvalidRange }

// ValidateRange checks a 1-based inclusive row range against total rows.
func ValidateRange(start, end, total int) error {
	if start < 1 || end < start || end > total {
		return &RangeError{Start: start, End: end, Total: total}
	}
	return nil
}
