// Package extract turns normalized page content into a structured record by
// asking a language model to fill a runtime schema.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kalambet/firmscrape/internal/llm"
	"github.com/kalambet/firmscrape/internal/schema"
)

// RawTextKey holds the model reply verbatim when it is not valid JSON.
const RawTextKey = "raw_text"

// Kind classifies an extraction failure.
type Kind int

const (
	KindModel Kind = iota
	KindMalformedReply
)

func (k Kind) String() string {
	if k == KindMalformedReply {
		return "malformed_reply"
	}
	return "model"
}

// Error is returned when the model call fails or yields nothing usable.
type Error struct {
	Kind  Kind
	Model string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("extraction with %s (%s): %v", e.Model, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is the structured record and the accounting for the call that
// produced it.
type Result struct {
	Data  map[string]any
	Raw   string
	Usage llm.Usage
	Cost  float64
	Model string
}

// Extractor wraps an llm.Engine with schema prompting, reply parsing and
// cost accounting.
type Extractor struct {
	engine  llm.Engine
	pricing llm.Pricing
	logger  *slog.Logger
}

// New creates an Extractor. A nil pricing uses llm.DefaultPricing().
func New(engine llm.Engine, pricing llm.Pricing, logger *slog.Logger) *Extractor {
	if pricing == nil {
		pricing = llm.DefaultPricing()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{engine: engine, pricing: pricing, logger: logger}
}

// Extract fills s from content using model. Fields absent from the reply
// take their schema defaults. A reply that is not JSON is kept under
// RawTextKey instead of failing.
func (e *Extractor) Extract(ctx context.Context, content string, s schema.Schema, model string) (Result, error) {
	if s.Len() == 0 {
		return Result{Data: map[string]any{}, Model: model}, nil
	}

	resp, err := e.engine.Complete(ctx, llm.Request{
		Model: model,
		Messages: []llm.Message{
			{Role: "system", Content: s.Instructions()},
			{Role: "user", Content: content},
		},
		Schema:     s.JSONSchema(),
		SchemaName: "listings",
	})
	if err != nil {
		return Result{}, &Error{Kind: KindModel, Model: model, Err: err}
	}

	res := Result{Raw: resp.Content, Usage: resp.Usage, Model: model}
	if resp.Model != "" {
		res.Model = resp.Model
	}

	cost, priced := e.pricing.Cost(res.Model, resp.Usage)
	if !priced {
		cost, priced = e.pricing.Cost(model, resp.Usage)
	}
	if !priced {
		e.logger.Warn("no pricing for model, cost recorded as zero", "model", res.Model)
	}
	res.Cost = cost

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return res, &Error{Kind: KindMalformedReply, Model: model, Err: llm.ErrEmptyResponse}
	}

	obj, ok := parseReply(reply)
	if !ok {
		e.logger.Warn("model reply is not a JSON object, keeping raw text", "model", res.Model, "length", len(reply))
		data := s.ApplyDefaults(nil)
		data[RawTextKey] = reply
		res.Data = data
		return res, nil
	}

	res.Data = s.ApplyDefaults(obj)
	return res, nil
}

// parseReply decodes a JSON object reply, tolerating markdown code fences.
// A listings container is merged into a single record.
func parseReply(reply string) (map[string]any, bool) {
	reply = stripFence(reply)

	var obj map[string]any
	if err := json.Unmarshal([]byte(reply), &obj); err != nil {
		return nil, false
	}

	raw, ok := obj["listings"]
	if !ok {
		return obj, true
	}
	items, ok := raw.([]any)
	if !ok {
		return obj, true
	}
	return mergeListings(items), true
}

// mergeListings folds listing items into one record: the first non-empty
// value of each key wins, except lists, which are concatenated.
func mergeListings(items []any) map[string]any {
	merged := make(map[string]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range m {
			if list, ok := v.([]any); ok {
				prev, _ := merged[k].([]any)
				merged[k] = append(prev, list...)
				continue
			}
			if isEmpty(merged[k]) {
				merged[k] = v
			}
		}
	}
	return merged
}

func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	default:
		return false
	}
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
