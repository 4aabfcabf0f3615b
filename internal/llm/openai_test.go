package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: "system", Content: "extract"}, {Role: "user", Content: "page"}},
		Schema:   map[string]any{"type": "object"},
	}
}

func TestComplete_ParsesContentAndUsage(t *testing.T) {
	var gotAuth string
	var gotBody chatCompletionRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"model":"gpt-4o-mini-2024-07-18","choices":[{"message":{"role":"assistant","content":"{\"a\":\"b\"}"}}],"usage":{"prompt_tokens":120,"completion_tokens":30}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClientWithBaseURL("test-key", srv.URL)
	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if gotAuth != "Bearer test-key" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer test-key")
	}
	if gotBody.ResponseFormat == nil || gotBody.ResponseFormat.Type != "json_schema" {
		t.Fatalf("response_format = %+v, want json_schema", gotBody.ResponseFormat)
	}
	if gotBody.ResponseFormat.JSONSchema.Name != "extraction" || !gotBody.ResponseFormat.JSONSchema.Strict {
		t.Errorf("json_schema = %+v", gotBody.ResponseFormat.JSONSchema)
	}
	if resp.Content != `{"a":"b"}` {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage != (Usage{InputTokens: 120, OutputTokens: 30}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
	if resp.Model != "gpt-4o-mini-2024-07-18" {
		t.Errorf("Model = %q", resp.Model)
	}
}

func TestComplete_NoSchemaOmitsResponseFormat(t *testing.T) {
	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&raw)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"ok"}}]}`)
	}))
	defer srv.Close()

	req := testRequest()
	req.Schema = nil
	if _, err := NewOpenAIClientWithBaseURL("k", srv.URL).Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, ok := raw["response_format"]; ok {
		t.Errorf("response_format present without schema: %v", raw["response_format"])
	}
}

func TestComplete_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"choices":[{"message":{"content":"done"}}]}`)
	}))
	defer srv.Close()

	c := NewOpenAIClientWithBaseURL("k", srv.URL)
	c.backoff = time.Millisecond

	resp, err := c.Complete(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("Content = %q, want done", resp.Content)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestComplete_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewOpenAIClientWithBaseURL("k", srv.URL)
	c.backoff = time.Millisecond

	_, err := c.Complete(context.Background(), testRequest())
	if !isRateLimit(err) {
		t.Fatalf("err = %v, want rate limit error", err)
	}
	if calls.Load() != maxRetries {
		t.Errorf("calls = %d, want %d", calls.Load(), maxRetries)
	}
}

func TestComplete_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewOpenAIClientWithBaseURL("k", srv.URL).Complete(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestComplete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIClientWithBaseURL("k", srv.URL).Complete(context.Background(), testRequest())
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestNew_Providers(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"openai default", Options{APIKey: "k"}, false},
		{"openai without key", Options{Provider: "openai"}, true},
		{"openrouter", Options{Provider: "openrouter", APIKey: "k"}, false},
		{"ollama without key", Options{Provider: "ollama"}, false},
		{"unknown", Options{Provider: "bard", APIKey: "k"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && e == nil {
				t.Error("New() returned nil engine")
			}
		})
	}
}
