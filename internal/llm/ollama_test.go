package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaComplete(t *testing.T) {
	var got ollamaChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %q, want /api/chat", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		fmt.Fprint(w, `{"model":"llama3.1","message":{"role":"assistant","content":"{}"},"prompt_eval_count":50,"eval_count":7}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL + "/")
	resp, err := c.Complete(context.Background(), Request{
		Model:    "llama3.1",
		Messages: []Message{{Role: "user", Content: "hi"}},
		Schema:   map[string]any{"type": "object"},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if got.Stream {
		t.Error("stream = true, want false")
	}
	if got.Format == nil {
		t.Error("format not sent")
	}
	if resp.Content != "{}" || resp.Usage != (Usage{InputTokens: 50, OutputTokens: 7}) {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOllamaComplete_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if _, err := NewOllamaClient(srv.URL).Complete(context.Background(), Request{Model: "x"}); err == nil {
		t.Error("expected error on 404")
	}
}

func TestOllamaHasModel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"llama3.1:latest"},{"name":"qwen2.5:7b"}]}`)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL)
	if !c.IsRunning(context.Background()) {
		t.Fatal("IsRunning = false")
	}

	for name, want := range map[string]bool{"llama3.1": true, "qwen2.5:7b": true, "mistral": false} {
		got, err := c.HasModel(context.Background(), name)
		if err != nil {
			t.Fatalf("HasModel(%q): %v", name, err)
		}
		if got != want {
			t.Errorf("HasModel(%q) = %v, want %v", name, got, want)
		}
	}
}
