// Package api exposes batch runs and stored records over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/firmscrape/internal/naming"
	"github.com/kalambet/firmscrape/internal/pipeline"
	"github.com/kalambet/firmscrape/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Runner executes batches.
type Runner interface {
	Run(ctx context.Context, urls []string, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error)
	RunRange(ctx context.Context, start, end int, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error)
}

// Store is the read side of the content store plus subpage management.
type Store interface {
	GetRecord(ctx context.Context, name string) (storage.SourceRecord, error)
	ListRecords(ctx context.Context, limit, offset int) ([]storage.SourceRecord, error)
	AddSubpages(ctx context.Context, urls []string) (int, error)
	ListSubpages(ctx context.Context, limit, offset int) ([]storage.Subpage, error)
	CountSubpages(ctx context.Context) (int, error)
}

// Deps wires the HTTP handler.
type Deps struct {
	Store        Store
	Runner       Runner
	Token        string
	DefaultModel string
	// BaseContext bounds asynchronous batches; cancel it on shutdown.
	BaseContext context.Context
	Logger      *slog.Logger
}

// NewHandler returns the HTTP API. /health is unauthenticated; every other
// route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	batches := newBatchRegistry(deps.BaseContext, deps.Runner, deps.Logger)

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/subpages", handleListSubpages(deps))
		r.Post("/subpages", handleAddSubpages(deps))
		r.Post("/batches", handleCreateBatch(deps, batches))
		r.Get("/batches/{id}", handleGetBatch(batches))
		r.Get("/records", handleListRecords(deps))
		r.Get("/records/{name}", handleGetRecord(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListSubpages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)

		rows, err := deps.Store.ListSubpages(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing subpages: %v", err)
			return
		}
		total, err := deps.Store.CountSubpages(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "counting subpages: %v", err)
			return
		}
		if rows == nil {
			rows = []storage.Subpage{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": total, "subpages": rows})
	}
}

type addSubpagesRequest struct {
	URLs []string `json:"urls"`
}

func handleAddSubpages(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req addSubpagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.URLs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "urls is required and must not be empty")
			return
		}

		added, err := deps.Store.AddSubpages(r.Context(), req.URLs)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "adding subpages: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"added": added})
	}
}

// recordView is a SourceRecord with raw content optionally omitted.
type recordView struct {
	UniqueName    string          `json:"unique_name"`
	URL           string          `json:"url"`
	RawData       string          `json:"raw_data,omitempty"`
	FormattedData json.RawMessage `json:"formatted_data,omitempty"`
	CreatedAt     string          `json:"created_at"`
	ContentLength int             `json:"content_length"`
	Success       bool            `json:"success"`
}

func viewOf(rec storage.SourceRecord, withRaw bool) recordView {
	v := recordView{
		UniqueName:    rec.UniqueName,
		URL:           rec.URL,
		FormattedData: rec.FormattedData,
		CreatedAt:     rec.CreatedAt.Format(time.RFC3339),
		ContentLength: rec.ContentLength,
		Success:       rec.Success,
	}
	if withRaw {
		v.RawData = rec.RawData
	}
	return v
}

func handleListRecords(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		recs, err := deps.Store.ListRecords(r.Context(), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing records: %v", err)
			return
		}
		views := make([]recordView, 0, len(recs))
		for _, rec := range recs {
			views = append(views, viewOf(rec, false))
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// handleGetRecord accepts a unique name or a URL-escaped source URL.
func handleGetRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		param, err := url.PathUnescape(chi.URLParam(r, "name"))
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid record name: %v", err)
			return
		}
		name := resolveName(param)

		rec, err := deps.Store.GetRecord(r.Context(), name)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "record %s not found", name)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading record: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, viewOf(rec, r.URL.Query().Get("raw") == "true"))
	}
}

// resolveName maps a URL to its unique name and passes names through.
func resolveName(s string) string {
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return naming.GenerateUniqueName(s)
	}
	return s
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
