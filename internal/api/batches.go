package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kalambet/firmscrape/internal/pipeline"
)

// maxRetainedBatches bounds how many finished batches stay queryable.
const maxRetainedBatches = 100

type batchStatus string

const (
	batchRunning batchStatus = "running"
	batchDone    batchStatus = "done"
	batchFailed  batchStatus = "failed"
)

// BatchRequest selects URLs either explicitly or by subpage row range.
type BatchRequest struct {
	URLs    []string `json:"urls,omitempty"`
	Start   int      `json:"start,omitempty"`
	End     int      `json:"end,omitempty"`
	Fields  []string `json:"fields,omitempty"`
	Model   string   `json:"model,omitempty"`
	Refresh bool     `json:"refresh,omitempty"`
}

type batchJob struct {
	ID         string                `json:"id"`
	Status     batchStatus           `json:"status"`
	Request    BatchRequest          `json:"request"`
	Done       int                   `json:"done"`
	Total      int                   `json:"total"`
	Result     *pipeline.BatchResult `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// batchRegistry runs batches in the background and keeps their state.
type batchRegistry struct {
	ctx    context.Context
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	jobs  map[string]*batchJob
	order []string
}

func newBatchRegistry(ctx context.Context, runner Runner, logger *slog.Logger) *batchRegistry {
	return &batchRegistry{ctx: ctx, runner: runner, logger: logger, jobs: make(map[string]*batchJob)}
}

// start launches req and returns a snapshot of the new job.
func (b *batchRegistry) start(req BatchRequest) batchJob {
	job := &batchJob{
		ID:        uuid.NewString(),
		Status:    batchRunning,
		Request:   req,
		CreatedAt: time.Now().UTC(),
	}

	b.mu.Lock()
	b.jobs[job.ID] = job
	b.order = append(b.order, job.ID)
	b.evictLocked()
	snapshot := *job
	b.mu.Unlock()

	go b.run(job.ID, req)
	return snapshot
}

func (b *batchRegistry) run(id string, req BatchRequest) {
	opts := pipeline.RunOptions{
		Force: req.Refresh,
		Progress: func(done, total int, _ pipeline.Entry) {
			b.mu.Lock()
			if job, ok := b.jobs[id]; ok {
				job.Done, job.Total = done, total
			}
			b.mu.Unlock()
		},
	}

	var (
		res pipeline.BatchResult
		err error
	)
	if len(req.URLs) > 0 {
		res, err = b.runner.Run(b.ctx, req.URLs, req.Fields, req.Model, opts)
	} else {
		res, err = b.runner.RunRange(b.ctx, req.Start, req.End, req.Fields, req.Model, opts)
	}

	now := time.Now().UTC()
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return
	}
	job.FinishedAt = &now
	if res.RunID != "" {
		job.Result = &res
	}
	if err != nil {
		job.Status = batchFailed
		job.Error = err.Error()
		b.logger.Warn("batch failed", "batch_id", id, "error", err)
		return
	}
	job.Status = batchDone
}

func (b *batchRegistry) get(id string) (batchJob, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	job, ok := b.jobs[id]
	if !ok {
		return batchJob{}, false
	}
	return *job, true
}

// evictLocked drops the oldest finished jobs beyond maxRetainedBatches.
func (b *batchRegistry) evictLocked() {
	for len(b.order) > maxRetainedBatches {
		evicted := false
		for i, id := range b.order {
			if b.jobs[id].Status != batchRunning {
				delete(b.jobs, id)
				b.order = append(b.order[:i], b.order[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			return
		}
	}
}

func handleCreateBatch(deps Deps, batches *batchRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if len(req.URLs) == 0 {
			total, err := deps.Store.CountSubpages(r.Context())
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "counting subpages: %v", err)
				return
			}
			if err := pipeline.ValidateRange(req.Start, req.End, total); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
		}
		if req.Fields == nil {
			req.Fields = pipeline.DefaultFields
		}
		if req.Model == "" {
			req.Model = deps.DefaultModel
		}

		job := batches.start(req)
		writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": string(job.Status)})
	}
}

func handleGetBatch(batches *batchRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := batches.get(chi.URLParam(r, "id"))
		if !ok {
			httpError(w, http.StatusNotFound, "not_found", "batch not found")
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}
