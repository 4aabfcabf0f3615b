package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/firmscrape/internal/naming"
	"github.com/kalambet/firmscrape/internal/pipeline"
	"github.com/kalambet/firmscrape/internal/storage"
)

const testToken = "test-token-12345"

// fakeRunner records calls and returns canned results.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	lastOpt pipeline.RunOptions
	fields  []string
	model   string
	err     error
}

func (f *fakeRunner) Run(ctx context.Context, urls []string, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "run:"+strings.Join(urls, ","))
	f.lastOpt, f.fields, f.model = opts, fields, model
	f.mu.Unlock()
	return f.result(urls), f.err
}

func (f *fakeRunner) RunRange(ctx context.Context, start, end int, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error) {
	if err := pipeline.ValidateRange(start, end, 2); err != nil {
		return pipeline.BatchResult{}, err
	}
	f.mu.Lock()
	f.calls = append(f.calls, "range")
	f.lastOpt, f.fields, f.model = opts, fields, model
	f.mu.Unlock()
	return f.result([]string{"https://a.vc", "https://b.vc"}[start-1 : end]), f.err
}

func (f *fakeRunner) result(urls []string) pipeline.BatchResult {
	res := pipeline.BatchResult{RunID: "run-1", URLs: urls, Results: map[string]pipeline.Entry{}}
	for _, u := range urls {
		res.Results[u] = pipeline.Entry{URL: u, Data: map[string]any{"company_location": "Berlin"}, Cost: 0.5}
		res.Totals.Cost += 0.5
		res.Totals.Succeeded++
	}
	return res
}

func setupHandler(t *testing.T) (http.Handler, *storage.Store, *fakeRunner) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	runner := &fakeRunner{}
	h := NewHandler(Deps{
		Store:        store,
		Runner:       runner,
		Token:        testToken,
		DefaultModel: "gpt-4o-mini",
	})
	return h, store, runner
}

func authReq(method, target, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func TestHealth_NoAuth(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h, _, _ := setupHandler(t)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/records", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestBearerAuth_EmptyTokenRejects(t *testing.T) {
	h := BearerAuth("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached with empty server token")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/", "", ""))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSubpages_AddAndList(t *testing.T) {
	h, _, _ := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/subpages", `{"urls":["https://a.vc","https://b.vc","https://a.vc"]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("POST status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var added map[string]int
	json.NewDecoder(rr.Body).Decode(&added)
	if added["added"] != 2 {
		t.Errorf("added = %d, want 2", added["added"])
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/subpages?limit=1", "", testToken))
	var list struct {
		Total    int               `json:"total"`
		Subpages []storage.Subpage `json:"subpages"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Subpages) != 1 || list.Subpages[0].FullURL != "https://a.vc" {
		t.Errorf("list = %+v", list)
	}
}

func TestSubpages_EmptyBody(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/subpages", `{"urls":[]}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func waitForBatch(t *testing.T, h http.Handler, id string) batchJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/batches/"+id, "", testToken))
		if rr.Code != http.StatusOK {
			t.Fatalf("GET batch status = %d", rr.Code)
		}
		var job batchJob
		if err := json.NewDecoder(rr.Body).Decode(&job); err != nil {
			t.Fatal(err)
		}
		if job.Status != batchRunning {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch %s did not finish", id)
	return batchJob{}
}

func TestBatches_URLs(t *testing.T) {
	h, _, runner := setupHandler(t)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batches", `{"urls":["https://a.vc/team"],"refresh":true}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)
	if created["id"] == "" || created["status"] != "running" {
		t.Fatalf("created = %v", created)
	}

	job := waitForBatch(t, h, created["id"])
	if job.Status != batchDone || job.Result == nil || job.Result.Totals.Cost != 0.5 {
		t.Errorf("job = %+v", job)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if !runner.lastOpt.Force {
		t.Error("refresh not passed as Force")
	}
	if runner.model != "gpt-4o-mini" || len(runner.fields) != len(pipeline.DefaultFields) {
		t.Errorf("model = %q fields = %v, want defaults", runner.model, runner.fields)
	}
}

func TestBatches_Range(t *testing.T) {
	h, store, _ := setupHandler(t)
	store.AddSubpages(context.Background(), []string{"https://a.vc", "https://b.vc"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/batches", `{"start":1,"end":2,"fields":["company location"]}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var created map[string]string
	json.NewDecoder(rr.Body).Decode(&created)

	job := waitForBatch(t, h, created["id"])
	if job.Status != batchDone || len(job.Result.URLs) != 2 {
		t.Errorf("job = %+v", job)
	}
}

func TestBatches_InvalidRangeRejected(t *testing.T) {
	h, store, runner := setupHandler(t)
	store.AddSubpages(context.Background(), []string{"https://a.vc"})

	for _, body := range []string{`{"start":0,"end":1}`, `{"start":2,"end":1}`, `{"start":1,"end":5}`, `{}`} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/batches", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, rr.Code)
		}
	}
	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.calls) != 0 {
		t.Errorf("runner called for invalid ranges: %v", runner.calls)
	}
}

func TestBatches_NotFound(t *testing.T) {
	h, _, _ := setupHandler(t)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/batches/nope", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestRecords(t *testing.T) {
	h, store, _ := setupHandler(t)
	ctx := context.Background()
	src := "https://a.vc/team"
	name := naming.GenerateUniqueName(src)
	store.WriteRaw(ctx, name, src, "# Team")
	store.WriteStructured(ctx, name, map[string]any{"company_location": "Berlin"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records", "", testToken))
	var list []recordView
	if err := json.NewDecoder(rr.Body).Decode(&list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RawData != "" || list[0].UniqueName != name {
		t.Errorf("list = %+v", list)
	}

	// Lookup by escaped source URL, with raw content.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records/"+url.PathEscape(src)+"?raw=true", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var rec recordView
	json.NewDecoder(rr.Body).Decode(&rec)
	if rec.RawData != "# Team" || !strings.Contains(string(rec.FormattedData), "Berlin") {
		t.Errorf("record = %+v", rec)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/records/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing record status = %d, want 404", rr.Code)
	}
}
