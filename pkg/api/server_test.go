package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gorilla/mux"

	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/queue"
)

func testServer(t *testing.T) (*queue.Store, *mux.Router, string) {
	t.Helper()
	store := queue.NewStore(queue.Options{})
	handler := NewHandler(store, nil, nil)
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	return store, r, t.TempDir()
}

func doJSON(t *testing.T, r http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetJob(t *testing.T) {
	_, r, dir := testServer(t)

	w := doJSON(t, r, "POST", "/jobs", CreateJobRequest{
		InputRef:    "/media/in/a.mkv",
		OutputPath:  filepath.Join(dir, "a.mkv"),
		Spec:        map[string]interface{}{"scale": "2x"},
		MaxAttempts: 3,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}

	var created models.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == "" || created.Status != models.JobStatusPending {
		t.Errorf("unexpected job: %+v", created)
	}

	w = doJSON(t, r, "GET", "/jobs/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	var fetched models.Job
	json.Unmarshal(w.Body.Bytes(), &fetched) //nolint:errcheck
	if fetched.ID != created.ID || fetched.MaxAttempts != 3 {
		t.Errorf("fetched job mismatch: %+v", fetched)
	}
}

func TestCreateJobValidation(t *testing.T) {
	_, r, _ := testServer(t)

	w := doJSON(t, r, "POST", "/jobs", CreateJobRequest{OutputPath: "/nope/x.mkv"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}

	req := httptest.NewRequest("POST", "/jobs", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestListJobsStatusFilter(t *testing.T) {
	store, r, dir := testServer(t)

	for i := 0; i < 3; i++ {
		store.Enqueue(queue.EnqueueRequest{ //nolint:errcheck
			InputRef:   fmt.Sprintf("/in/%d.mkv", i),
			OutputPath: filepath.Join(dir, fmt.Sprintf("%d.mkv", i)),
		})
	}
	job, _ := store.Dequeue(1)
	store.ReportResult(job.ID, models.Outcome{Kind: models.OutcomeSuccess}) //nolint:errcheck

	w := doJSON(t, r, "GET", "/jobs?status=pending", nil)
	var jobs []*models.Job
	json.Unmarshal(w.Body.Bytes(), &jobs) //nolint:errcheck
	if len(jobs) != 2 {
		t.Errorf("pending filter returned %d jobs, want 2", len(jobs))
	}

	w = doJSON(t, r, "GET", "/jobs?status=completed", nil)
	json.Unmarshal(w.Body.Bytes(), &jobs) //nolint:errcheck
	if len(jobs) != 1 {
		t.Errorf("completed filter returned %d jobs, want 1", len(jobs))
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, r, _ := testServer(t)
	w := doJSON(t, r, "GET", "/jobs/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestCancelJob(t *testing.T) {
	store, r, dir := testServer(t)
	id, _ := store.Enqueue(queue.EnqueueRequest{InputRef: "/in/a.mkv", OutputPath: filepath.Join(dir, "a.mkv")})

	w := doJSON(t, r, "POST", "/jobs/"+id+"/cancel", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var job models.Job
	json.Unmarshal(w.Body.Bytes(), &job) //nolint:errcheck
	if job.Status != models.JobStatusCanceled {
		t.Errorf("status = %s, want canceled", job.Status)
	}

	// Second cancel conflicts.
	w = doJSON(t, r, "POST", "/jobs/"+id+"/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("repeat cancel status = %d, want 409", w.Code)
	}

	w = doJSON(t, r, "POST", "/jobs/missing/cancel", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing cancel status = %d, want 404", w.Code)
	}
}

func TestPauseResumeJob(t *testing.T) {
	store, r, dir := testServer(t)
	id, _ := store.Enqueue(queue.EnqueueRequest{InputRef: "/in/a.mkv", OutputPath: filepath.Join(dir, "a.mkv")})

	w := doJSON(t, r, "POST", "/jobs/"+id+"/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d: %s", w.Code, w.Body.String())
	}
	job, _ := store.Get(id)
	if job.Status != models.JobStatusPaused {
		t.Errorf("status = %s, want paused", job.Status)
	}

	// Pausing a paused job conflicts.
	w = doJSON(t, r, "POST", "/jobs/"+id+"/pause", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("repeat pause status = %d, want 409", w.Code)
	}

	w = doJSON(t, r, "POST", "/jobs/"+id+"/resume", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
	job, _ = store.Get(id)
	if job.Status != models.JobStatusPending {
		t.Errorf("status = %s, want pending", job.Status)
	}
}

func TestQueuePauseResumeAndSummary(t *testing.T) {
	store, r, dir := testServer(t)
	store.Enqueue(queue.EnqueueRequest{InputRef: "/in/a.mkv", OutputPath: filepath.Join(dir, "a.mkv")}) //nolint:errcheck

	w := doJSON(t, r, "POST", "/queue/pause", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pause status = %d", w.Code)
	}
	if job, _ := store.Dequeue(1); job != nil {
		t.Error("queue paused via API still dispatches")
	}

	w = doJSON(t, r, "GET", "/queue", nil)
	var summary QueueSummaryResponse
	json.Unmarshal(w.Body.Bytes(), &summary) //nolint:errcheck
	if !summary.Paused {
		t.Error("summary does not report paused")
	}
	if summary.Counts[models.JobStatusPending] != 1 {
		t.Errorf("pending count = %d, want 1", summary.Counts[models.JobStatusPending])
	}

	doJSON(t, r, "POST", "/queue/resume", nil)
	if job, _ := store.Dequeue(1); job == nil {
		t.Error("queue resume via API did not take effect")
	}
}

func TestHealth(t *testing.T) {
	_, r, _ := testServer(t)
	w := doJSON(t, r, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &body) //nolint:errcheck
	if body["status"] != "ok" {
		t.Errorf("health body = %v", body)
	}
}
