package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/vidforge/vidforge/pkg/logging"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/progress"
	"github.com/vidforge/vidforge/pkg/queue"
)

// Handler serves the job queue over HTTP. All state access goes through
// the store; handlers never hold their own job data.
type Handler struct {
	store      *queue.Store
	aggregator *progress.Aggregator
	logger     *logging.Logger
	startedAt  time.Time
}

// NewHandler creates an API handler. aggregator may be nil; the queue
// summary then omits the advisory ETA.
func NewHandler(store *queue.Store, aggregator *progress.Aggregator, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	return &Handler{
		store:      store,
		aggregator: aggregator,
		logger:     logger.WithField("component", "api"),
		startedAt:  time.Now(),
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/jobs", h.CreateJob).Methods("POST")
	r.HandleFunc("/jobs", h.ListJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", h.GetJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/cancel", h.CancelJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/pause", h.PauseJob).Methods("POST")
	r.HandleFunc("/jobs/{id}/resume", h.ResumeJob).Methods("POST")

	r.HandleFunc("/queue", h.QueueSummary).Methods("GET")
	r.HandleFunc("/queue/pause", h.PauseQueue).Methods("POST")
	r.HandleFunc("/queue/resume", h.ResumeQueue).Methods("POST")

	r.HandleFunc("/health", h.Health).Methods("GET")
}

// CreateJobRequest is the POST /jobs body.
type CreateJobRequest struct {
	InputRef       string                 `json:"input_ref"`
	OutputPath     string                 `json:"output_path"`
	Spec           map[string]interface{} `json:"spec,omitempty"`
	MaxAttempts    int                    `json:"max_attempts,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds,omitempty"`
}

// CreateJob enqueues a new job.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.store.Enqueue(queue.EnqueueRequest{
		InputRef:       req.InputRef,
		OutputPath:     req.OutputPath,
		Spec:           req.Spec,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
	})
	if err != nil {
		if errors.Is(err, queue.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	job, err := h.store.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusCreated, job)
}

// ListJobs returns every job, optionally filtered by ?status=.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()

	jobs := snap.Jobs
	if filter := r.URL.Query().Get("status"); filter != "" {
		status := models.JobStatus(filter)
		filtered := make([]*models.Job, 0, len(jobs))
		for _, job := range jobs {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}
	h.writeJSON(w, http.StatusOK, jobs)
}

// GetJob returns one job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation of a job.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	accepted, err := h.store.Cancel(id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !accepted {
		http.Error(w, "Job already finished", http.StatusConflict)
		return
	}

	job, _ := h.store.Get(id)
	h.writeJSON(w, http.StatusAccepted, job)
}

// PauseJob parks a pending job.
func (h *Handler) PauseJob(w http.ResponseWriter, r *http.Request) {
	h.jobStateChange(w, r, h.store.PauseJob)
}

// ResumeJob requeues a paused job.
func (h *Handler) ResumeJob(w http.ResponseWriter, r *http.Request) {
	h.jobStateChange(w, r, h.store.ResumeJob)
}

func (h *Handler) jobStateChange(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := mux.Vars(r)["id"]
	if err := op(id); err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			http.Error(w, "Job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	job, _ := h.store.Get(id)
	h.writeJSON(w, http.StatusOK, job)
}

// QueueSummaryResponse is the GET /queue body.
type QueueSummaryResponse struct {
	Paused       bool                     `json:"paused"`
	Counts       map[models.JobStatus]int `json:"counts"`
	OverallPct   float64                  `json:"overall_percent"`
	EstimatedETA string                   `json:"estimated_eta,omitempty"`
	UptimeSecs   int64                    `json:"uptime_seconds"`
}

// QueueSummary returns aggregate queue state.
func (h *Handler) QueueSummary(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	resp := QueueSummaryResponse{
		Paused:     snap.Paused,
		Counts:     snap.Counts,
		UptimeSecs: int64(time.Since(h.startedAt).Seconds()),
	}
	if h.aggregator != nil {
		summary := h.aggregator.Aggregate()
		resp.OverallPct = summary.OverallPct
		if summary.EstimatedETA > 0 {
			resp.EstimatedETA = summary.EstimatedETA.Round(time.Second).String()
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// PauseQueue stops dispatching new jobs.
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.store.Pause()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

// ResumeQueue re-enables dispatching.
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.store.Resume()
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// Health is the liveness endpoint.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(h.startedAt).Round(time.Second).String(),
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

// Server wraps the handler in an http.Server with lifecycle management.
type Server struct {
	httpServer *http.Server
	logger     *logging.Logger
}

// NewServer builds a server on the given address. extra receives the
// router so callers can mount additional handlers (metrics, pprof).
func NewServer(addr string, handler *Handler, logger *logging.Logger, extra func(*mux.Router)) *Server {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO, false)
	}
	r := mux.NewRouter()
	handler.RegisterRoutes(r)
	if extra != nil {
		extra(r)
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger.WithField("component", "api"),
	}
}

// Start serves until Shutdown. It returns the listen error, not
// http.ErrServerClosed.
func (s *Server) Start() error {
	s.logger.Info("api listening", map[string]interface{}{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown drains connections gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
