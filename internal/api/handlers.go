package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Henryk03/agentic-quotation-system-sub000/internal/jobs"
	"github.com/Henryk03/agentic-quotation-system-sub000/internal/session"
)

// SearchRunner executes one synchronous search batch.
type SearchRunner interface {
	Run(ctx context.Context, clientID string, products, providers []string) (string, error)
}

// JobService is the async job surface. Satisfied by *jobs.Manager.
type JobService interface {
	Create(ctx context.Context, clientID string, products, providers []string) (*jobs.Job, error)
	Get(ctx context.Context, id string) (*jobs.Job, error)
	Wait(ctx context.Context, id string, timeout time.Duration) (*jobs.Job, error)
	ResumeWaiting(ctx context.Context, clientID, providerID string) (int, error)
}

type Handlers struct {
	runner SearchRunner
	jobs   JobService
	store  session.Store
	logger *slog.Logger
}

func NewHandlers(runner SearchRunner, jobService JobService, store session.Store, logger *slog.Logger) *Handlers {
	return &Handlers{
		runner: runner,
		jobs:   jobService,
		store:  store,
		logger: logger.With("component", "api"),
	}
}

func (h *Handlers) Routes(r chi.Router) {
	r.Post("/search", h.Search)
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs/{id}", h.GetJob)
	r.Get("/jobs/{id}/wait", h.WaitJob)
	r.Post("/logins/complete", h.CompleteLogin)
}

// SearchRequest carries one searchProducts invocation from the agent layer.
type SearchRequest struct {
	ClientID  string   `json:"client_id"`
	Products  []string `json:"products"`
	Providers []string `json:"providers"`
}

type SearchResponse struct {
	Report string `json:"report"`
}

func (req *SearchRequest) validate() string {
	switch {
	case req.ClientID == "":
		return "client_id is required"
	case len(req.Products) == 0:
		return "products must not be empty"
	case len(req.Providers) == 0:
		return "providers must not be empty"
	default:
		return ""
	}
}

// Search runs the batch synchronously: the agent's turn suspends until the
// formatted report is available.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if msg := req.validate(); msg != "" {
		h.respondError(w, http.StatusBadRequest, msg)
		return
	}

	report, err := h.runner.Run(r.Context(), req.ClientID, req.Products, req.Providers)
	if err != nil {
		h.logger.Error("search failed", "client_id", req.ClientID, "error", err)
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.respondJSON(w, http.StatusOK, SearchResponse{Report: report})
}

func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if msg := req.validate(); msg != "" {
		h.respondError(w, http.StatusBadRequest, msg)
		return
	}

	job, err := h.jobs.Create(r.Context(), req.ClientID, req.Products, req.Providers)
	if err != nil {
		h.logger.Error("job creation failed", "client_id", req.ClientID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusAccepted, job)
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	job, err := h.jobs.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logger.Error("job lookup failed", "job_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load job")
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// WaitJob blocks until the job finishes or the timeout expires. A timeout
// is reported to the caller as 408 with the job's current state attached.
func (h *Handlers) WaitJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	timeout := 30 * time.Second
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "invalid timeout")
			return
		}
		timeout = parsed
	}

	job, err := h.jobs.Wait(r.Context(), id, timeout)
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		h.respondError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrWaitTimeout):
		h.respondJSON(w, http.StatusRequestTimeout, job)
	case err != nil:
		h.logger.Error("job wait failed", "job_id", id, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to wait for job")
	default:
		h.respondJSON(w, http.StatusOK, job)
	}
}

// CompleteLoginRequest is sent by the operator UI once a human finished a
// manual login out-of-band. StorageState optionally carries the captured
// browser storage snapshot; when present it is persisted as the pair's
// session artifact before jobs resume.
type CompleteLoginRequest struct {
	ClientID     string `json:"client_id"`
	ProviderID   string `json:"provider_id"`
	StorageState string `json:"storage_state,omitempty"`
}

type CompleteLoginResponse struct {
	ResumedJobs int `json:"resumed_jobs"`
}

// CompleteLogin acknowledges an out-of-band login. With a storage_state in
// the body the snapshot is saved and the resumed jobs reuse it directly.
// Without one, only the failure sentinel is cleared: the operator tooling
// must have written the artifact row itself, or the next run will prompt
// for login again and re-park the jobs.
func (h *Handlers) CompleteLogin(w http.ResponseWriter, r *http.Request) {
	var req CompleteLoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ClientID == "" || req.ProviderID == "" {
		h.respondError(w, http.StatusBadRequest, "client_id and provider_id are required")
		return
	}

	if req.StorageState != "" {
		if !json.Valid([]byte(req.StorageState)) {
			h.respondError(w, http.StatusBadRequest, "storage_state must be valid JSON")
			return
		}

		// SaveArtifact replaces any failure sentinel and resets the lockout
		// counters in the same write.
		if err := h.store.SaveArtifact(r.Context(), req.ClientID, req.ProviderID, req.StorageState); err != nil {
			h.logger.Error("failed to save session artifact", "client_id", req.ClientID,
				"provider_id", req.ProviderID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to save session artifact")
			return
		}
	} else {
		// Drop any failure sentinel so the next run re-verifies the session
		// the operator just established.
		if err := h.store.ClearFailure(r.Context(), req.ClientID, req.ProviderID); err != nil {
			h.logger.Error("failed to clear login failure", "client_id", req.ClientID,
				"provider_id", req.ProviderID, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to clear login state")
			return
		}
	}

	resumed, err := h.jobs.ResumeWaiting(r.Context(), req.ClientID, req.ProviderID)
	if err != nil {
		h.logger.Error("failed to resume jobs", "client_id", req.ClientID,
			"provider_id", req.ProviderID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to resume jobs")
		return
	}

	h.respondJSON(w, http.StatusOK, CompleteLoginResponse{ResumedJobs: resumed})
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
