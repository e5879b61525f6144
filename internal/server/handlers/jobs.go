package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/slurmscope/slurmscope/internal/errors"
	"github.com/slurmscope/slurmscope/pkg/engine"
	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/jobregistry"
	"github.com/slurmscope/slurmscope/pkg/jobspec"
	"github.com/slurmscope/slurmscope/pkg/queue"
)

// JobsAPI serves the jobs resource: submission, listing, cancellation,
// the event stream, and event-log exports.
type JobsAPI struct {
	engine   *engine.Engine
	registry *jobregistry.Registry
	broker   *events.Broker
	logger   *zap.Logger
}

// NewJobsAPI wires the API against a running engine.
func NewJobsAPI(eng *engine.Engine, reg *jobregistry.Registry, broker *events.Broker, logger *zap.Logger) *JobsAPI {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JobsAPI{engine: eng, registry: reg, broker: broker, logger: logger}
}

// Routes returns the router for the jobs API, mounted under /api/v1.
func (a *JobsAPI) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/jobs", a.SubmitJob)
	r.Get("/jobs", a.ListJobs)
	r.Get("/jobs/{id}", a.GetJob)
	r.Delete("/jobs/{id}", a.CancelJob)
	r.Get("/events", a.StreamEvents)
	r.Get("/export", a.ExportLog)
	return r
}

// JobSummary is the list view of a tracked job.
type JobSummary struct {
	Handle      jobregistry.Handle `json:"handle"`
	Name        string             `json:"name"`
	Cluster     string             `json:"cluster,omitempty"`
	RemoteJobID string             `json:"remote_job_id,omitempty"`
	Epoch       int                `json:"epoch,omitempty"`
	Status      queue.Status       `json:"status"`
	Anomalies   int                `json:"anomalies,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	SubmittedAt *time.Time         `json:"submitted_at,omitempty"`
	TerminalAt  *time.Time         `json:"terminal_at,omitempty"`
}

func summarize(rec *jobregistry.JobRecord) JobSummary {
	return JobSummary{
		Handle:      rec.Handle,
		Name:        rec.Spec.Name,
		Cluster:     rec.Spec.Cluster,
		RemoteJobID: rec.RemoteJobID,
		Epoch:       rec.Epoch,
		Status:      rec.Status,
		Anomalies:   len(rec.Anomalies),
		CreatedAt:   rec.CreatedAt,
		SubmittedAt: rec.SubmittedAt,
		TerminalAt:  rec.TerminalAt,
	}
}

// SubmitJob accepts a job manifest as JSON, validates it, and submits it
// to the cluster. The accepted job is returned as 201 with its handle.
func (a *JobsAPI) SubmitJob(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)
	defer func() { _ = body.Close() }()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()

	var spec jobspec.JobSpec
	if err := dec.Decode(&spec); err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidationError,
			fmt.Sprintf("invalid job manifest: %v", err))
		return
	}

	rec, err := a.engine.Submit(r.Context(), spec)
	if err != nil {
		a.logger.Warn("submission rejected", zap.String("name", spec.Name), zap.Error(err))
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, summarize(rec))
}

// ListJobs lists tracked jobs, optionally filtered by status, cluster,
// and name.
func (a *JobsAPI) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	statuses, err := parseStatuses(q.Get("status"))
	if err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest, apperrors.CodeValidationError, err.Error())
		return
	}

	recs := a.registry.List(jobregistry.Filter{
		Statuses: statuses,
		Cluster:  q.Get("cluster"),
		Name:     q.Get("name"),
	})

	summaries := make([]JobSummary, 0, len(recs))
	for i := range recs {
		summaries = append(summaries, summarize(&recs[i]))
	}
	writeJSON(w, http.StatusOK, summaries)
}

// GetJob returns the full record of one job, including its observation
// history and anomaly notes. The id may be a handle, a unique handle
// prefix, or a remote job ID.
func (a *JobsAPI) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, err := a.resolve(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CancelJob requests cancellation of a tracked job. Terminal jobs answer
// 409.
func (a *JobsAPI) CancelJob(w http.ResponseWriter, r *http.Request) {
	h, err := a.engine.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	rec, err := a.engine.Cancel(r.Context(), h)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, summarize(rec))
}

func (a *JobsAPI) resolve(id string) (*jobregistry.JobRecord, error) {
	h, err := a.engine.Resolve(id)
	if err != nil {
		return nil, err
	}
	return a.registry.Get(h)
}

// parseStatuses parses a comma-separated status filter.
func parseStatuses(raw string) ([]queue.Status, error) {
	if raw == "" {
		return nil, nil
	}
	var statuses []queue.Status
	for _, part := range strings.Split(raw, ",") {
		s := queue.Status(strings.ToLower(strings.TrimSpace(part)))
		switch s {
		case queue.StatusPending, queue.StatusRunning, queue.StatusCompleted,
			queue.StatusFailed, queue.StatusCancelled, queue.StatusUnknown:
			statuses = append(statuses, s)
		case "":
		default:
			return nil, fmt.Errorf("unknown status %q", part)
		}
	}
	return statuses, nil
}
