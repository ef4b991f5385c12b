package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/price-cache/internal/batch"
	"github.com/price-cache/pkg/config"
	"github.com/price-cache/pkg/models"
)

// BatchService is the slice of the batch orchestrator the jobs API exposes.
type BatchService interface {
	StartBatch(ctx context.Context, start, end time.Time, forceRefresh bool) (int64, int, error)
	Job(ctx context.Context, jobID int64) (*models.BatchJob, error)
	LatestJob(ctx context.Context) (*models.BatchJob, error)
	CoverageReport(ctx context.Context) (*models.CoverageReport, error)
	DBStats(ctx context.Context) (*models.DBStats, error)
}

// JobsHandler handles batch job API requests.
type JobsHandler struct {
	batch  BatchService
	cfg    *config.Config
	logger *logrus.Entry
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(batch BatchService, cfg *config.Config, logger *logrus.Logger) *JobsHandler {
	return &JobsHandler{
		batch:  batch,
		cfg:    cfg,
		logger: logger.WithField("component", "jobs-api"),
	}
}

// RegisterRoutes registers job API routes.
func (h *JobsHandler) RegisterRoutes(router *mux.Router) {
	jobs := router.PathPrefix("/api/v1/jobs").Subrouter()
	jobs.HandleFunc("/universe", h.StartUniverseJob).Methods("POST")
	jobs.HandleFunc("/latest", h.GetLatestJob).Methods("GET")
	jobs.HandleFunc("/{id:[0-9]+}", h.GetJob).Methods("GET")

	router.HandleFunc("/api/v1/coverage", h.GetCoverage).Methods("GET")
	router.HandleFunc("/api/v1/stats", h.GetStats).Methods("GET")
}

// StartUniverseJobRequest is the optional body for starting a universe run.
type StartUniverseJobRequest struct {
	StartDate    string `json:"start_date"`
	EndDate      string `json:"end_date"`
	ForceRefresh bool   `json:"force_refresh"`
}

// StartUniverseJob handles POST /api/v1/jobs/universe. The run happens in
// the background; the response only acknowledges the job.
func (h *JobsHandler) StartUniverseJob(w http.ResponseWriter, r *http.Request) {
	var req StartUniverseJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	start, err := parseDate(req.StartDate, h.cfg.HistoricalStart())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start_date, expected YYYY-MM-DD")
		return
	}
	end, err := parseDate(req.EndDate, models.Day(time.Now().UTC()))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end_date, expected YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		writeError(w, http.StatusBadRequest, "end_date must not be before start_date")
		return
	}

	jobID, total, err := h.batch.StartBatch(r.Context(), start, end, req.ForceRefresh)
	if err != nil {
		if errors.Is(err, batch.ErrJobAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]interface{}{
				"error":  "a caching job is already running",
				"job_id": jobID,
			})
			return
		}
		h.logger.WithError(err).Error("Failed to start universe job")
		writeError(w, http.StatusInternalServerError, "failed to start job")
		return
	}

	h.logger.WithFields(logrus.Fields{
		"job_id":        jobID,
		"tickers_total": total,
		"force_refresh": req.ForceRefresh,
	}).Info("Universe caching job started")

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id":        jobID,
		"status":        models.JobStatusRunning,
		"tickers_total": total,
	})
}

// GetJob handles GET /api/v1/jobs/{id}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	jobID, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.batch.Job(r.Context(), jobID)
	if err != nil {
		h.logger.WithError(err).WithField("job_id", jobID).Error("Failed to get job")
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// GetLatestJob handles GET /api/v1/jobs/latest
func (h *JobsHandler) GetLatestJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.batch.LatestJob(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get latest job")
		writeError(w, http.StatusInternalServerError, "failed to get latest job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "no jobs recorded")
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// GetCoverage handles GET /api/v1/coverage
func (h *JobsHandler) GetCoverage(w http.ResponseWriter, r *http.Request) {
	report, err := h.batch.CoverageReport(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to build coverage report")
		writeError(w, http.StatusInternalServerError, "failed to build coverage report")
		return
	}

	writeJSON(w, http.StatusOK, report)
}

// GetStats handles GET /api/v1/stats
func (h *JobsHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.batch.DBStats(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get database stats")
		writeError(w, http.StatusInternalServerError, "failed to get database stats")
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
