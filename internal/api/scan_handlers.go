package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit/internal/id/uuid"
	"github.com/JakeFAU/site-audit/internal/scan"
)

const maxBodyBytes = 1 << 20

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	var req startScanRequest
	if !decodeBody(w, r, &req) {
		return
	}
	job, err := s.service.Submit(r.Context(), scan.Target{
		URL:      req.URL,
		ScanType: scan.ScanType(req.ScanType),
		UserID:   req.UserID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, startScanResponse{JobID: job.ID, Status: job.Status})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(job))
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if job.Status != scan.StatusCompleted {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "results not ready",
			"status": string(job.Status),
		})
		return
	}
	pages, err := s.jobs.ListPages(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultsView(job, pages))
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return
	}
	job, err := s.service.Cancel(r.Context(), jobID)
	if errors.Is(err, scan.ErrInvalidTransition) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error":  "job already finished",
			"status": string(job.Status),
		})
		return
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusView(job))
}

func (s *Server) discoverURLs(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.service.DiscoverAndSelect(r.Context(), req.URL)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// parseJobID rejects ids that cannot name a job before touching the store.
func parseJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := chi.URLParam(r, "job_id")
	if !uuid.Valid(jobID) {
		writeError(w, http.StatusNotFound, "job not found")
		return "", false
	}
	return jobID, true
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var validation *scan.ValidationError
	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, scan.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, scan.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error("request failed",
			zap.String("request_id", RequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
