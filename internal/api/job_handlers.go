package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/directory-submitter/internal/aggregate"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// jobDTO is the staff listing view of a job; attempts are served separately.
type jobDTO struct {
	ID              string                 `json:"id"`
	CustomerID      string                 `json:"customer_id"`
	Package         string                 `json:"package_tier"`
	Status          submission.JobStatus   `json:"status"`
	Directories     int                    `json:"directories"`
	Counters        submission.JobCounters `json:"counters"`
	CancelRequested bool                   `json:"cancel_requested"`
	CreatedAt       string                 `json:"created_at"`
	StartedAt       *string                `json:"started_at,omitempty"`
	FinishedAt      *string                `json:"finished_at,omitempty"`
}

type listJobsResponse struct {
	Jobs   []jobDTO `json:"jobs"`
	Total  int      `json:"total"`
	Limit  int      `json:"limit"`
	Offset int      `json:"offset"`
}

func (s *Server) createPurchase(w http.ResponseWriter, r *http.Request) {
	var p submission.Purchase
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, err := s.deps.Scheduler.Submit(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":      job.ID,
		"status":      job.Status,
		"directories": len(job.Directories),
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Scheduler.QueueStatus())
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Scheduler.Resume(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Scheduler.QueueStatus())
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultPageSize, maxPageSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status, err := parseJobStatus(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobs, err := s.deps.Jobs.ListJobs(r.Context(), status)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp := listJobsResponse{Jobs: []jobDTO{}, Total: len(jobs), Limit: limit, Offset: offset}
	if offset < len(jobs) {
		end := min(offset+limit, len(jobs))
		resp.Jobs = toJobDTOs(jobs[offset:end])
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Reports.Summarize(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listAttempts(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	attempts, err := s.deps.Jobs.ListAttempts(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "attempts": attempts})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.deps.Scheduler.Cancel(r.Context(), jobID); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "cancel_requested": true})
}

func (s *Server) jobSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.deps.Reports.CustomerSummary(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) jobReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" && format != "xlsx" {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}
	report, err := s.deps.Reports.ExportReport(r.Context(), jobID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if format == "json" {
		writeJSON(w, http.StatusOK, report)
		return
	}

	var (
		buf         bytes.Buffer
		contentType string
	)
	if format == "csv" {
		contentType = "text/csv"
		err = aggregate.WriteCSV(&buf, report)
	} else {
		contentType = xlsxContentType
		err = aggregate.WriteXLSX(&buf, report)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+"."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseJobStatus(input string) (submission.JobStatus, error) {
	switch status := submission.JobStatus(strings.ToLower(input)); status {
	case "":
		return "", nil
	case submission.JobStatusPending, submission.JobStatusInProgress,
		submission.JobStatusCompleted, submission.JobStatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid status %q", input)
	}
}

func toJobDTOs(in []submission.SubmissionJob) []jobDTO {
	out := make([]jobDTO, 0, len(in))
	for _, job := range in {
		out = append(out, toJobDTO(job))
	}
	return out
}

func toJobDTO(job submission.SubmissionJob) jobDTO {
	dto := jobDTO{
		ID:              job.ID,
		CustomerID:      job.CustomerID,
		Package:         job.Package,
		Status:          job.Status,
		Directories:     len(job.Directories),
		Counters:        job.Counters,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339),
	}
	if job.StartedAt != nil {
		ts := job.StartedAt.UTC().Format(time.RFC3339)
		dto.StartedAt = &ts
	}
	if job.FinishedAt != nil {
		ts := job.FinishedAt.UTC().Format(time.RFC3339)
		dto.FinishedAt = &ts
	}
	return dto
}
