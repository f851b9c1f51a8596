package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/directory-submitter/internal/manual"
	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// openSessionRequest opens a session for a job's attempt, or for a bare
// directory when staff map ahead of demand. Without a job the package tier
// and profile must come from the request.
type openSessionRequest struct {
	DirectoryID   string                     `json:"directory_id"`
	JobID         string                     `json:"job_id"`
	Package       string                     `json:"package_tier"`
	Profile       submission.BusinessProfile `json:"business_profile"`
	FormSignature string                     `json:"form_signature"`
}

type assignmentsRequest struct {
	Assignments []manual.Assignment `json:"assignments"`
}

func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.DirectoryID = strings.TrimSpace(req.DirectoryID)
	if req.DirectoryID == "" {
		writeError(w, http.StatusBadRequest, "directory_id required")
		return
	}
	open := manual.OpenRequest{
		DirectoryID:   req.DirectoryID,
		JobID:         req.JobID,
		Package:       req.Package,
		Profile:       req.Profile,
		FormSignature: req.FormSignature,
	}
	if req.JobID != "" {
		job, err := s.deps.Jobs.GetJob(r.Context(), req.JobID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		open.Package, open.Profile = job.Package, job.Profile
	} else if req.Package == "" {
		writeError(w, http.StatusBadRequest, "package_tier required without job_id")
		return
	}
	sess, err := s.deps.Sessions.Open(r.Context(), open)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	status := manual.Status(strings.ToLower(r.URL.Query().Get("status")))
	out := []manual.Session{}
	for _, sess := range s.deps.Sessions.List() {
		if status == "" || sess.Status == status {
			out = append(out, sess)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Get(chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) assignFields(w http.ResponseWriter, r *http.Request) {
	var req assignmentsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.deps.Sessions.Assign(r.Context(), chi.URLParam(r, "session_id"), req.Assignments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// submitMapping applies any final assignments and completes the session. The
// mapping is stored as verified.
func (s *Server) submitMapping(w http.ResponseWriter, r *http.Request) {
	var req assignmentsRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sess, err := s.deps.Sessions.Submit(r.Context(), chi.URLParam(r, "session_id"), req.Assignments)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) cancelSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.Cancel(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
