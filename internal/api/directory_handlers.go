package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

type mappingResponse struct {
	DirectoryID        string                        `json:"directory_id"`
	VerificationStatus submission.VerificationStatus `json:"verification_status"`
	Mapping            *submission.FieldMapping      `json:"mapping"`
}

type putMappingRequest struct {
	Mapping            submission.FieldMapping       `json:"mapping"`
	VerificationStatus submission.VerificationStatus `json:"verification_status"`
}

func (s *Server) listDirectories(w http.ResponseWriter, r *http.Request) {
	filter, err := s.directoryFilter(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	dirs, err := s.deps.Catalog.ListDirectories(r.Context(), filter)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if dirs == nil {
		dirs = []submission.Directory{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"directories": dirs, "total": len(dirs)})
}

func (s *Server) directoryFilter(r *http.Request) (submission.DirectoryFilter, error) {
	q := r.URL.Query()
	filter := submission.DirectoryFilter{Category: q.Get("category")}
	if raw := q.Get("tier"); raw != "" {
		tier, err := strconv.Atoi(raw)
		if err != nil || tier < 1 || tier > 4 {
			return filter, errBadRequest(fmt.Sprintf("invalid tier %q", raw))
		}
		filter.Tier = tier
	}
	if raw := q.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, errBadRequest(fmt.Sprintf("invalid active %q", raw))
		}
		filter.ActiveOnly = active
	}
	if name := q.Get("package"); name != "" {
		policy, err := s.deps.Packages.Lookup(name)
		if err != nil {
			return filter, err
		}
		filter.Package = &policy
		filter.ActiveOnly = true
	}
	return filter, nil
}

func (s *Server) getDirectory(w http.ResponseWriter, r *http.Request) {
	dir, err := s.deps.Catalog.GetDirectory(r.Context(), chi.URLParam(r, "directory_id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dir)
}

func (s *Server) getMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "directory_id")
	m, status, err := s.deps.Catalog.GetMapping(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingResponse{DirectoryID: id, VerificationStatus: status, Mapping: m})
}

// putMapping stores a staff-edited mapping. Anything short of verified is kept
// as needs-testing until a submission succeeds with it.
func (s *Server) putMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "directory_id")
	var req putMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	switch req.VerificationStatus {
	case "", submission.VerificationNeedsTesting, submission.VerificationVerified:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid verification_status %q", req.VerificationStatus))
		return
	}
	for field := range req.Mapping.Fields {
		if !knownField(field) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown field %q", field))
			return
		}
	}
	if err := s.deps.Catalog.UpsertMapping(r.Context(), id, req.Mapping, req.VerificationStatus); err != nil {
		s.fail(w, r, err)
		return
	}
	m, status, err := s.deps.Catalog.GetMapping(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappingResponse{DirectoryID: id, VerificationStatus: status, Mapping: m})
}

func knownField(field submission.CanonicalField) bool {
	for _, f := range submission.CanonicalFields {
		if f == field {
			return true
		}
	}
	return false
}

// badRequestError carries a client input problem through fail.
type badRequestError struct{ msg string }

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error { return badRequestError{msg: msg} }

func isBadRequest(err error) bool {
	var target badRequestError
	return errors.As(err, &target)
}
