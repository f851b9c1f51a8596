// Package manual runs staff-assisted mapping capture sessions.
package manual

import (
	"errors"
	"sort"
	"time"

	"github.com/JakeFAU/directory-submitter/internal/submission"
)

// Status is the lifecycle state of a session.
type Status string

// Session states.
const (
	StatusCreated   Status = "created"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the session has released its slot.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusExpired || s == StatusCancelled
}

// Session errors.
var (
	ErrCapacityExceeded  = errors.New("manual session capacity exceeded")
	ErrManualNotAllowed  = errors.New("package does not include manual mapping")
	ErrSessionNotActive  = errors.New("manual session not active")
	ErrSessionNotFound   = errors.New("manual session not found")
	ErrIncompleteMapping = errors.New("manual mapping missing required fields")
	ErrInvalidAssignment = errors.New("invalid field assignment")
	ErrSessionExpired    = submission.ErrSessionExpired
)

// Assignment binds one canonical field to a selector chosen by staff.
type Assignment struct {
	Field      submission.CanonicalField `json:"field"`
	Selector   string                    `json:"selector"`
	Confidence float64                   `json:"confidence"`
}

// OpenRequest describes the attempt a session is opened for.
type OpenRequest struct {
	DirectoryID   string                     `json:"directory_id"`
	JobID         string                     `json:"job_id"`
	Package       string                     `json:"package_tier"`
	Profile       submission.BusinessProfile `json:"business_profile"`
	FormSignature string                     `json:"form_signature,omitempty"`
}

// Session is one manual mapping capture.
type Session struct {
	ID            string                                   `json:"id"`
	DirectoryID   string                                   `json:"directory_id"`
	JobID         string                                   `json:"job_id"`
	Package       string                                   `json:"package_tier"`
	Profile       submission.BusinessProfile               `json:"business_profile"`
	Status        Status                                   `json:"status"`
	Assignments   map[submission.CanonicalField]Assignment `json:"assignments"`
	FormSignature string                                   `json:"form_signature,omitempty"`
	CreatedAt     time.Time                                `json:"created_at"`
	LastActivity  time.Time                                `json:"last_activity"`
	ClosedAt      *time.Time                               `json:"closed_at,omitempty"`
}

// Clone returns a copy safe to hand to callers.
func (s *Session) Clone() Session {
	cp := *s
	cp.Assignments = make(map[submission.CanonicalField]Assignment, len(s.Assignments))
	for k, v := range s.Assignments {
		cp.Assignments[k] = v
	}
	if s.ClosedAt != nil {
		cp.ClosedAt = submission.PointerTime(*s.ClosedAt)
	}
	return cp
}

// Mapping renders the assignments as a field mapping.
func (s *Session) Mapping() submission.FieldMapping {
	m := submission.FieldMapping{
		Fields:        make(map[submission.CanonicalField][]string, len(s.Assignments)),
		FormSignature: s.FormSignature,
	}
	for field, a := range s.Assignments {
		m.Fields[field] = []string{a.Selector}
	}
	return m
}

func sortNewestFirst(sessions []Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID > sessions[j].ID
	})
}
