package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the lifecycle milestone an Event records.
type Stage string

// Supported progress stages.
const (
	StageJobStart      Stage = "JOB_START"
	StageJobDone       Stage = "JOB_DONE"
	StageAttemptStart  Stage = "ATTEMPT_START"
	StageAttemptDone   Stage = "ATTEMPT_DONE"
	StageAttemptParked Stage = "ATTEMPT_PARKED"
	StageFormChanged   Stage = "FORM_CHANGED"
)

// FormChange is the FORM_CHANGED payload: a directory's form no longer matches
// the signature its stored mapping was built against.
type FormChange struct {
	PreviousSignature string
	Signature         string
	// DOMChecksum digests the whole page the new form was found on.
	DOMChecksum string
}

// Event is one job or attempt milestone.
type Event struct {
	JobID       string
	DirectoryID string
	TS          time.Time
	Stage       Stage
	// Site is the directory host for attempt events.
	Site string
	// Status is the job or attempt status reached.
	Status   string
	Category string
	Tier     string
	Retries  int
	Dur      time.Duration
	// Note carries low-volume context such as a session id.
	Note string
	Form *FormChange
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageJobStart:
	case StageJobDone:
		if e.Status == "" {
			return errors.New("job done requires status")
		}
	case StageAttemptStart, StageAttemptParked:
		if e.DirectoryID == "" {
			return fmt.Errorf("%s requires directory id", e.Stage)
		}
	case StageAttemptDone:
		if e.DirectoryID == "" || e.Status == "" {
			return errors.New("attempt done requires directory id and status")
		}
	case StageFormChanged:
		if e.DirectoryID == "" || e.Form == nil || e.Form.Signature == "" {
			return errors.New("form changed requires directory id and signature")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
