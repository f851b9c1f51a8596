package submission

import (
	"context"
	"io"
	"time"
)

// Catalog is the directory registry handle passed to every component.
type Catalog interface {
	ListDirectories(ctx context.Context, filter DirectoryFilter) ([]Directory, error)
	GetDirectory(ctx context.Context, directoryID string) (Directory, error)
	GetMapping(ctx context.Context, directoryID string) (*FieldMapping, VerificationStatus, error)
	UpsertMapping(ctx context.Context, directoryID string, mapping FieldMapping, status VerificationStatus) error
	MarkVerified(ctx context.Context, directoryID string) error
}

// DirectoryFilter narrows ListDirectories. Zero values mean "any".
type DirectoryFilter struct {
	Tier       int
	Category   string
	Package    *PackagePolicy
	ActiveOnly bool
}

// JobStore persists submission jobs and their owned attempts.
type JobStore interface {
	CreateJob(ctx context.Context, job SubmissionJob) error
	GetJob(ctx context.Context, jobID string) (SubmissionJob, error)
	ListJobs(ctx context.Context, status JobStatus) ([]SubmissionJob, error)
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, counters JobCounters) error
	RequestCancel(ctx context.Context, jobID string) error
	// StartAttempt moves a pending attempt to in_progress. It returns
	// ErrAttemptInProgress when another worker already owns it.
	StartAttempt(ctx context.Context, jobID, directoryID string) (DirectoryAttempt, error)
	// FinishAttempt records a worker result. Parked results return the attempt to pending.
	FinishAttempt(ctx context.Context, jobID, directoryID string, result AttemptResult) error
	ListAttempts(ctx context.Context, jobID string) ([]DirectoryAttempt, error)
}

// FormDriver is the page-automation collaborator.
type FormDriver interface {
	Probe(ctx context.Context, url string) (PageSignal, error)
	DiscoverFormFields(ctx context.Context, url string) ([]FormField, error)
	FillAndSubmit(ctx context.Context, url string, mapping FieldMapping, profile BusinessProfile) (SubmitResult, error)
}

// BlobStore reads and writes opaque artifacts (catalog snapshots, exported reports).
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests of page markup for form-change checksums.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job and session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
