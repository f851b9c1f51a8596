// Package submission defines the core types shared by the catalog, resolver,
// scheduler, and workers.
package submission

import (
	"time"
)

// CanonicalField names one business-profile field a directory form may ask for.
type CanonicalField string

// Canonical business fields.
const (
	FieldBusinessName CanonicalField = "businessName"
	FieldEmail        CanonicalField = "email"
	FieldPhone        CanonicalField = "phone"
	FieldWebsite      CanonicalField = "website"
	FieldAddress      CanonicalField = "address"
	FieldCity         CanonicalField = "city"
	FieldState        CanonicalField = "state"
	FieldZip          CanonicalField = "zip"
	FieldDescription  CanonicalField = "description"
	FieldCategory     CanonicalField = "category"
	FieldFacebook     CanonicalField = "facebook"
	FieldTwitter      CanonicalField = "twitter"
	FieldLinkedIn     CanonicalField = "linkedin"
	FieldInstagram    CanonicalField = "instagram"
	FieldLogo         CanonicalField = "logo"
)

// CanonicalFields lists every field in resolution order. Required fields come first.
var CanonicalFields = []CanonicalField{
	FieldBusinessName,
	FieldEmail,
	FieldPhone,
	FieldWebsite,
	FieldAddress,
	FieldCity,
	FieldState,
	FieldZip,
	FieldDescription,
	FieldCategory,
	FieldFacebook,
	FieldTwitter,
	FieldLinkedIn,
	FieldInstagram,
	FieldLogo,
}

// RequiredFields must be resolved before a form is filled automatically.
var RequiredFields = []CanonicalField{FieldBusinessName, FieldEmail}

// VerificationStatus tracks how much a stored mapping is trusted.
type VerificationStatus string

// Verification states for directory mappings.
const (
	VerificationVerified     VerificationStatus = "verified"
	VerificationNeedsTesting VerificationStatus = "needs-testing"
	VerificationUnmapped     VerificationStatus = "unmapped"
)

// Directory is one third-party site accepting listings through a web form.
type Directory struct {
	ID                 string             `json:"id"`
	Name               string             `json:"name"`
	URL                string             `json:"url"`
	SubmissionURL      string             `json:"submission_url"`
	Category           string             `json:"category"`
	Tier               int                `json:"tier"`
	DomainAuthority    int                `json:"domain_authority"`
	Difficulty         string             `json:"difficulty"`
	RequiresLogin      bool               `json:"requires_login"`
	HasCaptcha         bool               `json:"has_captcha"`
	Active             bool               `json:"active"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	Mapping            *FieldMapping      `json:"mapping,omitempty"`
}

// FieldMapping maps canonical fields to ordered selector candidates for one directory.
type FieldMapping struct {
	Fields            map[CanonicalField][]string `json:"fields"`
	SubmitSelector    string                      `json:"submit_selector"`
	SuccessIndicators []string                    `json:"success_indicators,omitempty"`
	ErrorIndicators   []string                    `json:"error_indicators,omitempty"`
	SkipIndicators    []string                    `json:"skip_indicators,omitempty"`
	FormSignature     string                      `json:"form_signature,omitempty"`
	LastUpdated       time.Time                   `json:"last_updated"`
}

// Has reports whether the mapping carries at least one selector for field.
func (m *FieldMapping) Has(field CanonicalField) bool {
	if m == nil {
		return false
	}
	return len(m.Fields[field]) > 0
}

// Clone returns a deep copy so callers never share selector slices.
func (m *FieldMapping) Clone() *FieldMapping {
	if m == nil {
		return nil
	}
	cp := *m
	cp.Fields = make(map[CanonicalField][]string, len(m.Fields))
	for field, selectors := range m.Fields {
		cp.Fields[field] = append([]string(nil), selectors...)
	}
	cp.SuccessIndicators = append([]string(nil), m.SuccessIndicators...)
	cp.ErrorIndicators = append([]string(nil), m.ErrorIndicators...)
	cp.SkipIndicators = append([]string(nil), m.SkipIndicators...)
	return &cp
}

// Clone returns a deep copy of the directory.
func (d Directory) Clone() Directory {
	d.Mapping = d.Mapping.Clone()
	return d
}

// BusinessProfile is the business-data snapshot submitted to each directory.
type BusinessProfile struct {
	BusinessName string            `json:"business_name"`
	Email        string            `json:"email"`
	Phone        string            `json:"phone,omitempty"`
	Website      string            `json:"website,omitempty"`
	Address      string            `json:"address,omitempty"`
	City         string            `json:"city,omitempty"`
	State        string            `json:"state,omitempty"`
	Zip          string            `json:"zip,omitempty"`
	Description  string            `json:"description,omitempty"`
	Category     string            `json:"category,omitempty"`
	Social       map[string]string `json:"social,omitempty"`
	LogoURL      string            `json:"logo_url,omitempty"`
}

// Value returns the profile value for a canonical field.
func (p BusinessProfile) Value(field CanonicalField) string {
	switch field {
	case FieldBusinessName:
		return p.BusinessName
	case FieldEmail:
		return p.Email
	case FieldPhone:
		return p.Phone
	case FieldWebsite:
		return p.Website
	case FieldAddress:
		return p.Address
	case FieldCity:
		return p.City
	case FieldState:
		return p.State
	case FieldZip:
		return p.Zip
	case FieldDescription:
		return p.Description
	case FieldCategory:
		return p.Category
	case FieldLogo:
		return p.LogoURL
	case FieldFacebook, FieldTwitter, FieldLinkedIn, FieldInstagram:
		return p.Social[string(field)]
	default:
		return ""
	}
}

// Purchase is the completed-purchase event consumed from the payment collaborator.
type Purchase struct {
	CustomerID  string          `json:"customer_id"`
	Package     string          `json:"package_tier"`
	Profile     BusinessProfile `json:"business_profile"`
	Directories []string        `json:"directories,omitempty"`
}

// JobStatus represents the lifecycle state of a submission job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// AttemptStatus represents the state of one directory attempt.
type AttemptStatus string

// Attempt status values.
const (
	AttemptPending    AttemptStatus = "pending"
	AttemptInProgress AttemptStatus = "in_progress"
	AttemptSuccess    AttemptStatus = "success"
	AttemptFailed     AttemptStatus = "failed"
	AttemptSkipped    AttemptStatus = "skipped"
)

// Terminal reports whether the attempt can no longer change.
func (s AttemptStatus) Terminal() bool {
	return s == AttemptSuccess || s == AttemptFailed || s == AttemptSkipped
}

// SkipReason records why the classifier refused a directory.
type SkipReason string

// Classifier skip reasons.
const (
	SkipNone          SkipReason = "none"
	SkipRequiresLogin SkipReason = "requires_login"
	SkipCaptcha       SkipReason = "captcha_present"
	SkipAntiBot       SkipReason = "anti_bot_detected"
	// SkipIndicator means an element named by the mapping's skip indicators
	// was on the page.
	SkipIndicator SkipReason = "skip_indicator"
)

// SubmissionJob is one purchase fanned out across target directories.
type SubmissionJob struct {
	ID              string                       `json:"id"`
	CustomerID      string                       `json:"customer_id"`
	Package         string                       `json:"package_tier"`
	Profile         BusinessProfile              `json:"business_profile"`
	Directories     []string                     `json:"directories"`
	Status          JobStatus                    `json:"status"`
	Attempts        map[string]*DirectoryAttempt `json:"attempts"`
	Counters        JobCounters                  `json:"counters"`
	CancelRequested bool                         `json:"cancel_requested"`
	CreatedAt       time.Time                    `json:"created_at"`
	StartedAt       *time.Time                   `json:"started_at,omitempty"`
	FinishedAt      *time.Time                   `json:"finished_at,omitempty"`
}

// OrderedAttempts returns the attempts in target-directory order.
func (j SubmissionJob) OrderedAttempts() []DirectoryAttempt {
	out := make([]DirectoryAttempt, 0, len(j.Attempts))
	for _, id := range j.Directories {
		if attempt, ok := j.Attempts[id]; ok && attempt != nil {
			out = append(out, attempt.Clone())
		}
	}
	return out
}

// Clone returns a deep copy of the job and its attempts.
func (j SubmissionJob) Clone() SubmissionJob {
	cp := j
	cp.Directories = append([]string(nil), j.Directories...)
	cp.Attempts = make(map[string]*DirectoryAttempt, len(j.Attempts))
	for id, attempt := range j.Attempts {
		a := attempt.Clone()
		cp.Attempts[id] = &a
	}
	cp.StartedAt = cloneTime(j.StartedAt)
	cp.FinishedAt = cloneTime(j.FinishedAt)
	return cp
}

// JobCounters tracks terminal attempt outcomes per job.
type JobCounters struct {
	Success     int     `json:"success"`
	Failed      int     `json:"failed"`
	Skipped     int     `json:"skipped"`
	Retries     int     `json:"retries"`
	SuccessRate float64 `json:"success_rate"`
}

// DirectoryAttempt is the execution record of one job against one directory.
type DirectoryAttempt struct {
	JobID       string        `json:"job_id"`
	DirectoryID string        `json:"directory_id"`
	Status      AttemptStatus `json:"status"`
	MappingTier string        `json:"mapping_tier,omitempty"`
	Confidence  float64       `json:"confidence"`
	Category    ErrorCategory `json:"category,omitempty"`
	SkipReason  SkipReason    `json:"skip_reason,omitempty"`
	Reason      string        `json:"reason,omitempty"`
	Attempts    int           `json:"attempts"`
	History     []AttemptTry  `json:"history,omitempty"`
	SessionID   string        `json:"session_id,omitempty"`
	MultiStep   bool          `json:"multi_step,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

// Clone returns a deep copy of the attempt.
func (a *DirectoryAttempt) Clone() DirectoryAttempt {
	if a == nil {
		return DirectoryAttempt{}
	}
	cp := *a
	cp.History = append([]AttemptTry(nil), a.History...)
	cp.StartedAt = cloneTime(a.StartedAt)
	cp.FinishedAt = cloneTime(a.FinishedAt)
	return cp
}

// AttemptTry records one fill-and-submit try for staff retry history.
type AttemptTry struct {
	At       time.Time     `json:"at"`
	Category ErrorCategory `json:"category,omitempty"`
	Error    string        `json:"error,omitempty"`
	Backoff  time.Duration `json:"backoff,omitempty"`
}

// AttemptResult is the terminal (or parked) outcome written back by a worker.
type AttemptResult struct {
	Status      AttemptStatus
	MappingTier string
	Confidence  float64
	Category    ErrorCategory
	SkipReason  SkipReason
	Reason      string
	History     []AttemptTry
	SessionID   string
	// MultiStep is set when the form page looked like the first of several steps.
	MultiStep bool
}

// FormField is one input discovered on a directory's submission page.
type FormField struct {
	Selector    string `json:"selector"`
	Name        string `json:"name,omitempty"`
	ID          string `json:"id,omitempty"`
	Label       string `json:"label,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
	Type        string `json:"type,omitempty"`
	Tag         string `json:"tag,omitempty"`
}

// PageSignal summarizes what a loaded page reveals about automation safety.
type PageSignal struct {
	StatusCode        int      `json:"status_code"`
	PasswordField     bool     `json:"password_field"`
	LoginForm         bool     `json:"login_form"`
	CaptchaMarkers    []string `json:"captcha_markers,omitempty"`
	AntiBotSignatures []string `json:"anti_bot_signatures,omitempty"`
	RateLimited       bool     `json:"rate_limited"`
	RetryAfter        string   `json:"retry_after,omitempty"`
	MultiStep         bool     `json:"multi_step"`
	FinalURL          string   `json:"final_url,omitempty"`
	// HTML is the inspected document, kept for indicator checks and checksums.
	HTML string `json:"-"`
}

// SubmitResult is returned by the form driver after a fill-and-submit.
type SubmitResult struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Signal  PageSignal `json:"page_signal"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// PointerTime returns a pointer to a copy of t.
func PointerTime(t time.Time) *time.Time {
	return &t
}
