package submission

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// ErrorCategory is the customer-safe taxonomy bucket for an attempt outcome.
type ErrorCategory string

// Error taxonomy categories.
const (
	CategoryNone              ErrorCategory = ""
	CategoryClassifierSkip    ErrorCategory = "classifier_skip"
	CategoryMappingUnresolved ErrorCategory = "mapping_unresolved"
	CategoryTransient         ErrorCategory = "transient_failure"
	CategoryPermanent         ErrorCategory = "permanent_failure"
	CategoryCatalogNotFound   ErrorCategory = "catalog_not_found"
	CategorySessionExpired    ErrorCategory = "session_expired"
	CategoryCancelled         ErrorCategory = "cancelled"
)

// Sentinel errors shared across packages.
var (
	ErrCatalogNotFound     = errors.New("catalog: directory not found")
	ErrMappingUnresolved   = errors.New("mapping unresolved")
	ErrSessionExpired      = errors.New("manual session expired")
	ErrJobNotFound         = errors.New("job not found")
	ErrAttemptNotFound     = errors.New("attempt not found")
	ErrAttemptInProgress   = errors.New("attempt already in progress")
	ErrAttemptTerminal     = errors.New("attempt already terminal")
	ErrAttemptsOutstanding = errors.New("job has non-terminal attempts")
	ErrInfrastructure      = errors.New("infrastructure failure")
	ErrUnknownPackage      = errors.New("unknown package tier")
)

// SubmissionError carries a taxonomy category alongside the underlying error.
type SubmissionError struct {
	Category   ErrorCategory
	StatusCode int
	Err        error
}

func (e *SubmissionError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %v", e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable submission failure.
func Transient(err error, statusCode int) error {
	return &SubmissionError{Category: CategoryTransient, StatusCode: statusCode, Err: err}
}

// Permanent wraps err as a non-retryable submission failure.
func Permanent(err error, statusCode int) error {
	return &SubmissionError{Category: CategoryPermanent, StatusCode: statusCode, Err: err}
}

// Infrastructure marks err as a store-level failure that must reach the scheduler.
func Infrastructure(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}

// StatusError classifies an HTTP status returned by a directory.
func StatusError(statusCode int, msg string) error {
	err := fmt.Errorf("directory responded %d: %s", statusCode, msg)
	if IsTransientHTTPStatus(statusCode) {
		return Transient(err, statusCode)
	}
	return Permanent(err, statusCode)
}

// IsTransient reports whether err is safe to retry: explicit transient wrappers,
// network timeouts, connection resets, and common wrapped client error text.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Category == CategoryTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"too many requests",
}

// IsTransientHTTPStatus reports whether a directory response code is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

// CategoryFor maps an error onto the taxonomy.
func CategoryFor(err error) ErrorCategory {
	if err == nil {
		return CategoryNone
	}
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Category
	}
	switch {
	case errors.Is(err, ErrCatalogNotFound):
		return CategoryCatalogNotFound
	case errors.Is(err, ErrMappingUnresolved):
		return CategoryMappingUnresolved
	case errors.Is(err, ErrSessionExpired):
		return CategorySessionExpired
	case IsTransient(err):
		return CategoryTransient
	default:
		return CategoryPermanent
	}
}

// IsInfrastructure reports whether err should pause dispatch.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}
