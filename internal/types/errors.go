// Package types provides shared types, interfaces, and errors for the application.
package types

import "errors"

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Browser pool errors
	ErrBrowserPoolClosed  = errors.New("browser pool is closed")
	ErrBrowserPoolTimeout = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy   = errors.New("browser is unhealthy")
	ErrRenderDisabled     = errors.New("rendering is disabled")

	// Page errors
	ErrPageNotFound  = errors.New("page not found")
	ErrPageExists    = errors.New("page already exists")
	ErrInvalidPageID = errors.New("invalid page id")
	ErrTooManyPages  = errors.New("maximum number of pages reached")
	ErrPageRequired  = errors.New("page is required")
	ErrPageSource    = errors.New("html or url is required")
	ErrNoInsertPoint = errors.New("insertion point not found")

	// State errors
	ErrHostnameRequired = errors.New("hostname is required")
	ErrEnabledRequired  = errors.New("enabled is required")
	ErrStatePersist     = errors.New("failed to persist hostname state")

	// Request errors
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidURL     = errors.New("invalid URL")
	ErrInvalidCommand = errors.New("invalid command")
	ErrCountRequired  = errors.New("count is required")

	// Report errors
	ErrReportRejected = errors.New("report rejected by tracker")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// PageError provides detailed information about page session failures.
// It implements the error interface and supports error unwrapping.
type PageError struct {
	Operation string // The operation that failed: "open", "insert", "render"
	PageID    string
	Message   string // Human-readable error message
	Err       error  // Underlying error (for unwrapping)
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *PageError) Unwrap() error {
	return e.Err
}

// NewPageError creates a PageError for op on page id.
func NewPageError(op, id string, err error) *PageError {
	msg := "page " + op + " failed"
	if id != "" {
		msg += " for " + id
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return &PageError{
		Operation: op,
		PageID:    id,
		Message:   msg,
		Err:       err,
	}
}

// PoolError provides detailed information about browser pool failures.
type PoolError struct {
	Operation string // The operation that failed
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

// Error implements the error interface.
func (e *PoolError) Error() string {
	return e.Message
}

// Unwrap returns the underlying error.
func (e *PoolError) Unwrap() error {
	return e.Err
}

// NewPoolAcquireError creates an error for pool acquire failures.
func NewPoolAcquireError(reason string, err error) *PoolError {
	return &PoolError{
		Operation: "acquire",
		Message:   "Failed to acquire browser from pool: " + reason,
		Err:       err,
	}
}
