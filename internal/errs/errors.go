// Package errs defines the error taxonomy shared by the merge pipeline and
// the HTTP layer. Sentinels are matched with errors.Is; Category drives the
// HTTP status mapping.
package errs

import "errors"

// Per-file validation errors. Recoverable: the offending file is skipped
// and the batch continues.
var (
	ErrInvalidHeader = errors.New("invalid PDF header")
	ErrLoadFailed    = errors.New("document failed to load")
	ErrEmptyDocument = errors.New("document has no pages")
	ErrFileTooSmall  = errors.New("file below minimum PDF size")
	ErrWrongType     = errors.New("file is not a PDF")
	ErrFileTooLarge  = errors.New("file exceeds per-file size limit")
)

// Request-level validation errors, rejected before any processing begins.
var (
	ErrTooManyFiles  = errors.New("too many files")
	ErrTooFewFiles   = errors.New("at least two files required")
	ErrTotalTooLarge = errors.New("aggregate size exceeds limit")
)

// Resource errors. Fatal to the whole run; no partial output.
var (
	ErrQueueFull           = errors.New("task queue is full")
	ErrPoolShuttingDown    = errors.New("worker pool is shutting down")
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded after cleanup")
)

// Run-control errors.
var (
	ErrProcessingTimeout = errors.New("processing timed out")
	ErrAborted           = errors.New("operation aborted")
	ErrAllFilesInvalid   = errors.New("no valid input files")
)

// Category classifies an error for HTTP status mapping.
type Category int

const (
	CategoryInternal Category = iota
	CategoryClient
	CategoryTimeout
	CategoryResource
)

// Categorize maps an error to its Category. Unrecognized errors are
// internal: they get logged with context and translated to a generic
// user-safe message at the boundary.
func Categorize(err error) Category {
	switch {
	case err == nil:
		return CategoryInternal
	case errors.Is(err, ErrProcessingTimeout):
		return CategoryTimeout
	case errors.Is(err, ErrInvalidHeader),
		errors.Is(err, ErrLoadFailed),
		errors.Is(err, ErrEmptyDocument),
		errors.Is(err, ErrFileTooSmall),
		errors.Is(err, ErrWrongType),
		errors.Is(err, ErrFileTooLarge),
		errors.Is(err, ErrTooManyFiles),
		errors.Is(err, ErrTooFewFiles),
		errors.Is(err, ErrTotalTooLarge),
		errors.Is(err, ErrAllFilesInvalid),
		errors.Is(err, ErrAborted):
		return CategoryClient
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, ErrPoolShuttingDown),
		errors.Is(err, ErrMemoryLimitExceeded):
		return CategoryResource
	default:
		return CategoryInternal
	}
}
