package models

// These structs define the contract between the merge engine and its
// callers (the HTTP handler and tests).

// ProcessingOptions configures one merge run. All fields have documented
// defaults applied by DefaultProcessingOptions; the struct is validated
// once before the run starts.
type ProcessingOptions struct {
	// OptimizeOutput strips resources unreferenced by any page after
	// merging. Best effort: failures leave the unoptimized document in
	// place.
	OptimizeOutput bool `json:"optimizeOutput"`
	// ObjectStreams enables object-stream compression when serializing
	// the merged document.
	ObjectStreams bool `json:"objectStreams"`
	// CopyBatchSize is the number of pages extracted per sub-batch.
	CopyBatchSize int `json:"copyBatchSize"`
}

// DefaultProcessingOptions returns the options used when the caller does
// not override anything.
func DefaultProcessingOptions() ProcessingOptions {
	return ProcessingOptions{
		OptimizeOutput: true,
		ObjectStreams:  true,
		CopyBatchSize:  25,
	}
}

// MergeStats summarizes a successful merge.
type MergeStats struct {
	TotalPages       int     `json:"totalPages"`
	TotalSize        int64   `json:"totalSize"`
	ProcessingTimeMs int64   `json:"processingTimeMs"`
	CompressionRatio float64 `json:"compressionRatio"`
}

// MergeResult is the outcome of one merge run. Per-file failures are
// absorbed into Warnings; Success is false only when the whole run failed
// (every input bad, resource exhaustion, timeout, abort).
type MergeResult struct {
	Success  bool       `json:"success"`
	Data     []byte     `json:"-"`
	Stats    MergeStats `json:"stats,omitempty"`
	Warnings []string   `json:"warnings,omitempty"`
	Error    string     `json:"error,omitempty"`
	// Err carries the underlying error for category-based status mapping;
	// never serialized.
	Err error `json:"-"`
}

// ErrorResponse is the JSON body returned for failed HTTP requests.
// Internal details never appear here.
type ErrorResponse struct {
	Error string `json:"error"`
}
