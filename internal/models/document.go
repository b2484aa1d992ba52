package models

import "time"

// InputFile is one uploaded PDF as received by the HTTP layer. The byte
// buffer is immutable once constructed and owned by the request scope.
// ID is a request-scoped identifier assigned at construction; the
// validation cache is keyed by it instead of by content hash so repeated
// checks of the same in-memory buffer stay O(1).
type InputFile struct {
	ID           uint64
	Name         string
	Data         []byte
	DeclaredSize int64
	DeclaredType string
	LastModified int64
}

// PDFStats is lightweight metadata extracted during validation.
type PDFStats struct {
	PageCount   int   `json:"pageCount"`
	FileSize    int64 `json:"fileSize"`
	HasXFA      bool  `json:"hasXFA"`
	IsEncrypted bool  `json:"isEncrypted"`
}

// Stage is one phase of a merge run. Stages are strictly ordered and a run
// visits each at most once.
type Stage string

const (
	StageInitialization Stage = "initialization"
	StageValidation     Stage = "validation"
	StageLoading        Stage = "loading"
	StageMerging        Stage = "merging"
	StageOptimizing     Stage = "optimizing"
	StageFinalizing     Stage = "finalizing"
	StageComplete       Stage = "complete"
)

// ProgressSnapshot is emitted after every unit of merge work. It is
// consumed immediately by the caller and never persisted.
type ProgressSnapshot struct {
	Stage           Stage     `json:"stage"`
	StageProgress   float64   `json:"stageProgress"`
	OverallProgress float64   `json:"overallProgress"`
	PagesProcessed  int       `json:"pagesProcessed"`
	TotalPages      int       `json:"totalPages"`
	BytesProcessed  int64     `json:"bytesProcessed"`
	TotalBytes      int64     `json:"totalBytes"`
	ElapsedMs       int64     `json:"elapsedMs"`
	EtaMs           int64     `json:"etaMs"`
	UpdatedAt       time.Time `json:"updatedAt"`
}
