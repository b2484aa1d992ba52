// Package validate implements cheap structural screening of uploaded PDF
// buffers ahead of any expensive merge work.
package validate

import (
	"bytes"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cobaltleaf/pdfmerge/internal/docmodel"
	"github.com/cobaltleaf/pdfmerge/internal/errs"
	"github.com/cobaltleaf/pdfmerge/internal/models"
)

var (
	pdfSignature = []byte("%PDF-")
	eofMarker    = []byte("%%EOF")
)

// Result is the outcome of validating one buffer.
type Result struct {
	Valid   bool
	Err     error
	Warning string
	Stats   models.PDFStats
}

// Config bounds how much of a buffer validation inspects before the
// structural load.
type Config struct {
	MinPDFSize        int
	HeaderScanWindow  int
	TrailerScanWindow int
	// Files larger than this skip the strict first pass and load relaxed
	// immediately.
	LargeFileThreshold int64
}

// Validator screens buffers and caches results keyed by the request-scoped
// buffer ID, so re-checks of the same in-memory buffer are O(1). Entries
// are dropped explicitly when the request scope ends (Release) or when the
// memory governor purges the cache.
type Validator struct {
	loader docmodel.Loader
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[uint64]Result
}

// New constructs a Validator around the given structural loader.
func New(loader docmodel.Loader, cfg Config, logger *slog.Logger) *Validator {
	if cfg.MinPDFSize <= 0 {
		cfg.MinPDFSize = 100
	}
	if cfg.HeaderScanWindow <= 0 {
		cfg.HeaderScanWindow = 1024
	}
	if cfg.TrailerScanWindow <= 0 {
		cfg.TrailerScanWindow = 1024
	}
	return &Validator{
		loader: loader,
		cfg:    cfg,
		logger: logger.With("component", "validator"),
		cache:  make(map[uint64]Result),
	}
}

// Validate screens one buffer. Cheap checks run first; only plausibly
// valid buffers reach the full structural load.
func (v *Validator) Validate(file *models.InputFile) Result {
	v.mu.Lock()
	if cached, ok := v.cache[file.ID]; ok {
		v.mu.Unlock()
		return cached
	}
	v.mu.Unlock()

	res := v.validate(file)

	v.mu.Lock()
	v.cache[file.ID] = res
	v.mu.Unlock()
	return res
}

func (v *Validator) validate(file *models.InputFile) Result {
	data := file.Data

	if len(data) < v.cfg.MinPDFSize {
		return Result{Err: fmt.Errorf("%w: %d bytes", errs.ErrFileTooSmall, len(data))}
	}

	// The signature must appear within a bounded prefix; scanning the
	// whole buffer would make huge garbage inputs expensive to reject.
	header := data
	if len(header) > v.cfg.HeaderScanWindow {
		header = header[:v.cfg.HeaderScanWindow]
	}
	if !bytes.Contains(header, pdfSignature) {
		return Result{Err: errs.ErrInvalidHeader}
	}

	// A missing EOF marker is a corruption signal but some generators
	// omit it while still producing loadable files, so it only becomes a
	// warning alongside a successful load.
	trailer := data
	if len(trailer) > v.cfg.TrailerScanWindow {
		trailer = trailer[len(trailer)-v.cfg.TrailerScanWindow:]
	}
	warning := ""
	if !bytes.Contains(trailer, eofMarker) {
		warning = "missing %%EOF marker"
	}

	doc, err := v.load(file)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %v", errs.ErrLoadFailed, err)}
	}
	if doc.PageCount() == 0 {
		return Result{Err: errs.ErrEmptyDocument}
	}

	return Result{
		Valid:   true,
		Warning: warning,
		Stats: models.PDFStats{
			PageCount:   doc.PageCount(),
			FileSize:    int64(len(data)),
			HasXFA:      bytes.Contains(data, []byte("/XFA")),
			IsEncrypted: doc.Encrypted(),
		},
	}
}

// load runs the two-pass structural load: strict first, relaxed retry on
// failure. Large files skip the strict pass since it rarely succeeds on
// them and just doubles the cost.
func (v *Validator) load(file *models.InputFile) (docmodel.Document, error) {
	relaxedFirst := v.cfg.LargeFileThreshold > 0 && int64(len(file.Data)) > v.cfg.LargeFileThreshold
	if relaxedFirst {
		return v.loader.Load(file.Data, true)
	}
	doc, err := v.loader.Load(file.Data, false)
	if err == nil {
		return doc, nil
	}
	v.logger.Debug("strict load failed, retrying relaxed",
		"file", file.Name, "error", err)
	return v.loader.Load(file.Data, true)
}

// ValidateAll screens a batch concurrently, one pass, preserving input
// order in the returned slice.
func (v *Validator) ValidateAll(files []*models.InputFile, limit int) []Result {
	results := make([]Result, len(files))
	var eg errgroup.Group
	if limit > 0 {
		eg.SetLimit(limit)
	}
	for i, f := range files {
		eg.Go(func() error {
			results[i] = v.Validate(f)
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

// Release drops the cache entries for the given buffers when their request
// scope ends.
func (v *Validator) Release(files []*models.InputFile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, f := range files {
		delete(v.cache, f.ID)
	}
}

// Purge empties the whole cache. Wired to the memory governor's reclaim
// pass.
func (v *Validator) Purge() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cache = make(map[uint64]Result)
}

// CacheSize reports the number of cached validation results.
func (v *Validator) CacheSize() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cache)
}
