// Package merge orchestrates one PDF merge run: validate all inputs,
// extract every surviving file's pages in bounded concurrent sub-batches,
// concatenate them in submission order, optimize, and serialize.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/cobaltleaf/pdfmerge/internal/config"
	"github.com/cobaltleaf/pdfmerge/internal/docmodel"
	"github.com/cobaltleaf/pdfmerge/internal/errs"
	"github.com/cobaltleaf/pdfmerge/internal/models"
	"github.com/cobaltleaf/pdfmerge/internal/pool"
	"github.com/cobaltleaf/pdfmerge/internal/progress"
	"github.com/cobaltleaf/pdfmerge/internal/validate"
)

// Task priorities: validation results gate everything else, so they jump
// the queue ahead of page extraction work.
const (
	priorityValidate = 10
	priorityExtract  = 5
)

// ProgressFunc receives a snapshot after every unit of work.
type ProgressFunc func(models.ProgressSnapshot)

// Engine is the stateful merge orchestrator. One Engine serves all
// requests; each ProcessPDFs call owns its accumulating document and
// counters exclusively.
type Engine struct {
	cfg       config.Config
	pool      *pool.Pool
	validator *validate.Validator
	governor  memGovernor
	logger    *slog.Logger

	// Bounds simultaneously materialized page-copy sub-batches across all
	// concurrent runs, which bounds peak memory.
	sem *semaphore.Weighted

	mergesTotal  *prometheus.CounterVec
	mergeSeconds prometheus.Histogram
}

// memGovernor is the slice of the memory governor the engine needs.
type memGovernor interface {
	CheckAndReclaim() error
}

// New wires an Engine. governor may be nil (no memory bounding, used by
// some tests); reg may be nil to skip Prometheus registration.
func New(cfg config.Config, p *pool.Pool, v *validate.Validator, g memGovernor, logger *slog.Logger, reg prometheus.Registerer) *Engine {
	e := &Engine{
		cfg:       cfg,
		pool:      p,
		validator: v,
		governor:  g,
		logger:    logger.With("component", "merge-engine"),
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentOps),
	}
	if reg != nil {
		e.mergesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pdfmerge_merges_total",
			Help: "Merge runs by outcome.",
		}, []string{"outcome"})
		e.mergeSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pdfmerge_merge_duration_seconds",
			Help:    "Wall-clock duration of merge runs.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		})
		reg.MustRegister(e.mergesTotal, e.mergeSeconds)
	}
	return e
}

// ProcessPDFs merges the files in submission order. Per-file failures
// become warnings; the run as a whole fails only on resource exhaustion,
// timeout, abort, or when every input is unusable. On failure no partial
// output is returned.
func (e *Engine) ProcessPDFs(ctx context.Context, files []*models.InputFile, opts models.ProcessingOptions, onProgress ProgressFunc) *models.MergeResult {
	started := time.Now()
	runID := uuid.NewString()
	logger := e.logger.With("runId", runID, "files", len(files))
	logger.Info("merge run started")

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProcessingTimeout)
	defer cancel()
	defer e.validator.Release(files)

	result := e.run(ctx, files, opts, onProgress, logger)

	elapsed := time.Since(started)
	if e.mergeSeconds != nil {
		e.mergeSeconds.Observe(elapsed.Seconds())
	}
	if result.Success {
		result.Stats.ProcessingTimeMs = elapsed.Milliseconds()
		if e.mergesTotal != nil {
			e.mergesTotal.WithLabelValues("success").Inc()
		}
		logger.Info("merge run complete",
			"pages", result.Stats.TotalPages,
			"outputBytes", result.Stats.TotalSize,
			"warnings", len(result.Warnings),
			"elapsed", elapsed)
	} else {
		if e.mergesTotal != nil {
			e.mergesTotal.WithLabelValues("failure").Inc()
		}
		logger.Error("merge run failed", "error", result.Err, "elapsed", elapsed)
	}
	return result
}

func (e *Engine) run(ctx context.Context, files []*models.InputFile, opts models.ProcessingOptions, onProgress ProgressFunc, logger *slog.Logger) *models.MergeResult {
	if opts.CopyBatchSize <= 0 {
		opts.CopyBatchSize = e.cfg.CopyBatchSize
	}
	report := func(s models.ProgressSnapshot) {
		if onProgress != nil {
			onProgress(s)
		}
	}

	// Stage: initialization.
	var totalBytes int64
	for _, f := range files {
		totalBytes += int64(len(f.Data))
	}
	tracker := progress.NewTracker(0, totalBytes)
	report(tracker.Update(models.StageInitialization, 100))
	if err := e.interrupted(ctx); err != nil {
		return fail(err)
	}

	// Stage: validation. Structural loads are CPU-bound, so each file's
	// check runs as a pool task; results are awaited in input order.
	results, err := e.validateStage(ctx, files, tracker, report)
	if err != nil {
		return fail(err)
	}

	var warnings []string
	totalPages := 0
	validCount := 0
	for i, res := range results {
		if !res.Valid {
			warnings = append(warnings, fmt.Sprintf("File %d skipped: %v", i+1, res.Err))
			continue
		}
		if res.Warning != "" {
			warnings = append(warnings, fmt.Sprintf("File %d: %s", i+1, res.Warning))
		}
		totalPages += res.Stats.PageCount
		validCount++
	}
	if validCount == 0 {
		return failWithWarnings(errs.ErrAllFilesInvalid, warnings)
	}
	tracker.TotalPages = totalPages
	if err := e.interrupted(ctx); err != nil {
		return failWithWarnings(err, warnings)
	}

	// Stages: loading + merging, interleaved per file in submission
	// order. Pages within a file are extracted in concurrency-limited
	// sub-batches but appended in scheduled order, never completion
	// order, so output ordering is deterministic.
	chunks, warnings, err := e.copyStage(ctx, files, results, opts, tracker, report, warnings, logger)
	if err != nil {
		return failWithWarnings(err, warnings)
	}
	if len(chunks) == 0 {
		return failWithWarnings(errs.ErrAllFilesInvalid, warnings)
	}

	merged, err := docmodel.Merge(chunks, opts.ObjectStreams)
	if err != nil {
		return failWithWarnings(fmt.Errorf("assembling output: %w", err), warnings)
	}
	report(tracker.Update(models.StageMerging, 100))
	if err := e.interrupted(ctx); err != nil {
		return failWithWarnings(err, warnings)
	}

	// Stage: optimizing. Best effort, never a correctness requirement.
	output := merged
	if opts.OptimizeOutput {
		if optimized, err := docmodel.Optimize(merged); err != nil {
			warnings = append(warnings, fmt.Sprintf("optimization skipped: %v", err))
			logger.Warn("output optimization failed, keeping unoptimized document", "error", err)
		} else {
			output = optimized
		}
	}
	report(tracker.Update(models.StageOptimizing, 100))
	if err := e.interrupted(ctx); err != nil {
		return failWithWarnings(err, warnings)
	}

	// Stage: finalizing.
	stats := models.MergeStats{
		TotalPages: tracker.PagesProcessed,
		TotalSize:  int64(len(output)),
	}
	if totalBytes > 0 {
		stats.CompressionRatio = float64(len(output)) / float64(totalBytes)
	}
	report(tracker.Update(models.StageFinalizing, 100))
	report(tracker.Update(models.StageComplete, 100))

	return &models.MergeResult{
		Success:  true,
		Data:     output,
		Stats:    stats,
		Warnings: warnings,
	}
}

func (e *Engine) validateStage(ctx context.Context, files []*models.InputFile, tracker *progress.Tracker, report ProgressFunc) ([]validate.Result, error) {
	tasks := make([]*pool.Task, len(files))
	for i, f := range files {
		task := pool.NewTask(priorityValidate, func(context.Context) (any, error) {
			return e.validator.Validate(f), nil
		})
		if err := e.pool.Submit(task); err != nil {
			// Run the check inline rather than failing the request over a
			// momentarily full queue; validation is cheap relative to a
			// whole merge.
			if errors.Is(err, errs.ErrQueueFull) {
				tasks[i] = nil
				continue
			}
			return nil, err
		}
		tasks[i] = task
	}

	results := make([]validate.Result, len(files))
	for i, f := range files {
		if tasks[i] == nil {
			results[i] = e.validator.Validate(f)
		} else {
			value, err := tasks[i].Wait(ctx)
			if err != nil {
				if cerr := e.interrupted(ctx); cerr != nil {
					return nil, cerr
				}
				// Resource exhaustion fails the whole run; only genuine
				// per-file defects become skips.
				if errs.Categorize(err) == errs.CategoryResource {
					return nil, err
				}
				results[i] = validate.Result{Err: fmt.Errorf("%w: %v", errs.ErrLoadFailed, err)}
				report(tracker.Update(models.StageValidation, float64(i+1)/float64(len(files))*100))
				continue
			}
			results[i] = value.(validate.Result)
		}
		report(tracker.Update(models.StageValidation, float64(i+1)/float64(len(files))*100))
	}
	return results, nil
}

// copyStage extracts each surviving file's pages and appends the chunks in
// submission order. A single bad file never aborts the rest of the batch.
func (e *Engine) copyStage(
	ctx context.Context,
	files []*models.InputFile,
	results []validate.Result,
	opts models.ProcessingOptions,
	tracker *progress.Tracker,
	report ProgressFunc,
	warnings []string,
	logger *slog.Logger,
) ([][]byte, []string, error) {
	var chunks [][]byte
	pagesAttempted := 0
	processedFiles := 0

	for i, f := range files {
		if !results[i].Valid {
			continue
		}
		if err := e.interrupted(ctx); err != nil {
			return nil, warnings, err
		}

		pageCount := results[i].Stats.PageCount
		report(tracker.Update(models.StageLoading, float64(i+1)/float64(len(files))*100))

		fileChunks, err := e.extractFile(ctx, f, pageCount, opts, func(pages int) {
			pagesAttempted += pages
			if tracker.TotalPages > 0 {
				report(tracker.Update(models.StageMerging,
					float64(pagesAttempted)/float64(tracker.TotalPages)*100))
			}
		})
		if err != nil {
			if cerr := e.interrupted(ctx); cerr != nil {
				return nil, warnings, cerr
			}
			// A skip must mean the file itself was bad. Queue-full and
			// pool-shutdown say nothing about the file; returning partial
			// output for them would silently drop mergeable pages.
			if errs.Categorize(err) == errs.CategoryResource {
				return nil, warnings, err
			}
			warnings = append(warnings, fmt.Sprintf("File %d skipped: %v", i+1, err))
			logger.Warn("file skipped during page copy",
				"file", f.Name, "index", i, "error", err)
			continue
		}

		chunks = append(chunks, fileChunks...)
		tracker.PagesProcessed += pageCount
		tracker.BytesProcessed += int64(len(f.Data))
		processedFiles++

		if e.governor != nil && e.cfg.MemoryCheckInterval > 0 && processedFiles%e.cfg.MemoryCheckInterval == 0 {
			if err := e.governor.CheckAndReclaim(); err != nil {
				return nil, warnings, err
			}
		}
	}
	return chunks, warnings, nil
}

// extractFile schedules the file's page ranges as pool tasks under the
// concurrency limiter and awaits them in scheduling order. Any sub-batch
// failure fails the whole file so its pages never appear partially.
func (e *Engine) extractFile(ctx context.Context, f *models.InputFile, pageCount int, opts models.ProcessingOptions, onBatch func(pages int)) ([][]byte, error) {
	type batch struct {
		task  *pool.Task
		pages int
		// Releases the batch's semaphore permit. Once-wrapped: the worker
		// releases after running, the awaiting side releases for tasks the
		// pool rejected without ever running them.
		release func()
	}
	var batches []batch
	var schedErr error
	large := int64(len(f.Data)) > e.cfg.LargeFileThreshold

	for from := 1; from <= pageCount; from += opts.CopyBatchSize {
		to := from + opts.CopyBatchSize - 1
		if to > pageCount {
			to = pageCount
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			schedErr = err
			break
		}
		release := sync.OnceFunc(func() { e.sem.Release(1) })
		task := pool.NewTask(priorityExtract, func(context.Context) (any, error) {
			defer release()
			return docmodel.ExtractPages(f.Data, from, to)
		})
		if err := e.pool.Submit(task); err != nil {
			release()
			schedErr = err
			break
		}
		batches = append(batches, batch{task: task, pages: to - from + 1, release: release})

		// Deliberate yield between sub-batches of very large files so one
		// request cannot monopolize the limiter.
		if large && e.cfg.SubBatchDelay > 0 {
			select {
			case <-time.After(e.cfg.SubBatchDelay):
			case <-ctx.Done():
			}
		}
	}

	// Every submitted batch is awaited even after a scheduling failure, so
	// permits never leak with the run's error.
	chunks := make([][]byte, 0, len(batches))
	firstErr := schedErr
	for _, b := range batches {
		value, err := b.task.Wait(ctx)
		if err != nil {
			b.release()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		onBatch(b.pages)
		if firstErr == nil {
			chunks = append(chunks, value.([]byte))
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return chunks, nil
}

// interrupted translates context termination into the run-control errors.
func (e *Engine) interrupted(ctx context.Context) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return errs.ErrProcessingTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return errs.ErrAborted
	default:
		return nil
	}
}

func fail(err error) *models.MergeResult {
	return failWithWarnings(err, nil)
}

func failWithWarnings(err error, warnings []string) *models.MergeResult {
	msg := err.Error()
	if errs.Categorize(err) == errs.CategoryInternal {
		msg = "internal processing error"
	}
	return &models.MergeResult{
		Success:  false,
		Error:    msg,
		Err:      err,
		Warnings: warnings,
	}
}
