// Package progress maps per-stage completion onto a single monotonic
// 0-100 signal with a throughput-based time estimate.
package progress

import (
	"time"

	"github.com/cobaltleaf/pdfmerge/internal/models"
)

// Stage weights sum to 100. Merging carries the largest share because it
// dominates wall-clock time.
var stageWeights = map[models.Stage]float64{
	models.StageInitialization: 5,
	models.StageValidation:     15,
	models.StageLoading:        20,
	models.StageMerging:        40,
	models.StageOptimizing:     15,
	models.StageFinalizing:     5,
}

var stageOrder = []models.Stage{
	models.StageInitialization,
	models.StageValidation,
	models.StageLoading,
	models.StageMerging,
	models.StageOptimizing,
	models.StageFinalizing,
}

const etaWindow = 8

type sample struct {
	at       time.Time
	progress float64
}

// Tracker accumulates progress for one merge run. Not safe for concurrent
// use; the engine drives it from its single orchestration goroutine.
type Tracker struct {
	startedAt    time.Time
	lastReported float64
	window       []sample

	PagesProcessed int
	TotalPages     int
	BytesProcessed int64
	TotalBytes     int64

	now func() time.Time
}

// NewTracker starts tracking a run.
func NewTracker(totalPages int, totalBytes int64) *Tracker {
	t := &Tracker{
		TotalPages: totalPages,
		TotalBytes: totalBytes,
		now:        time.Now,
	}
	t.startedAt = t.now()
	return t
}

// Update computes the snapshot for the given stage position. stageLocal is
// 0-100 within the current stage.
func (t *Tracker) Update(stage models.Stage, stageLocal float64) models.ProgressSnapshot {
	if stageLocal < 0 {
		stageLocal = 0
	}
	if stageLocal > 100 {
		stageLocal = 100
	}

	overall := t.overall(stage, stageLocal)

	// Stage-weight rounding can briefly move the computed value backwards
	// across a stage boundary; consumers must never see that.
	if overall < t.lastReported {
		overall = t.lastReported
	}
	t.lastReported = overall

	now := t.now()
	t.window = append(t.window, sample{at: now, progress: overall})
	if len(t.window) > etaWindow {
		t.window = t.window[1:]
	}

	return models.ProgressSnapshot{
		Stage:           stage,
		StageProgress:   stageLocal,
		OverallProgress: overall,
		PagesProcessed:  t.PagesProcessed,
		TotalPages:      t.TotalPages,
		BytesProcessed:  t.BytesProcessed,
		TotalBytes:      t.TotalBytes,
		ElapsedMs:       now.Sub(t.startedAt).Milliseconds(),
		EtaMs:           t.eta(overall, now),
		UpdatedAt:       now,
	}
}

func (t *Tracker) overall(stage models.Stage, stageLocal float64) float64 {
	if stage == models.StageComplete {
		return 100
	}
	sum := 0.0
	for _, s := range stageOrder {
		if s == stage {
			sum += stageWeights[s] * stageLocal / 100
			break
		}
		sum += stageWeights[s]
	}
	// 100 is reserved for true completion; everything before the complete
	// stage caps at 99 so consumers never see a premature full bar.
	if sum > 99 {
		sum = 99
	}
	return sum
}

// eta estimates remaining time from the rate over the sliding window.
// Returns 0 (unknown) with fewer than two samples or a non-positive rate.
func (t *Tracker) eta(overall float64, now time.Time) int64 {
	if len(t.window) < 2 {
		return 0
	}
	oldest := t.window[0]
	dt := now.Sub(oldest.at).Seconds()
	dp := overall - oldest.progress
	if dt <= 0 || dp <= 0 {
		return 0
	}
	rate := dp / dt // progress points per second
	remaining := (100 - overall) / rate
	return int64(remaining * 1000)
}
