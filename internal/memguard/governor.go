// Package memguard bounds the service's heap usage. It samples the heap,
// purges registered caches when usage crosses the threshold, and turns
// sustained overuse into a hard failure instead of letting the process
// accumulate toward an OOM kill.
package memguard

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cobaltleaf/pdfmerge/internal/errs"
)

// Purgeable is anything holding reclaimable memory: validation caches,
// result caches, document caches.
type Purgeable interface {
	Purge()
}

// Config tunes the governor.
type Config struct {
	// Ceiling is the maximum tolerated heap usage in bytes.
	Ceiling uint64
	// Threshold is the fraction of Ceiling at which reclaim starts.
	Threshold float64
	// Sampler reports current heap usage. Defaults to HeapAlloc from
	// runtime.ReadMemStats; injectable for tests.
	Sampler func() uint64
}

// Governor is shared by all merge runs; the sampled heap is process-wide.
type Governor struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	purgeables []Purgeable
	stopCh     chan struct{}
	running    bool
}

// New constructs a Governor.
func New(cfg Config, logger *slog.Logger) *Governor {
	if cfg.Threshold <= 0 || cfg.Threshold >= 1 {
		cfg.Threshold = 0.8
	}
	if cfg.Sampler == nil {
		cfg.Sampler = func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		}
	}
	return &Governor{
		cfg:    cfg,
		logger: logger.With("component", "memory-governor"),
	}
}

// Register adds a cache to be cleared during reclaim.
func (g *Governor) Register(p Purgeable) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purgeables = append(g.purgeables, p)
}

// CheckAndReclaim samples the heap and, above the threshold, purges caches
// and forces a collection. If usage is still over the ceiling afterwards
// the caller must treat it as a hard failure and stop accumulating pages.
func (g *Governor) CheckAndReclaim() error {
	if g.cfg.Ceiling == 0 {
		return nil
	}
	used := g.cfg.Sampler()
	trigger := uint64(float64(g.cfg.Ceiling) * g.cfg.Threshold)
	if used < trigger {
		return nil
	}

	g.logger.Warn("memory pressure, reclaiming",
		"heapUsed", used, "trigger", trigger, "ceiling", g.cfg.Ceiling)
	g.reclaim()

	if used = g.cfg.Sampler(); used > g.cfg.Ceiling {
		g.logger.Error("heap still over ceiling after reclaim",
			"heapUsed", used, "ceiling", g.cfg.Ceiling)
		return fmt.Errorf("%w: %d bytes used, ceiling %d",
			errs.ErrMemoryLimitExceeded, used, g.cfg.Ceiling)
	}
	return nil
}

func (g *Governor) reclaim() {
	g.mu.Lock()
	purgeables := make([]Purgeable, len(g.purgeables))
	copy(purgeables, g.purgeables)
	g.mu.Unlock()

	for _, p := range purgeables {
		p.Purge()
	}
	runtime.GC()
	debug.FreeOSMemory()
}

// StartMonitoring begins periodic background checks. Failures of the
// periodic check are logged, not propagated; hard failures surface through
// CheckAndReclaim calls on the merge path.
func (g *Governor) StartMonitoring(interval time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return
	}
	g.running = true
	g.stopCh = make(chan struct{})
	go g.monitor(interval, g.stopCh)
}

// StopMonitoring halts the background checks.
func (g *Governor) StopMonitoring() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return
	}
	g.running = false
	close(g.stopCh)
}

func (g *Governor) monitor(interval time.Duration, stopCh chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := g.CheckAndReclaim(); err != nil {
				g.logger.Error("periodic memory check failed", "error", err)
			}
		case <-stopCh:
			return
		}
	}
}
