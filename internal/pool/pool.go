// Package pool provides the bounded worker pool that runs CPU-bound PDF
// work off the request-serving goroutines. All pool state is owned by a
// single control loop; workers and submitters communicate with it over
// channels only.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltleaf/pdfmerge/internal/errs"
)

// Task is one unit of work. Ownership of whatever Run captures transfers
// to the worker for the task's duration.
type Task struct {
	ID       string
	Priority int
	Run      func(ctx context.Context) (any, error)

	added  time.Time
	result chan Result
}

// NewTask wraps fn into a submittable task.
func NewTask(priority int, fn func(ctx context.Context) (any, error)) *Task {
	return &Task{
		ID:       uuid.NewString(),
		Priority: priority,
		Run:      fn,
		result:   make(chan Result, 1),
	}
}

// Result is the outcome of one task.
type Result struct {
	Value      any
	Err        error
	WorkerID   int
	WaitTime   time.Duration
	RunTime    time.Duration
	FinishedAt time.Time
}

// Wait blocks until the task completes or ctx is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-t.result:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Metrics is a point-in-time snapshot of pool state.
type Metrics struct {
	TotalWorkers    int           `json:"totalWorkers"`
	ActiveWorkers   int           `json:"activeWorkers"`
	QueueLength     int           `json:"queueLength"`
	TasksProcessed  int64         `json:"tasksProcessed"`
	TasksFailed     int64         `json:"tasksFailed"`
	TasksRejected   int64         `json:"tasksRejected"`
	AverageWaitTime time.Duration `json:"averageWaitTime"`
	TotalRunTime    time.Duration `json:"totalRunTime"`
}

// EventType identifies a pool lifecycle event.
type EventType string

const (
	EventWorkerError  EventType = "workerError"
	EventWorkerExit   EventType = "workerExit"
	EventQueueWarning EventType = "queueWarning"
	EventMetrics      EventType = "metrics"
)

// Event is published on the pool's event channel for observability.
// Delivery is best effort: events are dropped rather than blocking the
// control loop.
type Event struct {
	Type        EventType
	WorkerID    int
	Err         error
	QueueLength int
	Metrics     Metrics
}

// Config sizes and tunes the pool.
type Config struct {
	MinWorkers          int
	PoolSize            int
	QueueSize           int
	HealthCheckInterval time.Duration
	WorkerIdleTimeout   time.Duration
	ScaleCooldown       time.Duration
	ShutdownTimeout     time.Duration
	// MemoryCeiling feeds the scale-down pressure calculation.
	MemoryCeiling uint64
	// HeapSampler reports current heap usage. Defaults to
	// runtime.ReadMemStats; injectable for tests.
	HeapSampler func() uint64
}

func (c *Config) applyDefaults() {
	if c.MinWorkers <= 0 {
		c.MinWorkers = 1
	}
	if c.PoolSize < c.MinWorkers {
		c.PoolSize = c.MinWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.WorkerIdleTimeout <= 0 {
		c.WorkerIdleTimeout = 2 * time.Minute
	}
	if c.ScaleCooldown <= 0 {
		c.ScaleCooldown = 10 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.HeapSampler == nil {
		c.HeapSampler = func() uint64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return m.HeapAlloc
		}
	}
}

// worker bookkeeping lives on the control loop only.
type worker struct {
	id       int
	tasks    chan *Task
	busy     bool
	current  *Task
	lastUsed time.Time

	totalTasks      int64
	successfulTasks int64
	failedTasks     int64
	totalRunTime    time.Duration
	recentErrors    []string
}

type submission struct {
	task *Task
	ack  chan error
}

type completion struct {
	workerID int
	task     *Task
	value    any
	err      error
	panicked bool
	started  time.Time
}

// Pool is the shared worker pool. One instance serves all concurrent merge
// runs; individual runs never cancel each other's tasks.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	submitCh  chan submission
	doneCh    chan completion
	metricsCh chan chan Metrics
	events    chan Event

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stopped      chan struct{}

	taskCtx    context.Context
	cancelWork context.CancelFunc

	prom *promMetrics
}

// New starts the pool with MinWorkers workers; further workers spawn on
// demand up to PoolSize. reg may be nil to skip Prometheus registration.
func New(cfg Config, logger *slog.Logger, reg promRegisterer) *Pool {
	cfg.applyDefaults()
	taskCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:        cfg,
		logger:     logger.With("component", "worker-pool"),
		submitCh:   make(chan submission),
		doneCh:     make(chan completion),
		metricsCh:  make(chan chan Metrics),
		events:     make(chan Event, 64),
		shutdownCh: make(chan struct{}),
		stopped:    make(chan struct{}),
		taskCtx:    taskCtx,
		cancelWork: cancel,
		prom:       newPromMetrics(reg),
	}
	go p.controlLoop()
	return p
}

// Submit hands a task to the pool. It fails fast with ErrPoolShuttingDown
// once shutdown has begun and with ErrQueueFull when the queue is at
// capacity; tasks are rejected, never silently dropped.
func (p *Pool) Submit(task *Task) error {
	if task.result == nil {
		task.result = make(chan Result, 1)
	}
	task.added = time.Now()
	sub := submission{task: task, ack: make(chan error, 1)}
	select {
	case p.submitCh <- sub:
		return <-sub.ack
	case <-p.shutdownCh:
		return errs.ErrPoolShuttingDown
	}
}

// GetMetrics returns a snapshot of pool state.
func (p *Pool) GetMetrics() Metrics {
	reply := make(chan Metrics, 1)
	select {
	case p.metricsCh <- reply:
		return <-reply
	case <-p.stopped:
		return Metrics{}
	}
}

// Events exposes the pool's lifecycle event stream.
func (p *Pool) Events() <-chan Event { return p.events }

// Shutdown stops accepting work, rejects all queued tasks, waits for
// in-flight tasks up to the configured timeout, then cancels remaining
// work. Safe to call more than once.
func (p *Pool) Shutdown() {
	p.shutdownOnce.Do(func() {
		close(p.shutdownCh)
	})
	<-p.stopped
}

// controlLoop owns every piece of mutable pool state. Workers talk back
// exclusively through doneCh, so no locking is needed here.
func (p *Pool) controlLoop() {
	defer close(p.stopped)

	workers := make(map[int]*worker)
	var queue []*Task // descending priority, stable within a priority
	var nextWorkerID int
	var processed, failed, rejected int64
	var totalWait, totalRun time.Duration
	var lastScale time.Time

	healthTicker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer healthTicker.Stop()
	scaleTicker := time.NewTicker(p.cfg.ScaleCooldown)
	defer scaleTicker.Stop()

	spawn := func() *worker {
		nextWorkerID++
		w := &worker{
			id:       nextWorkerID,
			tasks:    make(chan *Task, 1),
			lastUsed: time.Now(),
		}
		workers[w.id] = w
		go p.runWorker(w.id, w.tasks)
		p.prom.setWorkers(len(workers))
		p.logger.Debug("worker spawned", "workerId", w.id, "totalWorkers", len(workers))
		return w
	}

	evict := func(w *worker) {
		close(w.tasks)
		delete(workers, w.id)
		p.prom.setWorkers(len(workers))
		p.publish(Event{Type: EventWorkerExit, WorkerID: w.id})
		p.logger.Debug("worker evicted", "workerId", w.id, "totalWorkers", len(workers))
	}

	dispatch := func(w *worker, t *Task) {
		w.busy = true
		w.current = t
		w.lastUsed = time.Now()
		w.tasks <- t
	}

	idleWorker := func() *worker {
		for _, w := range workers {
			if !w.busy {
				return w
			}
		}
		return nil
	}

	enqueue := func(t *Task) {
		// Stable insertion: first existing entry with strictly lower
		// priority marks the insertion point, so equal priorities keep
		// arrival order.
		i := 0
		for i < len(queue) && queue[i].Priority >= t.Priority {
			i++
		}
		queue = append(queue, nil)
		copy(queue[i+1:], queue[i:])
		queue[i] = t
		p.prom.setQueueLength(len(queue))
		if len(queue)*5 >= p.cfg.QueueSize*4 {
			p.publish(Event{Type: EventQueueWarning, QueueLength: len(queue)})
		}
	}

	snapshot := func() Metrics {
		active := 0
		for _, w := range workers {
			if w.busy {
				active++
			}
		}
		m := Metrics{
			TotalWorkers:   len(workers),
			ActiveWorkers:  active,
			QueueLength:    len(queue),
			TasksProcessed: processed,
			TasksFailed:    failed,
			TasksRejected:  rejected,
			TotalRunTime:   totalRun,
		}
		if processed > 0 {
			m.AverageWaitTime = totalWait / time.Duration(processed)
		}
		return m
	}

	finish := func(c completion) {
		w := workers[c.workerID]
		res := Result{
			Value:      c.value,
			Err:        c.err,
			WorkerID:   c.workerID,
			WaitTime:   c.started.Sub(c.task.added),
			RunTime:    time.Since(c.started),
			FinishedAt: time.Now(),
		}
		processed++
		totalWait += res.WaitTime
		totalRun += res.RunTime
		p.prom.observeTask(res.RunTime, c.err == nil)
		if c.err != nil {
			failed++
		}

		if w != nil {
			w.busy = false
			w.current = nil
			w.lastUsed = time.Now()
			w.totalTasks++
			w.totalRunTime += res.RunTime
			if c.err != nil {
				w.failedTasks++
				w.recentErrors = append(w.recentErrors, c.err.Error())
				if len(w.recentErrors) > 5 {
					w.recentErrors = w.recentErrors[1:]
				}
			} else {
				w.successfulTasks++
			}
		}

		// A panic means the worker goroutine is gone. Replace it so a
		// single crash never shrinks the pool below its target; the pool
		// keeps serving remaining tasks.
		if c.panicked && w != nil {
			p.publish(Event{Type: EventWorkerError, WorkerID: w.id, Err: c.err})
			p.logger.Error("worker crashed, replacing",
				"workerId", w.id, "error", c.err)
			delete(workers, w.id)
			spawn()
		}

		c.task.result <- res
	}

	for {
		select {
		case sub := <-p.submitCh:
			if w := idleWorker(); w != nil {
				dispatch(w, sub.task)
				sub.ack <- nil
			} else if len(workers) < p.cfg.PoolSize {
				dispatch(spawn(), sub.task)
				sub.ack <- nil
			} else if len(queue) >= p.cfg.QueueSize {
				rejected++
				p.prom.incRejected()
				sub.ack <- fmt.Errorf("%w: %d tasks queued", errs.ErrQueueFull, len(queue))
			} else {
				enqueue(sub.task)
				sub.ack <- nil
			}

		case c := <-p.doneCh:
			finish(c)
			// Feed queued work to whoever just went idle.
			if len(queue) > 0 {
				if w := idleWorker(); w != nil {
					t := queue[0]
					queue = queue[1:]
					p.prom.setQueueLength(len(queue))
					dispatch(w, t)
				}
			}

		case reply := <-p.metricsCh:
			reply <- snapshot()

		case <-healthTicker.C:
			// Evict workers idle beyond the timeout, never below the
			// floor and never a busy worker.
			now := time.Now()
			for _, w := range workers {
				if len(workers) <= p.cfg.MinWorkers {
					break
				}
				if !w.busy && now.Sub(w.lastUsed) > p.cfg.WorkerIdleTimeout {
					evict(w)
				}
			}

		case <-scaleTicker.C:
			if time.Since(lastScale) < p.cfg.ScaleCooldown {
				break
			}
			lastScale = time.Now()
			p.rescale(workers, len(queue), spawn, evict)
			p.publish(Event{Type: EventMetrics, Metrics: snapshot()})

		case <-p.shutdownCh:
			p.drain(workers, queue, finish)
			return
		}
	}
}

// rescale applies the dynamic sizing policy: grow toward queue demand,
// shrink under memory pressure, and ramp gradually in both directions.
func (p *Pool) rescale(workers map[int]*worker, queueLen int, spawn func() *worker, evict func(*worker)) {
	pressure := 0.0
	if p.cfg.MemoryCeiling > 0 {
		pressure = float64(p.cfg.HeapSampler()) / float64(p.cfg.MemoryCeiling)
	}

	desired := p.cfg.MinWorkers
	if byQueue := int(math.Ceil(float64(queueLen) * 0.75)); byQueue > desired {
		desired = byQueue
	}
	if byMemory := int(math.Floor(float64(p.cfg.PoolSize) * (1 - pressure))); byMemory > desired {
		desired = byMemory
	}
	if desired > p.cfg.PoolSize {
		desired = p.cfg.PoolSize
	}
	if pressure > 0.85 && desired > p.cfg.PoolSize/2 {
		desired = p.cfg.PoolSize / 2
	}
	if desired < p.cfg.MinWorkers {
		desired = p.cfg.MinWorkers
	}

	current := len(workers)
	switch {
	case current < desired:
		// Half the deficit per cycle avoids spawn storms.
		for i := 0; i < (desired-current+1)/2; i++ {
			spawn()
		}
	case current > desired:
		surplus := current - desired
		now := time.Now()
		for _, w := range workers {
			if surplus == 0 {
				break
			}
			if !w.busy && now.Sub(w.lastUsed) > p.cfg.ScaleCooldown {
				evict(w)
				surplus--
			}
		}
	}
}

// drain rejects queued tasks, waits out in-flight work up to the shutdown
// timeout, then cancels whatever remains.
func (p *Pool) drain(workers map[int]*worker, queue []*Task, finish func(completion)) {
	for _, t := range queue {
		t.result <- Result{Err: errs.ErrPoolShuttingDown}
	}
	p.prom.setQueueLength(0)

	busy := 0
	for _, w := range workers {
		if w.busy {
			busy++
		}
	}
	deadline := time.NewTimer(p.cfg.ShutdownTimeout)
	defer deadline.Stop()
	for busy > 0 {
		select {
		case c := <-p.doneCh:
			finish(c)
			busy--
		case <-deadline.C:
			p.logger.Warn("shutdown timeout, cancelling in-flight tasks", "busy", busy)
			p.cancelWork()
			busy = 0
		}
	}
	p.cancelWork()
	for _, w := range workers {
		close(w.tasks)
	}
	p.prom.setWorkers(0)
	p.logger.Info("worker pool stopped")
}

// runWorker is the worker goroutine body. It reports every outcome,
// including its own panics, back to the control loop.
func (p *Pool) runWorker(id int, tasks <-chan *Task) {
	for task := range tasks {
		started := time.Now()
		value, err, panicked := p.safeRun(task)
		select {
		case p.doneCh <- completion{
			workerID: id,
			task:     task,
			value:    value,
			err:      err,
			panicked: panicked,
			started:  started,
		}:
		case <-p.taskCtx.Done():
			task.result <- Result{Err: errs.ErrPoolShuttingDown, WorkerID: id}
			return
		}
		if panicked {
			return
		}
	}
}

func (p *Pool) safeRun(task *Task) (value any, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", task.ID, r)
			panicked = true
		}
	}()
	value, err = task.Run(p.taskCtx)
	return value, err, false
}

func (p *Pool) publish(e Event) {
	select {
	case p.events <- e:
	default:
	}
}
