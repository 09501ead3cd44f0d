// Package workerpool supervises a fixed-size pool of query worker processes.
//
// Each pool slot owns one OS process. Jobs are assigned to the
// least-recently-used idle slot (lowest id on ties), queue in a bounded FIFO
// when all slots are busy, and resolve exactly once through a JobHandle.
// A watchdog enforces per-job deadlines by killing the worker process; a
// memory ceiling retires workers whose RSS grows past the limit. Crashed
// workers are replaced and the pool heals itself back to its configured size.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"querychat/worker"
)

// JobStatus tracks a job's lifecycle. Transitions are monotonically forward
// except for the single requeue a crashed first attempt is granted.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusSucceeded JobStatus = "succeeded"
	StatusFailed    JobStatus = "failed"
	StatusTimedOut  JobStatus = "timed_out"
)

// SlotState tracks a worker slot's lifecycle.
type SlotState string

const (
	SlotIdle       SlotState = "idle"
	SlotBusy       SlotState = "busy"
	SlotCrashed    SlotState = "crashed"
	SlotRestarting SlotState = "restarting"
)

// WorkerCrashError is surfaced when a job's worker died twice.
type WorkerCrashError struct {
	JobID string
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker crashed twice while executing job %s", e.JobID)
}

// ErrPoolClosed is returned by Submit after Shutdown begins.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// Job describes one query execution request.
type Job struct {
	ID             string
	ConversationID string
	Query          string
	Datasets       []worker.DatasetRef
	Page           int
	PageSize       int
	Timeout        time.Duration

	status      JobStatus
	attempts    int
	excludeSlot int // slot whose process crashed on the first attempt
	deadline    time.Time
	submittedAt time.Time
	handle      *JobHandle
}

// Result is the outcome of a completed job. A semantic query error is a
// normal result with Error set, not a failure of the job machinery.
type Result struct {
	Columns         []worker.ColumnInfo
	Rows            [][]any
	TotalRows       int64
	Error           *worker.JobError
	ExecutionTimeMs int64
}

// JobHandle resolves exactly once with the job's result or a pool-level error.
type JobHandle struct {
	JobID string

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

func newJobHandle(jobID string) *JobHandle {
	return &JobHandle{JobID: jobID, done: make(chan struct{})}
}

func (h *JobHandle) resolve(res *Result, err error) {
	h.once.Do(func() {
		h.result = res
		h.err = err
		close(h.done)
	})
}

// Wait blocks until the job resolves or ctx is cancelled.
func (h *JobHandle) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type slot struct {
	id       int
	proc     *workerProc
	state    SlotState
	job      *Job
	lastUsed time.Time
	rssBytes int64
}

// Config configures a Pool.
type Config struct {
	PoolSize      int
	MemoryLimitMB int
	QueueDepth    int
	// WorkerBin is the worker executable; WorkerArgs/WorkerEnv are passed
	// through to every spawned process.
	WorkerBin  string
	WorkerArgs []string
	WorkerEnv  []string
	// DefaultTimeout applies to jobs that carry no timeout of their own.
	DefaultTimeout time.Duration
	Logf           func(string)
}

// Pool supervises the worker slots.
type Pool struct {
	cfg   Config
	logf  func(string)
	queue chan *Job

	mu      sync.Mutex
	slots   []*slot
	started bool
	closed  bool

	restarts          int64
	memoryRetirements int64

	slotFree chan struct{}
	stopc    chan struct{}
	wg       sync.WaitGroup
}

const spawnRetries = 3

// New creates an unstarted pool.
func New(cfg Config) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 2
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 32
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	logf := cfg.Logf
	if logf == nil {
		logf = func(string) {}
	}
	return &Pool{
		cfg:      cfg,
		logf:     logf,
		queue:    make(chan *Job, cfg.QueueDepth),
		slotFree: make(chan struct{}, 1),
		stopc:    make(chan struct{}),
	}
}

// Start spawns the worker processes. Idempotent; fails fast if any slot
// cannot be spawned after its retries.
func (p *Pool) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.mu.Unlock()

	slots := make([]*slot, 0, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		proc, err := p.spawnWithRetries()
		if err != nil {
			for _, s := range slots {
				s.proc.kill()
			}
			return fmt.Errorf("failed to start worker %d: %v", i, err)
		}
		slots = append(slots, &slot{id: i, proc: proc, state: SlotIdle, lastUsed: time.Now()})
	}

	p.mu.Lock()
	p.slots = slots
	p.started = true
	p.mu.Unlock()

	p.wg.Add(2)
	go p.dispatch()
	go p.watchdog()

	p.logf(fmt.Sprintf("[pool] started %d workers", p.cfg.PoolSize))
	return nil
}

func (p *Pool) spawnWithRetries() (*workerProc, error) {
	var lastErr error
	for attempt := 0; attempt < spawnRetries; attempt++ {
		proc, err := spawnWorker(p.cfg.WorkerBin, p.cfg.WorkerArgs, p.cfg.WorkerEnv)
		if err == nil {
			return proc, nil
		}
		lastErr = err
		p.logf(fmt.Sprintf("[pool] spawn attempt %d/%d failed: %v", attempt+1, spawnRetries, err))
		time.Sleep(time.Duration(200*(attempt+1)) * time.Millisecond)
	}
	return nil, lastErr
}

// Submit enqueues a job and returns its handle. When the queue is full the
// call blocks until space frees up, the pool shuts down, or ctx is cancelled;
// the block is the pool's backpressure on producers.
func (p *Pool) Submit(ctx context.Context, job *Job) (*JobHandle, error) {
	p.mu.Lock()
	if !p.started || p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Timeout <= 0 {
		job.Timeout = p.cfg.DefaultTimeout
	}
	job.status = StatusQueued
	job.excludeSlot = -1
	job.submittedAt = time.Now()
	job.handle = newJobHandle(job.ID)

	select {
	case p.queue <- job:
		return job.handle, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stopc:
		return nil, ErrPoolClosed
	}
}

// dispatch pulls queued jobs in FIFO order and assigns each to an idle slot.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		select {
		case job := <-p.queue:
			s := p.acquireSlot(job)
			if s == nil {
				job.handle.resolve(nil, ErrPoolClosed)
				continue
			}
			go p.runJob(s, job)
		case <-p.stopc:
			return
		}
	}
}

// acquireSlot blocks until an idle slot is available and claims it.
// Least-recently-used wins; ties break toward the lowest id. A requeued job
// avoids the slot that crashed on it when any other slot is idle.
func (p *Pool) acquireSlot(job *Job) *slot {
	for {
		p.mu.Lock()
		var best *slot
		var excluded *slot
		for _, s := range p.slots {
			if s.state != SlotIdle || s.proc == nil {
				continue
			}
			if s.id == job.excludeSlot {
				excluded = s
				continue
			}
			if best == nil || s.lastUsed.Before(best.lastUsed) ||
				(s.lastUsed.Equal(best.lastUsed) && s.id < best.id) {
				best = s
			}
		}
		if best == nil {
			best = excluded
		}
		if best != nil {
			best.state = SlotBusy
			best.job = job
			best.lastUsed = time.Now()
			job.status = StatusRunning
			job.deadline = time.Now().Add(job.Timeout)
			p.mu.Unlock()
			return best
		}
		p.mu.Unlock()

		select {
		case <-p.slotFree:
		case <-p.stopc:
			return nil
		case <-time.After(100 * time.Millisecond):
			// Re-scan in case a free signal was coalesced away.
		}
	}
}

func (p *Pool) signalSlotFree() {
	select {
	case p.slotFree <- struct{}{}:
	default:
	}
}

// runJob executes a job on its claimed slot and routes the outcome.
func (p *Pool) runJob(s *slot, job *Job) {
	req := &worker.JobRequest{
		Op:       worker.OpQuery,
		Query:    worker.EncodeQuery(job.Query),
		Datasets: job.Datasets,
		Page:     job.Page,
		PageSize: job.PageSize,
	}

	resp, err := s.proc.execute(req)

	if err != nil {
		p.mu.Lock()
		timedOut := job.status == StatusTimedOut
		p.mu.Unlock()

		if timedOut {
			// The watchdog already killed the process and is replacing it.
			job.handle.resolve(&Result{
				Error: &worker.JobError{
					Kind:    worker.KindTimeout,
					Message: fmt.Sprintf("query exceeded its %s time limit and was cancelled", job.Timeout),
				},
			}, nil)
			return
		}
		p.handleCrash(s, job)
		return
	}

	if p.markCompleted(job) {
		// The watchdog is killing and replacing the worker; the reply lost
		// the race and the job stays timed out.
		job.handle.resolve(&Result{
			Error: &worker.JobError{
				Kind:    worker.KindTimeout,
				Message: fmt.Sprintf("query exceeded its %s time limit and was cancelled", job.Timeout),
			},
		}, nil)
		return
	}

	job.handle.resolve(&Result{
		Columns:         resp.Columns,
		Rows:            resp.Rows,
		TotalRows:       resp.TotalRows,
		Error:           resp.Error,
		ExecutionTimeMs: resp.ExecutionTimeMs,
	}, nil)

	p.releaseOrRetire(s)
}

// markCompleted moves a job to succeeded unless the watchdog already expired
// it; timed_out never moves backward. Reports whether the job had timed out.
func (p *Pool) markCompleted(job *Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if job.status == StatusTimedOut {
		return true
	}
	job.status = StatusSucceeded
	return false
}

// handleCrash requeues a first-time crash victim and fails it the second
// time, then replaces the dead worker either way.
func (p *Pool) handleCrash(s *slot, job *Job) {
	p.mu.Lock()
	job.attempts++
	requeue := job.attempts == 1
	if requeue {
		job.status = StatusQueued
		job.excludeSlot = s.id
	} else {
		job.status = StatusFailed
	}
	p.mu.Unlock()

	p.logf(fmt.Sprintf("[pool] worker %d crashed on job %s (attempt %d)", s.id, job.ID, job.attempts))

	if requeue {
		go func() {
			select {
			case p.queue <- job:
			case <-p.stopc:
				job.handle.resolve(nil, ErrPoolClosed)
			}
		}()
	} else {
		job.handle.resolve(nil, &WorkerCrashError{JobID: job.ID})
	}

	p.replaceSlot(s)
}

// releaseOrRetire returns a slot to idle, or retires its worker when the
// post-job RSS sample exceeds the memory ceiling. The job's result has
// already been delivered by then; retirement is invisible to the caller.
func (p *Pool) releaseOrRetire(s *slot) {
	if p.cfg.MemoryLimitMB > 0 {
		if rss, err := processRSS(s.proc.pid()); err == nil && rss > 0 {
			p.mu.Lock()
			s.rssBytes = rss
			p.mu.Unlock()
			if rss > int64(p.cfg.MemoryLimitMB)*1024*1024 {
				p.logf(fmt.Sprintf("[pool] worker %d RSS %d MB over limit %d MB, retiring",
					s.id, rss/(1024*1024), p.cfg.MemoryLimitMB))
				p.mu.Lock()
				p.memoryRetirements++
				p.mu.Unlock()
				p.replaceSlot(s)
				return
			}
		}
	}

	p.mu.Lock()
	s.state = SlotIdle
	s.job = nil
	s.lastUsed = time.Now()
	p.mu.Unlock()
	p.signalSlotFree()
}

// replaceSlot kills a slot's process and spawns a fresh one, restoring the
// pool to full strength. Runs synchronously so callers on the crash path
// know the slot is handled before they return.
func (p *Pool) replaceSlot(s *slot) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	s.state = SlotRestarting
	s.job = nil
	old := s.proc
	p.mu.Unlock()

	if old != nil {
		old.kill()
	}

	proc, err := p.spawnWithRetries()
	p.mu.Lock()
	p.restarts++
	if err != nil {
		s.state = SlotCrashed
		s.proc = nil
		p.mu.Unlock()
		p.logf(fmt.Sprintf("[pool] failed to replace worker %d: %v", s.id, err))
		return
	}
	s.proc = proc
	s.state = SlotIdle
	s.rssBytes = 0
	s.lastUsed = time.Now()
	p.mu.Unlock()
	p.signalSlotFree()
}

// watchdog sweeps busy slots and kills any whose job deadline has passed.
// The pending read in runJob fails, sees the timed_out status, and resolves
// the handle; the replacement happens here so the next queued job has a
// worker waiting.
func (p *Pool) watchdog() {
	defer p.wg.Done()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.sweepDeadlines()
		case <-p.stopc:
			return
		}
	}
}

func (p *Pool) sweepDeadlines() {
	now := time.Now()
	var expired []*slot

	p.mu.Lock()
	for _, s := range p.slots {
		if s.state == SlotBusy && s.job != nil && now.After(s.job.deadline) &&
			s.job.status != StatusTimedOut {
			s.job.status = StatusTimedOut
			expired = append(expired, s)
		}
	}
	p.mu.Unlock()

	for _, s := range expired {
		p.logf(fmt.Sprintf("[pool] job on worker %d exceeded deadline, killing worker", s.id))
		s.proc.kill()
		go p.replaceSlot(s)
	}
}

// SlotHealth is one slot's view in a health snapshot.
type SlotHealth struct {
	ID           int       `json:"id"`
	State        SlotState `json:"state"`
	CurrentJobID string    `json:"current_job_id,omitempty"`
	RSSBytes     int64     `json:"rss_bytes"`
}

// Health is a point-in-time snapshot of the pool for monitoring.
type Health struct {
	PoolSize          int          `json:"pool_size"`
	Slots             []SlotHealth `json:"slots"`
	QueueLength       int          `json:"queue_length"`
	QueueCapacity     int          `json:"queue_capacity"`
	Restarts          int64        `json:"restarts"`
	MemoryRetirements int64        `json:"memory_retirements"`
}

// HealthSnapshot reports current slot states and lifetime counters.
func (p *Pool) HealthSnapshot() Health {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := Health{
		PoolSize:          p.cfg.PoolSize,
		QueueLength:       len(p.queue),
		QueueCapacity:     cap(p.queue),
		Restarts:          p.restarts,
		MemoryRetirements: p.memoryRetirements,
	}
	for _, s := range p.slots {
		sh := SlotHealth{ID: s.id, State: s.state, RSSBytes: s.rssBytes}
		if s.job != nil {
			sh.CurrentJobID = s.job.ID
		}
		h.Slots = append(h.Slots, sh)
	}
	return h
}

// LiveWorkers counts slots that currently have a running process.
func (p *Pool) LiveWorkers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.slots {
		if s.proc != nil && (s.state == SlotIdle || s.state == SlotBusy) {
			n++
		}
	}
	return n
}

// Shutdown stops accepting jobs, waits up to graceTimeout for in-flight work,
// then force-kills everything left.
func (p *Pool) Shutdown(graceTimeout time.Duration) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	deadline := time.Now().Add(graceTimeout)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		busy := 0
		for _, s := range p.slots {
			if s.state == SlotBusy || s.state == SlotRestarting {
				busy++
			}
		}
		queued := len(p.queue)
		p.mu.Unlock()
		if busy == 0 && queued == 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	close(p.stopc)

	p.mu.Lock()
	slots := p.slots
	p.mu.Unlock()
	for _, s := range slots {
		if s.proc != nil {
			s.proc.kill()
		}
	}

	// Fail anything still stuck in the queue.
	for {
		select {
		case job := <-p.queue:
			job.handle.resolve(nil, ErrPoolClosed)
		default:
			p.wg.Wait()
			p.logf("[pool] shut down")
			return
		}
	}
}
