package services

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/logger"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/core/tracing"
	"spriteforge.dev/internal/protocol"
)

// pendingItem is a heap entry. Entries are removed lazily: a pop checks the
// job's current status, so a cancelled queued job is simply skipped.
type pendingItem struct {
	id       string
	priority domain.Priority
	seq      uint64
}

type pendingHeap []pendingItem

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority == h[j].priority {
		return h[i].seq < h[j].seq
	}
	return h[i].priority < h[j].priority
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(pendingItem))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// SchedulerConfig tunes the worker pool.
type SchedulerConfig struct {
	// Concurrency is the worker pool size; 1 suits single-accelerator
	// backends.
	Concurrency int
	// ThroughputAlpha is the EWMA weight for the rolling completions-per-
	// minute figure.
	ThroughputAlpha float64
}

func (c *SchedulerConfig) defaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ThroughputAlpha <= 0 || c.ThroughputAlpha > 1 {
		c.ThroughputAlpha = 0.2
	}
}

// Scheduler owns the job table and lifecycle: it accepts submissions into a
// priority queue, runs them on a bounded worker pool via the execution
// collaborator, and exposes cooperative cancellation. All bookkeeping happens
// under a single lock which is never held across an Execute call.
type Scheduler struct {
	cfg      SchedulerConfig
	executor ports.Executor
	pub      ports.UpdatePublisher
	tracker  *Tracker

	mu      sync.RWMutex
	jobs    map[string]*domain.Job
	pending pendingHeap
	cancels map[string]context.CancelFunc
	seq     uint64
	queued  int
	running int

	throughput float64 // completions per minute, EWMA
	lastDone   time.Time

	// onTerminal runs outside the lock with a snapshot of every job that
	// reaches a terminal status.
	onTerminal func(*domain.Job)

	wake chan struct{}
	wg   sync.WaitGroup
}

// SchedulerOption customizes construction.
type SchedulerOption func(*Scheduler)

// WithTerminalHook registers a callback invoked with a snapshot of each job
// that reaches a terminal status (archival, metrics).
func WithTerminalHook(fn func(*domain.Job)) SchedulerOption {
	return func(s *Scheduler) { s.onTerminal = fn }
}

func NewScheduler(cfg SchedulerConfig, executor ports.Executor, pub ports.UpdatePublisher, tracker *Tracker, opts ...SchedulerOption) *Scheduler {
	cfg.defaults()
	s := &Scheduler{
		cfg:      cfg,
		executor: executor,
		pub:      pub,
		tracker:  tracker,
		jobs:     make(map[string]*domain.Job),
		cancels:  make(map[string]context.CancelFunc),
		wake:     make(chan struct{}, cfg.Concurrency),
	}
	heap.Init(&s.pending)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker pool. Workers stop when ctx is cancelled; Wait
// blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	logger.Info("scheduler starting", "concurrency", s.cfg.Concurrency)
	for i := 0; i < s.cfg.Concurrency; i++ {
		s.wg.Add(1)
		go s.workerLoop(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Submit enqueues a job and returns its id immediately, even when execution
// is deferred. An empty id gets a generated one.
func (s *Scheduler) Submit(id string, payload []byte, priority domain.Priority) (string, error) {
	if id == "" {
		id = fmt.Sprintf("job-%s", uuid.New().String())
	}

	s.mu.Lock()
	if _, exists := s.jobs[id]; exists {
		s.mu.Unlock()
		return "", fmt.Errorf("job %s already submitted", id)
	}
	job := &domain.Job{
		ID:        id,
		Payload:   payload,
		Priority:  priority,
		Status:    domain.JobStatusQueued,
		Stage:     domain.StageQueued,
		CreatedAt: time.Now(),
	}
	s.jobs[id] = job
	s.seq++
	heap.Push(&s.pending, pendingItem{id: id, priority: priority, seq: s.seq})
	s.queued++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	logger.Debug("job submitted", "job_id", id, "priority", priority.String())
	return id, nil
}

// Cancel cancels a queued or running job. Queued jobs are removed without
// ever starting; running jobs are signalled and stop at the collaborator's
// next safe checkpoint. Returns false when the job is unknown or already
// terminal.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || job.Status.Terminal() {
		s.mu.Unlock()
		return false
	}

	if job.Status == domain.JobStatusQueued {
		if err := job.Transition(domain.JobStatusCancelled, time.Now()); err != nil {
			s.mu.Unlock()
			return false
		}
		s.queued--
		snapshot := job.Clone()
		s.mu.Unlock()

		logger.Info("queued job cancelled", "job_id", id)
		s.pub.Publish(&protocol.JobFinished{JobID: id, Status: domain.JobStatusCancelled})
		s.notifyTerminal(snapshot)
		return true
	}

	// Running: cooperative signal; the worker records the terminal state and
	// emits JobFinished once the collaborator acknowledges.
	cancel := s.cancels[id]
	s.mu.Unlock()
	if cancel != nil {
		logger.Info("running job cancel requested", "job_id", id)
		cancel()
	}
	return true
}

// Get returns a read-only snapshot of a job.
func (s *Scheduler) Get(id string) (*domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// List returns snapshots of every known job.
func (s *Scheduler) List() []*domain.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	return out
}

// Counts returns the incrementally maintained queue depth and running count.
func (s *Scheduler) Counts() (queued, running int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queued, s.running
}

// Throughput returns the rolling completions-per-minute figure.
func (s *Scheduler) Throughput() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.throughput
}

// PurgeTerminal drops terminal jobs older than maxAge from the table and
// returns how many were removed.
func (s *Scheduler) PurgeTerminal(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && !job.FinishedAt.IsZero() && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *Scheduler) workerLoop(ctx context.Context, n int) {
	defer s.wg.Done()
	logger.Debug("worker started", "worker", n)

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopping", "worker", n)
			return
		case <-s.wake:
		}

		for {
			if ctx.Err() != nil {
				return
			}
			job, jobCtx := s.popNext(ctx)
			if job == nil {
				break
			}
			s.runJob(jobCtx, job)
		}
	}
}

// popNext pops the highest-priority queued job, transitions it to running and
// registers its cancel func. Stale heap entries (cancelled while queued) are
// skipped.
func (s *Scheduler) popNext(ctx context.Context) (*domain.Job, context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pending.Len() > 0 {
		item := heap.Pop(&s.pending).(pendingItem)
		job, ok := s.jobs[item.id]
		if !ok || job.Status != domain.JobStatusQueued {
			continue
		}
		if err := job.Transition(domain.JobStatusRunning, time.Now()); err != nil {
			continue
		}
		s.queued--
		s.running++
		jobCtx, cancel := context.WithCancel(ctx)
		s.cancels[job.ID] = cancel
		return job, jobCtx
	}
	return nil, nil
}

// runJob executes one job. The scheduler lock is never held while the
// collaborator runs.
func (s *Scheduler) runJob(jobCtx context.Context, job *domain.Job) {
	id := job.ID
	payload := job.Payload

	jobCtx, span := tracing.StartJobSpan(jobCtx, id)
	defer span.End()
	jobCtx = context.WithValue(jobCtx, logger.JobIDKey, id)

	s.pub.Publish(&protocol.JobStarted{JobID: id, Timestamp: time.Now().Unix()})
	s.tracker.StartJob(id)

	report := func(r ports.StageReport) {
		obs := s.tracker.Observe(id, r.Stage, r.Fraction)

		s.mu.Lock()
		if job.Status == domain.JobStatusRunning {
			job.Stage = obs.Stage
			if obs.Fraction > job.Progress {
				job.Progress = obs.Fraction
			}
		}
		s.mu.Unlock()

		if obs.Emit {
			s.pub.Publish(&protocol.Progress{
				JobID:      id,
				Stage:      obs.Stage,
				Fraction:   obs.Fraction,
				EtaSeconds: obs.EtaSeconds,
				Step:       r.Step,
				TotalSteps: r.TotalSteps,
			})
		}
		if r.PreviewPath != "" {
			s.pub.Publish(&protocol.Preview{JobID: id, Path: r.PreviewPath})
		}
	}

	outputs, err := s.executor.Execute(jobCtx, id, payload, report)

	now := time.Now()
	s.mu.Lock()
	delete(s.cancels, id)
	s.running--

	var status domain.JobStatus
	switch {
	case err != nil && jobCtx.Err() != nil:
		status = domain.JobStatusCancelled
		job.Transition(status, now)
		s.tracker.AbortJob(id)
	case err != nil:
		status = domain.JobStatusFailed
		err = &domain.ExecutionError{JobID: id, Err: err}
		job.Error = err.Error()
		job.Transition(status, now)
		s.tracker.AbortJob(id)
	default:
		status = domain.JobStatusCompleted
		job.Outputs = outputs
		job.Progress = 1
		job.Stage = domain.StageDone
		job.Transition(status, now)
		s.tracker.CompleteJob(id)
		s.observeCompletion(now)
	}
	snapshot := job.Clone()
	s.mu.Unlock()

	switch status {
	case domain.JobStatusFailed:
		logger.Warn("job failed", "job_id", id, "error", err)
	case domain.JobStatusCancelled:
		logger.Info("job cancelled", "job_id", id)
	default:
		logger.Info("job completed", "job_id", id, "outputs", len(outputs), "duration", snapshot.Duration())
	}

	s.pub.Publish(&protocol.JobFinished{
		JobID:     id,
		Status:    status,
		DurationS: snapshot.Duration().Seconds(),
	})
	s.notifyTerminal(snapshot)
}

// observeCompletion folds one completion into the throughput EWMA. Caller
// holds the lock.
func (s *Scheduler) observeCompletion(now time.Time) {
	if !s.lastDone.IsZero() {
		interval := now.Sub(s.lastDone).Seconds()
		if interval > 0 {
			rate := 60.0 / interval
			if s.throughput == 0 {
				s.throughput = rate
			} else {
				s.throughput = s.cfg.ThroughputAlpha*rate + (1-s.cfg.ThroughputAlpha)*s.throughput
			}
		}
	}
	s.lastDone = now
}

func (s *Scheduler) notifyTerminal(snapshot *domain.Job) {
	if s.onTerminal != nil {
		s.onTerminal(snapshot)
	}
}
