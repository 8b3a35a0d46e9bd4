package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/ports"
	"spriteforge.dev/internal/protocol"
)

// stubExecutor delegates to a function so each test shapes the run.
type stubExecutor struct {
	fn func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error)
}

func (s *stubExecutor) Execute(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
	return s.fn(ctx, jobID, payload, report)
}

// capturePublisher records every update for assertions.
type capturePublisher struct {
	mu      sync.Mutex
	updates []protocol.Update
}

func (c *capturePublisher) Publish(u protocol.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.updates = append(c.updates, u)
}

func (c *capturePublisher) finished(jobID string) (*protocol.JobFinished, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.updates {
		if f, ok := u.(*protocol.JobFinished); ok && f.JobID == jobID {
			return f, true
		}
	}
	return nil, false
}

func waitTerminal(t *testing.T, s *Scheduler, id string) *domain.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := s.Get(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", id)
	return nil
}

func TestSchedulerRunsJobToCompletion(t *testing.T) {
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		report(ports.StageReport{Stage: domain.StageExecuting, Fraction: 0.5, Step: 10, TotalSteps: 20})
		return []string{"/tmp/out.png"}, nil
	}}
	pub := &capturePublisher{}
	s := NewScheduler(SchedulerConfig{}, exec, pub, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, err := s.Submit("", []byte("payload"), domain.PriorityNormal)
	if err != nil {
		t.Fatal(err)
	}
	job := waitTerminal(t, s, id)

	if job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %v, want completed", job.Status)
	}
	if len(job.Outputs) != 1 || job.Outputs[0] != "/tmp/out.png" {
		t.Fatalf("outputs = %v", job.Outputs)
	}
	if job.Progress != 1 {
		t.Fatalf("final progress = %v, want 1", job.Progress)
	}
	fin, ok := pub.finished(id)
	if !ok {
		t.Fatal("no JobFinished published")
	}
	if fin.Status != domain.JobStatusCompleted {
		t.Fatalf("published status = %v", fin.Status)
	}

	pub.mu.Lock()
	defer pub.mu.Unlock()
	var sawSteps bool
	for _, u := range pub.updates {
		if p, ok := u.(*protocol.Progress); ok && p.JobID == id && p.Step == 10 && p.TotalSteps == 20 {
			sawSteps = true
		}
	}
	if !sawSteps {
		t.Fatal("no Progress update carried the reported step counter")
	}
}

func TestSchedulerPriorityOrdering(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 8)
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		started <- jobID
		<-release
		return nil, nil
	}}
	s := NewScheduler(SchedulerConfig{Concurrency: 1}, exec, NopPublisher{}, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	// Occupy the worker so the next submissions queue up.
	if _, err := s.Submit("blocker", nil, domain.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	<-started

	for _, sub := range []struct {
		id string
		p  domain.Priority
	}{
		{"high-1", domain.PriorityHigh},
		{"low-1", domain.PriorityLow},
		{"high-2", domain.PriorityHigh},
	} {
		if _, err := s.Submit(sub.id, nil, sub.p); err != nil {
			t.Fatal(err)
		}
	}

	var order []string
	for i := 0; i < 3; i++ {
		release <- struct{}{}
		order = append(order, <-started)
	}
	release <- struct{}{}

	want := []string{"high-1", "high-2", "low-1"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("run order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerCancelQueued(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 4)
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		started <- jobID
		<-release
		return nil, nil
	}}
	pub := &capturePublisher{}
	s := NewScheduler(SchedulerConfig{Concurrency: 1}, exec, pub, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Submit("blocker", nil, domain.PriorityNormal)
	<-started
	s.Submit("victim", nil, domain.PriorityNormal)

	if !s.Cancel("victim") {
		t.Fatal("cancel of queued job reported false")
	}
	job, _ := s.Get("victim")
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %v, want cancelled", job.Status)
	}
	if _, ok := pub.finished("victim"); !ok {
		t.Fatal("no JobFinished for cancelled queued job")
	}

	// The cancelled job must never start.
	release <- struct{}{}
	s.Submit("after", nil, domain.PriorityNormal)
	if next := <-started; next != "after" {
		t.Fatalf("worker picked %q, want %q", next, "after")
	}
	release <- struct{}{}
}

func TestSchedulerCancelRunning(t *testing.T) {
	started := make(chan struct{})
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	pub := &capturePublisher{}
	s := NewScheduler(SchedulerConfig{}, exec, pub, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, _ := s.Submit("", nil, domain.PriorityNormal)
	<-started

	if !s.Cancel(id) {
		t.Fatal("cancel of running job reported false")
	}
	job := waitTerminal(t, s, id)
	if job.Status != domain.JobStatusCancelled {
		t.Fatalf("status = %v, want cancelled", job.Status)
	}
	fin, ok := pub.finished(id)
	if !ok || fin.Status != domain.JobStatusCancelled {
		t.Fatalf("published finish = %+v, ok=%v", fin, ok)
	}
}

func TestSchedulerFailureDoesNotStallQueue(t *testing.T) {
	boom := errors.New("backend exploded")
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		if jobID == "bad" {
			return nil, boom
		}
		return []string{"ok.png"}, nil
	}}
	s := NewScheduler(SchedulerConfig{}, exec, NopPublisher{}, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	s.Submit("bad", nil, domain.PriorityNormal)
	s.Submit("good", nil, domain.PriorityNormal)

	bad := waitTerminal(t, s, "bad")
	if bad.Status != domain.JobStatusFailed {
		t.Fatalf("bad status = %v, want failed", bad.Status)
	}
	if bad.Error == "" {
		t.Fatal("failed job carries no error text")
	}
	good := waitTerminal(t, s, "good")
	if good.Status != domain.JobStatusCompleted {
		t.Fatalf("good status = %v, want completed", good.Status)
	}
}

func TestSchedulerCancelTerminalAndUnknown(t *testing.T) {
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		return nil, nil
	}}
	s := NewScheduler(SchedulerConfig{}, exec, NopPublisher{}, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, _ := s.Submit("", nil, domain.PriorityNormal)
	waitTerminal(t, s, id)

	if s.Cancel(id) {
		t.Fatal("cancel of terminal job reported true")
	}
	if s.Cancel("no-such-job") {
		t.Fatal("cancel of unknown job reported true")
	}
}

func TestSchedulerDuplicateID(t *testing.T) {
	s := NewScheduler(SchedulerConfig{}, &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		return nil, nil
	}}, NopPublisher{}, NewTracker(TrackerConfig{}))

	if _, err := s.Submit("dup", nil, domain.PriorityNormal); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit("dup", nil, domain.PriorityNormal); err == nil {
		t.Fatal("duplicate submission accepted")
	}
}

func TestSchedulerCountsAndTerminalHook(t *testing.T) {
	var hookMu sync.Mutex
	var archived []string
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		return nil, nil
	}}
	s := NewScheduler(SchedulerConfig{}, exec, NopPublisher{}, NewTracker(TrackerConfig{}),
		WithTerminalHook(func(job *domain.Job) {
			hookMu.Lock()
			archived = append(archived, job.ID)
			hookMu.Unlock()
		}))

	queued, running := s.Counts()
	if queued != 0 || running != 0 {
		t.Fatalf("fresh counts = %d queued, %d running", queued, running)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, _ := s.Submit("", nil, domain.PriorityNormal)
	waitTerminal(t, s, id)

	deadline := time.Now().Add(time.Second)
	for {
		hookMu.Lock()
		n := len(archived)
		hookMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal hook never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}

	queued, running = s.Counts()
	if queued != 0 || running != 0 {
		t.Fatalf("post-run counts = %d queued, %d running", queued, running)
	}
}

func TestSchedulerPurgeTerminal(t *testing.T) {
	exec := &stubExecutor{fn: func(ctx context.Context, jobID string, payload []byte, report ports.ProgressFunc) ([]string, error) {
		return nil, nil
	}}
	s := NewScheduler(SchedulerConfig{}, exec, NopPublisher{}, NewTracker(TrackerConfig{}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	id, _ := s.Submit("", nil, domain.PriorityNormal)
	waitTerminal(t, s, id)

	if got := s.PurgeTerminal(time.Hour); got != 0 {
		t.Fatalf("purged %d fresh jobs", got)
	}
	if got := s.PurgeTerminal(0); got != 1 {
		t.Fatalf("purged %d, want 1", got)
	}
	if _, err := s.Get(id); !errors.Is(err, domain.ErrJobNotFound) {
		t.Fatalf("purged job still resolvable, err = %v", err)
	}
}
