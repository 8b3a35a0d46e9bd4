package services

import (
	"testing"
	"time"

	"spriteforge.dev/internal/core/domain"
)

// fakeClock drives the tracker's time hook deterministically.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTracker(clk *fakeClock) *Tracker {
	tr := NewTracker(TrackerConfig{EmitInterval: 100 * time.Millisecond})
	tr.now = clk.now
	return tr
}

func TestEstimateTotalColdStart(t *testing.T) {
	tr := NewTracker(TrackerConfig{})
	got := tr.EstimateTotal()
	want := 2.0 + 10.0 + 1.0 + 0.5
	if got != want {
		t.Fatalf("cold-start estimate = %v, want %v", got, want)
	}
}

func TestObserveUnknownJob(t *testing.T) {
	tr := newTestTracker(newFakeClock())
	obs := tr.Observe("nope", domain.StageExecuting, 0.5)
	if obs.Fraction != 0 || obs.Emit {
		t.Fatalf("unknown job produced observation %+v", obs)
	}
}

func TestObserveMonotonicFraction(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j1")

	clk.advance(time.Second)
	first := tr.Observe("j1", domain.StageExecuting, 0.3)

	clk.advance(time.Second)
	second := tr.Observe("j1", domain.StageExecuting, 0.2)

	if second.Fraction < first.Fraction {
		t.Fatalf("fraction regressed from %v to %v", first.Fraction, second.Fraction)
	}
	if second.Fraction != first.Fraction {
		t.Fatalf("stale report should hold at %v, got %v", first.Fraction, second.Fraction)
	}
}

func TestObserveStaleStageDoesNotRewind(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j1")

	clk.advance(time.Second)
	tr.Observe("j1", domain.StageExecuting, 0.5)

	clk.advance(time.Second)
	obs := tr.Observe("j1", domain.StagePreparing, 0.1)
	if obs.Stage != domain.StageExecuting {
		t.Fatalf("stage rewound to %v", obs.Stage)
	}
}

func TestObserveEtaShrinksWithinStage(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j1")

	clk.advance(time.Second)
	early := tr.Observe("j1", domain.StageExecuting, 0.1)
	clk.advance(time.Second)
	late := tr.Observe("j1", domain.StageExecuting, 0.9)

	if late.EtaSeconds >= early.EtaSeconds {
		t.Fatalf("eta did not shrink: %v then %v", early.EtaSeconds, late.EtaSeconds)
	}
}

func TestObserveEmitThrottle(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j1")

	clk.advance(time.Second)
	if obs := tr.Observe("j1", domain.StageExecuting, 0.1); !obs.Emit {
		t.Fatal("stage transition must emit")
	}
	clk.advance(10 * time.Millisecond)
	if obs := tr.Observe("j1", domain.StageExecuting, 0.2); obs.Emit {
		t.Fatal("rapid follow-up within interval must not emit")
	}
	clk.advance(200 * time.Millisecond)
	if obs := tr.Observe("j1", domain.StageExecuting, 0.3); !obs.Emit {
		t.Fatal("observation after interval must emit")
	}
}

func TestObserveTransitionAlwaysEmits(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j1")

	clk.advance(time.Second)
	tr.Observe("j1", domain.StageExecuting, 0.5)
	clk.advance(time.Millisecond)
	if obs := tr.Observe("j1", domain.StagePostprocessing, -1); !obs.Emit {
		t.Fatal("transition within emit interval still must emit")
	}
}

func TestHistoryShiftsEstimates(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)

	// Three completed runs with 30s executing stages should pull the executing
	// estimate well above its 10s prior.
	for i := 0; i < 3; i++ {
		tr.StartJob("j")
		clk.advance(2 * time.Second)
		tr.Observe("j", domain.StageExecuting, 0)
		clk.advance(30 * time.Second)
		tr.Observe("j", domain.StagePostprocessing, -1)
		clk.advance(time.Second)
		tr.Observe("j", domain.StageSaving, -1)
		clk.advance(500 * time.Millisecond)
		tr.CompleteJob("j")
	}

	est := tr.EstimateTotal()
	if est < 30 {
		t.Fatalf("estimate %v ignores observed 30s executing stage", est)
	}

	stats := tr.Snapshot()
	exec := stats[domain.StageExecuting]
	if exec.Samples != 3 {
		t.Fatalf("executing samples = %d, want 3", exec.Samples)
	}
	if exec.MeanS < 29 || exec.MeanS > 31 {
		t.Fatalf("executing mean = %v, want about 30", exec.MeanS)
	}
}

func TestAbortDoesNotRecord(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)

	tr.StartJob("j1")
	clk.advance(2 * time.Second)
	tr.Observe("j1", domain.StageExecuting, 0.1)
	clk.advance(time.Hour) // a hung run that gets cancelled
	tr.AbortJob("j1")

	stats := tr.Snapshot()
	if got := stats[domain.StageExecuting].Samples; got != 0 {
		t.Fatalf("aborted run recorded %d executing samples", got)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j")
	clk.advance(4 * time.Second)
	tr.Observe("j", domain.StageExecuting, 0)
	clk.advance(20 * time.Second)
	tr.CompleteJob("j")

	fresh := newTestTracker(clk)
	fresh.Restore(tr.Snapshot())

	if got, want := fresh.EstimateTotal(), tr.EstimateTotal(); got != want {
		t.Fatalf("restored estimate = %v, want %v", got, want)
	}
}

func TestFractionReachesOneAtSaving(t *testing.T) {
	clk := newFakeClock()
	tr := newTestTracker(clk)
	tr.StartJob("j")
	clk.advance(2 * time.Second)
	tr.Observe("j", domain.StageExecuting, 0)
	clk.advance(10 * time.Second)
	tr.Observe("j", domain.StagePostprocessing, -1)
	clk.advance(time.Second)
	obs := tr.Observe("j", domain.StageSaving, 1)

	if obs.Fraction <= 0.9 || obs.Fraction > 1 {
		t.Fatalf("fraction at final stage = %v", obs.Fraction)
	}
	if obs.EtaSeconds != 0 {
		t.Fatalf("eta at finished final stage = %v, want 0", obs.EtaSeconds)
	}
}
