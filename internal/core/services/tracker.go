package services

import (
	"sync"
	"time"

	"spriteforge.dev/internal/core/domain"
)

// Default tracker tuning.
const (
	defaultEmitInterval = 250 * time.Millisecond
	defaultAlpha        = 0.3
	defaultMinSamples   = 3
)

// stagePriors are the global default stage durations (seconds) used until
// enough history exists. They are progressively replaced by observed data.
var stagePriors = map[domain.Stage]float64{
	domain.StagePreparing:      2.0,
	domain.StageExecuting:      10.0,
	domain.StagePostprocessing: 1.0,
	domain.StageSaving:         0.5,
}

// timedStages are the stages that contribute to progress and ETA, in order.
var timedStages = []domain.Stage{
	domain.StagePreparing,
	domain.StageExecuting,
	domain.StagePostprocessing,
	domain.StageSaving,
}

type stageTiming struct {
	mean    float64 // exponentially weighted mean, seconds
	samples int
}

type jobProgress struct {
	stage        domain.Stage
	stageStart   time.Time
	lastFraction float64
	lastEmit     time.Time
	doneExpected float64 // accumulated expected seconds of completed stages
}

// TrackerConfig tunes progress/ETA computation and update emission.
type TrackerConfig struct {
	// EmitInterval bounds broadcast volume: at most one Progress update per
	// interval within a stage. Stage transitions always emit.
	EmitInterval time.Duration
	// Alpha is the EWMA weight given to each new duration sample.
	Alpha float64
	// MinSamples is how many observations a stage needs before its history
	// outweighs the global prior.
	MinSamples int
}

func (c *TrackerConfig) defaults() {
	if c.EmitInterval <= 0 {
		c.EmitInterval = defaultEmitInterval
	}
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = defaultAlpha
	}
	if c.MinSamples <= 0 {
		c.MinSamples = defaultMinSamples
	}
}

// Tracker translates execution signals into a progress fraction and an ETA,
// using exponentially weighted per-stage durations with a cold-start prior.
type Tracker struct {
	mu      sync.Mutex
	cfg     TrackerConfig
	timings map[domain.Stage]*stageTiming
	active  map[string]*jobProgress

	now func() time.Time // test hook
}

func NewTracker(cfg TrackerConfig) *Tracker {
	cfg.defaults()
	t := &Tracker{
		cfg:     cfg,
		timings: make(map[domain.Stage]*stageTiming),
		active:  make(map[string]*jobProgress),
		now:     time.Now,
	}
	for _, st := range timedStages {
		t.timings[st] = &stageTiming{}
	}
	return t
}

// expected returns the estimated duration of a stage, blending the prior with
// observed history in proportion to sample count.
func (t *Tracker) expected(stage domain.Stage) float64 {
	prior := stagePriors[stage]
	tm := t.timings[stage]
	if tm == nil || tm.samples == 0 {
		return prior
	}
	w := float64(tm.samples) / float64(t.cfg.MinSamples)
	if w > 1 {
		w = 1
	}
	return w*tm.mean + (1-w)*prior
}

func (t *Tracker) totalExpected() float64 {
	var total float64
	for _, st := range timedStages {
		total += t.expected(st)
	}
	return total
}

// EstimateTotal returns the expected wall time (seconds) of a fresh job,
// used for the JobAccepted ETA.
func (t *Tracker) EstimateTotal() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalExpected()
}

// StartJob begins tracking a running job at its first stage.
func (t *Tracker) StartJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.active[jobID] = &jobProgress{
		stage:      domain.StagePreparing,
		stageStart: now,
	}
}

// Observation is the tracker's answer to a single execution signal.
type Observation struct {
	Stage      domain.Stage
	Fraction   float64
	EtaSeconds float64
	// Emit is set on stage transitions and at most once per EmitInterval
	// within a stage.
	Emit bool
}

// Observe folds one signal from the execution collaborator into the job's
// progress. stageFraction is progress within the stage (0..1), or negative
// when the collaborator has no fine-grained signal. The returned fraction is
// monotonically non-decreasing per job.
func (t *Tracker) Observe(jobID string, stage domain.Stage, stageFraction float64) Observation {
	t.mu.Lock()
	defer t.mu.Unlock()

	jp := t.active[jobID]
	if jp == nil {
		return Observation{Stage: stage}
	}
	now := t.now()

	// Stage transition: record the previous stage's duration. Reports for an
	// earlier stage than the current one are stale and do not rewind.
	if stage != jp.stage && !stage.Before(jp.stage) {
		elapsed := now.Sub(jp.stageStart).Seconds()
		t.record(jp.stage, elapsed)
		jp.doneExpected += t.expected(jp.stage)
		jp.stage = stage
		jp.stageStart = now
		jp.lastEmit = time.Time{} // transitions always emit
	}

	total := t.totalExpected()
	curExpected := t.expected(jp.stage)

	// Stage-local fraction: reported when available, otherwise inferred from
	// elapsed time against the expected duration, capped so a stalled stage
	// keeps creeping rather than completing.
	local := stageFraction
	if local < 0 {
		if curExpected > 0 {
			local = now.Sub(jp.stageStart).Seconds() / curExpected
		}
		if local > 0.95 {
			local = 0.95
		}
	}
	if local > 1 {
		local = 1
	}

	fraction := 0.0
	if total > 0 {
		fraction = (jp.doneExpected + local*curExpected) / total
	}
	if fraction > 1 {
		fraction = 1
	}
	// Monotonic while running.
	if fraction < jp.lastFraction {
		fraction = jp.lastFraction
	}
	jp.lastFraction = fraction

	eta := (1 - local) * curExpected
	if eta < 0 {
		eta = 0
	}
	for _, st := range jp.stage.Remaining() {
		if _, timed := stagePriors[st]; timed {
			eta += t.expected(st)
		}
	}

	emit := jp.lastEmit.IsZero() || now.Sub(jp.lastEmit) >= t.cfg.EmitInterval
	if emit {
		jp.lastEmit = now
	}

	return Observation{Stage: jp.stage, Fraction: fraction, EtaSeconds: eta, Emit: emit}
}

// CompleteJob records the final stage's duration and stops tracking.
func (t *Tracker) CompleteJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	jp := t.active[jobID]
	if jp == nil {
		return
	}
	t.record(jp.stage, t.now().Sub(jp.stageStart).Seconds())
	delete(t.active, jobID)
}

// AbortJob stops tracking without recording timings, so failed or cancelled
// runs don't skew the history.
func (t *Tracker) AbortJob(jobID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.active, jobID)
}

func (t *Tracker) record(stage domain.Stage, seconds float64) {
	tm := t.timings[stage]
	if tm == nil || seconds < 0 {
		return
	}
	if tm.samples == 0 {
		tm.mean = seconds
	} else {
		tm.mean = t.cfg.Alpha*seconds + (1-t.cfg.Alpha)*tm.mean
	}
	tm.samples++
}

// Snapshot exposes the historical duration table for diagnostics and
// persistence.
func (t *Tracker) Snapshot() map[domain.Stage]domain.StageStat {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[domain.Stage]domain.StageStat, len(t.timings))
	for st, tm := range t.timings {
		out[st] = domain.StageStat{Samples: tm.samples, MeanS: tm.mean}
	}
	return out
}

// Restore seeds the duration table, typically from persisted history at
// startup. Stages absent from stats keep their priors.
func (t *Tracker) Restore(stats map[domain.Stage]domain.StageStat) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for st, s := range stats {
		if tm := t.timings[st]; tm != nil && s.Samples > 0 {
			tm.mean = s.MeanS
			tm.samples = s.Samples
		}
	}
}
