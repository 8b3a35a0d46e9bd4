package domain

// Stage is a named phase within job execution, reported by the execution
// collaborator. The tracker never infers stages on its own.
type Stage string

const (
	StageQueued         Stage = "queued"
	StagePreparing      Stage = "preparing"
	StageExecuting      Stage = "executing"
	StagePostprocessing Stage = "postprocessing"
	StageSaving         Stage = "saving"
	StageDone           Stage = "done"
)

// StageOrder is the canonical execution order used for progress weighting and
// ETA summation.
var StageOrder = []Stage{
	StageQueued,
	StagePreparing,
	StageExecuting,
	StagePostprocessing,
	StageSaving,
	StageDone,
}

// stageIndex returns the position of s in StageOrder, or -1.
func stageIndex(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Before reports whether s comes strictly before other in execution order.
// Unknown stages compare as never-before so a bogus report cannot rewind.
func (s Stage) Before(other Stage) bool {
	i, j := stageIndex(s), stageIndex(other)
	if i < 0 || j < 0 {
		return false
	}
	return i < j
}

// Remaining returns the stages strictly after s, excluding Done.
func (s Stage) Remaining() []Stage {
	i := stageIndex(s)
	if i < 0 {
		return nil
	}
	var rest []Stage
	for _, st := range StageOrder[i+1:] {
		if st == StageDone {
			continue
		}
		rest = append(rest, st)
	}
	return rest
}

// StageStat is the historical timing record for one stage, exposed for
// diagnostics and persisted so ETA estimates survive a restart.
type StageStat struct {
	Samples int     `json:"samples"`
	MeanS   float64 `json:"mean_s"`
}
