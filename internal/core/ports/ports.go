package ports

import (
	"context"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/protocol"
)

// StageReport is one progress observation from the execution collaborator.
// Fraction is stage-local (0..1); negative means no fine-grained signal.
// Step and TotalSteps carry the backend's sampler counter when it has one,
// zero otherwise. An optional preview path may accompany a report.
type StageReport struct {
	Stage       domain.Stage
	Fraction    float64
	Step        int
	TotalSteps  int
	PreviewPath string
}

// ProgressFunc is how the execution collaborator reports stage entry and
// stage-local progress.
type ProgressFunc func(r StageReport)

// Executor is the external collaborator that performs the actual work. It
// must honor ctx cancellation at its next safe checkpoint and return
// ctx.Err() once acknowledged. It returns the produced artifact paths.
type Executor interface {
	Execute(ctx context.Context, jobID string, payload []byte, report ProgressFunc) ([]string, error)
}

// UpdatePublisher delivers lifecycle/progress updates to subscribers.
// Publishing is fire-and-forget: with no subscriber the update is dropped.
type UpdatePublisher interface {
	Publish(u protocol.Update)
}

// StageHistory persists the per-stage duration table so ETA estimates can be
// seeded across restarts.
type StageHistory interface {
	Load(ctx context.Context) (map[domain.Stage]domain.StageStat, error)
	Save(ctx context.Context, stats map[domain.Stage]domain.StageStat) error
}

// JobArchive stores terminal jobs for history and statistics.
type JobArchive interface {
	Save(ctx context.Context, job *domain.Job) error
	ListRecent(ctx context.Context, limit int) ([]*domain.Job, error)
}
