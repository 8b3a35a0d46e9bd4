// Package pg archives terminal jobs to Postgres. The archive is write-mostly:
// the scheduler persists each job as it finishes, and the diagnostics API
// reads recent history back for the dashboard.
package pg

import (
	"context"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"spriteforge.dev/internal/core/domain"
	"spriteforge.dev/internal/core/ports"
)

type Archive struct {
	db *gorm.DB
}

func New(dsn string) (*Archive, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&domain.Job{}); err != nil {
		return nil, err
	}
	return &Archive{db: db}, nil
}

var _ ports.JobArchive = (*Archive)(nil)

// Save upserts a job row. The scheduler calls this once per terminal job,
// but resubmission after a crash makes the upsert necessary.
func (a *Archive) Save(ctx context.Context, job *domain.Job) error {
	return a.db.WithContext(ctx).Save(job).Error
}

// ListRecent returns the newest terminal jobs first.
func (a *Archive) ListRecent(ctx context.Context, limit int) ([]*domain.Job, error) {
	var jobs []*domain.Job
	err := a.db.WithContext(ctx).
		Order("created_at desc").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// CountByStatus reports archive totals for the diagnostics API.
func (a *Archive) CountByStatus(ctx context.Context) (map[domain.JobStatus]int64, error) {
	type row struct {
		Status domain.JobStatus
		N      int64
	}
	var rows []row
	err := a.db.WithContext(ctx).
		Model(&domain.Job{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.JobStatus]int64, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}
