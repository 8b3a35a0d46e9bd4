package domain

import (
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the status is final. A job never leaves a
// terminal status.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Priority orders queued jobs. Lower value runs first; ties break FIFO by
// submission order.
type Priority int

const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	}
	return "normal"
}

// Job is a single unit of submitted work. The payload is an opaque blob the
// control plane forwards to the execution collaborator without inspecting.
type Job struct {
	ID         string    `json:"id" gorm:"primaryKey"`
	Payload    []byte    `json:"payload"`
	Priority   Priority  `json:"priority"`
	Status     JobStatus `json:"status"`
	Progress   float64   `json:"progress"`
	Stage      Stage     `json:"stage"`
	Outputs    []string  `json:"outputs" gorm:"serializer:json"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

func (Job) TableName() string {
	return "jobs"
}

// Duration returns wall time from start to finish, zero until both are set.
func (j *Job) Duration() time.Duration {
	if j.StartedAt.IsZero() || j.FinishedAt.IsZero() {
		return 0
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// canTransition encodes the lifecycle: queued -> running ->
// completed|failed, with cancelled reachable from queued or running only.
func canTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusQueued:
		return to == JobStatusRunning || to == JobStatusCancelled
	case JobStatusRunning:
		return to == JobStatusCompleted || to == JobStatusFailed || to == JobStatusCancelled
	}
	return false
}

// Transition moves the job to a new status, returning ErrJobTerminal when the
// job is already final and ErrBadTransition for any other illegal move.
func (j *Job) Transition(to JobStatus, now time.Time) error {
	if j.Status.Terminal() {
		return ErrJobTerminal
	}
	if !canTransition(j.Status, to) {
		return ErrBadTransition
	}
	j.Status = to
	switch to {
	case JobStatusRunning:
		j.StartedAt = now
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		j.FinishedAt = now
	}
	return nil
}

// Clone returns a read-only snapshot safe to hand outside the scheduler lock.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.Outputs != nil {
		c.Outputs = append([]string(nil), j.Outputs...)
	}
	return &c
}
