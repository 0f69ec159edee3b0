package api

import (
	"time"

	"activityharvest/pkg/types"
)

// RunStatus captures the lifecycle stage of a worker run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunSummary surfaces the state of one worker run.
type RunSummary struct {
	RunID         string     `json:"run_id"`
	JobID         int64      `json:"job_id"`
	Status        RunStatus  `json:"status"`
	Offset        int64      `json:"offset"`
	Limit         int64      `json:"limit"`
	WorkerCount   int64      `json:"worker_count,omitempty"`
	Batches       int        `json:"batches"`
	FailedBatches int        `json:"failed_batches"`
	Athletes      int        `json:"athletes"`
	Inserted      int        `json:"inserted"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *RunSummary) apply(r types.RunSummary) {
	s.Batches = r.Batches
	s.FailedBatches = r.FailedBatches
	s.Athletes = r.Athletes
	s.Inserted = r.Inserted
}
