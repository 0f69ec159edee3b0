package api

import (
	"sort"
	"sync"
	"time"

	"activityharvest/pkg/types"
)

// RunTracker keeps the state of the worker runs of this process in memory.
type RunTracker struct {
	mu   sync.RWMutex
	runs map[string]*RunSummary
	now  func() time.Time
}

// NewRunTracker returns an empty tracker.
func NewRunTracker() *RunTracker {
	return &RunTracker{runs: make(map[string]*RunSummary), now: time.Now}
}

// RunStarted records a run entering its window.
func (t *RunTracker) RunStarted(runID string, jobID int64, r types.JobRange) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[runID] = &RunSummary{
		RunID:       runID,
		JobID:       jobID,
		Status:      RunStatusRunning,
		Offset:      r.Offset,
		Limit:       r.Limit,
		WorkerCount: r.WorkerCount,
		StartedAt:   t.now().UTC(),
	}
}

// RunFinished records the outcome of a run.
func (t *RunTracker) RunFinished(runID string, summary types.RunSummary, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	run, ok := t.runs[runID]
	if !ok {
		return
	}
	run.apply(summary)
	done := t.now().UTC()
	run.CompletedAt = &done
	run.Status = RunStatusCompleted
	if err != nil {
		run.Status = RunStatusFailed
		run.Error = err.Error()
	}
}

// List returns every run, oldest first.
func (t *RunTracker) List() []RunSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]RunSummary, 0, len(t.runs))
	for _, run := range t.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].JobID < out[j].JobID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Get returns one run.
func (t *RunTracker) Get(runID string) (RunSummary, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	run, ok := t.runs[runID]
	if !ok {
		return RunSummary{}, false
	}
	return *run, true
}
