// Package harvest runs worker passes over the user population: feed fetch,
// dedup, detail fetch, normalisation and persistence.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"activityharvest/internal/extract"
	"activityharvest/internal/partition"
	"activityharvest/pkg/types"
)

// Settings are the per-run tunables.
type Settings struct {
	MaxConcurrentTasks int
	BatchSize          int
	UserDelay          time.Duration
	ActivityDelay      time.Duration
}

// RunRequest selects the users one worker run processes.
type RunRequest struct {
	Offset int64
	Limit  *int64
	// Jobs is the number of sharded workers; zero runs the manual window.
	Jobs  int64
	JobID int64
}

// Tracker observes run lifecycles. It may be nil.
type Tracker interface {
	RunStarted(runID string, jobID int64, r types.JobRange)
	RunFinished(runID string, summary types.RunSummary, err error)
}

// Engine composes the repository, scraper and throttle into worker runs.
type Engine struct {
	repo     Repository
	scraper  *Scraper
	dedup    *Deduplicator
	settings Settings
	metrics  *Metrics
	tracker  Tracker
	logger   *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithMetrics records run metrics on m.
func WithMetrics(m *Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracker reports run lifecycles to t.
func WithTracker(t Tracker) EngineOption {
	return func(e *Engine) { e.tracker = t }
}

// NewEngine wires an engine.
func NewEngine(repo Repository, scraper *Scraper, settings Settings, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if settings.MaxConcurrentTasks <= 0 {
		settings.MaxConcurrentTasks = 50
	}
	if settings.BatchSize <= 0 {
		settings.BatchSize = partition.DefaultBatchSize
	}
	e := &Engine{
		repo:     repo,
		scraper:  scraper,
		dedup:    NewDeduplicator(repo, 0),
		settings: settings,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunWorker processes the window owned by req and waits for every batch.
// A negative offset is logged and ignored. Only a failure to count users is
// returned; batch and item failures are logged.
func (e *Engine) RunWorker(ctx context.Context, req RunRequest) (types.RunSummary, error) {
	runID := uuid.NewString()
	log := e.logger.With("job", req.JobID, "run_id", runID)

	if req.Offset < 0 {
		log.Error("offset must be non-negative", "offset", req.Offset)
		return types.RunSummary{JobID: req.JobID}, nil
	}

	_, total, err := e.repo.GetUsers(ctx, 1, 0)
	if err != nil {
		return types.RunSummary{JobID: req.JobID}, fmt.Errorf("count users: %w", err)
	}

	r, err := partition.Resolve(partition.Request{
		Total:       total,
		Offset:      req.Offset,
		Limit:       req.Limit,
		WorkerCount: req.Jobs,
		WorkerID:    req.JobID,
	})
	if err != nil {
		log.Error("invalid worker window", "error", err)
		return types.RunSummary{JobID: req.JobID}, nil
	}

	summary := types.RunSummary{JobID: req.JobID, Range: r}
	if e.tracker != nil {
		e.tracker.RunStarted(runID, req.JobID, r)
	}
	log.Info(fmt.Sprintf("Starting worker %d/%d of %d", r.Offset, r.Limit, total))

	start := time.Now()
	err = e.runBatches(ctx, log, r, &summary)
	log.Info("worker finished",
		"batches", summary.Batches,
		"failed_batches", summary.FailedBatches,
		"athletes", summary.Athletes,
		"inserted", summary.Inserted,
		"elapsed", time.Since(start).String(),
	)
	if e.tracker != nil {
		e.tracker.RunFinished(runID, summary, err)
	}
	return summary, err
}

func (e *Engine) runBatches(ctx context.Context, log *slog.Logger, r types.JobRange, summary *types.RunSummary) error {
	batches := partition.Batches(r, partition.BatchSize(r.Limit, e.settings.BatchSize))
	if len(batches) == 0 {
		return nil
	}

	pool, err := NewWorkerPool(ctx, e.settings.MaxConcurrentTasks, log)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	record := func(res batchResult) {
		mu.Lock()
		defer mu.Unlock()
		summary.Batches++
		if res.failed {
			summary.FailedBatches++
		}
		summary.Athletes += res.athletes
		summary.Inserted += res.inserted
	}

	var submitErr error
	for _, w := range batches {
		w := w
		err := pool.Submit(ctx, func(taskCtx context.Context) {
			res := batchResult{failed: true}
			defer func() { record(res) }()
			res = e.runBatch(taskCtx, log, w)
		})
		if err != nil {
			submitErr = err
			break
		}
	}
	pool.Close()

	if submitErr != nil && ctx.Err() == nil {
		return submitErr
	}
	return nil
}

type batchResult struct {
	athletes int
	inserted int
	failed   bool
}

func (e *Engine) runBatch(ctx context.Context, log *slog.Logger, w partition.Window) batchResult {
	blog := log.With("batch_offset", w.Offset, "batch_limit", w.Limit)

	users, _, err := e.repo.GetUsers(ctx, w.Limit, w.Offset)
	if err != nil {
		blog.Error("failed to load users", "error", err)
		e.metrics.batch("failed")
		return batchResult{failed: true}
	}

	var res batchResult
	inserted := make(map[string]int)
	for _, user := range users {
		if ctx.Err() != nil {
			break
		}
		if !user.Harvestable() {
			continue
		}
		n := e.processUser(ctx, blog, user)
		res.athletes++
		res.inserted += n
		inserted[user.ExternalID] += n
		e.metrics.athlete()

		if err := e.sleep(ctx, e.settings.UserDelay); err != nil {
			break
		}
	}

	blog.Info("batch finished", "athletes", res.athletes, "inserted", res.inserted, "per_athlete", inserted)
	e.metrics.batch("ok")
	return res
}

func (e *Engine) processUser(ctx context.Context, log *slog.Logger, user types.User) int {
	ulog := log.With("athlete", user.ExternalID)

	summaries, err := e.scraper.FetchFeed(ctx, user.ExternalID)
	if err != nil {
		var decodeErr *extract.DecodeError
		if errors.As(err, &decodeErr) {
			ulog.Debug("undecodable feed payload", "payload", decodeErr.Payload)
		}
		ulog.Warn("no activity data found", "error", err)
		return 0
	}

	records := make([]types.NormalizedActivity, 0, len(summaries))
	for _, summary := range summaries {
		if ctx.Err() != nil {
			break
		}
		alog := ulog.With("activity", summary.ID)

		if _, err := strconv.ParseInt(summary.ID, 10, 64); err != nil {
			alog.Warn("activity skipped", "error", fmt.Errorf("%w %q", extract.ErrInvalidActivityID, summary.ID))
			e.metrics.activity("failed", 1)
			continue
		}
		if err := e.dedup.Check(ctx, summary.ID); err != nil {
			if errors.Is(err, ErrAlreadyExists) {
				alog.Debug("activity already stored")
				e.metrics.activity("skipped", 1)
			} else {
				alog.Warn("dedup check failed", "error", err)
				e.metrics.activity("failed", 1)
			}
			continue
		}

		rec, err := e.harvestActivity(ctx, alog, summary)
		if err != nil {
			alog.Warn("activity skipped", "error", err)
			e.metrics.activity("failed", 1)
		} else {
			records = append(records, rec)
		}
		if err := e.sleep(ctx, e.settings.ActivityDelay); err != nil {
			break
		}
	}

	if len(records) == 0 {
		return 0
	}
	n, err := e.repo.CreateActivities(ctx, records)
	if err != nil {
		ulog.Error("failed to persist activities", "count", len(records), "error", err)
		e.metrics.activity("failed", len(records))
		return 0
	}
	ids := make([]int64, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.ActivityID)
	}
	e.dedup.Remember(ids...)
	e.metrics.activity("inserted", n)
	ulog.Debug("activities persisted", "inserted", n)
	return n
}

func (e *Engine) harvestActivity(ctx context.Context, log *slog.Logger, summary types.ActivitySummary) (types.NormalizedActivity, error) {
	detail, err := e.scraper.FetchDetail(ctx, summary.ID)
	if err != nil {
		return types.NormalizedActivity{}, err
	}
	if detail.RawErr != nil {
		log.Warn("embedded stats unreadable", "error", detail.RawErr)
	}
	return extract.Normalize(summary, detail, e.now())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
