package harvest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"activityharvest/pkg/types"
)

var ErrAlreadyExists = errors.New("activity already exists")

// Repository is the persistence contract of a worker run.
type Repository interface {
	// GetUsers returns harvestable users newest first plus their total count.
	GetUsers(ctx context.Context, limit, offset int64) ([]types.User, int64, error)
	ActivityExists(ctx context.Context, activityID int64) (bool, error)
	// CreateActivities inserts or ignores by activity id and returns rows inserted.
	CreateActivities(ctx context.Context, records []types.NormalizedActivity) (int, error)
}

// Deduplicator gates detail fetches on activities that are already stored.
// Ids persisted by this process are remembered so repeats skip the query.
type Deduplicator struct {
	repo Repository

	mu         sync.RWMutex
	seen       map[int64]struct{}
	maxEntries int
}

// NewDeduplicator returns a gate over repo remembering up to maxEntries ids.
func NewDeduplicator(repo Repository, maxEntries int) *Deduplicator {
	if maxEntries <= 0 {
		maxEntries = 200000
	}
	return &Deduplicator{repo: repo, seen: make(map[int64]struct{}), maxEntries: maxEntries}
}

// Check returns ErrAlreadyExists when the activity is stored. Non-numeric ids
// are looked up as 0.
func (d *Deduplicator) Check(ctx context.Context, externalID string) error {
	id, err := strconv.ParseInt(externalID, 10, 64)
	if err != nil {
		id = 0
	}

	d.mu.RLock()
	_, known := d.seen[id]
	d.mu.RUnlock()
	if known {
		return ErrAlreadyExists
	}

	exists, err := d.repo.ActivityExists(ctx, id)
	if err != nil {
		return fmt.Errorf("check activity %s: %w", externalID, err)
	}
	if exists {
		d.Remember(id)
		return ErrAlreadyExists
	}
	return nil
}

// Remember records ids known to be stored.
func (d *Deduplicator) Remember(ids ...int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		if len(d.seen) >= d.maxEntries {
			return
		}
		d.seen[id] = struct{}{}
	}
}
