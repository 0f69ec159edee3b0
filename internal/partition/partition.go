// Package partition splits the user population into per-worker offset windows
// and the batches each worker pages through.
package partition

import (
	"errors"
	"fmt"

	"activityharvest/pkg/types"
)

// DefaultBatchSize is the number of users requested per batch.
const DefaultBatchSize = 300

var (
	ErrNegativeOffset = errors.New("offset is negative")
	ErrInvalidWorker  = errors.New("invalid worker index")
)

// Request describes how a worker run was invoked.
type Request struct {
	Total int64
	// Offset and Limit apply in manual mode; Limit also clamps a sharded window.
	Offset int64
	Limit  *int64
	// WorkerCount of zero selects manual mode.
	WorkerCount int64
	WorkerID    int64
}

// Resolve computes the window owned by the requesting worker.
//
// In sharded mode worker k owns offsets [k*L+1, (k+1)*L] (worker 0 starts at
// 0) with L = Total/WorkerCount, and the last worker extends to Total, so the
// windows of all workers tile [0, Total] without overlap.
func Resolve(req Request) (types.JobRange, error) {
	if req.Offset < 0 {
		return types.JobRange{}, ErrNegativeOffset
	}
	if req.Total < 0 {
		req.Total = 0
	}

	var start, last int64
	switch {
	case req.WorkerCount > 0:
		if req.WorkerID < 0 || req.WorkerID >= req.WorkerCount {
			return types.JobRange{}, fmt.Errorf("%w: %d of %d", ErrInvalidWorker, req.WorkerID, req.WorkerCount)
		}
		share := req.Total / req.WorkerCount
		start = req.WorkerID * share
		last = start + share
		if req.WorkerID > 0 {
			start++
		}
		if req.WorkerID == req.WorkerCount-1 {
			last = req.Total
		}
	case req.WorkerCount < 0:
		return types.JobRange{}, fmt.Errorf("%w: worker count %d", ErrInvalidWorker, req.WorkerCount)
	default:
		start = req.Offset
		last = req.Total
	}

	limit := last - start + 1
	if req.Limit != nil && *req.Limit < limit {
		limit = *req.Limit
	}
	if limit < 0 {
		limit = 0
	}

	return types.JobRange{
		Offset:      start,
		Limit:       limit,
		WorkerID:    req.WorkerID,
		WorkerCount: req.WorkerCount,
	}, nil
}

// BatchSize returns base, or a quarter of the window when the window is
// smaller than base.
func BatchSize(window int64, base int) int64 {
	if base <= 0 {
		base = DefaultBatchSize
	}
	if window >= int64(base) {
		return int64(base)
	}
	size := window / 4
	if size < 1 {
		size = 1
	}
	return size
}

// Window is one page of users requested from storage.
type Window struct {
	Offset int64
	Limit  int64
}

// Batches splits r into consecutive windows of at most size users. The final
// window is clamped so no batch crosses the end of r.
func Batches(r types.JobRange, size int64) []Window {
	if r.Limit <= 0 {
		return nil
	}
	if size <= 0 {
		size = 1
	}
	end := r.End()
	out := make([]Window, 0, (r.Limit+size-1)/size)
	for off := r.Offset; off < end; off += size {
		n := size
		if off+n > end {
			n = end - off
		}
		out = append(out, Window{Offset: off, Limit: n})
	}
	return out
}
