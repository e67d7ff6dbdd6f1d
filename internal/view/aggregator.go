package view

import (
	"sort"
	"sync"

	"fleetline/internal/domain"
	"fleetline/internal/notify"
)

// Aggregator merges the snapshots pushed by any number of live queries into
// one deduplicated, totally ordered job list. The mutex is held across both
// the merge and the publish: pushes arrive from one pump goroutine per open
// query, and publishing outside the lock would let a later merge reach the
// view before an earlier one. Subscriber callbacks run under the mutex and
// must not call back into the aggregator.
type Aggregator struct {
	mu      sync.Mutex
	batches map[string][]domain.Job
	view    *ListView
	sink    notify.Sink
}

func NewAggregator(view *ListView, sink notify.Sink) *Aggregator {
	if sink == nil {
		sink = notify.Nop{}
	}
	return &Aggregator{
		batches: make(map[string][]domain.Job),
		view:    view,
		sink:    sink,
	}
}

// OnPush replaces the batch attributed to key (each push is a total snapshot
// for that query) and republishes the merged view.
func (a *Aggregator) OnPush(key string, jobs []domain.Job) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches[key] = jobs
	a.view.publish(Merge(a.batches))
}

// OnError keeps the last-known-good batch for the failed query and reports
// the fault. Other queries keep aggregating.
func (a *Aggregator) OnError(key string, err error) {
	a.sink.Notify(notify.KindWarning, "Live query degraded",
		"jobs for query "+key+" may be stale: "+err.Error(), "")
}

// Drop discards the batches for keys whose subscriptions were closed and
// republishes.
func (a *Aggregator) Drop(keys ...string) {
	if len(keys) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, key := range keys {
		delete(a.batches, key)
	}
	a.view.publish(Merge(a.batches))
}

// Reset clears every batch, emptying the view.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.batches = make(map[string][]domain.Job)
	a.view.publish(nil)
}

// Merge unions the per-query batches into one ordered sequence. Keys are
// iterated in sorted order so a job appearing under several queries resolves
// to the same winner on every call; the output is sorted by updated_at
// descending, then created_at descending, then id ascending. Pure function.
func Merge(batches map[string][]domain.Job) []domain.Job {
	keys := make([]string, 0, len(batches))
	for key := range batches {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	byID := make(map[string]domain.Job)
	for _, key := range keys {
		for _, j := range batches[key] {
			byID[j.ID] = j
		}
	}

	merged := make([]domain.Job, 0, len(byID))
	for _, j := range byID {
		merged = append(merged, j)
	}
	sort.Slice(merged, func(i, k int) bool {
		a, b := merged[i], merged[k]
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt > b.CreatedAt
		}
		return a.ID < b.ID
	})
	return merged
}
