package view

import (
	"sync"

	"fleetline/internal/domain"
)

// ListView is the read-only projection of the aggregated view. It holds no
// filtering or search logic.
type ListView struct {
	mu   sync.RWMutex
	jobs []domain.Job
	subs map[int]func([]domain.Job)
	next int
}

func NewListView() *ListView {
	return &ListView{subs: make(map[int]func([]domain.Job))}
}

// Snapshot returns a point-in-time copy of the current ordered job list.
func (v *ListView) Snapshot() []domain.Job {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]domain.Job, len(v.jobs))
	copy(out, v.jobs)
	return out
}

// Subscribe registers a callback invoked once per aggregator publish with a
// copy of the new list. The returned function unsubscribes.
func (v *ListView) Subscribe(fn func([]domain.Job)) func() {
	v.mu.Lock()
	id := v.next
	v.next++
	v.subs[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}

// publish swaps the list atomically and fans it out to subscribers.
func (v *ListView) publish(jobs []domain.Job) {
	v.mu.Lock()
	v.jobs = jobs
	fns := make([]func([]domain.Job), 0, len(v.subs))
	for _, fn := range v.subs {
		fns = append(fns, fn)
	}
	v.mu.Unlock()
	for _, fn := range fns {
		out := make([]domain.Job, len(jobs))
		copy(out, jobs)
		fn(out)
	}
}
