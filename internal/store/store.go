package store

import (
	"context"
	"errors"

	"fleetline/internal/domain"
	"fleetline/internal/repo"
)

// ErrUnavailable marks a transient store failure. Callers may retry; the
// engine surfaces it without retrying itself.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound aliases the repo sentinel so store consumers need only this
// package.
var ErrNotFound = repo.ErrNotFound

// QuerySpec identifies one live query over the jobs collection. Results are
// always ordered by updated_at descending. Key must be unique within a
// subscription set and stable for the same logical query.
type QuerySpec struct {
	Key             string
	DriverID        string
	UnallocatedOnly bool
	Limit           int
}

// Subscription is one open live query. Every send on Jobs is a total snapshot
// for the query, not a delta. Errors are reported on Errs; the subscription
// stays open and retries on the next store change.
type Subscription struct {
	Key  string
	Jobs <-chan []domain.Job
	Errs <-chan error

	cancel func()
}

// NewSubscription assembles a subscription from its channels. cancel runs on
// Close and must make the implementation close the Jobs channel.
func NewSubscription(key string, jobs <-chan []domain.Job, errs <-chan error, cancel func()) *Subscription {
	return &Subscription{Key: key, Jobs: jobs, Errs: errs, cancel: cancel}
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Store is the jobs document store consumed by the engine and the view layer.
// Only the engine writes through it.
type Store interface {
	Get(ctx context.Context, id string) (domain.Job, error)
	List(ctx context.Context, q QuerySpec) ([]domain.Job, error)
	Create(ctx context.Context, j domain.Job) error
	Update(ctx context.Context, j domain.Job) error
	Delete(ctx context.Context, id string) error
	BatchUpdate(ctx context.Context, ids []string, p repo.JobPatch, updatedAt string) error
	AppendNote(ctx context.Context, jobID string, n domain.JobNote) error
	Subscribe(ctx context.Context, q QuerySpec) (*Subscription, error)
}
