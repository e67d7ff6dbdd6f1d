package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"fleetline/internal/domain"
	"fleetline/internal/repo"
)

// subscriptionBuffer is the per-subscription push channel depth. A pending
// snapshot is dropped in favour of a newer one, so 1 is enough.
const subscriptionBuffer = 1

// SQLite is the embedded job store. Writes fan a change signal out to every
// open subscription, which then re-runs its query and pushes a fresh total
// snapshot.
type SQLite struct {
	Repo   repo.Repo
	logger *slog.Logger

	mu       sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// NewSQLite wraps an open database in a Store.
func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLite{
		Repo:     repo.Repo{DB: db},
		logger:   logger,
		watchers: make(map[int]chan struct{}),
	}
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Job, error) {
	j, err := s.Repo.GetJob(ctx, id)
	if err != nil {
		return j, wrap(err)
	}
	return j, nil
}

func (s *SQLite) List(ctx context.Context, q QuerySpec) ([]domain.Job, error) {
	jobs, err := s.Repo.ListJobs(ctx, q.DriverID, q.UnallocatedOnly, q.Limit)
	if err != nil {
		return nil, wrap(err)
	}
	return jobs, nil
}

func (s *SQLite) Create(ctx context.Context, j domain.Job) error {
	if err := s.Repo.InsertJob(ctx, j); err != nil {
		return wrap(err)
	}
	s.notify()
	return nil
}

func (s *SQLite) Update(ctx context.Context, j domain.Job) error {
	if err := s.Repo.UpdateJob(ctx, j); err != nil {
		return wrap(err)
	}
	s.notify()
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if err := s.Repo.DeleteJob(ctx, id); err != nil {
		return wrap(err)
	}
	s.notify()
	return nil
}

func (s *SQLite) BatchUpdate(ctx context.Context, ids []string, p repo.JobPatch, updatedAt string) error {
	if err := s.Repo.BatchUpdateJobs(ctx, ids, p, updatedAt); err != nil {
		return wrap(err)
	}
	s.notify()
	return nil
}

func (s *SQLite) AppendNote(ctx context.Context, jobID string, n domain.JobNote) error {
	if err := s.Repo.InsertNote(ctx, jobID, n); err != nil {
		return wrap(err)
	}
	s.notify()
	return nil
}

// Subscribe opens a live query. The first snapshot is pushed immediately;
// further snapshots follow every store change. The subscription closes when
// ctx is cancelled or Close is called.
func (s *SQLite) Subscribe(ctx context.Context, q QuerySpec) (*Subscription, error) {
	signal := make(chan struct{}, 1)
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = signal
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	jobs := make(chan []domain.Job, subscriptionBuffer)
	errs := make(chan error, subscriptionBuffer)
	sub := &Subscription{
		Key:  q.Key,
		Jobs: jobs,
		Errs: errs,
		cancel: func() {
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
			cancel()
		},
	}

	go func() {
		defer close(jobs)
		s.push(ctx, q, jobs, errs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				s.push(ctx, q, jobs, errs)
			}
		}
	}()
	return sub, nil
}

// push queries and delivers one snapshot, replacing any undelivered older one.
func (s *SQLite) push(ctx context.Context, q QuerySpec, jobs chan []domain.Job, errs chan error) {
	batch, err := s.List(ctx, q)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("subscription query failed", "key", q.Key, "error", err)
		select {
		case errs <- err:
		default:
		}
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case jobs <- batch:
			return
		default:
			select {
			case <-jobs:
			default:
			}
		}
	}
}

// notify wakes every open subscription. Signals coalesce: a watcher that has
// not drained its previous signal gets no duplicate.
func (s *SQLite) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func wrap(err error) error {
	if err == nil || errors.Is(err, repo.ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
