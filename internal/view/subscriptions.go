package view

import (
	"context"
	"sort"
	"sync"

	"fleetline/internal/domain"
	"fleetline/internal/store"
)

// SubscriptionSet owns the live queries currently open against the store.
// Reconcile diffs wanted against open by key: stale queries close, missing
// ones open, unchanged ones are left alone.
type SubscriptionSet struct {
	store   store.Store
	onPush  func(key string, jobs []domain.Job)
	onError func(key string, err error)

	mu   sync.Mutex
	open map[string]*store.Subscription
}

func NewSubscriptionSet(st store.Store, onPush func(string, []domain.Job), onError func(string, error)) *SubscriptionSet {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &SubscriptionSet{
		store:   st,
		onPush:  onPush,
		onError: onError,
		open:    make(map[string]*store.Subscription),
	}
}

// Reconcile moves the open set to match specs. It returns the keys it closed
// so the caller can drop their aggregated batches. Idempotent: reconciling
// twice with the same specs performs no opens or closes on the second call.
// The mutex is held across the diff and the opens, so overlapping Reconcile
// calls cannot double-open a key and leak the loser.
func (s *SubscriptionSet) Reconcile(ctx context.Context, specs []store.QuerySpec) ([]string, error) {
	wanted := make(map[string]store.QuerySpec, len(specs))
	for _, spec := range specs {
		wanted[spec.Key] = spec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var closed []string
	for key, sub := range s.open {
		if _, ok := wanted[key]; !ok {
			sub.Close()
			delete(s.open, key)
			closed = append(closed, key)
		}
	}
	var missing []store.QuerySpec
	for key, spec := range wanted {
		if _, ok := s.open[key]; !ok {
			missing = append(missing, spec)
		}
	}
	sort.Slice(missing, func(i, j int) bool { return missing[i].Key < missing[j].Key })

	var firstErr error
	for _, spec := range missing {
		sub, err := s.store.Subscribe(ctx, spec)
		if err != nil {
			s.onError(spec.Key, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.open[spec.Key] = sub
		go s.pump(sub)
	}
	return closed, firstErr
}

// pump forwards pushes and faults until the subscription closes.
func (s *SubscriptionSet) pump(sub *store.Subscription) {
	for {
		select {
		case batch, ok := <-sub.Jobs:
			if !ok {
				return
			}
			s.onPush(sub.Key, batch)
		case err := <-sub.Errs:
			s.onError(sub.Key, err)
		}
	}
}

// CloseAll tears down every open subscription. Called on session end; a
// subscription left open afterwards is a leak.
func (s *SubscriptionSet) CloseAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	closed := make([]string, 0, len(s.open))
	for key, sub := range s.open {
		sub.Close()
		delete(s.open, key)
		closed = append(closed, key)
	}
	return closed
}

// OpenKeys returns the keys of the currently open subscriptions, sorted.
func (s *SubscriptionSet) OpenKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.open))
	for key := range s.open {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
