package view

import (
	"context"
	"log/slog"
	"sync"

	"fleetline/internal/auth"
	"fleetline/internal/domain"
	"fleetline/internal/notify"
	"fleetline/internal/store"
)

// Session wires an actor's auth stream to the live job view: it watches the
// current actor and their permission profile, routes the profile to query
// specs, reconciles the subscription set, and aggregates pushes into a
// ListView. One session per signed-in actor.
type Session struct {
	provider auth.Provider
	store    store.Store
	limits   Limits
	sink     notify.Sink
	logger   *slog.Logger

	view *ListView
	agg  *Aggregator
	set  *SubscriptionSet

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSession(provider auth.Provider, st store.Store, limits Limits, sink notify.Sink, logger *slog.Logger) *Session {
	if sink == nil {
		sink = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	view := NewListView()
	agg := NewAggregator(view, sink)
	s := &Session{
		provider: provider,
		store:    st,
		limits:   limits,
		sink:     sink,
		logger:   logger,
		view:     view,
		agg:      agg,
	}
	s.set = NewSubscriptionSet(st, agg.OnPush, agg.OnError)
	return s
}

// View exposes the aggregated job list this session maintains.
func (s *Session) View() *ListView { return s.view }

// Start begins following the auth stream. It returns once the watch loop is
// running; Close (or ctx cancellation) tears everything down.
func (s *Session) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	actorCh, err := s.provider.CurrentActor(ctx)
	if err != nil {
		cancel()
		return err
	}

	s.mu.Lock()
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.run(ctx, actorCh)
	}()
	return nil
}

func (s *Session) run(ctx context.Context, actorCh <-chan string) {
	defer func() {
		s.set.CloseAll()
		s.agg.Reset()
	}()

	var (
		actorID       string
		profileCh     <-chan domain.PermissionProfile
		profileCancel context.CancelFunc
	)
	stopProfile := func() {
		if profileCancel != nil {
			profileCancel()
			profileCancel = nil
		}
		profileCh = nil
	}
	defer stopProfile()

	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-actorCh:
			if !ok {
				return
			}
			if id == actorID && profileCh != nil {
				continue
			}
			// Actor switch: the old actor's queries must not survive into
			// the new actor's view.
			actorID = id
			stopProfile()
			s.set.CloseAll()
			s.agg.Reset()
			if actorID == "" {
				s.logger.Debug("session signed out")
				continue
			}
			pctx, pcancel := context.WithCancel(ctx)
			ch, err := s.provider.PermissionProfile(pctx, actorID)
			if err != nil {
				pcancel()
				s.logger.Error("permission profile watch failed", "actor", actorID, "error", err)
				s.sink.Notify(notify.KindError, "Sign-in degraded",
					"could not watch permissions for "+actorID+": "+err.Error(), "")
				continue
			}
			profileCancel = pcancel
			profileCh = ch
		case profile, ok := <-profileCh:
			if !ok {
				stopProfile()
				continue
			}
			specs := RouteQueries(profile, actorID, s.limits)
			closed, err := s.set.Reconcile(ctx, specs)
			if err != nil {
				s.logger.Warn("live query reconcile incomplete", "actor", actorID, "error", err)
			}
			s.agg.Drop(closed...)
		}
	}
}

// Close stops the watch loop and waits for teardown to finish.
func (s *Session) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}
