package auth

import (
	"context"
	"sync"

	"fleetline/internal/domain"
)

// Provider is the authentication collaborator. Both streams push the current
// value immediately on subscribe and again on every change; they close when
// ctx is cancelled.
type Provider interface {
	// CurrentActor streams the signed-in actor id; the empty string means
	// signed out.
	CurrentActor(ctx context.Context) (<-chan string, error)
	// PermissionProfile streams the profile for the given actor.
	PermissionProfile(ctx context.Context, actorID string) (<-chan domain.PermissionProfile, error)
}

// Static is a Provider with a fixed actor and profile, for CLI sessions and
// tests. SetProfile pushes an updated profile to live subscribers.
type Static struct {
	ActorID string

	mu      sync.Mutex
	profile domain.PermissionProfile
	subs    []chan domain.PermissionProfile
}

func NewStatic(actorID string, profile domain.PermissionProfile) *Static {
	return &Static{ActorID: actorID, profile: profile}
}

func (s *Static) CurrentActor(ctx context.Context) (<-chan string, error) {
	ch := make(chan string, 1)
	ch <- s.ActorID
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (s *Static) PermissionProfile(ctx context.Context, actorID string) (<-chan domain.PermissionProfile, error) {
	ch := make(chan domain.PermissionProfile, 1)
	s.mu.Lock()
	ch <- s.profile
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	}()
	return ch, nil
}

// SetProfile replaces the profile and pushes it to every live subscriber.
func (s *Static) SetProfile(p domain.PermissionProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profile = p
	for _, sub := range s.subs {
		select {
		case sub <- p:
		default:
			// Drop the stale undelivered profile and replace it.
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- p:
			default:
			}
		}
	}
}
