package view

import (
	"fleetline/internal/domain"
	"fleetline/internal/store"
)

// Limits caps the live queries the router opens.
type Limits struct {
	// FullQuery caps the all-jobs query for Full-tier actors.
	FullQuery int
	// DriverQuery caps the per-driver and unallocated-pool queries.
	DriverQuery int
}

// Query keys. Stable so reconciliation can diff by key, and chosen so the
// merge's sorted-key iteration resolves cross-query ties deterministically.
const (
	KeyAllJobs     = "all"
	KeyUnallocated = "unallocated"
	keyDriverJobs  = "driver:"
)

// DriverKey returns the live-query key for a driver's own jobs.
func DriverKey(actorID string) string {
	return keyDriverJobs + actorID
}

// RouteQueries decides which live queries an actor's visibility tier
// requires. Pure function of its inputs; re-invoked on every profile change.
func RouteQueries(profile domain.PermissionProfile, actorID string, limits Limits) []store.QuerySpec {
	switch profile.Tier {
	case domain.TierFull:
		return []store.QuerySpec{
			{Key: KeyAllJobs, Limit: limits.FullQuery},
		}
	case domain.TierDriverPlusUnallocated:
		return []store.QuerySpec{
			{Key: DriverKey(actorID), DriverID: actorID, Limit: limits.DriverQuery},
			{Key: KeyUnallocated, UnallocatedOnly: true, Limit: limits.DriverQuery},
		}
	default:
		return []store.QuerySpec{
			{Key: DriverKey(actorID), DriverID: actorID, Limit: limits.DriverQuery},
		}
	}
}
