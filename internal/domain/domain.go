package domain

// Job statuses form a directed lifecycle graph. Transitions between them are
// enforced by the engine, never by the store.
const (
	StatusUnallocated                 = "unallocated"
	StatusAllocated                   = "allocated"
	StatusCollectionInProgress        = "collection-in-progress"
	StatusCollected                   = "collected"
	StatusLoaded                      = "loaded"
	StatusSecondaryCollectionStarted  = "secondary-collection-in-progress"
	StatusSecondaryCollectionComplete = "secondary-collection-complete"
	StatusInTransit                   = "in-transit"
	StatusFirstDeliveryInProgress     = "first-delivery-in-progress"
	StatusFirstDeliveryComplete       = "first-delivery-complete"
	StatusDeliveryInProgress          = "delivery-in-progress"
	StatusDelivered                   = "delivered"
	StatusCompleted                   = "completed"
	StatusCancelled                   = "cancelled"
	StatusAborted                     = "aborted"
)

// Statuses lists every legal job status.
var Statuses = []string{
	StatusUnallocated,
	StatusAllocated,
	StatusCollectionInProgress,
	StatusCollected,
	StatusLoaded,
	StatusSecondaryCollectionStarted,
	StatusSecondaryCollectionComplete,
	StatusInTransit,
	StatusFirstDeliveryInProgress,
	StatusFirstDeliveryComplete,
	StatusDeliveryInProgress,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
	StatusAborted,
}

// ValidStatus reports whether s is a known job status.
func ValidStatus(s string) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// TerminalStatus reports whether a job in status s can no longer move.
func TerminalStatus(s string) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusAborted
}

// JourneyLeg is one collection or delivery stop.
type JourneyLeg struct {
	Address            string  `json:"address"`
	ContactName        string  `json:"contact_name,omitempty"`
	ActualStartTime    *string `json:"actual_start_time,omitempty" format:"date-time"`
	ActualCompleteTime *string `json:"actual_complete_time,omitempty" format:"date-time"`
}

// SplitJourneyLegs holds the extra legs a split journey carries: a secondary
// collection and a first delivery between the primary pair. Present iff
// Job.IsSplitJourney is true.
type SplitJourneyLegs struct {
	SecondaryCollection JourneyLeg `json:"secondary_collection"`
	FirstDelivery       JourneyLeg `json:"first_delivery"`
}

// JobNote is one entry in a job's append-only notes list.
type JobNote struct {
	ID         string `json:"id"`
	AuthorID   string `json:"author_id"`
	AuthorName string `json:"author_name,omitempty"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Job is a single vehicle movement order tracked through collection and
// delivery. Timestamps are RFC3339 UTC strings; stage timestamps are set
// exactly once, the first time their transition fires.
type Job struct {
	ID              string  `json:"id"`
	Reference       string  `json:"reference,omitempty"`
	CustomerName    string  `json:"customer_name,omitempty"`
	VehicleReg      string  `json:"vehicle_reg,omitempty"`
	CollectionAddr  string  `json:"collection_address,omitempty"`
	DeliveryAddr    string  `json:"delivery_address,omitempty"`
	Status          string  `json:"status"`
	Stage           string  `json:"stage,omitempty"`
	DriverID        *string `json:"driver_id,omitempty"`
	MultiJobBatchID *string `json:"multi_job_batch_id,omitempty"`

	IsSplitJourney bool              `json:"is_split_journey"`
	SplitLegs      *SplitJourneyLegs `json:"split_legs,omitempty"`

	HasDamageCommitted bool      `json:"has_damage_committed"`
	GeneralNotes       []JobNote `json:"general_notes,omitempty"`

	CreatedAt       string `json:"created_at" format:"date-time"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
	StatusUpdatedAt string `json:"status_updated_at" format:"date-time"`

	AllocatedAt                  *string `json:"allocated_at,omitempty" format:"date-time"`
	CollectionActualStartTime    *string `json:"collection_actual_start_time,omitempty" format:"date-time"`
	CollectionActualCompleteTime *string `json:"collection_actual_complete_time,omitempty" format:"date-time"`
	DeliveryActualStartTime      *string `json:"delivery_actual_start_time,omitempty" format:"date-time"`
	DeliveryActualCompleteTime   *string `json:"delivery_actual_complete_time,omitempty" format:"date-time"`
	AbortedAt                    *string `json:"aborted_at,omitempty" format:"date-time"`
	CancelledAt                  *string `json:"cancelled_at,omitempty" format:"date-time"`

	// ActualDuration is collection start to delivery complete, in minutes.
	ActualDuration *int `json:"actual_duration,omitempty"`
}

// Event is one entry in the append-only event log.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	EntityID string `json:"entity_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// Visibility tiers, ordered by breadth: Full sees every job,
// DriverPlusUnallocated sees own jobs plus the unallocated pool, DriverOnly
// sees own jobs only.
const (
	TierFull                  = "full"
	TierDriverPlusUnallocated = "driver-plus-unallocated"
	TierDriverOnly            = "driver-only"
)

// PermissionProfile is the actor's visibility tier plus the capability flags
// the lifecycle operations check. It is derived from the auth collaborator,
// never stored by this module.
type PermissionProfile struct {
	Tier            string `json:"tier" enum:"full,driver-plus-unallocated,driver-only"`
	IsAdmin         bool   `json:"is_admin"`
	CanAllocateJobs bool   `json:"can_allocate_jobs"`
	CanCreateJobs   bool   `json:"can_create_jobs"`
	CanEditJobs     bool   `json:"can_edit_jobs"`
}

// Permission strings carried in auth claims and role definitions.
const (
	PermAdmin           = "admin"
	PermViewAllJobs     = "jobs.view.all"
	PermViewUnallocated = "jobs.view.unallocated"
	PermAllocateJobs    = "jobs.allocate"
	PermCreateJobs      = "jobs.create"
	PermEditJobs        = "jobs.edit"
)

// ProfileFromPermissions derives a PermissionProfile from a flat permission
// list. Admin implies every capability and full visibility.
func ProfileFromPermissions(perms []string) PermissionProfile {
	has := func(want string) bool {
		for _, p := range perms {
			if p == want {
				return true
			}
		}
		return false
	}
	p := PermissionProfile{
		IsAdmin:         has(PermAdmin),
		CanAllocateJobs: has(PermAllocateJobs),
		CanCreateJobs:   has(PermCreateJobs),
		CanEditJobs:     has(PermEditJobs),
	}
	if p.IsAdmin {
		p.CanAllocateJobs = true
		p.CanCreateJobs = true
		p.CanEditJobs = true
	}
	switch {
	case p.IsAdmin || has(PermViewAllJobs):
		p.Tier = TierFull
	case has(PermViewUnallocated):
		p.Tier = TierDriverPlusUnallocated
	default:
		p.Tier = TierDriverOnly
	}
	return p
}
