package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fleetline/internal/config"
	"fleetline/internal/domain"
	"fleetline/internal/events"
	"fleetline/internal/repo"
	"fleetline/internal/store"
)

// Engine enforces the job lifecycle state machine. It is the only component
// that writes to the job store; every mutation is permission-checked and
// transition-checked locally before the write is attempted.
type Engine struct {
	Store  store.Store
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(st store.Store, ev events.Writer, cfg *config.Config) Engine {
	if ev == nil {
		ev = events.Nop{}
	}
	return Engine{
		Store:  st,
		Events: ev,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

// Actor is the authenticated caller of a lifecycle operation.
type Actor struct {
	ID      string
	Name    string
	Profile domain.PermissionProfile
}

// Lifecycle operation names, used by the guard table and event log.
const (
	opCreate     = "create"
	opAllocate   = "allocate"
	opUnallocate = "unallocate"
	opCollect    = "start collection"
	opDeliver    = "start delivery"
	opDelivered  = "complete delivery"
	opComplete   = "complete"
	opCancel     = "cancel"
	opAbort      = "abort"
	opDuplicate  = "duplicate"
	opBulkUpdate = "bulk update"
)

// operationGuards maps each permission-gated operation to the predicate its
// caller must satisfy. Driver-identity operations (start collection, start
// delivery, complete delivery) are checked against the job's assigned driver
// instead.
var operationGuards = map[string]struct {
	requirement string
	allowed     func(domain.PermissionProfile) bool
}{
	opCreate: {"jobs.create permission", func(p domain.PermissionProfile) bool {
		return p.CanCreateJobs
	}},
	opDuplicate: {"jobs.create permission", func(p domain.PermissionProfile) bool {
		return p.CanCreateJobs
	}},
	opAllocate: {"jobs.allocate permission", func(p domain.PermissionProfile) bool {
		return p.CanAllocateJobs || p.IsAdmin
	}},
	opUnallocate: {"jobs.allocate permission", func(p domain.PermissionProfile) bool {
		return p.CanAllocateJobs || p.IsAdmin
	}},
	opBulkUpdate: {"jobs.edit permission", func(p domain.PermissionProfile) bool {
		return p.CanEditJobs
	}},
	opComplete: {"jobs.edit permission", func(p domain.PermissionProfile) bool {
		return p.CanEditJobs || p.IsAdmin
	}},
	opCancel: {"jobs.edit permission", func(p domain.PermissionProfile) bool {
		return p.CanEditJobs || p.IsAdmin
	}},
	opAbort: {"jobs.edit permission", func(p domain.PermissionProfile) bool {
		return p.CanEditJobs || p.IsAdmin
	}},
}

func requirePermission(op string, actor Actor) error {
	guard, ok := operationGuards[op]
	if !ok {
		return fmt.Errorf("unknown operation %q", op)
	}
	if !guard.allowed(actor.Profile) {
		return UnauthorizedError{Requirement: guard.requirement}
	}
	return nil
}

// requireAssignedDriver authorizes the progress operations a driver performs
// on their own job. Admins may act on any job.
func requireAssignedDriver(j domain.Job, actor Actor) error {
	if actor.Profile.IsAdmin {
		return nil
	}
	if j.DriverID != nil && *j.DriverID == actor.ID {
		return nil
	}
	return UnauthorizedError{Requirement: "assigned driver"}
}

// JobCreateOptions are parameters for creating a job.
type JobCreateOptions struct {
	ID              string
	Reference       string
	CustomerName    string
	VehicleReg      string
	CollectionAddr  string
	DeliveryAddr    string
	IsSplitJourney  bool
	SplitLegs       *domain.SplitJourneyLegs
	MultiJobBatchID string
}

// Create inserts a new unallocated job.
func (e Engine) Create(ctx context.Context, opts JobCreateOptions, actor Actor) (domain.Job, error) {
	if err := requirePermission(opCreate, actor); err != nil {
		return domain.Job{}, err
	}
	if opts.CollectionAddr == "" || opts.DeliveryAddr == "" {
		return domain.Job{}, errors.New("collection and delivery addresses are required")
	}
	if !opts.IsSplitJourney && opts.SplitLegs != nil {
		return domain.Job{}, errors.New("split legs given for a non-split journey")
	}
	if opts.IsSplitJourney && opts.SplitLegs == nil {
		return domain.Job{}, errors.New("split journey requires split legs")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.nowString()
	j := domain.Job{
		ID:              id,
		Reference:       opts.Reference,
		CustomerName:    opts.CustomerName,
		VehicleReg:      opts.VehicleReg,
		CollectionAddr:  opts.CollectionAddr,
		DeliveryAddr:    opts.DeliveryAddr,
		Status:          domain.StatusUnallocated,
		IsSplitJourney:  opts.IsSplitJourney,
		SplitLegs:       opts.SplitLegs,
		MultiJobBatchID: optionalString(opts.MultiJobBatchID),
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusUpdatedAt: now,
	}
	if err := e.Store.Create(ctx, j); err != nil {
		return domain.Job{}, err
	}
	if err := e.Events.Append(ctx, "job.created", j.ID, actor.ID, events.EventPayload{"status": j.Status}); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// Allocate assigns a driver to a job, moving it out of unallocated.
func (e Engine) Allocate(ctx context.Context, jobID, driverID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opAllocate, actor); err != nil {
		return domain.Job{}, err
	}
	if driverID == "" {
		return domain.Job{}, errors.New("driver id is required")
	}
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != domain.StatusUnallocated && j.DriverID != nil {
		return j, InvalidTransitionError{Op: opAllocate, From: j.Status}
	}
	now := e.nowString()
	j.DriverID = &driverID
	j.Status = domain.StatusAllocated
	setOnce(&j.AllocatedAt, now)
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.allocated", j.ID, actor.ID, events.EventPayload{"driver_id": driverID}); err != nil {
		return j, err
	}
	return j, nil
}

// Unallocate clears the driver and forces the job back to unallocated.
func (e Engine) Unallocate(ctx context.Context, jobID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opUnallocate, actor); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.DriverID == nil {
		return j, InvalidTransitionError{Op: opUnallocate, From: j.Status}
	}
	now := e.nowString()
	prevDriver := *j.DriverID
	j.DriverID = nil
	j.AllocatedAt = nil
	j.Status = domain.StatusUnallocated
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.unallocated", j.ID, actor.ID, events.EventPayload{"driver_id": prevDriver}); err != nil {
		return j, err
	}
	return j, nil
}

// CollectionData is the payload a driver submits when collecting a vehicle.
type CollectionData struct {
	Stage              string
	ActualStartTime    string
	ActualCompleteTime string
	DamageReported     bool
}

// StartCollection records the collection leg and moves the job to collected.
// Only the assigned driver or an admin may call it, and only from allocated
// (or a collection already underway).
func (e Engine) StartCollection(ctx context.Context, jobID string, data CollectionData, actor Actor) (domain.Job, error) {
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if err := requireAssignedDriver(j, actor); err != nil {
		return j, err
	}
	if j.Status != domain.StatusAllocated && j.Status != domain.StatusCollectionInProgress {
		return j, InvalidTransitionError{Op: opCollect, From: j.Status}
	}
	now := e.nowString()
	setOnce(&j.CollectionActualStartTime, orNow(data.ActualStartTime, now))
	setOnce(&j.CollectionActualCompleteTime, orNow(data.ActualCompleteTime, now))
	if data.Stage != "" {
		j.Stage = data.Stage
	}
	if data.DamageReported {
		j.HasDamageCommitted = true
	}
	j.Status = domain.StatusCollected
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.collection_started", j.ID, actor.ID, events.EventPayload{"status": j.Status, "damage": data.DamageReported}); err != nil {
		return j, err
	}
	return j, nil
}

// DeliveryData is the payload a driver submits around the delivery legs.
type DeliveryData struct {
	Stage          string
	DamageReported bool
}

// startDeliveryFrom lists the statuses a delivery may begin from.
var startDeliveryFrom = map[string]bool{
	domain.StatusCollected:                   true,
	domain.StatusLoaded:                      true,
	domain.StatusSecondaryCollectionComplete: true,
	domain.StatusFirstDeliveryComplete:       true,
}

// StartDelivery moves the job in transit and stamps the delivery start time.
func (e Engine) StartDelivery(ctx context.Context, jobID string, data DeliveryData, actor Actor) (domain.Job, error) {
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if err := requireAssignedDriver(j, actor); err != nil {
		return j, err
	}
	if !startDeliveryFrom[j.Status] {
		return j, InvalidTransitionError{Op: opDeliver, From: j.Status}
	}
	now := e.nowString()
	setOnce(&j.DeliveryActualStartTime, now)
	if data.Stage != "" {
		j.Stage = data.Stage
	}
	if data.DamageReported {
		j.HasDamageCommitted = true
	}
	j.Status = domain.StatusInTransit
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.delivery_started", j.ID, actor.ID, events.EventPayload{"status": j.Status}); err != nil {
		return j, err
	}
	return j, nil
}

// CompleteDelivery marks the vehicle delivered and stamps the completion time.
func (e Engine) CompleteDelivery(ctx context.Context, jobID string, data DeliveryData, actor Actor) (domain.Job, error) {
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if err := requireAssignedDriver(j, actor); err != nil {
		return j, err
	}
	if j.Status != domain.StatusInTransit && j.Status != domain.StatusDeliveryInProgress {
		return j, InvalidTransitionError{Op: opDelivered, From: j.Status}
	}
	now := e.nowString()
	setOnce(&j.DeliveryActualCompleteTime, now)
	if data.Stage != "" {
		j.Stage = data.Stage
	}
	if data.DamageReported {
		j.HasDamageCommitted = true
	}
	if j.ActualDuration == nil && j.CollectionActualStartTime != nil {
		if minutes, ok := minutesBetween(*j.CollectionActualStartTime, now); ok {
			j.ActualDuration = &minutes
		}
	}
	j.Status = domain.StatusDelivered
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.delivered", j.ID, actor.ID, events.EventPayload{"status": j.Status}); err != nil {
		return j, err
	}
	return j, nil
}

// Complete closes out a delivered job.
func (e Engine) Complete(ctx context.Context, jobID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opComplete, actor); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if j.Status != domain.StatusDelivered {
		return j, InvalidTransitionError{Op: opComplete, From: j.Status}
	}
	now := e.nowString()
	j.Status = domain.StatusCompleted
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.completed", j.ID, actor.ID, nil); err != nil {
		return j, err
	}
	return j, nil
}

// Cancel moves any non-terminal job to cancelled.
func (e Engine) Cancel(ctx context.Context, jobID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opCancel, actor); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if domain.TerminalStatus(j.Status) {
		return j, InvalidTransitionError{Op: opCancel, From: j.Status}
	}
	now := e.nowString()
	setOnce(&j.CancelledAt, now)
	j.Status = domain.StatusCancelled
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.cancelled", j.ID, actor.ID, nil); err != nil {
		return j, err
	}
	return j, nil
}

// Abort stops a job that is already underway.
func (e Engine) Abort(ctx context.Context, jobID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opAbort, actor); err != nil {
		return domain.Job{}, err
	}
	j, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return j, err
	}
	if domain.TerminalStatus(j.Status) || j.Status == domain.StatusUnallocated {
		return j, InvalidTransitionError{Op: opAbort, From: j.Status}
	}
	now := e.nowString()
	setOnce(&j.AbortedAt, now)
	j.Status = domain.StatusAborted
	e.touch(&j, now, true)
	if err := e.Store.Update(ctx, j); err != nil {
		return j, err
	}
	if err := e.Events.Append(ctx, "job.aborted", j.ID, actor.ID, nil); err != nil {
		return j, err
	}
	return j, nil
}

// Duplicate creates a fresh unallocated copy of a job. Business fields are
// copied verbatim; every field implying prior progress is omitted from the
// new document rather than written as null.
func (e Engine) Duplicate(ctx context.Context, jobID string, actor Actor) (domain.Job, error) {
	if err := requirePermission(opDuplicate, actor); err != nil {
		return domain.Job{}, err
	}
	src, err := e.Store.Get(ctx, jobID)
	if err != nil {
		return src, err
	}
	now := e.nowString()
	dup := domain.Job{
		ID:              uuid.New().String(),
		Reference:       src.Reference,
		CustomerName:    src.CustomerName,
		VehicleReg:      src.VehicleReg,
		CollectionAddr:  src.CollectionAddr,
		DeliveryAddr:    src.DeliveryAddr,
		Status:          domain.StatusUnallocated,
		IsSplitJourney:  src.IsSplitJourney,
		SplitLegs:       stripLegProgress(src.SplitLegs),
		MultiJobBatchID: src.MultiJobBatchID,
		CreatedAt:       now,
		UpdatedAt:       now,
		StatusUpdatedAt: now,
	}
	if err := e.Store.Create(ctx, dup); err != nil {
		return dup, err
	}
	if err := e.Events.Append(ctx, "job.duplicated", dup.ID, actor.ID, events.EventPayload{"source_id": src.ID}); err != nil {
		return dup, err
	}
	return dup, nil
}

// BulkUpdate applies a partial edit to every job in the batch. Each job's
// updated_at moves; status_updated_at moves only if the patch includes it.
func (e Engine) BulkUpdate(ctx context.Context, ids []string, patch repo.JobPatch, actor Actor) error {
	if err := requirePermission(opBulkUpdate, actor); err != nil {
		return err
	}
	if len(ids) == 0 {
		return errors.New("job ids are required")
	}
	if patch.Status != nil && !domain.ValidStatus(*patch.Status) {
		return errors.New("invalid status " + *patch.Status)
	}
	// Every job must leave the batch with a driver iff its status is not
	// unallocated. Patching to unallocated clears the driver; setting one
	// alongside it is contradictory.
	if patch.Status != nil && *patch.Status == domain.StatusUnallocated {
		if patch.DriverID != nil && *patch.DriverID != "" {
			return errors.New("invalid patch: driver_id set with unallocated status")
		}
		cleared := ""
		patch.DriverID = &cleared
	}
	for _, id := range ids {
		j, err := e.Store.Get(ctx, id)
		if err != nil {
			return err
		}
		status := j.Status
		if patch.Status != nil {
			status = *patch.Status
		}
		driver := j.DriverID
		if patch.DriverID != nil {
			if *patch.DriverID == "" {
				driver = nil
			} else {
				driver = patch.DriverID
			}
		}
		if (driver != nil) != (status != domain.StatusUnallocated) {
			return InvalidTransitionError{Op: opBulkUpdate, From: j.Status}
		}
	}
	if err := e.Store.BatchUpdate(ctx, ids, patch, e.nowString()); err != nil {
		return err
	}
	return e.Events.Append(ctx, "job.bulk_updated", "", actor.ID, events.EventPayload{"count": len(ids)})
}

// AddNote appends to the job's general notes. Notes are never edited or
// reordered.
func (e Engine) AddNote(ctx context.Context, jobID, content string, actor Actor) (domain.JobNote, error) {
	if content == "" {
		return domain.JobNote{}, errors.New("note content is required")
	}
	if _, err := e.Store.Get(ctx, jobID); err != nil {
		return domain.JobNote{}, err
	}
	n := domain.JobNote{
		ID:         uuid.New().String(),
		AuthorID:   actor.ID,
		AuthorName: actor.Name,
		Content:    content,
		CreatedAt:  e.nowString(),
	}
	if err := e.Store.AppendNote(ctx, jobID, n); err != nil {
		return n, err
	}
	if err := e.Events.Append(ctx, "job.note_added", jobID, actor.ID, events.EventPayload{"note_id": n.ID}); err != nil {
		return n, err
	}
	return n, nil
}

// --- helpers ---

// touch stamps updated_at (monotonically, RFC3339 strings compare
// lexicographically) and optionally status_updated_at.
func (e Engine) touch(j *domain.Job, now string, statusChanged bool) {
	if now > j.UpdatedAt {
		j.UpdatedAt = now
	}
	if statusChanged {
		j.StatusUpdatedAt = now
	}
}

// setOnce assigns a stage timestamp the first time only.
func setOnce(dst **string, value string) {
	if *dst == nil && value != "" {
		v := value
		*dst = &v
	}
}

func orNow(value, now string) string {
	if value != "" {
		return value
	}
	return now
}

func minutesBetween(from, to string) (int, bool) {
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return 0, false
	}
	end, err := time.Parse(time.RFC3339, to)
	if err != nil || end.Before(start) {
		return 0, false
	}
	return int(end.Sub(start).Minutes()), true
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// stripLegProgress copies the split-journey legs without their progress
// timestamps, so a duplicate starts its legs fresh.
func stripLegProgress(legs *domain.SplitJourneyLegs) *domain.SplitJourneyLegs {
	if legs == nil {
		return nil
	}
	strip := func(l domain.JourneyLeg) domain.JourneyLeg {
		return domain.JourneyLeg{Address: l.Address, ContactName: l.ContactName}
	}
	return &domain.SplitJourneyLegs{
		FirstDelivery:       strip(legs.FirstDelivery),
		SecondaryCollection: strip(legs.SecondaryCollection),
	}
}
