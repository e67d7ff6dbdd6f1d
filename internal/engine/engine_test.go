package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"fleetline/internal/db"
	"fleetline/internal/domain"
	"fleetline/internal/engine"
	"fleetline/internal/events"
	"fleetline/internal/migrate"
	"fleetline/internal/repo"
	"fleetline/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine engine.Engine
	Store  *store.SQLite
	Clock  *clock
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := &clock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	st := store.NewSQLite(conn, nil)
	eng := engine.New(st, events.SQLWriter{DB: conn, Now: clk.now}, nil)
	eng.Now = clk.now
	return testEnv{Engine: eng, Store: st, Clock: clk, Ctx: context.Background()}
}

var (
	admin = engine.Actor{ID: "ops-1", Name: "Ops", Profile: domain.PermissionProfile{
		Tier: domain.TierFull, IsAdmin: true,
		CanAllocateJobs: true, CanCreateJobs: true, CanEditJobs: true,
	}}
	dispatcher = engine.Actor{ID: "disp-1", Name: "Dispatch", Profile: domain.PermissionProfile{
		Tier: domain.TierFull, CanAllocateJobs: true, CanCreateJobs: true, CanEditJobs: true,
	}}
	driver = engine.Actor{ID: "drv-1", Name: "Driver", Profile: domain.PermissionProfile{
		Tier: domain.TierDriverOnly,
	}}
)

func createJob(t *testing.T, env testEnv) domain.Job {
	t.Helper()
	j, err := env.Engine.Create(env.Ctx, engine.JobCreateOptions{
		Reference:      "FL-1001",
		CustomerName:   "Acme Rentals",
		VehicleReg:     "AB12 CDE",
		CollectionAddr: "1 Dock Rd",
		DeliveryAddr:   "9 Depot Ln",
	}, dispatcher)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return j
}

func TestJobLifecycleHappyPath(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)
	if j.Status != domain.StatusUnallocated {
		t.Fatalf("new job status: %s", j.Status)
	}

	env.Clock.advance(10 * time.Minute)
	j, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if j.Status != domain.StatusAllocated || j.DriverID == nil || *j.DriverID != driver.ID {
		t.Fatalf("after allocate: %+v", j)
	}
	if j.AllocatedAt == nil {
		t.Fatal("allocated_at not stamped")
	}

	env.Clock.advance(30 * time.Minute)
	j, err = env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{}, driver)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}
	if j.Status != domain.StatusCollected {
		t.Fatalf("after collection: %s", j.Status)
	}
	if j.CollectionActualStartTime == nil || j.CollectionActualCompleteTime == nil {
		t.Fatal("collection times not stamped")
	}

	env.Clock.advance(15 * time.Minute)
	j, err = env.Engine.StartDelivery(env.Ctx, j.ID, engine.DeliveryData{}, driver)
	if err != nil {
		t.Fatalf("start delivery: %v", err)
	}
	if j.Status != domain.StatusInTransit || j.DeliveryActualStartTime == nil {
		t.Fatalf("after delivery start: %+v", j)
	}

	env.Clock.advance(45 * time.Minute)
	j, err = env.Engine.CompleteDelivery(env.Ctx, j.ID, engine.DeliveryData{}, driver)
	if err != nil {
		t.Fatalf("complete delivery: %v", err)
	}
	if j.Status != domain.StatusDelivered || j.DeliveryActualCompleteTime == nil {
		t.Fatalf("after delivered: %+v", j)
	}
	// Collection started 60 minutes before delivery completed.
	if j.ActualDuration == nil || *j.ActualDuration != 60 {
		t.Fatalf("actual duration: %v", j.ActualDuration)
	}

	j, err = env.Engine.Complete(env.Ctx, j.ID, admin)
	if err != nil || j.Status != domain.StatusCompleted {
		t.Fatalf("complete: %v status %s", err, j.Status)
	}

	// Terminal: no further cancel.
	if _, err := env.Engine.Cancel(env.Ctx, j.ID, admin); err == nil {
		t.Fatal("cancel accepted on completed job")
	}
}

func TestUnauthorizedOperationsWriteNothing(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)

	if _, err := env.Engine.Allocate(env.Ctx, j.ID, "drv-9", driver); err == nil {
		t.Fatal("driver allocated a job")
	} else if !errors.As(err, &engine.UnauthorizedError{}) {
		t.Fatalf("allocate error type: %v", err)
	}
	if _, err := env.Engine.Create(env.Ctx, engine.JobCreateOptions{
		CollectionAddr: "a", DeliveryAddr: "b",
	}, driver); err == nil {
		t.Fatal("driver created a job")
	}
	if err := env.Engine.BulkUpdate(env.Ctx, []string{j.ID}, repo.JobPatch{}, driver); err == nil {
		t.Fatal("driver bulk-updated")
	}

	got, err := env.Store.Get(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.StatusUnallocated || got.DriverID != nil || got.UpdatedAt != j.UpdatedAt {
		t.Fatalf("job mutated by rejected operations: %+v", got)
	}
}

func TestUnallocateRequiresDriver(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)

	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.Unallocate(env.Ctx, j.ID, dispatcher); !errors.As(err, &invalid) {
		t.Fatalf("unallocate without driver: %v", err)
	}

	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	j2, err := env.Engine.Unallocate(env.Ctx, j.ID, dispatcher)
	if err != nil {
		t.Fatalf("unallocate: %v", err)
	}
	if j2.Status != domain.StatusUnallocated || j2.DriverID != nil || j2.AllocatedAt != nil {
		t.Fatalf("after unallocate: %+v", j2)
	}
}

func TestProgressOpsRequireAssignedDriver(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)
	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	other := engine.Actor{ID: "drv-2", Profile: domain.PermissionProfile{Tier: domain.TierDriverOnly}}
	if _, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{}, other); err == nil {
		t.Fatal("unassigned driver collected")
	} else if !errors.As(err, &engine.UnauthorizedError{}) {
		t.Fatalf("error type: %v", err)
	}

	// Admin may act on any job.
	if _, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{}, admin); err != nil {
		t.Fatalf("admin collection: %v", err)
	}

	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{}, driver); !errors.As(err, &invalid) {
		t.Fatalf("collection from collected: %v", err)
	}
	if _, err := env.Engine.CompleteDelivery(env.Ctx, j.ID, engine.DeliveryData{}, driver); !errors.As(err, &invalid) {
		t.Fatalf("delivery completion before transit: %v", err)
	}
}

func TestCollectionTimesSetOnce(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)
	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	j, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{
		ActualStartTime: "2026-01-01T08:00:00Z",
	}, driver)
	if err != nil {
		t.Fatalf("start collection: %v", err)
	}
	first := *j.CollectionActualStartTime

	// Put the job back in a collectable status, then retry with a new time.
	status := domain.StatusCollectionInProgress
	if err := env.Engine.BulkUpdate(env.Ctx, []string{j.ID}, repo.JobPatch{Status: &status}, admin); err != nil {
		t.Fatalf("reset status: %v", err)
	}
	env.Clock.advance(time.Hour)
	j, err = env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{
		ActualStartTime: "2026-01-01T23:00:00Z",
	}, driver)
	if err != nil {
		t.Fatalf("second collection: %v", err)
	}
	if *j.CollectionActualStartTime != first {
		t.Fatalf("collection start rewritten: %s", *j.CollectionActualStartTime)
	}
}

func TestDamageFlagIsMonotonic(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)
	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	j, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{DamageReported: true}, driver)
	if err != nil || !j.HasDamageCommitted {
		t.Fatalf("damage not recorded: %v %+v", err, j)
	}
	j, err = env.Engine.StartDelivery(env.Ctx, j.ID, engine.DeliveryData{DamageReported: false}, driver)
	if err != nil {
		t.Fatalf("start delivery: %v", err)
	}
	if !j.HasDamageCommitted {
		t.Fatal("damage flag cleared by a later leg")
	}
}

func TestDuplicateStripsProgress(t *testing.T) {
	env := newTestEnv(t)
	legs := &domain.SplitJourneyLegs{
		SecondaryCollection: domain.JourneyLeg{Address: "5 Mid Yard", ContactName: "Sam"},
		FirstDelivery:       domain.JourneyLeg{Address: "7 Relay Pk"},
	}
	j, err := env.Engine.Create(env.Ctx, engine.JobCreateOptions{
		Reference:      "FL-2001",
		CustomerName:   "Acme Rentals",
		VehicleReg:     "AB12 CDE",
		CollectionAddr: "1 Dock Rd",
		DeliveryAddr:   "9 Depot Ln",
		IsSplitJourney: true,
		SplitLegs:      legs,
	}, dispatcher)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if _, err := env.Engine.StartCollection(env.Ctx, j.ID, engine.CollectionData{DamageReported: true}, driver); err != nil {
		t.Fatalf("collect: %v", err)
	}

	env.Clock.advance(time.Minute)
	dup, err := env.Engine.Duplicate(env.Ctx, j.ID, dispatcher)
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if dup.ID == j.ID {
		t.Fatal("duplicate reused the source id")
	}
	if dup.Status != domain.StatusUnallocated || dup.DriverID != nil {
		t.Fatalf("duplicate carried allocation: %+v", dup)
	}
	if dup.CollectionActualStartTime != nil || dup.AllocatedAt != nil || dup.HasDamageCommitted {
		t.Fatalf("duplicate carried progress: %+v", dup)
	}
	if dup.Reference != j.Reference || dup.VehicleReg != j.VehicleReg {
		t.Fatalf("duplicate lost business fields: %+v", dup)
	}
	if dup.SplitLegs == nil || dup.SplitLegs.SecondaryCollection.Address != "5 Mid Yard" {
		t.Fatalf("duplicate lost split legs: %+v", dup.SplitLegs)
	}
	if dup.SplitLegs.SecondaryCollection.ActualStartTime != nil {
		t.Fatal("duplicate carried leg progress")
	}

	got, err := env.Store.Get(env.Ctx, dup.ID)
	if err != nil {
		t.Fatalf("reload duplicate: %v", err)
	}
	if got.CreatedAt == j.CreatedAt {
		t.Fatal("duplicate reused source timestamps")
	}
}

func TestAbortRejectsUnallocated(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)

	var invalid engine.InvalidTransitionError
	if _, err := env.Engine.Abort(env.Ctx, j.ID, admin); !errors.As(err, &invalid) {
		t.Fatalf("abort from unallocated: %v", err)
	}

	if _, err := env.Engine.Allocate(env.Ctx, j.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	j2, err := env.Engine.Abort(env.Ctx, j.ID, admin)
	if err != nil || j2.Status != domain.StatusAborted || j2.AbortedAt == nil {
		t.Fatalf("abort: %v %+v", err, j2)
	}
}

func TestBulkUpdate(t *testing.T) {
	env := newTestEnv(t)
	a := createJob(t, env)
	b := createJob(t, env)
	for _, id := range []string{a.ID, b.ID} {
		if _, err := env.Engine.Allocate(env.Ctx, id, driver.ID, dispatcher); err != nil {
			t.Fatalf("allocate %s: %v", id, err)
		}
	}

	env.Clock.advance(time.Minute)
	status := domain.StatusLoaded
	if err := env.Engine.BulkUpdate(env.Ctx, []string{a.ID, b.ID}, repo.JobPatch{Status: &status}, dispatcher); err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	for _, id := range []string{a.ID, b.ID} {
		got, err := env.Store.Get(env.Ctx, id)
		if err != nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if got.Status != domain.StatusLoaded {
			t.Fatalf("status not applied to %s: %s", id, got.Status)
		}
		if got.UpdatedAt == a.UpdatedAt {
			t.Fatalf("updated_at not stamped on %s", id)
		}
	}

	bad := "warp-speed"
	if err := env.Engine.BulkUpdate(env.Ctx, []string{a.ID}, repo.JobPatch{Status: &bad}, dispatcher); err == nil {
		t.Fatal("invalid status accepted")
	}
	if err := env.Engine.BulkUpdate(env.Ctx, []string{a.ID, "missing"}, repo.JobPatch{Status: &status}, dispatcher); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing id: %v", err)
	}
}

func TestBulkUpdateKeepsDriverStatusCoupled(t *testing.T) {
	env := newTestEnv(t)
	pooled := createJob(t, env)
	assigned := createJob(t, env)
	if _, err := env.Engine.Allocate(env.Ctx, assigned.ID, driver.ID, dispatcher); err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// Patching a status onto a driverless job would leave it progressed with
	// no driver.
	status := domain.StatusLoaded
	var invalid engine.InvalidTransitionError
	if err := env.Engine.BulkUpdate(env.Ctx, []string{pooled.ID}, repo.JobPatch{Status: &status}, dispatcher); !errors.As(err, &invalid) {
		t.Fatalf("status patch on driverless job: %v", err)
	}

	// A driver patch without a status leaves an unallocated job with a driver.
	if err := env.Engine.BulkUpdate(env.Ctx, []string{pooled.ID}, repo.JobPatch{DriverID: &driver.ID}, dispatcher); !errors.As(err, &invalid) {
		t.Fatalf("driver patch on unallocated job: %v", err)
	}

	// A driver alongside an unallocated status is contradictory.
	unallocated := domain.StatusUnallocated
	if err := env.Engine.BulkUpdate(env.Ctx, []string{assigned.ID}, repo.JobPatch{Status: &unallocated, DriverID: &driver.ID}, dispatcher); err == nil {
		t.Fatal("contradictory patch accepted")
	}

	// Patching back to unallocated clears the driver with it.
	if err := env.Engine.BulkUpdate(env.Ctx, []string{assigned.ID}, repo.JobPatch{Status: &unallocated}, dispatcher); err != nil {
		t.Fatalf("unallocate patch: %v", err)
	}
	got, err := env.Store.Get(env.Ctx, assigned.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != domain.StatusUnallocated || got.DriverID != nil {
		t.Fatalf("driver survived the unallocated patch: %+v", got)
	}

	// A coupled driver and status patch is accepted either way around.
	allocated := domain.StatusAllocated
	if err := env.Engine.BulkUpdate(env.Ctx, []string{pooled.ID, assigned.ID}, repo.JobPatch{Status: &allocated, DriverID: &driver.ID}, dispatcher); err != nil {
		t.Fatalf("coupled patch: %v", err)
	}
	for _, id := range []string{pooled.ID, assigned.ID} {
		got, err := env.Store.Get(env.Ctx, id)
		if err != nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if got.Status != domain.StatusAllocated || got.DriverID == nil || *got.DriverID != driver.ID {
			t.Fatalf("coupled patch not applied to %s: %+v", id, got)
		}
	}
}

func TestAddNote(t *testing.T) {
	env := newTestEnv(t)
	j := createJob(t, env)

	if _, err := env.Engine.AddNote(env.Ctx, j.ID, "", driver); err == nil {
		t.Fatal("empty note accepted")
	}
	n, err := env.Engine.AddNote(env.Ctx, j.ID, "keys in fuel cap", driver)
	if err != nil {
		t.Fatalf("add note: %v", err)
	}
	if n.AuthorID != driver.ID || n.CreatedAt == "" {
		t.Fatalf("note metadata: %+v", n)
	}

	got, err := env.Store.Get(env.Ctx, j.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(got.GeneralNotes) != 1 || got.GeneralNotes[0].Content != "keys in fuel cap" {
		t.Fatalf("notes: %+v", got.GeneralNotes)
	}

	if _, err := env.Engine.AddNote(env.Ctx, "missing", "x", driver); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("note on missing job: %v", err)
	}
}
