package view_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fleetline/internal/auth"
	"fleetline/internal/domain"
	"fleetline/internal/repo"
	"fleetline/internal/store"
	"fleetline/internal/view"
)

type fakeStore struct {
	mu      sync.Mutex
	batches map[string][]domain.Job
	opens   map[string]int
	closes  map[string]int
	subs    map[string]chan []domain.Job
	errCh   map[string]chan error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		batches: make(map[string][]domain.Job),
		opens:   make(map[string]int),
		closes:  make(map[string]int),
		subs:    make(map[string]chan []domain.Job),
		errCh:   make(map[string]chan error),
	}
}

func (f *fakeStore) seed(key string, jobs ...domain.Job) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[key] = jobs
}

// push emits a fresh snapshot on an open subscription.
func (f *fakeStore) push(t *testing.T, key string, jobs ...domain.Job) {
	t.Helper()
	f.mu.Lock()
	ch := f.subs[key]
	f.batches[key] = jobs
	f.mu.Unlock()
	if ch == nil {
		t.Fatalf("push %s: no open subscription", key)
	}
	ch <- jobs
}

func (f *fakeStore) fail(t *testing.T, key string, err error) {
	t.Helper()
	f.mu.Lock()
	ch := f.errCh[key]
	f.mu.Unlock()
	if ch == nil {
		t.Fatalf("fail %s: no open subscription", key)
	}
	ch <- err
}

func (f *fakeStore) Subscribe(ctx context.Context, q store.QuerySpec) (*store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens[q.Key]++
	jobs := make(chan []domain.Job, 4)
	errs := make(chan error, 4)
	jobs <- f.batches[q.Key]
	f.subs[q.Key] = jobs
	f.errCh[q.Key] = errs
	var once sync.Once
	return store.NewSubscription(q.Key, jobs, errs, func() {
		once.Do(func() {
			f.mu.Lock()
			f.closes[q.Key]++
			delete(f.subs, q.Key)
			delete(f.errCh, q.Key)
			f.mu.Unlock()
			close(jobs)
		})
	}), nil
}

func (f *fakeStore) counts(key string) (opens, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[key], f.closes[key]
}

func (f *fakeStore) Get(context.Context, string) (domain.Job, error)  { return domain.Job{}, nil }
func (f *fakeStore) List(context.Context, store.QuerySpec) ([]domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) Create(context.Context, domain.Job) error { return nil }
func (f *fakeStore) Update(context.Context, domain.Job) error { return nil }
func (f *fakeStore) Delete(context.Context, string) error     { return nil }
func (f *fakeStore) BatchUpdate(context.Context, []string, repo.JobPatch, string) error {
	return nil
}
func (f *fakeStore) AppendNote(context.Context, string, domain.JobNote) error { return nil }

type recordSink struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recordSink) Notify(kind, title, message, link string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recordSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

func job(id, updatedAt string) domain.Job {
	return domain.Job{ID: id, Status: domain.StatusUnallocated, CreatedAt: updatedAt, UpdatedAt: updatedAt}
}

func ids(jobs []domain.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

func sameIDs(a []string, b ...string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitSnapshot(t *testing.T, ch <-chan []domain.Job, want ...string) []domain.Job {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case jobs := <-ch:
			if sameIDs(ids(jobs), want...) {
				return jobs
			}
		case <-deadline:
			t.Fatalf("timed out waiting for snapshot %v", want)
		}
	}
}

func TestMergeOrdersAndDeduplicates(t *testing.T) {
	j1 := job("j1", "2026-01-01T10:00:00Z")
	j2 := job("j2", "2026-01-01T12:00:00Z")
	dupA := job("j3", "2026-01-01T11:00:00Z")
	dupB := dupA
	dupB.Status = domain.StatusAllocated

	batches := map[string][]domain.Job{
		"driver:d1":   {j1, dupA},
		"unallocated": {j2, dupB},
	}
	for i := 0; i < 10; i++ {
		merged := view.Merge(batches)
		if !sameIDs(ids(merged), "j2", "j3", "j1") {
			t.Fatalf("order: got %v", ids(merged))
		}
		// "unallocated" sorts after "driver:d1", so its copy of j3 wins
		// on every call.
		if merged[1].Status != domain.StatusAllocated {
			t.Fatalf("duplicate winner not deterministic: %s", merged[1].Status)
		}
	}
}

func TestMergeTieBreaks(t *testing.T) {
	ts := "2026-01-01T10:00:00Z"
	a := domain.Job{ID: "b", CreatedAt: ts, UpdatedAt: ts}
	b := domain.Job{ID: "a", CreatedAt: ts, UpdatedAt: ts}
	c := domain.Job{ID: "c", CreatedAt: "2026-01-01T09:00:00Z", UpdatedAt: ts}
	merged := view.Merge(map[string][]domain.Job{"all": {a, b, c}})
	if !sameIDs(ids(merged), "a", "b", "c") {
		t.Fatalf("tie break: got %v", ids(merged))
	}
}

func TestRouteQueries(t *testing.T) {
	limits := view.Limits{FullQuery: 500, DriverQuery: 100}

	full := view.RouteQueries(domain.PermissionProfile{Tier: domain.TierFull}, "u1", limits)
	if len(full) != 1 || full[0].Key != view.KeyAllJobs || full[0].Limit != 500 {
		t.Fatalf("full tier: %+v", full)
	}
	if full[0].DriverID != "" || full[0].UnallocatedOnly {
		t.Fatalf("full tier must not filter: %+v", full[0])
	}

	pool := view.RouteQueries(domain.PermissionProfile{Tier: domain.TierDriverPlusUnallocated}, "u1", limits)
	if len(pool) != 2 {
		t.Fatalf("pool tier: %+v", pool)
	}
	if pool[0].Key != view.DriverKey("u1") || pool[0].DriverID != "u1" {
		t.Fatalf("pool driver query: %+v", pool[0])
	}
	if pool[1].Key != view.KeyUnallocated || !pool[1].UnallocatedOnly {
		t.Fatalf("pool unallocated query: %+v", pool[1])
	}

	own := view.RouteQueries(domain.PermissionProfile{Tier: domain.TierDriverOnly}, "u1", limits)
	if len(own) != 1 || own[0].DriverID != "u1" || own[0].Limit != 100 {
		t.Fatalf("driver tier: %+v", own)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	st := newFakeStore()
	set := view.NewSubscriptionSet(st, func(string, []domain.Job) {}, nil)
	ctx := context.Background()

	specs := []store.QuerySpec{
		{Key: "driver:d1", DriverID: "d1"},
		{Key: "unallocated", UnallocatedOnly: true},
	}
	if _, err := set.Reconcile(ctx, specs); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	closed, err := set.Reconcile(ctx, specs)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if len(closed) != 0 {
		t.Fatalf("second reconcile closed %v", closed)
	}
	if opens, _ := st.counts("driver:d1"); opens != 1 {
		t.Fatalf("driver query opened %d times", opens)
	}
	if opens, _ := st.counts("unallocated"); opens != 1 {
		t.Fatalf("unallocated query opened %d times", opens)
	}

	closed, err = set.Reconcile(ctx, []store.QuerySpec{{Key: "all"}})
	if err != nil {
		t.Fatalf("reroute reconcile: %v", err)
	}
	if len(closed) != 2 {
		t.Fatalf("expected both old queries closed, got %v", closed)
	}
	if _, closes := st.counts("driver:d1"); closes != 1 {
		t.Fatalf("driver query closed %d times", closes)
	}
	if opens, _ := st.counts("all"); opens != 1 {
		t.Fatalf("all query opened %d times", opens)
	}
	if keys := set.OpenKeys(); !sameIDs(keys, "all") {
		t.Fatalf("open keys: %v", keys)
	}
	set.CloseAll()
}

func TestAggregatorKeepsLastGoodOnError(t *testing.T) {
	sink := &recordSink{}
	lv := view.NewListView()
	agg := view.NewAggregator(lv, sink)

	agg.OnPush("driver:d1", []domain.Job{job("j1", "2026-01-01T10:00:00Z")})
	agg.OnError("driver:d1", errors.New("disk I/O error"))

	if got := ids(lv.Snapshot()); !sameIDs(got, "j1") {
		t.Fatalf("snapshot after error: %v", got)
	}
	if sink.count() != 1 {
		t.Fatalf("expected one notification, got %d", sink.count())
	}
}

func TestAggregatorDropRemovesBatch(t *testing.T) {
	lv := view.NewListView()
	agg := view.NewAggregator(lv, nil)
	agg.OnPush("all", []domain.Job{job("j1", "2026-01-01T10:00:00Z")})
	agg.OnPush("unallocated", []domain.Job{job("j2", "2026-01-01T11:00:00Z")})
	agg.Drop("all")
	if got := ids(lv.Snapshot()); !sameIDs(got, "j2") {
		t.Fatalf("after drop: %v", got)
	}
}

func TestSessionDriverOnlySeesOwnJobs(t *testing.T) {
	st := newFakeStore()
	st.seed("driver:drv-1",
		job("j2", "2026-01-02T09:00:00Z"),
		job("j1", "2026-01-01T09:00:00Z"),
	)
	provider := auth.NewStatic("drv-1", domain.PermissionProfile{Tier: domain.TierDriverOnly})
	s := view.NewSession(provider, st, view.Limits{FullQuery: 500, DriverQuery: 100}, nil, nil)

	snaps := make(chan []domain.Job, 16)
	s.View().Subscribe(func(jobs []domain.Job) { snaps <- jobs })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	waitSnapshot(t, snaps, "j2", "j1")
	if opens, _ := st.counts("unallocated"); opens != 0 {
		t.Fatal("driver-only session opened the unallocated query")
	}
	if opens, _ := st.counts("all"); opens != 0 {
		t.Fatal("driver-only session opened the all-jobs query")
	}
}

func TestSessionMergesDriverAndUnallocated(t *testing.T) {
	st := newFakeStore()
	st.seed("driver:drv-1", job("mine", "2026-01-01T10:00:00Z"))
	st.seed("unallocated", job("pool", "2026-01-01T11:00:00Z"))
	provider := auth.NewStatic("drv-1", domain.PermissionProfile{Tier: domain.TierDriverPlusUnallocated})
	s := view.NewSession(provider, st, view.Limits{FullQuery: 500, DriverQuery: 100}, nil, nil)

	snaps := make(chan []domain.Job, 16)
	s.View().Subscribe(func(jobs []domain.Job) { snaps <- jobs })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	// pool was updated later than mine, so it leads the merged view.
	waitSnapshot(t, snaps, "pool", "mine")

	// A newer snapshot for the driver query reorders the merge.
	st.push(t, "driver:drv-1", job("mine", "2026-01-01T12:00:00Z"))
	waitSnapshot(t, snaps, "mine", "pool")
}

func TestSessionReroutesOnProfileChange(t *testing.T) {
	st := newFakeStore()
	st.seed("driver:drv-1", job("mine", "2026-01-01T10:00:00Z"))
	st.seed("all",
		job("other", "2026-01-01T11:00:00Z"),
		job("mine", "2026-01-01T10:00:00Z"),
	)
	provider := auth.NewStatic("drv-1", domain.PermissionProfile{Tier: domain.TierDriverOnly})
	s := view.NewSession(provider, st, view.Limits{FullQuery: 500, DriverQuery: 100}, nil, nil)

	snaps := make(chan []domain.Job, 16)
	s.View().Subscribe(func(jobs []domain.Job) { snaps <- jobs })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	waitSnapshot(t, snaps, "mine")

	provider.SetProfile(domain.PermissionProfile{Tier: domain.TierFull, IsAdmin: true})
	waitSnapshot(t, snaps, "other", "mine")

	if _, closes := st.counts("driver:drv-1"); closes != 1 {
		t.Fatal("promotion did not close the driver query")
	}

	provider.SetProfile(domain.PermissionProfile{Tier: domain.TierDriverOnly})
	waitSnapshot(t, snaps, "mine")
	if _, closes := st.counts("all"); closes != 1 {
		t.Fatal("demotion did not close the all-jobs query")
	}
}

func TestSessionSurfacesQueryFaults(t *testing.T) {
	st := newFakeStore()
	st.seed("driver:drv-1", job("mine", "2026-01-01T10:00:00Z"))
	sink := &recordSink{}
	provider := auth.NewStatic("drv-1", domain.PermissionProfile{Tier: domain.TierDriverOnly})
	s := view.NewSession(provider, st, view.Limits{DriverQuery: 100}, sink, nil)

	snaps := make(chan []domain.Job, 16)
	s.View().Subscribe(func(jobs []domain.Job) { snaps <- jobs })

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Close()

	waitSnapshot(t, snaps, "mine")
	st.fail(t, "driver:drv-1", errors.New("database is locked"))

	deadline := time.After(2 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("fault never reached the sink")
		case <-time.After(5 * time.Millisecond):
		}
	}
	// Last-known-good snapshot survives the fault.
	if got := ids(s.View().Snapshot()); !sameIDs(got, "mine") {
		t.Fatalf("snapshot after fault: %v", got)
	}
}

func TestConcurrentPushesNeverLoseABatch(t *testing.T) {
	keys := []string{"driver:d1", "driver:d2", "driver:d3", "unallocated"}
	for iter := 0; iter < 200; iter++ {
		lv := view.NewListView()
		agg := view.NewAggregator(lv, nil)

		var wg sync.WaitGroup
		for i, key := range keys {
			wg.Add(1)
			go func(key, id string) {
				defer wg.Done()
				agg.OnPush(key, []domain.Job{job(id, "2026-01-01T10:00:00Z")})
			}(key, keys[i])
		}
		wg.Wait()

		if got := lv.Snapshot(); len(got) != len(keys) {
			t.Fatalf("iter %d: final snapshot lost a batch: %d jobs", iter, len(got))
		}
	}
}

func TestConcurrentReconcileOpensOnce(t *testing.T) {
	st := newFakeStore()
	set := view.NewSubscriptionSet(st, func(string, []domain.Job) {}, nil)
	specs := []store.QuerySpec{
		{Key: view.KeyAllJobs, Limit: 10},
		{Key: view.KeyUnallocated, UnallocatedOnly: true, Limit: 10},
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := set.Reconcile(context.Background(), specs); err != nil {
				t.Errorf("reconcile: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, spec := range specs {
		if opens, _ := st.counts(spec.Key); opens != 1 {
			t.Fatalf("query %s opened %d times", spec.Key, opens)
		}
	}
	set.CloseAll()
}
