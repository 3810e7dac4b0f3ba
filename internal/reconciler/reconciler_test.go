package reconciler

import (
	"context"
	"sync"
	"testing"

	"github.com/virthead/panda-jedi/internal/audit"
	"github.com/virthead/panda-jedi/internal/cache"
	"github.com/virthead/panda-jedi/internal/catalog"
	"github.com/virthead/panda-jedi/internal/fleetstats"
	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

// fakeTaskBuffer is a hand-written in-memory stand-in for
// taskbuffer.TaskBuffer, in the style of control_plane/scheduler's
// MockStore. It sidesteps SQL entirely: QueryTasksToPreassign is told
// which IDs a real eligibility query would have returned via
// eligibleBySiteResource, and undo decisions are driven by inactive,
// which simulates a task's current DB status.
type fakeTaskBuffer struct {
	mu sync.Mutex

	siteSpecs     []taskbuffer.SiteSpec
	jobStatsOK    bool
	jobStats      taskbuffer.JobStatsByShare
	ttr           map[string]float64
	resourceTypes []taskbuffer.ResourceType

	eligibleBySiteResource map[string][]int64

	// inactive[id] == true means the task's real status has moved out
	// of {ready,running,scouting} since it was preassigned, so a
	// non-force undo should release it. Absent/false means still
	// active; this default matters for tasks seeded directly into the
	// cache rather than picked via QueryTasksToPreassign.
	inactive map[int64]bool

	boundSite map[int64]string
}

func newFakeTaskBuffer() *fakeTaskBuffer {
	return &fakeTaskBuffer{
		jobStatsOK:             true,
		jobStats:               taskbuffer.JobStatsByShare{},
		ttr:                    map[string]float64{},
		eligibleBySiteResource: map[string][]int64{},
		inactive:               map[int64]bool{},
		boundSite:              map[int64]string{},
	}
}

func (f *fakeTaskBuffer) GetSiteSpecs(ctx context.Context) ([]taskbuffer.SiteSpec, error) {
	return f.siteSpecs, nil
}

func (f *fakeTaskBuffer) GetJobStatisticsByGlobalShare(ctx context.Context, vo string) (bool, taskbuffer.JobStatsByShare, error) {
	return f.jobStatsOK, f.jobStats, nil
}

func (f *fakeTaskBuffer) GetSiteToRunRate(ctx context.Context, vo string) (map[string]float64, error) {
	return f.ttr, nil
}

func (f *fakeTaskBuffer) LoadResourceTypes(ctx context.Context) ([]taskbuffer.ResourceType, error) {
	return f.resourceTypes, nil
}

func (f *fakeTaskBuffer) GetConfigValue(ctx context.Context, section, key, realm, vo string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeTaskBuffer) LockProcess(ctx context.Context, p taskbuffer.LockProcessParams) (bool, error) {
	return true, nil
}

func (f *fakeTaskBuffer) UnlockProcess(ctx context.Context, p taskbuffer.LockProcessParams) error {
	return nil
}

func (f *fakeTaskBuffer) GetCache(ctx context.Context, mainKey, subKey string) (string, bool, error) {
	return "", false, nil
}

func (f *fakeTaskBuffer) UpdateCache(ctx context.Context, mainKey, subKey, data string) error {
	return nil
}

func (f *fakeTaskBuffer) QuerySQL(ctx context.Context, sql string, args []any) ([][]any, error) {
	return nil, nil
}

func (f *fakeTaskBuffer) QueryTasksToPreassign(ctx context.Context, sql string, args []any, site string, blacklist map[int64]bool, limit int) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resourceType, _ := args[1].(string)
	key := siteKey(site, resourceType)
	candidates := f.eligibleBySiteResource[key]

	picked := []int64{}
	for _, id := range candidates {
		if blacklist[id] {
			continue
		}
		picked = append(picked, id)
		f.boundSite[id] = site
		if len(picked) >= limit {
			break
		}
	}
	return picked, nil
}

func (f *fakeTaskBuffer) UndoPreassignedTasks(ctx context.Context, taskIDs []int64, forceUndo bool) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	undone := []int64{}
	for _, id := range taskIDs {
		if forceUndo || f.inactive[id] {
			undone = append(undone, id)
			delete(f.boundSite, id)
		}
	}
	return undone, nil
}

// fakeCache is an in-memory Cache, skipping the Redis envelope entirely.
type fakeCache struct {
	mu          sync.Mutex
	preassigned cache.PreassignedMap
	blacklist   cache.Blacklist
}

func newFakeCache() *fakeCache {
	return &fakeCache{preassigned: cache.PreassignedMap{}, blacklist: cache.Blacklist{}}
}

func (c *fakeCache) LoadPreassigned(ctx context.Context) (cache.PreassignedMap, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := cache.PreassignedMap{}
	for k, v := range c.preassigned {
		out[k] = append([]int64{}, v...)
	}
	return out, nil
}

func (c *fakeCache) StorePreassigned(ctx context.Context, m cache.PreassignedMap) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.preassigned = m
	return nil
}

func (c *fakeCache) LoadBlacklist(ctx context.Context) (cache.Blacklist, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := cache.Blacklist{}
	for k, v := range c.blacklist {
		out[k] = append([]int64{}, v...)
	}
	return out, nil
}

func (c *fakeCache) StoreBlacklist(ctx context.Context, b cache.Blacklist) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blacklist = b
	return nil
}

// fakeLockManager always succeeds unless denyLabel is set, simulating
// a contended lock for that label only.
type fakeLockManager struct {
	mu        sync.Mutex
	denyLabel string
	held      map[string]bool
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: map[string]bool{}}
}

func (l *fakeLockManager) Acquire(ctx context.Context, prodSourceLabel string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prodSourceLabel == l.denyLabel {
		return false, nil
	}
	l.held[prodSourceLabel] = true
	return true, nil
}

func (l *fakeLockManager) Release(ctx context.Context, prodSourceLabel string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, prodSourceLabel)
	return nil
}

func maxRSSPtr(v int) *int { return &v }

func siteAAvailable() taskbuffer.SiteSpec {
	return taskbuffer.SiteSpec{
		Name: "SITE_A", UnifiedName: "SITE_A", Status: "online",
		RunsProduction: true, MinRSS: maxRSSPtr(0), MaxRSS: maxRSSPtr(16000),
		CoreCount: 8, Capability: "mcore",
		InputDDMEndpoints: map[string][]string{"mc": {"RSE_1"}},
	}
}

func toCatalogSiteSpec(s taskbuffer.SiteSpec) catalog.SiteSpec {
	return catalog.SiteSpec{
		Name:            s.Name,
		UnifiedName:     s.UnifiedName,
		Status:          s.Status,
		RunsProduction:  s.RunsProduction,
		MinRSS:          s.MinRSS,
		MaxRSS:          s.MaxRSS,
		CoreCount:       s.CoreCount,
		IsUnified:       s.IsUnified,
		Capability:      s.Capability,
		FairsharePolicy: s.FairsharePolicy,
	}
}

func newHarness(t *testing.T, tb *fakeTaskBuffer, label string) (*Reconciler, *fakeCache, *fakeLockManager) {
	t.Helper()
	cat := catalog.NewView(tb)
	probe := fleetstats.NewProbe(10)
	c := newFakeCache()
	lock := newFakeLockManager()
	cfg := Config{VO: "atlas", ProdSourceLabels: []string{label}}
	rec := New(cfg, tb, cat, probe, c, lock, audit.New())
	return rec, c, lock
}

func TestScenarioEmptyFleet(t *testing.T) {
	tb := newFakeTaskBuffer()
	rec, c, _ := newHarness(t, tb, "managed")

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	if len(m) != 0 {
		t.Fatalf("expected empty cache after empty-fleet tick, got %v", m)
	}
}

func TestScenarioSingleEligibleTask(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}
	tb.eligibleBySiteResource["SITE_A|SCORE"] = []int64{42}

	rec, c, _ := newHarness(t, tb, "managed")
	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	got := m["SITE_A|SCORE"]
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected preassigned map {SITE_A|SCORE: [42]}, got %v", m)
	}
	if tb.boundSite[42] != "SITE_A" {
		t.Fatalf("expected task 42 bound to SITE_A in the task buffer, got %q", tb.boundSite[42])
	}
}

// Site becomes busy on the next tick: force undo, no blacklist entry.
func TestScenarioSiteBecomesBusyForceUndo(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}
	tb.eligibleBySiteResource["SITE_A|SCORE"] = []int64{42}

	rec, c, _ := newHarness(t, tb, "managed")
	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// Site becomes congested: queue depth crosses the busy threshold.
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 40}}}

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	if _, ok := m["SITE_A|SCORE"]; ok {
		t.Fatalf("expected SITE_A|SCORE removed from cache after force undo, got %v", m)
	}
	if _, bound := tb.boundSite[42]; bound {
		t.Fatalf("expected task 42 unbound after force undo")
	}

	bl, _ := c.LoadBlacklist(context.Background())
	for bucket, ids := range bl {
		for _, id := range ids {
			if id == 42 {
				t.Fatalf("force undo must not blacklist task 42, found in bucket %s", bucket)
			}
		}
	}
}

// Task becomes paused: non-force undo, blacklisted, and not re-picked
// in the same tick's preassign phase.
func TestScenarioTaskPausedSoftUndoAndBlacklist(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}
	tb.eligibleBySiteResource["SITE_A|SCORE"] = []int64{42}

	rec, c, _ := newHarness(t, tb, "managed")
	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	// Task 42's status moves out of {ready,running,scouting}.
	tb.inactive[42] = true

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	if _, ok := m["SITE_A|SCORE"]; ok {
		t.Fatalf("expected key removed after soft undo emptied it, got %v", m)
	}

	bl, _ := c.LoadBlacklist(context.Background())
	found := false
	for _, ids := range bl {
		for _, id := range ids {
			if id == 42 {
				found = true
			}
		}
	}
	if !found {
		t.Fatalf("expected task 42 blacklisted after soft undo, got %v", bl)
	}

	// The same tick's preassign phase re-ran the eligibility pool, but
	// task 42 is blacklisted, so it must not reappear.
	if got := m["SITE_A|SCORE"]; len(got) != 0 {
		t.Fatalf("task 42 must not be re-picked while blacklisted, got %v", got)
	}
}

// Cap reached: no new preassignments, no mutation for that key.
func TestScenarioCapReached(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}
	tb.eligibleBySiteResource["SITE_A|SCORE"] = []int64{20, 21, 22, 23, 24}

	rec, c, _ := newHarness(t, tb, "managed")
	if err := c.StorePreassigned(context.Background(), cache.PreassignedMap{"SITE_A|SCORE": {10, 11, 12}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	got := m["SITE_A|SCORE"]
	if len(got) != 3 || got[0] != 10 || got[1] != 11 || got[2] != 12 {
		t.Fatalf("expected cache key unchanged at cap, got %v", got)
	}
}

// A site with maxrss == 0 means unlimited, the same as a nil maxrss,
// not a zero memory-per-core cap that excludes every task.
func TestEligibilityParamsZeroMaxRSSIsUnlimited(t *testing.T) {
	spec := siteAAvailable()
	spec.MaxRSS = maxRSSPtr(0)

	params := eligibilityParams(toCatalogSiteSpec(spec), "SCORE", "managed", []string{"RSE_1"}, LabelCaps{})

	want := float64(defaultMaxRSS) / float64(spec.CoreCount)
	if params.MaxMemPerCore != want {
		t.Fatalf("maxrss=0 should be treated as unlimited (%v), got MaxMemPerCore=%v", want, params.MaxMemPerCore)
	}
}

// A nil maxrss takes the same unlimited path as maxrss == 0.
func TestEligibilityParamsNilMaxRSSIsUnlimited(t *testing.T) {
	spec := siteAAvailable()
	spec.MaxRSS = nil

	params := eligibilityParams(toCatalogSiteSpec(spec), "SCORE", "managed", []string{"RSE_1"}, LabelCaps{})

	want := float64(defaultMaxRSS) / float64(spec.CoreCount)
	if params.MaxMemPerCore != want {
		t.Fatalf("nil maxrss should be treated as unlimited (%v), got MaxMemPerCore=%v", want, params.MaxMemPerCore)
	}
}

// A real maxrss cap still divides through to MaxMemPerCore normally.
func TestEligibilityParamsNonzeroMaxRSSIsRespected(t *testing.T) {
	spec := siteAAvailable()
	spec.MaxRSS = maxRSSPtr(16000)

	params := eligibilityParams(toCatalogSiteSpec(spec), "SCORE", "managed", []string{"RSE_1"}, LabelCaps{})

	want := 16000.0 / float64(spec.CoreCount)
	if params.MaxMemPerCore != want {
		t.Fatalf("expected MaxMemPerCore=%v, got %v", want, params.MaxMemPerCore)
	}
}

// A non-force undo query that succeeds but releases nothing (an empty,
// non-nil result) must leave the cached key untouched rather than
// dropping it, since undone stays empty and no mutation branch fires.
func TestScenarioUndoQueryEmptyResultLeavesCacheUntouched(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}

	rec, c, _ := newHarness(t, tb, "managed")
	if err := c.StorePreassigned(context.Background(), cache.PreassignedMap{"SITE_A|SCORE": {42}}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	// Task 42's status hasn't moved, so the non-force undo query finds
	// nothing to release and returns ([]int64{}, nil) — a legitimate
	// empty result, not the nil-result failure case; the key must
	// survive this tick.
	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	got := m["SITE_A|SCORE"]
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("expected SITE_A|SCORE to still hold [42] when nothing was undone, got %v", m)
	}
}

// A denied lock aborts the preassign phase for that label without
// mutating the cache.
func TestScenarioLockContentionAbortsPhase(t *testing.T) {
	tb := newFakeTaskBuffer()
	tb.siteSpecs = []taskbuffer.SiteSpec{siteAAvailable()}
	tb.jobStats = taskbuffer.JobStatsByShare{"default": {"SITE_A": {"running": 10, "activated": 4}}}
	tb.ttr = map[string]float64{"SITE_A": 0.9}
	tb.resourceTypes = []taskbuffer.ResourceType{{ResourceName: "SCORE"}}
	tb.eligibleBySiteResource["SITE_A|SCORE"] = []int64{101, 102, 103}

	cat := catalog.NewView(tb)
	probe := fleetstats.NewProbe(10)
	c := newFakeCache()
	lock := newFakeLockManager()
	lock.denyLabel = "managed"
	cfg := Config{VO: "atlas", ProdSourceLabels: []string{"managed"}, LockRetryRate: 1000, LockRetryBurst: 1}
	rec := New(cfg, tb, cat, probe, c, lock, audit.New())

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	m, _ := c.LoadPreassigned(context.Background())
	if len(m) != 0 {
		t.Fatalf("expected no preassignment when lock is contended, got %v", m)
	}
}
