package taskbuffer

import "context"

// TaskBuffer is the interface the reconciler consumes to read fleet state
// and mutate task-site bindings. It is satisfied by Postgres in production
// and by hand-written fakes in tests.
//
// Every method returning (ok bool, ...) or a nil slice/map distinguishes
// "query failed" from "query succeeded with nothing found" per the
// fail-closed error-handling rules the reconciler depends on.
type TaskBuffer interface {
	// GetSiteSpecs returns the full site catalog snapshot.
	GetSiteSpecs(ctx context.Context) ([]SiteSpec, error)

	// GetJobStatisticsByGlobalShare returns per-site, per-status job
	// counts bucketed by global share. ok=false means the stats were
	// unavailable and callers must fail closed.
	GetJobStatisticsByGlobalShare(ctx context.Context, vo string) (ok bool, stats JobStatsByShare, err error)

	// GetSiteToRunRate returns the 24h (minus most-recent-6h) to-running
	// rate per site, refreshed at most every 10 minutes internally. A nil
	// map (with err == nil) means the stat is unavailable.
	GetSiteToRunRate(ctx context.Context, vo string) (map[string]float64, error)

	// LoadResourceTypes returns the fleet's current resource-type tags.
	LoadResourceTypes(ctx context.Context) ([]ResourceType, error)

	// GetConfigValue looks up a config value; ok=false means unset.
	GetConfigValue(ctx context.Context, section, key, realm, vo string) (value string, ok bool, err error)

	// LockProcess/UnlockProcess implement the DB-row advisory lock named
	// in the external contract. The reconciler itself is wired to
	// internal/lockmgr (Redis-backed) rather than this method; it is kept
	// here to satisfy the TaskBuffer contract for other callers.
	LockProcess(ctx context.Context, p LockProcessParams) (bool, error)
	UnlockProcess(ctx context.Context, p LockProcessParams) error

	// GetCache/UpdateCache are the raw opaque cache primitives the
	// original source exposes; internal/cache builds typed payloads on
	// top of whichever Cache backing store is configured (normally
	// Redis, not this method; see the note on the two locks in DESIGN.md).
	GetCache(ctx context.Context, mainKey, subKey string) (data string, ok bool, err error)
	UpdateCache(ctx context.Context, mainKey, subKey, data string) error

	// QuerySQL runs an arbitrary read query (used by the dry-run variants
	// of the eligibility and undo queries).
	QuerySQL(ctx context.Context, sql string, args []any) ([][]any, error)

	// QueryTasksToPreassign is the atomic row-locked select-and-bind: it
	// evaluates sql under FOR UPDATE, drops blacklisted IDs, takes the
	// first `limit` rows by priority, and in the same transaction sets
	// site := site on those rows. A nil return (err == nil) means the
	// operation itself failed and callers must not update their cache.
	QueryTasksToPreassign(ctx context.Context, sql string, args []any, site string, blacklist map[int64]bool, limit int) ([]int64, error)

	// UndoPreassignedTasks clears site on the subset of taskIDs that, per
	// forceUndo, should be released: all of them if forceUndo, or only
	// those whose task row has site IS NOT NULL and a status no longer
	// in (ready,running,scouting) otherwise.
	// A nil return (err == nil) means the operation failed.
	UndoPreassignedTasks(ctx context.Context, taskIDs []int64, forceUndo bool) ([]int64, error)
}

// JobStatsByShare is per-site, per-status job counts, grouped by global
// share (the outer key), as returned by getJobStatisticsByGlobalShare.
type JobStatsByShare map[string]map[string]map[string]int
