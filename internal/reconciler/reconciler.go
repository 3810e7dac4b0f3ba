// Package reconciler implements the undo-then-assign control loop: the
// undo phase, the preassign phase, their dry-run variants, and the
// top-level tick that wraps both in a single recover boundary.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/virthead/panda-jedi/internal/audit"
	"github.com/virthead/panda-jedi/internal/cache"
	"github.com/virthead/panda-jedi/internal/catalog"
	"github.com/virthead/panda-jedi/internal/fleetstats"
	"github.com/virthead/panda-jedi/internal/lockmgr"
	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

const (
	configRealm     = "jedi"
	maxLockAttempts = 5
)

// Reconciler is the queue-filler control loop. It owns no connections
// of its own; everything it touches is injected so it can be driven
// against fakes in tests.
type Reconciler struct {
	cfg     Config
	tb      taskbuffer.TaskBuffer
	catalog catalog.Catalog
	probe   *fleetstats.Probe
	cache   cache.Cache
	lock    lockmgr.LockManager
	audit   *audit.Logger

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// New constructs a Reconciler. cfg.DryRun is fixed for the lifetime of
// the instance rather than a global mutable toggle.
func New(cfg Config, tb taskbuffer.TaskBuffer, cat catalog.Catalog, probe *fleetstats.Probe, c cache.Cache, lock lockmgr.LockManager, auditLogger *audit.Logger) *Reconciler {
	if cfg.BlacklistRetention == 0 {
		d := defaultConfig()
		cfg.BlacklistRetention = d.BlacklistRetention
	}
	if cfg.LockRetryRate == 0 {
		cfg.LockRetryRate = 1
	}
	if cfg.LockRetryBurst == 0 {
		cfg.LockRetryBurst = 1
	}
	return &Reconciler{
		cfg:      cfg,
		tb:       tb,
		catalog:  cat,
		probe:    probe,
		cache:    c,
		lock:     lock,
		audit:    auditLogger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Tick runs the undo phase then the preassign phase. Any panic in
// either is recovered, logged with a stack trace, and swallowed: the
// tick always reports success so the caller's scheduler retries on
// the next interval.
func (r *Reconciler) Tick(ctx context.Context) error {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("reconciler tick panic: %v\n%s", rec, debug.Stack())
		}
	}()

	if err := r.undoPreassign(ctx); err != nil {
		log.Printf("undo phase error: %v", err)
	}
	if err := r.doPreassign(ctx); err != nil {
		log.Printf("preassign phase error: %v", err)
	}
	return nil
}

// limiterFor returns (creating if absent) the per-label token bucket
// that paces lock-retry attempts under contention.
func (r *Reconciler) limiterFor(label string) *rate.Limiter {
	r.limMu.Lock()
	defer r.limMu.Unlock()
	l, ok := r.limiters[label]
	if !ok {
		l = rate.NewLimiter(rate.Limit(r.cfg.LockRetryRate), r.cfg.LockRetryBurst)
		r.limiters[label] = l
	}
	return l
}

// acquireWithRetry attempts to acquire the lock for label, backing off
// per the label's token bucket between attempts, up to maxLockAttempts.
func (r *Reconciler) acquireWithRetry(ctx context.Context, label string) (bool, error) {
	lim := r.limiterFor(label)
	for attempt := 0; attempt < maxLockAttempts; attempt++ {
		if attempt > 0 {
			if err := lim.Wait(ctx); err != nil {
				return false, err
			}
		}
		ok, err := r.lock.Acquire(ctx, label)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	r.audit.LockContention(label)
	return false, nil
}

// labelCaps resolves MAX_PREASSIGNED_TASKS/MIN_FILES_READY/
// MIN_FILES_REMAINING for label via getConfigValue, falling back to
// DefaultLabelCaps for any key that is unset.
func (r *Reconciler) labelCaps(ctx context.Context, label string) LabelCaps {
	caps := DefaultLabelCaps

	if v, ok, err := r.tb.GetConfigValue(ctx, "queue_filler", "MAX_PREASSIGNED_TASKS_"+label, configRealm, r.cfg.VO); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			caps.MaxPreassignedTasks = n
		}
	}
	if v, ok, err := r.tb.GetConfigValue(ctx, "queue_filler", "MIN_FILES_READY_"+label, configRealm, r.cfg.VO); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			caps.MinFilesReady = n
		}
	}
	if v, ok, err := r.tb.GetConfigValue(ctx, "queue_filler", "MIN_FILES_REMAINING_"+label, configRealm, r.cfg.VO); err == nil && ok {
		if n, err := strconv.Atoi(v); err == nil {
			caps.MinFilesRemaining = n
		}
	}
	return caps
}

// hourBucket floors t to the hour and returns the unix-seconds decimal
// string key used by the blacklist map.
func hourBucket(t time.Time) string {
	floored := t.UTC().Truncate(time.Hour)
	return strconv.FormatInt(floored.Unix(), 10)
}

func siteKey(site, resourceType string) string {
	return fmt.Sprintf("%s|%s", site, resourceType)
}

func splitSiteKey(key string) (site, resourceType string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func containsInt64(set []int64, id int64) bool {
	for _, v := range set {
		if v == id {
			return true
		}
	}
	return false
}

func subtractInt64(from, remove []int64) []int64 {
	out := make([]int64, 0, len(from))
	for _, v := range from {
		if !containsInt64(remove, v) {
			out = append(out, v)
		}
	}
	return out
}

func unionInt64(a, b []int64) []int64 {
	out := make([]int64, 0, len(a)+len(b))
	out = append(out, a...)
	for _, v := range b {
		if !containsInt64(a, v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
