package reconciler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/virthead/panda-jedi/internal/catalog"
)

// undoPreassign purges aged blacklist entries for each label, then
// walks the cached preassigned map releasing bindings that are either
// forced off (site busy/too many) or soft-released (task no longer
// eligible).
func (r *Reconciler) undoPreassign(ctx context.Context) error {
	if err := r.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("undo: refresh catalog: %w", err)
	}

	_, busy, err := r.classify(ctx)
	if err != nil {
		return fmt.Errorf("undo: classify sites: %w", err)
	}

	for _, label := range r.cfg.ProdSourceLabels {
		if err := r.undoLabel(ctx, label, busy); err != nil {
			log.Printf("undo: label %s: %v", label, err)
		}
	}
	return nil
}

func (r *Reconciler) undoLabel(ctx context.Context, label string, busy map[string]catalog.SiteSpec) error {
	acquired, err := r.acquireWithRetry(ctx, label)
	if err != nil {
		return err
	}
	if !acquired {
		return nil // lock contention: skip this label, not an error
	}

	if err := r.purgeBlacklist(ctx); err != nil {
		log.Printf("undo: label %s: purge blacklist: %v", label, err)
	}
	if err := r.lock.Release(ctx, label); err != nil {
		log.Printf("undo: label %s: release after purge: %v", label, err)
	}

	snapshot, err := r.cache.LoadPreassigned(ctx)
	if err != nil {
		return fmt.Errorf("load preassigned: %w", err)
	}

	caps := r.labelCaps(ctx, label)

	for key, cached := range snapshot {
		site, resourceType := splitSiteKey(key)

		// The preassigned map is global across labels, keyed only by
		// "site|resourceType"; it doesn't record which label owns a
		// key, so every label visits every key. That's harmless
		// because the cap/busy checks are label-independent.
		_, siteBusy := busy[site]
		force := siteBusy || len(cached) > caps.MaxPreassignedTasks

		acquired, err := r.acquireWithRetry(ctx, label)
		if err != nil {
			return err
		}
		if !acquired {
			continue
		}

		var undone []int64
		if force {
			undone = cached
			failed := false
			if !r.cfg.DryRun {
				if result, err := r.tb.UndoPreassignedTasks(ctx, cached, true); err != nil {
					log.Printf("undo: label %s key %s: force undo: %v", label, key, err)
					failed = true
				} else if result == nil {
					log.Printf("undo: label %s key %s: force undo query failed (nil result)", label, key)
					failed = true
				}
			}
			if failed {
				undone = nil
			} else {
				delete(snapshot, key)
			}
		} else {
			if r.cfg.DryRun {
				undone, err = r.predictUndo(ctx, cached)
				if err != nil {
					log.Printf("undo: label %s key %s: predict undo: %v", label, key, err)
				}
			} else {
				undone, err = r.tb.UndoPreassignedTasks(ctx, cached, false)
				if err != nil {
					log.Printf("undo: label %s key %s: undo: %v", label, key, err)
				} else if undone == nil {
					log.Printf("undo: label %s key %s: undo query failed (nil result)", label, key)
				}
			}
			if len(undone) > 0 {
				remaining := subtractInt64(cached, undone)
				if len(remaining) == 0 {
					delete(snapshot, key)
				} else {
					snapshot[key] = remaining
				}
			}
		}

		if err := r.cache.StorePreassigned(ctx, snapshot); err != nil {
			log.Printf("undo: label %s key %s: store preassigned: %v", label, key, err)
		}

		if len(undone) > 0 && !force {
			if err := r.blacklistAdd(ctx, undone); err != nil {
				log.Printf("undo: label %s key %s: blacklist add: %v", label, key, err)
			}
			reason := "task paused or terminated"
			r.audit.Undo(undone, site, resourceType, reason)
		} else if len(undone) > 0 && force {
			reason := "site busy or offline or with too many preassigned tasks"
			r.audit.Undo(undone, site, resourceType, reason)
		}

		if err := r.lock.Release(ctx, label); err != nil {
			log.Printf("undo: label %s key %s: release: %v", label, key, err)
		}
	}

	return nil
}

// predictUndo re-queries, without mutating, which of the cached IDs
// currently have site set and a status no longer in
// {ready,running,scouting}.
func (r *Reconciler) predictUndo(ctx context.Context, cached []int64) ([]int64, error) {
	if len(cached) == 0 {
		return nil, nil
	}
	rows, err := r.tb.QuerySQL(ctx, `
		SELECT jedi_task_id FROM jedi_tasks
		WHERE jedi_task_id = ANY($1)
		  AND site IS NOT NULL
		  AND status NOT IN ('ready', 'running', 'scouting')
	`, []any{cached})
	if err != nil {
		return nil, err
	}

	out := make([]int64, 0, len(rows))
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		if id, ok := toInt64(row[0]); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// purgeBlacklist drops bucket entries older than the retention window.
// The bucket key is rounded at undo time but purged by strict
// absolute-timestamp comparison against the bucket's own value, not
// re-rounded, so a bucket's effective age can run up to an hour ahead
// of its nominal timestamp.
func (r *Reconciler) purgeBlacklist(ctx context.Context) error {
	bl, err := r.cache.LoadBlacklist(ctx)
	if err != nil {
		return err
	}

	cutoff := time.Now().UTC().Add(-r.cfg.BlacklistRetention).Unix()
	changed := false
	for bucket := range bl {
		ts, err := parseBucket(bucket)
		if err != nil {
			continue
		}
		if ts < cutoff {
			delete(bl, bucket)
			changed = true
		}
	}
	r.audit.SetBlacklistSize(r.cfg.VO, blacklistSize(bl))
	if changed {
		return r.cache.StoreBlacklist(ctx, bl)
	}
	return nil
}

func blacklistSize(bl map[string][]int64) int {
	n := 0
	for _, ids := range bl {
		n += len(ids)
	}
	return n
}

func parseBucket(bucket string) (int64, error) {
	var ts int64
	_, err := fmt.Sscanf(bucket, "%d", &ts)
	return ts, err
}

func (r *Reconciler) blacklistAdd(ctx context.Context, ids []int64) error {
	bl, err := r.cache.LoadBlacklist(ctx)
	if err != nil {
		return err
	}
	bucket := hourBucket(time.Now())
	bl[bucket] = unionInt64(bl[bucket], ids)
	r.audit.SetBlacklistSize(r.cfg.VO, blacklistSize(bl))
	return r.cache.StoreBlacklist(ctx, bl)
}

// classify fetches this tick's job statistics and to-running rate and
// feeds them, with the current catalog snapshot, to the fleet stats
// probe. Missing inputs fail closed to empty maps.
func (r *Reconciler) classify(ctx context.Context) (available, busy map[string]catalog.SiteSpec, err error) {
	ok, jobStats, err := r.tb.GetJobStatisticsByGlobalShare(ctx, r.cfg.VO)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		jobStats = nil
	}

	ttr, err := r.tb.GetSiteToRunRate(ctx, r.cfg.VO)
	if err != nil {
		return nil, nil, err
	}

	names, err := r.catalog.AllSites(ctx)
	if err != nil {
		return nil, nil, err
	}

	sites := make([]catalog.SiteSpec, 0, len(names))
	for _, name := range names {
		spec, err := r.catalog.SiteSpec(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		if spec != nil {
			sites = append(sites, *spec)
		}
	}

	available, busy = r.probe.Classify(jobStats, ttr, sites)
	return available, busy, nil
}
