package reconciler

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/virthead/panda-jedi/internal/catalog"
	"github.com/virthead/panda-jedi/internal/eligibility"
	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

const defaultMaxRSS = 999_999

// doPreassign walks each label, each available site with a non-empty
// RSE mapping, and each resource type, filling any open slots up to
// the per-key cap from the eligible, non-blacklisted candidate set.
func (r *Reconciler) doPreassign(ctx context.Context) error {
	if err := r.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("preassign: refresh catalog: %w", err)
	}

	resourceTypes, err := r.tb.LoadResourceTypes(ctx)
	if err != nil {
		return fmt.Errorf("preassign: load resource types: %w", err)
	}

	available, _, err := r.classify(ctx)
	if err != nil {
		return fmt.Errorf("preassign: classify sites: %w", err)
	}

	bl, err := r.cache.LoadBlacklist(ctx)
	if err != nil {
		return fmt.Errorf("preassign: load blacklist: %w", err)
	}
	blacklist := make(map[int64]bool)
	for _, ids := range bl {
		for _, id := range ids {
			blacklist[id] = true
		}
	}

	for _, label := range r.cfg.ProdSourceLabels {
		if err := r.preassignLabel(ctx, label, available, resourceTypes, blacklist); err != nil {
			log.Printf("preassign: label %s: %v", label, err)
		}
	}
	return nil
}

func (r *Reconciler) preassignLabel(ctx context.Context, label string, available map[string]catalog.SiteSpec, resourceTypes []taskbuffer.ResourceType, blacklist map[int64]bool) error {
	rseMap, err := r.catalog.SiteRSEMap(ctx, label)
	if err != nil {
		return fmt.Errorf("site rse map: %w", err)
	}
	caps := r.labelCaps(ctx, label)

	sites := make([]string, 0, len(available))
	for name := range available {
		sites = append(sites, name)
	}
	sort.Strings(sites)

	for _, site := range sites {
		spec := available[site]
		rses := rseMap[site]
		if len(rses) == 0 {
			continue
		}

		for _, rt := range resourceTypes {
			key := siteKey(site, rt.ResourceName)

			acquired, err := r.acquireWithRetry(ctx, label)
			if err != nil {
				return err
			}
			if !acquired {
				return nil // abort the whole phase for this label
			}

			if err := r.fillSlot(ctx, label, site, rt.ResourceName, key, spec, rses, caps, blacklist); err != nil {
				log.Printf("preassign: label %s key %s: %v", label, key, err)
			}

			if err := r.lock.Release(ctx, label); err != nil {
				log.Printf("preassign: label %s key %s: release: %v", label, key, err)
			}
		}
	}
	return nil
}

func (r *Reconciler) fillSlot(ctx context.Context, label, site, resourceType, key string, spec catalog.SiteSpec, rses []string, caps LabelCaps, blacklist map[int64]bool) error {
	snapshot, err := r.cache.LoadPreassigned(ctx)
	if err != nil {
		return fmt.Errorf("load preassigned: %w", err)
	}
	cached := snapshot[key]

	slots := caps.MaxPreassignedTasks - len(cached)
	if slots <= 0 {
		return nil
	}

	params := eligibilityParams(spec, resourceType, label, rses, caps)

	picked, err := r.pickCandidates(ctx, params, site, blacklist, slots)
	if err != nil {
		return fmt.Errorf("pick candidates: %w", err)
	}
	if picked == nil {
		return fmt.Errorf("query returned no result (treated as failure)")
	}
	if len(picked) == 0 {
		return nil
	}

	m, err := r.cache.LoadPreassigned(ctx)
	if err != nil {
		return fmt.Errorf("reload preassigned: %w", err)
	}
	m[key] = unionInt64(m[key], picked)
	if err := r.cache.StorePreassigned(ctx, m); err != nil {
		return fmt.Errorf("store preassigned: %w", err)
	}

	r.audit.Preassign(picked, site, resourceType)
	return nil
}

// pickCandidates runs the eligibility query in the mode appropriate to
// DryRun. Real mode row-locks and binds `site` atomically; dry-run
// mode only reads and filters in memory.
func (r *Reconciler) pickCandidates(ctx context.Context, params eligibility.Params, site string, blacklist map[int64]bool, limit int) ([]int64, error) {
	if r.cfg.DryRun {
		sql, args := eligibility.Build(params, eligibility.LockNone)
		rows, err := r.tb.QuerySQL(ctx, sql, args)
		if err != nil {
			return nil, err
		}
		out := make([]int64, 0, limit)
		for _, row := range rows {
			if len(out) >= limit {
				break
			}
			if len(row) == 0 {
				continue
			}
			id, ok := toInt64(row[0])
			if !ok || blacklist[id] {
				continue
			}
			out = append(out, id)
		}
		return out, nil
	}

	sql, args := eligibility.Build(params, eligibility.LockForUpdate)
	return r.tb.QueryTasksToPreassign(ctx, sql, args, site, blacklist, limit)
}

func eligibilityParams(spec catalog.SiteSpec, resourceType, label string, rses []string, caps LabelCaps) eligibility.Params {
	maxRSS := defaultMaxRSS
	if spec.MaxRSS != nil && *spec.MaxRSS != 0 {
		maxRSS = *spec.MaxRSS
	}
	coreCount := spec.CoreCount
	if coreCount <= 0 {
		coreCount = 1
	}

	var allowedCores []int
	switch {
	case spec.IsUnified || spec.Capability == "ucore":
		allowedCores = []int{1, coreCount}
	case spec.Capability == "mcore":
		allowedCores = []int{coreCount}
	default:
		allowedCores = []int{1}
	}

	requireSimul := spec.FairsharePolicy != nil && *spec.FairsharePolicy != "" && *spec.FairsharePolicy != "NULL"

	return eligibility.Params{
		Site:              spec.Name,
		ResourceType:      resourceType,
		ProdSourceLabel:   label,
		MaxMemPerCore:     float64(maxRSS) / float64(coreCount),
		AllowedCores:      allowedCores,
		RSEs:              rses,
		RequireSimul:      requireSimul,
		MinFilesReady:     caps.MinFilesReady,
		MinFilesRemaining: caps.MinFilesRemaining,
	}
}
