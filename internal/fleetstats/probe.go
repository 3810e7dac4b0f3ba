// Package fleetstats classifies sites as available or busy from queue
// depth and to-running rate statistics. It performs no I/O of its own;
// its inputs are pulled by the caller from internal/taskbuffer.
package fleetstats

import (
	"sort"

	"github.com/virthead/panda-jedi/internal/catalog"
	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

const (
	minToRunRate        = 0.8
	availableQueueRatio = 0.25
	busyQueueRatio      = 0.75
	minThreshold        = 20
)

// Probe derives the available/busy site classification. It holds no
// state beyond its construction parameters; ttrCacheTTL documents the
// refresh cadence of the to-running-rate input but is not enforced
// here; that caching lives in taskbuffer.Postgres.GetSiteToRunRate.
type Probe struct {
	ttrCacheTTL int // minutes, informational only
}

// NewProbe returns a Probe. ttrCacheMinutes is carried only for
// documentation of the expected refresh cadence of the caller's
// siteToRunRate input.
func NewProbe(ttrCacheMinutes int) *Probe {
	return &Probe{ttrCacheTTL: ttrCacheMinutes}
}

// Classify returns the available and busy site sets. jobStats or ttr
// being nil is treated as "stats unavailable" and both returned maps
// are empty, per the fail-closed rule: a site never becomes eligible
// or forced-undo off of absent data. Empty but non-nil inputs are
// classified normally.
func (p *Probe) Classify(jobStats taskbuffer.JobStatsByShare, ttr map[string]float64, sites []catalog.SiteSpec) (available, busy map[string]catalog.SiteSpec) {
	available = map[string]catalog.SiteSpec{}
	busy = map[string]catalog.SiteSpec{}

	if jobStats == nil || ttr == nil {
		return available, busy
	}

	running, queued := aggregate(jobStats)

	sorted := make([]catalog.SiteSpec, len(sites))
	copy(sorted, sites)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	seen := map[string]bool{}
	for _, s := range sorted {
		name := s.UnifiedName
		if name == "" {
			name = s.Name
		}
		if seen[name] {
			continue
		}
		seen[name] = true

		nRunning := running[name]
		nQueue := queued[name]
		threshold := float64(minThreshold)
		if t := 2 * float64(nRunning); t > threshold {
			threshold = t
		}

		if s.Status != "online" || float64(nQueue) > busyQueueRatio*threshold {
			busy[name] = s
		}

		rate, hasRate := ttr[name]
		isAvailable := s.Status == "online" &&
			s.RunsProduction &&
			(s.MinRSS == nil || *s.MinRSS == 0) &&
			hasRate && rate >= minToRunRate &&
			float64(nQueue) < availableQueueRatio*threshold
		if isAvailable {
			available[name] = s
		}
	}

	return available, busy
}

// aggregate sums per-site running/queued counts across all global
// shares, since the available/busy predicates operate per site
// regardless of which share a job belongs to.
func aggregate(stats taskbuffer.JobStatsByShare) (running, queued map[string]int) {
	running = map[string]int{}
	queued = map[string]int{}

	for _, perSite := range stats {
		for site, perStatus := range perSite {
			running[site] += perStatus["running"]
			queued[site] += perStatus["activated"] + perStatus["starting"]
		}
	}
	return running, queued
}
