// Package catalog provides a read-only view over the fleet's site
// metadata, refreshed on demand from a taskbuffer.TaskBuffer.
package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

// SiteSpec is the subset of site metadata the controller reasons about.
type SiteSpec struct {
	Name            string
	UnifiedName     string
	Status          string
	RunsProduction  bool
	MinRSS          *int
	MaxRSS          *int
	CoreCount       int
	IsUnified       bool
	Capability      string
	FairsharePolicy *string
}

// Catalog is a refreshable, read-only view over the site catalog.
type Catalog interface {
	// Refresh re-pulls the site catalog from its backing store. Callers
	// invoke this at the start of each reconciliation phase rather than
	// relying on a cached snapshot, mirroring refresh() being called at
	// the top of both do_preassign and undo_preassign.
	Refresh(ctx context.Context) error

	AllSites(ctx context.Context) ([]string, error)
	SiteSpec(ctx context.Context, name string) (*SiteSpec, error)

	// SiteRSEMap returns, for sites that run prodSourceLabel and have at
	// least one input DDM endpoint RSE for it, the set of RSEs that can
	// serve as an input locality match. Sites sharing a unified name
	// collapse to a single entry, first-wins by ascending pseudo-site
	// name.
	SiteRSEMap(ctx context.Context, prodSourceLabel string) (map[string][]string, error)
}

// View is the TaskBuffer-backed Catalog implementation.
type View struct {
	tb taskbuffer.TaskBuffer

	mu       sync.RWMutex
	sites    map[string]SiteSpec   // pseudo-site name -> spec
	endpoint map[string]map[string][]string // pseudo-site name -> scope -> rses
}

// NewView constructs a Catalog backed by tb. Refresh must be called
// before the view returns usable data.
func NewView(tb taskbuffer.TaskBuffer) *View {
	return &View{tb: tb}
}

func (v *View) Refresh(ctx context.Context) error {
	specs, err := v.tb.GetSiteSpecs(ctx)
	if err != nil {
		return fmt.Errorf("catalog refresh: %w", err)
	}

	sites := make(map[string]SiteSpec, len(specs))
	endpoints := make(map[string]map[string][]string, len(specs))
	for _, s := range specs {
		sites[s.Name] = SiteSpec{
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
		endpoints[s.Name] = s.InputDDMEndpoints
	}

	v.mu.Lock()
	v.sites = sites
	v.endpoint = endpoints
	v.mu.Unlock()
	return nil
}

func (v *View) AllSites(_ context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.sites))
	for name := range v.sites {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (v *View) SiteSpec(_ context.Context, name string) (*SiteSpec, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	s, ok := v.sites[name]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (v *View) SiteRSEMap(_ context.Context, prodSourceLabel string) (map[string][]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	names := make([]string, 0, len(v.sites))
	for name := range v.sites {
		names = append(names, name)
	}
	sort.Strings(names)

	scope := scopeForLabel(prodSourceLabel)
	result := make(map[string][]string)
	seenUnified := make(map[string]bool)

	for _, name := range names {
		spec := v.sites[name]
		if !spec.RunsProduction {
			continue
		}
		rses := v.endpoint[name][scope]
		if len(rses) == 0 {
			continue
		}

		key := spec.UnifiedName
		if key == "" {
			key = spec.Name
		}
		if seenUnified[key] {
			continue
		}
		seenUnified[key] = true
		result[key] = rses
	}
	return result, nil
}

// scopeForLabel maps a prodSourceLabel to the DDM scope prefix used to
// look up input endpoints, mirroring get_site_rse_map()'s scope derivation.
func scopeForLabel(prodSourceLabel string) string {
	if strings.HasPrefix(prodSourceLabel, "test") {
		return "test"
	}
	return "mc"
}
