// Package taskbuffer defines the contract the reconciler uses to read and
// mutate fleet workload state, and a PostgreSQL-backed implementation of it.
package taskbuffer

import "time"

// SiteSpec is the subset of the site catalog the controller reasons about.
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
	// InputDDMEndpoints maps a production scope to the RSE tokens available
	// for input staging at this site.
	InputDDMEndpoints map[string][]string
}

// LockProcessParams names the tuple an advisory process lock is keyed by.
type LockProcessParams struct {
	VO              string
	ProdSourceLabel string
	Component       string
	PID             string
	TimeLimit       time.Duration
}

// ResourceType names a fleet resource-type tag (e.g. "SCORE", "MCORE").
type ResourceType struct {
	ResourceName string
}
