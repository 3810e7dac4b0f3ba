// Package eligibility builds the parameterized SQL that selects
// candidate tasks for a (site, resourceType, prodSourceLabel) triple.
package eligibility

import (
	"fmt"
	"strings"
)

// LockMode selects whether the built query takes a row lock. The real
// preassign path uses LockForUpdate; the dry-run path uses LockNone.
// Both share the same predicate list.
type LockMode int

const (
	LockNone LockMode = iota
	LockForUpdate
)

// Params names every input the nine eligibility predicates consult.
type Params struct {
	Site            string
	ResourceType    string
	ProdSourceLabel string

	// MaxMemPerCore is (maxrss(S) or 999999) / coreCount(S), precomputed
	// by the caller since it depends only on the site spec.
	MaxMemPerCore float64

	// AllowedCores is {1, coreCount(S)} for unified/ucore sites,
	// {coreCount(S)} for mcore, {1} otherwise; precomputed by the
	// caller from the site spec's capability/is_unified fields.
	AllowedCores []int

	// RSEs is siteRseMap(L)[S], the RSE tokens that satisfy the
	// input-locality predicate for this site under this label.
	RSEs []string

	// RequireSimul is true when the site's fairsharePolicy is set
	// (not null, not literal "NULL"), forcing processingType='simul'.
	RequireSimul bool

	MinFilesReady     int
	MinFilesRemaining int
}

// Build returns the SQL and its positional arguments for p under lock,
// applying every eligibility predicate and ordering candidates by
// descending currentPriority.
func Build(p Params, lock LockMode) (string, []any) {
	var b strings.Builder
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	b.WriteString(`SELECT t.jedi_task_id FROM jedi_tasks t WHERE `)
	b.WriteString("t.status IN ('ready','running','scouting') ")
	b.WriteString("AND t.locked_by IS NULL ")
	b.WriteString(fmt.Sprintf("AND t.prod_source_label = %s AND t.resource_type = %s ", arg(p.ProdSourceLabel), arg(p.ResourceType)))
	b.WriteString("AND t.site IS NULL ")
	b.WriteString(fmt.Sprintf("AND t.ram_count < %s * t.core_count ", arg(p.MaxMemPerCore)))
	b.WriteString(fmt.Sprintf("AND t.core_count = ANY(%s) ", arg(p.AllowedCores)))
	b.WriteString(fmt.Sprintf(`AND EXISTS (
		SELECT 1 FROM jedi_dataset_locality dl
		WHERE dl.jedi_task_id = t.jedi_task_id AND dl.rse = ANY(%s)
	) `, arg(p.RSEs)))

	if p.RequireSimul {
		b.WriteString("AND t.processing_type = 'simul' ")
	}

	b.WriteString(fmt.Sprintf(`AND EXISTS (
		SELECT 1 FROM jedi_datasets d
		WHERE d.jedi_task_id = t.jedi_task_id AND d.type = 'input'
		  AND (d.n_files_to_be_used - d.n_files_used) >= %s
		  AND d.n_files_to_be_used >= %s
	) `, arg(p.MinFilesReady), arg(p.MinFilesRemaining)))

	b.WriteString("ORDER BY t.current_priority DESC")

	if lock == LockForUpdate {
		b.WriteString(" FOR UPDATE")
	}

	return b.String(), args
}
