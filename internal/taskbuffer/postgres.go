package taskbuffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements TaskBuffer against the fleet's workload database.
type Postgres struct {
	pool *pgxpool.Pool

	// to-running rate is expensive to compute and the original source
	// caches it for 10 minutes (AtlasBrokerUtils.getSiteToRunRateStats,
	// cache_lifetime=600); reproduced here rather than re-querying every
	// call site.
	ttrMu       sync.Mutex
	ttrCache    map[string]float64
	ttrCachedAt time.Time
}

const ttrCacheLifetime = 10 * time.Minute

// NewPostgres opens a pooled connection to the workload database.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) GetSiteSpecs(ctx context.Context) ([]SiteSpec, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT site_name, unified_name, status, runs_production, minrss, maxrss, core_count,
		       is_unified, capability, fairshare_policy
		FROM site_specs
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []SiteSpec
	for rows.Next() {
		var s SiteSpec
		if err := rows.Scan(&s.Name, &s.UnifiedName, &s.Status, &s.RunsProduction, &s.MinRSS, &s.MaxRSS,
			&s.CoreCount, &s.IsUnified, &s.Capability, &s.FairsharePolicy); err != nil {
			return nil, err
		}
		endpoints, err := p.loadDDMEndpoints(ctx, s.Name)
		if err != nil {
			return nil, err
		}
		s.InputDDMEndpoints = endpoints
		specs = append(specs, s)
	}
	return specs, rows.Err()
}

func (p *Postgres) loadDDMEndpoints(ctx context.Context, site string) (map[string][]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT scope, rse FROM site_ddm_endpoints_input WHERE site = $1
	`, site)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]string)
	for rows.Next() {
		var scope, rse string
		if err := rows.Scan(&scope, &rse); err != nil {
			return nil, err
		}
		out[scope] = append(out[scope], rse)
	}
	return out, rows.Err()
}

func (p *Postgres) GetJobStatisticsByGlobalShare(ctx context.Context, vo string) (bool, JobStatsByShare, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT global_share, site, status, job_count
		FROM job_stats_by_share
		WHERE vo = $1
	`, vo)
	if err != nil {
		return false, nil, err
	}
	defer rows.Close()

	stats := JobStatsByShare{}
	found := false
	for rows.Next() {
		var share, site, status string
		var count int
		if err := rows.Scan(&share, &site, &status, &count); err != nil {
			return false, nil, err
		}
		found = true
		if stats[share] == nil {
			stats[share] = map[string]map[string]int{}
		}
		if stats[share][site] == nil {
			stats[share][site] = map[string]int{}
		}
		stats[share][site][status] += count
	}
	if err := rows.Err(); err != nil {
		return false, nil, err
	}
	if !found {
		return false, nil, nil
	}
	return true, stats, nil
}

// GetSiteToRunRate returns the 10-minute-cached 24h-minus-6h to-running
// rate per site, grounded on AtlasBrokerUtils.getSiteToRunRateStats.
func (p *Postgres) GetSiteToRunRate(ctx context.Context, vo string) (map[string]float64, error) {
	p.ttrMu.Lock()
	if p.ttrCache != nil && time.Since(p.ttrCachedAt) < ttrCacheLifetime {
		cached := p.ttrCache
		p.ttrMu.Unlock()
		return cached, nil
	}
	p.ttrMu.Unlock()

	windowEnd := time.Now().UTC().Add(-6 * time.Hour)
	windowStart := windowEnd.Add(-24 * time.Hour)

	rows, err := p.pool.Query(ctx, `
		SELECT site, to_run_rate
		FROM site_to_run_rate_stats
		WHERE vo = $1 AND window_start >= $2 AND window_end <= $3
	`, vo, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := map[string]float64{}
	for rows.Next() {
		var site string
		var rate float64
		if err := rows.Scan(&site, &rate); err != nil {
			return nil, err
		}
		result[site] = rate
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	p.ttrMu.Lock()
	p.ttrCache = result
	p.ttrCachedAt = time.Now()
	p.ttrMu.Unlock()

	return result, nil
}

func (p *Postgres) LoadResourceTypes(ctx context.Context) ([]ResourceType, error) {
	rows, err := p.pool.Query(ctx, `SELECT resource_name FROM resource_types`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResourceType
	for rows.Next() {
		var rt ResourceType
		if err := rows.Scan(&rt.ResourceName); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

func (p *Postgres) GetConfigValue(ctx context.Context, section, key, realm, vo string) (string, bool, error) {
	var value string
	err := p.pool.QueryRow(ctx, `
		SELECT config_value FROM gdp_config
		WHERE section = $1 AND config_key = $2 AND realm = $3 AND vo = $4
	`, section, key, realm, vo).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (p *Postgres) LockProcess(ctx context.Context, lp LockProcessParams) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO jedi_process_locks (vo, prod_source_label, component, pid, expires_at)
		VALUES ($1, $2, $3, $4, NOW() + $5::interval)
		ON CONFLICT (vo, prod_source_label, component) DO UPDATE SET
			pid = EXCLUDED.pid, expires_at = EXCLUDED.expires_at
		WHERE jedi_process_locks.expires_at < NOW()
	`, lp.VO, lp.ProdSourceLabel, lp.Component, lp.PID, lp.TimeLimit.String())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (p *Postgres) UnlockProcess(ctx context.Context, lp LockProcessParams) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM jedi_process_locks
		WHERE vo = $1 AND prod_source_label = $2 AND component = $3 AND pid = $4
	`, lp.VO, lp.ProdSourceLabel, lp.Component, lp.PID)
	return err
}

func (p *Postgres) GetCache(ctx context.Context, mainKey, subKey string) (string, bool, error) {
	var data string
	err := p.pool.QueryRow(ctx, `
		SELECT data FROM jedi_cache WHERE main_key = $1 AND sub_key = $2
	`, mainKey, subKey).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return data, true, nil
}

func (p *Postgres) UpdateCache(ctx context.Context, mainKey, subKey, data string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO jedi_cache (main_key, sub_key, data, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (main_key, sub_key) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, mainKey, subKey, data)
	return err
}

func (p *Postgres) QuerySQL(ctx context.Context, sql string, args []any) ([][]any, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, rows.Err()
}

// QueryTasksToPreassign runs sql (expected to end in FOR UPDATE) inside a
// transaction, filters out blacklisted IDs, binds the first `limit` rows to
// site, and commits. Returns nil on any failure so callers treat it as a
// DB-failure, not an empty result.
func (p *Postgres) QueryTasksToPreassign(ctx context.Context, sql string, args []any, site string, blacklist map[int64]bool, limit int) ([]int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, nil
	}

	var candidates []int64
	for rows.Next() {
		var taskID int64
		if err := rows.Scan(&taskID); err != nil {
			rows.Close()
			return nil, nil
		}
		if blacklist[taskID] {
			continue
		}
		candidates = append(candidates, taskID)
		if len(candidates) >= limit {
			break
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil
	}

	if len(candidates) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return nil, nil
		}
		return []int64{}, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jedi_tasks SET site = $1 WHERE jedi_task_id = ANY($2)
	`, site, candidates); err != nil {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil
	}
	return candidates, nil
}

// UndoPreassignedTasks clears site on the subset of taskIDs eligible for
// release, in one transaction, returning the subset actually cleared.
func (p *Postgres) UndoPreassignedTasks(ctx context.Context, taskIDs []int64, forceUndo bool) ([]int64, error) {
	if len(taskIDs) == 0 {
		return []int64{}, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, nil
	}
	defer tx.Rollback(ctx)

	var rows pgx.Rows
	if forceUndo {
		rows, err = tx.Query(ctx, `
			UPDATE jedi_tasks SET site = NULL
			WHERE jedi_task_id = ANY($1)
			RETURNING jedi_task_id
		`, taskIDs)
	} else {
		rows, err = tx.Query(ctx, `
			UPDATE jedi_tasks SET site = NULL
			WHERE jedi_task_id = ANY($1)
			  AND site IS NOT NULL
			  AND status NOT IN ('ready', 'running', 'scouting')
			RETURNING jedi_task_id
		`, taskIDs)
	}
	if err != nil {
		return nil, nil
	}

	var undone []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, nil
		}
		undone = append(undone, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil
	}
	if undone == nil {
		undone = []int64{}
	}
	return undone, nil
}
