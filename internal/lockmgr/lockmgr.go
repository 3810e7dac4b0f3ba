// Package lockmgr implements the advisory named lock the reconciler
// uses to coordinate critical sections across controller replicas.
package lockmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LeaseTime is the fixed lock time limit.
const LeaseTime = 2 * time.Minute

// LockManager is an advisory named lock used to serialize a critical
// section across controller replicas.
type LockManager interface {
	// Acquire returns true only if no live lease exists for this
	// prodSourceLabel under this manager's (vo, component) scope.
	Acquire(ctx context.Context, prodSourceLabel string) (bool, error)
	// Release drops the lease if and only if this process still owns
	// it. Releasing a lease this process does not own is a no-op.
	Release(ctx context.Context, prodSourceLabel string) error
}

// releaseScript deletes the key only if its stored owner_pid still
// matches this caller, closing the TOCTOU window between a plain GET
// and DEL.
var releaseScript = redis.NewScript(`
local stored = redis.call("GET", KEYS[1])
if not stored then
	return 0
end
local ok, decoded = pcall(cjson.decode, stored)
if not ok or decoded.owner_pid ~= ARGV[1] then
	return 0
end
return redis.call("DEL", KEYS[1])
`)

type leaseValue struct {
	OwnerPID   string    `json:"owner_pid"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Redis is the go-redis-backed LockManager, grounded on
// control_plane/store/redis.go's AcquireLock/ReleaseLock and
// simplified from coordination/leader.go's full lease (no fencing
// epoch; each critical section here is independently short-lived and
// idempotent, so there is no leadership term to fence).
type Redis struct {
	client *redis.Client
	vo     string
	pid    string
}

// NewRedis constructs a LockManager owned by pid, scoped to vo.
func NewRedis(client *redis.Client, vo, pid string) *Redis {
	return &Redis{client: client, vo: vo, pid: pid}
}

func (r *Redis) key(prodSourceLabel string) string {
	return fmt.Sprintf("queuefiller:lock:%s:%s:AtlasQueueFillerWatchDog.preassign", r.vo, prodSourceLabel)
}

func (r *Redis) Acquire(ctx context.Context, prodSourceLabel string) (bool, error) {
	now := time.Now().UTC()
	value := leaseValue{OwnerPID: r.pid, AcquiredAt: now, ExpiresAt: now.Add(LeaseTime)}
	encoded, err := json.Marshal(value)
	if err != nil {
		return false, err
	}

	ok, err := r.client.SetNX(ctx, r.key(prodSourceLabel), encoded, LeaseTime).Result()
	if err != nil {
		return false, fmt.Errorf("lock acquire %s: %w", prodSourceLabel, err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, prodSourceLabel string) error {
	_, err := releaseScript.Run(ctx, r.client, []string{r.key(prodSourceLabel)}, r.pid).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("lock release %s: %w", prodSourceLabel, err)
	}
	return nil
}
