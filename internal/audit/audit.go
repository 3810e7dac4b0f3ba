// Package audit emits the controller's structured per-task decision
// log and registers the in-process Prometheus counters that mirror
// it. It never starts an HTTP listener; nothing in this controller
// serves /metrics over the wire.
package audit

import (
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	preassignedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefiller_preassigned_tasks_total",
		Help: "Total number of tasks preassigned to a site.",
	}, []string{"site", "resource_type"})

	undoneTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefiller_undone_tasks_total",
		Help: "Total number of tasks un-preassigned, by reason.",
	}, []string{"site", "resource_type", "reason"})

	lockContentionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queuefiller_lock_contention_total",
		Help: "Total number of lock acquisition attempts that found a live lease held by another process.",
	}, []string{"prod_source_label"})

	blacklistSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queuefiller_blacklist_size",
		Help: "Number of task IDs currently held in the blacklist.",
	}, []string{"vo"})
)

// Logger emits one-line-per-task audit records and drives the
// counters above. It wraps the standard logger the way
// streaming.LogPublisher.Publish does: format, print one line.
type Logger struct {
	logger *log.Logger
}

// New returns a Logger writing to the default std logger.
func New() *Logger {
	return &Logger{logger: log.Default()}
}

// Preassign logs one #ATM #KV line per task ID.
func (a *Logger) Preassign(taskIDs []int64, site, resourceType string) {
	for _, id := range taskIDs {
		a.logger.Printf("#ATM #KV jediTaskID=%d action=do_preassign site=%s rtype=%s preassigned", id, site, resourceType)
	}
	preassignedTotal.WithLabelValues(site, resourceType).Add(float64(len(taskIDs)))
}

// Undo logs one #ATM #KV line per task ID. reason names the
// force/non-force case; the "un-preassinged" spelling is preserved
// verbatim from the original log line.
func (a *Logger) Undo(taskIDs []int64, site, resourceType, reason string) {
	for _, id := range taskIDs {
		a.logger.Printf("#ATM #KV jediTaskID=%d action=undo_preassign site=%s rtype=%s un-preassinged since %s", id, site, resourceType, reason)
	}
	undoneTotal.WithLabelValues(site, resourceType, reason).Add(float64(len(taskIDs)))
}

// LockContention records a failed (contended) acquire attempt for
// prodSourceLabel.
func (a *Logger) LockContention(prodSourceLabel string) {
	lockContentionTotal.WithLabelValues(prodSourceLabel).Inc()
}

// SetBlacklistSize records the current blacklist cardinality for vo.
func (a *Logger) SetBlacklistSize(vo string, size int) {
	blacklistSize.WithLabelValues(vo).Set(float64(size))
}
