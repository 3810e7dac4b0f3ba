// Command queuefiller runs the queue-filler task preassignment
// controller: a periodic undo-then-assign reconciliation loop against
// a shared workload database and site catalog.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/virthead/panda-jedi/internal/audit"
	"github.com/virthead/panda-jedi/internal/cache"
	"github.com/virthead/panda-jedi/internal/catalog"
	"github.com/virthead/panda-jedi/internal/fleetstats"
	"github.com/virthead/panda-jedi/internal/lockmgr"
	"github.com/virthead/panda-jedi/internal/reconciler"
	"github.com/virthead/panda-jedi/internal/taskbuffer"
)

// processID builds the "<short-hostname>-<os-pid>-dog" lock owner tag,
// matching socket.getfqdn().split('.')[0] exactly.
func processID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	shortHost := strings.SplitN(hostname, ".", 2)[0]
	return fmt.Sprintf("%s-%d-dog", shortHost, os.Getpid())
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("queuefiller: invalid duration for %s=%q, using default %s", key, v, def)
		return def
	}
	return parsed
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pid := processID()
	log.Printf("queuefiller: starting as %s", pid)

	dsn := envOrDefault("QUEUEFILLER_DB_DSN", "postgres://localhost:5432/panda?sslmode=disable")
	redisAddr := envOrDefault("QUEUEFILLER_REDIS_ADDR", "localhost:6379")
	vo := envOrDefault("QUEUEFILLER_VO", "atlas")
	labelsRaw := envOrDefault("QUEUEFILLER_PROD_SOURCE_LABELS", "managed,test")
	dryRun := envBool("QUEUEFILLER_DRY_RUN", false)
	tickInterval := envDuration("QUEUEFILLER_TICK_INTERVAL", 5*time.Minute)

	var labels []string
	for _, l := range strings.Split(labelsRaw, ",") {
		l = strings.TrimSpace(l)
		if l != "" {
			labels = append(labels, l)
		}
	}

	tb, err := taskbuffer.NewPostgres(ctx, dsn)
	if err != nil {
		log.Fatalf("queuefiller: connect postgres: %v", err)
	}
	defer tb.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("queuefiller: connect redis: %v", err)
	}

	cat := catalog.NewView(tb)
	probe := fleetstats.NewProbe(10)
	cacheStore := cache.NewRedis(redisClient, vo)
	lock := lockmgr.NewRedis(redisClient, vo, pid)
	auditLogger := audit.New()

	cfg := reconciler.Config{
		VO:               vo,
		ProdSourceLabels: labels,
		DryRun:           dryRun,
		LockRetryRate:    1,
		LockRetryBurst:   2,
	}
	rec := reconciler.New(cfg, tb, cat, probe, cacheStore, lock, auditLogger)

	log.Printf("queuefiller: vo=%s labels=%v dry_run=%v tick_interval=%s", vo, labels, dryRun, tickInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	if err := rec.Tick(ctx); err != nil {
		log.Printf("queuefiller: initial tick error: %v", err)
	}

	for {
		select {
		case <-ticker.C:
			if err := rec.Tick(ctx); err != nil {
				log.Printf("queuefiller: tick error: %v", err)
			}
		case sig := <-sigCh:
			log.Printf("queuefiller: received %s, shutting down", sig)
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}
