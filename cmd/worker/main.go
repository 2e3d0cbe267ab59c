package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/dlq"
	"github.com/ignite/outreach-engine/internal/intake"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/distlock"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
	"github.com/ignite/outreach-engine/internal/scheduler"
	"github.com/ignite/outreach-engine/internal/store"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const (
	sweepLockTTL      = 2 * time.Minute
	heartbeatInterval = 30 * time.Second
)

// guardedSweep runs sweep on a ticker, but only while holding the named
// distributed lock. Replicas that lose the race skip the tick; the queues
// are shared, so somebody always makes progress.
func guardedSweep(ctx context.Context, wg *sync.WaitGroup, lock distlock.DistLock, name string, interval time.Duration, ran *int64, sweep func(context.Context, time.Time) error) {
	defer wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := lock.Acquire(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Worker] %s lock: %v", name, err)
				}
				continue
			}
			if !held {
				continue
			}
			if err := sweep(ctx, time.Now()); err != nil && ctx.Err() == nil {
				log.Printf("[Worker] %s sweep failed: %v", name, err)
			}
			atomic.AddInt64(ran, 1)
			if err := lock.Release(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[Worker] %s unlock: %v", name, err)
			}
		}
	}
}

func main() {
	log.Println("Starting Outreach Engine Worker...")

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg, err := config.LoadFromEnv(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	// Database connection
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}
	log.Println("Connected to database")

	// Redis is required for dispatch idempotency and the orphan queue. When
	// it is unreachable at boot the sweep locks fall back to PG advisory
	// locks and the scheduler defers sends until Redis returns.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	var lockRedis *redis.Client
	pingCtx, pingCancel = context.WithTimeout(context.Background(), 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Printf("Warning: Redis ping failed (%s): %v — falling back to PG advisory locks", cfg.Redis.Addr, err)
	} else {
		lockRedis = rdb
		log.Printf("Redis connected: %s (distributed locking enabled)", cfg.Redis.Addr)
	}

	st := store.New(db)
	m := metrics.New()

	// Optional scrape endpoint; heartbeats cover the admin view either way.
	if addr := os.Getenv("WORKER_METRICS_ADDR"); addr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", m.Handler())
			log.Printf("Metrics listening on %s", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Warning: metrics listener failed: %v", err)
			}
		}()
	}

	stack := resilience.NewStack(cfg.Resilience, func(prov string, _, to gobreaker.State) {
		m.SetBreakerState(prov, to.String())
	})
	registry, err := provider.Build(cfg.Providers, stack)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}
	log.Printf("Providers registered: %v", registry.IDs())

	orphanQueue := intake.NewOrphanQueue(rdb, cfg.Intake)
	pipeline := intake.NewPipeline(st, registry, orphanQueue, m, cfg.Intake)
	dlqService := dlq.NewService(st, pipeline, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Enrollment progression. Safe to run in every replica: claims use
	// SKIP LOCKED and dispatches carry an idempotency guard.
	schedWorker := scheduler.NewWorker(st, registry, stack, rdb, m, cfg.Scheduler, cfg.LinkedIn)
	if err := schedWorker.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	log.Println("Scheduler started")

	// Retry sweeps run under a distributed lock so one replica at a time
	// drains each queue. The workers' own tick loops stay off here; this
	// binary drives Sweep directly.
	orphanWorker := intake.NewOrphanWorker(orphanQueue, pipeline, st, m, cfg.Intake)
	dlqWorker := dlq.NewWorker(st, dlqService, m, cfg.Resilience)

	var (
		wg           sync.WaitGroup
		orphanSweeps int64
		dlqSweeps    int64
	)
	wg.Add(2)
	go guardedSweep(ctx, &wg, distlock.NewLock(lockRedis, db, "sweep:orphan", sweepLockTTL),
		"orphan", time.Duration(cfg.Intake.OrphanSweepSeconds)*time.Second, &orphanSweeps, orphanWorker.Sweep)
	go guardedSweep(ctx, &wg, distlock.NewLock(lockRedis, db, "sweep:dlq", sweepLockTTL),
		"dlq", time.Duration(cfg.Resilience.DLQSweepSeconds)*time.Second, &dlqSweeps, dlqWorker.Sweep)
	log.Println("Retry sweeps started (orphan queue, dead letter queue)")

	// Heartbeat so the admin workers view sees this process across hosts.
	workerID := "sweeper-" + uuid.New().String()[:8]
	hostname, _ := os.Hostname()
	beat := func() {
		hbCtx, hbCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer hbCancel()
		hb := &store.WorkerHeartbeat{
			WorkerID:   workerID,
			WorkerType: "sweeper",
			Hostname:   hostname,
			Stats: map[string]int64{
				"orphan_sweeps": atomic.LoadInt64(&orphanSweeps),
				"dlq_sweeps":    atomic.LoadInt64(&dlqSweeps),
			},
			LastSeenAt: time.Now(),
		}
		if err := st.UpsertHeartbeat(hbCtx, hb); err != nil {
			log.Printf("[Worker] Heartbeat failed: %v", err)
		}
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		beat()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				beat()
			}
		}
	}()

	log.Println("Worker running...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	schedWorker.Stop()
	wg.Wait()
	beat()

	log.Println("Worker stopped")
}
