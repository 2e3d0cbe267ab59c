package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ignite/outreach-engine/internal/api"
	"github.com/ignite/outreach-engine/internal/auth"
	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/dlq"
	"github.com/ignite/outreach-engine/internal/intake"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
	"github.com/ignite/outreach-engine/internal/scheduler"
	"github.com/ignite/outreach-engine/internal/store"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"
)

// checkPortAvailable verifies that the target port is not already in use.
// This prevents confusion from stale processes occupying the port.
func checkPortAvailable(host string, port int) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port %d is already in use (addr %s): %v\n"+
			"  Hint: Run 'lsof -i :%d' to find the blocking process", port, addr, err, port)
	}
	ln.Close()
	return nil
}

func main() {
	log.Println("╔════════════════════════════════════════════════════════════╗")
	log.Println("║  Outreach Engine API Server (cmd/server/main.go)           ║")
	log.Println("║  Campaign execution, event intake, and the admin plane     ║")
	log.Println("╚════════════════════════════════════════════════════════════╝")

	// Load configuration
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
	if os.Getenv("DATABASE_URL") != "" {
		log.Println("[config] DATABASE_URL env override active")
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.RedactPII != nil {
		logger.SetRedactPII(*cfg.Logging.RedactPII)
	}

	// Pre-flight check: verify the target port is available
	if err := checkPortAvailable(cfg.Server.Host, cfg.Server.Port); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}
	log.Printf("Pre-flight check passed: port %d is available", cfg.Server.Port)

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

	// Migration guard: a missing ledger means cmd/migrate never ran.
	var applied int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&applied); err != nil {
		log.Printf("Warning: schema_migrations check failed (%v) — run cmd/migrate first", err)
	} else {
		log.Printf("Schema migrations applied: %d", applied)
	}

	// Redis backs the dedup fast path, orphan queue, rate limits, and auth
	// lockouts. The engine degrades rather than dies when Redis is away, so
	// a failed ping at boot is a warning, not a fatal.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	pingCtx, pingCancel = context.WithTimeout(context.Background(), 3*time.Second)
	err = rdb.Ping(pingCtx).Err()
	pingCancel()
	if err != nil {
		log.Printf("Warning: Redis ping failed (%s): %v — dedup falls back to the DB constraint, orphan retries wait", cfg.Redis.Addr, err)
	} else {
		log.Printf("Redis connected: %s", cfg.Redis.Addr)
	}

	st := store.New(db)
	m := metrics.New()

	// Resilience stack: breakers, token buckets, bounded in-flight.
	stack := resilience.NewStack(cfg.Resilience, func(prov string, _, to gobreaker.State) {
		m.SetBreakerState(prov, to.String())
	})

	// Provider registry from config, one adapter per enabled provider.
	registry, err := provider.Build(cfg.Providers, stack)
	if err != nil {
		log.Fatalf("Failed to build provider registry: %v", err)
	}
	log.Printf("Providers registered: %v", registry.IDs())

	// Intake pipeline and its parking lot for early-arriving events.
	orphanQueue := intake.NewOrphanQueue(rdb, cfg.Intake)
	pipeline := intake.NewPipeline(st, registry, orphanQueue, m, cfg.Intake)
	dlqService := dlq.NewService(st, pipeline, m)

	authManager := auth.NewManager(st, rdb, cfg.API)
	if cfg.API.BootstrapAdminKey != "" {
		log.Println("Bootstrap admin key active — issue a stored key and unset BOOTSTRAP_ADMIN_KEY")
	}

	handlers := api.NewHandlers(st, pipeline, registry, stack, dlqService, m, rdb, cfg.Providers, cfg.Intake.MaxBodyBytes)

	// Background workers run in-process in all-in-one deployments. With
	// multiple API replicas, disable this and run cmd/worker instead; the
	// worker binary guards its sweeps with a distributed lock.
	var (
		schedWorker  *scheduler.Worker
		orphanWorker *intake.OrphanWorker
		dlqWorker    *dlq.Worker
	)
	if cfg.Scheduler.Enabled {
		schedWorker = scheduler.NewWorker(st, registry, stack, rdb, m, cfg.Scheduler, cfg.LinkedIn)
		if err := schedWorker.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		handlers.RegisterWorker("scheduler", schedWorker)

		orphanWorker = intake.NewOrphanWorker(orphanQueue, pipeline, st, m, cfg.Intake)
		if err := orphanWorker.Start(); err != nil {
			log.Fatalf("Failed to start orphan worker: %v", err)
		}
		handlers.RegisterWorker("orphan_retry", orphanWorker)

		dlqWorker = dlq.NewWorker(st, dlqService, m, cfg.Resilience)
		if err := dlqWorker.Start(); err != nil {
			log.Fatalf("Failed to start DLQ worker: %v", err)
		}
		handlers.RegisterWorker("dlq_retry", dlqWorker)

		log.Println("Background workers started in-process (scheduler, orphan retry, DLQ retry)")
	} else {
		log.Println("Background workers disabled (scheduler.enabled: false) — run cmd/worker separately")
	}

	server := api.NewServer(cfg, handlers, authManager, rdb, m)

	// Setup graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	log.Println("All services initialized — server is ready")

	<-done
	log.Println("Shutting down...")

	// Stop accepting requests first, then drain the workers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownSeconds)*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	if schedWorker != nil {
		schedWorker.Stop()
	}
	if orphanWorker != nil {
		orphanWorker.Stop()
	}
	if dlqWorker != nil {
		dlqWorker.Stop()
	}

	log.Println("Server stopped")
}
