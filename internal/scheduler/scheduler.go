// Package scheduler advances active enrollments through their campaign
// sequences. A worker claims due enrollments with SKIP LOCKED, resolves
// the next template step, dispatches it through the provider registry
// behind the resilience stack, and records the outcome in a single
// transaction. A Redis idempotency guard plus the authoritative sent
// event keep a step from going out twice across crashes and claim
// timeouts.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/resilience"
	"github.com/ignite/outreach-engine/internal/store"
)

const (
	heartbeatInterval = 30 * time.Second
	drainTimeout      = 30 * time.Second

	// enrollmentTimeout bounds one enrollment's processing. Pausing an
	// instance or stopping the worker never cancels a dispatch already
	// in flight; this is the only thing that does.
	enrollmentTimeout = 2 * time.Minute

	// idempotencyTTL keeps a dispatch guard alive long past any
	// plausible in-flight window.
	idempotencyTTL = 24 * time.Hour

	// inFlightRetryDelay re-checks an enrollment whose idempotency key
	// is held by another dispatch that has not committed yet.
	inFlightRetryDelay = time.Minute

	// stepFailureBase seeds the per-step retry backoff; the store
	// doubles it per accumulated failure.
	stepFailureBase = 5 * time.Minute

	// videoRenderPollAfter is the fallback poll delay for a parked video
	// step whose completion webhook never arrives.
	videoRenderPollAfter = 24 * time.Hour
	videoPollEvery       = 6 * time.Hour
	videoFailRetry       = 15 * time.Minute

	idempotencyPrefix = "send:idemp:"
)

// Worker drives enrollment progression on a tick loop. Multiple workers
// can run against the same database; SKIP LOCKED claims keep them from
// processing the same enrollment.
type Worker struct {
	store     *store.Store
	registry  *provider.Registry
	stack     *resilience.Stack
	rdb       *redis.Client
	metrics   *metrics.Metrics
	cfg       config.SchedulerConfig
	caps      config.LinkedInConfig
	templates *templateCache

	workerID string
	hostname string

	totalClaimed    int64
	totalDispatched int64
	totalDeferred   int64
	totalCompleted  int64
	totalFailed     int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	now func() time.Time
}

// Stats summarizes one scheduling pass.
type Stats struct {
	Claimed    int
	Dispatched int
	Deferred   int
	Completed  int
	Failed     int
	Skipped    int
}

func (s *Stats) count(out outcome) {
	switch out {
	case outcomeDispatched:
		s.Dispatched++
	case outcomeDeferred:
		s.Deferred++
	case outcomeCompleted:
		s.Completed++
	case outcomeFailed:
		s.Failed++
	default:
		s.Skipped++
	}
}

func NewWorker(st *store.Store, reg *provider.Registry, stack *resilience.Stack, rdb *redis.Client, m *metrics.Metrics, cfg config.SchedulerConfig, caps config.LinkedInConfig) *Worker {
	host, _ := os.Hostname()
	return &Worker{
		store:     st,
		registry:  reg,
		stack:     stack,
		rdb:       rdb,
		metrics:   m,
		cfg:       cfg,
		caps:      caps,
		templates: newTemplateCache(st),
		workerID:  "scheduler-" + uuid.New().String()[:8],
		hostname:  host,
		now:       time.Now,
	}
}

// Start launches the tick and heartbeat loops.
func (w *Worker) Start() error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.mu.Unlock()

	log.Printf("[Scheduler] Starting worker %s (tick: %s, batch: %d, concurrency: %d)",
		w.workerID, w.cfg.TickInterval(), w.cfg.BatchSize, w.concurrency())

	w.wg.Add(2)
	go w.tickLoop()
	go w.heartbeatLoop()
	return nil
}

// Stop cancels the loops and waits for in-flight enrollments to drain.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	log.Println("[Scheduler] Stopping...")

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("[Scheduler] All goroutines stopped cleanly")
	case <-time.After(drainTimeout):
		log.Println("[Scheduler] Shutdown timeout; abandoning in-flight work")
	}

	w.beat()
	log.Printf("[Scheduler] Stopped. Dispatched: %d, Deferred: %d, Failed: %d, Completed: %d",
		atomic.LoadInt64(&w.totalDispatched), atomic.LoadInt64(&w.totalDeferred),
		atomic.LoadInt64(&w.totalFailed), atomic.LoadInt64(&w.totalCompleted))
}

func (w *Worker) tickLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.TickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RunOnce(w.ctx, w.now()); err != nil && w.ctx.Err() == nil {
				log.Printf("[Scheduler] Pass failed: %v", err)
			}
		}
	}
}

// RunOnce claims one batch of due enrollments and processes them with
// bounded concurrency. It returns once every claimed enrollment has been
// dispatched, deferred, or released.
func (w *Worker) RunOnce(ctx context.Context, now time.Time) (Stats, error) {
	w.metrics.SchedulerTicks.Inc()

	claimed, err := w.store.ClaimDueEnrollments(ctx, w.workerID, w.cfg.BatchSize, w.claimTimeout(), now)
	if err != nil {
		return Stats{}, fmt.Errorf("claim due enrollments: %w", err)
	}
	stats := Stats{Claimed: len(claimed)}
	if len(claimed) == 0 {
		return stats, nil
	}
	w.metrics.SchedulerClaims.Add(float64(len(claimed)))
	atomic.AddInt64(&w.totalClaimed, int64(len(claimed)))

	sem := semaphore.NewWeighted(int64(w.concurrency()))
	var (
		statsMu sync.Mutex
		wg      sync.WaitGroup
	)
	for _, e := range claimed {
		if err := sem.Acquire(ctx, 1); err != nil {
			w.release(ctx, e.ID)
			statsMu.Lock()
			stats.Skipped++
			statsMu.Unlock()
			continue
		}
		wg.Add(1)
		go func(e *domain.Enrollment) {
			defer wg.Done()
			defer sem.Release(1)
			out := w.process(ctx, e, now)
			w.tally(out)
			statsMu.Lock()
			stats.count(out)
			statsMu.Unlock()
		}(e)
	}
	wg.Wait()
	return stats, nil
}

func (w *Worker) tally(out outcome) {
	switch out {
	case outcomeDispatched:
		atomic.AddInt64(&w.totalDispatched, 1)
	case outcomeDeferred:
		atomic.AddInt64(&w.totalDeferred, 1)
	case outcomeCompleted:
		atomic.AddInt64(&w.totalCompleted, 1)
	case outcomeFailed:
		atomic.AddInt64(&w.totalFailed, 1)
	}
}

func (w *Worker) heartbeatLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	w.beat()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.beat()
		}
	}
}

func (w *Worker) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hb := &store.WorkerHeartbeat{
		WorkerID:   w.workerID,
		WorkerType: "scheduler",
		Hostname:   w.hostname,
		Stats:      w.statCounts(),
		LastSeenAt: w.now(),
	}
	if err := w.store.UpsertHeartbeat(ctx, hb); err != nil {
		log.Printf("[Scheduler] Heartbeat failed: %v", err)
	}
}

func (w *Worker) statCounts() map[string]int64 {
	return map[string]int64{
		"claimed":    atomic.LoadInt64(&w.totalClaimed),
		"dispatched": atomic.LoadInt64(&w.totalDispatched),
		"deferred":   atomic.LoadInt64(&w.totalDeferred),
		"completed":  atomic.LoadInt64(&w.totalCompleted),
		"failed":     atomic.LoadInt64(&w.totalFailed),
	}
}

// WorkerID identifies this worker in claims and heartbeats.
func (w *Worker) WorkerID() string { return w.workerID }

// Stats reports worker counters for the admin workers view.
func (w *Worker) Stats() map[string]any {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return map[string]any{
		"running":    running,
		"claimed":    atomic.LoadInt64(&w.totalClaimed),
		"dispatched": atomic.LoadInt64(&w.totalDispatched),
		"deferred":   atomic.LoadInt64(&w.totalDeferred),
		"completed":  atomic.LoadInt64(&w.totalCompleted),
		"failed":     atomic.LoadInt64(&w.totalFailed),
	}
}

func (w *Worker) concurrency() int {
	if w.cfg.Concurrency > 0 {
		return w.cfg.Concurrency
	}
	return 8
}

func (w *Worker) claimTimeout() time.Duration {
	if w.cfg.ClaimTimeoutMinutes > 0 {
		return time.Duration(w.cfg.ClaimTimeoutMinutes) * time.Minute
	}
	return 10 * time.Minute
}

// templateCache memoizes templates for the worker's lifetime; a template
// is immutable once an instance of it starts.
type templateCache struct {
	store *store.Store
	mu    sync.RWMutex
	byID  map[string]*domain.CampaignTemplate
}

func newTemplateCache(st *store.Store) *templateCache {
	return &templateCache{store: st, byID: make(map[string]*domain.CampaignTemplate)}
}

func (c *templateCache) get(ctx context.Context, id string) (*domain.CampaignTemplate, error) {
	c.mu.RLock()
	t, ok := c.byID[id]
	c.mu.RUnlock()
	if ok {
		return t, nil
	}

	t, err := c.store.GetTemplate(ctx, id)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.byID[id] = t
	c.mu.Unlock()
	return t, nil
}
