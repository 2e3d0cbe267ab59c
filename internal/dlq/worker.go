package dlq

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/store"
)

const (
	retryBase = time.Minute
	retryCap  = time.Hour
)

// Worker retries auto-retryable dead letters on a schedule. Only entries
// written with a next_attempt_at ever become due; send-source entries
// never carry one and wait for an operator.
type Worker struct {
	store       *store.Store
	service     *Service
	metrics     *metrics.Metrics
	interval    time.Duration
	maxAttempts int
	batch       int

	processed   int64
	replayed    int64
	rescheduled int64
	exhausted   int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWorker(st *store.Store, svc *Service, m *metrics.Metrics, cfg config.ResilienceConfig) *Worker {
	return &Worker{
		store:       st,
		service:     svc,
		metrics:     m,
		interval:    time.Duration(cfg.DLQSweepSeconds) * time.Second,
		maxAttempts: cfg.DLQMaxAttempts,
		batch:       50,
	}
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("dlq worker already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop(ctx)
	log.Printf("[DLQWorker] Started (interval: %s, max attempts: %d)", w.interval, w.maxAttempts)
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[DLQWorker] Stopped (processed: %d, replayed: %d, exhausted: %d)",
		atomic.LoadInt64(&w.processed), atomic.LoadInt64(&w.replayed), atomic.LoadInt64(&w.exhausted))
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx, time.Now()); err != nil {
				log.Printf("[DLQWorker] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep replays one batch of due entries. Exported so the worker binary
// can run it under a distributed lock.
func (w *Worker) Sweep(ctx context.Context, now time.Time) error {
	due, err := w.store.DueDeadLetters(ctx, w.batch, now)
	if err != nil {
		return err
	}
	for _, d := range due {
		atomic.AddInt64(&w.processed, 1)
		w.retryOne(ctx, d, now)
	}
	w.updateDepth(ctx)
	return nil
}

func (w *Worker) retryOne(ctx context.Context, d *domain.DeadLetterEvent, now time.Time) {
	if err := w.store.MarkDeadLetterReplaying(ctx, d.ID); err != nil {
		log.Printf("[DLQWorker] Mark replaying for %s: %v", d.ID, err)
		return
	}

	err := w.service.attempt(ctx, d)
	if err == nil {
		if mErr := w.store.MarkDeadLetterReplayed(ctx, d.ID); mErr != nil {
			log.Printf("[DLQWorker] Mark replayed for %s: %v", d.ID, mErr)
			return
		}
		atomic.AddInt64(&w.replayed, 1)
		w.metrics.DLQReplays.WithLabelValues("replayed").Inc()
		return
	}

	attempts := d.AttemptCount + 1
	if attempts >= w.maxAttempts {
		if recErr := w.store.RecordDeadLetterAttempt(ctx, d.ID, nil); recErr != nil {
			log.Printf("[DLQWorker] Exhaust record for %s: %v", d.ID, recErr)
			return
		}
		atomic.AddInt64(&w.exhausted, 1)
		w.metrics.DLQReplays.WithLabelValues("exhausted").Inc()
		log.Printf("[DLQWorker] Gave up on %s after %d attempts: %v", d.ID, attempts, err)
		return
	}

	next := now.Add(w.backoff(attempts))
	if recErr := w.store.RecordDeadLetterAttempt(ctx, d.ID, &next); recErr != nil {
		log.Printf("[DLQWorker] Attempt record for %s: %v", d.ID, recErr)
		return
	}
	atomic.AddInt64(&w.rescheduled, 1)
	w.metrics.DLQReplays.WithLabelValues("rescheduled").Inc()
}

// backoff doubles from the base delay per recorded attempt, capped.
func (w *Worker) backoff(attempts int) time.Duration {
	d := retryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= retryCap {
			return retryCap
		}
	}
	return d
}

// updateDepth refreshes the depth gauge for every status so drained
// statuses fall back to zero.
func (w *Worker) updateDepth(ctx context.Context) {
	stats, err := w.store.DeadLetterStats(ctx)
	if err != nil {
		return
	}
	for _, status := range []domain.DeadLetterStatus{
		domain.DeadLetterFailed, domain.DeadLetterReplaying,
		domain.DeadLetterReplayed, domain.DeadLetterIgnored,
	} {
		w.metrics.DLQDepth.WithLabelValues(string(status)).Set(float64(stats.ByStatus[string(status)]))
	}
}

// Stats reports worker counters for the admin surface.
func (w *Worker) Stats() map[string]any {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return map[string]any{
		"running":     running,
		"processed":   atomic.LoadInt64(&w.processed),
		"replayed":    atomic.LoadInt64(&w.replayed),
		"rescheduled": atomic.LoadInt64(&w.rescheduled),
		"exhausted":   atomic.LoadInt64(&w.exhausted),
	}
}
