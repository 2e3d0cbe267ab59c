package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/domain"
	"github.com/ignite/outreach-engine/internal/metrics"
	"github.com/ignite/outreach-engine/internal/normalize"
	"github.com/ignite/outreach-engine/internal/provider"
	"github.com/ignite/outreach-engine/internal/store"
)

const orphanKey = "orphan:retry"

// orphanEntry is the sorted-set member: the parsed event plus retry
// bookkeeping. The score is the next attempt's unix time.
type orphanEntry struct {
	ID        string            `json:"id"`
	Event     provider.RawEvent `json:"event"`
	Attempts  int               `json:"attempts"`
	FirstSeen time.Time         `json:"first_seen"`
}

// OrphanQueue parks events that arrived before their enrollment was
// visible. Retries back off exponentially; entries that never resolve
// end up in the dead-letter queue.
type OrphanQueue struct {
	rdb         *redis.Client
	maxAttempts int
	baseDelay   time.Duration
	capDelay    time.Duration
}

func NewOrphanQueue(rdb *redis.Client, cfg config.IntakeConfig) *OrphanQueue {
	return &OrphanQueue{
		rdb:         rdb,
		maxAttempts: cfg.OrphanMaxAttempts,
		baseDelay:   time.Duration(cfg.OrphanBaseSeconds) * time.Second,
		capDelay:    time.Duration(cfg.OrphanCapSeconds) * time.Second,
	}
}

// Enqueue parks an event for its first retry.
func (q *OrphanQueue) Enqueue(ctx context.Context, ev provider.RawEvent, now time.Time) error {
	entry := orphanEntry{
		ID:        uuid.New().String(),
		Event:     ev,
		FirstSeen: now.UTC(),
	}
	return q.add(ctx, entry, now.Add(q.backoff(0)))
}

// Reschedule re-parks an entry whose enrollment still has not appeared.
// The caller bumps Attempts first.
func (q *OrphanQueue) Reschedule(ctx context.Context, entry orphanEntry, now time.Time) error {
	return q.add(ctx, entry, now.Add(q.backoff(entry.Attempts)))
}

// Exhausted reports whether the entry has burned through its retries.
func (q *OrphanQueue) Exhausted(entry orphanEntry) bool {
	return entry.Attempts >= q.maxAttempts
}

// Due claims entries whose retry time has passed. Claimed entries are
// removed from the set; the caller re-adds anything that should wait
// again. ZREM arbitrates between concurrent sweepers.
func (q *OrphanQueue) Due(ctx context.Context, now time.Time, limit int) ([]orphanEntry, error) {
	members, err := q.rdb.ZRangeByScore(ctx, orphanKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("orphan range: %w", err)
	}

	out := make([]orphanEntry, 0, len(members))
	for _, m := range members {
		removed, err := q.rdb.ZRem(ctx, orphanKey, m).Result()
		if err != nil {
			return out, fmt.Errorf("orphan claim: %w", err)
		}
		if removed == 0 {
			continue
		}
		var entry orphanEntry
		if err := json.Unmarshal([]byte(m), &entry); err != nil {
			log.Printf("[OrphanQueue] Dropping unreadable entry: %v", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Depth reports the number of parked events.
func (q *OrphanQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, orphanKey).Result()
}

func (q *OrphanQueue) add(ctx context.Context, entry orphanEntry, due time.Time) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("orphan encode: %w", err)
	}
	return q.rdb.ZAdd(ctx, orphanKey, redis.Z{
		Score:  float64(due.Unix()),
		Member: string(raw),
	}).Err()
}

// backoff doubles from the base delay per attempt, capped.
func (q *OrphanQueue) backoff(attempts int) time.Duration {
	d := q.baseDelay
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= q.capDelay {
			return q.capDelay
		}
	}
	if d > q.capDelay {
		return q.capDelay
	}
	return d
}

// OrphanWorker periodically re-runs parked events through the pipeline.
// Most orphans resolve on the first retry: the usual cause is a webhook
// racing the dispatch transaction that stamps the provider ref.
type OrphanWorker struct {
	queue    *OrphanQueue
	pipeline *Pipeline
	store    *store.Store
	metrics  *metrics.Metrics
	interval time.Duration
	batch    int

	processed    int64
	resolved     int64
	requeued     int64
	deadLettered int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewOrphanWorker(queue *OrphanQueue, pipeline *Pipeline, st *store.Store, m *metrics.Metrics, cfg config.IntakeConfig) *OrphanWorker {
	return &OrphanWorker{
		queue:    queue,
		pipeline: pipeline,
		store:    st,
		metrics:  m,
		interval: time.Duration(cfg.OrphanSweepSeconds) * time.Second,
		batch:    100,
	}
}

func (w *OrphanWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("orphan worker already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	w.wg.Add(1)
	go w.loop(ctx)
	log.Printf("[OrphanWorker] Started (interval: %s, batch: %d)", w.interval, w.batch)
	return nil
}

func (w *OrphanWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	log.Printf("[OrphanWorker] Stopped (processed: %d, resolved: %d, dead-lettered: %d)",
		atomic.LoadInt64(&w.processed), atomic.LoadInt64(&w.resolved), atomic.LoadInt64(&w.deadLettered))
}

func (w *OrphanWorker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx, time.Now()); err != nil {
				log.Printf("[OrphanWorker] Sweep failed: %v", err)
			}
		}
	}
}

// Sweep drains one batch of due entries. Exported so the worker binary
// can run it under a distributed lock.
func (w *OrphanWorker) Sweep(ctx context.Context, now time.Time) error {
	entries, err := w.queue.Due(ctx, now, w.batch)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		atomic.AddInt64(&w.processed, 1)
		w.retryOne(ctx, entry, now)
	}
	if depth, err := w.queue.Depth(ctx); err == nil {
		w.metrics.OrphanQueueDepth.Set(float64(depth))
	}
	return nil
}

func (w *OrphanWorker) retryOne(ctx context.Context, entry orphanEntry, now time.Time) {
	res, err := w.pipeline.resolve(ctx, entry.Event)
	switch {
	case err != nil:
		// Infrastructure trouble, not a correlation miss: retry later
		// without burning an attempt.
		if qErr := w.queue.Reschedule(ctx, entry, now); qErr != nil {
			log.Printf("[OrphanWorker] Requeue failed for %s: %v", entry.ID, qErr)
		}
		atomic.AddInt64(&w.requeued, 1)
	case res.Outcome == normalize.OutcomeOK:
		atomic.AddInt64(&w.resolved, 1)
	case res.Outcome == normalize.OutcomeUnmappable:
		w.deadLetter(ctx, entry, res.Reason)
	default:
		entry.Attempts++
		if w.queue.Exhausted(entry) {
			w.deadLetter(ctx, entry, "orphaned: no matching enrollment")
			return
		}
		if err := w.queue.Reschedule(ctx, entry, now); err != nil {
			log.Printf("[OrphanWorker] Requeue failed for %s: %v", entry.ID, err)
			return
		}
		atomic.AddInt64(&w.requeued, 1)
	}
}

func (w *OrphanWorker) deadLetter(ctx context.Context, entry orphanEntry, reason string) {
	// The envelope keeps the parsed event replayable without re-parsing
	// a body we no longer have.
	payload, err := json.Marshal(replayEnvelope{ParsedEvent: &entry.Event})
	if err != nil {
		log.Printf("[OrphanWorker] Encode failed for %s: %v", entry.ID, err)
		return
	}
	dl := &domain.DeadLetterEvent{
		Source:        domain.DeadLetterWebhook,
		Provider:      entry.Event.Provider,
		Payload:       payload,
		FailureReason: reason,
		AttemptCount:  entry.Attempts,
		Status:        domain.DeadLetterFailed,
	}
	if err := w.store.InsertDeadLetter(ctx, dl); err != nil {
		log.Printf("[OrphanWorker] Dead-letter insert failed for %s: %v", entry.ID, err)
		return
	}
	atomic.AddInt64(&w.deadLettered, 1)
	w.metrics.EventsDeadLettered.WithLabelValues(string(domain.DeadLetterWebhook)).Inc()
	log.Printf("[OrphanWorker] Gave up on %s after %d attempts: %s", entry.ID, entry.Attempts, reason)
}

// Stats reports worker counters for the admin surface.
func (w *OrphanWorker) Stats() map[string]any {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return map[string]any{
		"running":       running,
		"processed":     atomic.LoadInt64(&w.processed),
		"resolved":      atomic.LoadInt64(&w.resolved),
		"requeued":      atomic.LoadInt64(&w.requeued),
		"dead_lettered": atomic.LoadInt64(&w.deadLettered),
	}
}
