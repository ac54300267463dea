package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/telemetry"
)

// ErrBufferFull rejects an event when a user's buffer is at capacity.
// Backpressure is explicit: the caller learns the event was not accepted.
var ErrBufferFull = errors.New("buffer: user buffer at capacity")

// AddResult reports what happened to one ingested event.
type AddResult struct {
	Buffered   bool
	Flushed    bool // at least one full batch was classified during this call
	BufferSize int  // events remaining after the call
}

// FlushFunc consumes exactly one full batch. A nil error means the batch is
// classified and must not be re-delivered; an error means the batch stays
// buffered for retry.
type FlushFunc func(ctx context.Context, userID uuid.UUID, events []model.RawEvent) error

// Flush retry backoff. A failed batch is retried no sooner than the backoff
// allows; new events keep accumulating behind it in order.
const (
	flushBackoffBase = 30 * time.Second
	flushBackoffMax  = 5 * time.Minute
)

type userQueue struct {
	mu       sync.Mutex
	events   []model.RawEvent
	failures int
	retryAt  time.Time
}

// EventBuffer accumulates raw events per user and synchronously flushes a
// batch through FlushFunc every time batchSize events are available. Events
// are consumed exactly once: cleared only after a successful flush, retained
// in order otherwise. Partial batches never flush.
//
// Each user's queue has its own lock so one user's flush (an oracle call)
// never blocks another user's ingest.
type EventBuffer struct {
	mu        sync.RWMutex // guards the queues map only
	queues    map[uuid.UUID]*userQueue
	batchSize int
	capacity  int
	flush     FlushFunc
	logger    *slog.Logger

	flushFailures metric.Int64Counter
}

// NewEventBuffer creates a buffer that flushes batchSize events at a time
// and rejects events once a user holds capacity buffered events.
func NewEventBuffer(batchSize, capacity int, flush FlushFunc, logger *slog.Logger) *EventBuffer {
	b := &EventBuffer{
		queues:    make(map[uuid.UUID]*userQueue),
		batchSize: batchSize,
		capacity:  capacity,
		flush:     flush,
		logger:    logger,
	}

	meter := telemetry.Meter("loom/buffer")
	b.flushFailures, _ = meter.Int64Counter("loom.buffer.flush.failures",
		metric.WithDescription("Event batch flushes that failed and were retained"))
	depth, _ := meter.Int64ObservableGauge("loom.buffer.depth",
		metric.WithDescription("Total raw events buffered across all users"))
	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(b.totalDepth()))
		return nil
	}, depth)

	return b
}

func (b *EventBuffer) queue(userID uuid.UUID) *userQueue {
	b.mu.RLock()
	q := b.queues[userID]
	b.mu.RUnlock()
	if q != nil {
		return q
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if q = b.queues[userID]; q == nil {
		q = &userQueue{}
		b.queues[userID] = q
	}
	return q
}

// Add appends one event to its user's queue and flushes every full batch
// that is ready. The flush is synchronous: when Add returns with Flushed
// set, the classifier has already run.
func (b *EventBuffer) Add(ctx context.Context, event model.RawEvent) (AddResult, error) {
	q := b.queue(event.UserID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) >= b.capacity {
		return AddResult{BufferSize: len(q.events)}, ErrBufferFull
	}
	q.events = append(q.events, event)

	flushed := b.flushReady(ctx, event.UserID, q)
	return AddResult{Buffered: true, Flushed: flushed, BufferSize: len(q.events)}, nil
}

// RetryPending re-attempts flushing a user's full batches once the retry
// backoff has elapsed. The sweeper calls this so a transient oracle outage
// does not strand buffered events until the user's next activity.
func (b *EventBuffer) RetryPending(ctx context.Context, userID uuid.UUID) bool {
	b.mu.RLock()
	q := b.queues[userID]
	b.mu.RUnlock()
	if q == nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return b.flushReady(ctx, userID, q)
}

// flushReady drains as many full batches as possible. Caller holds q.mu.
func (b *EventBuffer) flushReady(ctx context.Context, userID uuid.UUID, q *userQueue) bool {
	any := false
	for len(q.events) >= b.batchSize {
		if !q.retryAt.IsZero() && time.Now().Before(q.retryAt) {
			break
		}
		batch := make([]model.RawEvent, b.batchSize)
		copy(batch, q.events[:b.batchSize])

		if err := b.flush(ctx, userID, batch); err != nil {
			q.failures++
			q.retryAt = time.Now().Add(flushBackoff(q.failures))
			b.flushFailures.Add(ctx, 1)
			b.logger.Error("buffer: flush failed, batch retained",
				"user_id", userID, "failures", q.failures, "retry_at", q.retryAt, "error", err)
			break
		}
		q.events = q.events[b.batchSize:]
		q.failures = 0
		q.retryAt = time.Time{}
		any = true
	}
	return any
}

func flushBackoff(failures int) time.Duration {
	d := flushBackoffBase
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= flushBackoffMax {
			return flushBackoffMax
		}
	}
	return d
}

// Len reports how many events a user currently has buffered.
func (b *EventBuffer) Len(userID uuid.UUID) int {
	b.mu.RLock()
	q := b.queues[userID]
	b.mu.RUnlock()
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Users returns every user with at least one buffered event.
func (b *EventBuffer) Users() []uuid.UUID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var users []uuid.UUID
	for id, q := range b.queues {
		q.mu.Lock()
		n := len(q.events)
		q.mu.Unlock()
		if n > 0 {
			users = append(users, id)
		}
	}
	return users
}

// DrainUser flushes one user's ready batches, ignoring retry backoff.
// Partial batches are left in place (they never flush). The caller holds the
// user's pipeline lock so the flush never races a sweep or cascade for the
// same user.
func (b *EventBuffer) DrainUser(ctx context.Context, userID uuid.UUID) {
	b.mu.RLock()
	q := b.queues[userID]
	b.mu.RUnlock()
	if q == nil {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.retryAt = time.Time{}
	b.flushReady(ctx, userID, q)
}

// Depth reports the total events buffered across all users.
func (b *EventBuffer) Depth() int {
	return b.totalDepth()
}

func (b *EventBuffer) totalDepth() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, q := range b.queues {
		q.mu.Lock()
		total += len(q.events)
		q.mu.Unlock()
	}
	return total
}
