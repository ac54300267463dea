package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/metric"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/service/embedding"
	"github.com/loomworks/loom/internal/telemetry"
)

// outboxEntry is a single row from the embed_outbox table.
type outboxEntry struct {
	ID        int64
	UserID    uuid.UUID
	Kind      model.Kind
	SourceID  uuid.UUID
	Operation string
	Attempts  int
}

// OutboxWorker drains the embed_outbox queue: for "embed" entries it
// regenerates the unit's vector, writes it back to the Postgres cache
// column, and upserts the point into Qdrant; for "delete" entries it
// removes the point. This is the fire-and-forget half of the pipeline —
// at-least-once, with exponential backoff and dead-letter retention.
type OutboxWorker struct {
	pool         *pgxpool.Pool
	index        Index
	embedder     embedding.Provider
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started       atomic.Bool
	cancelLoop    context.CancelFunc
	done          chan struct{}
	once          sync.Once
	lastCleanup   time.Time
	drainCh       chan context.Context // carries the drain context to pollLoop for the final poll
	embedDuration metric.Float64Histogram
}

// NewOutboxWorker creates an outbox worker.
func NewOutboxWorker(pool *pgxpool.Pool, index Index, embedder embedding.Provider, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		pool:         pool,
		index:        index,
		embedder:     embedder,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. Safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("embed outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and
// blocks until done or the context expires.
func (w *OutboxWorker) Drain(ctx context.Context) {
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("embed outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context so the last poll
			// respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

const maxOutboxAttempts = 10

func (w *OutboxWorker) processBatch(ctx context.Context) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		w.logger.Error("embed outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`SELECT id, user_id, kind, source_id, operation, attempts
		 FROM embed_outbox
		 WHERE (locked_until IS NULL OR locked_until < now())
		   AND attempts < $1
		 ORDER BY created_at ASC
		 LIMIT $2
		 FOR UPDATE SKIP LOCKED`,
		maxOutboxAttempts, w.batchSize,
	)
	if err != nil {
		w.logger.Error("embed outbox: select pending", "error", err)
		return
	}

	entries, err := scanOutboxEntries(rows)
	if err != nil {
		w.logger.Error("embed outbox: scan entries", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	// Lock for 60s, which must exceed the 30s batch timeout so a second
	// worker cannot grab entries the first is still processing.
	entryIDs := make([]int64, len(entries))
	for i, e := range entries {
		entryIDs[i] = e.ID
	}
	if _, err := tx.Exec(ctx,
		`UPDATE embed_outbox SET locked_until = now() + interval '60 seconds' WHERE id = ANY($1)`,
		entryIDs,
	); err != nil {
		w.logger.Error("embed outbox: lock entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("embed outbox: commit lock", "error", err)
		return
	}

	var embeds []outboxEntry
	var deletes []outboxEntry
	for _, e := range entries {
		switch e.Operation {
		case "embed":
			embeds = append(embeds, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	if len(embeds) > 0 {
		w.processEmbeds(ctx, embeds)
	}
	if len(deletes) > 0 {
		w.processDeletes(ctx, deletes)
	}

	// Periodically clean up dead-letter entries (attempts exhausted, older than 7 days).
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *OutboxWorker) processEmbeds(ctx context.Context, entries []outboxEntry) {
	var succeeded, failed []outboxEntry
	var points []Point

	for _, e := range entries {
		content, err := w.fetchUnitContent(ctx, e.Kind, e.SourceID)
		if errors.Is(err, pgx.ErrNoRows) {
			// Unit deleted (or archived) since the entry was enqueued.
			succeeded = append(succeeded, e)
			continue
		}
		if err != nil {
			w.logger.Error("embed outbox: fetch unit content", "error", err, "kind", e.Kind, "source_id", e.SourceID)
			failed = append(failed, e)
			continue
		}

		embedStart := time.Now()
		vec, err := w.embedder.Embed(ctx, content)
		if w.embedDuration != nil {
			w.embedDuration.Record(ctx, time.Since(embedStart).Seconds())
		}
		if err != nil {
			w.logger.Error("embed outbox: embed", "error", err, "kind", e.Kind, "source_id", e.SourceID)
			failed = append(failed, e)
			continue
		}

		if err := w.storeEmbedding(ctx, e.Kind, e.SourceID, vec.Slice()); err != nil {
			w.logger.Error("embed outbox: cache embedding", "error", err, "kind", e.Kind, "source_id", e.SourceID)
			failed = append(failed, e)
			continue
		}

		points = append(points, Point{
			ID:      e.SourceID,
			UserID:  e.UserID,
			Kind:    e.Kind,
			Content: content,
			Vector:  vec.Slice(),
		})
		succeeded = append(succeeded, e)
	}

	if len(points) > 0 {
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("embed outbox: qdrant upsert", "error", err, "count", len(points))
			// The Postgres cache already holds the vectors; retrying the
			// whole entry re-embeds, which is wasteful but correct.
			w.failEntries(ctx, succeeded, err.Error())
			w.failEntries(ctx, failed, "batch upsert failed")
			return
		}
	}

	if len(succeeded) > 0 {
		w.succeedEntries(ctx, succeeded)
		w.logger.Info("embed outbox: embedded", "count", len(succeeded))
	}
	if len(failed) > 0 {
		w.failEntries(ctx, failed, "see log")
	}
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []outboxEntry) {
	ids := make([]uuid.UUID, len(entries))
	for i, e := range entries {
		ids[i] = e.SourceID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("embed outbox: qdrant delete", "error", err, "count", len(ids))
		w.failEntries(ctx, entries, err.Error())
		return
	}

	w.succeedEntries(ctx, entries)
	w.logger.Info("embed outbox: deleted", "count", len(ids))
}

// fetchUnitContent loads the canonical embedding text for a unit straight
// from its table. Returns pgx.ErrNoRows if the unit no longer exists.
func (w *OutboxWorker) fetchUnitContent(ctx context.Context, kind model.Kind, sourceID uuid.UUID) (string, error) {
	var query string
	switch kind {
	case model.KindTask:
		query = `SELECT trim(title || ': ' || description) FROM task_clusters WHERE id = $1`
	case model.KindSubtask:
		query = `SELECT trim(name || ': ' || summary) FROM subtasks WHERE id = $1`
	case model.KindMajorTask:
		query = `SELECT trim(title || ': ' || array_to_string(summary_bullets, ' '))
		         FROM major_tasks WHERE id = $1 AND status = 'active'`
	default:
		return "", fmt.Errorf("embed outbox: unknown kind %q", kind)
	}

	var content string
	if err := w.pool.QueryRow(ctx, query, sourceID).Scan(&content); err != nil {
		return "", err
	}
	return content, nil
}

// storeEmbedding writes the freshly generated vector into the unit's cache
// column so the dedup merger can compare pairs without re-embedding.
func (w *OutboxWorker) storeEmbedding(ctx context.Context, kind model.Kind, sourceID uuid.UUID, vec []float32) error {
	var table string
	switch kind {
	case model.KindTask:
		table = "task_clusters"
	case model.KindSubtask:
		table = "subtasks"
	case model.KindMajorTask:
		table = "major_tasks"
	default:
		return fmt.Errorf("embed outbox: unknown kind %q", kind)
	}
	_, err := w.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET embedding = $1 WHERE id = $2`, table),
		pgvector.NewVector(vec), sourceID)
	return err
}

func (w *OutboxWorker) cleanupDeadLetters(ctx context.Context) {
	tag, err := w.pool.Exec(ctx,
		`DELETE FROM embed_outbox
		 WHERE attempts >= $1
		   AND created_at < now() - interval '7 days'`,
		maxOutboxAttempts,
	)
	if err != nil {
		w.logger.Error("embed outbox: cleanup dead-letters failed", "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		w.logger.Info("embed outbox: cleaned dead-letter entries", "deleted", tag.RowsAffected())
	}
}

func (w *OutboxWorker) succeedEntries(ctx context.Context, entries []outboxEntry) {
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if _, err := w.pool.Exec(ctx,
		`DELETE FROM embed_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		w.logger.Error("embed outbox: delete completed entries", "error", err)
	}
}

func (w *OutboxWorker) failEntries(ctx context.Context, entries []outboxEntry, errMsg string) {
	if len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	// Exponential backoff: locked_until = now() + 2^attempts seconds,
	// capped at 5 minutes, so an oracle or Qdrant outage doesn't turn into
	// a tight retry loop.
	if _, err := w.pool.Exec(ctx,
		`UPDATE embed_outbox
		 SET attempts = attempts + 1,
		     last_error = $1,
		     locked_until = now() + LEAST(POWER(2, attempts + 1), 300) * interval '1 second'
		 WHERE id = ANY($2)`,
		errMsg, ids,
	); err != nil {
		w.logger.Error("embed outbox: update failed entries", "error", err)
	}

	for _, e := range entries {
		if e.Attempts+1 >= maxOutboxAttempts {
			w.logger.Warn("embed outbox: dead-letter entry",
				"outbox_id", e.ID,
				"source_id", e.SourceID,
				"kind", e.Kind,
				"operation", e.Operation,
				"attempts", e.Attempts+1,
			)
		}
	}
}

// registerMetrics registers an observable OTEL gauge for queue depth and a
// histogram for embedding call latency.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("loom/outbox")

	w.embedDuration, _ = meter.Float64Histogram("loom.embedding.call.duration",
		metric.WithDescription("Embedding provider call duration in seconds"),
		metric.WithUnit("s"),
	)

	_, _ = meter.Int64ObservableGauge("loom.outbox.depth",
		metric.WithDescription("Number of pending entries in the embed outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.pool.QueryRow(ctx, `SELECT COUNT(*) FROM embed_outbox WHERE attempts < $1`, maxOutboxAttempts).Scan(&count)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}

func scanOutboxEntries(rows pgx.Rows) ([]outboxEntry, error) {
	defer rows.Close()
	var entries []outboxEntry
	for rows.Next() {
		var e outboxEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.SourceID, &e.Operation, &e.Attempts); err != nil {
			return nil, fmt.Errorf("embed outbox: scan entry: %w", err)
		}
		e.Kind = model.Kind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
