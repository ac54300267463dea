package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/internal/model"
)

// Outbox operations. "embed" regenerates the unit's vector and syncs it to
// the search index; "delete" removes the unit's point from the index.
const (
	OutboxOpEmbed  = "embed"
	OutboxOpDelete = "delete"
)

// EnqueueEmbed schedules a fire-and-forget embedding regeneration (or index
// deletion) for a unit. Used by callers that mutate a unit outside the
// storage transaction helpers.
func (db *DB) EnqueueEmbed(ctx context.Context, userID uuid.UUID, kind model.Kind, sourceID uuid.UUID, operation string) error {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO embed_outbox (user_id, kind, source_id, operation) VALUES ($1, $2, $3, $4)`,
		userID, string(kind), sourceID, operation,
	); err != nil {
		return fmt.Errorf("storage: enqueue embed: %w", err)
	}
	return nil
}

// enqueueEmbedTx enqueues within an existing transaction so the queue entry
// commits atomically with the unit change it reflects.
func enqueueEmbedTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, kind model.Kind, sourceID uuid.UUID, operation string) error {
	if _, err := tx.Exec(ctx,
		`INSERT INTO embed_outbox (user_id, kind, source_id, operation) VALUES ($1, $2, $3, $4)`,
		userID, string(kind), sourceID, operation,
	); err != nil {
		return fmt.Errorf("storage: enqueue embed (tx): %w", err)
	}
	return nil
}

// BackfillMissingEmbeddings enqueues an embed entry for every live unit
// whose embedding column is NULL and which has no pending outbox entry.
// Runs once at startup; returns the number of entries enqueued.
func (db *DB) BackfillMissingEmbeddings(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		limit = 500
	}
	var total int64
	for _, src := range []struct {
		table string
		kind  model.Kind
		extra string
	}{
		{"task_clusters", model.KindTask, ""},
		{"subtasks", model.KindSubtask, ""},
		{"major_tasks", model.KindMajorTask, "AND status = 'active'"},
	} {
		tag, err := db.pool.Exec(ctx, fmt.Sprintf(
			`INSERT INTO embed_outbox (user_id, kind, source_id, operation)
			 SELECT user_id, '%s', id, 'embed' FROM %s t
			 WHERE embedding IS NULL %s
			   AND NOT EXISTS (
			     SELECT 1 FROM embed_outbox o
			     WHERE o.source_id = t.id AND o.operation = 'embed'
			   )
			 LIMIT %d`, src.kind, src.table, src.extra, limit))
		if err != nil {
			return total, fmt.Errorf("storage: backfill %s embeddings: %w", src.table, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}
