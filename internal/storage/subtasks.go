package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/loomworks/loom/internal/model"
)

// CreateSubtask inserts a subtask, claims the given member clusters, and
// enqueues embedding generation, all in one transaction.
func (db *DB) CreateSubtask(ctx context.Context, s model.Subtask, memberIDs []uuid.UUID) error {
	if len(memberIDs) == 0 {
		return fmt.Errorf("storage: subtask %s must have at least one member", s.ID)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create subtask: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO subtasks (id, user_id, name, summary, update_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $5)`,
		s.ID, s.UserID, s.Name, s.Summary, s.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert subtask: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE task_clusters SET subtask_id = $1 WHERE id = ANY($2) AND user_id = $3`,
		s.ID, memberIDs, s.UserID,
	); err != nil {
		return fmt.Errorf("storage: claim subtask members: %w", err)
	}

	if err := enqueueEmbedTx(ctx, tx, s.UserID, model.KindSubtask, s.ID, OutboxOpEmbed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create subtask: %w", err)
	}
	return nil
}

// GetSubtask fetches one subtask with its member cluster ids hydrated.
func (db *DB) GetSubtask(ctx context.Context, userID, id uuid.UUID) (model.Subtask, error) {
	row := db.pool.QueryRow(ctx, subtaskSelect+` WHERE s.id = $1 AND s.user_id = $2 GROUP BY s.id`, id, userID)
	s, err := scanSubtask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subtask{}, ErrNotFound
	}
	if err != nil {
		return model.Subtask{}, fmt.Errorf("storage: get subtask: %w", err)
	}
	return s, nil
}

// ListSubtasks returns all of a user's subtasks with members hydrated,
// oldest first.
func (db *DB) ListSubtasks(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	rows, err := db.pool.Query(ctx, subtaskSelect+` WHERE s.user_id = $1 GROUP BY s.id ORDER BY s.created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []model.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan subtask: %w", err)
		}
		subtasks = append(subtasks, s)
	}
	return subtasks, rows.Err()
}

// ListUngroupedSubtasks returns a user's subtasks that have not been
// assigned to a major task yet, oldest first, members hydrated.
func (db *DB) ListUngroupedSubtasks(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	rows, err := db.pool.Query(ctx,
		subtaskSelect+` WHERE s.user_id = $1 AND s.major_task_id IS NULL GROUP BY s.id ORDER BY s.created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list ungrouped subtasks: %w", err)
	}
	defer rows.Close()

	var subtasks []model.Subtask
	for rows.Next() {
		s, err := scanSubtask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan subtask: %w", err)
		}
		subtasks = append(subtasks, s)
	}
	return subtasks, rows.Err()
}

// CountSubtasksCreatedSince reports how many subtasks a user has created at
// or after the given time. The aggregator uses it for the cold-start rule
// ("zero existing subtasks for the day").
func (db *DB) CountSubtasksCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM subtasks WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count subtasks since: %w", err)
	}
	return n, nil
}

// AttachClusterToSubtask moves a cluster under a subtask, bumps the
// subtask's update count, and enqueues embedding regeneration. Returns the
// new update count.
func (db *DB) AttachClusterToSubtask(ctx context.Context, userID, subtaskID, clusterID uuid.UUID) (int, error) {
	return db.updateSubtaskTx(ctx, userID, subtaskID, &clusterID, nil, nil)
}

// UpdateSubtaskContent rewrites a subtask's name and summary (oracle mutate
// outcome), optionally attaching a cluster in the same transaction.
// Returns the new update count.
func (db *DB) UpdateSubtaskContent(ctx context.Context, userID, subtaskID uuid.UUID, name, summary string, attachClusterID *uuid.UUID) (int, error) {
	return db.updateSubtaskTx(ctx, userID, subtaskID, attachClusterID, &name, &summary)
}

func (db *DB) updateSubtaskTx(ctx context.Context, userID, subtaskID uuid.UUID, attachClusterID *uuid.UUID, name, summary *string) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin update subtask: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var updateCount int
	if name != nil {
		err = tx.QueryRow(ctx,
			`UPDATE subtasks SET name = $1, summary = $2, update_count = update_count + 1, updated_at = now()
			 WHERE id = $3 AND user_id = $4 RETURNING update_count`,
			*name, *summary, subtaskID, userID).Scan(&updateCount)
	} else {
		err = tx.QueryRow(ctx,
			`UPDATE subtasks SET update_count = update_count + 1, updated_at = now()
			 WHERE id = $1 AND user_id = $2 RETURNING update_count`,
			subtaskID, userID).Scan(&updateCount)
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: update subtask: %w", err)
	}

	if attachClusterID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE task_clusters SET subtask_id = $1 WHERE id = $2 AND user_id = $3`,
			subtaskID, *attachClusterID, userID,
		); err != nil {
			return 0, fmt.Errorf("storage: attach cluster: %w", err)
		}
	}

	if err := enqueueEmbedTx(ctx, tx, userID, model.KindSubtask, subtaskID, OutboxOpEmbed); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit update subtask: %w", err)
	}
	return updateCount, nil
}

// ResetSubtaskUpdateCount zeroes the counter after its threshold signal has
// been acted on.
func (db *DB) ResetSubtaskUpdateCount(ctx context.Context, userID, subtaskID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE subtasks SET update_count = 0 WHERE id = $1 AND user_id = $2`,
		subtaskID, userID)
	if err != nil {
		return fmt.Errorf("storage: reset subtask update count: %w", err)
	}
	return nil
}

// SetSubtaskMajorTask points a subtask at its (single) parent major task.
func (db *DB) SetSubtaskMajorTask(ctx context.Context, userID, subtaskID, majorTaskID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE subtasks SET major_task_id = $1, updated_at = now() WHERE id = $2 AND user_id = $3`,
		majorTaskID, subtaskID, userID)
	if err != nil {
		return fmt.Errorf("storage: set subtask major task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MergeSubtasks replaces two subtasks with one merged unit: the new subtask
// is created (inheriting merged.MajorTaskID, which the caller sets when both
// originals share a parent), both originals' clusters are reassigned to it,
// and the originals are hard-deleted (subtasks are ephemeral work-stream
// labels). Any major task the deletion leaves with zero member subtasks is
// archived; an empty active major task is never hydrated. Index cleanup for
// removed units goes through the outbox.
func (db *DB) MergeSubtasks(ctx context.Context, merged model.Subtask, originalA, originalB uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin merge subtasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	originals := []uuid.UUID{originalA, originalB}

	parentRows, err := tx.Query(ctx,
		`SELECT DISTINCT major_task_id FROM subtasks
		 WHERE id = ANY($1) AND user_id = $2 AND major_task_id IS NOT NULL`,
		originals, merged.UserID)
	if err != nil {
		return fmt.Errorf("storage: load merged subtask parents: %w", err)
	}
	var parents []uuid.UUID
	for parentRows.Next() {
		var id uuid.UUID
		if err := parentRows.Scan(&id); err != nil {
			parentRows.Close()
			return fmt.Errorf("storage: scan merged subtask parent: %w", err)
		}
		parents = append(parents, id)
	}
	parentRows.Close()
	if err := parentRows.Err(); err != nil {
		return fmt.Errorf("storage: read merged subtask parents: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO subtasks (id, user_id, name, summary, update_count, major_task_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6)`,
		merged.ID, merged.UserID, merged.Name, merged.Summary, merged.MajorTaskID, merged.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert merged subtask: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE task_clusters SET subtask_id = $1 WHERE subtask_id = ANY($2) AND user_id = $3`,
		merged.ID, originals, merged.UserID,
	); err != nil {
		return fmt.Errorf("storage: reassign merged clusters: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM subtasks WHERE id = ANY($1) AND user_id = $2`,
		originals, merged.UserID,
	); err != nil {
		return fmt.Errorf("storage: delete merged subtasks: %w", err)
	}

	var emptied []uuid.UUID
	if len(parents) > 0 {
		emptiedRows, err := tx.Query(ctx,
			`UPDATE major_tasks SET status = $1, title = $2 || title, updated_at = now()
			 WHERE id = ANY($3) AND user_id = $4 AND status = 'active'
			   AND NOT EXISTS (SELECT 1 FROM subtasks s WHERE s.major_task_id = major_tasks.id)
			 RETURNING id`,
			string(model.MajorTaskArchived), model.ArchivedTitlePrefix, parents, merged.UserID)
		if err != nil {
			return fmt.Errorf("storage: archive emptied major tasks: %w", err)
		}
		for emptiedRows.Next() {
			var id uuid.UUID
			if err := emptiedRows.Scan(&id); err != nil {
				emptiedRows.Close()
				return fmt.Errorf("storage: scan emptied major task: %w", err)
			}
			emptied = append(emptied, id)
		}
		emptiedRows.Close()
		if err := emptiedRows.Err(); err != nil {
			return fmt.Errorf("storage: read emptied major tasks: %w", err)
		}
	}

	for _, id := range originals {
		if err := enqueueEmbedTx(ctx, tx, merged.UserID, model.KindSubtask, id, OutboxOpDelete); err != nil {
			return err
		}
	}
	for _, id := range emptied {
		if err := enqueueEmbedTx(ctx, tx, merged.UserID, model.KindMajorTask, id, OutboxOpDelete); err != nil {
			return err
		}
	}
	if err := enqueueEmbedTx(ctx, tx, merged.UserID, model.KindSubtask, merged.ID, OutboxOpEmbed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit merge subtasks: %w", err)
	}
	return nil
}

// ListSubtasksWithEmbeddings returns subtasks whose cached embedding is
// present, members hydrated. The dedup merger compares these pairwise.
func (db *DB) ListSubtasksWithEmbeddings(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.user_id, s.name, s.summary, s.update_count, s.major_task_id,
		        s.created_at, s.updated_at, s.embedding,
		        COALESCE(array_agg(tc.id) FILTER (WHERE tc.id IS NOT NULL), '{}')
		 FROM subtasks s
		 LEFT JOIN task_clusters tc ON tc.subtask_id = s.id
		 WHERE s.user_id = $1 AND s.embedding IS NOT NULL
		 GROUP BY s.id
		 ORDER BY s.created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list subtasks with embeddings: %w", err)
	}
	defer rows.Close()

	var subtasks []model.Subtask
	for rows.Next() {
		var s model.Subtask
		var emb pgvector.Vector
		if err := rows.Scan(
			&s.ID, &s.UserID, &s.Name, &s.Summary, &s.UpdateCount, &s.MajorTaskID,
			&s.CreatedAt, &s.UpdatedAt, &emb, &s.MemberTaskIDs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan subtask embedding row: %w", err)
		}
		s.Embedding = &emb
		subtasks = append(subtasks, s)
	}
	return subtasks, rows.Err()
}

const subtaskSelect = `
	SELECT s.id, s.user_id, s.name, s.summary, s.update_count, s.major_task_id,
	       s.created_at, s.updated_at,
	       COALESCE(array_agg(tc.id) FILTER (WHERE tc.id IS NOT NULL), '{}')
	FROM subtasks s
	LEFT JOIN task_clusters tc ON tc.subtask_id = s.id`

func scanSubtask(row pgx.Row) (model.Subtask, error) {
	var s model.Subtask
	err := row.Scan(
		&s.ID, &s.UserID, &s.Name, &s.Summary, &s.UpdateCount, &s.MajorTaskID,
		&s.CreatedAt, &s.UpdatedAt, &s.MemberTaskIDs,
	)
	return s, err
}
