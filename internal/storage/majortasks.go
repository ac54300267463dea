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

// CreateMajorTask inserts a major task, claims the given member subtasks,
// and enqueues embedding generation, all in one transaction.
func (db *DB) CreateMajorTask(ctx context.Context, m model.MajorTask, memberIDs []uuid.UUID) error {
	if len(memberIDs) == 0 {
		return fmt.Errorf("storage: major task %s must have at least one member", m.ID)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create major task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO major_tasks (id, user_id, title, summary_bullets, update_count, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6)`,
		m.ID, m.UserID, m.Title, m.SummaryBullets, string(model.MajorTaskActive), m.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert major task: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE subtasks SET major_task_id = $1 WHERE id = ANY($2) AND user_id = $3`,
		m.ID, memberIDs, m.UserID,
	); err != nil {
		return fmt.Errorf("storage: claim major task members: %w", err)
	}

	if err := enqueueEmbedTx(ctx, tx, m.UserID, model.KindMajorTask, m.ID, OutboxOpEmbed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create major task: %w", err)
	}
	return nil
}

// GetMajorTask fetches one major task with member subtask ids hydrated.
func (db *DB) GetMajorTask(ctx context.Context, userID, id uuid.UUID) (model.MajorTask, error) {
	row := db.pool.QueryRow(ctx, majorTaskSelect+` WHERE m.id = $1 AND m.user_id = $2 GROUP BY m.id`, id, userID)
	m, err := scanMajorTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MajorTask{}, ErrNotFound
	}
	if err != nil {
		return model.MajorTask{}, fmt.Errorf("storage: get major task: %w", err)
	}
	return m, nil
}

// ListMajorTasks returns a user's active major tasks with members hydrated,
// oldest first. Archived majors are excluded: they are audit records, not
// routing targets.
func (db *DB) ListMajorTasks(ctx context.Context, userID uuid.UUID) ([]model.MajorTask, error) {
	rows, err := db.pool.Query(ctx,
		majorTaskSelect+` WHERE m.user_id = $1 AND m.status = 'active' GROUP BY m.id ORDER BY m.created_at ASC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list major tasks: %w", err)
	}
	defer rows.Close()

	var majors []model.MajorTask
	for rows.Next() {
		m, err := scanMajorTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan major task: %w", err)
		}
		majors = append(majors, m)
	}
	return majors, rows.Err()
}

// CountMajorTasksCreatedSince reports how many major tasks a user has
// created at or after the given time, archived included. The aggregator uses
// it for the cold-start rule one level up.
func (db *DB) CountMajorTasksCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM major_tasks WHERE user_id = $1 AND created_at >= $2`,
		userID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count major tasks since: %w", err)
	}
	return n, nil
}

// AttachSubtaskToMajorTask moves a subtask under a major task, appends the
// subtask's name as a summary bullet, bumps the update count, and enqueues
// embedding regeneration. Returns the new update count.
func (db *DB) AttachSubtaskToMajorTask(ctx context.Context, userID, majorTaskID, subtaskID uuid.UUID, bullet string) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin attach subtask: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var updateCount int
	err = tx.QueryRow(ctx,
		`UPDATE major_tasks
		 SET summary_bullets = array_append(summary_bullets, $1),
		     update_count = update_count + 1, updated_at = now()
		 WHERE id = $2 AND user_id = $3 AND status = 'active'
		 RETURNING update_count`,
		bullet, majorTaskID, userID).Scan(&updateCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: attach subtask to major task: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE subtasks SET major_task_id = $1, updated_at = now() WHERE id = $2 AND user_id = $3`,
		majorTaskID, subtaskID, userID,
	); err != nil {
		return 0, fmt.Errorf("storage: point subtask at major task: %w", err)
	}

	if err := enqueueEmbedTx(ctx, tx, userID, model.KindMajorTask, majorTaskID, OutboxOpEmbed); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit attach subtask: %w", err)
	}
	return updateCount, nil
}

// UpdateMajorTaskContent rewrites a major task's title and bullets (oracle
// mutate outcome), optionally attaching a subtask in the same transaction.
// Returns the new update count.
func (db *DB) UpdateMajorTaskContent(ctx context.Context, userID, majorTaskID uuid.UUID, title string, bullets []string, attachSubtaskID *uuid.UUID) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin update major task: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var updateCount int
	err = tx.QueryRow(ctx,
		`UPDATE major_tasks SET title = $1, summary_bullets = $2, update_count = update_count + 1, updated_at = now()
		 WHERE id = $3 AND user_id = $4 AND status = 'active'
		 RETURNING update_count`,
		title, bullets, majorTaskID, userID).Scan(&updateCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("storage: update major task: %w", err)
	}

	if attachSubtaskID != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE subtasks SET major_task_id = $1, updated_at = now() WHERE id = $2 AND user_id = $3`,
			majorTaskID, *attachSubtaskID, userID,
		); err != nil {
			return 0, fmt.Errorf("storage: attach subtask: %w", err)
		}
	}

	if err := enqueueEmbedTx(ctx, tx, userID, model.KindMajorTask, majorTaskID, OutboxOpEmbed); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit update major task: %w", err)
	}
	return updateCount, nil
}

// ResetMajorTaskUpdateCount zeroes the counter after a reclassification pass.
func (db *DB) ResetMajorTaskUpdateCount(ctx context.Context, userID, majorTaskID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE major_tasks SET update_count = 0 WHERE id = $1 AND user_id = $2`,
		majorTaskID, userID)
	if err != nil {
		return fmt.Errorf("storage: reset major task update count: %w", err)
	}
	return nil
}

// MergeMajorTasks replaces two major tasks with one merged unit. Unlike
// subtasks, the originals are retained for audit history: they are marked
// archived and their titles get the archival prefix. Their subtasks move to
// the merged unit; their index points are removed via the outbox.
func (db *DB) MergeMajorTasks(ctx context.Context, merged model.MajorTask, originalA, originalB uuid.UUID) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin merge major tasks: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO major_tasks (id, user_id, title, summary_bullets, update_count, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, 0, $5, $6, $6)`,
		merged.ID, merged.UserID, merged.Title, merged.SummaryBullets, string(model.MajorTaskActive), merged.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert merged major task: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE subtasks SET major_task_id = $1 WHERE major_task_id = ANY($2) AND user_id = $3`,
		merged.ID, []uuid.UUID{originalA, originalB}, merged.UserID,
	); err != nil {
		return fmt.Errorf("storage: reassign merged subtasks: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE major_tasks SET status = $1, title = $2 || title, updated_at = now()
		 WHERE id = ANY($3) AND user_id = $4`,
		string(model.MajorTaskArchived), model.ArchivedTitlePrefix,
		[]uuid.UUID{originalA, originalB}, merged.UserID,
	); err != nil {
		return fmt.Errorf("storage: archive merged major tasks: %w", err)
	}

	for _, id := range []uuid.UUID{originalA, originalB} {
		if err := enqueueEmbedTx(ctx, tx, merged.UserID, model.KindMajorTask, id, OutboxOpDelete); err != nil {
			return err
		}
	}
	if err := enqueueEmbedTx(ctx, tx, merged.UserID, model.KindMajorTask, merged.ID, OutboxOpEmbed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit merge major tasks: %w", err)
	}
	return nil
}

// ListMajorTasksWithEmbeddings returns active major tasks whose cached
// embedding is present, members hydrated, for pairwise dedup comparison.
func (db *DB) ListMajorTasksWithEmbeddings(ctx context.Context, userID uuid.UUID) ([]model.MajorTask, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT m.id, m.user_id, m.title, m.summary_bullets, m.update_count, m.status,
		        m.created_at, m.updated_at, m.embedding,
		        COALESCE(array_agg(s.id) FILTER (WHERE s.id IS NOT NULL), '{}')
		 FROM major_tasks m
		 LEFT JOIN subtasks s ON s.major_task_id = m.id
		 WHERE m.user_id = $1 AND m.status = 'active' AND m.embedding IS NOT NULL
		 GROUP BY m.id
		 ORDER BY m.created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list major tasks with embeddings: %w", err)
	}
	defer rows.Close()

	var majors []model.MajorTask
	for rows.Next() {
		var m model.MajorTask
		var emb pgvector.Vector
		if err := rows.Scan(
			&m.ID, &m.UserID, &m.Title, &m.SummaryBullets, &m.UpdateCount, &m.Status,
			&m.CreatedAt, &m.UpdatedAt, &emb, &m.MemberSubtaskIDs,
		); err != nil {
			return nil, fmt.Errorf("storage: scan major task embedding row: %w", err)
		}
		m.Embedding = &emb
		majors = append(majors, m)
	}
	return majors, rows.Err()
}

const majorTaskSelect = `
	SELECT m.id, m.user_id, m.title, m.summary_bullets, m.update_count, m.status,
	       m.created_at, m.updated_at,
	       COALESCE(array_agg(s.id) FILTER (WHERE s.id IS NOT NULL), '{}')
	FROM major_tasks m
	LEFT JOIN subtasks s ON s.major_task_id = m.id`

func scanMajorTask(row pgx.Row) (model.MajorTask, error) {
	var m model.MajorTask
	err := row.Scan(
		&m.ID, &m.UserID, &m.Title, &m.SummaryBullets, &m.UpdateCount, &m.Status,
		&m.CreatedAt, &m.UpdatedAt, &m.MemberSubtaskIDs,
	)
	return m, err
}
