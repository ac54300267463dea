package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loomworks/loom/internal/model"
)

// CreateTaskCluster inserts a new task cluster and atomically enqueues its
// embedding generation. Clusters are append-only after this point except
// for the parent pointer and the goal link.
func (db *DB) CreateTaskCluster(ctx context.Context, c model.TaskCluster) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin create cluster: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO task_clusters
		   (id, user_id, title, description, start_time, end_time, duration_minutes,
		    status, source_apps, keywords, productivity, confidence, linked_goal_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.UserID, c.Title, c.Description, c.StartTime, c.EndTime, c.DurationMinutes,
		c.Status, c.SourceApps, c.Keywords, c.Productivity, c.Confidence, c.LinkedGoalID, c.CreatedAt,
	); err != nil {
		return fmt.Errorf("storage: insert cluster: %w", err)
	}

	if err := enqueueEmbedTx(ctx, tx, c.UserID, model.KindTask, c.ID, OutboxOpEmbed); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit create cluster: %w", err)
	}
	return nil
}

// GetTaskCluster fetches one cluster scoped by user.
func (db *DB) GetTaskCluster(ctx context.Context, userID, id uuid.UUID) (model.TaskCluster, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, user_id, title, description, start_time, end_time, duration_minutes,
		        status, source_apps, keywords, productivity, confidence, linked_goal_id, subtask_id, created_at
		 FROM task_clusters WHERE id = $1 AND user_id = $2`, id, userID)

	c, err := scanCluster(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.TaskCluster{}, ErrNotFound
	}
	if err != nil {
		return model.TaskCluster{}, fmt.Errorf("storage: get cluster: %w", err)
	}
	return c, nil
}

// ListUngroupedClusters returns a user's clusters that have not been
// assigned to a subtask yet, oldest first.
func (db *DB) ListUngroupedClusters(ctx context.Context, userID uuid.UUID) ([]model.TaskCluster, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, title, description, start_time, end_time, duration_minutes,
		        status, source_apps, keywords, productivity, confidence, linked_goal_id, subtask_id, created_at
		 FROM task_clusters WHERE user_id = $1 AND subtask_id IS NULL
		 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list ungrouped clusters: %w", err)
	}
	defer rows.Close()

	var clusters []model.TaskCluster
	for rows.Next() {
		c, err := scanCluster(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan cluster: %w", err)
		}
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// LinkClusterToGoal sets the goal link on a cluster. Idempotent.
func (db *DB) LinkClusterToGoal(ctx context.Context, userID, clusterID, goalID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE task_clusters SET linked_goal_id = $1 WHERE id = $2 AND user_id = $3`,
		goalID, clusterID, userID)
	if err != nil {
		return fmt.Errorf("storage: link cluster to goal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// scanCluster reads one cluster row (embedding column intentionally not
// selected; dedup loads vectors through the level-specific helpers).
func scanCluster(row pgx.Row) (model.TaskCluster, error) {
	var c model.TaskCluster
	err := row.Scan(
		&c.ID, &c.UserID, &c.Title, &c.Description, &c.StartTime, &c.EndTime, &c.DurationMinutes,
		&c.Status, &c.SourceApps, &c.Keywords, &c.Productivity, &c.Confidence, &c.LinkedGoalID, &c.SubtaskID, &c.CreatedAt,
	)
	return c, err
}
