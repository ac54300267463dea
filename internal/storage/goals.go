package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
)

// CreateUserGoal inserts a goal. Goal authoring is an external collaborator
// concern; this exists for the reconciliation path and tests.
func (db *DB) CreateUserGoal(ctx context.Context, g model.UserGoal) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO user_goals (id, user_id, title, target_minutes, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		g.ID, g.UserID, g.Title, g.TargetMinutes, string(g.Status), g.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: insert goal: %w", err)
	}
	return nil
}

// ListOpenGoals returns a user's goals that have not been completed.
func (db *DB) ListOpenGoals(ctx context.Context, userID uuid.UUID) ([]model.UserGoal, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, title, target_minutes, status, created_at, completed_at
		 FROM user_goals WHERE user_id = $1 AND status = 'open'
		 ORDER BY created_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("storage: list open goals: %w", err)
	}
	defer rows.Close()

	var goals []model.UserGoal
	for rows.Next() {
		var g model.UserGoal
		if err := rows.Scan(&g.ID, &g.UserID, &g.Title, &g.TargetMinutes, &g.Status, &g.CreatedAt, &g.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan goal: %w", err)
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// SumLinkedClusterMinutes totals duration_minutes over all clusters linked
// to the goal.
func (db *DB) SumLinkedClusterMinutes(ctx context.Context, userID, goalID uuid.UUID) (int, error) {
	var total int
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(duration_minutes), 0) FROM task_clusters
		 WHERE user_id = $1 AND linked_goal_id = $2`,
		userID, goalID).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("storage: sum linked cluster minutes: %w", err)
	}
	return total, nil
}

// CompleteGoal transitions an open goal to completed. A goal that is
// already completed is left untouched (completion never regresses).
// Returns true if the transition happened.
func (db *DB) CompleteGoal(ctx context.Context, userID, goalID uuid.UUID, at time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE user_goals SET status = 'completed', completed_at = $1
		 WHERE id = $2 AND user_id = $3 AND status = 'open'`,
		at, goalID, userID)
	if err != nil {
		return false, fmt.Errorf("storage: complete goal: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListActiveUsers returns users with any cluster created at or after the
// given time. The sweeper iterates these.
func (db *DB) ListActiveUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT user_id FROM task_clusters WHERE created_at >= $1`, since)
	if err != nil {
		return nil, fmt.Errorf("storage: list active users: %w", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan active user: %w", err)
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
