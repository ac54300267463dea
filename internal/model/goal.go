package model

import (
	"time"

	"github.com/google/uuid"
)

// UserGoal is a user-authored target with an expected duration. Goal CRUD
// belongs to an external collaborator; this layer only flips status to
// completed once cumulative linked cluster duration meets the target, and
// never regresses a completed goal.
type UserGoal struct {
	ID            uuid.UUID  `json:"id"`
	UserID        uuid.UUID  `json:"user_id"`
	Title         string     `json:"title"`
	TargetMinutes int        `json:"target_minutes"`
	Status        GoalStatus `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}
