package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// TaskCluster is the smallest classified work unit, derived from exactly
// one fixed-size batch of raw activity events. Append-only after creation:
// only the parent pointer and the goal link may change.
type TaskCluster struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	StartTime       time.Time        `json:"start_time"`
	EndTime         time.Time        `json:"end_time"`
	DurationMinutes int              `json:"duration_minutes"`
	Status          string           `json:"status"`
	SourceApps      []string         `json:"source_apps"`
	Keywords        []string         `json:"keywords"`
	Productivity    string           `json:"productivity"`
	Confidence      float32          `json:"confidence"`
	LinkedGoalID    *uuid.UUID       `json:"linked_goal_id,omitempty"`
	SubtaskID       *uuid.UUID       `json:"subtask_id,omitempty"`
	Embedding       *pgvector.Vector `json:"-"`
	CreatedAt       time.Time        `json:"created_at"`
}

// ClusterStatusCompleted is the terminal (and only) status a classifier
// assigns: a cluster covers a finished batch, so it is born complete.
const ClusterStatusCompleted = "completed"

// EmbeddingText is the canonical text representation indexed for this cluster.
func (c TaskCluster) EmbeddingText() string {
	return strings.TrimSpace(c.Title + ": " + c.Description)
}
