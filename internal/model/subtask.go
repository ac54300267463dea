package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Subtask is a mid-level grouping of task clusters representing one work
// stream. Membership lives on the children (task_clusters.subtask_id), so a
// cluster structurally belongs to at most one subtask; MemberTaskIDs is
// hydrated on load. UpdateCount increments on every membership or content
// change and resets to 0 once it has triggered a major-task reclassification.
type Subtask struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Name          string           `json:"name"`
	Summary       string           `json:"summary"`
	MemberTaskIDs []uuid.UUID      `json:"member_task_ids"`
	UpdateCount   int              `json:"update_count"`
	MajorTaskID   *uuid.UUID       `json:"major_task_id,omitempty"`
	Embedding     *pgvector.Vector `json:"-"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// EmbeddingText is the canonical text representation indexed for this subtask.
func (s Subtask) EmbeddingText() string {
	return strings.TrimSpace(s.Name + ": " + s.Summary)
}
