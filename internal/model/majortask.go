package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// MajorTask is a top-level grouping of subtasks representing a project or
// initiative. SummaryBullets is an ordered, append-only list unless
// rewritten wholesale by a merge. Membership lives on the children
// (subtasks.major_task_id); MemberSubtaskIDs is hydrated on load.
type MajorTask struct {
	ID               uuid.UUID        `json:"id"`
	UserID           uuid.UUID        `json:"user_id"`
	Title            string           `json:"title"`
	SummaryBullets   []string         `json:"summary_bullets"`
	MemberSubtaskIDs []uuid.UUID      `json:"member_subtask_ids"`
	UpdateCount      int              `json:"update_count"`
	Status           MajorTaskStatus  `json:"status"`
	Embedding        *pgvector.Vector `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// EmbeddingText is the canonical text representation indexed for this major task.
func (m MajorTask) EmbeddingText() string {
	return strings.TrimSpace(m.Title + ": " + strings.Join(m.SummaryBullets, " "))
}
