package model

// Kind identifies which level of the work hierarchy a unit belongs to.
// It scopes vector-index lookups so a task is only ever compared against
// subtasks, and a subtask only against major tasks.
type Kind string

const (
	KindTask      Kind = "task"
	KindSubtask   Kind = "subtask"
	KindMajorTask Kind = "major_task"
)

// Valid reports whether k is one of the three hierarchy levels.
func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindSubtask, KindMajorTask:
		return true
	}
	return false
}

// MajorTaskStatus is the lifecycle status of a major task.
// Archived majors are retained for audit history after a merge;
// subtasks have no equivalent because merged subtasks are deleted.
type MajorTaskStatus string

const (
	MajorTaskActive   MajorTaskStatus = "active"
	MajorTaskArchived MajorTaskStatus = "archived"
)

// GoalStatus is the completion status of a user-defined goal.
type GoalStatus string

const (
	GoalOpen      GoalStatus = "open"
	GoalCompleted GoalStatus = "completed"
)

// ArchivedTitlePrefix marks major tasks retired by a merge.
const ArchivedTitlePrefix = "[archived] "
