package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
)

// MajorTaskAggregator mirrors the subtask aggregator one level up: subtasks
// route into major tasks, with a cold-start grouping pass for the first
// major tasks of the day. Every completed pass also reconciles goal
// completion from linked cluster durations.
type MajorTaskAggregator struct {
	store      Store
	oracle     oracle.Oracle
	router     *Router
	logger     *slog.Logger
	recordPass passFunc
}

// NewMajorTaskAggregator creates the subtask-to-major-task aggregator.
func NewMajorTaskAggregator(store Store, orc oracle.Oracle, router *Router, logger *slog.Logger, recordPass passFunc) *MajorTaskAggregator {
	return &MajorTaskAggregator{
		store:      store,
		oracle:     orc,
		router:     router,
		logger:     logger,
		recordPass: recordPass,
	}
}

// HandleSubtaskSignal runs when a subtask was created or crossed its update
// threshold. Returning nil means the signal was acted on (including the
// decision to keep waiting for cold start).
func (a *MajorTaskAggregator) HandleSubtaskSignal(ctx context.Context, userID, subtaskID uuid.UUID) error {
	today, err := a.store.CountMajorTasksCreatedSince(ctx, userID, startOfDay(time.Now()))
	if err != nil {
		return fmt.Errorf("majortasks: count today: %w", err)
	}
	if today == 0 {
		ungrouped, err := a.store.ListUngroupedSubtasks(ctx, userID)
		if err != nil {
			return fmt.Errorf("majortasks: list ungrouped: %w", err)
		}
		if len(ungrouped) < coldStartMinUnits {
			return nil
		}
		if err := a.regroup(ctx, userID); err != nil {
			return err
		}
		a.finishPass(ctx, userID)
		return nil
	}

	sub, err := a.store.GetSubtask(ctx, userID, subtaskID)
	if err != nil {
		return fmt.Errorf("majortasks: load subtask: %w", err)
	}

	decision, err := a.router.Route(ctx, userID, model.KindMajorTask, sub.EmbeddingText())
	if err != nil {
		return fmt.Errorf("majortasks: route subtask %s: %w", subtaskID, err)
	}

	switch decision.Action {
	case ActionLink:
		count, err := a.store.AttachSubtaskToMajorTask(ctx, userID, decision.TargetID, sub.ID, sub.Name)
		if err != nil {
			return fmt.Errorf("majortasks: link subtask %s: %w", sub.ID, err)
		}
		a.logger.Info("majortasks: subtask linked",
			"user_id", userID, "subtask_id", sub.ID, "major_task_id", decision.TargetID,
			"similarity", decision.Similarity, "update_count", count)
		if err := a.checkThreshold(ctx, userID, decision.TargetID, count); err != nil {
			return err
		}

	case ActionMutate:
		major, err := a.store.GetMajorTask(ctx, userID, decision.TargetID)
		if err != nil {
			return fmt.Errorf("majortasks: load mutate target: %w", err)
		}
		merged, err := a.oracle.MutateUnit(ctx,
			oracle.UnitText{ID: major.ID, Name: major.Title, Summary: strings.Join(major.SummaryBullets, "; ")},
			oracle.UnitText{ID: sub.ID, Name: sub.Name, Summary: sub.Summary},
		)
		if err != nil {
			return fmt.Errorf("majortasks: mutate %s: %w", major.ID, err)
		}
		bullets := append(major.SummaryBullets, merged.Summary)
		count, err := a.store.UpdateMajorTaskContent(ctx, userID, major.ID, merged.Name, bullets, &sub.ID)
		if err != nil {
			return fmt.Errorf("majortasks: apply mutation: %w", err)
		}
		a.logger.Info("majortasks: subtask folded into major task",
			"user_id", userID, "subtask_id", sub.ID, "major_task_id", major.ID,
			"similarity", decision.Similarity, "update_count", count)
		if err := a.checkThreshold(ctx, userID, major.ID, count); err != nil {
			return err
		}

	case ActionClassify:
		if err := a.regroup(ctx, userID); err != nil {
			return err
		}
	}

	a.finishPass(ctx, userID)
	return nil
}

// checkThreshold runs a reclassification pass once a major task's update
// count reaches the threshold, then resets the counter. There is no level
// above to signal.
func (a *MajorTaskAggregator) checkThreshold(ctx context.Context, userID, majorTaskID uuid.UUID, updateCount int) error {
	if updateCount < cascadeThreshold {
		return nil
	}
	if err := a.regroup(ctx, userID); err != nil {
		return err
	}
	if err := a.store.ResetMajorTaskUpdateCount(ctx, userID, majorTaskID); err != nil {
		return fmt.Errorf("majortasks: reset update count: %w", err)
	}
	return nil
}

// regroup asks the oracle to partition every ungrouped subtask across the
// user's active major tasks and whatever new ones it invents.
func (a *MajorTaskAggregator) regroup(ctx context.Context, userID uuid.UUID) error {
	ungrouped, err := a.store.ListUngroupedSubtasks(ctx, userID)
	if err != nil {
		return fmt.Errorf("majortasks: list ungrouped: %w", err)
	}
	if len(ungrouped) == 0 {
		return nil
	}

	existing, err := a.store.ListMajorTasks(ctx, userID)
	if err != nil {
		return fmt.Errorf("majortasks: list existing: %w", err)
	}

	req := oracle.GroupRequest{
		Children: make([]oracle.UnitText, len(ungrouped)),
		Parents:  make([]oracle.UnitText, len(existing)),
	}
	names := make(map[uuid.UUID]string, len(ungrouped))
	for i, s := range ungrouped {
		req.Children[i] = oracle.UnitText{ID: s.ID, Name: s.Name, Summary: s.Summary}
		names[s.ID] = s.Name
	}
	parents := make(map[uuid.UUID]bool, len(existing))
	for i, m := range existing {
		req.Parents[i] = oracle.UnitText{ID: m.ID, Name: m.Title, Summary: strings.Join(m.SummaryBullets, "; ")}
		parents[m.ID] = true
	}

	results, err := a.oracle.GroupUnits(ctx, req)
	if err != nil {
		return fmt.Errorf("majortasks: group: %w", err)
	}

	consumed := make(map[uuid.UUID]bool)
	for _, res := range results {
		var members []uuid.UUID
		for _, id := range res.MemberIDs {
			if _, ok := names[id]; ok && !consumed[id] {
				members = append(members, id)
				consumed[id] = true
			}
		}
		if len(members) == 0 {
			a.logger.Warn("majortasks: group result with no usable members skipped",
				"user_id", userID, "title", res.Title)
			continue
		}

		bullets := res.Bullets
		if len(bullets) == 0 {
			bullets = []string{res.Summary}
		}

		if res.ParentID != nil && parents[*res.ParentID] {
			if _, err := a.store.UpdateMajorTaskContent(ctx, userID, *res.ParentID, res.Title, bullets, nil); err != nil {
				return fmt.Errorf("majortasks: update grouped parent: %w", err)
			}
			for _, id := range members {
				if _, err := a.store.AttachSubtaskToMajorTask(ctx, userID, *res.ParentID, id, names[id]); err != nil {
					return fmt.Errorf("majortasks: attach grouped member: %w", err)
				}
			}
			// The regroup pass is itself the reclassification.
			if err := a.store.ResetMajorTaskUpdateCount(ctx, userID, *res.ParentID); err != nil {
				return fmt.Errorf("majortasks: reset grouped parent: %w", err)
			}
			continue
		}

		major := model.MajorTask{
			ID:             uuid.New(),
			UserID:         userID,
			Title:          res.Title,
			SummaryBullets: bullets,
			Status:         model.MajorTaskActive,
			CreatedAt:      time.Now().UTC(),
		}
		if err := a.store.CreateMajorTask(ctx, major, members); err != nil {
			return fmt.Errorf("majortasks: create grouped major task: %w", err)
		}
		a.logger.Info("majortasks: major task created",
			"user_id", userID, "major_task_id", major.ID, "title", major.Title, "members", len(members))
	}
	return nil
}

// finishPass records the classification pass and reconciles goal completion.
func (a *MajorTaskAggregator) finishPass(ctx context.Context, userID uuid.UUID) {
	a.recordPass(userID, model.KindMajorTask)
	a.ReconcileGoals(ctx, userID)
}

// ReconcileGoals completes every open goal whose linked cluster minutes have
// reached its target. Completion never regresses; CompleteGoal only
// transitions open goals.
func (a *MajorTaskAggregator) ReconcileGoals(ctx context.Context, userID uuid.UUID) {
	goals, err := a.store.ListOpenGoals(ctx, userID)
	if err != nil {
		a.logger.Error("majortasks: list open goals", "user_id", userID, "error", err)
		return
	}
	for _, g := range goals {
		total, err := a.store.SumLinkedClusterMinutes(ctx, userID, g.ID)
		if err != nil {
			a.logger.Error("majortasks: sum goal minutes", "user_id", userID, "goal_id", g.ID, "error", err)
			continue
		}
		if total < g.TargetMinutes {
			continue
		}
		done, err := a.store.CompleteGoal(ctx, userID, g.ID, time.Now().UTC())
		if err != nil {
			a.logger.Error("majortasks: complete goal", "user_id", userID, "goal_id", g.ID, "error", err)
			continue
		}
		if done {
			a.logger.Info("majortasks: goal completed",
				"user_id", userID, "goal_id", g.ID, "minutes", total, "target", g.TargetMinutes)
		}
	}
}
