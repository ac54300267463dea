package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
)

// Cascade and cold-start thresholds shared by both aggregation levels.
const (
	coldStartMinUnits = 4
	cascadeThreshold  = 10
)

// signalFunc propagates a subtask change to the major-task level without
// blocking. thresholdReset asks the receiver to zero the subtask's update
// count once the signal has been acted on.
type signalFunc func(userID, subtaskID uuid.UUID, thresholdReset bool)

// passFunc records one completed classification pass for dedup cadence.
type passFunc func(userID uuid.UUID, kind model.Kind)

// SubtaskAggregator places new task clusters into subtasks: cold-start
// grouping for a user's first subtasks of the day, similarity routing after
// that, and a full oracle re-group when routing finds nothing close enough.
type SubtaskAggregator struct {
	store      Store
	oracle     oracle.Oracle
	router     *Router
	logger     *slog.Logger
	recordPass passFunc
	signal     signalFunc
}

// NewSubtaskAggregator creates the cluster-to-subtask aggregator.
func NewSubtaskAggregator(store Store, orc oracle.Oracle, router *Router, logger *slog.Logger, recordPass passFunc, signal signalFunc) *SubtaskAggregator {
	return &SubtaskAggregator{
		store:      store,
		oracle:     orc,
		router:     router,
		logger:     logger,
		recordPass: recordPass,
		signal:     signal,
	}
}

// HandleNewCluster runs after every cluster creation. Until the user has a
// subtask for the current day, clusters accumulate ungrouped and only a
// cold-start pass (at coldStartMinUnits ungrouped) creates the first ones.
// Afterwards every new cluster routes individually.
func (a *SubtaskAggregator) HandleNewCluster(ctx context.Context, cluster model.TaskCluster) error {
	today, err := a.store.CountSubtasksCreatedSince(ctx, cluster.UserID, startOfDay(time.Now()))
	if err != nil {
		return fmt.Errorf("subtasks: count today: %w", err)
	}
	if today == 0 {
		return a.RunColdStart(ctx, cluster.UserID)
	}

	decision, err := a.router.Route(ctx, cluster.UserID, model.KindSubtask, cluster.EmbeddingText())
	if err != nil {
		return fmt.Errorf("subtasks: route cluster %s: %w", cluster.ID, err)
	}

	switch decision.Action {
	case ActionLink:
		count, err := a.store.AttachClusterToSubtask(ctx, cluster.UserID, decision.TargetID, cluster.ID)
		if err != nil {
			return fmt.Errorf("subtasks: link cluster %s: %w", cluster.ID, err)
		}
		a.logger.Info("subtasks: cluster linked",
			"user_id", cluster.UserID, "cluster_id", cluster.ID, "subtask_id", decision.TargetID,
			"similarity", decision.Similarity, "update_count", count)
		a.checkThreshold(cluster.UserID, decision.TargetID, count)

	case ActionMutate:
		existing, err := a.store.GetSubtask(ctx, cluster.UserID, decision.TargetID)
		if err != nil {
			return fmt.Errorf("subtasks: load mutate target: %w", err)
		}
		merged, err := a.oracle.MutateUnit(ctx,
			oracle.UnitText{ID: existing.ID, Name: existing.Name, Summary: existing.Summary},
			oracle.UnitText{ID: cluster.ID, Name: cluster.Title, Summary: cluster.Description},
		)
		if err != nil {
			return fmt.Errorf("subtasks: mutate %s: %w", existing.ID, err)
		}
		count, err := a.store.UpdateSubtaskContent(ctx, cluster.UserID, existing.ID, merged.Name, merged.Summary, &cluster.ID)
		if err != nil {
			return fmt.Errorf("subtasks: apply mutation: %w", err)
		}
		a.logger.Info("subtasks: cluster folded into subtask",
			"user_id", cluster.UserID, "cluster_id", cluster.ID, "subtask_id", existing.ID,
			"similarity", decision.Similarity, "update_count", count)
		a.checkThreshold(cluster.UserID, existing.ID, count)

	case ActionClassify:
		if err := a.regroup(ctx, cluster.UserID); err != nil {
			return err
		}
	}

	a.recordPass(cluster.UserID, model.KindSubtask)
	return nil
}

// RunColdStart runs the initial grouping pass when the user has no subtasks
// yet today and enough ungrouped clusters have accumulated. Safe to call
// when neither condition holds; it just returns.
func (a *SubtaskAggregator) RunColdStart(ctx context.Context, userID uuid.UUID) error {
	today, err := a.store.CountSubtasksCreatedSince(ctx, userID, startOfDay(time.Now()))
	if err != nil {
		return fmt.Errorf("subtasks: count today: %w", err)
	}
	if today > 0 {
		return nil
	}
	ungrouped, err := a.store.ListUngroupedClusters(ctx, userID)
	if err != nil {
		return fmt.Errorf("subtasks: list ungrouped: %w", err)
	}
	if len(ungrouped) < coldStartMinUnits {
		return nil
	}
	if err := a.regroup(ctx, userID); err != nil {
		return err
	}
	a.recordPass(userID, model.KindSubtask)
	return nil
}

// regroup asks the oracle to partition every ungrouped cluster across the
// user's existing subtasks and whatever new ones it invents.
func (a *SubtaskAggregator) regroup(ctx context.Context, userID uuid.UUID) error {
	ungrouped, err := a.store.ListUngroupedClusters(ctx, userID)
	if err != nil {
		return fmt.Errorf("subtasks: list ungrouped: %w", err)
	}
	if len(ungrouped) == 0 {
		return nil
	}

	existing, err := a.store.ListSubtasks(ctx, userID)
	if err != nil {
		return fmt.Errorf("subtasks: list existing: %w", err)
	}

	req := oracle.GroupRequest{
		Children: make([]oracle.UnitText, len(ungrouped)),
		Parents:  make([]oracle.UnitText, len(existing)),
	}
	valid := make(map[uuid.UUID]bool, len(ungrouped))
	for i, c := range ungrouped {
		req.Children[i] = oracle.UnitText{ID: c.ID, Name: c.Title, Summary: c.Description}
		valid[c.ID] = true
	}
	parents := make(map[uuid.UUID]bool, len(existing))
	for i, s := range existing {
		req.Parents[i] = oracle.UnitText{ID: s.ID, Name: s.Name, Summary: s.Summary}
		parents[s.ID] = true
	}

	results, err := a.oracle.GroupUnits(ctx, req)
	if err != nil {
		return fmt.Errorf("subtasks: group: %w", err)
	}

	consumed := make(map[uuid.UUID]bool)
	for _, res := range results {
		var members []uuid.UUID
		for _, id := range res.MemberIDs {
			if valid[id] && !consumed[id] {
				members = append(members, id)
				consumed[id] = true
			}
		}
		if len(members) == 0 {
			a.logger.Warn("subtasks: group result with no usable members skipped",
				"user_id", userID, "title", res.Title)
			continue
		}

		if res.ParentID != nil && parents[*res.ParentID] {
			if _, err := a.store.UpdateSubtaskContent(ctx, userID, *res.ParentID, res.Title, res.Summary, nil); err != nil {
				return fmt.Errorf("subtasks: update grouped parent: %w", err)
			}
			var count int
			for _, id := range members {
				if count, err = a.store.AttachClusterToSubtask(ctx, userID, *res.ParentID, id); err != nil {
					return fmt.Errorf("subtasks: attach grouped member: %w", err)
				}
			}
			a.checkThreshold(userID, *res.ParentID, count)
			continue
		}

		sub := model.Subtask{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      res.Title,
			Summary:   res.Summary,
			CreatedAt: time.Now().UTC(),
		}
		if err := a.store.CreateSubtask(ctx, sub, members); err != nil {
			return fmt.Errorf("subtasks: create grouped subtask: %w", err)
		}
		a.logger.Info("subtasks: subtask created",
			"user_id", userID, "subtask_id", sub.ID, "name", sub.Name, "members", len(members))
		// Every creation signals the level above.
		a.signal(userID, sub.ID, false)
	}
	return nil
}

// checkThreshold fires the upward cascade once a subtask's update count has
// reached the reclassification threshold. The counter is reset by the
// receiver after the signal is acted on.
func (a *SubtaskAggregator) checkThreshold(userID, subtaskID uuid.UUID, updateCount int) {
	if updateCount >= cascadeThreshold {
		a.signal(userID, subtaskID, true)
	}
}

// startOfDay returns midnight UTC of the given instant. Day boundaries for
// the cold-start rule are UTC.
func startOfDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}
