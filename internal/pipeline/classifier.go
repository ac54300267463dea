package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
)

// Classifier turns one full event batch into exactly one task cluster.
type Classifier struct {
	store  Store
	oracle oracle.Oracle
	logger *slog.Logger
}

// NewClassifier creates a batch classifier.
func NewClassifier(store Store, orc oracle.Oracle, logger *slog.Logger) *Classifier {
	return &Classifier{store: store, oracle: orc, logger: logger}
}

// ClassifyBatch asks the oracle to label the batch, derives the cluster's
// duration and time span, links it to a matching open goal, and persists it.
// The cluster's embedding is generated asynchronously via the outbox.
func (c *Classifier) ClassifyBatch(ctx context.Context, userID uuid.UUID, events []model.RawEvent) (model.TaskCluster, error) {
	if len(events) == 0 {
		return model.TaskCluster{}, fmt.Errorf("classifier: empty batch")
	}

	batch := make([]oracle.BatchEvent, len(events))
	for i, e := range events {
		batch[i] = oracle.BatchEvent{Timestamp: e.Timestamp, App: e.App, Title: e.Title}
	}

	verdict, err := c.oracle.ClassifyBatch(ctx, batch)
	if err != nil {
		return model.TaskCluster{}, fmt.Errorf("classifier: %w", err)
	}

	now := time.Now().UTC()
	cluster := model.TaskCluster{
		ID:              uuid.New(),
		UserID:          userID,
		Title:           verdict.Label,
		Description:     verdict.Summary,
		StartTime:       events[0].Timestamp,
		EndTime:         events[len(events)-1].Timestamp,
		DurationMinutes: durationMinutes(verdict.DurationSeconds, len(events)),
		Status:          model.ClusterStatusCompleted,
		SourceApps:      verdict.Apps,
		Keywords:        verdict.Keywords,
		Productivity:    verdict.Productivity,
		Confidence:      verdict.Confidence,
		CreatedAt:       now,
	}

	if goalID := c.matchGoal(ctx, cluster); goalID != nil {
		cluster.LinkedGoalID = goalID
	}

	if err := c.store.CreateTaskCluster(ctx, cluster); err != nil {
		return model.TaskCluster{}, fmt.Errorf("classifier: persist cluster: %w", err)
	}

	c.logger.Info("classifier: cluster created",
		"user_id", userID, "cluster_id", cluster.ID, "title", cluster.Title,
		"duration_minutes", cluster.DurationMinutes, "linked_goal", cluster.LinkedGoalID != nil)
	return cluster, nil
}

// durationMinutes prefers the oracle's active-work estimate and falls back
// to a heuristic of one minute per three events, never below one minute.
func durationMinutes(oracleSeconds *int, eventCount int) int {
	if oracleSeconds != nil && *oracleSeconds > 0 {
		m := int(math.Round(float64(*oracleSeconds) / 60))
		if m < 1 {
			return 1
		}
		return m
	}
	m := int(math.Round(float64(eventCount) / 3))
	if m < 1 {
		return 1
	}
	return m
}

// matchGoal links the cluster to the open goal sharing the most significant
// title/keyword tokens. Goal lookup failures only cost the link, never the
// cluster.
func (c *Classifier) matchGoal(ctx context.Context, cluster model.TaskCluster) *uuid.UUID {
	goals, err := c.store.ListOpenGoals(ctx, cluster.UserID)
	if err != nil {
		c.logger.Error("classifier: list open goals", "user_id", cluster.UserID, "error", err)
		return nil
	}
	if len(goals) == 0 {
		return nil
	}

	clusterTokens := tokenSet(append([]string{cluster.Title}, cluster.Keywords...))
	var best *uuid.UUID
	bestShared := 0
	for i := range goals {
		shared := 0
		for tok := range tokenSet([]string{goals[i].Title}) {
			if _, ok := clusterTokens[tok]; ok {
				shared++
			}
		}
		if shared > bestShared {
			bestShared = shared
			best = &goals[i].ID
		}
	}
	return best
}

// tokenSet lowercases and splits the inputs, keeping tokens of 4+ runes so
// articles and prepositions never produce a match.
func tokenSet(inputs []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, in := range inputs {
		for _, tok := range strings.FieldsFunc(strings.ToLower(in), func(r rune) bool {
			return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
		}) {
			if len(tok) >= 4 {
				set[tok] = struct{}{}
			}
		}
	}
	return set
}
