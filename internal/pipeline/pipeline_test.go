package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
	"github.com/loomworks/loom/internal/search"
	"github.com/loomworks/loom/internal/service/embedding"
	"github.com/loomworks/loom/internal/testutil"
)

type signalRecorder struct {
	mu      sync.Mutex
	signals []struct {
		subtaskID      uuid.UUID
		thresholdReset bool
	}
}

func (r *signalRecorder) fn(_ uuid.UUID, subtaskID uuid.UUID, thresholdReset bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, struct {
		subtaskID      uuid.UUID
		thresholdReset bool
	}{subtaskID, thresholdReset})
}

func ungroupedCluster(store *fakeStore, userID uuid.UUID, title, description string) model.TaskCluster {
	c := model.TaskCluster{
		ID:          uuid.New(),
		UserID:      userID,
		Title:       title,
		Description: description,
		Status:      model.ClusterStatusCompleted,
		CreatedAt:   time.Now().UTC(),
	}
	_ = store.CreateTaskCluster(context.Background(), c)
	return c
}

// topicGrouper partitions children into one group per distinct leading word,
// standing in for the oracle's semantic grouping.
func topicGrouper(_ context.Context, req oracle.GroupRequest) ([]oracle.GroupResult, error) {
	groups := make(map[string]*oracle.GroupResult)
	var order []string
	for _, child := range req.Children {
		topic := strings.ToLower(strings.Fields(child.Name)[0])
		g, ok := groups[topic]
		if !ok {
			g = &oracle.GroupResult{Title: topic + " work", Summary: "grouped " + topic + " activity"}
			groups[topic] = g
			order = append(order, topic)
		}
		g.MemberIDs = append(g.MemberIDs, child.ID)
	}
	out := make([]oracle.GroupResult, len(order))
	for i, topic := range order {
		out[i] = *groups[topic]
	}
	return out, nil
}

func TestColdStartGroupsByTopic(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()
	rec := &signalRecorder{}

	ungroupedCluster(store, userID, "Auth login flow", "fixing the login form")
	ungroupedCluster(store, userID, "Auth token refresh", "rotating expired tokens")
	ungroupedCluster(store, userID, "Dashboard charts", "latency graphs")
	ungroupedCluster(store, userID, "Dashboard filters", "date range picker")

	agg := NewSubtaskAggregator(store, &stubOracle{group: topicGrouper}, noopRouter(),
		testutil.TestLogger(), func(uuid.UUID, model.Kind) {}, rec.fn)

	require.NoError(t, agg.RunColdStart(ctx, userID))

	subs, err := store.ListSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 2, "auth and dashboard clusters partition into two subtasks")

	byName := make(map[string]model.Subtask)
	for _, s := range subs {
		byName[s.Name] = s
	}
	assert.Len(t, byName["auth work"].MemberTaskIDs, 2)
	assert.Len(t, byName["dashboard work"].MemberTaskIDs, 2)

	remaining, err := store.ListUngroupedClusters(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, remaining, "every cluster was claimed")

	assert.Len(t, rec.signals, 2, "each creation signals the level above")
}

func TestColdStartWaitsForEnoughClusters(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	ungroupedCluster(store, userID, "Auth login flow", "a")
	ungroupedCluster(store, userID, "Dashboard charts", "b")
	ungroupedCluster(store, userID, "Auth tokens", "c")

	agg := NewSubtaskAggregator(store, &stubOracle{}, noopRouter(),
		testutil.TestLogger(), func(uuid.UUID, model.Kind) {}, func(uuid.UUID, uuid.UUID, bool) {})

	// Three ungrouped clusters: below the cold-start minimum, the (unset)
	// oracle group stub must not be reached.
	require.NoError(t, agg.RunColdStart(ctx, userID))
	subs, err := store.ListSubtasks(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func linkRouter(targetID uuid.UUID, similarity float32) *Router {
	return NewRouter(embedding.NewNoopProvider(4), &stubIndex{
		neighbors: []search.Neighbor{{SourceID: targetID, Similarity: similarity}},
	})
}

func TestUpdateCountThresholdFiresCascade(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()

	cases := []struct {
		startCount  int
		wantCascade bool
	}{
		{startCount: 9, wantCascade: true},  // attach makes it 10
		{startCount: 8, wantCascade: false}, // attach makes it 9
	}

	for _, tc := range cases {
		store := newFakeStore()
		rec := &signalRecorder{}

		sub := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Auth work", Summary: "s", CreatedAt: time.Now().UTC()}
		seed := ungroupedCluster(store, userID, "seed", "seed")
		require.NoError(t, store.CreateSubtask(ctx, sub, []uuid.UUID{seed.ID}))
		store.subtasks[sub.ID].UpdateCount = tc.startCount

		agg := NewSubtaskAggregator(store, &stubOracle{}, linkRouter(sub.ID, 0.9),
			testutil.TestLogger(), func(uuid.UUID, model.Kind) {}, rec.fn)

		incoming := ungroupedCluster(store, userID, "Auth retry logic", "more auth work")
		require.NoError(t, agg.HandleNewCluster(ctx, incoming))

		if tc.wantCascade {
			require.Len(t, rec.signals, 1, "start count %d", tc.startCount)
			assert.Equal(t, sub.ID, rec.signals[0].subtaskID)
			assert.True(t, rec.signals[0].thresholdReset)
		} else {
			assert.Empty(t, rec.signals, "start count %d", tc.startCount)
		}
	}
}

func TestMutateBandRewritesTarget(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	sub := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Auth work", Summary: "token plumbing", CreatedAt: time.Now().UTC()}
	seed := ungroupedCluster(store, userID, "seed", "seed")
	require.NoError(t, store.CreateSubtask(ctx, sub, []uuid.UUID{seed.ID}))

	orc := &stubOracle{
		mutate: func(_ context.Context, existing, incoming oracle.UnitText) (oracle.Merged, error) {
			return oracle.Merged{Name: existing.Name, Summary: existing.Summary + "; " + incoming.Summary}, nil
		},
	}
	agg := NewSubtaskAggregator(store, orc, linkRouter(sub.ID, 0.80),
		testutil.TestLogger(), func(uuid.UUID, model.Kind) {}, func(uuid.UUID, uuid.UUID, bool) {})

	incoming := ungroupedCluster(store, userID, "Auth session cache", "session reuse")
	require.NoError(t, agg.HandleNewCluster(ctx, incoming))

	got, err := store.GetSubtask(ctx, userID, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "token plumbing; session reuse", got.Summary)
	assert.Contains(t, got.MemberTaskIDs, incoming.ID, "mutate also attaches the cluster")
	assert.Equal(t, 1, got.UpdateCount)
}

func TestReconcileGoals(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	completes := model.UserGoal{ID: uuid.New(), UserID: userID, Title: "write report", TargetMinutes: 60, Status: model.GoalOpen, CreatedAt: time.Now()}
	stillOpen := model.UserGoal{ID: uuid.New(), UserID: userID, Title: "review designs", TargetMinutes: 60, Status: model.GoalOpen, CreatedAt: time.Now()}
	store.addGoal(completes)
	store.addGoal(stillOpen)

	link := func(goalID uuid.UUID, minutes int) {
		c := ungroupedCluster(store, userID, "work", "work")
		store.mu.Lock()
		store.clusters[c.ID].DurationMinutes = minutes
		g := goalID
		store.clusters[c.ID].LinkedGoalID = &g
		store.mu.Unlock()
	}
	// 20+20+21 >= 60 completes; 20+20+19 < 60 does not.
	link(completes.ID, 20)
	link(completes.ID, 20)
	link(completes.ID, 21)
	link(stillOpen.ID, 20)
	link(stillOpen.ID, 20)
	link(stillOpen.ID, 19)

	agg := NewMajorTaskAggregator(store, &stubOracle{}, noopRouter(),
		testutil.TestLogger(), func(uuid.UUID, model.Kind) {})
	agg.ReconcileGoals(ctx, userID)

	assert.Equal(t, model.GoalCompleted, store.goals[completes.ID].Status)
	require.NotNil(t, store.goals[completes.ID].CompletedAt)
	assert.Equal(t, model.GoalOpen, store.goals[stillOpen.ID].Status)

	// Completion never regresses: another pass leaves the timestamp alone.
	completedAt := *store.goals[completes.ID].CompletedAt
	agg.ReconcileGoals(ctx, userID)
	assert.Equal(t, completedAt, *store.goals[completes.ID].CompletedAt)
}

func TestIngestClassifiesOncePerBatch(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	var classifications int
	orc := &stubOracle{
		classify: func(_ context.Context, events []oracle.BatchEvent) (oracle.BatchClassification, error) {
			classifications++
			require.Len(t, events, 20)
			return oracle.BatchClassification{
				Label:        "Editing",
				Summary:      "working in the editor",
				Apps:         []string{"editor"},
				Productivity: "productive",
				Confidence:   0.9,
			}, nil
		},
	}

	p := New(store, orc, noopRouter(), 20, 5000, testutil.TestLogger())

	for _, e := range makeEvents(userID, 45) {
		res, err := p.Ingest(ctx, e)
		require.NoError(t, err)
		require.True(t, res.Buffered)
	}
	p.cascadeWG.Wait()

	assert.Equal(t, 2, classifications, "exactly one oracle call per 20 events")
	assert.Equal(t, 5, p.BufferLen(userID), "remainder stays buffered")

	clusters, err := store.ListUngroupedClusters(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, clusters, 2)
	for _, c := range clusters {
		assert.Equal(t, "Editing", c.Title)
		// No oracle duration estimate: fall back to max(1, round(20/3)).
		assert.Equal(t, 7, c.DurationMinutes)
	}
}

func TestCascadeResetsCounterAfterAction(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	sub := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Auth work", Summary: "s", CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateSubtask(ctx, sub, nil))
	store.subtasks[sub.ID].UpdateCount = 10

	// No major tasks yet and below the cold-start minimum: the signal is
	// acted on by deciding to wait, which still resets the counter.
	p := New(store, &stubOracle{}, noopRouter(), 20, 5000, testutil.TestLogger())
	p.signalMajor(userID, sub.ID, true)
	p.cascadeWG.Wait()

	assert.Zero(t, store.subtasks[sub.ID].UpdateCount)
}

func TestDedupCadenceEveryFivePasses(t *testing.T) {
	store := newFakeStore()
	p := New(store, &stubOracle{}, noopRouter(), 20, 5000, testutil.TestLogger())
	userID := uuid.New()

	for i := 0; i < 4; i++ {
		p.recordPass(userID, model.KindSubtask)
	}
	assert.False(t, p.dedupIsDue(userID, model.KindSubtask))

	p.recordPass(userID, model.KindSubtask)
	assert.True(t, p.dedupIsDue(userID, model.KindSubtask))
	assert.False(t, p.dedupIsDue(userID, model.KindSubtask), "the due flag is consumed")

	// Levels track independently.
	assert.False(t, p.dedupIsDue(userID, model.KindMajorTask))
}

func TestDrainWaitsForUserLock(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	var oracleDown atomic.Bool
	oracleDown.Store(true)
	orc := &stubOracle{
		classify: func(context.Context, []oracle.BatchEvent) (oracle.BatchClassification, error) {
			if oracleDown.Load() {
				return oracle.BatchClassification{}, errors.New("oracle down")
			}
			return oracle.BatchClassification{Label: "Editing", Summary: "s", Confidence: 0.9}, nil
		},
	}
	p := New(store, orc, noopRouter(), 20, 5000, testutil.TestLogger())

	for _, e := range makeEvents(userID, 20) {
		_, err := p.Ingest(ctx, e)
		require.NoError(t, err)
	}
	require.Equal(t, 20, p.BufferLen(userID), "failed batch is retained")
	oracleDown.Store(false)

	// A held user lock (an in-flight sweep or cascade) must block the drain
	// until released; the drain never flushes around it.
	unlock := p.locks.Lock(userID)
	done := make(chan error, 1)
	go func() { done <- p.Drain(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("drain finished while the user lock was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 20, p.BufferLen(userID))

	unlock()
	require.NoError(t, <-done)
	assert.Zero(t, p.BufferLen(userID), "released lock lets the drain flush the retained batch")

	clusters, err := store.ListUngroupedClusters(ctx, userID)
	require.NoError(t, err)
	assert.Len(t, clusters, 1)
}
