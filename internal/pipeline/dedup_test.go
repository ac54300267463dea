package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
	"github.com/loomworks/loom/internal/testutil"
)

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 0}, []float32{2, 0}), 1e-6)
	assert.InDelta(t, 0.0, cosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, cosineSimilarity([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Equal(t, float32(0), cosineSimilarity(nil, []float32{1}))
	assert.Equal(t, float32(0), cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestMemberOverlap(t *testing.T) {
	a, b, c, d, e := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	// 3 shared over min(5,5)=5 -> 60%.
	overlapA := []uuid.UUID{a, b, c, d, e}
	overlapB := []uuid.UUID{a, b, c, uuid.New(), uuid.New()}
	assert.InDelta(t, 0.6, memberOverlap(overlapA, overlapB), 1e-9)

	assert.Equal(t, 0.0, memberOverlap(nil, overlapA))
	assert.Equal(t, 1.0, memberOverlap([]uuid.UUID{a}, []uuid.UUID{a, b}))
}

func TestQualifyingPairsOrderAndConsumption(t *testing.T) {
	// Three units on a line: u0·u1 ≈ 0.999, u0·u2 ≈ 0.98, u1·u2 ≈ 0.99.
	// All pairs qualify; only the best may merge because u0 and u1 are
	// consumed by it, and u2's best partner is gone this sweep.
	u0 := dedupUnit{id: uuid.New(), vector: []float32{1, 0}}
	u1 := dedupUnit{id: uuid.New(), vector: []float32{0.999, 0.0447}}
	u2 := dedupUnit{id: uuid.New(), vector: []float32{0.98, 0.198}}

	pairs := qualifyingPairs([]dedupUnit{u0, u1, u2})
	require.Len(t, pairs, 1)
	assert.Equal(t, u0.id, pairs[0].a)
	assert.Equal(t, u1.id, pairs[0].b)
}

func TestQualifyingPairsRejectsHighOverlap(t *testing.T) {
	// Similarity 0.9 qualifies, but 60% member overlap does not.
	shared := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	membersA := append([]uuid.UUID{uuid.New(), uuid.New()}, shared...)
	membersB := append([]uuid.UUID{uuid.New(), uuid.New()}, shared...)

	u0 := dedupUnit{id: uuid.New(), vector: []float32{1, 0}, members: membersA}
	u1 := dedupUnit{id: uuid.New(), vector: []float32{0.9, 0.436}, members: membersB}

	assert.Empty(t, qualifyingPairs([]dedupUnit{u0, u1}))
}

func TestQualifyingPairsRejectsLowSimilarity(t *testing.T) {
	u0 := dedupUnit{id: uuid.New(), vector: []float32{1, 0}}
	u1 := dedupUnit{id: uuid.New(), vector: []float32{0.7, 0.714}} // cosine ≈ 0.70

	assert.Empty(t, qualifyingPairs([]dedupUnit{u0, u1}))
}

func TestSweepSubtasksMergeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	vec := pgvector.NewVector([]float32{1, 0, 0, 0})
	subA := model.Subtask{ID: uuid.New(), UserID: userID, Name: "API auth", Summary: "token work", Embedding: &vec, CreatedAt: time.Now()}
	subB := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Auth API", Summary: "token work again", Embedding: &vec, CreatedAt: time.Now()}

	clusters := make([]uuid.UUID, 4)
	for i := range clusters {
		c := model.TaskCluster{ID: uuid.New(), UserID: userID, Title: "work", CreatedAt: time.Now()}
		require.NoError(t, store.CreateTaskCluster(ctx, c))
		clusters[i] = c.ID
	}
	require.NoError(t, store.CreateSubtask(ctx, subA, clusters[:2]))
	require.NoError(t, store.CreateSubtask(ctx, subB, clusters[2:]))
	// CreateSubtask strips the embedding in the real layer; restore for dedup.
	store.subtasks[subA.ID].Embedding = &vec
	store.subtasks[subB.ID].Embedding = &vec

	orc := &stubOracle{
		merge: func(_ context.Context, a, b oracle.UnitText) (oracle.Merged, error) {
			return oracle.Merged{Name: "Auth work", Summary: a.Summary + " / " + b.Summary}, nil
		},
	}
	d := NewDeduper(store, orc, testutil.TestLogger())

	merges, err := d.SweepSubtasks(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, merges)

	subs, err := store.ListSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 1, "originals are deleted")
	assert.Equal(t, "Auth work", subs[0].Name)
	assert.ElementsMatch(t, clusters, subs[0].MemberTaskIDs, "merged unit holds the union of members")

	// An immediate re-sweep finds nothing to merge.
	merges, err = d.SweepSubtasks(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, merges)
}

func TestSweepSubtasksKeepsSharedParent(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	vec := pgvector.NewVector([]float32{1, 0, 0, 0})
	subA := model.Subtask{ID: uuid.New(), UserID: userID, Name: "API auth", CreatedAt: time.Now()}
	subB := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Auth API", CreatedAt: time.Now()}

	cA := model.TaskCluster{ID: uuid.New(), UserID: userID, Title: "work", CreatedAt: time.Now()}
	cB := model.TaskCluster{ID: uuid.New(), UserID: userID, Title: "work", CreatedAt: time.Now()}
	require.NoError(t, store.CreateTaskCluster(ctx, cA))
	require.NoError(t, store.CreateTaskCluster(ctx, cB))
	require.NoError(t, store.CreateSubtask(ctx, subA, []uuid.UUID{cA.ID}))
	require.NoError(t, store.CreateSubtask(ctx, subB, []uuid.UUID{cB.ID}))

	major := model.MajorTask{ID: uuid.New(), UserID: userID, Title: "Auth platform", Status: model.MajorTaskActive, CreatedAt: time.Now()}
	require.NoError(t, store.CreateMajorTask(ctx, major, []uuid.UUID{subA.ID, subB.ID}))
	store.subtasks[subA.ID].Embedding = &vec
	store.subtasks[subB.ID].Embedding = &vec

	orc := &stubOracle{
		merge: func(_ context.Context, a, b oracle.UnitText) (oracle.Merged, error) {
			return oracle.Merged{Name: "Auth work", Summary: "combined"}, nil
		},
	}
	d := NewDeduper(store, orc, testutil.TestLogger())

	merges, err := d.SweepSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, merges)

	subs, err := store.ListSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.NotNil(t, subs[0].MajorTaskID, "merged unit stays under the shared parent")
	assert.Equal(t, major.ID, *subs[0].MajorTaskID)

	parent, err := store.GetMajorTask(ctx, userID, major.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MajorTaskActive, parent.Status)
	assert.Equal(t, []uuid.UUID{subs[0].ID}, parent.MemberSubtaskIDs)
}

func TestSweepSubtasksCrossParentMergeArchivesEmptiedParents(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	vec := pgvector.NewVector([]float32{1, 0, 0, 0})
	subA := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Billing fixes", CreatedAt: time.Now()}
	subB := model.Subtask{ID: uuid.New(), UserID: userID, Name: "Billing cleanup", CreatedAt: time.Now()}
	require.NoError(t, store.CreateSubtask(ctx, subA, nil))
	require.NoError(t, store.CreateSubtask(ctx, subB, nil))

	majA := model.MajorTask{ID: uuid.New(), UserID: userID, Title: "Billing", Status: model.MajorTaskActive, CreatedAt: time.Now()}
	majB := model.MajorTask{ID: uuid.New(), UserID: userID, Title: "Invoicing", Status: model.MajorTaskActive, CreatedAt: time.Now()}
	require.NoError(t, store.CreateMajorTask(ctx, majA, []uuid.UUID{subA.ID}))
	require.NoError(t, store.CreateMajorTask(ctx, majB, []uuid.UUID{subB.ID}))
	store.subtasks[subA.ID].Embedding = &vec
	store.subtasks[subB.ID].Embedding = &vec

	orc := &stubOracle{
		merge: func(_ context.Context, a, b oracle.UnitText) (oracle.Merged, error) {
			return oracle.Merged{Name: "Billing work", Summary: "combined"}, nil
		},
	}
	d := NewDeduper(store, orc, testutil.TestLogger())

	merges, err := d.SweepSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Equal(t, 1, merges)

	subs, err := store.ListSubtasks(ctx, userID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Nil(t, subs[0].MajorTaskID, "a cross-parent merge leaves the merged unit ungrouped")

	// Both parents lost their only member and must not linger as empty
	// active majors.
	assert.Equal(t, model.MajorTaskArchived, store.majors[majA.ID].Status)
	assert.Equal(t, model.ArchivedTitlePrefix+"Billing", store.majors[majA.ID].Title)
	assert.Equal(t, model.MajorTaskArchived, store.majors[majB.ID].Status)
}

func TestSweepMajorTasksArchivesOriginals(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	store := newFakeStore()

	vec := pgvector.NewVector([]float32{0, 1, 0, 0})
	majA := model.MajorTask{ID: uuid.New(), UserID: userID, Title: "Platform", SummaryBullets: []string{"a"}, Status: model.MajorTaskActive, CreatedAt: time.Now()}
	majB := model.MajorTask{ID: uuid.New(), UserID: userID, Title: "Platform infra", SummaryBullets: []string{"b"}, Status: model.MajorTaskActive, CreatedAt: time.Now()}

	subs := make([]uuid.UUID, 2)
	for i := range subs {
		s := model.Subtask{ID: uuid.New(), UserID: userID, Name: "s", CreatedAt: time.Now()}
		require.NoError(t, store.CreateSubtask(ctx, s, nil))
		subs[i] = s.ID
	}
	require.NoError(t, store.CreateMajorTask(ctx, majA, subs[:1]))
	require.NoError(t, store.CreateMajorTask(ctx, majB, subs[1:]))
	store.majors[majA.ID].Embedding = &vec
	store.majors[majB.ID].Embedding = &vec

	orc := &stubOracle{
		merge: func(_ context.Context, a, b oracle.UnitText) (oracle.Merged, error) {
			return oracle.Merged{Name: "Platform", Summary: "combined"}, nil
		},
	}
	d := NewDeduper(store, orc, testutil.TestLogger())

	merges, err := d.SweepMajorTasks(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 1, merges)

	active, err := store.ListMajorTasks(ctx, userID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.ElementsMatch(t, subs, active[0].MemberSubtaskIDs)

	// Originals are archived with the title prefix, not deleted.
	assert.Equal(t, model.MajorTaskArchived, store.majors[majA.ID].Status)
	assert.Equal(t, model.ArchivedTitlePrefix+"Platform", store.majors[majA.ID].Title)
	assert.Equal(t, model.MajorTaskArchived, store.majors[majB.ID].Status)
}
