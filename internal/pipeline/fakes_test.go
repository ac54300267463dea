package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
	"github.com/loomworks/loom/internal/search"
	"github.com/loomworks/loom/internal/service/embedding"
)

// fakeStore is an in-memory Store with the same membership semantics as the
// Postgres layer: parent pointers live on the child, member ids are hydrated
// on read.
type fakeStore struct {
	mu         sync.Mutex
	clusters   map[uuid.UUID]*model.TaskCluster
	clusterIDs []uuid.UUID
	subtasks   map[uuid.UUID]*model.Subtask
	subtaskIDs []uuid.UUID
	majors     map[uuid.UUID]*model.MajorTask
	majorIDs   []uuid.UUID
	goals      map[uuid.UUID]*model.UserGoal
	goalIDs    []uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		clusters: make(map[uuid.UUID]*model.TaskCluster),
		subtasks: make(map[uuid.UUID]*model.Subtask),
		majors:   make(map[uuid.UUID]*model.MajorTask),
		goals:    make(map[uuid.UUID]*model.UserGoal),
	}
}

func (s *fakeStore) CreateTaskCluster(_ context.Context, c model.TaskCluster) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := c
	s.clusters[c.ID] = &cc
	s.clusterIDs = append(s.clusterIDs, c.ID)
	return nil
}

func (s *fakeStore) GetTaskCluster(_ context.Context, userID, id uuid.UUID) (model.TaskCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[id]
	if !ok || c.UserID != userID {
		return model.TaskCluster{}, fmt.Errorf("cluster %s not found", id)
	}
	return *c, nil
}

func (s *fakeStore) ListUngroupedClusters(_ context.Context, userID uuid.UUID) ([]model.TaskCluster, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.TaskCluster
	for _, id := range s.clusterIDs {
		c := s.clusters[id]
		if c.UserID == userID && c.SubtaskID == nil {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (s *fakeStore) LinkClusterToGoal(_ context.Context, userID, clusterID, goalID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clusters[clusterID]
	if !ok || c.UserID != userID {
		return fmt.Errorf("cluster %s not found", clusterID)
	}
	g := goalID
	c.LinkedGoalID = &g
	return nil
}

func (s *fakeStore) CreateSubtask(_ context.Context, sub model.Subtask, memberIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc := sub
	sc.UpdateCount = 0
	s.subtasks[sub.ID] = &sc
	s.subtaskIDs = append(s.subtaskIDs, sub.ID)
	for _, id := range memberIDs {
		if c, ok := s.clusters[id]; ok && c.UserID == sub.UserID {
			sid := sub.ID
			c.SubtaskID = &sid
		}
	}
	return nil
}

func (s *fakeStore) hydrateSubtask(sub *model.Subtask) model.Subtask {
	out := *sub
	out.MemberTaskIDs = nil
	for _, id := range s.clusterIDs {
		c := s.clusters[id]
		if c.SubtaskID != nil && *c.SubtaskID == sub.ID {
			out.MemberTaskIDs = append(out.MemberTaskIDs, id)
		}
	}
	return out
}

func (s *fakeStore) GetSubtask(_ context.Context, userID, id uuid.UUID) (model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[id]
	if !ok || sub.UserID != userID {
		return model.Subtask{}, fmt.Errorf("subtask %s not found", id)
	}
	return s.hydrateSubtask(sub), nil
}

func (s *fakeStore) ListSubtasks(_ context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subtask
	for _, id := range s.subtaskIDs {
		if sub, ok := s.subtasks[id]; ok && sub.UserID == userID {
			out = append(out, s.hydrateSubtask(sub))
		}
	}
	return out, nil
}

func (s *fakeStore) ListUngroupedSubtasks(_ context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subtask
	for _, id := range s.subtaskIDs {
		if sub, ok := s.subtasks[id]; ok && sub.UserID == userID && sub.MajorTaskID == nil {
			out = append(out, s.hydrateSubtask(sub))
		}
	}
	return out, nil
}

func (s *fakeStore) CountSubtasksCreatedSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, sub := range s.subtasks {
		if sub.UserID == userID && !sub.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) AttachClusterToSubtask(_ context.Context, userID, subtaskID, clusterID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok || sub.UserID != userID {
		return 0, fmt.Errorf("subtask %s not found", subtaskID)
	}
	if c, ok := s.clusters[clusterID]; ok && c.UserID == userID {
		sid := subtaskID
		c.SubtaskID = &sid
	}
	sub.UpdateCount++
	return sub.UpdateCount, nil
}

func (s *fakeStore) UpdateSubtaskContent(_ context.Context, userID, subtaskID uuid.UUID, name, summary string, attachClusterID *uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subtasks[subtaskID]
	if !ok || sub.UserID != userID {
		return 0, fmt.Errorf("subtask %s not found", subtaskID)
	}
	sub.Name, sub.Summary = name, summary
	sub.UpdateCount++
	if attachClusterID != nil {
		if c, ok := s.clusters[*attachClusterID]; ok && c.UserID == userID {
			sid := subtaskID
			c.SubtaskID = &sid
		}
	}
	return sub.UpdateCount, nil
}

func (s *fakeStore) ResetSubtaskUpdateCount(_ context.Context, userID, subtaskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subtasks[subtaskID]; ok && sub.UserID == userID {
		sub.UpdateCount = 0
	}
	return nil
}

func (s *fakeStore) MergeSubtasks(_ context.Context, merged model.Subtask, originalA, originalB uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var parents []uuid.UUID
	for _, id := range []uuid.UUID{originalA, originalB} {
		if sub, ok := s.subtasks[id]; ok && sub.MajorTaskID != nil {
			parents = append(parents, *sub.MajorTaskID)
		}
	}
	mc := merged
	mc.UpdateCount = 0
	s.subtasks[merged.ID] = &mc
	s.subtaskIDs = append(s.subtaskIDs, merged.ID)
	for _, id := range s.clusterIDs {
		c := s.clusters[id]
		if c.SubtaskID != nil && (*c.SubtaskID == originalA || *c.SubtaskID == originalB) {
			mid := merged.ID
			c.SubtaskID = &mid
		}
	}
	delete(s.subtasks, originalA)
	delete(s.subtasks, originalB)
	for _, parentID := range parents {
		m, ok := s.majors[parentID]
		if !ok || m.Status != model.MajorTaskActive {
			continue
		}
		empty := true
		for _, sub := range s.subtasks {
			if sub.MajorTaskID != nil && *sub.MajorTaskID == parentID {
				empty = false
				break
			}
		}
		if empty {
			m.Status = model.MajorTaskArchived
			m.Title = model.ArchivedTitlePrefix + m.Title
		}
	}
	return nil
}

func (s *fakeStore) ListSubtasksWithEmbeddings(_ context.Context, userID uuid.UUID) ([]model.Subtask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Subtask
	for _, id := range s.subtaskIDs {
		if sub, ok := s.subtasks[id]; ok && sub.UserID == userID && sub.Embedding != nil {
			out = append(out, s.hydrateSubtask(sub))
		}
	}
	return out, nil
}

func (s *fakeStore) CreateMajorTask(_ context.Context, m model.MajorTask, memberIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := m
	mc.UpdateCount = 0
	mc.Status = model.MajorTaskActive
	s.majors[m.ID] = &mc
	s.majorIDs = append(s.majorIDs, m.ID)
	for _, id := range memberIDs {
		if sub, ok := s.subtasks[id]; ok && sub.UserID == m.UserID {
			mid := m.ID
			sub.MajorTaskID = &mid
		}
	}
	return nil
}

func (s *fakeStore) hydrateMajor(m *model.MajorTask) model.MajorTask {
	out := *m
	out.MemberSubtaskIDs = nil
	for _, id := range s.subtaskIDs {
		if sub, ok := s.subtasks[id]; ok && sub.MajorTaskID != nil && *sub.MajorTaskID == m.ID {
			out.MemberSubtaskIDs = append(out.MemberSubtaskIDs, id)
		}
	}
	return out
}

func (s *fakeStore) GetMajorTask(_ context.Context, userID, id uuid.UUID) (model.MajorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.majors[id]
	if !ok || m.UserID != userID {
		return model.MajorTask{}, fmt.Errorf("major task %s not found", id)
	}
	return s.hydrateMajor(m), nil
}

func (s *fakeStore) ListMajorTasks(_ context.Context, userID uuid.UUID) ([]model.MajorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MajorTask
	for _, id := range s.majorIDs {
		if m, ok := s.majors[id]; ok && m.UserID == userID && m.Status == model.MajorTaskActive {
			out = append(out, s.hydrateMajor(m))
		}
	}
	return out, nil
}

func (s *fakeStore) CountMajorTasksCreatedSince(_ context.Context, userID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.majors {
		if m.UserID == userID && !m.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) AttachSubtaskToMajorTask(_ context.Context, userID, majorTaskID, subtaskID uuid.UUID, bullet string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.majors[majorTaskID]
	if !ok || m.UserID != userID || m.Status != model.MajorTaskActive {
		return 0, fmt.Errorf("major task %s not found", majorTaskID)
	}
	if sub, ok := s.subtasks[subtaskID]; ok && sub.UserID == userID {
		mid := majorTaskID
		sub.MajorTaskID = &mid
	}
	m.SummaryBullets = append(m.SummaryBullets, bullet)
	m.UpdateCount++
	return m.UpdateCount, nil
}

func (s *fakeStore) UpdateMajorTaskContent(_ context.Context, userID, majorTaskID uuid.UUID, title string, bullets []string, attachSubtaskID *uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.majors[majorTaskID]
	if !ok || m.UserID != userID || m.Status != model.MajorTaskActive {
		return 0, fmt.Errorf("major task %s not found", majorTaskID)
	}
	m.Title, m.SummaryBullets = title, bullets
	m.UpdateCount++
	if attachSubtaskID != nil {
		if sub, ok := s.subtasks[*attachSubtaskID]; ok && sub.UserID == userID {
			mid := majorTaskID
			sub.MajorTaskID = &mid
		}
	}
	return m.UpdateCount, nil
}

func (s *fakeStore) ResetMajorTaskUpdateCount(_ context.Context, userID, majorTaskID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.majors[majorTaskID]; ok && m.UserID == userID {
		m.UpdateCount = 0
	}
	return nil
}

func (s *fakeStore) MergeMajorTasks(_ context.Context, merged model.MajorTask, originalA, originalB uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mc := merged
	mc.UpdateCount = 0
	mc.Status = model.MajorTaskActive
	s.majors[merged.ID] = &mc
	s.majorIDs = append(s.majorIDs, merged.ID)
	for _, id := range s.subtaskIDs {
		if sub, ok := s.subtasks[id]; ok && sub.MajorTaskID != nil && (*sub.MajorTaskID == originalA || *sub.MajorTaskID == originalB) {
			mid := merged.ID
			sub.MajorTaskID = &mid
		}
	}
	for _, id := range []uuid.UUID{originalA, originalB} {
		if m, ok := s.majors[id]; ok {
			m.Status = model.MajorTaskArchived
			m.Title = model.ArchivedTitlePrefix + m.Title
		}
	}
	return nil
}

func (s *fakeStore) ListMajorTasksWithEmbeddings(_ context.Context, userID uuid.UUID) ([]model.MajorTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.MajorTask
	for _, id := range s.majorIDs {
		if m, ok := s.majors[id]; ok && m.UserID == userID && m.Status == model.MajorTaskActive && m.Embedding != nil {
			out = append(out, s.hydrateMajor(m))
		}
	}
	return out, nil
}

func (s *fakeStore) addGoal(g model.UserGoal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gc := g
	s.goals[g.ID] = &gc
	s.goalIDs = append(s.goalIDs, g.ID)
}

func (s *fakeStore) ListOpenGoals(_ context.Context, userID uuid.UUID) ([]model.UserGoal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.UserGoal
	for _, id := range s.goalIDs {
		if g, ok := s.goals[id]; ok && g.UserID == userID && g.Status == model.GoalOpen {
			out = append(out, *g)
		}
	}
	return out, nil
}

func (s *fakeStore) SumLinkedClusterMinutes(_ context.Context, userID, goalID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, c := range s.clusters {
		if c.UserID == userID && c.LinkedGoalID != nil && *c.LinkedGoalID == goalID {
			total += c.DurationMinutes
		}
	}
	return total, nil
}

func (s *fakeStore) CompleteGoal(_ context.Context, userID, goalID uuid.UUID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.goals[goalID]
	if !ok || g.UserID != userID || g.Status != model.GoalOpen {
		return false, nil
	}
	g.Status = model.GoalCompleted
	atc := at
	g.CompletedAt = &atc
	return true, nil
}

func (s *fakeStore) ListActiveUsers(_ context.Context, since time.Time) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, id := range s.clusterIDs {
		c := s.clusters[id]
		if !c.CreatedAt.Before(since) && !seen[c.UserID] {
			seen[c.UserID] = true
			out = append(out, c.UserID)
		}
	}
	return out, nil
}

// stubOracle scripts oracle behavior per test. Unset functions fail loudly.
type stubOracle struct {
	classify func(ctx context.Context, events []oracle.BatchEvent) (oracle.BatchClassification, error)
	group    func(ctx context.Context, req oracle.GroupRequest) ([]oracle.GroupResult, error)
	mutate   func(ctx context.Context, existing, incoming oracle.UnitText) (oracle.Merged, error)
	merge    func(ctx context.Context, a, b oracle.UnitText) (oracle.Merged, error)
}

func (o *stubOracle) ClassifyBatch(ctx context.Context, events []oracle.BatchEvent) (oracle.BatchClassification, error) {
	if o.classify == nil {
		return oracle.BatchClassification{}, fmt.Errorf("stub: classify not scripted")
	}
	return o.classify(ctx, events)
}

func (o *stubOracle) GroupUnits(ctx context.Context, req oracle.GroupRequest) ([]oracle.GroupResult, error) {
	if o.group == nil {
		return nil, fmt.Errorf("stub: group not scripted")
	}
	return o.group(ctx, req)
}

func (o *stubOracle) MutateUnit(ctx context.Context, existing, incoming oracle.UnitText) (oracle.Merged, error) {
	if o.mutate == nil {
		return oracle.Merged{}, fmt.Errorf("stub: mutate not scripted")
	}
	return o.mutate(ctx, existing, incoming)
}

func (o *stubOracle) MergeUnits(ctx context.Context, a, b oracle.UnitText) (oracle.Merged, error) {
	if o.merge == nil {
		return oracle.Merged{}, fmt.Errorf("stub: merge not scripted")
	}
	return o.merge(ctx, a, b)
}

// stubIndex returns a scripted neighbor list for every query.
type stubIndex struct {
	neighbors []search.Neighbor
	err       error
}

func (i *stubIndex) NearestNeighbor(context.Context, uuid.UUID, model.Kind, []float32, int, float32) ([]search.Neighbor, error) {
	return i.neighbors, i.err
}
func (i *stubIndex) Upsert(context.Context, []search.Point) error  { return nil }
func (i *stubIndex) DeleteByIDs(context.Context, []uuid.UUID) error { return nil }
func (i *stubIndex) Healthy(context.Context) error                 { return nil }

func noopRouter() *Router {
	return NewRouter(embedding.NewNoopProvider(4), &stubIndex{})
}
