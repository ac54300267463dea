// Package pipeline implements the aggregation pipeline: raw activity events
// buffer per user, every full batch is classified into a task cluster, and
// clusters roll up into subtasks and major tasks via similarity routing,
// oracle re-grouping, and periodic near-duplicate merging.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
)

// Store is the persistence surface the pipeline depends on, implemented by
// *storage.DB. Tests substitute an in-memory fake.
type Store interface {
	// Task clusters.
	CreateTaskCluster(ctx context.Context, c model.TaskCluster) error
	GetTaskCluster(ctx context.Context, userID, id uuid.UUID) (model.TaskCluster, error)
	ListUngroupedClusters(ctx context.Context, userID uuid.UUID) ([]model.TaskCluster, error)
	LinkClusterToGoal(ctx context.Context, userID, clusterID, goalID uuid.UUID) error

	// Subtasks.
	CreateSubtask(ctx context.Context, s model.Subtask, memberIDs []uuid.UUID) error
	GetSubtask(ctx context.Context, userID, id uuid.UUID) (model.Subtask, error)
	ListSubtasks(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error)
	ListUngroupedSubtasks(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error)
	CountSubtasksCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	AttachClusterToSubtask(ctx context.Context, userID, subtaskID, clusterID uuid.UUID) (int, error)
	UpdateSubtaskContent(ctx context.Context, userID, subtaskID uuid.UUID, name, summary string, attachClusterID *uuid.UUID) (int, error)
	ResetSubtaskUpdateCount(ctx context.Context, userID, subtaskID uuid.UUID) error
	MergeSubtasks(ctx context.Context, merged model.Subtask, originalA, originalB uuid.UUID) error
	ListSubtasksWithEmbeddings(ctx context.Context, userID uuid.UUID) ([]model.Subtask, error)

	// Major tasks.
	CreateMajorTask(ctx context.Context, m model.MajorTask, memberIDs []uuid.UUID) error
	GetMajorTask(ctx context.Context, userID, id uuid.UUID) (model.MajorTask, error)
	ListMajorTasks(ctx context.Context, userID uuid.UUID) ([]model.MajorTask, error)
	CountMajorTasksCreatedSince(ctx context.Context, userID uuid.UUID, since time.Time) (int, error)
	AttachSubtaskToMajorTask(ctx context.Context, userID, majorTaskID, subtaskID uuid.UUID, bullet string) (int, error)
	UpdateMajorTaskContent(ctx context.Context, userID, majorTaskID uuid.UUID, title string, bullets []string, attachSubtaskID *uuid.UUID) (int, error)
	ResetMajorTaskUpdateCount(ctx context.Context, userID, majorTaskID uuid.UUID) error
	MergeMajorTasks(ctx context.Context, merged model.MajorTask, originalA, originalB uuid.UUID) error
	ListMajorTasksWithEmbeddings(ctx context.Context, userID uuid.UUID) ([]model.MajorTask, error)

	// Goals.
	ListOpenGoals(ctx context.Context, userID uuid.UUID) ([]model.UserGoal, error)
	SumLinkedClusterMinutes(ctx context.Context, userID, goalID uuid.UUID) (int, error)
	CompleteGoal(ctx context.Context, userID, goalID uuid.UUID, at time.Time) (bool, error)
	ListActiveUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

// dedupEvery is the per-level classification-pass cadence at which the
// near-duplicate merger becomes due for a user.
const dedupEvery = 5

// Pipeline wires the buffer, classifier, aggregators, and merger together
// behind a per-user lock.
type Pipeline struct {
	store  Store
	logger *slog.Logger

	buffer     *EventBuffer
	classifier *Classifier
	subtasks   *SubtaskAggregator
	majors     *MajorTaskAggregator
	dedup      *Deduper
	locks      *userMutex

	// Classification passes completed per user per level, and whether a
	// dedup sweep is due. Guarded by passMu; consulted by the sweeper.
	passMu    sync.Mutex
	passes    map[passKey]int
	dedupDue  map[passKey]bool
	cascadeWG sync.WaitGroup
}

type passKey struct {
	userID uuid.UUID
	kind   model.Kind
}

// New assembles a pipeline. batchSize and bufferCapacity control the event
// buffer; the router is shared by both aggregation levels.
func New(store Store, orc oracle.Oracle, router *Router, batchSize, bufferCapacity int, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		store:    store,
		logger:   logger,
		locks:    newUserMutex(),
		passes:   make(map[passKey]int),
		dedupDue: make(map[passKey]bool),
	}

	p.classifier = NewClassifier(store, orc, logger)
	p.majors = NewMajorTaskAggregator(store, orc, router, logger, p.recordPass)
	p.subtasks = NewSubtaskAggregator(store, orc, router, logger, p.recordPass, p.signalMajor)
	p.dedup = NewDeduper(store, orc, logger)
	p.buffer = NewEventBuffer(batchSize, bufferCapacity, p.flushBatch, logger)

	return p
}

// Ingest accepts one raw activity event. The call returns after any batch
// flush it triggered has completed, so callers observe classification
// synchronously.
func (p *Pipeline) Ingest(ctx context.Context, event model.RawEvent) (AddResult, error) {
	unlock := p.locks.Lock(event.UserID)
	defer unlock()
	return p.buffer.Add(ctx, event)
}

// BufferLen reports a user's current buffered event count.
func (p *Pipeline) BufferLen(userID uuid.UUID) int {
	return p.buffer.Len(userID)
}

// flushBatch classifies one full batch and hands the resulting cluster to
// the subtask aggregator. Called by the buffer under the user's lock.
func (p *Pipeline) flushBatch(ctx context.Context, userID uuid.UUID, events []model.RawEvent) error {
	cluster, err := p.classifier.ClassifyBatch(ctx, userID, events)
	if err != nil {
		return err
	}
	if err := p.subtasks.HandleNewCluster(ctx, cluster); err != nil {
		// The cluster is persisted; aggregation retries on the next
		// trigger. The batch itself must not be re-classified.
		p.logger.Error("pipeline: subtask aggregation failed", "user_id", userID, "cluster_id", cluster.ID, "error", err)
	}
	return nil
}

// signalMajor propagates a subtask-level change up one level without
// blocking the caller. With thresholdReset set, the subtask's update count is
// zeroed once the major-task aggregator has acted on the signal.
func (p *Pipeline) signalMajor(userID, subtaskID uuid.UUID, thresholdReset bool) {
	p.cascadeWG.Add(1)
	go func() {
		defer p.cascadeWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		unlock := p.locks.Lock(userID)
		defer unlock()

		if err := p.majors.HandleSubtaskSignal(ctx, userID, subtaskID); err != nil {
			p.logger.Error("pipeline: major task cascade failed", "user_id", userID, "subtask_id", subtaskID, "error", err)
			return
		}
		if thresholdReset {
			if err := p.store.ResetSubtaskUpdateCount(ctx, userID, subtaskID); err != nil {
				p.logger.Error("pipeline: reset subtask update count failed", "user_id", userID, "subtask_id", subtaskID, "error", err)
			}
		}
	}()
}

// recordPass counts one completed classification pass for a user at a level
// and marks dedup due every dedupEvery passes. The sweeper runs the sweep.
func (p *Pipeline) recordPass(userID uuid.UUID, kind model.Kind) {
	p.passMu.Lock()
	defer p.passMu.Unlock()
	key := passKey{userID: userID, kind: kind}
	p.passes[key]++
	if p.passes[key]%dedupEvery == 0 {
		p.dedupDue[key] = true
	}
}

// dedupIsDue consumes the due flag for a user/level pair.
func (p *Pipeline) dedupIsDue(userID uuid.UUID, kind model.Kind) bool {
	p.passMu.Lock()
	defer p.passMu.Unlock()
	key := passKey{userID: userID, kind: kind}
	due := p.dedupDue[key]
	delete(p.dedupDue, key)
	return due
}

// SweepUser runs the periodic maintenance for one user: retry any pending
// flushes, run cold-start grouping if it is now possible, and run whichever
// dedup sweeps have become due.
func (p *Pipeline) SweepUser(ctx context.Context, userID uuid.UUID) error {
	unlock := p.locks.Lock(userID)
	defer unlock()

	p.buffer.RetryPending(ctx, userID)

	if err := p.subtasks.RunColdStart(ctx, userID); err != nil {
		p.logger.Error("pipeline: cold-start grouping failed", "user_id", userID, "error", err)
	}

	if p.dedupIsDue(userID, model.KindSubtask) {
		if _, err := p.dedup.SweepSubtasks(ctx, userID); err != nil {
			p.logger.Error("pipeline: subtask dedup failed", "user_id", userID, "error", err)
		}
	}
	if p.dedupIsDue(userID, model.KindMajorTask) {
		if _, err := p.dedup.SweepMajorTasks(ctx, userID); err != nil {
			p.logger.Error("pipeline: major task dedup failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// ActiveUsers returns every user the sweeper should visit: recent cluster
// activity in storage plus anyone holding buffered events.
func (p *Pipeline) ActiveUsers(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	users, err := p.store.ListActiveUsers(ctx, since)
	if err != nil {
		return nil, err
	}
	seen := make(map[uuid.UUID]struct{}, len(users))
	for _, id := range users {
		seen[id] = struct{}{}
	}
	for _, id := range p.buffer.Users() {
		if _, ok := seen[id]; !ok {
			users = append(users, id)
		}
	}
	return users, nil
}

// Drain flushes every ready batch and waits for in-flight cascades,
// respecting the context deadline. Each user is drained under the same
// per-user lock that guards ingest, sweeps, and cascades. Partial batches
// are reported, not forced.
func (p *Pipeline) Drain(ctx context.Context) error {
	for _, userID := range p.buffer.Users() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pipeline: drain interrupted: %w", err)
		}
		unlock := p.locks.Lock(userID)
		p.buffer.DrainUser(ctx, userID)
		unlock()
	}
	if remaining := p.buffer.Depth(); remaining > 0 {
		p.logger.Info("pipeline: drain leaving partial batches buffered", "events", remaining)
	}

	done := make(chan struct{})
	go func() {
		p.cascadeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
