package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/oracle"
)

// Dedup qualification: a pair merges only when its cached embeddings are
// close AND its memberships barely overlap. High overlap means the routing
// layer already treats them as one unit; merging would churn for nothing.
const (
	dedupSimilarityMin = 0.75
	dedupOverlapMax    = 0.5
)

// Deduper finds and merges near-duplicate units within one level. Candidate
// pairs are processed in descending similarity; any pair touching an
// already-merged unit this sweep is skipped and reconsidered next time.
type Deduper struct {
	store  Store
	oracle oracle.Oracle
	logger *slog.Logger
}

// NewDeduper creates the near-duplicate merger.
func NewDeduper(store Store, orc oracle.Oracle, logger *slog.Logger) *Deduper {
	return &Deduper{store: store, oracle: orc, logger: logger}
}

type dedupPair struct {
	a, b       uuid.UUID
	similarity float32
}

// SweepSubtasks merges qualifying subtask pairs. Originals are hard-deleted;
// their clusters move to the merged unit. When both originals sit under the
// same major task the merged unit inherits that parent; a cross-parent merge
// leaves the merged unit ungrouped and the storage layer archives any major
// task the merge emptied. Returns the number of merges.
func (d *Deduper) SweepSubtasks(ctx context.Context, userID uuid.UUID) (int, error) {
	subtasks, err := d.store.ListSubtasksWithEmbeddings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("dedup: load subtasks: %w", err)
	}

	byID := make(map[uuid.UUID]model.Subtask, len(subtasks))
	units := make([]dedupUnit, len(subtasks))
	for i, s := range subtasks {
		byID[s.ID] = s
		units[i] = dedupUnit{id: s.ID, vector: s.Embedding.Slice(), members: s.MemberTaskIDs}
	}

	merges := 0
	for _, pair := range qualifyingPairs(units) {
		a, b := byID[pair.a], byID[pair.b]
		merged, err := d.oracle.MergeUnits(ctx,
			oracle.UnitText{ID: a.ID, Name: a.Name, Summary: a.Summary},
			oracle.UnitText{ID: b.ID, Name: b.Name, Summary: b.Summary},
		)
		if err != nil {
			d.logger.Error("dedup: subtask merge oracle call failed",
				"user_id", userID, "a", a.ID, "b", b.ID, "error", err)
			continue
		}
		sub := model.Subtask{
			ID:        uuid.New(),
			UserID:    userID,
			Name:      merged.Name,
			Summary:   merged.Summary,
			CreatedAt: time.Now().UTC(),
		}
		if a.MajorTaskID != nil && b.MajorTaskID != nil && *a.MajorTaskID == *b.MajorTaskID {
			sub.MajorTaskID = a.MajorTaskID
		}
		if err := d.store.MergeSubtasks(ctx, sub, a.ID, b.ID); err != nil {
			return merges, fmt.Errorf("dedup: merge subtasks %s+%s: %w", a.ID, b.ID, err)
		}
		d.logger.Info("dedup: subtasks merged",
			"user_id", userID, "merged_id", sub.ID, "a", a.ID, "b", b.ID, "similarity", pair.similarity)
		merges++
	}
	return merges, nil
}

// SweepMajorTasks merges qualifying major task pairs. Originals are archived
// with a title prefix rather than deleted; their subtasks move to the merged
// unit. Returns the number of merges.
func (d *Deduper) SweepMajorTasks(ctx context.Context, userID uuid.UUID) (int, error) {
	majors, err := d.store.ListMajorTasksWithEmbeddings(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("dedup: load major tasks: %w", err)
	}

	byID := make(map[uuid.UUID]model.MajorTask, len(majors))
	units := make([]dedupUnit, len(majors))
	for i, m := range majors {
		byID[m.ID] = m
		units[i] = dedupUnit{id: m.ID, vector: m.Embedding.Slice(), members: m.MemberSubtaskIDs}
	}

	merges := 0
	for _, pair := range qualifyingPairs(units) {
		a, b := byID[pair.a], byID[pair.b]
		merged, err := d.oracle.MergeUnits(ctx,
			oracle.UnitText{ID: a.ID, Name: a.Title, Summary: a.EmbeddingText()},
			oracle.UnitText{ID: b.ID, Name: b.Title, Summary: b.EmbeddingText()},
		)
		if err != nil {
			d.logger.Error("dedup: major task merge oracle call failed",
				"user_id", userID, "a", a.ID, "b", b.ID, "error", err)
			continue
		}
		bullets := append(append([]string{}, a.SummaryBullets...), b.SummaryBullets...)
		major := model.MajorTask{
			ID:             uuid.New(),
			UserID:         userID,
			Title:          merged.Name,
			SummaryBullets: append([]string{merged.Summary}, bullets...),
			Status:         model.MajorTaskActive,
			CreatedAt:      time.Now().UTC(),
		}
		if err := d.store.MergeMajorTasks(ctx, major, a.ID, b.ID); err != nil {
			return merges, fmt.Errorf("dedup: merge major tasks %s+%s: %w", a.ID, b.ID, err)
		}
		d.logger.Info("dedup: major tasks merged",
			"user_id", userID, "merged_id", major.ID, "a", a.ID, "b", b.ID, "similarity", pair.similarity)
		merges++
	}
	return merges, nil
}

type dedupUnit struct {
	id      uuid.UUID
	vector  []float32
	members []uuid.UUID
}

// qualifyingPairs returns mergeable pairs in descending similarity, with any
// pair touching a unit consumed by an earlier pair dropped.
func qualifyingPairs(units []dedupUnit) []dedupPair {
	var pairs []dedupPair
	for i := 0; i < len(units); i++ {
		for j := i + 1; j < len(units); j++ {
			sim := cosineSimilarity(units[i].vector, units[j].vector)
			if sim < dedupSimilarityMin {
				continue
			}
			if memberOverlap(units[i].members, units[j].members) >= dedupOverlapMax {
				continue
			}
			pairs = append(pairs, dedupPair{a: units[i].id, b: units[j].id, similarity: sim})
		}
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].similarity > pairs[j].similarity })

	consumed := make(map[uuid.UUID]bool)
	kept := pairs[:0]
	for _, p := range pairs {
		if consumed[p.a] || consumed[p.b] {
			continue
		}
		consumed[p.a], consumed[p.b] = true, true
		kept = append(kept, p)
	}
	return kept
}

// memberOverlap is |A∩B| over the smaller set's size. Empty sets never
// overlap.
func memberOverlap(a, b []uuid.UUID) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		set[id] = true
	}
	shared := 0
	for _, id := range b {
		if set[id] {
			shared++
		}
	}
	smaller := len(a)
	if len(b) < smaller {
		smaller = len(b)
	}
	return float64(shared) / float64(smaller)
}

// cosineSimilarity computes the cosine of two vectors. Zero or mismatched
// vectors score 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
