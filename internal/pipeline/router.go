package pipeline

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
	"github.com/loomworks/loom/internal/search"
	"github.com/loomworks/loom/internal/service/embedding"
)

// Action is the routing verdict for one unit against its target level.
type Action string

const (
	// ActionLink attaches the unit to its nearest neighbor unchanged.
	ActionLink Action = "link"
	// ActionMutate folds the unit into its nearest neighbor via the oracle.
	ActionMutate Action = "mutate"
	// ActionClassify falls back to a full oracle re-grouping pass.
	ActionClassify Action = "classify"
)

// Similarity bands. Exact boundaries belong to the higher band: 0.85 links,
// 0.70 mutates.
const (
	linkThreshold   float32 = 0.85
	mutateThreshold float32 = 0.70
)

// Decision is one routing outcome. TargetID and Similarity are only
// meaningful for link and mutate. Vector is the embedded unit text, returned
// so callers never embed the same text twice.
type Decision struct {
	Action     Action
	TargetID   uuid.UUID
	Similarity float32
	Vector     []float32
}

// Router turns unit text into a placement decision by embedding it and
// consulting the nearest neighbor of the target kind for the same user.
type Router struct {
	embedder embedding.Provider
	index    search.Index
}

// NewRouter creates a similarity router over the given provider and index.
func NewRouter(embedder embedding.Provider, index search.Index) *Router {
	return &Router{embedder: embedder, index: index}
}

// Route decides where a unit of the given text belongs among the user's
// existing units of kind. No neighbor at all means classify.
func (r *Router) Route(ctx context.Context, userID uuid.UUID, kind model.Kind, text string) (Decision, error) {
	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return Decision{}, fmt.Errorf("router: embed: %w", err)
	}

	neighbors, err := r.index.NearestNeighbor(ctx, userID, kind, vec.Slice(), 1, 0)
	if err != nil {
		return Decision{}, fmt.Errorf("router: nearest neighbor: %w", err)
	}
	if len(neighbors) == 0 {
		return Decision{Action: ActionClassify, Vector: vec.Slice()}, nil
	}

	best := neighbors[0]
	d := Decision{TargetID: best.SourceID, Similarity: best.Similarity, Vector: vec.Slice()}
	switch {
	case best.Similarity >= linkThreshold:
		d.Action = ActionLink
	case best.Similarity >= mutateThreshold:
		d.Action = ActionMutate
	default:
		d.Action = ActionClassify
	}
	return d, nil
}
