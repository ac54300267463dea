// Package search provides the vector similarity index used for routing
// units into the work hierarchy, plus the outbox worker that keeps the
// index in sync with Postgres.
package search

import (
	"context"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/model"
)

// Neighbor is one nearest-neighbor hit: the unit id and its raw cosine
// similarity. The caller hydrates full units from Postgres (source of truth).
type Neighbor struct {
	SourceID   uuid.UUID
	Similarity float32
}

// Index is the similarity-search contract the router and outbox depend on.
// Implementations must be safe for concurrent use.
type Index interface {
	// NearestNeighbor returns up to k units of the given kind owned by the
	// user, most similar first. minSimilarity 0 means "always return the
	// best match if any exists".
	NearestNeighbor(ctx context.Context, userID uuid.UUID, kind model.Kind, vector []float32, k int, minSimilarity float32) ([]Neighbor, error)

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByIDs removes points by unit id.
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Point is the data needed to upsert one hierarchy unit into the index.
type Point struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Kind    model.Kind
	Content string
	Vector  []float32
}
