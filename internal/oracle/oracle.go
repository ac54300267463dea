// Package oracle is the client for the external text-classification
// service. The oracle is a black box behind a chat-completion API: it turns
// event batches into task clusters, regroups units into parents, and
// authors merged or mutated unit summaries.
//
// All responses are decoded strictly: the contract fixes the JSON shape,
// and any deviation (markdown fences, wrong top-level type, missing
// fields) is a MalformedOutputError with the raw output preserved for
// diagnosis. Network and non-2xx failures are TransientError. Neither is
// retried here — the next pipeline trigger is the only retry path.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BatchEvent is the per-event slice of a classification prompt: only the
// fields the oracle needs to label a batch.
type BatchEvent struct {
	Timestamp time.Time `json:"timestamp"`
	App       string    `json:"app"`
	Title     string    `json:"title"`
}

// BatchClassification is the oracle's verdict on one event batch. Exactly
// one cluster object per batch; anything else is malformed.
type BatchClassification struct {
	Label           string   `json:"label"`
	Summary         string   `json:"summary"`
	Apps            []string `json:"apps"`
	Keywords        []string `json:"keywords"`
	Productivity    string   `json:"productivity"`
	Confidence      float32  `json:"confidence"`
	DurationSeconds *int     `json:"duration_seconds,omitempty"`
}

// UnitText is the text identity of an existing or candidate unit as
// presented to the oracle.
type UnitText struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Summary string    `json:"summary"`
}

// GroupRequest asks the oracle to partition ungrouped children into
// parents, given the summaries of parents that already exist.
type GroupRequest struct {
	Children []UnitText
	Parents  []UnitText
}

// GroupResult is one parent in the oracle's grouping answer. A non-nil
// ParentID signals "update this existing parent"; nil signals "create".
type GroupResult struct {
	ParentID  *uuid.UUID  `json:"parent_id,omitempty"`
	Title     string      `json:"title"`
	Summary   string      `json:"summary"`
	Bullets   []string    `json:"bullets,omitempty"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

// Merged is the single name/summary pair produced by a mutate or merge call.
type Merged struct {
	Name    string `json:"name"`
	Summary string `json:"summary"`
}

// Oracle is the classification contract the pipeline depends on.
// Implementations must be safe for concurrent use.
type Oracle interface {
	// ClassifyBatch turns one fixed-size event batch into exactly one
	// cluster classification.
	ClassifyBatch(ctx context.Context, events []BatchEvent) (BatchClassification, error)

	// GroupUnits partitions ungrouped children across existing and new
	// parents.
	GroupUnits(ctx context.Context, req GroupRequest) ([]GroupResult, error)

	// MutateUnit folds an incoming unit's summary into an existing unit,
	// preserving the existing unit's identity.
	MutateUnit(ctx context.Context, existing, incoming UnitText) (Merged, error)

	// MergeUnits combines two peer units into one unified name/summary.
	MergeUnits(ctx context.Context, a, b UnitText) (Merged, error)
}

// TransientError marks a network/timeout/non-2xx oracle failure. The
// operation is abandoned for this cycle; the next trigger retries.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("oracle: transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedOutputError marks an oracle response that violated the schema
// contract. Raw preserves the response for diagnosis.
type MalformedOutputError struct {
	Reason string
	Raw    string
}

func (e *MalformedOutputError) Error() string {
	return fmt.Sprintf("oracle: malformed output: %s", e.Reason)
}

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsMalformed reports whether err is (or wraps) a MalformedOutputError.
func IsMalformed(err error) bool {
	var me *MalformedOutputError
	return errors.As(err, &me)
}
