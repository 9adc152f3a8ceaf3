package store

import (
	"context"
	"time"
)

// Filter selects entities for Query and QueryAsOf.
// Zero-value fields are ignored.
type Filter struct {
	Kind          Kind
	Kinds         []Kind
	Domain        string
	Status        Status
	ActiveOnly    bool // valid_to IS NULL and status != archived
	MinRecurrence int
}

// Revision carries the attribute changes for Revise. Nil pointer fields are
// left unchanged on the new version.
type Revision struct {
	Content    *string
	Confidence *float64
	Domain     *string
	Embedding  []float32
	Status     *Status
	Resolution *string
	Metadata   map[string]interface{}
}

// Match is a nearest-neighbor result.
type Match struct {
	Entity *Entity
	Score  float64 // cosine similarity, higher is closer
}

// EntityStore is the single shared mutable resource of the engine: versioned,
// typed node/edge storage with temporal metadata. All maintenance passes are
// stateless transformers over it.
type EntityStore interface {
	// Create validates and inserts a new entity, returning its id.
	// Returns ErrValidation for unknown kinds, missing content on
	// content-bearing kinds, confidence outside [0,1], or an embedding
	// whose dimensionality differs from vectors already stored.
	Create(ctx context.Context, e *Entity) (string, error)

	// CreateEdge validates and inserts a relationship. Returns
	// ErrValidation for kind pairs outside the static allow-list,
	// ErrNotFound for missing endpoints, and ErrConflict when the edge
	// would violate MERGED_INTO terminality or close a contradiction
	// cycle within a lineage.
	CreateEdge(ctx context.Context, r *Relationship) error

	// Get retrieves an entity version by id. Returns (nil, nil) if absent.
	Get(ctx context.Context, id string) (*Entity, error)

	// Revise creates a new version of an active entity: the old version
	// gets valid_to set and a SUPERSEDES edge to the new one, in a single
	// transaction. Returns ErrNotFound if id is not an active version.
	Revise(ctx context.Context, id string, rev Revision) (string, error)

	// Archive sets status=archived and valid_to=now. Edges are kept; the
	// row remains as a tombstone for provenance queries.
	Archive(ctx context.Context, id, reason string) error

	// Query returns entities matching the filter, ordered by created_at
	// then id.
	Query(ctx context.Context, f Filter) ([]*Entity, error)

	// QueryAsOf returns entities whose validity interval contains t,
	// supporting "what did I know when" queries.
	QueryAsOf(ctx context.Context, f Filter, t time.Time) ([]*Entity, error)

	// Nearest returns up to k active entities of the kind ranked by
	// cosine similarity to vec, ties broken by more recent created_at.
	Nearest(ctx context.Context, kind Kind, vec []float32, k int) ([]Match, error)

	// Edges returns all edges incident to an entity, incoming and
	// outgoing.
	Edges(ctx context.Context, entityID string) ([]*Relationship, error)

	// EdgesBetween returns edges of the given type linking a and b in
	// either direction.
	EdgesBetween(ctx context.Context, aID, bID string, rel RelType) ([]*Relationship, error)

	// EdgesByType returns all edges of one type, optionally only those
	// with valid_to unset.
	EdgesByType(ctx context.Context, rel RelType, activeOnly bool) ([]*Relationship, error)

	// IncomingRefCount counts incoming edges, excluding SUPERSEDES
	// version plumbing.
	IncomingRefCount(ctx context.Context, id string) (int, error)

	// SetRecurrence raises the recurrence count to n; lowering it is an
	// ErrConflict (use ResetRecurrence for the sanctioned reset).
	SetRecurrence(ctx context.Context, id string, n int) error

	// IncrementRecurrence bumps the recurrence count by one.
	IncrementRecurrence(ctx context.Context, id string) error

	// ResetRecurrence is the only sanctioned decrement; the reason is
	// recorded in the entity metadata.
	ResetRecurrence(ctx context.Context, id string, reason string) error

	// SetConfidence updates confidence in place, clamped to (0, 1)
	// exclusive; automatic processes never write exactly 0 or 1.
	SetConfidence(ctx context.Context, id string, c float64) error

	// UpdateStatus transitions an entity's status, enforcing pattern
	// monotonicity (confirmed never regresses to emerging, deprecated is
	// terminal) and the proposal governance machine.
	UpdateStatus(ctx context.Context, id string, s Status) error

	// Merge folds merged into canonical in a single transaction:
	// re-points edges, adds a provenance edge of the given type, sums
	// recurrence counts into the canonical entity, and archives the
	// merged entity. A reader never observes a half-merged pair.
	Merge(ctx context.Context, canonicalID, mergedID string, rel RelType) error

	// Unconsolidated returns active entities of the kind with no outgoing
	// MERGED_INTO or CRYSTALLIZED_INTO edge.
	Unconsolidated(ctx context.Context, kind Kind) ([]*Entity, error)

	// FindProposalByKey returns the non-archived proposal with the given
	// key, or (nil, nil).
	FindProposalByKey(ctx context.Context, key string) (*Entity, error)

	// InheritActive creates INHERITED edges from the session to every
	// active entity of the given kinds, as one consistent read. Returns
	// the per-kind breakdown.
	InheritActive(ctx context.Context, sessionID string, kinds []Kind) (map[Kind]int, error)

	// CountActive returns the number of active entities of the kind.
	CountActive(ctx context.Context, kind Kind) (int64, error)

	// AcquirePassLock takes the advisory lock for a maintenance pass
	// type. Returns ErrConflict if a pass of the same type is running.
	// The returned func releases the lock.
	AcquirePassLock(name string) (func(), error)

	// Close releases the underlying database.
	Close() error
}
