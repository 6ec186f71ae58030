// Package store owns all row persistence for the pipeline: events,
// participants, entities, lineage edges, and the append-only error log.
// Two drivers implement the same interface: Postgres (pgx) for production
// and SQLite (modernc) for single-file local runs.
package store

import (
	"context"

	"github.com/turfline/racedata-cli/internal/model"
)

// EntityKey identifies one entity by kind and normalized external ID.
type EntityKey struct {
	Kind       model.EntityKind
	ExternalID string
}

// EntityCounts summarizes enrichment progress for the dashboard.
type EntityCounts struct {
	Unenriched int64 `json:"unenriched"`
	Enriched   int64 `json:"enriched"`
	Failed     int64 `json:"failed"`
}

// Total returns the number of known entities.
func (c EntityCounts) Total() int64 {
	return c.Unenriched + c.Enriched + c.Failed
}

// Store is the persistence interface shared by the ingest and enrichment
// workers. All writes are idempotent upserts keyed by natural external
// identifiers; the two workers never write overlapping columns on the same
// logical row.
type Store interface {
	// Ingest-side writes.
	UpsertEvents(ctx context.Context, events []model.EventRecord) (int64, error)
	UpsertParticipants(ctx context.Context, refs []model.ParticipantRef) (int64, error)

	// Dedup engine.
	LookupEntities(ctx context.Context, keys []EntityKey) (map[EntityKey]bool, error)
	// InsertEntitiesUnenriched inserts minimal unenriched rows, ignoring
	// keys that already exist. Returns the number actually inserted.
	InsertEntitiesUnenriched(ctx context.Context, entities []model.EntityRecord) (int64, error)

	// Enrichment engine. NextUnenriched returns unenriched entities in FIFO
	// discovery order, excluding those at or past maxAttempts.
	NextUnenriched(ctx context.Context, limit, maxAttempts int) ([]model.EntityRecord, error)
	BumpEnrichAttempts(ctx context.Context, key EntityKey) error
	// MarkEnriched applies detail attributes and transitions the status to
	// enriched. Returns false without writing if the entity already left
	// unenriched, which is what makes enrichment at-most-once under races.
	MarkEnriched(ctx context.Context, rec model.EntityRecord) (bool, error)
	MarkEnrichFailed(ctx context.Context, key EntityKey) (bool, error)
	UpsertLineage(ctx context.Context, edges []model.LineageEdge) (int64, error)

	// Error log (append-only) and progress reads.
	AppendError(ctx context.Context, entry model.ErrorLogEntry) error
	ListErrors(ctx context.Context, runID string, limit int) ([]model.ErrorLogEntry, error)
	CountErrors(ctx context.Context, runID string) (int64, error)
	CountEntities(ctx context.Context) (EntityCounts, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
