package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/racedata-cli/internal/model"
)

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLite_UpsertEventsIdempotent(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	events := []model.EventRecord{{
		ExternalID: "r1",
		EventDate:  time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC),
		Venue:      "Ascot",
		Name:       "Opening Handicap",
		RaceNumber: 1,
		DistanceM:  1600,
		Runners:    8,
	}}
	_, err := s.UpsertEvents(ctx, events)
	require.NoError(t, err)

	// Same row again with updated attributes: no duplicate, new values win.
	events[0].Runners = 7
	_, err = s.UpsertEvents(ctx, events)
	require.NoError(t, err)

	var venue string
	var runners int
	err = s.db.QueryRowContext(ctx, "SELECT venue, runners FROM events WHERE external_id = 'r1'").Scan(&venue, &runners)
	require.NoError(t, err)
	assert.Equal(t, "Ascot", venue)
	assert.Equal(t, 7, runners)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT count(*) FROM events").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestSQLite_EntityLifecycle(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	n, err := s.InsertEntitiesUnenriched(ctx, []model.EntityRecord{
		{Kind: model.KindHorse, ExternalID: "h1", Name: "sea mist"},
		{Kind: model.KindHorse, ExternalID: "h2", Name: "night owl"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Re-inserting an existing key is a no-op.
	n, err = s.InsertEntitiesUnenriched(ctx, []model.EntityRecord{
		{Kind: model.KindHorse, ExternalID: "h1", Name: "sea mist"},
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	found, err := s.LookupEntities(ctx, []EntityKey{
		{Kind: model.KindHorse, ExternalID: "h1"},
		{Kind: model.KindJockey, ExternalID: "j1"},
	})
	require.NoError(t, err)
	assert.True(t, found[EntityKey{Kind: model.KindHorse, ExternalID: "h1"}])
	assert.False(t, found[EntityKey{Kind: model.KindJockey, ExternalID: "j1"}])

	// FIFO discovery order.
	queue, err := s.NextUnenriched(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "h1", queue[0].ExternalID)
	assert.Equal(t, "h2", queue[1].ExternalID)

	won, err := s.MarkEnriched(ctx, model.EntityRecord{
		Kind: model.KindHorse, ExternalID: "h1",
		Name: "Sea Mist", Country: "IRE", FoaledYear: 2018, Sex: "mare",
	})
	require.NoError(t, err)
	assert.True(t, won)

	// The transition happens exactly once.
	won, err = s.MarkEnriched(ctx, model.EntityRecord{Kind: model.KindHorse, ExternalID: "h1", Name: "Other"})
	require.NoError(t, err)
	assert.False(t, won)
	won, err = s.MarkEnrichFailed(ctx, EntityKey{Kind: model.KindHorse, ExternalID: "h1"})
	require.NoError(t, err)
	assert.False(t, won)

	queue, err = s.NextUnenriched(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "h2", queue[0].ExternalID)

	counts, err := s.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Unenriched)
	assert.Equal(t, int64(1), counts.Enriched)
	assert.Zero(t, counts.Failed)
}

func TestSQLite_AttemptCapExcludesFromQueue(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	_, err := s.InsertEntitiesUnenriched(ctx, []model.EntityRecord{
		{Kind: model.KindTrainer, ExternalID: "t1", Name: "j. moore"},
	})
	require.NoError(t, err)

	key := EntityKey{Kind: model.KindTrainer, ExternalID: "t1"}
	for i := 0; i < 3; i++ {
		require.NoError(t, s.BumpEnrichAttempts(ctx, key))
	}

	queue, err := s.NextUnenriched(ctx, 10, 3)
	require.NoError(t, err)
	assert.Empty(t, queue)

	queue, err = s.NextUnenriched(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, 3, queue[0].EnrichAttempts)
}

func TestSQLite_LineageUpsert(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	edges := []model.LineageEdge{
		{SubjectKind: model.KindHorse, SubjectExternalID: "h1", Relation: "sire", AncestorExternalID: "s1", AncestorName: "Storm Front", Generation: 1},
		{SubjectKind: model.KindHorse, SubjectExternalID: "h1", Relation: "dam", AncestorExternalID: "d1", AncestorName: "Quiet Cove", Generation: 1},
	}
	_, err := s.UpsertLineage(ctx, edges)
	require.NoError(t, err)

	// Re-enrichment replaces rather than duplicates.
	edges[0].AncestorName = "Storm Front II"
	_, err = s.UpsertLineage(ctx, edges[:1])
	require.NoError(t, err)

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx, "SELECT count(*) FROM lineage").Scan(&count))
	assert.Equal(t, 2, count)

	var name string
	err = s.db.QueryRowContext(ctx,
		"SELECT ancestor_name FROM lineage WHERE subject_external_id = 'h1' AND relation = 'sire'").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "Storm Front II", name)
}

func TestSQLite_ErrorLog(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendError(ctx, model.ErrorLogEntry{
		RunID: "run-1", Scope: "chunk", Ref: "2021-01-01..2021-01-10", Message: "boom",
	}))
	require.NoError(t, s.AppendError(ctx, model.ErrorLogEntry{
		RunID: "run-2", Scope: "entity", Ref: "horse:h1", Message: "gone",
	}))

	entries, err := s.ListErrors(ctx, "run-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "chunk", entries[0].Scope)

	all, err := s.ListErrors(ctx, "", 10)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "horse:h1", all[0].Ref, "newest first")

	n, err := s.CountErrors(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
