package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/turfline/racedata-cli/internal/db"
	"github.com/turfline/racedata-cli/internal/model"
)

// PostgresStore implements Store over a pgx connection pool.
type PostgresStore struct {
	pool   db.Pool
	schema string
}

// NewPostgres connects to Postgres and pings the database.
func NewPostgres(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, eris.New("store: no database_url configured")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, eris.Wrap(err, "store: create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "store: ping database")
	}
	return NewPostgresWithPool(pool, schema), nil
}

// NewPostgresWithPool wraps an existing pool. Tests pass pgxmock here.
func NewPostgresWithPool(pool db.Pool, schema string) *PostgresStore {
	if schema == "" {
		schema = "race_data"
	}
	return &PostgresStore{pool: pool, schema: schema}
}

func (s *PostgresStore) table(name string) string {
	return s.schema + "." + name
}

const pgMigration = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.events (
	external_id  TEXT PRIMARY KEY,
	event_date   DATE NOT NULL,
	venue        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	race_number  INT NOT NULL DEFAULT 0,
	distance_m   INT NOT NULL DEFAULT 0,
	runners      INT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS %[1]s.participants (
	event_external_id TEXT NOT NULL,
	kind              TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	barrier           INT NOT NULL DEFAULT 0,
	finish_position   INT NOT NULL DEFAULT 0,
	PRIMARY KEY (event_external_id, kind, external_id)
);

CREATE TABLE IF NOT EXISTS %[1]s.entities (
	seq               BIGINT GENERATED ALWAYS AS IDENTITY,
	kind              TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	foaled_year       INT NOT NULL DEFAULT 0,
	sex               TEXT NOT NULL DEFAULT '',
	enrichment_status TEXT NOT NULL DEFAULT 'unenriched',
	enrich_attempts   INT NOT NULL DEFAULT 0,
	discovered_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	enriched_at       TIMESTAMPTZ,
	PRIMARY KEY (kind, external_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_status ON %[1]s.entities(enrichment_status, seq);

CREATE TABLE IF NOT EXISTS %[1]s.lineage (
	subject_kind         TEXT NOT NULL,
	subject_external_id  TEXT NOT NULL,
	relation             TEXT NOT NULL,
	ancestor_external_id TEXT NOT NULL,
	ancestor_name        TEXT NOT NULL DEFAULT '',
	generation           INT NOT NULL DEFAULT 1,
	PRIMARY KEY (subject_kind, subject_external_id, relation)
);

CREATE TABLE IF NOT EXISTS %[1]s.error_log (
	id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
	run_id     TEXT NOT NULL,
	scope      TEXT NOT NULL,
	ref        TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_error_log_run ON %[1]s.error_log(run_id, id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(pgMigration, s.schema))
	return eris.Wrap(err, "store: postgres migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertEvents(ctx context.Context, events []model.EventRecord) (int64, error) {
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		rows = append(rows, []any{
			e.ExternalID, e.EventDate, e.Venue, e.Name, e.RaceNumber, e.DistanceM, e.Runners,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table("events"),
		Columns:      []string{"external_id", "event_date", "venue", "name", "race_number", "distance_m", "runners"},
		ConflictKeys: []string{"external_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "store: upsert events")
	}
	return n, nil
}

func (s *PostgresStore) UpsertParticipants(ctx context.Context, refs []model.ParticipantRef) (int64, error) {
	rows := make([][]any, 0, len(refs))
	for _, r := range refs {
		rows = append(rows, []any{
			r.EventExternalID, string(r.Kind), r.ExternalID, r.Name, r.Barrier, r.FinishPosition,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table("participants"),
		Columns:      []string{"event_external_id", "kind", "external_id", "name", "barrier", "finish_position"},
		ConflictKeys: []string{"event_external_id", "kind", "external_id"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "store: upsert participants")
	}
	return n, nil
}

func (s *PostgresStore) LookupEntities(ctx context.Context, keys []EntityKey) (map[EntityKey]bool, error) {
	found := make(map[EntityKey]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	var (
		conds []string
		args  []any
	)
	for i, k := range keys {
		conds = append(conds, fmt.Sprintf("(kind = $%d AND external_id = $%d)", i*2+1, i*2+2))
		args = append(args, string(k.Kind), k.ExternalID)
	}

	query := fmt.Sprintf(
		"SELECT kind, external_id FROM %s WHERE %s",
		s.table("entities"), strings.Join(conds, " OR "),
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: lookup entities")
	}
	defer rows.Close()

	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, eris.Wrap(err, "store: scan entity key")
		}
		found[EntityKey{Kind: model.EntityKind(kind), ExternalID: id}] = true
	}
	return found, rows.Err()
}

func (s *PostgresStore) InsertEntitiesUnenriched(ctx context.Context, entities []model.EntityRecord) (int64, error) {
	query := fmt.Sprintf(
		`INSERT INTO %s (kind, external_id, name, enrichment_status, discovered_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (kind, external_id) DO NOTHING`,
		s.table("entities"),
	)

	var inserted int64
	for _, e := range entities {
		discovered := e.DiscoveredAt
		if discovered.IsZero() {
			discovered = time.Now().UTC()
		}
		tag, err := s.pool.Exec(ctx, query,
			string(e.Kind), e.ExternalID, e.Name, string(model.StatusUnenriched), discovered,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "store: insert entity %s:%s", e.Kind, e.ExternalID)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (s *PostgresStore) NextUnenriched(ctx context.Context, limit, maxAttempts int) ([]model.EntityRecord, error) {
	query := fmt.Sprintf(
		`SELECT kind, external_id, name, enrich_attempts, discovered_at
		 FROM %s
		 WHERE enrichment_status = $1 AND enrich_attempts < $2
		 ORDER BY seq
		 LIMIT $3`,
		s.table("entities"),
	)
	rows, err := s.pool.Query(ctx, query, string(model.StatusUnenriched), maxAttempts, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: next unenriched")
	}
	defer rows.Close()

	var out []model.EntityRecord
	for rows.Next() {
		var (
			e        model.EntityRecord
			kind     string
			attempts int
		)
		if err := rows.Scan(&kind, &e.ExternalID, &e.Name, &attempts, &e.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "store: scan unenriched entity")
		}
		e.Kind = model.EntityKind(kind)
		e.EnrichmentStatus = model.StatusUnenriched
		e.EnrichAttempts = attempts
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BumpEnrichAttempts(ctx context.Context, key EntityKey) error {
	query := fmt.Sprintf(
		`UPDATE %s SET enrich_attempts = enrich_attempts + 1
		 WHERE kind = $1 AND external_id = $2 AND enrichment_status = $3`,
		s.table("entities"),
	)
	_, err := s.pool.Exec(ctx, query, string(key.Kind), key.ExternalID, string(model.StatusUnenriched))
	return eris.Wrapf(err, "store: bump attempts %s:%s", key.Kind, key.ExternalID)
}

func (s *PostgresStore) MarkEnriched(ctx context.Context, rec model.EntityRecord) (bool, error) {
	// Guarded by the current status so the transition away from unenriched
	// happens exactly once even under concurrent attempts.
	query := fmt.Sprintf(
		`UPDATE %s
		 SET name = $1, country = $2, foaled_year = $3, sex = $4,
		     enrichment_status = $5, enriched_at = now()
		 WHERE kind = $6 AND external_id = $7 AND enrichment_status = $8`,
		s.table("entities"),
	)
	tag, err := s.pool.Exec(ctx, query,
		rec.Name, rec.Country, rec.FoaledYear, rec.Sex,
		string(model.StatusEnriched),
		string(rec.Kind), rec.ExternalID, string(model.StatusUnenriched),
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: mark enriched %s:%s", rec.Kind, rec.ExternalID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkEnrichFailed(ctx context.Context, key EntityKey) (bool, error) {
	query := fmt.Sprintf(
		`UPDATE %s SET enrichment_status = $1, enriched_at = now()
		 WHERE kind = $2 AND external_id = $3 AND enrichment_status = $4`,
		s.table("entities"),
	)
	tag, err := s.pool.Exec(ctx, query,
		string(model.StatusEnrichFailed),
		string(key.Kind), key.ExternalID, string(model.StatusUnenriched),
	)
	if err != nil {
		return false, eris.Wrapf(err, "store: mark failed %s:%s", key.Kind, key.ExternalID)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpsertLineage(ctx context.Context, edges []model.LineageEdge) (int64, error) {
	rows := make([][]any, 0, len(edges))
	for _, e := range edges {
		rows = append(rows, []any{
			string(e.SubjectKind), e.SubjectExternalID, e.Relation,
			e.AncestorExternalID, e.AncestorName, e.Generation,
		})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        s.table("lineage"),
		Columns:      []string{"subject_kind", "subject_external_id", "relation", "ancestor_external_id", "ancestor_name", "generation"},
		ConflictKeys: []string{"subject_kind", "subject_external_id", "relation"},
	}, rows)
	if err != nil {
		return 0, eris.Wrap(err, "store: upsert lineage")
	}
	return n, nil
}

func (s *PostgresStore) AppendError(ctx context.Context, entry model.ErrorLogEntry) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (run_id, scope, ref, message) VALUES ($1, $2, $3, $4)`,
		s.table("error_log"),
	)
	_, err := s.pool.Exec(ctx, query, entry.RunID, entry.Scope, entry.Ref, entry.Message)
	return eris.Wrap(err, "store: append error")
}

func (s *PostgresStore) ListErrors(ctx context.Context, runID string, limit int) ([]model.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(
		`SELECT id, run_id, scope, ref, message, created_at FROM %s
		 WHERE ($1 = '' OR run_id = $1) ORDER BY id DESC LIMIT $2`,
		s.table("error_log"),
	)
	rows, err := s.pool.Query(ctx, query, runID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "store: list errors")
	}
	defer rows.Close()

	var out []model.ErrorLogEntry
	for rows.Next() {
		var e model.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Scope, &e.Ref, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "store: scan error entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountErrors(ctx context.Context, runID string) (int64, error) {
	query := fmt.Sprintf(
		`SELECT count(*) FROM %s WHERE ($1 = '' OR run_id = $1)`,
		s.table("error_log"),
	)
	var n int64
	if err := s.pool.QueryRow(ctx, query, runID).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "store: count errors")
	}
	return n, nil
}

func (s *PostgresStore) CountEntities(ctx context.Context) (EntityCounts, error) {
	query := fmt.Sprintf(
		`SELECT enrichment_status, count(*) FROM %s GROUP BY enrichment_status`,
		s.table("entities"),
	)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return EntityCounts{}, eris.Wrap(err, "store: count entities")
	}
	defer rows.Close()

	var counts EntityCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return EntityCounts{}, eris.Wrap(err, "store: scan entity count")
		}
		switch model.EnrichmentStatus(status) {
		case model.StatusUnenriched:
			counts.Unenriched = n
		case model.StatusEnriched:
			counts.Enriched = n
		case model.StatusEnrichFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}
