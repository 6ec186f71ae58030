package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/turfline/racedata-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and tests; production backfills run against Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS events (
	external_id  TEXT PRIMARY KEY,
	event_date   DATE NOT NULL,
	venue        TEXT NOT NULL,
	name         TEXT NOT NULL DEFAULT '',
	race_number  INTEGER NOT NULL DEFAULT 0,
	distance_m   INTEGER NOT NULL DEFAULT 0,
	runners      INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS participants (
	event_external_id TEXT NOT NULL,
	kind              TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	barrier           INTEGER NOT NULL DEFAULT 0,
	finish_position   INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (event_external_id, kind, external_id)
);

CREATE TABLE IF NOT EXISTS entities (
	seq               INTEGER PRIMARY KEY AUTOINCREMENT,
	kind              TEXT NOT NULL,
	external_id       TEXT NOT NULL,
	name              TEXT NOT NULL DEFAULT '',
	country           TEXT NOT NULL DEFAULT '',
	foaled_year       INTEGER NOT NULL DEFAULT 0,
	sex               TEXT NOT NULL DEFAULT '',
	enrichment_status TEXT NOT NULL DEFAULT 'unenriched',
	enrich_attempts   INTEGER NOT NULL DEFAULT 0,
	discovered_at     DATETIME NOT NULL DEFAULT (datetime('now')),
	enriched_at       DATETIME,
	UNIQUE (kind, external_id)
);
CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(enrichment_status, seq);

CREATE TABLE IF NOT EXISTS lineage (
	subject_kind         TEXT NOT NULL,
	subject_external_id  TEXT NOT NULL,
	relation             TEXT NOT NULL,
	ancestor_external_id TEXT NOT NULL,
	ancestor_name        TEXT NOT NULL DEFAULT '',
	generation           INTEGER NOT NULL DEFAULT 1,
	PRIMARY KEY (subject_kind, subject_external_id, relation)
);

CREATE TABLE IF NOT EXISTS error_log (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id     TEXT NOT NULL,
	scope      TEXT NOT NULL,
	ref        TEXT NOT NULL,
	message    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_error_log_run ON error_log(run_id, id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) UpsertEvents(ctx context.Context, events []model.EventRecord) (int64, error) {
	query := `INSERT INTO events (external_id, event_date, venue, name, race_number, distance_m, runners)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_id) DO UPDATE SET
			event_date = excluded.event_date,
			venue = excluded.venue,
			name = excluded.name,
			race_number = excluded.race_number,
			distance_m = excluded.distance_m,
			runners = excluded.runners`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var n int64
	for _, e := range events {
		res, err := tx.ExecContext(ctx, query,
			e.ExternalID, e.EventDate.Format("2006-01-02"), e.Venue, e.Name,
			e.RaceNumber, e.DistanceM, e.Runners,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert event %s", e.ExternalID)
		}
		rows, _ := res.RowsAffected()
		n += rows
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit events")
	}
	return n, nil
}

func (s *SQLiteStore) UpsertParticipants(ctx context.Context, refs []model.ParticipantRef) (int64, error) {
	query := `INSERT INTO participants (event_external_id, kind, external_id, name, barrier, finish_position)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_external_id, kind, external_id) DO UPDATE SET
			name = excluded.name,
			barrier = excluded.barrier,
			finish_position = excluded.finish_position`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var n int64
	for _, r := range refs {
		res, err := tx.ExecContext(ctx, query,
			r.EventExternalID, string(r.Kind), r.ExternalID, r.Name, r.Barrier, r.FinishPosition,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert participant %s:%s", r.Kind, r.ExternalID)
		}
		rows, _ := res.RowsAffected()
		n += rows
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit participants")
	}
	return n, nil
}

func (s *SQLiteStore) LookupEntities(ctx context.Context, keys []EntityKey) (map[EntityKey]bool, error) {
	found := make(map[EntityKey]bool, len(keys))
	if len(keys) == 0 {
		return found, nil
	}

	var (
		conds []string
		args  []any
	)
	for _, k := range keys {
		conds = append(conds, "(kind = ? AND external_id = ?)")
		args = append(args, string(k.Kind), k.ExternalID)
	}

	query := fmt.Sprintf("SELECT kind, external_id FROM entities WHERE %s", strings.Join(conds, " OR "))
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: lookup entities")
	}
	defer rows.Close()

	for rows.Next() {
		var kind, id string
		if err := rows.Scan(&kind, &id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entity key")
		}
		found[EntityKey{Kind: model.EntityKind(kind), ExternalID: id}] = true
	}
	return found, rows.Err()
}

func (s *SQLiteStore) InsertEntitiesUnenriched(ctx context.Context, entities []model.EntityRecord) (int64, error) {
	query := `INSERT INTO entities (kind, external_id, name, enrichment_status, discovered_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (kind, external_id) DO NOTHING`

	var inserted int64
	for _, e := range entities {
		discovered := e.DiscoveredAt
		if discovered.IsZero() {
			discovered = time.Now().UTC()
		}
		res, err := s.db.ExecContext(ctx, query,
			string(e.Kind), e.ExternalID, e.Name, string(model.StatusUnenriched), discovered,
		)
		if err != nil {
			return inserted, eris.Wrapf(err, "sqlite: insert entity %s:%s", e.Kind, e.ExternalID)
		}
		rows, _ := res.RowsAffected()
		inserted += rows
	}
	return inserted, nil
}

func (s *SQLiteStore) NextUnenriched(ctx context.Context, limit, maxAttempts int) ([]model.EntityRecord, error) {
	query := `SELECT kind, external_id, name, enrich_attempts, discovered_at
		FROM entities
		WHERE enrichment_status = ? AND enrich_attempts < ?
		ORDER BY seq
		LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, string(model.StatusUnenriched), maxAttempts, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: next unenriched")
	}
	defer rows.Close()

	var out []model.EntityRecord
	for rows.Next() {
		var (
			e    model.EntityRecord
			kind string
		)
		if err := rows.Scan(&kind, &e.ExternalID, &e.Name, &e.EnrichAttempts, &e.DiscoveredAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unenriched entity")
		}
		e.Kind = model.EntityKind(kind)
		e.EnrichmentStatus = model.StatusUnenriched
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) BumpEnrichAttempts(ctx context.Context, key EntityKey) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE entities SET enrich_attempts = enrich_attempts + 1
		 WHERE kind = ? AND external_id = ? AND enrichment_status = ?`,
		string(key.Kind), key.ExternalID, string(model.StatusUnenriched),
	)
	return eris.Wrapf(err, "sqlite: bump attempts %s:%s", key.Kind, key.ExternalID)
}

func (s *SQLiteStore) MarkEnriched(ctx context.Context, rec model.EntityRecord) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities
		 SET name = ?, country = ?, foaled_year = ?, sex = ?,
		     enrichment_status = ?, enriched_at = datetime('now')
		 WHERE kind = ? AND external_id = ? AND enrichment_status = ?`,
		rec.Name, rec.Country, rec.FoaledYear, rec.Sex,
		string(model.StatusEnriched),
		string(rec.Kind), rec.ExternalID, string(model.StatusUnenriched),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark enriched %s:%s", rec.Kind, rec.ExternalID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) MarkEnrichFailed(ctx context.Context, key EntityKey) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entities SET enrichment_status = ?, enriched_at = datetime('now')
		 WHERE kind = ? AND external_id = ? AND enrichment_status = ?`,
		string(model.StatusEnrichFailed),
		string(key.Kind), key.ExternalID, string(model.StatusUnenriched),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: mark failed %s:%s", key.Kind, key.ExternalID)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) UpsertLineage(ctx context.Context, edges []model.LineageEdge) (int64, error) {
	query := `INSERT INTO lineage (subject_kind, subject_external_id, relation, ancestor_external_id, ancestor_name, generation)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (subject_kind, subject_external_id, relation) DO UPDATE SET
			ancestor_external_id = excluded.ancestor_external_id,
			ancestor_name = excluded.ancestor_name,
			generation = excluded.generation`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin")
	}
	defer tx.Rollback()

	var n int64
	for _, e := range edges {
		res, err := tx.ExecContext(ctx, query,
			string(e.SubjectKind), e.SubjectExternalID, e.Relation,
			e.AncestorExternalID, e.AncestorName, e.Generation,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert lineage %s:%s", e.SubjectKind, e.SubjectExternalID)
		}
		rows, _ := res.RowsAffected()
		n += rows
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit lineage")
	}
	return n, nil
}

func (s *SQLiteStore) AppendError(ctx context.Context, entry model.ErrorLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO error_log (run_id, scope, ref, message) VALUES (?, ?, ?, ?)`,
		entry.RunID, entry.Scope, entry.Ref, entry.Message,
	)
	return eris.Wrap(err, "sqlite: append error")
}

func (s *SQLiteStore) ListErrors(ctx context.Context, runID string, limit int) ([]model.ErrorLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, scope, ref, message, created_at FROM error_log
		 WHERE (? = '' OR run_id = ?) ORDER BY id DESC LIMIT ?`,
		runID, runID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list errors")
	}
	defer rows.Close()

	var out []model.ErrorLogEntry
	for rows.Next() {
		var e model.ErrorLogEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.Scope, &e.Ref, &e.Message, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan error entry")
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountErrors(ctx context.Context, runID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM error_log WHERE (? = '' OR run_id = ?)`, runID, runID,
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: count errors")
	}
	return n, nil
}

func (s *SQLiteStore) CountEntities(ctx context.Context) (EntityCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT enrichment_status, count(*) FROM entities GROUP BY enrichment_status`,
	)
	if err != nil {
		return EntityCounts{}, eris.Wrap(err, "sqlite: count entities")
	}
	defer rows.Close()

	var counts EntityCounts
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return EntityCounts{}, eris.Wrap(err, "sqlite: scan entity count")
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
