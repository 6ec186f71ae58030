// Package storetest provides an in-memory Store for engine tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/store"
)

// Mem is a thread-safe in-memory Store. Entities keep insertion order so
// NextUnenriched is FIFO like the real drivers.
type Mem struct {
	mu sync.Mutex

	Events       map[string]model.EventRecord
	Participants map[string]model.ParticipantRef
	Lineage      map[string]model.LineageEdge
	ErrorLog     []model.ErrorLogEntry

	order    []store.EntityKey
	entities map[store.EntityKey]*model.EntityRecord

	// ForcedErr, when set, is returned by every operation.
	ForcedErr error
	// FailWrites fails the next N write calls, then succeeds.
	FailWrites int

	UpsertEventCalls int
}

func New() *Mem {
	return &Mem{
		Events:       make(map[string]model.EventRecord),
		Participants: make(map[string]model.ParticipantRef),
		Lineage:      make(map[string]model.LineageEdge),
		entities:     make(map[store.EntityKey]*model.EntityRecord),
	}
}

func (m *Mem) failing() error {
	if m.ForcedErr != nil {
		return m.ForcedErr
	}
	if m.FailWrites > 0 {
		m.FailWrites--
		return fmt.Errorf("storetest: injected write failure")
	}
	return nil
}

// Seed adds an entity directly, bypassing failure injection.
func (m *Mem) Seed(rec model.EntityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := store.EntityKey{Kind: rec.Kind, ExternalID: rec.ExternalID}
	cp := rec
	m.entities[key] = &cp
	m.order = append(m.order, key)
}

// Entity returns a copy of a stored entity.
func (m *Mem) Entity(key store.EntityKey) (model.EntityRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[key]
	if !ok {
		return model.EntityRecord{}, false
	}
	return *rec, true
}

func (m *Mem) UpsertEvents(ctx context.Context, events []model.EventRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertEventCalls++
	if err := m.failing(); err != nil {
		return 0, err
	}
	for _, e := range events {
		m.Events[e.ExternalID] = e
	}
	return int64(len(events)), nil
}

func (m *Mem) UpsertParticipants(ctx context.Context, refs []model.ParticipantRef) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return 0, err
	}
	for _, r := range refs {
		k := fmt.Sprintf("%s|%s|%s", r.EventExternalID, r.Kind, r.ExternalID)
		m.Participants[k] = r
	}
	return int64(len(refs)), nil
}

func (m *Mem) LookupEntities(ctx context.Context, keys []store.EntityKey) (map[store.EntityKey]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForcedErr != nil {
		return nil, m.ForcedErr
	}
	found := make(map[store.EntityKey]bool)
	for _, k := range keys {
		if _, ok := m.entities[k]; ok {
			found[k] = true
		}
	}
	return found, nil
}

func (m *Mem) InsertEntitiesUnenriched(ctx context.Context, entities []model.EntityRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return 0, err
	}
	var inserted int64
	for _, e := range entities {
		key := store.EntityKey{Kind: e.Kind, ExternalID: e.ExternalID}
		if _, ok := m.entities[key]; ok {
			continue
		}
		cp := e
		cp.EnrichmentStatus = model.StatusUnenriched
		if cp.DiscoveredAt.IsZero() {
			cp.DiscoveredAt = time.Now().UTC()
		}
		m.entities[key] = &cp
		m.order = append(m.order, key)
		inserted++
	}
	return inserted, nil
}

func (m *Mem) NextUnenriched(ctx context.Context, limit, maxAttempts int) ([]model.EntityRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForcedErr != nil {
		return nil, m.ForcedErr
	}
	var out []model.EntityRecord
	for _, key := range m.order {
		rec := m.entities[key]
		if rec.EnrichmentStatus != model.StatusUnenriched || rec.EnrichAttempts >= maxAttempts {
			continue
		}
		out = append(out, *rec)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Mem) BumpEnrichAttempts(ctx context.Context, key store.EntityKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return err
	}
	if rec, ok := m.entities[key]; ok && rec.EnrichmentStatus == model.StatusUnenriched {
		rec.EnrichAttempts++
	}
	return nil
}

func (m *Mem) MarkEnriched(ctx context.Context, in model.EntityRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return false, err
	}
	key := store.EntityKey{Kind: in.Kind, ExternalID: in.ExternalID}
	rec, ok := m.entities[key]
	if !ok || rec.EnrichmentStatus != model.StatusUnenriched {
		return false, nil
	}
	now := time.Now().UTC()
	rec.Name = in.Name
	rec.Country = in.Country
	rec.FoaledYear = in.FoaledYear
	rec.Sex = in.Sex
	rec.EnrichmentStatus = model.StatusEnriched
	rec.EnrichedAt = &now
	return true, nil
}

func (m *Mem) MarkEnrichFailed(ctx context.Context, key store.EntityKey) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return false, err
	}
	rec, ok := m.entities[key]
	if !ok || rec.EnrichmentStatus != model.StatusUnenriched {
		return false, nil
	}
	now := time.Now().UTC()
	rec.EnrichmentStatus = model.StatusEnrichFailed
	rec.EnrichedAt = &now
	return true, nil
}

func (m *Mem) UpsertLineage(ctx context.Context, edges []model.LineageEdge) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failing(); err != nil {
		return 0, err
	}
	for _, e := range edges {
		k := fmt.Sprintf("%s|%s|%s", e.SubjectKind, e.SubjectExternalID, e.Relation)
		m.Lineage[k] = e
	}
	return int64(len(edges)), nil
}

func (m *Mem) AppendError(ctx context.Context, entry model.ErrorLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForcedErr != nil {
		return m.ForcedErr
	}
	entry.ID = int64(len(m.ErrorLog) + 1)
	entry.CreatedAt = time.Now().UTC()
	m.ErrorLog = append(m.ErrorLog, entry)
	return nil
}

func (m *Mem) ListErrors(ctx context.Context, runID string, limit int) ([]model.ErrorLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ForcedErr != nil {
		return nil, m.ForcedErr
	}
	var out []model.ErrorLogEntry
	for i := len(m.ErrorLog) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		e := m.ErrorLog[i]
		if runID == "" || e.RunID == runID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *Mem) CountErrors(ctx context.Context, runID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, e := range m.ErrorLog {
		if runID == "" || e.RunID == runID {
			n++
		}
	}
	return n, nil
}

func (m *Mem) CountEntities(ctx context.Context) (store.EntityCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c store.EntityCounts
	for _, rec := range m.entities {
		switch rec.EnrichmentStatus {
		case model.StatusUnenriched:
			c.Unenriched++
		case model.StatusEnriched:
			c.Enriched++
		case model.StatusEnrichFailed:
			c.Failed++
		}
	}
	return c, nil
}

func (m *Mem) Migrate(ctx context.Context) error { return nil }
func (m *Mem) Close() error                      { return nil }
