// Package entity deduplicates participant references discovered during
// ingestion and stages unknown entities for enrichment.
package entity

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"

	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/store"
)

var keyFolder = cases.Fold()

// NormalizeID canonicalizes an external identifier for dedup: Unicode case
// folding plus removal of all whitespace. Every layer that builds an
// (kind, external_id) key goes through this, so the same entity spelled
// "h1" and " H1 " lands on one record.
func NormalizeID(id string) string {
	return keyFolder.String(strings.Join(strings.Fields(id), ""))
}

// cleanName collapses internal whitespace in a display name. Names keep
// their case: only the dedup key is folded.
func cleanName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}

// Key builds the canonical dedup key for a raw participant reference.
func Key(kind model.EntityKind, externalID string) store.EntityKey {
	return store.EntityKey{Kind: kind, ExternalID: NormalizeID(externalID)}
}

// Ref is a single participant occurrence extracted from an ingested chunk.
// ID is already normalized.
type Ref struct {
	Kind model.EntityKind
	ID   string
	Name string
}

// Classifier partitions discovered refs into known and new entities,
// inserting the new ones in unenriched state.
type Classifier struct {
	store store.Store
	log   *zap.Logger
}

func NewClassifier(st store.Store) *Classifier {
	return &Classifier{store: st, log: zap.L().Named("entity")}
}

// ExtractRefs pulls every distinct (kind, external_id) out of a chunk's
// participants, keeping the first name seen for each.
func ExtractRefs(refs []model.ParticipantRef) []Ref {
	seen := make(map[store.EntityKey]bool, len(refs))
	out := make([]Ref, 0, len(refs))
	for _, p := range refs {
		key := Key(p.Kind, p.ExternalID)
		if key.ExternalID == "" || !p.Kind.Valid() {
			continue
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, Ref{Kind: key.Kind, ID: key.ExternalID, Name: cleanName(p.Name)})
	}
	return out
}

// Result reports the outcome of classifying one batch of refs.
type Result struct {
	Known    int
	Inserted int64
}

// Classify looks up every ref against the store and inserts the unknown ones
// as unenriched entities. Ref IDs are re-normalized here so callers that
// bypass ExtractRefs still dedup on the canonical key. Insertion is
// idempotent: a concurrent writer that races us on the same key loses
// harmlessly to ON CONFLICT DO NOTHING.
func (c *Classifier) Classify(ctx context.Context, refs []Ref) (Result, error) {
	if len(refs) == 0 {
		return Result{}, nil
	}

	keys := make([]store.EntityKey, 0, len(refs))
	for _, r := range refs {
		keys = append(keys, Key(r.Kind, r.ID))
	}
	known, err := c.store.LookupEntities(ctx, keys)
	if err != nil {
		return Result{}, eris.Wrap(err, "entity: lookup refs")
	}

	now := time.Now().UTC()
	staged := make(map[store.EntityKey]bool, len(refs))
	var fresh []model.EntityRecord
	for i, r := range refs {
		key := keys[i]
		if known[key] || staged[key] {
			continue
		}
		staged[key] = true
		fresh = append(fresh, model.EntityRecord{
			Kind:             key.Kind,
			ExternalID:       key.ExternalID,
			Name:             cleanName(r.Name),
			EnrichmentStatus: model.StatusUnenriched,
			DiscoveredAt:     now,
		})
	}

	res := Result{Known: len(refs) - len(fresh)}
	if len(fresh) == 0 {
		return res, nil
	}

	inserted, err := c.store.InsertEntitiesUnenriched(ctx, fresh)
	if err != nil {
		return res, eris.Wrap(err, "entity: stage new refs")
	}
	res.Inserted = inserted
	c.log.Debug("classified refs",
		zap.Int("total", len(refs)),
		zap.Int("known", res.Known),
		zap.Int64("inserted", inserted))
	return res, nil
}
