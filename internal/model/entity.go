// Package model defines the domain records shared by the ingest and
// enrichment workers.
package model

import "time"

// EntityKind classifies a real-world participant referenced by races.
type EntityKind string

const (
	KindHorse   EntityKind = "horse"
	KindJockey  EntityKind = "jockey"
	KindTrainer EntityKind = "trainer"
)

// Valid reports whether k is a known entity kind.
func (k EntityKind) Valid() bool {
	switch k {
	case KindHorse, KindJockey, KindTrainer:
		return true
	default:
		return false
	}
}

// EnrichmentStatus tracks the one-way enrichment lifecycle of an entity.
// It transitions away from unenriched exactly once.
type EnrichmentStatus string

const (
	StatusUnenriched   EnrichmentStatus = "unenriched"
	StatusEnriched     EnrichmentStatus = "enriched"
	StatusEnrichFailed EnrichmentStatus = "enrichment_failed"
)

// EntityRecord is the canonical row for one real-world entity, created on
// first encounter and enriched at most once.
type EntityRecord struct {
	Kind             EntityKind       `json:"kind"`
	ExternalID       string           `json:"external_id"`
	Name             string           `json:"name"`
	Country          string           `json:"country,omitempty"`
	FoaledYear       int              `json:"foaled_year,omitempty"`
	Sex              string           `json:"sex,omitempty"`
	EnrichmentStatus EnrichmentStatus `json:"enrichment_status"`
	EnrichAttempts   int              `json:"enrich_attempts"`
	DiscoveredAt     time.Time        `json:"discovered_at"`
	EnrichedAt       *time.Time       `json:"enriched_at,omitempty"`
}

// LineageEdge is a directed ancestor relationship disclosed by the detail
// endpoint. Unique per (subject, relation): re-insertion is an upsert.
type LineageEdge struct {
	SubjectKind        EntityKind `json:"subject_kind"`
	SubjectExternalID  string     `json:"subject_external_id"`
	Relation           string     `json:"relation"` // sire, dam, sires_sire, ...
	AncestorExternalID string     `json:"ancestor_external_id"`
	AncestorName       string     `json:"ancestor_name"`
	Generation         int        `json:"generation"`
}
