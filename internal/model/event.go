package model

import "time"

// EventRecord is one normalized race, keyed by the provider's race ID.
// Upserted on external_id and never mutated after ingest.
type EventRecord struct {
	ExternalID string    `json:"external_id"`
	EventDate  time.Time `json:"event_date"`
	Venue      string    `json:"venue"`
	Name       string    `json:"name"`
	RaceNumber int       `json:"race_number"`
	DistanceM  int       `json:"distance_m,omitempty"`
	Runners    int       `json:"runners"`
}

// ParticipantRef is an entity reference embedded in a race, before it has
// been classified known or new.
type ParticipantRef struct {
	EventExternalID string     `json:"event_external_id"`
	Kind            EntityKind `json:"kind"`
	ExternalID      string     `json:"external_id"`
	Name            string     `json:"name"`
	Barrier         int        `json:"barrier,omitempty"`
	FinishPosition  int        `json:"finish_position,omitempty"`
}

// ErrorLogEntry records a recoverable failure without blocking the run.
// Append-only.
type ErrorLogEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Scope     string    `json:"scope"` // "chunk" or "entity"
	Ref       string    `json:"ref"`   // chunk range or kind:external_id
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
