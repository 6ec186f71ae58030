package provider

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/turfline/racedata-cli/internal/model"
)

// MeetingsPage is one page of the bulk listing endpoint.
type MeetingsPage struct {
	Page       int       `json:"page"`
	TotalPages int       `json:"total_pages"`
	Meetings   []Meeting `json:"meetings"`
}

// Meeting is one race meeting as returned by the provider.
type Meeting struct {
	ID     string `json:"id"`
	Date   string `json:"date"` // YYYY-MM-DD
	Course string `json:"course"`
	Races  []Race `json:"races"`
}

// Race is one race card within a meeting.
type Race struct {
	ID        string   `json:"id"`
	Number    int      `json:"number"`
	Name      string   `json:"name"`
	DistanceM int      `json:"distance_m"`
	Runners   []Runner `json:"runners"`
}

// Runner is one entry in a race, carrying embedded entity references.
type Runner struct {
	HorseID        string `json:"horse_id"`
	HorseName      string `json:"horse_name"`
	JockeyID       string `json:"jockey_id"`
	JockeyName     string `json:"jockey_name"`
	TrainerID      string `json:"trainer_id"`
	TrainerName    string `json:"trainer_name"`
	Barrier        int    `json:"barrier"`
	FinishPosition int    `json:"finish_position"`
}

// Validate fails fast on missing required fields rather than letting absent
// values propagate into the store.
func (p *MeetingsPage) Validate() error {
	if p.Page <= 0 {
		return eris.New("provider: meetings page missing page number")
	}
	for i, m := range p.Meetings {
		if m.ID == "" {
			return eris.Errorf("provider: meeting %d missing id", i)
		}
		if _, err := time.Parse("2006-01-02", m.Date); err != nil {
			return eris.Errorf("provider: meeting %s has invalid date %q", m.ID, m.Date)
		}
		if m.Course == "" {
			return eris.Errorf("provider: meeting %s missing course", m.ID)
		}
		for _, r := range m.Races {
			if r.ID == "" {
				return eris.Errorf("provider: meeting %s has race with missing id", m.ID)
			}
			for j, run := range r.Runners {
				if run.HorseID == "" {
					return eris.Errorf("provider: race %s runner %d missing horse_id", r.ID, j)
				}
			}
		}
	}
	return nil
}

// PedigreeEntry is one disclosed ancestor relationship.
type PedigreeEntry struct {
	Relation   string `json:"relation"` // sire, dam, sires_sire, ...
	ID         string `json:"id"`
	Name       string `json:"name"`
	Generation int    `json:"generation"`
}

// EntityDetail is the per-entity detail endpoint response: extended
// attributes plus ancestor relationships (pedigree is empty for non-horses).
type EntityDetail struct {
	ID       string           `json:"id"`
	Kind     model.EntityKind `json:"kind"`
	Name     string           `json:"name"`
	Country  string           `json:"country"`
	Foaled   int              `json:"foaled"`
	Sex      string           `json:"sex"`
	Pedigree []PedigreeEntry  `json:"pedigree"`
}

// Validate fails fast on missing required fields.
func (d *EntityDetail) Validate() error {
	if d.ID == "" {
		return eris.New("provider: entity detail missing id")
	}
	if d.Name == "" {
		return eris.Errorf("provider: entity %s missing name", d.ID)
	}
	for i, p := range d.Pedigree {
		if p.Relation == "" || p.ID == "" {
			return eris.Errorf("provider: entity %s pedigree entry %d missing relation or id", d.ID, i)
		}
		if p.Generation <= 0 {
			return eris.Errorf("provider: entity %s pedigree entry %s missing generation", d.ID, p.Relation)
		}
	}
	return nil
}
