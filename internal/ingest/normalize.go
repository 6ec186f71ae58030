package ingest

import (
	"time"

	"github.com/turfline/racedata-cli/internal/entity"
	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/provider"
)

// Normalize flattens provider meetings into event rows and participant
// references. Column ownership is one-way: ingestion writes these rows and
// never touches enrichment-owned entity attributes.
func Normalize(meetings []provider.Meeting) ([]model.EventRecord, []model.ParticipantRef) {
	var (
		events []model.EventRecord
		parts  []model.ParticipantRef
	)
	for _, m := range meetings {
		date, err := time.Parse("2006-01-02", m.Date)
		if err != nil {
			// Validate has already rejected bad dates upstream.
			continue
		}
		for _, race := range m.Races {
			events = append(events, model.EventRecord{
				ExternalID: race.ID,
				EventDate:  date,
				Venue:      m.Course,
				Name:       race.Name,
				RaceNumber: race.Number,
				DistanceM:  race.DistanceM,
				Runners:    len(race.Runners),
			})
			for _, run := range race.Runners {
				parts = append(parts, runnerRefs(race.ID, run)...)
			}
		}
	}
	return events, parts
}

func runnerRefs(raceID string, run provider.Runner) []model.ParticipantRef {
	refs := make([]model.ParticipantRef, 0, 3)
	// Participant rows carry the same canonical id the entity table keys on,
	// so joins between the two never miss on case or whitespace.
	add := func(kind model.EntityKind, id, name string) {
		id = entity.NormalizeID(id)
		if id == "" {
			return
		}
		refs = append(refs, model.ParticipantRef{
			EventExternalID: raceID,
			Kind:            kind,
			ExternalID:      id,
			Name:            name,
			Barrier:         run.Barrier,
			FinishPosition:  run.FinishPosition,
		})
	}
	add(model.KindHorse, run.HorseID, run.HorseName)
	add(model.KindJockey, run.JockeyID, run.JockeyName)
	add(model.KindTrainer, run.TrainerID, run.TrainerName)
	return refs
}
