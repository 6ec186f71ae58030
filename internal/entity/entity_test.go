package entity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/store"
	"github.com/turfline/racedata-cli/internal/store/storetest"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"h1", "h1"},
		{" H1 ", "h1"},
		{"HRS 042", "hrs042"},
		{"\tJ-7\n", "j-7"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeID(tt.in), "input %q", tt.in)
	}
}

func TestExtractRefs_Dedups(t *testing.T) {
	parts := []model.ParticipantRef{
		{EventExternalID: "r1", Kind: model.KindHorse, ExternalID: "h1", Name: "Sea Mist"},
		{EventExternalID: "r2", Kind: model.KindHorse, ExternalID: "h1", Name: "Sea Mist"},
		{EventExternalID: "r1", Kind: model.KindJockey, ExternalID: "j1", Name: "T. Walsh"},
		{EventExternalID: "r1", Kind: model.KindTrainer, ExternalID: "", Name: "missing id"},
	}
	refs := ExtractRefs(parts)
	require.Len(t, refs, 2)
	assert.Equal(t, "h1", refs[0].ID)
	assert.Equal(t, "j1", refs[1].ID)
}

func TestExtractRefs_FoldsKeyVariants(t *testing.T) {
	parts := []model.ParticipantRef{
		{EventExternalID: "r1", Kind: model.KindHorse, ExternalID: "h1", Name: "Sea Mist"},
		{EventExternalID: "r2", Kind: model.KindHorse, ExternalID: " H1 ", Name: "Sea Mist"},
		{EventExternalID: "r1", Kind: model.KindTrainer, ExternalID: "   ", Name: "blank id"},
	}
	refs := ExtractRefs(parts)
	require.Len(t, refs, 1)
	assert.Equal(t, "h1", refs[0].ID)
}

func TestExtractRefs_SameIDDifferentKind(t *testing.T) {
	parts := []model.ParticipantRef{
		{EventExternalID: "r1", Kind: model.KindHorse, ExternalID: "x1"},
		{EventExternalID: "r1", Kind: model.KindJockey, ExternalID: "x1"},
	}
	assert.Len(t, ExtractRefs(parts), 2)
}

func TestClassify_PartitionsKnownAndNew(t *testing.T) {
	mem := storetest.New()
	for i := 0; i < 4; i++ {
		mem.Seed(model.EntityRecord{
			Kind:             model.KindHorse,
			ExternalID:       fmt.Sprintf("known%d", i),
			EnrichmentStatus: model.StatusEnriched,
		})
	}

	var refs []Ref
	for i := 0; i < 4; i++ {
		refs = append(refs, Ref{Kind: model.KindHorse, ID: fmt.Sprintf("known%d", i), Name: "K"})
	}
	for i := 0; i < 6; i++ {
		refs = append(refs, Ref{Kind: model.KindJockey, ID: fmt.Sprintf("new%d", i), Name: "N"})
	}

	res, err := NewClassifier(mem).Classify(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Known)
	assert.Equal(t, int64(6), res.Inserted)

	counts, err := mem.CountEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts.Unenriched)
}

func TestClassify_NewEntitiesStartUnenriched(t *testing.T) {
	mem := storetest.New()
	res, err := NewClassifier(mem).Classify(context.Background(), []Ref{
		{Kind: model.KindHorse, ID: "h1", Name: "  Sea   Mist "},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)

	rec, ok := mem.Entity(store.EntityKey{Kind: model.KindHorse, ExternalID: "h1"})
	require.True(t, ok)
	assert.Equal(t, model.StatusUnenriched, rec.EnrichmentStatus)
	assert.Equal(t, "Sea Mist", rec.Name)
	assert.False(t, rec.DiscoveredAt.IsZero())
}

func TestClassify_FoldedKeyVariantsShareOneRecord(t *testing.T) {
	mem := storetest.New()
	c := NewClassifier(mem)

	first, err := c.Classify(context.Background(), []Ref{
		{Kind: model.KindHorse, ID: "h1", Name: "Sea Mist"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Inserted)

	second, err := c.Classify(context.Background(), []Ref{
		{Kind: model.KindHorse, ID: " H1 ", Name: "Sea Mist"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, second.Known)
	assert.Equal(t, int64(0), second.Inserted)

	counts, err := mem.CountEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Unenriched)
}

func TestClassify_Idempotent(t *testing.T) {
	mem := storetest.New()
	c := NewClassifier(mem)
	refs := []Ref{{Kind: model.KindTrainer, ID: "t1", Name: "J. Moore"}}

	first, err := c.Classify(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Inserted)

	second, err := c.Classify(context.Background(), refs)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Known)
	assert.Equal(t, int64(0), second.Inserted)
}

func TestClassify_Empty(t *testing.T) {
	res, err := NewClassifier(storetest.New()).Classify(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, res.Known)
	assert.Zero(t, res.Inserted)
}

func TestClassify_LookupError(t *testing.T) {
	mem := storetest.New()
	mem.ForcedErr = errors.New("db down")
	_, err := NewClassifier(mem).Classify(context.Background(), []Ref{
		{Kind: model.KindHorse, ID: "h1"},
	})
	require.Error(t, err)
}
