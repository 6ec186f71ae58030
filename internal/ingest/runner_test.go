package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/config"
	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/provider"
	"github.com/turfline/racedata-cli/internal/store/storetest"
)

// fakeClient serves one meeting with one race per requested window, keyed by
// the window start date. Windows listed in fail return a permanent error.
type fakeClient struct {
	calls []string
	fail  map[string]bool
	pages int
}

func (f *fakeClient) Meetings(ctx context.Context, start, end time.Time, page int) (*provider.MeetingsPage, error) {
	key := start.Format("2006-01-02")
	f.calls = append(f.calls, fmt.Sprintf("%s#%d", key, page))
	if f.fail[key] {
		return nil, &provider.StatusError{Code: 404, URL: "/v1/meetings"}
	}

	total := f.pages
	if total == 0 {
		total = 1
	}
	raceID := fmt.Sprintf("r-%s-%d", key, page)
	return &provider.MeetingsPage{
		Page:       page,
		TotalPages: total,
		Meetings: []provider.Meeting{{
			ID:     "m-" + key,
			Date:   key,
			Course: "Ascot",
			Races: []provider.Race{{
				ID:     raceID,
				Number: page,
				Runners: []provider.Runner{{
					HorseID: "h-" + key, HorseName: "Sea Mist",
					JockeyID: "j1", JockeyName: "T. Walsh",
				}},
			}},
		}},
	}, nil
}

func (f *fakeClient) EntityDetail(ctx context.Context, kind model.EntityKind, id string) (*provider.EntityDetail, error) {
	panic("not used by ingest")
}

func day(s string) time.Time {
	t, _ := time.Parse("2006-01-02", s)
	return t
}

func testBackfillConfig(t *testing.T) (config.BackfillConfig, *checkpoint.Store) {
	t.Helper()
	dir := t.TempDir()
	cps, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	return config.BackfillConfig{WindowDays: 10, StateDir: dir, MaxStoreRetries: 2}, cps
}

func TestRun_CompletesAndArchives(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	client := &fakeClient{}
	mem := storetest.New()

	runner := NewRunner(client, mem, cps, cfg)
	err := runner.Run(context.Background(), "run-1", day("2021-01-01"), day("2021-01-20"), false)
	require.NoError(t, err)

	// Two 10-day chunks, one race each.
	assert.Len(t, mem.Events, 2)
	assert.Len(t, mem.Participants, 4)

	counts, err := mem.CountEntities(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.Unenriched, "two horses plus one shared jockey")

	active, err := cps.Load(checkpoint.RoleIngest)
	require.NoError(t, err)
	assert.Nil(t, active, "checkpoint should be archived")
}

func TestRun_WalksAllPages(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	client := &fakeClient{pages: 3}
	mem := storetest.New()

	err := NewRunner(client, mem, cps, cfg).Run(context.Background(), "run-1", day("2021-01-01"), day("2021-01-05"), false)
	require.NoError(t, err)
	assert.Equal(t, []string{"2021-01-01#1", "2021-01-01#2", "2021-01-01#3"}, client.calls)
	assert.Len(t, mem.Events, 3)
}

func TestRun_FailedChunkIsIsolated(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	// Five chunks; the third fails permanently.
	client := &fakeClient{fail: map[string]bool{"2021-01-21": true}}
	mem := storetest.New()

	err := NewRunner(client, mem, cps, cfg).Run(context.Background(), "run-1", day("2021-01-01"), day("2021-02-19"), false)
	require.NoError(t, err, "a skipped chunk must not fail the run")

	// The other four chunks landed.
	assert.Len(t, mem.Events, 4)

	n, err := mem.CountErrors(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := mem.ListErrors(context.Background(), "run-1", 10)
	require.NoError(t, err)
	assert.Equal(t, "chunk", entries[0].Scope)
	assert.Equal(t, "2021-01-21..2021-01-30", entries[0].Ref)
}

func TestRun_ResumeSkipsCompletedChunks(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	mem := storetest.New()

	// Simulate a prior run that completed the first of three chunks.
	cp, err := cps.Create("run-1", checkpoint.RoleIngest)
	require.NoError(t, err)
	require.NoError(t, cp.Advance(day("2021-01-10")))

	client := &fakeClient{}
	err = NewRunner(client, mem, cps, cfg).Run(context.Background(), "ignored", day("2021-01-01"), day("2021-01-30"), true)
	require.NoError(t, err)

	assert.Equal(t, []string{"2021-01-11#1", "2021-01-21#1"}, client.calls)
	assert.Len(t, mem.Events, 2)

	// Resume keeps the original run identity.
	entries, _ := mem.ListErrors(context.Background(), "", 10)
	assert.Empty(t, entries)
}

func TestRun_StoreFailureRetriedThenSucceeds(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	mem := storetest.New()
	mem.FailWrites = 1

	err := NewRunner(&fakeClient{}, mem, cps, cfg).Run(context.Background(), "run-1", day("2021-01-01"), day("2021-01-05"), false)
	require.NoError(t, err)
	assert.Len(t, mem.Events, 1)
	assert.Equal(t, 2, mem.UpsertEventCalls)
}

func TestRun_StoreFailureExhaustedAbortsRun(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	mem := storetest.New()
	mem.FailWrites = 100

	err := NewRunner(&fakeClient{}, mem, cps, cfg).Run(context.Background(), "run-1", day("2021-01-01"), day("2021-01-30"), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store unavailable")
	// Aborted, not skipped: no error log entry and nothing archived.
	n, _ := mem.CountErrors(context.Background(), "run-1")
	assert.Zero(t, n)
	active, err := cps.Load(checkpoint.RoleIngest)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, 0, active.ChunksCompleted)
}

func TestRun_CancelStopsBetweenChunks(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRunner(&fakeClient{}, storetest.New(), cps, cfg).Run(ctx, "run-1", day("2021-01-01"), day("2021-01-30"), false)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRun_InvalidRange(t *testing.T) {
	cfg, cps := testBackfillConfig(t)
	err := NewRunner(&fakeClient{}, storetest.New(), cps, cfg).Run(context.Background(), "run-1", day("2021-02-01"), day("2021-01-01"), false)
	require.Error(t, err)
}
