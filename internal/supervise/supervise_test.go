package supervise

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/model"
	"github.com/turfline/racedata-cli/internal/store/storetest"
)

func TestManager_LoadMissing(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	h, err := m.Load("ingest")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestManager_SaveLoadAlive(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	h := &Handle{PID: os.Getpid(), Role: "ingest", RunID: "run-1", StartedAt: time.Now().UTC()}
	require.NoError(t, m.save(h))

	loaded, err := m.Load("ingest")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, os.Getpid(), loaded.PID)
	assert.True(t, m.Alive(loaded), "own pid must be alive")

	dead := &Handle{PID: 999999999, Role: "ingest"}
	assert.False(t, m.Alive(dead))
	assert.False(t, m.Alive(nil))
}

func TestManager_StopTerminatesProcess(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)

	cmd := exec.Command("sleep", "60")
	require.NoError(t, cmd.Start())
	go cmd.Wait()

	h := &Handle{PID: cmd.Process.Pid, Role: "enrich", RunID: "run-1", StartedAt: time.Now().UTC()}
	require.NoError(t, m.save(h))

	require.NoError(t, m.Stop("enrich", 5*time.Second))

	loaded, err := m.Load("enrich")
	require.NoError(t, err)
	assert.Nil(t, loaded, "handle file removed after stop")
}

func TestManager_StopWithoutWorker(t *testing.T) {
	m, err := NewManager(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, m.Stop("ingest", time.Second))
}

func TestCollect_MergesRolesAndCounts(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)
	cps, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	cp, err := cps.Create("run-1", checkpoint.RoleIngest)
	require.NoError(t, err)
	cp.ChunksTotal = 5
	require.NoError(t, cp.Advance(time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC)))

	require.NoError(t, m.save(&Handle{PID: os.Getpid(), Role: checkpoint.RoleIngest, RunID: "run-1"}))

	mem := storetest.New()
	mem.Seed(model.EntityRecord{Kind: model.KindHorse, ExternalID: "h1", EnrichmentStatus: model.StatusUnenriched})
	mem.Seed(model.EntityRecord{Kind: model.KindHorse, ExternalID: "h2", EnrichmentStatus: model.StatusEnriched})
	require.NoError(t, mem.AppendError(context.Background(), model.ErrorLogEntry{RunID: "run-1", Scope: "chunk", Ref: "x", Message: "boom"}))

	snap, err := Collect(context.Background(), m, cps, mem)
	require.NoError(t, err)

	assert.True(t, snap.Ingest.Running)
	assert.Equal(t, os.Getpid(), snap.Ingest.PID)
	require.NotNil(t, snap.Ingest.Checkpoint)
	assert.Equal(t, 1, snap.Ingest.Checkpoint.ChunksCompleted)

	assert.False(t, snap.Enrich.Running)
	assert.Nil(t, snap.Enrich.Checkpoint)

	assert.Equal(t, int64(1), snap.Entities.Unenriched)
	assert.Equal(t, int64(1), snap.Entities.Enriched)
	assert.Equal(t, int64(1), snap.Errors)
}

func TestCombinedETA_ScalesElapsedByRemainingWork(t *testing.T) {
	started := time.Now().UTC().Add(-10 * time.Minute)
	snap := &Snapshot{
		Ingest: RoleStatus{Role: "ingest", Checkpoint: &checkpoint.Checkpoint{
			Role:            checkpoint.RoleIngest,
			ChunksTotal:     4,
			ChunksCompleted: 2,
			StartedAt:       started,
		}},
		Enrich: RoleStatus{Role: "enrich"},
	}

	// Half the chunks done after ten minutes: about ten minutes left.
	eta := combinedETA(snap)
	assert.InDelta(t, (10 * time.Minute).Seconds(), eta.Seconds(), 30)
}

func TestCombinedETA_SlowerRoleWins(t *testing.T) {
	started := time.Now().UTC().Add(-10 * time.Minute)
	snap := &Snapshot{
		Ingest: RoleStatus{Role: "ingest", Checkpoint: &checkpoint.Checkpoint{
			Role:            checkpoint.RoleIngest,
			ChunksTotal:     4,
			ChunksCompleted: 2,
			StartedAt:       started,
		}},
		Enrich: RoleStatus{Role: "enrich", Checkpoint: &checkpoint.Checkpoint{
			Role:      checkpoint.RoleEnrich,
			Counters:  map[string]int64{"enriched": 9, "failed": 1},
			StartedAt: started,
		}},
	}
	snap.Entities.Unenriched = 60

	// Enrich projects an hour against ingest's ten minutes.
	eta := combinedETA(snap)
	assert.InDelta(t, (60 * time.Minute).Seconds(), eta.Seconds(), 120)
}

func TestCombinedETA_NoEstimateWithoutProgress(t *testing.T) {
	assert.Zero(t, combinedETA(&Snapshot{}))

	done := time.Now().UTC()
	snap := &Snapshot{
		Ingest: RoleStatus{Checkpoint: &checkpoint.Checkpoint{
			ChunksTotal:     4,
			ChunksCompleted: 4,
			StartedAt:       done.Add(-time.Minute),
			CompletedAt:     &done,
		}},
		Enrich: RoleStatus{Checkpoint: &checkpoint.Checkpoint{
			StartedAt: done.Add(-time.Minute),
		}},
	}
	snap.Entities.Unenriched = 50
	assert.Zero(t, combinedETA(snap), "completed or idle roles give no estimate")
}

func TestSnapshot_Render(t *testing.T) {
	dir := t.TempDir()
	cps, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	cp, err := cps.Create("run-1", checkpoint.RoleIngest)
	require.NoError(t, err)
	cp.ChunksTotal = 4
	require.NoError(t, cp.Advance(time.Date(2021, 1, 10, 0, 0, 0, 0, time.UTC)))

	snap := &Snapshot{
		Ingest: RoleStatus{Role: "ingest", Running: true, PID: 4242, Checkpoint: cp},
		Enrich: RoleStatus{Role: "enrich"},
	}
	snap.Entities.Unenriched = 12
	snap.Errors = 2
	snap.ETA = 4*time.Minute + 10*time.Second

	var sb strings.Builder
	snap.Render(&sb)
	out := sb.String()

	assert.Contains(t, out, "ingest")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "4242")
	assert.Contains(t, out, "1/4 chunks")
	assert.Contains(t, out, "12 unenriched")
	assert.Contains(t, out, "estimated time remaining: 4m10s")
	assert.Contains(t, out, "errors logged: 2")
}

func TestWatch_WorkerExitReportsError(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)
	cps, err := checkpoint.NewStore(dir)
	require.NoError(t, err)

	cp, err := cps.Create("run-1", checkpoint.RoleIngest)
	require.NoError(t, err)
	cp.ChunksTotal = 4
	require.NoError(t, cp.Save())

	// Checkpoint exists but no live worker handle does.
	var sb strings.Builder
	err = Watch(context.Background(), m, cps, &sb, 10*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited before completing")
}

func TestSnapshot_RenderInterrupted(t *testing.T) {
	dir := t.TempDir()
	cps, err := checkpoint.NewStore(dir)
	require.NoError(t, err)
	cp, err := cps.Create("run-1", checkpoint.RoleIngest)
	require.NoError(t, err)

	snap := &Snapshot{
		Ingest: RoleStatus{Role: "ingest", Running: false, Checkpoint: cp},
		Enrich: RoleStatus{Role: "enrich"},
	}
	var sb strings.Builder
	snap.Render(&sb)
	assert.Contains(t, sb.String(), "interrupted")
}
