package supervise

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/store"
)

// RoleStatus combines a worker's liveness with its checkpoint progress.
type RoleStatus struct {
	Role       string                 `json:"role"`
	Running    bool                   `json:"running"`
	PID        int                    `json:"pid,omitempty"`
	Checkpoint *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
}

// Snapshot is one consistent view of the whole backfill for the status
// command and the HTTP status endpoint.
type Snapshot struct {
	Ingest   RoleStatus         `json:"ingest"`
	Enrich   RoleStatus         `json:"enrich"`
	Entities store.EntityCounts `json:"entities"`
	Errors   int64              `json:"errors"`
	ETA      time.Duration      `json:"eta,omitempty"`
	TakenAt  time.Time          `json:"taken_at"`
}

// Collect gathers worker liveness, checkpoints, and store counts.
func Collect(ctx context.Context, m *Manager, cps *checkpoint.Store, st store.Store) (*Snapshot, error) {
	snap := &Snapshot{TakenAt: time.Now().UTC()}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.Ingest, err = roleStatus(m, cps, checkpoint.RoleIngest)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Enrich, err = roleStatus(m, cps, checkpoint.RoleEnrich)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Entities, err = st.CountEntities(ctx)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Errors, err = st.CountErrors(ctx, "")
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	snap.ETA = combinedETA(snap)
	return snap, nil
}

// combinedETA projects how long until the whole backfill settles. Each role
// scales its elapsed time by remaining work over completed work; the backfill
// is only done when both workers are, so the larger estimate wins.
func combinedETA(s *Snapshot) time.Duration {
	ingest := roleETA(s.Ingest.Checkpoint, func(cp *checkpoint.Checkpoint) (done, remaining int64) {
		done = int64(cp.ChunksCompleted + cp.ChunksFailed)
		return done, int64(cp.ChunksTotal) - done
	})
	enrich := roleETA(s.Enrich.Checkpoint, func(cp *checkpoint.Checkpoint) (done, remaining int64) {
		return cp.Counter("enriched") + cp.Counter("failed"), s.Entities.Unenriched
	})
	if enrich > ingest {
		return enrich
	}
	return ingest
}

func roleETA(cp *checkpoint.Checkpoint, progress func(*checkpoint.Checkpoint) (done, remaining int64)) time.Duration {
	if cp == nil || cp.CompletedAt != nil {
		return 0
	}
	done, remaining := progress(cp)
	if done <= 0 || remaining <= 0 {
		return 0
	}
	return time.Duration(int64(cp.Elapsed()) * remaining / done)
}

func roleStatus(m *Manager, cps *checkpoint.Store, role string) (RoleStatus, error) {
	rs := RoleStatus{Role: role}
	h, err := m.Load(role)
	if err != nil {
		return rs, err
	}
	if h != nil && m.Alive(h) {
		rs.Running = true
		rs.PID = h.PID
	}
	rs.Checkpoint, err = cps.Load(role)
	return rs, err
}

// Render writes the dashboard the way the status command prints it.
func (s *Snapshot) Render(w io.Writer) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tSTATE\tPID\tRUN\tPROGRESS\tELAPSED")
	renderRole(tw, s.Ingest)
	renderRole(tw, s.Enrich)
	tw.Flush()

	fmt.Fprintf(w, "\nentities: %d unenriched, %d enriched, %d failed (%d total)\n",
		s.Entities.Unenriched, s.Entities.Enriched, s.Entities.Failed, s.Entities.Total())
	if s.ETA > 0 {
		fmt.Fprintf(w, "estimated time remaining: %s\n", s.ETA.Round(time.Second))
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "errors logged: %d (run `racedata errors` to inspect)\n", s.Errors)
	}
}

func renderRole(w io.Writer, rs RoleStatus) {
	state := "stopped"
	if rs.Running {
		state = "running"
	}
	pid, run, progress, elapsed := "-", "-", "-", "-"
	if rs.Running {
		pid = fmt.Sprintf("%d", rs.PID)
	}
	if cp := rs.Checkpoint; cp != nil {
		run = cp.RunID
		elapsed = cp.Elapsed().Round(time.Second).String()
		if cp.ChunksTotal > 0 {
			progress = fmt.Sprintf("%d/%d chunks", cp.ChunksCompleted, cp.ChunksTotal)
			if cp.ChunksFailed > 0 {
				progress += fmt.Sprintf(" (%d failed)", cp.ChunksFailed)
			}
		} else if n := cp.Counter("enriched"); n > 0 || cp.Role == checkpoint.RoleEnrich {
			progress = fmt.Sprintf("%d enriched, %d failed", n, cp.Counter("failed"))
		}
		if !rs.Running && cp.CompletedAt == nil {
			state = "interrupted"
		}
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", rs.Role, state, pid, run, progress, elapsed)
}

// Watch polls the ingest checkpoint and drives a terminal progress bar until
// the run finishes, both workers die, or the context is canceled.
func Watch(ctx context.Context, m *Manager, cps *checkpoint.Store, out io.Writer, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}

	var bar *progressbar.ProgressBar
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		cp, err := cps.Load(checkpoint.RoleIngest)
		if err != nil {
			return err
		}
		if cp == nil {
			// Archived on completion, so a missing file after progress
			// started means the run finished.
			if bar != nil {
				bar.Finish()
				fmt.Fprintln(out)
				return nil
			}
			continue
		}
		if bar == nil && cp.ChunksTotal > 0 {
			bar = progressbar.NewOptions(cp.ChunksTotal,
				progressbar.OptionSetWriter(out),
				progressbar.OptionSetDescription("ingesting"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetPredictTime(true),
			)
		}
		if bar != nil {
			bar.Set(cp.ChunksCompleted + cp.ChunksFailed)
		}

		if cp.CompletedAt != nil {
			if bar != nil {
				bar.Finish()
			}
			fmt.Fprintln(out)
			return nil
		}

		h, err := m.Load(checkpoint.RoleIngest)
		if err != nil {
			return err
		}
		if h == nil || !m.Alive(h) {
			fmt.Fprintln(out)
			return eris.New("supervise: ingest worker exited before completing")
		}
	}
}
