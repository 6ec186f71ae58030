package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/turfline/racedata-cli/internal/checkpoint"
	"github.com/turfline/racedata-cli/internal/supervise"
)

var (
	backfillStart  string
	backfillEnd    string
	backfillResume bool
	backfillWatch  bool
	backfillGrace  time.Duration
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Manage the detached backfill workers",
}

var backfillStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Spawn the ingest and enrich workers as background processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if _, _, err := parseDateRange(backfillStart, backfillEnd); err != nil {
			return err
		}

		mgr, err := initManager()
		if err != nil {
			return err
		}

		runID := uuid.NewString()

		ingestArgs := []string{"ingest", "--start", backfillStart, "--run-id", runID}
		if backfillEnd != "" {
			ingestArgs = append(ingestArgs, "--end", backfillEnd)
		}
		if backfillResume {
			ingestArgs = append(ingestArgs, "--resume")
		}
		enrichArgs := []string{"enrich", "--follow", "--run-id", runID}
		if backfillResume {
			enrichArgs = append(enrichArgs, "--resume")
		}

		ih, err := mgr.Spawn(checkpoint.RoleIngest, runID, ingestArgs...)
		if err != nil {
			return err
		}
		eh, err := mgr.Spawn(checkpoint.RoleEnrich, runID, enrichArgs...)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run %s started\n", runID)
		fmt.Fprintf(out, "  ingest pid %d (log %s)\n", ih.PID, ih.LogPath)
		fmt.Fprintf(out, "  enrich pid %d (log %s)\n", eh.PID, eh.LogPath)

		if !backfillWatch {
			return nil
		}
		cps, err := initCheckpoints()
		if err != nil {
			return err
		}
		return supervise.Watch(ctx, mgr, cps, out, 2*time.Second)
	},
}

var backfillStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker liveness and backfill progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := initManager()
		if err != nil {
			return err
		}
		cps, err := initCheckpoints()
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := supervise.Collect(ctx, mgr, cps, st)
		if err != nil {
			return err
		}
		snap.Render(cmd.OutOrStdout())
		return nil
	},
}

var backfillStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running workers gracefully",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := initManager()
		if err != nil {
			return err
		}

		// Stop the readers of shared state in parallel; each shuts down at
		// its own chunk or entity boundary.
		var g errgroup.Group
		for _, role := range []string{checkpoint.RoleIngest, checkpoint.RoleEnrich} {
			g.Go(func() error {
				return mgr.Stop(role, backfillGrace)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "workers stopped")
		return nil
	},
}

func init() {
	backfillStartCmd.Flags().StringVar(&backfillStart, "start", "", "first date to ingest (YYYY-MM-DD)")
	backfillStartCmd.Flags().StringVar(&backfillEnd, "end", "", "last date to ingest (default today)")
	backfillStartCmd.Flags().BoolVar(&backfillResume, "resume", false, "continue from existing checkpoints")
	backfillStartCmd.Flags().BoolVar(&backfillWatch, "watch", false, "stay attached and show ingest progress")
	backfillStopCmd.Flags().DurationVar(&backfillGrace, "grace", 30*time.Second, "how long to wait for workers to exit")

	backfillCmd.AddCommand(backfillStartCmd, backfillStatusCmd, backfillStopCmd)
	rootCmd.AddCommand(backfillCmd)
}
