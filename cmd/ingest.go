package main

import (
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/turfline/racedata-cli/internal/ingest"
)

var (
	ingestStart  string
	ingestEnd    string
	ingestRunID  string
	ingestResume bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run the bulk ingest worker in the foreground",
	Long:  "Walks the date range in fixed windows, fetching race meetings and staging discovered entities. Interrupting with SIGINT or SIGTERM is safe: progress is checkpointed per chunk and --resume continues where the last run stopped.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		start, end, err := parseDateRange(ingestStart, ingestEnd)
		if err != nil {
			return err
		}

		client, err := initProvider()
		if err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		cps, err := initCheckpoints()
		if err != nil {
			return err
		}

		runID := ingestRunID
		if runID == "" {
			runID = uuid.NewString()
		}

		runner := ingest.NewRunner(client, st, cps, cfg.Backfill)
		return runner.Run(ctx, runID, start, end, ingestResume)
	},
}

func parseDateRange(startStr, endStr string) (time.Time, time.Time, error) {
	if startStr == "" {
		return time.Time{}, time.Time{}, eris.New("--start is required (YYYY-MM-DD)")
	}
	start, err := time.Parse("2006-01-02", startStr)
	if err != nil {
		return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid --start %q", startStr)
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	if endStr != "" {
		end, err = time.Parse("2006-01-02", endStr)
		if err != nil {
			return time.Time{}, time.Time{}, eris.Wrapf(err, "invalid --end %q", endStr)
		}
	}
	return start, end, nil
}

func init() {
	ingestCmd.Flags().StringVar(&ingestStart, "start", "", "first date to ingest (YYYY-MM-DD)")
	ingestCmd.Flags().StringVar(&ingestEnd, "end", "", "last date to ingest (default today)")
	ingestCmd.Flags().StringVar(&ingestRunID, "run-id", "", "run identifier (default random)")
	ingestCmd.Flags().BoolVar(&ingestResume, "resume", false, "continue from the existing ingest checkpoint")
	rootCmd.AddCommand(ingestCmd)
}
