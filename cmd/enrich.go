package main

import (
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/turfline/racedata-cli/internal/enrich"
)

var (
	enrichRunID  string
	enrichFollow bool
	enrichResume bool
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Run the entity enrichment worker in the foreground",
	Long:  "Drains the unenriched entity queue in discovery order, fetching detail and pedigree data. With --follow it keeps polling for entities the ingest worker is still discovering.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

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

		runID := enrichRunID
		if runID == "" {
			runID = uuid.NewString()
		}

		engine := enrich.NewEngine(client, st, cps, cfg.Enrich, cfg.Backfill.MaxStoreRetries)
		return engine.Run(ctx, runID, enrichFollow, enrichResume)
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichRunID, "run-id", "", "run identifier (default random)")
	enrichCmd.Flags().BoolVar(&enrichFollow, "follow", false, "keep polling after the queue drains")
	enrichCmd.Flags().BoolVar(&enrichResume, "resume", false, "continue from the existing enrich checkpoint")
	rootCmd.AddCommand(enrichCmd)
}
