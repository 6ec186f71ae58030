package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turfline/racedata-cli/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "racedata",
	Short: "Resumable historical racing data backfill",
	Long:  "Ingests race meetings from the FormFeed API in resumable date chunks, stages discovered horses, jockeys and trainers, and enriches them with detail and pedigree data under the provider's rate limits.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if eris.Is(err, context.Canceled) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
