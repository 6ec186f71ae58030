package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	errorsRunID string
	errorsLimit int
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List recorded chunk and entity failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		entries, err := st.ListErrors(ctx, errorsRunID, errorsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no errors recorded")
			return nil
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tRUN\tSCOPE\tREF\tMESSAGE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format("2006-01-02 15:04:05"), e.RunID, e.Scope, e.Ref, e.Message)
		}
		return tw.Flush()
	},
}

func init() {
	errorsCmd.Flags().StringVar(&errorsRunID, "run-id", "", "only show errors from one run")
	errorsCmd.Flags().IntVar(&errorsLimit, "limit", 100, "maximum entries to show")
	rootCmd.AddCommand(errorsCmd)
}
