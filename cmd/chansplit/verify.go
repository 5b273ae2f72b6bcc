package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chansplit/chansplit/internal/output"
)

func newVerifyCommand() *cobra.Command {
	var quiet bool
	cmd := &cobra.Command{
		Use:   "verify <output>",
		Short: "Check an output container against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results, err := output.Verify(cmd.Context(), args[0])
			printResults(cmd.OutOrStdout(), results, quiet)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d tables OK\n", len(results))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only print mismatching tables")
	return cmd
}

func printResults(w io.Writer, results []output.VerifyResult, quiet bool) {
	for _, r := range results {
		if r.OK() {
			if !quiet {
				fmt.Fprintf(w, "ok       %-12s channel %-6d %s rows%s\n",
					r.Name, r.ChannelID, humanize.Comma(r.ActualRows), formatRanges(r.ActualStats))
			}
			continue
		}
		fmt.Fprintf(w, "MISMATCH %-12s channel %-6d rows %d/%d fingerprint %s/%s\n",
			r.Name, r.ChannelID, r.ActualRows, r.ExpectedRows, r.ActualFingerprint, r.ExpectedFingerprint)
		if r.ActualStats != r.ExpectedStats {
			fmt.Fprintf(w, "         ranges%s, manifest%s\n", formatRanges(r.ActualStats), formatRanges(r.ExpectedStats))
		}
	}
}

func formatRanges(s output.Stats) string {
	if s.Count == 0 {
		return ""
	}
	return fmt.Sprintf(" time [%d, %d] energy [%g, %g]", s.MinTime, s.MaxTime, s.MinEnergy, s.MaxEnergy)
}
