package main

import (
	"fmt"
	"math/rand"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/chansplit/chansplit/internal/stream"
	"github.com/chansplit/chansplit/pkg/types"
)

func newGenerateCommand() *cobra.Command {
	var (
		records       int
		rangeLo       int
		rangeHi       int
		unmappedEvery int
		seed          int64
	)
	cmd := &cobra.Command{
		Use:   "generate <path>",
		Short: "Write a synthetic input dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rangeHi <= rangeLo {
				return fmt.Errorf("empty channel range [%d,%d)", rangeLo, rangeHi)
			}
			recs := syntheticRecords(records, types.ChannelRange{Lo: rangeLo, Hi: rangeHi}, unmappedEvery, seed)
			if err := stream.WriteDataset(cmd.Context(), args[0], recs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s entries to %s\n", humanize.Comma(int64(len(recs))), args[0])
			return nil
		},
	}
	fs := cmd.Flags()
	fs.IntVar(&records, "records", 10000, "Number of entries")
	fs.IntVar(&rangeLo, "range-lo", 256, "First channel id")
	fs.IntVar(&rangeHi, "range-hi", 512, "Channel id past the end")
	fs.IntVar(&unmappedEvery, "unmapped-every", 0, "Emit an out-of-range channel every N entries (0 disables)")
	fs.Int64Var(&seed, "seed", 1, "Random seed")
	return cmd
}

// syntheticRecords returns n time-ordered entries spread over rng.
func syntheticRecords(n int, rng types.ChannelRange, unmappedEvery int, seed int64) []types.Record {
	r := rand.New(rand.NewSource(seed))
	out := make([]types.Record, n)
	var ts int64
	for i := range out {
		ts += int64(r.Intn(1000))
		ch := uint32(rng.Lo + r.Intn(rng.Len()))
		if unmappedEvery > 0 && (i+1)%unmappedEvery == 0 {
			ch = uint32(rng.Hi + r.Intn(64))
		}
		out[i] = types.Record{
			ChannelID: ch,
			Time:      ts,
			Energy:    float32(r.ExpFloat64() * 100),
			TOT:       float32(r.Float64() * 50),
		}
	}
	return out
}
