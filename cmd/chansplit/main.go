// Command chansplit demultiplexes a detector event dataset into one table
// per detector channel.
//
// Usage:
//
//	chansplit run --input run07.db [--mapping Mapping2Detector.csv] [--range-lo 256 --range-hi 512]
//	chansplit verify "run07 OUTPUT.db"
//	chansplit generate synthetic.db --records 100000
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "chansplit",
		Short:         "Split a detector event dataset into per-channel tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newVerifyCommand(), newGenerateCommand())
	return root
}
