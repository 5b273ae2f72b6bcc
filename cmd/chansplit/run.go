package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chansplit/chansplit/internal/config"
	"github.com/chansplit/chansplit/internal/logging"
	"github.com/chansplit/chansplit/internal/pipeline"
	"github.com/chansplit/chansplit/internal/storage"
)

type runFlags struct {
	configPath     string
	input          string
	mapping        string
	outputDir      string
	workDir        string
	rangeLo        int
	rangeHi        int
	onUnmapped     string
	maxVirtualSize config.ByteSize
	autoSave       int
	prefetch       config.ByteSize
	logLevel       string
	noProgress     bool
}

func newRunCommand() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Demultiplex an input dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return runPipeline(cmd.Context(), cfg, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&f.configPath, "config", "", "Path to a YAML or JSON config file")
	fs.StringVar(&f.input, "input", "", "Input dataset path")
	fs.StringVar(&f.mapping, "mapping", "", "Detector mapping CSV (default Mapping2Detector.csv)")
	fs.StringVar(&f.outputDir, "output-dir", "", "Output directory (default: next to the input, not the working directory)")
	fs.StringVar(&f.workDir, "work-dir", "", "Directory for partition spill files")
	fs.IntVar(&f.rangeLo, "range-lo", 0, "First channel id of the range (default 256)")
	fs.IntVar(&f.rangeHi, "range-hi", 0, "Channel id past the end of the range (default 512)")
	fs.StringVar(&f.onUnmapped, "on-unmapped", "", "Unmapped channel policy: fail or skip (default fail)")
	fs.Var(&f.maxVirtualSize, "max-virtual-size", "Per-partition staging ceiling, e.g. 2GB")
	fs.IntVar(&f.autoSave, "autosave", 0, "Records staged or committed at a time")
	fs.Var(&f.prefetch, "prefetch", "Input read-ahead hint, e.g. 2GB")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&f.noProgress, "no-progress", false, "Do not draw the progress bar")
	return cmd
}

// load layers defaults, config file, environment and explicitly set flags.
func (f *runFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.LoadFromFile(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}

	fs := cmd.Flags()
	if fs.Changed("input") {
		cfg.Input = f.input
	}
	if fs.Changed("mapping") {
		cfg.Mapping = f.mapping
	}
	if fs.Changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if fs.Changed("work-dir") {
		cfg.WorkDir = f.workDir
	}
	if fs.Changed("range-lo") {
		cfg.Range.Lo = f.rangeLo
	}
	if fs.Changed("range-hi") {
		cfg.Range.Hi = f.rangeHi
	}
	if fs.Changed("on-unmapped") {
		cfg.Router.OnUnmapped = config.UnmappedPolicy(f.onUnmapped)
	}
	if fs.Changed("max-virtual-size") {
		cfg.Writer.MaxVirtualSize = f.maxVirtualSize
	}
	if fs.Changed("autosave") {
		cfg.Writer.AutoSave = f.autoSave
	}
	if fs.Changed("prefetch") {
		cfg.Stream.Prefetch = f.prefetch
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if f.noProgress {
		cfg.Log.Progress = false
	}

	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runPipeline(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	fmt.Fprintln(stdout, "Program started")

	logger, err := logging.NewWithWriter(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if cfg.Log.Progress {
		opts = append(opts, pipeline.WithProgress(stderr))
	}

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		opts = append(opts, pipeline.WithPublisher(storage.NewPublisher(store, cfg.Storage.Prefix, logger)))
	}

	summary, err := pipeline.New(cfg, opts...).Run(ctx)
	if err != nil {
		logger.Error("program failed", zap.Duration("elapsed", time.Since(start)))
		return err
	}

	fmt.Fprintf(stdout, "Program finished in %s\n", summary.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(stdout, "  output:     %s (%s)\n", summary.Output, humanize.Bytes(uint64(summary.OutputSize)))
	fmt.Fprintf(stdout, "  entries:    %s read, %s routed, %s skipped\n",
		humanize.Comma(summary.RecordsRead), humanize.Comma(summary.RecordsRouted), humanize.Comma(summary.RecordsSkipped))
	fmt.Fprintf(stdout, "  partitions: %d written, %d spilled\n", summary.PartitionsWritten, summary.SpilledPartitions)
	for _, ch := range summary.TopUnmapped {
		fmt.Fprintf(stdout, "  unmapped:   channel %d x%s (first at entry %d)\n", ch.ChannelID, humanize.Comma(ch.Count), ch.FirstEntry)
	}
	if summary.Published != nil {
		fmt.Fprintf(stdout, "  published:  %s\n", summary.Published.ObjectPath)
	}
	return nil
}
