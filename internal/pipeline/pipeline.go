// Package pipeline drives one demultiplexing run from input dataset to
// committed output container.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chansplit/chansplit/internal/config"
	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/internal/mapping"
	"github.com/chansplit/chansplit/internal/observability"
	"github.com/chansplit/chansplit/internal/output"
	"github.com/chansplit/chansplit/internal/partition"
	"github.com/chansplit/chansplit/internal/progress"
	"github.com/chansplit/chansplit/internal/storage"
	"github.com/chansplit/chansplit/internal/stream"
)

// State is a pipeline lifecycle phase.
type State int

const (
	StateInit State = iota
	StateStreaming
	StateFinalizing
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// cancelCheckInterval is how many records are routed between context checks.
	cancelCheckInterval = 4096
	// topUnmapped is how many unmapped channels the summary lists.
	topUnmapped = 10
)

// Summary reports the outcome of a completed run.
type Summary struct {
	RunID             string
	Input             string
	Output            string
	OutputSize        int64
	RecordsRead       int64
	RecordsRouted     int64
	RecordsSkipped    int64
	PartitionsWritten int
	SpilledPartitions int
	TopUnmapped       []observability.ChannelStats
	Published         *storage.Publication
	Elapsed           time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithProgress sets where the progress bar is drawn.
func WithProgress(w io.Writer) Option {
	return func(p *Pipeline) { p.progressOut = w }
}

// WithPublisher publishes the committed container.
func WithPublisher(pub *storage.Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// Pipeline is a single-use run. Begin, Stream and Finalize must be called
// in that order; Run does all three.
type Pipeline struct {
	cfg         *config.Config
	logger      *zap.Logger
	progressOut io.Writer
	publisher   *storage.Publisher

	state    State
	runID    string
	started  time.Time
	drained  bool
	mapping  *mapping.Mapping
	registry *partition.Registry
	router   *partition.Router
	stream   *stream.Stream
	unmapped *observability.UnmappedStats
	workDir  string
	summary  *Summary
}

// New returns a pipeline for cfg. cfg must already be resolved and valid.
func New(cfg *config.Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		state:    StateInit,
		runID:    uuid.New().String(),
		unmapped: observability.NewUnmappedStats(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	if p.progressOut == nil {
		p.progressOut = io.Discard
	}
	p.logger = p.logger.With(zap.String("run_id", p.runID))
	return p
}

// State returns the current phase.
func (p *Pipeline) State() State {
	return p.state
}

// RunID returns the identifier recorded in the output manifest.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Summary returns the report of a finished run, or nil before StateDone.
func (p *Pipeline) Summary() *Summary {
	return p.summary
}

// Run executes the whole pipeline and releases every resource it acquired.
func (p *Pipeline) Run(ctx context.Context) (*Summary, error) {
	defer p.Close()

	if err := p.Begin(ctx); err != nil {
		return nil, err
	}
	if err := p.Stream(ctx); err != nil {
		return nil, err
	}
	return p.Finalize(ctx)
}

// Begin loads the mapping, builds the partition registry and opens the
// input. A mapping failure aborts before the input is touched.
func (p *Pipeline) Begin(ctx context.Context) error {
	if err := p.expect(StateInit, "begin"); err != nil {
		return err
	}
	p.started = time.Now()

	p.logger.Info("loading mapping", zap.String("path", p.cfg.Mapping))
	m, err := mapping.Load(p.cfg.Mapping)
	if err != nil {
		return p.fail(err)
	}
	p.mapping = m

	inverse, err := m.Invert()
	if err != nil {
		return p.fail(err)
	}

	p.workDir = ""
	if p.cfg.WorkDir != "" {
		p.workDir = filepath.Join(p.cfg.WorkDir, "chansplit-"+p.runID)
	}
	reg, err := partition.NewRegistry(inverse, p.cfg.Range, partition.Options{
		MaxVirtualSize: int64(p.cfg.Writer.MaxVirtualSize),
		AutoSave:       p.cfg.Writer.AutoSave,
		WorkDir:        p.workDir,
	}, p.logger)
	if err != nil {
		return p.fail(err)
	}
	p.registry = reg
	p.router = partition.NewRouter(reg)

	s, err := stream.Open(ctx, p.cfg.Input, stream.Options{
		Table:         p.cfg.Stream.Table,
		PrefetchBytes: int64(p.cfg.Stream.Prefetch),
		Logger:        p.logger,
	})
	if err != nil {
		return p.fail(err)
	}
	p.stream = s

	p.logger.Info("run started",
		zap.String("input", p.cfg.Input),
		zap.Int("detector_keys", m.Len()),
		zap.Int("partitions", reg.Len()),
		zap.String("entries", humanize.Comma(s.Len())))

	p.state = StateStreaming
	return nil
}

// Stream routes every input record into its partition.
func (p *Pipeline) Stream(ctx context.Context) error {
	if err := p.expect(StateStreaming, "stream"); err != nil {
		return err
	}
	if p.drained {
		return cerrors.NewInternalError(cerrors.CodeInvalidState, "input already streamed", nil)
	}

	// unmapped warnings can come in the millions; keep a sample
	sampled := p.logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewSamplerWithOptions(core, time.Second, 5, 1000)
	}))

	total := p.stream.Len()
	bar := progress.NewReporter(p.progressOut, progress.DefaultWidth)

	var n int64
	for p.stream.Next() {
		n++
		if n%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return p.fail(err)
			}
		}

		rec := p.stream.Record()
		if err := p.router.Route(rec); err != nil {
			if !errors.Is(err, cerrors.ErrUnmappedChannel) || p.cfg.Router.OnUnmapped != config.UnmappedSkip {
				return p.fail(err)
			}
			p.unmapped.Record(rec.ChannelID, n-1)
			sampled.Warn("unmapped channel skipped",
				zap.Uint32("channel_id", rec.ChannelID),
				zap.Int64("entry", n-1))
		}
		bar.Update(n, total)
	}
	if err := p.stream.Err(); err != nil {
		return p.fail(err)
	}
	bar.Finish(total)

	read, routed, skipped := p.stream.Read(), p.router.Routed(), p.router.Unmapped()
	if partitioned := p.registry.TotalRecords(); routed != partitioned || routed+skipped != read {
		return p.fail(cerrors.NewInternalError(cerrors.CodeUnexpected,
			fmt.Sprintf("record counts do not add up: read %d, routed %d, skipped %d, partitioned %d",
				read, routed, skipped, partitioned), nil))
	}

	p.registry.Seal()
	p.drained = true

	if err := p.stream.Close(); err != nil {
		p.logger.Warn("failed to close input", zap.Error(err))
	}

	if skipped := p.router.Unmapped(); skipped > 0 {
		p.logger.Warn("records with unmapped channels were skipped",
			zap.String("skipped", humanize.Comma(skipped)),
			zap.Int("distinct_channels", p.unmapped.Distinct()))
	}
	p.logger.Info("input routed",
		zap.String("routed", humanize.Comma(p.router.Routed())),
		zap.Ints("spilled_channels", p.registry.Spilled()))
	return nil
}

// Finalize writes every partition in mapping order, commits the output
// container and publishes it when a publisher is configured.
func (p *Pipeline) Finalize(ctx context.Context) (*Summary, error) {
	if err := p.expect(StateStreaming, "finalize"); err != nil {
		return nil, err
	}
	if !p.drained {
		return nil, cerrors.NewInternalError(cerrors.CodeInvalidState, "finalize before the input was streamed", nil)
	}
	p.state = StateFinalizing

	outPath := p.cfg.OutputPath(output.OutputName(p.cfg.Input))
	w, err := output.Create(ctx, outPath, output.Options{
		MaxVirtualSize: int64(p.cfg.Writer.MaxVirtualSize),
		AutoSave:       p.cfg.Writer.AutoSave,
		Logger:         p.logger,
	})
	if err != nil {
		return nil, p.fail(err)
	}
	defer w.Close()

	infos, err := w.WriteAll(ctx, p.mapping.Order(), p.mapping.ID, p.registry)
	if err != nil {
		return nil, p.fail(err)
	}

	size, err := w.Commit(ctx, output.RunInfo{
		RunID:          p.runID,
		Input:          p.cfg.Input,
		Mapping:        p.cfg.Mapping,
		RangeLo:        p.cfg.Range.Lo,
		RangeHi:        p.cfg.Range.Hi,
		RecordsRead:    p.stream.Read(),
		RecordsSkipped: p.router.Unmapped(),
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, p.fail(err)
	}

	summary := &Summary{
		RunID:             p.runID,
		Input:             p.cfg.Input,
		Output:            outPath,
		OutputSize:        size,
		RecordsRead:       p.stream.Read(),
		RecordsRouted:     p.router.Routed(),
		RecordsSkipped:    p.router.Unmapped(),
		PartitionsWritten: len(infos),
		SpilledPartitions: len(p.registry.Spilled()),
		TopUnmapped:       p.unmapped.Top(topUnmapped),
	}

	if p.publisher != nil {
		pub, err := p.publisher.Publish(ctx, outPath)
		if err != nil {
			if cerrors.IsRetryable(err) {
				p.logger.Warn("output committed but not published, publishing can be retried",
					zap.String("output", outPath))
			}
			return nil, p.fail(err)
		}
		summary.Published = pub
	}

	summary.Elapsed = time.Since(p.started)
	p.summary = summary
	p.state = StateDone

	p.logger.Info("run finished",
		zap.String("output", outPath),
		zap.Int("partitions", summary.PartitionsWritten),
		zap.String("size", humanize.Bytes(uint64(size))),
		zap.Duration("elapsed", summary.Elapsed))
	return summary, nil
}

// Close releases the input, the partitions and their spill files. It is
// safe to call in any state and more than once.
func (p *Pipeline) Close() error {
	var firstErr error
	if p.stream != nil {
		if err := p.stream.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.registry != nil {
		if err := p.registry.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.workDir != "" {
		if err := os.RemoveAll(p.workDir); err != nil && firstErr == nil {
			firstErr = err
		}
		p.workDir = ""
	}
	return firstErr
}

func (p *Pipeline) expect(want State, op string) error {
	if p.state != want {
		return cerrors.NewInternalError(cerrors.CodeInvalidState,
			fmt.Sprintf("cannot %s in state %s", op, p.state), nil)
	}
	return nil
}

func (p *Pipeline) fail(err error) error {
	p.state = StateFailed
	p.logger.Error("run failed",
		zap.String("category", string(cerrors.GetCategory(err))),
		zap.String("code", cerrors.GetCode(err)),
		zap.Error(err))
	return err
}
