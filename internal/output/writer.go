// Package output persists sealed partitions into a single output container,
// one table per detector key, in a caller-given order.
package output

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/internal/stream"
	"github.com/chansplit/chansplit/pkg/types"
)

// Internal table names. Detector keys may not use the prefix.
const (
	internalPrefix  = "_chansplit_"
	ManifestTable   = internalPrefix + "partitions"
	RunTable        = internalPrefix + "run"
	partialSuffix   = ".partial"
	defaultAutoSave = 100000
)

// Options holds the engine-level resource controls applied while writing.
type Options struct {
	// MaxVirtualSize caps the page cache in bytes before pages are forced to disk
	MaxVirtualSize int64
	// AutoSave is the number of inserted rows per committed transaction
	AutoSave int
	Logger   *zap.Logger
}

// Source is a record sequence that can be replayed in order.
type Source interface {
	Len() int64
	Replay(fn func(types.Record) error) error
}

// PartitionInfo describes one written table.
type PartitionInfo struct {
	Name        string
	ChannelID   int
	Ordinal     int
	RowCount    int64
	Fingerprint string
	Stats       Stats
	Duration    time.Duration
}

// RunInfo is stored alongside the partitions to describe the producing run.
type RunInfo struct {
	RunID          string
	Input          string
	Mapping        string
	RangeLo        int
	RangeHi        int
	RecordsRead    int64
	RecordsSkipped int64
	CreatedAt      time.Time
}

// Writer owns an output container for the duration of a write. Tables go
// to a partial file that Commit renames into place; Close without Commit
// removes it.
type Writer struct {
	path      string
	partial   string
	db        *sql.DB
	opts      Options
	written   map[string]bool // lower-cased table names
	infos     []*PartitionInfo
	committed bool
	logger    *zap.Logger
}

// Create opens a fresh output container that will be committed to path.
func Create(ctx context.Context, path string, opts Options) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.AutoSave <= 0 {
		opts.AutoSave = defaultAutoSave
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, cerrors.NewOutputError(cerrors.CodeOutputCreateFailed, "failed to create output directory", err)
		}
	}

	partial := path + partialSuffix
	if err := removeDatabase(partial); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputCreateFailed,
			fmt.Sprintf("failed to clear stale %s", partial), err)
	}

	db, err := sql.Open("sqlite3", stream.DSN(partial, "rwc"))
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputCreateFailed,
			fmt.Sprintf("failed to create %s", partial), err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	w := &Writer{
		path:    path,
		partial: partial,
		db:      db,
		opts:    opts,
		written: make(map[string]bool),
		logger:  opts.Logger,
	}

	// WAL mode for the build, switched back to DELETE on commit
	pragmas := []string{"PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL"}
	if opts.MaxVirtualSize > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA cache_size=%d", -(opts.MaxVirtualSize / 1024)))
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			w.Close()
			return nil, cerrors.NewOutputError(cerrors.CodeOutputCreateFailed,
				fmt.Sprintf("failed to configure %s", partial), err)
		}
	}

	return w, nil
}

// Path returns the final output path.
func (w *Writer) Path() string {
	return w.path
}

// Written returns the infos of the tables written so far, in write order.
func (w *Writer) Written() []*PartitionInfo {
	out := make([]*PartitionInfo, len(w.infos))
	copy(out, w.infos)
	return out
}

// WritePartition creates table name and fills it with src's records in
// order. A source with no records still produces an empty table.
func (w *Writer) WritePartition(ctx context.Context, name string, channelID int, src Source) (*PartitionInfo, error) {
	if w.committed || w.db == nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "writer is closed", nil)
	}
	folded := strings.ToLower(name)
	if name == "" || strings.HasPrefix(folded, internalPrefix) || strings.HasPrefix(folded, "sqlite_") {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("invalid table name %q", name), nil)
	}
	if w.written[folded] {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("table %q already written", name), nil)
	}

	start := time.Now()
	schema := types.EventSchema()
	if _, err := w.db.ExecContext(ctx, schema.CreateTableSQL(name)); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("failed to create table %q", name), err)
	}
	w.written[folded] = true

	fp := NewFingerprint()
	var stats Stats
	batch, err := w.beginBatch(ctx, schema.InsertSQL(name))
	if err != nil {
		return nil, err
	}
	defer func() { batch.rollback() }()

	err = src.Replay(func(rec types.Record) error {
		if err := batch.insert(ctx, rec); err != nil {
			return err
		}
		fp.Add(rec)
		stats.Update(rec)
		if batch.pending >= w.opts.AutoSave {
			if err := batch.commit(); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			next, err := w.beginBatch(ctx, schema.InsertSQL(name))
			if err != nil {
				return err
			}
			batch = next
		}
		return nil
	})
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("failed to fill table %q", name), err)
	}
	if err := batch.commit(); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("failed to commit table %q", name), err)
	}

	if fp.Count() != src.Len() {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("table %q: source declared %d records but replayed %d", name, src.Len(), fp.Count()), nil)
	}

	info := &PartitionInfo{
		Name:        name,
		ChannelID:   channelID,
		Ordinal:     len(w.infos),
		RowCount:    fp.Count(),
		Fingerprint: fp.Sum(),
		Stats:       stats,
		Duration:    time.Since(start),
	}
	w.infos = append(w.infos, info)

	w.logger.Debug("partition written",
		zap.String("table", name),
		zap.Int("channel_id", channelID),
		zap.Int64("rows", info.RowCount),
		zap.Duration("took", info.Duration))
	return info, nil
}

// batch is one autosave transaction.
type batch struct {
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
	done    bool
}

func (w *Writer) beginBatch(ctx context.Context, insertSQL string) (*batch, error) {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to begin transaction", err)
	}
	stmt, err := tx.PrepareContext(ctx, insertSQL)
	if err != nil {
		tx.Rollback()
		return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to prepare insert statement", err)
	}
	return &batch{tx: tx, stmt: stmt}, nil
}

func (b *batch) insert(ctx context.Context, rec types.Record) error {
	if _, err := b.stmt.ExecContext(ctx, int64(rec.ChannelID), rec.Time, float64(rec.Energy), float64(rec.TOT)); err != nil {
		return err
	}
	b.pending++
	return nil
}

func (b *batch) commit() error {
	if b.done {
		return nil
	}
	b.done = true
	b.stmt.Close()
	return b.tx.Commit()
}

func (b *batch) rollback() {
	if b.done {
		return
	}
	b.done = true
	b.stmt.Close()
	b.tx.Rollback()
}

// Commit records the manifest, finalizes the container and moves it to
// its final path. It returns the container size in bytes.
func (w *Writer) Commit(ctx context.Context, run RunInfo) (int64, error) {
	if w.committed || w.db == nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "writer is closed", nil)
	}

	if err := w.writeManifest(ctx, run); err != nil {
		return 0, err
	}

	// Checkpoint WAL and switch to DELETE mode for a self-contained file
	if _, err := w.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to checkpoint WAL", err)
	}
	if _, err := w.db.ExecContext(ctx, "PRAGMA journal_mode=DELETE"); err != nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to set journal mode to DELETE", err)
	}
	if err := w.db.Close(); err != nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to close output container", err)
	}
	w.db = nil

	if err := os.Rename(w.partial, w.path); err != nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
			fmt.Sprintf("failed to move output into %s", w.path), err)
	}
	w.committed = true

	info, err := os.Stat(w.path)
	if err != nil {
		return 0, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to stat output container", err)
	}

	w.logger.Info("output container committed",
		zap.String("path", w.path),
		zap.Int("tables", len(w.infos)),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))
	return info.Size(), nil
}

func (w *Writer) writeManifest(ctx context.Context, run RunInfo) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE %s (
			ordinal INTEGER PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			channel_id INTEGER NOT NULL,
			row_count INTEGER NOT NULL,
			fingerprint TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			min_energy REAL,
			max_energy REAL,
			run_id TEXT NOT NULL
		)`, types.QuoteIdent(ManifestTable)),
		fmt.Sprintf(`CREATE TABLE %s (
			run_id TEXT NOT NULL,
			input TEXT NOT NULL,
			mapping TEXT NOT NULL,
			range_lo INTEGER NOT NULL,
			range_hi INTEGER NOT NULL,
			records_read INTEGER NOT NULL,
			records_skipped INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`, types.QuoteIdent(RunTable)),
	}
	for _, s := range stmts {
		if _, err := w.db.ExecContext(ctx, s); err != nil {
			return cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to create manifest tables", err)
		}
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to begin manifest transaction", err)
	}
	defer tx.Rollback()

	insertPartition := fmt.Sprintf(`INSERT INTO %s (ordinal, name, channel_id, row_count, fingerprint,
		min_time, max_time, min_energy, max_energy, run_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		types.QuoteIdent(ManifestTable))
	for _, info := range w.infos {
		args := []interface{}{info.Ordinal, info.Name, info.ChannelID, info.RowCount, info.Fingerprint}
		args = append(args, info.Stats.columns()...)
		args = append(args, run.RunID)
		if _, err := tx.ExecContext(ctx, insertPartition, args...); err != nil {
			return cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to record partition manifest", err)
		}
	}

	insertRun := fmt.Sprintf("INSERT INTO %s VALUES (?, ?, ?, ?, ?, ?, ?, ?)", types.QuoteIdent(RunTable))
	if _, err := tx.ExecContext(ctx, insertRun, run.RunID, run.Input, run.Mapping, run.RangeLo, run.RangeHi,
		run.RecordsRead, run.RecordsSkipped, run.CreatedAt.Unix()); err != nil {
		return cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to record run manifest", err)
	}

	if err := tx.Commit(); err != nil {
		return cerrors.NewOutputError(cerrors.CodeOutputWriteFailed, "failed to commit manifest", err)
	}
	return nil
}

// Close releases the container. An uncommitted container is removed.
// It is safe to call more than once.
func (w *Writer) Close() error {
	if w.committed {
		return nil
	}
	var firstErr error
	if w.db != nil {
		firstErr = w.db.Close()
		w.db = nil
	}
	if err := removeDatabase(w.partial); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// removeDatabase deletes a SQLite file and its WAL companions.
func removeDatabase(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}

// OutputName derives the output container name from the input dataset
// path: the directory is dropped and " OUTPUT" is inserted before the final
// extension, so "data/run07.db" becomes "run07 OUTPUT.db".
func OutputName(input string) string {
	base := filepath.Base(input)
	ext := filepath.Ext(base)
	return strings.TrimSuffix(base, ext) + " OUTPUT" + ext
}
