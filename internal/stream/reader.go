// Package stream reads event records from an input dataset one at a time,
// in physical storage order.
package stream

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/pkg/types"
)

// Options configures how a dataset is opened.
type Options struct {
	// Table is the event table name; empty means types.DataTableName
	Table string
	// PrefetchBytes sizes the engine's page cache and memory map. It is a
	// throughput hint only; 0 leaves the engine defaults.
	PrefetchBytes int64
	// SkipIntegrityCheck disables the quick_check run at open
	SkipIntegrityCheck bool
	Logger             *zap.Logger
}

// Stream is a lazy, finite, non-restartable sequence of records. It owns
// the dataset handle until Close.
type Stream struct {
	path   string
	table  string
	db     *sql.DB
	conn   *sql.Conn
	rows   *sql.Rows
	total  int64
	read   int64
	cur    types.Record
	err    error
	done   bool
	logger *zap.Logger
}

// Open opens the dataset at path read-only and positions a cursor before
// the first record of its event table.
func Open(ctx context.Context, path string, opts Options) (*Stream, error) {
	if opts.Table == "" {
		opts.Table = types.DataTableName
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("cannot open input dataset %s", path), err)
	}
	if info.IsDir() {
		return nil, cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("input dataset %s is a directory", path), nil)
	}

	db, err := sql.Open("sqlite3", DSN(path, "ro"))
	if err != nil {
		return nil, cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("cannot open input dataset %s", path), err)
	}

	s := &Stream{
		path:   path,
		table:  opts.Table,
		db:     db,
		logger: opts.Logger,
	}
	opened := false
	defer func() {
		if !opened {
			s.Close()
		}
	}()

	// A single pinned connection keeps the prefetch pragmas in effect for
	// the whole scan.
	s.conn, err = db.Conn(ctx)
	if err != nil {
		return nil, cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("cannot open input dataset %s", path), err)
	}

	if !opts.SkipIntegrityCheck {
		if err := s.checkIntegrity(ctx); err != nil {
			return nil, err
		}
	}
	if err := s.checkSchema(ctx); err != nil {
		return nil, err
	}
	if opts.PrefetchBytes > 0 {
		if err := s.prefetch(ctx, opts.PrefetchBytes); err != nil {
			return nil, err
		}
	}

	countSQL := fmt.Sprintf("SELECT COUNT(*) FROM %s", types.QuoteIdent(s.table))
	if err := s.conn.QueryRowContext(ctx, countSQL).Scan(&s.total); err != nil {
		return nil, cerrors.NewInputError(cerrors.CodeInputReadFailed,
			fmt.Sprintf("cannot count entries of %s", path), err)
	}

	s.rows, err = s.conn.QueryContext(ctx, types.EventSchema().SelectSQL(s.table))
	if err != nil {
		return nil, cerrors.NewInputError(cerrors.CodeInputReadFailed,
			fmt.Sprintf("cannot scan %s", path), err)
	}

	s.logger.Info("input dataset opened",
		zap.String("path", path),
		zap.String("table", s.table),
		zap.Int64("entries", s.total),
		zap.String("size", humanize.Bytes(uint64(info.Size()))))
	opened = true
	return s, nil
}

// checkIntegrity rejects files that are not databases or are damaged.
func (s *Stream) checkIntegrity(ctx context.Context) error {
	var result string
	if err := s.conn.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		return cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("input dataset %s is unreadable", s.path), err)
	}
	if result != "ok" {
		return cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("input dataset %s is corrupt: %s", s.path, result), nil)
	}
	return nil
}

// checkSchema verifies the event table and its four columns exist.
func (s *Stream) checkSchema(ctx context.Context) error {
	var name string
	err := s.conn.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", s.table).Scan(&name)
	if err == sql.ErrNoRows {
		return cerrors.NewSchemaError(cerrors.CodeTableNotFound,
			fmt.Sprintf("table %q not found in %s", s.table, s.path))
	}
	if err != nil {
		return cerrors.NewInputError(cerrors.CodeInputOpenFailed,
			fmt.Sprintf("input dataset %s is unreadable", s.path), err)
	}

	rows, err := s.conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", types.QuoteIdent(s.table)))
	if err != nil {
		return cerrors.NewInputError(cerrors.CodeInputReadFailed,
			fmt.Sprintf("cannot read columns of %q", s.table), err)
	}
	defer rows.Close()

	present := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			col     string
			colType string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &col, &colType, &notNull, &dflt, &pk); err != nil {
			return cerrors.NewInputError(cerrors.CodeInputReadFailed,
				fmt.Sprintf("cannot read columns of %q", s.table), err)
		}
		present[col] = true
	}
	if err := rows.Err(); err != nil {
		return cerrors.NewInputError(cerrors.CodeInputReadFailed,
			fmt.Sprintf("cannot read columns of %q", s.table), err)
	}

	for _, col := range types.EventSchema().ColumnNames() {
		if !present[col] {
			return cerrors.NewSchemaError(cerrors.CodeColumnMissing,
				fmt.Sprintf("table %q in %s has no column %q", s.table, s.path, col)).
				WithDetails(map[string]interface{}{"column": col})
		}
	}
	return nil
}

// prefetch asks the engine to stage up to n bytes of the file in memory.
func (s *Stream) prefetch(ctx context.Context, n int64) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA mmap_size = %d", n),
		fmt.Sprintf("PRAGMA cache_size = %d", -(n / 1024)),
	}
	for _, p := range pragmas {
		if _, err := s.conn.ExecContext(ctx, p); err != nil {
			return cerrors.NewInputError(cerrors.CodeInputReadFailed, "failed to apply prefetch hint", err)
		}
	}
	s.logger.Debug("prefetch hint applied", zap.String("size", humanize.Bytes(uint64(n))))
	return nil
}

// Next advances to the next record. It returns false at the end of the
// table or on error; Err distinguishes the two.
func (s *Stream) Next() bool {
	if s.done || s.err != nil || s.rows == nil {
		return false
	}
	if !s.rows.Next() {
		s.done = true
		if err := s.rows.Err(); err != nil {
			s.err = cerrors.NewInputError(cerrors.CodeInputReadFailed,
				fmt.Sprintf("read failed after %d of %d entries", s.read, s.total), err)
			return false
		}
		if s.read != s.total {
			s.err = cerrors.NewSchemaError(cerrors.CodeEntryCountMismatch,
				fmt.Sprintf("table %q declared %d entries but yielded %d", s.table, s.total, s.read))
		}
		return false
	}

	var (
		channelID   int64
		t           int64
		energy, tot float64
	)
	if err := s.rows.Scan(&channelID, &t, &energy, &tot); err != nil {
		s.err = cerrors.NewInputError(cerrors.CodeInputReadFailed,
			fmt.Sprintf("cannot decode entry %d", s.read), err)
		return false
	}
	if channelID < 0 || channelID > math.MaxUint32 {
		s.err = cerrors.NewSchemaError(cerrors.CodeValueOutOfRange,
			fmt.Sprintf("entry %d has channelID %d outside the unsigned 32-bit range", s.read, channelID))
		return false
	}

	s.cur = types.Record{
		ChannelID: uint32(channelID),
		Time:      t,
		Energy:    float32(energy),
		TOT:       float32(tot),
	}
	s.read++
	return true
}

// Record returns the record Next positioned on, as a fresh value.
func (s *Stream) Record() types.Record {
	return s.cur
}

// Err returns the first error met while iterating.
func (s *Stream) Err() error {
	return s.err
}

// Len returns the table's declared entry count.
func (s *Stream) Len() int64 {
	return s.total
}

// Read returns the number of records yielded so far.
func (s *Stream) Read() int64 {
	return s.read
}

// Path returns the dataset path.
func (s *Stream) Path() string {
	return s.path
}

// Close releases the cursor, connection and database handle. It is safe to
// call more than once.
func (s *Stream) Close() error {
	var firstErr error
	if s.rows != nil {
		if err := s.rows.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.rows = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.conn = nil
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.db = nil
	}
	return firstErr
}

// DSN builds a URI filename for path opened in mode (ro, rw or rwc).
func DSN(path, mode string) string {
	escaped := strings.NewReplacer("%", "%25", "?", "%3f", "#", "%23").Replace(path)
	return "file:" + escaped + "?mode=" + mode
}
