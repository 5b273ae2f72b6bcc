package output

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/internal/stream"
	"github.com/chansplit/chansplit/pkg/types"
)

// VerifyResult compares one manifest entry with the table it describes.
type VerifyResult struct {
	Name                string
	ChannelID           int
	Ordinal             int
	ExpectedRows        int64
	ActualRows          int64
	ExpectedFingerprint string
	ActualFingerprint   string
	ExpectedStats       Stats
	ActualStats         Stats
}

// OK reports whether the table matches its manifest entry.
func (r VerifyResult) OK() bool {
	return r.ExpectedRows == r.ActualRows &&
		r.ExpectedFingerprint == r.ActualFingerprint &&
		r.ExpectedStats == r.ActualStats
}

// Verify recomputes row count, fingerprint and value ranges of every table listed in the
// manifest of the committed container at path. It also checks that tables
// were created in manifest order. A mismatch is reported in the results
// and as a VERIFY_FAILED error.
func Verify(ctx context.Context, path string) ([]VerifyResult, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	manifest, err := readManifest(ctx, db)
	if err != nil {
		return nil, err
	}

	names, err := tableNames(ctx, db)
	if err != nil {
		return nil, err
	}
	if len(names) != len(manifest) {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("%s holds %d tables but its manifest lists %d", path, len(names), len(manifest)), nil)
	}

	results := make([]VerifyResult, 0, len(manifest))
	failed := 0
	for i, m := range manifest {
		if names[i] != m.Name {
			return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed,
				fmt.Sprintf("table %d is %q, manifest expects %q", i, names[i], m.Name), nil)
		}

		fp := NewFingerprint()
		var stats Stats
		if err := scanTable(ctx, db, m.Name, func(rec types.Record) error {
			fp.Add(rec)
			stats.Update(rec)
			return nil
		}); err != nil {
			return nil, err
		}

		res := VerifyResult{
			Name:                m.Name,
			ChannelID:           m.ChannelID,
			Ordinal:             m.Ordinal,
			ExpectedRows:        m.RowCount,
			ActualRows:          fp.Count(),
			ExpectedFingerprint: m.Fingerprint,
			ActualFingerprint:   fp.Sum(),
			ExpectedStats:       m.Stats,
			ActualStats:         stats,
		}
		if !res.OK() {
			failed++
		}
		results = append(results, res)
	}

	if failed > 0 {
		return results, cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("%d of %d tables in %s do not match the manifest", failed, len(results), path), nil)
	}
	return results, nil
}

// ReadTable returns the records of table name in rowid order.
func ReadTable(ctx context.Context, path, name string) ([]types.Record, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var records []types.Record
	err = scanTable(ctx, db, name, func(rec types.Record) error {
		records = append(records, rec)
		return nil
	})
	return records, err
}

// TableNames returns the detector tables of the container at path in
// creation order.
func TableNames(ctx context.Context, path string) ([]string, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	return tableNames(ctx, db)
}

// ReadRunInfo returns the run record stored by Commit.
func ReadRunInfo(ctx context.Context, path string) (*RunInfo, error) {
	db, err := openReadOnly(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var run RunInfo
	var created int64
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT run_id, input, mapping, range_lo, range_hi, records_read, records_skipped, created_at FROM %s",
		types.QuoteIdent(RunTable)))
	if err := row.Scan(&run.RunID, &run.Input, &run.Mapping, &run.RangeLo, &run.RangeHi,
		&run.RecordsRead, &run.RecordsSkipped, &created); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to read run manifest", err)
	}
	run.CreatedAt = time.Unix(created, 0).UTC()
	return &run, nil
}

func openReadOnly(path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("failed to open %s", path), err)
	}
	db, err := sql.Open("sqlite3", stream.DSN(path, "ro"))
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("failed to open %s", path), err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func readManifest(ctx context.Context, db *sql.DB) ([]PartitionInfo, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT ordinal, name, channel_id, row_count, fingerprint, min_time, max_time, min_energy, max_energy
		FROM %s ORDER BY ordinal`,
		types.QuoteIdent(ManifestTable)))
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to read partition manifest", err)
	}
	defer rows.Close()

	var out []PartitionInfo
	for rows.Next() {
		var (
			info PartitionInfo
			cols statsColumns
		)
		dest := append([]interface{}{&info.Ordinal, &info.Name, &info.ChannelID, &info.RowCount, &info.Fingerprint}, cols.dest()...)
		if err := rows.Scan(dest...); err != nil {
			return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to scan partition manifest", err)
		}
		info.Stats = cols.stats(info.RowCount)
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to read partition manifest", err)
	}
	return out, nil
}

// tableNames lists user tables by rowid of sqlite_master, which follows
// creation order, excluding the manifest tables.
func tableNames(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\_%' ESCAPE '\' AND name NOT LIKE ? ESCAPE '\' ORDER BY rowid`,
		`\_chansplit\_%`)
	if err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to list tables", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to list tables", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, cerrors.NewOutputError(cerrors.CodeVerifyFailed, "failed to list tables", err)
	}
	return names, nil
}

func scanTable(ctx context.Context, db *sql.DB, name string, fn func(types.Record) error) error {
	rows, err := db.QueryContext(ctx, types.EventSchema().SelectSQL(name))
	if err != nil {
		return cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("failed to read table %q", name), err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ch          int64
			ts          int64
			energy, tot float64
		)
		if err := rows.Scan(&ch, &ts, &energy, &tot); err != nil {
			return cerrors.NewOutputError(cerrors.CodeVerifyFailed,
				fmt.Sprintf("failed to scan table %q", name), err)
		}
		if err := fn(types.Record{ChannelID: uint32(ch), Time: ts, Energy: float32(energy), TOT: float32(tot)}); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return cerrors.NewOutputError(cerrors.CodeVerifyFailed,
			fmt.Sprintf("failed to read table %q", name), err)
	}
	return nil
}
