package stream

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/chansplit/chansplit/pkg/types"
)

// WriteDataset creates a fresh input dataset at path holding records in
// the event table, in order. An existing file is replaced.
func WriteDataset(ctx context.Context, path string, records []types.Record) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("dataset: failed to replace %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", DSN(path, "rwc"))
	if err != nil {
		return fmt.Errorf("dataset: failed to create %s: %w", path, err)
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, types.EventSchema().CreateTableSQL(types.DataTableName)); err != nil {
		return fmt.Errorf("dataset: failed to create table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("dataset: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, types.EventSchema().InsertSQL(types.DataTableName))
	if err != nil {
		return fmt.Errorf("dataset: failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, int64(rec.ChannelID), rec.Time, float64(rec.Energy), float64(rec.TOT)); err != nil {
			return fmt.Errorf("dataset: failed to insert record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("dataset: failed to commit: %w", err)
	}
	return db.Close()
}
