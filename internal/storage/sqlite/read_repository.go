package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

// Load returns every stored record in the order they were saved.
func (r *RecordRepository) Load(ctx context.Context) ([]transfer.Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM records ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var records []transfer.Record

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}

	return records, nil
}

// Get returns one stored record.
func (r *RecordRepository) Get(ctx context.Context, id string) (transfer.Record, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return transfer.Record{}, storage.ErrNotFound
	}

	if err != nil {
		return transfer.Record{}, fmt.Errorf("failed to get record %s: %w", id, err)
	}

	return record, nil
}
