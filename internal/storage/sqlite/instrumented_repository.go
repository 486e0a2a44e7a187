package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/transferd/internal/telemetry"
	"github.com/italolelis/transferd/internal/transfer"
)

// InstrumentedRecordRepository wraps RecordRepository with telemetry.
type InstrumentedRecordRepository struct {
	repo      *RecordRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedRecordRepository creates a new instrumented record repository.
func NewInstrumentedRecordRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedRecordRepository {
	return &InstrumentedRecordRepository{
		repo:      NewRecordRepository(dbConn),
		telemetry: tel,
	}
}

// Save stores the record set with telemetry.
func (r *InstrumentedRecordRepository) Save(ctx context.Context, records []transfer.Record) error {
	return r.telemetry.InstrumentDBOperation(ctx, "save_records", func(ctx context.Context) error {
		return r.repo.Save(ctx, records)
	})
}

// Load retrieves the record set with telemetry.
func (r *InstrumentedRecordRepository) Load(ctx context.Context) ([]transfer.Record, error) {
	var result []transfer.Record

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(ctx, "load_records", func(ctx context.Context) error {
		result, err = r.repo.Load(ctx)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
