package sqlite

import (
	"context"
	"fmt"

	"github.com/italolelis/transferd/internal/transfer"
)

// Save replaces the stored record set in one transaction.
func (r *RecordRepository) Save(ctx context.Context, records []transfer.Record) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear records: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		args, err := recordArgs(i, &records[i])
		if err != nil {
			return fmt.Errorf("failed to encode record %s: %w", records[i].ID, err)
		}

		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert record %s: %w", records[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit records: %w", err)
	}

	return nil
}

func recordArgs(position int, r *transfer.Record) ([]any, error) {
	headers, err := encodeJSON(r.Headers, r.Headers == nil)
	if err != nil {
		return nil, err
	}

	snapshot, err := encodeJSON(r.DisconnectSnapshot, r.DisconnectSnapshot == nil)
	if err != nil {
		return nil, err
	}

	media, err := encodeJSON(r.Media, r.Media == nil)
	if err != nil {
		return nil, err
	}

	tor, err := encodeJSON(r.Torrent, r.Torrent == nil)
	if err != nil {
		return nil, err
	}

	return []any{
		r.ID, position, r.URL, r.FileName, r.SavePath, string(r.Kind), string(r.Status), r.StatusText, r.FailureReason,
		r.Progress, r.DownloadedSize, r.FileSize, r.InstantSpeed, r.SmoothedSpeed, r.RemainingTime,
		r.ChunkCount, headers, r.CookiesPath, r.PeerCount, r.SeedCount, r.UploadSpeed, r.RetryCount,
		r.WasManuallyPaused, r.IsResuming, encodeTime(r.ResumingSince), snapshot, media, tor,
		encodeTime(r.CreatedAt).String, encodeTime(r.UpdatedAt).String, encodeTime(r.CompletedAt),
	}, nil
}
