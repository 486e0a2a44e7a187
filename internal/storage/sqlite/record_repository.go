package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/italolelis/transferd/internal/transfer"
)

// RecordRepository implements storage.Store on top of SQLite.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(dbConn *sql.DB) *RecordRepository {
	return &RecordRepository{db: dbConn}
}

const columns = `id, position, url, file_name, save_path, kind, status, status_text, failure_reason,
	progress, downloaded_size, file_size, instant_speed, smoothed_speed, remaining_time,
	chunk_count, headers, cookies_path, peer_count, seed_count, upload_speed, retry_count,
	was_manually_paused, is_resuming, resuming_since, disconnect_snapshot, media, torrent,
	created_at, updated_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (transfer.Record, error) {
	var (
		r                                       transfer.Record
		position                                int
		statusText, failureReason, remaining    sql.NullString
		headers, cookies, snapshot, media, tor  sql.NullString
		resumingSince, created, updated, compAt sql.NullString
	)

	err := row.Scan(
		&r.ID, &position, &r.URL, &r.FileName, &r.SavePath, &r.Kind, &r.Status, &statusText, &failureReason,
		&r.Progress, &r.DownloadedSize, &r.FileSize, &r.InstantSpeed, &r.SmoothedSpeed, &remaining,
		&r.ChunkCount, &headers, &cookies, &r.PeerCount, &r.SeedCount, &r.UploadSpeed, &r.RetryCount,
		&r.WasManuallyPaused, &r.IsResuming, &resumingSince, &snapshot, &media, &tor,
		&created, &updated, &compAt,
	)
	if err != nil {
		return r, err
	}

	r.StatusText = statusText.String
	r.FailureReason = failureReason.String
	r.RemainingTime = remaining.String
	r.CookiesPath = cookies.String

	if err := decodeJSON(headers, &r.Headers); err != nil {
		return r, fmt.Errorf("failed to decode headers of %s: %w", r.ID, err)
	}

	if err := decodeJSON(snapshot, &r.DisconnectSnapshot); err != nil {
		return r, fmt.Errorf("failed to decode snapshot of %s: %w", r.ID, err)
	}

	if err := decodeJSON(media, &r.Media); err != nil {
		return r, fmt.Errorf("failed to decode media options of %s: %w", r.ID, err)
	}

	if err := decodeJSON(tor, &r.Torrent); err != nil {
		return r, fmt.Errorf("failed to decode torrent options of %s: %w", r.ID, err)
	}

	for _, t := range []struct {
		src sql.NullString
		dst *time.Time
	}{
		{resumingSince, &r.ResumingSince},
		{created, &r.CreatedAt},
		{updated, &r.UpdatedAt},
		{compAt, &r.CompletedAt},
	} {
		if err := decodeTime(t.src, t.dst); err != nil {
			return r, fmt.Errorf("failed to decode time of %s: %w", r.ID, err)
		}
	}

	return r, nil
}

func encodeJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}

	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}

	return json.Unmarshal([]byte(s.String), v)
}

func encodeTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}

	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func decodeTime(s sql.NullString, dst *time.Time) error {
	if !s.Valid || s.String == "" {
		return nil
	}

	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return err
	}

	*dst = t

	return nil
}
