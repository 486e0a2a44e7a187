package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

func newRepo(t *testing.T) *InstrumentedRecordRepository {
	t.Helper()

	db, err := InitDB(filepath.Join(t.TempDir(), "state", "transferd.db"))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	return NewInstrumentedRecordRepository(db, nil)
}

func fullRecord() transfer.Record {
	at := time.Date(2026, 3, 4, 5, 6, 7, 8, time.UTC)

	return transfer.Record{
		ID:                 "a1",
		URL:                "magnet:?xt=urn:btih:abc&dn=pack",
		FileName:           "pack",
		SavePath:           "/downloads",
		Kind:               transfer.KindTorrent,
		Status:             transfer.StatusPaused,
		StatusText:         "Paused",
		FailureReason:      "",
		Progress:           0.42,
		DownloadedSize:     42,
		FileSize:           100,
		InstantSpeed:       12.5,
		SmoothedSpeed:      10,
		RemainingTime:      "00:06",
		ChunkCount:         8,
		Headers:            map[string]string{"Referer": "https://example.com"},
		CookiesPath:        "/tmp/cookies.txt",
		PeerCount:          3,
		SeedCount:          2,
		UploadSpeed:        1.5,
		RetryCount:         1,
		WasManuallyPaused:  true,
		IsResuming:         true,
		ResumingSince:      at,
		DisconnectSnapshot: &transfer.Snapshot{Speed: 9, Progress: 0.4, Timestamp: at},
		Media:              &transfer.MediaOptions{Format: "best", Strategy: transfer.MediaPipeline},
		Torrent: &transfer.TorrentOptions{Files: []transfer.TorrentFile{
			{Index: 1, Path: "pack/a.bin", Length: 10, Selected: true},
		}},
		CreatedAt:   at,
		UpdatedAt:   at.Add(time.Minute),
		CompletedAt: at.Add(time.Hour),
	}
}

func TestRecordRepositoryRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	minimal := transfer.Record{
		ID:        "b2",
		URL:       "https://example.com/f.bin",
		FileName:  "f.bin",
		SavePath:  "/downloads",
		Kind:      transfer.KindNormal,
		Status:    transfer.StatusWaiting,
		CreatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	require.NoError(t, repo.Save(ctx, []transfer.Record{fullRecord(), minimal}))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, fullRecord(), got[0])
	assert.Equal(t, minimal, got[1])
}

func TestRecordRepositorySaveReplaces(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	first := fullRecord()
	require.NoError(t, repo.Save(ctx, []transfer.Record{first}))

	second := fullRecord()
	second.ID = "c3"
	require.NoError(t, repo.Save(ctx, []transfer.Record{second}))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c3", got[0].ID)

	_, err = repo.repo.Get(ctx, "a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec, err := repo.repo.Get(ctx, "c3")
	require.NoError(t, err)
	assert.Equal(t, second, rec)
}

func TestRecordRepositoryEmpty(t *testing.T) {
	repo := newRepo(t)

	require.NoError(t, repo.Save(context.Background(), nil))

	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRecordRepositoryErrorsAreWrapped(t *testing.T) {
	db, err := InitDB(filepath.Join(t.TempDir(), "transferd.db"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo := NewRecordRepository(db)
	ctx := context.Background()

	tests := []struct {
		name string
		op   func() error
		want string
	}{
		{name: "save", op: func() error { return repo.Save(ctx, []transfer.Record{fullRecord()}) }, want: "failed to begin transaction"},
		{name: "load", op: func() error {
			_, err := repo.Load(ctx)

			return err
		}, want: "failed to query records"},
		{name: "get", op: func() error {
			_, err := repo.Get(ctx, "a1")

			return err
		}, want: "failed to get record a1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.ErrorContains(t, err, tt.want)
			assert.ErrorContains(t, err, "sql: database is closed")
		})
	}
}
