package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/backend"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

const torrentMagnet = "magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=pack"

func TestChunkedTransferCompletes(t *testing.T) {
	h := newHarness(t, Config{}, Services{})

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})
	assert.Equal(t, "big.bin", rec.FileName)
	assert.Equal(t, transfer.StatusDownloading, rec.Status)
	assert.Equal(t, textConnecting, rec.StatusText)
	assert.Equal(t, 16, rec.ChunkCount)

	p := h.launcher.next(t)
	assert.Equal(t, staging.Dir(h.dir, rec.ID), p.cmd.Dir)
	assert.True(t, hasArg(p.cmd, "--max-connection-per-server=16"))
	assert.True(t, hasArg(p.cmd, "--out=big.bin"))

	p.emit("[#1 0B/10MiB(0%) CN:16 DL:0B]", "[#1 5.0MiB/10MiB(50%) CN:16 DL:2.0MiB ETA:3s]")

	mid := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.Progress >= 0.5 })
	assert.Equal(t, int64(10<<20), mid.FileSize)
	assert.Equal(t, int64(5<<20), mid.DownloadedSize)
	assert.Equal(t, "5.0 MiB of 10 MiB", mid.StatusText)
	assert.Positive(t, mid.InstantSpeed)

	p.write(t, "big.bin", "payload")
	p.emit("[#1 10MiB/10MiB(100%) CN:16 DL:2.0MiB]", "Download complete: "+filepath.Join(p.cmd.Dir, "big.bin"))
	p.finish(0)

	done := h.waitFor(t, rec.ID, hasStatus(transfer.StatusCompleted))
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, done.FileSize, done.DownloadedSize)
	assert.Zero(t, done.InstantSpeed)
	assert.False(t, done.CompletedAt.IsZero())

	assert.FileExists(t, filepath.Join(h.dir, "big.bin"))
	assert.NoDirExists(t, staging.Dir(h.dir, rec.ID))

	select {
	case ev := <-h.orch.OnRecordCompleted:
		assert.Equal(t, rec.ID, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no completion event")
	}

	saved, err := h.store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, saved.Status)
}

func TestConnectivityLossKeepsDownloading(t *testing.T) {
	h := newHarness(t, Config{}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})
	p := h.launcher.next(t)

	p.emit("[#1 5.0MiB/10MiB(50%) CN:16 DL:2.0MiB ETA:3s]")
	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.InstantSpeed > 0 })

	h.orch.ConnectivityLost(ctx)

	offline := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.StatusText == textOffline })
	assert.Equal(t, transfer.StatusDownloading, offline.Status)
	assert.Zero(t, offline.InstantSpeed)
	assert.Zero(t, offline.SmoothedSpeed)
	require.NotNil(t, offline.DisconnectSnapshot)
	assert.InDelta(t, 0.5, offline.DisconnectSnapshot.Progress, 1e-9)

	p.emit("[#1 6.0MiB/10MiB(60%) CN:16 DL:1.0MiB]")

	still := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.Progress >= 0.6 })
	assert.Zero(t, still.InstantSpeed)
	assert.Equal(t, textOffline, still.StatusText)

	h.orch.ConnectivityRestored(ctx)

	resumed := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.IsResuming })
	assert.Equal(t, transfer.StatusDownloading, resumed.Status)
	assert.False(t, resumed.ResumingSince.IsZero())

	p.emit("[#1 7.0MiB/10MiB(70%) CN:16 DL:3.0MiB]")

	moving := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.InstantSpeed > 0 })
	assert.True(t, moving.IsResuming)
	assert.InDelta(t, 0.7, moving.Progress, 1e-9)
	assert.NotEqual(t, textOffline, moving.StatusText)

	// aria2c retries on its own, so the process is left alone.
	h.launcher.none(t, 100*time.Millisecond)
	assert.Zero(t, p.terms.Load())
}

func TestTorrentCompletesSelectedFiles(t *testing.T) {
	h := newHarness(t, Config{}, Services{})

	rec := h.add(t, transfer.AddRequest{
		URL: torrentMagnet,
		Torrent: &transfer.TorrentOptions{Files: []transfer.TorrentFile{
			{Index: 1, Path: filepath.Join("pack", "a.bin"), Length: 10, Selected: true},
			{Index: 2, Path: filepath.Join("pack", "b.bin"), Length: 20},
		}},
	})
	assert.Equal(t, transfer.KindTorrent, rec.Kind)
	assert.Equal(t, "pack", rec.FileName)

	p := h.launcher.next(t)
	assert.True(t, hasArg(p.cmd, "--select-file=1"))

	p.emit("[#a1 5B/10B(50%) CN:4 SD:2 DL:1.0KiB UL:512B(0B) ETA:1s]")

	seeding := h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.UploadSpeed > 0 })
	assert.Equal(t, 2, seeding.SeedCount)
	assert.Equal(t, 4, seeding.PeerCount)

	p.write(t, filepath.Join("pack", "a.bin"), "0123456789")
	p.emit("[#a1 SEED(0.0) CN:4 SD:2 UL:2.0KiB(1.0KiB)]")
	p.finish(0)

	done := h.waitFor(t, rec.ID, hasStatus(transfer.StatusCompleted))
	assert.Zero(t, done.UploadSpeed)
	assert.Equal(t, int64(10), done.FileSize)
	assert.FileExists(t, filepath.Join(h.dir, "pack", "a.bin"))
	assert.NoDirExists(t, staging.Dir(h.dir, rec.ID))
}

func TestRestoreSkipsCompleteData(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "done.bin"), []byte("data"), 0o644))

	now := time.Now()
	store := storage.NewMemory(
		transfer.Record{
			ID: "r1", URL: "https://example.com/done.bin", FileName: "done.bin", SavePath: dir,
			Kind: transfer.KindNormal, Status: transfer.StatusDownloading, Progress: 0.9,
			DownloadedSize: 3, FileSize: 4, CreatedAt: now, UpdatedAt: now,
		},
		transfer.Record{
			ID: "r2", URL: "https://example.com/held.bin", FileName: "held.bin", SavePath: dir,
			Kind: transfer.KindNormal, Status: transfer.StatusDownloading, WasManuallyPaused: true,
			Progress: 0.3, CreatedAt: now, UpdatedAt: now,
		},
	)

	h := newHarness(t, Config{}, Services{Store: store})
	require.NoError(t, h.orch.Restore(context.Background()))

	done := h.waitFor(t, "r1", hasStatus(transfer.StatusCompleted))
	assert.Equal(t, 1.0, done.Progress)
	assert.Equal(t, int64(4), done.DownloadedSize)

	held := h.get(t, "r2")
	assert.Equal(t, transfer.StatusPaused, held.Status)
	assert.InDelta(t, 0.3, held.Progress, 1e-9)

	h.launcher.none(t, 100*time.Millisecond)

	all, err := h.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "r1", all[0].ID)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, Config{}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})
	p := h.launcher.next(t)

	p.write(t, "big.bin", "part")
	p.write(t, "big.bin.aria2", "ctl")
	p.emit("[#1 5.0MiB/10MiB(50%) CN:16 DL:2.0MiB]")
	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.Progress >= 0.5 })

	require.NoError(t, h.orch.Pause(ctx, rec.ID))

	paused := h.get(t, rec.ID)
	assert.Equal(t, transfer.StatusPaused, paused.Status)
	assert.True(t, paused.WasManuallyPaused)
	assert.Zero(t, paused.InstantSpeed)

	require.Eventually(t, func() bool { return p.terms.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.orch.Pause(ctx, rec.ID))
	time.Sleep(100 * time.Millisecond)

	after := h.get(t, rec.ID)
	assert.Equal(t, transfer.StatusPaused, after.Status)
	assert.InDelta(t, 0.5, after.Progress, 1e-9)
	assert.Equal(t, int32(1), p.terms.Load())
	assert.FileExists(t, filepath.Join(staging.Dir(h.dir, rec.ID), "big.bin.aria2"))

	require.NoError(t, h.orch.Resume(ctx, rec.ID))

	resumed := h.get(t, rec.ID)
	assert.Equal(t, transfer.StatusDownloading, resumed.Status)
	assert.False(t, resumed.WasManuallyPaused)
	assert.True(t, resumed.IsResuming)
	assert.InDelta(t, 0.5, resumed.Progress, 1e-9)
	assert.Equal(t, int64(5<<20), resumed.DownloadedSize)

	p2 := h.launcher.next(t)
	p2.emit("[#2 2.0MiB/10MiB(20%) CN:16 DL:1.0MiB]")
	p2.emit("[#2 6.0MiB/10MiB(60%) CN:16 DL:1.0MiB]")

	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.Progress >= 0.6 })
	assert.Equal(t, int64(6<<20), h.get(t, rec.ID).DownloadedSize)
}

func TestQueueBeyondConcurrencyLimit(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 1}, Services{})

	first := h.add(t, transfer.AddRequest{URL: "https://example.com/a.bin"})
	second := h.add(t, transfer.AddRequest{URL: "https://example.com/b.bin"})

	assert.Equal(t, transfer.StatusWaiting, second.Status)
	assert.Equal(t, textQueued, second.StatusText)

	p := h.launcher.next(t)
	assert.True(t, hasArg(p.cmd, "--out=a.bin"))
	h.launcher.none(t, 50*time.Millisecond)

	p.write(t, "a.bin", "aaaa")
	p.finish(0)

	h.waitFor(t, first.ID, hasStatus(transfer.StatusCompleted))

	p2 := h.launcher.next(t)
	assert.True(t, hasArg(p2.cmd, "--out=b.bin"))
	assert.Equal(t, transfer.StatusDownloading, h.get(t, second.ID).Status)
}

func TestTransientFailuresRetry(t *testing.T) {
	h := newHarness(t, Config{MaxTransientRetries: 1}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})

	p := h.launcher.next(t)
	p.write(t, "big.bin", "part")
	p.write(t, "big.bin.aria2", "ctl")
	p.finish(6)

	p = h.launcher.next(t)
	assert.Equal(t, 1, h.get(t, rec.ID).RetryCount)

	h.orch.ConnectivityLost(ctx)
	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.StatusText == textOffline })

	// Offline failures never exhaust the retry budget.
	p.finish(6)
	p = h.launcher.next(t)
	p.finish(6)
	p = h.launcher.next(t)

	offline := h.get(t, rec.ID)
	assert.NotEqual(t, transfer.StatusFailed, offline.Status)
	assert.Equal(t, 3, offline.RetryCount)

	h.orch.ConnectivityRestored(ctx)
	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.IsResuming })

	p.finish(6)

	failed := h.waitFor(t, rec.ID, hasStatus(transfer.StatusFailed))
	assert.Equal(t, "Network error: network problem", failed.FailureReason)
	assert.NoDirExists(t, staging.Dir(h.dir, rec.ID))

	select {
	case ev := <-h.orch.OnRecordFailed:
		assert.Equal(t, rec.ID, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("no failure event")
	}
}

func TestTerminalFailureCleansStaging(t *testing.T) {
	h := newHarness(t, Config{}, Services{})

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})

	p := h.launcher.next(t)
	p.write(t, "big.bin", "part")
	p.write(t, "big.bin.aria2", "ctl")
	p.finish(9)

	failed := h.waitFor(t, rec.ID, hasStatus(transfer.StatusFailed))
	assert.NotEmpty(t, failed.FailureReason)
	assert.Equal(t, failed.FailureReason, failed.StatusText)
	assert.NoDirExists(t, staging.Dir(h.dir, rec.ID))

	h.launcher.none(t, 100*time.Millisecond)
}

func TestMediaRestartsAfterReconnect(t *testing.T) {
	h := newHarness(t, Config{}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{
		URL:   "https://www.youtube.com/watch?v=abc",
		Media: &transfer.MediaOptions{Title: "Talk"},
	})
	assert.Equal(t, transfer.KindMedia, rec.Kind)
	assert.Equal(t, "Talk.mp4", rec.FileName)

	p := h.launcher.next(t)
	assert.Equal(t, "/usr/bin/yt-dlp", p.cmd.Path)

	h.orch.ConnectivityLost(ctx)
	h.orch.ConnectivityRestored(ctx)

	require.Eventually(t, func() bool { return p.terms.Load() == 1 }, time.Second, 5*time.Millisecond)

	p2 := h.launcher.next(t)
	assert.Equal(t, "/usr/bin/yt-dlp", p2.cmd.Path)

	restarted := h.waitFor(t, rec.ID, hasStatus(transfer.StatusDownloading))
	assert.True(t, restarted.IsResuming)
}

type fakeDecider struct {
	action staging.Action
	asked  chan staging.ProbeResult
}

func (d *fakeDecider) DecideExisting(_ context.Context, _ transfer.Record, probe staging.ProbeResult, _ staging.Action) (staging.Action, error) {
	d.asked <- probe

	return d.action, nil
}

func TestExistingFileDecisions(t *testing.T) {
	t.Run("new name keeps the existing file", func(t *testing.T) {
		decider := &fakeDecider{action: staging.ActionRedownloadNewName, asked: make(chan staging.ProbeResult, 1)}
		h := newHarness(t, Config{}, Services{Decider: decider})
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, "f.bin"), []byte("old"), 0o644))

		rec := h.add(t, transfer.AddRequest{URL: "https://example.com/f.bin"})
		assert.Equal(t, textDeciding, rec.StatusText)

		probe := <-decider.asked
		assert.Equal(t, staging.StateComplete, probe.State)

		p := h.launcher.next(t)
		assert.True(t, hasArg(p.cmd, "--out=f (1).bin"))
		assert.Equal(t, "f (1).bin", h.get(t, rec.ID).FileName)
	})

	t.Run("cancel", func(t *testing.T) {
		decider := &fakeDecider{action: staging.ActionCancel, asked: make(chan staging.ProbeResult, 1)}
		h := newHarness(t, Config{}, Services{Decider: decider})
		require.NoError(t, os.WriteFile(filepath.Join(h.dir, "f.bin"), []byte("old"), 0o644))

		rec := h.add(t, transfer.AddRequest{URL: "https://example.com/f.bin"})
		<-decider.asked

		h.waitFor(t, rec.ID, hasStatus(transfer.StatusCancelled))
		h.launcher.none(t, 50*time.Millisecond)
		assert.FileExists(t, filepath.Join(h.dir, "f.bin"))
	})
}

func TestRestartResetsProgress(t *testing.T) {
	h := newHarness(t, Config{}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})
	p := h.launcher.next(t)

	p.write(t, "big.bin", "part")
	p.emit("[#1 5.0MiB/10MiB(50%) CN:16 DL:2.0MiB]")
	h.waitFor(t, rec.ID, func(r transfer.Record) bool { return r.Progress >= 0.5 })

	require.NoError(t, h.orch.Restart(ctx, rec.ID))

	p2 := h.launcher.next(t)
	assert.Equal(t, int32(1), p.terms.Load())
	assert.NoFileExists(t, filepath.Join(p2.cmd.Dir, "big.bin"))

	restarted := h.get(t, rec.ID)
	assert.Equal(t, transfer.StatusDownloading, restarted.Status)
	assert.Zero(t, restarted.Progress)
	assert.Zero(t, restarted.DownloadedSize)
}

func TestCancelAndDelete(t *testing.T) {
	h := newHarness(t, Config{}, Services{})
	ctx := context.Background()

	rec := h.add(t, transfer.AddRequest{URL: "https://example.com/files/big.bin"})
	p := h.launcher.next(t)
	p.write(t, "big.bin", "part")

	require.NoError(t, h.orch.Cancel(ctx, rec.ID))
	assert.Equal(t, transfer.StatusCancelled, h.get(t, rec.ID).Status)

	require.Eventually(t, func() bool {
		_, err := os.Stat(staging.Dir(h.dir, rec.ID))
		return os.IsNotExist(err)
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, h.orch.Start(ctx, rec.ID), transfer.ErrInvalidState)

	require.NoError(t, h.orch.Delete(ctx, rec.ID))

	_, err := h.orch.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, transfer.ErrNotFound)

	_, err = h.store.Get(rec.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestShutdownKeepsStatus(t *testing.T) {
	store := storage.NewMemory()
	l := newFakeLauncher()

	dir := t.TempDir()
	orch := New(Config{Grace: 20 * time.Millisecond}, Services{Store: store}, backend.NewChunked(staticResolver{}, l, 0))

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)

	rec, err := orch.Add(ctx, transfer.AddRequest{URL: "https://example.com/big.bin", SavePath: dir})
	require.NoError(t, err)

	p := l.next(t)

	cancel()
	<-orch.Done()

	assert.Equal(t, int32(1), p.terms.Load())

	saved, err := store.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusDownloading, saved.Status)

	_, err = orch.Get(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrClosed)
}
