package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/transfer"
)

func TestChunkedCompletes(t *testing.T) {
	dir := t.TempDir()

	launcher := &fakeLauncher{next: func(Command, int) script {
		return script{
			Files: map[string]string{"file.bin": "0123456789"},
			Stdout: []string{
				"[#2089b0 0B/10MiB(0%) CN:16 DL:0B]",
				"[#2089b0 5.0MiB/10MiB(50%) CN:16 DL:2.0MiB ETA:3s]",
				"[#2089b0 10MiB/10MiB(100%) CN:16 DL:2.0MiB]",
				"Download complete: " + filepath.Join(dir, "file.bin"),
			},
		}
	}}

	adapter := NewChunked(staticResolver{}, launcher, 0)

	var got updates

	task, err := adapter.Start(context.Background(), Request{
		ID:         "r1",
		URL:        "https://example.com/file.bin",
		FileName:   "file.bin",
		StagingDir: dir,
		Headers:    map[string]string{"Referer": "https://example.com"},
	}, got.add)
	require.NoError(t, err)

	res := waitResult(t, task)
	assert.True(t, res.Complete)
	assert.False(t, res.Stopped)
	assert.Equal(t, filepath.Join(dir, "file.bin"), res.Staged)
	assert.Equal(t, int64(10), res.TotalBytes)
	assert.Equal(t, transfer.ClassNone, adapter.Classify(res))

	ups := got.all()
	require.NotEmpty(t, ups)
	require.NotNil(t, ups[1].Progress)
	assert.InDelta(t, 0.5, *ups[1].Progress, 1e-9)
	assert.True(t, ups[len(ups)-1].Complete)

	cmd := launcher.Calls()[0]
	assert.Equal(t, "/usr/bin/aria2c", cmd.Path)
	assert.True(t, hasArg(cmd, "--max-connection-per-server=16"))
	assert.True(t, hasArg(cmd, "--split=16"))
	assert.True(t, hasArg(cmd, "--dir="+dir))
	assert.True(t, hasArg(cmd, "--out=file.bin"))
	assert.True(t, hasArg(cmd, "--continue=true"))
	assert.True(t, hasArg(cmd, "Referer: https://example.com"))
	assert.Equal(t, "https://example.com/file.bin", cmd.Args[len(cmd.Args)-1])
}

func TestChunkedPartialMarkerIsNotComplete(t *testing.T) {
	dir := t.TempDir()

	launcher := &fakeLauncher{next: func(Command, int) script {
		return script{Files: map[string]string{"file.bin": "01", "file.bin.aria2": "ctl"}}
	}}

	task, err := NewChunked(staticResolver{}, launcher, 4).Start(context.Background(), Request{
		URL: "https://example.com/file.bin", FileName: "file.bin", StagingDir: dir,
	}, nil)
	require.NoError(t, err)

	res := waitResult(t, task)
	assert.False(t, res.Complete)
	assert.Equal(t, transfer.ClassProcess, transfer.Classify(res.Err))
	assert.True(t, hasArg(launcher.Calls()[0], "--split=4"))
}

func TestChunkedFailureClassification(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		stdout []string
		want   transfer.Class
	}{
		{"timeout", 2, nil, transfer.ClassTransient},
		{"disk full", 9, nil, transfer.ClassResource},
		{"not found", 3, nil, transfer.ClassProtocol},
		{"expired", 22, []string{"errorCode=22 The response status is not successful. status=403"}, transfer.ClassTransient},
		{"bad header", 22, []string{"errorCode=22 status=400"}, transfer.ClassProtocol},
		{"generic with code in output", 1, []string{"errorCode=6 Network problem has occurred"}, transfer.ClassTransient},
		{"generic", 1, nil, transfer.ClassProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			launcher := &fakeLauncher{next: func(Command, int) script {
				return script{Code: tt.code, Stdout: tt.stdout}
			}}

			adapter := NewChunked(staticResolver{}, launcher, 0)

			task, err := adapter.Start(context.Background(), Request{
				URL: "https://example.com/f", FileName: "f", StagingDir: t.TempDir(),
			}, nil)
			require.NoError(t, err)

			res := waitResult(t, task)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.Equal(t, tt.want, adapter.Classify(res))
		})
	}
}

func TestTaskStop(t *testing.T) {
	t.Run("graceful terminate", func(t *testing.T) {
		launcher := &fakeLauncher{next: func(Command, int) script {
			return script{Block: true}
		}}

		task, err := NewChunked(staticResolver{}, launcher, 0).Start(context.Background(), Request{
			URL: "https://example.com/f", FileName: "f", StagingDir: t.TempDir(),
		}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(launcher.Procs()) == 1 }, time.Second, 5*time.Millisecond)

		task.Stop(time.Second)
		task.Stop(time.Second)

		res := waitResult(t, task)
		assert.True(t, res.Stopped)
		assert.True(t, task.Stopped())

		p := launcher.Procs()[0]
		assert.Equal(t, int32(1), p.terminates.Load())
		assert.Equal(t, int32(0), p.kills.Load())
	})

	t.Run("kill after grace", func(t *testing.T) {
		launcher := &fakeLauncher{next: func(Command, int) script {
			return script{Block: true, IgnoreTerm: true}
		}}

		task, err := NewChunked(staticResolver{}, launcher, 0).Start(context.Background(), Request{
			URL: "https://example.com/f", FileName: "f", StagingDir: t.TempDir(),
		}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(launcher.Procs()) == 1 }, time.Second, 5*time.Millisecond)

		task.Stop(20 * time.Millisecond)

		res := waitResult(t, task)
		assert.True(t, res.Stopped)
		assert.True(t, res.Signaled)

		p := launcher.Procs()[0]
		assert.Equal(t, int32(1), p.kills.Load())
	})

	t.Run("parent cancellation stops the task", func(t *testing.T) {
		launcher := &fakeLauncher{next: func(Command, int) script {
			return script{Block: true}
		}}

		ctx, cancel := context.WithCancel(context.Background())

		task, err := NewChunked(staticResolver{}, launcher, 0).Start(ctx, Request{
			URL: "https://example.com/f", FileName: "f", StagingDir: t.TempDir(),
		}, nil)
		require.NoError(t, err)

		require.Eventually(t, func() bool { return len(launcher.Procs()) == 1 }, time.Second, 5*time.Millisecond)
		cancel()

		res := waitResult(t, task)
		assert.True(t, res.Stopped)
	})

	t.Run("wait honours its context", func(t *testing.T) {
		task := newTask(context.Background())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := task.Wait(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		task.finish(Result{})
	})
}

func TestPathResolver(t *testing.T) {
	t.Run("override wins", func(t *testing.T) {
		r := NewPathResolver(map[Binary]string{BinaryAria2: "/opt/aria2c", BinaryFFmpeg: " "})
		r.LookPath = func(string) (string, error) { return "", errors.New("not found") }

		p, err := r.ResolveBackendPath(BinaryAria2)
		require.NoError(t, err)
		assert.Equal(t, "/opt/aria2c", p)

		_, err = r.ResolveBackendPath(BinaryFFmpeg)
		assert.Equal(t, transfer.ClassProcess, transfer.Classify(err))
	})

	t.Run("path lookup", func(t *testing.T) {
		r := NewPathResolver(nil)
		r.LookPath = func(file string) (string, error) { return "/bin/" + file, nil }

		p, err := r.ResolveBackendPath(BinaryYtDlp)
		require.NoError(t, err)
		assert.Equal(t, "/bin/yt-dlp", p)
	})

	t.Run("spawn failure surfaces from start", func(t *testing.T) {
		r := NewPathResolver(nil)
		r.LookPath = func(string) (string, error) { return "", os.ErrNotExist }

		_, err := NewChunked(r, &fakeLauncher{}, 0).Start(context.Background(), Request{}, nil)
		assert.Equal(t, transfer.ClassProcess, transfer.Classify(err))
	})
}

func TestExitCodeTables(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want transfer.Class
	}{
		{"aria2 success", aria2Error(0, "", ""), transfer.ClassNone},
		{"aria2 resolve", aria2Error(19, "", ""), transfer.ClassTransient},
		{"aria2 file exists", aria2Error(13, "", ""), transfer.ClassResource},
		{"aria2 checksum", aria2Error(32, "", ""), transfer.ClassProtocol},
		{"aria2 sniffed network", aria2Error(1, "connection refused", ""), transfer.ClassTransient},
		{"aria2 sniffed disk", aria2Error(1, "No space left on device", ""), transfer.ClassResource},
		{"ytdlp expired", ytdlpError(1, "ERROR: unable to download video data: HTTP Error 403: Forbidden", ""), transfer.ClassTransient},
		{"ytdlp format", ytdlpError(1, "ERROR: Requested format is not available", ""), transfer.ClassProtocol},
		{"ytdlp unsupported", ytdlpError(1, "ERROR: Unsupported URL: https://x", ""), transfer.ClassProtocol},
		{"ytdlp options", ytdlpError(2, "", ""), transfer.ClassProtocol},
		{"ytdlp network", ytdlpError(1, "Temporary failure in name resolution", ""), transfer.ClassTransient},
		{"ytdlp unknown", ytdlpError(1, "boom", ""), transfer.ClassProcess},
		{"ytdlp update", ytdlpError(100, "", ""), transfer.ClassProcess},
		{"ffmpeg invalid", ffmpegError(1, "Invalid data found when processing input"), transfer.ClassProtocol},
		{"ffmpeg generic", ffmpegError(1, ""), transfer.ClassProcess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transfer.Classify(tt.err))
		})
	}

	t.Run("format rejection allows fallback", func(t *testing.T) {
		var protErr *transfer.ProtocolError
		require.ErrorAs(t, ytdlpError(1, "ERROR: Requested format is not available", "u"), &protErr)
		assert.True(t, protErr.Fallback)
	})

	t.Run("expired reason", func(t *testing.T) {
		assert.True(t, isExpired(aria2Error(22, "status=410 Gone", "")))
		assert.False(t, isExpired(aria2Error(2, "", "")))
	})
}

func TestInstrumentedAdapter(t *testing.T) {
	dir := t.TempDir()

	launcher := &fakeLauncher{next: func(Command, int) script {
		return script{Files: map[string]string{"f": "x"}}
	}}

	adapter := NewInstrumentedAdapter(NewChunked(staticResolver{}, launcher, 0), nil)
	assert.Equal(t, transfer.KindNormal, adapter.Kind())
	assert.True(t, adapter.SelfRetries())

	task, err := adapter.Start(context.Background(), Request{URL: "https://e/f", FileName: "f", StagingDir: dir}, nil)
	require.NoError(t, err)

	res := waitResult(t, task)
	assert.True(t, res.Complete)
	assert.Equal(t, "success", adapter.outcome(res))
	assert.Equal(t, "stopped", adapter.outcome(Result{Stopped: true}))
	assert.Equal(t, "transient", adapter.outcome(Result{Err: aria2Error(2, "", "")}))
}
