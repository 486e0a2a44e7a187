package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

// DefaultConnections is the per-record connection count of the chunked engine.
const DefaultConnections = 16

// Chunked fetches one HTTP resource with aria2c over several connections.
type Chunked struct {
	resolver    Resolver
	launcher    Launcher
	connections int
}

// NewChunked creates the chunked adapter. A connections value below one uses
// DefaultConnections.
func NewChunked(resolver Resolver, launcher Launcher, connections int) *Chunked {
	if connections < 1 {
		connections = DefaultConnections
	}

	return &Chunked{resolver: resolver, launcher: launcher, connections: connections}
}

func (c *Chunked) Kind() transfer.Kind {
	return transfer.KindNormal
}

// SelfRetries is true: aria2c keeps retrying through connectivity loss.
func (c *Chunked) SelfRetries() bool {
	return true
}

func (c *Chunked) Classify(res Result) transfer.Class {
	return classifyResult(res)
}

func (c *Chunked) Start(ctx context.Context, req Request, onUpdate UpdateFunc) (*Task, error) {
	bin, err := c.resolver.ResolveBackendPath(BinaryAria2)
	if err != nil {
		return nil, err
	}

	conns := req.Connections
	if conns < 1 {
		conns = c.connections
	}

	cmd := Command{
		Path: bin,
		Args: aria2FetchArgs(req.StagingDir, req.FileName, conns, req.Headers, req.CookiesPath, req.URL),
		Dir:  req.StagingDir,
	}

	logctx.LoggerFromContext(ctx).Debug("starting chunked download", "connections", conns, "staging_dir", req.StagingDir)

	task := newTask(ctx)

	go func() {
		task.finish(fetchStream(task, c.launcher, cmd, filepath.Join(req.StagingDir, req.FileName), req.URL, "", onUpdate))
	}()

	return task, nil
}

// aria2FetchArgs builds the aria2c command line for a single resource.
func aria2FetchArgs(dir, out string, conns int, headers map[string]string, cookies, url string) []string {
	n := strconv.Itoa(conns)

	args := []string{
		"--dir=" + dir,
		"--out=" + out,
		"--max-connection-per-server=" + n,
		"--split=" + n,
		"--min-split-size=1M",
		"--continue=true",
		"--auto-file-renaming=false",
		"--allow-overwrite=true",
		"--max-tries=0",
		"--retry-wait=5",
		"--file-allocation=none",
		"--summary-interval=1",
		"--console-log-level=notice",
		"--enable-color=false",
		"--show-console-readout=true",
	}

	args = append(args, headerArgs("--header", headers)...)

	if cookies != "" {
		args = append(args, "--load-cookies="+cookies)
	}

	return append(args, url)
}

// fetchStream runs one aria2c process to completion and verifies the staged
// file. It is shared by the chunked adapter and the media pipeline.
func fetchStream(task *Task, l Launcher, cmd Command, staged, url, stream string, onUpdate UpdateFunc) Result {
	out, err := task.run(l, cmd, progress.ChunkedParser{}, stream, onUpdate)
	if err != nil {
		if errors.Is(err, errTaskStopped) {
			return Result{Stopped: true}
		}

		return Result{ExitCode: -1, Err: &transfer.ProcessError{Program: string(BinaryAria2), ExitCode: -1, Err: err}}
	}

	res := Result{
		ExitCode: out.status.Code,
		Signaled: out.status.Signaled,
		Stderr:   out.lines.String(),
		Staged:   staged,
	}

	if task.Stopped() {
		res.Stopped = true

		return res
	}

	switch {
	case out.status.Signaled:
		res.Err = signalError(string(BinaryAria2), out.status)

		return res
	case out.status.Err != nil:
		res.Err = &transfer.ProcessError{Program: string(BinaryAria2), ExitCode: -1, Err: out.status.Err}

		return res
	}

	if out.complete || out.status.Code == 0 {
		if size, ok := verifyFile(staged); ok {
			res.Complete = true
			res.TotalBytes = size

			return res
		}

		if out.status.Code == 0 {
			res.Err = &transfer.ProcessError{Program: string(BinaryAria2), Err: errors.New("output missing after successful exit")}

			return res
		}
	}

	if code, ok := lastAria2Code(res.Stderr); ok && out.status.Code == 1 {
		res.Err = aria2Error(code, res.Stderr, url)

		return res
	}

	res.Err = aria2Error(out.status.Code, res.Stderr, url)

	return res
}

// verifyFile reports whether path is a regular file without partial markers.
func verifyFile(path string) (int64, bool) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0, false
	}

	if staging.HasPartialMarker(path) {
		return 0, false
	}

	return info.Size(), true
}

// lastAria2Code finds the most specific errorCode reported in the output.
func lastAria2Code(lines string) (int, bool) {
	var (
		code  int
		found bool
	)

	for _, line := range splitLines(lines) {
		if n, ok := progress.Aria2ExitCode(line); ok && n != 0 {
			code, found = n, true
		}
	}

	return code, found
}
