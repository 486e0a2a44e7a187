package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

// Manifest is what a torrent source says about its content.
type Manifest struct {
	Name        string
	TotalLength int64
	// Files are numbered from 1 in torrent order, matching --select-file.
	Files []transfer.TorrentFile
}

// Inspect reads the manifest of a local or remote .torrent file. Magnet links
// only carry a display name until peers deliver the metadata.
func Inspect(ctx context.Context, client *http.Client, source string) (*Manifest, error) {
	if strings.HasPrefix(source, "magnet:") {
		m, err := metainfo.ParseMagnetUri(source)
		if err != nil {
			return nil, &transfer.ProtocolError{URL: source, Reason: "bad magnet URI", Err: err}
		}

		return &Manifest{Name: m.DisplayName}, nil
	}

	var (
		mi  *metainfo.MetaInfo
		err error
	)

	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		mi, err = fetchMetainfo(ctx, client, source)
	} else {
		mi, err = metainfo.LoadFromFile(source)
	}

	if err != nil {
		return nil, err
	}

	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, &transfer.ProtocolError{URL: source, Reason: "torrent file is corrupted", Err: err}
	}

	man := &Manifest{Name: info.Name}

	if !info.IsDir() {
		man.TotalLength = info.Length
		man.Files = []transfer.TorrentFile{{Index: 1, Path: info.Name, Length: info.Length, Selected: true}}

		return man, nil
	}

	for i, f := range info.Files {
		man.TotalLength += f.Length
		man.Files = append(man.Files, transfer.TorrentFile{
			Index:    i + 1,
			Path:     filepath.Join(append([]string{info.Name}, f.Path...)...),
			Length:   f.Length,
			Selected: true,
		})
	}

	return man, nil
}

func fetchMetainfo(ctx context.Context, client *http.Client, source string) (*metainfo.MetaInfo, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, &transfer.ProtocolError{URL: source, Reason: "malformed URL", Err: err}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &transfer.TransientNetworkError{Operation: "fetch torrent", Reason: "connection failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &transfer.ProtocolError{URL: source, Reason: fmt.Sprintf("unexpected status %d", resp.StatusCode)}
	}

	mi, err := metainfo.Load(resp.Body)
	if err != nil {
		return nil, &transfer.ProtocolError{URL: source, Reason: "could not parse torrent file", Err: err}
	}

	return mi, nil
}

// Torrent downloads BitTorrent content with aria2c and stops seeding as soon
// as the selected files are complete.
type Torrent struct {
	resolver Resolver
	launcher Launcher
	client   *http.Client
}

func NewTorrent(resolver Resolver, launcher Launcher, client *http.Client) *Torrent {
	return &Torrent{resolver: resolver, launcher: launcher, client: client}
}

func (t *Torrent) Kind() transfer.Kind {
	return transfer.KindTorrent
}

// SelfRetries is true: the peer engine reconnects to the swarm on its own.
func (t *Torrent) SelfRetries() bool {
	return true
}

func (t *Torrent) Classify(res Result) transfer.Class {
	return classifyResult(res)
}

func (t *Torrent) Start(ctx context.Context, req Request, onUpdate UpdateFunc) (*Task, error) {
	logger := logctx.LoggerFromContext(ctx)

	bin, err := t.resolver.ResolveBackendPath(BinaryAria2)
	if err != nil {
		return nil, err
	}

	man, err := Inspect(ctx, t.client, req.URL)
	if err != nil {
		if transfer.Classify(err) != transfer.ClassTransient {
			return nil, err
		}

		logger.Warn("torrent manifest unavailable, relying on aria2c", "err", err)

		man = &Manifest{}
	}

	files := man.Files
	if req.Torrent != nil && len(req.Torrent.Files) > 0 {
		files = req.Torrent.Files
	}

	selected := (&transfer.TorrentOptions{Files: files}).SelectedIndexes()

	cmd := Command{
		Path: bin,
		Args: torrentArgs(req.StagingDir, selected, req.Headers, req.URL),
		Dir:  req.StagingDir,
	}

	logger.Debug("starting torrent download", "name", man.Name, "files", len(files), "selected", len(selected))

	task := newTask(ctx)

	go func() {
		task.finish(t.run(task, cmd, req, man.Name, files, onUpdate))
	}()

	return task, nil
}

func torrentArgs(dir string, selected []int, headers map[string]string, source string) []string {
	args := []string{
		"--dir=" + dir,
		"--seed-time=0",
		"--follow-torrent=mem",
		"--bt-save-metadata=false",
		"--continue=true",
		"--file-allocation=none",
		"--summary-interval=1",
		"--console-log-level=notice",
		"--enable-color=false",
		"--show-console-readout=true",
	}

	if len(selected) > 0 {
		idx := make([]string, len(selected))
		for i, n := range selected {
			idx[i] = strconv.Itoa(n)
		}

		args = append(args, "--select-file="+strings.Join(idx, ","))
	}

	args = append(args, headerArgs("--header", headers)...)

	return append(args, source)
}

func (t *Torrent) run(task *Task, cmd Command, req Request, name string, files []transfer.TorrentFile, onUpdate UpdateFunc) Result {
	out, err := task.run(t.launcher, cmd, progress.TorrentParser{}, "", onUpdate)
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
	}

	if task.Stopped() {
		res.Stopped = true

		return res
	}

	if out.status.Signaled {
		res.Err = signalError(string(BinaryAria2), out.status)

		return res
	}

	if out.complete || out.status.Code == 0 {
		if staged, size, ok := TorrentComplete(req.StagingDir, name, files); ok {
			res.Complete = true
			res.Staged = staged
			res.TotalBytes = size

			return res
		}

		if out.status.Code == 0 {
			res.Err = &transfer.ProcessError{Program: string(BinaryAria2), Err: errors.New("selected files incomplete after successful exit")}

			return res
		}
	}

	res.Err = aria2Error(out.status.Code, res.Stderr, req.URL)

	return res
}

// TorrentComplete checks every selected file for presence and for the absence
// of its sibling marker. It returns the top-level path to commit and the size
// of the selected content.
func TorrentComplete(dir, name string, files []transfer.TorrentFile) (string, int64, bool) {
	if name == "" {
		name = singleEntry(dir)
		if name == "" {
			return "", 0, false
		}
	}

	top := filepath.Join(dir, name)
	if staging.HasPartialMarker(top) {
		return "", 0, false
	}

	if len(files) == 0 {
		size, err := staging.Size(top)
		if err != nil || staging.DirHasPartials(top) {
			return "", 0, false
		}

		return top, size, true
	}

	var total int64

	for _, f := range files {
		if !f.Selected {
			continue
		}

		path := filepath.Join(dir, f.Path)

		size, ok := verifyFile(path)
		if !ok {
			return "", 0, false
		}

		total += size
	}

	return top, total, true
}

// singleEntry returns the name of the only non-marker entry in dir.
func singleEntry(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}

	var name string

	for _, e := range entries {
		if staging.IsPartialName(e.Name()) {
			continue
		}

		if name != "" {
			return ""
		}

		name = e.Name()
	}

	return name
}
