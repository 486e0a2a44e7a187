package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/staging"
	"github.com/italolelis/transferd/internal/transfer"
)

const (
	defaultVideoFormat = "bestvideo*+bestaudio/best"
	defaultAudioFormat = "bestaudio/best"

	streamVideo = "video"
	streamAudio = "audio"

	phaseExtracting = "Extracting"
	phaseMerging    = "Merging"
)

// MediaConfig tunes the media adapter.
type MediaConfig struct {
	Strategy transfer.MediaStrategy
	// Format overrides the default yt-dlp format selector.
	Format string
	// Clients are extractor client identities tried when a format is rejected.
	Clients []string
	// MaxTrials caps the direct strategy fallback loop.
	MaxTrials int
	// MaxRefreshes caps how often the pipeline mints fresh stream URLs.
	MaxRefreshes int
	Connections  int
}

// Media downloads streamed media with yt-dlp, either in one direct
// invocation or as an extract, fetch and merge pipeline.
type Media struct {
	resolver Resolver
	launcher Launcher
	cfg      MediaConfig
}

func NewMedia(resolver Resolver, launcher Launcher, cfg MediaConfig) *Media {
	if cfg.Strategy == "" {
		cfg.Strategy = transfer.MediaDirect
	}

	if cfg.MaxTrials < 1 {
		cfg.MaxTrials = 4
	}

	if cfg.MaxRefreshes < 0 {
		cfg.MaxRefreshes = 0
	}

	if cfg.Connections < 1 {
		cfg.Connections = DefaultConnections
	}

	return &Media{resolver: resolver, launcher: launcher, cfg: cfg}
}

func (m *Media) Kind() transfer.Kind {
	return transfer.KindMedia
}

// SelfRetries is false: yt-dlp gives up on connectivity loss and must be restarted.
func (m *Media) SelfRetries() bool {
	return false
}

func (m *Media) Classify(res Result) transfer.Class {
	return classifyResult(res)
}

func (m *Media) Start(ctx context.Context, req Request, onUpdate UpdateFunc) (*Task, error) {
	opts := transfer.MediaOptions{}
	if req.Media != nil {
		opts = *req.Media
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = m.cfg.Strategy
	}

	ytdlp, err := m.resolver.ResolveBackendPath(BinaryYtDlp)
	if err != nil {
		return nil, err
	}

	logger := logctx.LoggerFromContext(ctx).With("strategy", strategy)

	if strategy != transfer.MediaPipeline {
		logger.Debug("starting direct media download")

		task := newTask(ctx)

		go func() {
			task.finish(m.direct(ctx, task, ytdlp, req, opts, onUpdate))
		}()

		return task, nil
	}

	aria2, err := m.resolver.ResolveBackendPath(BinaryAria2)
	if err != nil {
		return nil, err
	}

	ffmpeg, err := m.resolver.ResolveBackendPath(BinaryFFmpeg)
	if err != nil {
		return nil, err
	}

	task := newTask(ctx)

	p := &pipeline{
		media:    m,
		task:     task,
		req:      req,
		opts:     opts,
		ytdlp:    ytdlp,
		aria2:    aria2,
		ffmpeg:   ffmpeg,
		onUpdate: onUpdate,
	}

	logger.Debug("starting media pipeline")

	go func() {
		task.finish(p.run(ctx))
	}()

	return task, nil
}

// trial is one (format, client identity) combination of the fallback loop.
type trial struct {
	Format string
	Client string
}

// fallbackTrials orders the combinations by likelihood of success: the
// requested format first, then the same format under each alternate client,
// then the generic formats under the default client. The list is capped.
func fallbackTrials(format string, audioOnly bool, clients []string, limit int) []trial {
	generic := defaultVideoFormat
	if audioOnly {
		generic = defaultAudioFormat
	}

	if format == "" {
		format = generic
	}

	candidates := []trial{{Format: format}}
	for _, c := range clients {
		candidates = append(candidates, trial{Format: format, Client: c})
	}

	candidates = append(candidates, trial{Format: generic}, trial{Format: "best"})

	seen := make(map[trial]bool, len(candidates))
	trials := make([]trial, 0, limit)

	for _, c := range candidates {
		if seen[c] {
			continue
		}

		seen[c] = true
		trials = append(trials, c)

		if len(trials) == limit {
			break
		}
	}

	return trials
}

func (m *Media) format(opts transfer.MediaOptions) string {
	switch {
	case opts.Format != "":
		return opts.Format
	case m.cfg.Format != "":
		return m.cfg.Format
	}

	if opts.AudioOnly {
		return defaultAudioFormat
	}

	return defaultVideoFormat
}

func (m *Media) direct(ctx context.Context, task *Task, bin string, req Request, opts transfer.MediaOptions, onUpdate UpdateFunc) Result {
	logger := logctx.LoggerFromContext(ctx)
	staged := filepath.Join(req.StagingDir, req.FileName)

	var last Result

	for i, tr := range fallbackTrials(m.format(opts), opts.AudioOnly, m.cfg.Clients, m.cfg.MaxTrials) {
		cmd := Command{
			Path: bin,
			Args: directArgs(req, opts, tr),
			Dir:  req.StagingDir,
		}

		last = m.runExtractor(task, cmd, staged, req.URL, onUpdate)
		if last.Complete || last.Stopped {
			return last
		}

		var protErr *transfer.ProtocolError
		if !errors.As(last.Err, &protErr) || !protErr.Fallback {
			return last
		}

		logger.Info("media format rejected, trying fallback", "trial", i+1, "format", tr.Format, "client", tr.Client)
	}

	return last
}

func (m *Media) runExtractor(task *Task, cmd Command, staged, url string, onUpdate UpdateFunc) Result {
	formats := &formatProgress{onUpdate: onUpdate}

	out, err := task.run(m.launcher, cmd, progress.MediaParser{}, "", formats.update)
	if err != nil {
		if errors.Is(err, errTaskStopped) {
			return Result{Stopped: true}
		}

		return Result{ExitCode: -1, Err: &transfer.ProcessError{Program: string(BinaryYtDlp), ExitCode: -1, Err: err}}
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

	if out.status.Signaled {
		res.Err = signalError(string(BinaryYtDlp), out.status)

		return res
	}

	if out.status.Code == 0 {
		if path, size, ok := resolveOutput(staged); ok {
			res.Complete = true
			res.Staged = path
			res.TotalBytes = size

			return res
		}

		res.Err = &transfer.ProcessError{Program: string(BinaryYtDlp), Err: errors.New("output missing after successful exit")}

		return res
	}

	res.Err = ytdlpError(out.status.Code, res.Stderr, url)

	return res
}

func extractorArgs(req Request, client string) []string {
	args := []string{"--no-playlist", "--no-colors"}

	args = append(args, headerArgs("--add-header", req.Headers)...)

	if req.CookiesPath != "" {
		args = append(args, "--cookies", req.CookiesPath)
	}

	if client != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+client)
	}

	return args
}

func directArgs(req Request, opts transfer.MediaOptions, tr trial) []string {
	ext := strings.TrimPrefix(filepath.Ext(req.FileName), ".")
	base := strings.TrimSuffix(req.FileName, filepath.Ext(req.FileName))

	args := extractorArgs(req, tr.Client)
	args = append(args,
		"--newline",
		"--continue",
		"--progress-template", progress.MediaTemplate,
		"-f", tr.Format,
		"-o", filepath.Join(req.StagingDir, base+".%(ext)s"),
	)

	switch {
	case opts.AudioOnly:
		if !audioFormats[ext] {
			ext = "mp3"
		}

		args = append(args, "-x", "--audio-format", ext)
	case mergeFormats[ext]:
		args = append(args, "--merge-output-format", ext, "--remux-video", ext)
	default:
		args = append(args, "--merge-output-format", "mp4")
	}

	return append(args, req.URL)
}

var (
	// mergeFormats are the containers yt-dlp can merge and remux into.
	mergeFormats = map[string]bool{"avi": true, "flv": true, "mkv": true, "mov": true, "mp4": true, "webm": true}
	// audioFormats are the targets of yt-dlp audio extraction.
	audioFormats = map[string]bool{
		"aac": true, "alac": true, "flac": true, "m4a": true,
		"mp3": true, "opus": true, "vorbis": true, "wav": true,
	}
)

// resolveOutput finds the file yt-dlp produced for staged. yt-dlp keeps the
// native extension when a single format needs no merge, so any complete
// base.<ext> sibling counts; per-format intermediates (base.f137.mp4) and
// partial files do not. The largest candidate wins.
func resolveOutput(staged string) (string, int64, bool) {
	if size, ok := verifyFile(staged); ok {
		return staged, size, true
	}

	dir := filepath.Dir(staged)
	base := strings.TrimSuffix(filepath.Base(staged), filepath.Ext(staged))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0, false
	}

	var (
		best     string
		bestSize int64
	)

	for _, e := range entries {
		name := e.Name()

		rest, ok := strings.CutPrefix(name, base+".")
		if !ok || e.IsDir() || rest == "" || strings.Contains(rest, ".") || staging.IsPartialName(name) {
			continue
		}

		path := filepath.Join(dir, name)
		if size, ok := verifyFile(path); ok && (best == "" || size > bestSize) {
			best, bestSize = path, size
		}
	}

	return best, bestSize, best != ""
}

// formatProgress folds the formats one yt-dlp run downloads in sequence
// (video, then audio) into one byte count. yt-dlp restarts its counters for
// each format; a drop in downloaded bytes marks the next format.
type formatProgress struct {
	mu       sync.Mutex
	onUpdate UpdateFunc
	// finished is the size of the formats already downloaded.
	finished int64
	done     int64
	total    int64
	pct      float64
}

func (f *formatProgress) update(u progress.Update) {
	f.mu.Lock()

	if u.DownloadedBytes != nil {
		if *u.DownloadedBytes < f.done {
			f.finished += max(f.done, f.total)
			f.total = 0
		}

		f.done = *u.DownloadedBytes
	}

	if u.TotalBytes != nil {
		f.total = *u.TotalBytes
	}

	out := u
	out.DownloadedBytes, out.TotalBytes, out.Progress = nil, nil, nil

	if u.DownloadedBytes != nil || f.finished > 0 {
		done := f.finished + f.done
		out.DownloadedBytes = &done
	}

	pct := f.pct

	switch {
	case f.total > 0:
		total := f.finished + f.total
		out.TotalBytes = &total
		pct = float64(f.finished+f.done) / float64(total)
	case f.finished == 0 && u.Progress != nil:
		pct = *u.Progress
	}

	// Another format may follow, so only a completion line reaches 100%.
	if u.Complete {
		pct = 1
	} else {
		pct = min(pct, 0.99)
	}

	f.pct = max(f.pct, pct)

	if u.Progress != nil || out.DownloadedBytes != nil || u.Complete {
		p := f.pct
		out.Progress = &p
	}

	f.mu.Unlock()

	if f.onUpdate != nil {
		f.onUpdate(out)
	}
}

// pipeline is one run of the extract, fetch and merge strategy.
type pipeline struct {
	media    *Media
	task     *Task
	req      Request
	opts     transfer.MediaOptions
	ytdlp    string
	aria2    string
	ffmpeg   string
	onUpdate UpdateFunc
}

type stream struct {
	Name string
	URL  string
	Path string
}

func (p *pipeline) emit(u progress.Update) {
	if p.onUpdate != nil {
		p.onUpdate(u)
	}
}

func (p *pipeline) run(ctx context.Context) Result {
	logger := logctx.LoggerFromContext(ctx)

	for attempt := 0; ; attempt++ {
		streams, res := p.extract()
		if res != nil {
			return *res
		}

		res = p.fetch(streams)
		if res == nil {
			return p.merge(streams)
		}

		if !isExpired(res.Err) || attempt >= p.media.cfg.MaxRefreshes {
			return *res
		}

		logger.Info("stream URL expired, extracting fresh URLs", "attempt", attempt+1)
	}
}

// extract resolves the direct stream URLs without downloading anything.
func (p *pipeline) extract() ([]stream, *Result) {
	p.emit(progress.Update{Phase: phaseExtracting})

	var (
		mu   sync.Mutex
		urls []string
	)

	parser := progress.ParserFunc(func(line string) progress.Update {
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			mu.Lock()
			urls = append(urls, line)
			mu.Unlock()

			return progress.Update{}
		}

		return progress.MediaParser{}.Parse(line)
	})

	args := extractorArgs(p.req, "")
	args = append(args, "-g", "-f", p.media.format(p.opts), p.req.URL)

	out, err := p.task.run(p.media.launcher, Command{Path: p.ytdlp, Args: args, Dir: p.req.StagingDir}, parser, "", nil)
	if err != nil {
		if errors.Is(err, errTaskStopped) {
			return nil, &Result{Stopped: true}
		}

		return nil, &Result{ExitCode: -1, Err: &transfer.ProcessError{Program: string(BinaryYtDlp), ExitCode: -1, Err: err}}
	}

	if p.task.Stopped() {
		return nil, &Result{Stopped: true, ExitCode: out.status.Code}
	}

	if out.status.Signaled {
		return nil, &Result{ExitCode: -1, Signaled: true, Err: signalError(string(BinaryYtDlp), out.status)}
	}

	if out.status.Code != 0 {
		stderr := out.lines.String()

		return nil, &Result{ExitCode: out.status.Code, Stderr: stderr, Err: ytdlpError(out.status.Code, stderr, p.req.URL)}
	}

	if len(urls) == 0 {
		return nil, &Result{Err: &transfer.ProtocolError{URL: p.req.URL, Reason: "no stream URL found"}}
	}

	return p.streams(urls), nil
}

func (p *pipeline) streams(urls []string) []stream {
	base := strings.TrimSuffix(p.req.FileName, filepath.Ext(p.req.FileName))
	path := func(name string) string {
		return filepath.Join(p.req.StagingDir, base+"."+name)
	}

	if p.opts.AudioOnly {
		return []stream{{Name: streamAudio, URL: urls[0], Path: path(streamAudio)}}
	}

	streams := []stream{{Name: streamVideo, URL: urls[0], Path: path(streamVideo)}}
	if len(urls) > 1 {
		streams = append(streams, stream{Name: streamAudio, URL: urls[1], Path: path(streamAudio)})
	}

	return streams
}

// fetch downloads every stream not yet on disk in parallel. It returns nil
// once all of them are complete.
func (p *pipeline) fetch(streams []stream) *Result {
	agg := newAggregate(p.onUpdate)

	var (
		g       errgroup.Group
		mu      sync.Mutex
		results = make(map[string]Result, len(streams))
	)

	for _, s := range streams {
		if size, ok := verifyFile(s.Path); ok {
			agg.done(s.Name, size)

			continue
		}

		cmd := Command{
			Path: p.aria2,
			Args: aria2FetchArgs(p.req.StagingDir, filepath.Base(s.Path), p.media.cfg.Connections, p.req.Headers, p.req.CookiesPath, s.URL),
			Dir:  p.req.StagingDir,
		}

		g.Go(func() error {
			res := fetchStream(p.task, p.media.launcher, cmd, s.Path, p.req.URL, s.Name, agg.update)

			mu.Lock()
			results[s.Name] = res
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	var failed *Result

	for _, s := range streams {
		res, ok := results[s.Name]
		if !ok || res.Complete {
			continue
		}

		if res.Stopped {
			return &Result{Stopped: true}
		}

		if failed == nil || isExpired(res.Err) {
			r := res
			failed = &r
		}
	}

	return failed
}

// merge muxes the streams, or transcodes a lone audio stream, into the final
// container and removes the intermediates.
func (p *pipeline) merge(streams []stream) Result {
	p.emit(progress.Update{Phase: phaseMerging})

	staged := filepath.Join(p.req.StagingDir, p.req.FileName)
	tmp := staged + ".tmp"

	args := ffmpegArgs(streams, strings.TrimPrefix(filepath.Ext(p.req.FileName), "."), p.opts.AudioOnly, tmp)

	out, err := p.task.run(p.media.launcher, Command{Path: p.ffmpeg, Args: args, Dir: p.req.StagingDir},
		progress.ParserFunc(func(string) progress.Update { return progress.Update{} }), "", nil)
	if err != nil {
		if errors.Is(err, errTaskStopped) {
			return Result{Stopped: true}
		}

		return Result{ExitCode: -1, Err: &transfer.ProcessError{Program: string(BinaryFFmpeg), ExitCode: -1, Err: err}}
	}

	res := Result{ExitCode: out.status.Code, Signaled: out.status.Signaled, Stderr: out.lines.String(), Staged: staged}

	if p.task.Stopped() {
		res.Stopped = true

		return res
	}

	if out.status.Signaled {
		res.Err = signalError(string(BinaryFFmpeg), out.status)

		return res
	}

	if out.status.Code != 0 {
		_ = os.Remove(tmp)
		res.Err = ffmpegError(out.status.Code, res.Stderr)

		return res
	}

	if err := os.Rename(tmp, staged); err != nil {
		res.Err = &transfer.ResourceError{Path: staged, Reason: "could not finalize merged file", Err: err}

		return res
	}

	for _, s := range streams {
		_ = os.Remove(s.Path)
	}

	size, ok := verifyFile(staged)
	if !ok {
		res.Err = &transfer.ProcessError{Program: string(BinaryFFmpeg), Err: errors.New("merged output missing")}

		return res
	}

	res.Complete = true
	res.TotalBytes = size

	return res
}

var audioCodecs = map[string][]string{
	"mp3":  {"-c:a", "libmp3lame", "-q:a", "2"},
	"m4a":  {"-c:a", "aac", "-b:a", "192k"},
	"aac":  {"-c:a", "aac", "-b:a", "192k"},
	"opus": {"-c:a", "libopus", "-b:a", "160k"},
	"ogg":  {"-c:a", "libvorbis", "-q:a", "5"},
	"wav":  {"-c:a", "pcm_s16le"},
	"flac": {"-c:a", "flac"},
}

var muxers = map[string]string{
	"mp4":  "mp4",
	"m4v":  "mp4",
	"mkv":  "matroska",
	"webm": "webm",
	"mov":  "mov",
	"mp3":  "mp3",
	"m4a":  "ipod",
	"aac":  "adts",
	"opus": "opus",
	"ogg":  "ogg",
	"wav":  "wav",
	"flac": "flac",
}

func ffmpegArgs(streams []stream, ext string, audioOnly bool, out string) []string {
	args := []string{"-y", "-nostdin", "-hide_banner", "-loglevel", "error"}

	for _, s := range streams {
		args = append(args, "-i", s.Path)
	}

	switch {
	case audioOnly:
		args = append(args, "-vn")

		if codec, ok := audioCodecs[ext]; ok {
			args = append(args, codec...)
		} else {
			args = append(args, "-c:a", "copy")
		}
	case len(streams) > 1:
		args = append(args, "-map", "0:v:0", "-map", "1:a:0", "-c", "copy")
	default:
		args = append(args, "-c", "copy")
	}

	muxer, ok := muxers[ext]
	if !ok {
		muxer = "matroska"
	}

	return append(args, "-f", muxer, out)
}

// aggregate combines the per-stream updates of the pipeline into one.
type aggregate struct {
	mu       sync.Mutex
	onUpdate UpdateFunc
	streams  map[string]*streamState
}

type streamState struct {
	done  int64
	total int64
	speed float64
}

func newAggregate(onUpdate UpdateFunc) *aggregate {
	return &aggregate{onUpdate: onUpdate, streams: make(map[string]*streamState)}
}

func (a *aggregate) state(name string) *streamState {
	s, ok := a.streams[name]
	if !ok {
		s = &streamState{}
		a.streams[name] = s
	}

	return s
}

func (a *aggregate) done(name string, size int64) {
	a.mu.Lock()
	s := a.state(name)
	s.done, s.total, s.speed = size, size, 0
	a.mu.Unlock()
}

func (a *aggregate) update(u progress.Update) {
	a.mu.Lock()

	s := a.state(u.Stream)
	if u.DownloadedBytes != nil {
		s.done = *u.DownloadedBytes
	}

	if u.TotalBytes != nil {
		s.total = *u.TotalBytes
	}

	if u.Speed != nil {
		s.speed = *u.Speed
	}

	var (
		done, total int64
		speed       float64
		known       = true
	)

	for _, st := range a.streams {
		done += st.done
		total += st.total
		speed += st.speed

		if st.total == 0 {
			known = false
		}
	}

	a.mu.Unlock()

	out := progress.Update{
		DownloadedBytes: &done,
		Speed:           &speed,
		Message:         u.Message,
	}

	if known && total > 0 {
		out.TotalBytes = &total

		pct := float64(done) / float64(total)
		out.Progress = &pct
	}

	if a.onUpdate != nil {
		a.onUpdate(out)
	}
}

func isExpired(err error) bool {
	var netErr *transfer.TransientNetworkError

	return errors.As(err, &netErr) && netErr.Reason == reasonExpired
}
