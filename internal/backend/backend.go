// Package backend drives the external transfer engines. Each Adapter launches
// and supervises the processes of one record and reports their output as
// canonical progress updates.
package backend

import (
	"context"
	"fmt"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/italolelis/transferd/internal/progress"
	"github.com/italolelis/transferd/internal/transfer"
)

// DefaultGrace separates the graceful terminate from the forced kill.
const DefaultGrace = 500 * time.Millisecond

// Request is everything an adapter needs to run one record.
type Request struct {
	ID          string
	URL         string
	FileName    string
	StagingDir  string
	Connections int
	Headers     map[string]string
	CookiesPath string
	// ExpectedSize is the total size known from earlier runs, zero if unknown.
	ExpectedSize int64
	Media        *transfer.MediaOptions
	Torrent      *transfer.TorrentOptions
}

// UpdateFunc receives every non-empty progress update of a task.
type UpdateFunc func(progress.Update)

// Adapter is one backend variant.
type Adapter interface {
	Kind() transfer.Kind
	Start(ctx context.Context, req Request, onUpdate UpdateFunc) (*Task, error)
	Classify(res Result) transfer.Class
	// SelfRetries reports whether the backend process survives connectivity
	// loss on its own, so it must not be restarted on reconnect.
	SelfRetries() bool
}

// Result is the typed outcome of a task.
type Result struct {
	ExitCode int
	Signaled bool
	// Stopped is set when the task ended because Stop was called.
	Stopped bool
	// Stderr holds the last diagnostic lines of the backend.
	Stderr string
	// Complete is set only when the staged output was verified on disk.
	Complete bool
	// Staged is the path to promote to the record's final path.
	Staged string
	// TotalBytes is the size of the verified output, if known.
	TotalBytes int64
	Err        error
}

// Binary names an external program.
type Binary string

const (
	BinaryAria2  Binary = "aria2c"
	BinaryYtDlp  Binary = "yt-dlp"
	BinaryFFmpeg Binary = "ffmpeg"
)

// Resolver locates backend executables.
type Resolver interface {
	ResolveBackendPath(b Binary) (string, error)
}

// PathResolver resolves configured overrides first and then searches PATH.
type PathResolver struct {
	Overrides map[Binary]string
	LookPath  func(file string) (string, error)
}

// NewPathResolver creates a PathResolver. Empty override values are ignored.
func NewPathResolver(overrides map[Binary]string) *PathResolver {
	clean := make(map[Binary]string, len(overrides))

	for b, p := range overrides {
		if strings.TrimSpace(p) != "" {
			clean[b] = p
		}
	}

	return &PathResolver{Overrides: clean, LookPath: exec.LookPath}
}

func (r *PathResolver) ResolveBackendPath(b Binary) (string, error) {
	if p, ok := r.Overrides[b]; ok {
		return p, nil
	}

	lookPath := r.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}

	p, err := lookPath(string(b))
	if err != nil {
		return "", &transfer.ProcessError{Program: string(b), ExitCode: -1, Err: fmt.Errorf("failed to locate %s: %w", b, err)}
	}

	return p, nil
}

// headerArgs renders headers in a stable order as flag/value pairs.
func headerArgs(flag string, headers map[string]string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, flag, k+": "+headers[k])
	}

	return args
}
