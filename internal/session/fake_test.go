package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/backend"
	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/transfer"
)

type staticResolver struct{}

func (staticResolver) ResolveBackendPath(b backend.Binary) (string, error) {
	return "/usr/bin/" + string(b), nil
}

// fakeProc is a backend process driven by the test.
type fakeProc struct {
	cmd    backend.Command
	stdout io.Writer
	exit   chan backend.ExitStatus
	terms  atomic.Int32
	kills  atomic.Int32
}

func (p *fakeProc) Wait() backend.ExitStatus {
	return <-p.exit
}

func (p *fakeProc) Terminate() error {
	p.terms.Add(1)
	p.end(backend.ExitStatus{Code: -1, Signaled: true, Signal: "terminated"})

	return nil
}

func (p *fakeProc) Kill() error {
	p.kills.Add(1)
	p.end(backend.ExitStatus{Code: -1, Signaled: true, Signal: "killed"})

	return nil
}

func (p *fakeProc) end(st backend.ExitStatus) {
	select {
	case p.exit <- st:
	default:
	}
}

func (p *fakeProc) emit(lines ...string) {
	for _, l := range lines {
		fmt.Fprint(p.stdout, l+"\n")
	}
}

func (p *fakeProc) write(t *testing.T, name, content string) {
	t.Helper()

	path := filepath.Join(p.cmd.Dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (p *fakeProc) finish(code int) {
	p.end(backend.ExitStatus{Code: code})
}

type fakeLauncher struct {
	launched chan *fakeProc
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan *fakeProc, 16)}
}

func (l *fakeLauncher) Launch(_ context.Context, cmd backend.Command, stdout, _ io.Writer) (backend.Process, error) {
	p := &fakeProc{cmd: cmd, stdout: stdout, exit: make(chan backend.ExitStatus, 1)}
	l.launched <- p

	return p, nil
}

func (l *fakeLauncher) next(t *testing.T) *fakeProc {
	t.Helper()

	select {
	case p := <-l.launched:
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("no backend process was launched")
	}

	return nil
}

func (l *fakeLauncher) none(t *testing.T, wait time.Duration) {
	t.Helper()

	select {
	case p := <-l.launched:
		t.Fatalf("unexpected backend process: %s %v", p.cmd.Path, p.cmd.Args)
	case <-time.After(wait):
	}
}

type harness struct {
	dir      string
	orch     *Orchestrator
	launcher *fakeLauncher
	store    *storage.Memory
}

func newHarness(t *testing.T, cfg Config, svc Services) *harness {
	t.Helper()

	dir := t.TempDir()

	if cfg.TickInterval == 0 {
		cfg.TickInterval = 20 * time.Millisecond
	}

	if cfg.Grace == 0 {
		cfg.Grace = 50 * time.Millisecond
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 20 * time.Millisecond
	}

	if cfg.ResumeGuard == 0 {
		cfg.ResumeGuard = 10 * time.Second
	}

	store, ok := svc.Store.(*storage.Memory)
	if !ok {
		store = storage.NewMemory()
		svc.Store = store
	}

	l := newFakeLauncher()
	orch := New(cfg, svc,
		backend.NewChunked(staticResolver{}, l, 0),
		backend.NewTorrent(staticResolver{}, l, nil),
		backend.NewMedia(staticResolver{}, l, backend.MediaConfig{}),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go orch.Run(ctx)

	t.Cleanup(func() {
		cancel()
		<-orch.Done()
	})

	return &harness{dir: dir, orch: orch, launcher: l, store: store}
}

func (h *harness) add(t *testing.T, req transfer.AddRequest) transfer.Record {
	t.Helper()

	if req.SavePath == "" {
		req.SavePath = h.dir
	}

	rec, err := h.orch.Add(context.Background(), req)
	require.NoError(t, err)

	return rec
}

func (h *harness) get(t *testing.T, id string) transfer.Record {
	t.Helper()

	rec, err := h.orch.Get(context.Background(), id)
	require.NoError(t, err)

	return rec
}

// waitFor polls the record until cond holds and returns the matching snapshot.
func (h *harness) waitFor(t *testing.T, id string, cond func(transfer.Record) bool) transfer.Record {
	t.Helper()

	var last transfer.Record

	require.Eventually(t, func() bool {
		rec, err := h.orch.Get(context.Background(), id)
		if err != nil {
			return false
		}

		last = rec

		return cond(rec)
	}, 3*time.Second, 10*time.Millisecond, "record %s never reached the expected state", id)

	return last
}

func hasStatus(s transfer.Status) func(transfer.Record) bool {
	return func(r transfer.Record) bool { return r.Status == s }
}

func hasArg(cmd backend.Command, arg string) bool {
	for _, a := range cmd.Args {
		if a == arg {
			return true
		}
	}

	return false
}
