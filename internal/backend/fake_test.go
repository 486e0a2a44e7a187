package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/progress"
)

type staticResolver struct{}

func (staticResolver) ResolveBackendPath(b Binary) (string, error) {
	return "/usr/bin/" + string(b), nil
}

// script describes how a fake process behaves.
type script struct {
	Stdout []string
	Stderr []string
	Code   int
	// Files are created (relative to Command.Dir) before any output is written.
	Files map[string]string
	// Block keeps the process alive until it is terminated or killed.
	Block bool
	// IgnoreTerm keeps a blocking process alive through Terminate.
	IgnoreTerm bool
}

type fakeLauncher struct {
	mu    sync.Mutex
	calls []Command
	procs []*fakeProcess
	next  func(cmd Command, call int) script
}

func (f *fakeLauncher) Launch(_ context.Context, cmd Command, stdout, stderr io.Writer) (Process, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, cmd)
	s := f.next(cmd, call)
	p := &fakeProcess{done: make(chan struct{}), stop: make(chan string, 2), script: s}
	f.procs = append(f.procs, p)
	f.mu.Unlock()

	for name, content := range s.Files {
		path := filepath.Join(cmd.Dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}

		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return nil, err
		}
	}

	go p.run(stdout, stderr)

	return p, nil
}

func (f *fakeLauncher) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]Command(nil), f.calls...)
}

func (f *fakeLauncher) Procs() []*fakeProcess {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*fakeProcess(nil), f.procs...)
}

type fakeProcess struct {
	script     script
	done       chan struct{}
	stop       chan string
	status     ExitStatus
	terminates atomic.Int32
	kills      atomic.Int32
}

func (p *fakeProcess) run(stdout, stderr io.Writer) {
	defer close(p.done)

	for _, l := range p.script.Stdout {
		fmt.Fprint(stdout, l+"\n")
	}

	for _, l := range p.script.Stderr {
		fmt.Fprint(stderr, l+"\n")
	}

	if !p.script.Block {
		p.status = ExitStatus{Code: p.script.Code}

		return
	}

	for sig := range p.stop {
		if sig == "terminated" && p.script.IgnoreTerm {
			continue
		}

		p.status = ExitStatus{Code: -1, Signaled: true, Signal: sig}

		return
	}
}

func (p *fakeProcess) Wait() ExitStatus {
	<-p.done

	return p.status
}

func (p *fakeProcess) Terminate() error {
	p.terminates.Add(1)
	p.send("terminated")

	return nil
}

func (p *fakeProcess) Kill() error {
	p.kills.Add(1)
	p.send("killed")

	return nil
}

func (p *fakeProcess) send(sig string) {
	select {
	case <-p.done:
	case p.stop <- sig:
	default:
	}
}

type updates struct {
	mu   sync.Mutex
	list []progress.Update
}

func (u *updates) add(up progress.Update) {
	u.mu.Lock()
	u.list = append(u.list, up)
	u.mu.Unlock()
}

func (u *updates) all() []progress.Update {
	u.mu.Lock()
	defer u.mu.Unlock()

	return append([]progress.Update(nil), u.list...)
}

func waitResult(t *testing.T, task *Task) Result {
	t.Helper()

	res, err := task.Wait(context.Background())
	require.NoError(t, err)

	return res
}

func hasArg(cmd Command, arg string) bool {
	for _, a := range cmd.Args {
		if a == arg {
			return true
		}
	}

	return false
}

func hasArgPrefix(cmd Command, prefix string) bool {
	for _, a := range cmd.Args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}

	return false
}
