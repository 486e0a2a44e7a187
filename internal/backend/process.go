package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/transferd/internal/progress"
)

// Command is one external program invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string
}

// ExitStatus is how a process ended.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
	// Err is set when the process could not be waited on.
	Err error
}

// Process is a running external program.
type Process interface {
	// Wait blocks until the process exits and all output was delivered.
	Wait() ExitStatus
	// Terminate asks the process to exit gracefully.
	Terminate() error
	// Kill forces the process to exit.
	Kill() error
}

// Launcher starts processes. ExecLauncher is the production implementation.
type Launcher interface {
	Launch(ctx context.Context, cmd Command, stdout, stderr io.Writer) (Process, error)
}

var errTaskStopped = errors.New("task stopped")

// Task is the future of one adapter run. It may drive several processes in
// sequence or in parallel; Stop reaches all of them.
type Task struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	result Result

	mu      sync.Mutex
	procs   map[int]Process
	nextID  int
	stopped atomic.Bool
	once    sync.Once
	grace   time.Duration
}

func newTask(parent context.Context) *Task {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))

	t := &Task{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		procs:  make(map[int]Process),
		grace:  DefaultGrace,
	}

	go func() {
		select {
		case <-parent.Done():
			t.Stop(t.grace)
		case <-t.done:
		}
	}()

	return t
}

// Done is closed once the task has finished and its Result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task finishes or ctx is cancelled.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Stop terminates every live process gracefully and kills those still alive
// after grace. It returns immediately; repeated calls are no-ops.
func (t *Task) Stop(grace time.Duration) {
	t.once.Do(func() {
		t.stopped.Store(true)
		t.cancel()

		procs := t.live()
		for _, p := range procs {
			_ = p.Terminate()
		}

		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()

			select {
			case <-t.done:
			case <-timer.C:
				for _, p := range t.live() {
					_ = p.Kill()
				}
			}
		}()
	})
}

// Stopped reports whether Stop was called.
func (t *Task) Stopped() bool {
	return t.stopped.Load()
}

func (t *Task) live() []Process {
	t.mu.Lock()
	defer t.mu.Unlock()

	procs := make([]Process, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}

	return procs
}

func (t *Task) finish(res Result) {
	res.Stopped = res.Stopped || t.stopped.Load()
	t.result = res
	t.cancel()
	close(t.done)
}

// runOutcome collects what one process said and how it ended.
type runOutcome struct {
	status   ExitStatus
	complete bool
	expired  bool
	lines    *tail
	last     progress.Update
}

// run launches cmd, feeds each output line through parser and blocks until
// the process exits. Updates are tagged with stream before being delivered.
func (t *Task) run(l Launcher, cmd Command, parser progress.Parser, stream string, onUpdate UpdateFunc) (runOutcome, error) {
	out := runOutcome{lines: newTail(20)}

	var mu sync.Mutex

	handle := func(line string, diagnostic bool) {
		u := parser.Parse(line)

		mu.Lock()
		defer mu.Unlock()

		if diagnostic || u.Message != "" {
			out.lines.add(line)
		}

		if u.Empty() {
			return
		}

		u.Stream = stream
		out.complete = out.complete || u.Complete
		out.expired = out.expired || u.Expired
		out.last = out.last.Merge(u)

		if onUpdate != nil {
			onUpdate(u)
		}
	}

	stdout := progress.NewLineBuffer(func(line string) { handle(line, false) })
	stderr := progress.NewLineBuffer(func(line string) { handle(line, true) })

	t.mu.Lock()
	if t.stopped.Load() {
		t.mu.Unlock()

		return out, errTaskStopped
	}

	p, err := l.Launch(t.ctx, cmd, stdout, stderr)
	if err != nil {
		t.mu.Unlock()

		return out, err
	}

	id := t.nextID
	t.nextID++
	t.procs[id] = p
	t.mu.Unlock()

	out.status = p.Wait()

	stdout.Flush()
	stderr.Flush()

	t.mu.Lock()
	delete(t.procs, id)
	t.mu.Unlock()

	return out, nil
}

// tail keeps the last n lines.
type tail struct {
	n     int
	lines []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.n {
		t.lines = t.lines[len(t.lines)-t.n:]
	}
}

func (t *tail) String() string {
	return strings.Join(t.lines, "\n")
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}
