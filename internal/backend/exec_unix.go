//go:build unix

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"github.com/italolelis/transferd/internal/logctx"
)

// ExecLauncher starts real processes in their own process group so that
// terminate and kill reach helper children too.
type ExecLauncher struct{}

func (ExecLauncher) Launch(ctx context.Context, c Command, stdout, stderr io.Writer) (Process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", c.Path, err)
	}

	logctx.LoggerFromContext(ctx).Debug("backend process started", "program", c.Path, "pid", cmd.Process.Pid)

	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{}
	}

	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return ExitStatus{Code: -1, Err: err}
	}

	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitStatus{Code: -1, Signaled: true, Signal: ws.Signal().String()}
	}

	return ExitStatus{Code: exitErr.ExitCode()}
}

func (p *execProcess) Terminate() error {
	return p.signal(syscall.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signal(syscall.SIGKILL)
}

func (p *execProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}

	if err := syscall.Kill(-p.cmd.Process.Pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("failed to signal process group %d: %w", p.cmd.Process.Pid, err)
	}

	return nil
}
