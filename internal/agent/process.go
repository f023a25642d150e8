package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// Process is a running agent invocation.
type Process interface {
	io.Reader
	io.Writer
	Pid() int
	// Signal delivers sig to the process group when possible.
	Signal(sig os.Signal) error
	Kill() error
	// Wait blocks until the process exits and returns its exit code. A
	// process ended by a signal reports 128+signal.
	Wait() (int, error)
	Close() error
}

// Launcher starts agent processes.
type Launcher interface {
	Launch(ctx context.Context, cmd Command) (Process, error)
}

// PTYLauncher runs the agent under a pseudo-terminal so it behaves as it
// would in an interactive shell.
type PTYLauncher struct {
	Rows uint16
	Cols uint16
}

func (l PTYLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir

	size := &pty.Winsize{Rows: l.Rows, Cols: l.Cols}
	if size.Rows == 0 {
		size.Rows = 40
	}
	if size.Cols == 0 {
		// Wide enough that JSON lines are not wrapped.
		size.Cols = 1000
	}

	tty, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, c.Path, err)
	}
	return &ptyProcess{execProcess: execProcess{cmd: cmd}, tty: tty}, nil
}

// PipeLauncher runs the agent with plain pipes. Stdout and stderr share one
// stream.
type PipeLauncher struct{}

func (PipeLauncher) Launch(ctx context.Context, c Command) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: output pipe: %v", ErrSpawnFailed, err)
	}
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawnFailed, c.Path, err)
	}
	// The child holds its own copy; ours must go for EOF to arrive.
	_ = w.Close()

	return &pipeProcess{execProcess: execProcess{cmd: cmd}, stdin: stdin, out: r}, nil
}

type execProcess struct {
	cmd      *exec.Cmd
	waitOnce sync.Once
	code     int
	waitErr  error
}

func (p *execProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return ErrNotRunning
	}
	if s, ok := sig.(syscall.Signal); ok {
		// Both launchers put the child in its own process group.
		if err := syscall.Kill(-p.cmd.Process.Pid, s); err == nil {
			return nil
		}
	}
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Kill() error {
	return p.Signal(syscall.SIGKILL)
}

func (p *execProcess) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.code, p.waitErr = exitCode(p.cmd.Wait())
	})
	return p.code, p.waitErr
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type ptyProcess struct {
	execProcess
	tty       *os.File
	closeOnce sync.Once
}

// Read returns io.EOF once the terminal is gone. Linux reports that as EIO.
func (p *ptyProcess) Read(b []byte) (int, error) {
	n, err := p.tty.Read(b)
	if err != nil && errors.Is(err, syscall.EIO) {
		err = io.EOF
	}
	return n, err
}

func (p *ptyProcess) Write(b []byte) (int, error) {
	return p.tty.Write(b)
}

func (p *ptyProcess) Close() error {
	var err error
	p.closeOnce.Do(func() { err = p.tty.Close() })
	return err
}

type pipeProcess struct {
	execProcess
	stdin     io.WriteCloser
	out       *os.File
	closeOnce sync.Once
}

func (p *pipeProcess) Read(b []byte) (int, error) {
	return p.out.Read(b)
}

func (p *pipeProcess) Write(b []byte) (int, error) {
	return p.stdin.Write(b)
}

func (p *pipeProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		_ = p.stdin.Close()
		err = p.out.Close()
	})
	return err
}
