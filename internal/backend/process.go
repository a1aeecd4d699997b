package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// newCommand builds a command that runs in its own process group. Cancelling
// ctx kills the whole group, not just the direct child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	return cmd
}

// executeCommand runs cmd to completion and returns what it wrote. Output is
// read before Wait so a chatty agent cannot fill a pipe and stall.
func executeCommand(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (stdout, stderr []byte, err error) {
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stdout: %w", err)
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("opening stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", cmd.Path, err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var outBuf, errBuf bytes.Buffer
	var g errgroup.Group
	g.Go(func() error { _, err := io.Copy(&outBuf, outPipe); return err })
	g.Go(func() error { _, err := io.Copy(&errBuf, errPipe); return err })
	copyErr := g.Wait()

	waitErr := cmd.Wait()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	if waitErr == nil && copyErr != nil {
		waitErr = fmt.Errorf("reading output: %w", copyErr)
	}
	if waitErr == nil {
		return stdout, stderr, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		waitErr = errors.Join(ctxErr, waitErr)
	}
	if len(stderr) > 0 {
		return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, bytes.TrimSpace(stderr))
	}
	return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
}

// killProcessGroup sends SIGKILL to cmd's process group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// ProcessManager remembers the agent subprocesses that are running so a
// shutdown can take them all down.
type ProcessManager struct {
	mu    sync.Mutex
	procs map[*exec.Cmd]struct{}
}

func NewProcessManager() *ProcessManager {
	return &ProcessManager{procs: make(map[*exec.Cmd]struct{})}
}

// Track registers a started command. Unstarted commands are ignored.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pm.mu.Lock()
	pm.procs[cmd] = struct{}{}
	pm.mu.Unlock()
}

// Untrack forgets cmd. The caller that started it untracks it after Wait.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	pm.mu.Lock()
	delete(pm.procs, cmd)
	pm.mu.Unlock()
}

// KillAll kills every tracked process group and reports each failure.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
