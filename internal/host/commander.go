// Package host runs commands on the dispatcher host.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// Commander runs shell commands on the host. Implementations are swapped
// for fakes in tests so nothing touches real hardware.
type Commander interface {
	// Run executes command through sh -c and returns its combined output
	// and exit code. err is only set when the command could not be run
	// to completion.
	Run(ctx context.Context, command string) (output string, exitCode int, err error)
	// Stream starts argv and returns its stdout. Closing the reader kills
	// the process group and reaps the process.
	Stream(ctx context.Context, argv ...string) (io.ReadCloser, error)
}

// Shell is the Commander backed by real processes.
type Shell struct {
	Logger zerolog.Logger
	// WaitDelay bounds how long Run waits for output after cancellation.
	WaitDelay time.Duration
}

// NewShell returns a Shell logging through logger.
func NewShell(logger zerolog.Logger) *Shell {
	return &Shell{Logger: logger, WaitDelay: 5 * time.Second}
}

func (s *Shell) Run(ctx context.Context, command string) (string, int, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	setProcessGroup(cmd)
	cmd.WaitDelay = s.WaitDelay

	s.Logger.Debug().Str("command", command).Msg("running host command")
	err := cmd.Run()
	if err == nil {
		return out.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && ctx.Err() == nil {
		s.Logger.Debug().Str("command", command).Int("exit_code", exitErr.ExitCode()).Msg("host command failed")
		return out.String(), exitErr.ExitCode(), nil
	}
	return out.String(), -1, fmt.Errorf("failed to run %q: %w", command, err)
}

func (s *Shell) Stream(ctx context.Context, argv ...string) (io.ReadCloser, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	setProcessGroup(cmd)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout for %s: %w", argv[0], err)
	}
	s.Logger.Debug().Strs("argv", argv).Msg("streaming host command")
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", strings.Join(argv, " "), err)
	}
	return &streamReader{ReadCloser: stdout, cmd: cmd}, nil
}

type streamReader struct {
	io.ReadCloser
	cmd *exec.Cmd
}

func (r *streamReader) Close() error {
	KillGroup(r.cmd.Process.Pid)
	_ = r.cmd.Wait()
	return nil
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
}

// KillGroup sends SIGKILL to the process group led by pid. A group that
// has already exited is not an error.
func KillGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == nil || errors.Is(err, unix.ESRCH) {
		return nil
	}
	return fmt.Errorf("failed to kill process group %d: %w", pid, err)
}

// Check runs command and turns a non-zero exit code into an error that
// carries the command output.
func Check(ctx context.Context, c Commander, command string) (string, error) {
	out, code, err := c.Run(ctx, command)
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, fmt.Errorf("command %q exited with code %d: %s", command, code, strings.TrimSpace(out))
	}
	return out, nil
}
