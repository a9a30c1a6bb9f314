package console

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sourceplane/devicelab/internal/host"
)

// Process is a Session attached to a locally spawned command.
type Process struct {
	*Session
	cmd *exec.Cmd
}

// Spawn runs command through sh -c in its own process group with stderr
// merged into stdout.
func Spawn(command string, opts Options) (*Process, error) {
	cmd := exec.Command("sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin for %q: %w", command, err)
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open output pipe for %q: %w", command, err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("failed to start %q: %w", command, err)
	}
	pw.Close()

	if opts.Logger != nil {
		opts.Logger.Debug().Str("command", command).Int("pid", cmd.Process.Pid).Msg("spawned console process")
	}

	p := &Process{cmd: cmd}
	p.Session = New(pr, stdin, func() error {
		stdin.Close()
		kerr := host.KillGroup(cmd.Process.Pid)
		werr := cmd.Wait()
		select {
		case <-p.Done():
		case <-time.After(5 * time.Second):
		}
		pr.Close()
		if kerr != nil {
			return kerr
		}
		var exitErr *exec.ExitError
		if werr != nil && !errors.As(werr, &exitErr) {
			return werr
		}
		return nil
	}, opts)
	return p, nil
}

// Pid returns the process id of the spawned shell.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}
