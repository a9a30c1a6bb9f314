package target

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/model"
)

var inetAddr = regexp.MustCompile(`inet (\d+\.\d+\.\d+\.\d+)`)

// CommandOutput is what a command printed and the return code parsed from
// the following prompt. RC is -1 when the prompt does not carry one.
type CommandOutput struct {
	Text string
	RC   int
}

// CommandRunner runs commands on a shell whose prompt is known.
type CommandRunner struct {
	stream         console.Stream
	prompt         string
	promptHasRC    bool
	defaultTimeout time.Duration
	log            zerolog.Logger
}

// NewCommandRunner binds a runner to stream. When promptHasRC is set the
// first capture group of prompt is the previous command's exit code.
func NewCommandRunner(stream console.Stream, prompt string, promptHasRC bool, timeout time.Duration, logger zerolog.Logger) *CommandRunner {
	return &CommandRunner{
		stream:         stream,
		prompt:         prompt,
		promptHasRC:    promptHasRC,
		defaultTimeout: timeout,
		log:            logger,
	}
}

// Run sends cmd, optionally waits for response, then waits for the
// prompt. A non-zero return code is a GeneralError unless failOK is set.
// A zero timeout uses the runner default.
func (r *CommandRunner) Run(cmd, response string, timeout time.Duration, failOK bool) (CommandOutput, error) {
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	r.log.Info().Str("cmd", cmd).Msg("running command on target")
	if err := r.stream.SendLine(cmd); err != nil {
		return CommandOutput{RC: -1}, err
	}

	if response != "" {
		if _, err := r.stream.Expect([]string{response}, timeout); err != nil {
			return CommandOutput{RC: -1}, fmt.Errorf("waiting for response %q to %q: %w", response, cmd, err)
		}
	}

	m, err := r.stream.Expect([]string{r.prompt}, timeout)
	if err != nil {
		return CommandOutput{RC: -1}, fmt.Errorf("waiting for prompt after %q: %w", cmd, err)
	}

	out := CommandOutput{Text: m.Before, RC: -1}
	if r.promptHasRC && len(m.Groups) > 0 {
		rc, err := strconv.Atoi(m.Groups[0])
		if err != nil {
			return out, fmt.Errorf("invalid return code %q in prompt: %w", m.Groups[0], err)
		}
		out.RC = rc
	}
	if out.RC > 0 && !failOK {
		return out, model.Generalf("command %q failed with rc=%d", cmd, out.RC)
	}
	return out, nil
}

// TargetIP reports the first global IPv4 address of the target.
func (r *CommandRunner) TargetIP() (string, error) {
	out, err := r.Run("ip -4 addr show scope global", "", 0, false)
	if err != nil {
		return "", err
	}
	m := inetAddr.FindStringSubmatch(out.Text)
	if m == nil {
		return "", fmt.Errorf("no IPv4 address in %q", out.Text)
	}
	return m[1], nil
}
