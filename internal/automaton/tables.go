package automaton

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/console"
)

// LicenseDialog accepts the license prompts raised while media-create
// installs a hardware pack. The first state waits for the lock around the
// tool to be acquired, which can take a long time on a busy host.
//
// Some dialogs do not focus <Ok> by default, so the say-yes states tab
// around until the highlighted button is <Yes> or <Ok> before pressing
// space.
func LicenseDialog() *Machine {
	m, err := New("waiting", []State{
		{
			Name:        "waiting",
			Transitions: []Transition{{Pattern: "linaro-hwpack-install", Next: "default"}},
			Timeout:     24 * time.Hour,
		},
		{
			Name: "default",
			Transitions: []Transition{
				{Pattern: "TI TSPA Software License Agreement", Next: "accept-tspa"},
				{Pattern: "SNOWBALL CLICK-WRAP", Next: "accept-snowball"},
				{Pattern: "LIMITED LICENSE AGREEMENT FOR APPLICATION  DEVELOPERS", Next: "accept-snowball"},
			},
			Timeout: time.Hour,
		},
		{
			Name:        "accept-tspa",
			Transitions: []Transition{{Pattern: "<Ok>", Next: "accept-tspa-1"}},
			Timeout:     time.Second,
		},
		{
			Name:        "accept-tspa-1",
			Input:       "\t ",
			Transitions: []Transition{{Pattern: "Accept TI TSPA Software License Agreement", Next: "say-yes"}},
			Timeout:     time.Second,
		},
		{
			Name: "say-yes",
			Transitions: []Transition{
				{Pattern: `  <(Yes|Ok)>`, Next: "say-yes-tab"},
				{Pattern: `\x1b\[41m<(Yes|Ok)>`, Next: "say-yes-space"},
			},
			Timeout: time.Second,
		},
		{
			Name:        "say-yes-tab",
			Input:       "\t",
			Transitions: []Transition{{Pattern: ".", Next: "say-yes"}},
			Timeout:     time.Second,
		},
		{
			Name:        "say-yes-space",
			Input:       " ",
			Transitions: []Transition{{Pattern: ".", Next: "default"}},
			Timeout:     time.Second,
		},
		{
			Name:        "accept-snowball",
			Transitions: []Transition{{Pattern: "<Ok>", Next: "accept-snowball-1"}},
			Timeout:     time.Second,
		},
		{
			Name:        "accept-snowball-1",
			Input:       "\t ",
			Transitions: []Transition{{Pattern: "Do you accept", Next: "say-yes"}},
			Timeout:     time.Second,
		},
	})
	if err != nil {
		panic(fmt.Sprintf("license dialog table: %v", err))
	}
	return m
}

// ShellPrompt is a one-state table that pokes the console with an empty
// line and waits for pattern.
func ShellPrompt(pattern string, timeout time.Duration) (*Machine, error) {
	return New("prompt", []State{{
		Name:        "prompt",
		Input:       "\n",
		Transitions: []Transition{{Pattern: pattern}},
		Timeout:     timeout,
	}})
}

// WaitForPrompt asserts that the console is sitting at a shell whose
// prompt matches pattern. Unlike a plain run, end of stream is an error.
func WaitForPrompt(stream console.Stream, pattern string, timeout time.Duration, logger zerolog.Logger) error {
	m, err := ShellPrompt(pattern, timeout)
	if err != nil {
		return err
	}
	out, err := m.Run(stream, logger)
	if err != nil {
		return fmt.Errorf("shell prompt %q not found: %w", pattern, err)
	}
	if out.EOF {
		return fmt.Errorf("console closed while waiting for shell prompt %q", pattern)
	}
	return nil
}
