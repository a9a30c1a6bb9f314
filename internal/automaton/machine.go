// Package automaton drives a console stream through a table of states.
//
// Each state optionally sends some input on entry, then waits for one of
// its patterns and follows the matching transition. A transition to the
// empty state name ends the run, as does the end of the stream.
package automaton

import (
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/console"
)

// Transition maps one pattern to the state entered when it matches.
type Transition struct {
	Pattern string
	Next    string
}

// State is one row of an automaton table.
type State struct {
	Name        string
	Input       string
	Transitions []Transition
	Timeout     time.Duration
}

// Outcome is the result of a completed run.
type Outcome struct {
	// Trace lists the visited states in order.
	Trace []string
	// EOF reports whether the run ended because the stream closed.
	EOF bool
	// Groups holds the capture groups of the last match.
	Groups []string
}

// Machine is a validated, immutable state table.
type Machine struct {
	start  string
	states map[string]State
}

// New validates the table and returns a Machine that starts in start.
func New(start string, states []State) (*Machine, error) {
	m := &Machine{start: start, states: make(map[string]State, len(states))}
	for _, st := range states {
		if st.Name == "" {
			return nil, fmt.Errorf("state with empty name")
		}
		if _, dup := m.states[st.Name]; dup {
			return nil, fmt.Errorf("duplicate state %q", st.Name)
		}
		if len(st.Transitions) == 0 {
			return nil, fmt.Errorf("state %q has no transitions", st.Name)
		}
		m.states[st.Name] = st
	}
	if _, ok := m.states[start]; !ok {
		return nil, fmt.Errorf("unknown start state %q", start)
	}
	for _, st := range states {
		for _, tr := range st.Transitions {
			if _, err := regexp.Compile(tr.Pattern); err != nil {
				return nil, fmt.Errorf("state %q: invalid pattern %q: %w", st.Name, tr.Pattern, err)
			}
			if tr.Next == "" {
				continue
			}
			if _, ok := m.states[tr.Next]; !ok {
				return nil, fmt.Errorf("state %q: transition to unknown state %q", st.Name, tr.Next)
			}
		}
	}
	return m, nil
}

// Run drives stream from the start state until a terminal transition or
// end of stream. A state timing out fails the whole run.
func (m *Machine) Run(stream console.Stream, logger zerolog.Logger) (Outcome, error) {
	var out Outcome
	name := m.start
	for name != "" {
		st := m.states[name]
		out.Trace = append(out.Trace, name)

		if st.Input != "" {
			if err := stream.Send(st.Input); err != nil {
				return out, fmt.Errorf("state %s: %w", name, err)
			}
		}

		patterns := make([]string, len(st.Transitions))
		for i, tr := range st.Transitions {
			patterns[i] = tr.Pattern
		}
		logger.Debug().Str("state", name).Strs("patterns", patterns).Msg("automaton waiting")

		match, err := stream.Expect(patterns, st.Timeout)
		if errors.Is(err, io.EOF) {
			out.EOF = true
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("state %s: %w", name, err)
		}
		out.Groups = match.Groups
		name = st.Transitions[match.Index].Next
	}
	return out, nil
}
