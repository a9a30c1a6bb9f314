package console

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrTimeout is returned by Expect when none of the patterns matched in time.
var ErrTimeout = errors.New("timed out waiting for console output")

const readChunk = 4096

// Match describes a successful Expect call.
type Match struct {
	// Index of the pattern that matched
	Index int
	// Text is the matched text
	Text string
	// Groups holds the capture groups of the matching pattern
	Groups []string
	// Before is the output consumed ahead of the match
	Before string
}

// Stream is an interactive byte stream to a device console or a spawned
// process.
type Stream interface {
	Send(s string) error
	SendLine(s string) error
	SendControl(c byte) error
	// Expect waits until one of patterns matches the pending output. The
	// earliest match in the output wins; ties go to the lowest index. It
	// returns io.EOF when the stream ended first and an error wrapping
	// ErrTimeout when timeout elapsed. A non-positive timeout waits
	// indefinitely.
	Expect(patterns []string, timeout time.Duration) (Match, error)
	// Drain stops buffering output for Expect. Output keeps being consumed
	// and is retained for Captured.
	Drain()
	Captured() []byte
	Close() error
}

// Options configures a Session.
type Options struct {
	// Transcript receives a copy of everything read from the stream.
	Transcript io.Writer
	Logger     *zerolog.Logger
}

// Session is the Stream implementation shared by spawned processes and
// plain reader/writer pairs.
type Session struct {
	w      io.Writer
	closer func() error
	log    zerolog.Logger

	mu       sync.Mutex
	buf      []byte
	captured bytes.Buffer
	draining bool
	eof      bool
	readErr  error
	notify   chan struct{}

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
}

// New starts a Session reading from r and writing to w. closer, when not
// nil, is called by Close.
func New(r io.Reader, w io.Writer, closer func() error, opts Options) *Session {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	s := &Session{
		w:      w,
		closer: closer,
		log:    logger,
		notify: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.readLoop(r, opts.Transcript)
	return s
}

func (s *Session) readLoop(r io.Reader, transcript io.Writer) {
	defer close(s.done)
	chunk := make([]byte, readChunk)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if transcript != nil {
				_, _ = transcript.Write(chunk[:n])
			}
			s.mu.Lock()
			if s.draining {
				s.captured.Write(chunk[:n])
			} else {
				s.buf = append(s.buf, chunk[:n]...)
			}
			s.wake()
			s.mu.Unlock()
		}
		if err != nil {
			s.mu.Lock()
			s.eof = true
			if !errors.Is(err, io.EOF) {
				s.readErr = err
			}
			s.wake()
			s.mu.Unlock()
			return
		}
	}
}

// wake must be called with mu held.
func (s *Session) wake() {
	close(s.notify)
	s.notify = make(chan struct{})
}

func (s *Session) Send(str string) error {
	s.log.Debug().Str("data", str).Msg("console send")
	if _, err := io.WriteString(s.w, str); err != nil {
		return fmt.Errorf("failed to write to console: %w", err)
	}
	return nil
}

func (s *Session) SendLine(str string) error {
	return s.Send(str + "\n")
}

// SendControl sends the control character for c, e.g. 'c' sends ETX.
func (s *Session) SendControl(c byte) error {
	s.log.Debug().Str("control", string(c)).Msg("console send control")
	if _, err := s.w.Write([]byte{c & 0x1f}); err != nil {
		return fmt.Errorf("failed to write to console: %w", err)
	}
	return nil
}

func (s *Session) Expect(patterns []string, timeout time.Duration) (Match, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return Match{}, fmt.Errorf("invalid console pattern %q: %w", p, err)
		}
		compiled[i] = re
	}
	s.log.Debug().Strs("patterns", patterns).Dur("timeout", timeout).Msg("console expect")

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		s.mu.Lock()
		if m, ok := s.consume(compiled); ok {
			s.mu.Unlock()
			s.log.Debug().Int("index", m.Index).Str("match", m.Text).Msg("console matched")
			return m, nil
		}
		if s.eof {
			err := s.readErr
			s.mu.Unlock()
			if err != nil {
				return Match{}, fmt.Errorf("console read failed: %w", err)
			}
			return Match{}, io.EOF
		}
		wait := s.notify
		s.mu.Unlock()

		select {
		case <-wait:
		case <-expired:
			return Match{}, fmt.Errorf("%w after %s: %q", ErrTimeout, timeout, patterns)
		}
	}
}

// consume must be called with mu held.
func (s *Session) consume(patterns []*regexp.Regexp) (Match, bool) {
	best := -1
	var loc []int
	for i, re := range patterns {
		l := re.FindSubmatchIndex(s.buf)
		if l == nil {
			continue
		}
		if best < 0 || l[0] < loc[0] {
			best, loc = i, l
		}
	}
	if best < 0 {
		return Match{}, false
	}
	m := Match{
		Index:  best,
		Text:   string(s.buf[loc[0]:loc[1]]),
		Before: string(s.buf[:loc[0]]),
	}
	for g := 2; g+1 < len(loc); g += 2 {
		if loc[g] < 0 {
			m.Groups = append(m.Groups, "")
			continue
		}
		m.Groups = append(m.Groups, string(s.buf[loc[g]:loc[g+1]]))
	}
	s.buf = append(s.buf[:0], s.buf[loc[1]:]...)
	return m, true
}

func (s *Session) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draining = true
	s.captured.Write(s.buf)
	s.buf = nil
}

func (s *Session) Captured() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.captured.Bytes()...)
}

// Close releases the stream. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Done is closed once the stream has reached end of file.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
