package console

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newPipeSession(t *testing.T) (*Session, *io.PipeWriter, *lockedBuffer, *lockedBuffer) {
	t.Helper()
	pr, pw := io.Pipe()
	sent := &lockedBuffer{}
	transcript := &lockedBuffer{}
	s := New(pr, sent, func() error { return pr.Close() }, Options{Transcript: transcript})
	t.Cleanup(func() {
		pw.Close()
		s.Close()
	})
	return s, pw, sent, transcript
}

func TestExpectEarliestMatchWins(t *testing.T) {
	s, pw, _, _ := newPipeSession(t)
	go pw.Write([]byte("booting... login: then root@host# "))

	m, err := s.Expect([]string{`root@\w+# `, `login: `}, time.Second)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if m.Index != 1 {
		t.Fatalf("Index = %d, want 1", m.Index)
	}
	if m.Before != "booting... " {
		t.Fatalf("Before = %q, want %q", m.Before, "booting... ")
	}

	m, err = s.Expect([]string{`root@(\w+)# `}, time.Second)
	if err != nil {
		t.Fatalf("second Expect() error = %v", err)
	}
	if len(m.Groups) != 1 || m.Groups[0] != "host" {
		t.Fatalf("Groups = %q, want [host]", m.Groups)
	}
}

func TestExpectTieGoesToFirstPattern(t *testing.T) {
	s, pw, _, _ := newPipeSession(t)
	go pw.Write([]byte("rc=0\n"))

	m, err := s.Expect([]string{`rc=\d`, `rc=0`}, time.Second)
	if err != nil {
		t.Fatalf("Expect() error = %v", err)
	}
	if m.Index != 0 {
		t.Fatalf("Index = %d, want 0", m.Index)
	}
}

func TestExpectTimeout(t *testing.T) {
	s, pw, _, _ := newPipeSession(t)
	go pw.Write([]byte("nothing useful"))

	_, err := s.Expect([]string{`never`}, 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expect() error = %v, want ErrTimeout", err)
	}
}

func TestExpectEOF(t *testing.T) {
	s, pw, _, _ := newPipeSession(t)
	go func() {
		pw.Write([]byte("bye"))
		pw.Close()
	}()

	_, err := s.Expect([]string{`never`}, time.Second)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("Expect() error = %v, want io.EOF", err)
	}
}

func TestExpectInvalidPattern(t *testing.T) {
	s, _, _, _ := newPipeSession(t)
	if _, err := s.Expect([]string{`(`}, time.Second); err == nil {
		t.Fatal("Expect() error = nil, want invalid pattern error")
	}
}

func TestSendAndControl(t *testing.T) {
	s, _, sent, _ := newPipeSession(t)
	if err := s.SendLine("uname -a"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	if err := s.SendControl('c'); err != nil {
		t.Fatalf("SendControl() error = %v", err)
	}
	if got, want := sent.String(), "uname -a\n\x03"; got != want {
		t.Fatalf("sent = %q, want %q", got, want)
	}
}

func TestTranscriptAndDrain(t *testing.T) {
	s, pw, _, transcript := newPipeSession(t)
	pw.Write([]byte("first "))
	if _, err := s.Expect([]string{`first`}, time.Second); err != nil {
		t.Fatalf("Expect() error = %v", err)
	}

	s.Drain()
	pw.Write([]byte("simulator noise"))
	pw.Close()
	<-s.Done()

	if got := string(s.Captured()); !strings.Contains(got, "simulator noise") {
		t.Fatalf("Captured() = %q, want simulator output", got)
	}
	if got := transcript.String(); got != "first simulator noise" {
		t.Fatalf("transcript = %q", got)
	}
}

func TestSpawnEcho(t *testing.T) {
	p, err := Spawn("echo ready; read line; echo got:$line", Options{})
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	defer p.Close()

	if _, err := p.Expect([]string{`ready`}, 5*time.Second); err != nil {
		t.Fatalf("Expect(ready) error = %v", err)
	}
	if err := p.SendLine("hello"); err != nil {
		t.Fatalf("SendLine() error = %v", err)
	}
	if _, err := p.Expect([]string{`got:hello`}, 5*time.Second); err != nil {
		t.Fatalf("Expect(got) error = %v", err)
	}
	if _, err := p.Expect([]string{`never`}, 5*time.Second); !errors.Is(err, io.EOF) {
		t.Fatalf("Expect() after exit error = %v, want io.EOF", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
