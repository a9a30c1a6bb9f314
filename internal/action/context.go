package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/model"
	"github.com/sourceplane/devicelab/internal/results"
	"github.com/sourceplane/devicelab/internal/target"
)

// Context is the state shared by every action of one job.
type Context struct {
	Target     target.Target
	Job        *model.Job
	Submitter  results.Submitter
	Transcript *Transcript
	Clock      clock.Clock
	Logger     zerolog.Logger

	metadata  map[string]string
	results   []model.Result
	jobStatus model.Status
	console   console.Stream
}

// NewContext creates the context for job. Target and Submitter are set by
// the caller once built.
func NewContext(job *model.Job, transcript *Transcript, logger zerolog.Logger) *Context {
	if transcript == nil {
		transcript = NewTranscript(nil)
	}
	return &Context{
		Job:        job,
		Transcript: transcript,
		Clock:      clock.Real(),
		Logger:     logger,
		metadata:   make(map[string]string),
		jobStatus:  model.StatusPass,
	}
}

func (c *Context) SetMetadata(key, value string) {
	c.metadata[key] = value
}

// AddMetadata merges per-step metadata from a job file.
func (c *Context) AddMetadata(values map[string]interface{}) {
	for k, v := range values {
		c.metadata[k] = fmt.Sprint(v)
	}
}

// Metadata returns a copy of the collected metadata.
func (c *Context) Metadata() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// SetConsole records the stream left open by the last boot.
func (c *Context) SetConsole(s console.Stream) { c.console = s }

// Console returns the stream of the last boot, or nil.
func (c *Context) Console() console.Stream { return c.console }

// AddResult appends a result. Recorded results are never modified.
func (c *Context) AddResult(testID string, status model.Status, message string) model.Result {
	r := model.Result{
		TestID:    testID,
		UUID:      newUUID(),
		Timestamp: c.Clock.Now().UTC(),
		Status:    status,
		Message:   message,
	}
	c.results = append(c.results, r)
	return r
}

func (c *Context) Results() []model.Result {
	return append([]model.Result(nil), c.results...)
}

func (c *Context) SetJobStatus(status model.Status) { c.jobStatus = status }

func (c *Context) JobStatus() model.Status { return c.jobStatus }

// Bundle assembles the results bundle from everything recorded so far.
func (c *Context) Bundle() *results.Bundle {
	attrs := c.Metadata()
	attrs["job.status"] = string(c.jobStatus)

	var attachments []model.Attachment
	if serial := c.Transcript.Bytes(); len(serial) > 0 {
		attachments = append(attachments, model.Attachment{Pathname: "serial.log", MimeType: "text/plain", Content: serial})
	}
	if c.Target != nil {
		attachments = append(attachments, c.Target.Attachments()...)
	}

	name := "devicelab"
	if c.Job != nil && c.Job.JobName != "" {
		name = c.Job.JobName
	}
	return results.NewBundle(name, c.Clock.Now(), attrs, c.results, attachments)
}

// Fetcher wraps f so every downloaded artifact has its digest recorded as
// job metadata.
func (c *Context) Fetcher(f target.Fetcher) target.Fetcher {
	return &digestingFetcher{Fetcher: f, c: c}
}

type digestingFetcher struct {
	target.Fetcher
	c *Context
}

func (f *digestingFetcher) Download(ctx context.Context, rawURL string, opts download.Options) (string, error) {
	path, err := f.Fetcher.Download(ctx, rawURL, opts)
	if err != nil {
		return "", err
	}
	sum, err := download.Digest(path)
	if err != nil {
		f.c.Logger.Warn().Err(err).Str("path", path).Msg("failed to digest artifact")
		return path, nil
	}
	f.c.SetMetadata("artifact."+filepath.Base(path)+".blake3", sum)
	return path, nil
}

// Transcript keeps a copy of the live console output and forwards it to
// an optional writer. Console readers write to it concurrently.
type Transcript struct {
	mu  sync.Mutex
	buf bytes.Buffer
	out io.Writer
}

func NewTranscript(out io.Writer) *Transcript {
	return &Transcript{out: out}
}

func (t *Transcript) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.out != nil {
		_, _ = t.out.Write(p)
	}
	return len(p), nil
}

func (t *Transcript) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.buf.Bytes()...)
}
