package results

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Destination tells a Submitter where a bundle goes.
type Destination struct {
	// Server is an http(s) endpoint or a file:// directory. Empty means
	// the configured results directory.
	Server string
	// Stream names the collection the bundle belongs to.
	Stream string
	Token  string
}

// Submitter hands a bundle to a results collector and reports where it
// ended up.
type Submitter interface {
	Submit(ctx context.Context, b *Bundle, dest Destination) (string, error)
}

// FileSubmitter writes bundles as JSON files.
type FileSubmitter struct {
	Dir    string
	Logger zerolog.Logger
}

func (s *FileSubmitter) Submit(ctx context.Context, b *Bundle, dest Destination) (string, error) {
	dir := s.Dir
	if strings.HasPrefix(dest.Server, "file://") {
		u, err := url.Parse(dest.Server)
		if err != nil {
			return "", fmt.Errorf("invalid results server %q: %w", dest.Server, err)
		}
		dir = u.Path
	}
	if dir == "" {
		return "", fmt.Errorf("no results directory configured")
	}
	if stream := streamDir(dest.Stream); stream != "" {
		dir = filepath.Join(dir, stream)
	}

	name := "bundle.json"
	if len(b.TestRuns) > 0 {
		name = b.TestRuns[0].AnalyzerAssignedUUID + ".json"
	}
	path := filepath.Join(dir, name)
	if err := WriteBundle(b, path); err != nil {
		return "", err
	}
	s.Logger.Info().Str("path", path).Msg("bundle written")
	return path, nil
}

// streamDir turns a stream name such as /anonymous/lab/ into a relative
// directory.
func streamDir(stream string) string {
	clean := filepath.Clean("/" + stream)
	return strings.TrimPrefix(clean, "/")
}

// HTTPSubmitter posts bundles to a collector.
type HTTPSubmitter struct {
	Client *http.Client
	Logger zerolog.Logger
}

type submission struct {
	Stream string  `json:"stream,omitempty"`
	Bundle *Bundle `json:"bundle"`
}

func (s *HTTPSubmitter) Submit(ctx context.Context, b *Bundle, dest Destination) (string, error) {
	body, err := json.Marshal(submission{Stream: dest.Stream, Bundle: b})
	if err != nil {
		return "", fmt.Errorf("failed to encode bundle: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, dest.Server, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("invalid results server %q: %w", dest.Server, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if dest.Token != "" {
		req.Header.Set("Authorization", "Bearer "+dest.Token)
	}

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit bundle to %s: %w", dest.Server, err)
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("results server %s returned %s: %s", dest.Server, resp.Status, strings.TrimSpace(string(reply)))
	}
	location := resp.Header.Get("Location")
	if location == "" {
		location = dest.Server
	}
	s.Logger.Info().Str("server", dest.Server).Str("stream", dest.Stream).Msg("bundle submitted")
	return location, nil
}

// Router picks the HTTP submitter for http(s) servers and the file
// submitter for everything else.
type Router struct {
	File *FileSubmitter
	HTTP *HTTPSubmitter
}

// NewSubmitter builds a Router writing local bundles below dir.
func NewSubmitter(dir string, logger zerolog.Logger) *Router {
	logger = logger.With().Str("component", "results").Logger()
	return &Router{
		File: &FileSubmitter{Dir: dir, Logger: logger},
		HTTP: &HTTPSubmitter{Logger: logger},
	}
}

func (r *Router) Submit(ctx context.Context, b *Bundle, dest Destination) (string, error) {
	if strings.HasPrefix(dest.Server, "http://") || strings.HasPrefix(dest.Server, "https://") {
		return r.HTTP.Submit(ctx, b, dest)
	}
	return r.File.Submit(ctx, b, dest)
}
