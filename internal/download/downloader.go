// Package download fetches images and other job artifacts onto the host.
package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/host"
	"golang.org/x/time/rate"
)

const (
	chunkSize = 32 * 1024

	DefaultRetryInterval = 60 * time.Second
	DefaultRetryBudget   = 300 * time.Second
)

// Config holds the dispatcher-wide download settings.
type Config struct {
	// ScratchDir is where temporary download dirs are created.
	ScratchDir    string
	Proxy         string
	Cookies       string
	Mappings      []Mapping
	RetryInterval time.Duration
	RetryBudget   time.Duration
}

// Options controls a single download.
type Options struct {
	// Dir receives the file. When empty a temporary dir is created under
	// the scratch dir.
	Dir string
	// KeepOnExit stops a temporary dir from being removed by Cleanup.
	KeepOnExit bool
	// Decompress enables suffix-based decompression.
	Decompress bool
}

// Downloader fetches file, http(s) and scp URLs.
type Downloader struct {
	cfg    Config
	host   host.Commander
	clock  clock.Clock
	log    zerolog.Logger
	client *http.Client

	mu      sync.Mutex
	cleanup []string
}

// New builds a Downloader. cmd is used for scp transfers.
func New(cfg Config, cmd host.Commander, clk clock.Clock, logger zerolog.Logger) (*Downloader, error) {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultRetryBudget
	}
	if clk == nil {
		clk = clock.Real()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = 30 * time.Second
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Downloader{
		cfg:    cfg,
		host:   cmd,
		clock:  clk,
		log:    logger.With().Str("component", "download").Logger(),
		client: &http.Client{Transport: transport},
	}, nil
}

// Download fetches rawURL and returns the path of the local file.
func (d *Downloader) Download(ctx context.Context, rawURL string, opts Options) (string, error) {
	d.log.Info().Str("url", rawURL).Msg("downloading")

	mapped := Apply(d.cfg.Mappings, rawURL)
	if mapped != rawURL {
		d.log.Info().Str("url", mapped).Msg("url mapped")
	}
	u, err := url.Parse(mapped)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", mapped, err)
	}

	name, suffix := targetName(u.Path, opts.Decompress)
	if name == "." || name == "/" {
		return "", fmt.Errorf("cannot derive a file name from %q", mapped)
	}

	dir := opts.Dir
	if dir == "" {
		dir, err = d.TempDir(!opts.KeepOnExit)
		if err != nil {
			return "", err
		}
	}

	src, err := d.open(ctx, u)
	if err != nil {
		return "", err
	}
	defer src.Close()

	r, err := decompressReader(suffix, src)
	if err != nil {
		return "", err
	}
	defer r.Close()

	dest := filepath.Join(dir, name)
	if err := d.copyTo(dest, r, mapped); err != nil {
		return "", err
	}
	return dest, nil
}

// TempDir creates a scratch directory, registering it for Cleanup when
// removeOnExit is set.
func (d *Downloader) TempDir(removeOnExit bool) (string, error) {
	if d.cfg.ScratchDir != "" {
		if err := os.MkdirAll(d.cfg.ScratchDir, 0o755); err != nil {
			return "", fmt.Errorf("failed to create scratch dir: %w", err)
		}
	}
	dir, err := os.MkdirTemp(d.cfg.ScratchDir, "devicelab-")
	if err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}
	if removeOnExit {
		d.mu.Lock()
		d.cleanup = append(d.cleanup, dir)
		d.mu.Unlock()
	}
	return dir, nil
}

// Cleanup removes every temporary dir registered so far.
func (d *Downloader) Cleanup() {
	d.mu.Lock()
	dirs := d.cleanup
	d.cleanup = nil
	d.mu.Unlock()

	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			d.log.Warn().Err(err).Str("dir", dir).Msg("failed to remove download dir")
		}
	}
}

func (d *Downloader) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", u.Path, err)
		}
		return f, nil
	case "http", "https":
		return d.openHTTP(ctx, u)
	case "scp":
		if d.host == nil {
			return nil, fmt.Errorf("scp download of %s needs a host commander", u)
		}
		return d.host.Stream(ctx, "ssh", u.Host, "cat", u.Path)
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

func (d *Downloader) openHTTP(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", u, err)
	}
	if d.cfg.Cookies != "" {
		req.Header.Set("Cookie", d.cfg.Cookies)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", u, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("failed to fetch %s: %s", u, resp.Status)
	}
	return resp.Body, nil
}

func (d *Downloader) copyTo(dest string, r io.Reader, source string) (err error) {
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close %s: %w", dest, cerr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	progress := rate.Sometimes{Interval: 5 * time.Second}
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("failed to write %s: %w", dest, werr)
			}
			total += int64(n)
			progress.Do(func() {
				d.log.Debug().Str("url", source).Int64("bytes", total).Msg("download progress")
			})
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("failed to read %s: %w", source, rerr)
		}
	}
	d.log.Info().Str("path", dest).Int64("bytes", total).Msg("download complete")
	return nil
}
