package fileserve

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestServeFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rootfs.tgz"), []byte("tarball"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	s, err := Start(dir, "127.0.0.1", zerolog.Nop())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Close(context.Background())

	resp, err := http.Get(s.URL("rootfs.tgz"))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "tarball" {
		t.Fatalf("body = %q, want %q", body, "tarball")
	}

	missing, err := http.Get(s.URL("absent.tgz"))
	if err != nil {
		t.Fatalf("GET missing error = %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing status = %d, want 404", missing.StatusCode)
	}
}

func TestCloseStopsServing(t *testing.T) {
	s, err := Start(t.TempDir(), "", zerolog.Nop())
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	target := s.URL("anything")
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if resp, err := http.Get(target); err == nil {
		resp.Body.Close()
		t.Fatal("GET after Close succeeded, want connection error")
	}
}
