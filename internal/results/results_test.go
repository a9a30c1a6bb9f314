package results

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/model"
)

func sampleBundle() *Bundle {
	recorded := []model.Result{
		{TestID: "deploy_image", UUID: "u1", Status: model.StatusPass},
		{TestID: "boot", UUID: "u2", Status: model.StatusFail, Message: "no prompt"},
		{TestID: "run_shell_command", UUID: "u3", Status: model.StatusPass},
	}
	attrs := map[string]string{"target.hostname": "dut01"}
	atts := []model.Attachment{{Pathname: "serial.log", MimeType: "text/plain", Content: []byte("boot\n")}}
	return NewBundle("devicelab", time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), attrs, recorded, atts)
}

func TestNewBundle(t *testing.T) {
	b := sampleBundle()
	if b.Format != BundleFormat {
		t.Errorf("Format = %q, want %q", b.Format, BundleFormat)
	}
	if len(b.TestRuns) != 1 {
		t.Fatalf("TestRuns = %d, want 1", len(b.TestRuns))
	}
	run := b.TestRuns[0]
	if run.AnalyzerAssignedDate != "2024-03-01T12:00:00Z" {
		t.Errorf("AnalyzerAssignedDate = %q", run.AnalyzerAssignedDate)
	}
	if run.AnalyzerAssignedUUID == "" {
		t.Error("AnalyzerAssignedUUID is empty")
	}
	if len(run.TestResults) != 3 {
		t.Errorf("TestResults = %d, want 3", len(run.TestResults))
	}
}

func TestWriteBundleFormats(t *testing.T) {
	for _, name := range []string{"bundle.json", "bundle.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "out", name)
			if err := WriteBundle(sampleBundle(), path); err != nil {
				t.Fatalf("WriteBundle() error = %v", err)
			}
			got, err := ReadBundle(path)
			if err != nil {
				t.Fatalf("ReadBundle() error = %v", err)
			}
			if n := len(got.TestRuns[0].TestResults); n != 3 {
				t.Errorf("test results = %d, want 3", n)
			}
			if got.TestRuns[0].TestResults[1].Message != "no prompt" {
				t.Errorf("message = %q, want %q", got.TestRuns[0].TestResults[1].Message, "no prompt")
			}
		})
	}
}

func TestSummary(t *testing.T) {
	out := Summary(sampleBundle())
	for _, want := range []string{"2 pass, 1 fail, 0 error", "[fail] boot", "target.hostname: dut01"} {
		if !strings.Contains(out, want) {
			t.Errorf("Summary() = %q, missing %q", out, want)
		}
	}
}

func TestFileSubmitter(t *testing.T) {
	dir := t.TempDir()
	r := NewSubmitter(dir, zerolog.Nop())
	b := sampleBundle()
	path, err := r.Submit(context.Background(), b, Destination{Stream: "/anonymous/lab/"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	want := filepath.Join(dir, "anonymous", "lab", b.TestRuns[0].AnalyzerAssignedUUID+".json")
	if path != want {
		t.Errorf("path = %q, want %q", path, want)
	}
	if _, err := ReadBundle(path); err != nil {
		t.Errorf("ReadBundle() error = %v", err)
	}
}

func TestFileSubmitterServerOverride(t *testing.T) {
	dir := t.TempDir()
	r := NewSubmitter("", zerolog.Nop())
	path, err := r.Submit(context.Background(), sampleBundle(), Destination{Server: "file://" + dir})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if filepath.Dir(path) != dir {
		t.Errorf("path = %q, want it in %q", path, dir)
	}
}

func TestStreamDirStaysInside(t *testing.T) {
	if got := streamDir("../../etc"); got != "etc" {
		t.Errorf("streamDir() = %q, want %q", got, "etc")
	}
}

func TestHTTPSubmitter(t *testing.T) {
	var gotAuth, gotStream string
	var gotResults int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, _ := io.ReadAll(r.Body)
		var sub submission
		if err := json.Unmarshal(body, &sub); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		gotStream = sub.Stream
		gotResults = len(sub.Bundle.TestRuns[0].TestResults)
		w.Header().Set("Location", "/bundles/1")
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	r := NewSubmitter("", zerolog.Nop())
	loc, err := r.Submit(context.Background(), sampleBundle(), Destination{Server: server.URL, Stream: "/anonymous/", Token: "s3cret"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if loc != "/bundles/1" {
		t.Errorf("location = %q, want %q", loc, "/bundles/1")
	}
	if gotAuth != "Bearer s3cret" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer s3cret")
	}
	if gotStream != "/anonymous/" || gotResults != 3 {
		t.Errorf("stream = %q results = %d", gotStream, gotResults)
	}
}

func TestHTTPSubmitterRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stream does not exist", http.StatusNotFound)
	}))
	defer server.Close()

	r := NewSubmitter("", zerolog.Nop())
	_, err := r.Submit(context.Background(), sampleBundle(), Destination{Server: server.URL})
	if err == nil || !strings.Contains(err.Error(), "stream does not exist") {
		t.Fatalf("Submit() error = %v, want server message", err)
	}
}
