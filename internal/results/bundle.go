package results

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sourceplane/devicelab/internal/model"
	"gopkg.in/yaml.v3"
)

// BundleFormat identifies the bundle layout to result collectors
const BundleFormat = "Dashboard Bundle Format 1.3"

const dateFormat = "2006-01-02T15:04:05Z"

// Bundle is the results document of one job
type Bundle struct {
	Format   string    `json:"format" yaml:"format"`
	TestRuns []TestRun `json:"test_runs" yaml:"test_runs"`
}

// TestRun holds the results of one job run on one device
type TestRun struct {
	TestID               string             `json:"test_id" yaml:"test_id"`
	AnalyzerAssignedUUID string             `json:"analyzer_assigned_uuid" yaml:"analyzer_assigned_uuid"`
	AnalyzerAssignedDate string             `json:"analyzer_assigned_date" yaml:"analyzer_assigned_date"`
	TimeCheckPerformed   bool               `json:"time_check_performed" yaml:"time_check_performed"`
	Attributes           map[string]string  `json:"attributes" yaml:"attributes"`
	TestResults          []model.Result     `json:"test_results" yaml:"test_results"`
	Attachments          []model.Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
}

// NewBundle creates a single run bundle. The slices and map are copied.
func NewBundle(testID string, now time.Time, attributes map[string]string, recorded []model.Result, attachments []model.Attachment) *Bundle {
	attrs := make(map[string]string, len(attributes))
	for k, v := range attributes {
		attrs[k] = v
	}
	run := TestRun{
		TestID:               testID,
		AnalyzerAssignedUUID: uuid.NewString(),
		AnalyzerAssignedDate: now.UTC().Format(dateFormat),
		Attributes:           attrs,
		TestResults:          append([]model.Result{}, recorded...),
		Attachments:          append([]model.Attachment(nil), attachments...),
	}
	return &Bundle{Format: BundleFormat, TestRuns: []TestRun{run}}
}

// RenderJSON renders bundle as JSON
func RenderJSON(b *Bundle) ([]byte, error) {
	return json.MarshalIndent(b, "", "  ")
}

// RenderYAML renders bundle as YAML
func RenderYAML(b *Bundle) ([]byte, error) {
	return yaml.Marshal(b)
}

// WriteBundle writes bundle to file (JSON or YAML based on extension)
func WriteBundle(b *Bundle, path string) error {
	var data []byte
	var err error

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err = RenderYAML(b)
	default:
		data, err = RenderJSON(b)
	}
	if err != nil {
		return fmt.Errorf("failed to render bundle: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write bundle to %s: %w", path, err)
	}
	return nil
}

// ReadBundle loads a bundle written by WriteBundle
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle %s: %w", path, err)
	}
	var b Bundle
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &b)
	default:
		err = json.Unmarshal(data, &b)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse bundle %s: %w", path, err)
	}
	return &b, nil
}

// Summary returns a human readable digest of the bundle
func Summary(b *Bundle) string {
	var sb strings.Builder
	for _, run := range b.TestRuns {
		counts := map[model.Status]int{}
		for _, r := range run.TestResults {
			counts[r.Status]++
		}
		fmt.Fprintf(&sb, "Run: %s (%s)\n", run.TestID, run.AnalyzerAssignedUUID)
		fmt.Fprintf(&sb, "  Results: %d pass, %d fail, %d error\n",
			counts[model.StatusPass], counts[model.StatusFail], counts[model.StatusError])
		for _, r := range run.TestResults {
			fmt.Fprintf(&sb, "  [%s] %s\n", r.Status, r.TestID)
		}

		keys := make([]string, 0, len(run.Attributes))
		for k := range run.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "  %s: %s\n", k, run.Attributes[k])
		}
	}
	return sb.String()
}
