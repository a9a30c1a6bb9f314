// Package loader reads job files and the dispatcher's configuration
// directory.
package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourceplane/devicelab/internal/model"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// LoadJob loads a job file. YAML is used for .yaml and .yml files;
// everything else is read as JSON with comments allowed.
func LoadJob(path string) (*model.Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	job, err := ParseJob(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return job, nil
}

// ParseJob decodes a job in the format implied by ext. The raw document
// is kept on the job for schema validation.
func ParseJob(data []byte, ext string) (*model.Job, error) {
	var job model.Job
	var doc interface{}

	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse job YAML: %w", err)
		}
		if err := yaml.Unmarshal(data, &job); err != nil {
			return nil, fmt.Errorf("failed to parse job YAML: %w", err)
		}
	default:
		plain := jsonc.ToJSON(data)
		if err := decodeJSON(plain, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse job JSON: %w", err)
		}
		if err := decodeJSON(plain, &job); err != nil {
			return nil, fmt.Errorf("failed to parse job JSON: %w", err)
		}
	}
	if doc == nil {
		return nil, fmt.Errorf("job file is empty")
	}

	job.Document = doc
	return &job, nil
}

// decodeJSON keeps numbers as json.Number so integer parameters survive
// untouched.
func decodeJSON(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}
