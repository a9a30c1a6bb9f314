package model

import (
	"strings"
	"time"
)

// SubmitResultsPrefix marks commands that are deferred to the end of a job
const SubmitResultsPrefix = "submit_results"

// Job is a parsed job description. It is immutable once loaded.
type Job struct {
	JobName      string       `yaml:"job_name,omitempty" json:"job_name,omitempty"`
	Target       string       `yaml:"target" json:"target"`
	Timeout      int          `yaml:"timeout" json:"timeout"`
	DeviceType   string       `yaml:"device_type,omitempty" json:"device_type,omitempty"`
	ImageType    string       `yaml:"image_type,omitempty" json:"image_type,omitempty"`
	LoggingLevel string       `yaml:"logging_level,omitempty" json:"logging_level,omitempty"`
	Actions      []ActionSpec `yaml:"actions" json:"actions"`

	// Document is the raw decoded job file, kept for schema validation.
	Document interface{} `yaml:"-" json:"-"`
}

// ActionSpec is one step of a job
type ActionSpec struct {
	Command    string                 `yaml:"command" json:"command"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// TimeoutDuration returns the job's global timeout.
func (j *Job) TimeoutDuration() time.Duration {
	return time.Duration(j.Timeout) * time.Second
}

// SplitSubmission separates a trailing results-submission action from the
// rest of the job. The returned slice is a copy; the job is not modified.
func (j *Job) SplitSubmission() ([]ActionSpec, *ActionSpec) {
	actions := make([]ActionSpec, len(j.Actions))
	copy(actions, j.Actions)
	if len(actions) == 0 {
		return actions, nil
	}
	last := actions[len(actions)-1]
	if !strings.HasPrefix(last.Command, SubmitResultsPrefix) {
		return actions, nil
	}
	return actions[:len(actions)-1], &last
}
