package model

import "time"

// Status is the outcome of one executed action
type Status string

const (
	StatusPass  Status = "pass"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Result records the outcome of one action. Results are append-only and
// never modified after they are recorded.
type Result struct {
	TestID    string    `json:"test_case_id" yaml:"test_case_id"`
	UUID      string    `json:"uuid" yaml:"uuid"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	Status    Status    `json:"result" yaml:"result"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Attachment is a named blob attached to a results bundle.
type Attachment struct {
	Pathname string `json:"pathname" yaml:"pathname"`
	MimeType string `json:"mime_type" yaml:"mime_type"`
	Content  []byte `json:"content" yaml:"content"`
}
