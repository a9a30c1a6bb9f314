package schema

import (
	"encoding/json"
	"testing"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	return v
}

func decode(t *testing.T, doc string) interface{} {
	t.Helper()
	var out interface{}
	if err := json.Unmarshal([]byte(doc), &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestValidateJob(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "minimal",
			doc:  `{"timeout": 60, "actions": [{"command": "boot"}]}`,
		},
		{
			name: "extra top level keys",
			doc:  `{"timeout": 60, "health_check": true, "actions": [{"command": "boot", "parameters": {}, "metadata": {"a": "b"}}]}`,
		},
		{
			name:    "missing timeout",
			doc:     `{"actions": [{"command": "boot"}]}`,
			wantErr: true,
		},
		{
			name:    "fractional timeout",
			doc:     `{"timeout": 1.5, "actions": [{"command": "boot"}]}`,
			wantErr: true,
		},
		{
			name:    "unknown action key",
			doc:     `{"timeout": 60, "actions": [{"command": "boot", "retries": 3}]}`,
			wantErr: true,
		},
		{
			name:    "action without command",
			doc:     `{"timeout": 60, "actions": [{"parameters": {}}]}`,
			wantErr: true,
		},
		{
			name:    "no actions",
			doc:     `{"timeout": 60, "actions": []}`,
			wantErr: true,
		},
		{
			name:    "unknown image type",
			doc:     `{"timeout": 60, "image_type": "windows", "actions": [{"command": "boot"}]}`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateJob(decode(t, tt.doc))
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateJob() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateJobAcceptsYAMLIntegers(t *testing.T) {
	v := newValidator(t)
	doc := map[string]interface{}{
		"timeout": 900,
		"actions": []interface{}{map[string]interface{}{"command": "boot"}},
	}
	if err := v.ValidateJob(doc); err != nil {
		t.Fatalf("ValidateJob() error = %v", err)
	}
}

func TestValidateParameters(t *testing.T) {
	v := newValidator(t)
	tests := []struct {
		name    string
		command string
		params  string
		wantErr bool
	}{
		{name: "deploy image", command: "deploy_image", params: `{"image": "http://x/img.gz"}`},
		{name: "deploy image missing", command: "deploy_image", params: `{}`, wantErr: true},
		{name: "unknown key", command: "deploy_linaro_image", params: `{"image": "a", "colour": "red"}`, wantErr: true},
		{name: "boot without params", command: "boot", params: `null`},
		{name: "boot alias", command: "boot_linaro_android_image", params: `{"options": ["a=b"]}`},
		{name: "boot options type", command: "boot_linaro_image", params: `{"options": "a=b"}`, wantErr: true},
		{name: "dummy deploy enum", command: "dummy_deploy", params: `{"target_type": "windows"}`, wantErr: true},
		{name: "shell command", command: "run_shell_command", params: `{"cmd": "uname -a", "timeout": 30, "fail_ok": true}`},
		{name: "shell command timeout type", command: "run_shell_command", params: `{"cmd": "uname", "timeout": "30"}`, wantErr: true},
		{name: "tarball", command: "extract_tarball", params: `{"url": "http://x/t.tgz", "partition": 2, "directory": "/opt"}`},
		{name: "tarball partition", command: "extract_tarball", params: `{"url": "http://x/t.tgz"}`, wantErr: true},
		{name: "submit", command: "submit_results_on_host", params: `{"server": "http://lab/RPC2", "stream": "/anonymous/"}`},
		{name: "unknown command", command: "reticulate", params: `{}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var params map[string]interface{}
			if err := json.Unmarshal([]byte(tt.params), &params); err != nil {
				t.Fatal(err)
			}
			err := v.ValidateParameters(tt.command, params)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateParameters() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCommands(t *testing.T) {
	v := newValidator(t)
	got := v.Commands()
	if len(got) != 12 {
		t.Fatalf("Commands() = %q, want 12 commands", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("Commands() = %q, not sorted", got)
		}
	}
}
