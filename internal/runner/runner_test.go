package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/action"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/model"
	"github.com/sourceplane/devicelab/internal/results"
	"github.com/sourceplane/devicelab/internal/schema"
	"github.com/sourceplane/devicelab/internal/target"
)

const (
	testerPrompt = "linaro-test [rc=0]# "
	bootScript   = "Booting Linux\nStarting kernel ...\nroot@linaro:~# \n" + testerPrompt
)

type fakeHost struct{}

func (fakeHost) Run(ctx context.Context, command string) (string, int, error) { return "", 0, nil }

func (fakeHost) Stream(ctx context.Context, argv ...string) (io.ReadCloser, error) {
	return nil, errors.New("not supported")
}

type fakeFetcher struct{ dir string }

func (f *fakeFetcher) Download(ctx context.Context, rawURL string, opts download.Options) (string, error) {
	path := filepath.Join(f.dir, filepath.Base(rawURL))
	return path, os.WriteFile(path, []byte(rawURL), 0o644)
}

func (f *fakeFetcher) DownloadWithRetry(ctx context.Context, dir, rawURL string, decompress bool, budget time.Duration) (string, error) {
	return f.Download(ctx, rawURL, download.Options{})
}

func (f *fakeFetcher) TempDir(removeOnExit bool) (string, error) {
	return os.MkdirTemp(f.dir, "tmp-")
}

type dirMounter struct{ root string }

func (m dirMounter) Mount(ctx context.Context, image string, partition int) (string, func() error, error) {
	dir := filepath.Join(m.root, filepath.Base(image), fmt.Sprint(partition))
	return dir, func() error { return nil }, os.MkdirAll(dir, 0o755)
}

type spawner struct {
	script  string
	spawned int
	closed  int
	input   bytes.Buffer
}

func (s *spawner) spawn(command string) (console.Stream, error) {
	s.spawned++
	closer := func() error {
		s.closed++
		return nil
	}
	return console.New(strings.NewReader(s.script), &s.input, closer, console.Options{}), nil
}

type countingSubmitter struct {
	calls  int
	bundle *results.Bundle
	err    error
}

func (s *countingSubmitter) Submit(ctx context.Context, b *results.Bundle, dest results.Destination) (string, error) {
	s.calls++
	s.bundle = b
	return "memory://bundle", s.err
}

type rig struct {
	ctx       *action.Context
	spawner   *spawner
	submitter *countingSubmitter
	runner    *Runner
	stdout    *bytes.Buffer
}

func newRig(t *testing.T, job *model.Job, script string) *rig {
	t.Helper()
	cfg := &model.DeviceConfig{
		Hostname:       "qemu01",
		DeviceType:     "qemu",
		Class:          model.ClassQEMU,
		BootTimeout:    time.Second,
		ShellTimeout:   time.Second,
		CommandTimeout: time.Second,
	}
	cfg.ApplyDefaults()

	r := &rig{
		spawner:   &spawner{script: script},
		submitter: &countingSubmitter{},
		stdout:    &bytes.Buffer{},
	}
	c := action.NewContext(job, nil, zerolog.Nop())
	scratch := t.TempDir()
	tgt, err := target.New(cfg, target.Env{
		Fetcher:    &fakeFetcher{dir: scratch},
		Host:       fakeHost{},
		Mounter:    dirMounter{root: t.TempDir()},
		Spawn:      r.spawner.spawn,
		Clock:      clock.Fake(time.Unix(0, 0)),
		Logger:     zerolog.Nop(),
		ScratchDir: scratch,
		Metadata:   c.SetMetadata,
	})
	if err != nil {
		t.Fatalf("target.New() error = %v", err)
	}
	c.Target = tgt
	c.Submitter = r.submitter
	r.ctx = c

	v, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	r.runner = NewRunner(v, r.stdout, false, zerolog.Nop())
	return r
}

func statuses(c *action.Context) []model.Status {
	var out []model.Status
	for _, r := range c.Results() {
		out = append(out, r.Status)
	}
	return out
}

func equalStatuses(got []model.Status, want ...model.Status) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func step(command string, params map[string]interface{}) model.ActionSpec {
	return model.ActionSpec{Command: command, Parameters: params}
}

func TestRunDeployBootCommand(t *testing.T) {
	job := &model.Job{
		Target:  "qemu01",
		Timeout: 600,
		Actions: []model.ActionSpec{
			step("deploy_image", map[string]interface{}{"image": "root.img"}),
			step("boot", nil),
			step("run_shell_command", map[string]interface{}{"cmd": "echo hi", "response": "hi"}),
		},
	}
	r := newRig(t, job, bootScript+"\necho hi\nhi\n"+testerPrompt)

	if err := r.runner.Run(context.Background(), r.ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := statuses(r.ctx); !equalStatuses(got, model.StatusPass, model.StatusPass, model.StatusPass) {
		t.Errorf("statuses = %v, want [pass pass pass]", got)
	}
	if r.spawner.spawned != 1 {
		t.Errorf("console sessions = %d, want 1", r.spawner.spawned)
	}
	if !strings.Contains(r.spawner.input.String(), "echo hi\n") {
		t.Errorf("console input = %q, want the command", r.spawner.input.String())
	}
	if r.submitter.calls != 0 {
		t.Errorf("submissions = %d, want 0 without a submit action", r.submitter.calls)
	}
	if r.spawner.closed != 1 {
		t.Errorf("console closed %d times, want 1 at job end", r.spawner.closed)
	}
	if r.ctx.Console() != nil {
		t.Error("Console() still set after the job")
	}
	if r.ctx.JobStatus() != model.StatusPass {
		t.Errorf("JobStatus() = %q, want pass", r.ctx.JobStatus())
	}
	md := r.ctx.Metadata()
	if md["target.hostname"] != "qemu01" {
		t.Errorf("target.hostname = %q, want %q", md["target.hostname"], "qemu01")
	}
}

func TestRunBootWithoutDeploy(t *testing.T) {
	job := &model.Job{
		Timeout: 60,
		Actions: []model.ActionSpec{
			step("boot", nil),
			step("run_shell_command", map[string]interface{}{"cmd": "true"}),
			step("submit_results", map[string]interface{}{"stream": "/anonymous/"}),
		},
	}
	r := newRig(t, job, bootScript)

	err := r.runner.Run(context.Background(), r.ctx)
	if !model.IsCritical(err) {
		t.Fatalf("Run() error = %v, want critical", err)
	}
	if r.spawner.spawned != 0 {
		t.Errorf("console sessions = %d, want 0", r.spawner.spawned)
	}
	if got := statuses(r.ctx); !equalStatuses(got, model.StatusFail) {
		t.Errorf("statuses = %v, want [fail]", got)
	}
	if r.submitter.calls != 1 {
		t.Fatalf("submissions = %d, want 1", r.submitter.calls)
	}
	if got := r.submitter.bundle.TestRuns[0].Attributes["job.status"]; got != "fail" {
		t.Errorf("job.status = %q, want fail", got)
	}
	if !strings.Contains(string(r.ctx.Transcript.Bytes()), "failed at action boot") {
		t.Errorf("transcript = %q, want the failure", r.ctx.Transcript.Bytes())
	}
}

func TestRunRecoverableFailureContinues(t *testing.T) {
	job := &model.Job{
		Timeout: 60,
		Actions: []model.ActionSpec{
			step("dummy_deploy", map[string]interface{}{"target_type": "ubuntu"}),
			step("boot", nil),
			step("run_shell_command", map[string]interface{}{"cmd": "false"}),
			step("run_shell_command", map[string]interface{}{"cmd": "true"}),
			step("submit_results", nil),
		},
	}
	script := bootScript + "\nfalse\nlinaro-test [rc=1]# \ntrue\n" + testerPrompt
	r := newRig(t, job, script)

	if err := r.runner.Run(context.Background(), r.ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []model.Status{model.StatusPass, model.StatusPass, model.StatusFail, model.StatusPass}
	if got := statuses(r.ctx); !equalStatuses(got, want...) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if r.submitter.calls != 1 {
		t.Errorf("submissions = %d, want 1", r.submitter.calls)
	}
	if got := len(r.submitter.bundle.TestRuns[0].TestResults); got != 4 {
		t.Errorf("submitted results = %d, want 4", got)
	}
	failed := r.ctx.Results()[2].Message
	for _, want := range []string{"failed at action run_shell_command", "error chain:", "*model.GeneralError"} {
		if !strings.Contains(failed, want) {
			t.Errorf("failure message = %q, missing %q", failed, want)
		}
	}
	if r.spawner.closed != 1 {
		t.Errorf("console closed %d times, want 1 at job end", r.spawner.closed)
	}
}

// closeOrder records whether the console was still open at submission.
type closeOrder struct {
	*countingSubmitter
	spawner      *spawner
	openAtSubmit bool
}

func (s *closeOrder) Submit(ctx context.Context, b *results.Bundle, dest results.Destination) (string, error) {
	s.openAtSubmit = s.spawner.closed == 0
	return s.countingSubmitter.Submit(ctx, b, dest)
}

func TestRunPowersOffAfterCriticalFailure(t *testing.T) {
	job := &model.Job{
		Timeout: 60,
		Actions: []model.ActionSpec{
			step("dummy_deploy", map[string]interface{}{"target_type": "ubuntu"}),
			step("boot", nil),
			step("run_shell_command", map[string]interface{}{"cmd": "ls"}),
			step("submit_results", nil),
		},
	}
	// the console ends before the prompt returns, which aborts the job
	r := newRig(t, job, bootScript+"\nls\n")
	order := &closeOrder{countingSubmitter: r.submitter, spawner: r.spawner}
	r.ctx.Submitter = order

	if err := r.runner.Run(context.Background(), r.ctx); err == nil {
		t.Fatal("Run() error = nil, want the command failure")
	}
	if !order.openAtSubmit {
		t.Error("console closed before results were submitted")
	}
	if r.spawner.closed != 1 {
		t.Errorf("console closed %d times, want 1", r.spawner.closed)
	}
}

func TestErrorTrace(t *testing.T) {
	err := fmt.Errorf("action boot failed: %w", model.Critical("no prompt", console.ErrTimeout))
	got := errorTrace(err)
	lines := strings.Split(strings.TrimSpace(got), "\n")
	if len(lines) != 4 {
		t.Fatalf("errorTrace() = %q, want header and three errors", got)
	}
	if !strings.Contains(lines[2], "*model.CriticalError") {
		t.Errorf("line 2 = %q, want the critical error", lines[2])
	}
}

// panicTarget panics on every operation but Attachments through its nil
// embedded Target.
type panicTarget struct{ target.Target }

func (panicTarget) Attachments() []model.Attachment { return nil }

func (panicTarget) PowerOff(ctx context.Context, stream console.Stream) error { return nil }

func TestRunRecoversPanics(t *testing.T) {
	job := &model.Job{
		Timeout: 60,
		Actions: []model.ActionSpec{
			step("deploy_image", map[string]interface{}{"image": "root.img"}),
			step("boot", nil),
			step("submit_results", nil),
		},
	}
	r := newRig(t, job, "")
	r.ctx.Target = panicTarget{}

	err := r.runner.Run(context.Background(), r.ctx)
	if err == nil || !strings.Contains(err.Error(), "panicked") {
		t.Fatalf("Run() error = %v, want panic error", err)
	}
	if got := statuses(r.ctx); !equalStatuses(got, model.StatusFail) {
		t.Errorf("statuses = %v, want [fail]", got)
	}
	if r.submitter.calls != 1 {
		t.Errorf("submissions = %d, want 1", r.submitter.calls)
	}
}

func TestRunSubmissionErrors(t *testing.T) {
	t.Run("joined with action error", func(t *testing.T) {
		job := &model.Job{Timeout: 60, Actions: []model.ActionSpec{step("boot", nil), step("submit_results", nil)}}
		r := newRig(t, job, "")
		r.submitter.err = errors.New("server unreachable")

		err := r.runner.Run(context.Background(), r.ctx)
		if !model.IsCritical(err) {
			t.Errorf("Run() error = %v, want the critical boot error kept", err)
		}
		if err == nil || !strings.Contains(err.Error(), "server unreachable") {
			t.Errorf("Run() error = %v, want the submission error", err)
		}
	})

	t.Run("submission alone", func(t *testing.T) {
		job := &model.Job{Timeout: 60, Actions: []model.ActionSpec{
			step("dummy_deploy", map[string]interface{}{"target_type": "oe"}),
			step("submit_results_on_host", nil),
		}}
		r := newRig(t, job, "")
		r.submitter.err = errors.New("server unreachable")

		err := r.runner.Run(context.Background(), r.ctx)
		if err == nil || model.IsCritical(err) || !strings.Contains(err.Error(), "server unreachable") {
			t.Fatalf("Run() error = %v, want only the submission error", err)
		}
		if got := statuses(r.ctx); !equalStatuses(got, model.StatusPass) {
			t.Errorf("statuses = %v, want [pass]", got)
		}
	})
}

func TestRunCancelledStillSubmits(t *testing.T) {
	job := &model.Job{Timeout: 60, Actions: []model.ActionSpec{
		step("dummy_deploy", map[string]interface{}{"target_type": "oe"}),
		step("submit_results", nil),
	}}
	r := newRig(t, job, "")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.runner.Run(ctx, r.ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(r.ctx.Results()) != 0 {
		t.Errorf("results = %d, want 0", len(r.ctx.Results()))
	}
	if r.submitter.calls != 1 {
		t.Errorf("submissions = %d, want 1", r.submitter.calls)
	}
}

func TestRunDryRun(t *testing.T) {
	job := &model.Job{Timeout: 60, Actions: []model.ActionSpec{
		step("deploy_image", map[string]interface{}{"image": "root.img"}),
		step("boot", nil),
		step("submit_results", nil),
	}}
	r := newRig(t, job, bootScript)
	r.runner.DryRun = true

	if err := r.runner.Run(context.Background(), r.ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	out := r.stdout.String()
	for _, want := range []string{"→ Action 1/2 deploy_image", "→ Action 2/2 boot", "→ Deferred submit_results"} {
		if !strings.Contains(out, want) {
			t.Errorf("output = %q, missing %q", out, want)
		}
	}
	if r.spawner.spawned != 0 || r.submitter.calls != 0 || len(r.ctx.Results()) != 0 {
		t.Errorf("dry run touched the device: spawned=%d submissions=%d results=%d",
			r.spawner.spawned, r.submitter.calls, len(r.ctx.Results()))
	}
}

func TestValidate(t *testing.T) {
	v, err := schema.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}
	runner := NewRunner(v, nil, false, zerolog.Nop())

	tests := []struct {
		name    string
		actions []model.ActionSpec
		wantErr string
	}{
		{name: "valid", actions: []model.ActionSpec{step("boot", nil)}},
		{name: "unknown command", actions: []model.ActionSpec{step("format_disk", nil)}, wantErr: "unknown command"},
		{name: "unknown parameter", actions: []model.ActionSpec{step("boot", map[string]interface{}{"force": true})}, wantErr: "action 1"},
		{
			name:    "image and hwpack",
			actions: []model.ActionSpec{step("deploy_linaro_image", map[string]interface{}{"image": "a.img", "hwpack": "hw.tgz", "rootfs": "r.tgz"})},
			wantErr: "cannot specify image and hwpack",
		},
		{name: "no actions", actions: nil, wantErr: "actions"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runner.Validate(&model.Job{Timeout: 60, Actions: tt.actions})
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"general", model.Generalf("rc=1"), true},
		{"timeout", fmt.Errorf("waiting: %w", console.ErrTimeout), true},
		{"critical", model.Critical("boot failed", console.ErrTimeout), false},
		{"unexpected", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recoverable(tt.err); got != tt.want {
				t.Errorf("recoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnknownLoggingLevelOnlyWarns(t *testing.T) {
	job := &model.Job{Timeout: 60, LoggingLevel: "LOUD", Actions: []model.ActionSpec{
		step("dummy_deploy", map[string]interface{}{"target_type": "oe"}),
	}}
	r := newRig(t, job, "")
	if err := r.runner.Run(context.Background(), r.ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
