// Package runner executes jobs: it validates every action up front, runs
// them in order against the job's target and always records one result
// per executed action.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/action"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/model"
	"github.com/sourceplane/devicelab/internal/schema"
)

// Runner executes a validated job.
type Runner struct {
	Validator *schema.Validator
	Stdout    io.Writer
	DryRun    bool

	log zerolog.Logger
}

func NewRunner(validator *schema.Validator, stdout io.Writer, dryRun bool, logger zerolog.Logger) *Runner {
	if stdout == nil {
		stdout = io.Discard
	}
	return &Runner{
		Validator: validator,
		Stdout:    stdout,
		DryRun:    dryRun,
		log:       logger.With().Str("component", "runner").Logger(),
	}
}

// Validate checks the job document, every command name and every
// parameter set. Nothing touches a device until it passes.
func (r *Runner) Validate(job *model.Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	doc := job.Document
	if doc == nil {
		doc = job
	}
	if err := r.Validator.ValidateJob(doc); err != nil {
		return err
	}
	for i, spec := range job.Actions {
		cmd, ok := action.Lookup(spec.Command)
		if !ok {
			return fmt.Errorf("action %d: unknown command %q", i+1, spec.Command)
		}
		if err := r.Validator.ValidateParameters(spec.Command, spec.Parameters); err != nil {
			return fmt.Errorf("action %d: %w", i+1, err)
		}
		if cmd.Check != nil {
			if err := cmd.Check(action.Params(spec.Parameters)); err != nil {
				return fmt.Errorf("action %d (%s): %w", i+1, spec.Command, err)
			}
		}
	}
	return nil
}

// Run executes c.Job. Recoverable action failures are recorded and the
// job carries on; a critical or unexpected failure stops it with an
// error. A trailing submit_results action runs exactly once at the end,
// even when the job was aborted or its context cancelled.
func (r *Runner) Run(ctx context.Context, c *action.Context) (err error) {
	job := c.Job
	if err := r.Validate(job); err != nil {
		return err
	}
	r.setLoggingLevel(job.LoggingLevel)

	if job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, job.TimeoutDuration())
		defer cancel()
	}

	actions, submission := job.SplitSubmission()

	c.SetMetadata("target.hostname", job.Target)
	if job.DeviceType != "" {
		c.SetMetadata("target.device_type", job.DeviceType)
	}

	if r.DryRun {
		for i, spec := range actions {
			fmt.Fprintf(r.Stdout, "→ Action %d/%d %s %s\n", i+1, len(actions), spec.Command, formatParams(spec.Parameters))
		}
		if submission != nil {
			fmt.Fprintf(r.Stdout, "→ Deferred %s\n", submission.Command)
		}
		return nil
	}

	defer func() {
		if err != nil {
			c.SetJobStatus(model.StatusFail)
		}
		// power off after submission: attachments are read from the live target
		defer func() {
			if perr := r.powerOff(context.WithoutCancel(ctx), c); perr != nil {
				err = errors.Join(err, perr)
			}
		}()
		if submission == nil {
			return
		}
		subErr := r.submit(context.WithoutCancel(ctx), c, *submission)
		switch {
		case subErr == nil:
		case err != nil:
			err = errors.Join(err, subErr)
		default:
			err = subErr
		}
	}()

	for i, spec := range actions {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("job stopped before action %s: %w", spec.Command, ctxErr)
		}
		fmt.Fprintf(r.Stdout, "→ Action %d/%d %s\n", i+1, len(actions), spec.Command)
		r.log.Info().Str("command", spec.Command).Interface("parameters", spec.Parameters).
			Msg("[ACTION-B] action started")
		c.AddMetadata(spec.Metadata)

		cmd, _ := action.Lookup(spec.Command)
		act, params := cmd.New(c), action.Params(spec.Parameters)
		actErr := runAction(ctx, act, params)
		if actErr == nil {
			r.log.Info().Str("command", spec.Command).Msg("[ACTION-E] action finished successfully")
			c.AddResult(act.TestName(params), model.StatusPass, "")
			fmt.Fprintf(r.Stdout, "  ✓ %s\n", spec.Command)
			continue
		}

		msg := fmt.Sprintf("failed at action %s with error: %v\n%s", spec.Command, actErr, errorTrace(actErr))
		r.log.Warn().Err(actErr).Str("command", spec.Command).Msg("[ACTION-E] action finished with error")
		_, _ = io.WriteString(c.Transcript, msg)
		c.AddResult(act.TestName(params), model.StatusFail, msg)
		fmt.Fprintf(r.Stdout, "  ✗ %s\n", spec.Command)

		if recoverable(actErr) && ctx.Err() == nil {
			continue
		}
		return fmt.Errorf("action %s failed: %w", spec.Command, actErr)
	}
	return nil
}

func (r *Runner) submit(ctx context.Context, c *action.Context, spec model.ActionSpec) error {
	fmt.Fprintf(r.Stdout, "→ Action %s\n", spec.Command)
	r.log.Info().Str("command", spec.Command).Msg("[ACTION-B] submitting results")
	cmd, _ := action.Lookup(spec.Command)
	if err := runAction(ctx, cmd.New(c), action.Params(spec.Parameters)); err != nil {
		r.log.Error().Err(err).Str("command", spec.Command).Msg("[ACTION-E] result submission failed")
		return fmt.Errorf("%s failed: %w", spec.Command, err)
	}
	fmt.Fprintf(r.Stdout, "  ✓ %s\n", spec.Command)
	return nil
}

// powerOff releases the target's console and any processes behind it.
func (r *Runner) powerOff(ctx context.Context, c *action.Context) error {
	if c.Target == nil {
		return nil
	}
	if err := c.Target.PowerOff(ctx, c.Console()); err != nil {
		r.log.Warn().Err(err).Msg("failed to power off target")
		return fmt.Errorf("failed to power off target: %w", err)
	}
	c.SetConsole(nil)
	return nil
}

// runAction turns a panic inside an action into an unexpected error.
func runAction(ctx context.Context, a action.Action, params action.Params) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action panicked: %v\n%s", p, debug.Stack())
		}
	}()
	return a.Run(ctx, params)
}

// errorTrace lists the wrapped error chain of err, one error per line.
func errorTrace(err error) string {
	var b strings.Builder
	b.WriteString("error chain:\n")
	for e := err; e != nil; e = errors.Unwrap(e) {
		line, _, _ := strings.Cut(e.Error(), "\n")
		fmt.Fprintf(&b, "  %T: %s\n", e, line)
	}
	return b.String()
}

// recoverable reports whether a failed action lets the job continue.
func recoverable(err error) bool {
	if model.IsCritical(err) {
		return false
	}
	return model.IsGeneral(err) || errors.Is(err, console.ErrTimeout)
}

var logLevels = map[string]zerolog.Level{
	"CRITICAL": zerolog.FatalLevel,
	"ERROR":    zerolog.ErrorLevel,
	"WARNING":  zerolog.WarnLevel,
	"INFO":     zerolog.InfoLevel,
	"DEBUG":    zerolog.DebugLevel,
}

func (r *Runner) setLoggingLevel(level string) {
	if level == "" {
		return
	}
	l, ok := logLevels[strings.ToUpper(level)]
	if !ok {
		r.log.Warn().Str("level", level).
			Msg("unknown logging level in the job, allowed levels are CRITICAL, ERROR, WARNING, INFO or DEBUG")
		return
	}
	zerolog.SetGlobalLevel(l)
}

func formatParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return ""
	}
	return fmt.Sprint(params)
}
