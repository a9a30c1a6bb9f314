package action

import (
	"context"
	"time"

	"github.com/sourceplane/devicelab/internal/model"
)

type bootAction struct{ base }

func newBoot(b base) Action { return &bootAction{b} }

func (a *bootAction) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	t.SetBootOptions(p.Strings("options"))
	stream, err := t.PowerOn(ctx)
	if err != nil {
		if model.IsCritical(err) {
			return err
		}
		return model.Critical("failed to boot test image", err)
	}
	a.c.SetConsole(stream)
	if version := t.DeviceVersion(ctx); version != "" {
		a.c.SetMetadata("target.device_version", version)
	}
	return nil
}

type shellCommand struct{ base }

func newShellCommand(b base) Action { return &shellCommand{b} }

func (a *shellCommand) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	runner := t.Runner()
	if runner == nil {
		return model.Criticalf("no console session, a boot action must run first")
	}
	timeout := time.Duration(p.Int("timeout", 0)) * time.Second
	_, err = runner.Run(p.String("cmd"), p.String("response"), timeout, p.Bool("fail_ok"))
	return err
}

type extractTarball struct{ base }

func newExtractTarball(b base) Action { return &extractTarball{b} }

func (a *extractTarball) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	return t.ExtractTarball(ctx, p.String("url"), p.Int("partition", 0), p.StringOr("directory", "/"))
}
