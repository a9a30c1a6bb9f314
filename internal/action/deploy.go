package action

import (
	"context"
	"errors"

	"github.com/sourceplane/devicelab/internal/model"
	"github.com/sourceplane/devicelab/internal/target"
)

type deployImage struct{ base }

func newDeployImage(b base) Action { return &deployImage{b} }

func (a *deployImage) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	return t.DeployLinaroPrebuilt(ctx, p.String("image"), target.LinaroDeploy{
		RootfsType:     "ext4",
		BootloaderType: "u_boot",
	})
}

type deployLinaro struct{ base }

func newDeployLinaro(b base) Action { return &deployLinaro{b} }

func checkLinaroDeploy(p Params) error {
	image, hwpack, rootfs := p.String("image"), p.String("hwpack"), p.String("rootfs")
	switch {
	case hwpack != "" && rootfs == "":
		return errors.New("must specify rootfs when specifying hwpack")
	case image != "" && (hwpack != "" || rootfs != ""):
		return errors.New("cannot specify image and hwpack")
	case image == "" && hwpack == "":
		return errors.New("must specify image if not specifying a hwpack")
	}
	return nil
}

func (a *deployLinaro) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	d := target.LinaroDeploy{
		Image:          p.String("image"),
		Hwpack:         p.String("hwpack"),
		Rootfs:         p.String("rootfs"),
		RootfsType:     p.StringOr("rootfstype", "ext3"),
		BootloaderType: p.StringOr("bootloadertype", "u_boot"),
		Role:           p.String("role"),
	}
	if d.Image != "" {
		return t.DeployLinaroPrebuilt(ctx, d.Image, d)
	}
	return t.DeployLinaro(ctx, d)
}

type deployAndroid struct{ base }

func newDeployAndroid(b base) Action { return &deployAndroid{b} }

func (a *deployAndroid) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	return t.DeployAndroid(ctx, target.AndroidDeploy{
		Boot:       p.String("boot"),
		System:     p.String("system"),
		Data:       p.String("data"),
		RootfsType: p.StringOr("rootfstype", "ext4"),
	})
}

type deployKernel struct{ base }

func newDeployKernel(b base) Action { return &deployKernel{b} }

func (a *deployKernel) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	return t.DeployLinaroKernel(ctx, target.KernelDeploy{
		Kernel:         p.String("kernel"),
		Ramdisk:        p.String("ramdisk"),
		DTB:            p.String("dtb"),
		Rootfs:         p.String("rootfs"),
		Bootloader:     p.String("bootloader"),
		Firmware:       p.String("firmware"),
		RootfsType:     p.StringOr("rootfstype", "ext4"),
		BootloaderType: p.StringOr("bootloadertype", "u_boot"),
		Role:           p.String("role"),
	})
}

type dummyDeploy struct{ base }

func newDummyDeploy(b base) Action { return &dummyDeploy{b} }

func (a *dummyDeploy) Run(ctx context.Context, p Params) error {
	t, err := a.c.target()
	if err != nil {
		return err
	}
	return t.DummyDeploy(p.String("target_type"))
}

func (c *Context) target() (target.Target, error) {
	if c.Target == nil {
		return nil, model.Criticalf("no target configured for this job")
	}
	return c.Target, nil
}
