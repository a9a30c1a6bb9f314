package target

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/model"
)

var versionNumber = regexp.MustCompile(`[0-9]+\.[0-9a-z.+\-:~]+`)

// QEMU is an emulated device. The emulator process is its console.
type QEMU struct {
	Base
	image   string
	options []string
}

func NewQEMU(cfg *model.DeviceConfig, env Env) *QEMU {
	return &QEMU{Base: newBase(cfg, env)}
}

func (q *QEMU) DeployLinaro(ctx context.Context, d LinaroDeploy) error {
	if d.Image != "" {
		return q.DeployLinaroPrebuilt(ctx, d.Image, d)
	}
	outdir, err := q.env.Fetcher.TempDir(true)
	if err != nil {
		return err
	}
	bootloader := d.BootloaderType
	if bootloader == "" {
		bootloader = "u_boot"
	}
	image, err := q.mediaCreator().LinuxImage(ctx, q.cfg.LMCDevArg, d.Hwpack, d.Rootfs, outdir, bootloader, d.RootfsType, q.cfg.ImageSize)
	if err != nil {
		return err
	}
	return q.useDisk(ctx, image)
}

func (q *QEMU) DeployLinaroPrebuilt(ctx context.Context, image string, d LinaroDeploy) error {
	path, err := q.env.Fetcher.Download(ctx, image, downloadImage())
	if err != nil {
		return err
	}
	return q.useDisk(ctx, path)
}

func (q *QEMU) DeployLinaroKernel(ctx context.Context, d KernelDeploy) error {
	if d.Rootfs == "" {
		return model.Criticalf("a QEMU file system image is required")
	}
	if d.Kernel == "" {
		return model.Criticalf("no kernel image to boot")
	}
	rootfs, err := q.env.Fetcher.Download(ctx, d.Rootfs, downloadImage())
	if err != nil {
		return err
	}
	if err := q.useDisk(ctx, rootfs); err != nil {
		return err
	}

	kernelArgs := "root=/dev/sda1 console=ttyS0,115200"
	fetch := func(url, flag string) error {
		if url == "" {
			return nil
		}
		path, err := q.env.Fetcher.Download(ctx, url, downloadImage())
		if err != nil {
			return err
		}
		q.options = append(q.options, flag, path)
		return nil
	}
	if err := fetch(d.Kernel, "-kernel"); err != nil {
		return err
	}
	if err := fetch(d.Ramdisk, "-initrd"); err != nil {
		return err
	}
	if err := fetch(d.DTB, "-dtb"); err != nil {
		return err
	}
	if err := fetch(d.Firmware, "-bios"); err != nil {
		return err
	}
	q.options = append(q.options, "-append", fmt.Sprintf("%q", kernelArgs))
	return nil
}

func (q *QEMU) useDisk(ctx context.Context, image string) error {
	if err := q.releaseConsole(); err != nil {
		q.log.Warn().Err(err).Msg("failed to stop qemu")
	}
	if err := q.customizeLinux(ctx, image); err != nil {
		return err
	}
	q.image = image
	q.options = []string{strings.ReplaceAll(q.cfg.QEMUOptions, "{DISK_IMAGE}", image)}
	return nil
}

func (q *QEMU) command() string {
	args := append(append([]string{q.cfg.QEMUBinary}, q.options...), q.bootOptions...)
	return strings.TrimSpace(strings.Join(args, " "))
}

// launch starts a fresh emulator on the current disk and boot options,
// stopping any running one first.
func (q *QEMU) launch() error {
	if err := q.releaseConsole(); err != nil {
		q.log.Warn().Err(err).Msg("failed to stop qemu")
	}
	cmd := q.command()
	q.log.Info().Str("command", cmd).Msg("launching qemu")
	stream, err := q.env.Spawn(cmd)
	if err != nil {
		return fmt.Errorf("failed to launch qemu: %w", err)
	}
	q.stream = stream
	return nil
}

func (q *QEMU) PowerOn(ctx context.Context) (console.Stream, error) {
	if err := q.requireDeployment(); err != nil {
		return nil, err
	}
	err := q.BootWithRecovery(ctx, Rebooter{
		SoftReboot: func(ctx context.Context) error {
			return q.launch()
		},
		HardReboot: func(ctx context.Context) error {
			return q.launch()
		},
		WaitForBoot: func(ctx context.Context) error {
			return q.WaitForMarker(q.stream)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := q.EnterShell(ctx, q.stream); err != nil {
		return nil, err
	}
	return q.stream, nil
}

func (q *QEMU) PowerOff(ctx context.Context, stream console.Stream) error {
	return q.releaseConsole()
}

func (q *QEMU) FileSystem(ctx context.Context, partition int, dir string, fn func(path string) error) error {
	return q.imageFileSystem(ctx, q.image, partition, dir, fn)
}

func (q *QEMU) ExtractTarball(ctx context.Context, url string, partition int, dir string) error {
	return q.extractInto(ctx, q.FileSystem, url, partition, dir)
}

func (q *QEMU) DeviceVersion(ctx context.Context) string {
	out, code, err := q.env.Host.Run(ctx, q.cfg.QEMUBinary+" --version")
	if err != nil || code != 0 {
		return "unknown"
	}
	matches := versionNumber.FindAllString(out, -1)
	if len(matches) == 0 {
		return "unknown"
	}
	return matches[len(matches)-1]
}
