package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/model"
)

const (
	fastbootPollInterval = 5 * time.Second
	fastbootSettleDelay  = 10 * time.Second
	hostCommandTimeout   = 600
)

// Nexus is a USB attached phone flashed with fastboot and driven over adb.
type Nexus struct {
	Base
	workDir string
}

func NewNexus(cfg *model.DeviceConfig, env Env) *Nexus {
	n := &Nexus{Base: newBase(cfg, env)}
	if cfg.HardResetCommand == "" {
		n.log.Warn().Msg("hard_reset_command is not set, a hung device cannot be recovered")
	}
	return n
}

func (n *Nexus) hostCommand(ctx context.Context, tool, args string) error {
	cmd := fmt.Sprintf("timeout %ds %s %s", hostCommandTimeout, tool, args)
	_, err := host.Check(ctx, n.env.Host, cmd)
	return err
}

func (n *Nexus) fastboot(ctx context.Context, args string) error {
	return n.hostCommand(ctx, n.cfg.FastbootCommand, args)
}

func (n *Nexus) adb(ctx context.Context, args string) error {
	return n.hostCommand(ctx, n.cfg.AdbCommand, args)
}

func (n *Nexus) inFastboot(ctx context.Context) bool {
	_, err := host.Check(ctx, n.env.Host, fmt.Sprintf("timeout 2s %s getvar all", n.cfg.FastbootCommand))
	return err == nil
}

// enterFastboot puts the phone in fastboot mode, asking nicely over adb
// first and power cycling it if that does not work.
func (n *Nexus) enterFastboot(ctx context.Context) error {
	if n.inFastboot(ctx) {
		n.log.Debug().Msg("device already in fastboot")
		return nil
	}
	return n.BootWithRecovery(ctx, Rebooter{
		SoftReboot: func(ctx context.Context) error {
			return n.adb(ctx, "reboot bootloader")
		},
		HardReboot: func(ctx context.Context) error {
			if n.cfg.HardResetCommand == "" {
				return fmt.Errorf("hard_reset_command not configured, reset the device manually")
			}
			return n.HardReboot(ctx, nil)
		},
		WaitForBoot: n.waitForFastboot,
	})
}

func (n *Nexus) waitForFastboot(ctx context.Context) error {
	deadline := n.env.Clock.Now().Add(n.cfg.BootTimeout)
	for {
		if n.inFastboot(ctx) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !n.env.Clock.Now().Before(deadline) {
			return fmt.Errorf("device did not enter fastboot within %s", n.cfg.BootTimeout)
		}
		n.env.Clock.Sleep(fastbootPollInterval)
	}
}

func (n *Nexus) workingDir() (string, error) {
	if n.workDir != "" {
		return n.workDir, nil
	}
	if strings.TrimSpace(n.cfg.WorkingDirectory) == "" {
		dir, err := n.env.Fetcher.TempDir(true)
		if err != nil {
			return "", err
		}
		n.workDir = dir
		return dir, nil
	}
	if err := os.MkdirAll(n.cfg.WorkingDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	dir, err := os.MkdirTemp(n.cfg.WorkingDirectory, "devicelab-")
	if err != nil {
		return "", fmt.Errorf("failed to create working directory: %w", err)
	}
	n.workDir = dir
	return dir, nil
}

func (n *Nexus) DeployAndroid(ctx context.Context, d AndroidDeploy) error {
	dir, err := n.workingDir()
	if err != nil {
		return err
	}
	var boot, system, userdata string
	for _, img := range []struct {
		url  string
		path *string
	}{{d.Boot, &boot}, {d.System, &system}, {d.Data, &userdata}} {
		if *img.path, err = n.env.Fetcher.Download(ctx, img.url, downloadRawIn(dir)); err != nil {
			return err
		}
	}

	if err := n.enterFastboot(ctx); err != nil {
		return err
	}
	for _, args := range []string{
		"erase boot",
		"flash system " + shellQuote(system),
		"flash userdata " + shellQuote(userdata),
	} {
		if err := n.fastboot(ctx, args); err != nil {
			return err
		}
	}

	if err := n.setDeployment(model.ImageAndroid); err != nil {
		return err
	}
	n.deployment.BootImage = boot
	return nil
}

func (n *Nexus) PowerOn(ctx context.Context) (console.Stream, error) {
	if n.deployment == nil || n.deployment.BootImage == "" {
		return nil, model.Criticalf("deploy action must run first")
	}
	if err := n.enterFastboot(ctx); err != nil {
		return nil, err
	}
	// an extra bootloader reboot stops the phone from entering charging mode
	if err := n.fastboot(ctx, "reboot"); err != nil {
		return nil, err
	}
	n.env.Clock.Sleep(fastbootSettleDelay)
	if err := n.fastboot(ctx, "boot "+shellQuote(n.deployment.BootImage)); err != nil {
		return nil, err
	}
	if err := n.adb(ctx, "wait-for-device"); err != nil {
		return nil, err
	}

	stream, err := n.env.Spawn(n.cfg.AdbCommand + " shell")
	if err != nil {
		return nil, fmt.Errorf("failed to open adb shell: %w", err)
	}
	n.stream = stream
	if err := n.EnterShell(ctx, stream); err != nil {
		return nil, err
	}
	return stream, nil
}

// PowerOff leaves the phone running and only closes the shell.
func (n *Nexus) PowerOff(ctx context.Context, stream console.Stream) error {
	return n.releaseConsole()
}

func (n *Nexus) partitionMountPoint(partition int) (string, error) {
	switch partition {
	case n.cfg.DataPartAndroid:
		return "/data", nil
	case n.cfg.SysPartAndroid:
		return "/system", nil
	}
	return "", model.Criticalf("partition %d is not accessible over adb", partition)
}

// FileSystem mirrors dir of a device partition on the host: pulled before
// fn runs and pushed back afterwards, even when fn fails.
func (n *Nexus) FileSystem(ctx context.Context, partition int, dir string, fn func(path string) error) (err error) {
	if !n.booted {
		if _, err := n.PowerOn(ctx); err != nil {
			return err
		}
	}
	mount, err := n.partitionMountPoint(partition)
	if err != nil {
		return err
	}
	work, err := n.workingDir()
	if err != nil {
		return err
	}

	hostDir := filepath.Join(work, "mnt", dir)
	targetDir := filepath.Join(mount, dir)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", hostDir, err)
	}
	if err := n.adb(ctx, fmt.Sprintf("pull %s %s", shellQuote(targetDir), shellQuote(hostDir))); err != nil {
		n.log.Warn().Err(err).Str("dir", targetDir).Msg("adb pull failed, starting from an empty mirror")
	}

	defer func() {
		if perr := n.adb(context.WithoutCancel(ctx), fmt.Sprintf("push %s %s", shellQuote(hostDir), shellQuote(targetDir))); perr != nil {
			err = errors.Join(err, perr)
		}
	}()
	return fn(hostDir)
}

func (n *Nexus) ExtractTarball(ctx context.Context, url string, partition int, dir string) error {
	return n.extractInto(ctx, n.FileSystem, url, partition, dir)
}

// DeviceVersion reports the adb version; fastboot has none.
func (n *Nexus) DeviceVersion(ctx context.Context) string {
	out, err := host.Check(ctx, n.env.Host, n.cfg.AdbCommand+" version")
	if err != nil {
		return "unknown"
	}
	line, _, _ := strings.Cut(out, "\n")
	if _, version, ok := strings.Cut(line, " version "); ok {
		return strings.TrimSpace(version)
	}
	return strings.TrimSpace(line)
}
