package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/fileserve"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/model"
)

const deviceHTTPServer = "python3 -m http.server 0 2>/dev/null"

// Board is an SD card booting development board with a known-good master
// image. Test images are written to the card from the master image.
type Board struct {
	Base
}

func NewBoard(cfg *model.DeviceConfig, env Env) *Board {
	return &Board{Base: newBase(cfg, env)}
}

func (b *Board) ensureConsole() error {
	if b.stream != nil {
		return nil
	}
	b.log.Info().Str("command", b.cfg.ConnectionCommand).Msg("connecting to console")
	stream, err := b.env.Spawn(b.cfg.ConnectionCommand)
	if err != nil {
		return model.Critical("failed to connect to the board console", err)
	}
	b.stream = stream
	return nil
}

func (b *Board) rebooter(wait func(ctx context.Context) error) Rebooter {
	return Rebooter{
		SoftReboot: func(ctx context.Context) error {
			return b.stream.SendLine(b.cfg.SoftBootCommand)
		},
		HardReboot: func(ctx context.Context) error {
			return b.HardReboot(ctx, b.stream)
		},
		WaitForBoot: wait,
	}
}

// bootMaster reboots into the master image and returns a runner bound to
// its shell.
func (b *Board) bootMaster(ctx context.Context) (*CommandRunner, error) {
	if err := b.ensureConsole(); err != nil {
		return nil, err
	}
	b.booted = false
	b.runner = nil
	err := b.BootWithRecovery(ctx, b.rebooter(func(ctx context.Context) error {
		_, err := b.stream.Expect([]string{b.cfg.MasterPrompt}, b.cfg.BootTimeout)
		return err
	}))
	if err != nil {
		return nil, err
	}
	b.log.Info().Msg("master image booted")
	return NewCommandRunner(b.stream, b.cfg.MasterPrompt, false, b.cfg.CommandTimeout, b.log), nil
}

// writeImage serves image from the host and writes it to the SD card.
func (b *Board) writeImage(ctx context.Context, image string) error {
	master, err := b.bootMaster(ctx)
	if err != nil {
		return err
	}
	srv, err := fileserve.Start(filepath.Dir(image), b.cfg.HostIP, b.log)
	if err != nil {
		return err
	}
	defer srv.Close(context.WithoutCancel(ctx))

	// the quotes keep the echoed command line from matching the response
	cmd := fmt.Sprintf(`wget -q -O - %s | dd of=%s bs=4M && sync && echo "devicelab-write-"ok`,
		srv.URL(filepath.Base(image)), b.cfg.SDCardDevice)
	if _, err := master.Run(cmd, "devicelab-write-ok", b.cfg.BootTimeout, false); err != nil {
		return model.Critical("failed to write image to the SD card", err)
	}
	return nil
}

func (b *Board) deployImage(ctx context.Context, image string, detect func() error) error {
	if err := detect(); err != nil {
		return err
	}
	if err := b.writeImage(ctx, image); err != nil {
		b.deployment = nil
		return err
	}
	return nil
}

func (b *Board) DeployLinaroPrebuilt(ctx context.Context, image string, d LinaroDeploy) error {
	local, err := b.env.Fetcher.Download(ctx, image, downloadImage())
	if err != nil {
		return err
	}
	return b.deployImage(ctx, local, func() error { return b.customizeLinux(ctx, local) })
}

func (b *Board) DeployLinaro(ctx context.Context, d LinaroDeploy) error {
	if d.Image != "" {
		return b.DeployLinaroPrebuilt(ctx, d.Image, d)
	}
	outdir, err := b.env.Fetcher.TempDir(true)
	if err != nil {
		return err
	}
	bootloader := d.BootloaderType
	if bootloader == "" {
		bootloader = "u_boot"
	}
	image, err := b.mediaCreator().LinuxImage(ctx, b.cfg.LMCDevArg, d.Hwpack, d.Rootfs, outdir, bootloader, d.RootfsType, b.cfg.ImageSize)
	if err != nil {
		return err
	}
	return b.deployImage(ctx, image, func() error { return b.customizeLinux(ctx, image) })
}

func (b *Board) DeployAndroid(ctx context.Context, d AndroidDeploy) error {
	outdir, err := b.env.Fetcher.TempDir(true)
	if err != nil {
		return err
	}
	var parts [3]string
	for i, url := range []string{d.Boot, d.Data, d.System} {
		if parts[i], err = b.env.Fetcher.Download(ctx, url, downloadRawIn(outdir)); err != nil {
			return err
		}
	}
	image := filepath.Join(outdir, "android.img")
	if err := b.mediaCreator().AndroidImage(ctx, b.cfg.LMCDevArg, parts[0], parts[1], parts[2], image, b.cfg.ImageSize); err != nil {
		return err
	}
	return b.deployImage(ctx, image, func() error { return b.setDeployment(model.ImageAndroid) })
}

// bootTestImage interrupts the bootloader and sends the configured boot
// commands, then waits for the kernel to start.
func (b *Board) bootTestImage(ctx context.Context) error {
	s := b.stream
	if _, err := s.Expect([]string{b.cfg.InterruptBootPrompt}, b.cfg.BootTimeout); err != nil {
		return fmt.Errorf("bootloader did not offer to stop autoboot: %w", err)
	}
	if err := s.SendLine(b.cfg.InterruptBootCommand); err != nil {
		return err
	}
	if _, err := s.Expect([]string{b.cfg.BootloaderPrompt}, b.cfg.ShellTimeout); err != nil {
		return fmt.Errorf("bootloader prompt not found: %w", err)
	}

	cmds := b.cfg.BootCommands
	if b.deployment.ImageType == model.ImageAndroid && len(b.cfg.BootCommandsAndroid) > 0 {
		cmds = b.cfg.BootCommandsAndroid
	}
	for i, cmd := range cmds {
		if err := s.SendLine(cmd); err != nil {
			return err
		}
		if i == len(cmds)-1 {
			break
		}
		if _, err := s.Expect([]string{b.cfg.BootloaderPrompt}, b.cfg.ShellTimeout); err != nil {
			return fmt.Errorf("bootloader command %q did not return: %w", cmd, err)
		}
	}
	return b.WaitForMarker(s)
}

func (b *Board) PowerOn(ctx context.Context) (console.Stream, error) {
	if err := b.requireDeployment(); err != nil {
		return nil, err
	}
	if err := b.ensureConsole(); err != nil {
		return nil, err
	}
	b.booted = false
	if err := b.BootWithRecovery(ctx, b.rebooter(b.bootTestImage)); err != nil {
		return nil, err
	}
	if err := b.EnterShell(ctx, b.stream); err != nil {
		return nil, err
	}
	return b.stream, nil
}

// PowerOff closes the console connection. The board itself keeps running
// until the next deploy or boot reconnects and reboots it.
func (b *Board) PowerOff(ctx context.Context, stream console.Stream) error {
	return b.releaseConsole()
}

// FileSystem copies dir off the running test image over the network,
// hands a local copy to fn and pushes the result back.
func (b *Board) FileSystem(ctx context.Context, partition int, dir string, fn func(path string) error) (err error) {
	if !b.booted {
		if _, err := b.PowerOn(ctx); err != nil {
			return err
		}
	}
	runner := b.runner
	targetDir := path.Join("/", dir)
	parent, name := path.Split(targetDir)
	if name == "" {
		return model.Criticalf("cannot access the root directory of a running board")
	}

	for _, cmd := range []string{
		"mkdir -p " + shellQuote(targetDir),
		fmt.Sprintf("tar -czf /tmp/fs.tgz -C %s %s", shellQuote(parent), shellQuote(name)),
		"cd /tmp",
	} {
		if _, err := runner.Run(cmd, "", 0, false); err != nil {
			return err
		}
	}
	ip, err := runner.TargetIP()
	if err != nil {
		return err
	}

	work, err := os.MkdirTemp(b.env.ScratchDir, "fs-")
	if err != nil {
		return fmt.Errorf("failed to create file system mirror: %w", err)
	}
	defer os.RemoveAll(work)
	mirror := filepath.Join(work, "mirror")
	if err := os.Mkdir(mirror, 0o755); err != nil {
		return fmt.Errorf("failed to create file system mirror: %w", err)
	}

	tarball, err := b.fetchFromDevice(ctx, ip, work)
	if err != nil {
		return err
	}
	if _, err := host.Check(ctx, b.env.Host, fmt.Sprintf("tar -C %s -xzf %s", shellQuote(mirror), shellQuote(tarball))); err != nil {
		return err
	}

	defer func() {
		if perr := b.pushToDevice(context.WithoutCancel(ctx), mirror, parent, targetDir); perr != nil {
			err = errors.Join(err, perr)
		}
	}()
	return fn(filepath.Join(mirror, name))
}

// fetchFromDevice starts an HTTP server on the device and downloads
// /tmp/fs.tgz from it into dir.
func (b *Board) fetchFromDevice(ctx context.Context, ip, dir string) (string, error) {
	s := b.stream
	if err := s.SendLine(deviceHTTPServer); err != nil {
		return "", err
	}
	defer func() {
		s.SendControl('c')
		if _, err := s.Expect([]string{b.deployment.TesterPS1Pattern}, b.cfg.ShellTimeout); err != nil {
			b.log.Warn().Err(err).Msg("prompt did not return after stopping the device HTTP server")
		}
	}()

	m, err := s.Expect([]string{b.cfg.DeviceHTTPServePrompt}, b.cfg.ShellTimeout)
	if err != nil || len(m.Groups) == 0 {
		return "", model.Critical("unable to start HTTP server on the device", err)
	}
	url := fmt.Sprintf("http://%s:%s/fs.tgz", ip, m.Groups[0])
	b.log.Info().Str("url", url).Msg("fetching file system from device")
	return b.env.Fetcher.DownloadWithRetry(ctx, dir, url, false, 0)
}

// pushToDevice repacks the mirror and extracts it over targetDir.
func (b *Board) pushToDevice(ctx context.Context, work, parent, targetDir string) error {
	outdir, err := os.MkdirTemp(b.env.ScratchDir, "push-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(outdir)

	tarball := filepath.Join(outdir, "fs.tgz")
	if _, err := host.Check(ctx, b.env.Host, fmt.Sprintf("tar -czf %s -C %s .", shellQuote(tarball), shellQuote(work))); err != nil {
		return err
	}
	srv, err := fileserve.Start(outdir, b.cfg.HostIP, b.log)
	if err != nil {
		return err
	}
	defer srv.Close(ctx)

	for _, cmd := range []string{
		"rm -rf " + shellQuote(targetDir),
		fmt.Sprintf("wget -q -O - %s | tar -C %s -xzf -", srv.URL("fs.tgz"), shellQuote(strings.TrimSuffix(parent, "/")+"/")),
	} {
		if _, err := b.runner.Run(cmd, "", 0, false); err != nil {
			return err
		}
	}
	return nil
}

func (b *Board) ExtractTarball(ctx context.Context, url string, partition int, dir string) error {
	return b.extractInto(ctx, b.FileSystem, url, partition, dir)
}

func (b *Board) DeviceVersion(ctx context.Context) string {
	if b.runner == nil {
		return "unknown"
	}
	out, err := b.runner.Run("uname -r", "", 0, false)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(lastLine(out.Text))
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return lines[len(lines)-1]
}
