package target

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/automaton"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/model"
)

// Base carries the state every device class shares. Variants embed it and
// override the deploy kinds they support.
type Base struct {
	cfg *model.DeviceConfig
	env Env
	log zerolog.Logger

	deployment  *model.DeploymentData
	bootOptions []string
	booted      bool
	stream      console.Stream
	runner      *CommandRunner
}

func newBase(cfg *model.DeviceConfig, env Env) Base {
	return Base{
		cfg: cfg,
		env: env,
		log: env.Logger.With().Str("component", "target").Str("device", cfg.Hostname).Logger(),
	}
}

// Rebooter supplies the device specific steps of BootWithRecovery.
type Rebooter struct {
	SoftReboot  func(ctx context.Context) error
	HardReboot  func(ctx context.Context) error
	WaitForBoot func(ctx context.Context) error
}

func (b *Base) Config() *model.DeviceConfig { return b.cfg }

// DeploymentData returns the data recorded by the last deploy, or nil.
func (b *Base) DeploymentData() *model.DeploymentData { return b.deployment }

func (b *Base) Runner() *CommandRunner { return b.runner }

func (b *Base) Attachments() []model.Attachment { return nil }

func (b *Base) DeployLinaro(ctx context.Context, d LinaroDeploy) error {
	return b.unsupported("deploy_linaro_image")
}

func (b *Base) DeployLinaroPrebuilt(ctx context.Context, image string, d LinaroDeploy) error {
	return b.unsupported("deploy_linaro_image")
}

func (b *Base) DeployAndroid(ctx context.Context, d AndroidDeploy) error {
	return b.unsupported("deploy_linaro_android_image")
}

func (b *Base) DeployLinaroKernel(ctx context.Context, d KernelDeploy) error {
	return b.unsupported("deploy_linaro_kernel")
}

// DummyDeploy records deployment data for imageType without touching the
// device.
func (b *Base) DummyDeploy(imageType string) error {
	return b.setDeployment(imageType)
}

func (b *Base) SetBootOptions(options []string) {
	b.bootOptions = append([]string(nil), options...)
}

func (b *Base) unsupported(kind string) error {
	return model.Criticalf("device class %s does not support %s", b.cfg.Class, kind)
}

func (b *Base) setDeployment(imageType string) error {
	data, ok := model.DeploymentFor(imageType)
	if !ok {
		return model.Criticalf("unknown image type %q", imageType)
	}
	b.deployment = data
	b.booted = false
	b.recordMetadata("target.image_type", imageType)
	return nil
}

func (b *Base) requireDeployment() error {
	if b.deployment == nil {
		return model.Criticalf("deploy action must run first")
	}
	return nil
}

func (b *Base) recordMetadata(key, value string) {
	if b.env.Metadata != nil {
		b.env.Metadata(key, value)
	}
}

// BootWithRecovery performs a soft reboot and waits for the device to
// boot. On any failure it performs exactly one hard reboot and waits
// again; a second failure is critical. Critical errors from the soft
// path are returned without escalating.
func (b *Base) BootWithRecovery(ctx context.Context, r Rebooter) error {
	err := r.SoftReboot(ctx)
	if err == nil {
		err = r.WaitForBoot(ctx)
	}
	if err == nil {
		return nil
	}
	if model.IsCritical(err) {
		return err
	}
	if ctx.Err() != nil {
		return model.Critical("boot interrupted", ctx.Err())
	}

	b.log.Warn().Err(err).Msg("soft reboot failed, trying hard reboot")
	if err := r.HardReboot(ctx); err != nil {
		return model.Critical("hard reboot failed", err)
	}
	if err := r.WaitForBoot(ctx); err != nil {
		return model.Critical("device did not boot after hard reboot", err)
	}
	return nil
}

// HardReboot power cycles the device with the configured reset command,
// falling back to the console server's reset escape sequence.
func (b *Base) HardReboot(ctx context.Context, stream console.Stream) error {
	if b.cfg.HardResetCommand != "" {
		b.log.Info().Str("command", b.cfg.HardResetCommand).Msg("hard resetting device")
		_, err := host.Check(ctx, b.env.Host, b.cfg.HardResetCommand)
		return err
	}
	if stream == nil {
		return fmt.Errorf("no hard_reset_command configured and no console open")
	}
	b.log.Info().Msg("hard resetting device through the console server")
	if err := stream.Send("~$"); err != nil {
		return err
	}
	return stream.SendLine("hardreset")
}

// WaitForMarker waits for the boot progress marker on stream.
func (b *Base) WaitForMarker(stream console.Stream) error {
	_, err := stream.Expect([]string{b.cfg.BootProgressPattern}, b.cfg.BootTimeout)
	if err != nil {
		return fmt.Errorf("waiting for %q: %w", b.cfg.BootProgressPattern, err)
	}
	return nil
}

// EnterShell confirms the booted image reached a shell, pins PS1 to the
// deployment's tester prompt and binds a CommandRunner to stream.
func (b *Base) EnterShell(ctx context.Context, stream console.Stream) error {
	if err := automaton.WaitForPrompt(stream, b.cfg.TesterPrompt, b.cfg.ShellTimeout, b.log); err != nil {
		return model.Critical("failed to reach the test image shell", err)
	}
	return b.setPrompt(stream)
}

// setPrompt pins PS1 and waits for the new prompt at the start of a line
// so the echoed export command cannot satisfy the wait.
func (b *Base) setPrompt(stream console.Stream) error {
	d := b.deployment
	if err := stream.SendLine(fmt.Sprintf(`export PS1="%s"`, d.TesterPS1)); err != nil {
		return err
	}
	if _, err := stream.Expect([]string{`(?m)^` + d.TesterPS1Pattern}, b.cfg.ShellTimeout); err != nil {
		return model.Critical("tester prompt did not appear", err)
	}

	b.booted = true
	b.stream = stream
	b.runner = NewCommandRunner(stream, d.TesterPS1Pattern, d.TesterPS1IncludesRC, b.cfg.CommandTimeout, b.log)
	b.log.Info().Str("image_type", d.ImageType).Msg("tester shell ready")
	return nil
}

func (b *Base) releaseConsole() error {
	b.booted = false
	b.runner = nil
	if b.stream == nil {
		return nil
	}
	err := b.stream.Close()
	b.stream = nil
	return err
}

// withPartition loop mounts partition of image for the duration of fn.
func (b *Base) withPartition(ctx context.Context, image string, partition int, fn func(mnt string) error) (err error) {
	mnt, unmount, err := b.env.Mounter.Mount(ctx, image, partition)
	if err != nil {
		return fmt.Errorf("failed to mount partition %d of %s: %w", partition, image, err)
	}
	defer func() {
		if uerr := unmount(); uerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to unmount %s: %w", mnt, uerr))
		}
	}()
	return fn(mnt)
}

// imageFileSystem implements FileSystem for targets whose deployed image
// lives on the host.
func (b *Base) imageFileSystem(ctx context.Context, image string, partition int, dir string, fn func(path string) error) error {
	if image == "" {
		return model.Criticalf("deploy action must run first")
	}
	return b.withPartition(ctx, image, partition, func(mnt string) error {
		path := filepath.Join(mnt, dir)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		return fn(path)
	})
}

// extractInto downloads a tarball and unpacks it into the target dir
// exposed by fs.
func (b *Base) extractInto(ctx context.Context, fs func(context.Context, int, string, func(string) error) error, url string, partition int, dir string) error {
	b.log.Info().Str("url", url).Int("partition", partition).Str("dir", dir).Msg("extracting tarball to target")
	tarball, err := b.env.Fetcher.Download(ctx, url, downloadRaw())
	if err != nil {
		return err
	}
	return fs(ctx, partition, dir, func(path string) error {
		_, err := host.Check(ctx, b.env.Host, fmt.Sprintf("tar -C %s -xzf %s", shellQuote(path), shellQuote(tarball)))
		return err
	})
}

// customizeLinux records deployment data for a linux image, detecting
// the image type from its root partition unless the job fixed it.
func (b *Base) customizeLinux(ctx context.Context, image string) error {
	imageType := b.env.ImageType
	if imageType == "" {
		err := b.withPartition(ctx, image, b.cfg.RootPart, func(mnt string) error {
			imageType = detectImageType(mnt)
			return nil
		})
		if err != nil {
			return err
		}
	}
	b.log.Info().Str("image_type", imageType).Msg("customizing image")
	return b.setDeployment(imageType)
}

func detectImageType(root string) string {
	if fileExists(filepath.Join(root, "etc", "fedora-release")) {
		return model.ImageFedora
	}
	if fileExists(filepath.Join(root, "etc", "lsb-release")) {
		return model.ImageUbuntu
	}
	return model.ImageOE
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
