package target

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/automaton"
	"github.com/sourceplane/devicelab/internal/host"
)

const lmcLock = "flock /var/lock/devicelab-lmc.lck"

// MediaCreator builds disk images with linaro-media-create, accepting any
// license dialogs it raises.
type MediaCreator struct {
	Fetcher  Fetcher
	Host     host.Commander
	Spawn    Spawner
	Logger   zerolog.Logger
	Metadata func(key, value string)
}

func (b *Base) mediaCreator() *MediaCreator {
	return &MediaCreator{
		Fetcher:  b.env.Fetcher,
		Host:     b.env.Host,
		Spawn:    b.env.Spawn,
		Logger:   b.log,
		Metadata: b.env.Metadata,
	}
}

// LinuxImage downloads hwpack and rootfs into outdir and combines them into
// outdir/devicelab.img.
func (m *MediaCreator) LinuxImage(ctx context.Context, devArg, hwpackURL, rootfsURL, outdir, bootloader, rootfsType, imageSize string) (string, error) {
	hwpack, rootfs, err := m.fetchInputs(ctx, hwpackURL, rootfsURL, outdir)
	if err != nil {
		return "", err
	}
	m.recordVersion(ctx)

	image := filepath.Join(outdir, "devicelab.img")
	args := []string{
		lmcLock, "linaro-media-create", "--hwpack-force-yes",
		"--dev", devArg,
		"--image-file", image,
		"--binary", rootfs,
		"--hwpack", hwpack,
		"--image-size", imageSize,
		"--bootloader", bootloader,
	}
	if rootfsType != "" {
		args = append(args, "--rootfs", rootfsType)
	}
	if err := m.run(strings.Join(args, " "), image); err != nil {
		return "", err
	}
	return image, nil
}

// FastModelImage builds outdir/sd.img for a simulator from local inputs.
func (m *MediaCreator) FastModelImage(ctx context.Context, hwpack, rootfs, outdir, bootloader, size string) (string, error) {
	m.recordVersion(ctx)
	image := filepath.Join(outdir, "sd.img")
	cmd := fmt.Sprintf("%s linaro-media-create --dev fastmodel --output-directory %s --image-size %s --hwpack %s --binary %s --hwpack-force-yes --bootloader %s",
		lmcLock, outdir, size, hwpack, rootfs, bootloader)
	if err := m.run(cmd, image); err != nil {
		return "", err
	}
	return image, nil
}

// AndroidImage combines local android partition images into out.
func (m *MediaCreator) AndroidImage(ctx context.Context, device, boot, data, system, out, size string) error {
	cmd := fmt.Sprintf("%s linaro-android-media-create --dev %s --image_file %s --image_size %s --boot %s --userdata %s --system %s",
		lmcLock, device, out, size, boot, data, system)
	return m.run(cmd, out)
}

func (m *MediaCreator) fetchInputs(ctx context.Context, hwpackURL, rootfsURL, outdir string) (string, string, error) {
	m.Logger.Info().Str("hwpack", hwpackURL).Str("rootfs", rootfsURL).Msg("preparing image inputs")
	hwpack, err := m.Fetcher.Download(ctx, hwpackURL, downloadRawIn(outdir))
	if err != nil {
		return "", "", err
	}
	rootfs, err := m.Fetcher.Download(ctx, rootfsURL, downloadRawIn(outdir))
	if err != nil {
		return "", "", err
	}
	return hwpack, rootfs, nil
}

func (m *MediaCreator) recordVersion(ctx context.Context) {
	out, _, err := m.Host.Run(ctx, "linaro-media-create -v")
	if err != nil {
		m.Logger.Warn().Err(err).Msg("unable to read linaro-media-create version")
		return
	}
	if m.Metadata != nil {
		m.Metadata("target.linaro-media-create-version", strings.TrimSpace(out))
	}
}

func (m *MediaCreator) run(cmd, output string) error {
	m.Logger.Info().Str("command", cmd).Msg("running media create")
	stream, err := m.Spawn(cmd)
	if err != nil {
		return fmt.Errorf("failed to start media create: %w", err)
	}
	defer stream.Close()

	if _, err := automaton.LicenseDialog().Run(stream, m.Logger); err != nil {
		return fmt.Errorf("media create did not finish: %w", err)
	}
	if _, err := os.Stat(output); err != nil {
		return fmt.Errorf("media create produced no image at %s: %w", output, err)
	}
	return nil
}
