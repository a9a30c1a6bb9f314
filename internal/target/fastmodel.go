package target

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/model"
	"golang.org/x/text/encoding/charmap"
)

const (
	serialPortPattern = `terminal_0: Listening for serial connection on port (\d+)`
	androidWallpaper  = "system/wallpaper_info.xml"
)

// FastModel is a hardware simulator. The simulator process only reports
// its own status; the device console is a telnet session to the serial
// port it opens.
type FastModel struct {
	Base
	image      string
	bootloader string
	sim        console.Stream
	simLog     []byte

	axf, kernel, initrd, dtb, uefi string
}

func NewFastModel(cfg *model.DeviceConfig, env Env) *FastModel {
	return &FastModel{Base: newBase(cfg, env), bootloader: "u_boot"}
}

func (f *FastModel) DeployLinaroPrebuilt(ctx context.Context, image string, d LinaroDeploy) error {
	path, err := f.env.Fetcher.Download(ctx, image, downloadImage())
	if err != nil {
		return err
	}
	f.resetArtifacts()
	f.image = path
	if err := f.copyFromPartition(ctx, f.cfg.BootPart, "rtsm"); err != nil {
		return err
	}
	if err := f.copyFromPartition(ctx, f.cfg.RootPart, "boot"); err != nil {
		return err
	}
	return f.customizeLinux(ctx, f.image)
}

func (f *FastModel) DeployLinaro(ctx context.Context, d LinaroDeploy) error {
	if d.Image != "" {
		return f.DeployLinaroPrebuilt(ctx, d.Image, d)
	}
	outdir, err := f.env.Fetcher.TempDir(true)
	if err != nil {
		return err
	}
	mc := f.mediaCreator()
	hwpack, rootfs, err := mc.fetchInputs(ctx, d.Hwpack, d.Rootfs, outdir)
	if err != nil {
		return err
	}
	f.resetArtifacts()
	if d.BootloaderType != "" {
		f.bootloader = d.BootloaderType
	}
	image, err := mc.FastModelImage(ctx, hwpack, rootfs, outdir, f.bootloader, "2000M")
	if err != nil {
		return err
	}
	f.image = image

	if err := f.copyFromDir(outdir); err != nil {
		return err
	}
	if err := f.copyFromPartition(ctx, f.cfg.BootPart, "rtsm"); err != nil {
		return err
	}
	if err := f.copyFromPartition(ctx, f.cfg.RootPart, "boot"); err != nil {
		return err
	}
	return f.customizeLinux(ctx, f.image)
}

func (f *FastModel) DeployAndroid(ctx context.Context, d AndroidDeploy) error {
	f.log.Info().Msg("deploying android")
	outdir, err := f.env.Fetcher.TempDir(true)
	if err != nil {
		return err
	}
	var parts [3]string
	for i, url := range []string{d.Boot, d.Data, d.System} {
		if parts[i], err = f.env.Fetcher.Download(ctx, url, downloadRawIn(outdir)); err != nil {
			return err
		}
	}
	f.resetArtifacts()
	f.image = filepath.Join(outdir, "android.img")
	if err := f.mediaCreator().AndroidImage(ctx, "vexpress-a9", parts[0], parts[1], parts[2], f.image, "2000M"); err != nil {
		return err
	}
	if err := f.copyFromPartition(ctx, f.cfg.BootPart, ""); err != nil {
		return err
	}
	return f.customizeAndroid(ctx)
}

// customizeAndroid drops the live wallpaper, which slows the simulator
// down, and pins the shell prompt in mkshrc.
func (f *FastModel) customizeAndroid(ctx context.Context) error {
	if err := f.withPartition(ctx, f.image, f.cfg.DataPartAndroid, func(mnt string) error {
		err := os.Remove(filepath.Join(mnt, androidWallpaper))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	}); err != nil {
		return err
	}

	data, _ := model.DeploymentFor(model.ImageAndroid)
	if err := f.withPartition(ctx, f.image, f.cfg.SysPartAndroid, func(mnt string) error {
		rc, err := os.OpenFile(filepath.Join(mnt, "etc", "mkshrc"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		_, werr := fmt.Fprintf(rc, "\n# devicelab customizations\nPS1=%q\n", data.TesterPS1)
		if cerr := rc.Close(); werr == nil {
			werr = cerr
		}
		return werr
	}); err != nil {
		return fmt.Errorf("failed to customize android image: %w", err)
	}
	return f.setDeployment(model.ImageAndroid)
}

func (f *FastModel) resetArtifacts() {
	f.axf, f.kernel, f.initrd, f.dtb, f.uefi = "", "", "", "", ""
}

func (f *FastModel) copyFromPartition(ctx context.Context, partition int, subdir string) error {
	return f.withPartition(ctx, f.image, partition, func(mnt string) error {
		return f.copyFromDir(filepath.Join(mnt, subdir))
	})
}

// copyFromDir copies the boot artifacts the simulator needs next to the
// image, keeping the first match found for each.
func (f *FastModel) copyFromDir(dir string) error {
	odir := filepath.Dir(f.image)
	pick := func(slot *string, patterns ...string) error {
		if *slot != "" {
			return nil
		}
		for _, p := range patterns {
			if p == "" {
				continue
			}
			path, err := findAndCopy(dir, odir, p)
			if err != nil {
				return err
			}
			if path != "" {
				*slot = path
				return nil
			}
		}
		return nil
	}

	if f.bootloader == "uefi" {
		return pick(&f.uefi, f.cfg.SimulatorUEFI)
	}
	if err := pick(&f.axf, f.cfg.SimulatorAXFFiles...); err != nil {
		return err
	}
	if err := pick(&f.kernel, f.cfg.SimulatorKernelFiles...); err != nil {
		return err
	}
	if err := pick(&f.initrd, f.cfg.SimulatorInitrdFiles...); err != nil {
		return err
	}
	return pick(&f.dtb, f.cfg.SimulatorDTB)
}

func (f *FastModel) checkNeededFiles() error {
	missing := func(slot string, configured bool, what string) error {
		if slot == "" && configured {
			return model.Criticalf("no %s found in the deployed image", what)
		}
		return nil
	}
	if f.bootloader == "uefi" {
		return missing(f.uefi, f.cfg.SimulatorUEFI != "", "UEFI binary")
	}
	return errors.Join(
		missing(f.axf, len(f.cfg.SimulatorAXFFiles) > 0, "AXF"),
		missing(f.kernel, len(f.cfg.SimulatorKernelFiles) > 0, "kernel"),
		missing(f.initrd, len(f.cfg.SimulatorInitrdFiles) > 0, "initrd"),
		missing(f.dtb, f.cfg.SimulatorDTB != "", "DTB"),
	)
}

func (f *FastModel) simulatorCommand() string {
	cmd := f.cfg.SimulatorCommand
	if f.cfg.SimulatorBootWrapper != "" && f.uefi == "" {
		cmd += " " + f.cfg.SimulatorBootWrapper
	}
	if len(f.bootOptions) > 0 {
		cmd += " " + strings.Join(f.bootOptions, " ")
	}
	return strings.NewReplacer(
		"{AXF}", f.axf,
		"{IMG}", f.image,
		"{KERNEL}", f.kernel,
		"{DTB}", f.dtb,
		"{INITRD}", f.initrd,
		"{UEFI}", f.uefi,
	).Replace(cmd)
}

// startSimulator launches the simulator and connects the console to its
// serial port. A failed license check is critical.
func (f *FastModel) startSimulator() error {
	cmd := f.simulatorCommand()
	f.log.Info().Str("command", cmd).Msg("launching simulator")
	sim, err := f.env.Spawn(cmd)
	if err != nil {
		return fmt.Errorf("failed to launch simulator: %w", err)
	}
	f.sim = sim

	m, err := sim.Expect([]string{serialPortPattern}, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("simulator did not open a serial port: %w", err)
	}
	port := m.Groups[0]
	f.log.Info().Str("port", port).Msg("serial console port")

	m, err = sim.Expect([]string{"ERROR: License check failed!", "Simulation is started"}, 5*time.Minute)
	if err != nil {
		return fmt.Errorf("simulator did not start: %w", err)
	}
	if m.Index == 0 {
		return model.Criticalf("fast model license check failed")
	}
	sim.Drain()

	stream, err := f.env.Spawn("telnet localhost " + port)
	if err != nil {
		return fmt.Errorf("failed to connect to serial port %s: %w", port, err)
	}
	f.stream = stream

	if f.uefi != "" {
		if _, err := stream.Expect([]string{f.cfg.InterruptBootPrompt}, f.cfg.BootTimeout); err != nil {
			return fmt.Errorf("failed to enter bootloader: %w", err)
		}
		if err := stream.SendLine(f.cfg.InterruptBootCommand); err != nil {
			return err
		}
	}
	return nil
}

func (f *FastModel) stopSimulator() error {
	consoleErr := f.releaseConsole()
	if f.sim == nil {
		return consoleErr
	}
	f.simLog = append(f.simLog, f.sim.Captured()...)
	err := f.sim.Close()
	f.sim = nil
	return errors.Join(consoleErr, err)
}

func (f *FastModel) PowerOn(ctx context.Context) (console.Stream, error) {
	if err := f.requireDeployment(); err != nil {
		return nil, err
	}
	if f.sim != nil {
		f.log.Warn().Msg("simulator still running, shutting it down")
		if err := f.stopSimulator(); err != nil {
			f.log.Warn().Err(err).Msg("failed to stop simulator")
		}
	}
	if err := f.checkNeededFiles(); err != nil {
		return nil, err
	}

	restart := func(ctx context.Context) error {
		if err := f.stopSimulator(); err != nil {
			f.log.Warn().Err(err).Msg("failed to stop simulator")
		}
		return f.startSimulator()
	}
	err := f.BootWithRecovery(ctx, Rebooter{
		SoftReboot: func(ctx context.Context) error { return f.startSimulator() },
		HardReboot: restart,
		WaitForBoot: func(ctx context.Context) error {
			return f.WaitForMarker(f.stream)
		},
	})
	if err != nil {
		return nil, err
	}
	if err := f.EnterShell(ctx, f.stream); err != nil {
		return nil, err
	}
	return f.stream, nil
}

func (f *FastModel) PowerOff(ctx context.Context, stream console.Stream) error {
	return f.stopSimulator()
}

func (f *FastModel) FileSystem(ctx context.Context, partition int, dir string, fn func(path string) error) error {
	return f.imageFileSystem(ctx, f.image, partition, dir, fn)
}

func (f *FastModel) ExtractTarball(ctx context.Context, url string, partition int, dir string) error {
	return f.extractInto(ctx, f.FileSystem, url, partition, dir)
}

// Attachments returns the simulator log, converted from the simulator's
// Windows-1252 output.
func (f *FastModel) Attachments() []model.Attachment {
	raw := f.simLog
	if f.sim != nil {
		raw = append(append([]byte(nil), raw...), f.sim.Captured()...)
	}
	if len(raw) == 0 {
		return nil
	}
	content, err := charmap.Windows1252.NewDecoder().Bytes(raw)
	if err != nil {
		content = raw
	}
	return []model.Attachment{{Pathname: "rtsm.log", MimeType: "text/plain", Content: content}}
}

func (f *FastModel) DeviceVersion(ctx context.Context) string {
	if f.cfg.SimulatorVersionCommand == "" {
		return "unknown"
	}
	out, err := host.Check(ctx, f.env.Host, f.cfg.SimulatorVersionCommand)
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(out)
}

// findAndCopy copies the first file under dir whose name matches pattern
// into odir and returns its new path, or "" when nothing matched.
func findAndCopy(dir, odir, pattern string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ok, _ := filepath.Match(pattern, d.Name()); ok {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil || found == "" {
		return "", err
	}

	dest := filepath.Join(odir, filepath.Base(found))
	if dest == found {
		return dest, nil
	}
	if err := copyFile(found, dest); err != nil {
		return "", err
	}
	return dest, nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return out.Close()
}
