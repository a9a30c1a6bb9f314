// Package target models the devices jobs run on. Every device class
// implements Target on top of the shared Base, which owns the deployment
// state, the live console and the soft to hard reboot escalation.
package target

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/console"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/model"
)

// Target is one device under test.
type Target interface {
	Config() *model.DeviceConfig
	DeploymentData() *model.DeploymentData

	DeployLinaro(ctx context.Context, d LinaroDeploy) error
	DeployLinaroPrebuilt(ctx context.Context, image string, d LinaroDeploy) error
	DeployAndroid(ctx context.Context, d AndroidDeploy) error
	DeployLinaroKernel(ctx context.Context, d KernelDeploy) error
	DummyDeploy(imageType string) error
	// SetBootOptions passes extra options to the next PowerOn. Variants
	// without a command line to extend ignore them.
	SetBootOptions(options []string)

	// PowerOn boots the deployed image and returns the console sitting at
	// the tester shell.
	PowerOn(ctx context.Context) (console.Stream, error)
	PowerOff(ctx context.Context, stream console.Stream) error

	// FileSystem exposes dir of the given partition of the deployed image
	// as a local path for the duration of fn.
	FileSystem(ctx context.Context, partition int, dir string, fn func(path string) error) error
	ExtractTarball(ctx context.Context, url string, partition int, dir string) error

	DeviceVersion(ctx context.Context) string
	Runner() *CommandRunner
	Attachments() []model.Attachment
}

// LinaroDeploy describes a linux image deploy, either prebuilt or built
// from a hardware pack and a root filesystem.
type LinaroDeploy struct {
	Image          string
	Hwpack         string
	Rootfs         string
	RootfsType     string
	BootloaderType string
	Role           string
}

// AndroidDeploy lists the android partition images.
type AndroidDeploy struct {
	Boot       string
	System     string
	Data       string
	RootfsType string
}

// KernelDeploy boots a standalone kernel against a root filesystem image.
type KernelDeploy struct {
	Kernel         string
	Ramdisk        string
	DTB            string
	Rootfs         string
	Bootloader     string
	Firmware       string
	RootfsType     string
	BootloaderType string
	Role           string
}

// Fetcher downloads job artifacts. *download.Downloader implements it.
type Fetcher interface {
	Download(ctx context.Context, rawURL string, opts download.Options) (string, error)
	DownloadWithRetry(ctx context.Context, dir, rawURL string, decompress bool, budget time.Duration) (string, error)
	TempDir(removeOnExit bool) (string, error)
}

// Spawner opens a console on the output of command.
type Spawner func(command string) (console.Stream, error)

// ProcessSpawner returns a Spawner starting local processes whose output
// is copied to transcript.
func ProcessSpawner(transcript io.Writer, logger zerolog.Logger) Spawner {
	return func(command string) (console.Stream, error) {
		p, err := console.Spawn(command, console.Options{Transcript: transcript, Logger: &logger})
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Env bundles the collaborators a target needs for one job.
type Env struct {
	Fetcher Fetcher
	Host    host.Commander
	Mounter Mounter
	Spawn   Spawner
	Clock   clock.Clock
	Logger  zerolog.Logger

	// ScratchDir holds images and other per-job files.
	ScratchDir string
	// ImageType overrides image type detection when set.
	ImageType string
	// Metadata receives facts about the deployment, such as tool versions.
	Metadata func(key, value string)
}

// New builds the Target implementation for cfg.Class.
func New(cfg *model.DeviceConfig, env Env) (Target, error) {
	if env.Clock == nil {
		env.Clock = clock.Real()
	}
	if env.Mounter == nil {
		env.Mounter = &LoopMounter{Host: env.Host, TempRoot: env.ScratchDir}
	}
	if env.Spawn == nil {
		env.Spawn = ProcessSpawner(nil, env.Logger)
	}

	switch cfg.Class {
	case model.ClassQEMU:
		return NewQEMU(cfg, env), nil
	case model.ClassFastModel:
		return NewFastModel(cfg, env), nil
	case model.ClassNexus:
		return NewNexus(cfg, env), nil
	case model.ClassBoard:
		return NewBoard(cfg, env), nil
	default:
		return nil, fmt.Errorf("unknown device class %q", cfg.Class)
	}
}
