package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/sourceplane/devicelab/internal/action"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/loader"
	"github.com/sourceplane/devicelab/internal/model"
	"github.com/sourceplane/devicelab/internal/results"
	"github.com/sourceplane/devicelab/internal/runner"
	"github.com/sourceplane/devicelab/internal/schema"
	"github.com/sourceplane/devicelab/internal/target"
	"github.com/spf13/cobra"
)

var (
	dispatchTarget    string
	dispatchImageType string
	dispatchOutput    string
	dispatchDryRun    bool
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <job-file>",
	Short: "Run a job on a device",
	Long:  "Validate a job file, then deploy, boot and test on the job's target device. A trailing submit_results action always runs, even when the job fails.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return dispatchJob(cmd.Context(), args[0])
	},
}

func registerDispatchCommand(root *cobra.Command) {
	root.AddCommand(dispatchCmd)

	dispatchCmd.Flags().StringVarP(&dispatchTarget, "target", "t", "", "Device hostname, overrides the job's target")
	dispatchCmd.Flags().StringVar(&dispatchImageType, "image-type", "", "Image type (ubuntu/oe/fedora/android), overrides detection")
	dispatchCmd.Flags().StringVarP(&dispatchOutput, "output", "o", "", "Also write the results bundle to this file (json or yaml)")
	dispatchCmd.Flags().BoolVar(&dispatchDryRun, "dry-run", false, "Validate and print the actions without touching the device")
}

func dispatchJob(ctx context.Context, jobFile string) error {
	logger := log.With().Str("component", "dispatch").Logger()

	fmt.Println("□ Loading job...")
	job, err := loader.LoadJob(jobFile)
	if err != nil {
		return err
	}
	if dispatchTarget != "" {
		job.Target = dispatchTarget
	}
	if dispatchImageType != "" {
		job.ImageType = dispatchImageType
	}
	if job.Target == "" {
		return fmt.Errorf("no target device: set target in the job or pass --target")
	}

	fmt.Println("□ Loading configuration...")
	cfg, err := loader.LoadDispatcherConfig(configDir)
	if err != nil {
		return err
	}
	mappings, err := loader.LoadMappings(configDir)
	if err != nil {
		return err
	}
	device, err := loader.LoadDevice(configDir, job.Target)
	if err != nil {
		return err
	}
	if job.DeviceType == "" {
		job.DeviceType = device.DeviceType
	}

	shell := host.NewShell(log.Logger)
	downloader, err := download.New(cfg.DownloadConfig(mappings), shell, clock.Real(), log.Logger)
	if err != nil {
		return err
	}
	defer downloader.Cleanup()

	transcript := action.NewTranscript(os.Stdout)
	c := action.NewContext(job, transcript, log.Logger)
	tgt, err := target.New(device, target.Env{
		Fetcher:    c.Fetcher(downloader),
		Host:       shell,
		Spawn:      target.ProcessSpawner(transcript, log.Logger),
		Logger:     log.Logger,
		ScratchDir: cfg.ScratchDir,
		ImageType:  job.ImageType,
		Metadata:   c.SetMetadata,
	})
	if err != nil {
		return err
	}
	c.Target = tgt
	c.Submitter = results.NewSubmitter(cfg.ResultsDir, log.Logger)

	validator, err := schema.NewValidator()
	if err != nil {
		return err
	}

	fmt.Printf("□ Dispatching job to %s (%s)...\n", device.Hostname, device.Class)
	r := runner.NewRunner(validator, os.Stdout, dispatchDryRun, log.Logger)
	runErr := r.Run(ctx, c)
	if dispatchDryRun {
		if runErr == nil {
			fmt.Println("✓ Dry-run complete")
		}
		return runErr
	}

	if dispatchOutput != "" {
		if err := results.WriteBundle(c.Bundle(), dispatchOutput); err != nil {
			logger.Error().Err(err).Msg("failed to write results bundle")
		} else {
			fmt.Printf("✓ Results saved to: %s\n", dispatchOutput)
		}
	}

	pass := 0
	recorded := c.Results()
	for _, res := range recorded {
		if res.Status == model.StatusPass {
			pass++
		}
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("job aborted")
		return runErr
	}
	fmt.Printf("✓ Job complete: %d/%d actions passed\n", pass, len(recorded))
	return nil
}
