package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourceplane/devicelab/internal/loader"
	"github.com/sourceplane/devicelab/internal/runner"
	"github.com/sourceplane/devicelab/internal/schema"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <job-file>...",
	Short: "Validate job files",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateJobs(args)
	},
}

func registerValidateCommand(root *cobra.Command) {
	root.AddCommand(validateCmd)
}

func validateJobs(paths []string) error {
	validator, err := schema.NewValidator()
	if err != nil {
		return err
	}
	r := runner.NewRunner(validator, nil, true, log.Logger)

	failed := 0
	for _, path := range paths {
		fmt.Printf("□ Validating %s...\n", path)
		job, err := loader.LoadJob(path)
		if err == nil {
			err = r.Validate(job)
		}
		if err != nil {
			fmt.Printf("  ✗ %v\n", err)
			failed++
			continue
		}
		fmt.Printf("✓ %s is valid (%d actions)\n", path, len(job.Actions))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d job files are invalid", failed, len(paths))
	}
	return nil
}
