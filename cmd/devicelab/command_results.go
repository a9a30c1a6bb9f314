package main

import (
	"fmt"

	"github.com/sourceplane/devicelab/internal/results"
	"github.com/spf13/cobra"
)

var resultsCmd = &cobra.Command{
	Use:   "results <bundle-file>",
	Short: "Summarize a results bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		b, err := results.ReadBundle(args[0])
		if err != nil {
			return err
		}
		if b.Format != results.BundleFormat {
			return fmt.Errorf("unsupported bundle format %q", b.Format)
		}
		fmt.Print(results.Summary(b))
		return nil
	},
}

func registerResultsCommand(root *cobra.Command) {
	root.AddCommand(resultsCmd)
}
