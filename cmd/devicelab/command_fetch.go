package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/sourceplane/devicelab/internal/clock"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/host"
	"github.com/sourceplane/devicelab/internal/loader"
	"github.com/spf13/cobra"
)

var (
	fetchDir        string
	fetchDecompress bool
	fetchRetry      bool
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <url>",
	Short: "Download a job artifact",
	Long:  "Download an artifact the way jobs do, applying URL mappings, the proxy and decompression, and print its blake3 digest.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loader.LoadDispatcherConfig(configDir)
		if err != nil {
			return err
		}
		mappings, err := loader.LoadMappings(configDir)
		if err != nil {
			return err
		}
		d, err := download.New(cfg.DownloadConfig(mappings), host.NewShell(log.Logger), clock.Real(), log.Logger)
		if err != nil {
			return err
		}

		fmt.Printf("□ Fetching %s...\n", args[0])
		var path string
		if fetchRetry {
			dir := fetchDir
			if dir == "" {
				if dir, err = d.TempDir(false); err != nil {
					return err
				}
			}
			path, err = d.DownloadWithRetry(cmd.Context(), dir, args[0], fetchDecompress, cfg.RetryBudget)
		} else {
			path, err = d.Download(cmd.Context(), args[0], download.Options{Dir: fetchDir, KeepOnExit: true, Decompress: fetchDecompress})
		}
		if err != nil {
			return err
		}

		sum, err := download.Digest(path)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Saved to: %s\n", path)
		fmt.Printf("  blake3: %s\n", sum)
		return nil
	},
}

func registerFetchCommand(root *cobra.Command) {
	root.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVarP(&fetchDir, "dir", "d", "", "Destination directory (default: a new dir under the scratch dir)")
	fetchCmd.Flags().BoolVarP(&fetchDecompress, "decompress", "x", false, "Decompress .gz/.bz2/.zst/.lz4 files")
	fetchCmd.Flags().BoolVar(&fetchRetry, "retry", false, "Retry within the configured retry budget")
}
