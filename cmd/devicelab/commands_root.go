package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	configDir string
	logLevel  string
)

var rootCmd = &cobra.Command{
	Use:   "devicelab",
	Short: "Test job dispatcher: Job → Device → Results",
	Long:  "devicelab deploys images to boards, emulators and phones, boots them, runs test commands on their consoles and reports a result per step",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setLogLevel()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configDir, "config-dir", "c", defaultConfigDir(), "Config directory holding dispatcher.yaml, devices/ and device-types/")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (trace/debug/info/warn/error), overrides DEVICELAB_LOG_LEVEL")

	registerDispatchCommand(rootCmd)
	registerValidateCommand(rootCmd)
	registerDevicesCommand(rootCmd)
	registerFetchCommand(rootCmd)
	registerResultsCommand(rootCmd)
}

func defaultConfigDir() string {
	if dir := os.Getenv("DEVICELAB_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/devicelab"
}

// setLogLevel applies --log-level, then DEVICELAB_LOG_LEVEL, then info.
func setLogLevel() error {
	level := logLevel
	if level == "" {
		level = os.Getenv("DEVICELAB_LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zerolog.SetGlobalLevel(l)
	log.Debug().Str("level", l.String()).Msg("log level set")
	return nil
}
