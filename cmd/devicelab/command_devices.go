package main

import (
	"fmt"

	"github.com/sourceplane/devicelab/internal/loader"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var devicesLong bool

var devicesCmd = &cobra.Command{
	Use:     "devices [hostname]",
	Aliases: []string{"device"},
	Short:   "List configured devices",
	Long:    "List the devices of the config directory. Use 'devicelab devices <hostname>' to print a device's merged configuration.",
	Args:    cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listDevices(args)
	},
}

func registerDevicesCommand(root *cobra.Command) {
	root.AddCommand(devicesCmd)

	devicesCmd.Flags().BoolVarP(&devicesLong, "long", "l", false, "Show class and device type of every device")
}

func listDevices(args []string) error {
	if len(args) > 0 {
		cfg, err := loader.LoadDevice(configDir, args[0])
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render device config: %w", err)
		}
		fmt.Print(string(out))
		return nil
	}

	hosts, err := loader.ListDevices(configDir)
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Println("Devices:")
	for _, h := range hosts {
		if !devicesLong {
			fmt.Printf("  %s\n", h)
			continue
		}
		cfg, err := loader.LoadDevice(configDir, h)
		if err != nil {
			fmt.Printf("  %s (invalid: %v)\n", h, err)
			continue
		}
		fmt.Printf("  %s (type: %s, class: %s)\n", h, cfg.DeviceType, cfg.Class)
	}

	if !devicesLong {
		fmt.Println("\nRun 'devicelab devices <hostname>' for detailed information")
	}
	return nil
}
