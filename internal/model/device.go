package model

import "time"

// Device classes understood by the target factory
const (
	ClassQEMU      = "qemu"
	ClassFastModel = "fastmodel"
	ClassNexus     = "nexus"
	ClassBoard     = "board"
)

// DeviceConfig describes one device under test. It is assembled from a
// device-type file and a per-device override file and is read-only once
// a Target has been built from it.
type DeviceConfig struct {
	Hostname   string `yaml:"hostname" json:"hostname" validate:"required"`
	DeviceType string `yaml:"device_type" json:"device_type" validate:"required"`
	Class      string `yaml:"class" json:"class" validate:"required,oneof=qemu fastmodel nexus board"`

	// Console access
	ConnectionCommand string `yaml:"connection_command" json:"connection_command" validate:"required_if=Class board"`
	HardResetCommand  string `yaml:"hard_reset_command" json:"hard_reset_command"`
	SoftBootCommand   string `yaml:"soft_boot_cmd" json:"soft_boot_cmd"`
	HostIP            string `yaml:"host_ip" json:"host_ip" validate:"omitempty,ip"`

	// Boot detection
	BootProgressPattern   string        `yaml:"boot_progress_pattern" json:"boot_progress_pattern" validate:"omitempty,regexp"`
	InterruptBootPrompt   string        `yaml:"interrupt_boot_prompt" json:"interrupt_boot_prompt" validate:"omitempty,regexp"`
	InterruptBootCommand  string        `yaml:"interrupt_boot_command" json:"interrupt_boot_command"`
	BootloaderPrompt      string        `yaml:"bootloader_prompt" json:"bootloader_prompt" validate:"omitempty,regexp"`
	BootCommands          []string      `yaml:"boot_cmds" json:"boot_cmds"`
	BootCommandsAndroid   []string      `yaml:"boot_cmds_android" json:"boot_cmds_android"`
	MasterPrompt          string        `yaml:"master_str" json:"master_str" validate:"omitempty,regexp"`
	TesterPrompt          string        `yaml:"tester_str" json:"tester_str" validate:"omitempty,regexp"`
	BootTimeout           time.Duration `yaml:"boot_timeout" json:"boot_timeout"`
	ShellTimeout          time.Duration `yaml:"shell_timeout" json:"shell_timeout"`
	CommandTimeout        time.Duration `yaml:"command_timeout" json:"command_timeout"`
	DeviceHTTPServePrompt string        `yaml:"device_http_serve_pattern" json:"device_http_serve_pattern" validate:"omitempty,regexp"`

	// Partition layout of deployed images
	BootPart        int    `yaml:"boot_part" json:"boot_part"`
	RootPart        int    `yaml:"root_part" json:"root_part"`
	SysPartAndroid  int    `yaml:"sys_part_android" json:"sys_part_android"`
	DataPartAndroid int    `yaml:"data_part_android" json:"data_part_android"`
	SDCardDevice    string `yaml:"sdcard_device" json:"sdcard_device"`

	// Image synthesis
	LMCDevArg string `yaml:"lmc_dev_arg" json:"lmc_dev_arg"`
	ImageSize string `yaml:"image_size" json:"image_size"`

	// Emulator
	QEMUBinary  string `yaml:"qemu_binary" json:"qemu_binary"`
	QEMUOptions string `yaml:"qemu_options" json:"qemu_options"`

	// Hardware simulator
	SimulatorCommand        string   `yaml:"simulator_command" json:"simulator_command" validate:"required_if=Class fastmodel"`
	SimulatorVersionCommand string   `yaml:"simulator_version_command" json:"simulator_version_command"`
	SimulatorBootWrapper    string   `yaml:"simulator_boot_wrapper" json:"simulator_boot_wrapper"`
	SimulatorAXFFiles       []string `yaml:"simulator_axf_files" json:"simulator_axf_files"`
	SimulatorKernelFiles    []string `yaml:"simulator_kernel_files" json:"simulator_kernel_files"`
	SimulatorInitrdFiles    []string `yaml:"simulator_initrd_files" json:"simulator_initrd_files"`
	SimulatorDTB            string   `yaml:"simulator_dtb" json:"simulator_dtb"`
	SimulatorUEFI           string   `yaml:"simulator_uefi" json:"simulator_uefi"`

	// USB-flash phones
	FastbootCommand  string `yaml:"fastboot_command" json:"fastboot_command"`
	AdbCommand       string `yaml:"adb_command" json:"adb_command"`
	WorkingDirectory string `yaml:"working_directory" json:"working_directory"`
}

// ApplyDefaults fills the settings most device-type files leave unset.
func (c *DeviceConfig) ApplyDefaults() {
	if c.SoftBootCommand == "" {
		c.SoftBootCommand = "reboot"
	}
	if c.BootProgressPattern == "" {
		c.BootProgressPattern = "Starting kernel"
	}
	if c.InterruptBootPrompt == "" {
		c.InterruptBootPrompt = "Hit any key to stop autoboot"
	}
	if c.BootloaderPrompt == "" {
		c.BootloaderPrompt = "#"
	}
	if c.MasterPrompt == "" {
		c.MasterPrompt = "root@master:"
	}
	if c.TesterPrompt == "" {
		c.TesterPrompt = `(root|shell)@[\w.-]+:\S*\s?[#$]`
	}
	if c.BootTimeout == 0 {
		c.BootTimeout = 20 * time.Minute
	}
	if c.ShellTimeout == 0 {
		c.ShellTimeout = 5 * time.Minute
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = 10 * time.Minute
	}
	if c.DeviceHTTPServePrompt == "" {
		c.DeviceHTTPServePrompt = `Serving HTTP on 0\.0\.0\.0 port (\d+)`
	}
	if c.BootPart == 0 {
		c.BootPart = 1
	}
	if c.RootPart == 0 {
		c.RootPart = 2
	}
	if c.SysPartAndroid == 0 {
		c.SysPartAndroid = 3
	}
	if c.DataPartAndroid == 0 {
		c.DataPartAndroid = 5
	}
	if c.SDCardDevice == "" {
		c.SDCardDevice = "/dev/mmcblk0"
	}
	if c.ImageSize == "" {
		c.ImageSize = "3G"
	}
	if c.QEMUBinary == "" {
		c.QEMUBinary = "qemu-system-arm"
	}
	if c.FastbootCommand == "" {
		c.FastbootCommand = "fastboot"
	}
	if c.AdbCommand == "" {
		c.AdbCommand = "adb"
	}
}
