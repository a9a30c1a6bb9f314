package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sourceplane/devicelab/internal/download"
	"github.com/sourceplane/devicelab/internal/model"
	"gopkg.in/yaml.v3"
)

const (
	dispatcherFile = "dispatcher.yaml"
	mappingsFile   = "urlmappings.txt"
	devicesDir     = "devices"
	deviceTypesDir = "device-types"
)

// DispatcherConfig holds the settings shared by every job.
type DispatcherConfig struct {
	ScratchDir    string        `yaml:"scratch_dir" validate:"required"`
	ResultsDir    string        `yaml:"results_dir" validate:"required"`
	Proxy         string        `yaml:"proxy" validate:"omitempty,url"`
	Cookies       string        `yaml:"cookies"`
	RetryInterval time.Duration `yaml:"retry_interval" validate:"gte=0"`
	RetryBudget   time.Duration `yaml:"retry_budget" validate:"gte=0"`
	LogLevel      string        `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal panic"`
}

// DefaultDispatcherConfig is used for every setting the config file and
// the environment leave unset.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ScratchDir:    filepath.Join(os.TempDir(), "devicelab"),
		ResultsDir:    filepath.Join(os.TempDir(), "devicelab", "results"),
		RetryInterval: download.DefaultRetryInterval,
		RetryBudget:   download.DefaultRetryBudget,
		LogLevel:      "info",
	}
}

// LoadDispatcherConfig reads dispatcher.yaml from configDir, when present,
// and applies DEVICELAB_* environment overrides.
func LoadDispatcherConfig(configDir string) (*DispatcherConfig, error) {
	cfg := DefaultDispatcherConfig()

	if configDir != "" {
		data, err := os.ReadFile(filepath.Join(configDir, dispatcherFile))
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read dispatcher config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse dispatcher config: %w", err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid dispatcher config: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *DispatcherConfig) error {
	strs := map[string]*string{
		"DEVICELAB_SCRATCH_DIR": &cfg.ScratchDir,
		"DEVICELAB_RESULTS_DIR": &cfg.ResultsDir,
		"DEVICELAB_PROXY":       &cfg.Proxy,
		"DEVICELAB_COOKIES":     &cfg.Cookies,
		"DEVICELAB_LOG_LEVEL":   &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"DEVICELAB_RETRY_INTERVAL": &cfg.RetryInterval,
		"DEVICELAB_RETRY_BUDGET":   &cfg.RetryBudget,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dst = d
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	return nil
}

// DownloadConfig turns the dispatcher settings into downloader settings.
func (c *DispatcherConfig) DownloadConfig(mappings []download.Mapping) download.Config {
	return download.Config{
		ScratchDir:    c.ScratchDir,
		Proxy:         c.Proxy,
		Cookies:       c.Cookies,
		Mappings:      mappings,
		RetryInterval: c.RetryInterval,
		RetryBudget:   c.RetryBudget,
	}
}

// LoadMappings reads the optional URL mapping file of configDir.
func LoadMappings(configDir string) ([]download.Mapping, error) {
	if configDir == "" {
		return nil, nil
	}
	return download.LoadMappings(filepath.Join(configDir, mappingsFile))
}

// LoadDevice assembles the configuration of hostname: the defaults of its
// device type, then the device's own file on top.
func LoadDevice(configDir, hostname string) (*model.DeviceConfig, error) {
	devicePath := filepath.Join(configDir, devicesDir, hostname+".yaml")
	deviceData, err := os.ReadFile(devicePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read device %s: %w", hostname, err)
	}

	var header struct {
		DeviceType string `yaml:"device_type"`
	}
	if err := yaml.Unmarshal(deviceData, &header); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", devicePath, err)
	}
	if header.DeviceType == "" {
		return nil, fmt.Errorf("%s: device_type is required", devicePath)
	}

	typePath := filepath.Join(configDir, deviceTypesDir, header.DeviceType+".yaml")
	typeData, err := os.ReadFile(typePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read device type %s: %w", header.DeviceType, err)
	}

	var cfg model.DeviceConfig
	if err := yaml.Unmarshal(typeData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", typePath, err)
	}
	// Unmarshalling again only overwrites the keys the device file sets.
	if err := yaml.Unmarshal(deviceData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", devicePath, err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname = hostname
	}
	cfg.DeviceType = header.DeviceType
	cfg.ApplyDefaults()

	if err := newValidator().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration for device %s: %w", hostname, err)
	}
	return &cfg, nil
}

// ListDevices returns the hostnames configured in configDir, sorted.
func ListDevices(configDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(configDir, devicesDir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	hosts := make([]string, 0, len(matches))
	for _, m := range matches {
		hosts = append(hosts, strings.TrimSuffix(filepath.Base(m), ".yaml"))
	}
	sort.Strings(hosts)
	return hosts, nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("regexp", func(fl validator.FieldLevel) bool {
		_, err := regexp.Compile(fl.Field().String())
		return err == nil
	})
	return v
}
