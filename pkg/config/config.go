// Package config loads and validates the YAML configuration used by
// the command-line tools: the device list, poll cadence, command
// deadline and logging options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PuuuTao/eway-go/pkg/model"
)

// Configuration errors.
var (
	ErrInvalidDeviceType = errors.New("invalid device type")
	ErrInvalidInterval   = errors.New("invalid interval")
)

// Defaults applied by Load for unset fields.
const (
	DefaultScanInterval     = 30 * time.Second
	DefaultCommandTimeout   = 10 * time.Second
	DefaultDiscoveryTimeout = 10 * time.Second
)

// Duration wraps time.Duration for YAML fields like "30s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidInterval, raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DeviceConfig is one manually configured device.
type DeviceConfig struct {
	// Type is "charger" or "storage".
	Type string `yaml:"type"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// DeviceID is required for chargers.
	DeviceID string `yaml:"device_id,omitempty"`

	Serial string `yaml:"serial"`
}

// Descriptor converts the entry to a device descriptor.
func (d DeviceConfig) Descriptor() (model.Descriptor, error) {
	desc := model.Descriptor{
		Host:     d.Host,
		Port:     d.Port,
		DeviceID: d.DeviceID,
		Serial:   d.Serial,
	}
	switch d.Type {
	case "charger":
		desc.Type = model.DeviceCharger
	case "storage":
		desc.Type = model.DeviceStorage
	default:
		return model.Descriptor{}, fmt.Errorf("%w: %q", ErrInvalidDeviceType, d.Type)
	}
	if err := desc.Validate(); err != nil {
		return model.Descriptor{}, err
	}
	return desc, nil
}

// DiscoveryConfig controls mDNS discovery.
type DiscoveryConfig struct {
	// Enabled turns browsing on. Manually configured devices work
	// either way.
	Enabled bool `yaml:"enabled"`

	// Interface restricts browsing to one network interface.
	Interface string `yaml:"interface,omitempty"`

	// Timeout bounds each browse run.
	Timeout Duration `yaml:"timeout,omitempty"`
}

// Config is the tool configuration.
type Config struct {
	// ScanInterval is the periodic refresh cadence.
	ScanInterval Duration `yaml:"scan_interval,omitempty"`

	// CommandTimeout is the per-command deadline.
	CommandTimeout Duration `yaml:"command_timeout,omitempty"`

	// ProductCode labels storage property-set payloads.
	ProductCode string `yaml:"product_code,omitempty"`

	// LogFile enables the CBOR protocol log when set.
	LogFile string `yaml:"log_file,omitempty"`

	Discovery DiscoveryConfig `yaml:"discovery,omitempty"`

	Devices []DeviceConfig `yaml:"devices,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ScanInterval:   Duration(DefaultScanInterval),
		CommandTimeout: Duration(DefaultCommandTimeout),
		Discovery: DiscoveryConfig{
			Enabled: true,
			Timeout: Duration(DefaultDiscoveryTimeout),
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks intervals and every device entry.
func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("%w: scan_interval must be positive", ErrInvalidInterval)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("%w: command_timeout must be positive", ErrInvalidInterval)
	}
	for i, dev := range c.Devices {
		if _, err := dev.Descriptor(); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
	}
	return nil
}

// Descriptors converts all configured devices.
func (c *Config) Descriptors() ([]model.Descriptor, error) {
	out := make([]model.Descriptor, 0, len(c.Devices))
	for i, dev := range c.Devices {
		desc, err := dev.Descriptor()
		if err != nil {
			return nil, fmt.Errorf("devices[%d]: %w", i, err)
		}
		out = append(out, desc)
	}
	return out, nil
}
