// SPDX-License-Identifier: GPL-3.0-only

// Package config loads the daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shini4i/asetek-cooler-daemon/internal/protocol"
	"github.com/shini4i/asetek-cooler-daemon/internal/pump"
)

// Config is the complete daemon configuration.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Poll    PollConfig    `yaml:"poll"`
	Pump    PumpConfig    `yaml:"pump"`
	FanLink FanLinkConfig `yaml:"fan_link"`
	DBus    DBusConfig    `yaml:"dbus"`
}

// DeviceConfig selects the cooler and tunes its transfers.
type DeviceConfig struct {
	VendorID        uint16        `yaml:"vendor_id"`
	ProductID       uint16        `yaml:"product_id"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`
	CommandSpacing  time.Duration `yaml:"command_spacing"`
	PacketSize      int           `yaml:"packet_size"`
	QueueDepth      int           `yaml:"queue_depth"`
	Hotplug         bool          `yaml:"hotplug"`
}

// PollConfig controls the poll scheduler and shutdown.
type PollConfig struct {
	Period     time.Duration `yaml:"period"`
	DrainDelay time.Duration `yaml:"drain_delay"`
}

// PumpConfig holds the controller target and hysteresis band in degrees Celsius.
type PumpConfig struct {
	TargetTemperature     float64 `yaml:"target_temperature"`
	QuietToBalanced       float64 `yaml:"quiet_to_balanced"`
	BalancedToQuiet       float64 `yaml:"balanced_to_quiet"`
	BalancedToPerformance float64 `yaml:"balanced_to_performance"`
	PerformanceToBalanced float64 `yaml:"performance_to_balanced"`
	BalancedDuty          float64 `yaml:"balanced_duty"`
	PerformanceDuty       float64 `yaml:"performance_duty"`
}

// FanLinkConfig locates the external fan controller.
type FanLinkConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Port         string `yaml:"port"`
	SerialNumber string `yaml:"serial_number"`
	BaudRate     int    `yaml:"baud_rate"`
}

// DBusConfig controls the D-Bus service.
type DBusConfig struct {
	Enabled   bool `yaml:"enabled"`
	SystemBus bool `yaml:"system_bus"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			VendorID:        0x1b1c,
			ProductID:       0x0c12,
			TransferTimeout: 500 * time.Millisecond,
			CommandSpacing:  50 * time.Millisecond,
			PacketSize:      64,
			QueueDepth:      4,
			Hotplug:         true,
		},
		Poll: PollConfig{
			Period:     2 * time.Second,
			DrainDelay: 500 * time.Millisecond,
		},
		Pump: PumpConfig{
			TargetTemperature:     32,
			QuietToBalanced:       0.5,
			BalancedToQuiet:       0.5,
			BalancedToPerformance: 1.5,
			PerformanceToBalanced: 0.5,
			BalancedDuty:          4,
			PerformanceDuty:       20,
		},
		FanLink: FanLinkConfig{
			Enabled:      true,
			SerialNumber: "55739323930351F042C1",
			BaudRate:     115200,
		},
		DBus: DBusConfig{
			Enabled: true,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Device.VendorID == 0 || c.Device.ProductID == 0 {
		errs = append(errs, errors.New("device vendor_id and product_id must be set"))
	}
	if c.Device.TransferTimeout <= 0 {
		errs = append(errs, errors.New("device transfer_timeout must be positive"))
	}
	if c.Device.CommandSpacing < 0 {
		errs = append(errs, errors.New("device command_spacing must not be negative"))
	}
	if c.Device.PacketSize <= 0 || c.Device.QueueDepth <= 0 {
		errs = append(errs, errors.New("device packet_size and queue_depth must be positive"))
	}
	if c.Poll.Period <= 0 {
		errs = append(errs, errors.New("poll period must be positive"))
	}
	if c.Poll.DrainDelay < 0 {
		errs = append(errs, errors.New("poll drain_delay must not be negative"))
	}
	if c.Pump.TargetTemperature <= 0 || c.Pump.TargetTemperature >= 100 {
		errs = append(errs, fmt.Errorf("pump target_temperature %g out of range (0, 100)", c.Pump.TargetTemperature))
	}
	if err := c.Thresholds().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pump thresholds: %w", err))
	}
	if c.FanLink.Enabled && c.FanLink.Port == "" && c.FanLink.SerialNumber == "" {
		errs = append(errs, errors.New("fan_link needs either port or serial_number"))
	}
	if c.FanLink.Enabled && c.FanLink.BaudRate <= 0 {
		errs = append(errs, errors.New("fan_link baud_rate must be positive"))
	}

	return errors.Join(errs...)
}

// Target returns the target temperature in device resolution.
func (c *Config) Target() protocol.Decidegrees {
	return protocol.FromCelsius(c.Pump.TargetTemperature)
}

// Thresholds converts the pump section into controller thresholds.
func (c *Config) Thresholds() pump.Thresholds {
	return pump.Thresholds{
		QuietToBalanced:       protocol.FromCelsius(c.Pump.QuietToBalanced),
		BalancedToQuiet:       protocol.FromCelsius(c.Pump.BalancedToQuiet),
		BalancedToPerformance: protocol.FromCelsius(c.Pump.BalancedToPerformance),
		PerformanceToBalanced: protocol.FromCelsius(c.Pump.PerformanceToBalanced),
		BalancedDuty:          c.Pump.BalancedDuty,
		PerformanceDuty:       c.Pump.PerformanceDuty,
	}
}
