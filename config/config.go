// Package config loads the positioner's YAML configuration.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"github.com/w1xm/positioner/actuator/gpio"
	"github.com/w1xm/positioner/actuator/modbus"
	"github.com/w1xm/positioner/controller"
	"github.com/w1xm/positioner/station"
	"gopkg.in/yaml.v3"
)

// Actuator types.
const (
	ActuatorSim    = "sim"
	ActuatorGPIO   = "gpio"
	ActuatorModbus = "modbus"
)

type ActuatorConfig struct {
	Type     string        `yaml:"type"`
	MockGPIO bool          `yaml:"mock_gpio"` // use gpio's in-memory driver
	GPIO     gpio.Config   `yaml:"gpio"`
	Modbus   modbus.Config `yaml:"modbus"`
}

// MountConfig calibrates the dish. Offsets are added to reported positions
// and subtracted from commands. Latitude enables equatorial commands.
type MountConfig struct {
	AzimuthOffset   float64 `yaml:"azimuth_offset"`
	ElevationOffset float64 `yaml:"elevation_offset"`
	Latitude        float64 `yaml:"latitude"`
}

type EasyCommConfig struct {
	Serial string `yaml:"serial"` // serial port name; empty disables
	Baud   int    `yaml:"baud"`
	Listen string `yaml:"listen"` // TCP address; empty disables
}

type RotctldConfig struct {
	Listen string `yaml:"listen"`
}

type HTTPConfig struct {
	Listen    string `yaml:"listen"`
	StaticDir string `yaml:"static_dir"`
}

// InfluxConfig enables telemetry when Server is set.
type InfluxConfig struct {
	Server   string        `yaml:"server"`
	Token    string        `yaml:"token"`
	Org      string        `yaml:"org"`
	Bucket   string        `yaml:"bucket"`
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Controller   controller.Config `yaml:"controller"`
	TickInterval time.Duration     `yaml:"tick_interval"`
	Actuator     ActuatorConfig    `yaml:"actuator"`
	Mount        MountConfig       `yaml:"mount"`
	EasyComm     EasyCommConfig    `yaml:"easycomm"`
	Rotctld      RotctldConfig     `yaml:"rotctld"`
	HTTP         HTTPConfig        `yaml:"http"`
	Influx       InfluxConfig      `yaml:"influx"`
}

func Default() *Config {
	return &Config{
		Controller:   controller.DefaultConfig(),
		TickInterval: station.DefaultTickInterval,
		Actuator:     ActuatorConfig{Type: ActuatorSim},
		EasyComm:     EasyCommConfig{Baud: 9600},
		Rotctld:      RotctldConfig{Listen: "127.0.0.1:4533"},
		HTTP:         HTTPConfig{Listen: "127.0.0.1:8502"},
		Influx:       InfluxConfig{Interval: time.Second},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := c.Controller.Azimuth.Validate(); err != nil {
		return fmt.Errorf("controller.azimuth: %w", err)
	}
	if err := c.Controller.Elevation.Validate(); err != nil {
		return fmt.Errorf("controller.elevation: %w", err)
	}
	if !(c.Controller.PositionTolerance > 0) {
		return fmt.Errorf("controller.position_tolerance must be > 0, got %v", c.Controller.PositionTolerance)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick_interval must be > 0, got %v", c.TickInterval)
	}
	switch c.Actuator.Type {
	case ActuatorSim:
	case ActuatorGPIO:
		if err := c.Actuator.GPIO.Validate(); err != nil {
			return fmt.Errorf("actuator.gpio: %w", err)
		}
	case ActuatorModbus:
		if c.Actuator.Modbus.Port == "" && c.Actuator.Modbus.URL == "" {
			return fmt.Errorf("actuator.modbus: port or url is required")
		}
	default:
		return fmt.Errorf("actuator.type must be %q, %q or %q, got %q", ActuatorSim, ActuatorGPIO, ActuatorModbus, c.Actuator.Type)
	}
	if math.Abs(c.Mount.Latitude) > 90 {
		return fmt.Errorf("mount.latitude must be within ±90, got %v", c.Mount.Latitude)
	}
	if c.EasyComm.Serial != "" && c.EasyComm.Baud <= 0 {
		return fmt.Errorf("easycomm.baud must be > 0, got %d", c.EasyComm.Baud)
	}
	if c.Influx.Server != "" {
		if c.Influx.Org == "" || c.Influx.Bucket == "" {
			return fmt.Errorf("influx: org and bucket are required with a server")
		}
		if c.Influx.Interval <= 0 {
			c.Influx.Interval = time.Second
		}
	}
	return nil
}
