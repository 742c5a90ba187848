// Package config loads the spiflash YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mklimuk/spiflash/flash"
)

const (
	DriverPeriph  = "periph"
	DriverGobot   = "gobot"
	DriverMCP2210 = "mcp2210"
	DriverSim     = "sim"
)

type Config struct {
	Bus        Bus                 `yaml:"bus"`
	ChipSelect uint8               `yaml:"chip_select"`
	MaxChips   int                 `yaml:"max_chips"`
	Timing     Timing              `yaml:"timing"`
	Chips      []flash.Description `yaml:"chips"`
}

type Bus struct {
	Driver     string      `yaml:"driver"`
	Device     string      `yaml:"device"`
	SpeedHz    int64       `yaml:"speed_hz"`
	CSExpander *CSExpander `yaml:"cs_expander,omitempty"`
}

// CSExpander moves chip-select lines to an MCP23017. I2C is a periph bus
// name (e.g. /dev/i2c-1) or "mcp2221" for the USB bridge.
type CSExpander struct {
	I2C     string `yaml:"i2c"`
	Address uint8  `yaml:"address"`
}

type Timing struct {
	PageProgramPoll    time.Duration `yaml:"page_program_poll"`
	ErasePoll          time.Duration `yaml:"erase_poll"`
	ChipErasePoll      time.Duration `yaml:"chip_erase_poll"`
	EraseSettle        time.Duration `yaml:"erase_settle"`
	PageProgramTimeout time.Duration `yaml:"page_program_timeout"`
	EraseTimeout       time.Duration `yaml:"erase_timeout"`
	ChipEraseTimeout   time.Duration `yaml:"chip_erase_timeout"`
}

func Default() Config {
	return Config{
		Bus: Bus{
			Driver:  DriverPeriph,
			Device:  "SPI0.0",
			SpeedHz: 1_000_000,
		},
		ChipSelect: 5,
		MaxChips:   flash.DefaultMaxChips,
		Timing: Timing{
			PageProgramPoll:    time.Millisecond,
			ErasePoll:          5 * time.Millisecond,
			ChipErasePoll:      25 * time.Millisecond,
			EraseSettle:        70 * time.Millisecond,
			PageProgramTimeout: 50 * time.Millisecond,
			EraseTimeout:       2 * time.Second,
			ChipEraseTimeout:   400 * time.Second,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("could not read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("could not parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Bus.Driver {
	case DriverPeriph, DriverGobot, DriverMCP2210, DriverSim:
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.MaxChips < 0 {
		return fmt.Errorf("max_chips must not be negative")
	}
	for i, chip := range c.Chips {
		// manufacturer 0 terminates the registry
		if chip.Manufacturer == 0 {
			return fmt.Errorf("chip %d (%s): manufacturer must not be 0", i, chip.Description)
		}
		if chip.Size == 0 {
			return fmt.Errorf("chip %d (%s): size must be set", i, chip.Description)
		}
	}
	return nil
}

// Registry returns the built-in chips extended with the configured ones.
func (c Config) Registry() *flash.Registry {
	extra := make([]flash.Chip, 0, len(c.Chips))
	for _, d := range c.Chips {
		extra = append(extra, flash.Chip{
			Manufacturer: d.Manufacturer,
			DeviceID:     d.DeviceID,
			Size:         d.Size,
			Description:  d.Description,
		})
	}
	return flash.DefaultRegistry().Extend(extra...)
}

func (c Config) DriverOptions() []flash.DriverOpt {
	return []flash.DriverOpt{
		flash.WithMaxChips(c.MaxChips),
		flash.WithRegistry(c.Registry()),
		flash.WithPollIntervals(c.Timing.PageProgramPoll, c.Timing.ErasePoll, c.Timing.ChipErasePoll),
		flash.WithEraseSettle(c.Timing.EraseSettle),
		flash.WithTimeouts(c.Timing.PageProgramTimeout, c.Timing.EraseTimeout, c.Timing.ChipEraseTimeout),
	}
}
