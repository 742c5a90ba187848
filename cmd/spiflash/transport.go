package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gobot.io/x/gobot/v2/platforms/friendlyelec/nanopi"

	"github.com/mklimuk/spiflash"
	"github.com/mklimuk/spiflash/adapter"
	"github.com/mklimuk/spiflash/config"
	"github.com/mklimuk/spiflash/flash"
	"github.com/mklimuk/spiflash/gpio"
	"github.com/mklimuk/spiflash/i2c"
	"github.com/mklimuk/spiflash/sim"
	"github.com/mklimuk/spiflash/spi"
	"github.com/mklimuk/spiflash/spictx"
)

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}

// session is a probed flash chip and the transport behind it.
type session struct {
	ctx     context.Context
	cfg     config.Config
	driver  *flash.Driver
	handle  flash.Handle
	closers []io.Closer
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if c.IsSet("bus") {
		cfg.Bus.Driver = c.String("bus")
	}
	if c.IsSet("device") {
		cfg.Bus.Device = c.String("device")
	}
	if c.IsSet("cs") {
		cfg.ChipSelect = uint8(c.Uint("cs"))
	}
	return cfg, cfg.Validate()
}

// openFlash builds the transport from configuration and flags and probes the
// configured chip-select line.
func openFlash(c *cli.Context) (*session, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	s := &session{
		ctx: spictx.SetVerbose(c.Context, c.Bool("verbose")),
		cfg: cfg,
	}
	bus, cs, err := s.transport()
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	opts := append(cfg.DriverOptions(), flash.WithLogger(slog.Default()))
	s.driver = flash.New(bus, cs, opts...)
	s.handle, err = s.driver.Probe(s.ctx, cfg.ChipSelect)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	return s, nil
}

func (s *session) transport() (spiflash.SPIBus, spiflash.ChipSelector, error) {
	var bus spiflash.Transport
	switch s.cfg.Bus.Driver {
	case config.DriverPeriph:
		b, err := spi.NewPeriphBus(s.cfg.Bus.Device, s.cfg.Bus.SpeedHz)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, b)
		bus = b
	case config.DriverGobot:
		neo := nanopi.NewNeoAdaptor()
		if err := neo.Connect(); err != nil {
			return nil, nil, fmt.Errorf("could not connect gobot adaptor: %w", err)
		}
		opts := []spi.GobotBusOpt{spi.WithSpeed(s.cfg.Bus.SpeedHz)}
		if n, err := strconv.Atoi(s.cfg.Bus.Device); err == nil {
			opts = append(opts, spi.WithBusNumber(n))
		}
		b := spi.NewGobotBus(neo, neo, opts...)
		s.closers = append(s.closers, b, closerFunc(neo.Finalize))
		bus = b
	case config.DriverMCP2210:
		b := adapter.NewMCP2210(uint32(s.cfg.Bus.SpeedHz))
		s.closers = append(s.closers, b)
		bus = b
	case config.DriverSim:
		bus = sim.NewBus().Attach(s.cfg.ChipSelect, sim.NewFlash(0xEF, 0x4016, 4<<20))
	default:
		return nil, nil, fmt.Errorf("unknown bus driver %q", s.cfg.Bus.Driver)
	}

	expander := s.cfg.Bus.CSExpander
	if expander == nil {
		return bus, bus, nil
	}
	var i2cBus spiflash.I2CBus
	if expander.I2C == "mcp2221" {
		b := adapter.NewMCP2221()
		s.closers = append(s.closers, b)
		i2cBus = b
	} else {
		b, err := i2c.NewGenericBus(expander.I2C)
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, b)
		i2cBus = b
	}
	address := expander.Address
	if address == 0 {
		address = gpio.DefaultMCP23017Address
	}
	return bus, gpio.NewMCP23017(i2cBus, address), nil
}

func (s *session) Close() error {
	var err error
	for i := len(s.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, s.closers[i].Close())
	}
	s.closers = nil
	return err
}
