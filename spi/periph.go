// Package spi provides spiflash transports backed by Linux SPI drivers. The
// chip-select lines are plain GPIO outputs driven by the transport, the
// hardware chip-select of the SPI port is left alone.
package spi

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"

	"go.uber.org/multierr"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/mklimuk/spiflash"
	"github.com/mklimuk/spiflash/spictx"
)

var _ spiflash.Transport = &PeriphBus{}

// PeriphBus is a spidev port opened through periph.io. Chip-select number n
// maps to the GPIO named "GPIOn".
type PeriphBus struct {
	mx     sync.Mutex
	dev    string
	speed  physic.Frequency
	port   spi.PortCloser
	conn   spi.Conn
	lookup func(name string) gpio.PinIO
	pins   map[uint8]gpio.PinIO
}

func NewPeriphBus(dev string, speedHz int64) (*PeriphBus, error) {
	state, err := host.Init()
	if err != nil {
		return nil, fmt.Errorf("could not init host: %w", err)
	}
	for _, driver := range state.Loaded {
		slog.Debug("loaded periph driver", "driver", driver.String())
	}
	return &PeriphBus{
		dev:    dev,
		speed:  physic.Frequency(speedHz) * physic.Hertz,
		lookup: gpioreg.ByName,
		pins:   make(map[uint8]gpio.PinIO),
	}, nil
}

// Init opens and connects the port on first use.
func (b *PeriphBus) Init(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.conn != nil {
		return nil
	}
	port, err := spireg.Open(b.dev)
	if err != nil {
		return fmt.Errorf("could not open spi port %s: %w", b.dev, err)
	}
	c, err := port.Connect(b.speed, spi.Mode0, 8)
	if err != nil {
		return multierr.Append(fmt.Errorf("could not connect to spi port %s: %w", b.dev, err), port.Close())
	}
	b.port = port
	b.conn = c
	return nil
}

func (b *PeriphBus) Tx(ctx context.Context, w, r []byte) error {
	b.mx.Lock()
	c := b.conn
	b.mx.Unlock()
	if c == nil {
		return fmt.Errorf("spi port %s is not initialized", b.dev)
	}
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	if w == nil {
		w = make([]byte, len(r))
	}
	if spictx.IsVerbose(ctx) {
		slog.Debug("spi tx", "data", hex.EncodeToString(w))
	}
	// spidev caps the size of a single transfer; chip-select stays asserted
	// across the pieces
	limit := len(w)
	if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
		limit = l.MaxTxSize()
	}
	for off := 0; off < len(w); off += limit {
		end := min(off+limit, len(w))
		var rp []byte
		if r != nil {
			rp = r[off:end]
		}
		if err := c.Tx(w[off:end], rp); err != nil {
			return fmt.Errorf("could not transfer %d bytes on %s: %w", end-off, b.dev, err)
		}
	}
	if r != nil && spictx.IsVerbose(ctx) {
		slog.Debug("spi rx", "data", hex.EncodeToString(r))
	}
	return nil
}

// Configure drives the line high (inactive) and makes it an output.
func (b *PeriphBus) Configure(ctx context.Context, cs uint8) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	name := fmt.Sprintf("GPIO%d", cs)
	pin := b.lookup(name)
	if pin == nil {
		return fmt.Errorf("no gpio named %s", name)
	}
	if err := pin.Out(gpio.High); err != nil {
		return fmt.Errorf("could not set %s as output: %w", name, err)
	}
	b.pins[cs] = pin
	return nil
}

func (b *PeriphBus) Select(ctx context.Context, cs uint8) error {
	return b.drive(cs, gpio.Low)
}

func (b *PeriphBus) Deselect(ctx context.Context, cs uint8) error {
	return b.drive(cs, gpio.High)
}

func (b *PeriphBus) drive(cs uint8, level gpio.Level) error {
	b.mx.Lock()
	pin, ok := b.pins[cs]
	b.mx.Unlock()
	if !ok {
		return fmt.Errorf("cs %d is not configured", cs)
	}
	if err := pin.Out(level); err != nil {
		return fmt.Errorf("could not drive cs %d %s: %w", cs, level, err)
	}
	return nil
}

func (b *PeriphBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	b.conn = nil
	return err
}
