package spi

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	gobotspi "gobot.io/x/gobot/v2/drivers/spi"

	"github.com/mklimuk/spiflash"
	"github.com/mklimuk/spiflash/spictx"
)

var _ spiflash.Transport = &GobotBus{}

// spiOps is the subset of a gobot SPI connection the bus relies on.
type spiOps interface {
	ReadCommandData(command []byte, data []byte) error
	WriteBytes(data []byte) error
}

// PinWriter drives a digital output by its board pin name. Gobot platform
// adaptors (nanopi, raspi, ...) implement it.
type PinWriter interface {
	DigitalWrite(pin string, val byte) error
}

type GobotBusOpts struct {
	BusNumber  int
	ChipNumber int
	SpeedHz    int64
	// PinName maps a chip-select id to a board pin, defaults to the decimal id.
	PinName func(cs uint8) string
}

type GobotBusOpt func(*GobotBusOpts)

func WithBusNumber(n int) GobotBusOpt {
	return func(o *GobotBusOpts) {
		o.BusNumber = n
	}
}

func WithChipNumber(n int) GobotBusOpt {
	return func(o *GobotBusOpts) {
		o.ChipNumber = n
	}
}

func WithSpeed(hz int64) GobotBusOpt {
	return func(o *GobotBusOpts) {
		o.SpeedHz = hz
	}
}

func WithPinName(f func(cs uint8) string) GobotBusOpt {
	return func(o *GobotBusOpts) {
		o.PinName = f
	}
}

// GobotBus is a half-duplex SPI bus on top of a gobot platform adaptor.
// Bytes shifted in while a command goes out are reported as 0xFF, which is
// what a flash chip drives on MISO during the command phase.
type GobotBus struct {
	mx         sync.Mutex
	connector  gobotspi.Connector
	conn       spiOps
	pins       PinWriter
	config     GobotBusOpts
	configured map[uint8]string
}

func NewGobotBus(connector gobotspi.Connector, pins PinWriter, opts ...GobotBusOpt) *GobotBus {
	config := GobotBusOpts{
		BusNumber:  connector.SpiDefaultBusNumber(),
		ChipNumber: connector.SpiDefaultChipNumber(),
		SpeedHz:    5_000_000,
		PinName: func(cs uint8) string {
			return strconv.Itoa(int(cs))
		},
	}
	for _, opt := range opts {
		opt(&config)
	}
	return &GobotBus{
		connector:  connector,
		pins:       pins,
		config:     config,
		configured: make(map[uint8]string),
	}
}

func (b *GobotBus) Init(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.conn != nil {
		return nil
	}
	// mode 0, 8 bits per word
	c, err := b.connector.GetSpiConnection(b.config.BusNumber, b.config.ChipNumber, 0, 8, b.config.SpeedHz)
	if err != nil {
		return fmt.Errorf("could not open spi bus %d.%d: %w", b.config.BusNumber, b.config.ChipNumber, err)
	}
	b.conn = c
	return nil
}

// Tx maps a transfer onto the write and read operations of the connection:
//   - r nil: the bytes are written and whatever comes back is discarded
//   - w nil or all zeros: zeros are clocked out while reading into r
//   - otherwise w is written and r is filled with 0xFF
func (b *GobotBus) Tx(ctx context.Context, w, r []byte) error {
	b.mx.Lock()
	ops := b.conn
	b.mx.Unlock()
	if ops == nil {
		return fmt.Errorf("spi connection not initialized")
	}
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	verbose := spictx.IsVerbose(ctx)

	// write-only transaction
	if len(r) == 0 {
		if len(w) == 0 {
			return nil
		}
		if verbose {
			slog.Debug("spi tx", "data", hex.EncodeToString(w))
		}
		return ops.WriteBytes(w)
	}

	if isZero(w) {
		if err := ops.ReadCommandData([]byte{}, r); err != nil {
			return fmt.Errorf("could not read %d bytes: %w", len(r), err)
		}
		if verbose {
			slog.Debug("spi rx", "data", hex.EncodeToString(r))
		}
		return nil
	}

	if verbose {
		slog.Debug("spi tx", "data", hex.EncodeToString(w))
	}
	if err := ops.WriteBytes(w); err != nil {
		return err
	}
	for i := range r {
		r[i] = 0xFF
	}
	return nil
}

func (b *GobotBus) Configure(ctx context.Context, cs uint8) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	pin := b.config.PinName(cs)
	if err := b.pins.DigitalWrite(pin, 1); err != nil {
		return fmt.Errorf("could not configure cs pin %s: %w", pin, err)
	}
	b.configured[cs] = pin
	return nil
}

func (b *GobotBus) Select(ctx context.Context, cs uint8) error {
	return b.drive(cs, 0)
}

func (b *GobotBus) Deselect(ctx context.Context, cs uint8) error {
	return b.drive(cs, 1)
}

func (b *GobotBus) drive(cs uint8, level byte) error {
	b.mx.Lock()
	pin, ok := b.configured[cs]
	b.mx.Unlock()
	if !ok {
		return fmt.Errorf("cs %d is not configured", cs)
	}
	if err := b.pins.DigitalWrite(pin, level); err != nil {
		return fmt.Errorf("could not write %d to cs pin %s: %w", level, pin, err)
	}
	return nil
}

// Close releases the spi connection.
func (b *GobotBus) Close() error {
	b.mx.Lock()
	defer b.mx.Unlock()
	c, ok := b.conn.(io.Closer)
	b.conn = nil
	if !ok {
		return nil
	}
	return c.Close()
}

func isZero(p []byte) bool {
	for _, v := range p {
		if v != 0 {
			return false
		}
	}
	return true
}
