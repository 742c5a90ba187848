// Package gpio drives I2C GPIO expanders used as chip-select providers.
package gpio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mklimuk/spiflash"
)

type registry int

const DefaultMCP23017Address = 0x21

// Registries
const (
	IODIRA registry = iota
	IOPOLA
	GPPUA
	GPIOA
	OLATA
	IODIRB
	IOPOLB
	GPPUB
	GPIOB
	OLATB
)

// BankAddr maps registries to addresses for IOCON.BANK=0 and IOCON.BANK=1.
var BankAddr = []map[registry]byte{
	{
		IODIRA: 0x00,
		IOPOLA: 0x02,
		GPPUA:  0x0C,
		GPIOA:  0x12,
		OLATA:  0x14,
		IODIRB: 0x01,
		IOPOLB: 0x03,
		GPPUB:  0x0D,
		GPIOB:  0x13,
		OLATB:  0x15,
	},
	{
		IODIRA: 0x00,
		IOPOLA: 0x01,
		GPPUA:  0x06,
		GPIOA:  0x09,
		OLATA:  0x0A,
		IODIRB: 0x10,
		IOPOLB: 0x11,
		GPPUB:  0x16,
		GPIOB:  0x19,
		OLATB:  0x1A,
	},
}

var _ spiflash.ChipSelector = &MCP23017{}

/*
MCP23017 provides 16 chip-select lines: 0-7 on port A, 8-15 on port B.

	Steps to drive a line:

1. Set its latch bit high in OLAT so the pin idles inactive
2. Clear its bit in IODIR (output)
3. Clear/set the OLAT bit to select/deselect
*/
type MCP23017 struct {
	mx         sync.Mutex
	transport  spiflash.I2CBus
	bank       int
	address    byte
	retryLimit int
	latch      [2]byte
	direction  [2]byte
}

func NewMCP23017(bus spiflash.I2CBus, address byte) *MCP23017 {
	return &MCP23017{
		retryLimit: 3,
		transport:  bus,
		address:    address,
		latch:      [2]byte{0xFF, 0xFF},
		direction:  [2]byte{0xFF, 0xFF}, // power-on default, all inputs
	}
}

func (m *MCP23017) Configure(ctx context.Context, cs uint8) error {
	port, bit, err := pin(cs)
	if err != nil {
		return err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	latch := m.latch[port] | bit
	if err := m.writeRegistry(ctx, olat(port), latch); err != nil {
		return fmt.Errorf("could not set cs %d latch: %w", cs, err)
	}
	m.latch[port] = latch
	direction := m.direction[port] &^ bit
	if err := m.writeRegistry(ctx, iodir(port), direction); err != nil {
		return fmt.Errorf("could not set cs %d as output: %w", cs, err)
	}
	m.direction[port] = direction
	return nil
}

func (m *MCP23017) Select(ctx context.Context, cs uint8) error {
	return m.drive(ctx, cs, false)
}

func (m *MCP23017) Deselect(ctx context.Context, cs uint8) error {
	return m.drive(ctx, cs, true)
}

func (m *MCP23017) drive(ctx context.Context, cs uint8, high bool) error {
	port, bit, err := pin(cs)
	if err != nil {
		return err
	}
	m.mx.Lock()
	defer m.mx.Unlock()
	latch := m.latch[port] &^ bit
	if high {
		latch |= bit
	}
	if err := m.writeRegistry(ctx, olat(port), latch); err != nil {
		return fmt.Errorf("could not drive cs %d: %w", cs, err)
	}
	m.latch[port] = latch
	return nil
}

func (m *MCP23017) writeRegistry(ctx context.Context, reg registry, value byte) error {
	var err error
	for i := m.retryLimit; i > 0; i-- {
		err = m.transport.WriteToAddr(ctx, m.address, []byte{BankAddr[m.bank][reg], value})
		if err == nil {
			return nil
		}
		if !errors.Is(err, spiflash.ErrBusBusy) {
			return err
		}
		// try to release the bus
		_ = m.transport.Release(ctx)
	}
	return fmt.Errorf("retry limit reached: %w", err)
}

func pin(cs uint8) (port int, bit byte, err error) {
	if cs > 15 {
		return 0, 0, fmt.Errorf("MCP23017 has no pin %d", cs)
	}
	return int(cs / 8), 1 << (cs % 8), nil
}

func olat(port int) registry {
	if port == 0 {
		return OLATA
	}
	return OLATB
}

func iodir(port int) registry {
	if port == 0 {
		return IODIRA
	}
	return IODIRB
}
