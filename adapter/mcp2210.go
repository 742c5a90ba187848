package adapter

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/mklimuk/spiflash"
)

const (
	MCP2210VendorID  = 0x04D8
	MCP2210ProductID = 0x00DE
)

// MCP2210 commands
const (
	mcp2210GetChipSettings     = 0x20
	mcp2210SetChipSettings     = 0x21
	mcp2210SetGPIOValue        = 0x30
	mcp2210GetGPIOValue        = 0x31
	mcp2210SetGPIODirection    = 0x32
	mcp2210GetGPIODirection    = 0x33
	mcp2210SetTransferSettings = 0x40
	mcp2210Transfer            = 0x42
)

// MCP2210 response status and SPI engine states
const (
	mcp2210StatusOK          = 0x00
	mcp2210StatusBusBusy     = 0xF7
	mcp2210StatusInProgress  = 0xF8
	mcp2210EngineDone        = 0x10
	mcp2210EngineStarted     = 0x20
	mcp2210EngineDataPending = 0x30
)

const (
	// MCP2210MaxChunk is the payload of a single transfer report.
	MCP2210MaxChunk = 60
	mcp2210GPCount  = 9
	// transfer reports a busy engine may answer before we give up
	mcp2210MaxPolls = 256
)

var _ spiflash.Transport = &MCP2210{}

// MCP2210 is a USB-to-SPI bridge. Its GP0..GP8 pins serve as chip-select
// lines in GPIO mode, so a select spans any number of transfer reports.
type MCP2210 struct {
	mx       sync.Mutex
	link     *link
	bitRate  uint32
	txLength int // bytes per SPI transaction currently programmed
	gpio     uint16
}

func NewMCP2210(bitRate uint32, id ...int) *MCP2210 {
	index := -1
	if len(id) > 0 {
		index = id[0]
	}
	return newMCP2210(openHID("MCP2210", MCP2210VendorID, MCP2210ProductID, index), bitRate)
}

func newMCP2210(open opener, bitRate uint32) *MCP2210 {
	return &MCP2210{
		link:    newLink("MCP2210", open),
		bitRate: bitRate,
		gpio:    0x01FF,
	}
}

// Init opens the bridge. The transfer settings are programmed on first Tx.
func (d *MCP2210) Init(ctx context.Context) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	if err := d.link.connect(); err != nil {
		return err
	}
	d.txLength = 0
	return nil
}

func (d *MCP2210) Tx(ctx context.Context, w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	n := max(len(w), len(r))
	if w == nil {
		w = make([]byte, n)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	for off := 0; off < n; off += MCP2210MaxChunk {
		end := min(off+MCP2210MaxChunk, n)
		var rp []byte
		if r != nil {
			rp = r[off:end]
		}
		if err := d.transfer(ctx, w[off:end], rp); err != nil {
			return err
		}
	}
	return nil
}

// Configure switches GPn to GPIO mode as an output driven high.
func (d *MCP2210) Configure(ctx context.Context, cs uint8) error {
	if cs >= mcp2210GPCount {
		return fmt.Errorf("MCP2210 has no GP%d", cs)
	}
	d.mx.Lock()
	defer d.mx.Unlock()

	d.link.resetBuffers()
	d.link.request[0] = mcp2210GetChipSettings
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not get chip settings: %w", err)
	}
	settings := make([]byte, 15)
	copy(settings, d.link.response[4:19])
	bit := uint16(1) << cs
	settings[cs] = 0x00 // GPIO designation
	defaults := binary.LittleEndian.Uint16(settings[9:11]) | bit
	binary.LittleEndian.PutUint16(settings[9:11], defaults)
	direction := binary.LittleEndian.Uint16(settings[11:13]) &^ bit
	binary.LittleEndian.PutUint16(settings[11:13], direction)

	d.link.resetBuffers()
	d.link.request[0] = mcp2210SetChipSettings
	copy(d.link.request[4:], settings)
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not set chip settings: %w", err)
	}

	d.link.resetBuffers()
	d.link.request[0] = mcp2210GetGPIOValue
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not read gpio values: %w", err)
	}
	d.gpio = binary.LittleEndian.Uint16(d.link.response[4:6])
	if err := d.setGPIO(ctx, d.gpio|bit); err != nil {
		return err
	}

	d.link.resetBuffers()
	d.link.request[0] = mcp2210SetGPIODirection
	binary.LittleEndian.PutUint16(d.link.request[4:6], direction)
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not set gpio direction: %w", err)
	}
	return nil
}

func (d *MCP2210) Select(ctx context.Context, cs uint8) error {
	if cs >= mcp2210GPCount {
		return fmt.Errorf("MCP2210 has no GP%d", cs)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.setGPIO(ctx, d.gpio&^(1<<cs))
}

func (d *MCP2210) Deselect(ctx context.Context, cs uint8) error {
	if cs >= mcp2210GPCount {
		return fmt.Errorf("MCP2210 has no GP%d", cs)
	}
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.setGPIO(ctx, d.gpio|(1<<cs))
}

func (d *MCP2210) Close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.link.close()
}

func (d *MCP2210) setGPIO(ctx context.Context, value uint16) error {
	d.link.resetBuffers()
	d.link.request[0] = mcp2210SetGPIOValue
	binary.LittleEndian.PutUint16(d.link.request[4:6], value)
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not set gpio values: %w", err)
	}
	d.gpio = value
	return nil
}

func (d *MCP2210) setTransferSettings(ctx context.Context, length int) error {
	d.link.resetBuffers()
	d.link.request[0] = mcp2210SetTransferSettings
	binary.LittleEndian.PutUint32(d.link.request[4:8], d.bitRate)
	// dedicated chip-select pins stay high, GP lines are driven as GPIO
	binary.LittleEndian.PutUint16(d.link.request[8:10], 0x01FF)
	binary.LittleEndian.PutUint16(d.link.request[10:12], 0x01FF)
	binary.LittleEndian.PutUint16(d.link.request[18:20], uint16(length))
	d.link.request[20] = 0 // SPI mode 0
	if err := d.command(ctx); err != nil {
		return fmt.Errorf("could not set spi transfer settings: %w", err)
	}
	d.txLength = length
	return nil
}

// transfer runs one SPI transaction of at most MCP2210MaxChunk bytes. The
// bridge answers with what it has received so far; empty transfer reports
// collect the rest.
func (d *MCP2210) transfer(ctx context.Context, w, r []byte) error {
	if d.txLength != len(w) {
		if err := d.setTransferSettings(ctx, len(w)); err != nil {
			return err
		}
	}
	received := make([]byte, 0, len(w))
	payload := w
	for polls := 0; polls < mcp2210MaxPolls; polls++ {
		d.link.resetBuffers()
		d.link.request[0] = mcp2210Transfer
		d.link.request[1] = byte(len(payload))
		copy(d.link.request[4:], payload)
		if err := d.link.send(ctx, true); err != nil {
			return fmt.Errorf("spi transfer failed: %w", err)
		}
		switch d.link.response[1] {
		case mcp2210StatusOK:
		case mcp2210StatusInProgress:
			continue
		case mcp2210StatusBusBusy:
			return spiflash.ErrBusBusy
		default:
			return fmt.Errorf("%w: spi transfer status 0x%02x", ErrCommandFailed, d.link.response[1])
		}
		// payload accepted, from now on only poll for data
		payload = nil
		count := int(d.link.response[2])
		received = append(received, d.link.response[4:4+min(count, MCP2210MaxChunk)]...)
		if d.link.response[3] == mcp2210EngineDone {
			if len(received) != len(w) {
				return fmt.Errorf("spi transfer returned %d bytes, expected %d", len(received), len(w))
			}
			if r != nil {
				copy(r, received)
			}
			return nil
		}
	}
	return fmt.Errorf("spi transfer did not complete after %d polls", mcp2210MaxPolls)
}

// command sends the request and checks the response status.
func (d *MCP2210) command(ctx context.Context) error {
	if err := d.link.send(ctx, true); err != nil {
		return err
	}
	switch d.link.response[1] {
	case mcp2210StatusOK:
		return nil
	case mcp2210StatusBusBusy:
		return spiflash.ErrBusBusy
	default:
		return fmt.Errorf("%w: status 0x%02x", ErrCommandFailed, d.link.response[1])
	}
}
