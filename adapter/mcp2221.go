package adapter

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mklimuk/spiflash"
)

const (
	MCP2221VendorID  = 0x04D8
	MCP2221ProductID = 0x00DD
)

var _ spiflash.I2CBus = &MCP2221{}

// MCP2221 is a USB-to-I2C bridge. It carries the chip-select expander when
// the host has no I2C bus of its own.
type MCP2221 struct {
	mx   sync.Mutex
	link *link
}

type MCP2221Status struct {
	I2CDataBufferCounter   int    `yaml:"i2c_data_buffer_counter"`
	I2CSpeedDivider        int    `yaml:"i2c_speed_divider"`
	I2CTimeout             int    `yaml:"i2c_timeout"`
	CurrentAddress         string `yaml:"current_address"`
	LastWriteRequestedSize uint16 `yaml:"last_write_requested_size"`
	LastWriteSentSize      uint16 `yaml:"last_write_sent_size"`
	ReadPending            int    `yaml:"read_pending"`
}

func NewMCP2221(id ...int) *MCP2221 {
	index := -1
	if len(id) > 0 {
		index = id[0]
	}
	d := newMCP2221(openHID("MCP2221", MCP2221VendorID, MCP2221ProductID, index))
	d.link.responseWait = 50 * time.Millisecond
	return d
}

func newMCP2221(open opener) *MCP2221 {
	return &MCP2221{link: newLink("MCP2221", open)}
}

func (d *MCP2221) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.link.resetBuffers()
	d.link.request[0] = 0x90
	binary.LittleEndian.PutUint16(d.link.request[1:3], uint16(len(buffer)))
	d.link.request[3] = address << 1
	copy(d.link.request[4:], buffer)
	err := d.link.send(ctx, true)
	if err != nil {
		return fmt.Errorf("write to %x failed: %w", address, err)
	}
	// write could not be performed
	if d.link.response[1] == 0x01 {
		slog.Debug("adapter busy", "address", fmt.Sprintf("0x%02x", address))
		return spiflash.ErrBusBusy
	}
	return nil
}

func (d *MCP2221) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.link.resetBuffers()
	d.link.request[0] = 0x91
	binary.LittleEndian.PutUint16(d.link.request[1:3], uint16(len(buffer)))
	d.link.request[3] = address<<1 + 1
	err := d.link.send(ctx, true)
	if err != nil {
		return fmt.Errorf("bus read from %x failed: %w", address, err)
	}
	if d.link.response[1] == 0x01 {
		return spiflash.ErrBusBusy
	}
	d.link.resetBuffers()
	d.link.request[0] = 0x40
	err = d.link.send(ctx, true)
	if err != nil {
		return fmt.Errorf("error getting read data from adapter: %w", err)
	}
	if d.link.response[1] == 0x41 {
		return fmt.Errorf("error reading the I2C slave data from the I2C engine")
	}
	if d.link.response[3] == 127 || int(d.link.response[3]) != len(buffer) {
		return fmt.Errorf("invalid data size byte; expected %d, got %d", len(buffer), d.link.response[3])
	}
	copy(buffer, d.link.response[4:])
	return nil
}

func (d *MCP2221) Status(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.link.resetBuffers()
	d.link.request[0] = 0x10
	err := d.link.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("status request failed: %w", err)
	}
	return bufferToStatus(d.link.response), nil
}

func bufferToStatus(buffer []byte) *MCP2221Status {
	/*
		9: Lower byte (16-bit value) of the requested I2C transfer length
		10: Higher byte (16-bit value) of the requested I2C transfer length
		11:	Lower byte (16-bit value) of the already transferred (through I2C) number of bytes
		12:	Higher byte (16-bit value) of the already transferred (through I2C) number of bytes
		13:	Internal I2C data buffer counter
		14: Current I2C communication speed divider value
		15: Current I2C timeout value
		16:	Lower byte (16-bit value) of the I2C address being used
		17:	Higher byte (16-bit value) of the I2C address being used
	*/
	status := &MCP2221Status{
		I2CDataBufferCounter: int(buffer[13]),
		I2CSpeedDivider:      int(buffer[14]),
		I2CTimeout:           int(buffer[15]),
		ReadPending:          int(buffer[25]),
		CurrentAddress:       hex.EncodeToString(buffer[16:18]),
	}
	status.LastWriteRequestedSize = binary.LittleEndian.Uint16(buffer[9:11])
	status.LastWriteSentSize = binary.LittleEndian.Uint16(buffer[11:13])
	return status
}

// Release cancels a stuck I2C transfer.
func (d *MCP2221) Release(ctx context.Context) error {
	_, err := d.ReleaseBus(ctx)
	return err
}

func (d *MCP2221) ReleaseBus(ctx context.Context) (*MCP2221Status, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.link.resetBuffers()
	d.link.request[0] = 0x10
	d.link.request[2] = 0x10
	err := d.link.send(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("release request failed: %w", err)
	}
	return bufferToStatus(d.link.response), nil
}

func (d *MCP2221) Close() error {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.link.close()
}
