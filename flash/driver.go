// Package flash drives generic JEDEC SPI NOR flash chips with 3-byte
// addressing (Micron M25PX, Winbond W25Q, Macronix MX25L and friends).
//
// Chips are discovered with Probe, which reads the JEDEC id on a chip-select
// line and matches it against a Registry. The returned Handle is then used
// for Read, Write, Erase and ChipErase. Writes are split into page program
// commands and erases are done in 4KB sub-sectors, each followed by status
// polling until the chip is no longer busy.
//
// Example usage:
//
//	bus, _ := spi.NewPeriphBus("SPI0.0", 1_000_000)
//	d := flash.New(bus, bus)
//	h, err := d.Probe(ctx, 5)
//	if err != nil { log.Fatal(err) }
//	buf := make([]byte, 16)
//	err = d.Read(ctx, h, 0x0000, buf)
package flash

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mklimuk/spiflash"
)

const (
	PageSize      = 256      // page program granularity
	SubsectorSize = 4 * 1024 // smallest erasable unit
	SectorSize    = 64 * 1024

	// DefaultMaxChips is the number of chips a board usually carries.
	DefaultMaxChips = 4

	addressSpace = 1 << 24
	idLength     = 20 // JEDEC id, extended id and UID; only 3 bytes are used
	busIdle      = 0xFF
)

// Handle identifies an attached chip. It is only valid for the Driver that
// returned it.
type Handle int

type attached struct {
	cs   uint8
	chip Chip
	line *sync.Mutex
}

// Driver talks to flash chips sharing one SPI bus.
type Driver struct {
	mx       sync.Mutex // protects chips, count and lines
	chips    []*attached
	count    int
	lines    map[uint8]*sync.Mutex
	bus      spiflash.SPIBus
	cs       spiflash.ChipSelector
	registry *Registry
	config   DriverOpts
	clock    clock.Clock
	log      *slog.Logger
}

func New(bus spiflash.SPIBus, cs spiflash.ChipSelector, opts ...DriverOpt) *Driver {
	config := defaultDriverOpts()
	for _, opt := range opts {
		opt(&config)
	}
	if config.MaxChips <= 0 {
		config.MaxChips = DefaultMaxChips
	}
	if config.Registry == nil {
		config.Registry = DefaultRegistry()
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Driver{
		chips:    make([]*attached, config.MaxChips),
		lines:    make(map[uint8]*sync.Mutex),
		bus:      bus,
		cs:       cs,
		registry: config.Registry,
		config:   config,
		clock:    config.Clock,
		log:      config.Logger,
	}
}

// Probe looks for a supported chip on cs and attaches it. Each successful
// call returns a new handle, even for a line probed before.
func (d *Driver) Probe(ctx context.Context, cs uint8) (Handle, error) {
	line := d.line(cs)
	line.Lock()
	defer line.Unlock()

	if err := d.cs.Configure(ctx, cs); err != nil {
		return -1, fmt.Errorf("could not configure cs %d: %w", cs, err)
	}
	if err := d.cs.Deselect(ctx, cs); err != nil {
		return -1, fmt.Errorf("could not deselect cs %d: %w", cs, err)
	}
	if err := d.bus.Init(ctx); err != nil {
		return -1, fmt.Errorf("could not init bus: %w", err)
	}

	d.log.Debug("probing SPI flash", "cs", cs)
	id := make([]byte, idLength)
	err := d.withSelected(ctx, cs, func(s *Session) error {
		if _, err := s.TransferByte(cmdGetID); err != nil {
			return err
		}
		return s.Read(id)
	})
	if err != nil {
		return -1, fmt.Errorf("could not read id on cs %d: %w", cs, err)
	}
	if id[0] == busIdle {
		return -1, fmt.Errorf("%w on cs %d", ErrNoDevice, cs)
	}
	manufacturer := id[0]
	deviceID := binary.BigEndian.Uint16(id[1:3])
	d.log.Debug("read flash id", "cs", cs, "manufacturer", fmt.Sprintf("0x%02x", manufacturer), "device", fmt.Sprintf("0x%04x", deviceID))

	idx := d.registry.index(manufacturer, deviceID)
	if idx < 0 {
		return -1, fmt.Errorf("%w: manufacturer 0x%02x device 0x%04x on cs %d", ErrUnsupportedDevice, manufacturer, deviceID, cs)
	}
	chip := d.registry.chip(idx)

	d.mx.Lock()
	defer d.mx.Unlock()
	if d.count >= len(d.chips) {
		return -1, fmt.Errorf("%w (max %d)", ErrTooManyChips, len(d.chips))
	}
	h := Handle(d.count)
	d.chips[h] = &attached{cs: cs, chip: chip, line: line}
	d.count++
	d.log.Debug("attached flash", "handle", h, "cs", cs, "chip", chip.Description)
	return h, nil
}

// Handles returns all attached chips in probe order.
func (d *Driver) Handles() []Handle {
	d.mx.Lock()
	defer d.mx.Unlock()
	out := make([]Handle, d.count)
	for i := range out {
		out[i] = Handle(i)
	}
	return out
}

// Info describes the chip behind h. It does not touch the bus.
func (d *Driver) Info(h Handle) (Description, error) {
	c, err := d.attachedChip(h)
	if err != nil {
		return Description{}, err
	}
	return c.chip.Describe(), nil
}

// Read fills out with flash content starting at address in one transaction.
func (d *Driver) Read(ctx context.Context, h Handle, address uint32, out []byte) error {
	c, err := d.attachedChip(h)
	if err != nil {
		return err
	}
	if err := c.checkRange(address, uint64(len(out))); err != nil {
		return err
	}
	c.line.Lock()
	defer c.line.Unlock()

	d.log.Debug("reading", "length", len(out), "address", fmt.Sprintf("0x%06x", address))
	err = d.withSelected(ctx, c.cs, func(s *Session) error {
		if err := s.writeAddressed(cmdReadData, address); err != nil {
			return err
		}
		return s.Read(out)
	})
	if err != nil {
		return fmt.Errorf("could not read %d bytes at 0x%06x: %w", len(out), address, err)
	}
	return nil
}

// Write programs data at address one page program command at a time. The
// address advances by PageSize per command, so address should be page
// aligned: a command starting mid-page wraps around inside that page.
// The target range must be erased beforehand.
func (d *Driver) Write(ctx context.Context, h Handle, address uint32, data []byte) error {
	c, err := d.attachedChip(h)
	if err != nil {
		return err
	}
	if err := c.checkRange(address, uint64(len(data))); err != nil {
		return err
	}
	c.line.Lock()
	defer c.line.Unlock()

	d.log.Debug("writing", "length", len(data), "address", fmt.Sprintf("0x%06x", address))
	for off := 0; off < len(data); off += PageSize {
		chunk := data[off:min(off+PageSize, len(data))]
		addr := address + uint32(off)
		if err := d.armWrite(ctx, c.cs); err != nil {
			return err
		}
		d.log.Debug("page program", "length", len(chunk), "address", fmt.Sprintf("0x%06x", addr))
		err := d.withSelected(ctx, c.cs, func(s *Session) error {
			if err := s.writeAddressed(cmdPageProgram, addr); err != nil {
				return err
			}
			return s.Write(chunk)
		})
		if err != nil {
			return fmt.Errorf("could not program page at 0x%06x: %w", addr, err)
		}
		if err := d.writeDisable(ctx, c.cs); err != nil {
			return err
		}
		if err := d.waitReady(ctx, c.cs, d.config.PageProgramPoll, d.config.PageProgramTimeout); err != nil {
			return fmt.Errorf("page program at 0x%06x: %w", addr, err)
		}
	}
	return nil
}

// Erase erases every sub-sector touched by [address, address+length). The
// start is aligned down to SubsectorSize.
func (d *Driver) Erase(ctx context.Context, h Handle, address, length uint32) error {
	c, err := d.attachedChip(h)
	if err != nil {
		return err
	}
	if err := c.checkRange(address, uint64(length)); err != nil {
		return err
	}
	c.line.Lock()
	defer c.line.Unlock()

	settle := c.chip.EraseSettle
	if settle == 0 {
		settle = d.config.EraseSettle
	}
	aligned := address &^ (SubsectorSize - 1)
	end := uint64(address) + uint64(length)
	d.log.Debug("erasing", "length", end-uint64(aligned), "address", fmt.Sprintf("0x%06x", aligned))
	for cursor := uint64(aligned); cursor < end; cursor += SubsectorSize {
		addr := uint32(cursor)
		if err := d.armWrite(ctx, c.cs); err != nil {
			return err
		}
		d.log.Debug("erasing subsector", "address", fmt.Sprintf("0x%06x", addr))
		err := d.withSelected(ctx, c.cs, func(s *Session) error {
			return s.writeAddressed(cmdEraseSubsector, addr)
		})
		if err != nil {
			return fmt.Errorf("could not erase subsector at 0x%06x: %w", addr, err)
		}
		if err := d.sleep(ctx, settle); err != nil {
			return err
		}
		if err := d.waitReady(ctx, c.cs, d.config.ErasePoll, d.config.EraseTimeout); err != nil {
			return fmt.Errorf("subsector erase at 0x%06x: %w", addr, err)
		}
	}
	return d.writeDisable(ctx, c.cs)
}

// ChipErase erases the whole chip. This takes from seconds to minutes
// depending on the part.
func (d *Driver) ChipErase(ctx context.Context, h Handle) error {
	c, err := d.attachedChip(h)
	if err != nil {
		return err
	}
	c.line.Lock()
	defer c.line.Unlock()

	d.log.Debug("erasing chip", "cs", c.cs, "chip", c.chip.Description)
	if err := d.armWrite(ctx, c.cs); err != nil {
		return err
	}
	if err := d.command(ctx, c.cs, cmdEraseChip); err != nil {
		return err
	}
	if err := d.waitReady(ctx, c.cs, d.config.ChipErasePoll, d.config.ChipEraseTimeout); err != nil {
		return fmt.Errorf("chip erase: %w", err)
	}
	d.log.Debug("erase done", "cs", c.cs)
	return nil
}

// waitReady polls the status register every interval until the write in
// progress bit clears. A zero timeout polls forever.
func (d *Driver) waitReady(ctx context.Context, cs uint8, interval, timeout time.Duration) error {
	start := d.clock.Now()
	for {
		status, err := d.readStatus(ctx, cs)
		if err != nil {
			return err
		}
		if !status.WriteInProgress() {
			return nil
		}
		if timeout > 0 && d.clock.Since(start) >= timeout {
			return fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		if err := d.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func (d *Driver) sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}
	timer := d.clock.Timer(duration)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Driver) attachedChip(h Handle) (*attached, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if h < 0 || int(h) >= len(d.chips) || d.chips[h] == nil {
		return nil, fmt.Errorf("%w: %d", ErrInvalidHandle, h)
	}
	return d.chips[h], nil
}

// line returns the lock serializing all transactions on cs.
func (d *Driver) line(cs uint8) *sync.Mutex {
	d.mx.Lock()
	defer d.mx.Unlock()
	l, ok := d.lines[cs]
	if !ok {
		l = &sync.Mutex{}
		d.lines[cs] = l
	}
	return l
}

func (c *attached) checkRange(address uint32, length uint64) error {
	end := uint64(address) + length
	if end > uint64(c.chip.Size) || end > addressSpace {
		return fmt.Errorf("%w: 0x%06x+%d exceeds %d bytes", ErrOutOfRange, address, length, c.chip.Size)
	}
	return nil
}
