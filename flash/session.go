package flash

import (
	"context"
	"fmt"

	"go.uber.org/multierr"

	"github.com/mklimuk/spiflash"
)

// Session is an open transaction on a selected chip. It is only valid inside
// the body passed to withSelected.
type Session struct {
	ctx context.Context
	bus spiflash.SPIBus
}

// TransferByte shifts out one byte and returns the byte shifted in.
func (s *Session) TransferByte(out byte) (byte, error) {
	w := []byte{out}
	r := make([]byte, 1)
	if err := s.bus.Tx(s.ctx, w, r); err != nil {
		return 0, fmt.Errorf("could not transfer byte: %w", err)
	}
	return r[0], nil
}

// Write shifts out p, discarding whatever comes back.
func (s *Session) Write(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := s.bus.Tx(s.ctx, p, nil); err != nil {
		return fmt.Errorf("could not write %d bytes: %w", len(p), err)
	}
	return nil
}

// Read fills p with bytes shifted in while clocking out zeros.
func (s *Session) Read(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if err := s.bus.Tx(s.ctx, nil, p); err != nil {
		return fmt.Errorf("could not read %d bytes: %w", len(p), err)
	}
	return nil
}

// writeAddressed sends an opcode followed by a 24-bit big-endian address.
func (s *Session) writeAddressed(opcode byte, address uint32) error {
	return s.Write([]byte{opcode, byte(address >> 16), byte(address >> 8), byte(address)})
}

// withSelected runs body with cs asserted. The line is released on every
// path out of body, including a cancelled ctx and a panic.
func (d *Driver) withSelected(ctx context.Context, cs uint8, body func(s *Session) error) (err error) {
	if err := d.cs.Select(ctx, cs); err != nil {
		return fmt.Errorf("could not select chip on cs %d: %w", cs, err)
	}
	defer func() {
		derr := d.cs.Deselect(context.WithoutCancel(ctx), cs)
		if derr != nil {
			err = multierr.Append(err, fmt.Errorf("could not deselect chip on cs %d: %w", cs, derr))
		}
	}()
	return body(&Session{ctx: ctx, bus: d.bus})
}
