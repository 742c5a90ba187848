package flash

import (
	"context"
	"fmt"
)

// JEDEC 3-byte address command set
const (
	cmdGetID          = 0x9F
	cmdReadStatus     = 0x05
	cmdWriteEnable    = 0x06
	cmdWriteDisable   = 0x04
	cmdPageProgram    = 0x02
	cmdReadData       = 0x03
	cmdEraseSubsector = 0x20 // 4KB
	cmdEraseChip      = 0xC7
)

// Status is the content of the status register.
//
//	Bits| Meaning
//	----+-----------------------------
//	7   | Status register write disable
//	6   | Reserved
//	5   | Top/bottom
//	4:2 | Block protect 2-0
//	1   | Write enable latch
//	0   | Write in progress
type Status byte

const (
	StatusWIP  Status = 1 << 0
	StatusWEL  Status = 1 << 1
	StatusBP0  Status = 1 << 2
	StatusBP1  Status = 1 << 3
	StatusBP2  Status = 1 << 4
	StatusTB   Status = 1 << 5
	StatusSRWD Status = 1 << 7
)

func (s Status) WriteInProgress() bool { return s&StatusWIP != 0 }

func (s Status) WriteEnableLatch() bool { return s&StatusWEL != 0 }

// BlockProtect returns the BP2..BP0 field.
func (s Status) BlockProtect() uint8 { return uint8(s>>2) & 0x07 }

func (s Status) TopBottom() bool { return s&StatusTB != 0 }

func (s Status) StatusWriteDisable() bool { return s&StatusSRWD != 0 }

func (s Status) String() string {
	return fmt.Sprintf("0x%02x (WIP=%t WEL=%t BP=%d TB=%t SRWD=%t)", byte(s),
		s.WriteInProgress(), s.WriteEnableLatch(), s.BlockProtect(), s.TopBottom(), s.StatusWriteDisable())
}

func (d *Driver) readStatus(ctx context.Context, cs uint8) (Status, error) {
	var status byte
	err := d.withSelected(ctx, cs, func(s *Session) error {
		if _, err := s.TransferByte(cmdReadStatus); err != nil {
			return err
		}
		var err error
		status, err = s.TransferByte(0x00)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("could not read status: %w", err)
	}
	return Status(status), nil
}

// command issues a single byte command with no payload.
func (d *Driver) command(ctx context.Context, cs uint8, opcode byte) error {
	err := d.withSelected(ctx, cs, func(s *Session) error {
		_, err := s.TransferByte(opcode)
		return err
	})
	if err != nil {
		return fmt.Errorf("could not issue command 0x%02x: %w", opcode, err)
	}
	return nil
}

func (d *Driver) writeEnable(ctx context.Context, cs uint8) error {
	d.log.Debug("write enable", "cs", cs)
	return d.command(ctx, cs, cmdWriteEnable)
}

func (d *Driver) writeDisable(ctx context.Context, cs uint8) error {
	return d.command(ctx, cs, cmdWriteDisable)
}

// armWrite sets the write enable latch and checks the chip took it. A chip
// refusing to latch is a hardware or wiring fault and is not retried.
func (d *Driver) armWrite(ctx context.Context, cs uint8) error {
	if err := d.writeEnable(ctx, cs); err != nil {
		return err
	}
	status, err := d.readStatus(ctx, cs)
	if err != nil {
		return err
	}
	if !status.WriteEnableLatch() {
		d.log.Debug("flash did not latch write enable", "cs", cs, "status", status)
		return fmt.Errorf("%w (status %s)", ErrWriteEnableFailed, status)
	}
	return nil
}
