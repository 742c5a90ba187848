// Package sim provides a simulated SPI bus with JEDEC NOR flash chips
// attached to it. It behaves like the real parts closely enough to exercise
// drivers without hardware: the write enable latch, busy polling, page
// wrap-around and erase-before-write semantics are all modelled.
package sim

import (
	"encoding/binary"
	"sync"
)

const (
	opGetID          = 0x9F
	opReadStatus     = 0x05
	opWriteEnable    = 0x06
	opWriteDisable   = 0x04
	opPageProgram    = 0x02
	opReadData       = 0x03
	opEraseSubsector = 0x20
	opEraseSector    = 0xD8
	opEraseChip      = 0xC7

	statusWIP = 0x01
	statusWEL = 0x02

	pageSize      = 256
	subsectorSize = 4 * 1024
	sectorSize    = 64 * 1024
)

// Transaction is one completed chip-select cycle seen by a chip.
type Transaction struct {
	CS      uint8
	Opcode  byte
	Address uint32 // only for addressed opcodes
	Payload []byte // bytes clocked out after opcode and address
	Ignored bool   // the chip was busy and dropped the command
}

type FlashOpt func(*Flash)

// WithBusyPolls makes the chip report write in progress for n status reads
// after each program or erase.
func WithBusyPolls(n int) FlashOpt {
	return func(f *Flash) {
		f.busyPolls = n
	}
}

// WithStuckLatch makes the chip ignore write enable.
func WithStuckLatch() FlashOpt {
	return func(f *Flash) {
		f.stuckLatch = true
	}
}

// WithStuckBusy makes the chip report write in progress forever once a
// program or erase started.
func WithStuckBusy() FlashOpt {
	return func(f *Flash) {
		f.stuckBusy = true
	}
}

// WithIDTail sets the bytes returned after the 3 byte JEDEC id.
func WithIDTail(tail []byte) FlashOpt {
	return func(f *Flash) {
		f.idTail = tail
	}
}

// Flash is a simulated 3-byte address NOR flash chip. Memory starts erased
// (all 0xFF).
type Flash struct {
	mx         sync.Mutex
	id         [3]byte
	idTail     []byte
	memory     []byte
	wel        bool
	busy       int
	busyPolls  int
	stuckLatch bool
	stuckBusy  bool
	running    bool // an operation started and stuckBusy applies
	tx         []byte
}

func NewFlash(manufacturer uint8, deviceID uint16, size int, opts ...FlashOpt) *Flash {
	f := &Flash{memory: make([]byte, size)}
	f.id[0] = manufacturer
	binary.BigEndian.PutUint16(f.id[1:], deviceID)
	for i := range f.memory {
		f.memory[i] = 0xFF
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Memory returns a copy of the chip content.
func (f *Flash) Memory() []byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	out := make([]byte, len(f.memory))
	copy(out, f.memory)
	return out
}

// Load overwrites chip content at address, bypassing program semantics.
func (f *Flash) Load(address int, data []byte) {
	f.mx.Lock()
	defer f.mx.Unlock()
	copy(f.memory[address:], data)
}

func (f *Flash) begin() {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.tx = f.tx[:0]
}

// shift clocks one byte in and returns the byte the chip drives on MISO.
func (f *Flash) shift(out byte) byte {
	f.mx.Lock()
	defer f.mx.Unlock()
	pos := len(f.tx)
	f.tx = append(f.tx, out)
	if pos == 0 {
		return 0xFF
	}
	switch f.tx[0] {
	case opGetID:
		idx := pos - 1
		if idx < len(f.id) {
			return f.id[idx]
		}
		idx -= len(f.id)
		if idx < len(f.idTail) {
			return f.idTail[idx]
		}
		return 0x00
	case opReadStatus:
		return f.status()
	case opReadData:
		if f.isBusy() || pos < 4 {
			return 0xFF
		}
		addr := int(f.address()) + pos - 4
		return f.memory[addr%len(f.memory)]
	}
	return 0xFF
}

// end applies the command latched during the chip-select cycle.
func (f *Flash) end(cs uint8) (Transaction, bool) {
	f.mx.Lock()
	defer f.mx.Unlock()
	if len(f.tx) == 0 {
		return Transaction{}, false
	}
	t := Transaction{CS: cs, Opcode: f.tx[0]}
	switch t.Opcode {
	case opPageProgram, opReadData, opEraseSubsector, opEraseSector:
		if len(f.tx) >= 4 {
			t.Address = f.address()
			t.Payload = append([]byte(nil), f.tx[4:]...)
		}
	default:
		t.Payload = append([]byte(nil), f.tx[1:]...)
	}
	if f.isBusy() && t.Opcode != opReadStatus {
		t.Ignored = true
		return t, true
	}
	switch t.Opcode {
	case opWriteEnable:
		f.wel = !f.stuckLatch
	case opWriteDisable:
		f.wel = false
	case opPageProgram:
		if f.wel && len(f.tx) >= 4 {
			f.program(t.Address, t.Payload)
			f.startOperation()
		}
	case opEraseSubsector:
		if f.wel && len(f.tx) >= 4 {
			f.erase(t.Address, subsectorSize)
			f.startOperation()
		}
	case opEraseSector:
		if f.wel && len(f.tx) >= 4 {
			f.erase(t.Address, sectorSize)
			f.startOperation()
		}
	case opEraseChip:
		if f.wel {
			f.erase(0, len(f.memory))
			f.startOperation()
		}
	}
	return t, true
}

func (f *Flash) status() byte {
	var s byte
	if f.isBusy() {
		s |= statusWIP
		if f.busy > 0 {
			f.busy--
		}
	}
	if f.wel {
		s |= statusWEL
	}
	return s
}

func (f *Flash) isBusy() bool {
	return f.busy > 0 || (f.stuckBusy && f.running)
}

func (f *Flash) startOperation() {
	f.wel = false
	f.busy = f.busyPolls
	f.running = true
}

func (f *Flash) address() uint32 {
	return uint32(f.tx[1])<<16 | uint32(f.tx[2])<<8 | uint32(f.tx[3])
}

// program clears bits like a NOR cell does; the column wraps inside the page.
func (f *Flash) program(address uint32, data []byte) {
	base := (int(address) &^ (pageSize - 1)) % len(f.memory)
	for i, b := range data {
		col := (int(address) + i) & (pageSize - 1)
		f.memory[base+col] &= b
	}
}

func (f *Flash) erase(address uint32, size int) {
	start := (int(address) &^ (size - 1)) % len(f.memory)
	for i := start; i < start+size && i < len(f.memory); i++ {
		f.memory[i] = 0xFF
	}
}
