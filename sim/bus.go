package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/mklimuk/spiflash"
)

var _ spiflash.Transport = &Bus{}

// Bus is a simulated SPI bus with chips hanging off chip-select lines. Lines
// without a chip read back as an idle bus (0xFF).
type Bus struct {
	mx         sync.Mutex
	chips      map[uint8]*Flash
	selected   map[uint8]bool
	configured map[uint8]bool
	selects    map[uint8]int
	deselects  map[uint8]int
	log        []Transaction
	inits      int
	txErr      error
	txErrAfter int
}

func NewBus() *Bus {
	return &Bus{
		chips:      make(map[uint8]*Flash),
		selected:   make(map[uint8]bool),
		configured: make(map[uint8]bool),
		selects:    make(map[uint8]int),
		deselects:  make(map[uint8]int),
	}
}

// Attach places a chip on line cs.
func (b *Bus) Attach(cs uint8, f *Flash) *Bus {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.chips[cs] = f
	return b
}

// FailTx makes every Tx call after the first n successful ones return err.
func (b *Bus) FailTx(n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.txErrAfter = n
	b.txErr = err
}

func (b *Bus) Init(ctx context.Context) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.inits++
	return nil
}

func (b *Bus) Tx(ctx context.Context, w, r []byte) error {
	if w != nil && r != nil && len(w) != len(r) {
		return fmt.Errorf("tx/rx length mismatch: %d != %d", len(w), len(r))
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.txErr != nil {
		if b.txErrAfter <= 0 {
			return b.txErr
		}
		b.txErrAfter--
	}
	var active []*Flash
	for cs, sel := range b.selected {
		if sel && b.chips[cs] != nil {
			active = append(active, b.chips[cs])
		}
	}
	if len(active) > 1 {
		return fmt.Errorf("bus contention: %d chips selected", len(active))
	}
	n := max(len(w), len(r))
	for i := 0; i < n; i++ {
		var out byte
		if w != nil {
			out = w[i]
		}
		in := byte(0xFF)
		if len(active) == 1 {
			in = active[0].shift(out)
		}
		if r != nil {
			r[i] = in
		}
	}
	return nil
}

func (b *Bus) Configure(ctx context.Context, cs uint8) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.configured[cs] = true
	return nil
}

func (b *Bus) Select(ctx context.Context, cs uint8) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.configured[cs] {
		return fmt.Errorf("cs %d is not configured as output", cs)
	}
	if b.selected[cs] {
		return fmt.Errorf("cs %d already selected", cs)
	}
	b.selected[cs] = true
	b.selects[cs]++
	if f := b.chips[cs]; f != nil {
		f.begin()
	}
	return nil
}

func (b *Bus) Deselect(ctx context.Context, cs uint8) error {
	b.mx.Lock()
	defer b.mx.Unlock()
	if !b.configured[cs] {
		return fmt.Errorf("cs %d is not configured as output", cs)
	}
	if !b.selected[cs] {
		return nil
	}
	b.selected[cs] = false
	b.deselects[cs]++
	if f := b.chips[cs]; f != nil {
		if t, ok := f.end(cs); ok {
			b.log = append(b.log, t)
		}
	}
	return nil
}

// Transactions returns the chip-select cycles seen so far, optionally
// filtered by opcode.
func (b *Bus) Transactions(opcodes ...byte) []Transaction {
	b.mx.Lock()
	defer b.mx.Unlock()
	var out []Transaction
	for _, t := range b.log {
		if len(opcodes) == 0 {
			out = append(out, t)
			continue
		}
		for _, op := range opcodes {
			if t.Opcode == op {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// Reset clears the transaction log.
func (b *Bus) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.log = nil
}

// Selected reports whether any line is currently asserted.
func (b *Bus) Selected() bool {
	b.mx.Lock()
	defer b.mx.Unlock()
	for _, sel := range b.selected {
		if sel {
			return true
		}
	}
	return false
}

// SelectCount returns how many times cs was asserted and released.
func (b *Bus) SelectCount(cs uint8) (selects, deselects int) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.selects[cs], b.deselects[cs]
}

// Inits returns how many times the bus was initialized.
func (b *Bus) Inits() int {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.inits
}
