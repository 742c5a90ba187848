package spiflash

import (
	"context"
	"fmt"
)

var ErrBusBusy = fmt.Errorf("bus engine is busy (command not completed)")

// SPIBus is a raw SPI bus. Chip-select is not handled by the bus itself,
// see ChipSelector.
type SPIBus interface {
	// Init prepares the bus for transfers. It may be called more than once.
	Init(ctx context.Context) error
	// Tx clocks w out while clocking r in. Either buffer may be nil; when both
	// are set they must have the same length.
	Tx(ctx context.Context, w, r []byte) error
}

// ChipSelector drives active-low chip-select lines identified by a small
// integer (a GPIO number, an expander pin or a bridge GP pin).
type ChipSelector interface {
	Configure(ctx context.Context, cs uint8) error
	Select(ctx context.Context, cs uint8) error
	Deselect(ctx context.Context, cs uint8) error
}

// Transport bundles a bus with its chip-select lines.
type Transport interface {
	SPIBus
	ChipSelector
}

type AddressableReader interface {
	ReadFromAddr(ctx context.Context, address byte, buffer []byte) error
}

type AddressableWriter interface {
	WriteToAddr(ctx context.Context, address byte, buffer []byte) error
	Release(ctx context.Context) error
}

type I2CBus interface {
	AddressableReader
	AddressableWriter
}
