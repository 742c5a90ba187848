// Package adapter drives Microchip USB bridges (MCP2210 USB-to-SPI, MCP2221
// USB-to-I2C) over HID. Both talk in fixed 64 byte reports: the host writes a
// command report and reads back a response report for the same command.
package adapter

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/karalabe/hid"

	"github.com/mklimuk/spiflash/spictx"
)

const reportSize = 64

var ErrCommandUnsupported = errors.New("unsupported command")
var ErrCommandFailed = errors.New("command failed")

// device is the part of a HID handle the bridges use.
type device interface {
	Write(b []byte) (int, error)
	Read(b []byte) (int, error)
	Close() error
}

type opener func() (device, error)

// openHID opens the index-th device matching vendor and product. With more
// than one match and no index the choice is ambiguous.
func openHID(name string, vendor, product uint16, index int) opener {
	return func() (device, error) {
		devs := hid.Enumerate(vendor, product)
		if len(devs) == 0 {
			return nil, fmt.Errorf("%s device not found", name)
		}
		if index < 0 {
			if len(devs) > 1 {
				return nil, fmt.Errorf("ambiguous %s device identification (%d found)", name, len(devs))
			}
			index = 0
		}
		if index >= len(devs) {
			return nil, fmt.Errorf("no %s device with id %d", name, index)
		}
		dev, err := devs[index].Open()
		if err != nil {
			return nil, fmt.Errorf("error opening device: %w", err)
		}
		return dev, nil
	}
}

// link exchanges command and response reports with one bridge.
type link struct {
	name         string
	open         opener
	dev          device
	request      []byte
	response     []byte
	responseWait time.Duration
}

func newLink(name string, open opener) *link {
	return &link{
		name:     name,
		open:     open,
		request:  make([]byte, reportSize),
		response: make([]byte, reportSize),
	}
}

func (l *link) connect() error {
	if l.dev != nil {
		return nil
	}
	dev, err := l.open()
	if err != nil {
		return err
	}
	l.dev = dev
	return nil
}

// send writes the request report and, if response is set, reads the answer
// into the response buffer.
func (l *link) send(ctx context.Context, response bool) error {
	if err := l.connect(); err != nil {
		return err
	}
	verbose := spictx.IsVerbose(ctx)
	if verbose {
		slog.Debug(fmt.Sprintf("sending message to %s:\n%s", l.name, hex.Dump(l.request)))
	}
	n, err := l.dev.Write(l.request)
	if err != nil {
		return fmt.Errorf("could not write request: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short write: %d", n)
	}
	if !response {
		return nil
	}
	if l.responseWait > 0 {
		time.Sleep(l.responseWait)
	}
	n, err = l.dev.Read(l.response)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}
	if n != reportSize {
		return fmt.Errorf("short read: %d", n)
	}
	if verbose {
		slog.Debug(fmt.Sprintf("read message from %s:\n%s", l.name, hex.Dump(l.response)))
	}
	if l.response[0] != l.request[0] {
		return fmt.Errorf("response to command 0x%02x carries command 0x%02x", l.request[0], l.response[0])
	}
	return nil
}

func (l *link) resetBuffers() {
	clear(l.request)
	clear(l.response)
}

func (l *link) close() error {
	if l.dev == nil {
		return nil
	}
	err := l.dev.Close()
	l.dev = nil
	return err
}
