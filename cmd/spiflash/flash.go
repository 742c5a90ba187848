package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/mklimuk/spiflash/cmd/spiflash/console"
	"github.com/mklimuk/spiflash/flash"
)

var addressFlag = &cli.StringFlag{Name: "address", Aliases: []string{"a"}, Usage: "flash address (decimal or 0x hex)", Required: true}

var probeCmd = cli.Command{
	Name:  "probe",
	Usage: "detect the flash chip on the configured chip-select line",
	Action: func(c *cli.Context) error {
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		w := tabwriter.NewWriter(console.Writer(), 12, 0, 1, ' ', 0)
		_, _ = fmt.Fprintf(w, "HANDLE\tCS\tMANUFACTURER\tDEVICE\tSIZE\tCHIP\n")
		for _, h := range s.driver.Handles() {
			info, err := s.driver.Info(h)
			if err != nil {
				return flashExit("could not describe chip", err)
			}
			_, _ = fmt.Fprintf(w, "%d\t%d\t0x%02x\t0x%04x\t%d\t%s\n",
				h, s.cfg.ChipSelect, info.Manufacturer, info.DeviceID, info.Size, info.Description)
		}
		return w.Flush()
	},
}

var infoCmd = cli.Command{
	Name:  "info",
	Usage: "print the chip descriptor",
	Action: func(c *cli.Context) error {
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		info, err := s.driver.Info(s.handle)
		if err != nil {
			return flashExit("could not describe chip", err)
		}
		console.PInfof(console.PictoChip, "%s", console.Bold(info.Description))
		console.Infof("manufacturer 0x%02x device 0x%04x", info.Manufacturer, info.DeviceID)
		console.Infof("%d bytes, %d byte pages, %d byte sub-sectors", info.Size, flash.PageSize, flash.SubsectorSize)
		return nil
	},
}

var readCmd = cli.Command{
	Name:  "read",
	Usage: "read flash content",
	Flags: []cli.Flag{
		addressFlag,
		&cli.StringFlag{Name: "length", Aliases: []string{"l"}, Usage: "number of bytes to read", Value: "256"},
		&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write raw bytes to this file instead of a hex dump"},
	},
	Action: func(c *cli.Context) error {
		address, err := parseUint32(c.String("address"))
		if err != nil {
			return console.Exit(1, "invalid address: %s", console.Red(err))
		}
		length, err := parseUint32(c.String("length"))
		if err != nil {
			return console.Exit(1, "invalid length: %s", console.Red(err))
		}
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		buf := make([]byte, length)
		if err := s.driver.Read(s.ctx, s.handle, address, buf); err != nil {
			return flashExit("read failed", err)
		}
		if out := c.String("out"); out != "" {
			if err := os.WriteFile(out, buf, 0o644); err != nil {
				return console.Exit(1, "could not write %s: %s", out, console.Red(err))
			}
			console.PInfof(console.PictoFinish, "%d bytes from 0x%06x written to %s", length, address, out)
			return nil
		}
		console.Print(hex.Dump(buf))
		return nil
	},
}

var writeCmd = cli.Command{
	Name:  "write",
	Usage: "program flash content; the range must be erased unless --erase is given",
	Flags: []cli.Flag{
		addressFlag,
		&cli.StringFlag{Name: "data", Usage: "hex bytes to write (e.g. '01FF23')"},
		&cli.StringFlag{Name: "string", Usage: "text to write"},
		&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "file to write"},
		&cli.BoolFlag{Name: "erase", Usage: "erase the touched sub-sectors first"},
	},
	Action: func(c *cli.Context) error {
		address, err := parseUint32(c.String("address"))
		if err != nil {
			return console.Exit(1, "invalid address: %s", console.Red(err))
		}
		data, err := payload(c)
		if err != nil {
			return console.Exit(1, "invalid data: %s", console.Red(err))
		}
		if address%flash.PageSize != 0 && len(data) > flash.PageSize-int(address%flash.PageSize) {
			console.Warnf("address 0x%06x is not page aligned, data will wrap inside pages", address)
		}
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		if c.Bool("erase") {
			if err := s.driver.Erase(s.ctx, s.handle, address, uint32(len(data))); err != nil {
				return flashExit("erase failed", err)
			}
		}
		if err := s.driver.Write(s.ctx, s.handle, address, data); err != nil {
			return flashExit("write failed", err)
		}
		console.PInfof(console.PictoFinish, "%d bytes written at 0x%06x", len(data), address)
		return nil
	},
}

var eraseCmd = cli.Command{
	Name:  "erase",
	Usage: "erase the 4KB sub-sectors covering a range",
	Flags: []cli.Flag{
		addressFlag,
		&cli.StringFlag{Name: "length", Aliases: []string{"l"}, Usage: "number of bytes to erase", Required: true},
	},
	Action: func(c *cli.Context) error {
		address, err := parseUint32(c.String("address"))
		if err != nil {
			return console.Exit(1, "invalid address: %s", console.Red(err))
		}
		length, err := parseUint32(c.String("length"))
		if err != nil {
			return console.Exit(1, "invalid length: %s", console.Red(err))
		}
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		if err := s.driver.Erase(s.ctx, s.handle, address, length); err != nil {
			return flashExit("erase failed", err)
		}
		console.PInfof(console.PictoFinish, "erased from 0x%06x", address&^(flash.SubsectorSize-1))
		return nil
	},
}

var chipEraseCmd = cli.Command{
	Name:  "chiperase",
	Usage: "erase the whole chip",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "do not ask for confirmation"},
	},
	Action: func(c *cli.Context) error {
		s, err := openFlash(c)
		if err != nil {
			return flashExit("probe failed", err)
		}
		defer s.Close()
		info, err := s.driver.Info(s.handle)
		if err != nil {
			return flashExit("could not describe chip", err)
		}
		if !c.Bool("yes") {
			answer, err := console.NoOrYes(fmt.Sprintf("erase all %d bytes of %s?", info.Size, info.Description))
			if err != nil {
				return console.Exit(1, "could not read answer: %s", console.Red(err))
			}
			if answer != console.Yes {
				console.PInfof(console.PictoStop, "aborted")
				return nil
			}
		}
		console.Infof("erasing %s, this can take minutes", info.Description)
		if err := s.driver.ChipErase(s.ctx, s.handle); err != nil {
			return flashExit("chip erase failed", err)
		}
		console.PInfof(console.PictoFinish, "chip erased")
		return nil
	},
}

func payload(c *cli.Context) ([]byte, error) {
	var set int
	for _, name := range []string{"data", "string", "in"} {
		if c.IsSet(name) {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of --data, --string or --in is required")
	}
	switch {
	case c.IsSet("data"):
		return hex.DecodeString(strings.ReplaceAll(c.String("data"), " ", ""))
	case c.IsSet("string"):
		return []byte(c.String("string")), nil
	default:
		return os.ReadFile(c.String("in"))
	}
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// flashExit maps driver errors to exit codes.
func flashExit(msg string, err error) cli.ExitCoder {
	code := 1
	switch {
	case errors.Is(err, flash.ErrNoDevice), errors.Is(err, flash.ErrUnsupportedDevice):
		code = 2
	case errors.Is(err, flash.ErrWriteEnableFailed), errors.Is(err, flash.ErrTimeout):
		code = 3
	case errors.Is(err, flash.ErrOutOfRange):
		code = 4
	}
	return console.ExitErr(code, msg, err)
}
