package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	chlog "github.com/charmbracelet/log"
	"github.com/muesli/termenv"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/spiflash/cmd/spiflash/console"
)

var version string
var commit string
var date string

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newApp().RunContext(ctx, os.Args)
	if err != nil {
		var exerr cli.ExitCoder
		if errors.As(err, &exerr) {
			log.Printf("unexpected error: %v", err)
			return exerr.ExitCode()
		}
		_, _ = fmt.Fprint(os.Stderr, console.Format(err))
		return 1
	}
	return 0
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "spiflash"
	app.EnableBashCompletion = true
	app.Version = fmt.Sprintf("%s-%s-%s", version, date, commit)
	app.Usage = "SPI NOR flash tool"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to the yaml configuration",
			Value: "spiflash.yaml",
		},
		&cli.StringFlag{
			Name:  "bus",
			Usage: "bus driver: periph, gobot, mcp2210 or sim",
		},
		&cli.StringFlag{
			Name:  "device",
			Usage: "spi port name (periph) or bus number (gobot)",
		},
		&cli.UintFlag{
			Name:  "cs",
			Usage: "chip-select line of the flash",
		},
		&cli.BoolFlag{
			Name:  "no-color",
			Usage: "disable colored output",
		},
		&cli.BoolFlag{
			Name:  "verbose",
			Usage: "enable verbose logging and dump bus traffic",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		charm := chlog.NewWithOptions(os.Stdout, chlog.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
			TimeFormat:      time.DateTime,
		})
		charm.SetColorProfile(termenv.TrueColor)
		charm.SetLevel(chlog.InfoLevel)
		if ctx.Bool("verbose") {
			charm.SetLevel(chlog.DebugLevel)
		}
		slog.SetDefault(slog.New(charm))
		if ctx.Bool("no-color") {
			console.NoColor()
		}
		return nil
	}
	app.Commands = cli.Commands{
		&probeCmd,
		&infoCmd,
		&readCmd,
		&writeCmd,
		&eraseCmd,
		&chipEraseCmd,
		&usbCmd,
		&mcp2221Cmd,
	}
	return app
}
