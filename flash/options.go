package flash

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// DriverOpts holds the tunables of a Driver. Timeouts of zero disable the
// corresponding bound and poll until the chip reports ready.
type DriverOpts struct {
	MaxChips int
	Registry *Registry

	PageProgramPoll time.Duration
	ErasePoll       time.Duration
	ChipErasePoll   time.Duration
	EraseSettle     time.Duration

	PageProgramTimeout time.Duration
	EraseTimeout       time.Duration
	ChipEraseTimeout   time.Duration

	Logger *slog.Logger
	Clock  clock.Clock
}

type DriverOpt func(*DriverOpts)

func defaultDriverOpts() DriverOpts {
	return DriverOpts{
		MaxChips:           DefaultMaxChips,
		PageProgramPoll:    time.Millisecond,
		ErasePoll:          5 * time.Millisecond,
		ChipErasePoll:      25 * time.Millisecond,
		EraseSettle:        70 * time.Millisecond,
		PageProgramTimeout: 50 * time.Millisecond,
		EraseTimeout:       2 * time.Second,
		ChipEraseTimeout:   400 * time.Second,
	}
}

func WithMaxChips(n int) DriverOpt {
	return func(o *DriverOpts) {
		o.MaxChips = n
	}
}

func WithRegistry(r *Registry) DriverOpt {
	return func(o *DriverOpts) {
		o.Registry = r
	}
}

// WithPollIntervals sets the status polling period of page program, sub-sector
// erase and chip erase.
func WithPollIntervals(pageProgram, erase, chipErase time.Duration) DriverOpt {
	return func(o *DriverOpts) {
		o.PageProgramPoll = pageProgram
		o.ErasePoll = erase
		o.ChipErasePoll = chipErase
	}
}

// WithEraseSettle sets the delay after a sub-sector erase command for chips
// that do not carry their own.
func WithEraseSettle(delay time.Duration) DriverOpt {
	return func(o *DriverOpts) {
		o.EraseSettle = delay
	}
}

func WithTimeouts(pageProgram, erase, chipErase time.Duration) DriverOpt {
	return func(o *DriverOpts) {
		o.PageProgramTimeout = pageProgram
		o.EraseTimeout = erase
		o.ChipEraseTimeout = chipErase
	}
}

func WithLogger(l *slog.Logger) DriverOpt {
	return func(o *DriverOpts) {
		o.Logger = l
	}
}

func WithClock(c clock.Clock) DriverOpt {
	return func(o *DriverOpts) {
		o.Clock = c
	}
}
