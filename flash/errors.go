package flash

import "errors"

var (
	ErrNoDevice          = errors.New("no flash device responding")
	ErrUnsupportedDevice = errors.New("unsupported flash device")
	ErrTooManyChips      = errors.New("too many flash chips attached")
	ErrInvalidHandle     = errors.New("invalid flash handle")
	ErrWriteEnableFailed = errors.New("flash did not latch write enable")
	ErrTimeout           = errors.New("timeout waiting for flash to become ready")
	ErrOutOfRange        = errors.New("address range outside of flash")
)
