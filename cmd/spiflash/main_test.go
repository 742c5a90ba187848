package main

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/mklimuk/spiflash/cmd/spiflash/console"
	"github.com/mklimuk/spiflash/flash"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	console.SetOutput(out, out)
	app := newApp()
	app.ExitErrHandler = func(*cli.Context, error) {}
	base := []string{"spiflash", "--config", filepath.Join(t.TempDir(), "none.yaml"), "--bus", "sim", "--no-color"}
	err := app.RunContext(context.Background(), append(base, args...))
	return out.String(), err
}

func TestApp_Probe(t *testing.T) {
	out, err := runApp(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "Winbond W25Q32")
	assert.Contains(t, out, "0xef")
}

func TestApp_Read(t *testing.T) {
	out, err := runApp(t, "read", "--address", "0x1000", "--length", "16")
	require.NoError(t, err)
	assert.Contains(t, out, "ff ff ff ff ff ff ff ff  ff ff ff ff ff ff ff ff")
}

func TestApp_WriteAndErase(t *testing.T) {
	_, err := runApp(t, "write", "--address", "0", "--string", "hello", "--erase")
	require.NoError(t, err)
	_, err = runApp(t, "erase", "--address", "4100", "--length", "10")
	require.NoError(t, err)
	_, err = runApp(t, "chiperase", "--yes")
	require.NoError(t, err)
}

func TestApp_Errors(t *testing.T) {
	_, err := runApp(t, "write", "--address", "0")
	assert.Error(t, err, "no payload")

	_, err = runApp(t, "--bus", "spidev", "probe")
	assert.Error(t, err)

	_, err = runApp(t, "read", "--address", "0x3FFFFF", "--length", "2")
	var exit cli.ExitCoder
	require.ErrorAs(t, err, &exit)
	assert.Equal(t, 4, exit.ExitCode())
}

func TestParseUint32(t *testing.T) {
	tests := map[string]uint32{
		"0":        0,
		"4096":     4096,
		"0x1000":   0x1000,
		"0xFFFFFF": 0xFFFFFF,
	}
	for given, expected := range tests {
		v, err := parseUint32(given)
		require.NoError(t, err, given)
		assert.Equal(t, expected, v)
	}
	_, err := parseUint32("0x100000000")
	assert.Error(t, err)
	_, err = parseUint32("page")
	assert.Error(t, err)
}

func TestFlashExit(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{flash.ErrNoDevice, 2},
		{flash.ErrUnsupportedDevice, 2},
		{flash.ErrWriteEnableFailed, 3},
		{flash.ErrTimeout, 3},
		{flash.ErrOutOfRange, 4},
		{flash.ErrInvalidHandle, 1},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			exit := flashExit("failed", fmt.Errorf("wrapped: %w", tt.err))
			assert.Equal(t, tt.code, exit.ExitCode())
		})
	}
}
