package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/spiflash/flash"
)

const sample = `
bus:
  driver: mcp2210
  speed_hz: 12000000
  cs_expander:
    i2c: mcp2221
    address: 0x20
chip_select: 2
max_chips: 2
timing:
  erase_settle: 100ms
  chip_erase_timeout: 10m
chips:
  - manufacturer: 0x9D
    device_id: 0x6016
    size: 4194304
    description: ISSI IS25LP032
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "spiflash.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, DriverMCP2210, cfg.Bus.Driver)
	assert.Equal(t, "SPI0.0", cfg.Bus.Device, "default kept")
	assert.Equal(t, int64(12_000_000), cfg.Bus.SpeedHz)
	require.NotNil(t, cfg.Bus.CSExpander)
	assert.Equal(t, CSExpander{I2C: "mcp2221", Address: 0x20}, *cfg.Bus.CSExpander)
	assert.Equal(t, uint8(2), cfg.ChipSelect)
	assert.Equal(t, 2, cfg.MaxChips)
	assert.Equal(t, 100*time.Millisecond, cfg.Timing.EraseSettle)
	assert.Equal(t, 10*time.Minute, cfg.Timing.ChipEraseTimeout)
	assert.Equal(t, 5*time.Millisecond, cfg.Timing.ErasePoll, "default kept")
	require.Len(t, cfg.Chips, 1)
	assert.Equal(t, flash.Description{Manufacturer: 0x9D, DeviceID: 0x6016, Size: 4 << 20, Description: "ISSI IS25LP032"}, cfg.Chips[0])
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"driver":       "bus:\n  driver: ftdi\n",
		"manufacturer": "chips:\n  - manufacturer: 0\n    device_id: 0x4016\n    size: 1024\n",
		"size":         "chips:\n  - manufacturer: 0xEF\n    device_id: 0x4016\n",
		"syntax":       "bus: [",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestConfig_Registry(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	r := cfg.Registry()
	chip, ok := r.Lookup(0x9D, 0x6016)
	require.True(t, ok)
	assert.Equal(t, "ISSI IS25LP032", chip.Description)
	_, ok = r.Lookup(0x20, 0x7114)
	assert.True(t, ok, "built-in chips kept")
	assert.Len(t, cfg.DriverOptions(), 5)
}
