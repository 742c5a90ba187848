package flash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Lookup(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		manufacturer uint8
		deviceID     uint16
		expected     string
		found        bool
	}{
		{0x20, 0x7114, "Micron M25PX80", true},
		{0x20, 0x7116, "Micron M25PX32", true},
		{0xEF, 0x4018, "Winbond W25Q128", true},
		{0xC8, 0x4016, "GigaDevice GD25Q32", true},
		{0xEF, 0x0000, "", false},
		{0x12, 0x3456, "", false},
		// the end marker is never a match
		{0x00, 0x0000, "", false},
	}
	for _, tt := range tests {
		chip, ok := r.Lookup(tt.manufacturer, tt.deviceID)
		assert.Equal(t, tt.found, ok, "0x%02x 0x%04x", tt.manufacturer, tt.deviceID)
		assert.Equal(t, tt.expected, chip.Description)
	}
}

func TestRegistry_StopsAtEndMarker(t *testing.T) {
	r := NewRegistry(
		Chip{Manufacturer: 0x01, DeviceID: 0x0001, Size: 1 << 20, Description: "first"},
		Chip{},
		Chip{Manufacturer: 0x02, DeviceID: 0x0002, Size: 1 << 20, Description: "hidden"},
	)
	require.Len(t, r.Chips(), 1)
	_, ok := r.Lookup(0x02, 0x0002)
	assert.False(t, ok)
}

func TestRegistry_DefaultChips(t *testing.T) {
	chips := DefaultRegistry().Chips()
	assert.Len(t, chips, len(DefaultChips)-1)
	seen := make(map[[2]uint32]bool)
	for _, c := range chips {
		key := [2]uint32{uint32(c.Manufacturer), uint32(c.DeviceID)}
		assert.False(t, seen[key], "duplicate entry %s", c.Description)
		seen[key] = true
		assert.NotZero(t, c.Size, c.Description)
		assert.LessOrEqual(t, c.Size, uint32(addressSpace), c.Description)
	}
}

func TestRegistry_Extend(t *testing.T) {
	base := NewRegistry(Chip{Manufacturer: 0xEF, DeviceID: 0x4016, Size: 4 << 20, Description: "W25Q32"})
	extended := base.Extend(
		Chip{Manufacturer: 0x9D, DeviceID: 0x6016, Size: 4 << 20, Description: "IS25LP032"},
		Chip{Manufacturer: 0xEF, DeviceID: 0x4016, Size: 4 << 20, Description: "shadowed"},
	)

	assert.Len(t, base.Chips(), 1)
	assert.Len(t, extended.Chips(), 3)
	chip, ok := extended.Lookup(0x9D, 0x6016)
	require.True(t, ok)
	assert.Equal(t, "IS25LP032", chip.Description)
	chip, ok = extended.Lookup(0xEF, 0x4016)
	require.True(t, ok)
	assert.Equal(t, "W25Q32", chip.Description)
}

func TestChip_Describe(t *testing.T) {
	c := Chip{Manufacturer: 0x20, DeviceID: 0x7114, Size: 1 << 20, Description: "Micron M25PX80"}
	assert.Equal(t, Description{Manufacturer: 0x20, DeviceID: 0x7114, Size: 1 << 20, Description: "Micron M25PX80"}, c.Describe())
}
