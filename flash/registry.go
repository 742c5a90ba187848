package flash

import "time"

// Chip describes a supported flash part.
type Chip struct {
	Manufacturer uint8
	DeviceID     uint16
	Size         uint32
	Description  string
	// EraseSettle is the time the part needs after a sub-sector erase before
	// it is worth polling its status. Zero means the driver default.
	EraseSettle time.Duration
}

// Description is the caller-facing view of a chip.
type Description struct {
	Manufacturer uint8  `yaml:"manufacturer"`
	DeviceID     uint16 `yaml:"device_id"`
	Size         uint32 `yaml:"size"`
	Description  string `yaml:"description"`
}

func (c Chip) Describe() Description {
	return Description{
		Manufacturer: c.Manufacturer,
		DeviceID:     c.DeviceID,
		Size:         c.Size,
		Description:  c.Description,
	}
}

// DefaultChips lists the parts known out of the box. The last entry is the
// end marker; tables passed to NewRegistry may omit it.
var DefaultChips = []Chip{
	// subsector erase takes 70-150ms
	{Manufacturer: 0x20, DeviceID: 0x7114, Size: 1 << 20, Description: "Micron M25PX80", EraseSettle: 70 * time.Millisecond},
	{Manufacturer: 0x20, DeviceID: 0x7115, Size: 2 << 20, Description: "Micron M25PX16", EraseSettle: 70 * time.Millisecond},
	{Manufacturer: 0x20, DeviceID: 0x7116, Size: 4 << 20, Description: "Micron M25PX32", EraseSettle: 70 * time.Millisecond},
	{Manufacturer: 0x20, DeviceID: 0xBA16, Size: 4 << 20, Description: "Micron N25Q032"},
	{Manufacturer: 0xEF, DeviceID: 0x4014, Size: 1 << 20, Description: "Winbond W25Q80"},
	{Manufacturer: 0xEF, DeviceID: 0x4015, Size: 2 << 20, Description: "Winbond W25Q16"},
	{Manufacturer: 0xEF, DeviceID: 0x4016, Size: 4 << 20, Description: "Winbond W25Q32"},
	{Manufacturer: 0xEF, DeviceID: 0x4017, Size: 8 << 20, Description: "Winbond W25Q64"},
	{Manufacturer: 0xEF, DeviceID: 0x4018, Size: 16 << 20, Description: "Winbond W25Q128"},
	{Manufacturer: 0xEF, DeviceID: 0x7018, Size: 16 << 20, Description: "Winbond W25Q128JV-M"},
	{Manufacturer: 0xC2, DeviceID: 0x2014, Size: 1 << 20, Description: "Macronix MX25L8006E"},
	{Manufacturer: 0xC2, DeviceID: 0x2016, Size: 4 << 20, Description: "Macronix MX25L3206E"},
	{Manufacturer: 0xC8, DeviceID: 0x4016, Size: 4 << 20, Description: "GigaDevice GD25Q32"},
	{Manufacturer: 0x01, DeviceID: 0x4015, Size: 2 << 20, Description: "Spansion S25FL116K"},
	{}, // end marker
}

// Registry is a read-only table of supported chips.
type Registry struct {
	chips []Chip
}

// NewRegistry copies chips up to the first end marker (manufacturer 0) and
// terminates the table with its own marker.
func NewRegistry(chips ...Chip) *Registry {
	r := &Registry{chips: make([]Chip, 0, len(chips)+1)}
	for _, c := range chips {
		if c.Manufacturer == 0 {
			break
		}
		r.chips = append(r.chips, c)
	}
	r.chips = append(r.chips, Chip{})
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry(DefaultChips...)
}

// Extend returns a new registry with extra entries appended after the
// existing ones. Earlier entries win on duplicate ids.
func (r *Registry) Extend(chips ...Chip) *Registry {
	all := append(r.Chips(), chips...)
	return NewRegistry(all...)
}

// Lookup returns the first entry matching manufacturer and device id.
func (r *Registry) Lookup(manufacturer uint8, deviceID uint16) (Chip, bool) {
	idx := r.index(manufacturer, deviceID)
	if idx < 0 {
		return Chip{}, false
	}
	return r.chips[idx], true
}

// Chips returns a copy of the table without the end marker.
func (r *Registry) Chips() []Chip {
	out := make([]Chip, 0, len(r.chips))
	for _, c := range r.chips {
		if c.Manufacturer == 0 {
			break
		}
		out = append(out, c)
	}
	return out
}

func (r *Registry) index(manufacturer uint8, deviceID uint16) int {
	for i := 0; r.chips[i].Manufacturer != 0; i++ {
		if r.chips[i].Manufacturer == manufacturer && r.chips[i].DeviceID == deviceID {
			return i
		}
	}
	return -1
}

func (r *Registry) chip(idx int) Chip {
	return r.chips[idx]
}
