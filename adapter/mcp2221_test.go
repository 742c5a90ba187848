package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/spiflash"
)

// scriptedDevice answers every request with the next scripted response,
// echoing the command code.
type scriptedDevice struct {
	requests  [][]byte
	responses [][]byte
	last      []byte
}

func (s *scriptedDevice) Write(b []byte) (int, error) {
	s.requests = append(s.requests, append([]byte(nil), b...))
	s.last = make([]byte, reportSize)
	if len(s.responses) > 0 {
		copy(s.last, s.responses[0])
		s.responses = s.responses[1:]
	}
	s.last[0] = b[0]
	return len(b), nil
}

func (s *scriptedDevice) Read(b []byte) (int, error) {
	return copy(b, s.last), nil
}

func (s *scriptedDevice) Close() error {
	return nil
}

func newScriptedMCP2221(responses ...[]byte) (*MCP2221, *scriptedDevice) {
	dev := &scriptedDevice{responses: responses}
	return newMCP2221(func() (device, error) { return dev, nil }), dev
}

func TestMCP2221_WriteToAddr(t *testing.T) {
	d, dev := newScriptedMCP2221([]byte{0x90, 0x00})
	require.NoError(t, d.WriteToAddr(context.Background(), 0x21, []byte{0x14, 0xFF}))

	require.Len(t, dev.requests, 1)
	assert.Equal(t, []byte{0x90, 0x02, 0x00, 0x42, 0x14, 0xFF}, dev.requests[0][:6])
}

func TestMCP2221_WriteBusy(t *testing.T) {
	d, _ := newScriptedMCP2221([]byte{0x90, 0x01})
	err := d.WriteToAddr(context.Background(), 0x21, []byte{0x00})
	assert.ErrorIs(t, err, spiflash.ErrBusBusy)
}

func TestMCP2221_ReadFromAddr(t *testing.T) {
	d, dev := newScriptedMCP2221(
		[]byte{0x91, 0x00},
		[]byte{0x40, 0x00, 0x00, 0x01, 0xA5},
	)
	buf := make([]byte, 1)
	require.NoError(t, d.ReadFromAddr(context.Background(), 0x21, buf))
	assert.Equal(t, byte(0xA5), buf[0])
	assert.Equal(t, byte(0x43), dev.requests[0][3])
}

func TestMCP2221_Status(t *testing.T) {
	resp := make([]byte, reportSize)
	resp[9], resp[10] = 0x10, 0x00
	resp[11], resp[12] = 0x08, 0x00
	resp[13] = 3
	resp[16], resp[17] = 0x42, 0x00
	resp[25] = 1
	d, _ := newScriptedMCP2221(resp)

	status, err := d.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &MCP2221Status{
		I2CDataBufferCounter:   3,
		CurrentAddress:         "4200",
		LastWriteRequestedSize: 16,
		LastWriteSentSize:      8,
		ReadPending:            1,
	}, status)
}
