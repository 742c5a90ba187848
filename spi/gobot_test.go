package spi

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockSPIConnection is a mock of the gobot SPI connection operations.
type MockSPIConnection struct {
	mock.Mock
}

func (m *MockSPIConnection) ReadCommandData(command []byte, data []byte) error {
	args := m.Called(command, data)
	if in, ok := args.Get(0).([]byte); ok {
		copy(data, in)
	}
	return args.Error(1)
}

func (m *MockSPIConnection) WriteBytes(data []byte) error {
	return m.Called(data).Error(0)
}

type MockPinWriter struct {
	mock.Mock
}

func (m *MockPinWriter) DigitalWrite(pin string, val byte) error {
	return m.Called(pin, val).Error(0)
}

func newTestGobotBus(conn spiOps, pins PinWriter) *GobotBus {
	b := &GobotBus{conn: conn, pins: pins, configured: make(map[uint8]string)}
	b.config.PinName = func(cs uint8) string {
		return fmt.Sprintf("CS%d", cs)
	}
	return b
}

func TestGobotBus_Tx(t *testing.T) {
	ctx := context.Background()
	conn := &MockSPIConnection{}
	conn.On("WriteBytes", []byte{0x02, 0x00, 0x01, 0x00, 0xAA}).Return(nil).Once()
	conn.On("WriteBytes", []byte{0x05}).Return(nil).Once()
	conn.On("ReadCommandData", []byte{}, mock.Anything).Return([]byte{0x03}, nil).Once()
	b := newTestGobotBus(conn, &MockPinWriter{})

	require.NoError(t, b.Tx(ctx, []byte{0x02, 0x00, 0x01, 0x00, 0xAA}, nil))

	// opcode phase of a status read, then the status byte itself
	in := make([]byte, 1)
	require.NoError(t, b.Tx(ctx, []byte{0x05}, in))
	assert.Equal(t, byte(0xFF), in[0])
	require.NoError(t, b.Tx(ctx, []byte{0x00}, in))
	assert.Equal(t, byte(0x03), in[0])

	conn.AssertExpectations(t)
}

func TestGobotBus_TxRequiresConnection(t *testing.T) {
	b := newTestGobotBus(nil, &MockPinWriter{})
	assert.Error(t, b.Tx(context.Background(), []byte{0x06}, nil))
}

func TestGobotBus_ChipSelect(t *testing.T) {
	ctx := context.Background()
	pins := &MockPinWriter{}
	pins.On("DigitalWrite", "CS3", byte(1)).Return(nil).Twice()
	pins.On("DigitalWrite", "CS3", byte(0)).Return(nil).Once()
	b := newTestGobotBus(&MockSPIConnection{}, pins)

	assert.Error(t, b.Select(ctx, 3))
	require.NoError(t, b.Configure(ctx, 3))
	require.NoError(t, b.Select(ctx, 3))
	require.NoError(t, b.Deselect(ctx, 3))
	pins.AssertExpectations(t)
}
