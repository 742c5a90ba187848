package gpio

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/mklimuk/spiflash"
)

// MockI2CBus is a mock implementation of spiflash.I2CBus using testify/mock
type MockI2CBus struct {
	mock.Mock
}

func (m *MockI2CBus) WriteToAddr(ctx context.Context, address byte, buffer []byte) error {
	return m.Called(ctx, address, buffer).Error(0)
}

func (m *MockI2CBus) ReadFromAddr(ctx context.Context, address byte, buffer []byte) error {
	args := m.Called(ctx, address, buffer)
	if data, ok := args.Get(0).([]byte); ok {
		copy(buffer, data)
	}
	return args.Error(1)
}

func (m *MockI2CBus) Release(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func TestMCP23017_ChipSelectPortA(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x14, 0xFF}).Return(nil).Twice()
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x00, 0xDF}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(DefaultMCP23017Address), []byte{0x14, 0xDF}).Return(nil).Once()
	m := NewMCP23017(bus, DefaultMCP23017Address)

	require.NoError(t, m.Configure(ctx, 5))
	require.NoError(t, m.Select(ctx, 5))
	require.NoError(t, m.Deselect(ctx, 5))
	bus.AssertExpectations(t)
}

func TestMCP23017_ChipSelectPortB(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x15, 0xFF}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x01, 0xFE}).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x20), []byte{0x15, 0xFE}).Return(nil).Once()
	m := NewMCP23017(bus, 0x20)

	require.NoError(t, m.Configure(ctx, 8))
	require.NoError(t, m.Select(ctx, 8))
	bus.AssertExpectations(t)
}

func TestMCP23017_RetriesBusyBus(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x14, 0xFE}).Return(spiflash.ErrBusBusy).Once()
	bus.On("Release", ctx).Return(nil).Once()
	bus.On("WriteToAddr", ctx, byte(0x21), []byte{0x14, 0xFE}).Return(nil).Once()
	m := NewMCP23017(bus, 0x21)

	require.NoError(t, m.Select(ctx, 0))
	bus.AssertExpectations(t)
}

func TestMCP23017_Errors(t *testing.T) {
	ctx := context.Background()
	bus := &MockI2CBus{}
	fail := errors.New("nack")
	bus.On("WriteToAddr", ctx, byte(0x21), mock.Anything).Return(fail)
	m := NewMCP23017(bus, 0x21)

	assert.ErrorIs(t, m.Configure(ctx, 1), fail)
	assert.Error(t, m.Select(ctx, 16))
	// a failed write leaves the cached latch alone
	bus.AssertNumberOfCalls(t, "WriteToAddr", 1)
	assert.Equal(t, byte(0xFF), m.latch[0])
}
