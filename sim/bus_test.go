package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cycle(t *testing.T, b *Bus, cs uint8, w []byte) []byte {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, b.Select(ctx, cs))
	r := make([]byte, len(w))
	require.NoError(t, b.Tx(ctx, w, r))
	require.NoError(t, b.Deselect(ctx, cs))
	return r
}

func TestBus_ReadID(t *testing.T) {
	b := NewBus().Attach(3, NewFlash(0xEF, 0x4016, 4096, WithIDTail([]byte{0xAB})))
	require.NoError(t, b.Configure(context.Background(), 3))

	r := cycle(t, b, 3, []byte{opGetID, 0, 0, 0, 0, 0})
	assert.Equal(t, []byte{0xFF, 0xEF, 0x40, 0x16, 0xAB, 0x00}, r)
}

func TestBus_IdleLine(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Configure(context.Background(), 1))

	r := cycle(t, b, 1, []byte{opGetID, 0, 0, 0})
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF}, r)
	assert.Empty(t, b.Transactions())
}

func TestBus_SelectRules(t *testing.T) {
	ctx := context.Background()
	b := NewBus()
	assert.Error(t, b.Select(ctx, 0), "unconfigured line")
	require.NoError(t, b.Configure(ctx, 0))
	require.NoError(t, b.Select(ctx, 0))
	assert.Error(t, b.Select(ctx, 0), "double select")
	assert.True(t, b.Selected())
	require.NoError(t, b.Deselect(ctx, 0))
	require.NoError(t, b.Deselect(ctx, 0))
	selects, deselects := b.SelectCount(0)
	assert.Equal(t, 1, selects)
	assert.Equal(t, 1, deselects)
}

func TestBus_Contention(t *testing.T) {
	ctx := context.Background()
	b := NewBus().Attach(0, NewFlash(0xEF, 0x4016, 4096)).Attach(1, NewFlash(0xEF, 0x4016, 4096))
	require.NoError(t, b.Configure(ctx, 0))
	require.NoError(t, b.Configure(ctx, 1))
	require.NoError(t, b.Select(ctx, 0))
	require.NoError(t, b.Select(ctx, 1))
	assert.Error(t, b.Tx(ctx, []byte{opReadStatus}, nil))
}

func TestBus_FailTx(t *testing.T) {
	ctx := context.Background()
	fail := errors.New("boom")
	b := NewBus()
	b.FailTx(1, fail)
	assert.NoError(t, b.Tx(ctx, []byte{0x00}, nil))
	assert.ErrorIs(t, b.Tx(ctx, []byte{0x00}, nil), fail)
	assert.ErrorIs(t, b.Tx(ctx, []byte{0x00}, nil), fail)
}

func TestFlash_ProgramNeedsWriteEnable(t *testing.T) {
	b := NewBus().Attach(0, NewFlash(0xEF, 0x4016, 4096))
	f := b.chips[0]
	require.NoError(t, b.Configure(context.Background(), 0))

	cycle(t, b, 0, []byte{opPageProgram, 0, 0, 0, 0x00})
	assert.Equal(t, byte(0xFF), f.Memory()[0])

	cycle(t, b, 0, []byte{opWriteEnable})
	st := cycle(t, b, 0, []byte{opReadStatus, 0})
	assert.Equal(t, byte(statusWEL), st[1])
	cycle(t, b, 0, []byte{opPageProgram, 0, 0, 0, 0x0F})
	assert.Equal(t, byte(0x0F), f.Memory()[0])

	// latch is consumed by the program
	cycle(t, b, 0, []byte{opPageProgram, 0, 0, 1, 0x00})
	assert.Equal(t, byte(0xFF), f.Memory()[1])
}

func TestFlash_ProgramAndsBits(t *testing.T) {
	f := NewFlash(0xEF, 0x4016, 4096)
	f.Load(0, []byte{0xF0})
	f.program(0, []byte{0x3C})
	assert.Equal(t, byte(0x30), f.Memory()[0])
}

func TestFlash_ProgramWrapsInsidePage(t *testing.T) {
	f := NewFlash(0xEF, 0x4016, 4096)
	data := make([]byte, 4)
	f.program(pageSize-2, data)
	mem := f.Memory()
	assert.Equal(t, []byte{0, 0}, mem[pageSize-2:pageSize])
	assert.Equal(t, []byte{0, 0}, mem[0:2])
	assert.Equal(t, byte(0xFF), mem[pageSize])
}

func TestFlash_BusyIgnoresCommands(t *testing.T) {
	b := NewBus().Attach(0, NewFlash(0xEF, 0x4016, 8192, WithBusyPolls(2)))
	f := b.chips[0]
	require.NoError(t, b.Configure(context.Background(), 0))

	cycle(t, b, 0, []byte{opWriteEnable})
	cycle(t, b, 0, []byte{opEraseSubsector, 0, 0x10, 0})
	cycle(t, b, 0, []byte{opWriteEnable})
	cycle(t, b, 0, []byte{opPageProgram, 0, 0x10, 0, 0x00})

	assert.Equal(t, byte(statusWIP), cycle(t, b, 0, []byte{opReadStatus, 0})[1])
	assert.Equal(t, byte(statusWIP), cycle(t, b, 0, []byte{opReadStatus, 0})[1])
	assert.Equal(t, byte(0), cycle(t, b, 0, []byte{opReadStatus, 0})[1])
	assert.Equal(t, byte(0xFF), f.Memory()[0x1000])

	txs := b.Transactions(opWriteEnable, opPageProgram)
	require.Len(t, txs, 3)
	assert.False(t, txs[0].Ignored)
	assert.True(t, txs[1].Ignored)
	assert.True(t, txs[2].Ignored)
}

func TestFlash_Read(t *testing.T) {
	b := NewBus().Attach(0, NewFlash(0xEF, 0x4016, 4096))
	b.chips[0].Load(0x100, []byte("flash"))
	require.NoError(t, b.Configure(context.Background(), 0))

	r := cycle(t, b, 0, []byte{opReadData, 0x00, 0x01, 0x00, 0, 0, 0, 0, 0})
	assert.Equal(t, []byte("flash"), r[4:])
	txs := b.Transactions(opReadData)
	require.Len(t, txs, 1)
	assert.Equal(t, uint32(0x100), txs[0].Address)
}
