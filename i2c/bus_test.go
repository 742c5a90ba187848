package i2c

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestGenericBus_Tx(t *testing.T) {
	ctx := context.Background()
	playback := &i2ctest.Playback{
		Ops: []i2ctest.IO{
			{Addr: 0x21, W: []byte{0x14, 0xFF}},
			{Addr: 0x21, R: []byte{0xA5}},
		},
	}
	b := newGenericBus(playback)

	require.NoError(t, b.WriteToAddr(ctx, 0x21, []byte{0x14, 0xFF}))
	buf := make([]byte, 1)
	require.NoError(t, b.ReadFromAddr(ctx, 0x21, buf))
	assert.Equal(t, byte(0xA5), buf[0])
	assert.NoError(t, b.Release(ctx))
	assert.NoError(t, b.Close())
}
