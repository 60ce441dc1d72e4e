package loader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zephyrtronium/reloc86/blockenc"
)

func TestLoad(t *testing.T) {
	insns, err := blockenc.Decode([]byte{0xeb, 0x00, 0x90, 0xc3}, 64, 0x1000)
	require.NoError(t, err)
	c, err := Load(64, insns, blockenc.ReturnNewInstructionOffsets)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.Region.Executable())
	assert.Equal(t, c.Region.Addr(), c.Result.Base)
	assert.Equal(t, []byte{0xeb, 0x00, 0x90, 0xc3}, c.Region.Bytes())
	assert.Equal(t, []uint32{0, 2, 3}, c.Result.NewOffsets)
}

func TestLoadSlot(t *testing.T) {
	// A jump to an address no region can be near.
	insns, err := blockenc.Decode([]byte{0xe9, 0x00, 0x00, 0x00, 0x00}, 64, 0x7ffffffffffff000)
	require.NoError(t, err)
	c, err := Load(64, insns, blockenc.ReturnRelocInfos)
	require.NoError(t, err)
	defer c.Close()
	b := c.Region.Bytes()
	require.Len(t, b, 16)
	assert.Equal(t, []byte{0xff, 0x25, 0x02, 0x00, 0x00, 0x00, 0xcc, 0xcc}, b[:8])
	assert.Equal(t, uint64(0x7ffffffffffff005), binary.LittleEndian.Uint64(b[8:]))
	require.Len(t, c.Result.Relocs, 1)
	assert.Equal(t, c.Region.Addr()+8, c.Result.Relocs[0].Address)
}

func TestLoadLarge(t *testing.T) {
	// Every jump lands between instructions, so all of them need slots and
	// the code outgrows the first estimate.
	var src bytes.Buffer
	for range 2000 {
		src.WriteString("\xeb\x7f")
	}
	insns, err := blockenc.Decode(src.Bytes(), 64, 0x7ffffffffff00000)
	require.NoError(t, err)
	c, err := Load(64, insns, 0)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, 2000*6+2000*8, c.Region.Len())
	assert.True(t, bytes.HasPrefix(c.Region.Bytes(), []byte{0xff, 0x25}))
}

func TestLoadError(t *testing.T) {
	insns, err := blockenc.Decode([]byte{0x90}, 32, 0x1000)
	require.NoError(t, err)
	c, err := Load(64, insns, 0)
	assert.Nil(t, c)
	var ee *blockenc.EncodeError
	assert.ErrorAs(t, err, &ee)
	assert.Contains(t, err.Error(), "loader: encoding for 0x")
}
