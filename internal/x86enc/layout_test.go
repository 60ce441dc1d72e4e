package x86enc

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// decode decodes one instruction from hex text, failing the test on error.
func decode(t *testing.T, mode int, ip uint64, text string) Instruction {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(text, " ", ""))
	require.NoError(t, err)
	insn, err := Decode(b, mode, ip)
	require.NoError(t, err)
	require.Equal(t, len(b), insn.Len(), "decoded length of %s", text)
	return insn
}

func TestLayout(t *testing.T) {
	cases := []struct {
		name string
		mode int
		text string
		want Layout
	}{
		{
			name: "rip-relative load",
			mode: 64,
			text: "48 8B 05 78 56 34 12",
			want: Layout{Prefixes: 1, REX: 0x48, Opcode: 0x8B, OpcodeOff: 1, ModRMOff: 2, SIBOff: -1, DispOff: 3, DispLen: 4, AddrSize: 64, IPRel: true, Len: 7},
		},
		{
			name: "sib disp8 imm32",
			mode: 64,
			text: "C7 44 24 08 2A 00 00 00",
			want: Layout{Opcode: 0xC7, ModRMOff: 1, SIBOff: 2, DispOff: 3, DispLen: 1, ImmOff: 4, ImmLen: 4, AddrSize: 64, Len: 8},
		},
		{
			name: "jcc near",
			mode: 64,
			text: "0F 84 00 00 00 00",
			want: Layout{Map: Map0F, Opcode: 0x84, OpcodeOff: 1, ModRMOff: -1, SIBOff: -1, ImmOff: 2, ImmLen: 4, AddrSize: 64, Len: 6},
		},
		{
			name: "16-bit bp disp8",
			mode: 16,
			text: "8B 46 FE",
			want: Layout{Opcode: 0x8B, ModRMOff: 1, SIBOff: -1, DispOff: 2, DispLen: 1, AddrSize: 16, Len: 3},
		},
		{
			name: "16-bit moffs",
			mode: 16,
			text: "A1 34 12",
			want: Layout{Opcode: 0xA1, ModRMOff: -1, SIBOff: -1, DispOff: 1, DispLen: 2, AddrSize: 16, Len: 3},
		},
		{
			name: "enter",
			mode: 32,
			text: "C8 10 00 01",
			want: Layout{Opcode: 0xC8, ModRMOff: -1, SIBOff: -1, ImmOff: 1, ImmLen: 2, Imm2Off: 3, Imm2Len: 1, AddrSize: 32, Len: 4},
		},
		{
			name: "far jmp",
			mode: 32,
			text: "EA 78 56 34 12 08 00",
			want: Layout{Opcode: 0xEA, ModRMOff: -1, SIBOff: -1, ImmOff: 1, ImmLen: 4, Imm2Off: 5, Imm2Len: 2, AddrSize: 32, Len: 7},
		},
		{
			name: "three-byte map",
			mode: 64,
			text: "66 0F 3A 0F C1 08",
			want: Layout{Prefixes: 1, Map: Map0F3A, Opcode: 0x0F, OpcodeOff: 3, ModRMOff: 4, SIBOff: -1, ImmOff: 5, ImmLen: 1, AddrSize: 64, OpSize16: true, Len: 6},
		},
		{
			name: "vex without modrm",
			mode: 64,
			text: "C5 F8 77",
			want: Layout{Escape: EscapeVEX2, Map: Map0F, Opcode: 0x77, OpcodeOff: 2, ModRMOff: -1, SIBOff: -1, AddrSize: 64, Len: 3},
		},
		{
			name: "control register",
			mode: 64,
			text: "0F 20 C0",
			want: Layout{Map: Map0F, Opcode: 0x20, OpcodeOff: 1, ModRMOff: 2, SIBOff: -1, AddrSize: 64, Len: 3},
		},
		{
			name: "address size override",
			mode: 64,
			text: "67 E2 FD",
			want: Layout{Prefixes: 1, Opcode: 0xE2, OpcodeOff: 1, ModRMOff: -1, SIBOff: -1, ImmOff: 2, ImmLen: 1, AddrSize: 32, AddrSizeOverride: true, Len: 3},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			insn := decode(t, c.mode, 0x1000, c.text)
			assert.Equal(t, c.want, insn.Layout())
		})
	}
}

func TestLayoutConstantOffsets(t *testing.T) {
	insn := decode(t, 64, 0, "C7 44 24 08 2A 00 00 00")
	l := insn.Layout()
	c := l.ConstantOffsets()
	assert.Equal(t, ConstantOffsets{DisplacementOffset: 3, DisplacementSize: 1, ImmediateOffset: 4, ImmediateSize: 4}, c)
	assert.True(t, c.HasDisplacement())
	assert.True(t, c.HasImmediate())
	assert.False(t, c.HasImmediate2())
}

func TestParseLayoutErrors(t *testing.T) {
	cases := []struct {
		name string
		mode int
		b    []byte
	}{
		{"prefixes only", 64, []byte{0x66, 0xF3}},
		{"truncated modrm", 64, []byte{0x8B}},
		{"truncated sib", 32, []byte{0x8B, 0x04}},
		{"odd immediate", 32, []byte{0x05, 1, 2, 3}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := parseLayout(c.b, c.mode)
			var le *LayoutError
			assert.ErrorAs(t, err, &le)
		})
	}
}
