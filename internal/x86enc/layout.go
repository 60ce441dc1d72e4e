package x86enc

import (
	"fmt"
)

// An Escape identifies how an instruction's opcode map is selected.
type Escape uint8

const (
	// EscapeLegacy selects the map with 0F, 0F 38, or 0F 3A escape bytes, or
	// the one-byte map when there are none.
	EscapeLegacy Escape = iota
	// Escape3DNow is 0F 0F with the opcode in a trailing suffix byte.
	Escape3DNow
	EscapeVEX2
	EscapeVEX3
	EscapeEVEX
	EscapeXOP
)

var escapeNames = [...]string{
	EscapeLegacy: "legacy",
	Escape3DNow:  "3dnow",
	EscapeVEX2:   "vex2",
	EscapeVEX3:   "vex3",
	EscapeEVEX:   "evex",
	EscapeXOP:    "xop",
}

func (e Escape) String() string {
	if int(e) < len(escapeNames) {
		return escapeNames[e]
	}
	return fmt.Sprintf("Escape(%d)", uint8(e))
}

// Opcode maps of legacy encodings. VEX, EVEX, and XOP encodings report the
// map number from their map select field.
const (
	Map1Byte = 0
	Map0F    = 1
	Map0F38  = 2
	Map0F3A  = 3
)

// A Layout locates the fields of one encoded instruction. Offsets are from
// the first byte of the instruction. Fields with zero length are absent.
type Layout struct {
	// Prefixes is the number of legacy and REX prefix bytes.
	Prefixes int
	// REX is the effective REX prefix, or 0.
	REX    byte
	Escape Escape
	Map    int
	Opcode byte
	// OpcodeOff is the offset of the opcode byte. For 3DNow! instructions,
	// it is the offset of the suffix byte.
	OpcodeOff int
	// ModRMOff is the offset of the ModRM byte, or -1.
	ModRMOff int
	// SIBOff is the offset of the SIB byte, or -1.
	SIBOff int

	DispOff, DispLen int
	ImmOff, ImmLen   int
	Imm2Off, Imm2Len int

	// AddrSize is the effective address size in bits.
	AddrSize int
	// IPRel is set when the memory operand is addressed relative to the
	// instruction pointer. The displacement is then the 4-byte field at
	// DispOff.
	IPRel bool
	// OpSize16 is set when an operand-size override prefix is present.
	OpSize16 bool
	// AddrSizeOverride is set when an address-size override prefix is
	// present.
	AddrSizeOverride bool

	// Len is the total length of the instruction.
	Len int
}

// ConstantOffsets returns the positions of the displacement and immediates.
func (l *Layout) ConstantOffsets() ConstantOffsets {
	var c ConstantOffsets
	if l.DispLen > 0 {
		c.DisplacementOffset, c.DisplacementSize = uint8(l.DispOff), uint8(l.DispLen)
	}
	if l.ImmLen > 0 {
		c.ImmediateOffset, c.ImmediateSize = uint8(l.ImmOff), uint8(l.ImmLen)
	}
	if l.Imm2Len > 0 {
		c.Immediate2Offset, c.Immediate2Size = uint8(l.Imm2Off), uint8(l.Imm2Len)
	}
	return c
}

// ConstantOffsets locates the displacement and immediate fields within one
// encoded instruction. A size of zero means the field is absent.
type ConstantOffsets struct {
	DisplacementOffset uint8
	DisplacementSize   uint8
	ImmediateOffset    uint8
	ImmediateSize      uint8
	Immediate2Offset   uint8
	Immediate2Size     uint8
}

// HasDisplacement reports whether a displacement field is present.
func (c ConstantOffsets) HasDisplacement() bool { return c.DisplacementSize != 0 }

// HasImmediate reports whether an immediate field is present.
func (c ConstantOffsets) HasImmediate() bool { return c.ImmediateSize != 0 }

// HasImmediate2 reports whether a second immediate field is present.
func (c ConstantOffsets) HasImmediate2() bool { return c.Immediate2Size != 0 }

// parseLayout locates the fields of the instruction encoded at the start of
// b, which must be exactly n bytes long as reported by the decoder.
func parseLayout(b []byte, mode int) (l Layout, err error) {
	l = Layout{ModRMOff: -1, SIBOff: -1, Len: len(b), AddrSize: mode}
	bad := func(reason string) (Layout, error) {
		return Layout{}, &LayoutError{Bytes: b, Reason: reason}
	}
	i := 0
prefixes:
	for ; i < len(b); i++ {
		c := b[i]
		switch c {
		case 0x26, 0x2E, 0x36, 0x3E, 0x64, 0x65, 0xF0, 0xF2, 0xF3:
			l.REX = 0
		case 0x66:
			l.REX = 0
			l.OpSize16 = true
		case 0x67:
			l.REX = 0
			l.AddrSizeOverride = true
		default:
			if mode == 64 && c&0xF0 == 0x40 {
				l.REX = c
				continue
			}
			break prefixes
		}
	}
	l.Prefixes = i
	if l.AddrSizeOverride {
		switch mode {
		case 16:
			l.AddrSize = 32
		case 32:
			l.AddrSize = 16
		case 64:
			l.AddrSize = 32
		}
	}
	if i >= len(b) {
		return bad("no opcode")
	}

	modrm := false
	ignoreMod := false
	switch c := b[i]; {
	case c == 0x0F:
		if i+1 >= len(b) {
			return bad("truncated escape")
		}
		switch b[i+1] {
		case 0x38, 0x3A:
			if i+2 >= len(b) {
				return bad("truncated escape")
			}
			l.Map = Map0F38
			if b[i+1] == 0x3A {
				l.Map = Map0F3A
			}
			l.OpcodeOff = i + 2
			modrm = true
		case 0x0F:
			l.Escape = Escape3DNow
			l.Map = Map0F
			l.OpcodeOff = i + 1
			modrm = true
		default:
			l.Map = Map0F
			l.OpcodeOff = i + 1
			modrm = hasModRM0F(b[i+1])
			ignoreMod = modIgnored0F(b[i+1])
		}
	case (c == 0xC4 || c == 0xC5 || c == 0x62) && i+1 < len(b) && (mode == 64 || b[i+1]>>6 == 3):
		if l.REX != 0 {
			return bad("REX before vector prefix")
		}
		switch c {
		case 0xC5:
			l.Escape, l.Map, l.OpcodeOff = EscapeVEX2, Map0F, i+2
		case 0xC4:
			l.Escape, l.Map, l.OpcodeOff = EscapeVEX3, int(b[i+1]&0x1F), i+3
		default:
			l.Escape, l.Map, l.OpcodeOff = EscapeEVEX, int(b[i+1]&0x07), i+4
		}
		if l.OpcodeOff >= len(b) {
			return bad("truncated vector prefix")
		}
		modrm = !(l.Escape != EscapeEVEX && l.Map == Map0F && b[l.OpcodeOff] == 0x77)
	case c == 0x8F && i+1 < len(b) && b[i+1]&0x1F >= 8:
		l.Escape, l.Map, l.OpcodeOff = EscapeXOP, int(b[i+1]&0x1F), i+3
		if l.OpcodeOff >= len(b) {
			return bad("truncated XOP prefix")
		}
		modrm = true
	default:
		l.Map = Map1Byte
		l.OpcodeOff = i
		modrm = hasModRM1Byte(c)
	}
	l.Opcode = b[l.OpcodeOff]
	i = l.OpcodeOff + 1

	if modrm {
		if i >= len(b) {
			return bad("truncated ModRM")
		}
		l.ModRMOff = i
		m := b[i]
		i++
		mod, rm := m>>6, m&7
		switch {
		case mod == 3 || ignoreMod:
		case l.AddrSize == 16:
			switch {
			case mod == 0 && rm == 6, mod == 2:
				l.DispLen = 2
			case mod == 1:
				l.DispLen = 1
			}
		default:
			if rm == 4 {
				if i >= len(b) {
					return bad("truncated SIB")
				}
				l.SIBOff = i
				if mod == 0 && b[i]&7 == 5 {
					l.DispLen = 4
				}
				i++
			}
			switch {
			case mod == 0 && rm == 5:
				l.DispLen = 4
				l.IPRel = mode == 64
			case mod == 1:
				l.DispLen = 1
			case mod == 2:
				l.DispLen = 4
			}
		}
		if l.DispLen > 0 {
			l.DispOff = i
			i += l.DispLen
		}
	}

	rest := len(b) - i
	if l.Escape == Escape3DNow {
		// The opcode follows the operand bytes.
		if rest != 1 {
			return bad("3DNow! suffix")
		}
		l.OpcodeOff = i
		l.Opcode = b[i]
		return l, nil
	}
	if rest < 0 {
		return bad("operands exceed instruction length")
	}
	if rest == 0 {
		return l, nil
	}

	if l.Escape == EscapeLegacy && l.Map == Map1Byte {
		switch op := l.Opcode; {
		case op >= 0xA0 && op <= 0xA3:
			// moffs
			if rest != l.AddrSize/8 {
				return bad("moffs width")
			}
			l.DispOff, l.DispLen = i, rest
			return l, nil
		case op == 0xC8:
			// enter imm16, imm8
			if rest != 3 {
				return bad("enter operands")
			}
			l.ImmOff, l.ImmLen, l.Imm2Off, l.Imm2Len = i, 2, i+2, 1
			return l, nil
		case (op == 0xEA || op == 0x9A) && mode != 64:
			// ptr16:16 or ptr16:32, offset first
			if rest != 4 && rest != 6 {
				return bad("far pointer width")
			}
			l.ImmOff, l.ImmLen, l.Imm2Off, l.Imm2Len = i, rest-2, i+rest-2, 2
			return l, nil
		}
	}
	if l.Escape == EscapeLegacy && l.Map == Map0F && l.Opcode == 0x78 && rest == 2 {
		// extrq/insertq imm8, imm8
		l.ImmOff, l.ImmLen, l.Imm2Off, l.Imm2Len = i, 1, i+1, 1
		return l, nil
	}
	switch rest {
	case 1, 2, 4, 8:
	default:
		return bad(fmt.Sprintf("%d-byte immediate", rest))
	}
	l.ImmOff, l.ImmLen = i, rest
	return l, nil
}

// hasModRM1Byte reports whether an opcode in the one-byte map takes ModRM.
func hasModRM1Byte(op byte) bool {
	switch {
	case op < 0x40:
		return op&7 < 4
	case op >= 0x80 && op <= 0x8F, op >= 0xC4 && op <= 0xC7, op >= 0xD0 && op <= 0xD3, op >= 0xD8 && op <= 0xDF:
		return true
	}
	switch op {
	case 0x62, 0x63, 0x69, 0x6B, 0xC0, 0xC1, 0xF6, 0xF7, 0xFE, 0xFF:
		return true
	}
	return false
}

// hasModRM0F reports whether an opcode in the 0F map takes ModRM.
func hasModRM0F(op byte) bool {
	switch {
	case op >= 0x04 && op <= 0x0B, op >= 0x30 && op <= 0x37, op >= 0x80 && op <= 0x8F, op >= 0xC8 && op <= 0xCF:
		return false
	}
	switch op {
	case 0x0E, 0x77, 0xA0, 0xA1, 0xA2, 0xA8, 0xA9, 0xAA:
		return false
	}
	return true
}

// modIgnored0F reports whether the mod field of an opcode in the 0F map is
// treated as 3 regardless of its value.
func modIgnored0F(op byte) bool {
	return op >= 0x20 && op <= 0x26 && op != 0x25
}
