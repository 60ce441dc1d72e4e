package blockenc

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/xerrors"
)

// slotAlign is the alignment of the pointer slot area after a block's code.
const slotAlign = 8

// slotPad fills the gap between code and pointer slots.
const slotPad = 0xCC

// errLength reports a difference between the relaxed and committed lengths
// of an instruction, which indicates an encoder bug.
var errLength = xerrors.New("committed length differs from relaxed length")

// commit encodes every block under the converged layout. It returns the bytes
// for each block's sink and the results.
func (r *request) commit() ([][]byte, []Result, error) {
	r.place()
	code := make([][]byte, len(r.blocks))
	results := make([]Result, len(r.blocks))
	for k := range r.blocks {
		b, res, err := r.commitBlock(k)
		if err != nil {
			return nil, nil, err
		}
		code[k], results[k] = b, res
	}
	return code, results, nil
}

func (r *request) commitBlock(k int) ([]byte, Result, error) {
	base := r.blocks[k].Base
	insns := r.insns[r.starts[k]:r.starts[k+1]]
	end := base
	if len(insns) > 0 {
		last := &insns[len(insns)-1]
		end = last.ip + uint64(last.size)
	}

	// Pointer slots follow the code in instruction order.
	data := (end + slotAlign - 1) &^ (slotAlign - 1)
	var slots []uint64
	for g := range insns {
		in := &insns[g]
		if in.forms[in.form].UsesSlot() {
			in.slot = data + uint64(len(slots))*8
			slots = append(slots, r.target(in))
		}
	}

	res := Result{Base: base}
	if r.opts&(ReturnNewInstructionOffsets|ReturnAllNewInstructionOffsets) != 0 {
		res.NewOffsets = make([]uint32, 0, len(insns))
	}
	if r.opts&ReturnConstantOffsets != 0 {
		res.ConstantOffsets = make([]ConstantOffsets, 0, len(insns))
	}
	if r.opts&ReturnRelocInfos != 0 {
		res.Relocs = make([]RelocInfo, 0, len(slots))
	}

	var buf bytes.Buffer
	buf.Grow(int(end-base) + len(slots)*8 + slotAlign)
	for g := range insns {
		in := &insns[g]
		er, err := r.enc.Encode(&buf, r.encRequest(in))
		if err != nil {
			return nil, Result{}, r.encodeError(in, err)
		}
		if er.Len != in.size {
			return nil, Result{}, r.encodeError(in, errLength)
		}
		if res.NewOffsets != nil {
			off := uint32(NoOffset)
			if er.Original || r.opts&ReturnAllNewInstructionOffsets != 0 {
				off = uint32(in.ip - base)
			}
			res.NewOffsets = append(res.NewOffsets, off)
		}
		if res.ConstantOffsets != nil {
			res.ConstantOffsets = append(res.ConstantOffsets, er.Offsets)
		}
	}
	if uint64(buf.Len()) != end-base {
		return nil, Result{}, xerrors.Errorf("blockenc: block %d: wrote %d bytes of code, expected %d", k, buf.Len(), end-base)
	}

	if len(slots) > 0 {
		for uint64(buf.Len()) < data-base {
			buf.WriteByte(slotPad)
		}
		var p [8]byte
		for i, t := range slots {
			binary.LittleEndian.PutUint64(p[:], t)
			buf.Write(p[:])
			if res.Relocs != nil {
				res.Relocs = append(res.Relocs, RelocInfo{Address: data + uint64(i)*8, Kind: RelocOffset64})
			}
		}
	}
	logv("blockenc: block", k, "at", fmt.Sprintf("%#x", base), "code", end-base, "slots", len(slots))
	return buf.Bytes(), res, nil
}
