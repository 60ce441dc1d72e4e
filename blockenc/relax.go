package blockenc

import (
	"github.com/zephyrtronium/reloc86/internal/x86enc"
)

// An instr is the relaxation state of one instruction.
type instr struct {
	insn *Instruction
	loc  loc
	// forms are the candidate forms and form indexes the current one. The
	// index only increases.
	forms []Form
	form  int
	// size is the tentative length in the current form.
	size int
	// ip is the tentative address.
	ip uint64
	// dest is the global index of the target instruction, or -1 when the
	// target is external or there is none.
	dest int
	// addr is the external target address.
	addr uint64
	// slot is the address of the pointer slot, assigned at commit.
	slot uint64
}

// A request holds the state of one call to Encode.
type request struct {
	bitness int
	opts    Options
	enc     *x86enc.Encoder
	blocks  []Block
	// insns is the tentative layout of all instructions, indexed by global
	// instruction index. starts[k] is the global index of the first
	// instruction of block k, and starts[len(blocks)] is len(insns).
	insns  []instr
	starts []int

	// observe, if not nil, is called after each relaxation pass.
	observe func(pass int, insns []instr)
	// maxPasses, if positive, lowers the pass limit.
	maxPasses int
}

var originalOnly = []Form{x86enc.Original}

func newRequest(bitness int, blocks []Block, opts Options) (*request, error) {
	enc, err := x86enc.NewEncoder(bitness)
	if err != nil {
		return nil, &ConfigError{Block: -1, Index: -1, Reason: err.Error()}
	}
	res, err := newResolver(blocks)
	if err != nil {
		return nil, err
	}
	r := &request{
		bitness: bitness,
		opts:    opts,
		enc:     enc,
		blocks:  blocks,
		starts:  make([]int, len(blocks)+1),
	}
	for k, b := range blocks {
		r.starts[k+1] = r.starts[k] + len(b.Instructions)
	}
	r.insns = make([]instr, 0, r.starts[len(blocks)])
	for k, b := range blocks {
		for i := range b.Instructions {
			insn := &b.Instructions[i]
			in := instr{insn: insn, loc: loc{k, i}, dest: -1, forms: originalOnly}
			if opts&DontFixBranches == 0 {
				in.forms = x86enc.Forms(insn)
			}
			t, ok := insn.Target()
			if !ok {
				t, ok = insn.MemTarget()
			}
			if ok {
				in.addr = t
				if l, ok := res.resolve(t); ok {
					in.dest = r.global(l)
				}
			}
			r.insns = append(r.insns, in)
		}
	}
	return r, nil
}

// global returns the global index of the instruction at l.
func (r *request) global(l loc) int {
	return r.starts[l.block] + l.index
}

// target returns the tentative target address of in.
func (r *request) target(in *instr) uint64 {
	if in.dest >= 0 {
		return r.insns[in.dest].ip
	}
	return in.addr
}

// encRequest describes the encoding of in under the tentative layout.
func (r *request) encRequest(in *instr) x86enc.Request {
	return x86enc.Request{
		Insn:   in.insn,
		Form:   in.forms[in.form],
		IP:     in.ip,
		Target: r.target(in),
		Slot:   in.slot,
	}
}

func (r *request) encodeError(in *instr, err error) error {
	return &EncodeError{Block: in.loc.block, Index: in.loc.index, IP: in.insn.IP, Err: err}
}

// place assigns tentative addresses from tentative sizes.
func (r *request) place() {
	for k, b := range r.blocks {
		ip := b.Base
		for g := r.starts[k]; g < r.starts[k+1]; g++ {
			r.insns[g].ip = ip
			ip += uint64(r.insns[g].size)
		}
	}
}

// relax chooses the form of every instruction. Each instruction starts in its
// smallest form and moves to the next one whenever its target is out of reach
// under the current layout, until a pass moves nothing. Growth only pushes
// instructions apart, so a form that stops reaching never reaches again and
// the number of passes is bounded by the number of promotions available.
func (r *request) relax() error {
	limit := 1
	for g := range r.insns {
		in := &r.insns[g]
		n, err := r.enc.Len(r.encRequest(in))
		if err != nil {
			return r.encodeError(in, err)
		}
		in.size = n
		limit += len(in.forms) - 1
	}
	if r.maxPasses > 0 {
		limit = min(limit, r.maxPasses)
	}
	for pass := 1; pass <= limit; pass++ {
		r.place()
		promoted := 0
		for g := range r.insns {
			in := &r.insns[g]
			if len(in.forms) == 1 {
				// Fixed instructions are checked when they are committed.
				continue
			}
			ok, err := r.enc.Reaches(r.encRequest(in))
			if err != nil {
				return r.encodeError(in, err)
			}
			if ok {
				continue
			}
			if in.form+1 == len(in.forms) {
				req := r.encRequest(in)
				return r.encodeError(in, &RangeError{Form: req.Form, Next: req.IP + uint64(in.size), Target: req.Target})
			}
			in.form++
			n, err := r.enc.Len(r.encRequest(in))
			if err != nil {
				return r.encodeError(in, err)
			}
			in.size = n
			promoted++
		}
		logv("blockenc: pass", pass, "promoted", promoted, "of", len(r.insns))
		if r.observe != nil {
			r.observe(pass, r.insns)
		}
		if promoted == 0 {
			return nil
		}
	}
	return &NonConvergenceError{Passes: limit}
}
