// Package job reads batch encoding jobs from YAML.
//
// A job lists blocks of machine code, each with the address it was decoded at
// and the address to move it to, and encodes them together:
//
//	bitness: 64
//	options: [relocs, offsets, constants]
//	blocks:
//	  - name: a
//	    ip: 0x8000
//	    base: 0x9000
//	    hex: "e2 fe 90"
package job

import (
	"bytes"
	"encoding/hex"
	"io"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/zephyrtronium/reloc86/blockenc"
	"github.com/zephyrtronium/reloc86/internal/listing"
)

// A Job is a batch of blocks encoded in one request.
type Job struct {
	// Bitness is the processor mode. Zero leaves it to the caller.
	Bitness int      `yaml:"bitness,omitempty"`
	Options []string `yaml:"options,omitempty"`
	Blocks  []Block  `yaml:"blocks"`
}

// A Block is the source of one block of a job.
type Block struct {
	Name string `yaml:"name,omitempty"`
	// IP is the address the code was decoded at.
	IP uint64 `yaml:"ip"`
	// Base is the address to encode the code for.
	Base uint64 `yaml:"base"`
	// Hex is the machine code. Whitespace is ignored.
	Hex string `yaml:"hex"`
}

// An Output is the encoded form of one block. Insns are the decoded source
// instructions, and Encoded the instructions of Code without its pointer slots.
type Output struct {
	Name    string
	Code    []byte
	Insns   []blockenc.Instruction
	Encoded []blockenc.Instruction
	Result  blockenc.Result
}

var optionNames = map[string]blockenc.Options{
	"no-fix":      blockenc.DontFixBranches,
	"relocs":      blockenc.ReturnRelocInfos,
	"offsets":     blockenc.ReturnNewInstructionOffsets,
	"all-offsets": blockenc.ReturnAllNewInstructionOffsets,
	"constants":   blockenc.ReturnConstantOffsets,
}

// ParseOption returns the encoding option with the given name: no-fix,
// relocs, offsets, all-offsets, or constants.
func ParseOption(name string) (blockenc.Options, error) {
	o, ok := optionNames[name]
	if !ok {
		return 0, xerrors.Errorf("job: unknown option %q", name)
	}
	return o, nil
}

// Parse reads a job. Unknown fields are errors.
func Parse(r io.Reader) (*Job, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var j Job
	if err := dec.Decode(&j); err != nil {
		return nil, xerrors.Errorf("job: %w", err)
	}
	for k := range j.Blocks {
		if j.Blocks[k].Name == "" {
			j.Blocks[k].Name = "block" + strconv.Itoa(k)
		}
	}
	return &j, nil
}

// Opts returns the combined encoding options of the job.
func (j *Job) Opts() (blockenc.Options, error) {
	var opts blockenc.Options
	for _, name := range j.Options {
		o, err := ParseOption(name)
		if err != nil {
			return 0, err
		}
		opts |= o
	}
	return opts, nil
}

// Run decodes and encodes every block of the job.
func (j *Job) Run() ([]Output, error) {
	opts, err := j.Opts()
	if err != nil {
		return nil, err
	}
	out := make([]Output, len(j.Blocks))
	bufs := make([]bytes.Buffer, len(j.Blocks))
	blocks := make([]blockenc.Block, len(j.Blocks))
	for k, b := range j.Blocks {
		src, err := Unhex(b.Hex)
		if err != nil {
			return nil, xerrors.Errorf("job: block %s: %w", b.Name, err)
		}
		insns, err := blockenc.Decode(src, j.Bitness, b.IP)
		if err != nil {
			return nil, xerrors.Errorf("job: block %s: %w", b.Name, err)
		}
		out[k] = Output{Name: b.Name, Insns: insns}
		blocks[k] = blockenc.Block{Instructions: insns, Sink: &bufs[k], Base: b.Base}
	}
	results, err := blockenc.Encode(j.Bitness, blocks, opts|blockenc.ReturnRelocInfos)
	if err != nil {
		return nil, xerrors.Errorf("job: %w", err)
	}
	for k := range out {
		res := results[k]
		code := bufs[k].Bytes()
		enc, err := listing.CodePart(code, j.Bitness, res)
		if err != nil {
			return nil, xerrors.Errorf("job: block %s: decoding output: %w", out[k].Name, err)
		}
		if opts&blockenc.ReturnRelocInfos == 0 {
			res.Relocs = nil
		}
		out[k].Code = code
		out[k].Encoded = enc
		out[k].Result = res
	}
	return out, nil
}

// Unhex decodes hexadecimal text, ignoring whitespace.
func Unhex(s string) ([]byte, error) {
	return hex.DecodeString(strings.Join(strings.Fields(s), ""))
}
