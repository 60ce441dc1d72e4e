package blockenc

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelaxCascade(t *testing.T) {
	// The second jump grows twice, which pushes the first jump's target out
	// of short range on the third pass.
	code := "E9 7F 00 00 00 E9 00 00 01 00" + strings.Repeat(" 90", 122) + " C3"
	var buf bytes.Buffer
	blocks := []Block{{Instructions: decode(t, 64, 0x1000, code), Sink: &buf, Base: 0x7000000000000000}}
	r, err := newRequest(64, blocks, 0)
	require.NoError(t, err)
	var sizes [][2]int
	r.observe = func(pass int, insns []instr) {
		assert.Equal(t, len(sizes)+1, pass)
		sizes = append(sizes, [2]int{insns[0].size, insns[1].size})
	}
	require.NoError(t, r.relax())
	assert.Equal(t, [][2]int{{2, 5}, {2, 6}, {5, 6}, {5, 6}}, sizes)
	for k := 1; k < len(sizes); k++ {
		assert.GreaterOrEqual(t, sizes[k][0], sizes[k-1][0])
		assert.GreaterOrEqual(t, sizes[k][1], sizes[k-1][1])
	}
	assert.Equal(t, Indirect, r.insns[1].forms[r.insns[1].form])
	assert.Equal(t, Near, r.insns[0].forms[r.insns[0].form])

	code2, _, err := r.commit()
	require.NoError(t, err)
	out := code2[0]
	require.Len(t, out, 0x88+8)
	assert.Equal(t, unhex(t, "E9 80 00 00 00 FF 25 7D 00 00 00"), out[:11])
	assert.Equal(t, unhex(t, "0A 10 01 00 00 00 00 00"), out[0x88:])
}

func TestRelaxLimit(t *testing.T) {
	code := "E9 7F 00 00 00 E9 00 00 01 00" + strings.Repeat(" 90", 122) + " C3"
	var buf bytes.Buffer
	blocks := []Block{{Instructions: decode(t, 64, 0x1000, code), Sink: &buf, Base: 0x7000000000000000}}
	r, err := newRequest(64, blocks, 0)
	require.NoError(t, err)
	r.maxPasses = 2
	err = r.relax()
	var nc *NonConvergenceError
	require.ErrorAs(t, err, &nc)
	assert.Equal(t, 2, nc.Passes)
	assert.EqualError(t, err, "blockenc: branch forms did not converge after 2 passes")
}

func TestRelaxFixed(t *testing.T) {
	var buf bytes.Buffer
	blocks := []Block{{Instructions: decode(t, 64, 0x1000, "EB 00 90"), Sink: &buf, Base: 0x9000}}
	r, err := newRequest(64, blocks, DontFixBranches)
	require.NoError(t, err)
	passes := 0
	r.observe = func(int, []instr) { passes++ }
	require.NoError(t, r.relax())
	assert.Equal(t, 1, passes)
	assert.Equal(t, 2, r.insns[0].size)
	assert.Equal(t, 1, r.insns[0].dest)
}

func TestResolver(t *testing.T) {
	blocks := []Block{
		{Instructions: decode(t, 64, 0x1000, "90 90")},
		{Instructions: decode(t, 64, 0x2000, "90")},
	}
	res, err := newResolver(blocks)
	require.NoError(t, err)
	l, ok := res.resolve(0x1001)
	assert.True(t, ok)
	assert.Equal(t, loc{0, 1}, l)
	l, ok = res.resolve(0x2000)
	assert.True(t, ok)
	assert.Equal(t, loc{1, 0}, l)
	_, ok = res.resolve(0x1002)
	assert.False(t, ok)

	// One instruction at address 0 resolves; several do not.
	one := decode(t, 64, 0, "90")
	res, err = newResolver([]Block{{Instructions: one}})
	require.NoError(t, err)
	_, ok = res.resolve(0)
	assert.True(t, ok)
	res, err = newResolver([]Block{{Instructions: append(one, one...)}})
	require.NoError(t, err)
	_, ok = res.resolve(0)
	assert.False(t, ok)
}

func TestTrampolineTargets(t *testing.T) {
	out, _ := reencode(t, 64, 0x8000, loopsDistinct, 0x9000, 0)
	insns, err := Decode(out, 64, 0x9000)
	require.NoError(t, err)
	// Each trampoline is loop, jmp short, jmp near, followed by a mov.
	for k := 1; k+3 < len(insns); k += 4 {
		loop, skip, far, mov := insns[k], insns[k+1], insns[k+2], insns[k+3]
		lt, ok := loop.Target()
		require.True(t, ok)
		assert.Equal(t, far.IP, lt)
		st, ok := skip.Target()
		require.True(t, ok)
		assert.Equal(t, mov.IP, st)
		ft, ok := far.Target()
		require.True(t, ok)
		assert.Less(t, ft, uint64(0x8030))
		assert.GreaterOrEqual(t, ft, uint64(0x8026))
	}
}
