package blockenc

import (
	"fmt"
)

// loc locates an instruction within a request.
type loc struct {
	block, index int
}

// A resolver maps original instruction addresses to their instructions.
type resolver struct {
	ips map[uint64]loc
}

// newResolver indexes the instructions of blocks by original address. An
// address may appear only once, except that several instructions at address 0
// are allowed and make 0 unresolvable.
func newResolver(blocks []Block) (resolver, error) {
	n := 0
	for _, b := range blocks {
		n += len(b.Instructions)
	}
	r := resolver{ips: make(map[uint64]loc, n)}
	zeros := 0
	for bk, b := range blocks {
		for k := range b.Instructions {
			ip := b.Instructions[k].IP
			if ip == 0 {
				zeros++
			}
			if prev, ok := r.ips[ip]; ok && ip != 0 {
				return resolver{}, &ConfigError{
					Block:  bk,
					Index:  k,
					Reason: fmt.Sprintf("address %#x is also the address of block %d, instruction %d", ip, prev.block, prev.index),
				}
			}
			r.ips[ip] = loc{bk, k}
		}
	}
	if zeros > 1 {
		delete(r.ips, 0)
	}
	return r, nil
}

// resolve returns the location of the instruction originally at ip. If there
// is none, ip is an external target.
func (r *resolver) resolve(ip uint64) (loc, bool) {
	l, ok := r.ips[ip]
	return l, ok
}
