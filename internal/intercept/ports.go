// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package intercept

import "math/bits"

// PortSet is a fixed 65536-bit membership set. Lookups are a single word
// load; a PortSet is never mutated after it is published to the hook.
type PortSet [1 << 10]uint64

// NewPortSet returns a set containing ports.
func NewPortSet(ports ...uint16) *PortSet {
	var p PortSet
	for _, port := range ports {
		p.add(port)
	}
	return &p
}

func (p *PortSet) add(port uint16) {
	p[port>>6] |= 1 << (port & 63)
}

// Contains reports whether port is in the set.
func (p *PortSet) Contains(port uint16) bool {
	return p[port>>6]&(1<<(port&63)) != 0
}

// Len returns the number of ports in the set.
func (p *PortSet) Len() int {
	n := 0
	for _, w := range p {
		n += bits.OnesCount64(w)
	}
	return n
}

// Ports returns the members in ascending order.
func (p *PortSet) Ports() []uint16 {
	out := make([]uint16, 0, p.Len())
	for i, w := range p {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, uint16(i<<6|b))
			w &= w - 1
		}
	}
	return out
}
