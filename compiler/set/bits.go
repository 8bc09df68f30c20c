package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	Key interface {
		~int | ~int32 | ~int64
	}

	// Bits is a set of keys starting from base.
	Bits[K Key] struct {
		base K
		b    []uint64
	}
)

func MakeBits[K Key](base K) Bits[K] {
	return Bits[K]{base: base}
}

func (s Bits[K]) Copy() Bits[K] {
	return Bits[K]{
		base: s.base,
		b:    append([]uint64(nil), s.b...),
	}
}

func (s *Bits[K]) Set(k K) {
	i, j := s.ij(k)

	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}

	s.b[i] |= 1 << j
}

func (s *Bits[K]) SetAll(k ...K) {
	for _, k := range k {
		s.Set(k)
	}
}

func (s *Bits[K]) Clear(k K) {
	i, j := s.ij(k)

	if i < 0 || i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s Bits[K]) IsSet(k K) bool {
	i, j := s.ij(k)

	if i < 0 || i >= len(s.b) {
		return false
	}

	return s.b[i]&(1<<j) != 0
}

// First returns the smallest key in the set.
func (s Bits[K]) First() (K, bool) {
	for i, x := range s.b {
		if x == 0 {
			continue
		}

		return s.base + K(i*64+bits.TrailingZeros64(x)), true
	}

	return s.base, false
}

func (s Bits[K]) Size() (r int) {
	for _, x := range s.b {
		r += bits.OnesCount64(x)
	}

	return r
}

func (s Bits[K]) Range(f func(k K) bool) {
	for i, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			if !f(s.base + K(i*64+j)) {
				return
			}
		}
	}
}

func (s *Bits[K]) Reset() {
	s.b = s.b[:0]
}

func (s Bits[K]) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s.b == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(k K) bool {
		b = e.AppendInt(b, int(k))

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func (s Bits[K]) ij(k K) (i, j int) {
	p := int(k - s.base)
	if p < 0 {
		return -1, 0
	}

	return p / 64, p % 64
}
