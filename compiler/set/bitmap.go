package set

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Bitmap is a set of non-negative ints.
	Bitmap struct {
		b []uint64
	}
)

func MakeBitmap(n int) Bitmap {
	return Bitmap{b: make([]uint64, 0, (n+63)/64)}
}

func (s *Bitmap) Set(i int) {
	w := i / 64

	for w >= len(s.b) {
		s.b = append(s.b, 0)
	}

	s.b[w] |= 1 << (i % 64)
}

func (s *Bitmap) IsSet(i int) bool {
	w := i / 64

	return w < len(s.b) && s.b[w]&(1<<(i%64)) != 0
}

func (s *Bitmap) Size() (r int) {
	for _, x := range s.b {
		r += bits.OnesCount64(x)
	}

	return r
}

func (s *Bitmap) Reset() {
	s.b = s.b[:0]
}

func (s Bitmap) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	b = e.AppendTag(b, tlwire.Array, -1)

	for w, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			b = e.AppendInt(b, w*64+j)
		}
	}

	return e.AppendBreak(b)
}
