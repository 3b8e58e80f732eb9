package bitmap

import (
	"math/bits"

	"tlog.app/go/tlog/tlwire"
)

type (
	// Big is a dense bit set. The zero value is empty and ready to use,
	// small sets live in the inline buffer.
	Big struct {
		b  []uint64
		b0 [1]uint64
	}
)

func MakeSize(n int) Big {
	s := Big{}
	s.b = s.b0[:]

	if w := (n + 63) / 64; w > len(s.b) {
		s.b = make([]uint64, w)
	}

	return s
}

func (s *Big) Set(i int) {
	i, j := s.ij(i)

	s.grow(i)

	s.b[i] |= 1 << j
}

func (s Big) Clear(i int) {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return
	}

	s.b[i] &^= 1 << j
}

func (s Big) IsSet(i int) bool {
	i, j := s.ij(i)

	if i >= len(s.b) {
		return false
	}

	return (s.b[i] & (1 << j)) != 0
}

func (s *Big) Or(x Big) {
	s.grow(len(x.b))

	for i, x := range x.b {
		s.b[i] |= x
	}
}

func (s Big) Copy() Big {
	r := MakeSize(len(s.b) * 64)
	copy(r.b, s.b)

	return r
}

func (s *Big) Size() (r int) {
	if s == nil {
		return 0
	}

	for _, c := range s.b {
		r += bits.OnesCount64(c)
	}

	return r
}

// Equal reports whether both sets contain the same elements, regardless of
// capacity.
func (s Big) Equal(x Big) bool {
	n := max(len(s.b), len(x.b))

	for i := 0; i < n; i++ {
		var a, b uint64

		if i < len(s.b) {
			a = s.b[i]
		}
		if i < len(x.b) {
			b = x.b[i]
		}

		if a != b {
			return false
		}
	}

	return true
}

func (s Big) Range(f func(i int) bool) {
	for i, x := range s.b {
		for x != 0 {
			j := bits.TrailingZeros64(x)
			x &^= 1 << j

			if !f(i*64 + j) {
				return
			}
		}
	}
}

// Last returns the highest element of the set, or -1 if it is empty.
func (s Big) Last() int {
	for i := len(s.b) - 1; i >= 0; i-- {
		x := s.b[i]
		if x == 0 {
			continue
		}

		return i*64 + 63 - bits.LeadingZeros64(x)
	}

	return -1
}

func (s *Big) TlogAppend(b []byte) []byte {
	var e tlwire.LowEncoder

	if s == nil {
		return e.AppendNil(b)
	}

	b = e.AppendTag(b, tlwire.Array, -1)

	s.Range(func(i int) bool {
		b = e.AppendInt(b, i)

		return true
	})

	b = e.AppendBreak(b)

	return b
}

func (s Big) ij(pos int) (i int, j int) {
	i, j = pos/64, pos%64

	return i, j
}

func (s *Big) grow(i int) {
	for i >= len(s.b) {
		s.b = append(s.b, 0)
	}
}
