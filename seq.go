package pgm

// Seq is a PGM sequence number: a 32-bit counter that wraps around and is
// always compared with signed-difference semantics, never absolute order.
// See spec §3 "Sequence number".
type Seq uint32

// Less reports whether s precedes o in the circular sequence space, i.e.
// (int32)(s - o) < 0.
func (s Seq) Less(o Seq) bool {
	return int32(s-o) < 0
}

// LessEq reports whether s precedes or equals o in the circular space.
func (s Seq) LessEq(o Seq) bool {
	return s == o || s.Less(o)
}

// After reports whether s follows o in the circular space.
func (s Seq) After(o Seq) bool {
	return o.Less(s)
}

// AfterEq reports whether s follows or equals o in the circular space.
func (s Seq) AfterEq(o Seq) bool {
	return s == o || o.Less(s)
}

// InRange reports whether s lies within [lo,hi] using circular ordering.
func (s Seq) InRange(lo, hi Seq) bool {
	return lo.LessEq(s) && s.LessEq(hi)
}

// Diff returns the signed distance a-b in the circular sequence space, i.e.
// a positive value when a follows b, negative when a precedes b.
func (s Seq) Diff(o Seq) int32 {
	return int32(s - o)
}

// Add returns s advanced by n (n may be negative).
func (s Seq) Add(n int32) Seq {
	return s + Seq(n)
}
