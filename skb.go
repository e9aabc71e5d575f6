package pgm

import (
	"sync/atomic"
	"time"
)

// SKB (socket buffer) is a reference-counted byte region holding one TPDU,
// shared between the transmit and receive windows. See spec §3 "SKB".
type SKB struct {
	// Data is the full TPDU: common header, type-specific body, options,
	// and payload, in that order.
	Data []byte
	// Arrival is the time this SKB was received or submitted for send.
	Arrival time.Time
	// Sender is the TSI that produced this TPDU.
	Sender TSI
	// Sequence is the data sequence number assigned to this TPDU.
	Sequence Seq
	// Padded records whether the payload within Data was zero-padded to a
	// transmission group's member length for parity synthesis (spec §5
	// "zero_padded").
	Padded bool

	refs int32
}

// Ref increments the reference count. Called when a window takes ownership
// of the SKB and, separately, whenever the send path holds it in flight.
func (s *SKB) Ref() { atomic.AddInt32(&s.refs, 1) }

// Unref decrements the reference count and reports whether it reached zero,
// at which point the caller is responsible for releasing Data.
func (s *SKB) Unref() bool { return atomic.AddInt32(&s.refs, -1) == 0 }

// RefCount returns the current reference count. A count of 1 means no other
// owner holds the SKB, which txw.c's parity-encode path relies on before
// synthesising into a group member (spec §5).
func (s *SKB) RefCount() int32 { return atomic.LoadInt32(&s.refs) }

// Frame views Data as a parsed Frame. Caller must already know Data is
// well-formed (validated at ingestion).
func (s *SKB) Frame() Frame {
	f, _ := NewFrame(s.Data)
	return f
}
