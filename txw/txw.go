// Package txw implements the PGM transmit window: the sequence-indexed
// ring that retains sent TPDUs for retransmission, drives the retransmit
// queue, and synthesises parity packets on demand. Grounded on the ring
// storage and retransmit-queue design of this codebase's TCP send window
// (tcp/txqueue.go's ringTx/sentlist) generalised from byte-offset ranges to
// whole-TPDU slots, and on the exact eviction/parity mechanics of the
// reference PGM transmit window implementation (txw.c).
package txw

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/fec"
	"github.com/soypat/pgm/internal"
)

// PushResult reports the outcome of a retransmit-queue push, spec §4.2.
type PushResult uint8

const (
	PushRejected  PushResult = iota // sequence not present in the window
	PushQueued                      // newly enqueued
	PushSuppressed                  // already queued (NAK elimination / request count raised)
)

var (
	ErrZeroCapacity  = errors.New("txw: capacity must be > 0")
	ErrNoFEC         = errors.New("txw: parity operation requires FEC configured")
	ErrGroupInFlight = errors.New("txw: group member referenced elsewhere, cannot encode parity")
)

// FECParams configures Reed-Solomon parity for the window's transmission
// groups (spec §4.2 "Construction").
type FECParams struct {
	GroupSize  uint32 // k: source shards per transmission group
	ParitySize uint32 // n-k: parity shards per transmission group
	Coder      fec.Coder
}

// slot is the per-sequence control block augmenting the stored SKB, per
// spec §3 "Transmit-window slot".
type slot struct {
	skb                 *pgm.SKB
	occupied            bool
	unfoldedChecksum    uint32
	retransmitCount     uint32
	nakEliminationCount uint32
	pktCntRequested     uint32
	pktCntSent          uint32
	waitingRetransmit   bool
	groupZeroPadded     bool
}

// queueEntry is one FIFO entry: either a selective (single-sequence) repair
// or a parity (group-leader) repair whose requested count can grow.
type queueEntry struct {
	sequence pgm.Seq
	parity   bool
}

// Window is the transmit window (TXW). Not safe for concurrent use without
// external synchronisation; spec §5 assigns it a reader-writer lock (writer
// for Add/retransmit mutation, reader for Peek from the send path).
type Window struct {
	slots    []slot
	capacity uint32
	trail    pgm.Seq
	lead     pgm.Seq
	began    bool // true once at least one append has occurred (trail/lead meaningful)

	queue []queueEntry

	fec          *FECParams
	tgSqnShift   uint32 // log2(GroupSize+ParitySize), for group-leader masking
	groupCounter uint32 // source appends placed in the current transmission group

	scratch []byte // bounded heap scratch for parity synthesis, sized at construction (spec §9 Open Question)
}

// New constructs a transmit window able to hold capacity sequences. fecParams
// may be nil to disable FEC.
func New(capacity uint32, maxTPDU int, fecParams *FECParams) (*Window, error) {
	if capacity == 0 {
		return nil, ErrZeroCapacity
	}
	w := &Window{
		slots:    make([]slot, capacity),
		capacity: capacity,
		lead:     ^pgm.Seq(0), // so that first Add (++lead) yields sequence 0
	}
	if fecParams != nil {
		w.fec = fecParams
		// The group-leader mask spans the whole transmission group (source
		// plus parity, spec §4.2 "power-of-two shift for group alignment"),
		// not just the k source members: parity sequences for a group live
		// at leader+k..leader+n-1, so source appends must reserve that span
		// rather than reuse it for the next group's source packets.
		n := fecParams.GroupSize + fecParams.ParitySize
		w.tgSqnShift = log2Floor(n)
		w.scratch = make([]byte, maxTPDU*int(fecParams.GroupSize))
	}
	return w, nil
}

func log2Floor(n uint32) uint32 {
	var shift uint32
	for n > 1 {
		n >>= 1
		shift++
	}
	return shift
}

func (w *Window) index(s pgm.Seq) uint32 { return uint32(s) % w.capacity }

// Trail returns the window's trailing edge (oldest retained sequence).
func (w *Window) Trail() pgm.Seq { return w.trail }

// Lead returns the window's leading edge (most recently appended sequence).
func (w *Window) Lead() pgm.Seq { return w.lead }

// Len returns the number of sequences currently retained.
func (w *Window) Len() uint32 {
	if !w.began {
		return 0
	}
	return uint32(w.lead.Diff(w.trail)) + 1
}

// Add assigns the next sequence number to skb, stores it, and evicts the
// oldest slot if the window is full (spec §4.2 "Append"). When FEC is
// configured, every k-th append reserves the following n-k sequence
// numbers for that transmission group's parity (see New), so the next
// source append lands on the following group's leader.
func (w *Window) Add(skb *pgm.SKB) pgm.Seq {
	if !w.began {
		w.began = true
		w.lead = 0
		w.trail = 0
	} else {
		w.lead++
		if w.Len() > w.capacity {
			w.evictTail()
		}
	}
	idx := w.index(w.lead)
	skb.Sequence = w.lead
	skb.Ref()
	w.slots[idx] = slot{skb: skb, occupied: true}
	if w.fec != nil {
		w.groupCounter++
		if w.groupCounter == w.fec.GroupSize {
			w.groupCounter = 0
			leader := w.groupLeader(w.lead)
			w.lead = leader + pgm.Seq(w.fec.GroupSize+w.fec.ParitySize) - 1
		}
	}
	return skb.Sequence
}

// evictTail removes the oldest slot, unhooking it from the retransmit queue
// if present, and advances trail.
func (w *Window) evictTail() {
	idx := w.index(w.trail)
	sl := &w.slots[idx]
	if sl.occupied {
		if sl.waitingRetransmit {
			w.unlinkQueue(w.trail)
		}
		if sl.skb != nil {
			sl.skb.Unref()
		}
	}
	*sl = slot{}
	w.trail++
}

// Peek returns the SKB stored at sequence s, if s lies within [trail,lead]
// and the slot is populated (spec §4.2 "Peek").
func (w *Window) Peek(s pgm.Seq) (*pgm.SKB, bool) {
	if !w.began || !s.InRange(w.trail, w.lead) {
		return nil, false
	}
	sl := &w.slots[w.index(s)]
	if !sl.occupied || sl.skb.Sequence != s {
		return nil, false
	}
	return sl.skb, true
}

func (w *Window) groupLeader(s pgm.Seq) pgm.Seq {
	mask := (pgm.Seq(1) << w.tgSqnShift) - 1
	return s &^ mask
}

// PushSelective requests retransmission of a single sequence (spec §4.2).
func (w *Window) PushSelective(s pgm.Seq) PushResult {
	sl, ok := w.slotAt(s)
	if !ok {
		return PushRejected
	}
	if sl.waitingRetransmit {
		sl.nakEliminationCount++
		return PushSuppressed
	}
	sl.waitingRetransmit = true
	w.queue = append(w.queue, queueEntry{sequence: s, parity: false})
	return PushQueued
}

// PushParity requests `requested` parity packets for the transmission group
// led by the group-leader sequence of s (spec §4.2). The requested count
// only ever increases.
func (w *Window) PushParity(s pgm.Seq, requested uint32) PushResult {
	if w.fec == nil {
		return PushRejected
	}
	leader := w.groupLeader(s)
	sl, ok := w.slotAt(leader)
	if !ok {
		return PushRejected
	}
	if sl.waitingRetransmit {
		if requested > sl.pktCntRequested {
			sl.pktCntRequested = requested
		}
		return PushSuppressed
	}
	sl.waitingRetransmit = true
	sl.pktCntRequested = requested
	w.queue = append(w.queue, queueEntry{sequence: leader, parity: true})
	return PushQueued
}

func (w *Window) slotAt(s pgm.Seq) (*slot, bool) {
	if !w.began || !s.InRange(w.trail, w.lead) {
		return nil, false
	}
	sl := &w.slots[w.index(s)]
	if !sl.occupied {
		return nil, false
	}
	return sl, true
}

func (w *Window) unlinkQueue(s pgm.Seq) {
	for i, e := range w.queue {
		if e.sequence == s {
			w.queue = append(w.queue[:i], w.queue[i+1:]...)
			return
		}
	}
}

// RetransmitPeek returns the tail (oldest-pushed) entry of the retransmit
// queue without popping it. For a selective entry it returns the stored
// SKB's data verbatim. For a parity entry it synthesises a new parity TPDU
// into the window's scratch buffer (spec §4.2 "Retransmit-queue peek").
func (w *Window) RetransmitPeek() ([]byte, bool, error) {
	if len(w.queue) == 0 {
		return nil, false, nil
	}
	e := w.queue[0]
	if !e.parity {
		skb, ok := w.Peek(e.sequence)
		if !ok {
			return nil, false, nil
		}
		return skb.Data, false, nil
	}
	data, err := w.synthesizeParity(e.sequence)
	return data, true, err
}

// RetransmitPop removes the tail entry after it has been sent. For a
// selective entry it unlinks immediately. For a parity entry it increments
// pkt_cnt_sent and only unlinks once every requested parity packet has been
// sent (spec §4.2 "Retransmit-queue pop").
func (w *Window) RetransmitPop() {
	if len(w.queue) == 0 {
		return
	}
	e := w.queue[0]
	sl, ok := w.slotAt(e.sequence)
	if !ok {
		w.queue = w.queue[1:]
		return
	}
	if !e.parity {
		sl.waitingRetransmit = false
		sl.retransmitCount++
		w.queue = w.queue[1:]
		return
	}
	sl.pktCntSent++
	if sl.pktCntSent >= sl.pktCntRequested {
		sl.waitingRetransmit = false
		w.queue = w.queue[1:]
	}
}

// lengthTrailerSize is the 16-bit original-length field appended to every
// group member once a transmission group turns out to be variable-length
// (spec §4.2(b) "pads each group member with its original TSDU length
// appended"), so the receiver can trim a Reed-Solomon-reconstructed member
// back down from the group's padded width to its real size. Matches the
// reference implementation's zero_padded trailer width (txw.c), and a TSDU
// length always fits a TPDU's own 16-bit tsdu_length field anyway.
const lengthTrailerSize = 2

// synthesizeParity builds the h-th parity symbol for the transmission group
// led by leader, where h = pkt_cnt_sent mod (n-k) (spec §4.2). It gathers
// the k group-member payloads (refusing any member still referenced
// elsewhere per spec §5's single-owner rule); if their lengths differ, it
// zero-pads every member to the group's longest payload and appends each
// member's true length as a trailer, marking the slot groupZeroPadded (spec
// §4.2(b)); if any member carried OPT_FRAGMENT, it mirrors all k members'
// fragment metadata into the parity TPDU's own OPT_PARITY_FRAG chain (spec
// §4.2(e)); and returns a freshly-framed parity TPDU using the window's
// bounded scratch buffer.
func (w *Window) synthesizeParity(leader pgm.Seq) ([]byte, error) {
	if w.fec == nil {
		return nil, ErrNoFEC
	}
	k := int(w.fec.GroupSize)
	n := k + int(w.fec.ParitySize)
	shards := make([][]byte, n)
	fragEntries := make([]pgm.ParityFragEntry, k)
	maxLen := 0
	anyFragment := false
	for i := 0; i < k; i++ {
		sl, ok := w.slotAt(leader.Add(int32(i)))
		if !ok {
			return nil, pgm.ErrPacketDrop // group incomplete, cannot encode yet
		}
		if sl.skb.RefCount() > 1 {
			return nil, ErrGroupInFlight
		}
		payload := sl.skb.Frame().ODATABody().Payload()
		if len(payload) > maxLen {
			maxLen = len(payload)
		}
		shards[i] = payload
		if fo, ok := sourceFragment(sl.skb.Frame()); ok {
			fragEntries[i] = pgm.ParityFragEntry{HasFragment: true, Fragment: fo}
			anyFragment = true
		}
	}
	variable := false
	for i := 0; i < k; i++ {
		if len(shards[i]) != maxLen {
			variable = true
			break
		}
	}
	width := maxLen
	if variable {
		width = maxLen + lengthTrailerSize
		for i := 0; i < k; i++ {
			sl, _ := w.slotAt(leader.Add(int32(i)))
			origLen := len(shards[i])
			padded := make([]byte, width)
			copy(padded, shards[i])
			binary.BigEndian.PutUint16(padded[width-lengthTrailerSize:], uint16(origLen))
			shards[i] = padded
			sl.groupZeroPadded = true
			sl.skb.Padded = true
		}
	}
	leaderSlot, _ := w.slotAt(leader)
	h := int(leaderSlot.pktCntSent) % int(w.fec.ParitySize)
	for i := k; i < n; i++ {
		shards[i] = make([]byte, width)
	}
	if err := w.fec.Coder.Encode(shards); err != nil {
		return nil, err
	}
	parityPayload := shards[k+h]

	var optBuf []byte
	if anyFragment {
		optBuf = pgm.AppendOptLength(optBuf, 0)
		optBuf = pgm.AppendParityFragOption(optBuf, fragEntries, true)
		optBuf[2] = byte(len(optBuf) >> 8)
		optBuf[3] = byte(len(optBuf))
	}

	need := 16 + 8 + len(optBuf) + len(parityPayload)
	internal.SliceReuse(&w.scratch, need)
	frame := w.scratch[:need]
	for i := range frame {
		frame[i] = 0
	}
	f, _ := pgm.NewFrame(frame)
	f.SetType(pgm.TypeRDATA)
	f.SetOptions(pgm.FlagParity)
	if variable {
		f.SetOptions(f.Options() | pgm.FlagVarPktLen)
	}
	if anyFragment {
		f.SetOptions(f.Options() | pgm.FlagOptionsPresent)
		copy(frame[16+8:], optBuf)
	}
	f.SetTSDULength(uint16(len(parityPayload)))
	odata := f.ODATABody()
	odata.SetDataSeq(leader.Add(int32(w.fec.GroupSize)).Add(int32(h)))
	odata.SetDataTrail(w.trail)
	copy(odata.Payload(), parityPayload)
	f.SetChecksum()
	return frame, nil
}

// sourceFragment reports the OPT_FRAGMENT carried by a source TPDU, if any.
func sourceFragment(f pgm.Frame) (pgm.FragmentOption, bool) {
	if !f.Options().HasOptions() {
		return pgm.FragmentOption{}, false
	}
	opts := f.ODATABody().Options()
	if opts == nil {
		return pgm.FragmentOption{}, false
	}
	var fo pgm.FragmentOption
	var found bool
	pgm.ForEachOption(opts, false, func(typ pgm.OptionType, data []byte) error {
		if typ == pgm.OptFragment {
			if parsed, err := pgm.ParseFragmentOption(data); err == nil {
				fo = parsed
				found = true
			}
		}
		return nil
	})
	return fo, found
}

// Shutdown releases all retained SKBs. After Shutdown the window must not
// be used.
func (w *Window) Shutdown() {
	for i := range w.slots {
		if w.slots[i].occupied && w.slots[i].skb != nil {
			w.slots[i].skb.Unref()
		}
	}
	w.slots = nil
	w.queue = nil
}
