// Package rxw implements the PGM receive window: a per-sender sliding
// window tracking packet arrival, driving the NAK-based loss-recovery
// state machine, and reassembling application data units (APDUs) for
// in-order delivery. Grounded on the ring-indexed slot storage of
// this codebase's pgm/txw sibling package and on the reference
// implementation's receive window (rxwi.c), whose BACK_OFF/WAIT_NCF/
// WAIT_DATA/HAVE_DATA/HAVE_PARITY/LOST/COMMIT state names and
// transition triggers this package follows exactly (spec §3, §4.3).
package rxw

import (
	"encoding/binary"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/fec"
	"github.com/soypat/pgm/internal"
)

// State is a receive-window slot's position in the loss-recovery state
// machine, per spec §3 "Receive-window slot".
type State uint8

const (
	Empty State = iota
	BackOff
	WaitNCF
	WaitData
	HaveData
	HaveParity
	Lost
	Commit
)

func (s State) String() string {
	switch s {
	case Empty:
		return "EMPTY"
	case BackOff:
		return "BACK_OFF"
	case WaitNCF:
		return "WAIT_NCF"
	case WaitData:
		return "WAIT_DATA"
	case HaveData:
		return "HAVE_DATA"
	case HaveParity:
		return "HAVE_PARITY"
	case Lost:
		return "LOST"
	case Commit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// AddResult reports the outcome of [Window.Add].
type AddResult uint8

const (
	AddOK AddResult = iota
	AddDuplicate
	AddOutOfBounds
	AddFragmentInvalid
)

// Fragment mirrors pgm.FragmentOption, copied in rather than referenced so
// a slot's fragment metadata survives independently of the SKB it arrived
// on (spec §3 "fragment metadata... when present").
type Fragment struct {
	APDUFirstSeq pgm.Seq
	Offset       uint32
	TotalLength  uint32
}

// slot is one ring entry, spec §3 "Receive-window slot".
type slot struct {
	occupied bool
	seq      pgm.Seq
	state    State
	expiry   time.Time

	ncfRetries  uint32
	dataRetries uint32

	hasFragment bool
	frag        Fragment

	parity bool
	skb    *pgm.SKB
	// payload holds the decoded bytes for a slot reconstructed by FEC, which
	// has no backing SKB since the original TPDU never arrived.
	payload []byte
}

// payloadBytes returns the slot's TSDU payload, whether it arrived directly
// (via skb) or was produced by Reed-Solomon reconstruction.
func (sl *slot) payloadBytes() []byte {
	if sl.skb != nil {
		return sl.skb.Frame().ODATABody().Payload()
	}
	return sl.payload
}

// FECParams configures Reed-Solomon reconstruction for transmission groups,
// mirroring txw.FECParams (spec §4.3 "HAVE_PARITY... decode").
type FECParams struct {
	GroupSize  uint32
	ParitySize uint32
	Coder      fec.Coder
}

// Config holds the NAK timing constants and retry caps from spec §6's
// configuration surface table that govern this window's timers.
type Config struct {
	// MaxTPDU is the payload (TSDU) size of one APDU fragment; Flush divides
	// an APDU's total length by it to count the fragments to wait for.
	MaxTPDU int
	// NakBOIvl bounds the randomised back-off before a NAK is emitted.
	NakBOIvl time.Duration
	// NakRptIvl is the retry interval while WAIT_NCF.
	NakRptIvl time.Duration
	// NakRdataIvl is the retry interval while WAIT_DATA.
	NakRdataIvl time.Duration
	// NakNCFRetries caps WAIT_NCF retries before LOST.
	NakNCFRetries uint32
	// NakDataRetries caps WAIT_DATA retries before LOST.
	NakDataRetries uint32
	// AbortOnReset terminates the session on unrecoverable loss instead of
	// surfacing CONN_RESET and continuing (spec §6 "abort_on_reset").
	AbortOnReset bool
}

// NAKRequest is a NAK the scheduler must transmit (unicast to the sender),
// spec §4.4 "NAK emission batches": up to 62 additional sequences are
// aggregated via OPT_NAK_LIST onto one primary sequence.
type NAKRequest struct {
	Primary Seq
	Extra   []Seq
}

// Seq is a local alias so callers of this package don't need to import pgm
// just to name sequence numbers in request/response types.
type Seq = pgm.Seq

// Window is a receive window (RXW) for one sender. Per spec §5, it is
// single-writer from the receive path; the delivery reader shares access
// through a mutex the caller holds briefly, so the exported methods here
// assume external synchronisation around an RXW they own outright (the
// socket layer gives each peer an independent Window and a single mutex).
type Window struct {
	slots    []slot
	capacity uint32

	trail         pgm.Seq // next-to-deliver
	lead          pgm.Seq // highest sequence known
	rxwTrail      pgm.Seq // sender's advertised trailing edge
	windowDefined bool

	cfg Config
	fec *FECParams
	tgShift uint32

	cumulativeLosses uint64
	isReset          bool

	rngState uint32
}

// New constructs a receive window. fecParams may be nil to disable parity
// reconstruction for this sender (spec §4.3 "Construction").
func New(capacity uint32, cfg Config, fecParams *FECParams) *Window {
	w := &Window{
		slots:    make([]slot, capacity),
		capacity: capacity,
		cfg:      cfg,
		rngState: 0x9e3779b9,
	}
	if fecParams != nil {
		w.fec = fecParams
		// Mirrors txw's group-leader mask: the span covers the whole
		// transmission group (source + parity), spec §4.2 "power-of-two
		// shift for group alignment".
		w.tgShift = log2Floor(fecParams.GroupSize + fecParams.ParitySize)
	}
	return w
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

// Trail returns the next sequence to be delivered.
func (w *Window) Trail() pgm.Seq { return w.trail }

// Lead returns the highest sequence known to this window.
func (w *Window) Lead() pgm.Seq { return w.lead }

// CumulativeLosses returns the monotone count of lost sequences (spec §4.3
// "Loss reporting").
func (w *Window) CumulativeLosses() uint64 { return w.cumulativeLosses }

// IsReset reports whether an unrecoverable loss episode is pending
// notification to the caller (spec §4.3 "Loss reporting").
func (w *Window) IsReset() bool { return w.isReset }

// ClearReset acknowledges the reset indication, matching the reference
// semantics where RESET is surfaced once per episode then cleared unless
// abort_on_reset is configured.
func (w *Window) ClearReset() {
	if !w.cfg.AbortOnReset {
		w.isReset = false
	}
}

func (w *Window) jitter(max time.Duration) time.Duration {
	w.rngState = internal.Prand32(w.rngState)
	if max <= 0 {
		return 0
	}
	return time.Duration(uint64(w.rngState) % uint64(max))
}

func (w *Window) slotAt(s pgm.Seq) *slot {
	sl := &w.slots[w.index(s)]
	if !sl.occupied || sl.seq != s {
		return nil
	}
	return sl
}

// Add installs an arriving data or parity packet at sequence seq (spec
// §4.3 "Add"). now is used to seed back-off expiries for any gap placeholders
// created while extending the window.
func (w *Window) Add(seq pgm.Seq, skb *pgm.SKB, frag *Fragment, parity bool, now time.Time) AddResult {
	if !w.windowDefined {
		// First-packet handling (spec §4.3): defines the window.
		w.windowDefined = true
		w.lead = seq - 1
		w.trail = seq
		w.rxwTrail = seq
	}
	if seq.Diff(w.rxwTrail) < 0 || uint32(seq.Diff(w.rxwTrail)) > w.capacity {
		return AddOutOfBounds
	}
	if seq.Less(w.trail) {
		return AddDuplicate
	}
	if seq.AfterEq(w.trail) && seq.LessEq(w.lead) {
		sl := w.slotAt(seq)
		if sl == nil {
			return AddOutOfBounds
		}
		if sl.state == HaveData || sl.state == HaveParity {
			return AddDuplicate
		}
		if frag != nil {
			sl.hasFragment = true
			sl.frag = *frag
		}
		sl.skb = skb
		if parity {
			sl.state = HaveParity
		} else {
			sl.state = HaveData
		}
		return AddOK
	}
	// seq > lead: extend the window with BACK_OFF placeholders for the gap.
	for gap := w.lead + 1; gap.Less(seq); gap++ {
		w.installGap(gap, now)
	}
	if uint32(seq.Diff(w.trail))+1 > w.capacity {
		w.evictTrailAsLost()
	}
	idx := w.index(seq)
	w.slots[idx] = slot{
		occupied: true,
		seq:      seq,
		state:    stateFor(parity),
		skb:      skb,
	}
	if frag != nil {
		w.slots[idx].hasFragment = true
		w.slots[idx].frag = *frag
	}
	w.lead = seq
	return AddOK
}

func stateFor(parity bool) State {
	if parity {
		return HaveParity
	}
	return HaveData
}

// installGap creates a BACK_OFF placeholder at seq, evicting the trailing
// slot first if the window would overflow (spec §4.3 "Add", bullet 4).
func (w *Window) installGap(seq pgm.Seq, now time.Time) {
	if w.windowDefined && uint32(seq.Diff(w.trail))+1 > w.capacity {
		w.evictTrailAsLost()
	}
	w.slots[w.index(seq)] = slot{
		occupied: true,
		seq:      seq,
		state:    BackOff,
		expiry:   now.Add(w.jitter(w.cfg.NakBOIvl)),
	}
}

func (w *Window) evictTrailAsLost() {
	sl := w.slotAt(w.trail)
	if sl != nil && sl.state != HaveData && sl.state != Lost && sl.state != Commit {
		sl.state = Lost
		w.cumulativeLosses++
		w.isReset = true
	}
	w.trail++
}

// Update advances rxwTrail to txwTrail if it is further ahead, marking any
// sequence below it still unrecovered as LOST (spec §4.3 "Trailing-edge
// update"). This expires NAKs for sequences the sender can no longer repair.
func (w *Window) Update(txwTrail pgm.Seq) {
	if !txwTrail.After(w.rxwTrail) {
		return
	}
	w.rxwTrail = txwTrail
	for s := w.trail; s.Less(w.rxwTrail) && s.LessEq(w.lead); s++ {
		sl := w.slotAt(s)
		if sl == nil {
			continue
		}
		if sl.state != HaveData && sl.state != Lost && sl.state != Commit {
			sl.state = Lost
			w.cumulativeLosses++
			w.isReset = true
		}
	}
}

// OnNCF processes an NCF for the given sequence (spec §4.3 "NCF processing").
func (w *Window) OnNCF(seq pgm.Seq, now time.Time) {
	if !w.windowDefined {
		w.windowDefined = true
		w.lead = seq - 1
		w.trail = seq
		w.rxwTrail = seq
	}
	if seq.Less(w.trail) || uint32(seq.Diff(w.rxwTrail)) > w.capacity {
		return // unknown/out-of-window, ignore.
	}
	if seq.LessEq(w.lead) {
		sl := w.slotAt(seq)
		if sl == nil {
			return
		}
		if sl.state == BackOff || sl.state == WaitNCF {
			sl.state = WaitData
			sl.expiry = now.Add(w.cfg.NakRdataIvl)
		}
		return // HAVE_DATA/HAVE_PARITY/LOST/COMMIT: already resolved, ignore.
	}
	// Unknown sequence inside the sender's TXW: extend with placeholders,
	// final slot set directly to WAIT_DATA.
	for gap := w.lead + 1; gap.Less(seq); gap++ {
		w.installGap(gap, now)
	}
	if w.windowDefined && uint32(seq.Diff(w.trail))+1 > w.capacity {
		w.evictTrailAsLost()
	}
	w.slots[w.index(seq)] = slot{
		occupied: true,
		seq:      seq,
		state:    WaitData,
		expiry:   now.Add(w.cfg.NakRdataIvl),
	}
	w.lead = seq
}

// DispatchTimers advances any BACK_OFF/WAIT_NCF/WAIT_DATA slot whose expiry
// has elapsed, returning the NAKs that must be transmitted as a result
// (spec §4.3 "State machine timers", §4.4 "NAK emission batches"). It also
// attempts HAVE_PARITY group reconstruction opportunistically.
func (w *Window) DispatchTimers(now time.Time) []NAKRequest {
	var reqs []NAKRequest
	var batch []pgm.Seq
	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		req := NAKRequest{Primary: batch[0]}
		if len(batch) > 1 {
			req.Extra = append([]pgm.Seq(nil), batch[1:]...)
		}
		reqs = append(reqs, req)
		batch = batch[:0]
	}

	for s := w.trail; s.LessEq(w.lead); s++ {
		sl := w.slotAt(s)
		if sl == nil || sl.expiry.IsZero() || now.Before(sl.expiry) {
			continue
		}
		switch sl.state {
		case BackOff:
			sl.state = WaitNCF
			sl.expiry = now.Add(w.cfg.NakRptIvl)
			batch = append(batch, s)
			if len(batch) == maxNAKBatch+1 {
				flushBatch()
			}
		case WaitNCF:
			if sl.ncfRetries < w.cfg.NakNCFRetries {
				sl.ncfRetries++
				sl.expiry = now.Add(w.cfg.NakRptIvl)
				reqs = append(reqs, NAKRequest{Primary: s})
			} else {
				sl.state = Lost
				w.cumulativeLosses++
				w.isReset = true
			}
		case WaitData:
			if sl.dataRetries < w.cfg.NakDataRetries {
				sl.dataRetries++
				sl.expiry = now.Add(w.cfg.NakRdataIvl)
				reqs = append(reqs, NAKRequest{Primary: s})
			} else {
				sl.state = Lost
				w.cumulativeLosses++
				w.isReset = true
			}
		}
	}
	flushBatch()
	w.tryReconstructGroups()
	return reqs
}

// maxNAKBatch bounds OPT_NAK_LIST batching at 63 total sequences per NAK
// (spec §4.1/§4.4): one primary plus up to 62 extra.
const maxNAKBatch = 62

// NextExpiry returns the earliest pending timer deadline across every
// BACK_OFF/WAIT_NCF/WAIT_DATA slot in the window, i.e. the minimum of the
// head-of-queue expiries spec §4.4 describes the socket-level scheduler as
// taking across all peer RXWs. ok is false if no slot currently carries a
// pending timer.
func (w *Window) NextExpiry() (t time.Time, ok bool) {
	for s := w.trail; s.LessEq(w.lead); s++ {
		sl := w.slotAt(s)
		if sl == nil || sl.expiry.IsZero() {
			continue
		}
		if !ok || sl.expiry.Before(t) {
			t = sl.expiry
			ok = true
		}
	}
	return t, ok
}

// tryReconstructGroups scans for transmission groups with enough HAVE_DATA+
// HAVE_PARITY members to Reed-Solomon decode, promoting every reconstructed
// member to HAVE_DATA (spec §4.3 "HAVE_PARITY... decode").
func (w *Window) tryReconstructGroups() {
	if w.fec == nil {
		return
	}
	k := int(w.fec.GroupSize)
	n := k + int(w.fec.ParitySize)
	mask := (pgm.Seq(1) << w.tgShift) - 1
	seen := make(map[pgm.Seq]bool)
	for s := w.trail; s.LessEq(w.lead); s++ {
		leader := s &^ mask
		if seen[leader] {
			continue
		}
		seen[leader] = true
		w.tryReconstructGroup(leader, k, n)
	}
}

func (w *Window) tryReconstructGroup(leader pgm.Seq, k, n int) {
	shards := make([][]byte, n)
	members := make([]*slot, n)
	present := 0
	for i := 0; i < n; i++ {
		sl := w.slotAt(leader.Add(int32(i)))
		members[i] = sl
		if sl != nil && (sl.state == HaveData || sl.state == HaveParity) {
			shards[i] = sl.payloadBytes()
			present++
		}
	}
	if present < k || present == n {
		return // not enough to decode, or nothing missing.
	}

	// A surviving HAVE_PARITY member is the only place that still carries
	// the uniform shard width this group was encoded at, whether group
	// members needed zero-padding plus an original-length trailer (spec
	// §4.2(b)), and the per-member OPT_FRAGMENT entries synthesizeParity
	// encoded in parallel (spec §4.2(e)). If every parity member is also
	// missing, every source member must already be present (present < n and
	// present >= k together force it), so there is nothing left to promote.
	width := 0
	variable := false
	var fragEntries []pgm.ParityFragEntry
	for i := k; i < n; i++ {
		sl := members[i]
		if sl == nil || sl.state != HaveParity || sl.skb == nil {
			continue
		}
		frame := sl.skb.Frame()
		width = len(frame.ODATABody().Payload())
		variable = frame.Options().VariablePacketLength()
		fragEntries = parityFragEntries(frame)
		break
	}
	if width == 0 {
		return
	}
	if variable {
		for i := 0; i < k; i++ {
			if shards[i] != nil && len(shards[i]) != width {
				padded := make([]byte, width)
				copy(padded, shards[i])
				binary.BigEndian.PutUint16(padded[width-2:], uint16(len(shards[i])))
				shards[i] = padded
			}
		}
	}

	if err := w.fec.Coder.Reconstruct(shards); err != nil {
		return
	}
	for i := 0; i < k; i++ {
		sl := members[i]
		if sl == nil {
			continue // gap not yet known to this window; nothing to promote.
		}
		if sl.state != HaveData {
			// Recovered source member: either a missing placeholder or a
			// parity-tagged slot that turned out to be a source position.
			payload := shards[i]
			if variable {
				origLen := binary.BigEndian.Uint16(payload[len(payload)-2:])
				payload = payload[:origLen]
			}
			sl.payload = payload
			if i < len(fragEntries) && fragEntries[i].HasFragment {
				fo := fragEntries[i].Fragment
				sl.hasFragment = true
				sl.frag = Fragment{APDUFirstSeq: fo.APDUFirstSeq, Offset: fo.Offset, TotalLength: fo.TotalLength}
			}
			sl.state = HaveData
		}
	}
}

// parityFragEntries extracts the OPT_PARITY_FRAG chain from a parity frame,
// or nil if it carries none (spec §4.2(e), only present when at least one
// group member had an APDU fragment to preserve).
func parityFragEntries(f pgm.Frame) []pgm.ParityFragEntry {
	if !f.Options().HasOptions() {
		return nil
	}
	opts := f.ODATABody().Options()
	if opts == nil {
		return nil
	}
	var entries []pgm.ParityFragEntry
	pgm.ForEachOption(opts, false, func(typ pgm.OptionType, data []byte) error {
		if typ == pgm.OptParityFrag {
			if parsed, err := pgm.ParseParityFragOption(data); err == nil {
				entries = parsed
			}
		}
		return nil
	})
	return entries
}

// Flush delivers contiguous ready sequences into out, advancing trail past
// every HAVE_DATA/LOST slot consumed (spec §4.3 "Delivery"). It returns the
// number of messages written and whether it stopped because out was full
// (more ready sequences may remain in that case).
func (w *Window) Flush(out [][]byte) (n int, bufferFull bool) {
	for n < len(out) {
		if w.trail.After(w.lead) {
			return n, false
		}
		sl := w.slotAt(w.trail)
		if sl == nil {
			return n, false
		}
		switch sl.state {
		case HaveData:
			if sl.hasFragment {
				ok, lost, consumed := w.tryDeliverAPDU(sl)
				if !ok {
					return n, false // APDU incomplete, wait for more data.
				}
				w.trail = w.trail.Add(int32(consumed))
				if lost {
					continue // APDU invalidated by a LOST fragment: no message emitted.
				}
				out[n] = w.reassemble(sl, consumed)
				n++
				continue
			}
			out[n] = sl.payloadBytes()
			sl.state = Commit
			w.trail++
			n++
		case Lost:
			w.trail++
		default:
			return n, false // not yet ready.
		}
	}
	return n, true
}

// tryDeliverAPDU reports whether every fragment of the APDU starting at
// first is HAVE_DATA or LOST, and how many sequences it spans (spec §4.3
// "Delivery": a LOST fragment invalidates the whole APDU, surfaced as one
// loss). consumed is only meaningful when ok is true.
func (w *Window) tryDeliverAPDU(first *slot) (ok, lost bool, consumed int) {
	count := fragmentCount(first.frag, w.cfg.MaxTPDU)
	for i := 0; i < count; i++ {
		s := first.seq.Add(int32(i))
		sl := w.slotAt(s)
		if sl == nil {
			return false, false, 0
		}
		switch sl.state {
		case HaveData:
		case Lost:
			lost = true
		default:
			return false, false, 0
		}
	}
	return true, lost, count
}

func fragmentCount(f Fragment, maxTSDU int) int {
	if maxTSDU <= 0 {
		return 1
	}
	n := int(f.TotalLength) / maxTSDU
	if int(f.TotalLength)%maxTSDU != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// reassemble concatenates count contiguous HAVE_DATA/COMMIT fragment
// payloads starting at first.seq into one APDU buffer.
func (w *Window) reassemble(first *slot, count int) []byte {
	buf := make([]byte, first.frag.TotalLength)
	for i := 0; i < count; i++ {
		s := first.seq.Add(int32(i))
		sl := w.slotAt(s)
		if sl == nil {
			continue
		}
		off := sl.frag.Offset
		copy(buf[off:], sl.payloadBytes())
		sl.state = Commit
	}
	return buf
}
