package socket

import (
	"log/slog"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/rxw"
)

// DispatchTimers runs every timer due at now: the SPM heartbeat/ambient
// schedule (if this socket is a sender), each peer's NAK state-machine
// timers (emitting NAKs through the Sink), and peer expiry (spec §4.4,
// §9 "Coroutine-like control flow" — the caller may drive this directly
// from its own event loop, or let [Socket.Recv] call it on wake).
func (s *Socket) DispatchTimers(now time.Time) {
	s.reapExpiredPeers(now)
	if s.tx != nil && s.sched.due(now) {
		s.sendSPM(now)
	}
	s.drainRetransmits(true)
	s.forEachPeer(func(tsi pgm.TSI, p *peer) {
		p.mu.Lock()
		reqs := p.rx.DispatchTimers(now)
		p.mu.Unlock()
		for _, req := range reqs {
			s.transmitNAK(p, req)
		}
	})
}

// NextExpiry returns the earliest deadline DispatchTimers needs to be
// called again, taking the minimum across the SPM schedule and every peer's
// earliest pending NAK timer (spec §4.4 "the scheduler maintains... the
// minimum of the head-of-queue expiries"). ok is false if nothing is
// currently pending.
func (s *Socket) NextExpiry(now time.Time) (t time.Time, ok bool) {
	if s.tx != nil {
		if spmT, spmOK := s.sched.expiry(); spmOK {
			t, ok = spmT, true
		}
	}
	s.forEachPeer(func(tsi pgm.TSI, p *peer) {
		p.mu.Lock()
		peerT, peerOK := p.rx.NextExpiry()
		p.mu.Unlock()
		if peerOK && (!ok || peerT.Before(t)) {
			t, ok = peerT, true
		}
	})
	return t, ok
}

// transmitNAK sends one NAK, unicast to the peer's source NLA, aggregating
// any OPT_NAK_LIST extras (spec §4.4 "NAK emission batches").
func (s *Socket) transmitNAK(p *peer, req rxw.NAKRequest) {
	var nakList pgm.NAKListOption
	optLen := 0
	if len(req.Extra) > 0 {
		nakList.Sequences = req.Extra
		optLen = 4 + 3 + 4*len(req.Extra)
	}
	bodySize := pgm.SizeNAKBody(s.cfg.GroupAFI, s.cfg.GroupAFI)
	buf := make([]byte, headerLen+bodySize+optLen)
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeNAK)
	f.SetSourcePort(s.cfg.LocalTSI.Port)
	f.SetDestinationPort(s.cfg.DestPort)
	f.SetGSI(s.cfg.LocalTSI.GSI)
	if optLen > 0 {
		f.SetOptions(pgm.FlagOptionsPresent)
		opts := buf[headerLen+bodySize:]
		opts = pgm.AppendOptLength(opts[:0], uint16(optLen))
		opts = pgm.AppendNAKListOption(opts, nakList, true)
		_ = opts
	}
	nak := f.NAKBody()
	nak.SetRequestedSeq(req.Primary)
	nak.SetSourceAFI(s.cfg.GroupAFI)
	nak.SetSourceNLA(s.cfg.GroupNLA)
	nak.SetGroupAFI(s.cfg.GroupAFI.Size(), s.cfg.GroupAFI)
	nak.SetGroupNLA(s.cfg.GroupAFI.Size(), s.cfg.GroupNLA)
	f.SetChecksum()
	if err := s.cfg.Sink.Transmit(buf, p.srcNLA); err != nil {
		s.logerr("socket:nak:transmit", slog.Uint64("seq", uint64(req.Primary)), slog.String("err", err.Error()))
	}
}
