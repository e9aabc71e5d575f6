package socket

import (
	"log/slog"

	"github.com/soypat/pgm"
)

// drainRetransmits pops and transmits every TPDU currently queued on the
// sender's retransmit queue (spec §4.2 "Retransmit-queue peek/pop"),
// respecting the repair-specific rate limiter when configured (falling back
// to the aggregate rate limiter otherwise) so a burst of NAKs cannot starve
// the regular send path. A parity entry's synthesised TPDU carries no
// source/destination port or GSI yet (txw.Window.synthesizeParity only
// knows the payload), so those are patched in here before transmission.
func (s *Socket) drainRetransmits(nonblocking bool) {
	if s.tx == nil {
		return
	}
	for {
		s.txMu.Lock()
		buf, parity, err := s.tx.RetransmitPeek()
		s.txMu.Unlock()
		if err != nil {
			s.debug("socket:repair:peek", slog.String("err", err.Error()))
			s.txMu.Lock()
			s.tx.RetransmitPop()
			s.txMu.Unlock()
			continue
		}
		if buf == nil {
			return
		}
		if parity {
			f, _ := pgm.NewFrame(buf)
			f.SetSourcePort(s.cfg.LocalTSI.Port)
			f.SetDestinationPort(s.cfg.DestPort)
			f.SetGSI(s.cfg.LocalTSI.GSI)
			f.SetChecksum()
		} else {
			// RetransmitPeek returns the stored SKB's bytes verbatim, still
			// stamped ODATA from the original send. Spec §8 Scenario B
			// requires the repair go out as RDATA ("next dispatch sends
			// RDATA(1)"); a conformant peer sees a re-sent ODATA bearing an
			// already-trailed sequence as a stale duplicate and discards it.
			// Retransmit a copy stamped RDATA rather than mutating the
			// stored TPDU in place, which would violate spec §3 invariant 6.
			repair := append([]byte(nil), buf...)
			if f, ferr := pgm.NewFrame(repair); ferr == nil {
				f.SetType(pgm.TypeRDATA)
				f.SetChecksum()
				buf = repair
			}
		}
		allowed := true
		switch {
		case s.repairRate != nil:
			allowed = s.repairRate.Check2(len(buf), nonblocking)
		case s.rate != nil:
			allowed = s.rate.Check(len(buf), nonblocking)
		}
		if !allowed {
			return // rate-limited: try again on the next timer dispatch.
		}
		if err := s.cfg.Sink.Transmit(buf, nil); err != nil {
			s.logerr("socket:repair:transmit", slog.String("err", err.Error()))
			return
		}
		s.txMu.Lock()
		s.tx.RetransmitPop()
		s.txMu.Unlock()
	}
}
