package socket

import (
	"time"

	"github.com/soypat/pgm"
)

// Recv delivers reassembled APDUs into out, returning the number filled.
// It follows the reference implementation's pgm_recv coroutine-like control
// flow (spec §9 "Coroutine-like control flow"): DRAIN_PENDING first drains
// any already-reassembled data sitting in peer receive windows, READ_SOCKET
// is the caller's own responsibility (datagrams reach this socket through
// [Socket.Dispatch], driven by the caller's read loop), DISPATCH_TIMERS runs
// the NAK/SPM timers so a stalled window can make progress, and
// WAIT_READINESS blocks until Dispatch or a timer deadline wakes it again.
//
// nonblocking follows the same convention as [Socket.Send]: if true, Recv
// returns StatusWouldBlock instead of waiting.
func (s *Socket) Recv(out [][]byte, nonblocking bool) (int, Status) {
	for {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, StatusEOF
		}

		// checkReset runs before drainPeers in both passes below: a loss
		// that DispatchTimers just turned into CONN_RESET must be surfaced
		// on its own call, never folded into the same Recv that delivers
		// the sequences the loss unblocked (spec §8 Scenario D).
		if s.checkReset() {
			return 0, StatusReset
		}
		if n := s.drainPeers(out); n > 0 {
			return n, StatusNormal
		}

		now := s.cfg.Clock.Now()
		s.DispatchTimers(now)

		if s.checkReset() {
			return 0, StatusReset
		}
		if n := s.drainPeers(out); n > 0 {
			return n, StatusNormal
		}
		if nonblocking {
			return 0, StatusWouldBlock
		}
		s.waitReadiness(now)
	}
}

// drainPeers pulls every reassembled APDU currently sitting in any peer's
// receive window into out, spec §9 DRAIN_PENDING.
func (s *Socket) drainPeers(out [][]byte) int {
	n := 0
	s.forEachPeer(func(tsi pgm.TSI, p *peer) {
		if n >= len(out) {
			return
		}
		p.mu.Lock()
		got, _ := p.rx.Flush(out[n:])
		p.mu.Unlock()
		n += got
	})
	return n
}

// checkReset reports whether any peer's receive window has hit an
// irrecoverable loss, surfacing RESET to the caller once per episode (spec
// §4.3 "Loss reporting"). The indication is then cleared so the next call
// resumes normal delivery, unless AbortOnReset is configured, in which case
// the peer's window stays reset and every subsequent Recv keeps returning
// StatusReset until the caller tears the session down (spec §6 "abort_on_reset").
func (s *Socket) checkReset() bool {
	reset := false
	s.forEachPeer(func(tsi pgm.TSI, p *peer) {
		p.mu.Lock()
		if p.rx.IsReset() {
			reset = true
			p.rx.ClearReset()
		}
		p.mu.Unlock()
	})
	return reset
}

// waitReadiness blocks until either wake() signals new drainable state or
// the next scheduled timer comes due, whichever is sooner (spec §9
// WAIT_READINESS). It falls back to the peer expiry interval when nothing
// is currently scheduled, so DispatchTimers still runs periodically to reap
// silent peers.
func (s *Socket) waitReadiness(now time.Time) {
	wait := s.cfg.PeerExpiry
	if deadline, ok := s.NextExpiry(now); ok {
		if d := deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait <= 0 {
		return
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.ready:
	case <-timer.C:
	}
}
