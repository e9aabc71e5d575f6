package socket

import (
	"log/slog"
	"time"

	"github.com/soypat/pgm"
)

// sendSPM multicasts one Source Path Message advertising the transmit
// window's current trail/lead (spec §4.3 "SPM"), then advances the
// heartbeat/ambient schedule (spec §4.4/§6). Called from DispatchTimers when
// the schedule comes due, which a peer's SPMR forces at once via
// [scheduler.onSPMR].
func (s *Socket) sendSPM(now time.Time) {
	size := headerLen + pgm.SizeSPMBody(s.cfg.GroupAFI)
	buf := make([]byte, size)
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeSPM)
	f.SetSourcePort(s.cfg.LocalTSI.Port)
	f.SetDestinationPort(s.cfg.DestPort)
	f.SetGSI(s.cfg.LocalTSI.GSI)

	s.txMu.RLock()
	trail, lead := s.tx.Trail(), s.tx.Lead()
	s.txMu.RUnlock()

	spm := f.SPMBody()
	spm.SetSPMSeq(s.sched.nextSeq())
	spm.SetSPMTrail(trail)
	spm.SetSPMLead(lead)
	spm.SetNLAAFI(s.cfg.GroupAFI)
	spm.SetPathNLA(s.cfg.GroupNLA)
	f.SetChecksum()

	if err := s.cfg.Sink.Transmit(buf, nil); err != nil {
		s.logerr("socket:spm:transmit", slog.String("err", err.Error()))
		return
	}
	s.sched.onSPMSent(now)
	s.trace("socket:spm:sent", slog.Uint64("trail", uint64(trail)), slog.Uint64("lead", uint64(lead)))
}
