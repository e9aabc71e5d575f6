package socket

import (
	"sync"
	"time"

	"github.com/soypat/pgm"
)

// scheduler tracks the SPM heartbeat/ambient schedule for a sending socket
// (spec §4.4/§6 "spm_ambient_ivl"/"spm_heartbeat[]"). After a send event the
// schedule runs through the heartbeat table at its configured (fast)
// intervals; once exhausted it falls back to the slower ambient interval
// until the next send resets it.
type scheduler struct {
	mu sync.Mutex

	ambientIvl time.Duration
	heartbeat  []time.Duration
	hbIndex    int
	inHeartbeat bool

	nextSPM time.Time
	spmSeq  pgm.Seq
}

func (sc *scheduler) init(cfg *Config) {
	sc.ambientIvl = cfg.SPMAmbientIvl
	sc.heartbeat = cfg.SPMHeartbeat
}

// onSend resets the schedule to heartbeat (fast) mode from now, spec §4.5
// "resets SPM heartbeat schedule to fast mode".
func (sc *scheduler) onSend(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.hbIndex = 0
	sc.inHeartbeat = len(sc.heartbeat) > 0
	if sc.inHeartbeat {
		sc.nextSPM = now.Add(sc.heartbeat[0])
	} else {
		sc.nextSPM = now.Add(sc.ambientIvl)
	}
}

// onSPMSent advances the heartbeat schedule after an SPM is actually
// transmitted, falling back to the ambient interval once the table is
// exhausted.
func (sc *scheduler) onSPMSent(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.inHeartbeat {
		sc.hbIndex++
		if sc.hbIndex >= len(sc.heartbeat) {
			sc.inHeartbeat = false
			sc.nextSPM = now.Add(sc.ambientIvl)
			return
		}
		sc.nextSPM = now.Add(sc.heartbeat[sc.hbIndex])
		return
	}
	sc.nextSPM = now.Add(sc.ambientIvl)
}

// onSPMR makes the next SPM due immediately, bypassing the ambient/heartbeat
// schedule (spec SPEC_FULL.md D.6, "SPMR-triggered SPM").
func (sc *scheduler) onSPMR(now time.Time) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.nextSPM = now
}

func (sc *scheduler) due(now time.Time) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return !sc.nextSPM.IsZero() && !now.Before(sc.nextSPM)
}

func (sc *scheduler) expiry() (time.Time, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.nextSPM, !sc.nextSPM.IsZero()
}

// nextSeq returns the next strictly-monotonic SPM sequence number to stamp
// on an outgoing SPM (spec §5 "SPM sequence numbers... strictly monotonic").
func (sc *scheduler) nextSeq() pgm.Seq {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	s := sc.spmSeq
	sc.spmSeq++
	return s
}
