package socket

import (
	"log/slog"

	"github.com/soypat/pgm"
)

// Wire overhead constants mirroring the unexported sizes in package pgm
// (spec §6): common header, ODATA type-specific body, and one OPT_LENGTH +
// OPT_FRAGMENT entry.
const (
	headerLen     = 16
	odataBodyLen  = 8
	fragOptionLen = 4 + 15 // OPT_LENGTH + OPT_FRAGMENT
)

// Send fragments payload into TPDUs of at most max_tpdu bytes (spec §4.5
// "send"), appending each to the transmit window, passing it through the
// rate limiter, and handing it to the configured Sink. It resets the SPM
// heartbeat schedule to fast mode so receivers observe the new activity
// promptly (spec §4.5).
func (s *Socket) Send(payload []byte, nonblocking bool) (int, Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, StatusEOF
	}
	if s.tx == nil {
		s.logerr("socket:send:no-tx", slog.String("err", errNotSender.Error()))
		return 0, StatusError
	}
	if len(payload) == 0 {
		return 0, StatusNormal
	}
	now := s.cfg.Clock.Now()

	plainMax := s.cfg.MaxTPDU - headerLen - odataBodyLen
	fragMax := plainMax - fragOptionLen
	if plainMax <= 0 || fragMax <= 0 {
		return 0, StatusError
	}

	var fragments [][]byte
	if len(payload) <= plainMax {
		fragments = [][]byte{payload}
	} else {
		for off := 0; off < len(payload); off += fragMax {
			end := off + fragMax
			if end > len(payload) {
				end = len(payload)
			}
			fragments = append(fragments, payload[off:end])
		}
	}
	if uint32(len(fragments)) > s.cfg.TxwSqns {
		s.logerr("socket:send:oversize", slog.String("err", errPayloadOver.Error()), slog.Int("fragments", len(fragments)))
		return 0, StatusError
	}
	fragmented := len(fragments) > 1
	var firstSeq pgm.Seq
	sent := 0
	for i, frag := range fragments {
		buf := s.buildODATA(frag, fragmented, firstSeq, i*fragMax, len(payload))
		s.txMu.Lock()
		skb := &pgm.SKB{Data: buf, Arrival: now, Sender: s.cfg.LocalTSI}
		seq := s.tx.Add(skb)
		trail := s.tx.Trail()
		s.txMu.Unlock()
		if i == 0 {
			firstSeq = seq
		}
		f, _ := pgm.NewFrame(buf)
		odata := f.ODATABody()
		odata.SetDataSeq(seq)
		odata.SetDataTrail(trail)
		if fragmented {
			// Patch the OPT_FRAGMENT entry now that the real APDU first
			// sequence is known (it was unknown before tx.Add assigned it).
			patchFragmentFirstSeq(odata.Options(), firstSeq)
		}
		f.SetSourcePort(s.cfg.LocalTSI.Port)
		f.SetDestinationPort(s.cfg.DestPort)
		f.SetGSI(s.cfg.LocalTSI.GSI)
		f.SetChecksum()

		if s.rate != nil && !s.rate.Check(len(buf), nonblocking) {
			s.debug("socket:send:rate-limited", slog.Int("sent", sent))
			return sent, StatusRateLimited
		}
		if err := s.cfg.Sink.Transmit(buf, nil); err != nil {
			s.logerr("socket:send:transmit", slog.String("err", err.Error()))
			return sent, StatusError
		}
		sent += len(frag)
	}
	s.sched.onSend(now)
	s.trace("socket:send", slog.Int("bytes", sent), slog.Bool("fragmented", fragmented))
	return sent, StatusNormal
}

// buildODATA constructs one ODATA TPDU carrying frag. apduFirstSeq is only
// meaningful once the first fragment's real sequence number is known; for
// index 0 it is patched in after the fact via patchFragmentFirstSeq.
func (s *Socket) buildODATA(frag []byte, fragmented bool, apduFirstSeq pgm.Seq, offset, totalLen int) []byte {
	optLen := 0
	if fragmented {
		optLen = fragOptionLen
	}
	buf := make([]byte, headerLen+odataBodyLen+optLen+len(frag))
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeODATA)
	f.SetTSDULength(uint16(len(frag)))
	if fragmented {
		f.SetOptions(pgm.FlagOptionsPresent)
		body := buf[headerLen+odataBodyLen:]
		body = pgm.AppendOptLength(body[:0], uint16(fragOptionLen))
		pgm.AppendFragmentOption(body, pgm.FragmentOption{
			APDUFirstSeq: apduFirstSeq,
			Offset:       uint32(offset),
			TotalLength:  uint32(totalLen),
		}, true)
	}
	copy(f.ODATABody().Payload(), frag)
	return buf
}

// patchFragmentFirstSeq rewrites the APDU-first-sequence field of an
// already-encoded OPT_FRAGMENT entry once the real value is known.
func patchFragmentFirstSeq(opts []byte, firstSeq pgm.Seq) {
	if len(opts) < 4+15 {
		return
	}
	entry := opts[4:]
	entry[3] = byte(firstSeq >> 24)
	entry[4] = byte(firstSeq >> 16)
	entry[5] = byte(firstSeq >> 8)
	entry[6] = byte(firstSeq)
}
