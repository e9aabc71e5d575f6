package socket

import (
	"log/slog"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/rxw"
	"github.com/soypat/pgm/txw"
)

// Dispatch parses one inbound datagram and routes it by PGM type (spec §2
// "Data flow, receiving"): ODATA/RDATA feed the matching peer's receive
// window, SPM updates the peer's trailing edge and liveness, NCF advances
// per-packet recovery, NAK/NNAK feed this socket's transmit window (if it is
// a sender) and trigger an immediate NCF, and SPMR makes an SPM due at once
// (sent by the next DispatchTimers).
// Framing and validation errors are local: they are counted and logged, and
// never escape to the caller (spec §7 "Propagation policy").
func (s *Socket) Dispatch(dg Datagram) {
	f, err := pgm.NewFrame(dg.TPDU)
	if err != nil {
		s.debug("socket:dispatch:short", slog.String("err", err.Error()))
		return
	}
	var v pgm.Validator
	f.ValidateExceptCRC(&v)
	if v.HasError() {
		s.debug("socket:dispatch:invalid", slog.String("err", v.Err().Error()))
		return
	}
	if f.DestinationPort() != s.cfg.DestPort {
		return // not addressed to this session.
	}
	if !f.VerifyChecksum() {
		s.debug("socket:dispatch:badcrc")
		return
	}
	now := s.cfg.Clock.Now()
	switch f.Type() {
	case pgm.TypeODATA, pgm.TypeRDATA:
		s.dispatchData(f, dg, now)
	case pgm.TypeSPM:
		s.dispatchSPM(f, dg, now)
	case pgm.TypeNCF:
		s.dispatchNCF(f, now)
	case pgm.TypeNAK, pgm.TypeNNAK:
		s.dispatchNAK(f, now)
	case pgm.TypeSPMR:
		s.sched.onSPMR(now)
	default:
		s.trace("socket:dispatch:ignored", slog.String("type", f.Type().String()))
	}
}

func (s *Socket) dispatchData(f pgm.Frame, dg Datagram, now time.Time) {
	tsi := f.TSI()
	p := s.peerLookupOrCreate(tsi, dg.SrcNLA, dg.DstNLA, now)
	p.touch(now)
	odata := f.ODATABody()
	parity := f.Options().IsParity()

	var frag *rxw.Fragment
	if f.Options().HasOptions() {
		opts := odata.Options()
		if opts != nil {
			netSig := f.Options().NetworkSignificant()
			err := pgm.ForEachOption(opts, netSig, func(typ pgm.OptionType, data []byte) error {
				if typ == pgm.OptFragment {
					fo, err := pgm.ParseFragmentOption(data)
					if err != nil {
						return err
					}
					frag = &rxw.Fragment{APDUFirstSeq: fo.APDUFirstSeq, Offset: fo.Offset, TotalLength: fo.TotalLength}
				}
				return nil
			})
			if err != nil {
				// An unrecognised network-significant option discards the
				// whole packet, not just the option chain (spec §4.1).
				s.debug("socket:dispatch:badopts", slog.String("err", err.Error()))
				return
			}
		}
	}
	skb := &pgm.SKB{Data: dg.TPDU, Arrival: now, Sender: tsi, Sequence: odata.DataSeq()}
	p.mu.Lock()
	res := p.rx.Add(odata.DataSeq(), skb, frag, parity, now)
	p.rx.Update(odata.DataTrail())
	if res == rxw.AddOK {
		p.bytesReceived += uint64(len(odata.Payload()))
	}
	p.mu.Unlock()
	if res == rxw.AddOK {
		s.wake()
	}
}

func (s *Socket) dispatchSPM(f pgm.Frame, dg Datagram, now time.Time) {
	tsi := f.TSI()
	spm := f.SPMBody()
	if spm.PathNLA() == nil {
		s.debug("socket:dispatch:spm:badafi") // spec §9 Open Question: discard unparseable AFI.
		return
	}
	p := s.peerLookupOrCreate(tsi, dg.SrcNLA, dg.DstNLA, now)
	if !p.acceptSPMSeq(spm.SPMSeq()) {
		s.debug("socket:dispatch:spm:outoforder")
		return
	}
	p.touch(now)
	p.mu.Lock()
	p.rx.Update(spm.SPMTrail())
	p.mu.Unlock()
	s.wake()
}

func (s *Socket) dispatchNCF(f pgm.Frame, now time.Time) {
	tsi := f.TSI()
	p := s.peerLookup(tsi)
	if p == nil {
		return // NCF for a sender we've never heard an ODATA/SPM from: nothing to advance.
	}
	nak := f.NAKBody()
	p.touch(now)
	p.mu.Lock()
	p.rx.OnNCF(nak.RequestedSeq(), now)
	p.mu.Unlock()
}

// dispatchNAK handles a NAK/NNAK received by a sending socket: it pushes the
// requested sequence, plus every sequence bundled onto it via OPT_NAK_LIST
// (spec §4.4 "NAK emission batches" — a receiver coalesces every BACK_OFF
// slot sharing an expiry window into one NAK), to the retransmit queue, and
// immediately emits an NCF per sequence to suppress duplicate NAKs from
// other receivers (spec §8 Scenario C). Without decoding OPT_NAK_LIST here,
// every sequence but the primary would go unrepaired until the receiver's
// own NAK retries eventually re-request them one at a time — or, with
// nak_ncf_retries exhausted, never at all.
func (s *Socket) dispatchNAK(f pgm.Frame, now time.Time) {
	if s.tx == nil {
		return
	}
	nak := f.NAKBody()
	parity := f.Options().IsParity()

	seqs := []pgm.Seq{nak.RequestedSeq()}
	if opts := f.NAKOptions(); opts != nil {
		netSig := f.Options().NetworkSignificant()
		err := pgm.ForEachOption(opts, netSig, func(typ pgm.OptionType, data []byte) error {
			if typ != pgm.OptNAKList {
				return nil
			}
			list, err := pgm.ParseNAKListOption(data)
			if err != nil {
				return err
			}
			seqs = append(seqs, list.Sequences...)
			return nil
		})
		if err != nil {
			s.debug("socket:dispatch:nak:badopts", slog.String("err", err.Error()))
			return
		}
	}

	for _, seq := range seqs {
		s.pushRetransmitAndNCF(seq, parity, now)
	}
}

// pushRetransmitAndNCF pushes one sequence (selective, or transmission-group
// leader for a parity request) onto the retransmit queue and emits the
// corresponding NCF, unless another receiver's NAK for the same sequence
// already elicited one within the suppression window.
func (s *Socket) pushRetransmitAndNCF(seq pgm.Seq, parity bool, now time.Time) {
	s.txMu.Lock()
	var result txw.PushResult
	if parity {
		result = s.tx.PushParity(seq, 1)
	} else {
		result = s.tx.PushSelective(seq)
	}
	s.txMu.Unlock()
	if result == txw.PushRejected {
		s.debug("socket:dispatch:nak:rejected", slog.Uint64("seq", uint64(seq)))
		return
	}
	if result == txw.PushSuppressed && s.recentlyNCFed(seq, now) {
		// Another receiver's NAK for the same sequence already elicited an
		// NCF within the suppression window: skip the redundant multicast
		// send (spec §4.4 "NAK emission batches" exists to stop receivers
		// from NAKing; this is the mirror image on the sender).
		return
	}
	s.sendNCF(seq, now)
	s.markNCFed(seq, now)
}

// recentlyNCFed reports whether seq had an NCF sent for it within the last
// NakRptIvl, using the bounded recency cache instead of an unbounded map so
// a NAK storm across many sequences can't grow this state forever.
func (s *Socket) recentlyNCFed(seq pgm.Seq, now time.Time) bool {
	s.ncfSentMu.Lock()
	defer s.ncfSentMu.Unlock()
	last, ok := s.ncfSent.Get(seq)
	return ok && now.Sub(last) < s.cfg.NakRptIvl
}

func (s *Socket) markNCFed(seq pgm.Seq, now time.Time) {
	s.ncfSentMu.Lock()
	s.ncfSent.Push(seq, now)
	s.ncfSentMu.Unlock()
}

func (s *Socket) sendNCF(seq pgm.Seq, now time.Time) {
	size := headerLen + pgm.SizeNAKBody(s.cfg.GroupAFI, s.cfg.GroupAFI)
	buf := make([]byte, size)
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeNCF)
	f.SetSourcePort(s.cfg.LocalTSI.Port)
	f.SetDestinationPort(s.cfg.DestPort)
	f.SetGSI(s.cfg.LocalTSI.GSI)
	nak := f.NAKBody()
	nak.SetRequestedSeq(seq)
	nak.SetSourceAFI(s.cfg.GroupAFI)
	nak.SetSourceNLA(s.cfg.GroupNLA)
	nak.SetGroupAFI(s.cfg.GroupAFI.Size(), s.cfg.GroupAFI)
	nak.SetGroupNLA(s.cfg.GroupAFI.Size(), s.cfg.GroupNLA)
	f.SetChecksum()
	if err := s.cfg.Sink.Transmit(buf, nil); err != nil {
		s.logerr("socket:ncf:transmit", slog.String("err", err.Error()))
	}
}
