package txw_test

import (
	"testing"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/fec"
	"github.com/soypat/pgm/rxw"
	"github.com/soypat/pgm/txw"
)

const (
	headerLen     = 16
	odataBodyLen  = 8
	fragOptionLen = 4 + 15 // OPT_LENGTH + OPT_FRAGMENT
)

// makeFragSKB builds an ODATA SKB carrying OPT_FRAGMENT, mirroring
// socket.buildODATA's option-chain layout.
func makeFragSKB(payload string, apduFirstSeq pgm.Seq, offset, total uint32) *pgm.SKB {
	buf := make([]byte, headerLen+odataBodyLen+fragOptionLen+len(payload))
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeODATA)
	f.SetTSDULength(uint16(len(payload)))
	f.SetOptions(pgm.FlagOptionsPresent)
	body := buf[headerLen+odataBodyLen:]
	body = pgm.AppendOptLength(body[:0], uint16(fragOptionLen))
	pgm.AppendFragmentOption(body, pgm.FragmentOption{
		APDUFirstSeq: apduFirstSeq,
		Offset:       offset,
		TotalLength:  total,
	}, true)
	copy(f.ODATABody().Payload(), payload)
	f.SetChecksum()
	return &pgm.SKB{Data: buf, Arrival: time.Now()}
}

func makeSKB(seq pgm.Seq, payload string) *pgm.SKB {
	buf := make([]byte, 16+8+len(payload))
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeODATA)
	f.SetTSDULength(uint16(len(payload)))
	copy(f.ODATABody().Payload(), payload)
	f.SetChecksum()
	return &pgm.SKB{Data: buf, Arrival: time.Now()}
}

func TestWindowAppendAndPeek(t *testing.T) {
	w, err := txw.New(4, 1500, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		s := w.Add(makeSKB(0, "x"))
		if s != pgm.Seq(i) {
			t.Fatalf("sequence %d, want %d", s, i)
		}
	}
	skb, ok := w.Peek(0)
	if !ok || skb == nil {
		t.Fatal("expected sequence 0 still in window")
	}
	// Appending a 5th evicts sequence 0 (property test 1 in spec §8).
	w.Add(makeSKB(0, "y"))
	if _, ok := w.Peek(0); ok {
		t.Fatal("sequence 0 should have been evicted")
	}
	if _, ok := w.Peek(4); !ok {
		t.Fatal("sequence 4 should be present")
	}
}

func TestSelectivePushIdempotent(t *testing.T) {
	w, _ := txw.New(8, 1500, nil)
	w.Add(makeSKB(0, "a"))
	if r := w.PushSelective(0); r != txw.PushQueued {
		t.Fatalf("first push: got %v, want Queued", r)
	}
	if r := w.PushSelective(0); r != txw.PushSuppressed {
		t.Fatalf("second push: got %v, want Suppressed", r)
	}
	data, parity, err := w.RetransmitPeek()
	if err != nil || parity || data == nil {
		t.Fatalf("peek: data=%v parity=%v err=%v", data, parity, err)
	}
	w.RetransmitPop()
	if data, _, _ := w.RetransmitPeek(); data != nil {
		t.Fatal("queue should be empty after single pop")
	}
}

func TestPushRejectedOutsideWindow(t *testing.T) {
	w, _ := txw.New(4, 1500, nil)
	w.Add(makeSKB(0, "a"))
	if r := w.PushSelective(99); r != txw.PushRejected {
		t.Fatalf("got %v, want Rejected", r)
	}
}

// TestSynthesizeParityRoundTrip drives a transmission group with unequal
// member lengths and OPT_FRAGMENT on every member through the real
// txw.Window.synthesizeParity path (via PushParity/RetransmitPeek/Pop), then
// feeds only the synthesised parity TPDUs into an rxw.Window to confirm it
// reconstructs both the original-length-trimmed payloads and the APDU
// fragment metadata (spec §4.2(b), §4.2(e); spec §8 property 5/Scenario F).
func TestSynthesizeParityRoundTrip(t *testing.T) {
	coder, err := fec.New(2, 2)
	if err != nil {
		t.Fatal(err)
	}

	w, err := txw.New(8, 64, &txw.FECParams{GroupSize: 2, ParitySize: 2, Coder: coder})
	if err != nil {
		t.Fatal(err)
	}

	// Two source members of unequal length, each carrying OPT_FRAGMENT for
	// the same 7-byte APDU split 4/3 across them.
	skb0 := makeFragSKB("AAAA", 0, 0, 7)
	skb1 := makeFragSKB("BBB", 0, 4, 7)
	if s := w.Add(skb0); s != 0 {
		t.Fatalf("expected sequence 0, got %d", s)
	}
	if s := w.Add(skb1); s != 1 {
		t.Fatalf("expected sequence 1, got %d", s)
	}

	if r := w.PushParity(0, 2); r != txw.PushQueued {
		t.Fatalf("PushParity: got %v, want Queued", r)
	}

	var parityPkts [][]byte
	for i := 0; i < 2; i++ {
		data, parity, err := w.RetransmitPeek()
		if err != nil {
			t.Fatalf("RetransmitPeek %d: %v", i, err)
		}
		if !parity || data == nil {
			t.Fatalf("RetransmitPeek %d: parity=%v data=%v", i, parity, data)
		}
		parityPkts = append(parityPkts, append([]byte(nil), data...))
		w.RetransmitPop()
	}
	if data, _, _ := w.RetransmitPeek(); data != nil {
		t.Fatal("retransmit queue should be empty after both parity packets sent")
	}

	// Sanity-check the synthesised frames actually carry the variable-length
	// and fragment-propagation flags this test exercises.
	for i, pkt := range parityPkts {
		f, err := pgm.NewFrame(pkt)
		if err != nil {
			t.Fatalf("parity packet %d: %v", i, err)
		}
		if !f.Options().VariablePacketLength() {
			t.Fatalf("parity packet %d: expected FlagVarPktLen set", i)
		}
		if !f.Options().HasOptions() {
			t.Fatalf("parity packet %d: expected OPT_PARITY_FRAG chain present", i)
		}
	}

	cfg := rxw.Config{
		MaxTPDU:        4,
		NakBOIvl:       50 * time.Millisecond,
		NakRptIvl:      200 * time.Millisecond,
		NakRdataIvl:    2 * time.Second,
		NakNCFRetries:  2,
		NakDataRetries: 2,
	}
	rw := rxw.New(16, cfg, &rxw.FECParams{GroupSize: 2, ParitySize: 2, Coder: coder})
	now := time.Now()

	rw.OnNCF(0, now)
	rw.Add(3, &pgm.SKB{Data: parityPkts[1], Sequence: 3}, nil, true, now) // extends through gaps 1,2
	rw.Add(2, &pgm.SKB{Data: parityPkts[0], Sequence: 2}, nil, true, now)

	rw.DispatchTimers(now) // triggers group reconstruction

	out := make([][]byte, 2)
	n, _ := rw.Flush(out)
	if n != 1 {
		t.Fatalf("expected one reassembled APDU, got %d", n)
	}
	if string(out[0]) != "AAAABBB" {
		t.Fatalf("reassembled APDU mismatch: %q", out[0])
	}
}
