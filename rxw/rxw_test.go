package rxw_test

import (
	"testing"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/fec"
	"github.com/soypat/pgm/rxw"
)

func makeSKB(seq pgm.Seq, payload string) *pgm.SKB {
	buf := make([]byte, 16+8+len(payload))
	f, _ := pgm.NewFrame(buf)
	f.SetType(pgm.TypeODATA)
	f.SetTSDULength(uint16(len(payload)))
	copy(f.ODATABody().Payload(), payload)
	f.SetChecksum()
	return &pgm.SKB{Data: buf, Sequence: seq}
}

func baseConfig() rxw.Config {
	return rxw.Config{
		MaxTPDU:        1500,
		NakBOIvl:       50 * time.Millisecond,
		NakRptIvl:      200 * time.Millisecond,
		NakRdataIvl:    2 * time.Second,
		NakNCFRetries:  2,
		NakDataRetries: 2,
	}
}

// Scenario B: sequence 1 is dropped; the receiver backs off, emits a NAK,
// and delivers 0,1,2 in order once RDATA(1) fills the gap.
func TestRepairCycle(t *testing.T) {
	w := rxw.New(16, baseConfig(), nil)
	now := time.Now()

	if r := w.Add(0, makeSKB(0, "a"), nil, false, now); r != rxw.AddOK {
		t.Fatalf("add 0: %v", r)
	}
	if r := w.Add(2, makeSKB(2, "c"), nil, false, now); r != rxw.AddOK {
		t.Fatalf("add 2: %v", r)
	}

	// Only sequence 0 is deliverable: sequence 1 is a BACK_OFF placeholder.
	out := make([][]byte, 4)
	n, _ := w.Flush(out)
	if n != 1 {
		t.Fatalf("expected only sequence 0 delivered before repair, got %d", n)
	}

	// Elapse the back-off: receiver should emit exactly one NAK for seq 1.
	later := now.Add(100 * time.Millisecond)
	reqs := w.DispatchTimers(later)
	if len(reqs) != 1 || reqs[0].Primary != 1 {
		t.Fatalf("expected one NAK for seq 1, got %+v", reqs)
	}

	// Repair arrives.
	if r := w.Add(1, makeSKB(1, "b"), nil, false, later); r != rxw.AddOK {
		t.Fatalf("add repair 1: %v", r)
	}
	n, _ = w.Flush(out)
	if n != 2 {
		t.Fatalf("expected sequences 1,2 delivered after repair, got %d", n)
	}
	if string(out[0]) != "b" || string(out[1]) != "c" {
		t.Fatalf("delivered payloads out of order: %q %q", out[0], out[1])
	}
}

// Scenario C: an NCF observed while BACK_OFF suppresses the receiver's own
// NAK by moving the slot straight to WAIT_DATA.
func TestNCFSuppressesOwnNAK(t *testing.T) {
	w := rxw.New(16, baseConfig(), nil)
	now := time.Now()
	w.Add(0, makeSKB(0, "a"), nil, false, now)
	w.Add(6, makeSKB(6, "g"), nil, false, now) // sequences 1-5 become BACK_OFF

	w.OnNCF(5, now.Add(10*time.Millisecond))

	later := now.Add(100 * time.Millisecond)
	reqs := w.DispatchTimers(later)
	for _, r := range reqs {
		if r.Primary == 5 {
			t.Fatal("NAK emitted for sequence already moved to WAIT_DATA by NCF")
		}
		for _, extra := range r.Extra {
			if extra == 5 {
				t.Fatal("sequence 5 batched into a NAK after NCF suppression")
			}
		}
	}
}

// Scenario D: irrecoverable loss exhausts retries and flips the reset flag;
// sequences after the loss still deliver once it is surfaced.
func TestIrrecoverableLossSetsReset(t *testing.T) {
	cfg := baseConfig()
	cfg.NakNCFRetries = 1 // exhaust on the second retry check for a short test
	w2 := rxw.New(16, cfg, nil)
	now := time.Now()
	w2.Add(42, makeSKB(42, "x"), nil, false, now)
	w2.Add(44, makeSKB(44, "z"), nil, false, now) // 43 becomes BACK_OFF

	t1 := now.Add(100 * time.Millisecond) // BACK_OFF -> WAIT_NCF
	w2.DispatchTimers(t1)
	t2 := t1.Add(300 * time.Millisecond) // WAIT_NCF retry 1
	w2.DispatchTimers(t2)
	t3 := t2.Add(300 * time.Millisecond) // retries exhausted -> LOST
	w2.DispatchTimers(t3)

	if !w2.IsReset() {
		t.Fatal("expected reset flag after NAK retries exhausted")
	}
	if w2.CumulativeLosses() != 1 {
		t.Fatalf("expected 1 cumulative loss, got %d", w2.CumulativeLosses())
	}

	out := make([][]byte, 4)
	n, _ := w2.Flush(out)
	if n != 2 { // 42 (HAVE_DATA), 43 (LOST, skipped silently), 44 (HAVE_DATA)
		t.Fatalf("expected 2 delivered messages (43 lost), got %d", n)
	}
}

// Scenario E: a 3-fragment APDU only delivers once every fragment is
// HAVE_DATA; a lost fragment invalidates the whole APDU.
func TestFragmentedAPDU(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxTPDU = 1440
	w := rxw.New(16, cfg, nil)
	now := time.Now()

	frag := func(off, total uint32) *rxw.Fragment {
		return &rxw.Fragment{APDUFirstSeq: 0, Offset: off, TotalLength: total}
	}
	w.Add(0, makeSKB(0, "AAAA"), frag(0, 3500), false, now)
	w.Add(1, makeSKB(1, "BBBB"), frag(1440, 3500), false, now)
	w.Add(2, makeSKB(2, "CCCC"), frag(2880, 3500), false, now)

	out := make([][]byte, 2)
	n, _ := w.Flush(out)
	if n != 1 {
		t.Fatalf("expected exactly one reassembled APDU, got %d", n)
	}
}

func TestFragmentedAPDULostFragment(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxTPDU = 1440
	cfg.NakNCFRetries = 0
	cfg.NakDataRetries = 0
	w := rxw.New(16, cfg, nil)
	now := time.Now()

	frag := func(off, total uint32) *rxw.Fragment {
		return &rxw.Fragment{APDUFirstSeq: 0, Offset: off, TotalLength: total}
	}
	w.Add(0, makeSKB(0, "AAAA"), frag(0, 3500), false, now)
	// sequence 1 is never delivered; sequence 2 arrives, making 1 a BACK_OFF gap.
	w.Add(2, makeSKB(2, "CCCC"), frag(2880, 3500), false, now)

	// Drive sequence 1 through to LOST (0 retries configured).
	t1 := now.Add(100 * time.Millisecond)
	w.DispatchTimers(t1)
	t2 := t1.Add(300 * time.Millisecond)
	w.DispatchTimers(t2)

	out := make([][]byte, 2)
	n, _ := w.Flush(out)
	if n != 0 {
		t.Fatalf("expected zero delivered messages for APDU with lost fragment, got %d", n)
	}
	if w.CumulativeLosses() != 1 {
		t.Fatalf("expected exactly one loss recorded for the APDU, got %d", w.CumulativeLosses())
	}
}

// Scenario F: FEC (n=4,k=2). Sequences 0,1 are source, 2,3 parity. Only the
// parity pair arrives; reconstruction must recover 0 and 1 in order.
func TestParityReconstruction(t *testing.T) {
	coder, err := fec.New(2, 2)
	if err != nil {
		t.Fatal(err)
	}
	cfg := baseConfig()
	w := rxw.New(16, cfg, &rxw.FECParams{GroupSize: 2, ParitySize: 2, Coder: coder})
	now := time.Now()

	src0 := []byte("AAAA")
	src1 := []byte("BBBB")
	shards := [][]byte{
		append([]byte(nil), src0...),
		append([]byte(nil), src1...),
		make([]byte, 4),
		make([]byte, 4),
	}
	if err := coder.Encode(shards); err != nil {
		t.Fatal(err)
	}

	// Prime the window at sequence 0 (as if an NCF had already been observed
	// for it), then receive only the two parity shards; the source
	// sequences 0 and 1 never arrive directly.
	w.OnNCF(0, now)
	w.Add(3, makeSKB(3, string(shards[3])), nil, true, now) // extends through gaps 1,2
	w.Add(2, makeSKB(2, string(shards[2])), nil, true, now)

	w.DispatchTimers(now) // triggers group reconstruction

	out := make([][]byte, 2)
	n, _ := w.Flush(out)
	if n != 2 {
		t.Fatalf("expected both reconstructed source packets delivered, got %d", n)
	}
	if string(out[0]) != "AAAA" || string(out[1]) != "BBBB" {
		t.Fatalf("reconstructed payload mismatch: %q %q", out[0], out[1])
	}
}
