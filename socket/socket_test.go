package socket_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/internal/clock"
	"github.com/soypat/pgm/socket"
)

// recSink is an in-memory [socket.Sink] that records every transmitted TPDU
// for the test to relay by hand, grounded on this codebase's general
// preference for hand-rolled fakes over mocking frameworks.
type recSink struct {
	pkts [][]byte
}

func (r *recSink) Transmit(tpdu []byte, _ []byte) error {
	r.pkts = append(r.pkts, append([]byte(nil), tpdu...))
	return nil
}

func (r *recSink) drain() [][]byte {
	p := r.pkts
	r.pkts = nil
	return p
}

func baseCfg(clk clock.Clock, isSender bool, port uint16, sink socket.Sink) socket.Config {
	return socket.Config{
		LocalTSI:       pgm.TSI{GSI: [6]byte{1, 2, 3, 4, 5, byte(port)}, Port: port},
		DestPort:       7500,
		GroupNLA:       []byte{239, 192, 0, 1},
		GroupAFI:       pgm.AFIIPv4,
		MaxTPDU:        256,
		TxwSqns:        64,
		RxwSqns:        64,
		NakBOIvl:       10 * time.Millisecond,
		NakRptIvl:      10 * time.Millisecond,
		NakRdataIvl:    10 * time.Millisecond,
		NakNCFRetries:  1,
		NakDataRetries: 1,
		PeerExpiry:     time.Hour,
		IsSender:       isSender,
		Sink:           sink,
		Clock:          clk,
	}
}

func TestSendRecvLoopback(t *testing.T) {
	clk := clock.NewVirtual(time.Now())
	sndSink := &recSink{}
	rcvSink := &recSink{}
	snd, err := socket.New(baseCfg(clk, true, 1, sndSink))
	if err != nil {
		t.Fatal(err)
	}
	rcv, err := socket.New(baseCfg(clk, false, 2, rcvSink))
	if err != nil {
		t.Fatal(err)
	}

	if _, status := snd.Send([]byte("hello"), false); status != socket.StatusNormal {
		t.Fatalf("send: %s", status)
	}
	for _, pkt := range sndSink.drain() {
		rcv.Dispatch(socket.Datagram{TPDU: pkt})
	}

	out := make([][]byte, 4)
	n, status := rcv.Recv(out, true)
	if status != socket.StatusNormal {
		t.Fatalf("recv status: %s", status)
	}
	if n != 1 || string(out[0]) != "hello" {
		t.Fatalf("got n=%d out[0]=%q", n, out[0])
	}
}

func TestSendRecvFragmented(t *testing.T) {
	clk := clock.NewVirtual(time.Now())
	sndSink := &recSink{}
	rcvSink := &recSink{}
	snd, err := socket.New(baseCfg(clk, true, 1, sndSink))
	if err != nil {
		t.Fatal(err)
	}
	rcv, err := socket.New(baseCfg(clk, false, 2, rcvSink))
	if err != nil {
		t.Fatal(err)
	}

	payload := bytes.Repeat([]byte("0123456789"), 70) // 700 bytes, exceeds one TPDU.
	if _, status := snd.Send(payload, false); status != socket.StatusNormal {
		t.Fatalf("send: %s", status)
	}
	pkts := sndSink.drain()
	if len(pkts) < 2 {
		t.Fatalf("expected send to fragment, got %d TPDUs", len(pkts))
	}
	for _, pkt := range pkts {
		rcv.Dispatch(socket.Datagram{TPDU: pkt})
	}

	out := make([][]byte, 4)
	n, status := rcv.Recv(out, true)
	if status != socket.StatusNormal {
		t.Fatalf("recv status: %s", status)
	}
	if n != 1 || !bytes.Equal(out[0], payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes", len(out[0]))
	}
}

// TestNAKRecovery drops the middle message of three, opening a genuine gap
// (the first message defines the receive window's trail, so dropping it
// outright would never surface as a loss), drives the receiver's
// BACK_OFF->WAIT_NCF timer to emit a NAK, relays it through the sender
// (pushing the lost sequence onto the retransmit queue and replying with an
// NCF), and drains the sender's retransmit queue, verifying the receiver
// eventually delivers the recovered message and the one queued behind it
// (spec §8 Scenario A/C).
func TestNAKRecovery(t *testing.T) {
	clk := clock.NewVirtual(time.Now())
	sndSink := &recSink{}
	rcvSink := &recSink{}
	snd, err := socket.New(baseCfg(clk, true, 1, sndSink))
	if err != nil {
		t.Fatal(err)
	}
	rcv, err := socket.New(baseCfg(clk, false, 2, rcvSink))
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if _, status := snd.Send([]byte(msg), false); status != socket.StatusNormal {
			t.Fatalf("send %q: %s", msg, status)
		}
	}
	pkts := sndSink.drain()
	if len(pkts) != 3 {
		t.Fatalf("expected 3 TPDUs, got %d", len(pkts))
	}
	// Deliver "a" and "c"; drop "b" to open a gap.
	rcv.Dispatch(socket.Datagram{TPDU: pkts[0]})
	rcv.Dispatch(socket.Datagram{TPDU: pkts[2]})

	out := make([][]byte, 4)
	n, status := rcv.Recv(out, true)
	if status != socket.StatusNormal || n != 1 || string(out[0]) != "a" {
		t.Fatalf("expected only %q deliverable, got n=%d status=%s", "a", n, status)
	}

	clk.Advance(50 * time.Millisecond) // past NakBOIvl's jitter ceiling.
	rcv.DispatchTimers(clk.Now())
	naks := rcvSink.drain()
	if len(naks) == 0 {
		t.Fatal("expected a NAK to be emitted")
	}
	for _, nak := range naks {
		snd.Dispatch(socket.Datagram{TPDU: nak})
	}
	ncfs := sndSink.drain()
	if len(ncfs) == 0 {
		t.Fatal("expected sender to reply with an NCF")
	}
	for _, ncf := range ncfs {
		rcv.Dispatch(socket.Datagram{TPDU: ncf})
	}

	snd.DispatchTimers(clk.Now()) // drains the retransmit queue.
	repairs := sndSink.drain()
	if len(repairs) == 0 {
		t.Fatal("expected sender to retransmit the missing TPDU")
	}
	for _, pkt := range repairs {
		rcv.Dispatch(socket.Datagram{TPDU: pkt})
	}

	n, status = rcv.Recv(out, true)
	if status != socket.StatusNormal {
		t.Fatalf("recv status: %s", status)
	}
	if n != 2 || string(out[0]) != "b" || string(out[1]) != "c" {
		t.Fatalf("got n=%d out=%q", n, out[:n])
	}
}

// TestIrrecoverableLossSurfacesResetOnce drives a receiver through an
// unrepaired loss (the sender never answers the NAK) to exhaustion, and
// checks spec §4.3 "Loss reporting": without AbortOnReset, Recv surfaces
// CONN_RESET exactly once and then resumes normal delivery of whatever
// sequences follow the lost one (spec §8 Scenario D).
func TestIrrecoverableLossSurfacesResetOnce(t *testing.T) {
	clk := clock.NewVirtual(time.Now())
	sndSink := &recSink{}
	rcvSink := &recSink{}
	snd, err := socket.New(baseCfg(clk, true, 1, sndSink))
	if err != nil {
		t.Fatal(err)
	}
	rcv, err := socket.New(baseCfg(clk, false, 2, rcvSink))
	if err != nil {
		t.Fatal(err)
	}

	for _, msg := range []string{"a", "b", "c"} {
		if _, status := snd.Send([]byte(msg), false); status != socket.StatusNormal {
			t.Fatalf("send %q: %s", msg, status)
		}
	}
	pkts := sndSink.drain()
	// Deliver "a" and "c"; drop "b" and never repair it (the receiver's NAKs
	// are discarded before reaching the sender, so its NAK retries run out).
	rcv.Dispatch(socket.Datagram{TPDU: pkts[0]})
	rcv.Dispatch(socket.Datagram{TPDU: pkts[2]})

	out := make([][]byte, 4)
	rcv.Recv(out, true) // delivers "a"; drains the initial pending state.

	// BACK_OFF -> WAIT_NCF -> WAIT_NCF retries exhausted -> LOST.
	for i := 0; i < 4; i++ {
		clk.Advance(50 * time.Millisecond)
		rcv.DispatchTimers(clk.Now())
		rcvSink.drain() // the repair NAKs go nowhere in this test.
	}

	n, status := rcv.Recv(out, true)
	if status != socket.StatusReset {
		t.Fatalf("expected CONN_RESET after exhausted retries, got n=%d status=%s", n, status)
	}

	n, status = rcv.Recv(out, true)
	if status != socket.StatusNormal || n != 1 || string(out[0]) != "c" {
		t.Fatalf("expected normal delivery of %q after reset clears, got n=%d out=%q status=%s", "c", n, out[:n], status)
	}

	n, status = rcv.Recv(out, true)
	if status != socket.StatusWouldBlock {
		t.Fatalf("expected no repeat CONN_RESET on next call, got n=%d status=%s", n, status)
	}
}

// TestDuplicateNAKSuppressesRedundantNCF models two receivers independently
// NAKing the same lost sequence (spec §8 Scenario C): the sender must queue
// the repair once (txw.PushSuppressed on the second NAK) and must not flood
// the group with a second NCF for a request it already answered.
func TestDuplicateNAKSuppressesRedundantNCF(t *testing.T) {
	clk := clock.NewVirtual(time.Now())
	sndSink := &recSink{}
	snd, err := socket.New(baseCfg(clk, true, 1, sndSink))
	if err != nil {
		t.Fatal(err)
	}
	if _, status := snd.Send([]byte("x"), false); status != socket.StatusNormal {
		t.Fatalf("send: %s", status)
	}
	sndSink.drain()

	// Two receivers both NAK sequence 0; relay both to the sender back to
	// back, as NCF multicast suppression assumes.
	firstNAK := buildRawNAK(t, snd, 0)
	secondNAK := buildRawNAK(t, snd, 0)
	snd.Dispatch(socket.Datagram{TPDU: firstNAK})
	firstReplies := sndSink.drain()
	if len(firstReplies) != 1 {
		t.Fatalf("expected exactly one NCF for the first NAK, got %d", len(firstReplies))
	}
	snd.Dispatch(socket.Datagram{TPDU: secondNAK})
	secondReplies := sndSink.drain()
	if len(secondReplies) != 0 {
		t.Fatalf("expected the redundant NAK to elicit no further NCF, got %d", len(secondReplies))
	}
}

// buildRawNAK hand-assembles a minimal NAK TPDU addressed to snd's session
// for seq, mirroring the wire shape [Socket.transmitNAK] produces.
func buildRawNAK(t *testing.T, snd *socket.Socket, seq pgm.Seq) []byte {
	t.Helper()
	buf := make([]byte, 16+pgm.SizeNAKBody(pgm.AFIIPv4, pgm.AFIIPv4))
	f, err := pgm.NewFrame(buf)
	if err != nil {
		t.Fatal(err)
	}
	f.SetType(pgm.TypeNAK)
	f.SetSourcePort(2) // a receiver's own TSI port; a zero source port fails validation.
	f.SetDestinationPort(7500)
	nak := f.NAKBody()
	nak.SetRequestedSeq(seq)
	nak.SetSourceAFI(pgm.AFIIPv4)
	nak.SetSourceNLA([]byte{239, 192, 0, 1})
	nak.SetGroupAFI(4, pgm.AFIIPv4)
	nak.SetGroupNLA(4, []byte{239, 192, 0, 1})
	f.SetChecksum()
	return buf
}
