package socket

import (
	"sync"
	"time"

	"github.com/soypat/pgm"
	"github.com/soypat/pgm/fec"
	"github.com/soypat/pgm/rxw"
)

// peer is a receiver-side record of one remote sender (spec §3 "Peer").
// The peer map uses a reader-writer lock per spec §5: many readers during
// packet dispatch, an exclusive writer only to insert or destroy a peer.
// Per spec §9 "Cyclic references", a peer never stores a back-pointer to
// its owning Socket; operations that need socket state (the Sink, the
// clock) receive it as an explicit parameter instead.
type peer struct {
	mu sync.Mutex

	tsi        pgm.TSI
	srcNLA     []byte
	groupNLA   []byte
	lastActive time.Time
	expiry     time.Duration

	spmSeq    pgm.Seq
	spmSeqSet bool

	rx *rxw.Window

	// statistics
	bytesReceived uint64
	packetsLost   uint64
}

func newPeer(tsi pgm.TSI, srcNLA, groupNLA []byte, now time.Time, cfg *Config) *peer {
	var fecParams *rxw.FECParams
	if cfg.UseFEC {
		coder, err := fec.New(int(cfg.RSGroup), int(cfg.RSParity))
		if err == nil {
			fecParams = &rxw.FECParams{GroupSize: cfg.RSGroup, ParitySize: cfg.RSParity, Coder: coder}
		}
	}
	p := &peer{
		tsi:        tsi,
		srcNLA:     append([]byte(nil), srcNLA...),
		groupNLA:   append([]byte(nil), groupNLA...),
		lastActive: now,
		expiry:     cfg.PeerExpiry,
		rx: rxw.New(cfg.RxwSqns, rxw.Config{
			// The receive window counts an APDU's fragments by the payload
			// size Send gives each fragment, not by the whole TPDU size.
			MaxTPDU:        cfg.MaxTPDU - headerLen - odataBodyLen - fragOptionLen,
			NakBOIvl:       cfg.NakBOIvl,
			NakRptIvl:      cfg.NakRptIvl,
			NakRdataIvl:    cfg.NakRdataIvl,
			NakNCFRetries:  cfg.NakNCFRetries,
			NakDataRetries: cfg.NakDataRetries,
			AbortOnReset:   cfg.AbortOnReset,
		}, fecParams),
	}
	return p
}

// touch refreshes the peer's last-activity timestamp, extending its expiry.
func (p *peer) touch(now time.Time) {
	p.mu.Lock()
	p.lastActive = now
	p.mu.Unlock()
}

// expired reports whether the peer has been silent past its configured
// inactivity timeout (spec §4.4 "Peer expiry").
func (p *peer) expired(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastActive) > p.expiry
}

// acceptSPMSeq reports whether sqn is an acceptable next SPM sequence,
// enforcing the strictly-monotonic ordering spec §5 requires of SPMs, and
// records it as the latest seen on acceptance.
func (p *peer) acceptSPMSeq(sqn pgm.Seq) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.spmSeqSet && sqn.LessEq(p.spmSeq) {
		return false
	}
	p.spmSeq = sqn
	p.spmSeqSet = true
	return true
}

// peerLookup returns the peer for tsi under the read lock, spec §5's
// "multiple readers during packet dispatch".
func (s *Socket) peerLookup(tsi pgm.TSI) *peer {
	s.peersMu.RLock()
	p := s.peers[tsi]
	s.peersMu.RUnlock()
	return p
}

// peerLookupOrCreate returns the existing peer for tsi, or creates one under
// the write lock if this is the first packet seen from it.
func (s *Socket) peerLookupOrCreate(tsi pgm.TSI, srcNLA, groupNLA []byte, now time.Time) *peer {
	if p := s.peerLookup(tsi); p != nil {
		return p
	}
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	if p, ok := s.peers[tsi]; ok {
		return p
	}
	p := newPeer(tsi, srcNLA, groupNLA, now, &s.cfg)
	s.peers[tsi] = p
	return p
}

// reapExpiredPeers destroys every peer whose inactivity timeout has
// elapsed (spec §4.4 "Peer expiry").
func (s *Socket) reapExpiredPeers(now time.Time) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for tsi, p := range s.peers {
		if p.expired(now) {
			delete(s.peers, tsi)
		}
	}
}

// forEachPeer invokes fn for a snapshot of the current peer set, taken under
// the read lock so fn may run without holding peersMu (spec §5).
func (s *Socket) forEachPeer(fn func(tsi pgm.TSI, p *peer)) {
	s.peersMu.RLock()
	snap := make([]pgm.TSI, 0, len(s.peers))
	peersSnap := make([]*peer, 0, len(s.peers))
	for tsi, p := range s.peers {
		snap = append(snap, tsi)
		peersSnap = append(peersSnap, p)
	}
	s.peersMu.RUnlock()
	for i, tsi := range snap {
		fn(tsi, peersSnap[i])
	}
}
