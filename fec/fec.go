// Package fec adapts github.com/klauspost/reedsolomon to the shape the
// transmit and receive windows need: encode k source shards into n-k parity
// shards, and reconstruct missing shards given any k of the n present. This
// isolation keeps txw/rxw free of the vendor library's own types, matching
// this codebase's habit of keeping window/wire code independent of specific
// backends.
package fec

import "github.com/klauspost/reedsolomon"

// Coder encodes and reconstructs one transmission group's shards in place.
// Implementations must tolerate shards of equal length only; callers are
// responsible for zero-padding variable-length TSDUs before calling Encode
// (spec §4.2 "variable packet length" handling).
type Coder interface {
	// Encode fills shards[k:] (parity) from shards[:k] (source). len(shards)
	// must equal K+N where N is the coder's configured parity count.
	Encode(shards [][]byte) error
	// Reconstruct fills any nil entries in shards given at least K non-nil
	// entries of equal length.
	Reconstruct(shards [][]byte) error
	// K returns the configured source-shard (transmission-group) size.
	K() int
	// N returns the configured parity-shard count (n - k in spec terms).
	N() int
}

type rsCoder struct {
	enc  reedsolomon.Encoder
	k, n int
}

// New returns a Coder for a transmission group of k source shards augmented
// with n parity shards (spec §4.2/§4.3, "rs_k"/"rs_n" minus rs_k).
func New(k, n int) (Coder, error) {
	enc, err := reedsolomon.New(k, n)
	if err != nil {
		return nil, err
	}
	return &rsCoder{enc: enc, k: k, n: n}, nil
}

func (c *rsCoder) Encode(shards [][]byte) error      { return c.enc.Encode(shards) }
func (c *rsCoder) Reconstruct(shards [][]byte) error { return c.enc.Reconstruct(shards) }
func (c *rsCoder) K() int                            { return c.k }
func (c *rsCoder) N() int                            { return c.n }
