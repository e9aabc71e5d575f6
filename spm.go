package pgm

import "encoding/binary"

// SPMBody provides typed access to an SPM TPDU's type-specific body
// (spec §6): spm_sqn, spm_trail, spm_lead, nla_afi, path_nla.
type SPMBody struct{ buf []byte }

// SPMBody returns the type-specific body view of f, which must be of type SPM.
func (f Frame) SPMBody() SPMBody { return SPMBody{f.Body()} }

func (b SPMBody) SPMSeq() Seq   { return Seq(binary.BigEndian.Uint32(b.buf[0:4])) }
func (b SPMBody) SPMTrail() Seq { return Seq(binary.BigEndian.Uint32(b.buf[4:8])) }
func (b SPMBody) SPMLead() Seq  { return Seq(binary.BigEndian.Uint32(b.buf[8:12])) }
func (b SPMBody) NLAAFI() NLAAddressFamily {
	return NLAAddressFamily(binary.BigEndian.Uint16(b.buf[12:14]))
}

// PathNLA returns the raw path NLA bytes (4 for IPv4, 16 for IPv6), or nil
// if the AFI is unrecognised.
func (b SPMBody) PathNLA() []byte {
	n := b.NLAAFI().Size()
	if n == 0 || 16+n > len(b.buf) {
		return nil
	}
	return b.buf[16 : 16+n]
}

func (b SPMBody) SetSPMSeq(s Seq)   { binary.BigEndian.PutUint32(b.buf[0:4], uint32(s)) }
func (b SPMBody) SetSPMTrail(s Seq) { binary.BigEndian.PutUint32(b.buf[4:8], uint32(s)) }
func (b SPMBody) SetSPMLead(s Seq)  { binary.BigEndian.PutUint32(b.buf[8:12], uint32(s)) }
func (b SPMBody) SetNLAAFI(a NLAAddressFamily) {
	binary.BigEndian.PutUint16(b.buf[12:14], uint16(a))
}
func (b SPMBody) SetPathNLA(addr []byte) { copy(b.buf[16:16+len(addr)], addr) }

// SizeSPMBody returns the encoded body size (excluding options) for a given
// address family.
func SizeSPMBody(afi NLAAddressFamily) int { return 16 + afi.Size() }

// ODATABody provides typed access to an ODATA/RDATA TPDU's type-specific
// body: data_sqn, data_trail, options (if present), and payload.
type ODATABody struct {
	f Frame
}

// ODATABody returns the type-specific body view of f, which must be of type
// ODATA or RDATA.
func (f Frame) ODATABody() ODATABody { return ODATABody{f} }

func (o ODATABody) DataSeq() Seq {
	return Seq(binary.BigEndian.Uint32(o.f.Body()[0:4]))
}
func (o ODATABody) SetDataSeq(s Seq) {
	binary.BigEndian.PutUint32(o.f.Body()[0:4], uint32(s))
}
func (o ODATABody) DataTrail() Seq {
	return Seq(binary.BigEndian.Uint32(o.f.Body()[4:8]))
}
func (o ODATABody) SetDataTrail(s Seq) {
	binary.BigEndian.PutUint32(o.f.Body()[4:8], uint32(s))
}

// optionsLen returns the byte length of the option chain if present, else 0.
func (o ODATABody) optionsLen() int {
	if !o.f.Options().HasOptions() {
		return 0
	}
	n, err := peekOptionsLength(o.f.Body()[sizeODATABody:])
	if err != nil {
		return 0
	}
	return n
}

// Options returns the raw option-chain bytes, or nil if none are present.
func (o ODATABody) Options() []byte {
	n := o.optionsLen()
	if n == 0 {
		return nil
	}
	return o.f.Body()[sizeODATABody : sizeODATABody+n]
}

// Payload returns the TSDU payload bytes, sized by the header's tsdu_length
// field. Call [Frame.ValidateSize] first to avoid an out-of-bounds slice.
func (o ODATABody) Payload() []byte {
	start := sizeODATABody + o.optionsLen()
	end := start + int(o.f.TSDULength())
	return o.f.Body()[start:end]
}

// NAKBody provides typed access to a NAK/NNAK/NCF TPDU's type-specific body:
// requested_sqn, source NLA, group NLA (spec §6).
type NAKBody struct{ buf []byte }

func (f Frame) NAKBody() NAKBody { return NAKBody{f.Body()} }

func (b NAKBody) RequestedSeq() Seq { return Seq(binary.BigEndian.Uint32(b.buf[0:4])) }
func (b NAKBody) SetRequestedSeq(s Seq) {
	binary.BigEndian.PutUint32(b.buf[0:4], uint32(s))
}
func (b NAKBody) SourceAFI() NLAAddressFamily {
	return NLAAddressFamily(binary.BigEndian.Uint16(b.buf[4:6]))
}
func (b NAKBody) SourceNLA() []byte {
	n := b.SourceAFI().Size()
	if n == 0 || 8+n > len(b.buf) {
		return nil
	}
	return b.buf[8 : 8+n]
}
func (b NAKBody) GroupAFI(srcSize int) NLAAddressFamily {
	off := 8 + srcSize
	return NLAAddressFamily(binary.BigEndian.Uint16(b.buf[off : off+2]))
}

func (b NAKBody) GroupNLA(srcSize int) []byte {
	off := 8 + srcSize
	n := b.GroupAFI(srcSize).Size()
	if n == 0 || off+4+n > len(b.buf) {
		return nil
	}
	return b.buf[off+4 : off+4+n]
}

func (b NAKBody) SetSourceAFI(a NLAAddressFamily) {
	binary.BigEndian.PutUint16(b.buf[4:6], uint16(a))
}
func (b NAKBody) SetSourceNLA(addr []byte) { copy(b.buf[8:8+len(addr)], addr) }

func (b NAKBody) SetGroupAFI(srcSize int, a NLAAddressFamily) {
	off := 8 + srcSize
	binary.BigEndian.PutUint16(b.buf[off:off+2], uint16(a))
}
func (b NAKBody) SetGroupNLA(srcSize int, addr []byte) {
	off := 8 + srcSize + 4
	copy(b.buf[off:off+len(addr)], addr)
}

// SizeNAKBody returns the encoded NAK/NNAK/NCF body size for the given
// source and group address families (spec §6).
func SizeNAKBody(srcAFI, grpAFI NLAAddressFamily) int {
	return 8 + srcAFI.Size() + 4 + grpAFI.Size()
}

// fixedSize returns the encoded size of b's fixed fields (source/group NLA
// included) as carried on the wire, using the AFIs present in b itself
// rather than a caller-supplied pair.
func (b NAKBody) fixedSize() int {
	srcSize := b.SourceAFI().Size()
	return 8 + srcSize + 4 + b.GroupAFI(srcSize).Size()
}

// NAKOptions returns the raw option-chain bytes following f's NAK/NNAK body,
// or nil if f carries no options. f must be of type NAK, NNAK, or NCF.
func (f Frame) NAKOptions() []byte {
	if !f.Options().HasOptions() {
		return nil
	}
	body := f.Body()
	start := f.NAKBody().fixedSize()
	if start > len(body) {
		return nil
	}
	n, err := peekOptionsLength(body[start:])
	if err != nil || start+n > len(body) {
		return nil
	}
	return body[start : start+n]
}
