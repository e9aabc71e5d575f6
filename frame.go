package pgm

import (
	"encoding/binary"
	"errors"

	"github.com/soypat/pgm/internal"
)

// NewFrame returns a new Frame with data set to buf. An error is returned if
// the buffer is smaller than the common header. Callers should still call
// [Frame.ValidateSize] before working with the type-specific body/options to
// avoid out-of-bounds panics on malformed input.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{buf: buf}, errShortHeader
	}
	return Frame{buf: buf}, nil
}

// Frame wraps the raw bytes of one PGM TPDU and provides typed accessors for
// the common header, type-specific body, option chain, and payload. See
// RFC 3208 and spec §4.1/§6.
type Frame struct {
	buf []byte
}

// RawData returns the underlying slice the Frame was constructed from.
func (f Frame) RawData() []byte { return f.buf }

// SourcePort returns the common header's source port.
func (f Frame) SourcePort() uint16 { return binary.BigEndian.Uint16(f.buf[0:2]) }

// SetSourcePort sets the common header's source port.
func (f Frame) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(f.buf[0:2], p) }

// DestinationPort returns the common header's destination port.
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetDestinationPort sets the common header's destination port.
func (f Frame) SetDestinationPort(p uint16) { binary.BigEndian.PutUint16(f.buf[2:4], p) }

// Version returns the high-nibble version field of the type byte.
func (f Frame) Version() uint8 { return f.buf[4] >> 4 }

// SetVersion sets the type byte's high-nibble version field.
func (f Frame) SetVersion(v uint8) {
	f.buf[4] = (v << 4) | (f.buf[4] & 0x0f)
}

// Type returns the low-nibble PGM TPDU type.
func (f Frame) Type() Type { return Type(f.buf[4] & 0x0f) }

// SetType sets the low-nibble PGM TPDU type.
func (f Frame) SetType(t Type) {
	f.buf[4] = (f.buf[4] & 0xf0) | (uint8(t) & 0x0f)
}

// Options returns the common header's option/flags byte.
func (f Frame) Options() OptionsFlags { return OptionsFlags(f.buf[5]) }

// SetOptions sets the common header's option/flags byte.
func (f Frame) SetOptions(o OptionsFlags) { f.buf[5] = uint8(o) }

// CRC returns the common header's checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[6:8]) }

// SetCRC sets the common header's checksum field.
func (f Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(f.buf[6:8], crc) }

// GSI returns the 6-byte Globally-unique Source Identifier.
func (f Frame) GSI() [6]byte {
	var gsi [6]byte
	copy(gsi[:], f.buf[8:14])
	return gsi
}

// SetGSI sets the 6-byte Globally-unique Source Identifier.
func (f Frame) SetGSI(gsi [6]byte) { copy(f.buf[8:14], gsi[:]) }

// TSDULength returns the declared payload length field.
func (f Frame) TSDULength() uint16 { return binary.BigEndian.Uint16(f.buf[14:16]) }

// SetTSDULength sets the declared payload length field.
func (f Frame) SetTSDULength(n uint16) { binary.BigEndian.PutUint16(f.buf[14:16], n) }

// TSI returns the Transport Session Identifier (GSI ∥ source port).
func (f Frame) TSI() TSI {
	return TSI{GSI: f.GSI(), Port: f.SourcePort()}
}

// Body returns the bytes following the common header: the type-specific
// body, followed by options (if present) and payload. Callers use the
// type-specific accessors (ODATABody, SPMBody, NAKBody) to interpret it.
func (f Frame) Body() []byte { return f.buf[sizeHeader:] }

// ClearHeader zeros out the common header.
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

// ValidateSize checks the frame's declared sizes against the actual buffer,
// accumulating every problem found into v.
func (f Frame) ValidateSize(v *Validator) {
	if len(f.buf) < sizeHeader {
		v.AddError(errShortHeader)
		return
	}
	switch f.Type() {
	case TypeODATA, TypeRDATA:
		if len(f.Body()) < sizeODATABody {
			v.AddError(errShortODATA)
			return
		}
		tsdu := int(f.TSDULength())
		hdrEnd := sizeODATABody
		if f.Options().HasOptions() {
			optLen, err := peekOptionsLength(f.Body()[sizeODATABody:])
			if err != nil {
				v.AddError(err)
				return
			}
			hdrEnd += optLen
		}
		if hdrEnd+tsdu > len(f.Body()) {
			v.AddError(errBadTSDULen)
		}
	case TypeSPM:
		if len(f.Body()) < 12+4 {
			v.AddError(errShortSPM)
		}
	case TypeNAK, TypeNNAK, TypeNCF:
		if len(f.Body()) < sizeNAKBodyIPv4 {
			v.AddError(errShortNAK)
		}
	}
}

// ValidateExceptCRC performs [Frame.ValidateSize] plus the non-checksum
// field checks (zero ports); it does not verify the checksum, matching the
// naming convention used by this codebase's other frame types.
func (f Frame) ValidateExceptCRC(v *Validator) {
	f.ValidateSize(v)
	if f.DestinationPort() == 0 {
		v.AddError(errZeroDstPort)
	}
	if f.SourcePort() == 0 {
		v.AddError(errZeroSrcPort)
	}
}

// VerifyChecksum reports whether the frame's checksum field matches the
// checksum computed over the header (with the checksum field itself zeroed)
// plus body. ODATA/RDATA must carry a non-zero checksum per spec §4.1; other
// types may opt out by transmitting a zero checksum field.
func (f Frame) VerifyChecksum() bool {
	want := f.CRC()
	if want == 0 && !f.Type().IsData() {
		return true // checksum optional for non-data types.
	}
	return want == f.computeChecksum()
}

// computeChecksum computes the checksum over the whole frame with the
// checksum field itself treated as zero, per spec §4.1/§8.6.
func (f Frame) computeChecksum() uint16 {
	var c Checksum791
	c.Write(f.buf[0:6])
	c.AddUint16(0) // checksum field contributes zero.
	c.Write(f.buf[8:])
	return NeverZeroChecksum(c.Sum16())
}

// SetChecksum computes and writes the frame's checksum field.
func (f Frame) SetChecksum() {
	f.SetCRC(0)
	f.SetCRC(f.computeChecksum())
}

// TSI names a PGM sender: GSI ∥ source port (spec §3).
type TSI struct {
	GSI  [6]byte
	Port uint16
}

var errBadTSI = errors.New("pgm: zero TSI")

// Valid reports whether t is usable (non-zero GSI or port).
func (t TSI) Valid() bool {
	return t.Port != 0 || !internal.IsZeroed(t.GSI[:]...)
}
