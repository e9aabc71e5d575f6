package pgm

import (
	"encoding/binary"
	"errors"
)

// peekOptionsLength reads the mandatory OPT_LENGTH entry that must open an
// option chain and returns its declared total_length (including itself),
// without otherwise interpreting the chain.
func peekOptionsLength(buf []byte) (int, error) {
	if len(buf) < 4 || OptionType(buf[0]).Base() != OptLength {
		return 0, errBadOptLength
	}
	total := int(binary.BigEndian.Uint16(buf[2:4]))
	if total < 4 || total > len(buf) {
		return 0, errOptTooLong
	}
	return total, nil
}

// FragmentOption carries OPT_FRAGMENT: the APDU this TPDU is a piece of.
type FragmentOption struct {
	// APDUFirstSeq is the sequence number of the APDU's first TPDU.
	APDUFirstSeq Seq
	// Offset is this TPDU's byte offset within the APDU.
	Offset uint32
	// TotalLength is the APDU's total byte length.
	TotalLength uint32
}

// ParityPrmOption carries OPT_PARITY_PRM: transmission-group FEC parameters.
type ParityPrmOption struct {
	Proactive bool
	OnDemand  bool
	GroupSize uint32
}

// NAKListOption carries OPT_NAK_LIST: additional sequences bundled onto one
// NAK to batch receiver loss reports (spec §4.1/§4.4, up to 62 entries).
type NAKListOption struct {
	Sequences []Seq
}

// ParityFragEntry is one group member's slot in a parity TPDU's OPT_PARITY_FRAG
// chain (spec §4.2(e)): either the member's OPT_FRAGMENT verbatim, or a null
// marker if that member carried no OPT_FRAGMENT at all.
type ParityFragEntry struct {
	HasFragment bool
	Fragment    FragmentOption
}

// parityFragEntrySize is the marker byte plus one encoded FragmentOption.
const parityFragEntrySize = 1 + 12

var (
	errBadFragmentOptLen  = errors.New("pgm: OPT_FRAGMENT has wrong length")
	errBadParityOptLen    = errors.New("pgm: OPT_PARITY_PRM has wrong length")
	errBadNAKListLen      = errors.New("pgm: OPT_NAK_LIST has wrong length")
	errBadParityFragLen   = errors.New("pgm: OPT_PARITY_FRAG has wrong length")
)

// recognizedOptions is the set of OPT_* types this implementation knows how
// to interpret. ForEachOption uses it to decide whether an unrecognised
// entry may be skipped or must discard the whole packet (spec §4.1).
var recognizedOptions = map[OptionType]bool{
	OptLength:     true,
	OptFragment:   true,
	OptNAKList:    true,
	OptJoin:       true,
	OptParityPrm:  true,
	OptCurrTgsize: true,
	OptSyn:        true,
	OptFin:        true,
	OptRst:        true,
	OptParityFrag: true,
}

// ForEachOption walks the option chain in buf (which must start at the first
// option, i.e. OPT_LENGTH, and be exactly total_length bytes as returned by
// peekOptionsLength), invoking fn for every entry including OPT_LENGTH
// itself. fn receives the option's base type (terminator bit stripped) and
// its data (the bytes after type+length+reserved). Iteration stops at the
// first entry whose type carries the terminator bit, or after maxOptions
// entries, or on fn returning a non-nil error.
//
// networkSignificant is the carrying frame's FlagNetworkSignificant bit
// (OptionsFlags.NetworkSignificant). Per spec §4.1: duplicate option types
// are always rejected; an option type this implementation does not
// recognise is rejected too when networkSignificant is set (the whole
// packet must be discarded), and simply skipped (fn is not called for it)
// when the frame did not mark its options network-significant.
func ForEachOption(buf []byte, networkSignificant bool, fn func(typ OptionType, data []byte) error) error {
	seen := make(map[OptionType]bool, 4)
	off := 0
	for i := 0; i < maxOptions; i++ {
		if off+3 > len(buf) {
			return errBadOptLen
		}
		rawType := OptionType(buf[off])
		length := int(buf[off+1])
		if length < 3 || off+length > len(buf) {
			return errBadOptLen
		}
		typ := rawType.Base()
		if seen[typ] {
			return errDupOption
		}
		seen[typ] = true
		if !recognizedOptions[typ] {
			if networkSignificant {
				return ErrUnknownNetworkOption
			}
			off += length
			if rawType.IsTerminator() || off >= len(buf) {
				return nil
			}
			continue
		}
		data := buf[off+3 : off+length]
		if err := fn(typ, data); err != nil {
			return err
		}
		off += length
		if rawType.IsTerminator() {
			return nil
		}
		if off >= len(buf) {
			return nil
		}
	}
	return errTooManyOpts
}

// ParseFragmentOption decodes an OPT_FRAGMENT payload.
func ParseFragmentOption(data []byte) (FragmentOption, error) {
	if len(data) < 12 {
		return FragmentOption{}, errBadFragmentOptLen
	}
	return FragmentOption{
		APDUFirstSeq: Seq(binary.BigEndian.Uint32(data[0:4])),
		Offset:       binary.BigEndian.Uint32(data[4:8]),
		TotalLength:  binary.BigEndian.Uint32(data[8:12]),
	}, nil
}

// AppendFragmentOption appends an OPT_FRAGMENT entry (terminator bit set
// according to last) to dst and returns the extended slice.
func AppendFragmentOption(dst []byte, o FragmentOption, last bool) []byte {
	typ := OptFragment
	if last {
		typ |= optTerminatorBit
	}
	var buf [15]byte
	buf[0] = uint8(typ)
	buf[1] = 15
	buf[2] = 0
	binary.BigEndian.PutUint32(buf[3:7], uint32(o.APDUFirstSeq))
	binary.BigEndian.PutUint32(buf[7:11], o.Offset)
	binary.BigEndian.PutUint32(buf[11:15], o.TotalLength)
	return append(dst, buf[:]...)
}

// ParseParityPrmOption decodes an OPT_PARITY_PRM payload.
func ParseParityPrmOption(data []byte) (ParityPrmOption, error) {
	if len(data) < 5 {
		return ParityPrmOption{}, errBadParityOptLen
	}
	flags := OptionsFlags(data[0])
	return ParityPrmOption{
		Proactive: flags&ParityPrmProactive != 0,
		OnDemand:  flags&ParityPrmOnDemand != 0,
		GroupSize: binary.BigEndian.Uint32(data[1:5]),
	}, nil
}

// AppendParityPrmOption appends an OPT_PARITY_PRM entry to dst.
func AppendParityPrmOption(dst []byte, o ParityPrmOption, last bool) []byte {
	typ := OptParityPrm
	if last {
		typ |= optTerminatorBit
	}
	var flags OptionsFlags
	if o.Proactive {
		flags |= ParityPrmProactive
	}
	if o.OnDemand {
		flags |= ParityPrmOnDemand
	}
	var buf [8]byte
	buf[0] = uint8(typ)
	buf[1] = 8
	buf[2] = 0
	buf[3] = uint8(flags)
	binary.BigEndian.PutUint32(buf[4:8], o.GroupSize)
	return append(dst, buf[:]...)
}

// ParseNAKListOption decodes an OPT_NAK_LIST payload (up to 62 sequences).
func ParseNAKListOption(data []byte) (NAKListOption, error) {
	if len(data)%4 != 0 || len(data)/4 > maxNAKListEntries {
		return NAKListOption{}, errBadNAKListLen
	}
	seqs := make([]Seq, len(data)/4)
	for i := range seqs {
		seqs[i] = Seq(binary.BigEndian.Uint32(data[i*4:]))
	}
	return NAKListOption{Sequences: seqs}, nil
}

// AppendNAKListOption appends an OPT_NAK_LIST entry to dst.
func AppendNAKListOption(dst []byte, o NAKListOption, last bool) []byte {
	typ := OptNAKList
	if last {
		typ |= optTerminatorBit
	}
	n := len(o.Sequences)
	if n > maxNAKListEntries {
		n = maxNAKListEntries
	}
	header := [3]byte{uint8(typ), uint8(3 + 4*n), 0}
	dst = append(dst, header[:]...)
	for i := 0; i < n; i++ {
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(o.Sequences[i]))
		dst = append(dst, b[:]...)
	}
	return dst
}

// AppendParityFragOption appends an OPT_PARITY_FRAG entry carrying one
// fixed-width marker+FragmentOption slot per group member, in member order.
// A member with HasFragment false contributes a zeroed slot (spec §4.2(e)
// "per-byte null-encoding marker"). entries longer than fits in the 8-bit
// option length field are truncated; transmission groups are sized well
// under that limit in practice.
func AppendParityFragOption(dst []byte, entries []ParityFragEntry, last bool) []byte {
	typ := OptParityFrag
	if last {
		typ |= optTerminatorBit
	}
	n := len(entries)
	for 3+n*parityFragEntrySize > 255 {
		n--
	}
	total := 3 + n*parityFragEntrySize
	header := [3]byte{uint8(typ), uint8(total), 0}
	dst = append(dst, header[:]...)
	var slot [parityFragEntrySize]byte
	for i := 0; i < n; i++ {
		for j := range slot {
			slot[j] = 0
		}
		e := entries[i]
		if e.HasFragment {
			slot[0] = 1
			binary.BigEndian.PutUint32(slot[1:5], uint32(e.Fragment.APDUFirstSeq))
			binary.BigEndian.PutUint32(slot[5:9], e.Fragment.Offset)
			binary.BigEndian.PutUint32(slot[9:13], e.Fragment.TotalLength)
		}
		dst = append(dst, slot[:]...)
	}
	return dst
}

// ParseParityFragOption decodes an OPT_PARITY_FRAG payload back into its
// per-member entries.
func ParseParityFragOption(data []byte) ([]ParityFragEntry, error) {
	if len(data)%parityFragEntrySize != 0 {
		return nil, errBadParityFragLen
	}
	n := len(data) / parityFragEntrySize
	entries := make([]ParityFragEntry, n)
	for i := 0; i < n; i++ {
		slot := data[i*parityFragEntrySize : (i+1)*parityFragEntrySize]
		if slot[0] == 0 {
			continue
		}
		entries[i] = ParityFragEntry{
			HasFragment: true,
			Fragment: FragmentOption{
				APDUFirstSeq: Seq(binary.BigEndian.Uint32(slot[1:5])),
				Offset:       binary.BigEndian.Uint32(slot[5:9]),
				TotalLength:  binary.BigEndian.Uint32(slot[9:13]),
			},
		}
	}
	return entries, nil
}

// AppendOptLength appends the mandatory opening OPT_LENGTH entry; totalLen
// is the full option chain length including this 4-byte entry.
func AppendOptLength(dst []byte, totalLen uint16) []byte {
	var buf [4]byte
	buf[0] = uint8(OptLength)
	buf[1] = 4
	binary.BigEndian.PutUint16(buf[2:4], totalLen)
	return append(dst, buf[:]...)
}
