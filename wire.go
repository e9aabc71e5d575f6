package pgm

// Type is the PGM TPDU type, carried in the low 4 bits of the common
// header's type byte (the high bits hold version/reserved per spec §4.1).
type Type uint8

// PGM TPDU type codes, per spec §6.
const (
	TypeSPM   Type = 0x00
	TypePOLL  Type = 0x01
	TypePOLR  Type = 0x02
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0A
	TypeSPMR  Type = 0x0C
	TypeACK   Type = 0x0D
)

func (t Type) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePOLL:
		return "POLL"
	case TypePOLR:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "NNAK"
	case TypeNCF:
		return "NCF"
	case TypeSPMR:
		return "SPMR"
	case TypeACK:
		return "ACK"
	default:
		return "UNKNOWN"
	}
}

// IsData reports whether t carries application payload (ODATA/RDATA).
func (t Type) IsData() bool { return t == TypeODATA || t == TypeRDATA }

// OptionsFlags is the common header's 8-bit option/flags byte.
type OptionsFlags uint8

const (
	// FlagOptionsPresent indicates the option chain follows the type-specific body.
	FlagOptionsPresent OptionsFlags = 0x80
	// FlagNetworkSignificant marks options in the chain as forwarder-visible.
	FlagNetworkSignificant OptionsFlags = 0x40
	// FlagVarPktLen marks a parity TPDU whose group members had unequal length.
	FlagVarPktLen OptionsFlags = 0x02
	// FlagParity marks an ODATA/RDATA TPDU as FEC parity rather than source data.
	FlagParity OptionsFlags = 0x01
)

func (f OptionsFlags) HasOptions() bool          { return f&FlagOptionsPresent != 0 }
func (f OptionsFlags) NetworkSignificant() bool   { return f&FlagNetworkSignificant != 0 }
func (f OptionsFlags) VariablePacketLength() bool { return f&FlagVarPktLen != 0 }
func (f OptionsFlags) IsParity() bool             { return f&FlagParity != 0 }

// NLAAddressFamily identifies the network-layer address family of an NLA
// field (SPM path NLA, NAK source/group NLA).
type NLAAddressFamily uint16

const (
	AFIUnspecified NLAAddressFamily = 0
	AFIIPv4        NLAAddressFamily = 1
	AFIIPv6        NLAAddressFamily = 2
)

// Size returns the byte width of an NLA of this address family, or 0 if the
// family is not recognised (spec §9 Open Questions: unparseable AFI causes
// the whole packet carrying it to be discarded).
func (a NLAAddressFamily) Size() int {
	switch a {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 16
	default:
		return 0
	}
}

// OptionType identifies an entry in a PGM option chain.
type OptionType uint8

const (
	OptLength     OptionType = 0x00
	OptFragment   OptionType = 0x01
	OptNAKList    OptionType = 0x02
	OptJoin       OptionType = 0x0D
	OptParityPrm  OptionType = 0x08
	OptCurrTgsize OptionType = 0x0A
	OptSyn        OptionType = 0x0E
	OptFin        OptionType = 0x0F
	OptRst        OptionType = 0x10
	// OptParityFrag is a repair-time-only extension (not part of the RFC
	// option set spec.md enumerates): it rides on a synthesised parity TPDU
	// and carries one OPT_FRAGMENT entry in parallel per transmission-group
	// member, letting a receiver that reconstructs a lost fragment restore
	// its APDU metadata instead of treating it as unfragmented (spec §4.2(e)).
	OptParityFrag OptionType = 0x11

	// optTerminatorBit marks the last option in the chain (high bit of type).
	optTerminatorBit OptionType = 0x80
)

// Base strips the terminator bit, returning the option's identity.
func (o OptionType) Base() OptionType { return o &^ optTerminatorBit }

// IsTerminator reports whether this option ends the chain.
func (o OptionType) IsTerminator() bool { return o&optTerminatorBit != 0 }

// OPT_PARITY_PRM flags (carried in its 1-byte flags field).
const (
	ParityPrmProactive OptionsFlags = 0x80
	ParityPrmOnDemand  OptionsFlags = 0x40
)

const (
	// sizeHeader is the common PGM header length, spec §6.
	sizeHeader = 16
	// sizeODATABody is data_sqn+data_trail, preceding options/payload.
	sizeODATABody = 8
	// sizeNAKBodyIPv4 is requested_sqn+afi+reserved+src_nla(4)+afi+reserved+grp_nla(4).
	sizeNAKBodyIPv4 = 4 + 4 + 4 + 4 + 4
	// maxOptions bounds option-chain iteration (spec §4.1).
	maxOptions = 16
	// maxNAKListEntries bounds OPT_NAK_LIST (spec §4.1/§6).
	maxNAKListEntries = 62
)
