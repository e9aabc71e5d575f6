package pgm

import "errors"

var (
	errShortHeader   = errors.New("pgm: buffer shorter than common header")
	errShortODATA    = errors.New("pgm: buffer shorter than ODATA/RDATA body")
	errShortSPM      = errors.New("pgm: buffer shorter than SPM body")
	errShortNAK      = errors.New("pgm: buffer shorter than NAK/NNAK/NCF body")
	errBadTSDULen    = errors.New("pgm: tsdu_length exceeds remaining buffer")
	errBadOptLength  = errors.New("pgm: OPT_LENGTH missing or malformed")
	errOptTooLong    = errors.New("pgm: option chain total_length exceeds packet")
	errDupOption     = errors.New("pgm: duplicate option type in chain")
	errTooManyOpts   = errors.New("pgm: option chain exceeds 16 entries")
	errBadOptLen     = errors.New("pgm: option length field invalid for its type")
	errZeroDstPort   = errors.New("pgm: zero destination port")
	errZeroSrcPort   = errors.New("pgm: zero source port")
	errUnknownNetOpt = errors.New("pgm: unknown network-significant option")
)

// Validator accumulates frame-validation errors so a single call site can
// report every problem found with a packet instead of stopping at the
// first. Mirrors the accumulator pattern used across the rest of this
// codebase's frame types, generalised here to PGM's header/option layout.
type Validator struct {
	allowMultiErrs bool
	accum          []error
}

// NewValidator returns a Validator. When allowMultiErrs is false only the
// first error reported is retained (useful for hot paths that only need to
// know "is this packet bad", not every reason why).
func NewValidator(allowMultiErrs bool) Validator {
	return Validator{allowMultiErrs: allowMultiErrs}
}

func (v *Validator) ResetErr() {
	v.accum = v.accum[:0]
}

func (v *Validator) HasError() bool {
	return len(v.accum) != 0
}

func (v *Validator) Err() error {
	switch len(v.accum) {
	case 0:
		return nil
	case 1:
		return v.accum[0]
	default:
		return errors.Join(v.accum...)
	}
}

// AddError reports an error found during validation. It panics on a nil
// error argument since that indicates a bug at the call site, not a real
// validation failure.
func (v *Validator) AddError(err error) {
	if err == nil {
		panic("pgm: AddError called with nil error")
	} else if len(v.accum) != 0 && !v.allowMultiErrs {
		return
	}
	v.accum = append(v.accum, err)
}
