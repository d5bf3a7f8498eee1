package abi

// Cid is the opaque, per-process capability identifier (§3). Its low 9
// bits redundantly carry the CapFlags stored in the owning process's cid
// table entry; the remaining high bits are an opaque table index chosen
// by internal/capspace. Nothing outside capspace should construct a Cid
// by hand except through EncodeCid/DecodeCid.
type Cid uint64

const flagsBits = 9
const flagsMask = (uint64(1) << flagsBits) - 1

// EncodeCid builds a cid whose low bits encode flags and whose remaining
// bits hold the table index capspace chose for this entry.
func EncodeCid(index uint64, flags CapFlags) (Cid, error) {
	packed, err := flags.Pack()
	if err != nil {
		return 0, err
	}
	if index > (^uint64(0) >> flagsBits) {
		return 0, ErrIndexOverflow
	}
	return Cid((index << flagsBits) | packed), nil
}

// DecodeCid splits a cid back into its table index and CapFlags.
func DecodeCid(c Cid) (index uint64, flags CapFlags, err error) {
	packed := uint64(c) & flagsMask
	flags, err = UnpackCapFlags(packed)
	if err != nil {
		return 0, CapFlags{}, err
	}
	index = uint64(c) >> flagsBits
	return index, flags, nil
}

// ErrIndexOverflow is returned by EncodeCid if the table index can't fit
// alongside the flags bits in a 64-bit word (never happens in practice;
// kept as an explicit, checked invariant rather than a silent truncation).
var ErrIndexOverflow = Status(InvlArgs)
