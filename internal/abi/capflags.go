package abi

import "github.com/Athryx/aurora-os/internal/bitfield"

// Perm is a single capability permission bit (§3).
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermProd
	PermWrite
	PermUpgrade
)

func (p Perm) String() string {
	switch p {
	case PermRead:
		return "read"
	case PermProd:
		return "prod"
	case PermWrite:
		return "write"
	case PermUpgrade:
		return "upgrade"
	default:
		return "unknown"
	}
}

// CapFlags is the redundant low-bit encoding carried by every cid: bits
// 0-3 are the permission privileges, bit 4 is the weak-reference marker,
// and bits 5-8 are the object-type tag (§3). It packs to a 9-bit word via
// internal/bitfield, the same tag-driven reflection approach the teacher
// uses for on-disk/in-memory page flags, generalized here to the cid
// encoding.
type CapFlags struct {
	Read    bool    `bitfield:",1"`
	Prod    bool    `bitfield:",1"`
	Write   bool    `bitfield:",1"`
	Upgrade bool    `bitfield:",1"`
	Weak    bool    `bitfield:",1"`
	Type    ObjType `bitfield:",4"`
}

// capFlagsConfig keeps the packed encoding's width explicit and shared by
// Pack/Unpack so the two never drift apart.
var capFlagsConfig = &bitfield.Config{NumBits: 9}

// Pack encodes f into the low 9 bits of a cid.
func (f CapFlags) Pack() (uint64, error) {
	return bitfield.Pack(f, capFlagsConfig)
}

// UnpackCapFlags decodes the low 9 bits of a cid back into a CapFlags.
func UnpackCapFlags(packed uint64) (CapFlags, error) {
	var f CapFlags
	err := bitfield.Unpack(packed, &f, capFlagsConfig)
	return f, err
}

// Perms returns f's permission bits as a single mask, for subset checks.
func (f CapFlags) Perms() Perm {
	var p Perm
	if f.Read {
		p |= PermRead
	}
	if f.Prod {
		p |= PermProd
	}
	if f.Write {
		p |= PermWrite
	}
	if f.Upgrade {
		p |= PermUpgrade
	}
	return p
}

// HasPerms reports whether f carries every bit set in required.
func (f CapFlags) HasPerms(required Perm) bool {
	return f.Perms()&required == required
}

// WithPerms returns a copy of f with its permission bits replaced by the
// intersection of its own bits and requested — the "new_flags.perms =
// src_flags.perms ∧ new_flags.perms" rule used by cap_clone/cap_move (§3).
func (f CapFlags) WithPerms(requested Perm) CapFlags {
	masked := f.Perms() & requested
	return CapFlags{
		Read:    masked&PermRead != 0,
		Prod:    masked&PermProd != 0,
		Write:   masked&PermWrite != 0,
		Upgrade: masked&PermUpgrade != 0,
		Weak:    f.Weak,
		Type:    f.Type,
	}
}
