// Package abi defines the syscall-visible data model shared by every
// kernel subsystem: capability flags, object type tags, status codes, and
// the register-level calling convention (§3, §6 of the design).
package abi

// Status is a syscall return code. It is the only error type that ever
// crosses the user/kernel boundary; internal packages use ordinary Go
// errors and are translated to a Status exactly once, in
// internal/syscall's dispatcher.
type Status int32

const (
	Ok Status = iota
	OkTimeout
	OkUnreach
	Obscured
	InvlSyscall
	InvlId
	InvlPerm
	InvlWeak
	InvlArgs
	InvlOp
	InvlVirtAddr
	InvlAlign
	InvlMemZone
	OutOfMem
	Interrupted
	Unknown
)

var statusNames = [...]string{
	Ok:           "Ok",
	OkTimeout:    "OkTimeout",
	OkUnreach:    "OkUnreach",
	Obscured:     "Obscured",
	InvlSyscall:  "InvlSyscall",
	InvlId:       "InvlId",
	InvlPerm:     "InvlPerm",
	InvlWeak:     "InvlWeak",
	InvlArgs:     "InvlArgs",
	InvlOp:       "InvlOp",
	InvlVirtAddr: "InvlVirtAddr",
	InvlAlign:    "InvlAlign",
	InvlMemZone:  "InvlMemZone",
	OutOfMem:     "OutOfMem",
	Interrupted:  "Interrupted",
	Unknown:      "Unknown",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return "InvalidStatus"
	}
	return statusNames[s]
}

// IsOk reports whether s represents success (Ok or one of the
// non-error "Ok" variants defined by §7c).
func (s Status) IsOk() bool {
	switch s {
	case Ok, OkTimeout, OkUnreach, Obscured:
		return true
	default:
		return false
	}
}

// Error implements error so a Status can be returned from internal
// helpers that want to propagate a specific syscall-visible code without
// a second translation step.
func (s Status) Error() string {
	return s.String()
}
