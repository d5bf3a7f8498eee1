// Package cpuset exposes cache-geometry hints used to size per-CPU
// padding, so structures indexed by CPU (internal/page's freelists)
// don't false-share a cache line between neighboring CPUs.
package cpuset

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLinePadSize is the number of padding bytes in a Pad field, so
// consecutive entries in a per-CPU slice (internal/page's cpuList array)
// land on separate cache lines.
var CacheLinePadSize = int(unsafe.Sizeof(cpu.CacheLinePad{}))

// Pad is an embeddable padding field sized to the detected cache line.
type Pad = cpu.CacheLinePad
