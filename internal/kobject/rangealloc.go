package kobject

import (
	"errors"
	"sort"
	"sync"

	"github.com/Athryx/aurora-os/internal/abi"
)

// ErrRangeUnavailable is returned by RangeAllocator.Alloc when no free
// span of the requested length exists.
var ErrRangeUnavailable = errors.New("kobject: requested range unavailable")

// rangeSpan is a half-open [Base, Base+Len) interval.
type rangeSpan struct {
	Base uint64
	Len  uint64
}

// RangeAllocator is the shared implementation behind MmioAllocator,
// IntAllocator, and PortAllocator (SPEC_FULL.md): a simple free-list
// interval allocator over a flat numeric space (MMIO physical addresses,
// interrupt vector numbers, or x86 port addresses respectively), the same
// shape as internal/quota's hierarchy but over ranges instead of a single
// page count, so it's kept as one generic type parameterized by the
// object-type tag rather than three near-identical copies.
type RangeAllocator struct {
	kind abi.ObjType

	mu   sync.Mutex
	free []rangeSpan
}

func newRangeAllocator(kind abi.ObjType, base, length uint64) *RangeAllocator {
	return &RangeAllocator{kind: kind, free: []rangeSpan{{Base: base, Len: length}}}
}

func NewMmioAllocator(base, length uint64) *RangeAllocator {
	return newRangeAllocator(abi.ObjMmioAllocator, base, length)
}

func NewIntAllocator(base, length uint64) *RangeAllocator {
	return newRangeAllocator(abi.ObjIntAllocator, base, length)
}

func NewPortAllocator(base, length uint64) *RangeAllocator {
	return newRangeAllocator(abi.ObjPortAllocator, base, length)
}

func (r *RangeAllocator) Kind() abi.ObjType { return r.kind }

// AllocRange finds and removes the first free span covering [base,
// base+length); InvlArgs (via a plain error here, translated by
// internal/syscall) if no such span is currently free.
func (r *RangeAllocator) AllocRange(base, length uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, span := range r.free {
		if base >= span.Base && base+length <= span.Base+span.Len {
			r.splitOut(i, span, base, length)
			return nil
		}
	}
	return ErrRangeUnavailable
}

func (r *RangeAllocator) splitOut(i int, span rangeSpan, base, length uint64) {
	r.free = append(r.free[:i], r.free[i+1:]...)
	if span.Base < base {
		r.free = append(r.free, rangeSpan{Base: span.Base, Len: base - span.Base})
	}
	tailBase := base + length
	tailEnd := span.Base + span.Len
	if tailBase < tailEnd {
		r.free = append(r.free, rangeSpan{Base: tailBase, Len: tailEnd - tailBase})
	}
}

// FreeRange returns [base, base+length) to the free set, coalescing with
// adjacent free spans.
func (r *RangeAllocator) FreeRange(base, length uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.free = append(r.free, rangeSpan{Base: base, Len: length})
	sort.Slice(r.free, func(i, j int) bool { return r.free[i].Base < r.free[j].Base })

	merged := r.free[:0]
	for _, span := range r.free {
		if len(merged) > 0 {
			last := &merged[len(merged)-1]
			if last.Base+last.Len == span.Base {
				last.Len += span.Len
				continue
			}
		}
		merged = append(merged, span)
	}
	r.free = merged
}
