// Package vmm implements Aurora's address space and memory-object
// mapping layer (component E): per-process virtual layout and the
// attach/detach of Memory objects into it (§4.E). There is no real MMU in
// this hosted kernel, so "mapping" is interval bookkeeping (overlap,
// alignment, canonical-address, single-mapping-per-object checks) rather
// than page-table construction — the invariants §4.E specifies are
// exactly the ones a page-table walk would also have to enforce.
package vmm

import (
	"errors"
	"sync"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/page"
)

// PageSize is Aurora's page granularity (x86_64 4 KiB pages, §1).
const PageSize = 4096

// canonicalBits is the number of low bits of a 48-bit x86_64 virtual
// address space that are meaningful; addresses must be sign-extended
// above that.
const canonicalBits = 47

var (
	ErrNonCanonical = errors.New("vmm: non-canonical virtual address")
	ErrMisaligned   = errors.New("vmm: address not page-aligned")
	ErrOverlap      = errors.New("vmm: overlaps an existing mapping")
	ErrAlreadyMapped = errors.New("vmm: memory object already mapped")
	ErrNotMapped    = errors.New("vmm: address not mapped")
)

// MapPerm is the permission triple derived from a cid's CapFlags at
// memory_map time (§4.E: read->R, write->W, prod->X).
type MapPerm struct {
	Read, Write, Exec bool
}

// PermFromCapFlags derives R/W/X from the mapping cid's permission bits.
func PermFromCapFlags(f abi.CapFlags) MapPerm {
	return MapPerm{Read: f.Read, Write: f.Write, Exec: f.Prod}
}

// Memory is a contiguous, page-granular backing (§3). It implements
// kobject.Object via Kind.
type Memory struct {
	mu        sync.Mutex
	pages     page.PhysRange
	allocCid  uint64
	mappedIn  *AddressSpace // nil if unmapped; a Memory object maps into at most one address space
	mappedAt  uintptr
}

// NewMemory wraps an already-allocated physical range as a Memory object.
func NewMemory(pages page.PhysRange, allocCid uint64) *Memory {
	return &Memory{pages: pages, allocCid: allocCid}
}

func (*Memory) Kind() abi.ObjType { return abi.ObjMemory }

// Pages returns the backing physical range.
func (m *Memory) Pages() page.PhysRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pages
}

// IsMapped reports whether this object currently has a live mapping.
func (m *Memory) IsMapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mappedIn != nil
}

// mapping is one entry in an AddressSpace's interval list.
type mapping struct {
	vaddr uintptr
	pages uint64
	perm  MapPerm
	mem   *Memory
}

// AddressSpace is one process's virtual layout: a non-overlapping set of
// mappings, kept in insertion order.
type AddressSpace struct {
	mu       sync.Mutex
	mappings []mapping
}

// New creates an empty address space.
func New() *AddressSpace {
	return &AddressSpace{}
}

func isCanonical(vaddr uintptr) bool {
	top := vaddr >> canonicalBits
	return top == 0 || top == (^uintptr(0))>>canonicalBits
}

// Map attaches mem at vaddr with the given permissions (§4.E). mem must
// not already be mapped anywhere (§3: "a memory object may be mapped into
// at most one address space in the current core design" — §9 flags
// relaxing this as a future option, not implemented here).
func (as *AddressSpace) Map(mem *Memory, vaddr uintptr, perm MapPerm) error {
	if !isCanonical(vaddr) {
		return ErrNonCanonical
	}
	if vaddr%PageSize != 0 {
		return ErrMisaligned
	}

	mem.mu.Lock()
	alreadyMapped := mem.mappedIn != nil
	numPages := mem.pages.Count
	mem.mu.Unlock()
	if alreadyMapped {
		return ErrAlreadyMapped
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	newEnd := vaddr + uintptr(numPages)*PageSize
	for _, existing := range as.mappings {
		existingEnd := existing.vaddr + uintptr(existing.pages)*PageSize
		if vaddr < existingEnd && existing.vaddr < newEnd {
			return ErrOverlap
		}
	}

	as.mappings = append(as.mappings, mapping{vaddr: vaddr, pages: numPages, perm: perm, mem: mem})

	mem.mu.Lock()
	mem.mappedIn = as
	mem.mappedAt = vaddr
	mem.mu.Unlock()

	return nil
}

// Unmap removes the mapping at vaddr. The Memory object itself survives
// (§4.E: "remains allocated until its last strong cid is destroyed").
func (as *AddressSpace) Unmap(vaddr uintptr) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	for i, m := range as.mappings {
		if m.vaddr == vaddr {
			as.mappings = append(as.mappings[:i], as.mappings[i+1:]...)
			m.mem.mu.Lock()
			m.mem.mappedIn = nil
			m.mem.mu.Unlock()
			return nil
		}
	}
	return ErrNotMapped
}

// UnmapObject removes mem's mapping from whichever address space it is
// currently in, if any — used when a memory object is torn down while
// still mapped.
func UnmapObject(mem *Memory) {
	mem.mu.Lock()
	as := mem.mappedIn
	vaddr := mem.mappedAt
	mem.mu.Unlock()
	if as != nil {
		_ = as.Unmap(vaddr)
	}
}
