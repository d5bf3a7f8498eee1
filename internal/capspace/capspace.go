// Package capspace implements Aurora's per-process capability space
// (component C): the cid -> (object reference, flags) table, and the
// insert/lookup/clone/move/destroy operations the rest of the kernel
// drives every object lookup through (§4.C).
package capspace

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/kobject"
)

// entry is one cid table slot. Exactly one of strong/weak is set,
// matching flags.Weak.
type entry struct {
	flags  abi.CapFlags
	strong *kobject.Strong
	weak   *kobject.Weak
}

// Space is one process's capability space.
type Space struct {
	mu        sync.Mutex
	table     map[uint64]entry
	nextIndex uint64
}

// New creates an empty capability space.
func New() *Space {
	return &Space{table: make(map[uint64]entry)}
}

// InsertStrong adds a strong reference under fresh flags (Weak forced
// false, Type forced to the object's real kind) and returns its cid.
func (s *Space) InsertStrong(ref kobject.Strong, flags abi.CapFlags) (abi.Cid, error) {
	flags.Weak = false
	flags.Type = ref.Object().Kind()
	r := ref
	return s.insert(flags, &r, nil)
}

// InsertWeak adds a weak reference under fresh flags and returns its cid.
func (s *Space) InsertWeak(ref kobject.Weak, flags abi.CapFlags) (abi.Cid, error) {
	flags.Weak = true
	flags.Type = ref.Object().Kind()
	r := ref
	return s.insert(flags, nil, &r)
}

func (s *Space) insert(flags abi.CapFlags, strong *kobject.Strong, weak *kobject.Weak) (abi.Cid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.nextIndex
	s.nextIndex++

	cid, err := abi.EncodeCid(idx, flags)
	if err != nil {
		return 0, err
	}
	s.table[idx] = entry{flags: flags, strong: strong, weak: weak}
	return cid, nil
}

// Lookup resolves cid, requiring that its holder carry every bit of
// required. weakAutoDestroy mirrors syscall option bit 31 (§4.C): a
// discovered-dead weak entry is removed as a side effect.
func (s *Space) Lookup(cid abi.Cid, required abi.Perm, weakAutoDestroy bool) (kobject.Object, error) {
	idx, flags, err := abi.DecodeCid(cid)
	if err != nil {
		return nil, abi.InvlId
	}

	s.mu.Lock()
	e, ok := s.table[idx]
	s.mu.Unlock()

	if !ok {
		return nil, abi.InvlId
	}
	// The low-bit encoding must match the table entry exactly (§3, §4.C):
	// a cid whose encoded flags disagree with the table is rejected the
	// same as an absent one.
	if e.flags != flags {
		return nil, abi.InvlId
	}

	if !e.flags.HasPerms(required) {
		return nil, abi.InvlPerm
	}

	if e.flags.Weak {
		if !e.weak.IsAlive() {
			if weakAutoDestroy {
				s.mu.Lock()
				delete(s.table, idx)
				s.mu.Unlock()
			}
			return nil, abi.InvlWeak
		}
		return e.weak.Object(), nil
	}

	obj := e.strong.Object()
	if obj.Kind() != flags.Type {
		return nil, abi.InvlId
	}
	return obj, nil
}

// WeakIsAlive reports liveness of the weak reference named by cid without
// promoting it, for the weak_is_alive syscall (§8 scenario 5).
func (s *Space) WeakIsAlive(cid abi.Cid) (bool, error) {
	idx, flags, err := abi.DecodeCid(cid)
	if err != nil {
		return false, abi.InvlId
	}
	s.mu.Lock()
	e, ok := s.table[idx]
	s.mu.Unlock()
	if !ok || e.flags != flags || !flags.Weak {
		return false, abi.InvlId
	}
	return e.weak.IsAlive(), nil
}

// Clone copies the capability named by srcCid into dst with
// new_flags.perms = src_flags.perms ∧ new_flags.perms (§3). Promoting a
// weak source to a strong destination requires Upgrade on the source
// flags and the object to still be alive (§8 invariant 6).
func (s *Space) Clone(srcCid abi.Cid, dst *Space, requested abi.CapFlags) (abi.Cid, error) {
	srcIdx, srcFlags, err := abi.DecodeCid(srcCid)
	if err != nil {
		return 0, abi.InvlId
	}

	first, second := lockOrder(s, dst)
	first.mu.Lock()
	if second != first {
		second.mu.Lock()
	}
	e, ok := s.table[srcIdx]
	if second != first {
		second.mu.Unlock()
	}
	first.mu.Unlock()

	if !ok || e.flags != srcFlags {
		return 0, abi.InvlId
	}

	newFlags := e.flags.WithPerms(requested.Perms())
	newFlags.Type = e.flags.Type

	if e.flags.Weak && !requested.Weak {
		// weak -> strong promotion
		if !e.flags.Upgrade {
			return 0, abi.InvlPerm
		}
		strong, ok := e.weak.Upgrade()
		if !ok {
			return 0, abi.InvlWeak
		}
		return dst.InsertStrong(strong, newFlags)
	}

	if e.flags.Weak {
		return dst.InsertWeak(e.weak.Clone(), newFlags)
	}
	return dst.InsertStrong(e.strong.Clone(), newFlags)
}

// Move behaves like Clone followed by an atomic Destroy of the source
// (§3): the source slot disappears in the same operation the destination
// slot appears.
func (s *Space) Move(srcCid abi.Cid, dst *Space, requested abi.CapFlags) (abi.Cid, error) {
	newCid, err := s.Clone(srcCid, dst, requested)
	if err != nil {
		return 0, err
	}
	if err := s.Destroy(srcCid); err != nil {
		return 0, err
	}
	return newCid, nil
}

// Destroy removes cid's entry. If it held the last strong reference, the
// object's teardown (registered via kobject.NewStrong's onZero) runs.
func (s *Space) Destroy(cid abi.Cid) error {
	idx, flags, err := abi.DecodeCid(cid)
	if err != nil {
		return abi.InvlId
	}

	s.mu.Lock()
	e, ok := s.table[idx]
	if ok {
		delete(s.table, idx)
	}
	s.mu.Unlock()

	if !ok || e.flags != flags {
		return abi.InvlId
	}

	if e.flags.Weak {
		e.weak.Drop()
	} else {
		e.strong.Drop()
	}
	return nil
}

// DestroyAll drops every entry in the space, releasing whatever strong or
// weak reference each one held (§4.F process exit: "all of the exiting
// process's cids are destroyed"). Used once by process teardown; not a
// syscall-visible operation.
func (s *Space) DestroyAll() {
	s.mu.Lock()
	entries := make([]entry, 0, len(s.table))
	for idx, e := range s.table {
		entries = append(entries, e)
		delete(s.table, idx)
	}
	s.mu.Unlock()

	for _, e := range entries {
		if e.flags.Weak {
			e.weak.Drop()
		} else {
			e.strong.Drop()
		}
	}
}

// lockOrder returns (a, b) reordered so two Spaces are always locked in
// the same relative order regardless of call direction, avoiding deadlock
// when Clone/Move cross process boundaries.
func lockOrder(a, b *Space) (*Space, *Space) {
	pair := []*Space{a, b}
	sort.Slice(pair, func(i, j int) bool {
		return ptrLess(pair[i], pair[j])
	})
	return pair[0], pair[1]
}

func ptrLess(a, b *Space) bool {
	return uintptr(unsafe.Pointer(a)) < uintptr(unsafe.Pointer(b))
}
