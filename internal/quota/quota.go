// Package quota implements Aurora's hierarchical page-quota allocator
// (component B): a tree of Allocator objects, each with its own
// max_pages cap, escalating shortfalls up to its parent and ultimately to
// a root out-of-memory sink (§4.B).
package quota

import (
	"errors"
	"sync"
	"sync/atomic"

	pkgerrors "github.com/pkg/errors"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/klog"
)

var log = klog.For("quota")

// ErrOutOfMem is returned when a request cannot be satisfied even after
// escalating to the root.
var ErrOutOfMem = errors.New("quota: out of memory")

// ErrInvalidArgs is returned by SetMaxPages when the new cap would fall
// below the allocator's current used+prealloc.
var ErrInvalidArgs = errors.New("quota: invalid arguments")

// OOMSink receives an out-of-memory notification bearing the cid of the
// allocator that triggered it and how many pages it was short.
// internal/kernel's rootOomSink implements it by forwarding to the RootOom
// object (internal/kobject); quota stays decoupled from both.
type OOMSink interface {
	NotifyOOM(sourceCid uint64, shortfallPages uint64) error
}

// Allocator is one node of the quota tree. The zero value is not usable;
// construct with New or NewChild.
type Allocator struct {
	Cid uint64 // the cid this allocator is reachable as, for OOM notifications

	used     atomic.Uint64
	prealloc atomic.Uint64
	maxPages atomic.Uint64

	mu       sync.Mutex // guards parent/children/oomSink, not the counters above
	parent   *Allocator
	children map[*Allocator]struct{}
	oomSink  OOMSink

	regrow     bool   // recorded by Prealloc; not read anywhere in this package
	regrowSize uint64
}

// Kind implements kobject.Object so an *Allocator can be named by a cid
// like any other kernel object (§4.D).
func (a *Allocator) Kind() abi.ObjType { return abi.ObjAllocator }

// New creates a root allocator with the given cap and no parent.
func New(cid uint64, maxPages uint64) *Allocator {
	a := &Allocator{Cid: cid, children: make(map[*Allocator]struct{})}
	a.maxPages.Store(maxPages)
	return a
}

// NewChild creates a child of parent with its own (initially independent)
// cap. The child's usage still escalates to parent on overflow.
func (a *Allocator) NewChild(cid uint64, maxPages uint64) *Allocator {
	c := &Allocator{Cid: cid, parent: a, children: make(map[*Allocator]struct{})}
	c.maxPages.Store(maxPages)

	a.mu.Lock()
	a.children[c] = struct{}{}
	a.mu.Unlock()

	return c
}

// BindOOMSink registers the sink that receives this allocator's own OOM
// notifications (not automatically inherited by children).
func (a *Allocator) BindOOMSink(sink OOMSink) {
	a.mu.Lock()
	a.oomSink = sink
	a.mu.Unlock()
}

// Capacity reports (used, prealloc, free) as of the call (§4.B).
func (a *Allocator) Capacity() (used, prealloc, free uint64) {
	u := a.used.Load()
	p := a.prealloc.Load()
	m := a.maxPages.Load()
	f := uint64(0)
	if m > u+p {
		f = m - u - p
	}
	return u, p, f
}

// AllocPages reserves n pages, escalating any shortfall to the parent and
// ultimately the root, per §4.B step 1-2. On success the allocator's
// used counter (and, if escalation occurred, its max_pages) have already
// been adjusted; on failure no observable state changes (§7b: OOM must
// not partially mutate state).
func (a *Allocator) AllocPages(n uint64) error {
	if n == 0 {
		return nil
	}

	for {
		used := a.used.Load()
		prealloc := a.prealloc.Load()
		max := a.maxPages.Load()

		if used+prealloc+n <= max {
			if a.used.CompareAndSwap(used, used+n) {
				return nil
			}
			continue
		}

		shortfall := (used + prealloc + n) - max
		if err := a.escalate(shortfall); err != nil {
			return err
		}
		// escalate succeeded: max_pages grew by shortfall; loop and
		// re-attempt the local CAS against the new cap.
	}
}

// escalate asks the parent (or, at the root, the OOM sink chain) for
// shortfall additional pages of quota, growing a.max_pages on success.
func (a *Allocator) escalate(shortfall uint64) error {
	if a.parent == nil {
		return a.rootOOM(shortfall)
	}

	if err := a.parent.AllocPages(shortfall); err != nil {
		// Parent couldn't give us the shortfall either; its own
		// AllocPages already escalated as far as it could, so by the
		// time we get here the whole chain has failed and the root's
		// OOM sink, if one is bound, has already been notified.
		return err
	}

	a.maxPages.Add(shortfall)
	return nil
}

// rootOOM handles escalation reaching an allocator with no parent: it
// can't grant the shortfall, so it notifies its own bound OOM sink, if
// any, and returns ErrOutOfMem either way. Sinks bound on descendant
// allocators are not notified.
func (a *Allocator) rootOOM(shortfall uint64) error {
	a.mu.Lock()
	sink := a.oomSink
	a.mu.Unlock()

	if sink != nil {
		if err := sink.NotifyOOM(a.Cid, shortfall); err != nil {
			log.WithError(err).Warn("failed to notify OOM sink")
		}
	}
	return ErrOutOfMem
}

// FreePages releases n pages back to this allocator's own quota. It never
// shrinks max_pages: quota escalated from a parent during AllocPages is a
// permanent grant. Destroy does not hand it back either; it adds the
// child's used count to its parent's.
func (a *Allocator) FreePages(n uint64) {
	for {
		used := a.used.Load()
		next := used
		if n > used {
			next = 0
		} else {
			next = used - n
		}
		if a.used.CompareAndSwap(used, next) {
			return
		}
	}
}

// Prealloc reserves n pages into the prealloc buffer without assigning
// them to a specific allocation yet (§4.B). If truncate is true and n is
// smaller than the current prealloc, the excess is released. regrow and
// n are recorded but nothing reads them: AllocPages never draws from the
// prealloc buffer, so it is never drained or regrown (Aurora's prealloc
// is a bookkeeping reservation, not a self-replenishing pool).
func (a *Allocator) Prealloc(n uint64, truncate bool, regrow bool) error {
	cur := a.prealloc.Load()
	if n <= cur {
		if truncate {
			a.prealloc.Store(n)
		}
		a.regrow, a.regrowSize = regrow, n
		return nil
	}

	delta := n - cur
	used := a.used.Load()
	max := a.maxPages.Load()
	if used+n <= max {
		a.prealloc.Store(n)
		a.regrow, a.regrowSize = regrow, n
		return nil
	}

	shortfall := used + n - max
	if err := a.escalate(shortfall); err != nil {
		return err
	}
	a.prealloc.Add(delta)
	a.regrow, a.regrowSize = regrow, n
	return nil
}

// SetMaxPages sets max_pages to an absolute value (delta=false) or adds
// delta to the current value (delta=true). Reducing below used+prealloc
// fails with ErrInvalidArgs (§4.B; §9 Open Question 3 — absorbing the
// reduction into prealloc is deferred, current behaviour is preserved).
func (a *Allocator) SetMaxPages(value uint64, isDelta bool) error {
	for {
		cur := a.maxPages.Load()
		next := value
		if isDelta {
			next = cur + value
		}
		used := a.used.Load()
		prealloc := a.prealloc.Load()
		if next < used+prealloc {
			return pkgerrors.Wrap(ErrInvalidArgs, "new max_pages below used+prealloc")
		}
		if a.maxPages.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

// Destroy tears this allocator down, re-parenting its live allocations to
// the parent (§4.B). If parent is nil (this is the root), Destroy simply
// clears the node — there is nothing to re-parent to. Destruction always
// succeeds; if absorbing the child's usage would overflow the parent, the
// parent keeps the transferred usage anyway and the overflow is surfaced
// as an OOM on the parent's own sink rather than blocking teardown.
func (a *Allocator) Destroy() {
	if a.parent == nil {
		return
	}

	used := a.used.Load()
	parent := a.parent
	newUsed := parent.used.Add(used)

	max := parent.maxPages.Load()
	prealloc := parent.prealloc.Load()
	if newUsed+prealloc > max {
		overflow := newUsed + prealloc - max
		parent.mu.Lock()
		sink := parent.oomSink
		parent.mu.Unlock()
		if sink != nil {
			if err := sink.NotifyOOM(parent.Cid, overflow); err != nil {
				log.WithError(err).Warn("failed to notify OOM sink on destroy overflow")
			}
		}
	}

	parent.mu.Lock()
	delete(parent.children, a)
	parent.mu.Unlock()
}
