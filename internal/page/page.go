// Package page implements Aurora's physical frame supply (component A):
// a global metadata array plus per-CPU freelists, so the single-page fast
// path never takes a global lock (§4.A). It is grounded on the teacher's
// allocPage/freePage linked freelist (src/go/mazarin/page.go), generalized
// from one flat list to one list per CPU with a central overflow list that
// absorbs cross-CPU rebalancing.
package page

import (
	"sync"
	"sync/atomic"

	"github.com/Athryx/aurora-os/internal/cpuset"
	"github.com/Athryx/aurora-os/internal/klog"
)

var log = klog.For("page")

// Frame is a physical frame number (not a byte address).
type Frame uint64

// PhysRange is a contiguous run of physical frames.
type PhysRange struct {
	Start Frame
	Count uint64
}

// frameState tracks one frame's allocation status. allocated is set by
// Alloc, cleared by Free, and read by the central path's contiguous-run
// search; Free does not check it, so a double free is not detected. It is
// the only per-frame state we need since the freelists themselves encode
// availability.
type frameState struct {
	allocated atomic.Bool
}

// refillBatch is how many frames move from the central list to a CPU's
// local list on an empty-list refill, amortizing the central lock.
const refillBatch = 64

// cpuList is one CPU's local stack of free frames. _pad keeps adjacent
// entries in the Allocator.cpus slice off the same cache line, since
// every CPU hammers its own entry's mutex independently (§4.A).
type cpuList struct {
	mu   sync.Mutex
	free []Frame
	_pad cpuset.Pad
}

// Allocator is the page-frame supply for one simulated machine. Callers
// pass the CPU index performing the allocation so the fast path can stay
// lock-free across CPUs; Allocator itself never blocks (§4.A).
type Allocator struct {
	frames []frameState
	cpus   []cpuList

	centralMu sync.Mutex
	central   []Frame // frames not currently owned by any CPU's local list
}

// New builds an Allocator over numFrames frames for the given CPU count,
// with every frame initially free and handed to the central list.
func New(numFrames uint64, cpuCount int) *Allocator {
	a := &Allocator{
		frames: make([]frameState, numFrames),
		cpus:   make([]cpuList, cpuCount),
	}
	a.central = make([]Frame, numFrames)
	for i := range a.central {
		a.central[i] = Frame(numFrames - 1 - uint64(i))
	}
	log.WithField("frames", numFrames).WithField("cpus", cpuCount).Info("page allocator initialized")
	return a
}

// ErrOutOfMem is returned by Alloc when no frames are available.
var ErrOutOfMem = outOfMemError{}

type outOfMemError struct{}

func (outOfMemError) Error() string { return "page: out of memory" }

// Alloc allocates count contiguous, align-aligned frames on behalf of
// cpu. A single unaligned frame is the fast path: pop from cpu's local
// list, refilling from the central list only when empty. Multi-frame or
// aligned requests always go through the central list, since hunting for
// a contiguous aligned run from a per-CPU stack of arbitrary single
// frames isn't meaningful; callers needing contiguity should request it
// rarely relative to single-page requests, matching real allocators.
func (a *Allocator) Alloc(cpu int, count uint64, align uint64) (PhysRange, error) {
	if count == 0 {
		count = 1
	}
	if align == 0 {
		align = 1
	}

	if count == 1 && align == 1 {
		if f, ok := a.popLocal(cpu); ok {
			a.frames[f].allocated.Store(true)
			return PhysRange{Start: f, Count: 1}, nil
		}
	}

	return a.allocCentral(count, align)
}

func (a *Allocator) popLocal(cpu int) (Frame, bool) {
	cl := &a.cpus[cpu]
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if len(cl.free) == 0 {
		a.refill(cl)
	}
	if len(cl.free) == 0 {
		return 0, false
	}
	f := cl.free[len(cl.free)-1]
	cl.free = cl.free[:len(cl.free)-1]
	return f, true
}

// refill must be called with cl.mu held; it moves up to refillBatch
// frames from the central list into cl.
func (a *Allocator) refill(cl *cpuList) {
	a.centralMu.Lock()
	defer a.centralMu.Unlock()

	n := refillBatch
	if n > len(a.central) {
		n = len(a.central)
	}
	cl.free = append(cl.free, a.central[len(a.central)-n:]...)
	a.central = a.central[:len(a.central)-n]
}

func (a *Allocator) allocCentral(count, align uint64) (PhysRange, error) {
	a.centralMu.Lock()
	defer a.centralMu.Unlock()

	// Linear scan for a contiguous, aligned, all-free run. This is the
	// slow path by design (§4.A only promises the single-page path is
	// lock-minimised); central bookkeeping trades scan cost for
	// simplicity instead of a buddy/bitmap structure.
	total := uint64(len(a.frames))
	for start := roundUp(0, align); start+count <= total; start += align {
		if a.runFree(Frame(start), count) {
			for i := uint64(0); i < count; i++ {
				a.frames[Frame(start)+Frame(i)].allocated.Store(true)
			}
			a.removeCentral(Frame(start), count)
			return PhysRange{Start: Frame(start), Count: count}, nil
		}
	}
	return PhysRange{}, ErrOutOfMem
}

func (a *Allocator) runFree(start Frame, count uint64) bool {
	for i := uint64(0); i < count; i++ {
		if a.frames[start+Frame(i)].allocated.Load() {
			return false
		}
	}
	return a.centralContainsRun(start, count)
}

func (a *Allocator) centralContainsRun(start Frame, count uint64) bool {
	want := make(map[Frame]bool, count)
	for i := uint64(0); i < count; i++ {
		want[start+Frame(i)] = true
	}
	found := 0
	for _, f := range a.central {
		if want[f] {
			found++
		}
	}
	return found == len(want)
}

func (a *Allocator) removeCentral(start Frame, count uint64) {
	want := make(map[Frame]bool, count)
	for i := uint64(0); i < count; i++ {
		want[start+Frame(i)] = true
	}
	out := a.central[:0]
	for _, f := range a.central {
		if !want[f] {
			out = append(out, f)
		}
	}
	a.central = out
}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// Free returns r to cpu's local list (single frame) or the central list
// (multi-frame ranges, so a future contiguous Alloc can find them again).
func (a *Allocator) Free(cpu int, r PhysRange) {
	if r.Count == 1 {
		a.frames[r.Start].allocated.Store(false)
		cl := &a.cpus[cpu]
		cl.mu.Lock()
		cl.free = append(cl.free, r.Start)
		cl.mu.Unlock()
		return
	}

	a.centralMu.Lock()
	defer a.centralMu.Unlock()
	for i := uint64(0); i < r.Count; i++ {
		f := r.Start + Frame(i)
		a.frames[f].allocated.Store(false)
		a.central = append(a.central, f)
	}
}

// TotalFrames returns the size of the frame metadata array.
func (a *Allocator) TotalFrames() uint64 {
	return uint64(len(a.frames))
}
