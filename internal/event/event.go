// Package event implements Aurora's event subsystem (component G):
// broadcast and queue delivery of small (arg1, arg2, arg3) event records
// to either a blocked thread's wakeup slot or an EventPool ring buffer
// (§4.G).
package event

import (
	"errors"
	"sync"
	"time"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/klog"
	"github.com/Athryx/aurora-os/internal/vmm"
)

var log = klog.For("event")

var (
	ErrOutOfMem = errors.New("event: pool buffer is full")
	ErrTimeout  = errors.New("event: wait timed out")
)

// Data is the payload of one event: the three argument words a sender
// supplies to event_pool_send or that the kernel supplies for an
// internally-originated event.
type Data struct {
	Arg1, Arg2, Arg3 uint64
}

// Mode is whether a listener registration is consumed after first
// delivery or remains registered (§4.G).
type Mode int

const (
	OneShot Mode = iota
	Persistent
)

// listener is one registered target: either a thread's wakeup slot
// (a channel the blocking syscall handler reads from) or a Pool.
type listener struct {
	wake chan Data
	pool *Pool
	mode Mode
}

func (l *listener) deliver(d Data) bool {
	if l.pool != nil {
		return l.pool.tryAppend(d)
	}
	select {
	case l.wake <- d:
		return true
	default:
		return false
	}
}

// Source is one emitter of events — bound to whatever kernel object
// produces them (a lock, a channel, a thread's completion, root OOM).
type Source struct {
	mu        sync.Mutex
	broadcast []*listener
	queue     []*listener
	// fallback holds events that must not be dropped (kernel-originated,
	// §4.G "internal backpressure path") when no listener could take them.
	fallback []Data
}

// NewSource creates an event source with no listeners yet.
func NewSource() *Source {
	return &Source{}
}

// RegisterBroadcastThread adds wake as a broadcast listener: every Fire
// delivers to it (subject to mode).
func (s *Source) RegisterBroadcastThread(wake chan Data, mode Mode) {
	s.mu.Lock()
	s.broadcast = append(s.broadcast, &listener{wake: wake, mode: mode})
	s.mu.Unlock()
}

// RegisterBroadcastPool adds p as a broadcast listener.
func (s *Source) RegisterBroadcastPool(p *Pool, mode Mode) {
	s.mu.Lock()
	s.broadcast = append(s.broadcast, &listener{pool: p, mode: mode})
	s.mu.Unlock()
}

// RegisterQueueThread appends wake to the FIFO queue listener list.
func (s *Source) RegisterQueueThread(wake chan Data, mode Mode) {
	s.mu.Lock()
	s.queue = append(s.queue, &listener{wake: wake, mode: mode})
	s.mu.Unlock()
}

// RegisterQueuePool appends p to the FIFO queue listener list.
func (s *Source) RegisterQueuePool(p *Pool, mode Mode) {
	s.mu.Lock()
	s.queue = append(s.queue, &listener{pool: p, mode: mode})
	s.mu.Unlock()
}

// Fire delivers d to every broadcast listener and to the head of the
// queue FIFO (§4.G). mustNotFail marks a kernel-originated event that
// cannot be rejected: undelivered data is kept in the source's own
// fallback queue rather than returned as an error. User-facing
// event_pool_send should pass mustNotFail=false and propagate ErrOutOfMem.
func (s *Source) Fire(d Data, mustNotFail bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := false

	kept := s.broadcast[:0]
	for _, l := range s.broadcast {
		if l.deliver(d) {
			delivered = true
			if l.mode == Persistent {
				kept = append(kept, l)
			}
		} else {
			// A failed delivery never drops the listener, regardless of
			// mustNotFail: only a *successful* OneShot delivery consumes
			// the registration (handled above).
			kept = append(kept, l)
		}
	}
	s.broadcast = kept

	if len(s.queue) > 0 {
		head := s.queue[0]
		if head.deliver(d) {
			delivered = true
			s.queue = s.queue[1:]
			if head.mode == Persistent {
				s.queue = append(s.queue, head)
			}
		}
	}

	if !delivered {
		if mustNotFail {
			s.fallback = append(s.fallback, d)
			log.Warn("event dropped to fallback queue: no listener available")
			return nil
		}
		return ErrOutOfMem
	}
	return nil
}

// DrainFallback returns and clears any events that were queued because
// no listener was registered at Fire time. Registering a listener does
// not call it, so fallback events reach only an explicit caller.
func (s *Source) DrainFallback() []Data {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.fallback
	s.fallback = nil
	return out
}

// Pool is an event pool / receive pool kernel object: a ring buffer of
// Data records backed by a Memory object (§4.G).
type Pool struct {
	kind abi.ObjType

	mu     sync.Mutex
	mem    *vmm.Memory
	slots  []Data // simulated ring contents; real kernel would lay these out in mem
	start  uint64
	cond   *sync.Cond
	cap    uint64
}

// NewEventPool creates a queue-mode event pool backed by mem, sized to
// hold capSlots records.
func NewEventPool(mem *vmm.Memory, capSlots uint64) *Pool {
	return newPool(abi.ObjEventPool, mem, capSlots)
}

// NewRecvPool creates a receive pool — the object type used as the
// completion target for channel_send/recv's optional event_pool argument
// (structurally identical to an event pool, distinguished only by its cid
// type tag).
func NewRecvPool(mem *vmm.Memory, capSlots uint64) *Pool {
	return newPool(abi.ObjRecvPool, mem, capSlots)
}

func newPool(kind abi.ObjType, mem *vmm.Memory, capSlots uint64) *Pool {
	p := &Pool{kind: kind, mem: mem, cap: capSlots}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *Pool) Kind() abi.ObjType { return p.kind }

// Data returns the current (start_offset, count) of unread records.
func (p *Pool) Data() (startOffset, count uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.start, uint64(len(p.slots))
}

// Consume advances past n already-read records.
func (p *Pool) Consume(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > uint64(len(p.slots)) {
		n = uint64(len(p.slots))
	}
	p.slots = p.slots[n:]
	p.start += n
}

// Wait blocks until at least n records are available or timeout elapses
// (timeout<=0 means wait forever).
func (p *Pool) Wait(n uint64, timeout time.Duration) error {
	done := make(chan struct{})
	deadline := time.Now().Add(timeout)
	if timeout > 0 {
		timer := time.AfterFunc(timeout, func() {
			p.mu.Lock()
			p.cond.Broadcast()
			p.mu.Unlock()
		})
		defer timer.Stop()
	}
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for uint64(len(p.slots)) < n {
			if timeout > 0 && !time.Now().Before(deadline) {
				close(done)
				return
			}
			p.cond.Wait()
		}
		close(done)
	}()
	<-done

	p.mu.Lock()
	ready := uint64(len(p.slots)) >= n
	p.mu.Unlock()
	if !ready {
		return ErrTimeout
	}
	return nil
}

// ConsumeWait consumes n already-read records, then waits until at least
// one record is available (§4.G consume_wait): it returns at once if
// records remain after the consume, and it takes no separate wait count.
func (p *Pool) ConsumeWait(n uint64, timeout time.Duration) error {
	p.Consume(n)
	return p.Wait(1, timeout)
}

// Send appends one record; fails with ErrOutOfMem if the ring is full
// (§4.G: user-facing event_pool_send may fail this way).
func (p *Pool) Send(arg1, arg2, arg3 uint64) error {
	if !p.tryAppend(Data{arg1, arg2, arg3}) {
		return ErrOutOfMem
	}
	return nil
}

func (p *Pool) tryAppend(d Data) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cap > 0 && uint64(len(p.slots)) >= p.cap {
		return false
	}
	p.slots = append(p.slots, d)
	p.cond.Broadcast()
	return true
}

// SetBuffer swaps the backing memory and resets count/offset (§4.G).
func (p *Pool) SetBuffer(mem *vmm.Memory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = mem
	p.slots = nil
	p.start = 0
}
