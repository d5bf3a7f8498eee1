package kobject

import (
	"crypto/hmac"
	"crypto/sha256"
	"sync"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/event"
)

// Lock is a simple kernel mutex object: `lock_wait` blocks (a suspension
// point, §5) until `lock_unlock` releases it.
type Lock struct {
	mu      sync.Mutex
	held    bool
	waiters []chan struct{}
}

func NewLock() *Lock { return &Lock{} }

func (*Lock) Kind() abi.ObjType { return abi.ObjLock }

// Wait blocks until the lock is free, then takes it.
func (l *Lock) Wait() {
	l.mu.Lock()
	if !l.held {
		l.held = true
		l.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	l.waiters = append(l.waiters, ch)
	l.mu.Unlock()
	<-ch
}

// Unlock releases the lock, handing it directly to the next waiter (FIFO)
// if one exists.
func (l *Lock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters = l.waiters[1:]
		close(next) // held stays true: ownership passes directly
		return
	}
	l.held = false
}

// Key is the bootstrap spawn-authority primitive (§6) and the root of the
// supplemented key-derivation surface (SPEC_FULL.md). A Key with no
// parent is a root key minted by an Allocator's cap_prod; a derived key
// scopes authority to a domain without exposing the parent's bytes.
type Key struct {
	secret [32]byte
}

func NewRootKey(seed [32]byte) *Key {
	return &Key{secret: seed}
}

func (*Key) Kind() abi.ObjType { return abi.ObjKey }

// Derive produces a child Key bound to domain via HMAC-SHA256 over this
// key's secret, the smallest stdlib construction of an HKDF-style
// derivation (no KDF library appears anywhere in the reference pack, so
// this stays on crypto/hmac+crypto/sha256 rather than inventing a
// dependency — logged in DESIGN.md).
func (k *Key) Derive(domain []byte) *Key {
	mac := hmac.New(sha256.New, k.secret[:])
	mac.Write(domain)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return &Key{secret: out}
}

// Interrupt represents a bound hardware interrupt vector; its only
// kernel-visible behavior is acting as a broadcast-event source consumed
// by internal/event (arrival enqueues a broadcast event, §2 data flow).
type Interrupt struct {
	Vector uint32

	events *event.Source
}

func NewInterrupt(vector uint32) *Interrupt {
	return &Interrupt{Vector: vector, events: event.NewSource()}
}

func (*Interrupt) Kind() abi.ObjType { return abi.ObjInterrupt }

// Bind registers pool as the (persistent) broadcast listener for this
// vector's arrivals (§2 data flow: "interrupt arrival -> interrupt object
// enqueues a broadcast event consumed by a registered event pool").
func (i *Interrupt) Bind(pool *event.Pool) {
	i.events.RegisterBroadcastPool(pool, event.Persistent)
}

// Trigger simulates hardware delivery of this vector: it fires a
// broadcast event carrying the vector number to every bound pool. Kernel-
// originated, so delivery must not fail (mustNotFail=true): an
// undelivered arrival is kept in the source's fallback queue rather than
// being dropped.
func (i *Interrupt) Trigger() error {
	return i.events.Fire(event.Data{Arg1: uint64(i.Vector)}, true)
}

// Port represents one allocated x86 port-I/O address, granted by a
// PortAllocator.
type Port struct {
	Address uint16
}

func (*Port) Kind() abi.ObjType { return abi.ObjPort }

// Spawner is the authority to create (and mass-kill) processes (§6, §9
// glossary). Its single operation, spawner_spawn, is specified in
// SPEC_FULL.md and handled in internal/syscall, which creates the process
// through internal/kernel's SpawnProcess; Spawner itself is just the capability
// marker consumed by that operation's cap_prod check.
type Spawner struct{}

func NewSpawner() *Spawner { return &Spawner{} }

func (*Spawner) Kind() abi.ObjType { return abi.ObjSpawner }

// RootOom is the escalation endpoint for root-allocator exhaustion (§6,
// §9 glossary): exactly one thread may be blocked in root_oom_listen at a
// time, and waking it delivers the paging table described in §6.
type RootOom struct {
	mu      sync.Mutex
	waiting chan []byte // sent to when a wakeup is posted; never closed
}

func NewRootOom() *RootOom {
	return &RootOom{waiting: make(chan []byte, 1)}
}

func (*RootOom) Kind() abi.ObjType { return abi.ObjRootOom }

// Wake posts the OOM table payload to the sole listener. If nobody is
// listening yet, the payload is buffered for the next Listen call (depth
// 1: only one outstanding OOM condition can be pending at the root, since
// the listener must drain it before the root can make further progress).
func (r *RootOom) Wake(table []byte) {
	select {
	case r.waiting <- table:
	default:
		// A payload is already pending; the existing one still
		// describes the regions needing page-out.
	}
}

// Listen blocks until an OOM table is posted.
func (r *RootOom) Listen() []byte {
	return <-r.waiting
}
