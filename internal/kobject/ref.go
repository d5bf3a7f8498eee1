package kobject

import "sync"

// control is the shared lifetime state behind every Strong/Weak pair for
// one object. Strong references keep the object alive; weak references
// observe its liveness without contributing to it (§3).
type control struct {
	mu     sync.Mutex
	strong int
	weak   int
	alive  bool
	obj    Object
	onZero func(Object)
}

// Strong is a strong reference: while any Strong exists, the underlying
// object stays alive.
type Strong struct {
	c *control
}

// Weak is a weak reference: it observes the object but does not keep it
// alive, and Upgrade/IsAlive fail once the last Strong is gone.
type Weak struct {
	c *control
}

// NewStrong creates the first strong reference to obj. onZero is invoked
// exactly once, when the strong count drops to zero, so the caller can run
// object-specific teardown (unmap memory, wake blocked threads with
// Interrupted, etc) before weak references start observing death.
func NewStrong(obj Object, onZero func(Object)) Strong {
	c := &control{strong: 1, alive: true, obj: obj, onZero: onZero}
	return Strong{c: c}
}

// Object returns the referenced object. Valid for the lifetime of this
// Strong value (a Strong is only ever held while alive).
func (s Strong) Object() Object {
	return s.c.obj
}

// Clone increments the strong count and returns a new, independent Strong
// referring to the same object.
func (s Strong) Clone() Strong {
	s.c.mu.Lock()
	s.c.strong++
	s.c.mu.Unlock()
	return Strong{c: s.c}
}

// Downgrade produces a Weak reference to the same object without changing
// the strong count.
func (s Strong) Downgrade() Weak {
	s.c.mu.Lock()
	s.c.weak++
	s.c.mu.Unlock()
	return Weak{c: s.c}
}

// Drop releases this strong reference. If it was the last one, the
// object is torn down: onZero runs and every outstanding Weak observes
// IsAlive()==false from then on.
func (s Strong) Drop() {
	s.c.mu.Lock()
	s.c.strong--
	zero := s.c.strong == 0
	if zero {
		s.c.alive = false
	}
	onZero := s.c.onZero
	obj := s.c.obj
	s.c.mu.Unlock()

	if zero && onZero != nil {
		onZero(obj)
	}
}

// IsAlive reports whether the referenced object still has at least one
// strong reference.
func (w Weak) IsAlive() bool {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.alive
}

// Clone returns a new, independent Weak to the same object.
func (w Weak) Clone() Weak {
	w.c.mu.Lock()
	w.c.weak++
	w.c.mu.Unlock()
	return Weak{c: w.c}
}

// Drop releases this weak reference. Weak references never trigger
// teardown; this exists for symmetry and future accounting.
func (w Weak) Drop() {
	w.c.mu.Lock()
	w.c.weak--
	w.c.mu.Unlock()
}

// Upgrade promotes w to a Strong if the object is still alive (§3, §8
// invariant 6: "weak->strong promotion succeeds iff the source cid has
// upgrade and the underlying object is alive" — the upgrade permission
// check itself happens in capspace, since it's a property of the cid's
// flags, not of the reference).
func (w Weak) Upgrade() (Strong, bool) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	if !w.c.alive {
		return Strong{}, false
	}
	w.c.strong++
	return Strong{c: w.c}, true
}

// Object returns the underlying object even if dead, for callers that
// already checked IsAlive and want to read final state (e.g. logging).
func (w Weak) Object() Object {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.obj
}
