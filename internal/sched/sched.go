// Package sched implements Aurora's thread and scheduler component
// (component F): the thread state machine (§4.F), per-CPU ready queues,
// and the Process type threads belong to. There is no real CPU here — a
// goroutine stands in for a CPU the way other_examples/ hosted kernels
// (gVisor's sentry, gopher-os) use one, and "running" a thread means
// invoking its Run callback on that goroutine until it yields, sleeps,
// suspends, or exits.
package sched

import (
	"errors"
	"sync"
	"time"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/klog"
	"github.com/Athryx/aurora-os/internal/vmm"
)

var log = klog.For("sched")

// State is a thread's position in the §4.F state machine.
type State int32

const (
	Ready State = iota
	Running
	Suspended
	Sleeping
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "Ready"
	case Running:
		return "Running"
	case Suspended:
		return "Suspended"
	case Sleeping:
		return "Sleeping"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

var (
	ErrAlreadyDead     = errors.New("sched: thread is already dead")
	ErrNotSuspended    = errors.New("sched: thread is not suspended")
	ErrInvalidPriority = errors.New("sched: priority out of range")
)

const (
	MinPriority = 0
	MaxPriority = 31
)

// Process groups a capability space, an address space, and a set of
// threads under one lifetime (§3, §4.F). It implements kobject.Object.
type Process struct {
	Cid uint64

	Caps *capspace.Space
	Addr *vmm.AddressSpace

	mu           sync.Mutex
	threads      map[uint64]*Thread
	nextThreadID uint64
	alive        bool
	done         chan struct{}
}

func (*Process) Kind() abi.ObjType { return abi.ObjProcess }

// NewProcess creates a process with a fresh capability space and address
// space, both owned for the lifetime of the process.
func NewProcess(cid uint64) *Process {
	return &Process{
		Cid:     cid,
		Caps:    capspace.New(),
		Addr:    vmm.New(),
		threads: make(map[uint64]*Thread),
		alive:   true,
		done:    make(chan struct{}),
	}
}

// Alive reports whether process_exit/process_destroy has not yet run.
func (p *Process) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

// Done returns a channel closed once this process exits, for blocking
// operations (channel_recv/send/call) to select on alongside their own
// wait condition: a thread's own call aborts when its process dies even
// if the object it was blocked on (e.g. a channel another process still
// holds a cid to) survives (§4.F, §8 scenario 3).
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Exit tears every thread in the process down (§4.F: "process exit drives
// every thread to Dead"), simulated as an IPI broadcast in a bare-metal
// kernel but here just a direct state transition per thread since each
// "CPU" is cooperatively scheduled on its own goroutine. Closing done is
// what unblocks a thread parked in a suspension point like channel_recv:
// the blocked call returns ErrCanceled, since killing the Thread only
// updates scheduler bookkeeping. It then destroys every cid the process
// held (§8 scenario 3: "all of B's cids ... are destroyed"); that tears a
// channel down only if it drops the channel's last strong reference.
func (p *Process) Exit() {
	p.mu.Lock()
	if !p.alive {
		p.mu.Unlock()
		return
	}
	p.alive = false
	threads := make([]*Thread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.mu.Unlock()

	close(p.done)
	for _, t := range threads {
		t.kill()
	}
	p.Caps.DestroyAll()
}

// Thread is one schedulable execution context within a Process.
type Thread struct {
	ID   uint64
	Proc *Process

	mu       sync.Mutex
	state    State
	gen      uint64 // bumped on every wake, so a stale wakeup is detectable
	waitCid  uint64 // cid of the object this thread is blocked on, 0 if none
	priority int32
	wake     chan struct{}
	sched    *Scheduler
	cpu      int

	// Run is invoked by the scheduler's CPU loop each time the thread is
	// dispatched; it should return (rather than block the goroutine
	// forever) whenever the thread voluntarily yields, sleeps, or exits.
	// A nil Run means the thread has no body of its own (used in tests
	// and for threads parked purely on scheduler bookkeeping).
	Run func(t *Thread)
}

func (*Thread) Kind() abi.ObjType { return abi.ObjThread }

// State returns the thread's current state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Priority returns the thread's current scheduling priority.
func (t *Thread) Priority() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// SetPriority changes the thread's priority (§4.F thread_priority_set).
func (t *Thread) SetPriority(p int32) error {
	if p < MinPriority || p > MaxPriority {
		return ErrInvalidPriority
	}
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
	return nil
}

// Suspend moves any non-Dead thread to Suspended. It does not remove the
// thread from its CPU's ready queue; the CPU loop skips it when popped
// while not Ready.
func (t *Thread) Suspend() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead {
		return ErrAlreadyDead
	}
	t.state = Suspended
	return nil
}

// Resume moves a Suspended thread back to Ready and re-enqueues it,
// atomically clearing wait_cid and bumping the generation (§4.F): any
// wakeup racing a prior wait is detectable by comparing the generation
// it captured against the thread's current one.
func (t *Thread) Resume() error {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return ErrAlreadyDead
	}
	if t.state != Suspended {
		t.mu.Unlock()
		return ErrNotSuspended
	}
	t.state = Ready
	t.waitCid = 0
	t.gen++
	if t.wake != nil {
		close(t.wake)
		t.wake = nil
	}
	t.mu.Unlock()
	t.sched.enqueue(t)
	return nil
}

// WaitSuspended blocks the calling goroutine until this already-suspended
// thread leaves Suspended, via Resume or via timeout elapsing first (a
// timeout <= 0 waits indefinitely). This is how a thread that suspends
// itself actually blocks in this hosted model, the same way Sleep blocks
// its own goroutine rather than just flipping state (§4.F suspend_timeout;
// §8 scenario 4).
func (t *Thread) WaitSuspended(timeout time.Duration) (timedOut bool, err error) {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return false, ErrAlreadyDead
	}
	if t.state != Suspended {
		t.mu.Unlock()
		return false, ErrNotSuspended
	}
	myGen := t.gen
	wake := make(chan struct{})
	t.wake = wake
	t.mu.Unlock()

	if timeout <= 0 {
		<-wake
		return false, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-wake:
		return false, nil
	case <-timer.C:
		t.mu.Lock()
		if t.state == Dead || t.gen != myGen {
			t.mu.Unlock()
			return false, nil
		}
		t.state = Ready
		t.waitCid = 0
		t.gen++
		t.wake = nil
		t.mu.Unlock()
		// The calling goroutine keeps running this thread, so it is not
		// re-queued for a second dispatch.
		return true, nil
	}
}

// WaitCid reports the cid the thread is currently blocked on, or 0 if
// it isn't waiting on anything (§4.F).
func (t *Thread) WaitCid() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waitCid
}

// Generation reports the thread's current wake generation, bumped on
// every transition out of a wait (§4.F, §8 invariant 3).
func (t *Thread) Generation() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen
}

// BeginWait transitions Running -> Suspended and records waitCid as what
// the thread is now blocked on (§4.F suspension points: channel_recv,
// lock_wait, event_pool_wait, root_oom_listen, ...). The caller performs
// the actual blocking wait itself; BeginWait only makes that wait visible
// in the thread's state machine so thread_suspend/process exit interact
// with it correctly.
func (t *Thread) BeginWait(waitCid uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead {
		return ErrAlreadyDead
	}
	t.state = Suspended
	t.waitCid = waitCid
	return nil
}

// EndWait reverses BeginWait once the blocking wait returns: it
// atomically clears wait_cid and increments the generation (§4.F), then
// leaves the thread Running again since the same goroutine is continuing
// execution rather than being re-dispatched through a CPU's ready queue.
func (t *Thread) EndWait() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Dead {
		t.state = Running
	}
	t.waitCid = 0
	t.gen++
}

// Yield voluntarily gives up the CPU: Running -> Ready, re-enqueued at
// the back of its priority band.
func (t *Thread) Yield() {
	t.mu.Lock()
	if t.state != Running {
		t.mu.Unlock()
		return
	}
	t.state = Ready
	t.mu.Unlock()
	t.sched.enqueue(t)
}

// Sleep parks the thread for d, then re-enqueues it, unless it was killed
// while sleeping.
func (t *Thread) Sleep(d time.Duration) {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return
	}
	t.state = Sleeping
	myGen := t.gen
	t.mu.Unlock()

	time.Sleep(d)

	t.mu.Lock()
	if t.state == Dead || t.gen != myGen {
		t.mu.Unlock()
		return
	}
	t.state = Ready
	t.mu.Unlock()
	t.sched.enqueue(t)
}

// kill drives the thread straight to Dead regardless of its current
// state, bumping its generation so any in-flight Sleep is ignored.
func (t *Thread) kill() {
	t.mu.Lock()
	t.state = Dead
	t.gen++
	if t.wake != nil {
		close(t.wake)
		t.wake = nil
	}
	t.mu.Unlock()
}

// cpuQueue is one CPU's ready list, ordered within each priority band by
// arrival (round robin).
type cpuQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	ready [MaxPriority + 1][]*Thread
}

func newCPUQueue() *cpuQueue {
	q := &cpuQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *cpuQueue) push(t *Thread) {
	q.mu.Lock()
	q.ready[t.Priority()] = append(q.ready[t.Priority()], t)
	q.cond.Signal()
	q.mu.Unlock()
}

// pop blocks until a thread is ready, returning the highest-priority one
// (numerically largest band first).
func (q *cpuQueue) pop() *Thread {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for band := MaxPriority; band >= MinPriority; band-- {
			if len(q.ready[band]) > 0 {
				t := q.ready[band][0]
				q.ready[band] = q.ready[band][1:]
				return t
			}
		}
		q.cond.Wait()
	}
}

// Scheduler owns one cpuQueue per simulated CPU and assigns new threads
// round robin across them (§4.F, §5: per-CPU ready structures).
type Scheduler struct {
	cpus []*cpuQueue
	mu   sync.Mutex
	next int
}

// New creates a scheduler with numCPUs simulated CPUs. Each CPU's
// dispatch loop is started as its own goroutine.
func New(numCPUs int) *Scheduler {
	s := &Scheduler{cpus: make([]*cpuQueue, numCPUs)}
	for i := range s.cpus {
		s.cpus[i] = newCPUQueue()
		go s.runCPU(i)
	}
	return s
}

func (s *Scheduler) runCPU(cpu int) {
	q := s.cpus[cpu]
	for {
		t := q.pop()
		t.mu.Lock()
		if t.state != Ready {
			t.mu.Unlock()
			continue
		}
		t.state = Running
		t.cpu = cpu
		t.gen++
		run := t.Run
		t.mu.Unlock()

		if run != nil {
			run(t)
		} else {
			t.Yield()
		}
	}
}

// NewThread creates a thread belonging to proc at the given priority and
// enqueues it Ready (§4.F thread_new).
func (s *Scheduler) NewThread(proc *Process, id uint64, priority int32, run func(t *Thread)) (*Thread, error) {
	if priority < MinPriority || priority > MaxPriority {
		return nil, ErrInvalidPriority
	}
	t := &Thread{
		ID:       id,
		Proc:     proc,
		state:    Ready,
		priority: priority,
		sched:    s,
		Run:      run,
	}

	proc.mu.Lock()
	proc.threads[id] = t
	proc.mu.Unlock()

	log.WithField("thread", id).WithField("priority", priority).Debug("thread created")

	s.enqueue(t)
	return t, nil
}

func (s *Scheduler) enqueue(t *Thread) {
	s.mu.Lock()
	cpu := s.next
	s.next = (s.next + 1) % len(s.cpus)
	s.mu.Unlock()

	s.cpus[cpu].push(t)
}
