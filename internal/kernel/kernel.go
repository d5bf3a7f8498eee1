// Package kernel assembles Aurora's boot sequence: the page allocator,
// root quota allocator, scheduler, PROCESS_MAP, and the bootstrap
// capability set handed to early-init (§6).
package kernel

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/config"
	"github.com/Athryx/aurora-os/internal/kobject"
	"github.com/Athryx/aurora-os/internal/page"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/sched"
	"github.com/Athryx/aurora-os/internal/vmm"
)

// ProcessMap is the global process table (§5, §9: "process-wide state
// with a clear init at boot and no teardown, concurrent access via a
// lock-free or read-mostly map"). A sync.RWMutex over a plain map gives
// the read-mostly property the spec asks for without introducing a
// sync.Map dependency the rest of the kernel doesn't otherwise need.
type ProcessMap struct {
	mu    sync.RWMutex
	procs map[uint64]*sched.Process
	self  map[uint64]kobject.Strong // the kernel's own strong self-reference per process (§9)
}

func newProcessMap() *ProcessMap {
	return &ProcessMap{
		procs: make(map[uint64]*sched.Process),
		self:  make(map[uint64]kobject.Strong),
	}
}

// Store registers p under its own cid, along with the kernel's sole
// strong reference to it (§9: processes never hold a strong cid to
// themselves; the kernel keeps the one that keeps them alive).
func (m *ProcessMap) Store(p *sched.Process, self kobject.Strong) {
	m.mu.Lock()
	m.procs[p.Cid] = p
	m.self[p.Cid] = self
	m.mu.Unlock()
}

// Load looks up a process by cid.
func (m *ProcessMap) Load(cid uint64) (*sched.Process, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.procs[cid]
	return p, ok
}

// Delete removes a process from the map, called once its last strong
// self-reference has been dropped (§4.F process exit).
func (m *ProcessMap) Delete(cid uint64) {
	m.mu.Lock()
	delete(m.procs, cid)
	delete(m.self, cid)
	m.mu.Unlock()
}

// Exit runs process exit (§4.F): every thread is driven to Dead, then the
// kernel's own strong self-reference is dropped, which tears down the
// process's threads, mappings, and owned capabilities and removes it
// from the map via the onZero callback registered at creation.
func (m *ProcessMap) Exit(cid uint64) {
	m.mu.RLock()
	p, okProc := m.procs[cid]
	self, okSelf := m.self[cid]
	m.mu.RUnlock()
	if !okProc || !okSelf {
		return
	}
	p.Exit()
	self.Drop()
}

// OomEntry is one record of the root OOM table (§6): a disk-sector-or-id
// reference, the page-aligned physical address the page was backed at,
// and the span's size in pages.
type OomEntry struct {
	SectorOrID uint64
	PhysAddr   uint64
	SizePages  uint64
}

// OomTable is the root OOM table memory object: word 0 is the entry
// count, followed by one OomEntry per record (§6). It is itself a
// Memory-kind object so it can be handed out as an ordinary strong cid.
type OomTable struct {
	mu      sync.Mutex
	Entries []OomEntry
}

func (*OomTable) Kind() abi.ObjType { return abi.ObjMemory }

// Append adds an entry. rootOomSink calls it for each root-allocator OOM
// notification, and the root_oom_complete syscall calls it with the record
// userspace supplies.
func (t *OomTable) Append(e OomEntry) {
	t.mu.Lock()
	t.Entries = append(t.Entries, e)
	t.mu.Unlock()
}

func (t *OomTable) snapshot() []OomEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]OomEntry{}, t.Entries...)
}

// encodeOomTable packs entries into the §6 wire format: word 0 is the
// entry count, followed by one (disk-sector-or-id, physical address,
// size-in-pages) record per entry.
func encodeOomTable(entries []OomEntry) []byte {
	const wordSize = 8
	buf := make([]byte, wordSize*(1+3*len(entries)))
	binary.LittleEndian.PutUint64(buf[0:wordSize], uint64(len(entries)))
	for i, e := range entries {
		off := wordSize * (1 + 3*i)
		binary.LittleEndian.PutUint64(buf[off:], e.SectorOrID)
		binary.LittleEndian.PutUint64(buf[off+wordSize:], e.PhysAddr)
		binary.LittleEndian.PutUint64(buf[off+2*wordSize:], e.SizePages)
	}
	return buf
}

// rootOomSink bridges quota.Allocator's root-exhaustion escalation (§4.B
// step 2) to the RootOom object: each notification appends a page-out
// candidate to the table and wakes the sole listener with the table's
// current encoding (§6). PhysAddr is left 0 — the spec leaves victim-page
// selection unspecified, so there is no candidate physical address to
// record yet; a real page-replacement policy would fill it in here.
type rootOomSink struct {
	root  *kobject.RootOom
	table *OomTable
}

func (s *rootOomSink) NotifyOOM(sourceCid uint64, shortfallPages uint64) error {
	s.table.Append(OomEntry{SectorOrID: sourceCid, SizePages: shortfallPages})
	s.root.Wake(encodeOomTable(s.table.snapshot()))
	return nil
}

// BootCaps names the bootstrap cids handed to early-init in rax (§6).
type BootCaps struct {
	InitProcessWeak abi.Cid
	Initrd          abi.Cid
	GlobalInfo      abi.Cid
	Kcontrol        abi.Cid
	Spawner         abi.Cid
	SpawnKey        abi.Cid
	RootAllocator   abi.Cid
	RootOom         abi.Cid
	RootOomTable    abi.Cid
	MmioAllocator   abi.Cid
	IntAllocator    abi.Cid
	PortAllocator   abi.Cid
}

// Kernel holds every singleton the boot sequence assembles.
type Kernel struct {
	Pages       *page.Allocator
	RootQuota   *quota.Allocator
	Scheduler   *sched.Scheduler
	Processes   *ProcessMap
	InitProcess *sched.Process
	Boot        BootCaps

	nextProcCid atomic.Uint64
}

// NewProcessCid hands out the next globally unique process cid (§4.F
// process_new; process 1 is always the init process created at boot).
func (k *Kernel) NewProcessCid() uint64 {
	return k.nextProcCid.Add(1)
}

// SpawnProcess creates a fresh process, registers it (and the kernel's
// sole strong self-reference) in Processes, and returns a weak cid to it
// inserted into creator's capability space — the same shape process_new
// gives the init process at boot (§9 cyclic-ownership avoidance).
func (k *Kernel) SpawnProcess(creator *capspace.Space, flags abi.CapFlags) (abi.Cid, *sched.Process, error) {
	cid := k.NewProcessCid()
	proc := sched.NewProcess(cid)
	strong := kobject.NewStrong(proc, func(kobject.Object) {
		k.Processes.Delete(proc.Cid)
	})
	weak := strong.Downgrade()
	k.Processes.Store(proc, strong)

	flags.Weak = true
	weakCid, err := creator.InsertWeak(weak, flags)
	return weakCid, proc, err
}

// rootSingletonCid is the fixed id the boot sequence gives its own
// singletons (the root quota allocator and the boot-time Memory objects'
// allocator id) before any process exists; any uint64 works here since the
// real cid encoding happens in capspace.InsertStrong.
const rootSingletonCid = 0

// Boot runs the kernel's startup sequence: allocate physical frames,
// create the root quota allocator, start the scheduler, create the init
// process, and populate its capability space with the bootstrap set
// (§6 "Initial process state").
func Boot(cfg config.Boot) (*Kernel, error) {
	pages := page.New(cfg.MemoryPages, cfg.CPUCount)
	rootQuota := quota.New(rootSingletonCid, cfg.MemoryPages)
	schedr := sched.New(cfg.CPUCount)
	procs := newProcessMap()

	init := sched.NewProcess(1)

	// process_new returns a weak cid to the caller and the kernel keeps
	// the sole strong reference (§9 cyclic-ownership avoidance) — the
	// init process is bootstrapped the same way any later process_new
	// would be, just with the kernel itself as the "parent" caller.
	initStrong := kobject.NewStrong(init, func(kobject.Object) {
		procs.Delete(init.Cid)
	})
	initWeak := initStrong.Downgrade()
	weakCid, err := init.Caps.InsertWeak(initWeak, abi.CapFlags{Read: true})
	if err != nil {
		return nil, err
	}

	initrdPages, err := pages.Alloc(0, 1, 1)
	if err != nil {
		return nil, err
	}
	initrdMem := vmm.NewMemory(initrdPages, rootSingletonCid)
	initrdCid, err := init.Caps.InsertStrong(kobject.NewStrong(initrdMem, nil), abi.CapFlags{Read: true, Prod: true})
	if err != nil {
		return nil, err
	}

	globalInfoPages, err := pages.Alloc(0, 1, 1)
	if err != nil {
		return nil, err
	}
	globalInfoMem := vmm.NewMemory(globalInfoPages, rootSingletonCid)
	globalInfoCid, err := init.Caps.InsertStrong(kobject.NewStrong(globalInfoMem, nil), abi.CapFlags{Read: true, Write: true})
	if err != nil {
		return nil, err
	}

	kcontrol := kobject.NewLock()
	kcontrolCid, err := init.Caps.InsertStrong(kobject.NewStrong(kcontrol, nil), abi.CapFlags{Read: true, Write: true})
	if err != nil {
		return nil, err
	}

	spawner := kobject.NewSpawner()
	spawnerCid, err := init.Caps.InsertStrong(kobject.NewStrong(spawner, nil), abi.CapFlags{Prod: true})
	if err != nil {
		return nil, err
	}

	var seed [32]byte
	spawnKey := kobject.NewRootKey(seed)
	spawnKeyCid, err := init.Caps.InsertStrong(kobject.NewStrong(spawnKey, nil), abi.CapFlags{Read: true, Prod: true})
	if err != nil {
		return nil, err
	}

	rootOom := kobject.NewRootOom()
	rootOomCid, err := init.Caps.InsertStrong(kobject.NewStrong(rootOom, nil), abi.CapFlags{Read: true, Write: true})
	if err != nil {
		return nil, err
	}

	oomTable := &OomTable{}
	rootOomTableCid, err := init.Caps.InsertStrong(kobject.NewStrong(oomTable, nil), abi.CapFlags{Read: true, Write: true})
	if err != nil {
		return nil, err
	}

	rootQuota.BindOOMSink(&rootOomSink{root: rootOom, table: oomTable})
	rootAllocCid, err := init.Caps.InsertStrong(kobject.NewStrong(rootQuota, nil), abi.CapFlags{Read: true, Write: true, Prod: true})
	if err != nil {
		return nil, err
	}

	mmioAlloc := kobject.NewMmioAllocator(0, 1<<32)
	mmioCid, err := init.Caps.InsertStrong(kobject.NewStrong(mmioAlloc, nil), abi.CapFlags{Read: true, Write: true, Prod: true})
	if err != nil {
		return nil, err
	}

	intAlloc := kobject.NewIntAllocator(0, 256)
	intCid, err := init.Caps.InsertStrong(kobject.NewStrong(intAlloc, nil), abi.CapFlags{Read: true, Write: true, Prod: true})
	if err != nil {
		return nil, err
	}

	portAlloc := kobject.NewPortAllocator(0, 1<<16)
	portCid, err := init.Caps.InsertStrong(kobject.NewStrong(portAlloc, nil), abi.CapFlags{Read: true, Write: true, Prod: true})
	if err != nil {
		return nil, err
	}

	procs.Store(init, initStrong)

	k := &Kernel{
		Pages:       pages,
		RootQuota:   rootQuota,
		Scheduler:   schedr,
		Processes:   procs,
		InitProcess: init,
		Boot: BootCaps{
			InitProcessWeak: weakCid,
			Initrd:          initrdCid,
			GlobalInfo:      globalInfoCid,
			Kcontrol:        kcontrolCid,
			Spawner:         spawnerCid,
			SpawnKey:        spawnKeyCid,
			RootAllocator:   rootAllocCid,
			RootOom:         rootOomCid,
			RootOomTable:    rootOomTableCid,
			MmioAllocator:   mmioCid,
			IntAllocator:    intCid,
			PortAllocator:   portCid,
		},
	}
	k.nextProcCid.Store(init.Cid)
	return k, nil
}
