package abi

// SyscallNum is the dense enumeration decoded from rax[0:32] (§6).
type SyscallNum uint32

const (
	SysCapClone SyscallNum = iota
	SysCapMove
	SysCapDestroy
	SysCapQuery // supplemented: read-only flags introspection, SPEC_FULL.md
	SysWeakIsAlive

	SysProcessNew
	SysProcessExit
	SysProcessDestroy

	SysThreadNew
	SysThreadSuspend
	SysThreadResume
	SysThreadYield
	SysThreadSleep
	SysThreadPrioritySet // supplemented
	SysThreadPriorityGet // supplemented

	SysMemoryNew
	SysMemoryMap
	SysMemoryUnmap

	SysLockNew
	SysLockWait
	SysLockUnlock

	SysEventPoolNew
	SysEventPoolData
	SysEventPoolConsume
	SysEventPoolWait
	SysEventPoolConsumeWait
	SysEventPoolSend
	SysEventPoolSetBuffer

	SysChannelNew
	SysChannelSend
	SysChannelRecv
	SysChannelNbSend
	SysChannelNbRecv
	SysChannelCall
	SysChannelReplyRecv

	SysAllocatorAlloc
	SysAllocatorFree
	SysAllocatorPrealloc
	SysAllocatorCapacity
	SysAllocatorSetMaxPages

	SysRootOomListen
	SysRootOomComplete // supplemented

	SysKeyNew    // supplemented
	SysKeyDerive // supplemented

	SysSpawnerSpawn // supplemented

	SysMmioAllocatorAllocRange // supplemented
	SysMmioAllocatorFreeRange  // supplemented
	SysIntAllocatorAllocRange  // supplemented
	SysIntAllocatorFreeRange   // supplemented
	SysPortAllocatorAllocRange // supplemented
	SysPortAllocatorFreeRange  // supplemented

	SysInterruptBind // supplemented: bind an event pool to an interrupt vector

	syscallCount
)

// Valid reports whether n names a real syscall.
func (n SyscallNum) Valid() bool {
	return n < syscallCount
}

// Options packs the per-syscall option bits decoded from rax[32:64].
// Bit 31 (WeakAutoDestroy) is decoded here, but only cap_query passes it
// to the capability lookup (§4.C, §4.I); every other syscall looks up with
// it off. Bit 30 (HasEventPool) marks
// that channel_send/recv/call's optional event_pool argument (§4.H) is
// present, since cid 0 is a legitimate capability-table index and can't
// double as an "absent" sentinel.
type Options uint32

const WeakAutoDestroyBit uint32 = 31
const HasEventPoolBit uint32 = 30

// WeakAutoDestroy reports whether option bit 31 is set.
func (o Options) WeakAutoDestroy() bool {
	return o&(1<<WeakAutoDestroyBit) != 0
}

// HasEventPool reports whether option bit 30 is set, i.e. whether the
// handler should read an event_pool cid out of its reserved argument slot
// and run asynchronously (§4.H).
func (o Options) HasEventPool() bool {
	return o&(1<<HasEventPoolBit) != 0
}

// Registers is the marshaled argument/return record built by the syscall
// entry point from the fixed x86_64 register ABI (§6):
//
//	args:   rbx, rdx, rsi, rdi, r8, r9, r12, r13, r14, r15
//	return: rbx, rdx, rsi, rdi (up to four words)
//
// rcx, r10, r11 are clobbered by the trampoline and never appear here.
type Registers struct {
	Num     SyscallNum
	Opts    Options
	Args    [10]uint64
	Ret     [4]uint64
	RetCode Status
}

// Arg returns argument i (0-indexed, mapping to rbx, rdx, rsi, ...).
func (r *Registers) Arg(i int) uint64 {
	return r.Args[i]
}

// SetRet populates the return registers. A handler that produces fewer
// than four values should call SetRet once with exactly the values it has;
// unused return registers keep their zero value, matching "return values
// populate a fixed set of registers" (§4.I) without leaking stale data.
func (r *Registers) SetRet(code Status, vals ...uint64) {
	r.RetCode = code
	for i := range r.Ret {
		r.Ret[i] = 0
	}
	copy(r.Ret[:], vals)
}
