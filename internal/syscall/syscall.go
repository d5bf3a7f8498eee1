// Package syscall implements Aurora's single syscall entry point
// (component I): decoding (number, options) from the register record,
// permission-checked capability lookups via internal/capspace, dispatch
// to the named operation, and translation of internal Go errors into the
// one abi.Status that ever crosses back to userspace (§4.I).
//
// There is no byte-addressable physical memory modeled in this hosted
// kernel (internal/vmm tracks physical ranges, not their contents), so
// operations that the original ABI describes as reading a "user memory
// buffer" (channel messages, event_pool_send payloads) instead carry
// their data directly in the syscall's own argument words, which is
// exactly what the register ABI already does for every other argument.
package syscall

import (
	"errors"
	"time"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/channel"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/kernel"
	"github.com/Athryx/aurora-os/internal/klog"
	"github.com/Athryx/aurora-os/internal/kobject"
	"github.com/Athryx/aurora-os/internal/page"
	"github.com/Athryx/aurora-os/internal/quota"
	"github.com/Athryx/aurora-os/internal/sched"
	"github.com/Athryx/aurora-os/internal/vmm"
)

var log = klog.For("syscall")

// Context is everything a handler needs: the kernel singletons and the
// calling thread's process.
type Context struct {
	Kernel *kernel.Kernel
	Proc   *sched.Process
	Thread *sched.Thread
}

type handlerFunc func(ctx *Context, regs *abi.Registers)

var handlers = map[abi.SyscallNum]handlerFunc{
	abi.SysCapClone:      capClone,
	abi.SysCapMove:       capMove,
	abi.SysCapDestroy:    capDestroy,
	abi.SysCapQuery:      capQuery,
	abi.SysWeakIsAlive:   weakIsAlive,
	abi.SysProcessNew:     processNew,
	abi.SysProcessExit:    processExit,
	abi.SysProcessDestroy: processDestroy,
	abi.SysSpawnerSpawn:   spawnerSpawn,
	abi.SysThreadNew:     threadNew,
	abi.SysThreadSuspend: threadSuspend,
	abi.SysThreadResume:  threadResume,
	abi.SysThreadYield:   threadYield,
	abi.SysThreadSleep:   threadSleep,
	abi.SysThreadPrioritySet: threadPrioritySet,
	abi.SysThreadPriorityGet: threadPriorityGet,
	abi.SysMemoryNew:     memoryNew,
	abi.SysMemoryMap:     memoryMap,
	abi.SysMemoryUnmap:   memoryUnmap,
	abi.SysLockNew:       lockNew,
	abi.SysLockWait:      lockWait,
	abi.SysLockUnlock:    lockUnlock,
	abi.SysEventPoolNew:        eventPoolNew,
	abi.SysEventPoolData:       eventPoolData,
	abi.SysEventPoolConsume:    eventPoolConsume,
	abi.SysEventPoolWait:       eventPoolWait,
	abi.SysEventPoolConsumeWait: eventPoolConsumeWait,
	abi.SysEventPoolSend:       eventPoolSend,
	abi.SysEventPoolSetBuffer:  eventPoolSetBuffer,
	abi.SysChannelNew:       channelNew,
	abi.SysChannelSend:      channelSend,
	abi.SysChannelRecv:      channelRecv,
	abi.SysChannelNbSend:    channelNbSend,
	abi.SysChannelNbRecv:    channelNbRecv,
	abi.SysChannelCall:      channelCall,
	abi.SysChannelReplyRecv: channelReplyRecv,
	abi.SysAllocatorAlloc:      allocatorAlloc,
	abi.SysAllocatorFree:       allocatorFree,
	abi.SysAllocatorPrealloc:   allocatorPrealloc,
	abi.SysAllocatorCapacity:   allocatorCapacity,
	abi.SysAllocatorSetMaxPages: allocatorSetMaxPages,
	abi.SysRootOomListen:   rootOomListen,
	abi.SysRootOomComplete: rootOomComplete,
	abi.SysKeyNew:    keyNew,
	abi.SysKeyDerive: keyDerive,
	abi.SysMmioAllocatorAllocRange: mmioAllocRange,
	abi.SysMmioAllocatorFreeRange:  mmioFreeRange,
	abi.SysIntAllocatorAllocRange:  intAllocRange,
	abi.SysIntAllocatorFreeRange:   intFreeRange,
	abi.SysPortAllocatorAllocRange: portAllocRange,
	abi.SysPortAllocatorFreeRange:  portFreeRange,
	abi.SysInterruptBind: interruptBind,
}

// Dispatch is the single entry point (§4.I): it decodes regs.Num,
// invokes the matching handler, and never lets a panic or an unmapped
// number escape without setting RetCode.
func Dispatch(ctx *Context, regs *abi.Registers) {
	defer func() {
		if r := recover(); r != nil {
			log.WithField("panic", r).Error("syscall handler panicked")
			regs.SetRet(abi.Unknown)
		}
	}()
	if !regs.Num.Valid() {
		regs.SetRet(abi.InvlSyscall)
		return
	}
	h, ok := handlers[regs.Num]
	if !ok {
		regs.SetRet(abi.InvlSyscall)
		return
	}
	h(ctx, regs)
}

// toStatus translates an internal Go error into the one Status that
// crosses the syscall boundary (§7). abi.Status values (returned
// directly by capspace/channel for programmatic-misuse cases) pass
// through unchanged; anything else becomes Unknown, which §7e reserves
// for invariant violations the handler itself didn't anticipate.
func toStatus(err error) abi.Status {
	if err == nil {
		return abi.Ok
	}
	var s abi.Status
	if errors.As(err, &s) {
		return s
	}
	switch {
	case errors.Is(err, quota.ErrOutOfMem), errors.Is(err, page.ErrOutOfMem), errors.Is(err, event.ErrOutOfMem):
		return abi.OutOfMem
	case errors.Is(err, quota.ErrInvalidArgs):
		return abi.InvlArgs
	case errors.Is(err, channel.ErrDestroyed), errors.Is(err, channel.ErrCanceled):
		return abi.Interrupted
	case errors.Is(err, event.ErrTimeout):
		return abi.OkTimeout
	case errors.Is(err, sched.ErrAlreadyDead), errors.Is(err, sched.ErrNotSuspended), errors.Is(err, sched.ErrInvalidPriority):
		return abi.InvlArgs
	case errors.Is(err, vmm.ErrNonCanonical):
		return abi.InvlVirtAddr
	case errors.Is(err, vmm.ErrMisaligned):
		return abi.InvlAlign
	case errors.Is(err, vmm.ErrOverlap):
		return abi.InvlMemZone
	case errors.Is(err, vmm.ErrAlreadyMapped), errors.Is(err, vmm.ErrNotMapped):
		return abi.InvlOp
	case errors.Is(err, kobject.ErrRangeUnavailable):
		return abi.InvlArgs
	default:
		log.WithError(err).Error("unclassified internal error reached the syscall boundary")
		return abi.Unknown
	}
}

// --- capability space (§4.C) ---

func capClone(ctx *Context, regs *abi.Registers) {
	srcCid := abi.Cid(regs.Arg(0))
	requested, err := abi.UnpackCapFlags(regs.Arg(1))
	if err != nil {
		regs.SetRet(abi.InvlArgs)
		return
	}
	newCid, err := ctx.Proc.Caps.Clone(srcCid, ctx.Proc.Caps, requested)
	regs.SetRet(toStatus(err), uint64(newCid))
}

func capMove(ctx *Context, regs *abi.Registers) {
	srcCid := abi.Cid(regs.Arg(0))
	requested, err := abi.UnpackCapFlags(regs.Arg(1))
	if err != nil {
		regs.SetRet(abi.InvlArgs)
		return
	}
	newCid, err := ctx.Proc.Caps.Move(srcCid, ctx.Proc.Caps, requested)
	regs.SetRet(toStatus(err), uint64(newCid))
}

func capDestroy(ctx *Context, regs *abi.Registers) {
	err := ctx.Proc.Caps.Destroy(abi.Cid(regs.Arg(0)))
	regs.SetRet(toStatus(err))
}

// capQuery is the supplemented read-only flags introspection (SPEC_FULL).
func capQuery(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	_, err := ctx.Proc.Caps.Lookup(cid, abi.Perm(0), regs.Opts.WeakAutoDestroy())
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	_, flags, _ := abi.DecodeCid(cid)
	packed, _ := flags.Pack()
	regs.SetRet(abi.Ok, packed)
}

func weakIsAlive(ctx *Context, regs *abi.Registers) {
	alive, err := ctx.Proc.Caps.WeakIsAlive(abi.Cid(regs.Arg(0)))
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if !alive {
		regs.SetRet(abi.InvlWeak)
		return
	}
	regs.SetRet(abi.Ok)
}

// --- processes (§4.F, §9) ---

func processNew(ctx *Context, regs *abi.Registers) {
	cid, _, err := ctx.Kernel.SpawnProcess(ctx.Proc.Caps, abi.CapFlags{Read: true, Write: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

// processExit ends the calling process: every thread goes to Dead and
// the kernel's strong self-reference is dropped (§4.F "process exit").
func processExit(ctx *Context, regs *abi.Registers) {
	ctx.Kernel.Processes.Exit(ctx.Proc.Cid)
	regs.SetRet(abi.Ok)
}

// processDestroy lets a holder of cap_write on another process's cid
// force its exit (§8 scenario 3).
func processDestroy(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	target, ok := obj.(*sched.Process)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	ctx.Kernel.Processes.Exit(target.Cid)
	regs.SetRet(abi.Ok)
}

// spawnerSpawn is the supplemented full spawn surface (SPEC_FULL): like
// process_new, but requires holding the Spawner capability (prod) rather
// than being callable unconditionally.
func spawnerSpawn(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermProd, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if _, ok := obj.(*kobject.Spawner); !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	cid, _, err := ctx.Kernel.SpawnProcess(ctx.Proc.Caps, abi.CapFlags{Read: true, Write: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

// --- threads (§4.F) ---

func lookupThread(ctx *Context, cid abi.Cid) (*sched.Thread, error) {
	obj, err := ctx.Proc.Caps.Lookup(cid, abi.PermWrite, false)
	if err != nil {
		return nil, err
	}
	th, ok := obj.(*sched.Thread)
	if !ok {
		return nil, abi.InvlId
	}
	return th, nil
}

func threadNew(ctx *Context, regs *abi.Registers) {
	priority := int32(regs.Arg(0))
	// Thread IDs only need to be unique within their own process, so the
	// caller-supplied sequence number in Arg(1) combined with the owning
	// process's cid is sufficient without a separate global counter.
	threadID := ctx.Proc.Cid<<32 | regs.Arg(1)
	th, err := ctx.Kernel.Scheduler.NewThread(ctx.Proc, threadID, priority, nil)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(th, nil), abi.CapFlags{Read: true, Write: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

// threadSuspend moves the target thread to Suspended. When the target is
// the calling thread itself, the syscall additionally blocks until the
// thread is resumed or timeout_nsec (Arg(1), 0 meaning indefinite)
// elapses, returning OkTimeout in the latter case (§4.F suspend_timeout;
// §8 scenario 4). Suspending another thread never blocks the caller.
func threadSuspend(ctx *Context, regs *abi.Registers) {
	th, err := lookupThread(ctx, abi.Cid(regs.Arg(0)))
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if err := th.Suspend(); err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if th != ctx.Thread {
		regs.SetRet(abi.Ok)
		return
	}
	timedOut, err := th.WaitSuspended(time.Duration(regs.Arg(1)) * time.Nanosecond)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if timedOut {
		regs.SetRet(abi.OkTimeout)
		return
	}
	regs.SetRet(abi.Ok)
}

func threadResume(ctx *Context, regs *abi.Registers) {
	th, err := lookupThread(ctx, abi.Cid(regs.Arg(0)))
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(toStatus(th.Resume()))
}

func threadYield(ctx *Context, regs *abi.Registers) {
	ctx.Thread.Yield()
	regs.SetRet(abi.Ok)
}

func threadSleep(ctx *Context, regs *abi.Registers) {
	ctx.Thread.Sleep(time.Duration(regs.Arg(0)) * time.Nanosecond)
	regs.SetRet(abi.OkTimeout)
}

func threadPrioritySet(ctx *Context, regs *abi.Registers) {
	th, err := lookupThread(ctx, abi.Cid(regs.Arg(0)))
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(toStatus(th.SetPriority(int32(regs.Arg(1)))))
}

func threadPriorityGet(ctx *Context, regs *abi.Registers) {
	th, err := lookupThread(ctx, abi.Cid(regs.Arg(0)))
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(abi.Ok, uint64(th.Priority()))
}

// --- memory / address space (§4.E) ---

func memoryNew(ctx *Context, regs *abi.Registers) {
	count := regs.Arg(0)
	allocObj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(1)), abi.PermProd, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	alloc, ok := allocObj.(*quota.Allocator)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	if err := alloc.AllocPages(count); err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	frames, err := ctx.Kernel.Pages.Alloc(0, count, 1)
	if err != nil {
		alloc.FreePages(count)
		regs.SetRet(toStatus(err))
		return
	}
	mem := vmm.NewMemory(frames, regs.Arg(1))
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(mem, func(kobject.Object) { vmm.UnmapObject(mem) }), abi.CapFlags{Read: true, Write: true, Prod: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

func memoryMap(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	vaddr := uintptr(regs.Arg(1))

	_, flags, err := abi.DecodeCid(cid)
	if err != nil {
		regs.SetRet(abi.InvlId)
		return
	}
	if flags.Weak {
		regs.SetRet(abi.InvlWeak)
		return
	}

	obj, err := ctx.Proc.Caps.Lookup(cid, abi.Perm(0), false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	mem, ok := obj.(*vmm.Memory)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}

	perm := vmm.PermFromCapFlags(flags)
	regs.SetRet(toStatus(ctx.Proc.Addr.Map(mem, vaddr, perm)))
}

func memoryUnmap(ctx *Context, regs *abi.Registers) {
	regs.SetRet(toStatus(ctx.Proc.Addr.Unmap(uintptr(regs.Arg(0)))))
}

// --- locks (§4.D leaf object) ---

func lockNew(ctx *Context, regs *abi.Registers) {
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(kobject.NewLock(), nil), abi.CapFlags{Read: true, Write: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

func lockWait(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	obj, err := ctx.Proc.Caps.Lookup(cid, abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	lock, ok := obj.(*kobject.Lock)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	ctx.Thread.BeginWait(uint64(cid))
	lock.Wait()
	ctx.Thread.EndWait()
	regs.SetRet(abi.Ok)
}

func lockUnlock(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	lock, ok := obj.(*kobject.Lock)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	lock.Unlock()
	regs.SetRet(abi.Ok)
}

// --- event pools (§4.G) ---

func eventPoolNew(ctx *Context, regs *abi.Registers) {
	capSlots := regs.Arg(0)
	pool := event.NewEventPool(nil, capSlots)
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(pool, nil), abi.CapFlags{Read: true, Write: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

func lookupPool(ctx *Context, cid abi.Cid, required abi.Perm) (*event.Pool, error) {
	obj, err := ctx.Proc.Caps.Lookup(cid, required, false)
	if err != nil {
		return nil, err
	}
	pool, ok := obj.(*event.Pool)
	if !ok {
		return nil, abi.InvlId
	}
	return pool, nil
}

func eventPoolData(ctx *Context, regs *abi.Registers) {
	pool, err := lookupPool(ctx, abi.Cid(regs.Arg(0)), abi.PermRead)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	start, count := pool.Data()
	regs.SetRet(abi.Ok, start, count)
}

func eventPoolConsume(ctx *Context, regs *abi.Registers) {
	pool, err := lookupPool(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	pool.Consume(regs.Arg(1))
	regs.SetRet(abi.Ok)
}

func eventPoolWait(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	pool, err := lookupPool(ctx, cid, abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	timeout := time.Duration(regs.Arg(2)) * time.Nanosecond
	ctx.Thread.BeginWait(uint64(cid))
	err = pool.Wait(regs.Arg(1), timeout)
	ctx.Thread.EndWait()
	regs.SetRet(toStatus(err))
}

func eventPoolConsumeWait(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	pool, err := lookupPool(ctx, cid, abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	timeout := time.Duration(regs.Arg(3)) * time.Nanosecond
	ctx.Thread.BeginWait(uint64(cid))
	err = pool.ConsumeWait(regs.Arg(1), timeout)
	ctx.Thread.EndWait()
	regs.SetRet(toStatus(err))
}

func eventPoolSend(ctx *Context, regs *abi.Registers) {
	pool, err := lookupPool(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	err = pool.Send(regs.Arg(1), regs.Arg(2), regs.Arg(3))
	regs.SetRet(toStatus(err))
}

func eventPoolSetBuffer(ctx *Context, regs *abi.Registers) {
	pool, err := lookupPool(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	memObj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(1)), abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	mem, ok := memObj.(*vmm.Memory)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	pool.SetBuffer(mem)
	regs.SetRet(abi.Ok)
}

// --- channels (§4.H) ---

func channelNew(ctx *Context, regs *abi.Registers) {
	msgSize := regs.Arg(0)
	maxCaps := regs.Arg(1)
	scResist := regs.Arg(2) != 0
	ch := channel.New(msgSize, maxCaps, scResist)
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(ch, func(kobject.Object) { ch.Destroy() }), abi.CapFlags{Read: true, Write: true, Prod: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

func lookupChannel(ctx *Context, cid abi.Cid, required abi.Perm) (*channel.Channel, error) {
	obj, err := ctx.Proc.Caps.Lookup(cid, required, false)
	if err != nil {
		return nil, err
	}
	ch, ok := obj.(*channel.Channel)
	if !ok {
		return nil, abi.InvlId
	}
	return ch, nil
}

// dataWords takes whichever trailing argument words the handler reserved
// for payload, per the package doc's note on register-carried messages.
func dataWords(regs *abi.Registers, from int) []uint64 {
	return append([]uint64{}, regs.Args[from:]...)
}

// optionalEventPool looks up the §4.H event_pool? argument reserved at
// slot when option bit HasEventPool is set, returning a nil pool (no
// error) when the caller didn't supply one.
func optionalEventPool(ctx *Context, regs *abi.Registers, slot int) (*event.Pool, error) {
	if !regs.Opts.HasEventPool() {
		return nil, nil
	}
	return lookupPool(ctx, abi.Cid(regs.Arg(slot)), abi.PermWrite)
}

func channelSend(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	ch, err := lookupChannel(ctx, cid, abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	pool, err := optionalEventPool(ctx, regs, 1)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	from := 1
	if regs.Opts.HasEventPool() {
		from = 2
	}
	// A supplied event_pool makes this call asynchronous: Channel.Send
	// returns immediately and posts the completion event itself, so the
	// calling thread never actually blocks and doesn't move through
	// Suspended.
	if pool == nil {
		ctx.Thread.BeginWait(uint64(cid))
	}
	err = ch.Send(ctx.Proc.Caps, dataWords(regs, from), nil, 0, false, pool, ctx.Proc.Done())
	if pool == nil {
		ctx.Thread.EndWait()
	}
	regs.SetRet(toStatus(err))
}

func channelRecv(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	ch, err := lookupChannel(ctx, cid, abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	pool, err := optionalEventPool(ctx, regs, 1)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	if pool == nil {
		ctx.Thread.BeginWait(uint64(cid))
	}
	msg, err := ch.Recv(ctx.Proc.Caps, pool, ctx.Proc.Done())
	if pool == nil {
		ctx.Thread.EndWait()
	}
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	var v0, v1 uint64
	if len(msg.Data) > 0 {
		v0 = msg.Data[0]
	}
	if len(msg.Data) > 1 {
		v1 = msg.Data[1]
	}
	regs.SetRet(abi.Ok, v0, v1, uint64(msg.Reply))
}

func channelNbSend(ctx *Context, regs *abi.Registers) {
	ch, err := lookupChannel(ctx, abi.Cid(regs.Arg(0)), abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(toStatus(ch.NbSend(ctx.Proc.Caps, dataWords(regs, 1), nil, 0, false)))
}

func channelNbRecv(ctx *Context, regs *abi.Registers) {
	ch, err := lookupChannel(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	msg, err := ch.NbRecv(ctx.Proc.Caps)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	var v0 uint64
	if len(msg.Data) > 0 {
		v0 = msg.Data[0]
	}
	regs.SetRet(abi.Ok, v0)
}

func channelCall(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	ch, err := lookupChannel(ctx, cid, abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	pool, err := optionalEventPool(ctx, regs, 1)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	from := 1
	if regs.Opts.HasEventPool() {
		from = 2
	}
	if pool == nil {
		ctx.Thread.BeginWait(uint64(cid))
	}
	msg, err := channel.Call(ch, ctx.Proc.Caps, ctx.Proc.Caps, dataWords(regs, from), nil, pool, ctx.Proc.Done())
	if pool == nil {
		ctx.Thread.EndWait()
	}
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	var v0 uint64
	if len(msg.Data) > 0 {
		v0 = msg.Data[0]
	}
	regs.SetRet(abi.Ok, v0)
}

// channelReplyRecv has no event_pool? argument (§4.H's operations list
// excludes it from reply_recv) and always blocks on the recv half.
func channelReplyRecv(ctx *Context, regs *abi.Registers) {
	replyCid := abi.Cid(regs.Arg(0))
	replyCh, err := lookupChannel(ctx, replyCid, abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	recvCid := abi.Cid(regs.Arg(1))
	recvCh, err := lookupChannel(ctx, recvCid, abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	ctx.Thread.BeginWait(uint64(recvCid))
	msg, err := channel.ReplyRecv(replyCh, recvCh, ctx.Proc.Caps, ctx.Proc.Caps, replyCid, dataWords(regs, 2), nil, ctx.Proc.Done())
	ctx.Thread.EndWait()
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	var v0 uint64
	if len(msg.Data) > 0 {
		v0 = msg.Data[0]
	}
	regs.SetRet(abi.Ok, v0)
}

// --- allocator (§4.B) ---

func lookupAllocator(ctx *Context, cid abi.Cid, required abi.Perm) (*quota.Allocator, error) {
	obj, err := ctx.Proc.Caps.Lookup(cid, required, false)
	if err != nil {
		return nil, err
	}
	alloc, ok := obj.(*quota.Allocator)
	if !ok {
		return nil, abi.InvlId
	}
	return alloc, nil
}

func allocatorAlloc(ctx *Context, regs *abi.Registers) {
	alloc, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(toStatus(alloc.AllocPages(regs.Arg(1))))
}

func allocatorFree(ctx *Context, regs *abi.Registers) {
	alloc, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	alloc.FreePages(regs.Arg(1))
	regs.SetRet(abi.Ok)
}

func allocatorPrealloc(ctx *Context, regs *abi.Registers) {
	alloc, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	truncate := regs.Arg(2) != 0
	regrow := regs.Arg(3) != 0
	regs.SetRet(toStatus(alloc.Prealloc(regs.Arg(1), truncate, regrow)))
}

func allocatorCapacity(ctx *Context, regs *abi.Registers) {
	alloc, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermRead)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	used, prealloc, free := alloc.Capacity()
	regs.SetRet(abi.Ok, used, prealloc, free)
}

func allocatorSetMaxPages(ctx *Context, regs *abi.Registers) {
	alloc, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	isDelta := regs.Arg(2) != 0
	regs.SetRet(toStatus(alloc.SetMaxPages(regs.Arg(1), isDelta)))
}

// --- root OOM (§6) ---

func rootOomListen(ctx *Context, regs *abi.Registers) {
	cid := abi.Cid(regs.Arg(0))
	obj, err := ctx.Proc.Caps.Lookup(cid, abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	root, ok := obj.(*kobject.RootOom)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	ctx.Thread.BeginWait(uint64(cid))
	table := root.Listen()
	ctx.Thread.EndWait()
	regs.SetRet(abi.Ok, uint64(len(table)))
}

// rootOomComplete is the supplemented completion call (SPEC_FULL): it
// appends the (sector-or-id, physical address, size) record given in
// Arg(1..3) to the OomTable. It does not mark or remove any existing entry.
func rootOomComplete(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	table, ok := obj.(*kernel.OomTable)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	table.Append(kernel.OomEntry{SectorOrID: regs.Arg(1), PhysAddr: regs.Arg(2), SizePages: regs.Arg(3)})
	regs.SetRet(abi.Ok)
}

// --- keys (SPEC_FULL supplement) ---

func keyNew(ctx *Context, regs *abi.Registers) {
	if _, err := lookupAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermProd); err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	var seed [32]byte
	key := kobject.NewRootKey(seed)
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(key, nil), abi.CapFlags{Read: true, Prod: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

func keyDerive(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermProd, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	key, ok := obj.(*kobject.Key)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	domain := dataWords(regs, 1)
	domainBytes := make([]byte, len(domain)*8)
	for i, w := range domain {
		for b := 0; b < 8; b++ {
			domainBytes[i*8+b] = byte(w >> (8 * b))
		}
	}
	derived := key.Derive(domainBytes)
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(derived, nil), abi.CapFlags{Read: true, Prod: true})
	regs.SetRet(toStatus(err), uint64(cid))
}

// --- range allocators (SPEC_FULL supplement) ---

func lookupRangeAllocator(ctx *Context, cid abi.Cid, required abi.Perm) (*kobject.RangeAllocator, error) {
	obj, err := ctx.Proc.Caps.Lookup(cid, required, false)
	if err != nil {
		return nil, err
	}
	r, ok := obj.(*kobject.RangeAllocator)
	if !ok {
		return nil, abi.InvlId
	}
	return r, nil
}

func mmioAllocRange(ctx *Context, regs *abi.Registers) { rangeAlloc(ctx, regs) }
func mmioFreeRange(ctx *Context, regs *abi.Registers)  { rangeFree(ctx, regs) }
func intFreeRange(ctx *Context, regs *abi.Registers)   { rangeFree(ctx, regs) }
func portAllocRange(ctx *Context, regs *abi.Registers) { rangeAlloc(ctx, regs) }
func portFreeRange(ctx *Context, regs *abi.Registers)  { rangeFree(ctx, regs) }

// intAllocRange additionally mints an Interrupt capability for the base
// vector of the reserved range (§2 data flow: the interrupt allocator is
// the only thing that can produce a real Interrupt object, unlike
// mmio/port ranges which stay bare numeric reservations).
func intAllocRange(ctx *Context, regs *abi.Registers) {
	r, err := lookupRangeAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	base, length := regs.Arg(1), regs.Arg(2)
	if err := r.AllocRange(base, length); err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	interrupt := kobject.NewInterrupt(uint32(base))
	cid, err := ctx.Proc.Caps.InsertStrong(kobject.NewStrong(interrupt, nil), abi.CapFlags{Read: true, Write: true, Prod: true})
	if err != nil {
		r.FreeRange(base, length)
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(abi.Ok, uint64(cid))
}

// interruptBind is the supplemented binding surface (SPEC_FULL): it
// registers an event pool as the persistent broadcast listener for an
// Interrupt's arrivals (§2 data flow).
func interruptBind(ctx *Context, regs *abi.Registers) {
	obj, err := ctx.Proc.Caps.Lookup(abi.Cid(regs.Arg(0)), abi.PermWrite, false)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	interrupt, ok := obj.(*kobject.Interrupt)
	if !ok {
		regs.SetRet(abi.InvlId)
		return
	}
	pool, err := lookupPool(ctx, abi.Cid(regs.Arg(1)), abi.PermWrite)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	interrupt.Bind(pool)
	regs.SetRet(abi.Ok)
}

func rangeAlloc(ctx *Context, regs *abi.Registers) {
	r, err := lookupRangeAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	regs.SetRet(toStatus(r.AllocRange(regs.Arg(1), regs.Arg(2))))
}

func rangeFree(ctx *Context, regs *abi.Registers) {
	r, err := lookupRangeAllocator(ctx, abi.Cid(regs.Arg(0)), abi.PermProd)
	if err != nil {
		regs.SetRet(toStatus(err))
		return
	}
	r.FreeRange(regs.Arg(1), regs.Arg(2))
	regs.SetRet(abi.Ok)
}
