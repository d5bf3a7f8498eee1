package abi

// ObjType is the closed tagged-union discriminator carried in bits 5-8 of
// every cid (§3) and in each kernel object's own type tag (§4.D). The set
// is closed and fixed: dynamic dispatch over kernel objects uses this tag
// to select behavior, never open interface-based polymorphism, because
// every cid must be able to assert the type it names without touching the
// object itself.
type ObjType uint8

const (
	ObjNull ObjType = iota
	ObjProcess
	ObjThread
	ObjMemory
	ObjLock
	ObjEventPool
	ObjChannel
	ObjRecvPool
	ObjKey
	ObjInterrupt
	ObjPort
	ObjSpawner
	ObjAllocator
	ObjRootOom
	ObjMmioAllocator
	ObjIntAllocator
	ObjPortAllocator

	objTypeCount
)

var objTypeNames = [...]string{
	ObjNull:          "Null",
	ObjProcess:       "Process",
	ObjThread:        "Thread",
	ObjMemory:        "Memory",
	ObjLock:          "Lock",
	ObjEventPool:     "EventPool",
	ObjChannel:       "Channel",
	ObjRecvPool:      "RecvPool",
	ObjKey:           "Key",
	ObjInterrupt:     "Interrupt",
	ObjPort:          "Port",
	ObjSpawner:       "Spawner",
	ObjAllocator:     "Allocator",
	ObjRootOom:       "RootOom",
	ObjMmioAllocator: "MmioAllocator",
	ObjIntAllocator:  "IntAllocator",
	ObjPortAllocator: "PortAllocator",
}

func (t ObjType) String() string {
	if t >= objTypeCount {
		return "UnknownObjType"
	}
	return objTypeNames[t]
}

// Valid reports whether t is one of the closed union's members.
func (t ObjType) Valid() bool {
	return t < objTypeCount
}
