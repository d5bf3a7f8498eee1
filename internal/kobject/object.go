// Package kobject defines Aurora's closed kernel-object tagged union
// (component D) and the strong/weak reference machinery every object's
// lifetime is built on (§3, §9 "dynamic dispatch over kernel objects").
// Concrete objects with a natural home elsewhere (Process in
// internal/sched, Memory in internal/vmm, Channel in internal/channel,
// EventPool/RecvPool in internal/event, Allocator in internal/quota) are
// defined in those packages and implement Object here; the handful of
// objects with no better home (Lock, Key, Interrupt, Port, Spawner,
// RootOom, and the three MMIO/interrupt/port range allocators) are
// defined directly in this package.
package kobject

import "github.com/Athryx/aurora-os/internal/abi"

// Object is implemented by every kernel-object type. The type tag is
// always known statically from the implementing type, never discovered
// by open interface probing — Kind exists so capspace and the syscall
// dispatcher can check a looked-up object's real type against the type
// tag encoded in the cid that named it (§3's "rejects any cid whose
// encoded type tag disagrees with its object's actual type").
type Object interface {
	Kind() abi.ObjType
}
