package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Athryx/aurora-os/internal/page"
)

func newMem(count uint64) *Memory {
	return NewMemory(page.PhysRange{Start: 0, Count: count}, 1)
}

func TestMapUnmapRoundTrip(t *testing.T) {
	as := New()
	mem := newMem(4)

	err := as.Map(mem, 0x1000, MapPerm{Read: true, Write: true})
	require.NoError(t, err)
	require.True(t, mem.IsMapped())

	require.NoError(t, as.Unmap(0x1000))
	require.False(t, mem.IsMapped())
}

func TestMapRejectsMisaligned(t *testing.T) {
	as := New()
	mem := newMem(1)
	err := as.Map(mem, 0x1001, MapPerm{Read: true})
	require.ErrorIs(t, err, ErrMisaligned)
}

func TestMapRejectsNonCanonical(t *testing.T) {
	as := New()
	mem := newMem(1)
	err := as.Map(mem, uintptr(1)<<60, MapPerm{Read: true})
	require.ErrorIs(t, err, ErrNonCanonical)
}

func TestMapRejectsOverlap(t *testing.T) {
	as := New()
	mem1 := newMem(4)
	mem2 := newMem(4)

	require.NoError(t, as.Map(mem1, 0x1000, MapPerm{Read: true}))
	err := as.Map(mem2, 0x2000, MapPerm{Read: true})
	require.ErrorIs(t, err, ErrOverlap, "mem2's range [0x2000,0x6000) overlaps mem1's [0x1000,0x5000)")
}

func TestMapRejectsAlreadyMappedObject(t *testing.T) {
	as1 := New()
	as2 := New()
	mem := newMem(1)

	require.NoError(t, as1.Map(mem, 0x1000, MapPerm{Read: true}))
	err := as2.Map(mem, 0x1000, MapPerm{Read: true})
	require.ErrorIs(t, err, ErrAlreadyMapped)
}

func TestUnmapObjectClearsLiveMapping(t *testing.T) {
	as := New()
	mem := newMem(1)
	require.NoError(t, as.Map(mem, 0x1000, MapPerm{Read: true}))

	UnmapObject(mem)
	require.False(t, mem.IsMapped())
	require.ErrorIs(t, as.Unmap(0x1000), ErrNotMapped)
}

func TestUnmapUnknownAddress(t *testing.T) {
	as := New()
	err := as.Unmap(0x9000)
	require.ErrorIs(t, err, ErrNotMapped)
}
