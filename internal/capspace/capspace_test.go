package capspace

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/kobject"
)

func TestInsertLookupRoundTrip(t *testing.T) {
	s := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)

	cid, err := s.InsertStrong(strong, abi.CapFlags{Read: true, Write: true})
	require.NoError(t, err)

	obj, err := s.Lookup(cid, abi.PermRead, false)
	require.NoError(t, err)
	require.Equal(t, lock, obj)
}

func TestLookupMissingPermission(t *testing.T) {
	s := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	cid, err := s.InsertStrong(strong, abi.CapFlags{Read: true})
	require.NoError(t, err)

	_, err = s.Lookup(cid, abi.PermWrite, false)
	require.ErrorIs(t, err, abi.InvlPerm)
}

func TestLookupRejectsMismatchedCid(t *testing.T) {
	s := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	cid, err := s.InsertStrong(strong, abi.CapFlags{Read: true})
	require.NoError(t, err)

	tampered := cid ^ 0x4 // flip a flag bit without touching the table

	_, err = s.Lookup(tampered, abi.PermRead, false)
	require.ErrorIs(t, err, abi.InvlId)
}

func TestCloneMasksPermissions(t *testing.T) {
	src := New()
	dst := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	srcCid, err := src.InsertStrong(strong, abi.CapFlags{Read: true, Write: true})
	require.NoError(t, err)

	dstCid, err := src.Clone(srcCid, dst, abi.CapFlags{Read: true, Prod: true})
	require.NoError(t, err)

	_, err = dst.Lookup(dstCid, abi.PermRead, false)
	require.NoError(t, err)
	_, err = dst.Lookup(dstCid, abi.PermWrite, false)
	require.ErrorIs(t, err, abi.InvlPerm, "clone must not grant perms the source lacked in the request")
	_, err = dst.Lookup(dstCid, abi.PermProd, false)
	require.ErrorIs(t, err, abi.InvlPerm, "clone must not grant perms absent from the source")
}

func TestCloneThenDestroyLeavesSourceUnchanged(t *testing.T) {
	// Law (§8): cap_clone followed by cap_destroy of the clone leaves the
	// source and its object unchanged.
	src := New()
	dst := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	srcCid, err := src.InsertStrong(strong, abi.CapFlags{Read: true, Write: true})
	require.NoError(t, err)

	dstCid, err := src.Clone(srcCid, dst, abi.CapFlags{Read: true, Write: true})
	require.NoError(t, err)
	require.NoError(t, dst.Destroy(dstCid))

	obj, err := src.Lookup(srcCid, abi.PermRead, false)
	require.NoError(t, err)
	require.Equal(t, lock, obj)
}

func TestDestroyLastStrongTearsDownObject(t *testing.T) {
	s := New()
	lock := kobject.NewLock()
	destroyed := false
	strong := kobject.NewStrong(lock, func(kobject.Object) { destroyed = true })
	cid, err := s.InsertStrong(strong, abi.CapFlags{Read: true})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(cid))
	require.True(t, destroyed)
}

func TestWeakUpgradeRequiresUpgradePerm(t *testing.T) {
	s := New()
	dst := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	weak := strong.Downgrade()
	cid, err := s.InsertWeak(weak, abi.CapFlags{Read: true})
	require.NoError(t, err)

	_, err = s.Clone(cid, dst, abi.CapFlags{Read: true})
	require.ErrorIs(t, err, abi.InvlPerm, "weak->strong promotion without Upgrade must fail")
}

func TestWeakDanglingAfterLastStrongDropped(t *testing.T) {
	// End-to-end scenario 5 (§8).
	s := New()
	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	weak := strong.Downgrade()

	strongCid, err := s.InsertStrong(strong, abi.CapFlags{Read: true})
	require.NoError(t, err)
	weakCid, err := s.InsertWeak(weak, abi.CapFlags{Read: true})
	require.NoError(t, err)

	require.NoError(t, s.Destroy(strongCid))

	alive, err := s.WeakIsAlive(weakCid)
	require.NoError(t, err)
	require.False(t, alive)

	_, err = s.Lookup(weakCid, abi.PermRead, false)
	require.ErrorIs(t, err, abi.InvlWeak)

	// with weak_auto_destroy set, the subsequent lookup also removes it
	_, err = s.Lookup(weakCid, abi.PermRead, true)
	require.ErrorIs(t, err, abi.InvlWeak)
	_, err = s.Lookup(weakCid, abi.PermRead, false)
	require.ErrorIs(t, err, abi.InvlId, "entry should have been removed by weak_auto_destroy")
}
