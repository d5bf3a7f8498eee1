package quota

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	notified   []uint64
	shortfalls []uint64
}

func (f *fakeSink) NotifyOOM(cid uint64, shortfallPages uint64) error {
	f.notified = append(f.notified, cid)
	f.shortfalls = append(f.shortfalls, shortfallPages)
	return nil
}

func TestAllocWithinCap(t *testing.T) {
	a := New(1, 100)
	require.NoError(t, a.AllocPages(50))
	used, _, free := a.Capacity()
	require.EqualValues(t, 50, used)
	require.EqualValues(t, 50, free)
}

func TestAllocEscalatesToParent(t *testing.T) {
	root := New(1, 1024)
	child := root.NewChild(2, 64)

	require.NoError(t, child.AllocPages(64))

	err := child.AllocPages(1)
	require.NoError(t, err, "child should escalate its shortfall to root")

	rootUsed, _, _ := root.Capacity()
	require.EqualValues(t, 1, rootUsed, "only the 1-page shortfall is charged to root")
}

func TestOOMEscalationScenario(t *testing.T) {
	// End-to-end scenario 2 (§8): root max=1024, child max=64. Consume
	// 64 on child, then request 1 more -> OOM on child's bound sink.
	root := New(1, 1024)
	child := root.NewChild(2, 64)
	sink := &fakeSink{}
	child.BindOOMSink(sink)

	require.NoError(t, child.AllocPages(64))

	// Child's own cap is exhausted, but root has plenty of quota, so the
	// request should succeed via escalation rather than OOM.
	require.NoError(t, child.AllocPages(1))
	require.Empty(t, sink.notified)

	// Drain the root, then the next request truly has nowhere to go.
	root.maxPages.Store(root.used.Load())
	err := child.AllocPages(1)
	require.ErrorIs(t, err, ErrOutOfMem)
}

func TestRootOOMNotifiesBoundSinkWithShortfall(t *testing.T) {
	root := New(1, 16)
	sink := &fakeSink{}
	root.BindOOMSink(sink)

	require.NoError(t, root.AllocPages(16))

	err := root.AllocPages(5)
	require.ErrorIs(t, err, ErrOutOfMem)
	require.Equal(t, []uint64{1}, sink.notified)
	require.Equal(t, []uint64{5}, sink.shortfalls)
}

func TestSetMaxPagesRejectsBelowUsed(t *testing.T) {
	a := New(1, 100)
	require.NoError(t, a.AllocPages(50))
	err := a.SetMaxPages(10, false)
	require.ErrorIs(t, err, ErrInvalidArgs)
}

func TestDestroyReparentsUsage(t *testing.T) {
	root := New(1, 1024)
	child := root.NewChild(2, 64)
	require.NoError(t, child.AllocPages(64))

	child.Destroy()

	used, _, _ := root.Capacity()
	require.EqualValues(t, 64, used)
}

func TestInvariantUsedPlusPreallocNeverExceedsMax(t *testing.T) {
	a := New(1, 10)
	require.NoError(t, a.Prealloc(4, false, false))
	require.NoError(t, a.AllocPages(6))
	used, prealloc, _ := a.Capacity()
	require.LessOrEqual(t, used+prealloc, uint64(10))
}
