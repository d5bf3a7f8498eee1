package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFreeSingleFrame(t *testing.T) {
	a := New(16, 2)

	r, err := a.Alloc(0, 1, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, r.Count)

	a.Free(0, r)

	r2, err := a.Alloc(0, 1, 1)
	require.NoError(t, err)
	require.Equal(t, r.Start, r2.Start, "freed frame should be reusable")
}

func TestAllocExhaustion(t *testing.T) {
	a := New(4, 1)

	for i := 0; i < 4; i++ {
		_, err := a.Alloc(0, 1, 1)
		require.NoError(t, err)
	}

	_, err := a.Alloc(0, 1, 1)
	require.ErrorIs(t, err, ErrOutOfMem)
}

func TestAllocContiguousAligned(t *testing.T) {
	a := New(64, 1)

	r, err := a.Alloc(0, 4, 4)
	require.NoError(t, err)
	require.EqualValues(t, 0, r.Start%4, "start must be aligned")
	require.EqualValues(t, 4, r.Count)
}

func TestConcurrentAllocDoesNotDoubleIssue(t *testing.T) {
	const frames = 1000
	a := New(frames, 4)

	seen := make(chan Frame, frames)
	done := make(chan struct{})
	for cpu := 0; cpu < 4; cpu++ {
		go func(cpu int) {
			defer func() { done <- struct{}{} }()
			for {
				r, err := a.Alloc(cpu, 1, 1)
				if err != nil {
					return
				}
				seen <- r.Start
			}
		}(cpu)
	}
	for i := 0; i < 4; i++ {
		<-done
	}
	close(seen)

	unique := make(map[Frame]bool)
	for f := range seen {
		require.False(t, unique[f], "frame %d issued twice", f)
		unique[f] = true
	}
	require.Len(t, unique, frames)
}
