package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThreadRunsToCompletion(t *testing.T) {
	s := New(2)
	proc := NewProcess(1)

	var wg sync.WaitGroup
	wg.Add(1)
	ran := false

	_, err := s.NewThread(proc, 1, 10, func(th *Thread) {
		ran = true
		wg.Done()
	})
	require.NoError(t, err)

	wg.Wait()
	require.True(t, ran)
}

func TestSuspendResume(t *testing.T) {
	s := New(1)
	proc := NewProcess(1)

	th, err := s.NewThread(proc, 1, 10, nil)
	require.NoError(t, err)

	require.NoError(t, th.Suspend())
	require.Equal(t, Suspended, th.State())

	require.NoError(t, th.Resume())
	require.Eventually(t, func() bool {
		return th.State() != Suspended
	}, time.Second, time.Millisecond)
}

func TestResumeRejectsNonSuspended(t *testing.T) {
	s := New(1)
	proc := NewProcess(1)
	th, err := s.NewThread(proc, 1, 10, nil)
	require.NoError(t, err)

	err = th.Resume()
	require.ErrorIs(t, err, ErrNotSuspended)
}

func TestProcessExitKillsAllThreads(t *testing.T) {
	s := New(2)
	proc := NewProcess(1)

	var started sync.WaitGroup
	started.Add(2)
	block := make(chan struct{})

	threads := make([]*Thread, 0, 2)
	for i := uint64(1); i <= 2; i++ {
		th, err := s.NewThread(proc, i, 10, func(th *Thread) {
			started.Done()
			<-block
		})
		require.NoError(t, err)
		threads = append(threads, th)
	}

	started.Wait()
	proc.Exit()
	close(block)

	require.False(t, proc.Alive())
	for _, th := range threads {
		require.Equal(t, Dead, th.State())
	}
}

func TestSetPriorityRejectsOutOfRange(t *testing.T) {
	s := New(1)
	proc := NewProcess(1)
	th, err := s.NewThread(proc, 1, 10, nil)
	require.NoError(t, err)

	require.ErrorIs(t, th.SetPriority(MaxPriority+1), ErrInvalidPriority)
	require.ErrorIs(t, th.SetPriority(-1), ErrInvalidPriority)
}

func TestNewThreadRejectsBadPriority(t *testing.T) {
	s := New(1)
	proc := NewProcess(1)
	_, err := s.NewThread(proc, 1, MaxPriority+5, nil)
	require.ErrorIs(t, err, ErrInvalidPriority)
}
