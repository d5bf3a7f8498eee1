package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllPersistentListeners(t *testing.T) {
	s := NewSource()
	a := make(chan Data, 1)
	b := make(chan Data, 1)
	s.RegisterBroadcastThread(a, Persistent)
	s.RegisterBroadcastThread(b, Persistent)

	require.NoError(t, s.Fire(Data{1, 2, 3}, false))

	require.Equal(t, Data{1, 2, 3}, <-a)
	require.Equal(t, Data{1, 2, 3}, <-b)
}

func TestOneShotListenerRemovedAfterDelivery(t *testing.T) {
	s := NewSource()
	a := make(chan Data, 1)
	s.RegisterBroadcastThread(a, OneShot)

	require.NoError(t, s.Fire(Data{1, 0, 0}, false))
	<-a

	require.NoError(t, s.Fire(Data{2, 0, 0}, true)) // no listeners left, kept in fallback
	fb := s.DrainFallback()
	require.Equal(t, []Data{{2, 0, 0}}, fb)
}

func TestQueueDeliversToHeadOnly(t *testing.T) {
	s := NewSource()
	a := make(chan Data, 1)
	b := make(chan Data, 1)
	s.RegisterQueueThread(a, OneShot)
	s.RegisterQueueThread(b, OneShot)

	require.NoError(t, s.Fire(Data{7, 0, 0}, false))
	require.Equal(t, Data{7, 0, 0}, <-a)

	select {
	case <-b:
		t.Fatal("queue mode must not deliver to the second listener")
	default:
	}
}

func TestPoolSendConsumeWait(t *testing.T) {
	p := NewEventPool(nil, 4)

	require.NoError(t, p.Send(1, 2, 3))
	_, count := p.Data()
	require.Equal(t, uint64(1), count)

	p.Consume(1)
	_, count = p.Data()
	require.Equal(t, uint64(0), count)
}

func TestPoolSendFullReturnsOutOfMem(t *testing.T) {
	p := NewEventPool(nil, 1)
	require.NoError(t, p.Send(1, 1, 1))
	require.ErrorIs(t, p.Send(2, 2, 2), ErrOutOfMem)
}

func TestPoolWaitTimesOut(t *testing.T) {
	p := NewEventPool(nil, 4)
	err := p.Wait(1, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPoolWaitUnblocksOnSend(t *testing.T) {
	p := NewEventPool(nil, 4)
	done := make(chan error, 1)
	go func() { done <- p.Wait(1, time.Second) }()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, p.Send(9, 9, 9))

	require.NoError(t, <-done)
}

func TestSetBufferResetsState(t *testing.T) {
	p := NewEventPool(nil, 4)
	require.NoError(t, p.Send(1, 1, 1))
	p.SetBuffer(nil)
	_, count := p.Data()
	require.Equal(t, uint64(0), count)
}
