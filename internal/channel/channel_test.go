package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/kobject"
)

func TestSendRecvRoundTrip(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	dst := capspace.New()

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(src, []uint64{1, 2, 3}, nil, 0, false, nil, nil) }()

	msg, err := ch.Recv(dst, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2, 3}, msg.Data)
	require.NoError(t, <-errCh)
}

func TestSendClampsToMsgSize(t *testing.T) {
	ch := New(2, 4, false)
	src := capspace.New()
	dst := capspace.New()

	go func() { _ = ch.Send(src, []uint64{1, 2, 3, 4}, nil, 0, false, nil, nil) }()
	msg, err := ch.Recv(dst, nil, nil)
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, msg.Data)
}

func TestNbSendWithoutReceiverReturnsUnreach(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	err := ch.NbSend(src, []uint64{1}, nil, 0, false)
	require.ErrorIs(t, err, abi.OkUnreach)
}

func TestNbSendScResistReturnsObscured(t *testing.T) {
	ch := New(8, 4, true)
	src := capspace.New()
	err := ch.NbSend(src, []uint64{1}, nil, 0, false)
	require.ErrorIs(t, err, abi.Obscured)
}

func TestDestroyUnblocksSender(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(src, []uint64{1}, nil, 0, false, nil, nil) }()

	time.Sleep(10 * time.Millisecond)
	ch.Destroy()

	require.ErrorIs(t, <-errCh, ErrDestroyed)
}

func TestCapabilityTransferClonesIntoReceiverSpace(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	dst := capspace.New()

	lock := kobject.NewLock()
	strong := kobject.NewStrong(lock, nil)
	srcCid, err := src.InsertStrong(strong, abi.CapFlags{Read: true, Write: true, Prod: true, Upgrade: true})
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(src, nil, []abi.Cid{srcCid}, 0, false, nil, nil) }()

	msg, err := ch.Recv(dst, nil, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Len(t, msg.Caps, 1)

	obj, err := dst.Lookup(msg.Caps[0], abi.PermRead, false)
	require.NoError(t, err)
	require.Equal(t, lock, obj)
}

func TestUnresolvableCapabilityIsSkippedNotFatal(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	dst := capspace.New()

	bogus := abi.Cid(0xdeadbeef)
	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(src, []uint64{42}, []abi.Cid{bogus}, 0, false, nil, nil) }()

	msg, err := ch.Recv(dst, nil, nil)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Empty(t, msg.Caps)
	require.Equal(t, []uint64{42}, msg.Data)
}

func TestSendWithCompletionPoolPostsAsyncStatus(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	dst := capspace.New()
	pool := event.NewRecvPool(nil, 4)

	err := ch.Send(src, []uint64{7}, nil, 0, false, pool, nil)
	require.NoError(t, err, "async send returns immediately")

	msg, recvErr := ch.Recv(dst, nil, nil)
	require.NoError(t, recvErr)
	require.Equal(t, []uint64{7}, msg.Data)

	require.NoError(t, pool.Wait(1, time.Second))
	_, count := pool.Data()
	require.EqualValues(t, 1, count)
}

func TestRecvWithCompletionPoolPostsAsyncStatus(t *testing.T) {
	ch := New(8, 4, false)
	src := capspace.New()
	dst := capspace.New()
	pool := event.NewRecvPool(nil, 4)

	_, err := ch.Recv(dst, pool, nil)
	require.NoError(t, err, "async recv returns immediately")

	errCh := make(chan error, 1)
	go func() { errCh <- ch.Send(src, []uint64{9, 10}, nil, 0, false, nil, nil) }()
	require.NoError(t, <-errCh)

	require.NoError(t, pool.Wait(1, time.Second))
	_, count := pool.Data()
	require.EqualValues(t, 1, count)
}
