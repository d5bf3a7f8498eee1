// Package channel implements Aurora's channel subsystem (component H):
// synchronous rendezvous message passing with capability transfer,
// blocking and non-blocking variants, and the call/reply_recv composite
// operations (§4.H).
package channel

import (
	"errors"
	"sync"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/capspace"
	"github.com/Athryx/aurora-os/internal/event"
	"github.com/Athryx/aurora-os/internal/klog"
	"github.com/Athryx/aurora-os/internal/kobject"
)

var log = klog.For("channel")

// ErrDestroyed is returned to every blocked sender/receiver when the
// channel object itself is destroyed (§4.H survivorship rule).
var ErrDestroyed = errors.New("channel: destroyed while blocked")

// ErrCanceled is returned to a single blocked call when its own calling
// process exits while the channel object itself survives for other
// holders (§8 scenario 3): unlike ErrDestroyed this aborts only that one
// call, not every party blocked on the channel.
var ErrCanceled = errors.New("channel: calling process exited while blocked")

// Message is one transfer's payload, already resolved into the
// receiver's own cid table (§4.H message layout).
type Message struct {
	Data     []uint64
	Caps     []abi.Cid
	Reply    abi.Cid
	HasReply bool
}

// outgoing is what a sender hands to whichever receiver claims the
// rendezvous.
type outgoing struct {
	data     []uint64
	capCids  []abi.Cid
	srcSpace *capspace.Space
	reply    abi.Cid
	hasReply bool
	done     chan error
}

// Channel is a synchronous, unbuffered message-passing endpoint (§3,
// §4.H). It implements kobject.Object.
type Channel struct {
	MsgSize uint64 // max data words per message
	MaxCaps uint64 // max capabilities per message
	ScResist bool  // non-blocking ops return Obscured instead of OkUnreach

	mu        sync.Mutex
	destroyed bool
	closeCh   chan struct{}
	rendez    chan outgoing
}

// New creates a channel with the given per-message limits.
func New(msgSize, maxCaps uint64, scResist bool) *Channel {
	return &Channel{
		MsgSize:  msgSize,
		MaxCaps:  maxCaps,
		ScResist: scResist,
		closeCh:  make(chan struct{}),
		rendez:   make(chan outgoing),
	}
}

func (*Channel) Kind() abi.ObjType { return abi.ObjChannel }

// Destroy wakes every blocked sender/receiver with ErrDestroyed (§4.H
// survivorship: a blocked party is unblocked early only by channel
// destruction, never by the message-buffer cid being destroyed).
func (c *Channel) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()
	close(c.closeCh)
}

func (c *Channel) clamp(data []uint64, capCids []abi.Cid) ([]uint64, []abi.Cid) {
	if uint64(len(data)) > c.MsgSize {
		data = data[:c.MsgSize]
	}
	if uint64(len(capCids)) > c.MaxCaps {
		capCids = capCids[:c.MaxCaps]
	}
	return data, capCids
}

// completionStatus maps an internal error to the status word posted in a
// completion event (§4.H async event_pool? argument); it mirrors, at
// reduced fidelity, the translation internal/syscall's toStatus performs
// at the user boundary, since this package cannot import internal/syscall
// without a cycle.
func completionStatus(err error) abi.Status {
	if err == nil {
		return abi.Ok
	}
	var s abi.Status
	if errors.As(err, &s) {
		return s
	}
	if errors.Is(err, ErrDestroyed) || errors.Is(err, ErrCanceled) {
		return abi.Interrupted
	}
	return abi.Unknown
}

// Send blocks until a receiver claims the message, the channel is
// destroyed, or cancel fires (§4.H send; caller has already checked prod
// on channel and read on buf; cancel is the calling process's Done(),
// §8 scenario 3). If completion is non-nil, send runs asynchronously: Send
// returns immediately (nil error, meaning "async dispatch accepted") and
// posts a completion event carrying the eventual status once a receiver
// claims the message, the channel is destroyed, or cancel fires.
func (c *Channel) Send(src *capspace.Space, data []uint64, capCids []abi.Cid, reply abi.Cid, hasReply bool, completion *event.Pool, cancel <-chan struct{}) error {
	data, capCids = c.clamp(data, capCids)
	msg := outgoing{data: data, capCids: capCids, srcSpace: src, reply: reply, hasReply: hasReply, done: make(chan error, 1)}

	if completion != nil {
		go func() {
			var err error
			select {
			case c.rendez <- msg:
				err = <-msg.done
			case <-c.closeCh:
				err = ErrDestroyed
			case <-cancel:
				err = ErrCanceled
			}
			if sendErr := completion.Send(uint64(completionStatus(err)), 0, 0); sendErr != nil {
				log.WithError(sendErr).Warn("dropped channel send completion event: pool full")
			}
		}()
		return nil
	}

	select {
	case c.rendez <- msg:
		return <-msg.done
	case <-c.closeCh:
		return ErrDestroyed
	case <-cancel:
		return ErrCanceled
	}
}

// NbSend is the non-blocking variant: abi.OkUnreach if no receiver is
// waiting (abi.Obscured if ScResist, §4.H).
func (c *Channel) NbSend(src *capspace.Space, data []uint64, capCids []abi.Cid, reply abi.Cid, hasReply bool) error {
	data, capCids = c.clamp(data, capCids)
	msg := outgoing{data: data, capCids: capCids, srcSpace: src, reply: reply, hasReply: hasReply, done: make(chan error, 1)}

	select {
	case c.rendez <- msg:
		return <-msg.done
	case <-c.closeCh:
		return ErrDestroyed
	default:
		if c.ScResist {
			return abi.Obscured
		}
		return abi.OkUnreach
	}
}

// Recv blocks for a sender, transfers capabilities into dst with no more
// than their source privileges, and returns the resolved Message (§4.H
// recv; caller has already checked write on channel and buf; cancel is the
// calling process's Done(), §8 scenario 3). If completion is non-nil, recv
// runs asynchronously: Recv returns immediately (a zero Message, nil error
// meaning "async dispatch accepted") and posts a completion event
// carrying the status and the first two data words once a sender is
// matched, the channel is destroyed, or cancel fires.
func (c *Channel) Recv(dst *capspace.Space, completion *event.Pool, cancel <-chan struct{}) (Message, error) {
	if completion != nil {
		go func() {
			var (
				msg Message
				err error
			)
			select {
			case m := <-c.rendez:
				msg, err = c.deliver(m, dst)
			case <-c.closeCh:
				err = ErrDestroyed
			case <-cancel:
				err = ErrCanceled
			}
			var v0, v1 uint64
			if len(msg.Data) > 0 {
				v0 = msg.Data[0]
			}
			if len(msg.Data) > 1 {
				v1 = msg.Data[1]
			}
			if sendErr := completion.Send(uint64(completionStatus(err)), v0, v1); sendErr != nil {
				log.WithError(sendErr).Warn("dropped channel recv completion event: pool full")
			}
		}()
		return Message{}, nil
	}

	select {
	case msg := <-c.rendez:
		return c.deliver(msg, dst)
	case <-c.closeCh:
		return Message{}, ErrDestroyed
	case <-cancel:
		return Message{}, ErrCanceled
	}
}

// NbRecv is the non-blocking variant.
func (c *Channel) NbRecv(dst *capspace.Space) (Message, error) {
	select {
	case msg := <-c.rendez:
		return c.deliver(msg, dst)
	case <-c.closeCh:
		return Message{}, ErrDestroyed
	default:
		if c.ScResist {
			return Message{}, abi.Obscured
		}
		return Message{}, abi.OkUnreach
	}
}

func (c *Channel) deliver(msg outgoing, dst *capspace.Space) (Message, error) {
	clonedCaps := make([]abi.Cid, 0, len(msg.capCids))
	for _, cid := range msg.capCids {
		// §4.H: each transferred cap is cloned with the same-or-lesser
		// privileges it already carries; an absent source cid just
		// shrinks cap_count rather than failing the whole transfer.
		newCid, err := msg.srcSpace.Clone(cid, dst, abi.CapFlags{Read: true, Prod: true, Write: true, Upgrade: true})
		if err != nil {
			log.WithError(err).Debug("dropped unresolvable capability during channel transfer")
			continue
		}
		clonedCaps = append(clonedCaps, newCid)
	}

	// The reply cid names a slot in the sender's own capability space
	// (Call inserted it there); the receiver needs its own cid cloned
	// into its space the same way an ordinary transferred cap is, or it
	// has nothing it can actually call reply_recv/send on (§4.H).
	reply, hasReply := msg.reply, msg.hasReply
	if hasReply {
		newReply, err := msg.srcSpace.Clone(msg.reply, dst, abi.CapFlags{Prod: true})
		if err != nil {
			log.WithError(err).Debug("dropped unresolvable reply capability during channel transfer")
			reply, hasReply = 0, false
		} else {
			reply = newReply
		}
	}

	msg.done <- nil
	return Message{Data: msg.data, Caps: clonedCaps, Reply: reply, HasReply: hasReply}, nil
}

// Call atomically creates a reply channel of the same shape, places its
// cid (with prod) into the reply slot, sends, receives on the reply
// channel, then destroys the reply cid (§4.H). cancel is the calling
// process's Done() (§8 scenario 3). If completion is non-nil, the whole
// call sequence (send, block for reply, destroy the reply cid) runs
// asynchronously and posts one completion event carrying the final status
// and the first two reply data words.
func Call(ch *Channel, src, dst *capspace.Space, data []uint64, capCids []abi.Cid, completion *event.Pool, cancel <-chan struct{}) (Message, error) {
	reply := New(ch.MsgSize, ch.MaxCaps, ch.ScResist)
	replyStrong := kobject.NewStrong(reply, nil)
	replyCid, err := src.InsertStrong(replyStrong, abi.CapFlags{Prod: true})
	if err != nil {
		return Message{}, err
	}

	doCall := func() (Message, error) {
		if err := ch.Send(src, data, capCids, replyCid, true, nil, cancel); err != nil {
			_ = src.Destroy(replyCid)
			return Message{}, err
		}
		resp, err := reply.Recv(src, nil, cancel)
		_ = src.Destroy(replyCid)
		return resp, err
	}

	if completion != nil {
		go func() {
			msg, err := doCall()
			var v0, v1 uint64
			if len(msg.Data) > 0 {
				v0 = msg.Data[0]
			}
			if len(msg.Data) > 1 {
				v1 = msg.Data[1]
			}
			if sendErr := completion.Send(uint64(completionStatus(err)), v0, v1); sendErr != nil {
				log.WithError(sendErr).Warn("dropped channel call completion event: pool full")
			}
		}()
		return Message{}, nil
	}

	return doCall()
}

// ReplyRecv performs a non-blocking send on reply (destroying its cid
// regardless of outcome), then a blocking recv on recv (§4.H). It
// proceeds with the recv even if reply's send failed, matching "proceeds
// even if recv or buf cids are destroyed after blocking has begun".
func ReplyRecv(replyCh, recvCh *Channel, src, dst *capspace.Space, replyCid abi.Cid, data []uint64, capCids []abi.Cid, cancel <-chan struct{}) (Message, error) {
	if replyCh.MsgSize != recvCh.MsgSize || replyCh.MaxCaps != recvCh.MaxCaps {
		return Message{}, abi.InvlArgs
	}

	_ = replyCh.NbSend(src, data, capCids, 0, false)
	_ = src.Destroy(replyCid)

	return recvCh.Recv(dst, nil, cancel)
}
