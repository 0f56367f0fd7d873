// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/creachadair/taskgroup"
)

// A Conn is a connected record conduit shared by two processes. The channel
// package provides implementations.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Conn interface {
	// Send the message record with the given handles attached. Send does not
	// take ownership of the handles; the caller closes them afterward.
	Send(msg *Message, handles []*Handle) error

	// Receive the next record and the handles attached to it. The caller owns
	// the returned handles. An orderly close by the remote peer is reported
	// as [ErrPeerClosed].
	Recv() (*Message, []*Handle, error)

	// Close the conduit, causing any pending send or receive operations to
	// terminate and report an error. After a conduit is closed, all further
	// operations on it must report an error.
	Close() error
}

// A Dispatcher runs callbacks on an event loop. Post must not block, and must
// report false if the callback will never run.
type Dispatcher interface {
	Post(func()) bool
}

// A MessageHandler receives the traffic of a [Channel]. When a channel is
// attached to a dispatcher, its handler methods are called only on the
// dispatcher's goroutine.
//
// At most one of HandleError or HandlePeerClosed is called for a channel, and
// neither is called if the channel is closed locally first.
type MessageHandler interface {
	// HandleMessage processes one inbound record with a known code.
	HandleMessage(*Channel, *Delivery)

	// HandleError reports that the channel failed and is now closed.
	HandleError(*Channel, error)

	// HandlePeerClosed reports that the remote peer closed its endpoint.
	HandlePeerClosed(*Channel)
}

// A Delivery is an inbound message together with the tokens for the handles
// that arrived with it. Tokens the handler does not bind are closed when the
// handler returns.
type Delivery struct {
	*Message
	Tokens []*Token
}

func (d *Delivery) closeTokens() {
	for _, t := range d.Tokens {
		t.Close()
	}
}

// A MessageLogger logs a message exchanged with the remote peer.
type MessageLogger func(MessageInfo)

// A MessageInfo combines a message and a flag indicating whether the message
// was sent or received.
type MessageInfo struct {
	*Message      // the message being logged
	Sent     bool // whether the message was sent (true) or received (false)
}

func (m MessageInfo) dir() string {
	if m.Sent {
		return "send"
	}
	return "recv"
}

func (m MessageInfo) String() string {
	return fmt.Sprintf("%v %v", m.dir(), m.Message)
}

// A Channel exchanges fixed-size message records and attached handles with
// one remote peer.
//
// Once closed, either locally or because of a failure, a channel is dead and
// all further sends report [ErrChannelClosed].
type Channel struct {
	conn    Conn
	handler MessageHandler

	out sync.Mutex // held while sending

	μ      sync.Mutex
	closed bool
	peer   *Handle // the undetached peer endpoint, or nil
	tasks  *taskgroup.Group
	mlog   MessageLogger
	onExit func(error)
}

// Open constructs a channel that exchanges records on conn and delivers them
// to h. If peer != nil, it is the remote endpoint of conn, which the channel
// owns until it is detached with DetachPeer. If h == nil, inbound traffic is
// discarded.
func Open(conn Conn, peer *Handle, h MessageHandler) *Channel {
	if h == nil {
		h = discard{}
	}
	return &Channel{conn: conn, handler: h, peer: peer}
}

// DetachPeer transfers ownership of the peer endpoint to the caller. It
// returns nil if the channel has no peer endpoint, or if it was already
// detached or released by Close.
func (c *Channel) DetachPeer() *Handle {
	c.μ.Lock()
	defer c.μ.Unlock()
	p := c.peer
	c.peer = nil
	return p
}

// Attach starts a reader for c that posts each inbound record to d. It
// reports an error if c is closed or already attached.
func (c *Channel) Attach(d Dispatcher) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.closed {
		return ErrChannelClosed
	} else if c.tasks != nil {
		return errors.New("channel is already attached")
	}

	g := taskgroup.New(nil)
	c.tasks = g
	g.Go(func() error {
		for {
			msg, hs, err := c.conn.Recv()
			if err == nil {
				var del *Delivery
				del, err = c.accept(msg, hs)
				if err == nil {
					if del != nil && !d.Post(func() { c.deliver(del) }) {
						del.closeTokens()
					}
					continue
				}
			}
			if !d.Post(func() { c.terminate(err) }) {
				c.shutdown() // the dispatcher is gone; nobody to notify
			}
			return nil
		}
	})
	return nil
}

// Poll blocks until one record arrives on c and dispatches it to the handler
// on the calling goroutine. It reports an error if the channel fails or the
// peer closes, after notifying the handler. Poll must not be used on a
// channel that is attached to a dispatcher.
func (c *Channel) Poll() error {
	c.μ.Lock()
	closed, attached := c.closed, c.tasks != nil
	c.μ.Unlock()
	if closed {
		return ErrChannelClosed
	} else if attached {
		return errors.New("channel is attached")
	}

	msg, hs, err := c.conn.Recv()
	if err == nil {
		var del *Delivery
		if del, err = c.accept(msg, hs); err == nil {
			if del != nil {
				c.deliver(del)
			}
			return nil
		}
	}
	if c.isClosed() {
		return ErrChannelClosed
	}
	c.terminate(err)
	return err
}

// Send sends msg to the remote peer with the given handles attached. The
// number of handles must equal msg.Handles, which must not exceed
// [MaxHandles].
//
// Send takes ownership of the handles, and closes them once the send has been
// attempted, whether or not it succeeds. If the send fails, c is closed and
// the error is reported to the handler before Send returns.
func (c *Channel) Send(msg Message, handles ...*Handle) error {
	defer closeHandles(handles)
	if err := checkHandles(int(msg.Handles)); err != nil {
		return err
	} else if len(handles) != int(msg.Handles) {
		return fmt.Errorf("message declares %d handles, %d provided", msg.Handles, len(handles))
	}

	err := func() error {
		c.out.Lock()
		defer c.out.Unlock()

		c.μ.Lock()
		closed, mlog := c.closed, c.mlog
		c.μ.Unlock()
		if closed {
			return ErrChannelClosed
		}
		if mlog != nil {
			mlog(MessageInfo{Message: &msg, Sent: true})
		}
		return c.conn.Send(&msg, handles)
	}()
	if errors.Is(err, ErrChannelClosed) || (err != nil && c.isClosed()) {
		return ErrChannelClosed
	} else if err != nil {
		var cerr *ChannelError
		if !errors.As(err, &cerr) {
			cerr = &ChannelError{Op: "send", Err: err}
		}
		c.terminate(cerr)
		return cerr
	}
	Stats.recordSent.Add(1)
	Stats.handleSent.Add(int64(len(handles)))
	Logger().Debug("sent message", "msg", msg.String(), "handles", len(handles))
	return nil
}

// Close closes c, stops its reader, and closes the peer endpoint if it has
// not been detached. Close is idempotent, and neither HandleError nor
// HandlePeerClosed is called as a result of it.
func (c *Channel) Close() error {
	first, err := c.shutdown()
	c.μ.Lock()
	g := c.tasks
	c.μ.Unlock()
	if g != nil {
		g.Wait()
	}
	if first {
		c.exit(nil)
	}
	return err
}

// LogMessages registers a callback that will be invoked for each message
// exchanged with the remote peer, including messages to be discarded.
//
// Passing a nil callback disables message logging. The logger is invoked
// synchronously with dispatch, prior to sending or calling the handler.
func (c *Channel) LogMessages(log MessageLogger) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.mlog = log
	return c
}

// OnExit registers a callback to be invoked once when the channel closes.
// The callback receives nil if the channel was closed locally or by the
// remote peer, and otherwise the error that terminated it.
//
// Only one exit callback can be registered at a time; if f == nil the
// callback is removed.
func (c *Channel) OnExit(f func(error)) *Channel {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

func (c *Channel) isClosed() bool {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.closed
}

// shutdown closes the conduit and the peer endpoint without waiting for the
// reader. It reports whether this call was the one that closed c.
func (c *Channel) shutdown() (bool, error) {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return false, nil
	}
	c.closed = true
	peer := c.peer
	c.peer = nil
	c.μ.Unlock()

	err := c.conn.Close()
	if peer != nil {
		peer.Close()
	}
	return true, err
}

// terminate closes c because of err and notifies the handler, unless c was
// already closed.
func (c *Channel) terminate(err error) {
	if first, _ := c.shutdown(); !first {
		return
	}
	if errors.Is(err, ErrPeerClosed) || errors.Is(err, io.EOF) {
		Logger().Info("peer closed channel")
		c.handler.HandlePeerClosed(c)
		c.exit(nil)
		return
	}
	if errors.Is(err, net.ErrClosed) {
		err = &ChannelError{Op: "recv", Err: err}
	}
	Stats.channelErr.Add(1)
	Logger().Error("channel failed", "err", err)
	c.handler.HandleError(c, err)
	c.exit(err)
}

func (c *Channel) exit(err error) {
	c.μ.Lock()
	f := c.onExit
	c.μ.Unlock()
	if f != nil {
		f(err)
	}
}

// accept checks an inbound record. It returns a nil delivery without error
// for a record that should be discarded. Any error it reports is fatal.
func (c *Channel) accept(msg *Message, hs []*Handle) (*Delivery, error) {
	Stats.recordRecv.Add(1)
	Stats.handleRecv.Add(int64(len(hs)))

	c.μ.Lock()
	mlog := c.mlog
	c.μ.Unlock()
	if mlog != nil {
		mlog(MessageInfo{Message: msg, Sent: false})
	}

	if len(hs) != int(msg.Handles) {
		closeHandles(hs)
		return nil, ProtocolError("recv", "record declares %d handles, %d received", msg.Handles, len(hs))
	}
	if !msg.Code.Known() {
		Stats.recordDropped.Add(1)
		Logger().Warn("dropped message with unknown code", "code", uint16(msg.Code), "handles", len(hs))
		closeHandles(hs)
		return nil, nil
	}
	Logger().Debug("received message", "msg", msg.String(), "handles", len(hs))

	del := &Delivery{Message: msg}
	for _, h := range hs {
		del.Tokens = append(del.Tokens, &Token{h: h})
	}
	return del, nil
}

// deliver calls the handler for del, unless c has been closed in the
// meantime. Tokens not consumed by the handler are closed.
func (c *Channel) deliver(del *Delivery) {
	defer del.closeTokens()
	if c.isClosed() {
		return
	}
	if err := func() (err error) {
		// Ensure a panic out of the handler is turned into a channel failure.
		defer func() {
			if x := recover(); x != nil {
				err = fmt.Errorf("message handler panicked (recovered): %v", x)
			}
		}()
		c.handler.HandleMessage(c, del)
		return nil
	}(); err != nil {
		c.terminate(&ChannelError{Op: "dispatch", Err: err})
	}
}

func closeHandles(hs []*Handle) {
	for _, h := range hs {
		h.Close()
	}
}

type discard struct{}

func (discard) HandleMessage(*Channel, *Delivery) {}
func (discard) HandleError(*Channel, error)       {}
func (discard) HandlePeerClosed(*Channel)         {}
