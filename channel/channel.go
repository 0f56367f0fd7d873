// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the framelink.Conn interface.
package channel

import (
	"fmt"
	"net"
	"sync"
	"syscall"

	"github.com/creachadair/framelink"
	"github.com/creachadair/mds/queue"
	"golang.org/x/sys/unix"
)

// Direct constructs a connected pair of in-memory conduits. Records sent to A
// are received by B and vice versa. Records are encoded and decoded as they
// would be on a socket, and attached handles are duplicated as the kernel
// would do for a transfer between processes.
func Direct() (A, B framelink.Conn) {
	p := &pipe{
		q:    [2]*queue.Queue[record]{queue.New[record](), queue.New[record]()},
		wake: [2]chan struct{}{make(chan struct{}, 1), make(chan struct{}, 1)},
	}
	return direct{p: p, side: 0}, direct{p: p, side: 1}
}

type record struct {
	data []byte
	fds  []int
}

func (r record) close() {
	for _, fd := range r.fds {
		unix.Close(fd)
	}
}

// pipe is the state shared by the two ends of a Direct pair.
type pipe struct {
	μ      sync.Mutex
	q      [2]*queue.Queue[record] // pending records for each side
	closed [2]bool
	wake   [2]chan struct{}
}

func (p *pipe) signal(side int) {
	select {
	case p.wake[side] <- struct{}{}:
	default:
	}
}

type direct struct {
	p    *pipe
	side int
}

// Send implements a method of the [framelink.Conn] interface.
func (d direct) Send(msg *framelink.Message, handles []*framelink.Handle) error {
	peer := 1 - d.side
	d.p.μ.Lock()
	defer d.p.μ.Unlock()
	if d.p.closed[d.side] {
		return net.ErrClosed
	} else if d.p.closed[peer] {
		return syscall.EPIPE
	}

	rec := record{data: msg.Encode()}
	for i, h := range handles {
		fd, err := unix.FcntlInt(uintptr(h.Fd()), unix.F_DUPFD_CLOEXEC, 0)
		if err != nil {
			rec.close()
			return fmt.Errorf("duplicate handle %d: %w", i, err)
		}
		rec.fds = append(rec.fds, fd)
	}
	d.p.q[peer].Add(rec)
	d.p.signal(peer)
	return nil
}

// Recv implements a method of the [framelink.Conn] interface.
func (d direct) Recv() (*framelink.Message, []*framelink.Handle, error) {
	for {
		d.p.μ.Lock()
		if d.p.closed[d.side] {
			d.p.μ.Unlock()
			return nil, nil, net.ErrClosed
		}
		rec, ok := d.p.q[d.side].Pop()
		peerClosed := d.p.closed[1-d.side]
		d.p.μ.Unlock()

		if ok {
			return decodeRecord(rec)
		} else if peerClosed {
			return nil, nil, framelink.ErrPeerClosed
		}
		<-d.p.wake[d.side]
	}
}

func decodeRecord(rec record) (*framelink.Message, []*framelink.Handle, error) {
	msg := new(framelink.Message)
	if err := msg.UnmarshalBinary(rec.data); err != nil {
		rec.close()
		return nil, nil, framelink.ProtocolError("recv", "%v", err)
	}
	hs := make([]*framelink.Handle, len(rec.fds))
	for i, fd := range rec.fds {
		hs[i] = framelink.NewHandle(fd)
	}
	return msg, hs, nil
}

// Close implements a method of the [framelink.Conn] interface. Records not
// yet received are discarded and their handles closed.
func (d direct) Close() error {
	d.p.μ.Lock()
	defer d.p.μ.Unlock()
	if d.p.closed[d.side] {
		return net.ErrClosed
	}
	d.p.closed[d.side] = true
	q := d.p.q[d.side]
	for !q.IsEmpty() {
		rec, _ := q.Pop()
		rec.close()
	}
	d.p.signal(d.side)
	d.p.signal(1 - d.side)
	return nil
}
