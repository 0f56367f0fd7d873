// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux

package channel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/creachadair/framelink"
	"golang.org/x/sys/unix"
)

// A Socket is a [framelink.Conn] on a connected AF_UNIX sequenced-packet
// socket. Each message is one packet, and attached handles travel with it as
// SCM_RIGHTS control data.
type Socket struct {
	conn *net.UnixConn
	raw  syscall.RawConn
}

// Pair creates a connected socket pair. It returns the local endpoint and the
// handle of the peer endpoint, which the caller may pass to another process.
// If the pair cannot be created, Pair reports an error that wraps
// [framelink.ErrTransportUnavailable].
func Pair() (*Socket, *framelink.Handle, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", framelink.ErrTransportUnavailable, err)
	}
	s, err := newSocket(fds[0])
	if err != nil {
		unix.Close(fds[1])
		return nil, nil, fmt.Errorf("%w: %w", framelink.ErrTransportUnavailable, err)
	}
	return s, framelink.NewHandle(fds[1]), nil
}

// FromHandle adopts fd, which must be one endpoint of a connected AF_UNIX
// sequenced-packet socket, typically inherited from the process that called
// Pair. FromHandle takes ownership of fd, and closes it if it reports an
// error. Errors wrap [framelink.ErrInvalidPeer].
func FromHandle(fd int) (*Socket, error) {
	if err := checkPeer(fd); err != nil {
		if fd >= 0 {
			unix.Close(fd)
		}
		return nil, fmt.Errorf("%w: %w", framelink.ErrInvalidPeer, err)
	}
	unix.CloseOnExec(fd)
	s, err := newSocket(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", framelink.ErrInvalidPeer, err)
	}
	return s, nil
}

func checkPeer(fd int) error {
	if fd < 0 {
		return fmt.Errorf("descriptor %d", fd)
	}
	dom, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_DOMAIN)
	if err != nil {
		return err
	} else if dom != unix.AF_UNIX {
		return fmt.Errorf("socket domain %d is not AF_UNIX", dom)
	}
	typ, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TYPE)
	if err != nil {
		return err
	} else if typ != unix.SOCK_SEQPACKET {
		return fmt.Errorf("socket type %d is not SOCK_SEQPACKET", typ)
	}
	return nil
}

// newSocket wraps fd in a Socket. It consumes fd in all cases.
func newSocket(fd int) (*Socket, error) {
	f := os.NewFile(uintptr(fd), "framelink")
	defer f.Close() // FileConn duplicates the descriptor

	fc, err := net.FileConn(f)
	if err != nil {
		return nil, err
	}
	uc, ok := fc.(*net.UnixConn)
	if !ok {
		fc.Close()
		return nil, fmt.Errorf("unexpected connection type %T", fc)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		uc.Close()
		return nil, err
	}
	return &Socket{conn: uc, raw: raw}, nil
}

// Send implements a method of the [framelink.Conn] interface.
func (s *Socket) Send(msg *framelink.Message, handles []*framelink.Handle) error {
	var oob []byte
	if len(handles) > 0 {
		fds := make([]int, len(handles))
		for i, h := range handles {
			if fds[i] = h.Fd(); fds[i] < 0 {
				return fmt.Errorf("handle %d is not valid", i)
			}
		}
		oob = unix.UnixRights(fds...)
	}
	n, oobn, err := s.conn.WriteMsgUnix(msg.Encode(), oob, nil)
	if err != nil {
		return err
	} else if n != framelink.MessageSize || oobn != len(oob) {
		return fmt.Errorf("short write (%d/%d bytes, %d/%d control)", n, framelink.MessageSize, oobn, len(oob))
	}
	return nil
}

// Recv implements a method of the [framelink.Conn] interface.
func (s *Socket) Recv() (*framelink.Message, []*framelink.Handle, error) {
	var (
		buf    [framelink.MessageSize]byte
		oob    = make([]byte, unix.CmsgSpace(framelink.MaxHandles*4))
		n      int
		oobn   int
		rflags int
		closed bool
		rerr   error
	)
	if err := s.raw.Read(func(fd uintptr) bool {
		for {
			var peek [1]byte
			m, _, err := unix.Recvfrom(int(fd), peek[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
			if err == unix.EINTR {
				continue
			} else if err == unix.EAGAIN {
				return false // wait for readiness
			} else if err != nil {
				rerr = err
				return true
			} else if m == 0 && hungUp(int(fd)) {
				closed = true
				return true
			}
			// An empty record from a live peer is consumed below and
			// rejected as short.
			n, oobn, rflags, _, rerr = unix.Recvmsg(int(fd), buf[:], oob, unix.MSG_CMSG_CLOEXEC|unix.MSG_DONTWAIT)
			if rerr == unix.EINTR {
				continue
			}
			return true
		}
	}); err != nil {
		return nil, nil, err
	}
	if rerr != nil {
		return nil, nil, &framelink.ChannelError{Op: "recv", Err: rerr}
	} else if closed {
		return nil, nil, framelink.ErrPeerClosed
	}

	// Take ownership of any received descriptors before validating anything,
	// so they are released on every error path.
	hs, perr := parseRights(oob[:oobn])
	fail := func(msg string, args ...any) (*framelink.Message, []*framelink.Handle, error) {
		for _, h := range hs {
			h.Close()
		}
		return nil, nil, framelink.ProtocolError("recv", msg, args...)
	}
	if perr != nil {
		return fail("invalid control data: %v", perr)
	} else if rflags&unix.MSG_CTRUNC != 0 {
		return fail("control data truncated")
	} else if rflags&unix.MSG_TRUNC != 0 {
		return fail("record exceeds %d bytes", framelink.MessageSize)
	} else if n != framelink.MessageSize {
		return fail("short record (%d bytes)", n)
	}
	msg := new(framelink.Message)
	if err := msg.UnmarshalBinary(buf[:n]); err != nil {
		return fail("%v", err)
	} else if int(msg.Handles) != len(hs) {
		return fail("record declares %d handles, %d received", msg.Handles, len(hs))
	}
	return msg, hs, nil
}

// hungUp reports whether the remote peer of the socket fd has shut down. A
// zero-length peek means either a hang-up or an empty record.
func hungUp(fd int) bool {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLRDHUP}}
	for {
		_, err := unix.Poll(pfd, 0)
		if err == unix.EINTR {
			continue
		} else if err != nil {
			return true
		}
		return pfd[0].Revents&(unix.POLLRDHUP|unix.POLLHUP) != 0
	}
}

// parseRights extracts the descriptors carried by control data. Descriptors
// parsed before an error are returned with it.
func parseRights(oob []byte) ([]*framelink.Handle, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}
	var hs []*framelink.Handle
	var errs []error
	for _, c := range cmsgs {
		if c.Header.Level != unix.SOL_SOCKET || c.Header.Type != unix.SCM_RIGHTS {
			errs = append(errs, fmt.Errorf("unexpected control message %d/%d", c.Header.Level, c.Header.Type))
			continue
		}
		fds, err := unix.ParseUnixRights(&c)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, fd := range fds {
			hs = append(hs, framelink.NewHandle(fd))
		}
	}
	return hs, errors.Join(errs...)
}

// Close implements a method of the [framelink.Conn] interface.
func (s *Socket) Close() error { return s.conn.Close() }
