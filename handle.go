// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import (
	"fmt"
	"sync"
	"syscall"
)

// A Handle is an owned reference to a transferable kernel object, such as the
// file descriptor of a stream object or of a socket endpoint.
//
// A Handle must not be copied after first use. Its methods are safe for
// concurrent use.
type Handle struct {
	μ  sync.Mutex
	fd int // -1 after close or release
}

// NewHandle returns a Handle that takes ownership of fd.
func NewHandle(fd int) *Handle { return &Handle{fd: fd} }

// Fd reports the descriptor owned by h, or -1 if h no longer owns one.
// Ownership is not transferred.
func (h *Handle) Fd() int {
	if h == nil {
		return -1
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	return h.fd
}

// Valid reports whether h currently owns a descriptor.
func (h *Handle) Valid() bool { return h.Fd() >= 0 }

// Release relinquishes ownership of the descriptor and returns it. The caller
// becomes responsible for closing it. After Release, h owns nothing and
// Close is a no-op. Release returns -1 if h owns no descriptor.
func (h *Handle) Release() int {
	if h == nil {
		return -1
	}
	h.μ.Lock()
	defer h.μ.Unlock()
	fd := h.fd
	h.fd = -1
	return fd
}

// Close closes the descriptor owned by h, if any. Close is idempotent.
func (h *Handle) Close() error {
	fd := h.Release()
	if fd < 0 {
		return nil
	}
	return syscall.Close(fd)
}

func (h *Handle) String() string { return fmt.Sprintf("Handle(%d)", h.Fd()) }

// A Token is a handle received from the remote peer. Tokens are constructed
// only by the receive path of a [Channel], and can be consumed only once, by
// [Token.Bind]. Tokens not consumed by a message handler are closed by the
// channel when the handler returns.
type Token struct {
	h *Handle

	μ        sync.Mutex
	consumed bool
}

// Bind consumes t by calling f with its descriptor. The descriptor is closed
// when f returns, whether or not f succeeds, so f must duplicate it if it
// needs to retain the kernel object. A second call to Bind, or a call after
// Close, reports [ErrTokenConsumed] without calling f.
func (t *Token) Bind(f func(fd int) error) error {
	t.μ.Lock()
	if t.consumed {
		t.μ.Unlock()
		return ErrTokenConsumed
	}
	t.consumed = true
	t.μ.Unlock()

	defer t.h.Close()
	if err := f(t.h.Fd()); err != nil {
		return fmt.Errorf("%w: %w", ErrHandleBind, err)
	}
	return nil
}

// Consumed reports whether t has been bound or closed.
func (t *Token) Consumed() bool {
	t.μ.Lock()
	defer t.μ.Unlock()
	return t.consumed
}

// Close discards t, closing its descriptor if it has not been bound.
// Close is idempotent.
func (t *Token) Close() error {
	t.μ.Lock()
	t.consumed = true
	t.μ.Unlock()
	return t.h.Close()
}
