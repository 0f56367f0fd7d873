// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink_test

import (
	"errors"
	"expvar"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/channel"
	"github.com/creachadair/framelink/loop"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// recorder is a MessageHandler that reports what it sees on channels.
type recorder struct {
	bind  bool // bind the tokens of each delivery
	panic bool // panic when a message arrives

	msgs   chan framelink.Message
	errs   chan error
	closed chan struct{}

	μ     sync.Mutex
	bound int
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(chan framelink.Message, 16),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (r *recorder) HandleMessage(_ *framelink.Channel, d *framelink.Delivery) {
	if r.panic {
		panic("the handler is unhappy")
	}
	if r.bind {
		for _, tok := range d.Tokens {
			if err := tok.Bind(func(fd int) error {
				if fd < 0 {
					return errors.New("no descriptor")
				}
				return nil
			}); err == nil {
				r.μ.Lock()
				r.bound++
				r.μ.Unlock()
			}
		}
	}
	r.msgs <- *d.Message
}

func (r *recorder) HandleError(_ *framelink.Channel, err error) { r.errs <- err }
func (r *recorder) HandlePeerClosed(*framelink.Channel)         { close(r.closed) }

func (r *recorder) next(t *testing.T) framelink.Message {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for a message")
		return framelink.Message{}
	}
}

func (r *recorder) nextError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for an error")
		return nil
	}
}

func openHandle(t *testing.T) *framelink.Handle {
	t.Helper()
	fd, err := syscall.Open(os.DevNull, syscall.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Open %s: %v", os.DevNull, err)
	}
	return framelink.NewHandle(fd)
}

func metric(name string) int64 {
	return framelink.Metrics().Get(name).(*expvar.Int).Value()
}

func TestMessageCodec(t *testing.T) {
	tests := []framelink.Message{
		framelink.FrameAvailable(),
		framelink.FrameComplete(),
		framelink.StreamFileDescriptor(),
		framelink.StreamState(framelink.StateWaitingForFd),
		framelink.StreamState(framelink.StateConnected),
		framelink.StreamState(framelink.StateError),
	}
	for _, msg := range tests {
		enc := msg.Encode()
		if len(enc) != framelink.MessageSize {
			t.Errorf("Encode %v: got %d bytes, want %d", msg, len(enc), framelink.MessageSize)
		}
		var got framelink.Message
		if err := got.UnmarshalBinary(enc); err != nil {
			t.Errorf("Decode %v: unexpected error: %v", msg, err)
		} else if diff := cmp.Diff(got, msg); diff != "" {
			t.Errorf("Decode %v (-got, +want):\n%s", msg, diff)
		}
	}

	t.Run("StreamState", func(t *testing.T) {
		s, err := framelink.StreamState(framelink.StateConnected).StreamState()
		if err != nil || s != framelink.StateConnected {
			t.Errorf("StreamState: got (%v, %v), want (%v, nil)", s, err, framelink.StateConnected)
		}
		if s, err := framelink.FrameAvailable().StreamState(); err == nil {
			t.Errorf("StreamState of FrameAvailable: got %v, want error", s)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		var msg framelink.Message
		if err := msg.UnmarshalBinary(make([]byte, framelink.MessageSize-1)); err == nil {
			t.Error("Decode short record: got nil, want error")
		}
		if err := msg.UnmarshalBinary(make([]byte, framelink.MessageSize+1)); err == nil {
			t.Error("Decode long record: got nil, want error")
		}
		bad := framelink.FrameAvailable().Encode()
		bad[2] = framelink.MaxHandles + 1
		if err := msg.UnmarshalBinary(bad); err == nil {
			t.Error("Decode excess handles: got nil, want error")
		}
		if _, err := framelink.NewMessage(99, framelink.MaxHandles+1, nil); err == nil {
			t.Error("NewMessage excess handles: got nil, want error")
		}
		if _, err := framelink.NewMessage(99, 0, make([]byte, framelink.PayloadSize+1)); err == nil {
			t.Error("NewMessage long payload: got nil, want error")
		}
	})
}

func TestChannel(t *testing.T) {
	defer leaktest.Check(t)()

	l := loop.New().Start()
	defer l.Stop()

	ca, cb := channel.Direct()
	ra, rb := newRecorder(), newRecorder()
	rb.bind = true

	var logμ sync.Mutex
	var logged []string
	a := framelink.Open(ca, nil, ra).LogMessages(func(m framelink.MessageInfo) {
		logμ.Lock()
		defer logμ.Unlock()
		logged = append(logged, m.String())
	})
	defer a.Close()
	b := framelink.Open(cb, nil, rb)
	defer b.Close()

	for _, ch := range []*framelink.Channel{a, b} {
		if err := ch.Attach(l); err != nil {
			t.Fatalf("Attach: %v", err)
		}
	}
	if err := a.Attach(l); err == nil {
		t.Error("Attach twice: got nil, want error")
	}

	sent0, hsent0 := metric("records_sent"), metric("handles_sent")
	h := openHandle(t)
	msgs := []struct {
		msg framelink.Message
		hs  []*framelink.Handle
	}{
		{framelink.StreamState(framelink.StateWaitingForFd), nil},
		{framelink.StreamFileDescriptor(), []*framelink.Handle{h}},
		{framelink.FrameAvailable(), nil},
	}
	for _, m := range msgs {
		if err := a.Send(m.msg, m.hs...); err != nil {
			t.Fatalf("Send %v: unexpected error: %v", m.msg, err)
		}
	}
	if h.Valid() {
		t.Error("Handle is still valid after Send")
	}
	for _, m := range msgs {
		if diff := cmp.Diff(rb.next(t), m.msg); diff != "" {
			t.Errorf("Received message (-got, +want):\n%s", diff)
		}
	}
	l.Do(func() {
		if rb.bound != 1 {
			t.Errorf("Bound tokens: got %d, want 1", rb.bound)
		}
	})
	if got := metric("records_sent") - sent0; got != 3 {
		t.Errorf("records_sent delta: got %d, want 3", got)
	}
	if got := metric("handles_sent") - hsent0; got != 1 {
		t.Errorf("handles_sent delta: got %d, want 1", got)
	}

	if err := b.Send(framelink.FrameComplete()); err != nil {
		t.Fatalf("Send reply: %v", err)
	}
	if got := ra.next(t).Code; got != framelink.CodeFrameComplete {
		t.Errorf("Reply code: got %v, want %v", got, framelink.CodeFrameComplete)
	}
	logμ.Lock()
	defer logμ.Unlock()
	if len(logged) != 4 {
		t.Errorf("Logged messages: got %d, want 4:\n%q", len(logged), logged)
	}
}

func TestSendHandleCount(t *testing.T) {
	defer leaktest.Check(t)()

	ca, cb := channel.Direct()
	defer cb.Close()
	a := framelink.Open(ca, nil, nil)
	defer a.Close()

	if err := a.Send(framelink.StreamFileDescriptor()); err == nil {
		t.Error("Send with a missing handle: got nil, want error")
	}
	h := openHandle(t)
	if err := a.Send(framelink.FrameAvailable(), h); err == nil {
		t.Error("Send with an extra handle: got nil, want error")
	}
	if h.Valid() {
		t.Error("Handle is still valid after a rejected Send")
	}

	// A record declaring more handles than a record may carry is refused
	// before anything is written.
	over := framelink.Message{Code: framelink.CodeStreamFileDescriptor, Handles: framelink.MaxHandles + 1}
	var hs []*framelink.Handle
	for range framelink.MaxHandles + 1 {
		hs = append(hs, openHandle(t))
	}
	if err := a.Send(over, hs...); err == nil {
		t.Error("Send with excess handles: got nil, want error")
	}
	for i, h := range hs {
		if h.Valid() {
			t.Errorf("Handle %d is still valid after a rejected Send", i)
		}
	}

	// A rejected send does not close the channel.
	if err := a.Send(framelink.FrameAvailable()); err != nil {
		t.Errorf("Send after rejection: %v", err)
	}
	msg, got, err := cb.Recv()
	if err != nil {
		t.Fatalf("Recv: unexpected error: %v", err)
	}
	if msg.Code != framelink.CodeFrameAvailable || len(got) != 0 {
		t.Errorf("Recv: got %v with %d handles, want %v", msg, len(got), framelink.FrameAvailable())
	}
}

func TestUnknownCode(t *testing.T) {
	defer leaktest.Check(t)()

	l := loop.New().Start()
	defer l.Stop()

	ca, cb := channel.Direct()
	defer cb.Close()
	r := newRecorder()
	a := framelink.Open(ca, nil, r)
	defer a.Close()
	if err := a.Attach(l); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	drop0 := metric("records_dropped")
	unknown, err := framelink.NewMessage(99, 0, []byte("whatever"))
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := cb.Send(&unknown, nil); err != nil {
		t.Fatalf("Send unknown: %v", err)
	}
	done := framelink.FrameComplete()
	if err := cb.Send(&done, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// The unknown record is discarded, and the channel remains usable.
	if got := r.next(t).Code; got != framelink.CodeFrameComplete {
		t.Errorf("Received code: got %v, want %v", got, framelink.CodeFrameComplete)
	}
	if got := metric("records_dropped") - drop0; got != 1 {
		t.Errorf("records_dropped delta: got %d, want 1", got)
	}
}

func TestHandlerPanic(t *testing.T) {
	defer leaktest.Check(t)()

	l := loop.New().Start()
	defer l.Stop()

	ca, cb := channel.Direct()
	defer cb.Close()
	r := newRecorder()
	r.panic = true
	a := framelink.Open(ca, nil, r)
	defer a.Close()

	exited := make(chan error, 1)
	a.OnExit(func(err error) { exited <- err })
	if err := a.Attach(l); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	msg := framelink.FrameAvailable()
	if err := cb.Send(&msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	err := r.nextError(t)
	var cerr *framelink.ChannelError
	if !errors.As(err, &cerr) || cerr.Op != "dispatch" {
		t.Errorf("Handler error: got %v, want a dispatch ChannelError", err)
	}
	if got := <-exited; got != err {
		t.Errorf("Exit error: got %v, want %v", got, err)
	}
	if err := a.Send(framelink.FrameComplete()); !errors.Is(err, framelink.ErrChannelClosed) {
		t.Errorf("Send after failure: got %v, want %v", err, framelink.ErrChannelClosed)
	}
}

func TestPeerClosed(t *testing.T) {
	defer leaktest.Check(t)()

	l := loop.New().Start()
	defer l.Stop()

	ca, cb := channel.Direct()
	r := newRecorder()
	a := framelink.Open(ca, nil, r)
	defer a.Close()

	exited := make(chan error, 1)
	a.OnExit(func(err error) { exited <- err })
	if err := a.Attach(l); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cb.Close()

	select {
	case <-r.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for peer close")
	}
	if err := <-exited; err != nil {
		t.Errorf("Exit error: got %v, want nil", err)
	}
	select {
	case err := <-r.errs:
		t.Errorf("Unexpected handler error: %v", err)
	default:
	}
}

func TestSendFailure(t *testing.T) {
	defer leaktest.Check(t)()

	ca, cb := channel.Direct()
	r := newRecorder()
	a := framelink.Open(ca, nil, r)
	defer a.Close()
	cb.Close()

	errs0 := metric("channel_errors")
	err := a.Send(framelink.FrameAvailable())
	var cerr *framelink.ChannelError
	if !errors.As(err, &cerr) || cerr.Op != "send" {
		t.Fatalf("Send to a closed peer: got %v, want a send ChannelError", err)
	}
	if got := r.nextError(t); got != err {
		t.Errorf("Handler error: got %v, want %v", got, err)
	}
	if got := metric("channel_errors") - errs0; got != 1 {
		t.Errorf("channel_errors delta: got %d, want 1", got)
	}
	if err := a.Send(framelink.FrameAvailable()); !errors.Is(err, framelink.ErrChannelClosed) {
		t.Errorf("Send after failure: got %v, want %v", err, framelink.ErrChannelClosed)
	}
}

func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	l := loop.New().Start()
	defer l.Stop()

	ca, cb := channel.Direct()
	defer cb.Close()
	peer := openHandle(t)
	r := newRecorder()
	a := framelink.Open(ca, peer, r)

	var exits int
	a.OnExit(func(err error) {
		exits++
		if err != nil {
			t.Errorf("Exit error: got %v, want nil", err)
		}
	})
	if err := a.Attach(l); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	if err := a.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Errorf("Close again: unexpected error: %v", err)
	}
	if peer.Valid() {
		t.Error("Peer handle is still valid after Close")
	}
	if h := a.DetachPeer(); h != nil {
		t.Errorf("DetachPeer after Close: got %v, want nil", h)
	}
	if exits != 1 {
		t.Errorf("Exit callbacks: got %d, want 1", exits)
	}
	if err := a.Send(framelink.FrameAvailable()); !errors.Is(err, framelink.ErrChannelClosed) {
		t.Errorf("Send after Close: got %v, want %v", err, framelink.ErrChannelClosed)
	}
	if err := a.Attach(l); !errors.Is(err, framelink.ErrChannelClosed) {
		t.Errorf("Attach after Close: got %v, want %v", err, framelink.ErrChannelClosed)
	}

	// A local close is not reported to the handler.
	l.Do(func() {})
	select {
	case err := <-r.errs:
		t.Errorf("Unexpected handler error: %v", err)
	case <-r.closed:
		t.Error("Unexpected peer close")
	default:
	}
}

func TestDetachPeer(t *testing.T) {
	ca, cb := channel.Direct()
	defer cb.Close()
	peer := openHandle(t)
	a := framelink.Open(ca, peer, nil)

	h := a.DetachPeer()
	if h != peer {
		t.Fatalf("DetachPeer: got %v, want %v", h, peer)
	}
	defer h.Close()
	if h := a.DetachPeer(); h != nil {
		t.Errorf("DetachPeer again: got %v, want nil", h)
	}
	a.Close()
	if !h.Valid() {
		t.Error("Detached handle was closed by the channel")
	}
}

func TestPoll(t *testing.T) {
	defer leaktest.Check(t)()

	ca, cb := channel.Direct()
	r := newRecorder()
	a := framelink.Open(ca, nil, r)
	defer a.Close()

	msg := framelink.StreamState(framelink.StateConnected)
	if err := cb.Send(&msg, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := a.Poll(); err != nil {
		t.Fatalf("Poll: unexpected error: %v", err)
	}
	if diff := cmp.Diff(r.next(t), msg); diff != "" {
		t.Errorf("Polled message (-got, +want):\n%s", diff)
	}

	cb.Close()
	if err := a.Poll(); !errors.Is(err, framelink.ErrPeerClosed) {
		t.Errorf("Poll after peer close: got %v, want %v", err, framelink.ErrPeerClosed)
	}
	if err := a.Poll(); !errors.Is(err, framelink.ErrChannelClosed) {
		t.Errorf("Poll after termination: got %v, want %v", err, framelink.ErrChannelClosed)
	}
}
