// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package view

import (
	"fmt"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/channel"
	"github.com/creachadair/framelink/frame"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/framelink/handler"
	"github.com/creachadair/framelink/stream"
)

// A ViewBackend is the host side of one view. It owns the consumer stream
// that frames are displayed from, and exports its handle to the renderer.
type ViewBackend struct {
	params Params
	cs     gpu.ConsumerStream
	ch     *framelink.Channel
	neg    *stream.Negotiator
	cons   *frame.Consumer // set once the stream is connected

	initialized bool
	destroyed   bool
}

// NewViewBackend creates a view with a new channel and consumer stream. The
// peer endpoint of the channel is held until it is claimed with PeerHandle.
func NewViewBackend(p Params) (*ViewBackend, error) {
	if err := p.check(true); err != nil {
		return nil, fmt.Errorf("new view: %w", err)
	}
	sock, peer, err := channel.Pair()
	if err != nil {
		return nil, fmt.Errorf("new view: %w", err)
	}
	cs, err := p.Device.NewConsumerStream(p.Width, p.Height)
	if err != nil {
		sock.Close()
		peer.Close()
		return nil, fmt.Errorf("new view: create stream: %w", err)
	}

	v := &ViewBackend{params: p, cs: cs}
	mux := new(handler.Mux).
		Handle(framelink.CodeStreamState, handler.State(func(_ *framelink.Channel, s framelink.StreamStateValue) {
			v.neg.HandleState(s)
		})).
		Handle(framelink.CodeStreamFileDescriptor, handler.Token(func(_ *framelink.Channel, tok *framelink.Token) {
			v.neg.HandleToken(tok)
		})).
		Handle(framelink.CodeFrameAvailable, handler.Notify(func(*framelink.Channel) { v.frameAvailable() })).
		OnError(func(_ *framelink.Channel, err error) { v.neg.Fail(err) }).
		OnPeerClosed(func(*framelink.Channel) { v.neg.Fail(framelink.ErrPeerClosed) })
	v.ch = framelink.Open(sock, peer, mux)
	v.neg = stream.New(v.ch, stream.Config{
		Role:          stream.Exporter,
		Export:        cs.ExportHandle,
		OnStateChange: v.stateChanged,
	})
	framelink.Logger().Info("view created", "width", p.Width, "height", p.Height)
	return v, nil
}

// Kind implements a method of [Backend].
func (*ViewBackend) Kind() Kind { return KindViewBackend }

// PeerHandle transfers ownership of the peer endpoint of the view's channel
// to the caller, who passes it to the renderer process. It returns nil if the
// endpoint was already claimed.
func (v *ViewBackend) PeerHandle() *framelink.Handle { return v.ch.DetachPeer() }

// State reports the connection state of the view's stream.
func (v *ViewBackend) State() stream.State { return v.neg.State() }

// Initialize starts the view: it extracts the stream handle and begins
// listening for the renderer. If the handle cannot be extracted, the view
// enters the Error state and Initialize reports an error wrapping
// [framelink.ErrHandleExtraction]. Initializing a view more than once has no
// further effect.
func (v *ViewBackend) Initialize() error {
	if v.initialized {
		framelink.Logger().Warn("view already initialized")
		return nil
	} else if v.destroyed {
		return framelink.ErrChannelClosed
	}
	v.initialized = true
	if err := v.neg.Start(); err != nil {
		return fmt.Errorf("initialize view: %w", err)
	}
	return v.ch.Attach(v.params.Loop)
}

// FrameComplete reports that the host is done with the frame it was given,
// and lets the renderer proceed to the next. It reports [frame.ErrNoFrame]
// if no frame is being displayed.
func (v *ViewBackend) FrameComplete() error {
	if v.cons == nil {
		return frame.ErrNoFrame
	}
	return v.cons.FrameComplete()
}

// Destroy stops frame acquisition, releases the stream, and closes the
// channel. It is idempotent.
func (v *ViewBackend) Destroy() {
	if v.destroyed {
		return
	}
	v.destroyed = true
	if v.cons != nil {
		v.cons.Close()
	}
	if err := v.cs.Close(); err != nil {
		framelink.Logger().Error("closing consumer stream", "err", err)
	}
	v.ch.Close()
	v.neg.Close()
	framelink.Logger().Info("view destroyed")
}

func (v *ViewBackend) frameAvailable() {
	if v.cons == nil {
		framelink.Stats.FrameRejected.Add(1)
		framelink.Logger().Warn("frame announced before the stream connected", "state", v.neg.State().String())
		return
	}
	v.cons.HandleFrameAvailable()
}

func (v *ViewBackend) stateChanged(s stream.State, err error) {
	v.params.stateChanged(s, err)
	switch s {
	case stream.Connected:
		cfg := frame.ConsumerConfig{
			Stream:         v.cs,
			Loop:           v.params.Loop,
			Sync:           v.params.SyncAcquire,
			AcquireTimeout: v.params.AcquireTimeout,
			OnError:        func(err error) { v.neg.Fail(err) },
		}
		if f := v.params.OnFrameAvailable; f != nil {
			cfg.OnFrameAvailable = func(fr *gpu.Frame) { f(v, fr) }
		}
		v.cons = frame.NewConsumer(v.ch, cfg)
		v.neg.MarkStreaming()
	case stream.Error:
		if v.cons != nil {
			v.cons.Fail(err)
		}
	}
}
