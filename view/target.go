// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package view

import (
	"fmt"
	"image"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/channel"
	"github.com/creachadair/framelink/frame"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/framelink/handler"
	"github.com/creachadair/framelink/stream"
)

// A RendererBackendTarget is the renderer side of one view. It binds the
// stream handle sent by the host, and submits rendered frames to it.
type RendererBackendTarget struct {
	params Params
	ch     *framelink.Channel
	neg    *stream.Negotiator
	ps     gpu.ProducerStream // set by a successful bind
	prod   *frame.Producer    // set once the stream is connected

	width, height int
	resized       bool // the size changed since the stream was bound or resized

	initialized bool
	destroyed   bool
}

// NewRendererBackendTarget creates a renderer target on the channel endpoint
// fd, which was obtained from the host's ViewBackend or RendererHost. It
// takes ownership of fd.
func NewRendererBackendTarget(fd int, p Params) (*RendererBackendTarget, error) {
	if err := p.check(false); err != nil {
		framelink.NewHandle(fd).Close()
		return nil, fmt.Errorf("new target: %w", err)
	}
	sock, err := channel.FromHandle(fd)
	if err != nil {
		return nil, fmt.Errorf("new target: %w", err)
	}

	t := &RendererBackendTarget{params: p}
	mux := new(handler.Mux).
		Handle(framelink.CodeStreamState, handler.State(func(_ *framelink.Channel, s framelink.StreamStateValue) {
			t.neg.HandleState(s)
		})).
		Handle(framelink.CodeStreamFileDescriptor, handler.Token(func(_ *framelink.Channel, tok *framelink.Token) {
			t.neg.HandleToken(tok)
		})).
		Handle(framelink.CodeFrameComplete, handler.Notify(func(*framelink.Channel) { t.frameComplete() })).
		OnError(func(_ *framelink.Channel, err error) { t.neg.Fail(err) }).
		OnPeerClosed(func(*framelink.Channel) { t.neg.Fail(framelink.ErrPeerClosed) })
	t.ch = framelink.Open(sock, nil, mux)
	t.neg = stream.New(t.ch, stream.Config{
		Role:          stream.Importer,
		Bind:          t.bind,
		Initiate:      true,
		OnStateChange: t.stateChanged,
	})
	return t, nil
}

// Kind implements a method of [Backend].
func (*RendererBackendTarget) Kind() Kind { return KindRendererBackendTarget }

// State reports the connection state of the target's stream.
func (t *RendererBackendTarget) State() stream.State { return t.neg.State() }

// Size reports the current frame size of t.
func (t *RendererBackendTarget) Size() (width, height int) { return t.width, t.height }

// Initialize sets the frame size and asks the host for its stream handle.
// Initializing a target more than once has no further effect.
func (t *RendererBackendTarget) Initialize(width, height int) error {
	if t.initialized {
		framelink.Logger().Warn("renderer target already initialized")
		return nil
	} else if t.destroyed {
		return framelink.ErrChannelClosed
	} else if width <= 0 || height <= 0 {
		return fmt.Errorf("initialize target: invalid size %dx%d", width, height)
	}
	t.initialized = true
	t.width, t.height = width, height
	if err := t.neg.Start(); err != nil {
		return fmt.Errorf("initialize target: %w", err)
	}
	return t.ch.Attach(t.params.Loop)
}

// Resize records a new frame size. It takes effect with the next rendered
// frame, if the stream supports resizing; otherwise frames are scaled by the
// stream to the size it was bound with.
func (t *RendererBackendTarget) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize target: invalid size %dx%d", width, height)
	}
	if width != t.width || height != t.height {
		t.width, t.height = width, height
		t.resized = true
	}
	return nil
}

// FrameWillRender reports that rendering of a frame has begun. It reports
// [frame.ErrFrameInFlight] if the previous frame has not been completed.
func (t *RendererBackendTarget) FrameWillRender() error {
	if t.prod == nil {
		return ErrNotConnected
	}
	return t.prod.BeginFrame()
}

// FrameRendered submits img to the stream and announces it to the host.
func (t *RendererBackendTarget) FrameRendered(img image.Image) error {
	if t.prod == nil {
		return ErrNotConnected
	}
	if t.resized {
		t.resized = false
		if r, ok := t.ps.(gpu.Resizer); !ok {
			framelink.Logger().Warn("stream does not support resizing", "width", t.width, "height", t.height)
		} else if err := r.Resize(t.width, t.height); err != nil {
			framelink.Logger().Error("resize failed", "width", t.width, "height", t.height, "err", err)
		}
	}
	return t.prod.FrameRendered(img)
}

// Deinitialize stops frame exchange and releases the stream. The channel
// remains open until Destroy.
func (t *RendererBackendTarget) Deinitialize() {
	if t.prod != nil {
		if err := t.prod.Close(); err != nil {
			framelink.Logger().Error("closing producer stream", "err", err)
		}
		t.prod = nil
	} else if t.ps != nil {
		t.ps.Close()
	}
	t.ps = nil
	t.neg.Close()
}

// Destroy releases the stream and closes the channel. It is idempotent.
func (t *RendererBackendTarget) Destroy() {
	if t.destroyed {
		return
	}
	t.destroyed = true
	t.Deinitialize()
	t.ch.Close()
	framelink.Logger().Info("renderer target destroyed")
}

func (t *RendererBackendTarget) bind(fd int) error {
	ps, err := t.params.Device.BindProducerStream(fd, t.width, t.height)
	if err != nil {
		return err
	}
	t.ps = ps
	t.resized = false
	return nil
}

func (t *RendererBackendTarget) frameComplete() {
	if t.prod == nil {
		framelink.Stats.FrameRejected.Add(1)
		framelink.Logger().Warn("frame completion before the stream connected")
		return
	}
	t.prod.HandleFrameComplete()
}

func (t *RendererBackendTarget) completed() {
	if t.params.OnFrameComplete != nil {
		t.params.OnFrameComplete(t)
	}
}

func (t *RendererBackendTarget) stateChanged(s stream.State, err error) {
	t.params.stateChanged(s, err)
	switch s {
	case stream.Connected:
		t.prod = frame.NewProducer(t.ch, t.ps, t.completed)
		t.neg.MarkStreaming()
	case stream.Error:
		if t.prod != nil {
			t.prod.Fail(err)
		}
	}
}
