// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package view implements the backend objects a host engine creates to show
// frames rendered in another process.
//
// The host process creates a RendererHost and one ViewBackend per view. Each
// ViewBackend owns a consumer stream and a channel; the peer endpoint of the
// channel is handed to the renderer process, which wraps it in a
// RendererBackendTarget. The two run the stream handshake, and then exchange
// frames one at a time.
//
// Every method of these types except State must be called on the goroutine
// of the dispatcher given in Params, which also runs all callbacks.
package view

import (
	"errors"
	"fmt"
	"time"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/framelink/stream"
)

// ErrNotConnected is reported by frame operations on a view whose stream
// handshake has not completed.
var ErrNotConnected = errors.New("view is not connected")

// Kind identifies a backend variant.
type Kind int

const (
	KindRendererHost          Kind = iota + 1 // a RendererHost
	KindViewBackend                           // a ViewBackend
	KindRendererBackendTarget                 // a RendererBackendTarget
)

func (k Kind) String() string {
	switch k {
	case KindRendererHost:
		return "renderer-host"
	case KindViewBackend:
		return "view-backend"
	case KindRendererBackendTarget:
		return "renderer-backend-target"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// A Backend is one of the objects a host engine loads from this package.
type Backend interface {
	Kind() Kind

	// Destroy releases all resources held by the backend. It is idempotent.
	Destroy()
}

// Interface names accepted by Lookup.
const (
	RendererHostInterface          = "framelink_renderer_host_interface"
	ViewBackendInterface           = "framelink_view_backend_interface"
	RendererBackendTargetInterface = "framelink_renderer_backend_target_interface"
)

var interfaces = map[string]Kind{
	RendererHostInterface:          KindRendererHost,
	ViewBackendInterface:           KindViewBackend,
	RendererBackendTargetInterface: KindRendererBackendTarget,
}

// Lookup reports the backend kind that implements the named loader
// interface, or false if this package does not provide it.
func Lookup(name string) (Kind, bool) {
	k, ok := interfaces[name]
	return k, ok
}

// Params carries the settings for a ViewBackend or RendererBackendTarget.
// Fields not used by a backend are ignored.
type Params struct {
	// Width and Height give the frame size of a ViewBackend. The frame size
	// of a RendererBackendTarget is set by Initialize.
	Width, Height int

	// Device creates or binds the stream object. It is required.
	Device gpu.Device

	// Loop runs the backend's message handling and callbacks. It is
	// required.
	Loop framelink.Dispatcher

	// If SyncAcquire is true, a ViewBackend acquires each frame on the loop
	// when it is announced, waiting at most AcquireTimeout. Otherwise a
	// worker goroutine acquires frames.
	SyncAcquire    bool
	AcquireTimeout time.Duration

	// If set, OnFrameAvailable is called when a ViewBackend has a frame to
	// display. The callee must call FrameComplete when it is done with the
	// frame. If nil, frames are completed as soon as they arrive.
	OnFrameAvailable func(*ViewBackend, *gpu.Frame)

	// If set, OnFrameComplete is called when the host has released the last
	// frame rendered by a RendererBackendTarget, and the next may begin.
	OnFrameComplete func(*RendererBackendTarget)

	// If set, OnStateChange is called for each transition of the stream
	// connection state, with the error that caused it, if any.
	OnStateChange func(stream.State, error)
}

func (p Params) check(needSize bool) error {
	switch {
	case p.Device == nil:
		return errors.New("no stream device")
	case p.Loop == nil:
		return errors.New("no dispatcher")
	case needSize && (p.Width <= 0 || p.Height <= 0):
		return fmt.Errorf("invalid view size %dx%d", p.Width, p.Height)
	}
	return nil
}

func (p Params) stateChanged(s stream.State, err error) {
	if p.OnStateChange != nil {
		p.OnStateChange(s, err)
	}
}
