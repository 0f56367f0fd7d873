// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package stream implements the handshake that shares a stream object
// between two processes.
//
// One side, the Exporter, owns a stream object and extracts a transferable
// handle from it. The other side, the Importer, binds that handle into a
// stream object of its own. The two exchange StreamState messages to agree
// on who is waiting for whom, and a single StreamFileDescriptor message that
// carries the handle. Either side may initiate.
package stream

import (
	"errors"
	"fmt"
	"sync"

	"github.com/creachadair/framelink"
)

// State is the connection state of a stream.
type State int

const (
	Uninitialized    State = iota // Start has not been called
	WaitingForHandle              // The handle has not yet been transferred
	Connected                     // The Importer bound the handle
	Streaming                     // Frames are being exchanged
	Error                         // The handshake or the stream failed
	Closed                        // The negotiator was closed
)

var stateNames = [...]string{
	Uninitialized:    "Uninitialized",
	WaitingForHandle: "WaitingForHandle",
	Connected:        "Connected",
	Streaming:        "Streaming",
	Error:            "Error",
	Closed:           "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s admits no further transitions except Closed.
func (s State) Terminal() bool { return s == Error || s == Closed }

// Role selects which side of the handshake a Negotiator plays.
type Role int

const (
	Exporter Role = iota + 1 // Owns the stream object and sends its handle
	Importer                 // Binds the received handle
)

func (r Role) String() string {
	switch r {
	case Exporter:
		return "Exporter"
	case Importer:
		return "Importer"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// A Sender sends messages to the remote peer. A *framelink.Channel
// implements this interface.
type Sender interface {
	Send(framelink.Message, ...*framelink.Handle) error
}

// Config carries the settings for a Negotiator.
type Config struct {
	Role Role

	// Export extracts a transferable handle from the local stream object.
	// It is required for an Exporter, and called once by Start.
	Export func() (*framelink.Handle, error)

	// Bind binds a received handle into a local stream object. It is
	// required for an Importer. The descriptor is closed when Bind returns.
	Bind func(fd int) error

	// If Initiate is true, Start sends the first handshake message: the
	// handle for an Exporter, or a WaitingForFd request for an Importer.
	// Otherwise the negotiator waits for the peer to begin.
	Initiate bool

	// If set, OnStateChange is called once for each state transition, with
	// the error that caused it, if any.
	OnStateChange func(State, error)
}

// A Negotiator runs one side of the stream handshake over a channel.
//
// The methods of a Negotiator must be called from a single goroutine, such
// as the event loop that dispatches the channel's messages. State and Err
// are safe to call from any goroutine.
type Negotiator struct {
	ch  Sender
	cfg Config

	handle *framelink.Handle // Exporter: extracted and not yet sent
	sent   bool              // Exporter: the handle was sent

	μ     sync.Mutex
	state State
	err   error
}

// New constructs a negotiator that sends on ch. It panics if cfg lacks the
// function required by its role.
func New(ch Sender, cfg Config) *Negotiator {
	switch cfg.Role {
	case Exporter:
		if cfg.Export == nil {
			panic("stream: exporter has no Export function")
		}
	case Importer:
		if cfg.Bind == nil {
			panic("stream: importer has no Bind function")
		}
	default:
		panic(fmt.Sprintf("stream: invalid role %v", cfg.Role))
	}
	return &Negotiator{ch: ch, cfg: cfg}
}

// State reports the current connection state.
func (n *Negotiator) State() State {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.state
}

// Err reports the error that moved n to the Error state, or nil.
func (n *Negotiator) Err() error {
	n.μ.Lock()
	defer n.μ.Unlock()
	return n.err
}

// Start begins the handshake. For an Exporter, it extracts the handle from
// the local stream object; if that fails, Start sends nothing and reports an
// error wrapping [framelink.ErrHandleExtraction].
func (n *Negotiator) Start() error {
	if s := n.State(); s != Uninitialized {
		return fmt.Errorf("negotiator already started (state %v)", s)
	}
	switch n.cfg.Role {
	case Exporter:
		h, err := n.cfg.Export()
		if err == nil && !h.Valid() {
			err = errors.New("no handle")
		}
		if err != nil {
			err = fmt.Errorf("%w: %w", framelink.ErrHandleExtraction, err)
			n.setState(Error, err)
			return err
		}
		n.handle = h
		n.setState(WaitingForHandle, nil)
		if n.cfg.Initiate {
			return n.sendHandle()
		}

	case Importer:
		n.setState(WaitingForHandle, nil)
		if n.cfg.Initiate {
			return n.send(framelink.StreamState(framelink.StateWaitingForFd))
		}
	}
	return nil
}

// HandleMessage processes a StreamState or StreamFileDescriptor message from
// the peer. Other messages are ignored. A token the negotiator does not bind
// is left for the channel to close.
func (n *Negotiator) HandleMessage(d *framelink.Delivery) {
	switch d.Code {
	case framelink.CodeStreamState:
		s, err := d.StreamState()
		if err != nil {
			framelink.Logger().Warn("invalid stream state", "err", err)
			return
		}
		n.HandleState(s)

	case framelink.CodeStreamFileDescriptor:
		var tok *framelink.Token
		if len(d.Tokens) > 0 {
			tok = d.Tokens[0]
		}
		n.HandleToken(tok)
	}
}

// HandleState processes a handshake state reported by the peer.
func (n *Negotiator) HandleState(s framelink.StreamStateValue) {
	if state, ok := n.active("state " + s.String()); ok {
		n.handleState(state, s)
	}
}

// HandleToken processes the handle carried by a StreamFileDescriptor
// message, or nil if the message carried none.
func (n *Negotiator) HandleToken(tok *framelink.Token) {
	if state, ok := n.active("handle"); ok {
		n.handleHandle(state, tok)
	}
}

// active reports the current state, and whether it admits handshake
// messages.
func (n *Negotiator) active(what string) (State, bool) {
	state := n.State()
	if state.Terminal() || state == Uninitialized {
		framelink.Logger().Warn("handshake message ignored", "state", state.String(), "msg", what)
		return state, false
	}
	return state, true
}

func (n *Negotiator) handleState(state State, s framelink.StreamStateValue) {
	switch s {
	case framelink.StateError:
		// Never reply to an error.
		n.setState(Error, fmt.Errorf("%w: peer reported an error", framelink.ErrHandshake))

	case framelink.StateWaitingForFd:
		if n.cfg.Role != Exporter {
			framelink.Logger().Warn("handle request received by importer")
			return
		}
		if n.sent || state != WaitingForHandle {
			n.reject("repeated handle request")
			return
		}
		n.sendHandle()

	case framelink.StateConnected:
		if n.cfg.Role != Exporter || !n.sent || state != WaitingForHandle {
			framelink.Logger().Warn("unexpected connected report", "role", n.cfg.Role.String(), "state", state.String())
			return
		}
		n.setState(Connected, nil)

	default:
		framelink.Logger().Warn("unknown stream state", "state", uint32(s))
	}
}

func (n *Negotiator) handleHandle(state State, tok *framelink.Token) {
	if n.cfg.Role != Importer {
		n.reject("handle received by exporter")
		return
	} else if state != WaitingForHandle {
		n.reject("handle received after connecting")
		return
	} else if tok == nil {
		n.reject("handle message without a handle")
		return
	}
	if err := tok.Bind(n.cfg.Bind); err != nil {
		n.send(framelink.StreamState(framelink.StateError))
		n.setState(Error, err)
		return
	}
	if err := n.send(framelink.StreamState(framelink.StateConnected)); err != nil {
		return
	}
	n.setState(Connected, nil)
}

// MarkStreaming records that frame exchange has begun. It reports an error
// unless n is Connected or already Streaming.
func (n *Negotiator) MarkStreaming() error {
	switch s := n.State(); s {
	case Streaming:
		return nil
	case Connected:
		n.setState(Streaming, nil)
		return nil
	default:
		return fmt.Errorf("stream is not connected (state %v)", s)
	}
}

// Fail moves n to the Error state because of err, unless it is already in a
// terminal state. Nothing is sent to the peer.
func (n *Negotiator) Fail(err error) {
	if !n.State().Terminal() {
		n.setState(Error, err)
	}
}

// Close closes any handle still held by n and moves it to the Closed state.
// Close is idempotent.
func (n *Negotiator) Close() {
	if n.handle != nil {
		n.handle.Close()
		n.handle = nil
	}
	n.setState(Closed, nil)
}

// sendHandle transfers the extracted handle to the peer. The handle is sent
// at most once; the channel takes ownership of it.
func (n *Negotiator) sendHandle() error {
	h := n.handle
	n.handle = nil
	n.sent = true
	return n.send(framelink.StreamFileDescriptor(), h)
}

// reject reports a handshake violation to the peer and fails the stream.
func (n *Negotiator) reject(why string) {
	n.send(framelink.StreamState(framelink.StateError))
	n.setState(Error, fmt.Errorf("%w: %s", framelink.ErrHandshake, why))
}

// send sends msg to the peer. If that fails, the stream fails too.
func (n *Negotiator) send(msg framelink.Message, hs ...*framelink.Handle) error {
	if err := n.ch.Send(msg, hs...); err != nil {
		n.Fail(err)
		return err
	}
	return nil
}

func (n *Negotiator) setState(s State, err error) {
	n.μ.Lock()
	if n.state == s || n.state == Closed {
		n.μ.Unlock()
		return
	}
	old := n.state
	n.state = s
	if s == Error {
		n.err = err
	}
	n.μ.Unlock()

	switch s {
	case Connected:
		framelink.Stats.HandshakeOK.Add(1)
		framelink.Logger().Info("stream connected", "role", n.cfg.Role.String())
	case Error:
		if old < Connected {
			framelink.Stats.HandshakeFailed.Add(1)
		}
		framelink.Logger().Error("stream failed", "role", n.cfg.Role.String(), "from", old.String(), "err", err)
	default:
		framelink.Logger().Debug("stream state", "role", n.cfg.Role.String(), "from", old.String(), "to", s.String())
	}
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(s, err)
	}
}
