// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

// Package handler provides a message router implementing the
// framelink.MessageHandler interface, and adapters to its Func type for
// functions with more specific signatures.
package handler

import (
	"sync"

	"github.com/creachadair/framelink"
)

// A Func processes one inbound message delivered on a channel.
type Func func(*framelink.Channel, *framelink.Delivery)

// A Mux routes inbound messages to functions by message code. A zero Mux is
// ready for use and discards all traffic. Its methods are safe for concurrent
// use.
type Mux struct {
	μ        sync.Mutex
	routes   map[framelink.Code]Func
	onError  func(*framelink.Channel, error)
	onClosed func(*framelink.Channel)
}

// Handle registers f to handle messages with the given code. Passing a nil
// Func removes any handler for code. Handle returns m to permit chaining.
func (m *Mux) Handle(code framelink.Code, f Func) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	if m.routes == nil {
		m.routes = make(map[framelink.Code]Func)
	}
	if f == nil {
		delete(m.routes, code)
	} else {
		m.routes[code] = f
	}
	return m
}

// OnError registers f to be called when a channel fails. It returns m to
// permit chaining.
func (m *Mux) OnError(f func(*framelink.Channel, error)) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onError = f
	return m
}

// OnPeerClosed registers f to be called when the remote peer closes a
// channel. It returns m to permit chaining.
func (m *Mux) OnPeerClosed(f func(*framelink.Channel)) *Mux {
	m.μ.Lock()
	defer m.μ.Unlock()
	m.onClosed = f
	return m
}

// HandleMessage implements a method of [framelink.MessageHandler]. A message
// with no registered handler is logged and discarded, and its tokens are
// closed by the channel.
func (m *Mux) HandleMessage(ch *framelink.Channel, d *framelink.Delivery) {
	m.μ.Lock()
	f, ok := m.routes[d.Code]
	m.μ.Unlock()
	if !ok {
		framelink.Logger().Warn("no handler for message", "msg", d.Message.String())
		return
	}
	f(ch, d)
}

// HandleError implements a method of [framelink.MessageHandler].
func (m *Mux) HandleError(ch *framelink.Channel, err error) {
	m.μ.Lock()
	f := m.onError
	m.μ.Unlock()
	if f != nil {
		f(ch, err)
	}
}

// HandlePeerClosed implements a method of [framelink.MessageHandler].
func (m *Mux) HandlePeerClosed(ch *framelink.Channel) {
	m.μ.Lock()
	f := m.onClosed
	m.μ.Unlock()
	if f != nil {
		f(ch)
	}
}

// Notify adapts a function f that takes no message data to a Func.
func Notify(f func(*framelink.Channel)) Func {
	return func(ch *framelink.Channel, _ *framelink.Delivery) { f(ch) }
}

// State adapts a function f that accepts the payload of a StreamState message
// to a Func. Messages whose payload cannot be decoded are logged and
// discarded.
func State(f func(*framelink.Channel, framelink.StreamStateValue)) Func {
	return func(ch *framelink.Channel, d *framelink.Delivery) {
		s, err := d.StreamState()
		if err != nil {
			framelink.Logger().Warn("invalid stream state message", "msg", d.Message.String(), "err", err)
			return
		}
		f(ch, s)
	}
}

// Token adapts a function f that accepts the first token of a message to a
// Func. If the message carries no tokens, f receives nil. Tokens beyond the
// first are closed by the channel.
func Token(f func(*framelink.Channel, *framelink.Token)) Func {
	return func(ch *framelink.Channel, d *framelink.Delivery) {
		var tok *framelink.Token
		if len(d.Tokens) > 0 {
			tok = d.Tokens[0]
		}
		f(ch, tok)
	}
}
