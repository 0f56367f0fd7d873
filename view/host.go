// Copyright (C) 2023 Michael J. Fromberger. All Rights Reserved.

package view

import (
	"fmt"
	"sync"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/channel"
)

// A RendererHost hands out channel endpoints to renderer processes that are
// not yet associated with a view. The host keeps each client channel open
// until it is removed or the peer closes it, and ignores its traffic.
//
// The methods of a RendererHost are safe for concurrent use.
type RendererHost struct {
	loop framelink.Dispatcher

	μ       sync.Mutex
	clients map[*Client]struct{}
}

// A Client is one renderer connection of a RendererHost.
type Client struct {
	ch *framelink.Channel
}

// PeerHandle transfers ownership of the client's peer endpoint to the caller.
// It returns nil if the endpoint was already claimed.
func (c *Client) PeerHandle() *framelink.Handle { return c.ch.DetachPeer() }

// NewRendererHost constructs a host whose client channels are attached to d.
func NewRendererHost(d framelink.Dispatcher) *RendererHost {
	return &RendererHost{loop: d, clients: make(map[*Client]struct{})}
}

// Kind implements a method of [Backend].
func (*RendererHost) Kind() Kind { return KindRendererHost }

// CreateClient creates a new client connection.
func (r *RendererHost) CreateClient() (*Client, error) {
	sock, peer, err := channel.Pair()
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	c := &Client{ch: framelink.Open(sock, peer, nil)}
	c.ch.OnExit(func(error) { r.forget(c) })

	r.μ.Lock()
	r.clients[c] = struct{}{}
	r.μ.Unlock()
	if err := c.ch.Attach(r.loop); err != nil {
		c.ch.Close()
		return nil, fmt.Errorf("create client: %w", err)
	}
	return c, nil
}

// RemoveClient closes the client connection c. It is a no-op if c was
// already removed.
func (r *RendererHost) RemoveClient(c *Client) { c.ch.Close() }

// Clients reports the number of open client connections.
func (r *RendererHost) Clients() int {
	r.μ.Lock()
	defer r.μ.Unlock()
	return len(r.clients)
}

// Destroy closes all client connections.
func (r *RendererHost) Destroy() {
	r.μ.Lock()
	cs := make([]*Client, 0, len(r.clients))
	for c := range r.clients {
		cs = append(cs, c)
	}
	r.μ.Unlock()
	for _, c := range cs {
		c.ch.Close()
	}
}

func (r *RendererHost) forget(c *Client) {
	r.μ.Lock()
	defer r.μ.Unlock()
	delete(r.clients, c)
}
