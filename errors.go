// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package framelink

import (
	"errors"
	"fmt"
)

var (
	// ErrTransportUnavailable reports that the local connected-socket
	// primitive could not be created.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrInvalidPeer reports that an inherited peer handle is not usable.
	ErrInvalidPeer = errors.New("invalid peer handle")

	// ErrChannelClosed reports an operation on a channel that is closed.
	ErrChannelClosed = errors.New("channel closed")

	// ErrPeerClosed reports an orderly close by the remote peer.
	ErrPeerClosed = errors.New("peer closed")

	// ErrProtocol reports a malformed or inconsistent record.
	ErrProtocol = errors.New("protocol violation")

	// ErrHandleExtraction reports that a transferable handle could not be
	// extracted from a local stream object.
	ErrHandleExtraction = errors.New("handle extraction failed")

	// ErrHandleBind reports that a received handle could not be bound into a
	// local stream object.
	ErrHandleBind = errors.New("handle bind failed")

	// ErrHandshake reports that a peer explicitly reported a handshake error,
	// or that the handshake was violated.
	ErrHandshake = errors.New("handshake error")

	// ErrTokenConsumed reports an attempt to reuse a consumed token.
	ErrTokenConsumed = errors.New("token already consumed")
)

// ChannelError is the concrete type of errors reported for I/O failures and
// malformed records on a channel.
type ChannelError struct {
	Op  string // the operation that failed, e.g., "send" or "recv"
	Err error  // the underlying error
}

// Unwrap reports the underlying error of c.
func (c *ChannelError) Unwrap() error { return c.Err }

// Error satisfies the error interface.
func (c *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", c.Op, c.Err) }

// ProtocolError returns a *ChannelError for a protocol violation during op.
// The result matches [ErrProtocol] under errors.Is.
func ProtocolError(op, msg string, args ...any) *ChannelError {
	return &ChannelError{Op: op, Err: fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(msg, args...))}
}
