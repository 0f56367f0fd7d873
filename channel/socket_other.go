// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build !linux

package channel

import (
	"errors"
	"fmt"

	"github.com/creachadair/framelink"
)

var errNoSeqPacket = errors.New("sequenced-packet sockets are not supported on this platform")

// A Socket is a [framelink.Conn] on a connected sequenced-packet socket. On
// this platform no sockets can be created.
type Socket struct{}

// Pair reports an error wrapping [framelink.ErrTransportUnavailable].
func Pair() (*Socket, *framelink.Handle, error) {
	return nil, nil, fmt.Errorf("%w: %w", framelink.ErrTransportUnavailable, errNoSeqPacket)
}

// FromHandle reports an error wrapping [framelink.ErrInvalidPeer].
func FromHandle(fd int) (*Socket, error) {
	return nil, fmt.Errorf("%w: %w", framelink.ErrInvalidPeer, errNoSeqPacket)
}

func (*Socket) Send(*framelink.Message, []*framelink.Handle) error { return errNoSeqPacket }

func (*Socket) Recv() (*framelink.Message, []*framelink.Handle, error) {
	return nil, nil, errNoSeqPacket
}

func (*Socket) Close() error { return nil }
