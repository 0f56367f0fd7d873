// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package frame implements the frame exchange protocol between a producer
// and a consumer sharing a stream object.
//
// The producer announces each submitted frame with a FrameAvailable message,
// and must not begin another until the consumer answers with FrameComplete.
// At most one frame is in flight at any time.
package frame

import (
	"errors"
	"fmt"

	"github.com/creachadair/framelink"
)

var (
	// ErrFrameInFlight is reported when the producer attempts to begin a
	// frame before the previous one was completed.
	ErrFrameInFlight = errors.New("frame in flight")

	// ErrNoFrame is reported when the consumer completes a frame it is not
	// displaying.
	ErrNoFrame = errors.New("no frame to complete")
)

// State is the state of one side of a frame exchange.
type State int

const (
	Idle       State = iota // No frame is in flight
	Rendering               // The producer is rendering a frame
	Available               // The frame was announced and not yet completed
	Displaying              // The consumer holds the frame
	Error                   // The exchange failed
	Closed                  // The exchange was shut down
)

var stateNames = [...]string{
	Idle:       "Idle",
	Rendering:  "Rendering",
	Available:  "Available",
	Displaying: "Displaying",
	Error:      "Error",
	Closed:     "Closed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// A Sender sends messages to the remote peer. A *framelink.Channel
// implements this interface.
type Sender interface {
	Send(framelink.Message, ...*framelink.Handle) error
}
