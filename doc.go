// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package framelink implements a channel for exchanging rendered frames
// between two processes without copying pixel data across the process
// boundary.
//
// A producer (the renderer) and a consumer (the host) share a stream object.
// They agree on it with a short handshake, and then pass frames back and
// forth, one at a time. All of this happens over a connected local socket
// that carries fixed-size message records, and that can transfer kernel
// handles (file descriptors) alongside them.
//
// # Messages
//
// Every message is a record of exactly [MessageSize] bytes: a 16-bit
// [Code], a 16-bit count of attached handles, and a payload. Multi-byte
// values are little-endian. The codes are:
//
//   - FrameAvailable: the producer submitted a frame.
//   - FrameComplete: the consumer released the frame it was given.
//   - StreamFileDescriptor: carries the handle of the stream object.
//   - StreamState: reports handshake progress (WaitingForFd, Connected, or
//     Error).
//
// A receiver discards a record whose code it does not recognize.
//
// # Channels
//
// The [Conn] interface defines the ability to send and receive records with
// handles attached. The channel package provides a socket implementation and
// an in-memory implementation for testing.
//
// A [Channel] wraps a Conn and delivers inbound records to a
// [MessageHandler]. To receive on an event loop, attach the channel to a
// [Dispatcher], such as a loop.Loop:
//
//	ch := framelink.Open(conn, nil, handler)
//	if err := ch.Attach(l); err != nil {
//	   log.Fatalf("Attach: %v", err)
//	}
//
// Handles received with a record are delivered as [Token] values. A handler
// consumes a token with [Token.Bind]; tokens it does not consume are closed
// when it returns, so no handle is ever leaked.
//
// To send a message with a handle attached:
//
//	err := ch.Send(framelink.StreamFileDescriptor(), h)
//
// Send takes ownership of the handles it is given. If a send fails, the
// channel is closed and its handler is notified.
//
// # Metrics
//
// Channels and views maintain a collection of counters, shared by all of
// them. Use [Metrics] to obtain an [expvar.Map] containing:
//
//   - records_sent: counter of records sent
//   - records_received: counter of records received
//   - records_dropped: counter of records received with an unknown code
//   - handles_sent: counter of handles sent
//   - handles_received: counter of handles received
//   - channel_errors: counter of channels closed by an error
//   - frames_available: counter of frames announced to consumers
//   - frames_complete: counter of frames completed by consumers
//   - frames_rejected: counter of frame messages or calls out of sequence
//   - handshakes_connected: counter of handshakes that connected
//   - handshakes_failed: counter of handshakes that failed
//
// # Logging
//
// By default the package logs nothing. Use [SetLogger] to install a
// [log/slog] logger shared by this package and its subpackages.
package framelink
