// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package gpu defines the interfaces of the stream objects that carry frames
// between a producer and a consumer.
//
// A consumer creates a ConsumerStream and exports a transferable handle for
// it. The producer binds that handle into a ProducerStream, and submits
// images to it. The consumer acquires each submitted image as a Frame and
// releases it when done. Pixel data is never copied through the channel.
package gpu

import (
	"context"
	"errors"
	"image"

	"github.com/creachadair/framelink"
)

// ErrAcquireTimeout is reported by ConsumerStream.Acquire when no frame
// arrived within the stream's acquire timeout. The caller may retry.
var ErrAcquireTimeout = errors.New("acquire timed out")

// A Frame is one image acquired from a consumer stream. The image is valid
// until the frame is released.
type Frame struct {
	Seq   uint64      // sequence number assigned by the producer, from 1
	Image *image.RGBA // the frame contents
}

// A Device creates stream objects.
type Device interface {
	// NewConsumerStream creates a stream object that receives frames of the
	// given dimensions.
	NewConsumerStream(width, height int) (ConsumerStream, error)

	// BindProducerStream binds the stream object referred to by fd, which was
	// exported by a consumer stream, possibly in another process. The caller
	// retains ownership of fd.
	BindProducerStream(fd, width, height int) (ProducerStream, error)
}

// A ConsumerStream is the receiving end of a stream object.
type ConsumerStream interface {
	// ExportHandle returns a new transferable handle for the stream. The
	// caller owns the handle.
	ExportHandle() (*framelink.Handle, error)

	// Acquire blocks until a new frame is available, ctx ends, or the
	// stream's acquire timeout elapses. Only one frame may be held at a time.
	Acquire(ctx context.Context) (*Frame, error)

	// Release returns an acquired frame to the stream.
	Release(*Frame) error

	Close() error
}

// A ProducerStream is the sending end of a stream object.
type ProducerStream interface {
	// Submit publishes img as the next frame.
	Submit(img image.Image) error

	Close() error
}

// A Resizer is a stream whose frame dimensions can change after creation.
type Resizer interface {
	Resize(width, height int) error
}
