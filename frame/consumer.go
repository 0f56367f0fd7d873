// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
)

// DefaultAcquireTimeout bounds a synchronous acquire when the consumer
// configuration does not specify one.
const DefaultAcquireTimeout = time.Second

// ConsumerConfig carries the settings for a Consumer.
type ConsumerConfig struct {
	// Stream is the consumer stream that frames are acquired from.
	Stream gpu.ConsumerStream

	// Loop runs the consumer's callbacks. It must be the dispatcher that
	// delivers the channel's messages.
	Loop framelink.Dispatcher

	// If Sync is true, frames are acquired on the loop when FrameAvailable
	// arrives, bounded by AcquireTimeout. Otherwise a worker goroutine
	// acquires them.
	Sync bool

	// AcquireTimeout bounds a synchronous acquire. Zero means
	// DefaultAcquireTimeout.
	AcquireTimeout time.Duration

	// If set, OnFrameAvailable is called on the loop with each frame to be
	// displayed. The consumer must call FrameComplete when it is done with
	// the frame. If nil, each frame is completed as soon as it is acquired.
	OnFrameAvailable func(*gpu.Frame)

	// If set, OnError is called on the loop when frame acquisition fails.
	// The consumer is then in the Error state.
	OnError func(error)
}

// A Consumer is the receiving side of a frame exchange.
//
// The methods of a Consumer other than State must be called on the loop
// goroutine.
type Consumer struct {
	ch  Sender
	cfg ConsumerConfig
	acq *Acquirer // nil in sync mode

	pending *gpu.Frame // acquired before its FrameAvailable arrived
	held    *gpu.Frame // being displayed

	μ     sync.Mutex
	state State
	err   error
}

// NewConsumer constructs a consumer that completes frames on ch. In worker
// mode, it starts the acquisition worker.
func NewConsumer(ch Sender, cfg ConsumerConfig) *Consumer {
	c := &Consumer{ch: ch, cfg: cfg}
	if !cfg.Sync {
		c.acq = NewAcquirer(cfg.Stream, cfg.Loop, c.frameReady, c.acquireFailed)
		c.acq.Start()
	}
	return c
}

// State reports the current state of c.
func (c *Consumer) State() State {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.state
}

func (c *Consumer) set(s State) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != Error && c.state != Closed {
		c.state = s
	}
}

// HandleFrameAvailable processes a FrameAvailable message from the producer.
// A duplicate announcement, received while a frame is already in flight, is
// counted and ignored.
func (c *Consumer) HandleFrameAvailable() {
	switch s := c.State(); s {
	case Idle:
	case Error, Closed:
		return
	default:
		framelink.Stats.FrameRejected.Add(1)
		framelink.Logger().Warn("duplicate frame announcement ignored", "state", s.String())
		return
	}
	framelink.Stats.FrameAvailable.Add(1)
	c.set(Available)

	if c.cfg.Sync {
		timeout := c.cfg.AcquireTimeout
		if timeout <= 0 {
			timeout = DefaultAcquireTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		f, err := c.cfg.Stream.Acquire(ctx)
		if err != nil {
			c.acquireFailed(err)
			return
		}
		c.display(f)
	} else if f := c.pending; f != nil {
		c.pending = nil
		c.display(f)
	}
}

// frameReady runs on the loop when the worker has filled the slot.
func (c *Consumer) frameReady() {
	f, ok := c.acq.Take()
	if !ok {
		return
	}
	switch c.State() {
	case Available:
		c.display(f)
	case Idle:
		// The frame arrived before its announcement.
		c.pending = f
	default:
		c.release(f)
	}
}

func (c *Consumer) acquireFailed(err error) {
	c.Fail(fmt.Errorf("acquire frame: %w", err))
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

func (c *Consumer) display(f *gpu.Frame) {
	c.held = f
	c.set(Displaying)
	if c.cfg.OnFrameAvailable == nil {
		c.FrameComplete()
		return
	}
	c.cfg.OnFrameAvailable(f)
}

// FrameComplete releases the frame being displayed and tells the producer it
// may render the next one. It reports [ErrNoFrame] if no frame is being
// displayed, and never releases a frame twice. A failure to notify the
// producer because the channel is closed is not reported.
func (c *Consumer) FrameComplete() error {
	if c.State() != Displaying || c.held == nil {
		return ErrNoFrame
	}
	f := c.held
	c.held = nil
	c.release(f)
	c.set(Idle)
	if c.acq != nil {
		c.acq.FetchNext()
	}
	if err := c.ch.Send(framelink.FrameComplete()); err != nil && !errors.Is(err, framelink.ErrChannelClosed) {
		return fmt.Errorf("complete frame: %w", err)
	}
	return nil
}

func (c *Consumer) release(f *gpu.Frame) {
	if err := c.cfg.Stream.Release(f); err != nil {
		framelink.Logger().Error("frame release failed", "seq", f.Seq, "err", err)
	}
}

// Fail moves c to the Error state. No further frames are displayed.
func (c *Consumer) Fail(err error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.state != Error && c.state != Closed {
		c.state, c.err = Error, err
	}
}

// Err reports the error that moved c to the Error state, or nil.
func (c *Consumer) Err() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	return c.err
}

// Close stops the acquisition worker, waits for it to exit, and releases any
// frame the consumer still holds. It does not close the stream. Close is
// idempotent.
func (c *Consumer) Close() {
	c.μ.Lock()
	c.state = Closed
	c.μ.Unlock()

	if c.acq != nil {
		if f := c.acq.Stop(); f != nil {
			c.release(f)
		}
	}
	for _, f := range []*gpu.Frame{c.pending, c.held} {
		if f != nil {
			c.release(f)
		}
	}
	c.pending, c.held = nil, nil
}
