// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame

import (
	"fmt"
	"image"
	"sync"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
)

// A Producer is the sending side of a frame exchange.
//
// The methods of a Producer must be called from a single goroutine, such as
// the event loop that dispatches the channel's messages. State is safe to
// call from any goroutine.
type Producer struct {
	ch         Sender
	stream     gpu.ProducerStream
	onComplete func()

	μ     sync.Mutex
	state State
	err   error
}

// NewProducer constructs a producer that submits frames to stream and
// announces them on ch. If onComplete != nil, it is called each time a frame
// completes, including frames completed locally because they could not be
// delivered.
func NewProducer(ch Sender, stream gpu.ProducerStream, onComplete func()) *Producer {
	return &Producer{ch: ch, stream: stream, onComplete: onComplete}
}

// State reports the current state of p.
func (p *Producer) State() State {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.state
}

// check reports an error unless p is in one of the given states.
func (p *Producer) check(ok ...State) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state == Error || p.state == Closed {
		if p.err != nil {
			return p.err
		}
		return fmt.Errorf("producer is %v", p.state)
	}
	for _, s := range ok {
		if p.state == s {
			return nil
		}
	}
	framelink.Stats.FrameRejected.Add(1)
	return fmt.Errorf("%w (state %v)", ErrFrameInFlight, p.state)
}

func (p *Producer) set(s State) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state != Error && p.state != Closed {
		p.state = s
	}
}

// BeginFrame records that rendering of a new frame has started. It reports
// [ErrFrameInFlight] if the previous frame has not completed.
func (p *Producer) BeginFrame() error {
	if err := p.check(Idle); err != nil {
		return err
	}
	p.set(Rendering)
	return nil
}

// FrameRendered submits img to the stream and announces it to the consumer.
// Calling BeginFrame first is optional. It reports [ErrFrameInFlight] if the
// previous frame has not completed.
//
// If the image cannot be submitted or announced, the frame is completed
// locally, so the caller is never left waiting for a completion that will
// not arrive, and the error is returned.
func (p *Producer) FrameRendered(img image.Image) error {
	if err := p.check(Idle, Rendering); err != nil {
		return err
	}
	if err := p.stream.Submit(img); err != nil {
		framelink.Logger().Error("frame submit failed", "err", err)
		p.completeLocally()
		return fmt.Errorf("submit frame: %w", err)
	}
	p.set(Available)
	if err := p.ch.Send(framelink.FrameAvailable()); err != nil {
		p.completeLocally()
		return fmt.Errorf("announce frame: %w", err)
	}
	return nil
}

func (p *Producer) completeLocally() {
	p.set(Idle)
	if p.onComplete != nil {
		p.onComplete()
	}
}

// HandleFrameComplete processes a FrameComplete message from the consumer.
// A completion that does not answer an announced frame is counted and
// ignored.
func (p *Producer) HandleFrameComplete() {
	if s := p.State(); s != Available {
		framelink.Stats.FrameRejected.Add(1)
		framelink.Logger().Warn("unexpected frame completion ignored", "state", s.String())
		return
	}
	framelink.Stats.FrameComplete.Add(1)
	p.set(Idle)
	if p.onComplete != nil {
		p.onComplete()
	}
}

// Fail moves p to the Error state. Subsequent calls report err.
func (p *Producer) Fail(err error) {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.state != Error && p.state != Closed {
		p.state, p.err = Error, err
	}
}

// Close closes the producer stream. Close is idempotent.
func (p *Producer) Close() error {
	p.μ.Lock()
	if p.state == Closed {
		p.μ.Unlock()
		return nil
	}
	p.state = Closed
	p.μ.Unlock()
	return p.stream.Close()
}
