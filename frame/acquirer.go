// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame

import (
	"context"
	"errors"
	"sync"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/taskgroup"
)

// An Acquirer runs a worker goroutine that acquires frames from a consumer
// stream, so that blocking in the stream never stalls the event loop.
//
// The worker places each acquired frame in a single-slot exchange and posts
// a wake to the event loop. It does not acquire another frame until the loop
// calls FetchNext, which it does after releasing the previous frame.
type Acquirer struct {
	stream  gpu.ConsumerStream
	disp    framelink.Dispatcher
	ready   func()      // posted to the loop when the slot is filled
	onError func(error) // posted to the loop when acquisition fails

	slot   chan *gpu.Frame // capacity 1
	ctx    context.Context
	cancel context.CancelFunc
	tasks  *taskgroup.Group

	μ         sync.Mutex
	cond      *sync.Cond
	fetchNext bool // the loop has released the previous frame
	stop      bool // the worker must exit
}

// NewAcquirer constructs an unstarted acquirer for stream. When a frame is
// acquired, ready is posted to d; the loop then retrieves the frame with
// Take. If acquisition fails for any reason other than a timeout, onError is
// posted to d and the worker exits.
func NewAcquirer(stream gpu.ConsumerStream, d framelink.Dispatcher, ready func(), onError func(error)) *Acquirer {
	a := &Acquirer{
		stream:  stream,
		disp:    d,
		ready:   ready,
		onError: onError,
		slot:    make(chan *gpu.Frame, 1),
	}
	a.cond = sync.NewCond(&a.μ)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

// Start starts the worker goroutine. It panics if a is already started.
func (a *Acquirer) Start() {
	if a.tasks != nil {
		panic("acquirer is already started")
	}
	a.tasks = taskgroup.New(nil)
	a.tasks.Go(func() error { a.run(); return nil })
}

func (a *Acquirer) run() {
	for {
		f, err := a.stream.Acquire(a.ctx)
		if a.ctx.Err() != nil {
			if f != nil {
				a.stream.Release(f)
			}
			return
		} else if errors.Is(err, gpu.ErrAcquireTimeout) {
			continue
		} else if err != nil {
			framelink.Logger().Error("frame acquire failed", "err", err)
			a.disp.Post(func() { a.onError(err) })
			return
		}

		a.slot <- f // the slot is empty: the previous frame was taken
		if !a.disp.Post(a.ready) {
			return // the loop is gone; Stop releases the frame in the slot
		}

		// Do not acquire again until the loop has released this frame.
		a.μ.Lock()
		for !a.fetchNext && !a.stop {
			a.cond.Wait()
		}
		a.fetchNext = false
		stop := a.stop
		a.μ.Unlock()
		if stop {
			return
		}
	}
}

// Take retrieves the frame waiting in the exchange slot, if any. It does not
// block.
func (a *Acquirer) Take() (*gpu.Frame, bool) {
	select {
	case f := <-a.slot:
		return f, true
	default:
		return nil, false
	}
}

// FetchNext signals the worker that the previous frame has been released and
// it may acquire the next.
func (a *Acquirer) FetchNext() {
	a.μ.Lock()
	defer a.μ.Unlock()
	a.fetchNext = true
	a.cond.Signal()
}

// Stop stops the worker and waits for it to exit. If a frame remains in the
// exchange slot, it is returned, and the caller must release it. Stop is
// idempotent.
func (a *Acquirer) Stop() *gpu.Frame {
	a.μ.Lock()
	a.stop = true
	a.fetchNext = true
	a.cond.Broadcast()
	a.μ.Unlock()

	a.cancel()
	if a.tasks != nil {
		a.tasks.Wait()
	}
	f, _ := a.Take()
	return f
}
