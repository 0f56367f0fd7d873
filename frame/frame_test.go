// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package frame_test

import (
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/frame"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/framelink/gpu/gputest"
	"github.com/creachadair/framelink/loop"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

// recorder is a frame.Sender that records the codes of the messages sent.
type recorder struct {
	μ    sync.Mutex
	sent []framelink.Code
	err  error
}

func (r *recorder) Send(m framelink.Message, hs ...*framelink.Handle) error {
	for _, h := range hs {
		h.Close()
	}
	r.μ.Lock()
	defer r.μ.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, m.Code)
	return nil
}

func (r *recorder) codes() []framelink.Code {
	r.μ.Lock()
	defer r.μ.Unlock()
	return append([]framelink.Code(nil), r.sent...)
}

func newStreams(t *testing.T, d *gputest.Device) (gpu.ConsumerStream, gpu.ProducerStream) {
	t.Helper()
	cs, err := d.NewConsumerStream(4, 4)
	if err != nil {
		t.Fatalf("NewConsumerStream: %v", err)
	}
	h, err := cs.ExportHandle()
	if err != nil {
		t.Fatalf("ExportHandle: %v", err)
	}
	defer h.Close()
	ps, err := d.BindProducerStream(h.Fd(), 4, 4)
	if err != nil {
		t.Fatalf("BindProducerStream: %v", err)
	}
	t.Cleanup(func() { ps.Close(); cs.Close() })
	return cs, ps
}

func newImage() image.Image { return image.NewRGBA(image.Rect(0, 0, 4, 4)) }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func checkDevice(t *testing.T, d *gputest.Device, want gputest.Counts) {
	t.Helper()
	if diff := cmp.Diff(d.Counts(), want); diff != "" {
		t.Errorf("Device counts (-got, +want):\n%s", diff)
	}
	if v := d.Violations(); len(v) != 0 {
		t.Errorf("Device violations: %q", v)
	}
}

func TestProducerInFlight(t *testing.T) {
	d := gputest.New()
	_, ps := newStreams(t, d)

	var rec recorder
	var completed int
	p := frame.NewProducer(&rec, ps, func() { completed++ })
	rejected := framelink.Stats.FrameRejected.Value()

	mustState := func(want frame.State) {
		t.Helper()
		if got := p.State(); got != want {
			t.Errorf("State: got %v, want %v", got, want)
		}
	}
	mustReject := func(err error) {
		t.Helper()
		if !errors.Is(err, frame.ErrFrameInFlight) {
			t.Errorf("Got error %v, want %v", err, frame.ErrFrameInFlight)
		}
	}

	if err := p.BeginFrame(); err != nil {
		t.Fatalf("BeginFrame: unexpected error: %v", err)
	}
	mustState(frame.Rendering)
	mustReject(p.BeginFrame())

	if err := p.FrameRendered(newImage()); err != nil {
		t.Fatalf("FrameRendered: unexpected error: %v", err)
	}
	mustState(frame.Available)
	mustReject(p.FrameRendered(newImage()))
	mustReject(p.BeginFrame())

	if got := framelink.Stats.FrameRejected.Value() - rejected; got != 3 {
		t.Errorf("Rejected frames: got %d, want 3", got)
	}
	if diff := cmp.Diff(rec.codes(), []framelink.Code{framelink.CodeFrameAvailable}); diff != "" {
		t.Errorf("Sent (-got, +want):\n%s", diff)
	}

	p.HandleFrameComplete()
	mustState(frame.Idle)
	if completed != 1 {
		t.Errorf("Completions: got %d, want 1", completed)
	}

	// A completion with no frame in flight is ignored.
	p.HandleFrameComplete()
	mustState(frame.Idle)
	if completed != 1 {
		t.Errorf("Completions: got %d, want 1", completed)
	}
	if got := framelink.Stats.FrameRejected.Value() - rejected; got != 4 {
		t.Errorf("Rejected frames: got %d, want 4", got)
	}

	// Without BeginFrame, rendering starts from Idle.
	if err := p.FrameRendered(newImage()); err != nil {
		t.Errorf("FrameRendered: unexpected error: %v", err)
	}
	mustState(frame.Available)
}

func TestProducerLocalCompletion(t *testing.T) {
	t.Run("Submit", func(t *testing.T) {
		d := gputest.New()
		_, ps := newStreams(t, d)
		errSubmit := errors.New("submit failed")
		d.Inject(gputest.Faults{Submit: errSubmit})

		var rec recorder
		var completed int
		p := frame.NewProducer(&rec, ps, func() { completed++ })
		if err := p.FrameRendered(newImage()); !errors.Is(err, errSubmit) {
			t.Errorf("FrameRendered: got %v, want %v", err, errSubmit)
		}
		if got := p.State(); got != frame.Idle {
			t.Errorf("State: got %v, want %v", got, frame.Idle)
		}
		if completed != 1 {
			t.Errorf("Completions: got %d, want 1", completed)
		}
		if got := rec.codes(); len(got) != 0 {
			t.Errorf("Sent: got %v, want none", got)
		}
	})
	t.Run("Send", func(t *testing.T) {
		d := gputest.New()
		_, ps := newStreams(t, d)

		rec := &recorder{err: framelink.ErrChannelClosed}
		var completed int
		p := frame.NewProducer(rec, ps, func() { completed++ })
		if err := p.FrameRendered(newImage()); !errors.Is(err, framelink.ErrChannelClosed) {
			t.Errorf("FrameRendered: got %v, want %v", err, framelink.ErrChannelClosed)
		}
		if got := p.State(); got != frame.Idle {
			t.Errorf("State: got %v, want %v", got, frame.Idle)
		}
		if completed != 1 {
			t.Errorf("Completions: got %d, want 1", completed)
		}
	})
}

func TestProducerFail(t *testing.T) {
	d := gputest.New()
	_, ps := newStreams(t, d)

	p := frame.NewProducer(new(recorder), ps, nil)
	errStream := errors.New("stream failed")
	p.Fail(errStream)
	if got := p.State(); got != frame.Error {
		t.Errorf("State: got %v, want %v", got, frame.Error)
	}
	if err := p.BeginFrame(); !errors.Is(err, errStream) {
		t.Errorf("BeginFrame: got %v, want %v", err, errStream)
	}
	if err := p.FrameRendered(newImage()); !errors.Is(err, errStream) {
		t.Errorf("FrameRendered: got %v, want %v", err, errStream)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close again: unexpected error: %v", err)
	}
}

func TestConsumerSync(t *testing.T) {
	d := gputest.New()
	cs, ps := newStreams(t, d)

	var rec recorder
	var shown []uint64
	c := frame.NewConsumer(&rec, frame.ConsumerConfig{
		Stream:           cs,
		Sync:             true,
		OnFrameAvailable: func(f *gpu.Frame) { shown = append(shown, f.Seq) },
	})
	available := framelink.Stats.FrameAvailable.Value()
	rejected := framelink.Stats.FrameRejected.Value()

	for i := 0; i < 2; i++ {
		if err := ps.Submit(newImage()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		c.HandleFrameAvailable()
		if got := c.State(); got != frame.Displaying {
			t.Fatalf("State: got %v, want %v", got, frame.Displaying)
		}

		// A duplicate announcement does not acquire again.
		c.HandleFrameAvailable()

		if err := c.FrameComplete(); err != nil {
			t.Errorf("FrameComplete: unexpected error: %v", err)
		}
		if err := c.FrameComplete(); !errors.Is(err, frame.ErrNoFrame) {
			t.Errorf("FrameComplete again: got %v, want %v", err, frame.ErrNoFrame)
		}
		if got := c.State(); got != frame.Idle {
			t.Errorf("State: got %v, want %v", got, frame.Idle)
		}
	}
	c.Close()

	if diff := cmp.Diff(shown, []uint64{1, 2}); diff != "" {
		t.Errorf("Frames shown (-got, +want):\n%s", diff)
	}
	if diff := cmp.Diff(rec.codes(), []framelink.Code{
		framelink.CodeFrameComplete, framelink.CodeFrameComplete,
	}); diff != "" {
		t.Errorf("Sent (-got, +want):\n%s", diff)
	}
	if got := framelink.Stats.FrameAvailable.Value() - available; got != 2 {
		t.Errorf("Available frames: got %d, want 2", got)
	}
	if got := framelink.Stats.FrameRejected.Value() - rejected; got != 2 {
		t.Errorf("Rejected frames: got %d, want 2", got)
	}
	checkDevice(t, d, gputest.Counts{Submitted: 2, Acquired: 2, Released: 2})
}

func TestConsumerSyncTimeout(t *testing.T) {
	d := gputest.New()
	cs, _ := newStreams(t, d)

	var gotErr error
	c := frame.NewConsumer(new(recorder), frame.ConsumerConfig{
		Stream:           cs,
		Sync:             true,
		AcquireTimeout:   10 * time.Millisecond,
		OnFrameAvailable: func(*gpu.Frame) { t.Error("Unexpected frame") },
		OnError:          func(err error) { gotErr = err },
	})
	defer c.Close()

	c.HandleFrameAvailable()
	if got := c.State(); got != frame.Error {
		t.Errorf("State: got %v, want %v", got, frame.Error)
	}
	if gotErr == nil || c.Err() == nil {
		t.Errorf("Acquire error: got (%v, %v), want errors", gotErr, c.Err())
	}

	// No further frames are shown once the consumer has failed.
	c.HandleFrameAvailable()
	if got := c.State(); got != frame.Error {
		t.Errorf("State: got %v, want %v", got, frame.Error)
	}
}

func TestConsumerImmediateComplete(t *testing.T) {
	d := gputest.New()
	cs, ps := newStreams(t, d)

	var rec recorder
	c := frame.NewConsumer(&rec, frame.ConsumerConfig{Stream: cs, Sync: true})
	defer c.Close()

	if err := ps.Submit(newImage()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	c.HandleFrameAvailable()
	if got := c.State(); got != frame.Idle {
		t.Errorf("State: got %v, want %v", got, frame.Idle)
	}
	if diff := cmp.Diff(rec.codes(), []framelink.Code{framelink.CodeFrameComplete}); diff != "" {
		t.Errorf("Sent (-got, +want):\n%s", diff)
	}
	checkDevice(t, d, gputest.Counts{Submitted: 1, Acquired: 1, Released: 1})
}

func TestConsumerWorker(t *testing.T) {
	defer leaktest.Check(t)()

	d := gputest.New()
	cs, ps := newStreams(t, d)
	l := loop.New().Start()
	defer l.Stop()

	var rec recorder
	frames := make(chan uint64, 1)
	c := frame.NewConsumer(&rec, frame.ConsumerConfig{
		Stream:           cs,
		Loop:             l,
		OnFrameAvailable: func(f *gpu.Frame) { frames <- f.Seq },
	})

	const numFrames = 5
	for i := 1; i <= numFrames; i++ {
		// Either the frame or its announcement may reach the loop first.
		if err := ps.Submit(newImage()); err != nil {
			t.Fatalf("Submit %d: %v", i, err)
		}
		l.Post(c.HandleFrameAvailable)

		select {
		case seq := <-frames:
			if seq != uint64(i) {
				t.Errorf("Frame: got %d, want %d", seq, i)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out waiting for frame %d", i)
		}
		l.Do(func() {
			if err := c.FrameComplete(); err != nil {
				t.Errorf("FrameComplete %d: unexpected error: %v", i, err)
			}
		})
	}
	l.Do(c.Close)

	if got := len(rec.codes()); got != numFrames {
		t.Errorf("Completions sent: got %d, want %d", got, numFrames)
	}
	checkDevice(t, d, gputest.Counts{Submitted: numFrames, Acquired: numFrames, Released: numFrames})
}

func TestConsumerStopMidWait(t *testing.T) {
	defer leaktest.Check(t)()

	d := gputest.New()
	cs, _ := newStreams(t, d)
	l := loop.New().Start()
	defer l.Stop()

	c := frame.NewConsumer(new(recorder), frame.ConsumerConfig{
		Stream:           cs,
		Loop:             l,
		OnFrameAvailable: func(*gpu.Frame) { t.Error("Unexpected frame") },
	})
	waitFor(t, "worker to block", func() bool { return d.Acquiring() == 1 })

	l.Do(c.Close)
	if n := d.Acquiring(); n != 0 {
		t.Errorf("Acquiring after Close: got %d, want 0", n)
	}
	if got := c.State(); got != frame.Closed {
		t.Errorf("State: got %v, want %v", got, frame.Closed)
	}
	l.Do(c.Close) // idempotent

	// The stream is closed only after the worker has exited.
	if err := cs.Close(); err != nil {
		t.Errorf("Close stream: %v", err)
	}
	checkDevice(t, d, gputest.Counts{})
}

func TestConsumerCloseReleasesFrame(t *testing.T) {
	defer leaktest.Check(t)()

	d := gputest.New()
	cs, ps := newStreams(t, d)
	l := loop.New().Start()
	defer l.Stop()

	shown := make(chan struct{})
	c := frame.NewConsumer(new(recorder), frame.ConsumerConfig{
		Stream:           cs,
		Loop:             l,
		OnFrameAvailable: func(*gpu.Frame) { close(shown) },
	})
	if err := ps.Submit(newImage()); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	l.Post(c.HandleFrameAvailable)
	<-shown

	// Close without completing the frame that is displayed.
	l.Do(c.Close)
	checkDevice(t, d, gputest.Counts{Submitted: 1, Acquired: 1, Released: 1})
	l.Do(func() {
		if err := c.FrameComplete(); !errors.Is(err, frame.ErrNoFrame) {
			t.Errorf("FrameComplete after Close: got %v, want %v", err, frame.ErrNoFrame)
		}
	})
}

func TestConsumerWorkerError(t *testing.T) {
	defer leaktest.Check(t)()

	d := gputest.New()
	cs, _ := newStreams(t, d)
	errAcquire := errors.New("device lost")
	d.Inject(gputest.Faults{Acquire: errAcquire})
	l := loop.New().Start()
	defer l.Stop()

	errc := make(chan error, 1)
	c := frame.NewConsumer(new(recorder), frame.ConsumerConfig{
		Stream:  cs,
		Loop:    l,
		OnError: func(err error) { errc <- err },
	})
	select {
	case err := <-errc:
		if !errors.Is(err, errAcquire) {
			t.Errorf("OnError: got %v, want %v", err, errAcquire)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the acquire error")
	}
	if got := c.State(); got != frame.Error {
		t.Errorf("State: got %v, want %v", got, frame.Error)
	}
	l.Do(c.Close)
}
