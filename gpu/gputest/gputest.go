// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package gputest provides an in-process fake of the gpu interfaces, with
// failure injection and checks for protocol misuse.
//
// Consumer and producer streams created by the same Device share frames in
// memory. Exported handles are real descriptors, so they can travel over a
// channel, but they can only be bound by the Device that exported them.
package gputest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
	"golang.org/x/image/draw"
	"golang.org/x/sys/unix"
)

// Faults selects errors to inject into Device operations. A nil field means
// the operation succeeds.
type Faults struct {
	Create  error // NewConsumerStream
	Export  error // ConsumerStream.ExportHandle
	Bind    error // BindProducerStream
	Submit  error // ProducerStream.Submit
	Acquire error // ConsumerStream.Acquire
}

// Counts records how many times each stream operation succeeded.
type Counts struct {
	Submitted, Acquired, Released int
}

// A Device is a fake [gpu.Device]. Its methods are safe for concurrent use.
type Device struct {
	// AcquireTimeout, if positive, bounds each call to Acquire.
	AcquireTimeout time.Duration

	μ          sync.Mutex
	faults     Faults
	streams    map[uint64]*shared // inode → stream
	counts     Counts
	acquiring  int
	violations []string
}

// New constructs a new fake device.
func New() *Device { return &Device{streams: make(map[uint64]*shared)} }

// Inject replaces the faults injected by d.
func (d *Device) Inject(f Faults) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.faults = f
}

// Counts reports the operation counts of d.
func (d *Device) Counts() Counts {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.counts
}

// Acquiring reports the number of Acquire calls currently blocked.
func (d *Device) Acquiring() int {
	d.μ.Lock()
	defer d.μ.Unlock()
	return d.acquiring
}

// Violations reports the protocol misuses observed by d, such as acquiring a
// frame while another is held, or using a stream after it was closed.
func (d *Device) Violations() []string {
	d.μ.Lock()
	defer d.μ.Unlock()
	return append([]string(nil), d.violations...)
}

func (d *Device) violate(msg string, args ...any) {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.violations = append(d.violations, fmt.Sprintf(msg, args...))
}

func (d *Device) fault(pick func(Faults) error) error {
	d.μ.Lock()
	defer d.μ.Unlock()
	return pick(d.faults)
}

func (d *Device) count(f func(*Counts)) {
	d.μ.Lock()
	defer d.μ.Unlock()
	f(&d.counts)
}

// shared is the state of one stream object.
type shared struct {
	file  *os.File // identifies the stream
	w, h  int
	ready chan *gpu.Frame // capacity 1
	done  chan struct{}   // closed when the consumer closes

	μ      sync.Mutex
	seq    uint64
	held   *gpu.Frame
	closed bool
}

// NewConsumerStream implements a method of [gpu.Device].
func (d *Device) NewConsumerStream(w, h int) (gpu.ConsumerStream, error) {
	if err := d.fault(func(f Faults) error { return f.Create }); err != nil {
		return nil, err
	} else if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	// The read end of an empty pipe serves as the identity of the stream.
	r, wr, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	wr.Close()
	ino, err := inode(int(r.Fd()))
	if err != nil {
		r.Close()
		return nil, err
	}
	s := &shared{file: r, w: w, h: h, ready: make(chan *gpu.Frame, 1), done: make(chan struct{})}
	d.μ.Lock()
	if d.streams == nil {
		d.streams = make(map[uint64]*shared)
	}
	d.streams[ino] = s
	d.μ.Unlock()
	return &consumer{d: d, s: s, ino: ino}, nil
}

func inode(fd int) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return 0, err
	}
	return st.Ino, nil
}

// BindProducerStream implements a method of [gpu.Device].
func (d *Device) BindProducerStream(fd, w, h int) (gpu.ProducerStream, error) {
	if err := d.fault(func(f Faults) error { return f.Bind }); err != nil {
		return nil, err
	}
	ino, err := inode(fd)
	if err != nil {
		return nil, err
	}
	d.μ.Lock()
	s, ok := d.streams[ino]
	d.μ.Unlock()
	if !ok {
		return nil, errors.New("unknown stream handle")
	} else if s.w != w || s.h != h {
		return nil, fmt.Errorf("stream is %dx%d, want %dx%d", s.w, s.h, w, h)
	}
	return &producer{d: d, s: s, w: w, h: h}, nil
}

type consumer struct {
	d   *Device
	s   *shared
	ino uint64
}

// ExportHandle implements a method of [gpu.ConsumerStream].
func (c *consumer) ExportHandle() (*framelink.Handle, error) {
	if err := c.d.fault(func(f Faults) error { return f.Export }); err != nil {
		return nil, err
	}
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	if c.s.closed {
		return nil, errors.New("stream is closed")
	}
	fd, err := unix.FcntlInt(c.s.file.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return framelink.NewHandle(fd), nil
}

// Acquire implements a method of [gpu.ConsumerStream].
func (c *consumer) Acquire(ctx context.Context) (*gpu.Frame, error) {
	if err := c.d.fault(func(f Faults) error { return f.Acquire }); err != nil {
		return nil, err
	}
	c.s.μ.Lock()
	closed, held := c.s.closed, c.s.held
	c.s.μ.Unlock()
	if closed {
		c.d.violate("acquire on a closed stream")
		return nil, errors.New("stream is closed")
	} else if held != nil {
		c.d.violate("acquire while frame %d is held", held.Seq)
		return nil, fmt.Errorf("frame %d is still held", held.Seq)
	}

	if c.d.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.d.AcquireTimeout, gpu.ErrAcquireTimeout)
		defer cancel()
	}
	c.d.μ.Lock()
	c.d.acquiring++
	c.d.μ.Unlock()
	defer func() {
		c.d.μ.Lock()
		c.d.acquiring--
		c.d.μ.Unlock()
	}()

	select {
	case f := <-c.s.ready:
		c.s.μ.Lock()
		defer c.s.μ.Unlock()
		c.s.held = f
		c.d.count(func(n *Counts) { n.Acquired++ })
		return f, nil
	case <-c.s.done:
		return nil, errors.New("stream is closed")
	case <-ctx.Done():
		if cause := context.Cause(ctx); errors.Is(cause, gpu.ErrAcquireTimeout) {
			return nil, cause
		}
		return nil, ctx.Err()
	}
}

// Release implements a method of [gpu.ConsumerStream].
func (c *consumer) Release(f *gpu.Frame) error {
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	if c.s.closed {
		c.d.violate("release on a closed stream")
		return errors.New("stream is closed")
	} else if f == nil || f != c.s.held {
		c.d.violate("release of a frame that is not held")
		return errors.New("frame is not held")
	}
	c.s.held = nil
	c.d.count(func(n *Counts) { n.Released++ })
	return nil
}

// Close implements a method of [gpu.ConsumerStream].
func (c *consumer) Close() error {
	c.s.μ.Lock()
	defer c.s.μ.Unlock()
	if c.s.closed {
		return nil
	}
	c.s.closed = true
	close(c.s.done)
	c.d.μ.Lock()
	delete(c.d.streams, c.ino)
	c.d.μ.Unlock()
	return c.s.file.Close()
}

type producer struct {
	d *Device
	s *shared

	μ      sync.Mutex
	w, h   int
	closed bool
}

// Submit implements a method of [gpu.ProducerStream]. The image is copied,
// and scaled if its size differs from the stream.
func (p *producer) Submit(img image.Image) error {
	if err := p.d.fault(func(f Faults) error { return f.Submit }); err != nil {
		return err
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.closed {
		p.d.violate("submit on a closed stream")
		return errors.New("stream is closed")
	}
	dst := image.NewRGBA(image.Rect(0, 0, p.w, p.h))
	draw.NearestNeighbor.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)

	p.s.μ.Lock()
	defer p.s.μ.Unlock()
	if p.s.closed {
		return errors.New("stream is closed")
	}
	p.s.seq++
	select {
	case p.s.ready <- &gpu.Frame{Seq: p.s.seq, Image: dst}:
		p.d.count(func(n *Counts) { n.Submitted++ })
		return nil
	default:
		p.d.violate("submit of frame %d while a frame is pending", p.s.seq)
		return errors.New("a frame is already pending")
	}
}

// Resize implements the [gpu.Resizer] interface. Frames submitted after a
// resize are scaled to the new size.
func (p *producer) Resize(w, h int) error {
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	p.μ.Lock()
	defer p.μ.Unlock()
	p.w, p.h = w, h
	return nil
}

// Close implements a method of [gpu.ProducerStream].
func (p *producer) Close() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	p.closed = true
	return nil
}
