// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

//go:build linux

// Package shm implements stream objects in anonymous shared memory.
//
// A consumer stream is a memfd holding a small header and one RGBA frame
// buffer. The transferable handle is a duplicate of the memfd, so a producer
// in another process maps the same pages, and frames pass between processes
// without copying through the channel. Acquired frames alias the shared
// buffer directly; the single-frame-in-flight discipline of the frame
// protocol keeps the producer from writing while the consumer reads.
package shm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
	"golang.org/x/image/draw"
	"golang.org/x/sys/unix"
)

const (
	magic      = 0x4b4e4c46 // "FLNK"
	version    = 1
	headerSize = 64

	offMagic    = 0
	offVersion  = 4
	offWidth    = 8
	offHeight   = 12
	offSeq      = 16 // last submitted frame, uint64
	offReleased = 24 // last released frame, uint64
)

// Default settings for a Device.
const (
	DefaultPollInterval   = time.Millisecond
	DefaultAcquireTimeout = 500 * time.Millisecond
)

// A Device creates shared-memory stream objects. A zero Device is ready for
// use with default settings.
type Device struct {
	// PollInterval is how often Acquire checks for a new frame.
	PollInterval time.Duration

	// AcquireTimeout bounds each call to Acquire. Zero means the default;
	// a negative value means no bound other than the context.
	AcquireTimeout time.Duration
}

func (d *Device) pollInterval() time.Duration {
	if d == nil || d.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return d.PollInterval
}

func (d *Device) acquireTimeout() time.Duration {
	if d == nil || d.AcquireTimeout == 0 {
		return DefaultAcquireTimeout
	}
	return d.AcquireTimeout
}

func bufferSize(w, h int) (int, error) {
	if w <= 0 || h <= 0 || w > 1<<15 || h > 1<<15 {
		return 0, fmt.Errorf("invalid frame size %dx%d", w, h)
	}
	return headerSize + 4*w*h, nil
}

// region is a shared mapping of a stream object.
type region struct {
	mem  []byte
	w, h int
}

func (r *region) word(off int) *uint64 { return (*uint64)(unsafe.Pointer(&r.mem[off])) }

func (r *region) image() *image.RGBA {
	return &image.RGBA{
		Pix:    r.mem[headerSize:],
		Stride: 4 * r.w,
		Rect:   image.Rect(0, 0, r.w, r.h),
	}
}

func (r *region) unmap() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// NewConsumerStream implements a method of [gpu.Device].
func (d *Device) NewConsumerStream(w, h int) (gpu.ConsumerStream, error) {
	size, err := bufferSize(w, h)
	if err != nil {
		return nil, err
	}
	fd, err := unix.MemfdCreate("framelink-stream", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("size stream: %w", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("map stream: %w", err)
	}
	binary.LittleEndian.PutUint32(mem[offMagic:], magic)
	binary.LittleEndian.PutUint32(mem[offVersion:], version)
	binary.LittleEndian.PutUint32(mem[offWidth:], uint32(w))
	binary.LittleEndian.PutUint32(mem[offHeight:], uint32(h))
	return &consumer{
		fd:      fd,
		r:       region{mem: mem, w: w, h: h},
		poll:    d.pollInterval(),
		timeout: d.acquireTimeout(),
	}, nil
}

type consumer struct {
	poll, timeout time.Duration

	μ    sync.Mutex
	fd   int
	r    region
	last uint64     // sequence number of the last frame acquired
	held *gpu.Frame // the frame currently acquired, or nil
}

var errClosed = errors.New("stream is closed")

// ExportHandle implements a method of [gpu.ConsumerStream].
func (c *consumer) ExportHandle() (*framelink.Handle, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.fd < 0 {
		return nil, errClosed
	}
	fd, err := unix.FcntlInt(uintptr(c.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return framelink.NewHandle(fd), nil
}

// Acquire implements a method of [gpu.ConsumerStream].
func (c *consumer) Acquire(ctx context.Context) (*gpu.Frame, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.timeout, gpu.ErrAcquireTimeout)
		defer cancel()
	}
	tick := time.NewTicker(c.poll)
	defer tick.Stop()
	for {
		if f, err := c.tryAcquire(); f != nil || err != nil {
			return f, err
		}
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, gpu.ErrAcquireTimeout) {
				return nil, cause
			}
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

func (c *consumer) tryAcquire() (*gpu.Frame, error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.r.mem == nil {
		return nil, errClosed
	} else if c.held != nil {
		return nil, fmt.Errorf("frame %d is still held", c.held.Seq)
	}
	seq := atomic.LoadUint64(c.r.word(offSeq))
	if seq == c.last {
		return nil, nil
	}
	c.last = seq
	c.held = &gpu.Frame{Seq: seq, Image: c.r.image()}
	return c.held, nil
}

// Release implements a method of [gpu.ConsumerStream].
func (c *consumer) Release(f *gpu.Frame) error {
	c.μ.Lock()
	defer c.μ.Unlock()
	if f == nil || f != c.held {
		return errors.New("frame is not held")
	}
	c.held = nil
	if c.r.mem != nil {
		atomic.StoreUint64(c.r.word(offReleased), f.Seq)
	}
	return nil
}

// Close implements a method of [gpu.ConsumerStream]. Frames still held become
// invalid.
func (c *consumer) Close() error {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.held = nil
	err := c.r.unmap()
	if c.fd >= 0 {
		err = errors.Join(err, unix.Close(c.fd))
		c.fd = -1
	}
	return err
}

// BindProducerStream implements a method of [gpu.Device]. The mapping
// remains valid after fd is closed.
func (d *Device) BindProducerStream(fd, w, h int) (gpu.ProducerStream, error) {
	want, err := bufferSize(w, h)
	if err != nil {
		return nil, err
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, fmt.Errorf("stat stream: %w", err)
	} else if st.Size != int64(want) {
		return nil, fmt.Errorf("stream size is %d bytes, want %d for %dx%d", st.Size, want, w, h)
	}
	mem, err := unix.Mmap(fd, 0, want, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map stream: %w", err)
	}
	r := region{mem: mem, w: w, h: h}
	if m := binary.LittleEndian.Uint32(mem[offMagic:]); m != magic {
		r.unmap()
		return nil, fmt.Errorf("invalid stream magic %#x", m)
	} else if v := binary.LittleEndian.Uint32(mem[offVersion:]); v != version {
		r.unmap()
		return nil, fmt.Errorf("unsupported stream version %d", v)
	}
	sw := int(binary.LittleEndian.Uint32(mem[offWidth:]))
	sh := int(binary.LittleEndian.Uint32(mem[offHeight:]))
	if sw != w || sh != h {
		r.unmap()
		return nil, fmt.Errorf("stream is %dx%d, want %dx%d", sw, sh, w, h)
	}
	return &producer{r: r}, nil
}

type producer struct {
	μ sync.Mutex
	r region
}

// Submit implements a method of [gpu.ProducerStream]. An image whose size
// differs from the stream is scaled to fit.
func (p *producer) Submit(img image.Image) error {
	p.μ.Lock()
	defer p.μ.Unlock()
	if p.r.mem == nil {
		return errClosed
	} else if img == nil {
		return errors.New("nil image")
	}
	dst := p.r.image()
	if img.Bounds().Size() == dst.Rect.Size() {
		draw.Draw(dst, dst.Rect, img, img.Bounds().Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Rect, img, img.Bounds(), draw.Src, nil)
	}
	atomic.AddUint64(p.r.word(offSeq), 1)
	return nil
}

// Close implements a method of [gpu.ProducerStream].
func (p *producer) Close() error {
	p.μ.Lock()
	defer p.μ.Unlock()
	return p.r.unmap()
}
