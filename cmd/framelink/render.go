package main

import (
	"errors"
	"fmt"
	"image"
	"math"
	"sync"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu/shm"
	"github.com/creachadair/framelink/internal/config"
	"github.com/creachadair/framelink/loop"
	"github.com/creachadair/framelink/stream"
	"github.com/creachadair/framelink/view"
	"github.com/gogpu/gg"
)

var renderFlags struct {
	FD       int           `flag:"fd,default=3,Descriptor of the inherited channel endpoint"`
	Width    int           `flag:"width,Frame width (overrides config)"`
	Height   int           `flag:"height,Frame height (overrides config)"`
	Frames   int           `flag:"frames,Number of frames to render (overrides config)"`
	Interval time.Duration `flag:"interval,Minimum delay between frames (overrides config)"`
}

// A painter draws an animation with gg and feeds it to a renderer target,
// one frame per completion.
type painter struct {
	cfg    *config.Config
	loop   framelink.Dispatcher
	target *view.RendererBackendTarget

	rendered int
	started  bool
	last     time.Time

	once sync.Once
	done chan error // receives one result when the painter stops
}

func newPainter(cfg *config.Config, d framelink.Dispatcher) *painter {
	return &painter{cfg: cfg, loop: d, done: make(chan error, 1)}
}

func (p *painter) finish(err error) {
	p.once.Do(func() { p.done <- err })
}

// draw renders frame n of the animation: a disc circling the center.
func (p *painter) draw(n int) image.Image {
	w, h := p.target.Size()
	dc := gg.NewContext(w, h)
	defer dc.Close()

	dc.ClearWithColor(gg.RGB(0.08, 0.08, 0.12))
	phase := 2 * math.Pi * float64(n) / 60
	x := float64(w)/2 + float64(w)/4*math.Cos(phase)
	y := float64(h)/2 + float64(h)/4*math.Sin(phase)
	dc.SetRGB(0.95, 0.45, 0.1)
	dc.DrawCircle(x, y, float64(min(w, h))/8)
	if err := dc.Fill(); err != nil {
		framelink.Logger().Warn("fill failed", "frame", n, "err", err)
	}
	return dc.Image()
}

// next renders and submits the next frame, respecting the frame interval.
// It runs on the loop.
func (p *painter) next(*view.RendererBackendTarget) {
	if p.cfg.Frames > 0 && p.rendered >= p.cfg.Frames {
		p.finish(nil)
		return
	}
	if wait := p.cfg.FrameInterval - time.Since(p.last); wait > 0 && !p.last.IsZero() {
		time.AfterFunc(wait, func() {
			p.loop.Post(func() { p.render() })
		})
		return
	}
	p.render()
}

func (p *painter) render() {
	p.last = time.Now()
	if err := p.target.FrameWillRender(); err != nil {
		p.finish(err)
		return
	}
	p.rendered++
	if err := p.target.FrameRendered(p.draw(p.rendered)); err != nil {
		p.finish(fmt.Errorf("frame %d: %w", p.rendered, err))
	}
}

// stateChanged starts rendering once the stream connects, and stops it if
// the stream fails. It runs on the loop.
func (p *painter) stateChanged(s stream.State, err error) {
	switch s {
	case stream.Streaming:
		if !p.started {
			p.started = true
			p.next(p.target)
		}
	case stream.Error:
		if errors.Is(err, framelink.ErrPeerClosed) {
			err = nil // the host is done
		}
		p.finish(err)
	}
}

func (p *painter) params(dev *shm.Device) view.Params {
	return view.Params{
		Device:          dev,
		Loop:            p.loop,
		OnFrameComplete: p.next,
		OnStateChange:   p.stateChanged,
	}
}

func loadConfig() (*config.Config, error) { return config.Load(flags.Config) }

func shmDevice(cfg *config.Config) *shm.Device {
	return &shm.Device{PollInterval: cfg.PollInterval, AcquireTimeout: cfg.AcquireTimeout}
}

func runRender(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	override(&cfg.Width, renderFlags.Width)
	override(&cfg.Height, renderFlags.Height)
	override(&cfg.Frames, renderFlags.Frames)
	override(&cfg.FrameInterval, renderFlags.Interval)
	if err := cfg.Check(); err != nil {
		return err
	}

	l := loop.New().Start()
	defer l.Stop()

	p := newPainter(cfg, l)
	t, err := view.NewRendererBackendTarget(renderFlags.FD, p.params(shmDevice(cfg)))
	if err != nil {
		return err
	}
	p.target = t
	defer l.Do(t.Destroy)

	l.Do(func() { err = t.Initialize(cfg.Width, cfg.Height) })
	if err != nil {
		return err
	}
	select {
	case err = <-p.done:
	case <-env.Context().Done():
		err = env.Context().Err()
	}
	var n int
	l.Do(func() { n = p.rendered })
	framelink.Logger().Info("renderer finished", "frames", n, "err", err)
	return err
}

// override sets *dst to v if v is not the zero value.
func override[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
