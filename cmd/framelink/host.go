package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"os/signal"
	"sync"

	"github.com/creachadair/command"
	"github.com/creachadair/framelink"
	"github.com/creachadair/framelink/gpu"
	"github.com/creachadair/framelink/internal/config"
	"github.com/creachadair/framelink/loop"
	"github.com/creachadair/framelink/peers"
	"github.com/creachadair/framelink/stream"
	"github.com/creachadair/framelink/view"
	"github.com/creachadair/taskgroup"
	"golang.org/x/image/draw"
)

var hostFlags struct {
	Width    int    `flag:"width,Frame width (overrides config)"`
	Height   int    `flag:"height,Frame height (overrides config)"`
	Frames   int    `flag:"frames,Number of frames to display (overrides config)"`
	Snapshot string `flag:"snapshot,Write the last frame to this PNG file (overrides config)"`
	Sync     bool   `flag:"sync,Acquire frames on the event loop"`
	Local    bool   `flag:"local,Run the renderer in this process"`
}

// A display consumes the frames of a host view. Its callbacks run on the
// loop.
type display struct {
	cfg    *config.Config
	frames int
	snap   *image.RGBA

	once   sync.Once
	done   chan struct{} // closed when the frame limit is reached
	failed chan error    // receives the first stream failure
}

func newDisplay(cfg *config.Config) *display {
	return &display{cfg: cfg, done: make(chan struct{}), failed: make(chan error, 1)}
}

func (d *display) frameAvailable(v *view.ViewBackend, f *gpu.Frame) {
	d.frames++
	if d.cfg.Snapshot != "" {
		d.capture(f.Image) // the frame is only valid until it is completed
	}
	if d.cfg.Frames > 0 && d.frames >= d.cfg.Frames {
		d.once.Do(func() { close(d.done) })
	}
	if err := v.FrameComplete(); err != nil {
		framelink.Logger().Error("frame complete failed", "frame", f.Seq, "err", err)
	}
}

// capture scales src into the snapshot buffer.
func (d *display) capture(src *image.RGBA) {
	b := src.Bounds()
	w := max(1, int(float64(b.Dx())*d.cfg.SnapshotScale))
	h := max(1, int(float64(b.Dy())*d.cfg.SnapshotScale))
	if d.snap == nil || d.snap.Rect.Dx() != w || d.snap.Rect.Dy() != h {
		d.snap = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	draw.ApproxBiLinear.Scale(d.snap, d.snap.Rect, src, b, draw.Src, nil)
}

func (d *display) stateChanged(s stream.State, err error) {
	framelink.Logger().Debug("stream state", "state", s.String())
	if s == stream.Error {
		select {
		case d.failed <- err:
		default:
		}
	}
}

// wait blocks until the frame limit is reached, the stream fails, the
// renderer exits, or ctx ends.
func (d *display) wait(ctx context.Context, exited <-chan error) error {
	select {
	case <-d.done:
		return nil
	case err := <-d.failed:
		select {
		case <-d.done:
			return nil // the renderer finished first
		default:
			return err
		}
	case err := <-exited:
		select {
		case <-d.done:
			return nil
		default:
		}
		if err == nil {
			err = errors.New("renderer exited early")
		}
		return fmt.Errorf("renderer: %w", err)
	case <-ctx.Done():
		return nil
	}
}

func (d *display) writeSnapshot(path string) error {
	if d.snap == nil {
		return errors.New("no frame to write")
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, d.snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runHost(env *command.Env) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	override(&cfg.Width, hostFlags.Width)
	override(&cfg.Height, hostFlags.Height)
	override(&cfg.Frames, hostFlags.Frames)
	override(&cfg.Snapshot, hostFlags.Snapshot)
	override(&cfg.SyncAcquire, hostFlags.Sync)
	if err := cfg.Check(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt)
	defer cancel()

	d := newDisplay(cfg)
	params := view.Params{
		Width:            cfg.Width,
		Height:           cfg.Height,
		Device:           shmDevice(cfg),
		SyncAcquire:      cfg.SyncAcquire,
		AcquireTimeout:   cfg.AcquireTimeout,
		OnFrameAvailable: d.frameAvailable,
		OnStateChange:    d.stateChanged,
	}
	if hostFlags.Local {
		err = hostLocal(ctx, d, params)
	} else {
		err = hostProcess(ctx, d, params)
	}
	if err != nil {
		return err
	}
	fmt.Printf("Displayed %d frames of %dx%d\n", d.frames, cfg.Width, cfg.Height)
	if cfg.Snapshot != "" {
		return d.writeSnapshot(cfg.Snapshot)
	}
	return nil
}

// hostLocal runs the renderer on the loop of the host.
func hostLocal(ctx context.Context, d *display, params view.Params) error {
	p := newPainter(d.cfg, nil)
	params.OnFrameComplete = p.next
	lc, err := peers.NewLocal(params)
	if err != nil {
		return err
	}
	defer lc.Stop()
	p.loop, p.target = lc.Loop, lc.Renderer

	if err := lc.Wait(ctx); err != nil {
		return err
	}
	lc.Do(func() { p.next(lc.Renderer) })
	return d.wait(ctx, nil)
}

// hostProcess starts a renderer process that inherits the peer endpoint of
// the view's channel.
func hostProcess(ctx context.Context, d *display, params view.Params) error {
	l := loop.New().Start()
	defer l.Stop()
	params.Loop = l

	v, err := view.NewViewBackend(params)
	if err != nil {
		return err
	}
	defer l.Do(v.Destroy)

	peer := os.NewFile(uintptr(v.PeerHandle().Release()), "framelink-peer")
	var args []string
	if flags.Config != "" {
		args = append(args, "--config", flags.Config)
	}
	if flags.Verbose {
		args = append(args, "-v")
	}
	args = append(args, "render", "--fd=3",
		fmt.Sprintf("--width=%d", d.cfg.Width),
		fmt.Sprintf("--height=%d", d.cfg.Height),
		fmt.Sprintf("--frames=%d", d.cfg.Frames),
		fmt.Sprintf("--interval=%v", d.cfg.FrameInterval),
	)
	cmd := exec.CommandContext(ctx, os.Args[0], args...)
	cmd.ExtraFiles = []*os.File{peer} // descriptor 3 in the child
	cmd.Stdout, cmd.Stderr = os.Stderr, os.Stderr
	if err := cmd.Start(); err != nil {
		peer.Close()
		return fmt.Errorf("start renderer: %w", err)
	}
	peer.Close()
	framelink.Logger().Info("renderer started", "pid", cmd.Process.Pid)

	exited := make(chan error, 1)
	g := taskgroup.New(nil)
	g.Go(func() error {
		err := cmd.Wait()
		exited <- err
		return err
	})

	l.Do(func() { err = v.Initialize() })
	if err == nil {
		err = d.wait(ctx, exited)
	}

	// Closing the view tells the renderer to exit.
	l.Do(v.Destroy)
	if werr := g.Wait(); err == nil && werr != nil && ctx.Err() == nil {
		err = fmt.Errorf("renderer: %w", werr)
	}
	return err
}
