// Package peers provides support code for running and testing connected
// views.
package peers

import (
	"context"
	"fmt"
	"sync"

	"github.com/creachadair/framelink/loop"
	"github.com/creachadair/framelink/stream"
	"github.com/creachadair/framelink/view"
)

// Local is a host view and a renderer target connected to each other in the
// same process, sharing one event loop. It is suitable for testing, and for
// running a renderer without a separate process.
type Local struct {
	Loop     *loop.Loop
	Host     *view.ViewBackend
	Renderer *view.RendererBackendTarget

	ready chan struct{} // closed when both sides stream, or either fails

	μ        sync.Mutex
	hostOK   bool
	rendOK   bool
	err      error
	signaled bool
}

// NewLocal creates and initializes a connected host view and renderer target
// using the settings in p, and starts a loop to run them. The Loop field of p
// is ignored. If p.OnStateChange is set, it receives the transitions of both
// sides.
func NewLocal(p view.Params) (*Local, error) {
	lc := &Local{Loop: loop.New().Start(), ready: make(chan struct{})}
	p.Loop = lc.Loop

	hp, rp := p, p
	hp.OnStateChange = lc.watch(p.OnStateChange, &lc.hostOK)
	rp.OnStateChange = lc.watch(p.OnStateChange, &lc.rendOK)

	var err error
	lc.Host, err = view.NewViewBackend(hp)
	if err != nil {
		lc.Loop.Stop()
		return nil, err
	}
	peer := lc.Host.PeerHandle()
	lc.Renderer, err = view.NewRendererBackendTarget(peer.Release(), rp)
	if err != nil {
		lc.Loop.Do(lc.Host.Destroy)
		lc.Loop.Stop()
		return nil, err
	}

	lc.Loop.Do(func() {
		if err = lc.Host.Initialize(); err == nil {
			err = lc.Renderer.Initialize(p.Width, p.Height)
		}
	})
	if err != nil {
		lc.Stop()
		return nil, err
	}
	return lc, nil
}

func (lc *Local) watch(user func(stream.State, error), ok *bool) func(stream.State, error) {
	return func(s stream.State, err error) {
		lc.μ.Lock()
		switch s {
		case stream.Streaming:
			*ok = true
		case stream.Error:
			if lc.err == nil {
				lc.err = fmt.Errorf("stream failed: %w", err)
			}
		}
		if !lc.signaled && (lc.err != nil || (lc.hostOK && lc.rendOK)) {
			lc.signaled = true
			close(lc.ready)
		}
		lc.μ.Unlock()

		if user != nil {
			user(s, err)
		}
	}
}

// Wait blocks until both sides are streaming, either side fails, or ctx
// ends. It reports nil only if both sides are streaming.
func (lc *Local) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-lc.ready:
		lc.μ.Lock()
		defer lc.μ.Unlock()
		return lc.err
	}
}

// Do runs f on the shared loop and waits for it to return.
func (lc *Local) Do(f func()) { lc.Loop.Do(f) }

// Stop destroys both sides and stops the loop. Stop is idempotent.
func (lc *Local) Stop() {
	lc.Loop.Do(func() {
		lc.Renderer.Destroy()
		lc.Host.Destroy()
	})
	lc.Loop.Stop()
}
