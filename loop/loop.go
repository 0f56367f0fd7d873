// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package loop implements a single-goroutine event loop.
//
// Callbacks posted to a Loop run one at a time, in the order they were
// posted, on the goroutine started by Start. Code that runs only on the loop
// goroutine needs no further synchronization.
package loop

import (
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/taskgroup"
)

// A Loop runs posted callbacks on a single goroutine.
type Loop struct {
	wake chan struct{} // capacity 1; signals pending work or stop

	μ       sync.Mutex
	pending *queue.Queue[func()]
	stopped bool
	tasks   *taskgroup.Group
}

// New constructs a new unstarted loop.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1), pending: queue.New[func()]()}
}

// Start starts the loop goroutine. It panics if l is already started.
// Callbacks posted before Start run once it begins.
func (l *Loop) Start() *Loop {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.tasks != nil {
		panic("loop is already started")
	}
	l.tasks = taskgroup.New(nil)
	l.tasks.Go(func() error { l.run(); return nil })
	return l
}

func (l *Loop) run() {
	for {
		l.μ.Lock()
		f, ok := l.pending.Pop()
		stop := l.stopped
		l.μ.Unlock()

		if ok {
			f()
			continue
		} else if stop {
			return
		}
		<-l.wake
	}
}

// Post enqueues f to run on the loop goroutine. It does not block. It
// reports false without enqueueing f if the loop has been stopped.
func (l *Loop) Post(f func()) bool {
	l.μ.Lock()
	defer l.μ.Unlock()
	if l.stopped {
		return false
	}
	l.pending.Add(f)
	l.signal()
	return true
}

// Do runs f on the loop goroutine and blocks until it returns. It reports
// false without running f if the loop has been stopped. Do must not be called
// from the loop goroutine.
func (l *Loop) Do(f func()) bool {
	done := make(chan struct{})
	if !l.Post(func() { defer close(done); f() }) {
		return false
	}
	<-done
	return true
}

// Stop stops l and blocks until the loop goroutine exits. Callbacks posted
// before Stop still run; later calls to Post report false. Stop is idempotent
// and must not be called from the loop goroutine.
func (l *Loop) Stop() {
	l.μ.Lock()
	l.stopped = true
	l.signal()
	g := l.tasks
	l.μ.Unlock()

	if g != nil {
		g.Wait()
	} else {
		l.drain()
	}
}

// drain runs the pending callbacks of a loop that was never started.
func (l *Loop) drain() {
	for {
		l.μ.Lock()
		f, ok := l.pending.Pop()
		l.μ.Unlock()
		if !ok {
			return
		}
		f()
	}
}

// signal wakes the loop goroutine. The caller must hold l.μ.
func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
