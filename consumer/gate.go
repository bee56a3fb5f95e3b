// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/types"
)

type gateState int

const (
	gateIdle gateState = iota
	gateRunning
	gateStopRequested
)

// cancelToken is checked by the delivery loop at safe points.
type cancelToken struct {
	cancelled atomic.Bool
}

func (t *cancelToken) Cancelled() bool {
	return t != nil && t.cancelled.Load()
}

// runGate admits at most one asynchronous delivery pass at a time. A caller
// that loses the race records a rerun so the winner loops instead of two
// passes running side by side.
type runGate struct {
	mu    orderedMutex
	cond  *sync.Cond
	state gateState
	rerun bool
	token *cancelToken
}

func newRunGate() *runGate {
	g := &runGate{mu: orderedMutex{level: levelLeaf}}
	g.cond = sync.NewCond(&g.mu)
	return g
}

func (g *runGate) tryBegin() (*cancelToken, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state != gateIdle {
		g.rerun = true
		g.cond.Broadcast()
		return nil, false
	}
	g.state = gateRunning
	g.rerun = false
	g.token = &cancelToken{}
	return g.token, true
}

// next is called by the winner when a pass ends. It returns a fresh token
// when a rerun was requested, otherwise it returns the gate to idle.
func (g *runGate) next() (*cancelToken, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.rerun {
		g.rerun = false
		g.state = gateRunning
		g.token = &cancelToken{}
		return g.token, true
	}
	g.idleLocked()
	return nil, false
}

// release returns the gate to idle and reports whether a rerun was
// requested meanwhile.
func (g *runGate) release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rerun := g.rerun
	g.idleLocked()
	return rerun
}

func (g *runGate) idleLocked() {
	g.state = gateIdle
	g.rerun = false
	g.token = nil
	g.cond.Broadcast()
}

// requestStop cancels the running pass and reports whether one was running.
func (g *runGate) requestStop() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == gateIdle {
		return false
	}
	g.state = gateStopRequested
	g.token.cancelled.Store(true)
	g.cond.Broadcast()
	return true
}

// wait blocks until no pass is running.
func (g *runGate) wait() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.state != gateIdle {
		g.cond.Wait()
	}
}

func (g *runGate) idle() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == gateIdle
}

type passKey struct{}

// withPass marks ctx as running inside c's delivery pass. Stop and close
// called with such a context do not wait for the pass to end.
func withPass(ctx context.Context, c *LocalConsumerPoint) context.Context {
	return context.WithValue(ctx, passKey{}, c)
}

// passOf returns the consumer whose pass ctx belongs to, if any.
func passOf(ctx context.Context) *LocalConsumerPoint {
	if ctx == nil {
		return nil
	}
	c, _ := ctx.Value(passKey{}).(*LocalConsumerPoint)
	return c
}

// passSession is the Session handed to a callback. Its Stop and Close
// never wait for the pass they are called from, whatever ctx they get.
type passSession struct {
	c *LocalConsumerPoint
}

var _ Session = passSession{}

func (s passSession) ID() string {
	return s.c.ID()
}

// Start from inside a pass never delivers on the callback goroutine.
func (s passSession) Start(bool) error {
	return s.c.Start(false)
}

func (s passSession) Stop(ctx context.Context) error {
	return s.c.stop(withPass(ctx, s.c), true)
}

func (s passSession) Close(ctx context.Context) error {
	return s.c.closeWithReason(withPass(ctx, s.c), types.ClosedNone)
}

// tryLock acquires l without blocking. Locks that cannot be tried report
// false.
func tryLock(l sync.Locker) bool {
	if t, ok := l.(interface{ TryLock() bool }); ok {
		return t.TryLock()
	}
	return false
}
