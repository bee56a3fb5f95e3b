// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunGateRerun(t *testing.T) {
	g := newRunGate()

	tok, ok := g.tryBegin()
	require.True(t, ok)
	assert.False(t, g.idle())

	_, ok = g.tryBegin()
	assert.False(t, ok, "a second runner is turned away")

	next, ok := g.next()
	require.True(t, ok, "the rerun request is honoured")
	assert.NotSame(t, tok, next)

	_, ok = g.next()
	assert.False(t, ok)
	assert.True(t, g.idle())
}

func TestRunGateRelease(t *testing.T) {
	g := newRunGate()

	_, ok := g.tryBegin()
	require.True(t, ok)
	assert.False(t, g.release())

	_, ok = g.tryBegin()
	require.True(t, ok)
	_, ok = g.tryBegin()
	require.False(t, ok)
	assert.True(t, g.release())
	assert.True(t, g.idle())
}

func TestRunGateStop(t *testing.T) {
	g := newRunGate()
	assert.False(t, g.requestStop(), "nothing to stop")

	tok, ok := g.tryBegin()
	require.True(t, ok)

	require.True(t, g.requestStop())
	assert.True(t, tok.Cancelled())

	waited := make(chan struct{})
	go func() {
		g.wait()
		close(waited)
	}()
	select {
	case <-waited:
		t.Fatal("wait returned while the pass was running")
	case <-time.After(50 * time.Millisecond):
	}

	_, ok = g.next()
	assert.False(t, ok)
	select {
	case <-waited:
	case <-time.After(waitFor):
		t.Fatal("wait did not return after the pass ended")
	}
	assert.True(t, g.idle())
}

func TestNilTokenNotCancelled(t *testing.T) {
	var tok *cancelToken
	assert.False(t, tok.Cancelled())
}

func TestPassContext(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	a := f.attach(ConsumerOptions{})
	b := f.attach(ConsumerOptions{})

	assert.Nil(t, passOf(context.Background()))

	ctx := withPass(context.Background(), a)
	assert.Same(t, a, passOf(ctx))
	assert.Same(t, b, passOf(withPass(ctx, b)), "innermost pass wins")
}

func TestTryLock(t *testing.T) {
	m := &orderedMutex{level: levelAsyncBusy}
	require.True(t, tryLock(m))
	assert.False(t, tryLock(m))
	m.Unlock()

	var plain sync.Mutex
	ext := &orderedLocker{l: &plain, level: levelAsyncBusy}
	require.True(t, ext.TryLock())
	assert.False(t, ext.TryLock())
	ext.Unlock()

	assert.False(t, tryLock(&orderedLocker{l: lockerOnly{&plain}, level: levelAsyncBusy}))
}

// lockerOnly hides TryLock.
type lockerOnly struct {
	l sync.Locker
}

func (l lockerOnly) Lock()   { l.l.Lock() }
func (l lockerOnly) Unlock() { l.l.Unlock() }
