// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alarm

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimerSchedulerFires(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	fired := make(chan struct{})
	s.Schedule(10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("alarm did not fire")
	}
	assert.Equal(t, 0, s.Pending())
}

func TestTimerSchedulerCancel(t *testing.T) {
	s := NewTimerScheduler()
	defer s.Stop()

	var fired atomic.Bool
	h := s.Schedule(50*time.Millisecond, func() { fired.Store(true) })
	require.True(t, s.Cancel(h))
	assert.False(t, s.Cancel(h))

	time.Sleep(100 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestManualSchedulerOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	s := NewManualScheduler(start)

	var order []string
	s.Schedule(30*time.Millisecond, func() { order = append(order, "c") })
	s.Schedule(10*time.Millisecond, func() { order = append(order, "a") })
	s.Schedule(10*time.Millisecond, func() { order = append(order, "b") })

	s.Advance(5 * time.Millisecond)
	assert.Empty(t, order)

	s.Advance(10 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, start.Add(15*time.Millisecond), s.Now())

	s.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, s.Pending())
}

func TestManualSchedulerChainedAlarm(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))

	var fired []time.Time
	s.Schedule(10*time.Millisecond, func() {
		fired = append(fired, s.Now())
		s.Schedule(10*time.Millisecond, func() { fired = append(fired, s.Now()) })
	})

	s.Advance(25 * time.Millisecond)
	require.Len(t, fired, 2)
	assert.Equal(t, time.Unix(0, 0).Add(10*time.Millisecond), fired[0])
	assert.Equal(t, time.Unix(0, 0).Add(20*time.Millisecond), fired[1])
}

func TestManualSchedulerCancel(t *testing.T) {
	s := NewManualScheduler(time.Unix(0, 0))
	fired := false
	h := s.Schedule(time.Millisecond, func() { fired = true })
	assert.True(t, s.Cancel(h))
	s.Advance(time.Second)
	assert.False(t, fired)
}
