// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package alarm provides the timer facility used for message lock expiry,
// hidden-message expiry and blocked-consumer warnings.
package alarm

import (
	"sync"
	"time"
)

// Handle identifies a scheduled alarm.
type Handle uint64

// Scheduler schedules callbacks to run after a delay. Callbacks run on a
// goroutine owned by the scheduler and must not assume any lock is held.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Handle
	// Cancel prevents a pending alarm from firing. It returns false if the
	// alarm already fired or was cancelled.
	Cancel(h Handle) bool
	Now() time.Time
}

// TimerScheduler is a Scheduler backed by time.AfterFunc.
type TimerScheduler struct {
	mu     sync.Mutex
	next   Handle
	timers map[Handle]*time.Timer
}

var _ Scheduler = (*TimerScheduler)(nil)

// NewTimerScheduler creates a wall-clock scheduler.
func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{timers: make(map[Handle]*time.Timer)}
}

// Schedule implements Scheduler.
func (s *TimerScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	h := s.next
	s.timers[h] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, ok := s.timers[h]
		delete(s.timers, h)
		s.mu.Unlock()
		if ok {
			fn()
		}
	})
	return h
}

// Cancel implements Scheduler.
func (s *TimerScheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.timers[h]
	if !ok {
		return false
	}
	delete(s.timers, h)
	return t.Stop()
}

// Now implements Scheduler.
func (s *TimerScheduler) Now() time.Time {
	return time.Now()
}

// Pending returns the number of alarms not yet fired or cancelled.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Stop cancels every pending alarm.
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h, t := range s.timers {
		t.Stop()
		delete(s.timers, h)
	}
}
