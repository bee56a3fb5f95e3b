// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package alarm

import (
	"sort"
	"sync"
	"time"
)

// ManualScheduler is a fake clock. Time only moves when Advance is called,
// and due callbacks run synchronously on the goroutine calling Advance, in
// due-time order (ties in scheduling order).
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Time
	next    Handle
	pending map[Handle]*manualAlarm
}

type manualAlarm struct {
	handle Handle
	due    time.Time
	fn     func()
}

var _ Scheduler = (*ManualScheduler)(nil)

// NewManualScheduler creates a fake clock starting at start.
func NewManualScheduler(start time.Time) *ManualScheduler {
	return &ManualScheduler{
		now:     start,
		pending: make(map[Handle]*manualAlarm),
	}
}

// Schedule implements Scheduler.
func (s *ManualScheduler) Schedule(delay time.Duration, fn func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.pending[s.next] = &manualAlarm{handle: s.next, due: s.now.Add(delay), fn: fn}
	return s.next
}

// Cancel implements Scheduler.
func (s *ManualScheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[h]; !ok {
		return false
	}
	delete(s.pending, h)
	return true
}

// Now implements Scheduler.
func (s *ManualScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Pending returns the number of alarms waiting to fire.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Advance moves the clock forward by d and fires every alarm that became
// due, including alarms scheduled by the callbacks themselves.
func (s *ManualScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		a := s.earliestDue(target)
		if a == nil {
			s.now = target
			s.mu.Unlock()
			return
		}
		delete(s.pending, a.handle)
		if a.due.After(s.now) {
			s.now = a.due
		}
		s.mu.Unlock()

		a.fn()
	}
}

func (s *ManualScheduler) earliestDue(target time.Time) *manualAlarm {
	due := make([]*manualAlarm, 0, len(s.pending))
	for _, a := range s.pending {
		if !a.due.After(target) {
			due = append(due, a)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].due.Equal(due[j].due) {
			return due[i].handle < due[j].handle
		}
		return due[i].due.Before(due[j].due)
	})
	return due[0]
}
