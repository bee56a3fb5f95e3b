// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"log/slog"
	"sync/atomic"

	"github.com/absmach/fluxdispatch/types"
)

// ConsumerSet applies one active message limit across several consumers.
// Members reserve a slot before locking a message and commit or roll back
// the reservation afterwards, so racing members never overshoot the limit.
type ConsumerSet struct {
	name   string
	logger *slog.Logger

	membersMu orderedMutex
	members   []*LocalConsumerPoint

	prepareMu orderedMutex
	countMu   orderedMutex
	max       int
	active    int
	reserved  int
	// blocked holds members refused a reservation. They are resumed once
	// the set drops below its limit.
	blocked map[*LocalConsumerPoint]struct{}
}

// NewConsumerSet creates a set. A max of zero means unlimited.
func NewConsumerSet(name string, maxActive int, logger *slog.Logger) *ConsumerSet {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsumerSet{
		name:      name,
		logger:    logger,
		membersMu: orderedMutex{level: levelSetConsumers},
		prepareMu: orderedMutex{level: levelSetPrepare},
		countMu:   orderedMutex{level: levelSetCount},
		max:       maxActive,
		blocked:   make(map[*LocalConsumerPoint]struct{}),
	}
}

// Name returns the set name.
func (s *ConsumerSet) Name() string {
	return s.name
}

// ActiveMessages returns the committed active message count.
func (s *ConsumerSet) ActiveMessages() int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.active
}

// MaxActiveMessages returns the current limit.
func (s *ConsumerSet) MaxActiveMessages() int {
	s.countMu.Lock()
	defer s.countMu.Unlock()
	return s.max
}

// Members returns a snapshot of the member consumers.
func (s *ConsumerSet) Members() []*LocalConsumerPoint {
	s.membersMu.Lock()
	defer s.membersMu.Unlock()
	return append([]*LocalConsumerPoint(nil), s.members...)
}

// SetMaxActiveMessages changes the limit. Members blocked on the old limit
// resume when the new one leaves room.
func (s *ConsumerSet) SetMaxActiveMessages(n int) {
	s.prepareMu.Lock()
	s.countMu.Lock()
	s.max = n
	resume := s.drainBlockedLocked()
	s.countMu.Unlock()
	s.prepareMu.Unlock()

	resumeSetMembers(resume)
}

func (s *ConsumerSet) add(c *LocalConsumerPoint) {
	s.membersMu.Lock()
	s.members = append(s.members, c)
	s.membersMu.Unlock()
}

func (s *ConsumerSet) removeMember(c *LocalConsumerPoint) {
	s.membersMu.Lock()
	for i, m := range s.members {
		if m == c {
			s.members = append(s.members[:i], s.members[i+1:]...)
			break
		}
	}
	s.countMu.Lock()
	delete(s.blocked, c)
	s.countMu.Unlock()
	s.membersMu.Unlock()
}

func (s *ConsumerSet) hasRoomLocked() bool {
	return s.max <= 0 || s.active+s.reserved < s.max
}

func (s *ConsumerSet) drainBlockedLocked() []*LocalConsumerPoint {
	if !s.hasRoomLocked() || len(s.blocked) == 0 {
		return nil
	}
	resume := make([]*LocalConsumerPoint, 0, len(s.blocked))
	for c := range s.blocked {
		resume = append(resume, c)
	}
	clear(s.blocked)
	return resume
}

// prepareAdd reserves a slot for c, or records c as blocked and returns nil.
func (s *ConsumerSet) prepareAdd(c *LocalConsumerPoint) *setReservation {
	s.prepareMu.Lock()
	defer s.prepareMu.Unlock()
	s.countMu.Lock()
	defer s.countMu.Unlock()

	if !s.hasRoomLocked() {
		s.blocked[c] = struct{}{}
		return nil
	}
	s.reserved++
	return &setReservation{set: s}
}

// remove releases n committed messages and returns the members to resume.
func (s *ConsumerSet) remove(n int) []*LocalConsumerPoint {
	s.countMu.Lock()
	defer s.countMu.Unlock()

	s.active -= n
	if s.active < 0 {
		s.logger.Error("consumer set active message count went negative",
			slog.String("set", s.name),
			slog.Int("active", s.active),
			slog.Int("removed", n))
		s.active = 0
	}
	return s.drainBlockedLocked()
}

// setReservation is one reserved slot. Exactly one of commit or rollback
// consumes it.
type setReservation struct {
	set  *ConsumerSet
	done atomic.Bool
}

func (r *setReservation) consume(op string) bool {
	if r.done.CompareAndSwap(false, true) {
		return true
	}
	r.set.logger.Error("consumer set reservation consumed twice",
		slog.String("set", r.set.name),
		slog.String("op", op))
	return false
}

func (r *setReservation) commit() {
	if !r.consume("commit") {
		return
	}
	s := r.set
	s.countMu.Lock()
	s.reserved--
	s.active++
	s.countMu.Unlock()
}

// rollback returns the slot and reports members that may now resume.
func (r *setReservation) rollback() []*LocalConsumerPoint {
	if !r.consume("rollback") {
		return nil
	}
	s := r.set
	s.countMu.Lock()
	defer s.countMu.Unlock()
	s.reserved--
	return s.drainBlockedLocked()
}

func resumeSetMembers(members []*LocalConsumerPoint) {
	for _, c := range members {
		c.resume(types.SuspendSetActiveMsgs)
	}
}
