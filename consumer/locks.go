// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// lockLevel is a position in the lock hierarchy. Locks are always acquired
// in increasing level order and released in reverse.
type lockLevel int

const (
	levelDispatcherConsumers lockLevel = iota + 1
	levelSetConsumers
	levelAsyncBusy
	levelKeyGroup
	levelState
	levelReady
	levelSetPrepare
	levelSetCount
	levelActiveCount
	// levelLeaf locks never have another lock acquired under them.
	levelLeaf
)

var levelNames = map[lockLevel]string{
	levelDispatcherConsumers: "dispatcher-consumers",
	levelSetConsumers:        "set-consumers",
	levelAsyncBusy:           "async-busy",
	levelKeyGroup:            "key-group",
	levelState:               "consumer-state",
	levelReady:               "dispatcher-ready",
	levelSetPrepare:          "set-prepare",
	levelSetCount:            "set-count",
	levelActiveCount:         "active-count",
	levelLeaf:                "leaf",
}

func (l lockLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "level-" + strconv.Itoa(int(l))
}

var lockOrderChecks atomic.Bool

// EnableLockOrderChecks turns on per-goroutine lock order verification.
// An out-of-order acquisition panics. Checks cost a stack read per lock
// and are meant for tests.
func EnableLockOrderChecks(enabled bool) {
	lockOrderChecks.Store(enabled)
}

var held = struct {
	sync.Mutex
	levels map[uint64][]lockLevel
}{levels: make(map[uint64][]lockLevel)}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseUint(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return 0
}

func checkAcquire(level lockLevel) (uint64, bool) {
	if !lockOrderChecks.Load() {
		return 0, false
	}
	id := goroutineID()
	held.Lock()
	defer held.Unlock()
	for _, l := range held.levels[id] {
		if l >= level {
			panic(fmt.Sprintf("lock order violation: acquiring %s while holding %s", level, l))
		}
	}
	return id, true
}

func recordAcquire(id uint64, level lockLevel) {
	held.Lock()
	held.levels[id] = append(held.levels[id], level)
	held.Unlock()
}

func recordRelease(level lockLevel) {
	if !lockOrderChecks.Load() {
		return
	}
	id := goroutineID()
	held.Lock()
	defer held.Unlock()
	levels := held.levels[id]
	for i := len(levels) - 1; i >= 0; i-- {
		if levels[i] == level {
			levels = append(levels[:i], levels[i+1:]...)
			break
		}
	}
	if len(levels) == 0 {
		delete(held.levels, id)
		return
	}
	held.levels[id] = levels
}

// orderedMutex is a mutex at a fixed level of the hierarchy.
type orderedMutex struct {
	mu    sync.Mutex
	level lockLevel
}

func (m *orderedMutex) Lock() {
	id, track := checkAcquire(m.level)
	m.mu.Lock()
	if track {
		recordAcquire(id, m.level)
	}
}

// TryLock never blocks, so it cannot deadlock and skips the order check.
func (m *orderedMutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	if lockOrderChecks.Load() {
		recordAcquire(goroutineID(), m.level)
	}
	return true
}

func (m *orderedMutex) Unlock() {
	recordRelease(m.level)
	m.mu.Unlock()
}

// orderedRWMutex is a read-write mutex at a fixed level of the hierarchy.
type orderedRWMutex struct {
	mu    sync.RWMutex
	level lockLevel
}

func (m *orderedRWMutex) Lock() {
	id, track := checkAcquire(m.level)
	m.mu.Lock()
	if track {
		recordAcquire(id, m.level)
	}
}

func (m *orderedRWMutex) Unlock() {
	recordRelease(m.level)
	m.mu.Unlock()
}

func (m *orderedRWMutex) RLock() {
	id, track := checkAcquire(m.level)
	m.mu.RLock()
	if track {
		recordAcquire(id, m.level)
	}
}

func (m *orderedRWMutex) RUnlock() {
	recordRelease(m.level)
	m.mu.RUnlock()
}

// orderedLocker places a caller supplied lock in the hierarchy.
type orderedLocker struct {
	l     sync.Locker
	level lockLevel
}

func (o *orderedLocker) Lock() {
	id, track := checkAcquire(o.level)
	o.l.Lock()
	if track {
		recordAcquire(id, o.level)
	}
}

// TryLock reports false when the caller supplied lock cannot be tried.
func (o *orderedLocker) TryLock() bool {
	if !tryLock(o.l) {
		return false
	}
	if lockOrderChecks.Load() {
		recordAcquire(goroutineID(), o.level)
	}
	return true
}

func (o *orderedLocker) Unlock() {
	recordRelease(o.level)
	o.l.Unlock()
}
