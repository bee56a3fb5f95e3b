// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockOrder(t *testing.T) {
	cases := []struct {
		desc   string
		first  lockLevel
		second lockLevel
		panics bool
	}{
		{desc: "increasing levels", first: levelKeyGroup, second: levelState},
		{desc: "state then ready", first: levelState, second: levelReady},
		{desc: "decreasing levels", first: levelState, second: levelKeyGroup, panics: true},
		{desc: "same level", first: levelState, second: levelState, panics: true},
		{desc: "under a leaf", first: levelLeaf, second: levelActiveCount, panics: true},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			first := orderedMutex{level: tc.first}
			second := orderedMutex{level: tc.second}

			first.Lock()
			defer first.Unlock()
			if tc.panics {
				assert.Panics(t, second.Lock)
				return
			}
			assert.NotPanics(t, func() {
				second.Lock()
				second.Unlock()
			})
		})
	}
}

func TestLockOrderExternalLocker(t *testing.T) {
	var ext sync.Mutex
	busy := &orderedLocker{l: &ext, level: levelAsyncBusy}
	state := orderedMutex{level: levelState}

	state.Lock()
	assert.Panics(t, busy.Lock)
	state.Unlock()

	assert.NotPanics(t, func() {
		busy.Lock()
		state.Lock()
		state.Unlock()
		busy.Unlock()
	})
}

func TestLockLevelNames(t *testing.T) {
	assert.Equal(t, "consumer-state", levelState.String())
	assert.Equal(t, "level-42", lockLevel(42).String())
}
