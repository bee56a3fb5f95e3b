// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWork struct {
	prepareErr error
	events     *[]string
	name       string
}

func (w *recordingWork) Prepare() error {
	*w.events = append(*w.events, w.name+":prepare")
	return w.prepareErr
}

func (w *recordingWork) Commit() {
	*w.events = append(*w.events, w.name+":commit")
}

func (w *recordingWork) Rollback() {
	*w.events = append(*w.events, w.name+":rollback")
}

func TestCommit(t *testing.T) {
	mgr := NewManager(nil)
	tx := mgr.Begin()
	assert.Equal(t, int64(1), mgr.Active())

	var events []string
	_, err := tx.Enlist("a", func() Work { return &recordingWork{events: &events, name: "a"} })
	require.NoError(t, err)

	var outcomes []bool
	require.NoError(t, tx.RegisterCallback(CallbackFuncs{
		Before: func(*Transaction) { events = append(events, "before") },
		After:  func(_ *Transaction, committed bool) { outcomes = append(outcomes, committed) },
	}))

	require.NoError(t, tx.Commit(context.Background()))
	assert.Equal(t, []string{"before", "a:prepare", "a:commit"}, events)
	assert.Equal(t, []bool{true}, outcomes)
	assert.Equal(t, StateCommitted, tx.State())
	assert.Equal(t, int64(0), mgr.Active())

	assert.ErrorIs(t, tx.Commit(context.Background()), ErrNotActive)
	assert.ErrorIs(t, tx.Rollback(context.Background()), ErrNotActive)
	assert.Equal(t, []bool{true}, outcomes, "callbacks run exactly once")
}

func TestEnlistReusesWork(t *testing.T) {
	tx := NewManager(nil).Begin()
	var events []string
	created := 0
	create := func() Work {
		created++
		return &recordingWork{events: &events, name: "a"}
	}

	w1, err := tx.Enlist("key", create)
	require.NoError(t, err)
	w2, err := tx.Enlist("key", create)
	require.NoError(t, err)

	assert.Same(t, w1, w2)
	assert.Equal(t, 1, created)
}

func TestPrepareFailureRollsBack(t *testing.T) {
	tx := NewManager(nil).Begin()
	var events []string
	boom := errors.New("disk full")

	_, err := tx.Enlist("a", func() Work { return &recordingWork{events: &events, name: "a"} })
	require.NoError(t, err)
	_, err = tx.Enlist("b", func() Work { return &recordingWork{events: &events, name: "b", prepareErr: boom} })
	require.NoError(t, err)

	committed := true
	require.NoError(t, tx.RegisterCallback(CallbackFuncs{
		After: func(_ *Transaction, c bool) { committed = c },
	}))

	err = tx.Commit(context.Background())
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.ErrorIs(t, err, boom)
	assert.False(t, committed)
	assert.Equal(t, []string{"a:prepare", "b:prepare", "b:rollback", "a:rollback"}, events)
	assert.Equal(t, StateRolledBack, tx.State())
}

func TestCommitWithCancelledContextRollsBack(t *testing.T) {
	tx := NewManager(nil).Begin()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrRolledBack)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRegisterAfterCompletion(t *testing.T) {
	tx := NewManager(nil).Begin()
	require.NoError(t, tx.Rollback(context.Background()))

	assert.ErrorIs(t, tx.RegisterCallback(CallbackFuncs{}), ErrNotActive)
	_, err := tx.Enlist("k", func() Work { return nil })
	assert.ErrorIs(t, err, ErrNotActive)
}
