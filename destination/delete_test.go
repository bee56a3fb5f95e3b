// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteClosesConsumersAndStreams(t *testing.T) {
	e := newEnv(t)
	h := e.create(queueOptions("orders"))
	c := e.attach(h, AttachOptions{})
	ctx := context.Background()
	require.NoError(t, h.Put(ctx, msg("a"), nil))

	require.NoError(t, e.mgr.Delete(ctx, "orders", false))

	_, err := c.Receive(ctx, consumer.NoWait, nil)
	assert.ErrorIs(t, err, consumer.ErrDestinationDeleted)
	_, err = h.AttachConsumer(AttachOptions{})
	assert.ErrorIs(t, err, ErrDestinationDeleted)
	_, err = e.store.Stats(ctx, "orders")
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
	_, err = e.mgr.Get("orders")
	assert.ErrorIs(t, err, ErrDestinationNotFound)
	assert.ErrorIs(t, h.Delete(ctx, false), ErrDestinationDeleted)

	// The name can be reused.
	e.create(queueOptions("orders"))
}

func TestDeleteWaitsForTransactionalPuts(t *testing.T) {
	e := newEnv(t)
	h := e.create(queueOptions("orders"))
	ctx := context.Background()

	tx := e.txm.Begin()
	require.NoError(t, h.Put(ctx, msg("a"), tx))

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Delete(short, false), context.DeadlineExceeded)
	assert.True(t, h.ToBeDeleted())
	assert.ErrorIs(t, h.Put(ctx, msg("b"), nil), ErrToBeDeleted)
	assert.ErrorIs(t, h.Put(ctx, msg("b"), e.txm.Begin()), ErrToBeDeleted)

	done := make(chan error, 1)
	go func() { done <- h.Delete(ctx, false) }()
	select {
	case err := <-done:
		t.Fatalf("delete finished with a transaction in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, tx.Commit(ctx))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-timeout():
		t.Fatal("delete did not finish after the transaction completed")
	}
}

func TestDeleteTimeoutsShareOneDrainSignal(t *testing.T) {
	e := newEnv(t)
	h := e.create(queueOptions("orders"))
	ctx := context.Background()

	tx := e.txm.Begin()
	require.NoError(t, h.Put(ctx, msg("a"), tx))

	var first chan struct{}
	for i := range 3 {
		short, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
		assert.ErrorIs(t, h.Delete(short, false), context.DeadlineExceeded)
		cancel()

		h.mu.Lock()
		drained := h.drained
		h.mu.Unlock()
		require.NotNil(t, drained)
		if i == 0 {
			first = drained
		}
		assert.Equal(t, first, drained, "timed out deletes reuse the signal")
	}

	require.NoError(t, tx.Commit(ctx))
	select {
	case <-first:
	case <-timeout():
		t.Fatal("drain signal not closed after the transaction completed")
	}
	h.mu.Lock()
	assert.Nil(t, h.drained)
	h.mu.Unlock()

	require.NoError(t, h.Delete(ctx, false))
	assert.ErrorIs(t, h.Delete(ctx, false), ErrDestinationDeleted)
}

func TestDeleteFlushesTransmitBuffers(t *testing.T) {
	e := newEnv(t)
	h := remoteQueue(e, false, "me2")
	ctx := context.Background()

	out, err := h.ChoosePtoPOutputHandler("me2")
	require.NoError(t, err)
	require.NoError(t, out.Put(ctx, msg("a"), nil))

	e.tr.fail.Store(true)
	assert.ErrorIs(t, h.Delete(ctx, false), errLinkDown)
	assert.True(t, h.ToBeDeleted())
	r, _ := h.Remote("me2")
	assert.Equal(t, 1, r.Buffered())

	_, err = h.Reallocate(ctx)
	assert.ErrorIs(t, err, ErrToBeDeleted, "nothing is reallocated once deletion started")

	e.tr.fail.Store(false)
	require.NoError(t, h.Delete(ctx, false))
	assert.Equal(t, []string{"a"}, e.tr.keys("me2"))
}

func TestForceDeleteDiscardsUntransmitted(t *testing.T) {
	e := newEnv(t)
	h := remoteQueue(e, true, "me2")
	ctx := context.Background()
	require.NoError(t, h.Put(ctx, msg("a"), nil))

	e.tr.fail.Store(true)
	require.NoError(t, e.mgr.Delete(ctx, "orders", true))
	r, _ := h.Remote("me2")
	assert.Zero(t, r.Buffered())
	assert.Empty(t, e.tr.keys("me2"))
}

func TestDeleteTopic(t *testing.T) {
	e := newEnv(t)
	h := e.create(topicOptions("prices"))
	ctx := context.Background()
	_, err := h.Subscribe(ctx, "a", nil)
	require.NoError(t, err)
	c := e.attach(h, AttachOptions{Subscription: "a"})
	require.NoError(t, h.Put(ctx, msg("tick"), nil))

	require.NoError(t, h.Delete(ctx, false))
	_, err = c.Receive(ctx, consumer.NoWait, nil)
	assert.ErrorIs(t, err, consumer.ErrDestinationDeleted)
	_, err = e.store.Stats(ctx, subscriptionStream("prices", "a"))
	assert.ErrorIs(t, err, store.ErrStreamNotFound)
	_, err = h.Subscribe(ctx, "b", nil)
	assert.ErrorIs(t, err, ErrDestinationDeleted)
}
