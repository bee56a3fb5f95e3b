// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/consumer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	assert.Equal(t, "me1", e.mgr.LocalEngine())

	e.create(queueOptions("b"))
	e.create(topicOptions("a"))
	_, err := e.mgr.Create(ctx, queueOptions("a"))
	assert.ErrorIs(t, err, ErrDestinationExists)
	assert.Equal(t, []string{"a", "b"}, e.mgr.List())

	h, err := e.mgr.Get("a")
	require.NoError(t, err)
	assert.Equal(t, KindTopic, h.Kind())
	assert.True(t, h.Local())

	_, err = e.mgr.Get("c")
	assert.ErrorIs(t, err, ErrDestinationNotFound)
	assert.ErrorIs(t, e.mgr.Delete(ctx, "c", false), ErrDestinationNotFound)

	require.NoError(t, e.mgr.Delete(ctx, "a", false))
	assert.Equal(t, []string{"b"}, e.mgr.List())
}

func TestManagerCloseMakesConsumersUnreachable(t *testing.T) {
	e := newEnv(t)
	h := e.create(queueOptions("orders"))
	c := e.attach(h, AttachOptions{})
	ctx := context.Background()

	require.NoError(t, e.mgr.Close(ctx))
	_, err := c.Receive(ctx, consumer.NoWait, nil)
	assert.ErrorIs(t, err, consumer.ErrUnreachable)
}

func TestManagerFlushAndReallocate(t *testing.T) {
	e := newEnv(t)
	a := remoteQueue(e, false, "me2")
	ctx := context.Background()
	c := e.attach(a, AttachOptions{})

	b := e.create(Options{Name: "audit", Kind: KindQueue, SendAllowed: true, RemoteEngines: []string{"me2"}, RemoteOnly: true})
	require.NoError(t, b.Put(ctx, msg("audit-1"), nil))
	require.NoError(t, e.mgr.FlushRemotes(ctx))
	assert.Equal(t, []string{"audit-1"}, e.tr.keys("me2"))

	tripBreaker(t, e, a, "me2")
	moved, err := e.mgr.Reallocate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)
	assert.Equal(t, []string{"stuck-me2"}, receiveKeys(t, c))
}

func TestOptionsFromConfig(t *testing.T) {
	dispatch := config.Default().Dispatch
	dispatch.BlockWarningInterval = time.Minute
	no := false

	opts := OptionsFromConfig(config.DestinationConfig{
		Name:                 "orders",
		Type:                 config.DestinationQueue,
		Ordered:              true,
		ReceiveAllowed:       &no,
		ExceptionDestination: "orders.dlq",
		MaxDepth:             10,
		RemoteEngines:        []string{"me2"},
	}, dispatch)

	assert.Equal(t, Options{
		Name:                 "orders",
		Kind:                 KindQueue,
		Ordered:              true,
		SendAllowed:          true,
		ReceiveAllowed:       false,
		MaxDepth:             10,
		MaxFailedDeliveries:  dispatch.MaxFailedDeliveries,
		ExceptionDestination: "orders.dlq",
		BlockWarningInterval: time.Minute,
		RemoteEngines:        []string{"me2"},
	}, opts)

	topic := OptionsFromConfig(config.DestinationConfig{
		Name:                "prices",
		Type:                config.DestinationTopic,
		MaxFailedDeliveries: 2,
	}, dispatch)
	assert.Equal(t, KindTopic, topic.Kind)
	assert.Equal(t, 2, topic.MaxFailedDeliveries)
	assert.True(t, topic.ReceiveAllowed)
	assert.Equal(t, "topic", topic.Kind.String())
}
