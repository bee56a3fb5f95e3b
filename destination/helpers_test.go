// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package destination

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/alarm"
	"github.com/absmach/fluxdispatch/config"
	"github.com/absmach/fluxdispatch/consumer"
	"github.com/absmach/fluxdispatch/store/memory"
	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func timeout() <-chan time.Time {
	return time.After(waitFor)
}

func TestMain(m *testing.M) {
	consumer.EnableLockOrderChecks(true)
	os.Exit(m.Run())
}

var errLinkDown = errors.New("link down")

// fakeTransmitter records transmitted routing keys per engine.
type fakeTransmitter struct {
	mu   sync.Mutex
	sent map[string][]string
	fail atomic.Bool
}

func (f *fakeTransmitter) Transmit(_ context.Context, engine, _ string, msgs []*types.Message) error {
	if f.fail.Load() {
		return errLinkDown
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.sent[engine] = append(f.sent[engine], m.RoutingKey)
	}
	return nil
}

func (f *fakeTransmitter) keys(engine string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[engine]...)
}

type env struct {
	t     *testing.T
	store *memory.Store
	sched *alarm.ManualScheduler
	txm   *txn.Manager
	tr    *fakeTransmitter
	mgr   *Manager
}

func newEnv(t *testing.T) *env {
	t.Helper()

	st, err := memory.New()
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	e := &env{
		t:     t,
		store: st,
		sched: alarm.NewManualScheduler(time.Unix(0, 0)),
		txm:   txn.NewManager(logger),
		tr:    &fakeTransmitter{sent: map[string][]string{}},
	}
	e.mgr = NewManager(Deps{
		Store:       st,
		Txn:         e.txm,
		Scheduler:   e.sched,
		Transmitter: e.tr,
		Remote: config.RemoteConfig{
			LocalEngine:        "me1",
			TransmitBufferSize: 3,
			CircuitBreaker: config.CircuitBreakerConfig{
				FailureThreshold: 2,
				ResetTimeout:     time.Hour,
			},
		},
		Logger: logger,
	})
	return e
}

func queueOptions(name string) Options {
	return Options{Name: name, Kind: KindQueue, SendAllowed: true, ReceiveAllowed: true}
}

func topicOptions(name string) Options {
	return Options{Name: name, Kind: KindTopic, SendAllowed: true, ReceiveAllowed: true}
}

func (e *env) create(opts Options) *Handler {
	e.t.Helper()
	h, err := e.mgr.Create(context.Background(), opts)
	require.NoError(e.t, err)
	return h
}

func (e *env) attach(h *Handler, opts AttachOptions) *consumer.LocalConsumerPoint {
	e.t.Helper()
	c, err := h.AttachConsumer(opts)
	require.NoError(e.t, err)
	require.NoError(e.t, c.Start(false))
	e.t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func msg(key string) *types.Message {
	return types.NewMessage(key, []byte(key))
}

// receiveKeys drains every available message without waiting.
func receiveKeys(t *testing.T, c *consumer.LocalConsumerPoint) []string {
	t.Helper()
	var keys []string
	for {
		m, err := c.Receive(context.Background(), consumer.NoWait, nil)
		require.NoError(t, err)
		if m == nil {
			return keys
		}
		keys = append(keys, m.RoutingKey)
	}
}

// tripBreaker opens the circuit of engine by failing two flushes. One
// message stays buffered for the engine.
func tripBreaker(t *testing.T, e *env, h *Handler, engine string) {
	t.Helper()
	r, ok := h.Remote(engine)
	require.True(t, ok)
	require.NoError(t, r.Put(context.Background(), msg("stuck-"+engine), nil))

	e.tr.fail.Store(true)
	defer e.tr.fail.Store(false)
	for range 2 {
		require.Error(t, r.Flush(context.Background()))
	}
	require.False(t, r.Available())
}
