// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/fluxdispatch/txn"
	"github.com/absmach/fluxdispatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumerSetLimitUnderConcurrency(t *testing.T) {
	const (
		producers   = 2
		perProducer = 100
		limit       = 3
	)
	f := newFixture(t, Options{}, nil)
	set := NewConsumerSet("workers", limit, slog.New(f.errors))

	var (
		mu        sync.Mutex
		committed = map[string]bool{}
		maxSeen   atomic.Int64
	)
	observe := func() {
		n := int64(set.ActiveMessages())
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				return
			}
		}
	}

	consumers := make([]*LocalConsumerPoint, 0, 4)
	for range 4 {
		c := f.attach(ConsumerOptions{Set: set})
		col := &collector{handle: func(ctx context.Context, e *LockedMessageEnumeration, _ Session, m *types.Message) {
			observe()
			tx := f.txm.Begin()
			if err := e.DeleteCurrent(ctx, tx); err != nil {
				panic(err)
			}
			if rand.IntN(4) == 0 {
				if err := tx.Rollback(ctx); err != nil {
					panic(err)
				}
				return
			}
			if err := tx.Commit(ctx); err != nil {
				panic(err)
			}
			mu.Lock()
			committed[m.ID] = true
			mu.Unlock()
		}}
		require.NoError(t, c.RegisterAsynchConsumer(col, AsynchOptions{MaxBatchSize: 2}))
		require.NoError(t, c.Start(false))
		consumers = append(consumers, c)
	}
	assert.Len(t, set.Members(), 4)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				msg := types.NewMessage(fmt.Sprintf("p%d/%d", p, i), nil)
				h, err := f.store.Put(context.Background(), f.d.opts.Stream, msg, nil)
				if !assert.NoError(t, err) {
					return
				}
				msg.Handle = h
				f.d.Deliver(context.Background(), msg)
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(committed) == producers*perProducer
	}, 10*time.Second, tick)
	require.Eventually(t, func() bool {
		if set.ActiveMessages() != 0 {
			return false
		}
		for _, c := range consumers {
			if c.ActiveMessages() != 0 {
				return false
			}
		}
		return true
	}, waitFor, tick)

	assert.LessOrEqual(t, maxSeen.Load(), int64(limit))
	assert.Equal(t, int64(0), f.errors.n.Load(), "no negative counts or double commits")
}

func TestAtMostOneAttachedMessage(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	c := f.attach(ConsumerOptions{})
	require.NoError(t, c.Start(false))

	// Become ready the way a blocked receiver does.
	msg, err := c.fetchSync(context.Background(), true)
	require.NoError(t, err)
	require.Nil(t, msg)
	require.Equal(t, 1, f.d.ReadyCount())

	msgs := []*types.Message{f.preload("a"), f.preload("b"), f.preload("c")}
	results := make([]bool, len(msgs))
	var wg sync.WaitGroup
	for i, m := range msgs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = f.d.Deliver(context.Background(), m)
		}()
	}
	wg.Wait()

	taken := 0
	for _, ok := range results {
		if ok {
			taken++
		}
	}
	assert.Equal(t, 1, taken)
	c.mu.Lock()
	assert.NotNil(t, c.attached)
	c.mu.Unlock()
	assert.Equal(t, 1, c.ActiveMessages())
	_, locked, _ := f.stats()
	assert.Equal(t, 1, locked)
	assert.Equal(t, 0, f.d.ReadyCount())
	assert.Equal(t, int64(0), f.errors.n.Load())
}

func TestOrderingGroupPreservesOrder(t *testing.T) {
	const total = 300
	f := newFixture(t, Options{}, nil)
	octx := NewOrderingContext("ledger")

	var (
		mu  sync.Mutex
		seq []int
	)
	keys := []string{"a", "b", "c"}
	members := make([]*LocalConsumerPoint, 0, len(keys))
	for _, key := range keys {
		c := f.attach(ConsumerOptions{Selector: types.NewSelector(key, nil)})
		col := &collector{handle: func(ctx context.Context, e *LockedMessageEnumeration, s Session, m *types.Message) {
			n, err := strconv.Atoi(m.Properties["seq"])
			if err != nil {
				panic(err)
			}
			if m.RoutingKey != key {
				panic(fmt.Sprintf("member %s got %s", key, m.RoutingKey))
			}
			mu.Lock()
			seq = append(seq, n)
			mu.Unlock()
			deleteEach(ctx, e, s, m)
		}}
		require.NoError(t, c.RegisterAsynchConsumer(col, AsynchOptions{OrderingGroup: octx}))
		require.NoError(t, c.Start(false))
		members = append(members, c)
	}
	require.Len(t, f.d.groups[octx].Members(), len(keys))

	for i := range total {
		f.put(keys[rand.IntN(len(keys))], "seq", strconv.Itoa(i))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seq) == total
	}, 10*time.Second, tick)

	mu.Lock()
	defer mu.Unlock()
	for i, n := range seq {
		require.Equal(t, i, n, "message %d delivered out of order", n)
	}
	for _, c := range members {
		assert.False(t, c.Closed())
	}
	assert.Equal(t, int64(0), f.errors.n.Load())
}

func TestOrderingGroupLeave(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	octx := NewOrderingContext("ledger")

	a := f.attach(ConsumerOptions{Selector: types.NewSelector("a", nil)})
	b := f.attach(ConsumerOptions{Selector: types.NewSelector("b", nil)})
	colA := &collector{handle: deleteEach}
	colB := &collector{handle: deleteEach}
	require.NoError(t, a.RegisterAsynchConsumer(colA, AsynchOptions{OrderingGroup: octx}))
	require.NoError(t, b.RegisterAsynchConsumer(colB, AsynchOptions{OrderingGroup: octx}))
	require.NoError(t, a.Start(false))
	require.NoError(t, b.Start(false))

	g := f.d.groups[octx]
	require.NotNil(t, g)
	assert.True(t, g.Matches(types.NewMessage("b", nil)))

	require.NoError(t, b.Close(context.Background()))
	assert.Len(t, g.Members(), 1)
	assert.False(t, g.Matches(types.NewMessage("b", nil)))

	f.put("a")
	require.Eventually(t, func() bool { return colA.count() == 1 }, waitFor, tick)

	require.NoError(t, a.Stop(context.Background()))
	require.NoError(t, a.DeregisterAsynchConsumer())
	assert.NotContains(t, f.d.groups, octx)
}

func TestActiveLimitSuspendsAndResumes(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	c := f.attach(ConsumerOptions{})
	col := &collector{}
	require.NoError(t, c.RegisterAsynchConsumer(col, AsynchOptions{MaxBatchSize: 10}))
	require.NoError(t, c.Start(false))

	var handles []types.Handle
	for i := range 5 {
		handles = append(handles, f.put(fmt.Sprintf("k%d", i)).Handle)
	}
	require.Eventually(t, func() bool { return col.count() == 5 && c.ActiveMessages() == 5 }, waitFor, tick)

	c.SetMaxActiveMessages(3)
	assert.True(t, c.IsConsumerSuspended(types.SuspendActiveMsgs))
	assert.True(t, c.IsCountingActiveMessages())

	handles = append(handles, f.put("k5").Handle, f.put("k6").Handle)
	assert.Never(t, func() bool { return col.count() > 5 }, 100*time.Millisecond, tick)

	del := MsgSetAction{Delete: true}
	_, err := c.ProcessMsgSet(context.Background(), handles[:2], nil, del)
	require.NoError(t, err)
	assert.Equal(t, 3, c.ActiveMessages())
	assert.True(t, c.IsConsumerSuspended(types.SuspendActiveMsgs))

	_, err = c.ProcessMsgSet(context.Background(), handles[2:3], nil, del)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return col.count() == 6 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.IsConsumerSuspended(types.SuspendActiveMsgs) }, waitFor, tick)
	assert.Never(t, func() bool { return col.count() > 6 }, 100*time.Millisecond, tick)
	assert.Equal(t, 3, c.ActiveMessages())

	c.SetMaxActiveMessages(0)
	require.Eventually(t, func() bool { return col.count() == 7 }, waitFor, tick)
	assert.False(t, c.IsConsumerSuspended(0))
}

func TestConsumerSetSuspendsMembers(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	set := NewConsumerSet("pair", 2, slog.New(f.errors))

	cols := []*collector{{}, {}}
	consumers := make([]*LocalConsumerPoint, 0, 2)
	for _, col := range cols {
		c := f.attach(ConsumerOptions{Set: set})
		require.NoError(t, c.RegisterAsynchConsumer(col, AsynchOptions{}))
		require.NoError(t, c.Start(false))
		consumers = append(consumers, c)
	}
	delivered := func() int { return cols[0].count() + cols[1].count() }

	for i := range 4 {
		f.put(fmt.Sprintf("k%d", i))
	}
	require.Eventually(t, func() bool { return delivered() == 2 }, waitFor, tick)
	assert.Never(t, func() bool { return delivered() > 2 }, 100*time.Millisecond, tick)
	assert.Equal(t, 2, set.ActiveMessages())

	set.SetMaxActiveMessages(3)
	require.Eventually(t, func() bool { return delivered() == 3 }, waitFor, tick)
	assert.Equal(t, 3, set.ActiveMessages())

	// Closing a member releases its messages and its share of the set.
	for _, c := range consumers {
		require.NoError(t, c.Close(context.Background()))
	}
	assert.Equal(t, 0, set.ActiveMessages())
	assert.Empty(t, set.Members())
	available, _, _ := f.stats()
	assert.Equal(t, 4, available)
}

func TestSequentialFailuresStopOnce(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 5}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 100)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{MaxSequentialFailures: 3}))

	// Every message is on its last delivery attempt.
	for range 4 {
		msg := types.NewMessage("k", nil)
		msg.DeliveryCount = 4
		f.putMessage(msg)
	}
	require.NoError(t, c.Start(false))

	pending := receiveTxs(t, txs, 4)
	for _, r := range pending[:2] {
		require.NoError(t, r.tx.Rollback(context.Background()))
	}
	assert.Zero(t, col.stopped.Load())

	require.NoError(t, pending[2].tx.Rollback(context.Background()))
	require.Eventually(t, func() bool { return col.stopped.Load() == 1 && c.Stopped() }, waitFor, tick)

	// A further failure before a restart does not notify again.
	require.NoError(t, pending[3].tx.Rollback(context.Background()))
	assert.Never(t, func() bool { return col.stopped.Load() > 1 }, 200*time.Millisecond, tick)

	// A restart clears the failure streak.
	require.NoError(t, c.Start(false))
	for _, r := range receiveTxs(t, txs, 3) {
		require.NoError(t, r.tx.Rollback(context.Background()))
	}
	require.Eventually(t, func() bool { return col.stopped.Load() == 2 }, waitFor, tick)
}

func TestSequentialFailuresIgnoreEarlyAttempts(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 5}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 100)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{MaxSequentialFailures: 1}))
	f.put("k")
	require.NoError(t, c.Start(false))

	// Attempts one to four do not count towards the streak.
	for range 4 {
		r := receiveTxs(t, txs, 1)[0]
		require.NoError(t, r.tx.Rollback(context.Background()))
	}
	assert.Zero(t, col.stopped.Load())
	assert.False(t, c.Stopped())

	r := receiveTxs(t, txs, 1)[0]
	require.NoError(t, r.tx.Rollback(context.Background()))
	require.Eventually(t, func() bool { return col.stopped.Load() == 1 }, waitFor, tick)
}

func TestCommitResetsSequentialFailures(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 1}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 100)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{MaxSequentialFailures: 2}))
	f.put("a")
	f.put("b")
	f.put("c")
	require.NoError(t, c.Start(false))

	pending := receiveTxs(t, txs, 3)
	require.NoError(t, pending[0].tx.Rollback(context.Background()))
	require.NoError(t, pending[1].tx.Commit(context.Background()))
	require.NoError(t, pending[2].tx.Rollback(context.Background()))
	assert.Never(t, func() bool { return col.stopped.Load() > 0 }, 100*time.Millisecond, tick)
}

func TestHiddenMessagesRevealedInOrder(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 5}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 100)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{HideDelay: time.Second}))

	var (
		mu       sync.Mutex
		revealed []string
	)
	c.mu.Lock()
	c.revealHook = func(m *types.Message) {
		mu.Lock()
		revealed = append(revealed, m.ID)
		mu.Unlock()
	}
	c.mu.Unlock()
	revealedIDs := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), revealed...)
	}

	for _, key := range []string{"a", "b", "c"} {
		f.put(key)
	}
	require.NoError(t, c.Start(false))
	pending := receiveTxs(t, txs, 3)

	var order []string
	for i, r := range pending {
		if i > 0 {
			f.sched.Advance(100 * time.Millisecond)
		}
		require.NoError(t, r.tx.Rollback(context.Background()))
		order = append(order, r.id)
	}
	assert.Equal(t, 3, c.HiddenMessages())
	assert.Equal(t, 0, c.ActiveMessages(), "hidden messages are not active")
	_, locked, _ := f.stats()
	assert.Equal(t, 3, locked)

	f.sched.Advance(850 * time.Millisecond)
	assert.Equal(t, order[:1], revealedIDs())
	assert.Equal(t, 2, c.HiddenMessages())

	f.sched.Advance(100 * time.Millisecond)
	assert.Equal(t, order[:2], revealedIDs())

	f.sched.Advance(100 * time.Millisecond)
	assert.Equal(t, order, revealedIDs())
	assert.Equal(t, 0, c.HiddenMessages())

	// Revealed messages are delivered again.
	again := receiveTxs(t, txs, 3)
	for _, r := range again {
		require.NoError(t, r.tx.Commit(context.Background()))
	}
	require.Eventually(t, func() bool {
		_, _, total := f.stats()
		return total == 0
	}, waitFor, tick)
}

func TestMaxHiddenMessagesSuspends(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 5}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 100)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{},
		StopOptions{HideDelay: time.Second, MaxHiddenMessages: 2}))
	f.put("a")
	f.put("b")
	require.NoError(t, c.Start(false))

	for _, r := range receiveTxs(t, txs, 2) {
		require.NoError(t, r.tx.Rollback(context.Background()))
	}
	assert.True(t, c.IsConsumerSuspended(types.SuspendMaxHiddenMsgs))

	f.put("c")
	assert.Never(t, func() bool { return len(txs) > 0 }, 100*time.Millisecond, tick)

	f.sched.Advance(time.Second)
	assert.False(t, c.IsConsumerSuspended(types.SuspendMaxHiddenMsgs))
	assert.Len(t, receiveTxs(t, txs, 3), 3)
}

func TestCloseReleasesLockedMessages(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	c := f.attach(ConsumerOptions{})
	col := &collector{}
	require.NoError(t, c.RegisterAsynchConsumer(col, AsynchOptions{MaxBatchSize: 3}))
	require.NoError(t, c.Start(false))

	msgs := []*types.Message{f.put("a"), f.put("b"), f.put("c")}
	require.Eventually(t, func() bool {
		_, locked, _ := f.stats()
		return col.count() == 3 && locked == 3
	}, waitFor, tick)

	require.NoError(t, c.Close(context.Background()))
	available, locked, _ := f.stats()
	assert.Equal(t, 3, available)
	assert.Zero(t, locked)
	assert.Zero(t, c.ActiveMessages())
	for _, m := range msgs {
		stored, err := f.store.Get(context.Background(), f.d.opts.Stream, m.Handle)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.DeliveryCount)
	}

	_, err := c.Receive(context.Background(), NoWait, nil)
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.ErrorIs(t, c.RegisterAsynchConsumer(col, AsynchOptions{}), ErrSessionUnavailable)
	_, err = c.ProcessMsgSet(context.Background(), nil, nil, MsgSetAction{Read: true})
	assert.ErrorIs(t, err, ErrSessionUnavailable)
	assert.NoError(t, c.Close(context.Background()), "close is idempotent")

	// Another consumer picks the released messages up.
	next := f.attach(ConsumerOptions{})
	require.NoError(t, next.Start(false))
	for range msgs {
		m, err := next.Receive(context.Background(), NoWait, nil)
		require.NoError(t, err)
		assert.NotNil(t, m)
	}
}

type recordingRouter struct {
	f      *fixture
	mu     sync.Mutex
	routed []string
}

func (r *recordingRouter) RouteToException(ctx context.Context, msg *types.Message, lockID types.LockID) (bool, error) {
	if err := r.f.store.Remove(ctx, r.f.d.opts.Stream, msg.Handle, lockID, nil); err != nil {
		return false, err
	}
	r.mu.Lock()
	r.routed = append(r.routed, msg.ID)
	r.mu.Unlock()
	return true, nil
}

func TestSingleDeliveryAttemptIsExceptionedNotHidden(t *testing.T) {
	router := &recordingRouter{}
	f := newFixture(t, Options{MaxFailedDeliveries: 1}, router)
	router.f = f
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 10)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{HideDelay: time.Second}))
	msg := f.put("a")
	require.NoError(t, c.Start(false))

	r := receiveTxs(t, txs, 1)[0]
	require.NoError(t, r.tx.Rollback(context.Background()))

	assert.Zero(t, c.HiddenMessages())
	assert.Zero(t, c.ActiveMessages())
	router.mu.Lock()
	assert.Equal(t, []string{msg.ID}, router.routed)
	router.mu.Unlock()
	_, _, total := f.stats()
	assert.Zero(t, total)
}

func TestSingleDeliveryAttemptWithoutExceptionDestination(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 1}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 10)
	var counts []int
	var mu sync.Mutex
	col := &collector{handle: func(ctx context.Context, e *LockedMessageEnumeration, s Session, m *types.Message) {
		mu.Lock()
		counts = append(counts, m.DeliveryCount)
		mu.Unlock()
		deleteUnder(f, txs)(ctx, e, s, m)
	}}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{HideDelay: time.Second}))
	f.put("a")
	require.NoError(t, c.Start(false))

	require.NoError(t, receiveTxs(t, txs, 1)[0].tx.Rollback(context.Background()))
	assert.Zero(t, c.HiddenMessages(), "an exhausted message is never hidden")

	require.NoError(t, receiveTxs(t, txs, 1)[0].tx.Commit(context.Background()))
	mu.Lock()
	assert.Equal(t, []int{0, 1}, counts)
	mu.Unlock()
}

func TestSingleDeliveryAttemptCountsEveryFailure(t *testing.T) {
	f := newFixture(t, Options{MaxFailedDeliveries: 1}, nil)
	c := f.attach(ConsumerOptions{})

	txs := make(chan txRecord, 10)
	col := &collector{handle: deleteUnder(f, txs)}
	require.NoError(t, c.RegisterStoppableAsynchConsumer(col, AsynchOptions{}, StopOptions{MaxSequentialFailures: 1}))
	f.put("a")
	require.NoError(t, c.Start(false))

	require.NoError(t, receiveTxs(t, txs, 1)[0].tx.Rollback(context.Background()))
	require.Eventually(t, func() bool { return col.stopped.Load() == 1 && c.Stopped() }, waitFor, tick)
}

func TestReceiveExclusive(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	first := f.attach(ConsumerOptions{})
	second := f.attach(ConsumerOptions{})

	f.d.SetReceiveExclusive(context.Background(), true)
	for _, c := range []*LocalConsumerPoint{first, second} {
		_, err := c.Receive(context.Background(), NoWait, nil)
		assert.ErrorIs(t, err, ErrReceiveExclusive)
		assert.Equal(t, types.ClosedReceiveExclusive, c.Key().ClosedReason())
	}

	only := f.attach(ConsumerOptions{})
	_, err := f.d.Attach(ConsumerOptions{})
	assert.ErrorIs(t, err, ErrExclusiveConsumer)

	require.NoError(t, only.Close(context.Background()))
	f.attach(ConsumerOptions{})
}

func TestCloseAllConsumersOnDelete(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	c := f.attach(ConsumerOptions{})
	require.NoError(t, c.Start(false))

	done := make(chan error, 1)
	go func() {
		_, err := c.Receive(context.Background(), WaitForever, nil)
		done <- err
	}()
	require.Eventually(t, c.Waiting, waitFor, tick)

	f.d.CloseAllConsumers(context.Background(), types.ClosedDeleted)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionUnavailable)
		assert.ErrorIs(t, err, ErrDestinationDeleted)
	case <-time.After(waitFor):
		t.Fatal("receiver was not released")
	}

	_, err := f.d.Attach(ConsumerOptions{})
	assert.ErrorIs(t, err, ErrDestinationDeleted)
}

func TestLostWakeupEpoch(t *testing.T) {
	f := newFixture(t, Options{}, nil)
	c := f.attach(ConsumerOptions{})
	require.NoError(t, c.Start(false))

	epoch := f.d.currentEpoch()
	// Nobody is ready, so the offer bumps the epoch.
	assert.False(t, f.d.Deliver(context.Background(), f.preload("a")))
	assert.False(t, f.d.markReady(c, epoch))
	assert.True(t, f.d.markReady(c, f.d.currentEpoch()))
	f.d.removeReady(c)
}

type txRecord struct {
	id string
	tx *txn.Transaction
}

// deleteUnder removes each message under a fresh transaction and hands the
// transaction to the test.
func deleteUnder(f *fixture, txs chan<- txRecord) func(context.Context, *LockedMessageEnumeration, Session, *types.Message) {
	return func(ctx context.Context, e *LockedMessageEnumeration, _ Session, m *types.Message) {
		tx := f.txm.Begin()
		if err := e.DeleteCurrent(ctx, tx); err != nil {
			panic(err)
		}
		txs <- txRecord{id: m.ID, tx: tx}
	}
}

func receiveTxs(t *testing.T, txs <-chan txRecord, n int) []txRecord {
	t.Helper()
	out := make([]txRecord, 0, n)
	for len(out) < n {
		select {
		case r := <-txs:
			out = append(out, r)
		case <-time.After(waitFor):
			t.Fatalf("received %d of %d deliveries", len(out), n)
		}
	}
	return out
}
