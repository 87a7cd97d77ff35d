package purgatory

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gstreamio/corelog/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOp is a delayed operation whose predicate flips via an atomic flag
type testOp struct {
	deadline  time.Time
	satisfied atomic.Bool

	mu        sync.Mutex
	completed int
	expired   int

	panicOnTry bool
}

func newTestOp(timeout time.Duration) *testOp {
	return &testOp{deadline: time.Now().Add(timeout)}
}

func (o *testOp) Deadline() time.Time { return o.deadline }

func (o *testOp) TryComplete() bool {
	if o.panicOnTry {
		panic("predicate failure")
	}
	return o.satisfied.Load()
}

func (o *testOp) Complete() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed++
}

func (o *testOp) Expire() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.expired++
}

func (o *testOp) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed, o.expired
}

var key = types.TopicPartition{Topic: "events", Partition: 0}

func TestImmediateCompletion(t *testing.T) {
	p := New("produce", 100)
	defer p.Close()

	op := newTestOp(time.Minute)
	op.satisfied.Store(true)

	assert.True(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))
	completed, expired := op.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, expired)
	assert.Equal(t, 0, p.PendingCount())
}

func TestCheckAndComplete(t *testing.T) {
	p := New("produce", 100)
	defer p.Close()

	op := newTestOp(time.Minute)
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))
	assert.Equal(t, 1, p.PendingCount())

	// Not yet satisfied
	assert.Equal(t, 0, p.CheckAndComplete(key))

	op.satisfied.Store(true)
	assert.Equal(t, 1, p.CheckAndComplete(key))

	completed, expired := op.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, expired)

	// Idempotent: a second trigger does not complete again
	assert.Equal(t, 0, p.CheckAndComplete(key))
}

func TestExpiration(t *testing.T) {
	p := New("fetch", 100)
	defer p.Close()

	op := newTestOp(30 * time.Millisecond)
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))

	require.Eventually(t, func() bool {
		_, expired := op.counts()
		return expired == 1
	}, time.Second, 5*time.Millisecond)

	// Timed out means the predicate is not re-evaluated: completion loses
	op.satisfied.Store(true)
	assert.Equal(t, 0, p.CheckAndComplete(key))
	completed, expired := op.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, expired)
}

func TestCompletionBeatsExpiration(t *testing.T) {
	p := New("fetch", 100)
	defer p.Close()

	op := newTestOp(50 * time.Millisecond)
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))

	op.satisfied.Store(true)
	require.Equal(t, 1, p.CheckAndComplete(key))

	// Give the timer a chance to fire anyway
	time.Sleep(100 * time.Millisecond)
	completed, expired := op.counts()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, expired)
}

func TestMultipleKeys(t *testing.T) {
	p := New("produce", 100)
	defer p.Close()

	key2 := types.TopicPartition{Topic: "events", Partition: 1}
	op := newTestOp(time.Minute)
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key, key2}))

	op.satisfied.Store(true)
	// Completing under either key completes the operation once
	assert.Equal(t, 1, p.CheckAndComplete(key2))
	assert.Equal(t, 0, p.CheckAndComplete(key))
}

func TestPredicatePanicIsUnsatisfied(t *testing.T) {
	p := New("produce", 100)
	defer p.Close()

	op := newTestOp(40 * time.Millisecond)
	op.panicOnTry = true
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))

	// Panicking predicate leaves the operation watched until timeout
	assert.Equal(t, 0, p.CheckAndComplete(key))
	require.Eventually(t, func() bool {
		_, expired := op.counts()
		return expired == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPurgeRemovesTombstones(t *testing.T) {
	p := New("produce", 2)
	defer p.Close()

	ops := make([]*testOp, 5)
	for i := range ops {
		ops[i] = newTestOp(time.Minute)
		require.False(t, p.TryCompleteElseWatch(ops[i], []types.TopicPartition{key}))
	}
	assert.Equal(t, 5, p.WatchedCount())

	for _, op := range ops {
		op.satisfied.Store(true)
	}
	assert.Equal(t, 5, p.CheckAndComplete(key))

	// Tombstone count exceeded the purge interval, so the sweep ran
	assert.Equal(t, 0, p.WatchedCount())
	assert.Equal(t, 0, p.PendingCount())
}

func TestCloseExpiresPending(t *testing.T) {
	p := New("produce", 100)

	op := newTestOp(time.Hour)
	require.False(t, p.TryCompleteElseWatch(op, []types.TopicPartition{key}))

	p.Close()
	completed, expired := op.counts()
	assert.Equal(t, 0, completed)
	assert.Equal(t, 1, expired)

	// Watching after close expires immediately
	late := newTestOp(time.Hour)
	assert.False(t, p.TryCompleteElseWatch(late, []types.TopicPartition{key}))
	_, expired = late.counts()
	assert.Equal(t, 1, expired)
}
