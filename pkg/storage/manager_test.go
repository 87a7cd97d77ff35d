package storage

import (
	"errors"
	"testing"

	"github.com/gstreamio/corelog/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tp(topic string, partition int32) types.TopicPartition {
	return types.TopicPartition{Topic: topic, Partition: partition}
}

func TestManagerGetOrCreateLog(t *testing.T) {
	m := NewManager([]string{"dir-a", "dir-b"})
	defer m.Close()

	l1, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)
	l2, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)
	assert.Same(t, l1, l2)

	got, ok := m.GetLog(tp("events", 0))
	require.True(t, ok)
	assert.Same(t, l1, got)

	_, ok = m.GetLog(tp("events", 1))
	assert.False(t, ok)
}

func TestManagerMarkDirOffline(t *testing.T) {
	m := NewManager([]string{"dir-a"})
	defer m.Close()

	_, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)

	cause := errors.New("io error")
	m.MarkDirOffline("dir-a", cause)

	failure := <-m.FailureChannel()
	assert.Equal(t, "dir-a", failure.Dir)
	assert.Equal(t, cause, failure.Cause)
	assert.True(t, m.IsDirOffline("dir-a"))
	assert.Empty(t, m.LiveDirs())

	// No live dirs left: creation fails
	_, err = m.GetOrCreateLog(tp("events", 1))
	assert.Error(t, err)

	// Marking again does not post a second failure
	m.MarkDirOffline("dir-a", cause)
	select {
	case f, ok := <-m.FailureChannel():
		if ok {
			t.Fatalf("unexpected second failure: %+v", f)
		}
	default:
	}
}

func TestManagerLogsInDir(t *testing.T) {
	m := NewManager([]string{"dir-a"})
	defer m.Close()

	_, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)
	_, err = m.GetOrCreateLog(tp("events", 1))
	require.NoError(t, err)

	assert.Len(t, m.LogsInDir("dir-a"), 2)
	assert.Empty(t, m.LogsInDir("dir-b"))
}

func TestManagerDeleteLog(t *testing.T) {
	m := NewManager([]string{"dir-a"})
	defer m.Close()

	l, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)
	m.DeleteLog(tp("events", 0))

	_, ok := m.GetLog(tp("events", 0))
	assert.False(t, ok)

	// The handle is closed
	_, err = l.Append(batchOf("x"), 0)
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestManagerFutureLogPromotion(t *testing.T) {
	m := NewManager([]string{"dir-a", "dir-b"})
	defer m.Close()

	current, err := m.GetOrCreateLog(tp("events", 0))
	require.NoError(t, err)

	future, err := m.GetOrCreateFutureLog(tp("events", 0), "dir-b")
	require.NoError(t, err)
	assert.NotSame(t, current, future)

	promoted, err := m.PromoteFutureLog(tp("events", 0))
	require.NoError(t, err)
	assert.Same(t, future, promoted)

	got, ok := m.GetLog(tp("events", 0))
	require.True(t, ok)
	assert.Same(t, future, got)

	_, ok = m.FutureLog(tp("events", 0))
	assert.False(t, ok)
}

func TestManagerPromoteWithoutFutureLog(t *testing.T) {
	m := NewManager([]string{"dir-a"})
	defer m.Close()

	_, err := m.PromoteFutureLog(tp("events", 0))
	assert.Error(t, err)
}
