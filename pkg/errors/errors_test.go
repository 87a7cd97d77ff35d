package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "None", None.String())
	assert.Equal(t, "FencedLeaderEpoch", FencedLeaderEpoch.String())
	assert.Equal(t, "NotLeaderOrFollower", NotLeaderOrFollower.String())
	assert.Equal(t, "Unknown", Kind(9999).String())
}

func TestRetriable(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{NotLeaderOrFollower, true},
		{UnknownTopicOrPartition, true},
		{NotEnoughReplicas, true},
		{RequestTimedOut, true},
		{InvalidRequiredAcks, false},
		{CorruptRecord, false},
		{StorageError, false},
		{InvalidUpdateVersion, false},
		{None, false},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.Retriable())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, None, KindOf(nil))
	assert.Equal(t, UnknownServerError, KindOf(errors.New("boom")))

	err := New(FencedLeaderEpoch, "makeLeader")
	assert.Equal(t, FencedLeaderEpoch, KindOf(err))

	// Kind survives wrapping with fmt.Errorf
	wrapped := fmt.Errorf("outer: %w", err)
	assert.Equal(t, FencedLeaderEpoch, KindOf(wrapped))
}

func TestWrap(t *testing.T) {
	require.Nil(t, Wrap(StorageError, "append", nil))

	cause := errors.New("disk gone")
	err := Wrap(StorageError, "append", cause)
	require.Error(t, err)
	assert.Equal(t, StorageError, KindOf(err))
	assert.True(t, errors.Is(err, cause))
}

func TestErrorIsMatchesByKind(t *testing.T) {
	a := Newf(NotLeaderOrFollower, "fetch", "partition %s", "events-0")
	b := New(NotLeaderOrFollower, "other")
	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, New(OffsetOutOfRange, "fetch")))
}

func TestErrorMessageFormat(t *testing.T) {
	err := Newf(OffsetOutOfRange, "read", "offset %d beyond leo %d", 42, 10)
	assert.Contains(t, err.Error(), "OffsetOutOfRange")
	assert.Contains(t, err.Error(), "read")
	assert.Contains(t, err.Error(), "offset 42 beyond leo 10")
}
