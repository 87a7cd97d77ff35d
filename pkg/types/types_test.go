package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplicaAssignmentAlgebra(t *testing.T) {
	a := Reassigning([]BrokerID{1, 2, 3}, []BrokerID{4, 5, 6})

	assert.ElementsMatch(t, []BrokerID{1, 2, 3, 4, 5, 6}, a.Replicas)
	assert.ElementsMatch(t, []BrokerID{4, 5, 6}, a.Adding)
	assert.ElementsMatch(t, []BrokerID{1, 2, 3}, a.Removing)
	assert.True(t, a.IsBeingReassigned())

	assert.ElementsMatch(t, []BrokerID{1, 2, 3}, a.Origin())
	assert.ElementsMatch(t, []BrokerID{4, 5, 6}, a.Target())
}

func TestReplicaAssignmentOverlappingSets(t *testing.T) {
	a := Reassigning([]BrokerID{1, 2, 3}, []BrokerID{2, 3, 4})

	assert.ElementsMatch(t, []BrokerID{1, 2, 3, 4}, a.Replicas)
	assert.Equal(t, []BrokerID{4}, a.Adding)
	assert.Equal(t, []BrokerID{1}, a.Removing)
	assert.ElementsMatch(t, []BrokerID{1, 2, 3}, a.Origin())
	assert.ElementsMatch(t, []BrokerID{2, 3, 4}, a.Target())
}

func TestSimpleAssignment(t *testing.T) {
	a := SimpleAssignment([]BrokerID{1, 2})
	assert.False(t, a.IsBeingReassigned())
	assert.Equal(t, a.Replicas, a.Origin())
	assert.Equal(t, a.Replicas, a.Target())
	assert.True(t, a.Contains(2))
	assert.False(t, a.Contains(9))
}

func TestAssignmentCloneIsDeep(t *testing.T) {
	a := SimpleAssignment([]BrokerID{1, 2})
	c := a.Clone()
	c.Replicas[0] = 99
	assert.Equal(t, BrokerID(1), a.Replicas[0])
}

func TestLeaderAndISRTransitions(t *testing.T) {
	info := NewLeaderAndISR(1, []BrokerID{1, 2, 3})
	require.Equal(t, InitialLeaderEpoch, info.LeaderEpoch)
	require.Equal(t, InitialPartitionEpoch, info.PartitionEpoch)

	next := info.WithNewLeader(2)
	assert.Equal(t, BrokerID(2), next.Leader)
	assert.Equal(t, info.LeaderEpoch+1, next.LeaderEpoch)
	// The original is untouched
	assert.Equal(t, BrokerID(1), info.Leader)

	shrunk := info.WithISR([]BrokerID{1})
	assert.Equal(t, []BrokerID{1}, shrunk.ISR)
	assert.True(t, info.ISRContains(3))
	assert.False(t, shrunk.ISRContains(3))
}

func TestBatchOffsets(t *testing.T) {
	b := RecordBatch{
		BaseOffset: 10,
		Records:    []Record{{Value: []byte("a")}, {Value: []byte("b")}},
	}
	assert.Equal(t, Offset(11), b.LastOffset())

	empty := RecordBatch{BaseOffset: 10}
	assert.Equal(t, Offset(9), empty.LastOffset())
}

func TestTopicPartitionString(t *testing.T) {
	tp := TopicPartition{Topic: "events", Partition: 3}
	assert.Equal(t, "events-3", tp.String())
}
