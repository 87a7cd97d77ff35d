package controller

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bg = context.Background()

// fakeSender records control RPCs and answers success unless configured
// otherwise
type fakeSender struct {
	mu sync.Mutex

	leaderAndISR   []sentLeaderAndISR
	stopReplica    []sentStopReplica
	updateMetadata int

	// stopReplicaKind overrides per-partition StopReplica outcomes
	stopReplicaKind map[types.TopicPartition]errors.Kind
	// storageFailed answers LeaderAndISR with StorageError for these
	storageFailed map[types.TopicPartition]bool
}

type sentLeaderAndISR struct {
	dest types.BrokerID
	req  *protocol.LeaderAndISRRequest
}

type sentStopReplica struct {
	dest types.BrokerID
	req  *protocol.StopReplicaRequest
}

func (f *fakeSender) SendLeaderAndISR(dest types.BrokerID, req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.leaderAndISR = append(f.leaderAndISR, sentLeaderAndISR{dest: dest, req: req})
	resp := &protocol.LeaderAndISRResponse{Partitions: make(map[types.TopicPartition]errors.Kind)}
	for _, p := range req.Partitions {
		if f.storageFailed[p.TopicPartition] {
			resp.Partitions[p.TopicPartition] = errors.StorageError
		} else {
			resp.Partitions[p.TopicPartition] = errors.None
		}
	}
	return resp, nil
}

func (f *fakeSender) SendStopReplica(dest types.BrokerID, req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopReplica = append(f.stopReplica, sentStopReplica{dest: dest, req: req})
	resp := &protocol.StopReplicaResponse{Partitions: make(map[types.TopicPartition]errors.Kind)}
	for _, p := range req.Partitions {
		if kind, ok := f.stopReplicaKind[p.TopicPartition]; ok {
			resp.Partitions[p.TopicPartition] = kind
		} else {
			resp.Partitions[p.TopicPartition] = errors.None
		}
	}
	return resp, nil
}

func (f *fakeSender) SendUpdateMetadata(dest types.BrokerID, req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateMetadata++
	return &protocol.UpdateMetadataResponse{}, nil
}

func (f *fakeSender) stopReplicaDeletesFor(tp types.TopicPartition) []types.BrokerID {
	f.mu.Lock()
	defer f.mu.Unlock()

	var dests []types.BrokerID
	for _, s := range f.stopReplica {
		for _, p := range s.req.Partitions {
			if p.TopicPartition == tp && p.Delete {
				dests = append(dests, s.dest)
			}
		}
	}
	return dests
}

func controllerConfig(brokerID int32) *config.Config {
	cfg := config.Default()
	cfg.BrokerID = brokerID
	cfg.LeaderImbalanceCheckInterval = time.Hour
	return cfg
}

func startController(t *testing.T, store *metastore.MemStore, sender ControlSender, brokerID int32) *Controller {
	t.Helper()
	c := New(controllerConfig(brokerID), store, sender)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)
	return c
}

func registerBrokers(t *testing.T, store *metastore.MemStore, ids ...types.BrokerID) {
	t.Helper()
	for _, id := range ids {
		_, err := store.RegisterBroker(bg, metastore.BrokerRegistration{ID: id, Host: "h", Port: 9092})
		require.NoError(t, err)
	}
}

func waitActive(t *testing.T, c *Controller) {
	t.Helper()
	require.Eventually(t, c.IsActive, 2*time.Second, 5*time.Millisecond)
}

func createTopic(t *testing.T, store *metastore.MemStore, topic string, replicas ...types.BrokerID) types.TopicPartition {
	t.Helper()
	require.NoError(t, store.CreateTopic(bg, topic, uuid.New(), map[int32]types.ReplicaAssignment{
		0: types.SimpleAssignment(replicas),
	}))
	tp := types.TopicPartition{Topic: topic, Partition: 0}
	require.Eventually(t, func() bool {
		_, ok := store.LeaderAndISR(tp)
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	return tp
}

func TestControllerElection(t *testing.T) {
	store := metastore.NewMemStore()
	c := startController(t, store, &fakeSender{}, 1)

	waitActive(t, c)
	assert.Equal(t, int32(1), c.Epoch())

	holder, ok := store.Controller()
	require.True(t, ok)
	assert.Equal(t, types.BrokerID(1), holder)
}

func TestControllerFailover(t *testing.T) {
	store := metastore.NewMemStore()
	a := New(controllerConfig(1), store, &fakeSender{})
	require.NoError(t, a.Start())
	waitActive(t, a)
	epochA := a.Epoch()

	b := startController(t, store, &fakeSender{}, 2)
	// B stays standby while A holds the lease
	time.Sleep(50 * time.Millisecond)
	assert.False(t, b.IsActive())

	// A resigns; B claims the lease with a strictly higher epoch
	a.Stop()
	waitActive(t, b)
	assert.Greater(t, b.Epoch(), epochA)
}

func TestTopicCreationElectsLeader(t *testing.T) {
	store := metastore.NewMemStore()
	sender := &fakeSender{}
	registerBrokers(t, store, 1, 2, 3)
	c := startController(t, store, sender, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 1, 2, 3)

	info, ok := store.LeaderAndISR(tp)
	require.True(t, ok)
	assert.Equal(t, types.BrokerID(1), info.Leader)
	assert.ElementsMatch(t, []types.BrokerID{1, 2, 3}, info.ISR)
	assert.Equal(t, types.InitialLeaderEpoch, info.LeaderEpoch)

	// Every replica received the leadership push
	require.Eventually(t, func() bool {
		sender.mu.Lock()
		defer sender.mu.Unlock()
		dests := make(map[types.BrokerID]bool)
		for _, s := range sender.leaderAndISR {
			dests[s.dest] = true
		}
		return dests[1] && dests[2] && dests[3]
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBrokerFailureElectsNewLeader(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1, 2, 3)
	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 2, 3)
	before, _ := store.LeaderAndISR(tp)
	require.Equal(t, types.BrokerID(2), before.Leader)

	require.NoError(t, store.UnregisterBroker(2))

	require.Eventually(t, func() bool {
		info, _ := store.LeaderAndISR(tp)
		return info.Leader == 3
	}, 2*time.Second, 5*time.Millisecond)

	after, _ := store.LeaderAndISR(tp)
	assert.Greater(t, after.LeaderEpoch, before.LeaderEpoch)
	assert.Equal(t, []types.BrokerID{3}, after.ISR)
}

func TestAlterPartitionValidation(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1, 2)
	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 1, 2)
	current, _ := store.LeaderAndISR(tp)

	alter := func(leaderEpoch, partitionEpoch int32, isr []types.BrokerID) protocol.AlterPartitionPartitionResponse {
		resp, err := c.AlterPartition(bg, &protocol.AlterPartitionRequest{
			BrokerID: 1,
			Partitions: []protocol.AlterPartitionItem{{
				TopicPartition: tp,
				LeaderID:       1,
				LeaderEpoch:    leaderEpoch,
				NewISR:         isr,
				PartitionEpoch: partitionEpoch,
			}},
		})
		require.NoError(t, err)
		return resp.Partitions[tp]
	}

	// Broker ahead of the controller: it moved
	assert.Equal(t, errors.NotController, alter(current.LeaderEpoch+1, current.PartitionEpoch, []types.BrokerID{1}).Error)
	assert.Equal(t, errors.NotController, alter(current.LeaderEpoch, current.PartitionEpoch+1, []types.BrokerID{1}).Error)

	// Partition epoch going backwards
	assert.Equal(t, errors.InvalidUpdateVersion, alter(current.LeaderEpoch, current.PartitionEpoch-1, []types.BrokerID{1}).Error)

	// Unknown replica in the proposed ISR
	assert.Equal(t, errors.IneligibleReplica, alter(current.LeaderEpoch, current.PartitionEpoch, []types.BrokerID{1, 9}).Error)

	// Valid shrink commits and bumps the partition epoch
	got := alter(current.LeaderEpoch, current.PartitionEpoch, []types.BrokerID{1})
	assert.Equal(t, errors.None, got.Error)
	assert.Equal(t, current.PartitionEpoch+1, got.LeaderAndISR.PartitionEpoch)
	assert.Equal(t, []types.BrokerID{1}, got.LeaderAndISR.ISR)

	// Fenced leader epoch after the controller has seen a newer one
	committed, _ := store.LeaderAndISR(tp)
	assert.Equal(t, errors.FencedLeaderEpoch, alter(committed.LeaderEpoch-1, committed.PartitionEpoch, []types.BrokerID{1}).Error)
}

func TestAlterPartitionUnknownPartition(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1)
	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	resp, err := c.AlterPartition(bg, &protocol.AlterPartitionRequest{
		BrokerID: 1,
		Partitions: []protocol.AlterPartitionItem{{
			TopicPartition: types.TopicPartition{Topic: "ghost", Partition: 0},
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, errors.UnknownTopicOrPartition, resp.Partitions[types.TopicPartition{Topic: "ghost", Partition: 0}].Error)
}

func TestReassignmentFullCycle(t *testing.T) {
	store := metastore.NewMemStore()
	sender := &fakeSender{}
	registerBrokers(t, store, 1, 2, 3, 4, 5, 6)
	c := startController(t, store, sender, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 1, 2, 3)
	before, _ := store.LeaderAndISR(tp)

	// Phase U+A: intent recorded, leader epoch bumped
	require.NoError(t, store.RequestReassignment(bg, "events", map[int32][]types.BrokerID{
		0: {4, 5, 6},
	}))
	require.Eventually(t, func() bool {
		a, ok := store.Assignment("events")
		return ok && a[0].IsBeingReassigned()
	}, 2*time.Second, 5*time.Millisecond)

	mid, _ := store.Assignment("events")
	assert.ElementsMatch(t, []types.BrokerID{1, 2, 3, 4, 5, 6}, mid[0].Replicas)
	assert.ElementsMatch(t, []types.BrokerID{4, 5, 6}, mid[0].Adding)
	assert.ElementsMatch(t, []types.BrokerID{1, 2, 3}, mid[0].Removing)

	phaseA, _ := store.LeaderAndISR(tp)
	assert.Greater(t, phaseA.LeaderEpoch, before.LeaderEpoch)

	// The new replicas catch up: the leader proposes the expanded ISR
	resp, err := c.AlterPartition(bg, &protocol.AlterPartitionRequest{
		BrokerID: 1,
		Partitions: []protocol.AlterPartitionItem{{
			TopicPartition: tp,
			LeaderID:       phaseA.Leader,
			LeaderEpoch:    phaseA.LeaderEpoch,
			NewISR:         []types.BrokerID{1, 2, 3, 4, 5, 6},
			PartitionEpoch: phaseA.PartitionEpoch,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, errors.None, resp.Partitions[tp].Error)

	// Phase B: assignment commits to the target set with a leader inside it
	require.Eventually(t, func() bool {
		a, ok := store.Assignment("events")
		return ok && !a[0].IsBeingReassigned() && len(a[0].Replicas) == 3
	}, 2*time.Second, 5*time.Millisecond)

	final, _ := store.Assignment("events")
	assert.ElementsMatch(t, []types.BrokerID{4, 5, 6}, final[0].Replicas)

	info, _ := store.LeaderAndISR(tp)
	assert.Contains(t, []types.BrokerID{4, 5, 6}, info.Leader)
	assert.ElementsMatch(t, []types.BrokerID{4, 5, 6}, info.ISR)

	// The origin replicas were stopped with delete
	deletes := sender.stopReplicaDeletesFor(tp)
	assert.ElementsMatch(t, []types.BrokerID{1, 2, 3}, deletes)
}

func TestTopicDeletion(t *testing.T) {
	store := metastore.NewMemStore()
	sender := &fakeSender{}
	registerBrokers(t, store, 1, 2)
	c := startController(t, store, sender, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "doomed", 1, 2)

	require.NoError(t, store.QueueTopicDeletion(bg, "doomed"))

	require.Eventually(t, func() bool {
		_, ok := store.TopicID("doomed")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	// Replica deletion was requested on both replicas
	deletes := sender.stopReplicaDeletesFor(tp)
	assert.ElementsMatch(t, []types.BrokerID{1, 2}, deletes)

	// Deletion queue entry is gone
	assert.Empty(t, store.TopicsQueuedForDeletion())
	_, ok := store.LeaderAndISR(tp)
	assert.False(t, ok)
}

func TestTopicDeletionBlockedByReassignment(t *testing.T) {
	store := metastore.NewMemStore()
	sender := &fakeSender{}
	registerBrokers(t, store, 1, 2, 3)
	c := startController(t, store, sender, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "doomed", 1, 2)

	// Start a reassignment to broker 3 but do not let it finish
	require.NoError(t, store.RequestReassignment(bg, "doomed", map[int32][]types.BrokerID{0: {3}}))
	require.Eventually(t, func() bool {
		a, ok := store.Assignment("doomed")
		return ok && a[0].IsBeingReassigned()
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, store.QueueTopicDeletion(bg, "doomed"))
	time.Sleep(100 * time.Millisecond)

	// The topic still exists: deletion is blocked by the reassignment
	_, ok := store.TopicID("doomed")
	assert.True(t, ok)

	// Complete the reassignment; deletion resumes and finishes
	info, _ := store.LeaderAndISR(tp)
	resp, err := c.AlterPartition(bg, &protocol.AlterPartitionRequest{
		BrokerID: 1,
		Partitions: []protocol.AlterPartitionItem{{
			TopicPartition: tp,
			LeaderID:       info.Leader,
			LeaderEpoch:    info.LeaderEpoch,
			NewISR:         []types.BrokerID{1, 2, 3},
			PartitionEpoch: info.PartitionEpoch,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, errors.None, resp.Partitions[tp].Error)

	require.Eventually(t, func() bool {
		_, ok := store.TopicID("doomed")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestControlledShutdown(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1, 2)
	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	moved := createTopic(t, store, "moved", 1, 2)
	stuck := createTopic(t, store, "stuck", 1)

	resp := c.ControlledShutdown(1)
	require.Equal(t, errors.None, resp.Error)

	// The replicated partition moved its leader to broker 2
	info, _ := store.LeaderAndISR(moved)
	assert.Equal(t, types.BrokerID(2), info.Leader)
	assert.Equal(t, []types.BrokerID{2}, info.ISR)

	// The single-replica partition cannot move
	assert.Equal(t, []types.TopicPartition{stuck}, resp.PartitionsRemaining)
}

func TestPreferredElectionRestoresPreferredLeader(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1, 2)
	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 2, 1)

	// Kill the preferred leader; leadership falls to broker 1
	require.NoError(t, store.UnregisterBroker(2))
	require.Eventually(t, func() bool {
		info, _ := store.LeaderAndISR(tp)
		return info.Leader == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Broker 2 returns and catches back up into the ISR
	registerBrokers(t, store, 2)
	info, _ := store.LeaderAndISR(tp)
	resp, err := c.AlterPartition(bg, &protocol.AlterPartitionRequest{
		BrokerID: 1,
		Partitions: []protocol.AlterPartitionItem{{
			TopicPartition: tp,
			LeaderID:       1,
			LeaderEpoch:    info.LeaderEpoch,
			NewISR:         []types.BrokerID{1, 2},
			PartitionEpoch: info.PartitionEpoch,
		}},
	})
	require.NoError(t, err)
	require.Equal(t, errors.None, resp.Partitions[tp].Error)

	// Preferred election moves leadership back to broker 2
	results := c.ElectLeaders([]types.TopicPartition{tp}, ElectPreferred)
	assert.Equal(t, errors.None, results[tp])

	final, _ := store.LeaderAndISR(tp)
	assert.Equal(t, types.BrokerID(2), final.Leader)

	// Re-running reports no election needed
	results = c.ElectLeaders([]types.TopicPartition{tp}, ElectPreferred)
	assert.Equal(t, errors.ElectionNotNeeded, results[tp])
}

func TestLogDirFailureMovesLeadership(t *testing.T) {
	store := metastore.NewMemStore()
	sender := &fakeSender{storageFailed: map[types.TopicPartition]bool{}}
	registerBrokers(t, store, 1, 2)
	c := startController(t, store, sender, 1)
	waitActive(t, c)

	tp := createTopic(t, store, "events", 1, 2)
	before, _ := store.LeaderAndISR(tp)
	require.Equal(t, types.BrokerID(1), before.Leader)

	// Broker 1 loses the directory hosting the partition
	sender.mu.Lock()
	sender.storageFailed[tp] = true
	sender.mu.Unlock()
	require.NoError(t, store.NotifyLogDirFailure(bg, 1))

	require.Eventually(t, func() bool {
		info, _ := store.LeaderAndISR(tp)
		return info.Leader == 2
	}, 2*time.Second, 5*time.Millisecond)

	after, _ := store.LeaderAndISR(tp)
	assert.Greater(t, after.LeaderEpoch, before.LeaderEpoch)
}

func TestStandbyAnswersNotController(t *testing.T) {
	store := metastore.NewMemStore()
	registerBrokers(t, store, 1, 2)
	a := startController(t, store, &fakeSender{}, 1)
	waitActive(t, a)

	b := startController(t, store, &fakeSender{}, 2)
	require.False(t, b.IsActive())

	resp, err := b.AlterPartition(bg, &protocol.AlterPartitionRequest{BrokerID: 2})
	require.NoError(t, err)
	assert.Equal(t, errors.NotController, resp.Error)

	shutdown := b.ControlledShutdown(2)
	assert.Equal(t, errors.NotController, shutdown.Error)
}

func TestProducerIDAllocationThroughController(t *testing.T) {
	store := metastore.NewMemStore()
	epoch, err := store.RegisterBroker(bg, metastore.BrokerRegistration{ID: 1})
	require.NoError(t, err)

	c := startController(t, store, &fakeSender{}, 1)
	waitActive(t, c)

	b1, err := c.AllocateProducerIDs(1, epoch)
	require.NoError(t, err)
	b2, err := c.AllocateProducerIDs(1, epoch)
	require.NoError(t, err)
	assert.Equal(t, b1.LastID+1, b2.FirstID)
}
