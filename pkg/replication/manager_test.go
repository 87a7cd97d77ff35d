package replication

import (
	"testing"
	"time"

	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func managerConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.BrokerID = 1
	cfg.LogDirs = []string{t.TempDir()}
	cfg.ReplicaLagTimeMax = 100 * time.Millisecond
	cfg.MinInSyncReplicas = 1
	return cfg
}

func newTestManager(t *testing.T, cfg *config.Config) (*Manager, *storage.Manager) {
	t.Helper()
	logMgr := storage.NewManager(cfg.LogDirs)
	m := NewManager(cfg, logMgr, &fakeAlterSender{}, func(types.BrokerID) (LeaderEndpoint, error) {
		return nil, errors.New(errors.ReplicaNotAvailable, "test")
	}, nil)
	t.Cleanup(func() { logMgr.Close() })
	return m, logMgr
}

func eventsTP(partition int32) types.TopicPartition {
	return types.TopicPartition{Topic: "events", Partition: partition}
}

func makeLeaderReq(epoch int32, controllerEpoch int32, leader types.BrokerID, isr, replicas []types.BrokerID, tps ...types.TopicPartition) *protocol.LeaderAndISRRequest {
	req := &protocol.LeaderAndISRRequest{ControllerEpoch: controllerEpoch}
	for _, tp := range tps {
		req.Partitions = append(req.Partitions, protocol.LeaderAndISRPartitionState{
			TopicPartition: tp,
			Leader:         leader,
			LeaderEpoch:    epoch,
			ISR:            isr,
			PartitionEpoch: 1,
			Replicas:       replicas,
		})
	}
	return req
}

func TestBecomeLeaderOrFollowerCreatesPartitions(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	resp := m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0), eventsTP(1)))
	assert.Equal(t, errors.None, resp.Error)
	assert.Equal(t, errors.None, resp.Partitions[eventsTP(0)])
	assert.Equal(t, 2, m.OnlinePartitionCount())
	assert.Equal(t, 2, m.LeaderCount())

	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	assert.True(t, p.IsLeader())
}

func TestBecomeLeaderOrFollowerRejectsStaleController(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	resp := m.BecomeLeaderOrFollower(makeLeaderReq(1, 5, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0)))
	require.Equal(t, errors.None, resp.Error)

	resp = m.BecomeLeaderOrFollower(makeLeaderReq(2, 4, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0)))
	assert.Equal(t, errors.StaleControllerEpoch, resp.Error)
}

func TestBecomeFollowerStartsFetcher(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	resp := m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 2, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0)))
	assert.Equal(t, errors.None, resp.Partitions[eventsTP(0)])
	assert.Equal(t, 1, m.fetcherPool.PartitionCount())
	assert.Equal(t, 0, m.LeaderCount())
}

func TestLeaderAndISRReplayIsNoOp(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	req := makeLeaderReq(3, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))
	require.Equal(t, errors.None, m.BecomeLeaderOrFollower(req).Partitions[eventsTP(0)])

	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	appendOnLeader(t, m, eventsTP(0), "a", "b")
	hw := p.HighWatermark()

	// Same epoch again: accepted, no state churn, no HW rollback
	resp := m.BecomeLeaderOrFollower(req)
	assert.Equal(t, errors.None, resp.Partitions[eventsTP(0)])
	assert.Equal(t, hw, p.HighWatermark())
	assert.Equal(t, int32(3), p.LeaderEpoch())
}

func appendOnLeader(t *testing.T, m *Manager, tp types.TopicPartition, values ...string) {
	t.Helper()
	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(time.Second, protocol.AcksLeader, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{tp: batchOf(values...)}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })
	select {
	case r := <-done:
		require.Equal(t, errors.None, r[tp].Error, "append failed: %s", r[tp].ErrorMessage)
	case <-time.After(time.Second):
		t.Fatal("append did not respond")
	}
}

func TestAppendRecordsInvalidAcks(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(time.Second, protocol.RequiredAcks(3), false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(0): batchOf("a")}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })

	r := <-done
	assert.Equal(t, errors.InvalidRequiredAcks, r[eventsTP(0)].Error)
}

func TestAppendRecordsUnknownPartition(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(time.Second, protocol.AcksLeader, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(9): batchOf("a")}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })

	r := <-done
	assert.Equal(t, errors.UnknownTopicOrPartition, r[eventsTP(9)].Error)
}

func TestAppendAcksAllWaitsForFollowers(t *testing.T) {
	cfg := managerConfig(t)
	cfg.MinInSyncReplicas = 2
	m, _ := newTestManager(t, cfg)

	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0))).Partitions[eventsTP(0)])

	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(2*time.Second, protocol.AcksAll, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(0): batchOf("a", "b")}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })

	// Not completed until follower 2 catches up
	select {
	case <-done:
		t.Fatal("acks=all completed before replication")
	case <-time.After(50 * time.Millisecond):
	}

	// Follower 2 fetches past the appended records via the leader read path
	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	_, err = p.Read(protocol.FetchParams{ReplicaID: 2, Isolation: protocol.FetchLogEnd},
		protocol.FetchPartition{FetchOffset: 2, MaxBytes: 1 << 20, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch})
	require.NoError(t, err)

	select {
	case r := <-done:
		assert.Equal(t, errors.None, r[eventsTP(0)].Error)
		assert.Equal(t, types.Offset(0), r[eventsTP(0)].BaseOffset)
	case <-time.After(time.Second):
		t.Fatal("acks=all did not complete after replication")
	}
	assert.Equal(t, types.Offset(2), p.HighWatermark())
}

func TestAppendAcksAllTimesOut(t *testing.T) {
	cfg := managerConfig(t)
	cfg.MinInSyncReplicas = 2
	m, _ := newTestManager(t, cfg)

	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0))).Partitions[eventsTP(0)])

	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(50*time.Millisecond, protocol.AcksAll, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(0): batchOf("a")}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, errors.RequestTimedOut, r[eventsTP(0)].Error)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed produce never expired")
	}
}

type txnVerifierFunc func(txnID string, partitions []types.TopicPartition, cb func(map[types.TopicPartition]bool))

func (f txnVerifierFunc) Verify(txnID string, partitions []types.TopicPartition, cb func(map[types.TopicPartition]bool)) {
	f(txnID, partitions, cb)
}

func TestAppendTransactionalVerification(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0), eventsTP(1))).Partitions[eventsTP(0)])

	m.SetTransactionVerifier(txnVerifierFunc(func(txnID string, partitions []types.TopicPartition, cb func(map[types.TopicPartition]bool)) {
		assert.Equal(t, "txn-1", txnID)
		cb(map[types.TopicPartition]bool{eventsTP(0): true, eventsTP(1): false})
	}))

	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(time.Second, protocol.AcksLeader, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(0): batchOf("a"), eventsTP(1): batchOf("b")}, "txn-1",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })

	r := <-done
	assert.Equal(t, errors.None, r[eventsTP(0)].Error)
	assert.Equal(t, errors.InvalidTxnState, r[eventsTP(1)].Error)
}

func TestFetchRecordsImmediate(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a", "b")

	done := make(chan map[types.TopicPartition]protocol.FetchPartitionData, 1)
	m.FetchRecords(
		protocol.FetchParams{ReplicaID: protocol.ConsumerID, MaxWait: time.Second, MinBytes: 1, MaxBytes: 1 << 20, Isolation: protocol.FetchHighWatermark},
		map[types.TopicPartition]protocol.FetchPartition{eventsTP(0): {FetchOffset: 0, MaxBytes: 1 << 20, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch}},
		func(r map[types.TopicPartition]protocol.FetchPartitionData) { done <- r })

	r := <-done
	require.Equal(t, errors.None, r[eventsTP(0)].Error)
	require.Len(t, r[eventsTP(0)].Batches, 1)
	assert.Equal(t, types.Offset(2), r[eventsTP(0)].HighWatermark)
}

func TestFetchRecordsDelayedUntilProduce(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])

	done := make(chan map[types.TopicPartition]protocol.FetchPartitionData, 1)
	m.FetchRecords(
		protocol.FetchParams{ReplicaID: protocol.ConsumerID, MaxWait: 2 * time.Second, MinBytes: 1, MaxBytes: 1 << 20, Isolation: protocol.FetchHighWatermark},
		map[types.TopicPartition]protocol.FetchPartition{eventsTP(0): {FetchOffset: 0, MaxBytes: 1 << 20, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch}},
		func(r map[types.TopicPartition]protocol.FetchPartitionData) { done <- r })

	select {
	case <-done:
		t.Fatal("fetch completed with no data")
	case <-time.After(50 * time.Millisecond):
	}

	appendOnLeader(t, m, eventsTP(0), "a")

	select {
	case r := <-done:
		require.Equal(t, errors.None, r[eventsTP(0)].Error)
		require.Len(t, r[eventsTP(0)].Batches, 1)
	case <-time.After(time.Second):
		t.Fatal("delayed fetch did not complete after produce")
	}
}

func TestFetchRecordsErrorRespondsImmediately(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	done := make(chan map[types.TopicPartition]protocol.FetchPartitionData, 1)
	m.FetchRecords(
		protocol.FetchParams{ReplicaID: protocol.ConsumerID, MaxWait: time.Minute, MinBytes: 1 << 20, MaxBytes: 1 << 20, Isolation: protocol.FetchHighWatermark},
		map[types.TopicPartition]protocol.FetchPartition{eventsTP(0): {FetchOffset: 0, MaxBytes: 1024, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch}},
		func(r map[types.TopicPartition]protocol.FetchPartitionData) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, errors.UnknownTopicOrPartition, r[eventsTP(0)].Error)
	case <-time.After(time.Second):
		t.Fatal("error fetch should respond immediately")
	}
}

func TestStopReplicasWithDelete(t *testing.T) {
	cfg := managerConfig(t)
	m, logMgr := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a")

	resp := m.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions: []protocol.StopReplicaPartition{
			{TopicPartition: eventsTP(0), LeaderEpoch: 2, Delete: true},
		},
	})
	assert.Equal(t, errors.None, resp.Partitions[eventsTP(0)])

	_, err := m.OnlinePartition(eventsTP(0))
	assert.Equal(t, errors.UnknownTopicOrPartition, errors.KindOf(err))
	_, ok := logMgr.GetLog(eventsTP(0))
	assert.False(t, ok)
}

func TestStopReplicaFencesOldEpoch(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(5, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])

	resp := m.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions: []protocol.StopReplicaPartition{
			{TopicPartition: eventsTP(0), LeaderEpoch: 3},
		},
	})
	assert.Equal(t, errors.FencedLeaderEpoch, resp.Partitions[eventsTP(0)])

	// The delete sentinel bypasses the comparison
	resp = m.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions: []protocol.StopReplicaPartition{
			{TopicPartition: eventsTP(0), LeaderEpoch: types.EpochDuringDelete, Delete: true},
		},
	})
	assert.Equal(t, errors.None, resp.Partitions[eventsTP(0)])
}

func TestStopReplicaThenLeaderAndISRCreatesFreshReplica(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)

	req := makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))
	require.Equal(t, errors.None, m.BecomeLeaderOrFollower(req).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a", "b")

	m.StopReplicas(&protocol.StopReplicaRequest{
		ControllerEpoch: 1,
		Partitions:      []protocol.StopReplicaPartition{{TopicPartition: eventsTP(0), LeaderEpoch: types.NoEpoch, Delete: true}},
	})

	// A fresh LeaderAndISR rebuilds the replica from scratch
	req2 := makeLeaderReq(2, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))
	require.Equal(t, errors.None, m.BecomeLeaderOrFollower(req2).Partitions[eventsTP(0)])
	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	assert.Equal(t, types.Offset(0), p.LogEndOffset())
}

func TestDeleteRecords(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a", "b", "c", "d")

	done := make(chan map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse, 1)
	m.DeleteRecords(time.Second, map[types.TopicPartition]types.Offset{eventsTP(0): 2},
		func(r map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse) { done <- r })

	select {
	case r := <-done:
		assert.Equal(t, errors.None, r[eventsTP(0)].Error)
		assert.Equal(t, types.Offset(2), r[eventsTP(0)].LowWatermark)
	case <-time.After(time.Second):
		t.Fatal("delete records did not respond")
	}
}

func TestOffsetForLeaderEpoch(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(4, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a", "b", "c")

	results := m.OffsetForLeaderEpoch(map[types.TopicPartition]protocol.OffsetForLeaderEpochPartition{
		eventsTP(0): {CurrentLeaderEpoch: types.NoEpoch, LeaderEpoch: 4},
		eventsTP(9): {CurrentLeaderEpoch: types.NoEpoch, LeaderEpoch: 1},
	})
	assert.Equal(t, types.Offset(3), results[eventsTP(0)].EndOffset)
	assert.Equal(t, int32(4), results[eventsTP(0)].LeaderEpoch)
	assert.Equal(t, errors.UnknownTopicOrPartition, results[eventsTP(9)].Error)
}

func TestApplyDelta(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])

	m.ApplyDelta(&MetadataDelta{
		ControllerEpoch: 2,
		Deleted:         []types.TopicPartition{eventsTP(0)},
		Changed: []protocol.LeaderAndISRPartitionState{
			{
				TopicPartition: eventsTP(1),
				Leader:         1,
				LeaderEpoch:    1,
				ISR:            []types.BrokerID{1},
				PartitionEpoch: 1,
				Replicas:       []types.BrokerID{1},
			},
			{
				// Not assigned to this broker: skipped
				TopicPartition: eventsTP(2),
				Leader:         2,
				LeaderEpoch:    1,
				ISR:            []types.BrokerID{2},
				PartitionEpoch: 1,
				Replicas:       []types.BrokerID{2, 3},
			},
		},
	})

	_, err := m.OnlinePartition(eventsTP(0))
	assert.Equal(t, errors.UnknownTopicOrPartition, errors.KindOf(err))

	p, err := m.OnlinePartition(eventsTP(1))
	require.NoError(t, err)
	assert.True(t, p.IsLeader())

	_, err = m.OnlinePartition(eventsTP(2))
	assert.Equal(t, errors.UnknownTopicOrPartition, errors.KindOf(err))
}

func TestDirFailureMarksPartitionsOffline(t *testing.T) {
	cfg := managerConfig(t)
	var notified []types.BrokerID
	logMgr := storage.NewManager(cfg.LogDirs)
	m := NewManager(cfg, logMgr, &fakeAlterSender{}, func(types.BrokerID) (LeaderEndpoint, error) {
		return nil, errors.New(errors.ReplicaNotAvailable, "test")
	}, func(id types.BrokerID) { notified = append(notified, id) })
	t.Cleanup(func() { logMgr.Close() })

	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a")
	m.checkpointHighWatermarks()

	dir := cfg.LogDirs[0]
	m.handleDirFailure(storage.DirFailure{Dir: dir, Cause: assert.AnError})

	_, err := m.OnlinePartition(eventsTP(0))
	assert.Equal(t, errors.StorageError, errors.KindOf(err))
	assert.Equal(t, []types.BrokerID{1}, notified)

	// Checkpoint for the failed directory was pruned
	offsets, err := storage.NewCheckpointFile(dir, "replication-offset-checkpoint").Read()
	require.NoError(t, err)
	assert.Empty(t, offsets)

	// Produce against the offline partition fails with a storage error
	done := make(chan map[types.TopicPartition]protocol.ProducePartitionResponse, 1)
	m.AppendRecords(time.Second, protocol.AcksLeader, false, protocol.AppendOriginClient,
		map[types.TopicPartition]types.RecordBatch{eventsTP(0): batchOf("x")}, "",
		func(r map[types.TopicPartition]protocol.ProducePartitionResponse) { done <- r })
	r := <-done
	assert.Equal(t, errors.StorageError, r[eventsTP(0)].Error)
}

func TestCheckpointRecoveryRestoresHW(t *testing.T) {
	cfg := managerConfig(t)
	dir := cfg.LogDirs[0]
	cp := storage.NewCheckpointFile(dir, "replication-offset-checkpoint")
	require.NoError(t, cp.Write(map[types.TopicPartition]types.Offset{eventsTP(0): 0}))

	m, _ := newTestManager(t, cfg)
	require.NoError(t, m.Start())
	t.Cleanup(m.Stop)

	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1}, []types.BrokerID{1}, eventsTP(0))).Partitions[eventsTP(0)])
	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	assert.Equal(t, types.Offset(0), p.HighWatermark())
}

func TestDelayedElectLeaderCompletesOnLeadershipChange(t *testing.T) {
	cfg := managerConfig(t)
	m, _ := newTestManager(t, cfg)
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 2, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0))).Partitions[eventsTP(0)])

	done := make(chan map[types.TopicPartition]errors.Kind, 1)
	op := NewDelayedElectLeader(m, time.Second,
		map[types.TopicPartition]types.BrokerID{eventsTP(0): 1},
		func(r map[types.TopicPartition]errors.Kind) { done <- r })
	require.False(t, m.ElectLeaderPurgatory().TryCompleteElseWatch(op, []types.TopicPartition{eventsTP(0)}))

	// The expected leader is installed: the waiter completes
	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(2, 1, 1, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0))).Partitions[eventsTP(0)])

	select {
	case r := <-done:
		assert.Equal(t, errors.None, r[eventsTP(0)])
	case <-time.After(time.Second):
		t.Fatal("elect-leader waiter did not complete")
	}
}

func TestPreferredReadReplicaRedirect(t *testing.T) {
	cfg := managerConfig(t)
	cfg.ReplicaSelectorName = "rack-aware"
	m, _ := newTestManager(t, cfg)

	require.Equal(t, errors.None,
		m.BecomeLeaderOrFollower(makeLeaderReq(1, 1, 1, []types.BrokerID{1, 2}, []types.BrokerID{1, 2}, eventsTP(0))).Partitions[eventsTP(0)])
	appendOnLeader(t, m, eventsTP(0), "a", "b")

	// Follower 2 is in rack r2 and fully caught up
	m.ApplyUpdateMetadata(&protocol.UpdateMetadataRequest{
		ControllerEpoch: 1,
		LiveBrokers: []protocol.UpdateMetadataBroker{
			{ID: 1, Rack: "r1"},
			{ID: 2, Rack: "r2"},
		},
	})
	p, err := m.OnlinePartition(eventsTP(0))
	require.NoError(t, err)
	_, err = p.Read(protocol.FetchParams{ReplicaID: 2, Isolation: protocol.FetchLogEnd},
		protocol.FetchPartition{FetchOffset: 2, MaxBytes: 1 << 20, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch})
	require.NoError(t, err)

	done := make(chan map[types.TopicPartition]protocol.FetchPartitionData, 1)
	m.FetchRecords(
		protocol.FetchParams{
			ReplicaID:      protocol.ConsumerID,
			MaxWait:        time.Second,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			Isolation:      protocol.FetchHighWatermark,
			ClientMetadata: &protocol.ClientMetadata{RackID: "r2"},
		},
		map[types.TopicPartition]protocol.FetchPartition{eventsTP(0): {FetchOffset: 0, MaxBytes: 1 << 20, CurrentLeaderEpoch: types.NoEpoch, LastFetchedEpoch: types.NoEpoch}},
		func(r map[types.TopicPartition]protocol.FetchPartitionData) { done <- r })

	r := <-done
	assert.Equal(t, types.BrokerID(2), r[eventsTP(0)].PreferredReadReplica)
	assert.Empty(t, r[eventsTP(0)].Batches)
}
