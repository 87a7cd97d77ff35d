package replication

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metrics"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/purgatory"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// hwCheckpointName is the per-directory high watermark checkpoint file
const hwCheckpointName = "replication-offset-checkpoint"

// hostedPartition is the local state of a partition on this broker: absent
// from the map (None), Online with a live Partition, or Offline after its
// log directory failed. Offline is sticky until restart.
type hostedPartition struct {
	online  *Partition
	offline bool
}

// DirFailureNotifier tells the metadata store this broker lost a directory
type DirFailureNotifier func(brokerID types.BrokerID)

// TransactionVerifier checks with the transaction coordinator whether the
// given partitions have an ongoing transaction for txnID. The callback
// receives the verified subset.
type TransactionVerifier interface {
	Verify(txnID string, partitions []types.TopicPartition, cb func(verified map[types.TopicPartition]bool))
}

// Manager is the broker-local replication façade: it owns the hosted
// partition map, the fetcher pools, the four purgatories, high watermark
// checkpointing, and the log-directory failure handler.
type Manager struct {
	cfg      *config.Config
	brokerID types.BrokerID

	logMgr *storage.Manager
	alter  AlterPartitionSender

	// stateChangeMu serializes role-change control RPCs broker-wide
	stateChangeMu sync.Mutex

	mu              sync.RWMutex
	partitions      map[types.TopicPartition]*hostedPartition
	controllerEpoch int32

	producePurgatory       *purgatory.Purgatory
	fetchPurgatory         *purgatory.Purgatory
	deleteRecordsPurgatory *purgatory.Purgatory
	electLeaderPurgatory   *purgatory.Purgatory

	fetcherPool *FetcherPool
	futurePool  *FetcherPool

	selector ReplicaSelector
	verifier TransactionVerifier
	notifier DirFailureNotifier
	metrics  *metrics.Metrics

	// metadata cache fed by UpdateMetadata requests
	cacheMu     sync.RWMutex
	liveBrokers map[types.BrokerID]protocol.UpdateMetadataBroker

	checkpoints map[string]*storage.CheckpointFile
	recoveredHW map[types.TopicPartition]types.Offset

	stopCh chan struct{}
	wg     sync.WaitGroup

	zlog *zap.Logger
}

// NewManager creates the replica manager. endpoints resolves source brokers
// for follower fetch; notifier reports directory failures upstream.
func NewManager(cfg *config.Config, logMgr *storage.Manager, alter AlterPartitionSender, endpoints LeaderEndpointProvider, notifier DirFailureNotifier) *Manager {
	m := &Manager{
		cfg:                    cfg,
		brokerID:               types.BrokerID(cfg.BrokerID),
		logMgr:                 logMgr,
		alter:                  alter,
		partitions:             make(map[types.TopicPartition]*hostedPartition),
		controllerEpoch:        types.NoEpoch,
		producePurgatory:       purgatory.New("produce", cfg.ProducerPurgatoryPurgeInterval),
		fetchPurgatory:         purgatory.New("fetch", cfg.FetchPurgatoryPurgeInterval),
		deleteRecordsPurgatory: purgatory.New("delete-records", cfg.DeleteRecordsPurgatoryPurgeInterval),
		electLeaderPurgatory:   purgatory.New("elect-leader", cfg.ElectLeaderPurgatoryPurgeInterval),
		selector:               NewSelector(cfg.ReplicaSelectorName),
		notifier:               notifier,
		liveBrokers:            make(map[types.BrokerID]protocol.UpdateMetadataBroker),
		checkpoints:            make(map[string]*storage.CheckpointFile),
		recoveredHW:            make(map[types.TopicPartition]types.Offset),
		stopCh:                 make(chan struct{}),
		zlog:                   logger.Named("replica-manager").With(zap.Int32("broker", int32(cfg.BrokerID))),
	}

	m.fetcherPool = NewFetcherPool("replica", cfg, types.BrokerID(cfg.BrokerID), types.BrokerID(cfg.BrokerID), endpoints, m.onFollowerFetched)
	m.futurePool = NewFetcherPool("future", cfg, types.BrokerID(cfg.BrokerID), protocol.FutureLocalReplicaID,
		func(types.BrokerID) (LeaderEndpoint, error) { return localEndpoint{m}, nil }, nil)

	for _, dir := range cfg.LogDirs {
		m.checkpoints[dir] = storage.NewCheckpointFile(dir, hwCheckpointName)
	}
	return m
}

// SetTransactionVerifier installs the transaction coordinator hook
func (m *Manager) SetTransactionVerifier(v TransactionVerifier) {
	m.verifier = v
}

// SetMetrics installs the broker's instruments
func (m *Manager) SetMetrics(mx *metrics.Metrics) {
	m.metrics = mx
}

// Start recovers checkpoints and launches the background workers
func (m *Manager) Start() error {
	for dir, cp := range m.checkpoints {
		offsets, err := cp.Read()
		if err != nil {
			m.zlog.Warn("high watermark checkpoint unreadable",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		for tp, hw := range offsets {
			m.recoveredHW[tp] = hw
		}
	}

	m.wg.Add(3)
	go m.isrShrinkLoop()
	go m.checkpointLoop()
	go m.dirFailureLoop()

	m.zlog.Info("replica manager started", zap.Strings("logDirs", m.cfg.LogDirs))
	return nil
}

// Stop shuts everything down and writes a final checkpoint
func (m *Manager) Stop() {
	close(m.stopCh)
	m.fetcherPool.Close()
	m.futurePool.Close()
	m.wg.Wait()

	m.checkpointHighWatermarks()
	m.producePurgatory.Close()
	m.fetchPurgatory.Close()
	m.deleteRecordsPurgatory.Close()
	m.electLeaderPurgatory.Close()
	m.zlog.Info("replica manager stopped")
}

// --- partition map ---

// OnlinePartition resolves tp to its live Partition, mapping the hosted
// state to typed errors
func (m *Manager) OnlinePartition(tp types.TopicPartition) (*Partition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hp, ok := m.partitions[tp]
	if !ok {
		return nil, errors.Newf(errors.UnknownTopicOrPartition, "onlinePartition",
			"%s is not hosted on broker %d", tp, m.brokerID)
	}
	if hp.offline {
		return nil, errors.Newf(errors.StorageError, "onlinePartition",
			"%s is in an offline log directory", tp)
	}
	return hp.online, nil
}

// OnlinePartitionCount returns the number of live partitions
func (m *Manager) OnlinePartitionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, hp := range m.partitions {
		if !hp.offline {
			n++
		}
	}
	return n
}

// LeaderCount returns the number of partitions this broker leads
func (m *Manager) LeaderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, hp := range m.partitions {
		if !hp.offline && hp.online.IsLeader() {
			n++
		}
	}
	return n
}

// getOrCreatePartition creates the Partition object on its first role
// assignment. Caller holds the state-change lock.
func (m *Manager) getOrCreatePartition(tp types.TopicPartition) (*Partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if hp, ok := m.partitions[tp]; ok {
		if hp.offline {
			return nil, errors.Newf(errors.StorageError, "createPartition",
				"%s is in an offline log directory", tp)
		}
		return hp.online, nil
	}

	log, err := m.logMgr.GetOrCreateLog(tp)
	if err != nil {
		return nil, errors.Wrap(errors.StorageError, "createPartition", err)
	}
	if hw, ok := m.recoveredHW[tp]; ok {
		log.SetHighWatermark(hw)
	}

	p := NewPartition(tp, m.brokerID, m.cfg, log, m.alter)
	p.SetHighWatermarkListener(m.onHighWatermarkIncrease)
	m.partitions[tp] = &hostedPartition{online: p}
	return p, nil
}

// --- purgatory nudges ---

// onHighWatermarkIncrease runs the post-advance checks: produce, fetch and
// delete-records waiters may now be satisfied
func (m *Manager) onHighWatermarkIncrease(tp types.TopicPartition) {
	m.producePurgatory.CheckAndComplete(tp)
	m.fetchPurgatory.CheckAndComplete(tp)
	m.deleteRecordsPurgatory.CheckAndComplete(tp)
}

// onFollowerFetched nudges waiters after this broker, as a follower,
// appended fetched data
func (m *Manager) onFollowerFetched(tp types.TopicPartition) {
	m.producePurgatory.CheckAndComplete(tp)
	m.fetchPurgatory.CheckAndComplete(tp)
}

// CompleteDelayedOperations force-checks all purgatories for a partition,
// used when the partition is removed or fails
func (m *Manager) CompleteDelayedOperations(tp types.TopicPartition) {
	m.producePurgatory.CheckAndComplete(tp)
	m.fetchPurgatory.CheckAndComplete(tp)
	m.deleteRecordsPurgatory.CheckAndComplete(tp)
	m.electLeaderPurgatory.CheckAndComplete(tp)
}

// ElectLeaderPurgatory exposes the elect-leader purgatory to the admin path
func (m *Manager) ElectLeaderPurgatory() *purgatory.Purgatory {
	return m.electLeaderPurgatory
}

// ProducePurgatorySize returns the pending delayed-produce count
func (m *Manager) ProducePurgatorySize() int {
	return m.producePurgatory.PendingCount()
}

// FetchPurgatorySize returns the pending delayed-fetch count
func (m *Manager) FetchPurgatorySize() int {
	return m.fetchPurgatory.PendingCount()
}

// OfflinePartitionCount returns the number of partitions in failed
// directories
func (m *Manager) OfflinePartitionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, hp := range m.partitions {
		if hp.offline {
			n++
		}
	}
	return n
}

// --- produce path ---

// AppendRecords appends batches on the leaders of the given partitions.
// With acks=all the response callback fires once every ISR member has the
// records or the timeout expires; otherwise it fires immediately after the
// leader writes.
func (m *Manager) AppendRecords(timeout time.Duration, acks protocol.RequiredAcks, internalTopicsAllowed bool,
	origin protocol.AppendOrigin, entries map[types.TopicPartition]types.RecordBatch, txnID string,
	respond func(map[types.TopicPartition]protocol.ProducePartitionResponse)) {

	if !acks.Valid() {
		results := make(map[types.TopicPartition]protocol.ProducePartitionResponse, len(entries))
		for tp := range entries {
			results[tp] = protocol.ProducePartitionResponse{
				Error:        errors.InvalidRequiredAcks,
				ErrorMessage: "required acks must be -1, 0 or 1",
				BaseOffset:   -1,
			}
		}
		respond(results)
		return
	}

	if txnID != "" && m.cfg.TransactionPartitionVerificationEnable && m.verifier != nil {
		tps := make([]types.TopicPartition, 0, len(entries))
		for tp := range entries {
			tps = append(tps, tp)
		}
		m.verifier.Verify(txnID, tps, func(verified map[types.TopicPartition]bool) {
			allowed := make(map[types.TopicPartition]types.RecordBatch, len(entries))
			results := make(map[types.TopicPartition]protocol.ProducePartitionResponse)
			for tp, batch := range entries {
				if verified[tp] {
					allowed[tp] = batch
				} else {
					results[tp] = protocol.ProducePartitionResponse{
						Error:        errors.InvalidTxnState,
						ErrorMessage: "partition has no ongoing transaction",
						BaseOffset:   -1,
					}
				}
			}
			m.appendEntries(timeout, acks, internalTopicsAllowed, origin, allowed, results, respond)
		})
		return
	}

	m.appendEntries(timeout, acks, internalTopicsAllowed, origin, entries,
		make(map[types.TopicPartition]protocol.ProducePartitionResponse), respond)
}

// appendEntries performs the local appends and arranges the response
func (m *Manager) appendEntries(timeout time.Duration, acks protocol.RequiredAcks, internalTopicsAllowed bool,
	origin protocol.AppendOrigin, entries map[types.TopicPartition]types.RecordBatch,
	results map[types.TopicPartition]protocol.ProducePartitionResponse,
	respond func(map[types.TopicPartition]protocol.ProducePartitionResponse)) {

	required := make(map[types.TopicPartition]types.Offset)
	for tp, batch := range entries {
		p, err := m.OnlinePartition(tp)
		if err != nil {
			m.noteFailedProduce()
			results[tp] = protocol.ProducePartitionResponse{
				Error:        errors.KindOf(err),
				ErrorMessage: err.Error(),
				BaseOffset:   -1,
			}
			continue
		}
		start := time.Now()
		info, err := p.AppendRecordsToLeader(batch, origin, acks, internalTopicsAllowed)
		if err != nil {
			m.noteFailedProduce()
			results[tp] = protocol.ProducePartitionResponse{
				Error:        errors.KindOf(err),
				ErrorMessage: err.Error(),
				BaseOffset:   -1,
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.AppendLatency.Observe(time.Since(start).Seconds())
		}
		results[tp] = protocol.ProducePartitionResponse{
			BaseOffset:     info.BaseOffset,
			LogAppendTime:  info.LogAppendTime,
			LogStartOffset: info.LogStartOffset,
		}
		required[tp] = info.LastOffset

		// HWIncreased already ran the full nudge via the listener; a
		// same-watermark append may still satisfy waiting fetches
		if info.HWChange == HWSame {
			m.fetchPurgatory.CheckAndComplete(tp)
		}
	}

	if acks == protocol.AcksAll && len(required) > 0 {
		op := newDelayedProduce(m, timeout, results, required, respond)
		keys := make([]types.TopicPartition, 0, len(required))
		for tp := range required {
			keys = append(keys, tp)
		}
		m.producePurgatory.TryCompleteElseWatch(op, keys)
		return
	}

	respond(results)
}

// --- fetch path ---

// FetchRecords reads from the local logs, answering immediately when the
// request is already satisfiable and parking a delayed fetch otherwise
func (m *Manager) FetchRecords(params protocol.FetchParams, partitions map[types.TopicPartition]protocol.FetchPartition,
	respond func(map[types.TopicPartition]protocol.FetchPartitionData)) {

	results := m.readFromLocalLog(params, partitions)

	bytes := 0
	respondNow := params.MaxWait <= 0 || len(partitions) == 0
	for _, data := range results {
		if data.Error != errors.None || data.DivergingEpoch != nil || data.PreferredReadReplica != types.NoLeader {
			respondNow = true
		}
		for _, b := range data.Batches {
			bytes += b.SizeBytes()
		}
	}
	if respondNow || bytes >= params.MinBytes {
		respond(results)
		return
	}

	positions := make(map[types.TopicPartition]fetchPosition, len(partitions))
	keys := make([]types.TopicPartition, 0, len(partitions))
	for tp, fp := range partitions {
		positions[tp] = fetchPosition{fetchOffset: fp.FetchOffset, partition: fp}
		keys = append(keys, tp)
	}
	op := newDelayedFetch(m, params, positions, respond)
	m.fetchPurgatory.TryCompleteElseWatch(op, keys)
}

// readFromLocalLog reads every requested partition once
func (m *Manager) readFromLocalLog(params protocol.FetchParams, partitions map[types.TopicPartition]protocol.FetchPartition) map[types.TopicPartition]protocol.FetchPartitionData {
	results := make(map[types.TopicPartition]protocol.FetchPartitionData, len(partitions))
	for tp, fp := range partitions {
		p, err := m.OnlinePartition(tp)
		if err != nil {
			m.noteFailedFetch()
			results[tp] = protocol.FetchPartitionData{Error: errors.KindOf(err), PreferredReadReplica: types.NoLeader}
			continue
		}

		// A rack-aware consumer may be redirected to a closer in-sync replica
		if params.IsFromConsumer() && params.ClientMetadata != nil && p.IsLeader() {
			if replica, ok := m.preferredReadReplica(p, *params.ClientMetadata, fp.FetchOffset); ok {
				results[tp] = protocol.FetchPartitionData{
					HighWatermark:        p.HighWatermark(),
					LogStartOffset:       p.LogStartOffset(),
					LogEndOffset:         p.LogEndOffset(),
					PreferredReadReplica: replica,
				}
				continue
			}
		}

		data, err := p.Read(params, fp)
		if err != nil {
			m.noteFailedFetch()
			result := protocol.FetchPartitionData{Error: errors.KindOf(err), PreferredReadReplica: types.NoLeader}
			if result.Error == errors.OffsetOutOfRange {
				// Followers use these bounds to reset their position
				result.HighWatermark = p.HighWatermark()
				result.LogStartOffset = p.LogStartOffset()
				result.LogEndOffset = p.LogEndOffset()
			}
			results[tp] = result
			continue
		}
		data.PreferredReadReplica = types.NoLeader
		results[tp] = data
	}
	return results
}

// preferredReadReplica picks an in-sync follower whose log range covers the
// fetch offset. Never redirects a follower fetch.
func (m *Manager) preferredReadReplica(p *Partition, client protocol.ClientMetadata, fetchOffset types.Offset) (types.BrokerID, bool) {
	if m.selector == nil {
		return 0, false
	}

	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()

	var candidates []ReplicaView
	for _, id := range p.ISR() {
		if id == m.brokerID {
			continue
		}
		f, ok := p.FollowerStateFor(id)
		if !ok || f.LogEndOffset < 0 {
			continue
		}
		if fetchOffset < f.LogStartOffset || fetchOffset > f.LogEndOffset {
			continue
		}
		broker, ok := m.liveBrokers[id]
		if !ok {
			continue
		}
		candidates = append(candidates, ReplicaView{
			ID:             id,
			Rack:           broker.Rack,
			LogStartOffset: f.LogStartOffset,
			LogEndOffset:   f.LogEndOffset,
		})
	}
	if len(candidates) == 0 {
		return 0, false
	}
	return m.selector.Select(client, candidates)
}

// --- delete records ---

// DeleteRecords truncates log heads on the leaders and waits until the low
// watermark reaches the requested offsets
func (m *Manager) DeleteRecords(timeout time.Duration, offsets map[types.TopicPartition]types.Offset,
	respond func(map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse)) {

	results := make(map[types.TopicPartition]protocol.DeleteRecordsPartitionResponse, len(offsets))
	pending := make(map[types.TopicPartition]types.Offset)
	for tp, offset := range offsets {
		p, err := m.OnlinePartition(tp)
		if err != nil {
			results[tp] = protocol.DeleteRecordsPartitionResponse{Error: errors.KindOf(err), LowWatermark: -1}
			continue
		}
		lwm, err := p.DeleteRecordsOnLeader(offset)
		if err != nil {
			results[tp] = protocol.DeleteRecordsPartitionResponse{Error: errors.KindOf(err), LowWatermark: -1}
			continue
		}
		results[tp] = protocol.DeleteRecordsPartitionResponse{LowWatermark: lwm}
		pending[tp] = lwm
	}

	if len(pending) == 0 {
		respond(results)
		return
	}

	op := newDelayedDeleteRecords(m, timeout, pending, results, respond)
	keys := make([]types.TopicPartition, 0, len(pending))
	for tp := range pending {
		keys = append(keys, tp)
	}
	m.deleteRecordsPurgatory.TryCompleteElseWatch(op, keys)
}

// --- offset lookups ---

// OffsetForLeaderEpoch answers epoch-based end offset queries for follower
// truncation
func (m *Manager) OffsetForLeaderEpoch(partitions map[types.TopicPartition]protocol.OffsetForLeaderEpochPartition) map[types.TopicPartition]protocol.EpochEndOffset {
	results := make(map[types.TopicPartition]protocol.EpochEndOffset, len(partitions))
	for tp, q := range partitions {
		p, err := m.OnlinePartition(tp)
		if err != nil {
			results[tp] = protocol.EpochEndOffset{Error: errors.KindOf(err), LeaderEpoch: types.NoEpoch, EndOffset: -1}
			continue
		}
		results[tp] = p.LastOffsetForLeaderEpoch(q.CurrentLeaderEpoch, q.LeaderEpoch, true)
	}
	return results
}

// --- control plane ---

// BecomeLeaderOrFollower applies a LeaderAndISR request: creates missing
// partitions, splits the batch into leaders and followers, applies role
// transitions, and reconfigures the fetcher pool
func (m *Manager) BecomeLeaderOrFollower(req *protocol.LeaderAndISRRequest) *protocol.LeaderAndISRResponse {
	m.stateChangeMu.Lock()
	defer m.stateChangeMu.Unlock()

	resp := &protocol.LeaderAndISRResponse{
		Partitions: make(map[types.TopicPartition]errors.Kind, len(req.Partitions)),
	}

	m.mu.Lock()
	if req.ControllerEpoch < m.controllerEpoch {
		m.mu.Unlock()
		m.zlog.Warn("rejecting leaderAndIsr from stale controller",
			zap.Int32("requestEpoch", req.ControllerEpoch),
			zap.Int32("currentEpoch", m.controllerEpoch))
		resp.Error = errors.StaleControllerEpoch
		return resp
	}
	m.controllerEpoch = req.ControllerEpoch
	m.mu.Unlock()

	var toLeader, toFollower []protocol.LeaderAndISRPartitionState
	for _, state := range req.Partitions {
		if state.Leader == m.brokerID {
			toLeader = append(toLeader, state)
		} else {
			toFollower = append(toFollower, state)
		}
	}

	var stopFetching []types.TopicPartition
	for _, state := range toLeader {
		p, err := m.getOrCreatePartition(state.TopicPartition)
		if err != nil {
			resp.Partitions[state.TopicPartition] = errors.KindOf(err)
			continue
		}
		if _, err := p.MakeLeader(state); err != nil {
			resp.Partitions[state.TopicPartition] = errors.KindOf(err)
			continue
		}
		resp.Partitions[state.TopicPartition] = errors.None
		stopFetching = append(stopFetching, state.TopicPartition)

		// An admin election waiting on this partition may now be satisfied
		m.electLeaderPurgatory.CheckAndComplete(state.TopicPartition)
	}

	var startFetching []fetchTarget
	for _, state := range toFollower {
		p, err := m.getOrCreatePartition(state.TopicPartition)
		if err != nil {
			resp.Partitions[state.TopicPartition] = errors.KindOf(err)
			continue
		}
		changed, err := p.MakeFollower(state)
		if err != nil {
			resp.Partitions[state.TopicPartition] = errors.KindOf(err)
			continue
		}
		resp.Partitions[state.TopicPartition] = errors.None
		if changed && state.Leader != types.NoLeader {
			startFetching = append(startFetching, fetchTarget{
				tp:          state.TopicPartition,
				leader:      state.Leader,
				leaderEpoch: state.LeaderEpoch,
				log:         p.Log(),
			})
		}

		// A leader that became a follower may strand acks=all waiters
		m.CompleteDelayedOperations(state.TopicPartition)
	}

	m.fetcherPool.RemovePartitions(stopFetching)
	m.fetcherPool.AddPartitions(startFetching)
	m.fetcherPool.ShutdownIdleWorkers()

	m.zlog.Info("applied leaderAndIsr",
		zap.Int("leaders", len(toLeader)),
		zap.Int("followers", len(toFollower)),
		zap.Int32("controllerEpoch", req.ControllerEpoch))
	return resp
}

// StopReplicas stops fetchers first, then removes the partitions; deleted
// partitions lose their logs
func (m *Manager) StopReplicas(req *protocol.StopReplicaRequest) *protocol.StopReplicaResponse {
	m.stateChangeMu.Lock()
	defer m.stateChangeMu.Unlock()

	resp := &protocol.StopReplicaResponse{
		Partitions: make(map[types.TopicPartition]errors.Kind, len(req.Partitions)),
	}

	m.mu.Lock()
	if req.ControllerEpoch < m.controllerEpoch {
		m.mu.Unlock()
		resp.Error = errors.StaleControllerEpoch
		return resp
	}
	m.controllerEpoch = req.ControllerEpoch
	m.mu.Unlock()

	tps := make([]types.TopicPartition, 0, len(req.Partitions))
	for _, sp := range req.Partitions {
		tps = append(tps, sp.TopicPartition)
	}
	m.fetcherPool.RemovePartitions(tps)
	m.futurePool.RemovePartitions(tps)

	for _, sp := range req.Partitions {
		m.mu.Lock()
		hp, ok := m.partitions[sp.TopicPartition]
		m.mu.Unlock()

		if ok && hp.offline {
			// The Offline entry stays in the map until restart
			resp.Partitions[sp.TopicPartition] = errors.StorageError
			continue
		}
		if ok && !hp.offline {
			// Epoch sentinels bypass the comparison; see the delete-in-progress
			// discussion in DESIGN.md
			epoch := hp.online.LeaderEpoch()
			if sp.LeaderEpoch != types.NoEpoch && sp.LeaderEpoch != types.EpochDuringDelete && sp.LeaderEpoch < epoch {
				resp.Partitions[sp.TopicPartition] = errors.FencedLeaderEpoch
				continue
			}
		}

		m.mu.Lock()
		delete(m.partitions, sp.TopicPartition)
		m.mu.Unlock()

		if sp.Delete {
			m.logMgr.DeleteLog(sp.TopicPartition)
		}
		resp.Partitions[sp.TopicPartition] = errors.None

		// Release any waiters parked on the removed partition
		m.CompleteDelayedOperations(sp.TopicPartition)
	}

	m.fetcherPool.ShutdownIdleWorkers()
	m.zlog.Info("stopped replicas", zap.Int("count", len(req.Partitions)))
	return resp
}

// MetadataDelta is the image-diff form of metadata change application, used
// when the metadata source is an event log rather than direct control RPCs
type MetadataDelta struct {
	ControllerEpoch int32
	Changed         []protocol.LeaderAndISRPartitionState
	Deleted         []types.TopicPartition
}

// ApplyDelta computes this broker's local leaders, followers and deletes
// from the delta and applies them with the same primitives as the RPC path:
// deletes first, then leaders, then followers
func (m *Manager) ApplyDelta(delta *MetadataDelta) {
	if len(delta.Deleted) > 0 {
		stop := &protocol.StopReplicaRequest{ControllerEpoch: delta.ControllerEpoch}
		for _, tp := range delta.Deleted {
			stop.Partitions = append(stop.Partitions, protocol.StopReplicaPartition{
				TopicPartition: tp,
				LeaderEpoch:    types.EpochDuringDelete,
				Delete:         true,
			})
		}
		m.StopReplicas(stop)
	}

	var local []protocol.LeaderAndISRPartitionState
	for _, state := range delta.Changed {
		for _, r := range state.Replicas {
			if r == m.brokerID {
				local = append(local, state)
				break
			}
		}
	}
	if len(local) > 0 {
		m.BecomeLeaderOrFollower(&protocol.LeaderAndISRRequest{
			ControllerEpoch: delta.ControllerEpoch,
			Partitions:      local,
		})
	}
}

// ApplyUpdateMetadata refreshes the broker liveness cache
func (m *Manager) ApplyUpdateMetadata(req *protocol.UpdateMetadataRequest) *protocol.UpdateMetadataResponse {
	m.mu.Lock()
	if req.ControllerEpoch < m.controllerEpoch {
		m.mu.Unlock()
		return &protocol.UpdateMetadataResponse{Error: errors.StaleControllerEpoch}
	}
	m.controllerEpoch = req.ControllerEpoch
	m.mu.Unlock()

	m.cacheMu.Lock()
	m.liveBrokers = make(map[types.BrokerID]protocol.UpdateMetadataBroker, len(req.LiveBrokers))
	for _, b := range req.LiveBrokers {
		m.liveBrokers[b.ID] = b
	}
	m.cacheMu.Unlock()
	return &protocol.UpdateMetadataResponse{}
}

// --- inter-directory moves ---

// AlterReplicaLogDir starts moving a partition's log to another directory
// on this broker: a future log is created there and the future pool
// replays the current log into it
func (m *Manager) AlterReplicaLogDir(tp types.TopicPartition, targetDir string) error {
	p, err := m.OnlinePartition(tp)
	if err != nil {
		return err
	}
	future, err := m.logMgr.GetOrCreateFutureLog(tp, targetDir)
	if err != nil {
		return errors.Wrap(errors.StorageError, "alterReplicaLogDir", err)
	}
	p.AttachFutureLog(future)
	m.futurePool.AddPartitions([]fetchTarget{{
		tp:          tp,
		leader:      LocalLeaderID,
		leaderEpoch: types.NoEpoch,
		log:         future,
	}})
	return nil
}

// MaybePromoteFutureLogs promotes future logs that have caught up and
// detaches them from the future pool
func (m *Manager) MaybePromoteFutureLogs() {
	m.mu.RLock()
	var candidates []*Partition
	for _, hp := range m.partitions {
		if !hp.offline {
			if _, ok := hp.online.FutureLog(); ok {
				candidates = append(candidates, hp.online)
			}
		}
	}
	m.mu.RUnlock()

	for _, p := range candidates {
		tp := p.TopicPartition()
		promoted, err := p.MaybePromoteFutureLog(func() (storage.Log, error) {
			return m.logMgr.PromoteFutureLog(tp)
		})
		if err != nil {
			m.zlog.Error("future log promotion failed", zap.String("partition", tp.String()), zap.Error(err))
			continue
		}
		if promoted {
			m.futurePool.RemovePartitions([]types.TopicPartition{tp})
			// A follower keeps fetching into the promoted log
			if !p.IsLeader() && p.LeaderID() != types.NoLeader {
				m.fetcherPool.AddPartitions([]fetchTarget{{
					tp:          tp,
					leader:      p.LeaderID(),
					leaderEpoch: p.LeaderEpoch(),
					log:         p.Log(),
				}})
			}
		}
	}
	m.futurePool.ShutdownIdleWorkers()
}

// localEndpoint serves the future-log pool from this broker's current logs
type localEndpoint struct {
	mgr *Manager
}

// Fetch implements LeaderEndpoint over the local partitions
func (e localEndpoint) Fetch(_ context.Context, params protocol.FetchParams, partitions map[types.TopicPartition]protocol.FetchPartition) (map[types.TopicPartition]protocol.FetchPartitionData, error) {
	return e.mgr.readFromLocalLog(params, partitions), nil
}

func (m *Manager) noteFailedProduce() {
	if m.metrics != nil {
		m.metrics.FailedProduces.Inc()
	}
}

func (m *Manager) noteFailedFetch() {
	if m.metrics != nil {
		m.metrics.FailedFetches.Inc()
	}
}

// --- background loops ---

func (m *Manager) isrShrinkLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReplicaLagTimeMax / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.mu.RLock()
			partitions := make([]*Partition, 0, len(m.partitions))
			for _, hp := range m.partitions {
				if !hp.offline {
					partitions = append(partitions, hp.online)
				}
			}
			m.mu.RUnlock()

			for _, p := range partitions {
				p.MaybeShrinkISR()
			}
			m.MaybePromoteFutureLogs()
		}
	}
}

func (m *Manager) checkpointLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ReplicaHighWatermarkCheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkpointHighWatermarks()
		}
	}
}

// checkpointHighWatermarks snapshots every partition's high watermark into
// its directory's checkpoint file
func (m *Manager) checkpointHighWatermarks() {
	byDir := make(map[string]map[types.TopicPartition]types.Offset)

	m.mu.RLock()
	for tp, hp := range m.partitions {
		if hp.offline {
			continue
		}
		dir := hp.online.Log().Dir()
		if byDir[dir] == nil {
			byDir[dir] = make(map[types.TopicPartition]types.Offset)
		}
		byDir[dir][tp] = hp.online.HighWatermark()
	}
	m.mu.RUnlock()

	for dir, offsets := range byDir {
		cp, ok := m.checkpoints[dir]
		if !ok || m.logMgr.IsDirOffline(dir) {
			continue
		}
		if err := cp.Write(offsets); err != nil {
			m.zlog.Warn("high watermark checkpoint write failed",
				zap.String("dir", dir), zap.Error(err))
		}
	}
}

// dirFailureLoop drains the storage failure channel. For each failed
// directory: every partition homed there goes Offline, its fetchers stop,
// the directory's checkpoint is pruned, and the metadata store is told.
func (m *Manager) dirFailureLoop() {
	defer m.wg.Done()

	for {
		select {
		case <-m.stopCh:
			return
		case failure, ok := <-m.logMgr.FailureChannel():
			if !ok {
				return
			}
			m.handleDirFailure(failure)
		}
	}
}

func (m *Manager) handleDirFailure(failure storage.DirFailure) {
	if m.cfg.HaltOnLogDirFailure {
		// Recovery cannot distinguish new partitions over the legacy wire
		// protocol, so the broker must not run degraded
		m.zlog.Error("halting on log directory failure",
			zap.String("dir", failure.Dir), zap.Error(failure.Cause))
		logger.Sync()
		os.Exit(1)
	}

	m.zlog.Error("log directory failed",
		zap.String("dir", failure.Dir), zap.Error(failure.Cause))

	affected := m.logMgr.LogsInDir(failure.Dir)

	m.fetcherPool.RemovePartitions(affected)
	m.futurePool.RemovePartitions(affected)

	m.mu.Lock()
	for _, tp := range affected {
		m.partitions[tp] = &hostedPartition{offline: true}
	}
	m.mu.Unlock()

	if cp, ok := m.checkpoints[failure.Dir]; ok {
		if err := cp.Remove(); err != nil {
			m.zlog.Warn("checkpoint prune failed", zap.String("dir", failure.Dir), zap.Error(err))
		}
	}

	for _, tp := range affected {
		m.CompleteDelayedOperations(tp)
	}

	if m.notifier != nil {
		m.notifier(m.brokerID)
	}
}
