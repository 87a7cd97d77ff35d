package replication

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// LeaderEndpoint serves follower fetches against one source broker
type LeaderEndpoint interface {
	// Fetch reads batches for the given partitions
	Fetch(ctx context.Context, params protocol.FetchParams, partitions map[types.TopicPartition]protocol.FetchPartition) (map[types.TopicPartition]protocol.FetchPartitionData, error)
}

// LeaderEndpointProvider resolves a broker id to its fetch endpoint
type LeaderEndpointProvider func(brokerID types.BrokerID) (LeaderEndpoint, error)

// LocalLeaderID is the loopback source used by the future-log catch-up
// pool; the "leader" is this broker's own current log
const LocalLeaderID types.BrokerID = -3

// fetchTarget is one partition a fetcher worker replicates
type fetchTarget struct {
	tp          types.TopicPartition
	leader      types.BrokerID
	leaderEpoch int32

	// log receives fetched batches: the partition's current log for
	// follower fetch, its future log for inter-directory moves
	log storage.Log
}

// fetcherKey shards targets: one worker owns all partitions with the same key
type fetcherKey struct {
	leader types.BrokerID
	index  int
}

// FetcherPool is a sharded pool of fetch workers. Each worker owns a
// distinct set of (partition -> leader) entries and pulls batched fetches
// from its source broker.
type FetcherPool struct {
	cfg       *config.Config
	brokerID  types.BrokerID
	replicaID types.BrokerID
	endpoints LeaderEndpointProvider

	// onFetched nudges purgatories after a successful append
	onFetched func(types.TopicPartition)

	mu      sync.Mutex
	workers map[fetcherKey]*fetcherWorker

	zlog *zap.Logger
}

// NewFetcherPool creates a pool. replicaID is the id workers present to
// leaders: the broker id for follower fetch, FutureLocalReplicaID for the
// future-log pool.
func NewFetcherPool(name string, cfg *config.Config, brokerID, replicaID types.BrokerID, endpoints LeaderEndpointProvider, onFetched func(types.TopicPartition)) *FetcherPool {
	return &FetcherPool{
		cfg:       cfg,
		brokerID:  brokerID,
		replicaID: replicaID,
		endpoints: endpoints,
		onFetched: onFetched,
		workers:   make(map[fetcherKey]*fetcherWorker),
		zlog:      logger.Named("fetcher-pool").With(zap.String("pool", name)),
	}
}

// keyFor spreads partitions over NumReplicaFetchers workers per leader
func (fp *FetcherPool) keyFor(leader types.BrokerID, tp types.TopicPartition) fetcherKey {
	h := fnv.New32a()
	h.Write([]byte(tp.Topic))
	return fetcherKey{
		leader: leader,
		index:  int(h.Sum32()+uint32(tp.Partition)) % fp.cfg.NumReplicaFetchers,
	}
}

// AddPartitions assigns partitions to workers, starting workers as needed.
// A partition already assigned elsewhere is moved.
func (fp *FetcherPool) AddPartitions(targets []fetchTarget) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for _, t := range targets {
		fp.removeLocked(t.tp)
		key := fp.keyFor(t.leader, t.tp)
		w, ok := fp.workers[key]
		if !ok {
			w = newFetcherWorker(fp, key)
			fp.workers[key] = w
			w.start()
		}
		w.addTarget(t)
	}
}

// RemovePartitions detaches partitions from their workers
func (fp *FetcherPool) RemovePartitions(tps []types.TopicPartition) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for _, tp := range tps {
		fp.removeLocked(tp)
	}
}

func (fp *FetcherPool) removeLocked(tp types.TopicPartition) {
	for _, w := range fp.workers {
		w.removeTarget(tp)
	}
}

// ShutdownIdleWorkers stops workers that no longer own any partition
func (fp *FetcherPool) ShutdownIdleWorkers() {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for key, w := range fp.workers {
		if w.targetCount() == 0 {
			w.stop()
			delete(fp.workers, key)
		}
	}
}

// PartitionCount returns the number of partitions currently fetched
func (fp *FetcherPool) PartitionCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	n := 0
	for _, w := range fp.workers {
		n += w.targetCount()
	}
	return n
}

// WorkerCount returns the number of live workers
func (fp *FetcherPool) WorkerCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return len(fp.workers)
}

// Close stops every worker
func (fp *FetcherPool) Close() {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for key, w := range fp.workers {
		w.stop()
		delete(fp.workers, key)
	}
}

// fetcherWorker pulls batches for its target set from one source broker
type fetcherWorker struct {
	pool *FetcherPool
	key  fetcherKey

	mu      sync.Mutex
	targets map[types.TopicPartition]fetchTarget

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	zlog *zap.Logger
}

func newFetcherWorker(pool *FetcherPool, key fetcherKey) *fetcherWorker {
	ctx, cancel := context.WithCancel(context.Background())
	return &fetcherWorker{
		pool:    pool,
		key:     key,
		targets: make(map[types.TopicPartition]fetchTarget),
		ctx:     ctx,
		cancel:  cancel,
		zlog: pool.zlog.With(
			zap.Int32("leader", int32(key.leader)),
			zap.Int("worker", key.index)),
	}
}

func (w *fetcherWorker) start() {
	w.wg.Add(1)
	go w.fetchLoop()
}

func (w *fetcherWorker) stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *fetcherWorker) addTarget(t fetchTarget) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.targets[t.tp] = t
}

func (w *fetcherWorker) removeTarget(tp types.TopicPartition) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.targets, tp)
}

func (w *fetcherWorker) targetCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.targets)
}

func (w *fetcherWorker) snapshotTargets() map[types.TopicPartition]fetchTarget {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[types.TopicPartition]fetchTarget, len(w.targets))
	for tp, t := range w.targets {
		out[tp] = t
	}
	return out
}

// fetchLoop issues one batched fetch per iteration and applies responses
func (w *fetcherWorker) fetchLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
		}

		if !w.doFetch() {
			select {
			case <-w.ctx.Done():
				return
			case <-time.After(w.pool.cfg.ReplicaFetchBackoff):
			}
		}
	}
}

// doFetch performs one fetch round; returns false when the worker should
// back off
func (w *fetcherWorker) doFetch() bool {
	targets := w.snapshotTargets()
	if len(targets) == 0 {
		return false
	}

	endpoint, err := w.pool.endpoints(w.key.leader)
	if err != nil {
		w.zlog.Warn("no endpoint for leader", zap.Error(err))
		return false
	}

	partitions := make(map[types.TopicPartition]protocol.FetchPartition, len(targets))
	for tp, t := range targets {
		partitions[tp] = protocol.FetchPartition{
			FetchOffset:        t.log.LogEndOffset(),
			LogStartOffset:     t.log.LogStartOffset(),
			MaxBytes:           int(w.pool.cfg.ReplicaFetchMaxBytes),
			CurrentLeaderEpoch: t.leaderEpoch,
			LastFetchedEpoch:   t.log.LatestEpoch(),
		}
	}

	params := protocol.FetchParams{
		ReplicaID: w.pool.replicaID,
		MaxWait:   w.pool.cfg.ReplicaFetchWait,
		MinBytes:  int(w.pool.cfg.ReplicaFetchMinBytes),
		MaxBytes:  int(w.pool.cfg.ReplicaFetchMaxBytes),
		Isolation: protocol.FetchLogEnd,
	}

	responses, err := endpoint.Fetch(w.ctx, params, partitions)
	if err != nil {
		if w.ctx.Err() == nil {
			w.zlog.Warn("fetch round failed", zap.Error(err))
		}
		return false
	}

	progressed := false
	for tp, data := range responses {
		t, ok := targets[tp]
		if !ok {
			continue
		}
		if w.applyPartitionData(t, partitions[tp], data) {
			progressed = true
		}
	}
	return progressed
}

// applyPartitionData appends a partition's fetched batches, handling
// truncation and offset resets. Returns true when the local log moved.
func (w *fetcherWorker) applyPartitionData(t fetchTarget, req protocol.FetchPartition, data protocol.FetchPartitionData) bool {
	switch data.Error {
	case errors.None:
	case errors.OffsetOutOfRange:
		return w.handleOutOfRange(t, req, data)
	case errors.FencedLeaderEpoch, errors.UnknownLeaderEpoch, errors.NotLeaderOrFollower:
		// Stale leadership view; the next control message fixes the target
		w.zlog.Debug("fetch fenced",
			zap.String("partition", t.tp.String()),
			zap.String("error", data.Error.String()))
		return false
	default:
		w.zlog.Warn("fetch error",
			zap.String("partition", t.tp.String()),
			zap.String("error", data.Error.String()))
		return false
	}

	if data.DivergingEpoch != nil {
		w.truncateToDivergence(t, *data.DivergingEpoch)
		return true
	}

	moved := false
	for _, batch := range data.Batches {
		if batch.BaseOffset < t.log.LogEndOffset() {
			continue
		}
		if _, err := t.log.Append(batch, batch.LeaderEpoch); err != nil {
			w.zlog.Error("append of fetched batch failed",
				zap.String("partition", t.tp.String()), zap.Error(err))
			return moved
		}
		moved = true
	}

	// Follower HW is bounded by what it has locally
	hw := data.HighWatermark
	if leo := t.log.LogEndOffset(); hw > leo {
		hw = leo
	}
	t.log.SetHighWatermark(hw)

	// Track the leader's log start offset forward
	if data.LogStartOffset > t.log.LogStartOffset() {
		lso := data.LogStartOffset
		if hw := t.log.HighWatermark(); lso > hw {
			lso = hw
		}
		_, _ = t.log.AdvanceLogStartOffset(lso)
	}

	if moved && w.pool.onFetched != nil {
		w.pool.onFetched(t.tp)
	}
	return moved
}

// truncateToDivergence cuts the local log back to where it agrees with the
// leader
func (w *fetcherWorker) truncateToDivergence(t fetchTarget, div protocol.DivergingEpoch) {
	truncateAt := div.EndOffset
	if entry, ok := t.log.EndOffsetForEpoch(div.Epoch); ok && entry.StartOffset < truncateAt {
		truncateAt = entry.StartOffset
	}
	w.zlog.Info("truncating to divergence point",
		zap.String("partition", t.tp.String()),
		zap.Int32("epoch", div.Epoch),
		zap.Int64("offset", int64(truncateAt)))
	if err := t.log.TruncateTo(truncateAt); err != nil {
		w.zlog.Error("truncate failed", zap.String("partition", t.tp.String()), zap.Error(err))
	}
}

// handleOutOfRange resets the local log against the leader's log range
func (w *fetcherWorker) handleOutOfRange(t fetchTarget, req protocol.FetchPartition, data protocol.FetchPartitionData) bool {
	if data.LogStartOffset > req.FetchOffset {
		// The leader has already deleted past our position: restart from
		// its log start offset
		w.zlog.Info("fetch offset below leader log start, resetting",
			zap.String("partition", t.tp.String()),
			zap.Int64("leaderLogStart", int64(data.LogStartOffset)))
		if err := t.log.TruncateFullyAndStartAt(data.LogStartOffset); err != nil {
			w.zlog.Error("reset failed", zap.String("partition", t.tp.String()), zap.Error(err))
			return false
		}
		return true
	}
	if data.LogEndOffset < req.FetchOffset && data.LogEndOffset >= 0 {
		// We are ahead of the leader: truncate back to its end offset
		w.zlog.Info("fetch offset beyond leader end, truncating",
			zap.String("partition", t.tp.String()),
			zap.Int64("leaderEnd", int64(data.LogEndOffset)))
		if err := t.log.TruncateTo(data.LogEndOffset); err != nil {
			w.zlog.Error("truncate failed", zap.String("partition", t.tp.String()), zap.Error(err))
			return false
		}
		return true
	}
	return false
}
