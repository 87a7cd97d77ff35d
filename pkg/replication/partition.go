package replication

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/config"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// Role is the local replica's role for a partition
type Role int8

const (
	// RoleNone means no role has been assigned yet
	RoleNone Role = iota
	// RoleLeader accepts writes and serves consumers
	RoleLeader
	// RoleFollower replicates from the leader
	RoleFollower
)

// HWChange reports how an operation moved the high watermark
type HWChange int8

const (
	// HWNone means the operation could not evaluate the high watermark
	HWNone HWChange = iota
	// HWSame means the high watermark did not move
	HWSame
	// HWIncreased means the high watermark advanced
	HWIncreased
)

// AppendInfo is the result of a leader append
type AppendInfo struct {
	BaseOffset     types.Offset
	LastOffset     types.Offset
	LogAppendTime  int64
	LogStartOffset types.Offset
	HWChange       HWChange
}

// FollowerState is the leader's view of one follower's fetch progress
type FollowerState struct {
	LogEndOffset     types.Offset
	LogStartOffset   types.Offset
	LastFetchTime    time.Time
	LastCaughtUpTime time.Time
}

// isCaughtUp reports whether the follower was caught up to the leader's end
// offset within maxLag
func (f *FollowerState) isCaughtUp(leaderLEO types.Offset, now time.Time, maxLag time.Duration) bool {
	if f.LogEndOffset >= leaderLEO {
		return true
	}
	return now.Sub(f.LastCaughtUpTime) <= maxLag
}

// AlterPartitionSender proposes ISR changes to the controller
type AlterPartitionSender interface {
	AlterPartition(ctx context.Context, req *protocol.AlterPartitionRequest) (*protocol.AlterPartitionResponse, error)
}

// Partition is the single-partition concurrency unit. It serializes produce
// and role transitions under one exclusive lock, publishes the high
// watermark and leader epoch, runs ISR expansion and shrinkage, and serves
// reads.
type Partition struct {
	tp       types.TopicPartition
	brokerID types.BrokerID
	cfg      *config.Config

	mu sync.Mutex

	topicID uuid.UUID
	log     storage.Log

	// futureLog is the catch-up log of an inter-directory move
	futureLog storage.Log

	role             Role
	leaderID         types.BrokerID
	leaderEpoch      int32
	epochStartOffset types.Offset
	partitionEpoch   int32
	recoveryState    types.LeaderRecoveryState

	assignment types.ReplicaAssignment
	isr        map[types.BrokerID]bool

	// pendingISR is a proposed ISR awaiting controller commit; while set,
	// acks=all appends count the proposal, not the committed set
	pendingISR []types.BrokerID

	followers map[types.BrokerID]*FollowerState

	alter AlterPartitionSender

	// onHighWatermarkIncrease nudges the manager's purgatories
	onHighWatermarkIncrease func(types.TopicPartition)

	zlog *zap.Logger
}

// NewPartition creates the local replica object for tp over the given log
// handle.
func NewPartition(tp types.TopicPartition, brokerID types.BrokerID, cfg *config.Config, log storage.Log, alter AlterPartitionSender) *Partition {
	return &Partition{
		tp:        tp,
		brokerID:  brokerID,
		cfg:       cfg,
		log:       log,
		isr:       make(map[types.BrokerID]bool),
		followers: make(map[types.BrokerID]*FollowerState),
		alter:     alter,
		zlog: logger.Named("partition").With(
			zap.String("partition", tp.String()),
			zap.Int32("broker", int32(brokerID))),
	}
}

// SetHighWatermarkListener registers the purgatory nudge callback
func (p *Partition) SetHighWatermarkListener(fn func(types.TopicPartition)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onHighWatermarkIncrease = fn
}

// TopicPartition returns the partition identity
func (p *Partition) TopicPartition() types.TopicPartition {
	return p.tp
}

// TopicID returns the topic id recorded on this replica
func (p *Partition) TopicID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.topicID
}

// IsLeader reports whether the local replica currently leads
func (p *Partition) IsLeader() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role == RoleLeader
}

// LeaderEpoch returns the current leader epoch
func (p *Partition) LeaderEpoch() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderEpoch
}

// LeaderID returns the current leader's broker id
func (p *Partition) LeaderID() types.BrokerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaderID
}

// HighWatermark returns the published high watermark
func (p *Partition) HighWatermark() types.Offset {
	return p.log.HighWatermark()
}

// LogEndOffset returns the local log end offset
func (p *Partition) LogEndOffset() types.Offset {
	return p.log.LogEndOffset()
}

// LogStartOffset returns the local log start offset
func (p *Partition) LogStartOffset() types.Offset {
	return p.log.LogStartOffset()
}

// Log returns the current log handle
func (p *Partition) Log() storage.Log {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.log
}

// ISR returns the committed in-sync replica set
func (p *Partition) ISR() []types.BrokerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isrListLocked()
}

// Assignment returns the current replica assignment
func (p *Partition) Assignment() types.ReplicaAssignment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.assignment.Clone()
}

func (p *Partition) isrListLocked() []types.BrokerID {
	out := make([]types.BrokerID, 0, len(p.isr))
	for id := range p.isr {
		out = append(out, id)
	}
	return out
}

// effectiveISRSizeLocked counts the replica set acks=all waits on: the
// in-flight proposal when one exists, the committed ISR otherwise
func (p *Partition) effectiveISRSizeLocked() int {
	if p.pendingISR != nil {
		return len(p.pendingISR)
	}
	return len(p.isr)
}

// checkLeaderEpoch fences a request epoch against the current one. NoEpoch
// skips the comparison.
func (p *Partition) checkLeaderEpoch(requested int32, op string) error {
	if requested == types.NoEpoch {
		return nil
	}
	if requested < p.leaderEpoch {
		return errors.Newf(errors.FencedLeaderEpoch, op,
			"request epoch %d below current %d", requested, p.leaderEpoch)
	}
	if requested > p.leaderEpoch {
		return errors.Newf(errors.UnknownLeaderEpoch, op,
			"request epoch %d above current %d", requested, p.leaderEpoch)
	}
	return nil
}

// notifyHW runs the high watermark listener. Never called under p.mu: the
// purgatory checks it triggers re-enter partition accessors.
func (p *Partition) notifyHW(advanced bool) {
	if advanced && p.onHighWatermarkIncrease != nil {
		p.onHighWatermarkIncrease(p.tp)
	}
}

// MakeLeader transitions the replica to leader for the given state. Returns
// true iff the leader epoch advanced; a replay with an equal epoch on a
// leader re-applies the ISR and assignment but keeps the follower states and
// the epoch start offset.
func (p *Partition) MakeLeader(state protocol.LeaderAndISRPartitionState) (bool, error) {
	p.mu.Lock()
	advanced, hwAdvanced, err := p.makeLeaderLocked(state)
	p.mu.Unlock()

	p.notifyHW(hwAdvanced)
	return advanced, err
}

func (p *Partition) makeLeaderLocked(state protocol.LeaderAndISRPartitionState) (bool, bool, error) {
	if state.LeaderEpoch < p.leaderEpoch {
		return false, false, errors.Newf(errors.FencedLeaderEpoch, "makeLeader",
			"epoch %d below current %d", state.LeaderEpoch, p.leaderEpoch)
	}

	if err := p.reconcileTopicIDLocked(state.TopicID); err != nil {
		return false, false, err
	}

	epochAdvanced := state.LeaderEpoch > p.leaderEpoch
	wasLeader := p.role == RoleLeader

	p.role = RoleLeader
	p.leaderID = p.brokerID
	p.leaderEpoch = state.LeaderEpoch
	p.partitionEpoch = state.PartitionEpoch
	p.recoveryState = state.RecoveryState
	p.assignment = types.ReplicaAssignment{
		Replicas: append([]types.BrokerID(nil), state.Replicas...),
		Adding:   append([]types.BrokerID(nil), state.Adding...),
		Removing: append([]types.BrokerID(nil), state.Removing...),
	}
	p.isr = make(map[types.BrokerID]bool, len(state.ISR))
	for _, id := range state.ISR {
		p.isr[id] = true
	}
	p.pendingISR = nil

	if epochAdvanced || !wasLeader {
		p.epochStartOffset = p.log.LogEndOffset()
		now := time.Now()
		p.followers = make(map[types.BrokerID]*FollowerState, len(state.Replicas))
		for _, id := range state.Replicas {
			if id == p.brokerID {
				continue
			}
			p.followers[id] = &FollowerState{
				LogEndOffset:     -1,
				LastFetchTime:    now,
				LastCaughtUpTime: now,
			}
		}
		p.zlog.Info("became leader",
			zap.Int32("leaderEpoch", state.LeaderEpoch),
			zap.Int32s("isr", brokerInts(state.ISR)),
			zap.Int64("epochStartOffset", int64(p.epochStartOffset)))
	}

	// A lone leader commits everything it has
	hwAdvanced := p.maybeIncrementLeaderHWLocked()

	return epochAdvanced, hwAdvanced, nil
}

// MakeFollower transitions the replica to follower of state.Leader. Returns
// true iff the leader epoch advanced, the leader changed, or the replica was
// not already a follower.
func (p *Partition) MakeFollower(state protocol.LeaderAndISRPartitionState) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if state.LeaderEpoch < p.leaderEpoch {
		return false, errors.Newf(errors.FencedLeaderEpoch, "makeFollower",
			"epoch %d below current %d", state.LeaderEpoch, p.leaderEpoch)
	}

	if err := p.reconcileTopicIDLocked(state.TopicID); err != nil {
		return false, err
	}

	changed := state.LeaderEpoch > p.leaderEpoch ||
		p.role != RoleFollower || p.leaderID != state.Leader

	p.role = RoleFollower
	p.leaderID = state.Leader
	p.leaderEpoch = state.LeaderEpoch
	p.partitionEpoch = state.PartitionEpoch
	p.recoveryState = state.RecoveryState
	p.assignment = types.ReplicaAssignment{
		Replicas: append([]types.BrokerID(nil), state.Replicas...),
		Adding:   append([]types.BrokerID(nil), state.Adding...),
		Removing: append([]types.BrokerID(nil), state.Removing...),
	}
	p.isr = make(map[types.BrokerID]bool, len(state.ISR))
	for _, id := range state.ISR {
		p.isr[id] = true
	}
	p.pendingISR = nil
	p.followers = make(map[types.BrokerID]*FollowerState)

	if changed {
		p.zlog.Info("became follower",
			zap.Int32("leader", int32(state.Leader)),
			zap.Int32("leaderEpoch", state.LeaderEpoch))
	}
	return changed, nil
}

// reconcileTopicIDLocked applies the topic id carried by a control message
func (p *Partition) reconcileTopicIDLocked(id uuid.UUID) error {
	if id == types.ZeroTopicID {
		return nil
	}
	if p.topicID == types.ZeroTopicID {
		p.topicID = id
		return p.log.AssignTopicID(id)
	}
	if p.topicID != id {
		return errors.Newf(errors.InconsistentTopicID, "reconcileTopicID",
			"log has %s, request has %s", p.topicID, id)
	}
	return nil
}

// AppendRecordsToLeader appends a batch on the leader. internalTopicsAllowed
// gates writes to internal topics; origin selects validation.
func (p *Partition) AppendRecordsToLeader(batch types.RecordBatch, origin protocol.AppendOrigin, requiredAcks protocol.RequiredAcks, internalTopicsAllowed bool) (AppendInfo, error) {
	p.mu.Lock()
	info, err := p.appendRecordsToLeaderLocked(batch, origin, requiredAcks, internalTopicsAllowed)
	p.mu.Unlock()

	p.notifyHW(err == nil && info.HWChange == HWIncreased)
	return info, err
}

func (p *Partition) appendRecordsToLeaderLocked(batch types.RecordBatch, origin protocol.AppendOrigin, requiredAcks protocol.RequiredAcks, internalTopicsAllowed bool) (AppendInfo, error) {
	if p.role != RoleLeader {
		return AppendInfo{}, errors.Newf(errors.NotLeaderOrFollower, "append",
			"broker %d is not leader for %s", p.brokerID, p.tp)
	}
	if origin == protocol.AppendOriginClient {
		if isInternalTopic(p.tp.Topic) && !internalTopicsAllowed {
			return AppendInfo{}, errors.Newf(errors.InvalidTopic, "append",
				"cannot append to internal topic %s", p.tp.Topic)
		}
		if size := batch.SizeBytes(); size > p.cfg.MaxMessageBytes {
			return AppendInfo{}, errors.Newf(errors.RecordBatchTooLarge, "append",
				"batch of %d bytes exceeds maximum %d", size, p.cfg.MaxMessageBytes)
		}
		for _, r := range batch.Records {
			if len(r.Value) == 0 && len(r.Key) == 0 {
				return AppendInfo{}, errors.New(errors.CorruptRecord, "append")
			}
		}
	}

	// acks=all needs a quorum to make progress
	if requiredAcks == protocol.AcksAll && p.effectiveISRSizeLocked() < p.cfg.MinInSyncReplicas {
		return AppendInfo{}, errors.Newf(errors.NotEnoughReplicas, "append",
			"isr size %d below min.insync.replicas %d", p.effectiveISRSizeLocked(), p.cfg.MinInSyncReplicas)
	}

	now := time.Now().UnixMilli()
	base, err := p.log.Append(batch, p.leaderEpoch)
	if err != nil {
		return AppendInfo{}, errors.Wrap(errors.StorageError, "append", err)
	}

	info := AppendInfo{
		BaseOffset:     base,
		LastOffset:     base + types.Offset(len(batch.Records)) - 1,
		LogAppendTime:  now,
		LogStartOffset: p.log.LogStartOffset(),
		HWChange:       HWSame,
	}
	if p.maybeIncrementLeaderHWLocked() {
		info.HWChange = HWIncreased
	}
	return info, nil
}

// maybeIncrementLeaderHWLocked recomputes HW = min(LEO) over the current
// ISR and publishes it monotonically. Returns true if it advanced. Replicas
// outside the ISR never hold the watermark back, including adding replicas
// that have not joined yet.
func (p *Partition) maybeIncrementLeaderHWLocked() bool {
	if p.role != RoleLeader {
		return false
	}

	min := p.log.LogEndOffset()
	for id := range p.isr {
		if id == p.brokerID {
			continue
		}
		f, ok := p.followers[id]
		if !ok || f.LogEndOffset < 0 {
			return false
		}
		if f.LogEndOffset < min {
			min = f.LogEndOffset
		}
	}

	old := p.log.HighWatermark()
	if min <= old {
		return false
	}
	p.log.SetHighWatermark(min)
	p.zlog.Debug("high watermark advanced",
		zap.Int64("from", int64(old)), zap.Int64("to", int64(min)))
	return true
}

// Read serves a fetch against the local log. For follower fetches the
// follower's tracked position is updated, which may expand the ISR and
// advance the high watermark.
func (p *Partition) Read(params protocol.FetchParams, fp protocol.FetchPartition) (protocol.FetchPartitionData, error) {
	p.mu.Lock()
	data, hwAdvanced, err := p.readLocked(params, fp)
	p.mu.Unlock()

	p.notifyHW(hwAdvanced)
	return data, err
}

func (p *Partition) readLocked(params protocol.FetchParams, fp protocol.FetchPartition) (protocol.FetchPartitionData, bool, error) {
	op := "read"
	// The future-log replayer reads the current log regardless of role
	if params.ReplicaID != protocol.FutureLocalReplicaID && params.FetchOnlyLeader() && p.role != RoleLeader {
		return protocol.FetchPartitionData{}, false, errors.Newf(errors.NotLeaderOrFollower, op,
			"broker %d is not leader for %s", p.brokerID, p.tp)
	}
	if err := p.checkLeaderEpoch(fp.CurrentLeaderEpoch, op); err != nil {
		return protocol.FetchPartitionData{}, false, err
	}

	if params.IsFromFollower() {
		if !p.assignment.Contains(params.ReplicaID) && params.ReplicaID != protocol.FutureLocalReplicaID {
			return protocol.FetchPartitionData{}, false, errors.Newf(errors.UnknownTopicOrPartition, op,
				"replica %d not assigned to %s", params.ReplicaID, p.tp)
		}

		// Divergence check: if the follower's last fetched epoch ends
		// before its fetch offset on the leader's log, tell it where to
		// truncate instead of returning records
		if fp.LastFetchedEpoch != types.NoEpoch {
			if entry, ok := p.log.EndOffsetForEpoch(fp.LastFetchedEpoch); ok {
				if entry.Epoch != fp.LastFetchedEpoch || entry.StartOffset < fp.FetchOffset {
					return protocol.FetchPartitionData{
						HighWatermark:  p.log.HighWatermark(),
						LogStartOffset: p.log.LogStartOffset(),
						LogEndOffset:   p.log.LogEndOffset(),
						DivergingEpoch: &protocol.DivergingEpoch{
							Epoch:     entry.Epoch,
							EndOffset: entry.StartOffset,
						},
					}, false, nil
				}
			}
		}
	}

	isolation := params.Isolation.StorageIsolation()
	info, err := p.log.Read(fp.FetchOffset, fp.MaxBytes, isolation, true)
	if err != nil {
		if err == storage.ErrOffsetOutOfRange {
			return protocol.FetchPartitionData{}, false, errors.Wrap(errors.OffsetOutOfRange, op, err)
		}
		return protocol.FetchPartitionData{}, false, errors.Wrap(errors.StorageError, op, err)
	}

	hwAdvanced := false
	if params.IsFromFollower() && params.ReplicaID >= 0 {
		hwAdvanced = p.updateFollowerFetchStateLocked(params.ReplicaID, fp.FetchOffset, fp.LogStartOffset)
	}

	return protocol.FetchPartitionData{
		HighWatermark:    info.HighWatermark,
		LogStartOffset:   info.LogStartOffset,
		LogEndOffset:     info.LogEndOffset,
		LastStableOffset: info.HighWatermark,
		Batches:          info.Batches,
	}, hwAdvanced, nil
}

// updateFollowerFetchStateLocked records a follower's fetch position,
// expands the ISR when it catches up, and advances the high watermark
func (p *Partition) updateFollowerFetchStateLocked(replica types.BrokerID, fetchOffset, followerLogStart types.Offset) bool {
	f, ok := p.followers[replica]
	if !ok {
		return false
	}
	now := time.Now()
	leaderLEO := p.log.LogEndOffset()

	f.LogEndOffset = fetchOffset
	f.LogStartOffset = followerLogStart
	f.LastFetchTime = now
	if fetchOffset >= leaderLEO {
		f.LastCaughtUpTime = now
	}

	expanded := p.maybeExpandISRLocked(replica, f)
	advanced := p.maybeIncrementLeaderHWLocked()
	return expanded || advanced
}

// maybeExpandISRLocked proposes adding a caught-up follower to the ISR. The
// follower must have caught up to the current epoch's start offset so a
// stale replica cannot rejoin before replaying the new leader's log.
func (p *Partition) maybeExpandISRLocked(replica types.BrokerID, f *FollowerState) bool {
	if p.role != RoleLeader || p.isr[replica] || p.pendingISR != nil {
		return false
	}
	if !p.assignment.Contains(replica) {
		return false
	}
	if f.LogEndOffset < p.log.HighWatermark() || f.LogEndOffset < p.epochStartOffset {
		return false
	}

	newISR := append(p.isrListLocked(), replica)
	return p.proposeISRLocked(newISR, "expand")
}

// MaybeShrinkISR drops followers whose last caught-up time exceeds
// 1.5 x replica.lag.time.max. Runs periodically on leaders.
func (p *Partition) MaybeShrinkISR() {
	p.mu.Lock()
	hwAdvanced := p.maybeShrinkISRLocked()
	p.mu.Unlock()

	p.notifyHW(hwAdvanced)
}

func (p *Partition) maybeShrinkISRLocked() bool {
	if p.role != RoleLeader || p.pendingISR != nil {
		return false
	}

	now := time.Now()
	maxLag := p.cfg.ReplicaLagTimeMax + p.cfg.ReplicaLagTimeMax/2
	leaderLEO := p.log.LogEndOffset()

	var out []types.BrokerID
	removed := false
	for id := range p.isr {
		if id == p.brokerID {
			out = append(out, id)
			continue
		}
		f, ok := p.followers[id]
		if ok && f.isCaughtUp(leaderLEO, now, maxLag) {
			out = append(out, id)
		} else {
			removed = true
			p.zlog.Info("shrinking isr: follower lagging",
				zap.Int32("replica", int32(id)))
		}
	}

	// Never shrink below the leader itself
	if !removed || len(out) == 0 {
		return false
	}
	return p.proposeISRLocked(out, "shrink")
}

// proposeISRLocked records a pending ISR proposal and sends it to the
// controller asynchronously. The request is never issued under the
// partition lock: the controller's synchronous fan-out can re-enter this
// partition. On a version conflict the sender re-reads the committed epoch
// from the response and retries once before failing the tick.
func (p *Partition) proposeISRLocked(newISR []types.BrokerID, reason string) bool {
	if p.alter == nil {
		return false
	}
	p.pendingISR = append([]types.BrokerID(nil), newISR...)

	req := &protocol.AlterPartitionRequest{
		BrokerID: p.brokerID,
		Partitions: []protocol.AlterPartitionItem{{
			TopicPartition: p.tp,
			TopicID:        p.topicID,
			LeaderID:       p.brokerID,
			LeaderEpoch:    p.leaderEpoch,
			NewISR:         newISR,
			PartitionEpoch: p.partitionEpoch,
			RecoveryState:  p.recoveryState,
		}},
	}
	go p.sendISRProposal(req, reason)
	return false
}

// sendISRProposal runs the proposal round trip off the partition lock
func (p *Partition) sendISRProposal(req *protocol.AlterPartitionRequest, reason string) {
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := p.alter.AlterPartition(context.Background(), req)
		if err != nil {
			p.zlog.Warn("alter partition failed", zap.String("reason", reason), zap.Error(err))
			break
		}
		pr, ok := resp.Partitions[p.tp]
		if !ok {
			break
		}
		switch pr.Error {
		case errors.None:
			p.mu.Lock()
			advanced := p.applyCommittedISRLocked(pr.LeaderAndISR, reason)
			p.mu.Unlock()
			p.notifyHW(advanced)
			return
		case errors.InvalidUpdateVersion:
			// Re-read the committed epoch and retry once
			p.mu.Lock()
			p.partitionEpoch = pr.LeaderAndISR.PartitionEpoch
			p.mu.Unlock()
			req.Partitions[0].PartitionEpoch = pr.LeaderAndISR.PartitionEpoch
		default:
			p.zlog.Warn("alter partition rejected",
				zap.String("reason", reason),
				zap.String("error", pr.Error.String()))
			attempt = 2
		}
		if attempt >= 1 {
			break
		}
	}
	p.mu.Lock()
	p.pendingISR = nil
	p.mu.Unlock()
}

// applyCommittedISRLocked installs an ISR committed by the controller
func (p *Partition) applyCommittedISRLocked(state types.LeaderAndISR, reason string) bool {
	p.isr = make(map[types.BrokerID]bool, len(state.ISR))
	for _, id := range state.ISR {
		p.isr[id] = true
	}
	p.partitionEpoch = state.PartitionEpoch
	p.pendingISR = nil
	p.zlog.Info("isr change committed",
		zap.String("reason", reason),
		zap.Int32s("isr", brokerInts(state.ISR)),
		zap.Int32("partitionEpoch", state.PartitionEpoch))
	return p.maybeIncrementLeaderHWLocked()
}

// DeleteRecordsOnLeader advances the log start offset to offset and returns
// the new low watermark
func (p *Partition) DeleteRecordsOnLeader(offset types.Offset) (types.Offset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.role != RoleLeader {
		return 0, errors.Newf(errors.NotLeaderOrFollower, "deleteRecords",
			"broker %d is not leader for %s", p.brokerID, p.tp)
	}
	resolved := offset
	if offset == protocol.DeleteRecordsHighWatermark {
		resolved = p.log.HighWatermark()
	}
	lwm, err := p.log.AdvanceLogStartOffset(resolved)
	if err != nil {
		if err == storage.ErrOffsetOutOfRange {
			return 0, errors.Wrap(errors.OffsetOutOfRange, "deleteRecords", err)
		}
		return 0, errors.Wrap(errors.StorageError, "deleteRecords", err)
	}
	return lwm, nil
}

// FetchOffsetForTimestamp looks up the earliest offset whose timestamp is
// at or after ts. Sentinels resolve to the log start offset and the
// isolation-bounded end offset.
func (p *Partition) FetchOffsetForTimestamp(ts int64, isolation protocol.FetchIsolation, currentLeaderEpoch int32, fetchOnlyFromLeader bool) (storage.TimestampOffset, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := "offsetForTimestamp"
	if fetchOnlyFromLeader && p.role != RoleLeader {
		return storage.TimestampOffset{}, errors.Newf(errors.NotLeaderOrFollower, op,
			"broker %d is not leader for %s", p.brokerID, p.tp)
	}
	if err := p.checkLeaderEpoch(currentLeaderEpoch, op); err != nil {
		return storage.TimestampOffset{}, err
	}

	switch ts {
	case protocol.EarliestTimestamp:
		return storage.TimestampOffset{Timestamp: -1, Offset: p.log.LogStartOffset(), LeaderEpoch: p.leaderEpoch}, nil
	case protocol.LatestTimestamp:
		end := p.log.HighWatermark()
		if isolation == protocol.FetchLogEnd {
			end = p.log.LogEndOffset()
		}
		return storage.TimestampOffset{Timestamp: -1, Offset: end, LeaderEpoch: p.leaderEpoch}, nil
	}
	to, err := p.log.LookupTimestamp(ts)
	if err != nil {
		return storage.TimestampOffset{}, errors.Wrap(errors.StorageError, op, err)
	}
	return to, nil
}

// LastOffsetForLeaderEpoch answers an epoch-based offset lookup used for
// follower truncation
func (p *Partition) LastOffsetForLeaderEpoch(currentLeaderEpoch, epoch int32, fetchOnlyFromLeader bool) protocol.EpochEndOffset {
	p.mu.Lock()
	defer p.mu.Unlock()

	op := "lastOffsetForLeaderEpoch"
	if fetchOnlyFromLeader && p.role != RoleLeader {
		return protocol.EpochEndOffset{Error: errors.NotLeaderOrFollower}
	}
	if err := p.checkLeaderEpoch(currentLeaderEpoch, op); err != nil {
		return protocol.EpochEndOffset{Error: errors.KindOf(err)}
	}

	entry, ok := p.log.EndOffsetForEpoch(epoch)
	if !ok {
		return protocol.EpochEndOffset{Error: errors.None, LeaderEpoch: types.NoEpoch, EndOffset: -1}
	}
	return protocol.EpochEndOffset{LeaderEpoch: entry.Epoch, EndOffset: entry.StartOffset}
}

// AttachFutureLog installs the catch-up log of an inter-directory move
func (p *Partition) AttachFutureLog(l storage.Log) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.futureLog = l
}

// FutureLog returns the attached future log, if any
func (p *Partition) FutureLog() (storage.Log, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.futureLog, p.futureLog != nil
}

// MaybePromoteFutureLog swaps in the future log once it has caught up to
// the current log's end offset. Returns true on promotion.
func (p *Partition) MaybePromoteFutureLog(promote func() (storage.Log, error)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.futureLog == nil {
		return false, nil
	}
	if p.futureLog.LogEndOffset() < p.log.LogEndOffset() {
		return false, nil
	}
	promoted, err := promote()
	if err != nil {
		return false, err
	}
	promoted.SetHighWatermark(p.log.HighWatermark())
	p.log = promoted
	p.futureLog = nil
	p.zlog.Info("future log promoted", zap.String("dir", promoted.Dir()))
	return true, nil
}

// FollowerStateFor returns the leader's view of one follower, for tests and
// metrics
func (p *Partition) FollowerStateFor(id types.BrokerID) (FollowerState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.followers[id]
	if !ok {
		return FollowerState{}, false
	}
	return *f, true
}

func brokerInts(ids []types.BrokerID) []int32 {
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

// isInternalTopic reports whether a topic is reserved for internal use
func isInternalTopic(topic string) bool {
	return len(topic) > 1 && topic[0] == '_' && topic[1] == '_'
}
