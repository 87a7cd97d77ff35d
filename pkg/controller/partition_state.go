package controller

import (
	"context"
	"fmt"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// PartitionState is a partition's lifecycle state in the coordinator
type PartitionState int8

const (
	// PartitionNonExistent means the partition was never created or has
	// been fully deleted
	PartitionNonExistent PartitionState = iota
	// PartitionNew has an assignment but no leader yet
	PartitionNew
	// PartitionOnline has an elected leader
	PartitionOnline
	// PartitionOffline lost its leader
	PartitionOffline
)

// String returns the state name
func (s PartitionState) String() string {
	switch s {
	case PartitionNonExistent:
		return "NonExistentPartition"
	case PartitionNew:
		return "NewPartition"
	case PartitionOnline:
		return "OnlinePartition"
	case PartitionOffline:
		return "OfflinePartition"
	default:
		return "Unknown"
	}
}

// validPartitionPrevious declares the allowed previous states per target
var validPartitionPrevious = map[PartitionState][]PartitionState{
	PartitionNew:         {PartitionNonExistent},
	PartitionOnline:      {PartitionNew, PartitionOnline, PartitionOffline},
	PartitionOffline:     {PartitionNew, PartitionOnline, PartitionOffline},
	PartitionNonExistent: {PartitionNew, PartitionOnline, PartitionOffline},
}

// ErrIllegalStateTransition marks an invalid state machine transition: a
// programmer error that forces coordinator resignation
type ErrIllegalStateTransition struct {
	What string
	From fmt.Stringer
	To   fmt.Stringer
}

// Error implements the error interface
func (e *ErrIllegalStateTransition) Error() string {
	return fmt.Sprintf("illegal state transition for %s: %s -> %s", e.What, e.From, e.To)
}

// PartitionStateMachine drives partition transitions
// NonExistent -> New -> Online <-> Offline -> NonExistent, electing leaders
// on every transition to Online.
type PartitionStateMachine struct {
	ctx     *Context
	store   metastore.Store
	batcher *Batcher

	uncleanEnabled func() bool

	zlog *zap.Logger
}

// NewPartitionStateMachine creates the machine over the controller context
func NewPartitionStateMachine(ctx *Context, store metastore.Store, batcher *Batcher, uncleanEnabled func() bool) *PartitionStateMachine {
	return &PartitionStateMachine{
		ctx:            ctx,
		store:          store,
		batcher:        batcher,
		uncleanEnabled: uncleanEnabled,
		zlog:           logger.Named("partition-state-machine"),
	}
}

// HandleStateChanges moves partitions to the target state, running the
// given election strategy for transitions to Online. Per-partition failures
// are returned in the map; an illegal transition returns a fatal error.
func (sm *PartitionStateMachine) HandleStateChanges(partitions []types.TopicPartition, target PartitionState, strategy ElectionStrategy) (map[types.TopicPartition]error, error) {
	failed := make(map[types.TopicPartition]error)

	for _, tp := range partitions {
		current := sm.ctx.PartitionStateOf(tp)
		if !stateAllowed(validPartitionPrevious[target], current) {
			return failed, &ErrIllegalStateTransition{What: tp.String(), From: current, To: target}
		}

		switch target {
		case PartitionNew, PartitionOffline, PartitionNonExistent:
			sm.ctx.SetPartitionState(tp, target)

		case PartitionOnline:
			if err := sm.bringOnline(tp, current, strategy); err != nil {
				failed[tp] = err
				continue
			}
			sm.ctx.SetPartitionState(tp, PartitionOnline)
		}
	}
	return failed, nil
}

func stateAllowed(valid []PartitionState, s PartitionState) bool {
	for _, v := range valid {
		if v == s {
			return true
		}
	}
	return false
}

// bringOnline initializes leadership for a New partition or elects a new
// leader for an Online/Offline one, persists it, and queues the control
// fan-out
func (sm *PartitionStateMachine) bringOnline(tp types.TopicPartition, current PartitionState, strategy ElectionStrategy) error {
	assignment, ok := sm.ctx.Assignment(tp)
	if !ok {
		return errors.Newf(errors.UnknownTopicOrPartition, "bringOnline", "no assignment for %s", tp)
	}

	if current == PartitionNew {
		return sm.initializeLeadership(tp, assignment)
	}
	return sm.electLeader(tp, assignment, strategy)
}

// initializeLeadership elects the first leader of a new partition: the
// first live assigned replica, with every live replica in the ISR
func (sm *PartitionStateMachine) initializeLeadership(tp types.TopicPartition, assignment types.ReplicaAssignment) error {
	liveReplicas := make([]types.BrokerID, 0, len(assignment.Replicas))
	for _, r := range assignment.Replicas {
		if sm.ctx.IsLive(r) {
			liveReplicas = append(liveReplicas, r)
		}
	}
	if len(liveReplicas) == 0 {
		return errors.Newf(errors.EligibleLeadersNotAvailable, "initializeLeadership",
			"no live replica among %v for %s", assignment.Replicas, tp)
	}

	info := types.NewLeaderAndISR(liveReplicas[0], liveReplicas)
	if err := sm.store.InitLeaderAndISR(context.Background(), sm.ctx.Epoch, tp, info); err != nil {
		return err
	}
	sm.ctx.SetLeaderInfo(tp, info)

	sm.zlog.Info("initialized partition leadership",
		zap.String("partition", tp.String()),
		zap.Int32("leader", int32(info.Leader)))
	sm.batcher.AddLeaderAndISR(assignment.Replicas, sm.leaderAndISRState(tp, info, assignment, true))
	sm.batcher.AddUpdateMetadata(sm.ctx.LiveBrokerIDs(), []types.TopicPartition{tp})
	return nil
}

// electLeader runs the election strategy, bumps the leader epoch, persists
// the new state, and queues the control fan-out
func (sm *PartitionStateMachine) electLeader(tp types.TopicPartition, assignment types.ReplicaAssignment, strategy ElectionStrategy) error {
	current, ok := sm.ctx.LeaderInfo(tp)
	if !ok {
		return errors.Newf(errors.UnknownTopicOrPartition, "electLeader", "no leadership info for %s", tp)
	}

	result, err := strategy.elect(assignment, current, sm.ctx.IsLive,
		func(id types.BrokerID) bool { return sm.ctx.shuttingDown[id] }, sm.uncleanEnabled())
	if err != nil {
		return err
	}

	next := current.WithNewLeader(result.leader)
	next.ISR = append([]types.BrokerID(nil), result.isr...)
	if result.uncleanly {
		next.RecoveryState = types.LeaderRecovering
	}

	committed, err := sm.store.UpdateLeaderAndISR(context.Background(), sm.ctx.Epoch, tp, current.PartitionEpoch, next)
	if err != nil {
		return err
	}
	sm.ctx.SetLeaderInfo(tp, committed)

	sm.zlog.Info("elected partition leader",
		zap.String("partition", tp.String()),
		zap.String("strategy", strategy.String()),
		zap.Int32("leader", int32(committed.Leader)),
		zap.Int32("leaderEpoch", committed.LeaderEpoch),
		zap.Bool("unclean", result.uncleanly))

	sm.batcher.AddLeaderAndISR(assignment.Replicas, sm.leaderAndISRState(tp, committed, assignment, false))
	sm.batcher.AddUpdateMetadata(sm.ctx.LiveBrokerIDs(), []types.TopicPartition{tp})
	return nil
}

// leaderAndISRState builds the per-partition control payload
func (sm *PartitionStateMachine) leaderAndISRState(tp types.TopicPartition, info types.LeaderAndISR, assignment types.ReplicaAssignment, isNew bool) protocolPartitionState {
	topicID, _ := sm.ctx.TopicID(tp.Topic)
	return protocolPartitionState{
		tp:         tp,
		topicID:    topicID,
		info:       info,
		assignment: assignment,
		isNew:      isNew,
	}
}
