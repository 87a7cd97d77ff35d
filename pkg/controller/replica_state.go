package controller

import (
	"context"

	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// ReplicaState is a replica's lifecycle state in the coordinator
type ReplicaState int8

const (
	// ReplicaNonExistent means the replica was never created or is gone
	ReplicaNonExistent ReplicaState = iota
	// ReplicaNew was just assigned and has not served fetches yet
	ReplicaNew
	// ReplicaOnline is serving as leader or follower
	ReplicaOnline
	// ReplicaOffline lives on a dead broker or failed directory
	ReplicaOffline
	// ReplicaDeletionStarted has been told to delete itself
	ReplicaDeletionStarted
	// ReplicaDeletionSuccessful confirmed its deletion
	ReplicaDeletionSuccessful
	// ReplicaDeletionIneligible could not be deleted yet
	ReplicaDeletionIneligible
)

// String returns the state name
func (s ReplicaState) String() string {
	switch s {
	case ReplicaNonExistent:
		return "NonExistentReplica"
	case ReplicaNew:
		return "NewReplica"
	case ReplicaOnline:
		return "OnlineReplica"
	case ReplicaOffline:
		return "OfflineReplica"
	case ReplicaDeletionStarted:
		return "ReplicaDeletionStarted"
	case ReplicaDeletionSuccessful:
		return "ReplicaDeletionSuccessful"
	case ReplicaDeletionIneligible:
		return "ReplicaDeletionIneligible"
	default:
		return "Unknown"
	}
}

// validReplicaPrevious declares the allowed previous states per target
var validReplicaPrevious = map[ReplicaState][]ReplicaState{
	ReplicaNew:                {ReplicaNonExistent, ReplicaDeletionSuccessful},
	ReplicaOnline:             {ReplicaNew, ReplicaOnline, ReplicaOffline, ReplicaDeletionIneligible},
	ReplicaOffline:            {ReplicaNew, ReplicaOnline, ReplicaOffline, ReplicaDeletionIneligible},
	ReplicaDeletionStarted:    {ReplicaOffline},
	ReplicaDeletionSuccessful: {ReplicaDeletionStarted},
	ReplicaDeletionIneligible: {ReplicaDeletionStarted, ReplicaOffline},
	ReplicaNonExistent:        {ReplicaDeletionSuccessful},
}

// ReplicaStateMachine drives replica lifecycle transitions and emits the
// matching control RPCs
type ReplicaStateMachine struct {
	ctx     *Context
	store   metastore.Store
	batcher *Batcher

	zlog *zap.Logger
}

// NewReplicaStateMachine creates the machine over the controller context
func NewReplicaStateMachine(ctx *Context, store metastore.Store, batcher *Batcher) *ReplicaStateMachine {
	return &ReplicaStateMachine{
		ctx:     ctx,
		store:   store,
		batcher: batcher,
		zlog:    logger.Named("replica-state-machine"),
	}
}

// HandleStateChanges moves replicas to the target state. An illegal
// transition is a fatal programmer error returned to the event loop.
func (sm *ReplicaStateMachine) HandleStateChanges(replicas []PartitionReplica, target ReplicaState) error {
	for _, pr := range replicas {
		current := sm.ctx.ReplicaStateOf(pr)
		if !replicaStateAllowed(validReplicaPrevious[target], current) {
			return &ErrIllegalStateTransition{What: pr.TopicPartition.String(), From: current, To: target}
		}

		switch target {
		case ReplicaOffline:
			sm.takeOffline(pr)

		case ReplicaDeletionStarted:
			// The epoch sentinel lets the receiver skip fencing while the
			// topic is being torn down
			sm.batcher.AddStopReplica([]types.BrokerID{pr.Replica}, pr.TopicPartition,
				types.EpochDuringDelete, true)

		case ReplicaNonExistent:
			delete(sm.ctx.replicaState, pr)
			continue
		}

		sm.ctx.SetReplicaState(pr, target)
	}
	return nil
}

func replicaStateAllowed(valid []ReplicaState, s ReplicaState) bool {
	for _, v := range valid {
		if v == s {
			return true
		}
	}
	return false
}

// takeOffline stops the replica without deleting it and removes it from the
// partition's ISR
func (sm *ReplicaStateMachine) takeOffline(pr PartitionReplica) {
	tp := pr.TopicPartition
	sm.batcher.AddStopReplica([]types.BrokerID{pr.Replica}, tp, types.NoEpoch, false)

	info, ok := sm.ctx.LeaderInfo(tp)
	if !ok || !info.ISRContains(pr.Replica) {
		return
	}

	newISR := make([]types.BrokerID, 0, len(info.ISR))
	for _, r := range info.ISR {
		if r != pr.Replica {
			newISR = append(newISR, r)
		}
	}
	next := info.WithISR(newISR)
	if info.Leader == pr.Replica {
		next.Leader = types.NoLeader
		next.LeaderEpoch = info.LeaderEpoch + 1
	}

	committed, err := sm.store.UpdateLeaderAndISR(context.Background(), sm.ctx.Epoch, tp, info.PartitionEpoch, next)
	if err != nil {
		sm.zlog.Warn("isr shrink for offline replica failed",
			zap.String("partition", tp.String()),
			zap.Int32("replica", int32(pr.Replica)),
			zap.Error(err))
		return
	}
	sm.ctx.SetLeaderInfo(tp, committed)
	sm.batcher.AddUpdateMetadata(sm.ctx.LiveBrokerIDs(), []types.TopicPartition{tp})
}
