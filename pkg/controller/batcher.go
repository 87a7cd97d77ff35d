package controller

import (
	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/protocol"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// ControlSender delivers control RPCs to one broker. The in-process wiring
// calls straight into the destination's replica manager; a networked
// deployment puts its transport behind this interface.
type ControlSender interface {
	SendLeaderAndISR(dest types.BrokerID, req *protocol.LeaderAndISRRequest) (*protocol.LeaderAndISRResponse, error)
	SendStopReplica(dest types.BrokerID, req *protocol.StopReplicaRequest) (*protocol.StopReplicaResponse, error)
	SendUpdateMetadata(dest types.BrokerID, req *protocol.UpdateMetadataRequest) (*protocol.UpdateMetadataResponse, error)
}

// protocolPartitionState is the batcher's internal leader-and-isr payload
type protocolPartitionState struct {
	tp         types.TopicPartition
	topicID    uuid.UUID
	info       types.LeaderAndISR
	assignment types.ReplicaAssignment
	isNew      bool
}

// stopReplicaItem is the batcher's internal stop-replica payload
type stopReplicaItem struct {
	tp          types.TopicPartition
	leaderEpoch int32
	delete      bool
}

// Batcher accumulates control messages per destination broker and sends
// each accumulated batch exactly once per controller epoch; Send clears the
// batch, so a resend only happens when a new epoch rebuilds it.
type Batcher struct {
	controllerID types.BrokerID
	ctx          *Context
	sender       ControlSender

	leaderAndISR   map[types.BrokerID]map[types.TopicPartition]protocolPartitionState
	stopReplica    map[types.BrokerID]map[types.TopicPartition]stopReplicaItem
	updateMetadata map[types.BrokerID]map[types.TopicPartition]bool

	// responses from the last Send, keyed by destination
	stopReplicaResponses map[types.BrokerID]*protocol.StopReplicaResponse

	zlog *zap.Logger
}

// NewBatcher creates an empty batcher bound to the controller context
func NewBatcher(controllerID types.BrokerID, ctx *Context, sender ControlSender) *Batcher {
	return &Batcher{
		controllerID:   controllerID,
		ctx:            ctx,
		sender:         sender,
		leaderAndISR:   make(map[types.BrokerID]map[types.TopicPartition]protocolPartitionState),
		stopReplica:    make(map[types.BrokerID]map[types.TopicPartition]stopReplicaItem),
		updateMetadata: make(map[types.BrokerID]map[types.TopicPartition]bool),
		zlog:           logger.Named("control-batcher"),
	}
}

// AddLeaderAndISR queues a leader-and-isr payload for the given brokers
func (b *Batcher) AddLeaderAndISR(brokers []types.BrokerID, state protocolPartitionState) {
	for _, id := range brokers {
		if b.leaderAndISR[id] == nil {
			b.leaderAndISR[id] = make(map[types.TopicPartition]protocolPartitionState)
		}
		b.leaderAndISR[id][state.tp] = state
	}
}

// AddStopReplica queues a stop-replica for the given brokers
func (b *Batcher) AddStopReplica(brokers []types.BrokerID, tp types.TopicPartition, leaderEpoch int32, delete bool) {
	for _, id := range brokers {
		if b.stopReplica[id] == nil {
			b.stopReplica[id] = make(map[types.TopicPartition]stopReplicaItem)
		}
		b.stopReplica[id][tp] = stopReplicaItem{tp: tp, leaderEpoch: leaderEpoch, delete: delete}
	}
}

// AddUpdateMetadata queues a metadata refresh of the given partitions for
// the given brokers. An empty partition list refreshes broker liveness only.
func (b *Batcher) AddUpdateMetadata(brokers []types.BrokerID, partitions []types.TopicPartition) {
	for _, id := range brokers {
		if b.updateMetadata[id] == nil {
			b.updateMetadata[id] = make(map[types.TopicPartition]bool)
		}
		for _, tp := range partitions {
			b.updateMetadata[id][tp] = true
		}
	}
}

// StopReplicaResponses returns the per-destination responses from the last
// Send and clears them
func (b *Batcher) StopReplicaResponses() map[types.BrokerID]*protocol.StopReplicaResponse {
	out := b.stopReplicaResponses
	b.stopReplicaResponses = nil
	return out
}

// Send flushes every queued batch under the given controller epoch. Each
// destination receives at most one request per RPC type.
func (b *Batcher) Send(controllerEpoch int32) {
	for dest, states := range b.leaderAndISR {
		req := &protocol.LeaderAndISRRequest{
			ControllerID:    b.controllerID,
			ControllerEpoch: controllerEpoch,
		}
		for _, s := range states {
			req.Partitions = append(req.Partitions, protocol.LeaderAndISRPartitionState{
				TopicPartition: s.tp,
				TopicID:        s.topicID,
				Leader:         s.info.Leader,
				LeaderEpoch:    s.info.LeaderEpoch,
				ISR:            s.info.ISR,
				PartitionEpoch: s.info.PartitionEpoch,
				RecoveryState:  s.info.RecoveryState,
				Replicas:       s.assignment.Replicas,
				Adding:         s.assignment.Adding,
				Removing:       s.assignment.Removing,
				IsNew:          s.isNew,
			})
		}
		if _, err := b.sender.SendLeaderAndISR(dest, req); err != nil {
			b.zlog.Warn("leaderAndIsr send failed",
				zap.Int32("dest", int32(dest)), zap.Error(err))
		}
	}
	b.leaderAndISR = make(map[types.BrokerID]map[types.TopicPartition]protocolPartitionState)

	b.stopReplicaResponses = make(map[types.BrokerID]*protocol.StopReplicaResponse)
	for dest, items := range b.stopReplica {
		req := &protocol.StopReplicaRequest{
			ControllerID:    b.controllerID,
			ControllerEpoch: controllerEpoch,
		}
		for _, item := range items {
			req.Partitions = append(req.Partitions, protocol.StopReplicaPartition{
				TopicPartition: item.tp,
				LeaderEpoch:    item.leaderEpoch,
				Delete:         item.delete,
			})
		}
		resp, err := b.sender.SendStopReplica(dest, req)
		if err != nil {
			b.zlog.Warn("stopReplica send failed",
				zap.Int32("dest", int32(dest)), zap.Error(err))
			continue
		}
		b.stopReplicaResponses[dest] = resp
	}
	b.stopReplica = make(map[types.BrokerID]map[types.TopicPartition]stopReplicaItem)

	for dest, tps := range b.updateMetadata {
		req := b.buildUpdateMetadata(controllerEpoch, tps)
		if _, err := b.sender.SendUpdateMetadata(dest, req); err != nil {
			b.zlog.Warn("updateMetadata send failed",
				zap.Int32("dest", int32(dest)), zap.Error(err))
		}
	}
	b.updateMetadata = make(map[types.BrokerID]map[types.TopicPartition]bool)
}

// buildUpdateMetadata snapshots the context state of the given partitions
func (b *Batcher) buildUpdateMetadata(controllerEpoch int32, tps map[types.TopicPartition]bool) *protocol.UpdateMetadataRequest {
	req := &protocol.UpdateMetadataRequest{
		ControllerID:    b.controllerID,
		ControllerEpoch: controllerEpoch,
	}
	for _, id := range b.ctx.RegisteredBrokerIDs() {
		reg, _ := b.ctx.Broker(id)
		req.LiveBrokers = append(req.LiveBrokers, protocol.UpdateMetadataBroker{
			ID:   reg.ID,
			Host: reg.Host,
			Port: reg.Port,
			Rack: reg.Rack,
		})
	}
	for tp := range tps {
		info, ok := b.ctx.LeaderInfo(tp)
		if !ok {
			continue
		}
		assignment, _ := b.ctx.Assignment(tp)
		topicID, _ := b.ctx.TopicID(tp.Topic)
		var offline []types.BrokerID
		for _, r := range assignment.Replicas {
			if !b.ctx.IsRegistered(r) {
				offline = append(offline, r)
			}
		}
		req.Partitions = append(req.Partitions, protocol.UpdateMetadataPartition{
			TopicPartition:  tp,
			TopicID:         topicID,
			ControllerEpoch: controllerEpoch,
			Leader:          info.Leader,
			LeaderEpoch:     info.LeaderEpoch,
			ISR:             info.ISR,
			PartitionEpoch:  info.PartitionEpoch,
			Replicas:        assignment.Replicas,
			OfflineReplicas: offline,
		})
	}
	return req
}
