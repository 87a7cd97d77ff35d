// Package protocol defines the typed control-plane and data-plane messages
// exchanged between the controller and brokers, and between clients and the
// replica layer. Wire framing and byte codecs live outside the core.
package protocol

import (
	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/types"
)

// LeaderAndISRPartitionState is the per-partition payload of a LeaderAndISR
// request
type LeaderAndISRPartitionState struct {
	TopicPartition types.TopicPartition
	TopicID        uuid.UUID

	Leader         types.BrokerID
	LeaderEpoch    int32
	ISR            []types.BrokerID
	PartitionEpoch int32
	RecoveryState  types.LeaderRecoveryState

	Replicas []types.BrokerID
	Adding   []types.BrokerID
	Removing []types.BrokerID

	// IsNew marks a replica created by this request rather than recovered
	// from a previous generation
	IsNew bool
}

// LeaderAndISRRequest instructs a broker to make partitions leaders or
// followers
type LeaderAndISRRequest struct {
	ControllerID    types.BrokerID
	ControllerEpoch int32
	BrokerEpoch     int64
	Partitions      []LeaderAndISRPartitionState
}

// LeaderAndISRResponse carries a per-partition error kind
type LeaderAndISRResponse struct {
	Error      errors.Kind
	Partitions map[types.TopicPartition]errors.Kind
}

// StopReplicaPartition is the per-partition payload of a StopReplica request.
// LeaderEpoch must be >= the replica's current epoch; the NoEpoch and
// EpochDuringDelete sentinels bypass the comparison.
type StopReplicaPartition struct {
	TopicPartition types.TopicPartition
	LeaderEpoch    int32
	Delete         bool
}

// StopReplicaRequest instructs a broker to stop (and possibly delete)
// replicas
type StopReplicaRequest struct {
	ControllerID    types.BrokerID
	ControllerEpoch int32
	BrokerEpoch     int64
	Partitions      []StopReplicaPartition
}

// StopReplicaResponse carries a per-partition error kind
type StopReplicaResponse struct {
	Error      errors.Kind
	Partitions map[types.TopicPartition]errors.Kind
}

// UpdateMetadataBroker describes a live broker in an UpdateMetadata request
type UpdateMetadataBroker struct {
	ID   types.BrokerID
	Host string
	Port int32
	Rack string
}

// UpdateMetadataPartition is the cached metadata for one partition
type UpdateMetadataPartition struct {
	TopicPartition types.TopicPartition
	TopicID        uuid.UUID

	ControllerEpoch int32
	Leader          types.BrokerID
	LeaderEpoch     int32
	ISR             []types.BrokerID
	PartitionEpoch  int32
	Replicas        []types.BrokerID
	OfflineReplicas []types.BrokerID
}

// UpdateMetadataRequest refreshes a broker's metadata cache. Pure cache
// update, no role changes.
type UpdateMetadataRequest struct {
	ControllerID    types.BrokerID
	ControllerEpoch int32
	BrokerEpoch     int64
	LiveBrokers     []UpdateMetadataBroker
	Partitions      []UpdateMetadataPartition
}

// UpdateMetadataResponse carries a single global error
type UpdateMetadataResponse struct {
	Error errors.Kind
}

// AlterPartitionItem proposes a new ISR for one partition
type AlterPartitionItem struct {
	TopicPartition types.TopicPartition
	TopicID        uuid.UUID

	LeaderID       types.BrokerID
	LeaderEpoch    int32
	NewISR         []types.BrokerID
	PartitionEpoch int32
	RecoveryState  types.LeaderRecoveryState
}

// AlterPartitionRequest is sent by a partition leader to the controller to
// commit an ISR change
type AlterPartitionRequest struct {
	BrokerID    types.BrokerID
	BrokerEpoch int64
	Partitions  []AlterPartitionItem
}

// AlterPartitionPartitionResponse is the committed state or error for one
// proposed change
type AlterPartitionPartitionResponse struct {
	Error        errors.Kind
	LeaderAndISR types.LeaderAndISR
}

// AlterPartitionResponse answers an AlterPartitionRequest
type AlterPartitionResponse struct {
	Error      errors.Kind
	Partitions map[types.TopicPartition]AlterPartitionPartitionResponse
}

// ControlledShutdownRequest asks the controller to move leadership away
// from a broker that is shutting down
type ControlledShutdownRequest struct {
	BrokerID    types.BrokerID
	BrokerEpoch int64
}

// ControlledShutdownResponse lists the partitions the controller could not
// yet move; the broker retries while any remain
type ControlledShutdownResponse struct {
	Error               errors.Kind
	PartitionsRemaining []types.TopicPartition
}
