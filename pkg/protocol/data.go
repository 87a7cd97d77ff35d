package protocol

import (
	"time"

	"github.com/gstreamio/corelog/pkg/errors"
	"github.com/gstreamio/corelog/pkg/storage"
	"github.com/gstreamio/corelog/pkg/types"
)

// AppendOrigin tells the replica layer where an append came from; client
// appends are validated, replication appends are not
type AppendOrigin int8

const (
	// AppendOriginClient is a produce request
	AppendOriginClient AppendOrigin = iota
	// AppendOriginReplication is a follower applying fetched batches
	AppendOriginReplication
	// AppendOriginCoordinator is an internal control record
	AppendOriginCoordinator
)

// RequiredAcks is the produce durability level
type RequiredAcks int16

const (
	// AcksAll waits until every ISR member has the record
	AcksAll RequiredAcks = -1
	// AcksNone asks for no acknowledgement; the broker responds once the
	// leader write returns, as for AcksLeader
	AcksNone RequiredAcks = 0
	// AcksLeader waits for the leader write only
	AcksLeader RequiredAcks = 1
)

// Valid reports whether the acks value is one the protocol accepts
func (a RequiredAcks) Valid() bool {
	return a == AcksAll || a == AcksNone || a == AcksLeader
}

// ProduceRequest appends record batches to a set of partitions
type ProduceRequest struct {
	// TransactionalID is set for transactional produces
	TransactionalID string
	Acks            RequiredAcks
	Timeout         time.Duration
	Batches         map[types.TopicPartition]types.RecordBatch
}

// ProducePartitionResponse is the per-partition produce result
type ProducePartitionResponse struct {
	Error          errors.Kind
	ErrorMessage   string
	BaseOffset     types.Offset
	LogAppendTime  int64
	LogStartOffset types.Offset
}

// FetchIsolation bounds what a fetch can see
type FetchIsolation int8

const (
	// FetchLogEnd reads to the log end offset; used by followers
	FetchLogEnd FetchIsolation = iota
	// FetchHighWatermark reads to the high watermark; read_uncommitted consumers
	FetchHighWatermark
	// FetchTxnCommitted reads to the last stable offset; read_committed consumers
	FetchTxnCommitted
)

// StorageIsolation maps the fetch isolation onto the log read bound
func (i FetchIsolation) StorageIsolation() storage.IsolationLevel {
	switch i {
	case FetchLogEnd:
		return storage.FetchLogEnd
	case FetchTxnCommitted:
		return storage.ReadCommitted
	default:
		return storage.ReadUncommitted
	}
}

// ConsumerID is the replica id carried by non-follower fetches
const ConsumerID types.BrokerID = -1

// FutureLocalReplicaID marks fetches issued by the future-log catch-up
// path against the local current log
const FutureLocalReplicaID types.BrokerID = -2

// ClientMetadata describes the fetching client for preferred read-replica
// selection
type ClientMetadata struct {
	RackID   string
	ClientID string
}

// FetchParams are the request-level fetch parameters
type FetchParams struct {
	// ReplicaID is the fetching follower, or ConsumerID for consumers
	ReplicaID types.BrokerID
	// ReplicaEpoch is the broker epoch of the fetching follower
	ReplicaEpoch int64
	MaxWait      time.Duration
	MinBytes     int
	MaxBytes     int
	Isolation    FetchIsolation
	// ClientMetadata is present only on consumer fetches
	ClientMetadata *ClientMetadata
}

// IsFromFollower reports whether the fetch comes from a replica
func (p FetchParams) IsFromFollower() bool {
	return p.ReplicaID >= 0 || p.ReplicaID == FutureLocalReplicaID
}

// IsFromConsumer reports whether the fetch comes from a client
func (p FetchParams) IsFromConsumer() bool {
	return p.ReplicaID == ConsumerID
}

// FetchOnlyLeader reports whether the fetch must be served by the leader
func (p FetchParams) FetchOnlyLeader() bool {
	return p.IsFromFollower() || p.ClientMetadata == nil
}

// FetchPartition is the per-partition fetch input
type FetchPartition struct {
	FetchOffset        types.Offset
	LogStartOffset     types.Offset
	MaxBytes           int
	CurrentLeaderEpoch int32
	// LastFetchedEpoch is the epoch of the last batch the follower has,
	// used for divergence detection
	LastFetchedEpoch int32
}

// DivergingEpoch tells a follower where its log diverges from the leader's
type DivergingEpoch struct {
	Epoch     int32
	EndOffset types.Offset
}

// FetchPartitionData is the per-partition fetch result
type FetchPartitionData struct {
	Error                errors.Kind
	HighWatermark        types.Offset
	LogStartOffset       types.Offset
	LogEndOffset         types.Offset
	LastStableOffset     types.Offset
	Batches              []types.RecordBatch
	DivergingEpoch       *DivergingEpoch
	PreferredReadReplica types.BrokerID
}

// DeleteRecordsHighWatermark requests truncation up to the high watermark
const DeleteRecordsHighWatermark types.Offset = -1

// DeleteRecordsPartition requests a log-head truncation up to Offset
type DeleteRecordsPartition struct {
	TopicPartition types.TopicPartition
	Offset         types.Offset
}

// DeleteRecordsRequest truncates log heads on a set of partitions
type DeleteRecordsRequest struct {
	Timeout    time.Duration
	Partitions []DeleteRecordsPartition
}

// DeleteRecordsPartitionResponse reports the new low watermark
type DeleteRecordsPartitionResponse struct {
	Error        errors.Kind
	LowWatermark types.Offset
}

// OffsetForLeaderEpochPartition asks for the end offset of an epoch
type OffsetForLeaderEpochPartition struct {
	TopicPartition     types.TopicPartition
	CurrentLeaderEpoch int32
	LeaderEpoch        int32
}

// EpochEndOffset answers an OffsetForLeaderEpoch query
type EpochEndOffset struct {
	Error       errors.Kind
	LeaderEpoch int32
	EndOffset   types.Offset
}

// ListOffsetTimestamp sentinels for offset lookup by time
const (
	// EarliestTimestamp resolves to the log start offset
	EarliestTimestamp int64 = -2
	// LatestTimestamp resolves to the high watermark or LEO per isolation
	LatestTimestamp int64 = -1
)
