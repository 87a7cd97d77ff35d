package types

import (
	"fmt"

	"github.com/google/uuid"
)

// BrokerID identifies a broker in the cluster
type BrokerID int32

// Offset represents a position in a partition log
type Offset int64

// Epoch values used across control messages
const (
	// NoLeader indicates a partition currently has no leader
	NoLeader BrokerID = -1

	// NoEpoch indicates the sender makes no claim about the leader epoch.
	// Epoch comparison is skipped when a control message carries it.
	NoEpoch int32 = -1

	// EpochDuringDelete is carried by StopReplica requests issued while the
	// topic is being deleted. Like NoEpoch it bypasses epoch comparison.
	EpochDuringDelete int32 = -2

	// InitialLeaderEpoch is the epoch assigned to a partition's first leader
	InitialLeaderEpoch int32 = 0

	// InitialPartitionEpoch is the version assigned on partition creation
	InitialPartitionEpoch int32 = 0

	// NoPartitionEpoch indicates the partition epoch is unknown
	NoPartitionEpoch int32 = -1
)

// TopicPartition is the identity of a single partition
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String returns "topic-partition"
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// TopicIDPartition pairs a TopicPartition with its stable topic UUID.
// The UUID, once assigned, never changes while the topic exists.
type TopicIDPartition struct {
	TopicID uuid.UUID
	TopicPartition
}

// ZeroTopicID is the nil UUID, meaning no topic ID has been assigned
var ZeroTopicID = uuid.UUID{}

// LeaderRecoveryState indicates whether the current leader was elected
// cleanly from the ISR or is recovering from an unclean election
type LeaderRecoveryState int8

const (
	// LeaderRecovered is the normal state
	LeaderRecovered LeaderRecoveryState = iota
	// LeaderRecovering means the leader was elected uncleanly and is
	// rebuilding its state; the ISR must contain only the leader
	LeaderRecovering
)

// String returns the string representation of the recovery state
func (s LeaderRecoveryState) String() string {
	switch s {
	case LeaderRecovered:
		return "Recovered"
	case LeaderRecovering:
		return "Recovering"
	default:
		return "Unknown"
	}
}

// LeaderAndISR is the leadership snapshot for one partition as recorded in
// the metadata store and fanned out by the controller
type LeaderAndISR struct {
	// Leader is the current leader, or NoLeader
	Leader BrokerID

	// LeaderEpoch is monotonically non-decreasing per partition
	LeaderEpoch int32

	// ISR is the set of in-sync replica ids
	ISR []BrokerID

	// PartitionEpoch is strictly monotone on every update; it is the CAS
	// token for metadata-store writes
	PartitionEpoch int32

	// RecoveryState tracks unclean-election recovery
	RecoveryState LeaderRecoveryState
}

// NewLeaderAndISR returns a snapshot for a freshly created partition
func NewLeaderAndISR(leader BrokerID, isr []BrokerID) LeaderAndISR {
	return LeaderAndISR{
		Leader:         leader,
		LeaderEpoch:    InitialLeaderEpoch,
		ISR:            isr,
		PartitionEpoch: InitialPartitionEpoch,
		RecoveryState:  LeaderRecovered,
	}
}

// WithNewLeader returns a copy with the given leader and a bumped leader epoch
func (l LeaderAndISR) WithNewLeader(leader BrokerID) LeaderAndISR {
	c := l
	c.Leader = leader
	c.LeaderEpoch++
	c.ISR = append([]BrokerID(nil), l.ISR...)
	return c
}

// WithISR returns a copy with the given ISR
func (l LeaderAndISR) WithISR(isr []BrokerID) LeaderAndISR {
	c := l
	c.ISR = append([]BrokerID(nil), isr...)
	return c
}

// ISRContains reports whether id is in the ISR
func (l LeaderAndISR) ISRContains(id BrokerID) bool {
	for _, r := range l.ISR {
		if r == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (l LeaderAndISR) Clone() LeaderAndISR {
	c := l
	c.ISR = append([]BrokerID(nil), l.ISR...)
	return c
}

// ReplicaAssignment is the replica set for a partition, including any
// in-flight reassignment markers
type ReplicaAssignment struct {
	// Replicas is the full ordered replica list; during a reassignment it is
	// the union of the origin and target sets
	Replicas []BrokerID

	// Adding are replicas being added by a reassignment (subset of Replicas)
	Adding []BrokerID

	// Removing are replicas being removed by a reassignment (subset of Replicas)
	Removing []BrokerID
}

// SimpleAssignment returns an assignment with no reassignment in flight
func SimpleAssignment(replicas []BrokerID) ReplicaAssignment {
	return ReplicaAssignment{Replicas: append([]BrokerID(nil), replicas...)}
}

// IsBeingReassigned reports whether a reassignment is in flight
func (a ReplicaAssignment) IsBeingReassigned() bool {
	return len(a.Adding) > 0 || len(a.Removing) > 0
}

// Origin returns Replicas minus Adding: the replica set before the reassignment
func (a ReplicaAssignment) Origin() []BrokerID {
	return subtract(a.Replicas, a.Adding)
}

// Target returns Replicas minus Removing: the replica set after the reassignment
func (a ReplicaAssignment) Target() []BrokerID {
	return subtract(a.Replicas, a.Removing)
}

// Contains reports whether id is in the full replica list
func (a ReplicaAssignment) Contains(id BrokerID) bool {
	for _, r := range a.Replicas {
		if r == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy
func (a ReplicaAssignment) Clone() ReplicaAssignment {
	return ReplicaAssignment{
		Replicas: append([]BrokerID(nil), a.Replicas...),
		Adding:   append([]BrokerID(nil), a.Adding...),
		Removing: append([]BrokerID(nil), a.Removing...),
	}
}

// Reassigning returns the assignment recorded at the start of a reassignment
// from origin to target: Replicas = target ∪ origin (target replicas first,
// preserving order), Adding = target \ origin, Removing = origin \ target.
func Reassigning(origin, target []BrokerID) ReplicaAssignment {
	full := append([]BrokerID(nil), target...)
	for _, r := range origin {
		if !contains(full, r) {
			full = append(full, r)
		}
	}
	return ReplicaAssignment{
		Replicas: full,
		Adding:   subtract(target, origin),
		Removing: subtract(origin, target),
	}
}

func contains(ids []BrokerID, id BrokerID) bool {
	for _, r := range ids {
		if r == id {
			return true
		}
	}
	return false
}

func subtract(a, b []BrokerID) []BrokerID {
	out := make([]BrokerID, 0, len(a))
	for _, r := range a {
		if !contains(b, r) {
			out = append(out, r)
		}
	}
	return out
}

// Record is a single record in a partition log
type Record struct {
	// Offset in the log; assigned on append
	Offset Offset

	// Key (optional)
	Key []byte

	// Value is the record payload
	Value []byte

	// Timestamp in Unix milliseconds
	Timestamp int64

	// Headers (optional metadata)
	Headers map[string][]byte
}

// RecordBatch is an ordered run of records appended together under one
// leader epoch
type RecordBatch struct {
	// BaseOffset of the first record; assigned on append
	BaseOffset Offset

	// LeaderEpoch under which the batch was appended
	LeaderEpoch int32

	// Records in the batch
	Records []Record
}

// LastOffset returns the offset of the last record in the batch
func (b RecordBatch) LastOffset() Offset {
	if len(b.Records) == 0 {
		return b.BaseOffset - 1
	}
	return b.BaseOffset + Offset(len(b.Records)) - 1
}

// SizeBytes returns an accounting size for quota and max-bytes checks
func (b RecordBatch) SizeBytes() int {
	n := 0
	for _, r := range b.Records {
		n += len(r.Key) + len(r.Value)
		for k, v := range r.Headers {
			n += len(k) + len(v)
		}
	}
	return n
}
