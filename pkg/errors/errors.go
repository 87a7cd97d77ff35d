package errors

import (
	"errors"
	"fmt"
)

// Kind is the typed protocol error carried per partition in responses.
// Kinds never cross the broker entry point as panics; each partition's
// error is captured into its response slot.
type Kind int16

const (
	// None indicates no error
	None Kind = iota

	// Fencing errors: the caller holds stale epoch information and must
	// refresh its metadata. Never retried locally.

	// StaleControllerEpoch fences control RPCs from a deposed controller
	StaleControllerEpoch
	// StaleBrokerEpoch fences requests carrying an old broker epoch
	StaleBrokerEpoch
	// FencedLeaderEpoch fences requests carrying a leader epoch older than
	// the current one
	FencedLeaderEpoch
	// UnknownLeaderEpoch indicates a leader epoch newer than the current one
	UnknownLeaderEpoch
	// NotController indicates the receiver is not the active controller
	NotController

	// Placement errors: surfaced to the caller, which refreshes metadata.

	// NotLeaderOrFollower indicates this broker hosts no usable replica
	NotLeaderOrFollower
	// UnknownTopicOrPartition indicates the partition does not exist here
	UnknownTopicOrPartition
	// InconsistentTopicID indicates the request topic ID does not match the log
	InconsistentTopicID
	// PreferredReplicaNotAvailable indicates the preferred read replica is gone
	PreferredReplicaNotAvailable

	// Storage errors

	// StorageError indicates the partition's log directory is offline
	StorageError
	// CorruptRecord indicates a record failed validation
	CorruptRecord
	// RecordTooLarge indicates a single record exceeds the configured maximum
	RecordTooLarge
	// RecordBatchTooLarge indicates a batch exceeds the configured maximum
	RecordBatchTooLarge
	// OffsetOutOfRange indicates a fetch offset outside the log range
	OffsetOutOfRange

	// Transient resource errors: the caller retries.

	// CoordinatorNotAvailable indicates no controller is currently elected
	CoordinatorNotAvailable
	// ReplicaNotAvailable indicates a replica is temporarily missing
	ReplicaNotAvailable
	// NotEnoughReplicas indicates the ISR is below min.insync.replicas
	NotEnoughReplicas
	// NotEnoughReplicasAfterAppend indicates the ISR shrank below
	// min.insync.replicas after the record was written
	NotEnoughReplicasAfterAppend
	// RequestTimedOut indicates a delayed operation expired
	RequestTimedOut

	// Protocol and validation errors: never retried.

	// InvalidRequiredAcks indicates acks outside {-1, 0, 1}
	InvalidRequiredAcks
	// InvalidTopic indicates a write to an internal or malformed topic
	InvalidTopic
	// InvalidReplicaAssignment indicates a malformed replica assignment
	InvalidReplicaAssignment
	// InvalidUpdateVersion indicates a partition epoch going backwards
	InvalidUpdateVersion
	// InvalidRequest indicates a structurally invalid request
	InvalidRequest
	// IneligibleReplica indicates a proposed ISR contains a fenced or
	// unknown replica
	IneligibleReplica
	// PolicyViolation indicates the operation is disabled by configuration
	PolicyViolation

	// Transaction errors

	// InvalidProducerIDMapping indicates an unknown producer id
	InvalidProducerIDMapping
	// InvalidTxnState indicates the partition has no ongoing transaction
	InvalidTxnState
	// DuplicateSequenceNumber indicates an idempotent-producer replay
	DuplicateSequenceNumber

	// Election errors

	// EligibleLeadersNotAvailable indicates no ISR replica is alive
	EligibleLeadersNotAvailable
	// ElectionNotNeeded indicates the preferred replica already leads
	ElectionNotNeeded
	// PreferredLeaderNotAvailable indicates the preferred replica cannot lead
	PreferredLeaderNotAvailable

	// UnknownServerError is the mapping for any unclassified failure
	UnknownServerError
)

var kindNames = map[Kind]string{
	None:                         "None",
	StaleControllerEpoch:         "StaleControllerEpoch",
	StaleBrokerEpoch:             "StaleBrokerEpoch",
	FencedLeaderEpoch:            "FencedLeaderEpoch",
	UnknownLeaderEpoch:           "UnknownLeaderEpoch",
	NotController:                "NotController",
	NotLeaderOrFollower:          "NotLeaderOrFollower",
	UnknownTopicOrPartition:      "UnknownTopicOrPartition",
	InconsistentTopicID:          "InconsistentTopicID",
	PreferredReplicaNotAvailable: "PreferredReplicaNotAvailable",
	StorageError:                 "StorageError",
	CorruptRecord:                "CorruptRecord",
	RecordTooLarge:               "RecordTooLarge",
	RecordBatchTooLarge:          "RecordBatchTooLarge",
	OffsetOutOfRange:             "OffsetOutOfRange",
	CoordinatorNotAvailable:      "CoordinatorNotAvailable",
	ReplicaNotAvailable:          "ReplicaNotAvailable",
	NotEnoughReplicas:            "NotEnoughReplicas",
	NotEnoughReplicasAfterAppend: "NotEnoughReplicasAfterAppend",
	RequestTimedOut:              "RequestTimedOut",
	InvalidRequiredAcks:          "InvalidRequiredAcks",
	InvalidTopic:                 "InvalidTopic",
	InvalidReplicaAssignment:     "InvalidReplicaAssignment",
	InvalidUpdateVersion:         "InvalidUpdateVersion",
	InvalidRequest:               "InvalidRequest",
	IneligibleReplica:            "IneligibleReplica",
	PolicyViolation:              "PolicyViolation",
	InvalidProducerIDMapping:     "InvalidProducerIDMapping",
	InvalidTxnState:              "InvalidTxnState",
	DuplicateSequenceNumber:      "DuplicateSequenceNumber",
	EligibleLeadersNotAvailable:  "EligibleLeadersNotAvailable",
	ElectionNotNeeded:            "ElectionNotNeeded",
	PreferredLeaderNotAvailable:  "PreferredLeaderNotAvailable",
	UnknownServerError:           "UnknownServerError",
}

// String returns the name of the kind
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "Unknown"
}

// Retriable reports whether a caller should retry the operation after
// refreshing metadata or backing off
func (k Kind) Retriable() bool {
	switch k {
	case NotLeaderOrFollower, UnknownTopicOrPartition, CoordinatorNotAvailable,
		ReplicaNotAvailable, NotEnoughReplicas, NotEnoughReplicasAfterAppend,
		RequestTimedOut, FencedLeaderEpoch, UnknownLeaderEpoch, NotController,
		PreferredReplicaNotAvailable, EligibleLeadersNotAvailable:
		return true
	default:
		return false
	}
}

// Error is a structured error carrying a protocol kind, the failing
// operation, and the underlying cause
type Error struct {
	// Kind is the protocol error kind
	Kind Kind
	// Op is the operation that failed
	Op string
	// Message is an optional human-readable message
	Message string
	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Message, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New creates an error of the given kind
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with the given kind and operation. Returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the protocol kind of err. A nil error maps to None and
// unclassified errors map to UnknownServerError.
func KindOf(err error) Kind {
	if err == nil {
		return None
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return UnknownServerError
}

// IsKind reports whether err carries the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retriable reports whether err should be retried by the caller
func Retriable(err error) bool {
	return KindOf(err).Retriable()
}
