// Package metastore defines the typed interface to the external metadata
// store: coordinator lease, broker registrations, topic assignments,
// per-partition leadership state, and the watch surface the controller
// drives its event loop from. The consensus implementation behind it is an
// external collaborator; MemStore provides the in-process implementation.
package metastore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/types"
)

var (
	// ErrCoordinatorMoved is returned for writes carrying a stale
	// controller epoch; the caller must resign
	ErrCoordinatorMoved = errors.New("coordinator moved")

	// ErrVersionConflict is returned when an optimistic-concurrency write
	// loses the race; the caller re-reads and may retry
	ErrVersionConflict = errors.New("version conflict")

	// ErrLeaseHeld is returned when another broker holds the coordinator lease
	ErrLeaseHeld = errors.New("coordinator lease held")

	// ErrNotFound is returned for reads of absent entities
	ErrNotFound = errors.New("not found")

	// ErrTopicExists is returned when creating a topic that already exists
	ErrTopicExists = errors.New("topic exists")

	// ErrStaleBrokerEpoch is returned when a broker operation carries an
	// epoch older than the current registration
	ErrStaleBrokerEpoch = errors.New("stale broker epoch")
)

// BrokerRegistration is a broker's liveness record
type BrokerRegistration struct {
	ID   types.BrokerID
	Host string
	Port int32
	Rack string

	// Epoch is assigned by the store on registration and fences requests
	// from previous incarnations of the broker
	Epoch int64
}

// ProducerIDBlock is a contiguous range of producer ids granted to a broker
type ProducerIDBlock struct {
	FirstID int64
	LastID  int64
}

// CancelFunc unregisters a watch
type CancelFunc func()

// Store is the metadata-store surface the core depends on. Every mutating
// controller call carries the expected controller epoch; a stale epoch
// surfaces as ErrCoordinatorMoved. Watch callbacks fire after the mutation
// is visible and must not block.
type Store interface {
	// --- Coordinator lease ---

	// ClaimLease atomically claims the coordinator lease for brokerID and
	// returns the new, strictly increased controller epoch. Fails with
	// ErrLeaseHeld while another claimant holds it.
	ClaimLease(ctx context.Context, brokerID types.BrokerID) (int32, error)

	// ReleaseLease gives up the lease if brokerID holds it
	ReleaseLease(brokerID types.BrokerID) error

	// Controller returns the current lease holder
	Controller() (types.BrokerID, bool)

	// ControllerEpoch returns the current controller epoch
	ControllerEpoch() int32

	// WatchLease fires when the lease is released or changes hands
	WatchLease(fn func()) CancelFunc

	// --- Brokers ---

	// RegisterBroker records a live broker and returns its broker epoch
	RegisterBroker(ctx context.Context, reg BrokerRegistration) (int64, error)

	// UnregisterBroker removes a broker's liveness record
	UnregisterBroker(brokerID types.BrokerID) error

	// LiveBrokers returns current registrations
	LiveBrokers() []BrokerRegistration

	// BrokerEpoch returns the epoch of a live broker
	BrokerEpoch(brokerID types.BrokerID) (int64, bool)

	// WatchBrokers fires on any broker set change
	WatchBrokers(fn func()) CancelFunc

	// --- Topics ---

	// CreateTopic records a topic with its id and assignment
	CreateTopic(ctx context.Context, topic string, topicID uuid.UUID, assignment map[int32]types.ReplicaAssignment) error

	// Topics lists all topic names
	Topics() []string

	// TopicID resolves a topic name to its stable id
	TopicID(topic string) (uuid.UUID, bool)

	// Assignment returns the replica assignment of a topic
	Assignment(topic string) (map[int32]types.ReplicaAssignment, bool)

	// SetAssignment replaces a topic's assignment. Controller-only.
	SetAssignment(ctx context.Context, controllerEpoch int32, topic string, assignment map[int32]types.ReplicaAssignment) error

	// RemoveTopic deletes the topic, its assignment and partition state.
	// Controller-only.
	RemoveTopic(ctx context.Context, controllerEpoch int32, topic string) error

	// WatchTopics fires on topic creation and removal
	WatchTopics(fn func()) CancelFunc

	// --- Topic deletion queue ---

	// QueueTopicDeletion marks topics for deletion; admin entry point
	QueueTopicDeletion(ctx context.Context, topics ...string) error

	// TopicsQueuedForDeletion lists queued topics
	TopicsQueuedForDeletion() []string

	// ClearTopicDeletion removes the deletion marker once the topic is gone
	ClearTopicDeletion(ctx context.Context, controllerEpoch int32, topic string) error

	// WatchTopicDeletions fires when topics are queued for deletion
	WatchTopicDeletions(fn func()) CancelFunc

	// --- Partition leadership state ---

	// LeaderAndISR reads the current leadership snapshot of a partition
	LeaderAndISR(tp types.TopicPartition) (types.LeaderAndISR, bool)

	// InitLeaderAndISR writes the first leadership snapshot for a new
	// partition. Controller-only.
	InitLeaderAndISR(ctx context.Context, controllerEpoch int32, tp types.TopicPartition, state types.LeaderAndISR) error

	// UpdateLeaderAndISR compare-and-swaps the leadership snapshot: the
	// write succeeds only if the stored partition epoch equals
	// expectedPartitionEpoch, and commits with the epoch incremented.
	// Controller-only. Returns the committed snapshot.
	UpdateLeaderAndISR(ctx context.Context, controllerEpoch int32, tp types.TopicPartition, expectedPartitionEpoch int32, state types.LeaderAndISR) (types.LeaderAndISR, error)

	// RemoveLeaderAndISR deletes partition state on topic deletion.
	// Controller-only.
	RemoveLeaderAndISR(ctx context.Context, controllerEpoch int32, tp types.TopicPartition) error

	// --- Triggers ---

	// RequestReassignment records an administrative reassignment intent
	RequestReassignment(ctx context.Context, topic string, target map[int32][]types.BrokerID) error

	// PendingReassignments drains recorded reassignment intents
	PendingReassignments() map[types.TopicPartition][]types.BrokerID

	// WatchReassignments fires when a reassignment intent is recorded
	WatchReassignments(fn func()) CancelFunc

	// RequestPreferredElection records an administrative preferred-leader
	// election trigger
	RequestPreferredElection(ctx context.Context, partitions []types.TopicPartition) error

	// PendingPreferredElections drains recorded election triggers
	PendingPreferredElections() []types.TopicPartition

	// WatchPreferredElections fires when an election trigger is recorded
	WatchPreferredElections(fn func()) CancelFunc

	// NotifyLogDirFailure reports that a broker lost a log directory
	NotifyLogDirFailure(ctx context.Context, brokerID types.BrokerID) error

	// WatchLogDirFailures fires with the failed broker's id
	WatchLogDirFailures(fn func(types.BrokerID)) CancelFunc

	// --- Features and producer ids ---

	// Features returns the finalized feature levels
	Features() map[string]int16

	// SetFeatures replaces the finalized feature levels. Controller-only.
	SetFeatures(ctx context.Context, controllerEpoch int32, features map[string]int16) error

	// AllocateProducerIDBlock grants the next producer-id block to a broker
	AllocateProducerIDBlock(ctx context.Context, brokerID types.BrokerID, brokerEpoch int64) (ProducerIDBlock, error)
}
