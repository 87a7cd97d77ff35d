// Package controller implements the cluster coordinator: one broker holds
// the coordinator lease at a time and drives leader election, partition
// reassignment, topic deletion and preferred-leader rebalance through a
// single-threaded event loop over an in-memory cluster context.
package controller

import (
	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/metastore"
	"github.com/gstreamio/corelog/pkg/types"
)

// PartitionReplica identifies one replica of one partition
type PartitionReplica struct {
	TopicPartition types.TopicPartition
	Replica        types.BrokerID
}

// Context is the coordinator's in-memory cluster view. It is owned
// exclusively by the controller's event-processing goroutine; writing it
// from anywhere else is a programmer error. It exists only while this
// broker holds the coordinator lease and is dropped on resignation.
type Context struct {
	// Epoch is the controller epoch under which this context was built
	Epoch int32

	liveBrokers    map[types.BrokerID]metastore.BrokerRegistration
	shuttingDown   map[types.BrokerID]bool
	topics         map[string]uuid.UUID
	assignments    map[types.TopicPartition]types.ReplicaAssignment
	leaderInfo     map[types.TopicPartition]types.LeaderAndISR
	reassigning    map[types.TopicPartition]bool
	partitionState map[types.TopicPartition]PartitionState
	replicaState   map[PartitionReplica]ReplicaState

	topicsToBeDeleted     map[string]bool
	topicsIneligible      map[string]bool
	topicsDeletionStarted map[string]bool
}

// NewContext creates an empty context for the given controller epoch
func NewContext(epoch int32) *Context {
	return &Context{
		Epoch:                 epoch,
		liveBrokers:           make(map[types.BrokerID]metastore.BrokerRegistration),
		shuttingDown:          make(map[types.BrokerID]bool),
		topics:                make(map[string]uuid.UUID),
		assignments:           make(map[types.TopicPartition]types.ReplicaAssignment),
		leaderInfo:            make(map[types.TopicPartition]types.LeaderAndISR),
		reassigning:           make(map[types.TopicPartition]bool),
		partitionState:        make(map[types.TopicPartition]PartitionState),
		replicaState:          make(map[PartitionReplica]ReplicaState),
		topicsToBeDeleted:     make(map[string]bool),
		topicsIneligible:      make(map[string]bool),
		topicsDeletionStarted: make(map[string]bool),
	}
}

// --- brokers ---

// SetLiveBrokers replaces the live broker set
func (c *Context) SetLiveBrokers(brokers []metastore.BrokerRegistration) {
	c.liveBrokers = make(map[types.BrokerID]metastore.BrokerRegistration, len(brokers))
	for _, b := range brokers {
		c.liveBrokers[b.ID] = b
	}
}

// IsLive reports whether a broker is registered and not shutting down
func (c *Context) IsLive(id types.BrokerID) bool {
	_, ok := c.liveBrokers[id]
	return ok && !c.shuttingDown[id]
}

// IsRegistered reports whether a broker is registered, shutting down or not
func (c *Context) IsRegistered(id types.BrokerID) bool {
	_, ok := c.liveBrokers[id]
	return ok
}

// LiveBrokerIDs returns the ids of live, non-shutting-down brokers
func (c *Context) LiveBrokerIDs() []types.BrokerID {
	out := make([]types.BrokerID, 0, len(c.liveBrokers))
	for id := range c.liveBrokers {
		if !c.shuttingDown[id] {
			out = append(out, id)
		}
	}
	return out
}

// RegisteredBrokerIDs returns every registered broker id
func (c *Context) RegisteredBrokerIDs() []types.BrokerID {
	out := make([]types.BrokerID, 0, len(c.liveBrokers))
	for id := range c.liveBrokers {
		out = append(out, id)
	}
	return out
}

// Broker returns a broker's registration
func (c *Context) Broker(id types.BrokerID) (metastore.BrokerRegistration, bool) {
	b, ok := c.liveBrokers[id]
	return b, ok
}

// MarkShuttingDown records a broker entering controlled shutdown
func (c *Context) MarkShuttingDown(id types.BrokerID) {
	c.shuttingDown[id] = true
}

// ClearShuttingDown removes the controlled-shutdown mark
func (c *Context) ClearShuttingDown(id types.BrokerID) {
	delete(c.shuttingDown, id)
}

// --- topics ---

// AddTopic records a topic with its id
func (c *Context) AddTopic(name string, id uuid.UUID) {
	c.topics[name] = id
}

// RemoveTopic drops a topic and all its per-partition state
func (c *Context) RemoveTopic(name string) {
	delete(c.topics, name)
	delete(c.topicsToBeDeleted, name)
	delete(c.topicsIneligible, name)
	delete(c.topicsDeletionStarted, name)
	for tp := range c.assignments {
		if tp.Topic == name {
			delete(c.assignments, tp)
			delete(c.leaderInfo, tp)
			delete(c.reassigning, tp)
			delete(c.partitionState, tp)
		}
	}
	for pr := range c.replicaState {
		if pr.TopicPartition.Topic == name {
			delete(c.replicaState, pr)
		}
	}
}

// Topics returns all topic names
func (c *Context) Topics() []string {
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// TopicID resolves a topic's id
func (c *Context) TopicID(name string) (uuid.UUID, bool) {
	id, ok := c.topics[name]
	return id, ok
}

// HasTopic reports whether the topic exists
func (c *Context) HasTopic(name string) bool {
	_, ok := c.topics[name]
	return ok
}

// --- assignments and leadership ---

// SetAssignment records a partition's replica assignment
func (c *Context) SetAssignment(tp types.TopicPartition, a types.ReplicaAssignment) {
	c.assignments[tp] = a.Clone()
}

// Assignment returns a partition's replica assignment
func (c *Context) Assignment(tp types.TopicPartition) (types.ReplicaAssignment, bool) {
	a, ok := c.assignments[tp]
	if !ok {
		return types.ReplicaAssignment{}, false
	}
	return a.Clone(), true
}

// PartitionsOfTopic lists the partitions of one topic
func (c *Context) PartitionsOfTopic(topic string) []types.TopicPartition {
	var out []types.TopicPartition
	for tp := range c.assignments {
		if tp.Topic == topic {
			out = append(out, tp)
		}
	}
	return out
}

// AllPartitions lists every known partition
func (c *Context) AllPartitions() []types.TopicPartition {
	out := make([]types.TopicPartition, 0, len(c.assignments))
	for tp := range c.assignments {
		out = append(out, tp)
	}
	return out
}

// PartitionsOnBroker lists partitions with a replica on the broker
func (c *Context) PartitionsOnBroker(id types.BrokerID) []types.TopicPartition {
	var out []types.TopicPartition
	for tp, a := range c.assignments {
		if a.Contains(id) {
			out = append(out, tp)
		}
	}
	return out
}

// PartitionsLedBy lists partitions whose current leader is the broker
func (c *Context) PartitionsLedBy(id types.BrokerID) []types.TopicPartition {
	var out []types.TopicPartition
	for tp, info := range c.leaderInfo {
		if info.Leader == id {
			out = append(out, tp)
		}
	}
	return out
}

// SetLeaderInfo records a partition's leadership snapshot
func (c *Context) SetLeaderInfo(tp types.TopicPartition, info types.LeaderAndISR) {
	c.leaderInfo[tp] = info.Clone()
}

// LeaderInfo returns a partition's leadership snapshot
func (c *Context) LeaderInfo(tp types.TopicPartition) (types.LeaderAndISR, bool) {
	info, ok := c.leaderInfo[tp]
	if !ok {
		return types.LeaderAndISR{}, false
	}
	return info.Clone(), true
}

// --- reassignment markers ---

// MarkReassigning flags a partition as being reassigned
func (c *Context) MarkReassigning(tp types.TopicPartition) {
	c.reassigning[tp] = true
}

// ClearReassigning removes the reassignment flag
func (c *Context) ClearReassigning(tp types.TopicPartition) {
	delete(c.reassigning, tp)
}

// IsReassigning reports whether a partition is being reassigned
func (c *Context) IsReassigning(tp types.TopicPartition) bool {
	return c.reassigning[tp]
}

// ReassigningPartitions lists partitions with a reassignment in flight
func (c *Context) ReassigningPartitions() []types.TopicPartition {
	out := make([]types.TopicPartition, 0, len(c.reassigning))
	for tp := range c.reassigning {
		out = append(out, tp)
	}
	return out
}

// TopicHasReassigningPartitions reports whether any partition of the topic
// is being reassigned
func (c *Context) TopicHasReassigningPartitions(topic string) bool {
	for tp := range c.reassigning {
		if tp.Topic == topic {
			return true
		}
	}
	return false
}

// --- state machines ---

// PartitionStateOf returns a partition's state, NonExistent by default
func (c *Context) PartitionStateOf(tp types.TopicPartition) PartitionState {
	return c.partitionState[tp]
}

// SetPartitionState records a partition's state
func (c *Context) SetPartitionState(tp types.TopicPartition, s PartitionState) {
	c.partitionState[tp] = s
}

// ReplicaStateOf returns a replica's state, NonExistentReplica by default
func (c *Context) ReplicaStateOf(pr PartitionReplica) ReplicaState {
	return c.replicaState[pr]
}

// SetReplicaState records a replica's state
func (c *Context) SetReplicaState(pr PartitionReplica, s ReplicaState) {
	c.replicaState[pr] = s
}

// ReplicasOfTopicInState lists the topic's replicas currently in state s
func (c *Context) ReplicasOfTopicInState(topic string, s ReplicaState) []PartitionReplica {
	var out []PartitionReplica
	for pr, state := range c.replicaState {
		if pr.TopicPartition.Topic == topic && state == s {
			out = append(out, pr)
		}
	}
	return out
}

// OfflinePartitionCount counts partitions currently Offline
func (c *Context) OfflinePartitionCount() int {
	n := 0
	for _, s := range c.partitionState {
		if s == PartitionOffline {
			n++
		}
	}
	return n
}

// PreferredReplicaImbalanceCount counts online partitions whose leader is
// not the preferred (first assigned) replica
func (c *Context) PreferredReplicaImbalanceCount() int {
	n := 0
	for tp, a := range c.assignments {
		if len(a.Replicas) == 0 {
			continue
		}
		info, ok := c.leaderInfo[tp]
		if !ok || info.Leader == types.NoLeader {
			continue
		}
		if info.Leader != a.Replicas[0] {
			n++
		}
	}
	return n
}

// --- deletion bookkeeping ---

// QueueTopicForDeletion marks a topic as awaiting deletion
func (c *Context) QueueTopicForDeletion(topic string) {
	c.topicsToBeDeleted[topic] = true
}

// TopicsToBeDeleted lists topics awaiting deletion
func (c *Context) TopicsToBeDeleted() []string {
	out := make([]string, 0, len(c.topicsToBeDeleted))
	for t := range c.topicsToBeDeleted {
		out = append(out, t)
	}
	return out
}

// IsTopicQueuedForDeletion reports whether the topic awaits deletion
func (c *Context) IsTopicQueuedForDeletion(topic string) bool {
	return c.topicsToBeDeleted[topic]
}

// MarkTopicIneligibleForDeletion blocks a topic's deletion until cleared
func (c *Context) MarkTopicIneligibleForDeletion(topic string) {
	c.topicsIneligible[topic] = true
}

// ClearTopicIneligibleForDeletion re-eligibilizes a topic
func (c *Context) ClearTopicIneligibleForDeletion(topic string) {
	delete(c.topicsIneligible, topic)
}

// IsTopicIneligibleForDeletion reports whether deletion is blocked
func (c *Context) IsTopicIneligibleForDeletion(topic string) bool {
	return c.topicsIneligible[topic]
}

// MarkTopicDeletionStarted records that replica deletion has begun
func (c *Context) MarkTopicDeletionStarted(topic string) {
	c.topicsDeletionStarted[topic] = true
}

// IsTopicDeletionStarted reports whether replica deletion has begun
func (c *Context) IsTopicDeletionStarted(topic string) bool {
	return c.topicsDeletionStarted[topic]
}
