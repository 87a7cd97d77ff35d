package metastore

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gstreamio/corelog/pkg/logger"
	"github.com/gstreamio/corelog/pkg/types"
	"go.uber.org/zap"
)

// producerIDBlockSize is the number of producer ids granted per allocation
const producerIDBlockSize = 1000

// MemStore is the in-process Store implementation. It preserves the
// interface's concurrency semantics: CAS on the coordinator lease and on
// partition epochs, watch callbacks fired after mutations commit.
type MemStore struct {
	mu sync.Mutex

	controller      types.BrokerID
	hasController   bool
	controllerEpoch int32

	brokers         map[types.BrokerID]BrokerRegistration
	nextBrokerEpoch int64

	topics      map[string]uuid.UUID
	assignments map[string]map[int32]types.ReplicaAssignment
	partitions  map[types.TopicPartition]types.LeaderAndISR

	deletionQueue map[string]bool

	pendingReassignments map[types.TopicPartition][]types.BrokerID
	pendingElections     []types.TopicPartition

	features       map[string]int16
	nextProducerID int64

	watches watchSet

	log *zap.Logger
}

// watchSet holds registered watch callbacks by kind
type watchSet struct {
	nextID         int
	lease          map[int]func()
	brokers        map[int]func()
	topics         map[int]func()
	deletions      map[int]func()
	reassignments  map[int]func()
	elections      map[int]func()
	logDirFailures map[int]func(types.BrokerID)
}

// NewMemStore creates an empty in-memory metadata store
func NewMemStore() *MemStore {
	return &MemStore{
		brokers:              make(map[types.BrokerID]BrokerRegistration),
		nextBrokerEpoch:      1,
		topics:               make(map[string]uuid.UUID),
		assignments:          make(map[string]map[int32]types.ReplicaAssignment),
		partitions:           make(map[types.TopicPartition]types.LeaderAndISR),
		deletionQueue:        make(map[string]bool),
		pendingReassignments: make(map[types.TopicPartition][]types.BrokerID),
		features:             make(map[string]int16),
		watches: watchSet{
			lease:          make(map[int]func()),
			brokers:        make(map[int]func()),
			topics:         make(map[int]func()),
			deletions:      make(map[int]func()),
			reassignments:  make(map[int]func()),
			elections:      make(map[int]func()),
			logDirFailures: make(map[int]func(types.BrokerID)),
		},
		log: logger.Named("metastore"),
	}
}

// checkControllerEpochLocked rejects writes from a deposed controller
func (s *MemStore) checkControllerEpochLocked(epoch int32) error {
	if epoch != s.controllerEpoch {
		return ErrCoordinatorMoved
	}
	return nil
}

// --- Coordinator lease ---

func (s *MemStore) ClaimLease(_ context.Context, brokerID types.BrokerID) (int32, error) {
	s.mu.Lock()
	if s.hasController && s.controller != brokerID {
		s.mu.Unlock()
		return 0, ErrLeaseHeld
	}
	s.controller = brokerID
	s.hasController = true
	s.controllerEpoch++
	epoch := s.controllerEpoch
	fns := snapshot(s.watches.lease)
	s.mu.Unlock()

	s.log.Info("coordinator lease claimed",
		zap.Int32("broker", int32(brokerID)),
		zap.Int32("epoch", epoch))
	fire(fns)
	return epoch, nil
}

func (s *MemStore) ReleaseLease(brokerID types.BrokerID) error {
	s.mu.Lock()
	if !s.hasController || s.controller != brokerID {
		s.mu.Unlock()
		return nil
	}
	s.hasController = false
	fns := snapshot(s.watches.lease)
	s.mu.Unlock()

	s.log.Info("coordinator lease released", zap.Int32("broker", int32(brokerID)))
	fire(fns)
	return nil
}

func (s *MemStore) Controller() (types.BrokerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controller, s.hasController
}

func (s *MemStore) ControllerEpoch() int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controllerEpoch
}

func (s *MemStore) WatchLease(fn func()) CancelFunc {
	return s.register(s.watches.lease, fn)
}

// --- Brokers ---

func (s *MemStore) RegisterBroker(_ context.Context, reg BrokerRegistration) (int64, error) {
	s.mu.Lock()
	reg.Epoch = s.nextBrokerEpoch
	s.nextBrokerEpoch++
	s.brokers[reg.ID] = reg
	fns := snapshot(s.watches.brokers)
	s.mu.Unlock()

	fire(fns)
	return reg.Epoch, nil
}

func (s *MemStore) UnregisterBroker(brokerID types.BrokerID) error {
	s.mu.Lock()
	if _, ok := s.brokers[brokerID]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.brokers, brokerID)
	fns := snapshot(s.watches.brokers)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) LiveBrokers() []BrokerRegistration {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]BrokerRegistration, 0, len(s.brokers))
	for _, reg := range s.brokers {
		out = append(out, reg)
	}
	return out
}

func (s *MemStore) BrokerEpoch(brokerID types.BrokerID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.brokers[brokerID]
	return reg.Epoch, ok
}

func (s *MemStore) WatchBrokers(fn func()) CancelFunc {
	return s.register(s.watches.brokers, fn)
}

// --- Topics ---

func (s *MemStore) CreateTopic(_ context.Context, topic string, topicID uuid.UUID, assignment map[int32]types.ReplicaAssignment) error {
	s.mu.Lock()
	if _, ok := s.topics[topic]; ok {
		s.mu.Unlock()
		return ErrTopicExists
	}
	s.topics[topic] = topicID
	s.assignments[topic] = cloneAssignment(assignment)
	fns := snapshot(s.watches.topics)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

func (s *MemStore) TopicID(topic string) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.topics[topic]
	return id, ok
}

func (s *MemStore) Assignment(topic string) (map[int32]types.ReplicaAssignment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assignments[topic]
	if !ok {
		return nil, false
	}
	return cloneAssignment(a), true
}

func (s *MemStore) SetAssignment(_ context.Context, controllerEpoch int32, topic string, assignment map[int32]types.ReplicaAssignment) error {
	s.mu.Lock()
	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.topics[topic]; !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.assignments[topic] = cloneAssignment(assignment)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) RemoveTopic(_ context.Context, controllerEpoch int32, topic string) error {
	s.mu.Lock()
	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.topics, topic)
	delete(s.assignments, topic)
	for tp := range s.partitions {
		if tp.Topic == topic {
			delete(s.partitions, tp)
		}
	}
	fns := snapshot(s.watches.topics)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) WatchTopics(fn func()) CancelFunc {
	return s.register(s.watches.topics, fn)
}

// --- Deletion queue ---

func (s *MemStore) QueueTopicDeletion(_ context.Context, topics ...string) error {
	s.mu.Lock()
	for _, t := range topics {
		s.deletionQueue[t] = true
	}
	fns := snapshot(s.watches.deletions)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) TopicsQueuedForDeletion() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.deletionQueue))
	for t := range s.deletionQueue {
		out = append(out, t)
	}
	return out
}

func (s *MemStore) ClearTopicDeletion(_ context.Context, controllerEpoch int32, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		return err
	}
	delete(s.deletionQueue, topic)
	return nil
}

func (s *MemStore) WatchTopicDeletions(fn func()) CancelFunc {
	return s.register(s.watches.deletions, fn)
}

// --- Partition leadership state ---

func (s *MemStore) LeaderAndISR(tp types.TopicPartition) (types.LeaderAndISR, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.partitions[tp]
	if !ok {
		return types.LeaderAndISR{}, false
	}
	return state.Clone(), true
}

func (s *MemStore) InitLeaderAndISR(_ context.Context, controllerEpoch int32, tp types.TopicPartition, state types.LeaderAndISR) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		return err
	}
	if _, ok := s.partitions[tp]; ok {
		return ErrVersionConflict
	}
	s.partitions[tp] = state.Clone()
	return nil
}

func (s *MemStore) UpdateLeaderAndISR(_ context.Context, controllerEpoch int32, tp types.TopicPartition, expectedPartitionEpoch int32, state types.LeaderAndISR) (types.LeaderAndISR, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		return types.LeaderAndISR{}, err
	}
	cur, ok := s.partitions[tp]
	if !ok {
		return types.LeaderAndISR{}, ErrNotFound
	}
	if cur.PartitionEpoch != expectedPartitionEpoch {
		return types.LeaderAndISR{}, ErrVersionConflict
	}
	committed := state.Clone()
	committed.PartitionEpoch = expectedPartitionEpoch + 1
	s.partitions[tp] = committed
	return committed.Clone(), nil
}

func (s *MemStore) RemoveLeaderAndISR(_ context.Context, controllerEpoch int32, tp types.TopicPartition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		return err
	}
	delete(s.partitions, tp)
	return nil
}

// --- Triggers ---

func (s *MemStore) RequestReassignment(_ context.Context, topic string, target map[int32][]types.BrokerID) error {
	s.mu.Lock()
	for partition, replicas := range target {
		tp := types.TopicPartition{Topic: topic, Partition: partition}
		s.pendingReassignments[tp] = append([]types.BrokerID(nil), replicas...)
	}
	fns := snapshot(s.watches.reassignments)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) PendingReassignments() map[types.TopicPartition][]types.BrokerID {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pendingReassignments
	s.pendingReassignments = make(map[types.TopicPartition][]types.BrokerID)
	return out
}

func (s *MemStore) WatchReassignments(fn func()) CancelFunc {
	return s.register(s.watches.reassignments, fn)
}

func (s *MemStore) RequestPreferredElection(_ context.Context, partitions []types.TopicPartition) error {
	s.mu.Lock()
	s.pendingElections = append(s.pendingElections, partitions...)
	fns := snapshot(s.watches.elections)
	s.mu.Unlock()

	fire(fns)
	return nil
}

func (s *MemStore) PendingPreferredElections() []types.TopicPartition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.pendingElections
	s.pendingElections = nil
	return out
}

func (s *MemStore) WatchPreferredElections(fn func()) CancelFunc {
	return s.register(s.watches.elections, fn)
}

func (s *MemStore) NotifyLogDirFailure(_ context.Context, brokerID types.BrokerID) error {
	s.mu.Lock()
	fns := make([]func(types.BrokerID), 0, len(s.watches.logDirFailures))
	for _, fn := range s.watches.logDirFailures {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(brokerID)
	}
	return nil
}

func (s *MemStore) WatchLogDirFailures(fn func(types.BrokerID)) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.watches.nextID
	s.watches.nextID++
	s.watches.logDirFailures[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.watches.logDirFailures, id)
	}
}

// --- Features and producer ids ---

func (s *MemStore) Features() map[string]int16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]int16, len(s.features))
	for k, v := range s.features {
		out[k] = v
	}
	return out
}

func (s *MemStore) SetFeatures(_ context.Context, controllerEpoch int32, features map[string]int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkControllerEpochLocked(controllerEpoch); err != nil {
		return err
	}
	s.features = make(map[string]int16, len(features))
	for k, v := range features {
		s.features[k] = v
	}
	return nil
}

func (s *MemStore) AllocateProducerIDBlock(_ context.Context, brokerID types.BrokerID, brokerEpoch int64) (ProducerIDBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.brokers[brokerID]
	if !ok {
		return ProducerIDBlock{}, ErrNotFound
	}
	if reg.Epoch != brokerEpoch {
		return ProducerIDBlock{}, ErrStaleBrokerEpoch
	}
	block := ProducerIDBlock{
		FirstID: s.nextProducerID,
		LastID:  s.nextProducerID + producerIDBlockSize - 1,
	}
	s.nextProducerID += producerIDBlockSize
	return block, nil
}

// --- watch plumbing ---

func (s *MemStore) register(m map[int]func(), fn func()) CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.watches.nextID
	s.watches.nextID++
	m[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(m, id)
	}
}

func snapshot(m map[int]func()) []func() {
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	return fns
}

func fire(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

func cloneAssignment(a map[int32]types.ReplicaAssignment) map[int32]types.ReplicaAssignment {
	out := make(map[int32]types.ReplicaAssignment, len(a))
	for p, ra := range a {
		out[p] = ra.Clone()
	}
	return out
}
